package gotenks

import (
	"fmt"
	"time"

	"github.com/hanwen/go-fuse/v2/fuse"
	"github.com/hanwen/go-fuse/v2/fuse/nodefs"
	"github.com/hanwen/go-fuse/v2/fuse/pathfs"
)

// Mount exposes the filesystem at the given mount point and serves until
// the host unmounts it. Callbacks are dispatched on a single thread, and
// the deferred metadata is flushed once serving ends.
func (fs *FileSystem) Mount(mountpoint string) error {
	nfs := pathfs.NewPathNodeFs(&pathFS{
		FileSystem: pathfs.NewDefaultFileSystem(),
		fs:         fs,
	}, nil)
	server, _, err := nodefs.Mount(mountpoint, nfs.Root(), &fuse.MountOptions{
		Name:           "gotenksfs",
		FsName:         fs.image,
		SingleThreaded: true,
	}, nodefs.NewOptions())
	if err != nil {
		return fmt.Errorf("could not mount %s at %s: %w", fs.image, mountpoint, err)
	}
	server.Serve()
	if err := fs.Destroy(); err != nil {
		return fmt.Errorf("could not flush %s: %w", fs.image, err)
	}
	return nil
}

// pathFS adapts the façade to the host library's path-based callback
// surface. Paths arrive without a leading separator; the root is "".
type pathFS struct {
	pathfs.FileSystem
	fs *FileSystem
}

func (p *pathFS) String() string {
	return "gotenksfs"
}

func (p *pathFS) OnMount(*pathfs.PathNodeFs) {
	p.fs.Init()
}

func (p *pathFS) StatFs(name string) *fuse.StatfsOut {
	st, err := p.fs.Statfs(abs(name))
	if err != nil {
		return nil
	}
	return &fuse.StatfsOut{
		Blocks:  st.Blocks,
		Bfree:   st.FreeBlocks,
		Bavail:  st.FreeBlocks,
		Files:   st.Files,
		Ffree:   st.FreeFiles,
		Bsize:   st.BlockSize,
		NameLen: st.NameLen,
		Frsize:  st.BlockSize,
	}
}

func (p *pathFS) GetAttr(name string, _ *fuse.Context) (*fuse.Attr, fuse.Status) {
	st, err := p.fs.Metadata(abs(name))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return attrFromStat(st, p.fs.sb.BlockSize), fuse.OK
}

func (p *pathFS) OpenDir(name string, _ *fuse.Context) ([]fuse.DirEntry, fuse.Status) {
	entries, err := p.fs.ReadDir(abs(name))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	stream := make([]fuse.DirEntry, 0, len(entries))
	for _, e := range entries {
		stream = append(stream, fuse.DirEntry{
			Name: e.Name,
			Mode: e.Stat.Mode,
			Ino:  e.Stat.Ino,
		})
	}
	return stream, fuse.OK
}

func (p *pathFS) Open(name string, _ uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	handle, err := p.fs.OpenFile(abs(name))
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return newFile(p.fs, abs(name), handle), fuse.OK
}

func (p *pathFS) Create(name string, _, mode uint32, _ *fuse.Context) (nodefs.File, fuse.Status) {
	handle, err := p.fs.CreateFile(abs(name), mode)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return newFile(p.fs, abs(name), handle), fuse.OK
}

func (p *pathFS) Mkdir(name string, mode uint32, _ *fuse.Context) fuse.Status {
	return fuse.ToStatus(p.fs.Mkdir(abs(name), mode))
}

func (p *pathFS) Rmdir(name string, _ *fuse.Context) fuse.Status {
	return fuse.ToStatus(p.fs.Rmdir(abs(name)))
}

func (p *pathFS) Unlink(name string, _ *fuse.Context) fuse.Status {
	return fuse.ToStatus(p.fs.Remove(abs(name)))
}

func (p *pathFS) Truncate(name string, size uint64, _ *fuse.Context) fuse.Status {
	st, err := p.fs.Metadata(abs(name))
	if err != nil {
		return fuse.ToStatus(err)
	}
	return fuse.ToStatus(p.fs.Truncate(abs(name), size, st.Ino))
}

func (p *pathFS) Chmod(name string, mode uint32, _ *fuse.Context) fuse.Status {
	return fuse.ToStatus(p.fs.Chmod(abs(name), mode))
}

func (p *pathFS) Utimens(name string, atime, mtime *time.Time, _ *fuse.Context) fuse.Status {
	var a, m *int64
	if atime != nil {
		s := atime.Unix()
		a = &s
	}
	if mtime != nil {
		s := mtime.Unix()
		m = &s
	}
	return fuse.ToStatus(p.fs.Utimens(abs(name), a, m))
}

func (p *pathFS) Access(name string, _ uint32, _ *fuse.Context) fuse.Status {
	// mode bits are recorded, never enforced
	_, err := p.fs.Metadata(abs(name))
	return fuse.ToStatus(err)
}

// file is an open handle: the path it was opened under and the inode
// number the façade handed out.
type file struct {
	nodefs.File
	fs     *FileSystem
	path   string
	handle uint64
}

func newFile(fs *FileSystem, path string, handle uint64) nodefs.File {
	return &file{
		File:   nodefs.NewDefaultFile(),
		fs:     fs,
		path:   path,
		handle: handle,
	}
}

func (f *file) String() string {
	return fmt.Sprintf("gotenksFile(%s)", f.path)
}

func (f *file) Read(dest []byte, off int64) (fuse.ReadResult, fuse.Status) {
	n, err := f.fs.ReadFile(f.path, dest, uint64(off), f.handle)
	if err != nil {
		return nil, fuse.ToStatus(err)
	}
	return fuse.ReadResultData(dest[:n]), fuse.OK
}

func (f *file) Write(data []byte, off int64) (uint32, fuse.Status) {
	n, err := f.fs.WriteFile(f.path, data, uint64(off), f.handle)
	if err != nil {
		return uint32(n), fuse.ToStatus(err)
	}
	return uint32(n), fuse.OK
}

func (f *file) Truncate(size uint64) fuse.Status {
	return fuse.ToStatus(f.fs.Truncate(f.path, size, f.handle))
}

func (f *file) GetAttr(out *fuse.Attr) fuse.Status {
	st, err := f.fs.Metadata(f.path)
	if err != nil {
		return fuse.ToStatus(err)
	}
	*out = *attrFromStat(st, f.fs.sb.BlockSize)
	return fuse.OK
}

// Flush persists the superblock and bitmaps so a long-lived mount does not
// keep all allocation state in memory until unmount.
func (f *file) Flush() fuse.Status {
	f.fs.flushMetadata()
	return fuse.OK
}

func (f *file) Fsync(_ int) fuse.Status {
	return fuse.ToStatus(f.fs.Destroy())
}

func abs(name string) string {
	return "/" + name
}

func attrFromStat(st *Stat, blockSize uint32) *fuse.Attr {
	return &fuse.Attr{
		Ino:     st.Ino,
		Size:    st.Size,
		Blocks:  st.Blocks,
		Atime:   uint64(st.Atime),
		Mtime:   uint64(st.Mtime),
		Ctime:   uint64(st.Ctime),
		Mode:    st.Mode,
		Nlink:   st.Nlink,
		Owner:   fuse.Owner{Uid: st.UID, Gid: st.GID},
		Blksize: blockSize,
	}
}
