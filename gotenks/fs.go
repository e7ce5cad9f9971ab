package gotenks

import (
	"fmt"
	"os"
	"path"
	"strings"

	"golang.org/x/sys/unix"
)

// FileSystem is a mounted gotenksfs image: the superblock, the per-group
// allocation state, and a writable memory-mapped view of the image file.
// All operations assume single-threaded invocation by the host.
type FileSystem struct {
	sb     *Superblock
	groups []*group
	mmap   []byte
	file   *os.File
	image  string
}

// Stat is the metadata record the façade reports for one inode.
type Stat struct {
	Ino    uint64
	Mode   uint32
	Nlink  uint32
	UID    uint32
	GID    uint32
	Size   uint64
	Blocks uint64
	Atime  int64
	Mtime  int64
	Ctime  int64
	Crtime uint64
}

// DirEntry is one directory entry together with its inode's stat.
type DirEntry struct {
	Name string
	Ino  uint32
	Stat Stat
}

// Statfs reports filesystem-wide geometry, derived from the superblock.
type Statfs struct {
	BlockSize  uint32
	Blocks     uint64
	FreeBlocks uint64
	Files      uint64
	FreeFiles  uint64
	NameLen    uint32
}

// Read opens an existing image, verifies its superblock, maps it into
// memory, loads the group bitmaps, and materializes the root directory if
// this is the first mount. A checksum mismatch refuses the mount.
func Read(image string) (*FileSystem, error) {
	f, err := os.OpenFile(image, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	m, err := unix.Mmap(int(f.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("could not map %s: %w", image, err)
	}
	fs := &FileSystem{mmap: m, file: f, image: image}
	if err := fs.load(); err != nil {
		_ = fs.Close()
		return nil, err
	}
	return fs, nil
}

func (fs *FileSystem) load() error {
	if uint64(len(fs.mmap)) < SuperblockSize {
		return fmt.Errorf("image %s is smaller than the superblock slot", fs.image)
	}
	sb, err := superblockFromBytes(fs.mmap[:SuperblockSize])
	if err != nil {
		return fmt.Errorf("could not read %s: %w", fs.image, err)
	}
	bg := blockGroupSize(sb.BlockSize)
	if want := SuperblockSize + uint64(sb.Groups)*bg; uint64(len(fs.mmap)) < want {
		return fmt.Errorf("image %s truncated: %d bytes, geometry wants %d", fs.image, len(fs.mmap), want)
	}
	fs.sb = sb
	fs.groups = make([]*group, 0, sb.Groups)
	bs := uint64(sb.BlockSize)
	for i := uint32(0); i < sb.Groups; i++ {
		off := SuperblockSize + uint64(i)*bg
		fs.groups = append(fs.groups, groupFromBytes(fs.mmap[off:off+bs], fs.mmap[off+bs:off+2*bs]))
	}
	return fs.createRoot()
}

// createRoot allocates inode 1 and its directory block on the first mount
// of a fresh image.
func (fs *FileSystem) createRoot() error {
	if fs.groups[0].hasInode(int(RootInode)) {
		return nil
	}
	ino, err := fs.allocateInode()
	if err != nil {
		return fmt.Errorf("could not allocate the root inode: %w", err)
	}
	blk, err := fs.allocateDataBlock()
	if err != nil {
		return fmt.Errorf("could not allocate the root directory block: %w", err)
	}
	in := &Inode{
		Mode:      unix.S_IFDIR | 0o777,
		HardLinks: 2,
		UID:       fs.sb.UID,
		GID:       fs.sb.GID,
		CreatedAt: now(),
	}
	in.DirectBlocks[0] = blk
	fs.writeDirectory(newDirectory(), blk)
	fs.saveInode(in, ino)
	return nil
}

// Close unmaps the image and closes the backing file. It does not flush;
// that is Destroy's job.
func (fs *FileSystem) Close() error {
	if fs.mmap != nil {
		if err := unix.Munmap(fs.mmap); err != nil {
			return err
		}
		fs.mmap = nil
	}
	return fs.file.Close()
}

// Image returns the path of the backing image file.
func (fs *FileSystem) Image() string {
	return fs.image
}

// Superblock returns the live superblock.
func (fs *FileSystem) Superblock() *Superblock {
	return fs.sb
}

// Init stamps the superblock mount and modification times. The host calls
// it once when the mount is established.
func (fs *FileSystem) Init() {
	fs.sb.UpdateLastMountedAt()
	fs.sb.UpdateModifiedAt()
}

// Destroy serializes the superblock and every group's bitmaps back into the
// image at their canonical offsets and flushes the mapping. Inodes,
// directories, and file data are written through the map as they change, so
// this is the only deferred state.
func (fs *FileSystem) Destroy() error {
	fs.flushMetadata()
	if err := unix.Msync(fs.mmap, unix.MS_SYNC); err != nil {
		return unix.EIO
	}
	return nil
}

func (fs *FileSystem) flushMetadata() {
	copy(fs.mmap[:SuperblockSize], fs.sb.toBytes())
	bg := blockGroupSize(fs.sb.BlockSize)
	bs := uint64(fs.sb.BlockSize)
	for i, g := range fs.groups {
		off := SuperblockSize + uint64(i)*bg
		copy(fs.mmap[off:off+bs], g.dataBitmap.toBytes())
		copy(fs.mmap[off+bs:off+2*bs], g.inodeBitmap.toBytes())
	}
}

// Statfs reports geometry for the root path; any other path does not name
// a filesystem.
func (fs *FileSystem) Statfs(p string) (*Statfs, error) {
	if p != "/" {
		return nil, unix.ENOENT
	}
	return &Statfs{
		BlockSize:  fs.sb.BlockSize,
		Blocks:     uint64(fs.sb.BlockCount),
		FreeBlocks: uint64(fs.sb.FreeBlocks),
		Files:      uint64(fs.sb.InodeCount),
		FreeFiles:  uint64(fs.sb.FreeInodes),
		NameLen:    255,
	}, nil
}

// Metadata resolves a path and returns its inode's stat record.
func (fs *FileSystem) Metadata(p string) (*Stat, error) {
	in, ino, err := fs.findInodeFromPath(p)
	if err != nil {
		return nil, err
	}
	st := statFromInode(in, ino)
	return &st, nil
}

// ReadDir resolves a path to a directory and returns its entries in
// filename order, each with its inode's stat.
func (fs *FileSystem) ReadDir(p string) ([]DirEntry, error) {
	dir, _, _, err := fs.findDir(p)
	if err != nil {
		return nil, err
	}
	entries := make([]DirEntry, 0, len(dir.entries))
	for _, name := range dir.names() {
		ino := dir.entries[name]
		in, err := fs.findInode(ino)
		if err != nil {
			return nil, err
		}
		entries = append(entries, DirEntry{Name: name, Ino: ino, Stat: statFromInode(in, ino)})
	}
	return entries, nil
}

// CreateFile allocates an inode for a new file, stamps it with the image's
// owner, and links it into the parent directory. No data block is
// allocated until the first write. The returned handle is the inode number.
func (fs *FileSystem) CreateFile(p string, mode uint32) (uint64, error) {
	dir, parent, leaf, err := fs.findParent(p)
	if err != nil {
		return 0, err
	}
	if _, ok := dir.entry(leaf); ok {
		return 0, unix.EEXIST
	}
	ino, err := fs.allocateInode()
	if err != nil {
		return 0, err
	}
	dir.setEntry(leaf, ino)
	if dir.encodedLen() > int(fs.sb.BlockSize) {
		dir.removeEntry(leaf)
		fs.releaseInode(ino)
		return 0, unix.ENOSPC
	}
	in := &Inode{
		Mode:      mode,
		HardLinks: 1,
		UID:       fs.sb.UID,
		GID:       fs.sb.GID,
		CreatedAt: now(),
	}
	fs.saveInode(in, ino)
	fs.writeDirectory(dir, parent.DirectBlocks[0])
	return uint64(ino), nil
}

// OpenFile resolves a path, updates its access time, and returns the inode
// number as the open handle.
func (fs *FileSystem) OpenFile(p string) (uint64, error) {
	in, ino, err := fs.findInodeFromPath(p)
	if err != nil {
		return 0, err
	}
	in.touchAccessed()
	fs.saveInode(in, ino)
	return uint64(ino), nil
}

// WriteFile writes buf at the given byte offset, allocating data and
// pointer blocks on demand, and returns the number of bytes written.
func (fs *FileSystem) WriteFile(p string, buf []byte, offset, handle uint64) (int, error) {
	if handle == 0 {
		return 0, unix.EINVAL
	}
	ino := uint32(handle)
	in, err := fs.findInode(ino)
	if err != nil {
		return 0, err
	}
	bs := uint64(fs.sb.BlockSize)
	start := offset
	written := 0
	var werr error
	for written < len(buf) {
		n := uint32(offset / bs)
		within := offset % bs
		chunk := int(bs - within)
		if rest := len(buf) - written; chunk > rest {
			chunk = rest
		}
		blk, err := fs.allocDataBlockAt(in, n)
		if err != nil {
			werr = err
			break
		}
		copy(fs.blockSlice(blk)[within:], buf[written:written+chunk])
		written += chunk
		offset += uint64(chunk)
	}
	in.touchModified()
	if start < in.Size {
		if end := start + uint64(written); end > in.Size {
			in.Size = end
		}
	} else {
		in.Size += uint64(written)
	}
	in.BlockCount = in.Size/512 + 1
	fs.saveInode(in, ino)
	return written, werr
}

// ReadFile reads into buf from the given byte offset, capped at the file
// size; reads past the end return short. Reading inside an unbacked region
// of a sparse file is an invalid request.
func (fs *FileSystem) ReadFile(p string, buf []byte, offset, handle uint64) (int, error) {
	if handle == 0 {
		return 0, unix.EINVAL
	}
	ino := uint32(handle)
	in, err := fs.findInode(ino)
	if err != nil {
		return 0, err
	}
	toRead := uint64(0)
	if offset < in.Size {
		toRead = in.Size - offset
	}
	if max := uint64(len(buf)); toRead > max {
		toRead = max
	}
	bs := uint64(fs.sb.BlockSize)
	read := 0
	for uint64(read) < toRead {
		n := uint32(offset / bs)
		within := offset % bs
		chunk := bs - within
		if rest := toRead - uint64(read); chunk > rest {
			chunk = rest
		}
		blk, err := fs.findDataBlock(in, n)
		if err != nil {
			return read, err
		}
		copy(buf[read:uint64(read)+chunk], fs.blockSlice(blk)[within:within+chunk])
		read += int(chunk)
		offset += chunk
	}
	in.touchAccessed()
	fs.saveInode(in, ino)
	return read, nil
}

// Truncate cuts a file back to zero length, releasing its direct blocks.
// The length argument is recorded in the signature for the host contract
// but truncation is always to zero for now.
func (fs *FileSystem) Truncate(p string, length, handle uint64) error {
	if handle == 0 {
		return unix.EINVAL
	}
	_ = length
	ino := uint32(handle)
	in, err := fs.findInode(ino)
	if err != nil {
		return err
	}
	for i, blk := range in.DirectBlocks {
		if blk != 0 {
			fs.releaseDataBlock(blk)
			in.DirectBlocks[i] = 0
		}
	}
	in.Size = 0
	in.BlockCount = 0
	in.touchModified()
	fs.saveInode(in, ino)
	return nil
}

// Remove unlinks a file: the parent entry goes away, every data and
// pointer block is released, and the inode is returned to its group.
func (fs *FileSystem) Remove(p string) error {
	dir, parent, leaf, err := fs.findParent(p)
	if err != nil {
		return err
	}
	ino, ok := dir.entry(leaf)
	if !ok {
		return unix.ENOENT
	}
	in, err := fs.findInode(ino)
	if err != nil {
		return err
	}
	if in.IsDir() {
		return unix.EISDIR
	}
	fs.releaseFileBlocks(in)
	fs.releaseInode(ino)
	dir.removeEntry(leaf)
	fs.writeDirectory(dir, parent.DirectBlocks[0])
	return nil
}

// Mkdir creates a directory: a fresh inode with link count 2, one data
// block holding an empty directory, and an entry in the parent.
func (fs *FileSystem) Mkdir(p string, mode uint32) error {
	dir, parent, leaf, err := fs.findParent(p)
	if err != nil {
		return err
	}
	if _, ok := dir.entry(leaf); ok {
		return unix.EEXIST
	}
	ino, err := fs.allocateInode()
	if err != nil {
		return err
	}
	blk, err := fs.allocateDataBlock()
	if err != nil {
		fs.releaseInode(ino)
		return err
	}
	dir.setEntry(leaf, ino)
	if dir.encodedLen() > int(fs.sb.BlockSize) {
		dir.removeEntry(leaf)
		fs.releaseDataBlock(blk)
		fs.releaseInode(ino)
		return unix.ENOSPC
	}
	in := &Inode{
		Mode:      mode | unix.S_IFDIR,
		HardLinks: 2,
		UID:       fs.sb.UID,
		GID:       fs.sb.GID,
		CreatedAt: now(),
	}
	in.DirectBlocks[0] = blk
	fs.writeDirectory(newDirectory(), blk)
	fs.saveInode(in, ino)
	fs.writeDirectory(dir, parent.DirectBlocks[0])
	return nil
}

// Rmdir removes an empty directory.
func (fs *FileSystem) Rmdir(p string) error {
	dir, parent, leaf, err := fs.findParent(p)
	if err != nil {
		return err
	}
	ino, ok := dir.entry(leaf)
	if !ok {
		return unix.ENOENT
	}
	in, err := fs.findInode(ino)
	if err != nil {
		return err
	}
	child, err := fs.readDirectory(in)
	if err != nil {
		return err
	}
	if !child.isEmpty() {
		return unix.ENOTEMPTY
	}
	if in.DirectBlocks[0] != 0 {
		fs.releaseDataBlock(in.DirectBlocks[0])
	}
	fs.releaseInode(ino)
	dir.removeEntry(leaf)
	fs.writeDirectory(dir, parent.DirectBlocks[0])
	return nil
}

// Chmod ors the given mode bits into the inode's mode.
func (fs *FileSystem) Chmod(p string, mode uint32) error {
	in, ino, err := fs.findInodeFromPath(p)
	if err != nil {
		return err
	}
	in.Mode |= mode
	t := nowSigned()
	in.ChangedAt = &t
	fs.saveInode(in, ino)
	return nil
}

// Utimens sets the access and modification times; a nil argument leaves
// the corresponding field untouched.
func (fs *FileSystem) Utimens(p string, atime, mtime *int64) error {
	in, ino, err := fs.findInodeFromPath(p)
	if err != nil {
		return err
	}
	if atime != nil {
		in.AccessedAt = atime
	}
	if mtime != nil {
		in.ModifiedAt = mtime
	}
	t := nowSigned()
	in.ChangedAt = &t
	fs.saveInode(in, ino)
	return nil
}

// --- path resolution ---

// findDir walks from the root inode, resolving each path component against
// the directory mapping, and returns the final directory, its inode, and
// its inode number.
func (fs *FileSystem) findDir(p string) (*Directory, *Inode, uint32, error) {
	ino := RootInode
	in, err := fs.findInode(ino)
	if err != nil {
		return nil, nil, 0, err
	}
	dir, err := fs.readDirectory(in)
	if err != nil {
		return nil, nil, 0, err
	}
	for _, comp := range splitComponents(p) {
		if comp == "" {
			return nil, nil, 0, unix.EINVAL
		}
		next, ok := dir.entry(comp)
		if !ok {
			return nil, nil, 0, unix.ENOENT
		}
		in, err = fs.findInode(next)
		if err != nil {
			return nil, nil, 0, err
		}
		dir, err = fs.readDirectory(in)
		if err != nil {
			return nil, nil, 0, err
		}
		ino = next
	}
	return dir, in, ino, nil
}

// findParent splits off the final path component and resolves the parent
// as a directory.
func (fs *FileSystem) findParent(p string) (*Directory, *Inode, string, error) {
	dirPath, leaf := splitPath(p)
	if leaf == "" {
		return nil, nil, "", unix.EINVAL
	}
	dir, parent, _, err := fs.findDir(dirPath)
	if err != nil {
		return nil, nil, "", err
	}
	return dir, parent, leaf, nil
}

// findInodeFromPath resolves a full path to its inode.
func (fs *FileSystem) findInodeFromPath(p string) (*Inode, uint32, error) {
	dirPath, leaf := splitPath(p)
	if leaf == "" {
		in, err := fs.findInode(RootInode)
		return in, RootInode, err
	}
	dir, _, _, err := fs.findDir(dirPath)
	if err != nil {
		return nil, 0, err
	}
	ino, ok := dir.entry(leaf)
	if !ok {
		return nil, 0, unix.ENOENT
	}
	in, err := fs.findInode(ino)
	if err != nil {
		return nil, 0, err
	}
	return in, ino, nil
}

func splitComponents(p string) []string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

func splitPath(p string) (dir, leaf string) {
	dir, leaf = path.Split(p)
	dir = strings.TrimSuffix(dir, "/")
	if dir == "" {
		dir = "/"
	}
	return dir, leaf
}

// --- inode and block plumbing ---

func (fs *FileSystem) findInode(index uint32) (*Inode, error) {
	if index == 0 || index > fs.sb.InodeCount {
		return nil, unix.ENOENT
	}
	gi, local := fs.inodeOffsets(index)
	if !fs.groups[gi].hasInode(int(local) + 1) {
		return nil, unix.ENOENT
	}
	off := fs.inodeSeek(index)
	in, err := inodeFromBytes(fs.mmap[off : off+uint64(InodeSize)])
	if err != nil {
		return nil, unix.EIO
	}
	return in, nil
}

func (fs *FileSystem) saveInode(in *Inode, index uint32) {
	off := fs.inodeSeek(index)
	slot := fs.mmap[off : off+uint64(InodeSize)]
	for i := range slot {
		slot[i] = 0
	}
	copy(slot, in.toBytes())
}

func (fs *FileSystem) readDirectory(in *Inode) (*Directory, error) {
	if !in.IsDir() {
		return nil, unix.ENOTDIR
	}
	blk := in.DirectBlocks[0]
	if blk == 0 {
		return nil, unix.EIO
	}
	dir, err := directoryFromBytes(fs.blockSlice(blk))
	if err != nil {
		return nil, unix.EIO
	}
	return dir, nil
}

func (fs *FileSystem) writeDirectory(d *Directory, blk uint32) {
	b := fs.blockSlice(blk)
	for i := range b {
		b[i] = 0
	}
	copy(b, d.toBytes())
}

// inodeOffsets decomposes a whole-filesystem inode number into its group
// index and 0-based slot within the group. The per-group count is a power
// of two, so the slot is taken with a mask.
func (fs *FileSystem) inodeOffsets(index uint32) (grp, local uint32) {
	per := fs.sb.DataBlocksPerGroup
	return (index - 1) / per, (index - 1) & (per - 1)
}

func (fs *FileSystem) dataOffsets(index uint32) (grp, local uint32) {
	per := fs.sb.DataBlocksPerGroup
	return (index - 1) / per, (index - 1) & (per - 1)
}

func (fs *FileSystem) inodeSeek(index uint32) uint64 {
	gi, local := fs.inodeOffsets(index)
	bs := fs.sb.BlockSize
	return uint64(gi)*blockGroupSize(bs) + uint64(bs)*2 + uint64(local)*uint64(InodeSize) + SuperblockSize
}

func (fs *FileSystem) dataSeek(index uint32) uint64 {
	gi, local := fs.dataOffsets(index)
	bs := fs.sb.BlockSize
	return uint64(gi)*blockGroupSize(bs) + uint64(bs)*2 + inodeTableSize(bs) + uint64(local)*uint64(bs) + SuperblockSize
}

func (fs *FileSystem) blockSlice(index uint32) []byte {
	off := fs.dataSeek(index)
	return fs.mmap[off : off+uint64(fs.sb.BlockSize)]
}

func (fs *FileSystem) allocateInode() (uint32, error) {
	for gi, g := range fs.groups {
		if i, ok := g.allocateInode(); ok {
			fs.sb.FreeInodes--
			return uint32(i) + uint32(gi)*fs.sb.DataBlocksPerGroup, nil
		}
	}
	return 0, unix.ENOSPC
}

// allocateDataBlock claims the first free data block across all groups and
// zero-fills it.
func (fs *FileSystem) allocateDataBlock() (uint32, error) {
	for gi, g := range fs.groups {
		if i, ok := g.allocateDataBlock(); ok {
			fs.sb.FreeBlocks--
			blk := uint32(i) + uint32(gi)*fs.sb.DataBlocksPerGroup
			b := fs.blockSlice(blk)
			for j := range b {
				b[j] = 0
			}
			return blk, nil
		}
	}
	return 0, unix.ENOSPC
}

func (fs *FileSystem) releaseInode(index uint32) {
	gi, local := fs.inodeOffsets(index)
	fs.groups[gi].releaseInode(int(local) + 1)
	fs.sb.FreeInodes++
}

func (fs *FileSystem) releaseDataBlock(index uint32) {
	gi, local := fs.dataOffsets(index)
	fs.groups[gi].releaseDataBlock(int(local) + 1)
	fs.sb.FreeBlocks++
}

func statFromInode(in *Inode, ino uint32) Stat {
	return Stat{
		Ino:    uint64(ino),
		Mode:   in.Mode,
		Nlink:  uint32(in.HardLinks),
		UID:    in.UID,
		GID:    in.GID,
		Size:   in.Size,
		Blocks: in.BlockCount,
		Atime:  in.atime(),
		Mtime:  in.mtime(),
		Ctime:  in.ctime(),
		Crtime: in.CreatedAt,
	}
}
