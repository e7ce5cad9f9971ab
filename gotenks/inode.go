package gotenks

import (
	"hash/crc32"

	"golang.org/x/sys/unix"
)

// Inode is one fixed-size slot in a group's inode table. Block pointers are
// whole-filesystem data block indices; 0 means unallocated.
type Inode struct {
	Mode                uint32
	HardLinks           uint16
	UID                 uint32
	GID                 uint32
	BlockCount          uint64 // in 512-byte units
	Size                uint64
	CreatedAt           uint64
	AccessedAt          *int64
	ModifiedAt          *int64
	ChangedAt           *int64
	DirectBlocks        [directPointers]uint32
	IndirectBlock       uint32
	DoubleIndirectBlock uint32
	Checksum            uint32
}

func (in *Inode) encode() []byte {
	e := &encoder{}
	e.uint32(in.Mode)
	e.uint16(in.HardLinks)
	e.uint32(in.UID)
	e.uint32(in.GID)
	e.uint64(in.BlockCount)
	e.uint64(in.Size)
	e.uint64(in.CreatedAt)
	e.optionalInt64(in.AccessedAt)
	e.optionalInt64(in.ModifiedAt)
	e.optionalInt64(in.ChangedAt)
	for _, p := range in.DirectBlocks {
		e.uint32(p)
	}
	e.uint32(in.IndirectBlock)
	e.uint32(in.DoubleIndirectBlock)
	e.uint32(in.Checksum)
	return e.bytes()
}

// toBytes computes the checksum and returns the encoded inode. The result is
// at most InodeSize bytes; the caller owns the slot padding.
func (in *Inode) toBytes() []byte {
	in.updateChecksum()
	return in.encode()
}

func inodeFromBytes(b []byte) (*Inode, error) {
	d := &decoder{b: b}
	in := &Inode{
		Mode:       d.uint32(),
		HardLinks:  d.uint16(),
		UID:        d.uint32(),
		GID:        d.uint32(),
		BlockCount: d.uint64(),
		Size:       d.uint64(),
		CreatedAt:  d.uint64(),
		AccessedAt: d.optionalInt64(),
		ModifiedAt: d.optionalInt64(),
		ChangedAt:  d.optionalInt64(),
	}
	for i := range in.DirectBlocks {
		in.DirectBlocks[i] = d.uint32()
	}
	in.IndirectBlock = d.uint32()
	in.DoubleIndirectBlock = d.uint32()
	in.Checksum = d.uint32()
	if d.err != nil {
		return nil, d.err
	}
	if !in.verifyChecksum() {
		return nil, errChecksum
	}
	return in, nil
}

func (in *Inode) updateChecksum() {
	in.Checksum = 0
	in.Checksum = crc32.ChecksumIEEE(in.encode())
}

func (in *Inode) verifyChecksum() bool {
	stored := in.Checksum
	in.Checksum = 0
	computed := crc32.ChecksumIEEE(in.encode())
	in.Checksum = stored
	return stored == computed
}

// IsDir reports whether the inode describes a directory.
func (in *Inode) IsDir() bool {
	return in.Mode&unix.S_IFMT == unix.S_IFDIR
}

func (in *Inode) touchAccessed() {
	t := nowSigned()
	in.AccessedAt = &t
}

func (in *Inode) touchModified() {
	t := nowSigned()
	in.ModifiedAt = &t
	in.ChangedAt = &t
}

func (in *Inode) atime() int64 {
	if in.AccessedAt == nil {
		return 0
	}
	return *in.AccessedAt
}

func (in *Inode) mtime() int64 {
	if in.ModifiedAt == nil {
		return 0
	}
	return *in.ModifiedAt
}

func (in *Inode) ctime() int64 {
	if in.ChangedAt == nil {
		return 0
	}
	return *in.ChangedAt
}
