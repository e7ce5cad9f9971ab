package gotenks

import "time"

const (
	// Magic identifies a gotenksfs image.
	Magic uint32 = 0x64627a

	// SuperblockSize is the reserved slot for the superblock at the start
	// of the image, regardless of the encoded length.
	SuperblockSize uint64 = 1024

	// RootInode is the inode number of the root directory. It is
	// materialized on first mount, not by mkfs.
	RootInode uint32 = 1

	directPointers = 12
)

// InodeSize is the size of one slot in the inode table: the next power of
// two that fits the longest encoding of an inode record.
var InodeSize = inodeSlotSize()

func inodeSlotSize() uint32 {
	in := Inode{}
	ts := int64(0)
	in.AccessedAt, in.ModifiedAt, in.ChangedAt = &ts, &ts, &ts
	return nextPowerOfTwo(uint32(len(in.encode())))
}

func nextPowerOfTwo(n uint32) uint32 {
	p := uint32(1)
	for p < n {
		p <<= 1
	}
	return p
}

// blockGroupSize is the number of bytes one block group occupies in the
// image: data bitmap, inode bitmap, inode table, data blocks.
func blockGroupSize(blockSize uint32) uint64 {
	return uint64(blockSize)*2 + inodeTableSize(blockSize) + dataTableSize(blockSize)
}

func inodeTableSize(blockSize uint32) uint64 {
	return uint64(blockSize) * 8 * uint64(InodeSize)
}

func dataTableSize(blockSize uint32) uint64 {
	return uint64(blockSize) * uint64(blockSize) * 8
}

func now() uint64 {
	return uint64(time.Now().Unix())
}

func nowSigned() int64 {
	return time.Now().Unix()
}
