package gotenks

import (
	"encoding/binary"

	"golang.org/x/sys/unix"
)

// An inode addresses its data through 12 direct pointers, one indirect block
// of blockSize/4 pointers, and one double-indirect block of as many pointer
// blocks again. Pointers are 32-bit little-endian, packed into data blocks.

func pointersPerBlock(blockSize uint32) uint32 {
	return blockSize / 4
}

// maxBlocks is the largest file size, in blocks, the addressing scheme can
// reach for a given block size.
func maxBlocks(blockSize uint32) uint32 {
	p := pointersPerBlock(blockSize)
	return directPointers + p + p*p
}

type blockPos struct {
	level  int    // 0 direct, 1 indirect, 2 double indirect
	direct int    // direct slot, level 0 only
	top    uint32 // slot in the double-indirect block, level 2 only
	leaf   uint32 // slot in the pointer block holding the data pointer
}

// locateBlock maps a logical block index to its position in the addressing
// scheme. ok is false when the index is beyond what the scheme can address.
func locateBlock(n, p uint32) (pos blockPos, ok bool) {
	switch {
	case n < directPointers:
		return blockPos{level: 0, direct: int(n)}, true
	case n < directPointers+p:
		return blockPos{level: 1, leaf: (n - directPointers) % p}, true
	case n < directPointers+p+p*p:
		return blockPos{
			level: 2,
			top:   (n-directPointers)/p - 1,
			leaf:  (n - directPointers) % p,
		}, true
	}
	return blockPos{}, false
}

func (fs *FileSystem) readPointer(blk, slot uint32) uint32 {
	b := fs.blockSlice(blk)
	return binary.LittleEndian.Uint32(b[slot*4 : slot*4+4])
}

func (fs *FileSystem) writePointer(blk, slot, val uint32) {
	b := fs.blockSlice(blk)
	binary.LittleEndian.PutUint32(b[slot*4:slot*4+4], val)
}

func (fs *FileSystem) readPointers(blk uint32) []uint32 {
	p := pointersPerBlock(fs.sb.BlockSize)
	b := fs.blockSlice(blk)
	ptrs := make([]uint32, p)
	for i := range ptrs {
		ptrs[i] = binary.LittleEndian.Uint32(b[i*4 : i*4+4])
	}
	return ptrs
}

// findDataBlock resolves a logical block index for the read path. A zero
// pointer at any level means the block is not backed; reading a hole is an
// invalid request.
func (fs *FileSystem) findDataBlock(in *Inode, n uint32) (uint32, error) {
	pos, ok := locateBlock(n, pointersPerBlock(fs.sb.BlockSize))
	if !ok {
		return 0, unix.ENOSPC
	}
	var blk uint32
	switch pos.level {
	case 0:
		blk = in.DirectBlocks[pos.direct]
	case 1:
		if in.IndirectBlock == 0 {
			return 0, unix.EINVAL
		}
		blk = fs.readPointer(in.IndirectBlock, pos.leaf)
	default:
		if in.DoubleIndirectBlock == 0 {
			return 0, unix.EINVAL
		}
		sub := fs.readPointer(in.DoubleIndirectBlock, pos.top)
		if sub == 0 {
			return 0, unix.EINVAL
		}
		blk = fs.readPointer(sub, pos.leaf)
	}
	if blk == 0 {
		return 0, unix.EINVAL
	}
	return blk, nil
}

// allocDataBlockAt resolves a logical block index for the write path,
// allocating the data block and any missing pointer blocks on the way.
// The inode is mutated when a top-level pointer is set; the caller is
// responsible for saving it.
func (fs *FileSystem) allocDataBlockAt(in *Inode, n uint32) (uint32, error) {
	pos, ok := locateBlock(n, pointersPerBlock(fs.sb.BlockSize))
	if !ok {
		return 0, unix.ENOSPC
	}
	switch pos.level {
	case 0:
		if in.DirectBlocks[pos.direct] == 0 {
			blk, err := fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			in.DirectBlocks[pos.direct] = blk
		}
		return in.DirectBlocks[pos.direct], nil
	case 1:
		if in.IndirectBlock == 0 {
			blk, err := fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			in.IndirectBlock = blk
		}
		return fs.allocPointer(in.IndirectBlock, pos.leaf)
	default:
		if in.DoubleIndirectBlock == 0 {
			blk, err := fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			in.DoubleIndirectBlock = blk
		}
		sub := fs.readPointer(in.DoubleIndirectBlock, pos.top)
		if sub == 0 {
			s, err := fs.allocateDataBlock()
			if err != nil {
				return 0, err
			}
			fs.writePointer(in.DoubleIndirectBlock, pos.top, s)
			sub = s
		}
		return fs.allocPointer(sub, pos.leaf)
	}
}

// allocPointer returns the data block referenced by the given slot,
// allocating one if the slot is empty.
func (fs *FileSystem) allocPointer(blk, slot uint32) (uint32, error) {
	if p := fs.readPointer(blk, slot); p != 0 {
		return p, nil
	}
	p, err := fs.allocateDataBlock()
	if err != nil {
		return 0, err
	}
	fs.writePointer(blk, slot, p)
	return p, nil
}

// releaseFileBlocks returns every block an inode references to the
// allocator: direct blocks, indirect leaves and the indirect block itself,
// then the double-indirect leaves, each sub-pointer block, and the
// top-level block. Every block is counted exactly once.
func (fs *FileSystem) releaseFileBlocks(in *Inode) {
	for i, blk := range in.DirectBlocks {
		if blk != 0 {
			fs.releaseDataBlock(blk)
			in.DirectBlocks[i] = 0
		}
	}
	if in.IndirectBlock != 0 {
		for _, p := range fs.readPointers(in.IndirectBlock) {
			if p != 0 {
				fs.releaseDataBlock(p)
			}
		}
		fs.releaseDataBlock(in.IndirectBlock)
		in.IndirectBlock = 0
	}
	if in.DoubleIndirectBlock != 0 {
		for _, sub := range fs.readPointers(in.DoubleIndirectBlock) {
			if sub == 0 {
				continue
			}
			for _, p := range fs.readPointers(sub) {
				if p != 0 {
					fs.releaseDataBlock(p)
				}
			}
			fs.releaseDataBlock(sub)
		}
		fs.releaseDataBlock(in.DoubleIndirectBlock)
		in.DoubleIndirectBlock = 0
	}
}
