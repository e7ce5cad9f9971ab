package gotenks

import (
	"fmt"
	"os"

	"code.cloudfoundry.org/bytefmt"
)

// Mkfs creates a new image at path. The geometry follows from the block
// size: each group carries blockSize*8 data blocks and as many inodes, and
// enough groups are laid out to cover the requested size. The image ends up
// at least as large as requested; the superblock slot and the group
// structures are added on top.
//
// The requested size must fit one group minus its two bitmap blocks.
func Mkfs(path string, blockSize uint32, size uint64) error {
	bg := blockGroupSize(blockSize)
	if min := bg - 2*uint64(blockSize); size < min {
		return fmt.Errorf("file size must be at least %s for a block size of %d bytes",
			bytefmt.ByteSize(min), blockSize)
	}
	groups := uint32(size/bg) + 1

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	sb := NewSuperblock(blockSize, groups)
	sb.UID = uint32(os.Getuid())
	sb.GID = uint32(os.Getgid())
	if _, err := f.Write(sb.toBytes()); err != nil {
		return err
	}
	return f.Truncate(int64(SuperblockSize + bg*uint64(groups)))
}
