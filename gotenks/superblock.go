package gotenks

import (
	"fmt"
	"hash/crc32"
)

// Superblock is the global metadata record at image offset 0.
type Superblock struct {
	Magic              uint32
	BlockSize          uint32
	CreatedAt          uint64
	ModifiedAt         *uint64
	LastMountedAt      *uint64
	BlockCount         uint32
	InodeCount         uint32
	FreeBlocks         uint32
	FreeInodes         uint32
	Groups             uint32
	DataBlocksPerGroup uint32
	UID                uint32
	GID                uint32
	Checksum           uint32
}

// NewSuperblock initializes the superblock for a fresh image. Every group
// carries exactly blockSize*8 data blocks and as many inodes, so the totals
// follow directly from the geometry.
func NewSuperblock(blockSize, groups uint32) *Superblock {
	total := blockSize * 8 * groups
	return &Superblock{
		Magic:              Magic,
		BlockSize:          blockSize,
		CreatedAt:          now(),
		BlockCount:         total,
		InodeCount:         total,
		FreeBlocks:         total,
		FreeInodes:         total,
		Groups:             groups,
		DataBlocksPerGroup: blockSize * 8,
	}
}

func (sb *Superblock) encode() []byte {
	e := &encoder{}
	e.uint32(sb.Magic)
	e.uint32(sb.BlockSize)
	e.uint64(sb.CreatedAt)
	e.optionalUint64(sb.ModifiedAt)
	e.optionalUint64(sb.LastMountedAt)
	e.uint32(sb.BlockCount)
	e.uint32(sb.InodeCount)
	e.uint32(sb.FreeBlocks)
	e.uint32(sb.FreeInodes)
	e.uint32(sb.Groups)
	e.uint32(sb.DataBlocksPerGroup)
	e.uint32(sb.UID)
	e.uint32(sb.GID)
	e.uint32(sb.Checksum)
	return e.bytes()
}

// toBytes computes the checksum and returns the encoded superblock padded to
// its reserved slot of SuperblockSize bytes.
func (sb *Superblock) toBytes() []byte {
	sb.updateChecksum()
	b := make([]byte, SuperblockSize)
	copy(b, sb.encode())
	return b
}

// superblockFromBytes decodes and verifies a superblock. A bad magic or a
// checksum mismatch makes the image unusable, so both are errors here.
func superblockFromBytes(b []byte) (*Superblock, error) {
	d := &decoder{b: b}
	sb := &Superblock{
		Magic:              d.uint32(),
		BlockSize:          d.uint32(),
		CreatedAt:          d.uint64(),
		ModifiedAt:         d.optionalUint64(),
		LastMountedAt:      d.optionalUint64(),
		BlockCount:         d.uint32(),
		InodeCount:         d.uint32(),
		FreeBlocks:         d.uint32(),
		FreeInodes:         d.uint32(),
		Groups:             d.uint32(),
		DataBlocksPerGroup: d.uint32(),
		UID:                d.uint32(),
		GID:                d.uint32(),
		Checksum:           d.uint32(),
	}
	if d.err != nil {
		return nil, fmt.Errorf("could not decode superblock: %w", d.err)
	}
	if sb.Magic != Magic {
		return nil, fmt.Errorf("bad magic %#x, not a gotenksfs image", sb.Magic)
	}
	if !sb.verifyChecksum() {
		return nil, fmt.Errorf("superblock checksum mismatch")
	}
	return sb, nil
}

func (sb *Superblock) updateChecksum() {
	sb.Checksum = 0
	sb.Checksum = crc32.ChecksumIEEE(sb.encode())
}

func (sb *Superblock) verifyChecksum() bool {
	stored := sb.Checksum
	sb.Checksum = 0
	computed := crc32.ChecksumIEEE(sb.encode())
	sb.Checksum = stored
	return stored == computed
}

// UpdateLastMountedAt stamps the mount time.
func (sb *Superblock) UpdateLastMountedAt() {
	t := now()
	sb.LastMountedAt = &t
}

// UpdateModifiedAt stamps the modification time.
func (sb *Superblock) UpdateModifiedAt() {
	t := now()
	sb.ModifiedAt = &t
}
