package gotenks

import (
	"testing"

	"github.com/go-test/deep"
)

func TestNewSuperblock(t *testing.T) {
	sb := NewSuperblock(1024, 3)
	if sb.FreeInodes != 8192*3 {
		t.Errorf("free inodes: got %d, want %d", sb.FreeInodes, 8192*3)
	}
	if sb.FreeBlocks != 8192*3 {
		t.Errorf("free blocks: got %d, want %d", sb.FreeBlocks, 8192*3)
	}
	if sb.BlockCount != sb.InodeCount {
		t.Errorf("block count %d and inode count %d should match", sb.BlockCount, sb.InodeCount)
	}
	if sb.DataBlocksPerGroup != 1024*8 {
		t.Errorf("data blocks per group: got %d, want %d", sb.DataBlocksPerGroup, 1024*8)
	}
}

func TestSuperblockChecksum(t *testing.T) {
	sb := NewSuperblock(1024, 3)
	sb.CreatedAt = 1596000000
	sb.updateChecksum()
	if sb.Checksum == 0 {
		t.Fatal("checksum should not be zero")
	}

	other := NewSuperblock(1024, 3)
	other.CreatedAt = 1596000000
	other.updateChecksum()
	if other.Checksum != sb.Checksum {
		t.Errorf("identical superblocks should checksum alike: %d vs %d", other.Checksum, sb.Checksum)
	}

	other.UpdateLastMountedAt()
	other.updateChecksum()
	if other.Checksum == sb.Checksum {
		t.Error("mounting should change the checksum")
	}
}

func TestSuperblockRoundTrip(t *testing.T) {
	sb := NewSuperblock(2048, 2)
	sb.UID = 1000
	sb.GID = 1000
	sb.UpdateModifiedAt()
	b := sb.toBytes()
	if uint64(len(b)) != SuperblockSize {
		t.Fatalf("persisted superblock should be padded to %d bytes, got %d", SuperblockSize, len(b))
	}

	got, err := superblockFromBytes(b)
	if err != nil {
		t.Fatalf("superblockFromBytes() = %v", err)
	}
	if diff := deep.Equal(sb, got); diff != nil {
		t.Errorf("superblock round trip: %v", diff)
	}
}

func TestSuperblockCorruption(t *testing.T) {
	sb := NewSuperblock(1024, 1)
	b := sb.toBytes()
	encodedLen := len(sb.encode())

	for i := 0; i < encodedLen; i++ {
		for bit := 0; bit < 8; bit++ {
			corrupt := make([]byte, len(b))
			copy(corrupt, b)
			corrupt[i] ^= 1 << bit
			if _, err := superblockFromBytes(corrupt); err == nil {
				t.Fatalf("flipping bit %d of byte %d should fail verification", bit, i)
			}
		}
	}
}
