package gotenks

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"golang.org/x/sys/unix"
)

func TestInodeSize(t *testing.T) {
	if InodeSize != 128 {
		t.Errorf("inode slot size: got %d, want 128", InodeSize)
	}

	in := &Inode{}
	ts := int64(1596000000)
	in.AccessedAt, in.ModifiedAt, in.ChangedAt = &ts, &ts, &ts
	if got := len(in.toBytes()); got > int(InodeSize) {
		t.Errorf("fully populated inode encodes to %d bytes, more than the %d byte slot", got, InodeSize)
	}
}

func TestInodeChecksum(t *testing.T) {
	in := &Inode{BlockCount: 24}
	in.updateChecksum()
	if in.Checksum == 0 {
		t.Fatal("checksum should not be zero")
	}

	other := &Inode{BlockCount: 24}
	other.updateChecksum()
	if other.Checksum != in.Checksum {
		t.Errorf("identical inodes should checksum alike: %d vs %d", other.Checksum, in.Checksum)
	}

	ts := int64(1596000000)
	other.AccessedAt = &ts
	other.updateChecksum()
	if other.Checksum == in.Checksum {
		t.Error("setting the access time should change the checksum")
	}
}

func TestInodeRoundTrip(t *testing.T) {
	ts := int64(1596000000)
	in := &Inode{
		Mode:       unix.S_IFREG | 0o644,
		HardLinks:  1,
		UID:        501,
		GID:        20,
		BlockCount: 3,
		Size:       1100,
		CreatedAt:  1596000000,
		ModifiedAt: &ts,
	}
	in.DirectBlocks = [12]uint32{2, 3, 4}
	in.IndirectBlock = 9
	in.DoubleIndirectBlock = 17

	got, err := inodeFromBytes(in.toBytes())
	if err != nil {
		t.Fatalf("inodeFromBytes() = %v", err)
	}
	if diff := cmp.Diff(in, got); diff != "" {
		t.Errorf("inode round trip (-want +got):\n%s", diff)
	}
}

func TestInodeCorruption(t *testing.T) {
	in := &Inode{Mode: unix.S_IFREG | 0o644, Size: 77}
	b := in.toBytes()

	for i := range b {
		corrupt := make([]byte, len(b))
		copy(corrupt, b)
		corrupt[i] ^= 0x01
		if _, err := inodeFromBytes(corrupt); err == nil {
			t.Fatalf("flipping a bit in byte %d should fail verification", i)
		}
	}
}
