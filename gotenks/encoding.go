package gotenks

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// The on-disk records use a fixed little-endian encoding: integers at their
// natural width, optional integers as a single tag byte (0 absent, 1 present)
// followed by the value, strings and maps with a u64 length prefix. The
// checksum of a record is always computed over this encoding with the
// checksum field set to zero.

var (
	errShortRecord = errors.New("record truncated")
	errChecksum    = errors.New("checksum mismatch")
)

type encoder struct {
	buf bytes.Buffer
}

func (e *encoder) uint16(v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) uint32(v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) uint64(v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	e.buf.Write(b[:])
}

func (e *encoder) optionalUint64(v *uint64) {
	if v == nil {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)
	e.uint64(*v)
}

func (e *encoder) optionalInt64(v *int64) {
	if v == nil {
		e.buf.WriteByte(0)
		return
	}
	e.buf.WriteByte(1)
	e.uint64(uint64(*v))
}

func (e *encoder) str(s string) {
	e.uint64(uint64(len(s)))
	e.buf.WriteString(s)
}

func (e *encoder) bytes() []byte {
	return e.buf.Bytes()
}

type decoder struct {
	b   []byte
	off int
	err error
}

func (d *decoder) take(n int) []byte {
	if d.err != nil {
		return nil
	}
	if d.off+n > len(d.b) {
		d.err = errShortRecord
		return nil
	}
	b := d.b[d.off : d.off+n]
	d.off += n
	return b
}

func (d *decoder) byte() byte {
	b := d.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (d *decoder) uint16() uint16 {
	b := d.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (d *decoder) uint32() uint32 {
	b := d.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (d *decoder) uint64() uint64 {
	b := d.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (d *decoder) optionalUint64() *uint64 {
	if d.byte() == 0 {
		return nil
	}
	v := d.uint64()
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) optionalInt64() *int64 {
	if d.byte() == 0 {
		return nil
	}
	v := int64(d.uint64())
	if d.err != nil {
		return nil
	}
	return &v
}

func (d *decoder) str() string {
	n := d.uint64()
	if d.err != nil {
		return ""
	}
	if n > uint64(len(d.b)-d.off) {
		d.err = errShortRecord
		return ""
	}
	return string(d.take(int(n)))
}
