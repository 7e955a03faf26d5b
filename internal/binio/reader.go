// Package binio implements the little-endian byte reader used by the
// program codec.
package binio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Reader is a cursor over a fixed byte slice. All Read* methods advance
// the cursor and return an error once the remaining range is too short;
// a failed read should short-circuit the caller's deserialization.
type Reader struct {
	buf []byte
	pos int
}

func NewReader(buf []byte) *Reader {
	return &Reader{buf: buf}
}

func (r *Reader) Pos() int { return r.pos }
func (r *Reader) Len() int { return len(r.buf) }

// AtEnd reports whether the cursor has reached exactly the end of
// the buffer (spec §4.2 step 9).
func (r *Reader) AtEnd() bool { return r.pos == len(r.buf) }

func (r *Reader) need(n int) error {
	if n < 0 || r.pos+n > len(r.buf) {
		return fmt.Errorf("binio: read past end at offset %d (need %d, have %d)", r.pos, n, len(r.buf)-r.pos)
	}
	return nil
}

func (r *Reader) ReadBytes(n int) ([]byte, error) {
	if err := r.need(n); err != nil {
		return nil, err
	}
	b := r.buf[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *Reader) ReadU8() (uint8, error) {
	if err := r.need(1); err != nil {
		return 0, err
	}
	v := r.buf[r.pos]
	r.pos++
	return v, nil
}

func (r *Reader) ReadU32() (uint32, error) {
	if err := r.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(r.buf[r.pos:])
	r.pos += 4
	return v, nil
}

func (r *Reader) ReadS32() (int32, error) {
	v, err := r.ReadU32()
	return int32(v), err
}

func (r *Reader) ReadF32() (float32, error) {
	v, err := r.ReadU32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

func (r *Reader) ReadF64() (float64, error) {
	if err := r.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(r.buf[r.pos:])
	r.pos += 8
	return math.Float64frombits(v), nil
}

func (r *Reader) ReadBool() (bool, error) {
	v, err := r.ReadU8()
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// ReadGUID reads a 16-byte UUID.
func (r *Reader) ReadGUID() ([16]byte, error) {
	var out [16]byte
	b, err := r.ReadBytes(16)
	if err != nil {
		return out, err
	}
	copy(out[:], b)
	return out, nil
}
