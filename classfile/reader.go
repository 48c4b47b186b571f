package classfile

import (
	"encoding/binary"
	"io"

	"github.com/deepnoodle-ai/autostack/errz"
)

// reader is a big-endian cursor with a sticky error. Callers check err
// once after a group of reads.
type reader struct {
	data []byte
	pos  int
	err  error
}

func newReader(data []byte) *reader {
	return &reader{data: data}
}

func (r *reader) fail(n int) bool {
	if r.err != nil {
		return true
	}
	if n < 0 || r.pos+n > len(r.data) {
		r.err = errz.AtOffset(errz.ErrFormat, r.pos, "truncated data").WithCause(io.ErrUnexpectedEOF)
		return true
	}
	return false
}

func (r *reader) u1() uint8 {
	if r.fail(1) {
		return 0
	}
	v := r.data[r.pos]
	r.pos++
	return v
}

func (r *reader) u2() uint16 {
	if r.fail(2) {
		return 0
	}
	v := binary.BigEndian.Uint16(r.data[r.pos:])
	r.pos += 2
	return v
}

func (r *reader) u4() uint32 {
	if r.fail(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.pos:])
	r.pos += 4
	return v
}

func (r *reader) u8() uint64 {
	if r.fail(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.pos:])
	r.pos += 8
	return v
}

func (r *reader) bytes(n int) []byte {
	if r.fail(n) {
		return nil
	}
	v := make([]byte, n)
	copy(v, r.data[r.pos:r.pos+n])
	r.pos += n
	return v
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

// writer accumulates big-endian output.
type writer struct {
	buf []byte
}

func (w *writer) u1(v uint8) {
	w.buf = append(w.buf, v)
}

func (w *writer) u2(v uint16) {
	w.buf = binary.BigEndian.AppendUint16(w.buf, v)
}

func (w *writer) u4(v uint32) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, v)
}

func (w *writer) u8(v uint64) {
	w.buf = binary.BigEndian.AppendUint64(w.buf, v)
}

func (w *writer) raw(b []byte) {
	w.buf = append(w.buf, b...)
}

func (w *writer) len() int {
	return len(w.buf)
}
