package classfile

import (
	"github.com/deepnoodle-ai/autostack/errz"
)

// ExceptionEntry is one row of a Code attribute's exception table, in
// bytecode offsets. CatchType 0 catches everything.
type ExceptionEntry struct {
	Start     uint16
	End       uint16
	Handler   uint16
	CatchType uint16
}

// Code is a decoded Code attribute. The instruction bytes and nested
// attributes are left raw; the bytecode package interprets them.
type Code struct {
	MaxStack   uint16
	MaxLocals  uint16
	Bytes      []byte
	Exceptions []ExceptionEntry
	Attributes []Attribute
}

// Attribute returns the first nested attribute with the given name, or nil.
func (c *Code) Attribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

// ParseCode decodes the body of a Code attribute.
func ParseCode(data []byte, pool *Pool) (*Code, error) {
	r := newReader(data)
	c := &Code{
		MaxStack:  r.u2(),
		MaxLocals: r.u2(),
	}
	n := int(r.u4())
	if r.err == nil && (n == 0 || n > 65535) {
		return nil, errz.Errorf(errz.ErrFormat, "invalid code length %d", n)
	}
	c.Bytes = r.bytes(n)
	count := int(r.u2())
	for i := 0; i < count && r.err == nil; i++ {
		c.Exceptions = append(c.Exceptions, ExceptionEntry{
			Start:     r.u2(),
			End:       r.u2(),
			Handler:   r.u2(),
			CatchType: r.u2(),
		})
	}
	if r.err != nil {
		return nil, r.err
	}
	attrs, err := parseAttributes(r, pool)
	if err != nil {
		return nil, err
	}
	c.Attributes = attrs
	if r.remaining() != 0 {
		return nil, errz.Errorf(errz.ErrFormat, "%d trailing bytes in Code attribute", r.remaining())
	}
	return c, nil
}

// Encode returns the body of the Code attribute.
func (c *Code) Encode() ([]byte, error) {
	if len(c.Bytes) == 0 || len(c.Bytes) > 65535 {
		return nil, errz.Errorf(errz.ErrStructural, "invalid code length %d", len(c.Bytes))
	}
	w := &writer{}
	w.u2(c.MaxStack)
	w.u2(c.MaxLocals)
	w.u4(uint32(len(c.Bytes)))
	w.raw(c.Bytes)
	w.u2(uint16(len(c.Exceptions)))
	for _, e := range c.Exceptions {
		w.u2(e.Start)
		w.u2(e.End)
		w.u2(e.Handler)
		w.u2(e.CatchType)
	}
	writeAttributes(w, c.Attributes)
	return w.buf, nil
}

// SetAttribute replaces the first nested attribute with the given name or
// appends a new one.
func (c *Code) SetAttribute(pool *Pool, name string, data []byte) error {
	attrs, err := setAttribute(pool, c.Attributes, name, data)
	if err != nil {
		return err
	}
	c.Attributes = attrs
	return nil
}

// Reader exposes big-endian decoding of attribute bodies to other packages
// of the module.
type Reader struct {
	r *reader
}

// NewReader returns a Reader over data.
func NewReader(data []byte) *Reader {
	return &Reader{r: newReader(data)}
}

func (r *Reader) U1() uint8 { return r.r.u1() }
func (r *Reader) U2() uint16 { return r.r.u2() }
func (r *Reader) U4() uint32 { return r.r.u4() }
func (r *Reader) Pos() int { return r.r.pos }
func (r *Reader) Remaining() int { return r.r.remaining() }
func (r *Reader) Err() error { return r.r.err }
func (r *Reader) Bytes(n int) []byte { return r.r.bytes(n) }

// Writer exposes big-endian encoding of attribute bodies to other packages
// of the module.
type Writer struct {
	w writer
}

func (w *Writer) U1(v uint8) { w.w.u1(v) }
func (w *Writer) U2(v uint16) { w.w.u2(v) }
func (w *Writer) U4(v uint32) { w.w.u4(v) }
func (w *Writer) Len() int { return w.w.len() }
func (w *Writer) Bytes() []byte { return w.w.buf }
