package bytecode

import (
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
)

// Stack map frame type ranges.
const (
	frameSame             = 0
	frameSameLocals1      = 64
	frameSameLocals1Ext   = 247
	frameChopMin          = 248
	frameSameExt          = 251
	frameAppendMax        = 254
	frameFull             = 255
	frameSameLocals1Limit = 128
)

type stackMapEntry struct {
	offset int
	frame  *Frame
}

// parseStackMap expands every entry of a StackMapTable into a full frame.
// Uninitialized types are resolved to labels through labelAt.
func parseStackMap(data []byte, pool *classfile.Pool, initial *Frame, labelAt func(int) *Label) ([]stackMapEntry, error) {
	r := classfile.NewReader(data)
	n := int(r.U2())
	locals := append([]VType(nil), initial.Locals...)
	prev := -1
	var out []stackMapEntry

	readType := func() (VType, error) {
		tag := VTag(r.U1())
		v := VType{Tag: tag}
		switch tag {
		case Top, Integer, Float, Double, Long, Null, UninitializedThis:
		case Object:
			name, err := pool.ClassName(r.U2())
			if err != nil {
				return v, err
			}
			v.Class = name
		case Uninitialized:
			v.New = labelAt(int(r.U2()))
		default:
			if r.Err() != nil {
				return v, r.Err()
			}
			return v, errz.Errorf(errz.ErrFormat, "invalid verification type tag %d", tag)
		}
		return v, r.Err()
	}
	readTypes := func(count int) ([]VType, error) {
		types := make([]VType, 0, count)
		for i := 0; i < count; i++ {
			v, err := readType()
			if err != nil {
				return nil, err
			}
			types = append(types, v)
		}
		return types, nil
	}

	for i := 0; i < n; i++ {
		ft := int(r.U1())
		if r.Err() != nil {
			return nil, r.Err()
		}
		var delta int
		var stack []VType
		switch {
		case ft < frameSameLocals1:
			delta = ft - frameSame
		case ft < frameSameLocals1Limit:
			delta = ft - frameSameLocals1
			v, err := readType()
			if err != nil {
				return nil, err
			}
			stack = []VType{v}
		case ft < frameSameLocals1Ext:
			return nil, errz.Errorf(errz.ErrFormat, "reserved stack map frame type %d", ft)
		case ft == frameSameLocals1Ext:
			delta = int(r.U2())
			v, err := readType()
			if err != nil {
				return nil, err
			}
			stack = []VType{v}
		case ft < frameSameExt:
			delta = int(r.U2())
			k := frameSameExt - ft
			if k > len(locals) {
				return nil, errz.Errorf(errz.ErrFormat, "chop frame removes %d of %d locals", k, len(locals))
			}
			locals = locals[:len(locals)-k]
		case ft == frameSameExt:
			delta = int(r.U2())
		case ft <= frameAppendMax:
			delta = int(r.U2())
			more, err := readTypes(ft - frameSameExt)
			if err != nil {
				return nil, err
			}
			locals = append(append([]VType(nil), locals...), more...)
		default:
			delta = int(r.U2())
			nl := int(r.U2())
			l, err := readTypes(nl)
			if err != nil {
				return nil, err
			}
			ns := int(r.U2())
			s, err := readTypes(ns)
			if err != nil {
				return nil, err
			}
			locals, stack = l, s
		}
		if r.Err() != nil {
			return nil, r.Err()
		}
		offset := prev + delta + 1
		out = append(out, stackMapEntry{
			offset: offset,
			frame: &Frame{
				Locals: append([]VType(nil), locals...),
				Stack:  stack,
			},
		})
		prev = offset
	}
	if r.Remaining() != 0 {
		return nil, errz.Errorf(errz.ErrFormat, "%d trailing bytes in StackMapTable", r.Remaining())
	}
	return out, nil
}

// encodeStackMap writes every entry as a full_frame. Entries must be in
// increasing offset order.
func encodeStackMap(entries []stackMapEntry, pool *classfile.Pool, offsetOf func(*Label) (int, bool)) ([]byte, error) {
	w := &classfile.Writer{}
	w.U2(uint16(len(entries)))
	prev := -1
	for _, e := range entries {
		delta := e.offset - prev - 1
		if delta < 0 {
			return nil, errz.AtOffset(errz.ErrStructural, e.offset, "stack map frames out of order")
		}
		w.U1(frameFull)
		w.U2(uint16(delta))
		locals := trimTop(e.frame.Locals)
		w.U2(uint16(len(locals)))
		for _, v := range locals {
			if err := writeType(w, v, pool, offsetOf); err != nil {
				return nil, err
			}
		}
		w.U2(uint16(len(e.frame.Stack)))
		for _, v := range e.frame.Stack {
			if err := writeType(w, v, pool, offsetOf); err != nil {
				return nil, err
			}
		}
		prev = e.offset
	}
	return w.Bytes(), nil
}

func trimTop(locals []VType) []VType {
	n := len(locals)
	for n > 0 && locals[n-1].Tag == Top {
		n--
	}
	return locals[:n]
}

func writeType(w *classfile.Writer, v VType, pool *classfile.Pool, offsetOf func(*Label) (int, bool)) error {
	w.U1(uint8(v.Tag))
	switch v.Tag {
	case Object:
		idx, err := pool.AddClass(v.Class)
		if err != nil {
			return err
		}
		w.U2(idx)
	case Uninitialized:
		off, ok := offsetOf(v.New)
		if !ok {
			return errz.New(errz.ErrStructural, "uninitialized type refers to a label that is not placed")
		}
		w.U2(uint16(off))
	}
	return nil
}
