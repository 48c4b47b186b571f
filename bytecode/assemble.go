package bytecode

import (
	"encoding/binary"
	"math"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/op"
)

// Assemble encodes a body as a Code attribute, adding constants to pool
// as needed. Unconditional jumps are widened when their displacement
// does not fit 16 bits; an out-of-range conditional branch is an error.
// Frames are written as full frames when major supports them.
func Assemble(b *Body, pool *classfile.Pool, major uint16) (*classfile.Code, error) {
	a := &assembler{
		body:    b,
		pool:    pool,
		indices: map[int]uint16{},
		wide:    map[int]bool{},
		labels:  map[*Label]int{},
	}
	if err := a.resolveConstants(); err != nil {
		return nil, err
	}
	if err := a.layout(); err != nil {
		return nil, err
	}
	code := &classfile.Code{
		MaxStack:  uint16(b.MaxStack()),
		MaxLocals: uint16(b.MaxLocals()),
		Bytes:     a.emit(),
	}
	if len(code.Bytes) == 0 || len(code.Bytes) > math.MaxUint16 {
		return nil, errz.Errorf(errz.ErrStructural, "code length %d out of range", len(code.Bytes))
	}
	if err := a.exceptions(code); err != nil {
		return nil, err
	}
	if err := a.attributes(code, major); err != nil {
		return nil, err
	}
	return code, nil
}

type assembler struct {
	body *Body
	pool *classfile.Pool

	// Constant pool operand of each node that has one.
	indices map[int]uint16
	// Jumps that need goto_w or jsr_w.
	wide map[int]bool

	labels  map[*Label]int
	offsets []int
	length  int
}

func (a *assembler) resolveConstants() error {
	for i, n := range a.body.nodes {
		var idx uint16
		var err error
		switch insn := n.(type) {
		case *LdcInsn:
			idx, err = a.constant(insn)
		case *TypeInsn:
			idx, err = a.pool.AddClass(insn.Class)
		case *MultiANewArrayInsn:
			idx, err = a.pool.AddClass(insn.Class)
		case *FieldInsn:
			idx, err = a.pool.AddField(insn.Ref)
		case *MethodInsn:
			idx, err = a.pool.AddMethod(insn.Ref)
		case *InvokeDynamicInsn:
			idx = insn.Index
		default:
			continue
		}
		if err != nil {
			return err
		}
		a.indices[i] = idx
	}
	return nil
}

func (a *assembler) constant(insn *LdcInsn) (uint16, error) {
	if insn.Index != 0 {
		return insn.Index, nil
	}
	switch v := insn.Value.(type) {
	case string:
		return a.pool.AddString(v)
	case int32:
		return a.pool.AddInteger(v)
	case ClassConst:
		return a.pool.AddClass(string(v))
	}
	return 0, errz.Errorf(errz.ErrStructural, "cannot add constant of type %T", insn.Value)
}

// layout assigns offsets, widening jumps until every displacement fits.
func (a *assembler) layout() error {
	for {
		a.offsets = make([]int, len(a.body.nodes))
		pc := 0
		for i, n := range a.body.nodes {
			a.offsets[i] = pc
			if l, ok := n.(*Label); ok {
				a.labels[l] = pc
				continue
			}
			if insn, ok := n.(Insn); ok {
				pc += a.size(i, insn, pc)
			}
		}
		a.length = pc
		changed := false
		for i, n := range a.body.nodes {
			j, ok := n.(*JumpInsn)
			if !ok || a.wide[i] {
				continue
			}
			target, ok := a.labels[j.Target]
			if !ok {
				return errz.AtOffset(errz.ErrStructural, a.offsets[i], "jump to a label that is not placed")
			}
			disp := target - a.offsets[i]
			if disp >= math.MinInt16 && disp <= math.MaxInt16 {
				continue
			}
			if j.Op != op.Goto && j.Op != op.Jsr {
				return errz.AtOffset(errz.ErrStructural, a.offsets[i], "%s displacement %d out of range", j.Op, disp)
			}
			a.wide[i] = true
			changed = true
		}
		if !changed {
			return nil
		}
	}
}

func (a *assembler) size(i int, n Insn, pc int) int {
	switch insn := n.(type) {
	case *SimpleInsn:
		return 1
	case *IntInsn:
		if insn.Op == op.Sipush {
			return 3
		}
		return 2
	case *VarInsn:
		switch {
		case insn.Var <= 3 && insn.Op != op.Ret:
			return 1
		case insn.Var <= math.MaxUint8:
			return 2
		}
		return 4
	case *IincInsn:
		if insn.Var <= math.MaxUint8 && insn.Incr >= math.MinInt8 && insn.Incr <= math.MaxInt8 {
			return 3
		}
		return 6
	case *JumpInsn:
		if a.wide[i] {
			return 5
		}
		return 3
	case *LdcInsn:
		if insn.Tag.Wide() || a.indices[i] > math.MaxUint8 {
			return 3
		}
		return 2
	case *TypeInsn, *FieldInsn:
		return 3
	case *MethodInsn:
		if insn.Op == op.Invokeinterface {
			return 5
		}
		return 3
	case *InvokeDynamicInsn:
		return 5
	case *TableSwitchInsn:
		return 1 + switchPadding(pc) + 12 + 4*len(insn.Targets)
	case *LookupSwitchInsn:
		return 1 + switchPadding(pc) + 8 + 8*len(insn.Keys)
	case *MultiANewArrayInsn:
		return 4
	}
	return 0
}

func (a *assembler) emit() []byte {
	buf := make([]byte, 0, a.length)
	u1 := func(v int) { buf = append(buf, byte(v)) }
	u2 := func(v int) { buf = binary.BigEndian.AppendUint16(buf, uint16(v)) }
	s4 := func(v int) { buf = binary.BigEndian.AppendUint32(buf, uint32(int32(v))) }

	for i, n := range a.body.nodes {
		pc := a.offsets[i]
		switch insn := n.(type) {
		case *SimpleInsn:
			u1(int(insn.Op))
		case *IntInsn:
			u1(int(insn.Op))
			if insn.Op == op.Sipush {
				u2(int(insn.Operand))
			} else {
				u1(int(insn.Operand))
			}
		case *VarInsn:
			switch {
			case insn.Var <= 3 && insn.Op != op.Ret:
				u1(int(implicitForm(insn.Op, insn.Var)))
			case insn.Var <= math.MaxUint8:
				u1(int(insn.Op))
				u1(insn.Var)
			default:
				u1(int(op.Wide))
				u1(int(insn.Op))
				u2(insn.Var)
			}
		case *IincInsn:
			if a.size(i, insn, pc) == 3 {
				u1(int(op.Iinc))
				u1(insn.Var)
				u1(int(insn.Incr))
			} else {
				u1(int(op.Wide))
				u1(int(op.Iinc))
				u2(insn.Var)
				u2(int(insn.Incr))
			}
		case *JumpInsn:
			disp := a.labels[insn.Target] - pc
			if a.wide[i] {
				c := op.GotoW
				if insn.Op == op.Jsr {
					c = op.JsrW
				}
				u1(int(c))
				s4(disp)
			} else {
				u1(int(insn.Op))
				u2(disp)
			}
		case *LdcInsn:
			idx := int(a.indices[i])
			switch {
			case insn.Tag.Wide():
				u1(int(op.Ldc2W))
				u2(idx)
			case idx > math.MaxUint8:
				u1(int(op.LdcW))
				u2(idx)
			default:
				u1(int(op.Ldc))
				u1(idx)
			}
		case *TypeInsn:
			u1(int(insn.Op))
			u2(int(a.indices[i]))
		case *FieldInsn:
			u1(int(insn.Op))
			u2(int(a.indices[i]))
		case *MethodInsn:
			u1(int(insn.Op))
			u2(int(a.indices[i]))
			if insn.Op == op.Invokeinterface {
				count := 1
				if mt, err := classfile.ParseMethodType(insn.Ref.Desc); err == nil {
					count += mt.ArgSlots()
				}
				u1(count)
				u1(0)
			}
		case *InvokeDynamicInsn:
			u1(int(op.Invokedynamic))
			u2(int(a.indices[i]))
			u2(0)
		case *TableSwitchInsn:
			u1(int(op.Tableswitch))
			for k := 0; k < switchPadding(pc); k++ {
				u1(0)
			}
			s4(a.labels[insn.Default] - pc)
			s4(int(insn.Low))
			s4(int(insn.High))
			for _, t := range insn.Targets {
				s4(a.labels[t] - pc)
			}
		case *LookupSwitchInsn:
			u1(int(op.Lookupswitch))
			for k := 0; k < switchPadding(pc); k++ {
				u1(0)
			}
			s4(a.labels[insn.Default] - pc)
			s4(len(insn.Keys))
			for k, key := range insn.Keys {
				s4(int(key))
				s4(a.labels[insn.Targets[k]] - pc)
			}
		case *MultiANewArrayInsn:
			u1(int(op.Multianewarray))
			u2(int(a.indices[i]))
			u1(int(insn.Dims))
		}
	}
	return buf
}

// implicitForm maps an explicit load or store with slot 0..3 to its one
// byte form, e.g. (aload, 2) to aload_2.
func implicitForm(c op.Code, slot int) op.Code {
	if c >= op.Iload && c <= op.Aload {
		return op.Iload0 + op.Code(int(c-op.Iload)*4+slot)
	}
	return op.Istore0 + op.Code(int(c-op.Istore)*4+slot)
}

func (a *assembler) offsetOf(l *Label) (int, bool) {
	off, ok := a.labels[l]
	return off, ok
}

func (a *assembler) exceptions(code *classfile.Code) error {
	for _, h := range a.body.handlers {
		start, ok1 := a.labels[h.Start]
		end, ok2 := a.labels[h.End]
		target, ok3 := a.labels[h.Target]
		if !ok1 || !ok2 || !ok3 {
			return errz.New(errz.ErrStructural, "exception handler refers to a label that is not placed")
		}
		if start >= end {
			// Empty ranges are invalid in the exception table.
			continue
		}
		var catchType uint16
		if !h.CatchAll() {
			idx, err := a.pool.AddClass(h.CatchType)
			if err != nil {
				return err
			}
			catchType = idx
		}
		code.Exceptions = append(code.Exceptions, classfile.ExceptionEntry{
			Start:     uint16(start),
			End:       uint16(end),
			Handler:   uint16(target),
			CatchType: catchType,
		})
	}
	return nil
}

func (a *assembler) attributes(code *classfile.Code, major uint16) error {
	if data := a.lineNumbers(); data != nil {
		if err := code.SetAttribute(a.pool, classfile.AttrLineNumberTable, data); err != nil {
			return err
		}
	}
	if data, err := a.localVars(a.body.locals); err != nil {
		return err
	} else if data != nil {
		if err := code.SetAttribute(a.pool, classfile.AttrLocalVariableTable, data); err != nil {
			return err
		}
	}
	if data, err := a.localVars(a.body.localTypes); err != nil {
		return err
	} else if data != nil {
		if err := code.SetAttribute(a.pool, classfile.AttrLocalVariableTypeTable, data); err != nil {
			return err
		}
	}
	if major < classfile.VersionStackMap {
		return nil
	}
	var entries []stackMapEntry
	for i, n := range a.body.nodes {
		f, ok := n.(*Frame)
		if !ok || a.offsets[i] >= a.length {
			continue
		}
		if k := len(entries); k > 0 && entries[k-1].offset == a.offsets[i] {
			entries[k-1].frame = f
			continue
		}
		entries = append(entries, stackMapEntry{offset: a.offsets[i], frame: f})
	}
	if len(entries) == 0 {
		return nil
	}
	data, err := encodeStackMap(entries, a.pool, a.offsetOf)
	if err != nil {
		return err
	}
	return code.SetAttribute(a.pool, classfile.AttrStackMapTable, data)
}

func (a *assembler) lineNumbers() []byte {
	type entry struct{ pc, line int }
	var entries []entry
	for i, n := range a.body.nodes {
		if ln, ok := n.(*LineNumber); ok && a.offsets[i] < a.length {
			entries = append(entries, entry{a.offsets[i], ln.Line})
		}
	}
	if len(entries) == 0 {
		return nil
	}
	w := &classfile.Writer{}
	w.U2(uint16(len(entries)))
	for _, e := range entries {
		w.U2(uint16(e.pc))
		w.U2(uint16(e.line))
	}
	return w.Bytes()
}

func (a *assembler) localVars(vars []LocalVar) ([]byte, error) {
	if len(vars) == 0 {
		return nil, nil
	}
	w := &classfile.Writer{}
	w.U2(uint16(len(vars)))
	for _, v := range vars {
		start, ok1 := a.labels[v.Start]
		end, ok2 := a.labels[v.End]
		if !ok1 || !ok2 || end < start {
			return nil, errz.Errorf(errz.ErrStructural, "local variable %q has an invalid range", v.Name)
		}
		name, err := a.pool.AddUtf8(v.Name)
		if err != nil {
			return nil, err
		}
		desc, err := a.pool.AddUtf8(v.Desc)
		if err != nil {
			return nil, err
		}
		w.U2(uint16(start))
		w.U2(uint16(end - start))
		w.U2(name)
		w.U2(desc)
		w.U2(uint16(v.Index))
	}
	return w.Bytes(), nil
}
