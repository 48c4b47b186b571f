package bytecode

import (
	"encoding/binary"
	"math"
	"sort"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/op"
)

// Decode converts a Code attribute into a Body. Branch targets, handler
// bounds, local variable ranges and frame positions all become labels.
// Stack map frames are expanded to full form. Frames are ignored for
// class versions that predate them.
func Decode(m Method, code *classfile.Code, pool *classfile.Pool, major uint16) (*Body, error) {
	d := &decoder{
		method: m,
		code:   code.Bytes,
		pool:   pool,
		labels: map[int]*Label{},
		lines:  map[int][]int{},
		frames: map[int]*Frame{},
	}
	if err := d.instructions(); err != nil {
		return nil, err
	}
	handlers, err := d.handlers(code.Exceptions)
	if err != nil {
		return nil, err
	}
	var locals, localTypes []LocalVar
	var dropped []string
	for _, a := range code.Attributes {
		switch a.Name {
		case classfile.AttrLineNumberTable:
			err = d.lineNumbers(a.Data)
		case classfile.AttrLocalVariableTable:
			locals, err = d.localVars(a.Data)
		case classfile.AttrLocalVariableTypeTable:
			localTypes, err = d.localVars(a.Data)
		case classfile.AttrStackMapTable:
			if major >= classfile.VersionStackMap {
				err = d.stackMap(a.Data)
			}
		default:
			dropped = append(dropped, a.Name)
		}
		if err != nil {
			return nil, err
		}
	}
	nodes, offsets, err := d.layout()
	if err != nil {
		return nil, err
	}
	return NewBody(BodyParams{
		Method:     m,
		Nodes:      nodes,
		Handlers:   handlers,
		Locals:     locals,
		LocalTypes: localTypes,
		MaxStack:   int(code.MaxStack),
		MaxLocals:  int(code.MaxLocals),
		Offsets:    offsets,
		CodeLength: len(code.Bytes),
		Dropped:    dropped,
	}), nil
}

// DecodeMethod decodes the Code attribute of a method of class. It
// returns nil for methods without code.
func DecodeMethod(class *classfile.Class, m *classfile.Member) (*Body, error) {
	attr := m.Attribute(classfile.AttrCode)
	if attr == nil {
		return nil, nil
	}
	code, err := classfile.ParseCode(attr.Data, class.Pool)
	if err != nil {
		return nil, err
	}
	return Decode(Method{
		Owner:  class.Name(),
		Name:   m.Name,
		Desc:   m.Desc,
		Access: m.Access,
	}, code, class.Pool, class.Major)
}

type decoded struct {
	offset int
	insn   Insn
}

type decoder struct {
	method Method
	code   []byte
	pool   *classfile.Pool
	insns  []decoded
	starts map[int]bool
	labels map[int]*Label
	lines  map[int][]int
	frames map[int]*Frame
}

func (d *decoder) label(offset int) *Label {
	if l, ok := d.labels[offset]; ok {
		return l
	}
	l := &Label{}
	d.labels[offset] = l
	return l
}

func (d *decoder) fail(offset int, format string, args ...any) error {
	return errz.AtOffset(errz.ErrFormat, offset, format, args...)
}

func (d *decoder) need(pc, n int) error {
	if pc+n > len(d.code) {
		return d.fail(pc, "instruction runs past end of code")
	}
	return nil
}

func (d *decoder) u1(at int) int    { return int(d.code[at]) }
func (d *decoder) u2(at int) int    { return int(binary.BigEndian.Uint16(d.code[at:])) }
func (d *decoder) s1(at int) int    { return int(int8(d.code[at])) }
func (d *decoder) s2(at int) int    { return int(int16(binary.BigEndian.Uint16(d.code[at:]))) }
func (d *decoder) s4(at int) int    { return int(int32(binary.BigEndian.Uint32(d.code[at:]))) }
func (d *decoder) cp(at int) uint16 { return binary.BigEndian.Uint16(d.code[at:]) }

func (d *decoder) instructions() error {
	d.starts = map[int]bool{}
	pc := 0
	for pc < len(d.code) {
		insn, size, err := d.instruction(pc)
		if err != nil {
			return err
		}
		d.insns = append(d.insns, decoded{offset: pc, insn: insn})
		d.starts[pc] = true
		pc += size
	}
	return nil
}

func (d *decoder) instruction(pc int) (Insn, int, error) {
	code := op.Code(d.code[pc])
	info := op.GetInfo(code)
	if !info.Valid() {
		return nil, 0, d.fail(pc, "invalid opcode 0x%02x", uint8(code))
	}
	switch info.Kind {
	case op.KindNone:
		return &SimpleInsn{Op: code}, 1, nil
	case op.KindInt:
		switch code {
		case op.Sipush:
			if err := d.need(pc, 3); err != nil {
				return nil, 0, err
			}
			return &IntInsn{Op: code, Operand: int32(d.s2(pc + 1))}, 3, nil
		case op.Bipush:
			if err := d.need(pc, 2); err != nil {
				return nil, 0, err
			}
			return &IntInsn{Op: code, Operand: int32(d.s1(pc + 1))}, 2, nil
		default:
			if err := d.need(pc, 2); err != nil {
				return nil, 0, err
			}
			return &IntInsn{Op: code, Operand: int32(d.u1(pc + 1))}, 2, nil
		}
	case op.KindVar:
		if info.Slot >= 0 {
			return &VarInsn{Op: info.Base, Var: info.Slot}, 1, nil
		}
		if err := d.need(pc, 2); err != nil {
			return nil, 0, err
		}
		return &VarInsn{Op: code, Var: d.u1(pc + 1)}, 2, nil
	case op.KindIinc:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		return &IincInsn{Var: d.u1(pc + 1), Incr: int32(d.s1(pc + 2))}, 3, nil
	case op.KindJump:
		switch code {
		case op.GotoW, op.JsrW:
			if err := d.need(pc, 5); err != nil {
				return nil, 0, err
			}
			norm := op.Goto
			if code == op.JsrW {
				norm = op.Jsr
			}
			return &JumpInsn{Op: norm, Target: d.label(pc + d.s4(pc+1))}, 5, nil
		}
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		return &JumpInsn{Op: code, Target: d.label(pc + d.s2(pc+1))}, 3, nil
	case op.KindLdc:
		size := 3
		var index uint16
		if code == op.Ldc {
			size = 2
			if err := d.need(pc, 2); err != nil {
				return nil, 0, err
			}
			index = uint16(d.u1(pc + 1))
		} else {
			if err := d.need(pc, 3); err != nil {
				return nil, 0, err
			}
			index = d.cp(pc + 1)
		}
		insn, err := d.ldc(index)
		if err != nil {
			return nil, 0, errz.AtOffset(errz.ErrFormat, pc, "bad ldc operand").WithCause(err)
		}
		return insn, size, nil
	case op.KindType:
		if err := d.need(pc, 3); err != nil {
			return nil, 0, err
		}
		class, err := d.pool.ClassName(d.cp(pc + 1))
		if err != nil {
			return nil, 0, errz.AtOffset(errz.ErrFormat, pc, "bad type operand").WithCause(err)
		}
		return &TypeInsn{Op: code, Class: class}, 3, nil
	case op.KindField, op.KindMethod:
		size := 3
		if code == op.Invokeinterface {
			size = 5
		}
		if err := d.need(pc, size); err != nil {
			return nil, 0, err
		}
		ref, err := d.pool.Member(d.cp(pc + 1))
		if err != nil {
			return nil, 0, errz.AtOffset(errz.ErrFormat, pc, "bad member operand").WithCause(err)
		}
		if info.Kind == op.KindField {
			return &FieldInsn{Op: code, Ref: ref}, size, nil
		}
		return &MethodInsn{Op: code, Ref: ref}, size, nil
	case op.KindInvokeDynamic:
		if err := d.need(pc, 5); err != nil {
			return nil, 0, err
		}
		index := d.cp(pc + 1)
		name, desc, err := d.pool.DynamicDesc(index)
		if err != nil {
			return nil, 0, errz.AtOffset(errz.ErrFormat, pc, "bad invokedynamic operand").WithCause(err)
		}
		return &InvokeDynamicInsn{Index: index, Name: name, Desc: desc}, 5, nil
	case op.KindTableSwitch:
		base := pc + 1 + switchPadding(pc)
		if err := d.need(base, 12); err != nil {
			return nil, 0, err
		}
		low, high := d.s4(base+4), d.s4(base+8)
		if low > high {
			return nil, 0, d.fail(pc, "tableswitch low %d > high %d", low, high)
		}
		n := high - low + 1
		if err := d.need(base+12, 4*n); err != nil {
			return nil, 0, err
		}
		insn := &TableSwitchInsn{
			Low:     int32(low),
			High:    int32(high),
			Default: d.label(pc + d.s4(base)),
		}
		for k := 0; k < n; k++ {
			insn.Targets = append(insn.Targets, d.label(pc+d.s4(base+12+4*k)))
		}
		return insn, base + 12 + 4*n - pc, nil
	case op.KindLookupSwitch:
		base := pc + 1 + switchPadding(pc)
		if err := d.need(base, 8); err != nil {
			return nil, 0, err
		}
		n := d.s4(base + 4)
		if n < 0 {
			return nil, 0, d.fail(pc, "negative lookupswitch count")
		}
		if err := d.need(base+8, 8*n); err != nil {
			return nil, 0, err
		}
		insn := &LookupSwitchInsn{Default: d.label(pc + d.s4(base))}
		for k := 0; k < n; k++ {
			at := base + 8 + 8*k
			insn.Keys = append(insn.Keys, int32(d.s4(at)))
			insn.Targets = append(insn.Targets, d.label(pc+d.s4(at+4)))
		}
		return insn, base + 8 + 8*n - pc, nil
	case op.KindMultiANewArray:
		if err := d.need(pc, 4); err != nil {
			return nil, 0, err
		}
		class, err := d.pool.ClassName(d.cp(pc + 1))
		if err != nil {
			return nil, 0, errz.AtOffset(errz.ErrFormat, pc, "bad multianewarray operand").WithCause(err)
		}
		return &MultiANewArrayInsn{Class: class, Dims: uint8(d.u1(pc + 3))}, 4, nil
	case op.KindWide:
		if err := d.need(pc, 4); err != nil {
			return nil, 0, err
		}
		sub := op.Code(d.code[pc+1])
		if sub == op.Iinc {
			if err := d.need(pc, 6); err != nil {
				return nil, 0, err
			}
			return &IincInsn{Var: d.u2(pc + 2), Incr: int32(d.s2(pc + 4))}, 6, nil
		}
		if si := op.GetInfo(sub); si.Kind != op.KindVar || si.Slot >= 0 {
			return nil, 0, d.fail(pc, "invalid wide operand %s", sub)
		}
		return &VarInsn{Op: sub, Var: d.u2(pc + 2)}, 4, nil
	}
	return nil, 0, d.fail(pc, "unhandled opcode %s", code)
}

func switchPadding(pc int) int {
	return (4 - (pc+1)%4) % 4
}

func (d *decoder) ldc(index uint16) (*LdcInsn, error) {
	c, err := d.pool.Get(index)
	if err != nil {
		return nil, err
	}
	insn := &LdcInsn{Index: index, Tag: c.Tag}
	switch c.Tag {
	case classfile.TagInteger:
		insn.Value = int32(uint32(c.Bits))
	case classfile.TagFloat:
		insn.Value = math.Float32frombits(uint32(c.Bits))
	case classfile.TagLong:
		insn.Value = int64(c.Bits)
	case classfile.TagDouble:
		insn.Value = math.Float64frombits(c.Bits)
	case classfile.TagString:
		s, err := d.pool.Utf8(c.A)
		if err != nil {
			return nil, err
		}
		insn.Value = s
	case classfile.TagClass:
		s, err := d.pool.Utf8(c.A)
		if err != nil {
			return nil, err
		}
		insn.Value = ClassConst(s)
	}
	return insn, nil
}

func (d *decoder) handlers(entries []classfile.ExceptionEntry) ([]Handler, error) {
	var out []Handler
	for _, e := range entries {
		h := Handler{
			Start:  d.label(int(e.Start)),
			End:    d.label(int(e.End)),
			Target: d.label(int(e.Handler)),
		}
		if e.CatchType != 0 {
			name, err := d.pool.ClassName(e.CatchType)
			if err != nil {
				return nil, err
			}
			h.CatchType = name
		}
		out = append(out, h)
	}
	return out, nil
}

func (d *decoder) lineNumbers(data []byte) error {
	r := classfile.NewReader(data)
	n := int(r.U2())
	for i := 0; i < n && r.Err() == nil; i++ {
		pc, line := int(r.U2()), int(r.U2())
		d.lines[pc] = append(d.lines[pc], line)
	}
	return r.Err()
}

func (d *decoder) localVars(data []byte) ([]LocalVar, error) {
	r := classfile.NewReader(data)
	n := int(r.U2())
	var out []LocalVar
	for i := 0; i < n; i++ {
		start, length := int(r.U2()), int(r.U2())
		nameIndex, descIndex, index := r.U2(), r.U2(), int(r.U2())
		if r.Err() != nil {
			return nil, r.Err()
		}
		name, err := d.pool.Utf8(nameIndex)
		if err != nil {
			return nil, err
		}
		desc, err := d.pool.Utf8(descIndex)
		if err != nil {
			return nil, err
		}
		out = append(out, LocalVar{
			Name:  name,
			Desc:  desc,
			Start: d.label(start),
			End:   d.label(start + length),
			Index: index,
		})
	}
	return out, nil
}

func (d *decoder) stackMap(data []byte) error {
	initial, err := InitialFrame(d.method)
	if err != nil {
		return err
	}
	entries, err := parseStackMap(data, d.pool, initial, d.label)
	if err != nil {
		return err
	}
	for _, e := range entries {
		// A later entry for the same offset replaces an earlier one.
		d.frames[e.offset] = e.frame
		d.label(e.offset)
	}
	return nil
}

// layout interleaves labels, line numbers and frames with the decoded
// instructions.
func (d *decoder) layout() ([]Node, []int, error) {
	end := len(d.code)
	for off := range d.labels {
		if off != end && !d.starts[off] {
			return nil, nil, d.fail(off, "label is not on an instruction boundary")
		}
	}
	for off := range d.frames {
		if off != end && !d.starts[off] {
			return nil, nil, d.fail(off, "frame is not on an instruction boundary")
		}
	}
	// Number labels in offset order so disassembly is stable.
	offs := make([]int, 0, len(d.labels))
	for off := range d.labels {
		offs = append(offs, off)
	}
	sort.Ints(offs)
	for i, off := range offs {
		d.labels[off].id = i
	}

	var nodes []Node
	var offsets []int
	emit := func(n Node, off int) {
		nodes = append(nodes, n)
		offsets = append(offsets, off)
	}
	for _, in := range d.insns {
		if l, ok := d.labels[in.offset]; ok {
			emit(l, in.offset)
		}
		for _, line := range d.lines[in.offset] {
			emit(&LineNumber{Line: line}, in.offset)
		}
		if f, ok := d.frames[in.offset]; ok {
			emit(f, in.offset)
		}
		emit(in.insn, in.offset)
	}
	if l, ok := d.labels[end]; ok {
		emit(l, end)
	}
	for _, in := range d.insns {
		for _, t := range Targets(in.insn) {
			if d.atEnd(t) {
				return nil, nil, d.fail(in.offset, "branch target past end of code")
			}
		}
	}
	return nodes, offsets, nil
}

func (d *decoder) atEnd(l *Label) bool {
	end, ok := d.labels[len(d.code)]
	return ok && end == l
}
