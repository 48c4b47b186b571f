package bytecode

import (
	"fmt"
	"strings"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/op"
)

// Node is an element of a method body: an instruction, a label, a line
// number marker or a frame.
type Node interface {
	node()
}

// Insn is an instruction node. The concrete types form a closed set, one
// per op.Kind; passes switch over them exhaustively.
type Insn interface {
	Node
	Opcode() op.Code
	Kind() op.Kind
}

// Label marks a position in a body. Labels are compared by identity.
type Label struct {
	id int
}

// NewLabel returns a fresh label.
func NewLabel() *Label {
	return &Label{id: -1}
}

// ID returns the decode order of the label, or -1 for labels created
// after decoding.
func (l *Label) ID() int {
	return l.id
}

func (l *Label) String() string {
	if l.id < 0 {
		return fmt.Sprintf("L%p", l)
	}
	return fmt.Sprintf("L%d", l.id)
}

// LineNumber starts a source line at its position in the body.
type LineNumber struct {
	Line int
}

// SimpleInsn is an instruction without operands.
type SimpleInsn struct {
	Op op.Code
}

// IntInsn is bipush, sipush or newarray.
type IntInsn struct {
	Op      op.Code
	Operand int32
}

// VarInsn loads, stores or rets a local slot. Op is always the explicit
// form (iload, never iload_0).
type VarInsn struct {
	Op  op.Code
	Var int
}

// IincInsn increments an int local.
type IincInsn struct {
	Var  int
	Incr int32
}

// JumpInsn is a conditional or unconditional branch. Op is never goto_w
// or jsr_w; the assembler widens jumps as needed.
type JumpInsn struct {
	Op     op.Code
	Target *Label
}

// LdcInsn loads a constant. Index is the pool index when known; Value
// holds the decoded constant (int32, float32, int64, float64, string for
// String constants, ClassConst for Class constants, or nil for
// constants the engine does not interpret).
type LdcInsn struct {
	Index uint16
	Tag   classfile.Tag
	Value any
}

// ClassConst is the value of an ldc of a Class constant.
type ClassConst string

// TypeInsn is new, anewarray, checkcast or instanceof.
type TypeInsn struct {
	Op    op.Code
	Class string
}

// FieldInsn is getstatic, putstatic, getfield or putfield.
type FieldInsn struct {
	Op  op.Code
	Ref classfile.MemberRef
}

// MethodInsn is invokevirtual, invokespecial, invokestatic or
// invokeinterface.
type MethodInsn struct {
	Op  op.Code
	Ref classfile.MemberRef
}

// InvokeDynamicInsn is invokedynamic. Index is the InvokeDynamic pool
// entry, which is carried through unchanged.
type InvokeDynamicInsn struct {
	Index uint16
	Name  string
	Desc  string
}

// TableSwitchInsn is tableswitch.
type TableSwitchInsn struct {
	Low     int32
	High    int32
	Default *Label
	Targets []*Label
}

// LookupSwitchInsn is lookupswitch. Keys are sorted ascending.
type LookupSwitchInsn struct {
	Default *Label
	Keys    []int32
	Targets []*Label
}

// MultiANewArrayInsn is multianewarray.
type MultiANewArrayInsn struct {
	Class string
	Dims  uint8
}

func (*Label) node()              {}
func (*LineNumber) node()         {}
func (*Frame) node()              {}
func (*SimpleInsn) node()         {}
func (*IntInsn) node()            {}
func (*VarInsn) node()            {}
func (*IincInsn) node()           {}
func (*JumpInsn) node()           {}
func (*LdcInsn) node()            {}
func (*TypeInsn) node()           {}
func (*FieldInsn) node()          {}
func (*MethodInsn) node()         {}
func (*InvokeDynamicInsn) node()  {}
func (*TableSwitchInsn) node()    {}
func (*LookupSwitchInsn) node()   {}
func (*MultiANewArrayInsn) node() {}

func (i *SimpleInsn) Opcode() op.Code       { return i.Op }
func (i *IntInsn) Opcode() op.Code          { return i.Op }
func (i *VarInsn) Opcode() op.Code          { return i.Op }
func (*IincInsn) Opcode() op.Code           { return op.Iinc }
func (i *JumpInsn) Opcode() op.Code         { return i.Op }
func (*InvokeDynamicInsn) Opcode() op.Code  { return op.Invokedynamic }
func (i *TypeInsn) Opcode() op.Code         { return i.Op }
func (i *FieldInsn) Opcode() op.Code        { return i.Op }
func (i *MethodInsn) Opcode() op.Code       { return i.Op }
func (*TableSwitchInsn) Opcode() op.Code    { return op.Tableswitch }
func (*LookupSwitchInsn) Opcode() op.Code   { return op.Lookupswitch }
func (*MultiANewArrayInsn) Opcode() op.Code { return op.Multianewarray }

// Opcode returns ldc2_w for long and double constants and ldc otherwise.
// The assembler picks ldc_w when the index does not fit a byte.
func (i *LdcInsn) Opcode() op.Code {
	if i.Tag.Wide() {
		return op.Ldc2W
	}
	return op.Ldc
}

func (*SimpleInsn) Kind() op.Kind         { return op.KindNone }
func (*IntInsn) Kind() op.Kind            { return op.KindInt }
func (*VarInsn) Kind() op.Kind            { return op.KindVar }
func (*IincInsn) Kind() op.Kind           { return op.KindIinc }
func (*JumpInsn) Kind() op.Kind           { return op.KindJump }
func (*LdcInsn) Kind() op.Kind            { return op.KindLdc }
func (*TypeInsn) Kind() op.Kind           { return op.KindType }
func (*FieldInsn) Kind() op.Kind          { return op.KindField }
func (*MethodInsn) Kind() op.Kind         { return op.KindMethod }
func (*InvokeDynamicInsn) Kind() op.Kind  { return op.KindInvokeDynamic }
func (*TableSwitchInsn) Kind() op.Kind    { return op.KindTableSwitch }
func (*LookupSwitchInsn) Kind() op.Kind   { return op.KindLookupSwitch }
func (*MultiANewArrayInsn) Kind() op.Kind { return op.KindMultiANewArray }

// Targets returns every label an instruction may transfer control to.
// It returns nil for instructions that only fall through.
func Targets(insn Insn) []*Label {
	switch i := insn.(type) {
	case *JumpInsn:
		return []*Label{i.Target}
	case *TableSwitchInsn:
		return append([]*Label{i.Default}, i.Targets...)
	case *LookupSwitchInsn:
		return append([]*Label{i.Default}, i.Targets...)
	}
	return nil
}

// Format renders an instruction in assembler-like syntax, for tests and
// diagnostics.
func Format(n Node) string {
	switch i := n.(type) {
	case *Label:
		return i.String() + ":"
	case *LineNumber:
		return fmt.Sprintf("line %d", i.Line)
	case *Frame:
		return "frame " + i.String()
	case *SimpleInsn:
		return i.Op.String()
	case *IntInsn:
		return fmt.Sprintf("%s %d", i.Op, i.Operand)
	case *VarInsn:
		return fmt.Sprintf("%s %d", i.Op, i.Var)
	case *IincInsn:
		return fmt.Sprintf("iinc %d %d", i.Var, i.Incr)
	case *JumpInsn:
		return fmt.Sprintf("%s %s", i.Op, i.Target)
	case *LdcInsn:
		switch v := i.Value.(type) {
		case string:
			return fmt.Sprintf("%s %q", i.Opcode(), v)
		case nil:
			return fmt.Sprintf("%s #%d", i.Opcode(), i.Index)
		default:
			return fmt.Sprintf("%s %v", i.Opcode(), v)
		}
	case *TypeInsn:
		return fmt.Sprintf("%s %s", i.Op, i.Class)
	case *FieldInsn:
		return fmt.Sprintf("%s %s.%s:%s", i.Op, i.Ref.Owner, i.Ref.Name, i.Ref.Desc)
	case *MethodInsn:
		return fmt.Sprintf("%s %s", i.Op, i.Ref)
	case *InvokeDynamicInsn:
		return fmt.Sprintf("invokedynamic %s%s", i.Name, i.Desc)
	case *TableSwitchInsn:
		var b strings.Builder
		fmt.Fprintf(&b, "tableswitch %d..%d", i.Low, i.High)
		for _, t := range i.Targets {
			b.WriteString(" " + t.String())
		}
		b.WriteString(" default " + i.Default.String())
		return b.String()
	case *LookupSwitchInsn:
		var b strings.Builder
		b.WriteString("lookupswitch")
		for k, t := range i.Targets {
			fmt.Fprintf(&b, " %d:%s", i.Keys[k], t)
		}
		b.WriteString(" default " + i.Default.String())
		return b.String()
	case *MultiANewArrayInsn:
		return fmt.Sprintf("multianewarray %s %d", i.Class, i.Dims)
	}
	return fmt.Sprintf("%T", n)
}

// Constructors used by the rewriter and by tests.

// Simple returns an instruction without operands.
func Simple(c op.Code) *SimpleInsn {
	return &SimpleInsn{Op: c}
}

// Var returns a local variable instruction.
func Var(c op.Code, slot int) *VarInsn {
	return &VarInsn{Op: c, Var: slot}
}

// Jump returns a branch to target.
func Jump(c op.Code, target *Label) *JumpInsn {
	return &JumpInsn{Op: c, Target: target}
}

// Invoke returns a method invocation.
func Invoke(c op.Code, owner, name, desc string) *MethodInsn {
	return &MethodInsn{
		Op:  c,
		Ref: classfile.MemberRef{Owner: owner, Name: name, Desc: desc, Interface: c == op.Invokeinterface},
	}
}

// LdcString returns an ldc of a String constant.
func LdcString(s string) *LdcInsn {
	return &LdcInsn{Tag: classfile.TagString, Value: s}
}

// Field returns a field access instruction.
func Field(c op.Code, owner, name, desc string) *FieldInsn {
	return &FieldInsn{Op: c, Ref: classfile.MemberRef{Owner: owner, Name: name, Desc: desc}}
}
