package bytecode

import (
	"strings"

	"github.com/deepnoodle-ai/autostack/classfile"
)

// VTag is a verification type tag as stored in a StackMapTable.
type VTag uint8

const (
	Top               VTag = 0
	Integer           VTag = 1
	Float             VTag = 2
	Double            VTag = 3
	Long              VTag = 4
	Null              VTag = 5
	UninitializedThis VTag = 6
	Object            VTag = 7
	Uninitialized     VTag = 8
)

// VType is a verification type. Class is set for Object types and New
// for Uninitialized types, where it labels the creating new instruction.
type VType struct {
	Tag   VTag
	Class string
	New   *Label
}

// ObjectType returns the verification type of a class or array.
func ObjectType(class string) VType {
	return VType{Tag: Object, Class: class}
}

// TypeOf returns the verification type of a field descriptor.
func TypeOf(desc string) VType {
	switch desc {
	case "I", "Z", "B", "C", "S":
		return VType{Tag: Integer}
	case "F":
		return VType{Tag: Float}
	case "J":
		return VType{Tag: Long}
	case "D":
		return VType{Tag: Double}
	}
	return ObjectType(classfile.ClassOf(desc))
}

// Size returns the number of slots the type occupies.
func (v VType) Size() int {
	if v.Tag == Long || v.Tag == Double {
		return 2
	}
	return 1
}

func (v VType) String() string {
	switch v.Tag {
	case Top:
		return "top"
	case Integer:
		return "int"
	case Float:
		return "float"
	case Double:
		return "double"
	case Long:
		return "long"
	case Null:
		return "null"
	case UninitializedThis:
		return "uninitializedThis"
	case Object:
		return v.Class
	case Uninitialized:
		return "uninitialized(" + v.New.String() + ")"
	}
	return "?"
}

// Frame is a stack map frame in expanded form. Locals holds one entry
// per verification type, so a long occupies one entry but two slots.
type Frame struct {
	Locals []VType
	Stack  []VType
}

func (f *Frame) String() string {
	var b strings.Builder
	b.WriteString("[")
	for i, v := range f.Locals {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(v.String())
	}
	b.WriteString("] [")
	for i, v := range f.Stack {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(v.String())
	}
	b.WriteString("]")
	return b.String()
}

// Clone returns a deep copy of the frame.
func (f *Frame) Clone() *Frame {
	return &Frame{
		Locals: append([]VType(nil), f.Locals...),
		Stack:  append([]VType(nil), f.Stack...),
	}
}

// LocalSlots returns the locals indexed by slot. The second slot of a
// long or double is Top.
func (f *Frame) LocalSlots() []VType {
	slots := make([]VType, 0, len(f.Locals))
	for _, v := range f.Locals {
		slots = append(slots, v)
		if v.Size() == 2 {
			slots = append(slots, VType{Tag: Top})
		}
	}
	return slots
}

// LocalsFromSlots is the inverse of LocalSlots.
func LocalsFromSlots(slots []VType) []VType {
	locals := make([]VType, 0, len(slots))
	for i := 0; i < len(slots); {
		v := slots[i]
		locals = append(locals, v)
		i += v.Size()
	}
	return locals
}

// InsertLocals returns a copy of the frame with the given types placed at
// slot at. Locals at or above that slot move up; missing slots below it
// are filled with Top.
func (f *Frame) InsertLocals(at int, types []VType) *Frame {
	slots := f.LocalSlots()
	for len(slots) < at {
		slots = append(slots, VType{Tag: Top})
	}
	var inserted []VType
	for _, v := range types {
		inserted = append(inserted, v)
		if v.Size() == 2 {
			inserted = append(inserted, VType{Tag: Top})
		}
	}
	out := make([]VType, 0, len(slots)+len(inserted))
	out = append(out, slots[:at]...)
	out = append(out, inserted...)
	out = append(out, slots[at:]...)
	return &Frame{
		Locals: LocalsFromSlots(out),
		Stack:  append([]VType(nil), f.Stack...),
	}
}

// InitialFrame returns the implicit frame at offset 0 of a method: the
// receiver (uninitialized in constructors other than Object's) followed
// by the parameters.
func InitialFrame(m Method) (*Frame, error) {
	mt, err := classfile.ParseMethodType(m.Desc)
	if err != nil {
		return nil, err
	}
	f := &Frame{}
	if !m.IsStatic() {
		if m.Name == "<init>" && m.Owner != "java/lang/Object" {
			f.Locals = append(f.Locals, VType{Tag: UninitializedThis})
		} else {
			f.Locals = append(f.Locals, ObjectType(m.Owner))
		}
	}
	for _, p := range mt.Params {
		f.Locals = append(f.Locals, TypeOf(p))
	}
	return f, nil
}

// Method identifies the method a body belongs to.
type Method struct {
	Owner  string
	Name   string
	Desc   string
	Access uint16
}

// IsStatic reports whether the method is static.
func (m Method) IsStatic() bool {
	return m.Access&classfile.AccStatic != 0
}

// String returns Owner.Name followed by the descriptor.
func (m Method) String() string {
	return m.Owner + "." + m.Name + m.Desc
}

// ParamSlots returns the number of local slots taken by the receiver and
// the parameters.
func (m Method) ParamSlots() (int, error) {
	mt, err := classfile.ParseMethodType(m.Desc)
	if err != nil {
		return 0, err
	}
	n := mt.ParamSlots()
	if !m.IsStatic() {
		n++
	}
	return n, nil
}
