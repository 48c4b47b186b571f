// Package classtest builds small class files for tests.
package classtest

import (
	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
)

// Java 8, the lowest version that allows static interface methods.
const DefaultMajor = 52

// Method describes one method of a test class. Nodes are assembled
// with bytecode.Assemble; a method without nodes gets no Code attribute.
type Method struct {
	Access      uint16
	Name        string
	Desc        string
	MaxStack    int
	MaxLocals   int
	Nodes       []bytecode.Node
	Handlers    []bytecode.Handler
	Locals      []bytecode.LocalVar
	Annotations []string
}

// Class describes a test class.
type Class struct {
	Name        string
	Super       string
	Major       uint16
	Access      uint16
	Annotations []string
	Methods     []Method
}

// Build encodes the class. It panics on error; test inputs are fixed.
func Build(spec Class) []byte {
	data, err := build(spec)
	if err != nil {
		panic(err)
	}
	return data
}

func build(spec Class) ([]byte, error) {
	if spec.Super == "" {
		spec.Super = "java/lang/Object"
	}
	if spec.Major == 0 {
		spec.Major = DefaultMajor
	}
	if spec.Access == 0 {
		spec.Access = classfile.AccPublic | classfile.AccSuper
	}
	class, err := classfile.NewClass(spec.Major, spec.Access, spec.Name, spec.Super)
	if err != nil {
		return nil, err
	}
	for _, a := range spec.Annotations {
		if err := class.Annotate(a); err != nil {
			return nil, err
		}
	}
	for _, m := range spec.Methods {
		var code []byte
		if len(m.Nodes) > 0 {
			body := bytecode.NewBody(bytecode.BodyParams{
				Method:    bytecode.Method{Owner: spec.Name, Name: m.Name, Desc: m.Desc, Access: m.Access},
				Nodes:     m.Nodes,
				Handlers:  m.Handlers,
				Locals:    m.Locals,
				MaxStack:  m.MaxStack,
				MaxLocals: m.MaxLocals,
			})
			c, err := bytecode.Assemble(body, class.Pool, class.Major)
			if err != nil {
				return nil, err
			}
			if code, err = c.Encode(); err != nil {
				return nil, err
			}
		}
		member, err := addMethod(class, m, code)
		if err != nil {
			return nil, err
		}
		for _, a := range m.Annotations {
			if err := member.Annotate(class.Pool, a); err != nil {
				return nil, err
			}
		}
	}
	return class.Bytes(), nil
}

func addMethod(class *classfile.Class, m Method, code []byte) (*classfile.Member, error) {
	if code != nil {
		return class.AddMethod(m.Access, m.Name, m.Desc, code)
	}
	n, err := class.Pool.AddUtf8(m.Name)
	if err != nil {
		return nil, err
	}
	d, err := class.Pool.AddUtf8(m.Desc)
	if err != nil {
		return nil, err
	}
	member := &classfile.Member{Access: m.Access, NameIndex: n, DescIndex: d, Name: m.Name, Desc: m.Desc}
	class.Methods = append(class.Methods, member)
	return member, nil
}

// Body decodes a method of an encoded class.
func Body(data []byte, name, desc string) (*bytecode.Body, *classfile.Class, error) {
	class, err := classfile.Parse(data)
	if err != nil {
		return nil, nil, err
	}
	m := class.Method(name, desc)
	if m == nil {
		return nil, class, nil
	}
	body, err := bytecode.DecodeMethod(class, m)
	if err != nil {
		return nil, nil, err
	}
	return body, class, nil
}

// Insns returns the formatted instructions of a body, skipping labels,
// line numbers and frames.
func Insns(body *bytecode.Body) []string {
	var out []string
	it := bytecode.NewInsnIter(body)
	for insn, _, ok := it.Next(); ok; insn, _, ok = it.Next() {
		out = append(out, bytecode.Format(insn))
	}
	return out
}
