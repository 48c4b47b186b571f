package classfile

import (
	"github.com/deepnoodle-ai/autostack/errz"
)

// Magic is the first word of every class file.
const Magic = 0xCAFEBABE

// Access flags used by the engine.
const (
	AccPublic    = 0x0001
	AccPrivate   = 0x0002
	AccStatic    = 0x0008
	AccFinal     = 0x0010
	AccSuper     = 0x0020
	AccNative    = 0x0100
	AccInterface = 0x0200
	AccAbstract  = 0x0400
	AccSynthetic = 0x1000
)

// Class file major versions with behaviour the engine depends on.
const (
	// VersionStackMap is the first version whose verifier requires
	// StackMapTable frames (Java 6).
	VersionStackMap = 50
	// VersionStaticInterface is the first version that allows static
	// methods on interfaces (Java 8).
	VersionStaticInterface = 52
	// VersionPrivateInterface is the first version that allows private
	// interface methods (Java 9).
	VersionPrivateInterface = 53
)

// Attribute names the engine reads or writes.
const (
	AttrCode                        = "Code"
	AttrStackMapTable               = "StackMapTable"
	AttrLineNumberTable             = "LineNumberTable"
	AttrLocalVariableTable          = "LocalVariableTable"
	AttrLocalVariableTypeTable      = "LocalVariableTypeTable"
	AttrRuntimeVisibleAnnotations   = "RuntimeVisibleAnnotations"
	AttrRuntimeInvisibleAnnotations = "RuntimeInvisibleAnnotations"
	AttrSourceFile                  = "SourceFile"
)

// Attribute is an undecoded attribute.
type Attribute struct {
	NameIndex uint16
	Name      string
	Data      []byte
}

// Member is a field or method.
type Member struct {
	Access     uint16
	NameIndex  uint16
	DescIndex  uint16
	Name       string
	Desc       string
	Attributes []Attribute
}

// Attribute returns the first attribute with the given name, or nil.
func (m *Member) Attribute(name string) *Attribute {
	return findAttribute(m.Attributes, name)
}

// SetAttribute replaces the first attribute with the given name or
// appends a new one.
func (m *Member) SetAttribute(pool *Pool, name string, data []byte) error {
	attrs, err := setAttribute(pool, m.Attributes, name, data)
	if err != nil {
		return err
	}
	m.Attributes = attrs
	return nil
}

// IsStatic reports whether the member is static.
func (m *Member) IsStatic() bool {
	return m.Access&AccStatic != 0
}

// Class is a parsed class file. Fields, methods and attributes are kept
// undecoded except for the names the engine needs.
type Class struct {
	Minor      uint16
	Major      uint16
	Pool       *Pool
	Access     uint16
	ThisClass  uint16
	SuperClass uint16
	Interfaces []uint16
	Fields     []*Member
	Methods    []*Member
	Attributes []Attribute

	name      string
	superName string
}

// Name returns the internal name of the class.
func (c *Class) Name() string {
	return c.name
}

// SuperName returns the internal name of the superclass, or "" for
// java/lang/Object and module-info.
func (c *Class) SuperName() string {
	return c.superName
}

// IsInterface reports whether the class is an interface.
func (c *Class) IsInterface() bool {
	return c.Access&AccInterface != 0
}

// Attribute returns the first class attribute with the given name, or nil.
func (c *Class) Attribute(name string) *Attribute {
	return findAttribute(c.Attributes, name)
}

// Method returns the method with the given name and descriptor, or nil.
func (c *Class) Method(name, desc string) *Member {
	for _, m := range c.Methods {
		if m.Name == name && m.Desc == desc {
			return m
		}
	}
	return nil
}

// AddMethod appends a method with a single Code attribute.
func (c *Class) AddMethod(access uint16, name, desc string, code []byte) (*Member, error) {
	n, err := c.Pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	d, err := c.Pool.AddUtf8(desc)
	if err != nil {
		return nil, err
	}
	m := &Member{Access: access, NameIndex: n, DescIndex: d, Name: name, Desc: desc}
	if err := m.SetAttribute(c.Pool, AttrCode, code); err != nil {
		return nil, err
	}
	c.Methods = append(c.Methods, m)
	return m, nil
}

// NewClass returns an empty class with the given version, access flags,
// name and superclass.
func NewClass(major, access uint16, name, super string) (*Class, error) {
	c := &Class{Major: major, Pool: NewPool(), Access: access, name: name, superName: super}
	var err error
	if c.ThisClass, err = c.Pool.AddClass(name); err != nil {
		return nil, err
	}
	if super != "" {
		if c.SuperClass, err = c.Pool.AddClass(super); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Parse decodes a class file.
func Parse(data []byte) (*Class, error) {
	r := newReader(data)
	if magic := r.u4(); r.err == nil && magic != Magic {
		return nil, errz.Errorf(errz.ErrFormat, "bad magic 0x%08x", magic)
	}
	c := &Class{Pool: NewPool()}
	c.Minor = r.u2()
	c.Major = r.u2()
	if r.err != nil {
		return nil, r.err
	}
	if err := c.Pool.parse(r); err != nil {
		return nil, err
	}
	c.Access = r.u2()
	c.ThisClass = r.u2()
	c.SuperClass = r.u2()
	n := int(r.u2())
	for i := 0; i < n && r.err == nil; i++ {
		c.Interfaces = append(c.Interfaces, r.u2())
	}
	var err error
	if c.Fields, err = parseMembers(r, c.Pool); err != nil {
		return nil, err
	}
	if c.Methods, err = parseMembers(r, c.Pool); err != nil {
		return nil, err
	}
	if c.Attributes, err = parseAttributes(r, c.Pool); err != nil {
		return nil, err
	}
	if r.err != nil {
		return nil, r.err
	}
	if r.remaining() != 0 {
		return nil, errz.Errorf(errz.ErrFormat, "%d trailing bytes", r.remaining())
	}
	if c.name, err = c.Pool.ClassName(c.ThisClass); err != nil {
		return nil, err
	}
	if c.SuperClass != 0 {
		if c.superName, err = c.Pool.ClassName(c.SuperClass); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Bytes encodes the class file.
func (c *Class) Bytes() []byte {
	w := &writer{}
	w.u4(Magic)
	w.u2(c.Minor)
	w.u2(c.Major)
	c.Pool.write(w)
	w.u2(c.Access)
	w.u2(c.ThisClass)
	w.u2(c.SuperClass)
	w.u2(uint16(len(c.Interfaces)))
	for _, i := range c.Interfaces {
		w.u2(i)
	}
	writeMembers(w, c.Fields)
	writeMembers(w, c.Methods)
	writeAttributes(w, c.Attributes)
	return w.buf
}

func parseMembers(r *reader, pool *Pool) ([]*Member, error) {
	count := int(r.u2())
	members := make([]*Member, 0, count)
	for i := 0; i < count; i++ {
		m := &Member{
			Access:    r.u2(),
			NameIndex: r.u2(),
			DescIndex: r.u2(),
		}
		if r.err != nil {
			return nil, r.err
		}
		var err error
		if m.Name, err = pool.Utf8(m.NameIndex); err != nil {
			return nil, err
		}
		if m.Desc, err = pool.Utf8(m.DescIndex); err != nil {
			return nil, err
		}
		if m.Attributes, err = parseAttributes(r, pool); err != nil {
			return nil, err
		}
		members = append(members, m)
	}
	return members, r.err
}

func parseAttributes(r *reader, pool *Pool) ([]Attribute, error) {
	count := int(r.u2())
	attrs := make([]Attribute, 0, count)
	for i := 0; i < count; i++ {
		a := Attribute{NameIndex: r.u2()}
		n := int(r.u4())
		a.Data = r.bytes(n)
		if r.err != nil {
			return nil, r.err
		}
		name, err := pool.Utf8(a.NameIndex)
		if err != nil {
			return nil, err
		}
		a.Name = name
		attrs = append(attrs, a)
	}
	return attrs, r.err
}

func writeMembers(w *writer, members []*Member) {
	w.u2(uint16(len(members)))
	for _, m := range members {
		w.u2(m.Access)
		w.u2(m.NameIndex)
		w.u2(m.DescIndex)
		writeAttributes(w, m.Attributes)
	}
}

func writeAttributes(w *writer, attrs []Attribute) {
	w.u2(uint16(len(attrs)))
	for _, a := range attrs {
		w.u2(a.NameIndex)
		w.u4(uint32(len(a.Data)))
		w.raw(a.Data)
	}
}

func findAttribute(attrs []Attribute, name string) *Attribute {
	for i := range attrs {
		if attrs[i].Name == name {
			return &attrs[i]
		}
	}
	return nil
}

func setAttribute(pool *Pool, attrs []Attribute, name string, data []byte) ([]Attribute, error) {
	if a := findAttribute(attrs, name); a != nil {
		a.Data = data
		return attrs, nil
	}
	idx, err := pool.AddUtf8(name)
	if err != nil {
		return nil, err
	}
	return append(attrs, Attribute{NameIndex: idx, Name: name, Data: data}), nil
}
