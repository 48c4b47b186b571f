package classfile

import (
	"fmt"
	"math"

	"github.com/deepnoodle-ai/autostack/errz"
)

// Tag identifies the type of a constant pool entry.
type Tag uint8

const (
	TagUtf8               Tag = 1
	TagInteger            Tag = 3
	TagFloat              Tag = 4
	TagLong               Tag = 5
	TagDouble             Tag = 6
	TagClass              Tag = 7
	TagString             Tag = 8
	TagFieldref           Tag = 9
	TagMethodref          Tag = 10
	TagInterfaceMethodref Tag = 11
	TagNameAndType        Tag = 12
	TagMethodHandle       Tag = 15
	TagMethodType         Tag = 16
	TagDynamic            Tag = 17
	TagInvokeDynamic      Tag = 18
	TagModule             Tag = 19
	TagPackage            Tag = 20
)

// Wide reports whether an entry with this tag occupies two pool slots.
func (t Tag) Wide() bool {
	return t == TagLong || t == TagDouble
}

// Constant is one constant pool entry. Which fields are meaningful
// depends on Tag: Utf8 uses Text, Integer and Float use Bits (raw
// IEEE bits for floats), Long and Double use Bits, MethodHandle uses
// Kind and A, and every reference-shaped entry uses A and B.
type Constant struct {
	Tag  Tag
	Text string
	Bits uint64
	Kind uint8
	A, B uint16
}

// Pool is a constant pool that can only grow. Entries present when the
// class was parsed keep their indices, so raw attributes copied from the
// input stay valid after new entries are appended.
type Pool struct {
	entries []Constant // index 0 unused; the slot after a wide entry is zero
	lookup  map[string]uint16
}

// NewPool returns an empty pool.
func NewPool() *Pool {
	return &Pool{
		entries: make([]Constant, 1),
		lookup:  map[string]uint16{},
	}
}

// Count returns the constant_pool_count value: one more than the highest
// valid index.
func (p *Pool) Count() int {
	return len(p.entries)
}

// Get returns the entry at index i.
func (p *Pool) Get(i uint16) (Constant, error) {
	if i == 0 || int(i) >= len(p.entries) || p.entries[i].Tag == 0 {
		return Constant{}, errz.Errorf(errz.ErrFormat, "invalid constant pool index %d", i)
	}
	return p.entries[i], nil
}

func (p *Pool) expect(i uint16, tags ...Tag) (Constant, error) {
	c, err := p.Get(i)
	if err != nil {
		return c, err
	}
	for _, t := range tags {
		if c.Tag == t {
			return c, nil
		}
	}
	return c, errz.Errorf(errz.ErrFormat, "constant pool index %d has tag %d, want %v", i, c.Tag, tags)
}

// Utf8 returns the text of a Utf8 entry.
func (p *Pool) Utf8(i uint16) (string, error) {
	c, err := p.expect(i, TagUtf8)
	if err != nil {
		return "", err
	}
	return c.Text, nil
}

// ClassName returns the internal name referenced by a Class entry.
func (p *Pool) ClassName(i uint16) (string, error) {
	c, err := p.expect(i, TagClass)
	if err != nil {
		return "", err
	}
	return p.Utf8(c.A)
}

// NameAndType returns the name and descriptor of a NameAndType entry.
func (p *Pool) NameAndType(i uint16) (string, string, error) {
	c, err := p.expect(i, TagNameAndType)
	if err != nil {
		return "", "", err
	}
	name, err := p.Utf8(c.A)
	if err != nil {
		return "", "", err
	}
	desc, err := p.Utf8(c.B)
	if err != nil {
		return "", "", err
	}
	return name, desc, nil
}

// MemberRef is a resolved Fieldref, Methodref or InterfaceMethodref.
type MemberRef struct {
	Owner     string
	Name      string
	Desc      string
	Interface bool
}

// String returns the reference as owner.name followed by the descriptor,
// for example demo/Foo.bar(I)V.
func (r MemberRef) String() string {
	return r.Owner + "." + r.Name + r.Desc
}

// Member resolves a field or method reference.
func (p *Pool) Member(i uint16) (MemberRef, error) {
	c, err := p.expect(i, TagFieldref, TagMethodref, TagInterfaceMethodref)
	if err != nil {
		return MemberRef{}, err
	}
	owner, err := p.ClassName(c.A)
	if err != nil {
		return MemberRef{}, err
	}
	name, desc, err := p.NameAndType(c.B)
	if err != nil {
		return MemberRef{}, err
	}
	return MemberRef{
		Owner:     owner,
		Name:      name,
		Desc:      desc,
		Interface: c.Tag == TagInterfaceMethodref,
	}, nil
}

// DynamicDesc returns the name and descriptor of an InvokeDynamic or
// Dynamic entry.
func (p *Pool) DynamicDesc(i uint16) (string, string, error) {
	c, err := p.expect(i, TagInvokeDynamic, TagDynamic)
	if err != nil {
		return "", "", err
	}
	return p.NameAndType(c.B)
}

func (p *Pool) add(c Constant, key string) (uint16, error) {
	if idx, ok := p.lookup[key]; ok {
		return idx, nil
	}
	slots := 1
	if c.Tag.Wide() {
		slots = 2
	}
	if len(p.entries)+slots > math.MaxUint16 {
		return 0, errz.New(errz.ErrFormat, "constant pool overflow")
	}
	idx := uint16(len(p.entries))
	p.entries = append(p.entries, c)
	if slots == 2 {
		p.entries = append(p.entries, Constant{})
	}
	p.lookup[key] = idx
	return idx, nil
}

func keyOf(c Constant) string {
	switch c.Tag {
	case TagUtf8:
		return "u:" + c.Text
	case TagInteger, TagFloat, TagLong, TagDouble:
		return fmt.Sprintf("%d:%x", c.Tag, c.Bits)
	case TagMethodHandle:
		return fmt.Sprintf("%d:%d:%d", c.Tag, c.Kind, c.A)
	default:
		return fmt.Sprintf("%d:%d:%d", c.Tag, c.A, c.B)
	}
}

// AddUtf8 returns the index of a Utf8 entry with the given text, adding
// one if necessary.
func (p *Pool) AddUtf8(s string) (uint16, error) {
	if len(s) > math.MaxUint16 {
		return 0, errz.Errorf(errz.ErrFormat, "utf8 constant too long (%d bytes)", len(s))
	}
	c := Constant{Tag: TagUtf8, Text: s}
	return p.add(c, keyOf(c))
}

func (p *Pool) addIndirect(tag Tag, text string) (uint16, error) {
	u, err := p.AddUtf8(text)
	if err != nil {
		return 0, err
	}
	c := Constant{Tag: tag, A: u}
	return p.add(c, keyOf(c))
}

// AddClass returns the index of a Class entry for the internal name.
func (p *Pool) AddClass(name string) (uint16, error) {
	return p.addIndirect(TagClass, name)
}

// AddString returns the index of a String entry.
func (p *Pool) AddString(s string) (uint16, error) {
	return p.addIndirect(TagString, s)
}

// AddInteger returns the index of an Integer entry.
func (p *Pool) AddInteger(v int32) (uint16, error) {
	c := Constant{Tag: TagInteger, Bits: uint64(uint32(v))}
	return p.add(c, keyOf(c))
}

// AddNameAndType returns the index of a NameAndType entry.
func (p *Pool) AddNameAndType(name, desc string) (uint16, error) {
	n, err := p.AddUtf8(name)
	if err != nil {
		return 0, err
	}
	d, err := p.AddUtf8(desc)
	if err != nil {
		return 0, err
	}
	c := Constant{Tag: TagNameAndType, A: n, B: d}
	return p.add(c, keyOf(c))
}

func (p *Pool) addRef(tag Tag, ref MemberRef) (uint16, error) {
	owner, err := p.AddClass(ref.Owner)
	if err != nil {
		return 0, err
	}
	nt, err := p.AddNameAndType(ref.Name, ref.Desc)
	if err != nil {
		return 0, err
	}
	c := Constant{Tag: tag, A: owner, B: nt}
	return p.add(c, keyOf(c))
}

// AddField returns the index of a Fieldref entry.
func (p *Pool) AddField(ref MemberRef) (uint16, error) {
	return p.addRef(TagFieldref, ref)
}

// AddMethod returns the index of a Methodref or InterfaceMethodref entry,
// depending on ref.Interface.
func (p *Pool) AddMethod(ref MemberRef) (uint16, error) {
	if ref.Interface {
		return p.addRef(TagInterfaceMethodref, ref)
	}
	return p.addRef(TagMethodref, ref)
}

func (p *Pool) parse(r *reader) error {
	count := int(r.u2())
	if r.err != nil {
		return r.err
	}
	if count == 0 {
		return errz.New(errz.ErrFormat, "empty constant pool")
	}
	for i := 1; i < count; i++ {
		var c Constant
		c.Tag = Tag(r.u1())
		switch c.Tag {
		case TagUtf8:
			n := int(r.u2())
			c.Text = string(r.bytes(n))
		case TagInteger, TagFloat:
			c.Bits = uint64(r.u4())
		case TagLong, TagDouble:
			c.Bits = r.u8()
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			c.A = r.u2()
		case TagFieldref, TagMethodref, TagInterfaceMethodref, TagNameAndType,
			TagDynamic, TagInvokeDynamic:
			c.A = r.u2()
			c.B = r.u2()
		case TagMethodHandle:
			c.Kind = r.u1()
			c.A = r.u2()
		default:
			if r.err != nil {
				return r.err
			}
			return errz.Errorf(errz.ErrFormat, "unknown constant pool tag %d at index %d", c.Tag, i)
		}
		if r.err != nil {
			return r.err
		}
		p.entries = append(p.entries, c)
		key := keyOf(c)
		if _, ok := p.lookup[key]; !ok {
			p.lookup[key] = uint16(i)
		}
		if c.Tag.Wide() {
			p.entries = append(p.entries, Constant{})
			i++
		}
	}
	return nil
}

func (p *Pool) write(w *writer) {
	w.u2(uint16(len(p.entries)))
	for i := 1; i < len(p.entries); i++ {
		c := p.entries[i]
		if c.Tag == 0 {
			continue
		}
		w.u1(uint8(c.Tag))
		switch c.Tag {
		case TagUtf8:
			w.u2(uint16(len(c.Text)))
			w.raw([]byte(c.Text))
		case TagInteger, TagFloat:
			w.u4(uint32(c.Bits))
		case TagLong, TagDouble:
			w.u8(c.Bits)
		case TagClass, TagString, TagMethodType, TagModule, TagPackage:
			w.u2(c.A)
		case TagMethodHandle:
			w.u1(c.Kind)
			w.u2(c.A)
		default:
			w.u2(c.A)
			w.u2(c.B)
		}
	}
}
