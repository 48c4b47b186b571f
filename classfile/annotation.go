package classfile

import (
	"github.com/deepnoodle-ai/autostack/errz"
)

// AnnotationTypes returns the type descriptors of the annotations in a
// RuntimeVisibleAnnotations or RuntimeInvisibleAnnotations attribute.
// Element values are skipped.
func AnnotationTypes(data []byte, pool *Pool) ([]string, error) {
	r := newReader(data)
	n := int(r.u2())
	var types []string
	for i := 0; i < n; i++ {
		typeIndex := r.u2()
		if r.err != nil {
			return nil, r.err
		}
		t, err := pool.Utf8(typeIndex)
		if err != nil {
			return nil, err
		}
		types = append(types, t)
		if err := skipPairs(r); err != nil {
			return nil, err
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return types, nil
}

func skipPairs(r *reader) error {
	pairs := int(r.u2())
	for j := 0; j < pairs; j++ {
		r.u2()
		if err := skipElement(r); err != nil {
			return err
		}
	}
	return r.err
}

func skipElement(r *reader) error {
	tag := r.u1()
	if r.err != nil {
		return r.err
	}
	switch tag {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z', 's', 'c':
		r.u2()
	case 'e':
		r.u2()
		r.u2()
	case '@':
		r.u2()
		return skipPairs(r)
	case '[':
		n := int(r.u2())
		for i := 0; i < n; i++ {
			if err := skipElement(r); err != nil {
				return err
			}
		}
	default:
		return errz.Errorf(errz.ErrFormat, "invalid annotation element tag %q", tag)
	}
	return r.err
}

// AppendAnnotation returns a copy of an annotations attribute body with a
// marker annotation (no element values) of the given type appended. A nil
// body yields a new attribute body holding only the marker.
func AppendAnnotation(data []byte, pool *Pool, typeDesc string) ([]byte, error) {
	idx, err := pool.AddUtf8(typeDesc)
	if err != nil {
		return nil, err
	}
	w := &writer{}
	if len(data) < 2 {
		w.u2(1)
	} else {
		r := newReader(data)
		n := r.u2()
		if n == 0xffff {
			return nil, errz.New(errz.ErrFormat, "too many annotations")
		}
		w.u2(n + 1)
		w.raw(data[2:])
	}
	w.u2(idx)
	w.u2(0)
	return w.buf, nil
}

// Annotations returns the annotation type descriptors attached to a member
// through both the visible and invisible annotation attributes.
func (m *Member) Annotations(pool *Pool) ([]string, error) {
	return collectAnnotations(m.Attributes, pool)
}

// Annotations returns the annotation type descriptors attached to the class.
func (c *Class) Annotations() ([]string, error) {
	return collectAnnotations(c.Attributes, c.Pool)
}

// Annotate adds an invisible marker annotation to a member.
func (m *Member) Annotate(pool *Pool, typeDesc string) error {
	var data []byte
	if a := m.Attribute(AttrRuntimeInvisibleAnnotations); a != nil {
		data = a.Data
	}
	next, err := AppendAnnotation(data, pool, typeDesc)
	if err != nil {
		return err
	}
	return m.SetAttribute(pool, AttrRuntimeInvisibleAnnotations, next)
}

func collectAnnotations(attrs []Attribute, pool *Pool) ([]string, error) {
	var all []string
	for _, a := range attrs {
		if a.Name != AttrRuntimeVisibleAnnotations && a.Name != AttrRuntimeInvisibleAnnotations {
			continue
		}
		types, err := AnnotationTypes(a.Data, pool)
		if err != nil {
			return nil, err
		}
		all = append(all, types...)
	}
	return all, nil
}

// Annotate adds an invisible marker annotation to the class.
func (c *Class) Annotate(typeDesc string) error {
	var data []byte
	if a := c.Attribute(AttrRuntimeInvisibleAnnotations); a != nil {
		data = a.Data
	}
	next, err := AppendAnnotation(data, c.Pool, typeDesc)
	if err != nil {
		return err
	}
	attrs, err := setAttribute(c.Pool, c.Attributes, AttrRuntimeInvisibleAnnotations, next)
	if err != nil {
		return err
	}
	c.Attributes = attrs
	return nil
}
