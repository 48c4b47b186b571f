package classfile

import (
	"strings"

	"github.com/deepnoodle-ai/autostack/errz"
)

// MethodType is a parsed method descriptor. Parameter and return types
// are kept as field descriptors ("I", "[J", "Ljava/lang/String;").
type MethodType struct {
	Params []string
	Return string
}

// ParseMethodType parses a method descriptor such as "(I[JLfoo/Bar;)V".
func ParseMethodType(desc string) (MethodType, error) {
	var mt MethodType
	if !strings.HasPrefix(desc, "(") {
		return mt, errz.Errorf(errz.ErrFormat, "invalid method descriptor %q", desc)
	}
	i := 1
	for i < len(desc) && desc[i] != ')' {
		n, err := fieldTypeLen(desc[i:])
		if err != nil {
			return mt, errz.Errorf(errz.ErrFormat, "invalid method descriptor %q", desc).WithCause(err)
		}
		mt.Params = append(mt.Params, desc[i:i+n])
		i += n
	}
	if i >= len(desc) {
		return mt, errz.Errorf(errz.ErrFormat, "invalid method descriptor %q", desc)
	}
	ret := desc[i+1:]
	if ret != "V" {
		n, err := fieldTypeLen(ret)
		if err != nil || n != len(ret) {
			return mt, errz.Errorf(errz.ErrFormat, "invalid method descriptor %q", desc)
		}
	}
	mt.Return = ret
	return mt, nil
}

func fieldTypeLen(s string) (int, error) {
	i := 0
	for i < len(s) && s[i] == '[' {
		i++
	}
	if i >= len(s) {
		return 0, errz.New(errz.ErrFormat, "truncated field descriptor")
	}
	switch s[i] {
	case 'B', 'C', 'D', 'F', 'I', 'J', 'S', 'Z':
		return i + 1, nil
	case 'L':
		end := strings.IndexByte(s[i:], ';')
		if end < 0 {
			return 0, errz.New(errz.ErrFormat, "unterminated class descriptor")
		}
		return i + end + 1, nil
	}
	return 0, errz.Errorf(errz.ErrFormat, "invalid field descriptor %q", s)
}

// ParamSlots returns the number of local slots the parameters occupy,
// not counting the receiver.
func (m MethodType) ParamSlots() int {
	n := 0
	for _, p := range m.Params {
		n += SlotSize(p)
	}
	return n
}

// ArgSlots returns the number of operand stack slots the arguments
// occupy, not counting the receiver.
func (m MethodType) ArgSlots() int {
	return m.ParamSlots()
}

// SlotSize returns the number of slots a value of the given field type
// occupies: 2 for long and double, 0 for void, 1 otherwise.
func SlotSize(t string) int {
	switch t {
	case "J", "D":
		return 2
	case "V", "":
		return 0
	}
	return 1
}

// IsReference reports whether the field type is a class or array type.
func IsReference(t string) bool {
	return strings.HasPrefix(t, "L") || strings.HasPrefix(t, "[")
}

// ClassOf returns the internal name of a class or array field type, as
// used by Class constants: "Lfoo/Bar;" becomes "foo/Bar" and array
// types are returned unchanged.
func ClassOf(t string) string {
	if strings.HasPrefix(t, "L") && strings.HasSuffix(t, ";") {
		return t[1 : len(t)-1]
	}
	return t
}

// Descriptor converts an internal class name to a field descriptor.
func Descriptor(internalName string) string {
	if strings.HasPrefix(internalName, "[") {
		return internalName
	}
	return "L" + internalName + ";"
}

// JavaName converts an internal name to its dotted form.
func JavaName(internalName string) string {
	return strings.ReplaceAll(internalName, "/", ".")
}

// InternalName converts a dotted class name to its internal form.
func InternalName(javaName string) string {
	return strings.ReplaceAll(javaName, ".", "/")
}
