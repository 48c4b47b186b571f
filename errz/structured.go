// Package errz defines the error kinds reported by the autostack engine.
package errz

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind represents the category of an error.
type ErrorKind int

const (
	// ErrFormat indicates a malformed or unsupported class file.
	ErrFormat ErrorKind = iota
	// ErrUnsupportedShape indicates control flow the structurer refuses
	// to classify. The method is left untransformed.
	ErrUnsupportedShape
	// ErrUnresolved indicates an external type that could not be loaded
	// or introspected. The escape analyzer recovers by assuming a global
	// escape.
	ErrUnresolved
	// ErrStructural indicates a violated structural invariant, such as an
	// operand stack underflow. It is fatal for the affected method only.
	ErrStructural
)

// String returns the string representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case ErrFormat:
		return "format error"
	case ErrUnsupportedShape:
		return "unsupported shape"
	case ErrUnresolved:
		return "unresolved"
	case ErrStructural:
		return "structural error"
	default:
		return "error"
	}
}

// NoOffset marks an error that is not tied to an instruction.
const NoOffset = -1

// StructuredError carries the unit, method and instruction offset of a
// failure so that batch callers can report precise diagnostics.
type StructuredError struct {
	Message string
	Kind    ErrorKind
	Unit    string
	Method  string
	Offset  int
	Cause   error
}

// Error implements the error interface.
func (e *StructuredError) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(": ")
	b.WriteString(e.Message)
	if where := e.where(); where != "" {
		b.WriteString(" (")
		b.WriteString(where)
		b.WriteString(")")
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *StructuredError) where() string {
	var parts []string
	if e.Unit != "" {
		name := e.Unit
		if e.Method != "" {
			name += "." + e.Method
		}
		parts = append(parts, name)
	} else if e.Method != "" {
		parts = append(parts, e.Method)
	}
	if e.Offset >= 0 {
		parts = append(parts, fmt.Sprintf("offset %d", e.Offset))
	}
	return strings.Join(parts, " ")
}

// Unwrap returns the underlying cause of the error.
func (e *StructuredError) Unwrap() error {
	return e.Cause
}

// IsFatal reports whether the error must abort the affected method.
// Unresolved lookups are recovered by the caller.
func (e *StructuredError) IsFatal() bool {
	return e.Kind != ErrUnresolved
}

// New creates a StructuredError that is not tied to an instruction.
func New(kind ErrorKind, message string) *StructuredError {
	return &StructuredError{Kind: kind, Message: message, Offset: NoOffset}
}

// Errorf creates a StructuredError with a formatted message.
func Errorf(kind ErrorKind, format string, args ...any) *StructuredError {
	return New(kind, fmt.Sprintf(format, args...))
}

// AtOffset creates a StructuredError tied to the instruction at the given
// bytecode offset.
func AtOffset(kind ErrorKind, offset int, format string, args ...any) *StructuredError {
	err := Errorf(kind, format, args...)
	err.Offset = offset
	return err
}

// WithCause wraps the error with a cause.
func (e *StructuredError) WithCause(cause error) *StructuredError {
	e.Cause = cause
	return e
}

// In records the unit and method the error belongs to. Values already set
// are kept.
func (e *StructuredError) In(unit, method string) *StructuredError {
	if e.Unit == "" {
		e.Unit = unit
	}
	if e.Method == "" {
		e.Method = method
	}
	return e
}

// KindOf returns the kind of the first StructuredError in err's chain.
func KindOf(err error) (ErrorKind, bool) {
	var se *StructuredError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// Is reports whether err carries a StructuredError of the given kind.
func Is(err error, kind ErrorKind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
