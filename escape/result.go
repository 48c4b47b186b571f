package escape

import (
	"fmt"

	"github.com/deepnoodle-ai/autostack/classfile"
)

// Allocation is one scope allocation site and its escape summary.
type Allocation struct {
	Index  int
	Offset int
	Ref    classfile.MemberRef
	State  State
	// Returned is set when the memory is reachable from a returned value.
	Returned bool
	// Stored is set when the memory is reachable from a static field, a
	// parameter or any other object that outlives the method.
	Stored bool
	// Cause names the instruction that made the memory escape globally,
	// such as a virtual call it was passed to.
	Cause string
}

// Escapes reports whether the allocation may outlive the method. Memory
// handed to an unknown callee only as an argument of a static or special
// call does not count.
func (a Allocation) Escapes() bool {
	return a.Returned || a.Stored || a.State == GlobalEscape
}

// Result is the outcome of analyzing one method.
type Result struct {
	Graph       *Graph
	Allocations []Allocation
	// Unresolved lists the classes whose struct lookup failed.
	Unresolved []string
}

// Escapes reports whether any scope allocation outlives the method, in
// which case the method must allocate from its caller's frame.
func (r *Result) Escapes() bool {
	for _, a := range r.Allocations {
		if a.Escapes() {
			return true
		}
	}
	return false
}

// Reason describes the first escaping allocation, or returns "".
func (r *Result) Reason() string {
	for _, a := range r.Allocations {
		switch {
		case a.Returned:
			return fmt.Sprintf("%s at offset %d is returned", a.Ref.Name, a.Offset)
		case a.Stored:
			return fmt.Sprintf("%s at offset %d is stored", a.Ref.Name, a.Offset)
		case a.State == GlobalEscape && a.Cause != "":
			return fmt.Sprintf("%s at offset %d is %s", a.Ref.Name, a.Offset, a.Cause)
		case a.State == GlobalEscape:
			return fmt.Sprintf("%s at offset %d escapes globally", a.Ref.Name, a.Offset)
		}
	}
	return ""
}
