package marker

import (
	"strings"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/op"
)

// Call identifies a recognized scope call.
type Call int

const (
	// NotMarker is any call the vocabulary does not recognize.
	NotMarker Call = iota
	// StackGet obtains the current scope.
	StackGet
	// StackPush opens a nested frame on the current scope.
	StackPush
	// StackPop closes the innermost frame of the current scope.
	StackPop
	// TypedAlloc is a static mallocStack/callocStack on a library type.
	TypedAlloc
	// Facade is a static mallocStack*/callocStack* on the facade class.
	Facade
	// StackAlloc is a static stackMalloc*/stackCalloc* on the scope class.
	StackAlloc
)

func (c Call) String() string {
	switch c {
	case StackGet:
		return "stack-get"
	case StackPush:
		return "stack-push"
	case StackPop:
		return "stack-pop"
	case TypedAlloc:
		return "typed-alloc"
	case Facade:
		return "facade-alloc"
	case StackAlloc:
		return "stack-alloc"
	}
	return "none"
}

// IsAllocation reports whether the call allocates from the scope.
func (c Call) IsAllocation() bool {
	return c == TypedAlloc || c == Facade || c == StackAlloc
}

// Vocabulary names the classes and annotations the engine recognizes.
// All class names are internal names; annotation names are descriptors.
type Vocabulary struct {
	ScopeClass     string
	LibraryPrefix  string
	FacadeClass    string
	StructClass    string
	NoTransform    string
	UseCallerStack string
	UseNewStack    string
	Transformed    string
}

// DefaultVocabulary returns the LWJGL vocabulary.
func DefaultVocabulary() Vocabulary {
	return Vocabulary{
		ScopeClass:     "org/lwjgl/system/MemoryStack",
		LibraryPrefix:  "org/lwjgl/",
		FacadeClass:    "autostack/Stack",
		StructClass:    "org/lwjgl/system/Struct",
		NoTransform:    "Lautostack/NoTransform;",
		UseCallerStack: "Lautostack/UseCallerStack;",
		UseNewStack:    "Lautostack/UseNewStack;",
		Transformed:    "Lautostack/Transformed;",
	}
}

// ScopeDesc returns the field descriptor of the scope class.
func (v Vocabulary) ScopeDesc() string {
	return classfile.Descriptor(v.ScopeClass)
}

// Match classifies a method invocation. Only non-interface invokestatic
// calls can be markers.
func (v Vocabulary) Match(c op.Code, ref classfile.MemberRef) Call {
	if c != op.Invokestatic || ref.Interface {
		return NotMarker
	}
	switch ref.Owner {
	case v.ScopeClass:
		switch {
		case ref.Name == "stackGet":
			return StackGet
		case ref.Name == "stackPush":
			return StackPush
		case ref.Name == "stackPop":
			return StackPop
		case strings.HasPrefix(ref.Name, "stackMalloc"), strings.HasPrefix(ref.Name, "stackCalloc"):
			return StackAlloc
		}
		return NotMarker
	case v.FacadeClass:
		if strings.HasPrefix(ref.Name, "mallocStack") || strings.HasPrefix(ref.Name, "callocStack") {
			return Facade
		}
		return NotMarker
	}
	if strings.HasPrefix(ref.Owner, v.LibraryPrefix) && (ref.Name == "mallocStack" || ref.Name == "callocStack") {
		return TypedAlloc
	}
	return NotMarker
}

// Replacement returns the invocation that takes the place of a marker
// call once the scope handle is on the stack, and whether the handle
// must be swapped below a single argument first. StackGet has no
// replacement invocation.
func (v Vocabulary) Replacement(call Call, ref classfile.MemberRef) (op.Code, classfile.MemberRef, bool) {
	switch call {
	case TypedAlloc:
		// mallocStack(I)T -> malloc(LMemoryStack;I)T with the handle first.
		return op.Invokestatic, classfile.MemberRef{
			Owner: ref.Owner,
			Name:  ref.Name[:6],
			Desc:  "(" + v.ScopeDesc() + ref.Desc[1:],
		}, oneCategory1Arg(ref.Desc)
	case StackPush, StackPop:
		return op.Invokevirtual, classfile.MemberRef{
			Owner: v.ScopeClass,
			Name:  "p" + ref.Name[6:],
			Desc:  ref.Desc,
		}, false
	case Facade:
		// mallocStackInt -> mallocInt
		return op.Invokevirtual, classfile.MemberRef{
			Owner: v.ScopeClass,
			Name:  ref.Name[:6] + ref.Name[11:],
			Desc:  ref.Desc,
		}, true
	case StackAlloc:
		// stackMallocInt -> mallocInt
		return op.Invokevirtual, classfile.MemberRef{
			Owner: v.ScopeClass,
			Name:  strings.ToLower(ref.Name[5:6]) + ref.Name[6:],
			Desc:  ref.Desc,
		}, true
	}
	return 0, classfile.MemberRef{}, false
}

// scopeAllocPrefixes are the MemoryStack instance methods that hand out
// memory from the current frame.
var scopeAllocPrefixes = []string{
	"malloc", "calloc", "nmalloc", "ncalloc",
	"bytes", "shorts", "ints", "longs", "floats", "doubles", "pointers",
	"ASCII", "UTF8", "UTF16",
}

// IsScopeAllocation reports whether an invocation returns memory owned
// by the scope: a marker allocation, an instance allocation on the scope
// class, or a library malloc/calloc that takes the scope as a parameter.
func (v Vocabulary) IsScopeAllocation(c op.Code, ref classfile.MemberRef) bool {
	if v.Match(c, ref).IsAllocation() {
		return true
	}
	switch c {
	case op.Invokevirtual:
		if ref.Owner != v.ScopeClass {
			return false
		}
		for _, p := range scopeAllocPrefixes {
			if strings.HasPrefix(ref.Name, p) {
				return true
			}
		}
	case op.Invokestatic:
		if !strings.HasPrefix(ref.Owner, v.LibraryPrefix) || (ref.Name != "malloc" && ref.Name != "calloc") {
			return false
		}
		mt, err := classfile.ParseMethodType(ref.Desc)
		if err != nil {
			return false
		}
		for _, p := range mt.Params {
			if p == v.ScopeDesc() {
				return true
			}
		}
	}
	return false
}

func oneCategory1Arg(desc string) bool {
	mt, err := classfile.ParseMethodType(desc)
	return err == nil && len(mt.Params) == 1 && classfile.SlotSize(mt.Params[0]) == 1
}
