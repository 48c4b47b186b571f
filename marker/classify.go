package marker

import (
	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
)

// Policy is an annotation-forced scope policy.
type Policy int

const (
	// PolicyDefault leaves the choice to escape analysis and options.
	PolicyDefault Policy = iota
	// PolicyShared reuses the caller's scope.
	PolicyShared
	// PolicyFresh opens a new frame for the method.
	PolicyFresh
)

func (p Policy) String() string {
	switch p {
	case PolicyShared:
		return "shared"
	case PolicyFresh:
		return "fresh"
	}
	return "default"
}

// Site is a marker call in a method body.
type Site struct {
	Index int
	Call  Call
	Ref   classfile.MemberRef
}

// Eligibility is the classifier's verdict for one method.
type Eligibility struct {
	// Transform is set when the method contains marker calls and nothing
	// prevents rewriting it.
	Transform          bool
	Suppressed         bool
	ForcedShared       bool
	ForcedFresh        bool
	HasHandlers        bool
	AlreadyTransformed bool
	Calls              []Site
	// Reason explains a negative verdict.
	Reason string
}

// Policy returns the annotation-forced policy, if any.
func (e Eligibility) Policy() Policy {
	switch {
	case e.ForcedShared:
		return PolicyShared
	case e.ForcedFresh:
		return PolicyFresh
	}
	return PolicyDefault
}

// Defaults are the class-level annotation settings.
type Defaults struct {
	NoTransform bool
	Policy      Policy
}

// Classifier decides which methods of a class to rewrite.
type Classifier struct {
	vocab Vocabulary
}

// NewClassifier returns a classifier for the given vocabulary.
func NewClassifier(v Vocabulary) *Classifier {
	return &Classifier{vocab: v}
}

// Vocabulary returns the classifier's vocabulary.
func (c *Classifier) Vocabulary() Vocabulary {
	return c.vocab
}

// ClassDefaults reads the class-level annotations.
func (c *Classifier) ClassDefaults(annotations []string) Defaults {
	var d Defaults
	for _, a := range annotations {
		switch a {
		case c.vocab.NoTransform:
			d.NoTransform = true
		case c.vocab.UseCallerStack:
			d.Policy = PolicyShared
		case c.vocab.UseNewStack:
			d.Policy = PolicyFresh
		}
	}
	return d
}

// Classify makes one forward pass over a method body. Method
// annotations take precedence over the class defaults. Marker calls
// whose argument list cannot be rewritten yield ErrUnsupportedShape.
func (c *Classifier) Classify(body *bytecode.Body, annotations []string, class Defaults) (Eligibility, error) {
	var e Eligibility
	m := body.Method()

	method := c.ClassDefaults(annotations)
	for _, a := range annotations {
		if a == c.vocab.Transformed {
			e.AlreadyTransformed = true
		}
	}
	policy := method.Policy
	switch {
	case method.NoTransform:
		e.Suppressed = true
	case policy == PolicyDefault:
		policy = class.Policy
		e.Suppressed = class.NoTransform
	}
	e.ForcedShared = policy == PolicyShared
	e.ForcedFresh = policy == PolicyFresh
	e.HasHandlers = body.HandlerCount() > 0

	it := bytecode.NewInsnIter(body)
	for insn, idx, ok := it.Next(); ok; insn, idx, ok = it.Next() {
		mi, isCall := insn.(*bytecode.MethodInsn)
		if !isCall {
			continue
		}
		call := c.vocab.Match(mi.Op, mi.Ref)
		if call == NotMarker {
			continue
		}
		if err := checkShape(call, mi.Ref); err != nil {
			return e, errz.AtOffset(errz.ErrUnsupportedShape, body.OffsetAt(idx),
				"cannot rewrite %s", mi.Ref).WithCause(err)
		}
		e.Calls = append(e.Calls, Site{Index: idx, Call: call, Ref: mi.Ref})
	}

	switch {
	case len(e.Calls) == 0:
		e.Reason = "no scope calls"
	case e.AlreadyTransformed:
		e.Reason = "already transformed"
	case e.Suppressed:
		e.Reason = "suppressed by annotation"
	case m.Name == "<init>":
		e.Reason = "constructor"
	case m.Access&(classfile.AccAbstract|classfile.AccNative) != 0:
		e.Reason = "no code"
	default:
		e.Transform = true
	}
	return e, nil
}

func checkShape(call Call, ref classfile.MemberRef) error {
	mt, err := classfile.ParseMethodType(ref.Desc)
	if err != nil {
		return err
	}
	switch call {
	case StackGet, StackPush, StackPop:
		if len(mt.Params) != 0 {
			return errz.Errorf(errz.ErrUnsupportedShape, "%s takes arguments", call)
		}
	case TypedAlloc:
		if len(mt.Params) > 0 && !oneCategory1Arg(ref.Desc) {
			return errz.Errorf(errz.ErrUnsupportedShape, "%s needs at most one category-1 argument", call)
		}
	case Facade, StackAlloc:
		if !oneCategory1Arg(ref.Desc) {
			return errz.Errorf(errz.ErrUnsupportedShape, "%s needs exactly one category-1 argument", call)
		}
	}
	return nil
}
