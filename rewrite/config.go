package rewrite

import (
	"github.com/deepnoodle-ai/autostack/flow"
	"github.com/deepnoodle-ai/autostack/marker"
)

// Mode selects how a fresh scope is opened and closed.
type Mode int

const (
	// ModePush opens a nested frame with push() and closes it with pop().
	ModePush Mode = iota
	// ModePointer saves the stack pointer and restores it with
	// setPointer().
	ModePointer
)

func (m Mode) String() string {
	if m == ModePointer {
		return "pointer"
	}
	return "push"
}

// ParseMode parses "push" or "pointer".
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "push", "":
		return ModePush, true
	case "pointer":
		return ModePointer, true
	}
	return ModePush, false
}

// CheckStackName and CheckStackDesc identify the synthetic method that
// verifies the stack pointer on release.
const (
	CheckStackName = "autostack$checkStack"
	CheckStackDesc = "(IILjava/lang/String;)V"
)

// Config holds rewriter configuration options.
type Config struct {
	// Vocabulary names the scope class and its methods. The zero value
	// means marker.DefaultVocabulary().
	Vocabulary marker.Vocabulary

	// Mode is the scope mode for methods with a fresh scope.
	Mode Mode

	// CheckStack calls the synthetic check method after every method
	// release in push mode. The caller adds the method to the class.
	CheckStack bool

	// DebugRuntime prints a line to System.out when a scope is opened
	// or closed.
	DebugRuntime bool
}

// Plan is what the rewriter does to one method.
type Plan struct {
	// Policy is PolicyShared or PolicyFresh. PolicyDefault is treated as
	// fresh.
	Policy marker.Policy

	// Sites are the marker calls to replace.
	Sites []marker.Site

	// Structure holds the loops that get a mark and restore. It is
	// ignored for the shared policy.
	Structure *flow.Structure

	// Reason is printed with DebugRuntime.
	Reason string

	// Interface is set when the method's class is an interface, so the
	// check method is called through an interface method reference.
	Interface bool
}

func (p Plan) shared() bool {
	return p.Policy == marker.PolicyShared
}
