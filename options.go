package autostack

import (
	"io"

	"github.com/deepnoodle-ai/autostack/escape"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/rewrite"
	"github.com/rs/zerolog"
)

// DefaultExcludes are the package prefixes that are never transformed.
var DefaultExcludes = []string{"java/", "javax/", "sun/", "org/lwjgl/"}

// StructBase is the superclass of LWJGL struct types.
const StructBase = "org/lwjgl/system/Struct"

// Option configures a Transformer.
type Option func(*options)

type options struct {
	logger       zerolog.Logger
	vocab        marker.Vocabulary
	prefixes     []string
	excludes     []string
	verbose      bool
	debugRuntime bool
	trace        io.Writer
	checkStack   bool
	policy       marker.Policy
	mode         rewrite.Mode
	resolver     escape.ClassResolver
	cache        *escape.StructCache
}

func collectOptions(opts ...Option) *options {
	o := &options{
		logger:   zerolog.Nop(),
		vocab:    marker.DefaultVocabulary(),
		excludes: append([]string(nil), DefaultExcludes...),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	if o.cache == nil {
		o.cache = escape.NewStructCache(o.resolver, StructBase)
	}
	return o
}

// WithLogger sets the logger for decisions and diagnostics. The default
// discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithVocabulary replaces the marker vocabulary.
func WithVocabulary(v marker.Vocabulary) Option {
	return func(o *options) {
		o.vocab = v
	}
}

// WithPrefixes restricts the transformation to classes whose internal
// name starts with one of the prefixes. This option is additive. With no
// prefixes every class not excluded is transformed.
func WithPrefixes(prefixes ...string) Option {
	return func(o *options) {
		o.prefixes = append(o.prefixes, prefixes...)
	}
}

// WithExcludes replaces the excluded prefixes.
func WithExcludes(prefixes ...string) Option {
	return func(o *options) {
		o.excludes = append([]string(nil), prefixes...)
	}
}

// WithVerbose logs the decision taken for every method.
func WithVerbose(verbose bool) Option {
	return func(o *options) {
		o.verbose = verbose
	}
}

// WithDebugRuntime makes transformed methods print a line whenever they
// open or close a scope.
func WithDebugRuntime(enabled bool) Option {
	return func(o *options) {
		o.debugRuntime = enabled
	}
}

// WithTrace writes a disassembly of every transformed method to w.
func WithTrace(w io.Writer) Option {
	return func(o *options) {
		o.trace = w
	}
}

// WithCheckStack verifies the stack pointer whenever a method releases
// its scope. It applies to the push scope mode.
func WithCheckStack(enabled bool) Option {
	return func(o *options) {
		o.checkStack = enabled
	}
}

// WithDefaultPolicy sets the policy of methods whose allocations do not
// escape and that carry no policy annotation. The default is
// marker.PolicyFresh.
func WithDefaultPolicy(p marker.Policy) Option {
	return func(o *options) {
		o.policy = p
	}
}

// WithMode sets how fresh scopes are opened and closed.
func WithMode(m rewrite.Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithResolver sets the class resolver used to recognize struct types.
// It is ignored when WithStructCache is given.
func WithResolver(r escape.ClassResolver) Option {
	return func(o *options) {
		o.resolver = r
	}
}

// WithStructCache shares a struct cache between transformers, for
// example across the workers of one run.
func WithStructCache(c *escape.StructCache) Option {
	return func(o *options) {
		o.cache = c
	}
}
