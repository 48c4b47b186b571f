// Package autostack rewrites JVM class files so that methods using the
// LWJGL MemoryStack open and close their own stack frame, or share the
// frame of their caller when their allocations escape.
//
//	t := autostack.New(autostack.WithPrefixes("com/example/"))
//	out, err := t.Transform("com/example/Renderer", data)
//	if out == nil {
//		// nothing to transform
//	}
package autostack

import (
	"bytes"
	"strings"
	"sync"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/dis"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/escape"
	"github.com/deepnoodle-ai/autostack/flow"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/rewrite"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"
)

// Transformer rewrites class files. It is safe for concurrent use; all
// calls share one struct cache.
type Transformer struct {
	opts       *options
	classifier *marker.Classifier
	analyzer   *escape.Analyzer
	traceMu    sync.Mutex
}

// New returns a Transformer configured by opts.
func New(opts ...Option) *Transformer {
	o := collectOptions(opts...)
	return &Transformer{
		opts:       o,
		classifier: marker.NewClassifier(o.vocab),
		analyzer:   escape.NewAnalyzer(o.vocab, o.cache, o.logger),
	}
}

// StructCache returns the cache shared by every call of the transformer.
func (t *Transformer) StructCache() *escape.StructCache {
	return t.opts.cache
}

// Accepts reports whether a class is selected by the prefix and exclude
// settings. Names may be given with or without a .class suffix.
func (t *Transformer) Accepts(unitName string) bool {
	name := strings.TrimSuffix(unitName, ".class")
	for _, p := range t.opts.excludes {
		if strings.HasPrefix(name, p) {
			return false
		}
	}
	if len(t.opts.prefixes) == 0 {
		return true
	}
	for _, p := range t.opts.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// Transform rewrites one class file. It returns nil bytes when the class
// is not selected or no method was transformed. Methods that fail are
// left unchanged and their errors are returned together in a
// *multierror.Error alongside the bytes of the other methods. A class
// that cannot be parsed fails as a whole with ErrFormat.
func (t *Transformer) Transform(unitName string, data []byte) ([]byte, error) {
	if !t.Accepts(unitName) {
		return nil, nil
	}
	class, err := classfile.Parse(data)
	if err != nil {
		return nil, unitError(err, unitName)
	}
	report, err := t.run(unitName, class, true)
	if report.Transformed == 0 {
		return nil, err
	}
	return class.Bytes(), err
}

// Scan runs the classification and analysis passes over a class without
// rewriting it and reports the decision taken for every method.
func (t *Transformer) Scan(unitName string, data []byte) (*ClassReport, error) {
	class, err := classfile.Parse(data)
	if err != nil {
		return nil, unitError(err, unitName)
	}
	return t.run(unitName, class, false)
}

func unitError(err error, unit string) error {
	if se, ok := err.(*errz.StructuredError); ok {
		return se.In(unit, "")
	}
	return errz.Errorf(errz.ErrFormat, "cannot parse class").WithCause(err).In(unit, "")
}

// unit is the state of one Transform or Scan call.
type unit struct {
	t       *Transformer
	name    string
	class   *classfile.Class
	emit    bool
	log     zerolog.Logger
	cfg     rewrite.Config
	checks  bool
	defs    marker.Defaults
	report  *ClassReport
	errs    *multierror.Error
	pending []*classfile.Member
}

func (t *Transformer) run(unitName string, class *classfile.Class, emit bool) (*ClassReport, error) {
	u := &unit{
		t:      t,
		name:   unitName,
		class:  class,
		emit:   emit,
		log:    t.opts.logger.With().Str("unit", unitName).Logger(),
		report: &ClassReport{Unit: unitName, Class: class.Name()},
		cfg: rewrite.Config{
			Vocabulary:   t.opts.vocab,
			Mode:         t.opts.mode,
			DebugRuntime: t.opts.debugRuntime,
		},
	}
	anns, err := class.Annotations()
	if err != nil {
		return u.report, unitError(err, unitName)
	}
	u.defs = t.classifier.ClassDefaults(anns)

	if t.opts.checkStack && t.opts.mode == rewrite.ModePush {
		if _, ok := rewrite.CheckStackAccess(class); ok {
			u.cfg.CheckStack = class.Method(rewrite.CheckStackName, rewrite.CheckStackDesc) == nil
		} else {
			u.log.Info().Uint16("major", class.Major).
				Msg("stack check skipped: interface cannot hold a static helper")
		}
	}

	// The class may gain a method, so iterate over the original list.
	methods := append([]*classfile.Member(nil), class.Methods...)
	for _, m := range methods {
		mr := u.method(m)
		u.report.Methods = append(u.report.Methods, mr)
		if mr.Transformed {
			u.report.Transformed++
		}
	}
	if emit {
		if err := u.finish(); err != nil {
			u.discard(err)
		}
	}
	return u.report, u.errs.ErrorOrNil()
}

// finish adds the stack check helper and marks the rewritten methods.
func (u *unit) finish() error {
	if u.checks {
		if err := u.addCheckMethod(); err != nil {
			return err
		}
	}
	for _, m := range u.pending {
		if err := m.Annotate(u.class.Pool, u.t.opts.vocab.Transformed); err != nil {
			return unitError(err, u.name)
		}
	}
	return nil
}

// discard gives up every rewritten method of the class. The class itself
// is left half changed, so it must not be emitted.
func (u *unit) discard(err error) {
	u.errs = multierror.Append(u.errs, err)
	u.log.Error().Err(err).Int("methods", len(u.pending)).Msg("class left unchanged")
	for i := range u.report.Methods {
		mr := &u.report.Methods[i]
		if mr.Transformed {
			mr.Transformed = false
			mr.Error = err.Error()
		}
	}
	u.report.Transformed = 0
	u.pending = nil
}

func (u *unit) fail(mr *MethodReport, err error, method string) {
	var se *errz.StructuredError
	if s, ok := err.(*errz.StructuredError); ok {
		se = s
	} else {
		se = errz.Errorf(errz.ErrStructural, "%s failed", method).WithCause(err)
	}
	se.In(u.name, method)
	mr.Error = se.Error()
	u.errs = multierror.Append(u.errs, se)
	u.log.Error().Err(se).Str("method", method).Msg("method left unchanged")
}

func (u *unit) skip(mr *MethodReport, err error, method string) {
	mr.Reason = err.Error()
	u.log.Info().Str("method", method).Str("reason", mr.Reason).Msg("unsupported shape, method left unchanged")
}

// method runs the pipeline for one method. The class is changed only
// after every step succeeded.
func (u *unit) method(m *classfile.Member) MethodReport {
	t := u.t
	mr := MethodReport{Name: m.Name, Desc: m.Desc}
	name := m.Name + m.Desc

	body, err := bytecode.DecodeMethod(u.class, m)
	if err != nil {
		u.fail(&mr, err, name)
		return mr
	}
	if body == nil {
		mr.Reason = "no code"
		return mr
	}
	mr.CodeLength = body.Stats().CodeLength
	anns, err := m.Annotations(u.class.Pool)
	if err != nil {
		u.fail(&mr, err, name)
		return mr
	}
	e, err := t.classifier.Classify(body, anns, u.defs)
	if errz.Is(err, errz.ErrUnsupportedShape) {
		u.skip(&mr, err, name)
		return mr
	} else if err != nil {
		u.fail(&mr, err, name)
		return mr
	}
	mr.Calls = len(e.Calls)
	mr.HasHandlers = e.HasHandlers
	if !e.Transform {
		mr.Reason = e.Reason
		u.decision(name, mr)
		return mr
	}

	plan := rewrite.Plan{Sites: e.Calls, Interface: u.class.IsInterface()}
	plan.Policy, plan.Reason, err = u.policy(e, body, &mr)
	if err != nil {
		u.fail(&mr, err, name)
		return mr
	}
	mr.Policy = plan.Policy.String()

	if plan.Policy == marker.PolicyFresh {
		var sites []int
		for _, s := range e.Calls {
			if s.Call.IsAllocation() {
				sites = append(sites, s.Index)
			}
		}
		plan.Structure, err = flow.Analyze(body, sites)
		if errz.Is(err, errz.ErrUnsupportedShape) {
			u.skip(&mr, err, name)
			return mr
		} else if err != nil {
			u.fail(&mr, err, name)
			return mr
		}
		mr.Loops = len(plan.Structure.ResetLoops())
	}

	out, err := rewrite.Rewrite(body, plan, &u.cfg)
	if errz.Is(err, errz.ErrUnsupportedShape) {
		u.skip(&mr, err, name)
		return mr
	} else if err != nil {
		u.fail(&mr, err, name)
		return mr
	}
	if u.cfg.CheckStack && plan.Policy == marker.PolicyFresh {
		if _, err := rewrite.CheckBalance(out, t.opts.vocab); err != nil {
			u.fail(&mr, err, name)
			return mr
		}
	}
	mr.Reason = plan.Reason
	mr.Transformed = true
	u.decision(name, mr)
	if !u.emit {
		return mr
	}

	code, err := bytecode.Assemble(out, u.class.Pool, u.class.Major)
	if err != nil {
		mr.Transformed = false
		u.fail(&mr, err, name)
		return mr
	}
	encoded, err := code.Encode()
	if err == nil {
		err = m.SetAttribute(u.class.Pool, classfile.AttrCode, encoded)
	}
	if err != nil {
		mr.Transformed = false
		u.fail(&mr, err, name)
		return mr
	}
	u.pending = append(u.pending, m)
	if u.cfg.CheckStack && plan.Policy == marker.PolicyFresh {
		u.checks = true
	}
	if t.opts.trace != nil {
		var buf bytes.Buffer
		if err := dis.Trace(out, &buf); err != nil {
			u.log.Warn().Err(err).Str("method", name).Msg("trace failed")
		} else {
			t.traceMu.Lock()
			t.opts.trace.Write(buf.Bytes())
			t.traceMu.Unlock()
		}
	}
	return mr
}

// policy picks the scope policy of an eligible method: annotations
// first, then escape analysis, then the configured default.
func (u *unit) policy(e marker.Eligibility, body *bytecode.Body, mr *MethodReport) (marker.Policy, string, error) {
	switch e.Policy() {
	case marker.PolicyShared:
		return marker.PolicyShared, "annotated to use the caller's stack", nil
	case marker.PolicyFresh:
		return marker.PolicyFresh, "annotated to use a new stack", nil
	}
	res, err := u.t.analyzer.Analyze(body)
	if err != nil {
		return marker.PolicyDefault, "", err
	}
	mr.Allocations = len(res.Allocations)
	mr.Unresolved = res.Unresolved
	if res.Escapes() {
		mr.Escapes = true
		return marker.PolicyShared, res.Reason(), nil
	}
	if u.t.opts.policy == marker.PolicyShared {
		return marker.PolicyShared, "default policy", nil
	}
	return marker.PolicyFresh, "no allocation escapes", nil
}

func (u *unit) decision(method string, mr MethodReport) {
	if !u.t.opts.verbose {
		return
	}
	ev := u.log.Debug().Str("method", method).Str("reason", mr.Reason)
	if mr.Transformed {
		ev.Str("policy", mr.Policy).Int("loops", mr.Loops).Msg("transform")
		return
	}
	ev.Msg("skip")
}

func (u *unit) addCheckMethod() error {
	access, _ := rewrite.CheckStackAccess(u.class)
	body := rewrite.CheckStackBody(u.class.Name(), access)
	code, err := bytecode.Assemble(body, u.class.Pool, u.class.Major)
	if err != nil {
		return unitError(err, u.name)
	}
	encoded, err := code.Encode()
	if err != nil {
		return unitError(err, u.name)
	}
	if _, err := u.class.AddMethod(access, rewrite.CheckStackName, rewrite.CheckStackDesc, encoded); err != nil {
		return unitError(err, u.name)
	}
	return nil
}
