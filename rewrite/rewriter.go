package rewrite

import (
	"sort"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/flow"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/op"
)

// StackGrowth is added to max_stack of every rewritten method. It covers
// the deepest inserted sequence on top of the original operand stack.
const StackGrowth = 4

// Rewriter injects scope handling into method bodies. It holds no
// per-method state and is safe for concurrent use.
type Rewriter struct {
	cfg   Config
	vocab marker.Vocabulary
}

// New returns a Rewriter. Pass nil for cfg to use defaults.
func New(cfg *Config) *Rewriter {
	r := &Rewriter{}
	if cfg != nil {
		r.cfg = *cfg
	}
	r.vocab = r.cfg.Vocabulary
	if r.vocab.ScopeClass == "" {
		r.vocab = marker.DefaultVocabulary()
	}
	return r
}

// Rewrite rewrites one method body with a Rewriter created from cfg.
func Rewrite(body *bytecode.Body, plan Plan, cfg *Config) (*bytecode.Body, error) {
	return New(cfg).Rewrite(body, plan)
}

// Rewrite returns a new body that acquires the scope handle in a
// prologue, replaces the marker calls, resets reset loops on every
// iteration, and releases the scope on every exit. The input body is
// not modified; on error no body is returned.
func (r *Rewriter) Rewrite(body *bytecode.Body, plan Plan) (*bytecode.Body, error) {
	meth := body.Method()
	if meth.Name == "<init>" {
		return nil, errz.Errorf(errz.ErrUnsupportedShape, "constructors are not rewritten")
	}
	if body.NodeCount() == 0 {
		return nil, errz.Errorf(errz.ErrUnsupportedShape, "method has no code")
	}
	m, err := r.newMethod(body, plan)
	if err != nil {
		return nil, err
	}
	m.run()
	if m.failure != nil {
		return nil, m.failure
	}
	return m.build(), nil
}

// phase is where the rewriter is in a method. A method moves from the
// prologue into the body, through any number of loop zones, and ends
// with the epilogue.
type phase int

const (
	phasePrologue phase = iota
	phaseBody
	phaseLoopInit
	phaseLoopBody
	phaseLoopRelease
	phaseEpilogue
)

var phaseNames = [...]string{"prologue", "body", "loop-init", "loop-body", "loop-release", "epilogue"}

func (p phase) String() string {
	return phaseNames[p]
}

var transitions = map[phase][]phase{
	phasePrologue:    {phaseBody},
	phaseBody:        {phaseLoopInit, phaseEpilogue},
	phaseLoopInit:    {phaseLoopBody},
	phaseLoopBody:    {phaseLoopInit, phaseLoopRelease, phaseBody},
	phaseLoopRelease: {phaseLoopBody, phaseBody, phaseEpilogue},
	phaseEpilogue:    {phaseLoopRelease},
}

type trampoline struct {
	label  *bytecode.Label
	target *bytecode.Label
	loop   *flow.Loop
}

// span is a range of the output that the synthetic handler skips.
type span struct {
	from, to *bytecode.Label
}

// method is the state of one rewrite.
type method struct {
	*Rewriter
	body  *bytecode.Body
	plan  Plan
	where string

	// New slots start at first. mark is -1 when no pointer is saved.
	first     int
	handle    int
	mark      int
	added     []bytecode.VType
	resets    []*flow.Loop
	loopMarks map[*flow.Loop]int

	sites    map[int]marker.Site
	edges    map[int]flow.Edge
	opens    map[int][]*flow.Loop
	closes   map[int][]*flow.Loop
	resumes  map[*flow.Loop]*bytecode.Label
	handlers []bytecode.Handler

	out         []bytecode.Node
	phase       phase
	active      int
	line        int
	trampolines []trampoline
	skips       []span
	failure     error
}

func (r *Rewriter) newMethod(body *bytecode.Body, plan Plan) (*method, error) {
	first, err := body.Method().ParamSlots()
	if err != nil {
		return nil, err
	}
	m := &method{
		Rewriter:  r,
		body:      body,
		plan:      plan,
		where:     body.Method().String(),
		first:     first,
		handle:    first,
		mark:      -1,
		loopMarks: map[*flow.Loop]int{},
		sites:     map[int]marker.Site{},
		edges:     map[int]flow.Edge{},
		opens:     map[int][]*flow.Loop{},
		closes:    map[int][]*flow.Loop{},
		resumes:   map[*flow.Loop]*bytecode.Label{},
	}
	m.added = append(m.added, bytecode.ObjectType(r.vocab.ScopeClass))
	if !plan.shared() && (r.cfg.Mode == ModePointer || r.cfg.CheckStack) {
		m.mark = first + len(m.added)
		m.added = append(m.added, bytecode.VType{Tag: bytecode.Integer})
	}
	if !plan.shared() && plan.Structure != nil {
		m.resets = plan.Structure.ResetLoops()
		for _, l := range m.resets {
			m.loopMarks[l] = first + len(m.added)
			m.added = append(m.added, bytecode.VType{Tag: bytecode.Integer})
			m.opens[l.BodyStart] = append(m.opens[l.BodyStart], l)
			m.closes[l.ZoneEnd] = append(m.closes[l.ZoneEnd], l)
			if l.Shape == flow.BottomTested {
				m.resumes[l] = bytecode.NewLabel()
			}
		}
		// Inner zones close first.
		for _, ls := range m.closes {
			sort.SliceStable(ls, func(i, j int) bool { return ls[i].Depth > ls[j].Depth })
		}
		for i, e := range plan.Structure.Edges {
			m.edges[i] = e
		}
	}
	for _, s := range plan.Sites {
		if s.Index < 0 || s.Index >= body.NodeCount() {
			return nil, errz.Errorf(errz.ErrStructural, "call site %d out of range", s.Index)
		}
		if _, ok := body.NodeAt(s.Index).(*bytecode.MethodInsn); !ok {
			return nil, errz.AtOffset(errz.ErrStructural, body.OffsetAt(s.Index), "call site is not an invocation")
		}
		m.sites[s.Index] = s
	}
	for i := range m.edges {
		if _, ok := body.NodeAt(i).(*bytecode.JumpInsn); !ok {
			return nil, errz.AtOffset(errz.ErrStructural, body.OffsetAt(i), "loop edge is not a jump")
		}
	}
	return m, nil
}

func (m *method) fail(err error) {
	if m.failure == nil {
		m.failure = err
	}
}

func (m *method) enter(next phase) {
	for _, p := range transitions[m.phase] {
		if p == next {
			m.phase = next
			return
		}
	}
	m.fail(errz.Errorf(errz.ErrStructural, "rewriter cannot go from %s to %s", m.phase, next))
}

// settle leaves the loop-release phase for whatever encloses it.
func (m *method) settle(epilogue bool) {
	switch {
	case epilogue:
		m.enter(phaseEpilogue)
	case m.active > 0:
		m.enter(phaseLoopBody)
	default:
		m.enter(phaseBody)
	}
}

func (m *method) emit(nodes ...bytecode.Node) {
	m.out = append(m.out, nodes...)
}

func (m *method) shift(slot int) int {
	if slot >= m.first {
		return slot + len(m.added)
	}
	return slot
}

func (m *method) frame(f *bytecode.Frame) *bytecode.Frame {
	return f.InsertLocals(m.first, m.added)
}

func (m *method) run() {
	m.prologue()
	start := bytecode.NewLabel()
	m.emit(start)
	if f, _, _ := m.groupFrame(0); f == nil {
		if initial, err := bytecode.InitialFrame(m.body.Method()); err == nil {
			m.emit(m.frame(initial))
		}
	}
	m.enter(phaseBody)

	n := m.body.NodeCount()
	for i := 0; i < n; i++ {
		m.closeZones(i)
		m.openZones(i)
		m.node(i)
	}
	m.closeZones(n)
	end := bytecode.NewLabel()
	m.emit(end)

	m.handlers = sortHandlers(m.body)
	if m.plan.shared() {
		return
	}
	m.enter(phaseEpilogue)
	m.epilogue(start, end)
}

// groupFrame returns the frame of the label group around node i, its
// index, and whether a label of the group sits at or after i.
func (m *method) groupFrame(i int) (f *bytecode.Frame, at int, labelsAfter bool) {
	at = -1
	lo := i
	for lo > 0 {
		if _, ok := m.body.NodeAt(lo - 1).(bytecode.Insn); ok {
			break
		}
		lo--
	}
	for k := lo; k < m.body.NodeCount(); k++ {
		switch n := m.body.NodeAt(k).(type) {
		case bytecode.Insn:
			return f, at, labelsAfter
		case *bytecode.Frame:
			f, at = n, k
		case *bytecode.Label:
			if k >= i {
				labelsAfter = true
			}
		}
	}
	return f, at, labelsAfter
}

// insertAt emits code before node i. Labels of the same group on either
// side of the insertion keep a frame.
func (m *method) insertAt(i int, code func()) {
	f, at, labelsAfter := m.groupFrame(i)
	if f != nil && at >= i {
		m.emit(m.frame(f))
	}
	code()
	if f != nil && at < i && labelsAfter {
		m.emit(m.frame(f))
	}
}

func (m *method) openZones(i int) {
	for _, l := range m.opens[i] {
		m.enter(phaseLoopInit)
		m.insertAt(i, func() { m.loopAcquire(l) })
		m.active++
		m.enter(phaseLoopBody)
	}
}

func (m *method) closeZones(i int) {
	for _, l := range m.closes[i] {
		m.active--
		if l.Shape != flow.BottomTested {
			if m.active == 0 {
				m.enter(phaseBody)
			}
			continue
		}
		m.enter(phaseLoopRelease)
		m.insertAt(i, func() {
			m.emit(m.resumes[l])
			m.loopRelease(l)
		})
		m.settle(false)
	}
}

func (m *method) node(i int) {
	switch n := m.body.NodeAt(i).(type) {
	case *bytecode.Label:
		m.emit(n)
	case *bytecode.LineNumber:
		m.line = n.Line
		m.emit(n)
	case *bytecode.Frame:
		m.emit(m.frame(n))
	case bytecode.Insn:
		m.insn(i, n)
	}
}

func (m *method) insn(i int, insn bytecode.Insn) {
	if s, ok := m.sites[i]; ok {
		m.site(s)
		return
	}
	if e, ok := m.edges[i]; ok {
		m.edge(e, insn.(*bytecode.JumpInsn))
		return
	}
	switch n := insn.(type) {
	case *bytecode.VarInsn:
		m.emit(bytecode.Var(n.Op, m.shift(n.Var)))
	case *bytecode.IincInsn:
		m.emit(&bytecode.IincInsn{Var: m.shift(n.Var), Incr: n.Incr})
	case *bytecode.SimpleInsn:
		if op.IsReturn(n.Op) && !m.plan.shared() {
			from, to := bytecode.NewLabel(), bytecode.NewLabel()
			m.emit(from)
			m.release(true)
			m.emit(n, to)
			m.skips = append(m.skips, span{from: from, to: to})
			return
		}
		m.emit(n)
	default:
		m.emit(n)
	}
}

func (m *method) site(s marker.Site) {
	if s.Call == marker.StackGet {
		m.emit(bytecode.Var(op.Aload, m.handle))
		return
	}
	code, ref, swap := m.vocab.Replacement(s.Call, s.Ref)
	m.emit(bytecode.Var(op.Aload, m.handle))
	if swap {
		m.emit(bytecode.Simple(op.Swap))
	}
	m.emit(&bytecode.MethodInsn{Op: code, Ref: ref})
}

func (m *method) edge(e flow.Edge, j *bytecode.JumpInsn) {
	switch {
	case e.Kind == flow.EdgeContinue:
		m.emit(bytecode.Jump(j.Op, m.resumes[e.Release]))
	case e.Kind == flow.EdgeLatch || !e.Conditional:
		m.enter(phaseLoopRelease)
		m.loopRelease(e.Release)
		m.settle(false)
		m.emit(j)
	default:
		t := bytecode.NewLabel()
		m.trampolines = append(m.trampolines, trampoline{label: t, target: j.Target, loop: e.Release})
		m.emit(bytecode.Jump(j.Op, t))
	}
}

// epilogue emits the synthetic catch-all handler and the trampolines of
// conditional loop exits.
func (m *method) epilogue(start, end *bytecode.Label) {
	handler := bytecode.NewLabel()
	locals := make([]bytecode.VType, m.first, m.first+len(m.added))
	locals = append(locals, m.added...)
	m.emit(handler, &bytecode.Frame{
		Locals: locals,
		Stack:  []bytecode.VType{bytecode.ObjectType("java/lang/Throwable")},
	})
	m.release(false)
	m.emit(bytecode.Simple(op.Athrow))

	from := start
	for _, s := range m.skips {
		if m.covers(from, s.from) {
			m.handlers = append(m.handlers, bytecode.Handler{Start: from, End: s.from, Target: handler})
		}
		from = s.to
	}
	if m.covers(from, end) {
		m.handlers = append(m.handlers, bytecode.Handler{Start: from, End: end, Target: handler})
	}

	for _, t := range m.trampolines {
		m.emit(t.label)
		if f := m.body.FrameAt(t.target); f != nil {
			m.emit(m.frame(f))
		}
		m.enter(phaseLoopRelease)
		m.loopRelease(t.loop)
		m.settle(true)
		m.emit(bytecode.Jump(op.Goto, t.target))
	}
}

// covers reports whether an instruction was emitted between two labels.
func (m *method) covers(from, to *bytecode.Label) bool {
	in := false
	for _, n := range m.out {
		switch n := n.(type) {
		case *bytecode.Label:
			switch n {
			case from:
				in = true
			case to:
				return false
			}
		case bytecode.Insn:
			if in {
				return true
			}
		}
	}
	return false
}

// sortHandlers orders the exception table innermost first. Handlers
// with equal extent keep their order.
func sortHandlers(body *bytecode.Body) []bytecode.Handler {
	hs := body.Handlers()
	extent := func(h bytecode.Handler) int {
		return body.IndexOf(h.End) - body.IndexOf(h.Start)
	}
	sort.SliceStable(hs, func(i, j int) bool { return extent(hs[i]) < extent(hs[j]) })
	return hs
}

func (m *method) build() *bytecode.Body {
	shiftVars := func(n int, at func(int) bytecode.LocalVar) []bytecode.LocalVar {
		vars := make([]bytecode.LocalVar, 0, n)
		for k := 0; k < n; k++ {
			v := at(k)
			v.Index = m.shift(v.Index)
			vars = append(vars, v)
		}
		return vars
	}
	return bytecode.NewBody(bytecode.BodyParams{
		Method:     m.body.Method(),
		Nodes:      m.out,
		Handlers:   m.handlers,
		Locals:     shiftVars(m.body.LocalVarCount(), m.body.LocalVarAt),
		LocalTypes: shiftVars(m.body.LocalTypeCount(), m.body.LocalTypeAt),
		MaxStack:   m.body.MaxStack() + StackGrowth,
		MaxLocals:  m.body.MaxLocals() + len(m.added),
	})
}
