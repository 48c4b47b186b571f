package escape

import (
	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/op"
	"github.com/rs/zerolog"
)

// Analyzer builds the connection graph of a method body and reports
// which scope allocations leave the method.
type Analyzer struct {
	vocab  marker.Vocabulary
	cache  *StructCache
	logger zerolog.Logger
}

// NewAnalyzer returns an analyzer. The cache may be shared between
// analyzers running concurrently.
func NewAnalyzer(vocab marker.Vocabulary, cache *StructCache, logger zerolog.Logger) *Analyzer {
	return &Analyzer{vocab: vocab, cache: cache, logger: logger}
}

type state struct {
	a    *Analyzer
	body *bytecode.Body
	g    *Graph

	index   int
	stack   []*Node
	live    bool
	err     error
	locals  map[int]*Node
	pending map[*bytecode.Label][]*Node

	targeted map[*bytecode.Label]bool
	handlers map[*bytecode.Label]bool

	// sinks are the nodes whose contents outlive the method.
	sinks      []*Node
	allocs     []*Node
	refs       map[*Node]classfile.MemberRef
	unresolved []string
	// causes names the instruction behind every global escape, in
	// stream order.
	causes []cause
}

type cause struct {
	node *Node
	what string
}

// Analyze interprets the body once, in stream order, and classifies
// every scope allocation. Values reaching a back-edge are not merged into
// the loop header.
func (a *Analyzer) Analyze(body *bytecode.Body) (*Result, error) {
	s := &state{
		a:        a,
		body:     body,
		g:        NewGraph(),
		live:     true,
		locals:   map[int]*Node{},
		pending:  map[*bytecode.Label][]*Node{},
		targeted: map[*bytecode.Label]bool{},
		handlers: map[*bytecode.Label]bool{},
		refs:     map[*Node]classfile.MemberRef{},
	}
	s.sinks = append(s.sinks, s.g.Global)
	if err := s.params(); err != nil {
		return nil, err
	}
	for k := 0; k < body.HandlerCount(); k++ {
		s.handlers[body.HandlerAt(k).Target] = true
	}
	it := bytecode.NewInsnIter(body)
	for insn, _, ok := it.Next(); ok; insn, _, ok = it.Next() {
		for _, l := range bytecode.Targets(insn) {
			s.targeted[l] = true
		}
	}

	for i := 0; i < body.NodeCount(); i++ {
		s.index = i
		switch n := body.NodeAt(i).(type) {
		case *bytecode.Label:
			s.label(n)
		case *bytecode.LineNumber, *bytecode.Frame:
		case bytecode.Insn:
			if !s.live {
				continue
			}
			s.insn(n)
			if op.EndsBlock(n.Opcode()) {
				s.live = false
			}
		}
		if s.err != nil {
			return nil, s.err
		}
	}
	s.g.Propagate()
	return s.result(), nil
}

func (s *state) params() error {
	m := s.body.Method()
	mt, err := classfile.ParseMethodType(m.Desc)
	if err != nil {
		return err
	}
	slot := 0
	if !m.IsStatic() {
		s.param(slot)
		slot++
	}
	for _, p := range mt.Params {
		if classfile.IsReference(p) {
			s.param(slot)
		}
		slot += classfile.SlotSize(p)
	}
	return nil
}

func (s *state) param(slot int) {
	obj := s.g.NewNode(KindPhantom, -1)
	obj.State = ArgEscape
	s.g.AddPointsTo(s.local(slot), obj)
	s.sinks = append(s.sinks, obj)
}

// local returns the reference node of a local slot. Locals are flow
// insensitive: every store adds a deferred edge.
func (s *state) local(slot int) *Node {
	n, ok := s.locals[slot]
	if !ok {
		n = s.g.NewNode(KindReference, -1)
		s.locals[slot] = n
	}
	return n
}

func (s *state) fail(format string, args ...any) {
	if s.err == nil {
		s.err = errz.AtOffset(errz.ErrStructural, s.body.OffsetAt(s.index), format, args...)
	}
}

func (s *state) push(nodes ...*Node) {
	s.stack = append(s.stack, nodes...)
}

func (s *state) pushPrim(words int) {
	for i := 0; i < words; i++ {
		s.stack = append(s.stack, s.g.Unescapable)
	}
}

// pop removes the top word. Underflow is recorded and yields the
// unescapable sentinel so that the current instruction can finish.
func (s *state) pop() *Node {
	if len(s.stack) == 0 {
		s.fail("operand stack underflow")
		return s.g.Unescapable
	}
	n := s.stack[len(s.stack)-1]
	s.stack = s.stack[:len(s.stack)-1]
	return n
}

func (s *state) drop(words int) {
	for i := 0; i < words; i++ {
		s.pop()
	}
}

func (s *state) label(l *bytecode.Label) {
	in, jumped := s.pending[l]
	delete(s.pending, l)
	switch {
	case s.live && jumped:
		s.stack = s.merge(s.stack, in)
	case s.live:
	case jumped:
		s.stack, s.live = in, true
	case s.handlers[l]:
		exc := s.g.NewNode(KindObject, -1)
		exc.State = GlobalEscape
		s.sinks = append(s.sinks, exc)
		s.stack, s.live = []*Node{exc}, true
	case s.body.FrameAt(l) != nil:
		s.stack, s.live = s.frameStack(s.body.FrameAt(l)), true
	case s.targeted[l]:
		// Only reached by a later back-edge; loop headers start empty.
		s.stack, s.live = nil, true
	}
}

func (s *state) frameStack(f *bytecode.Frame) []*Node {
	var out []*Node
	for _, t := range f.Stack {
		switch t.Tag {
		case bytecode.Object, bytecode.Uninitialized, bytecode.UninitializedThis:
			out = append(out, s.g.NewNode(KindReference, -1))
		default:
			for i := 0; i < t.Size(); i++ {
				out = append(out, s.g.Unescapable)
			}
		}
	}
	return out
}

// merge joins the stacks of two paths. Differing references are joined
// through a phi reference deferred to both.
func (s *state) merge(a, b []*Node) []*Node {
	if len(a) != len(b) {
		s.fail("operand stack height %d does not match %d at join", len(a), len(b))
		return a
	}
	out := make([]*Node, len(a))
	for i := range a {
		if a[i] == b[i] {
			out[i] = a[i]
			continue
		}
		phi := s.g.NewNode(KindReference, -1)
		s.g.AddDeferred(phi, a[i])
		s.g.AddDeferred(phi, b[i])
		out[i] = phi
	}
	return out
}

// jump records the stack for a forward branch target. Back-edges are
// ignored.
func (s *state) jump(l *bytecode.Label) {
	if t := s.body.IndexOf(l); t >= 0 && t < s.index {
		return
	}
	cur := append([]*Node(nil), s.stack...)
	if prev, ok := s.pending[l]; ok {
		cur = s.merge(prev, cur)
	}
	s.pending[l] = cur
}

func (s *state) insn(insn bytecode.Insn) {
	g := s.g
	switch n := insn.(type) {
	case *bytecode.SimpleInsn:
		s.simple(n.Op)
	case *bytecode.IntInsn:
		if n.Op == op.Newarray {
			s.pop()
			s.push(g.NewNode(KindObject, s.index))
			return
		}
		s.pushPrim(1)
	case *bytecode.VarInsn:
		switch n.Op {
		case op.Iload, op.Fload:
			s.pushPrim(1)
		case op.Lload, op.Dload:
			s.pushPrim(2)
		case op.Aload:
			s.push(s.local(n.Var))
		case op.Istore, op.Fstore:
			s.pop()
		case op.Lstore, op.Dstore:
			s.drop(2)
		case op.Astore:
			g.AddDeferred(s.local(n.Var), s.pop())
		}
	case *bytecode.IincInsn:
	case *bytecode.JumpInsn:
		switch {
		case n.Op == op.Goto:
		case n.Op == op.Jsr:
			s.pushPrim(1)
		case n.Op >= op.IfIcmpeq && n.Op <= op.IfAcmpne:
			s.drop(2)
		default:
			s.pop()
		}
		s.jump(n.Target)
	case *bytecode.LdcInsn:
		if n.Tag.Wide() {
			s.pushPrim(2)
		} else {
			s.pushPrim(1)
		}
	case *bytecode.TypeInsn:
		switch n.Op {
		case op.New:
			s.push(g.NewNode(KindObject, s.index))
		case op.Anewarray:
			s.pop()
			s.push(g.NewNode(KindObject, s.index))
		case op.Checkcast:
			// The cast value keeps its identity.
		case op.Instanceof:
			s.pop()
			s.pushPrim(1)
		}
	case *bytecode.FieldInsn:
		s.field(n)
	case *bytecode.MethodInsn:
		s.invoke(n)
	case *bytecode.InvokeDynamicInsn:
		mt, err := classfile.ParseMethodType(n.Desc)
		if err != nil {
			s.fail("invokedynamic descriptor %q: %v", n.Desc, err)
			return
		}
		for _, arg := range s.popArgs(mt) {
			s.escape(arg, "passed to invokedynamic "+n.Name)
		}
		s.pushResult(mt.Return)
	case *bytecode.TableSwitchInsn:
		s.pop()
		for _, l := range bytecode.Targets(n) {
			s.jump(l)
		}
	case *bytecode.LookupSwitchInsn:
		s.pop()
		for _, l := range bytecode.Targets(n) {
			s.jump(l)
		}
	case *bytecode.MultiANewArrayInsn:
		s.drop(int(n.Dims))
		s.push(g.NewNode(KindObject, s.index))
	default:
		s.fail("unexpected instruction %s", bytecode.Format(insn))
	}
}

func (s *state) simple(c op.Code) {
	g := s.g
	switch c {
	case op.Aaload:
		s.pop()
		s.push(s.load(s.pop(), "", "[]"))
	case op.Aastore:
		v := s.pop()
		s.pop()
		s.store(s.pop(), "", "[]", v)
	case op.Dup:
		v := s.pop()
		s.push(v, v)
	case op.DupX1:
		v1, v2 := s.pop(), s.pop()
		s.push(v1, v2, v1)
	case op.DupX2:
		v1, v2, v3 := s.pop(), s.pop(), s.pop()
		s.push(v1, v3, v2, v1)
	case op.Dup2:
		v1, v2 := s.pop(), s.pop()
		s.push(v2, v1, v2, v1)
	case op.Dup2X1:
		v1, v2, v3 := s.pop(), s.pop(), s.pop()
		s.push(v2, v1, v3, v2, v1)
	case op.Dup2X2:
		v1, v2, v3, v4 := s.pop(), s.pop(), s.pop(), s.pop()
		s.push(v2, v1, v4, v3, v2, v1)
	case op.Swap:
		v1, v2 := s.pop(), s.pop()
		s.push(v1, v2)
	case op.Areturn:
		g.AddDeferred(g.Return, s.pop())
	case op.Athrow:
		s.escape(s.pop(), "thrown")
	default:
		pop, push, ok := op.Effect(c)
		if !ok {
			s.fail("unexpected opcode %s", c)
			return
		}
		s.drop(pop)
		s.pushPrim(push)
	}
}

// load returns a reference to field owner.name of every object obj may
// point to.
func (s *state) load(obj *Node, owner, name string) *Node {
	r := s.g.NewNode(KindReference, s.index)
	for _, o := range s.g.PointsTo(obj) {
		s.g.AddDeferred(r, s.g.Field(o, owner, name))
	}
	return r
}

// store records obj.owner.name = v for every object obj may point to.
func (s *state) store(obj *Node, owner, name string, v *Node) {
	for _, o := range s.g.PointsTo(obj) {
		s.g.AddDeferred(s.g.Field(o, owner, name), v)
	}
}

func (s *state) field(n *bytecode.FieldInsn) {
	g := s.g
	desc := n.Ref.Desc
	ref := classfile.IsReference(desc)
	switch n.Op {
	case op.Getstatic:
		if !ref {
			s.pushPrim(classfile.SlotSize(desc))
			return
		}
		obj := g.NewNode(KindObject, s.index)
		obj.State = GlobalEscape
		s.sinks = append(s.sinks, obj)
		s.push(obj)
	case op.Putstatic:
		if !ref {
			s.drop(classfile.SlotSize(desc))
			return
		}
		v := s.pop()
		g.AddDeferred(g.Global, v)
		g.MarkEscape(v, GlobalEscape)
	case op.Getfield:
		obj := s.pop()
		if !ref {
			s.pushPrim(classfile.SlotSize(desc))
			return
		}
		s.push(s.load(obj, n.Ref.Owner, n.Ref.Name))
	case op.Putfield:
		if !ref {
			s.drop(classfile.SlotSize(desc))
			s.pop()
			return
		}
		v := s.pop()
		s.store(s.pop(), n.Ref.Owner, n.Ref.Name, v)
	}
}

// popArgs pops the arguments of a call and returns the reference ones.
func (s *state) popArgs(mt classfile.MethodType) []*Node {
	var refs []*Node
	for i := len(mt.Params) - 1; i >= 0; i-- {
		p := mt.Params[i]
		if classfile.SlotSize(p) == 2 {
			s.drop(2)
			continue
		}
		v := s.pop()
		if classfile.IsReference(p) && v != s.g.Unescapable {
			refs = append(refs, v)
		}
	}
	return refs
}

// pushResult pushes the value returned by a call the analyzer cannot see
// into. Returned objects are treated as globally reachable.
func (s *state) pushResult(ret string) {
	switch {
	case ret == "V":
	case classfile.IsReference(ret):
		obj := s.g.NewNode(KindObject, s.index)
		obj.State = GlobalEscape
		s.sinks = append(s.sinks, obj)
		s.push(obj)
	default:
		s.pushPrim(classfile.SlotSize(ret))
	}
}

func (s *state) invoke(n *bytecode.MethodInsn) {
	g := s.g
	ref := n.Ref
	mt, err := classfile.ParseMethodType(ref.Desc)
	if err != nil {
		s.fail("descriptor of %s: %v", ref, err)
		return
	}
	switch s.a.vocab.Match(n.Op, ref) {
	case marker.StackGet, marker.StackPush, marker.StackPop:
		s.push(g.Scope)
		return
	}
	if s.a.vocab.IsScopeAllocation(n.Op, ref) {
		s.popArgs(mt)
		if n.Op != op.Invokestatic {
			s.pop()
		}
		mem := g.NewNode(KindStack, s.index)
		s.allocs = append(s.allocs, mem)
		s.refs[mem] = ref
		s.push(mem)
		return
	}

	args := s.popArgs(mt)
	var recv *Node
	if n.Op != op.Invokestatic {
		recv = s.pop()
	}
	if recv != nil && classfile.IsReference(mt.Return) && s.holdsScopeMemory(recv) {
		if s.isStruct(ref, recv) {
			// Struct setters return their receiver.
			s.push(recv)
			return
		}
	}
	for _, arg := range args {
		if n.Op == op.Invokestatic || n.Op == op.Invokespecial {
			g.MarkEscape(arg, ArgEscape)
		} else {
			s.escape(arg, "passed to "+ref.Owner+"."+ref.Name)
		}
	}
	s.pushResult(mt.Return)
}

func (s *state) holdsScopeMemory(n *Node) bool {
	for _, o := range s.g.PointsTo(n) {
		if o.Kind == KindStack && o.Site >= 0 {
			return true
		}
	}
	return false
}

// escape marks n global and records why.
func (s *state) escape(n *Node, what string) {
	s.g.MarkEscape(n, GlobalEscape)
	s.causes = append(s.causes, cause{node: n, what: what})
}

// isStruct looks up the receiver class of a call. An unresolved class
// makes the receiver escape globally.
func (s *state) isStruct(ref classfile.MemberRef, recv *Node) bool {
	owner := ref.Owner
	var (
		ok  bool
		err error
	)
	if s.a.cache == nil {
		err = errz.Errorf(errz.ErrUnresolved, "no struct cache for %s", owner)
	} else {
		ok, err = s.a.cache.IsStruct(owner)
	}
	if err != nil {
		ev := s.a.logger.Debug().
			Str("method", s.body.Method().String()).
			Str("class", owner).
			Err(err)
		if s.a.cache != nil {
			ev = ev.Str("cache", s.a.cache.ID().String())
		}
		ev.Msg("struct lookup failed, receiver escapes")
		s.unresolved = append(s.unresolved, owner)
		s.escape(recv, "receiver of "+owner+"."+ref.Name+", class unresolved")
		return false
	}
	return ok
}

func (s *state) result() *Result {
	returned := s.g.Reachable(s.g.Return)
	stored := s.g.Reachable(s.sinks...)
	r := &Result{Graph: s.g, Unresolved: s.unresolved}
	for _, n := range s.allocs {
		r.Allocations = append(r.Allocations, Allocation{
			Index:    n.Site,
			Offset:   s.body.OffsetAt(n.Site),
			Ref:      s.refs[n],
			State:    n.State,
			Returned: returned[n],
			Stored:   stored[n],
			Cause:    s.causeOf(n),
		})
	}
	return r
}

// causeOf returns the first recorded global escape that reaches n.
func (s *state) causeOf(n *Node) string {
	if n.State != GlobalEscape {
		return ""
	}
	for _, c := range s.causes {
		if s.g.Reachable(c.node)[n] {
			return c.what
		}
	}
	return ""
}
