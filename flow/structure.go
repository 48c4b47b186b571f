package flow

import (
	"sort"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/op"
)

// Structure is the loop structure of a method body.
type Structure struct {
	// Loops are ordered by header index, so enclosing loops come first.
	Loops []*Loop
	// Edges maps the node index of each mark-restoring jump to its plan.
	Edges map[int]Edge
}

// ResetLoops returns the loops that get a mark and restore.
func (s *Structure) ResetLoops() []*Loop {
	var out []*Loop
	for _, l := range s.Loops {
		if l.Reset {
			out = append(out, l)
		}
	}
	return out
}

type jump struct {
	index   int
	insn    bytecode.Insn
	targets []int
}

type analyzer struct {
	body     *bytecode.Body
	jumps    []jump
	targeted map[int]bool
}

// Analyze finds the loops of a body and plans the mark restores for
// those that contain one of the given allocation sites. Shapes the
// rewriter cannot bracket exactly yield ErrUnsupportedShape.
func Analyze(body *bytecode.Body, allocSites []int) (*Structure, error) {
	a := &analyzer{body: body, targeted: map[int]bool{}}
	if err := a.collect(); err != nil {
		return nil, err
	}
	loops, err := a.loops()
	if err != nil {
		return nil, err
	}
	for _, l := range loops {
		a.shape(l, allocSites)
	}
	for _, l := range loops {
		if err := a.validate(l, allocSites); err != nil {
			return nil, err
		}
	}
	s := &Structure{Loops: loops, Edges: map[int]Edge{}}
	if err := a.edges(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (a *analyzer) unsupported(index int, format string, args ...any) error {
	return errz.AtOffset(errz.ErrUnsupportedShape, a.body.OffsetAt(index), format, args...)
}

// collect builds the label index for every branch and handler before any
// jump is classified.
func (a *analyzer) collect() error {
	resolve := func(at int, l *bytecode.Label) (int, error) {
		t := a.body.IndexOf(l)
		if t < 0 {
			return 0, errz.AtOffset(errz.ErrStructural, a.body.OffsetAt(at), "reference to a label that is not placed")
		}
		a.targeted[t] = true
		return t, nil
	}
	it := bytecode.NewInsnIter(a.body)
	for insn, i, ok := it.Next(); ok; insn, i, ok = it.Next() {
		if op.IsSubroutine(insn.Opcode()) {
			return a.unsupported(i, "subroutine instruction %s", insn.Opcode())
		}
		labels := bytecode.Targets(insn)
		if labels == nil {
			continue
		}
		j := jump{index: i, insn: insn}
		for _, l := range labels {
			t, err := resolve(i, l)
			if err != nil {
				return err
			}
			j.targets = append(j.targets, t)
		}
		a.jumps = append(a.jumps, j)
	}
	for k := 0; k < a.body.HandlerCount(); k++ {
		h := a.body.HandlerAt(k)
		for _, l := range []*bytecode.Label{h.Start, h.End, h.Target} {
			if _, err := resolve(0, l); err != nil {
				return err
			}
		}
	}
	return nil
}

// loops groups back-edges by header and checks that regions nest.
func (a *analyzer) loops() ([]*Loop, error) {
	byHeader := map[int]*Loop{}
	for _, j := range a.jumps {
		for _, t := range j.targets {
			if t > j.index {
				continue
			}
			if _, ok := j.insn.(*bytecode.JumpInsn); !ok {
				return nil, a.unsupported(j.index, "switch branches backwards")
			}
			l := byHeader[t]
			if l == nil {
				l = &Loop{
					Header:    a.body.NodeAt(t).(*bytecode.Label),
					Start:     t,
					CondIndex: -1,
				}
				byHeader[t] = l
			}
			l.BackEdges = append(l.BackEdges, j.index)
			if j.index > l.Latch {
				l.Latch = j.index
			}
		}
	}
	loops := make([]*Loop, 0, len(byHeader))
	for _, l := range byHeader {
		loops = append(loops, l)
	}
	sort.Slice(loops, func(i, j int) bool { return loops[i].Start < loops[j].Start })

	for i, inner := range loops {
		for _, outer := range loops[:i] {
			if !outer.Contains(inner.Start) {
				continue
			}
			if inner.Latch > outer.Latch {
				return nil, a.unsupported(inner.Start, "overlapping loops")
			}
			// The last enclosing loop in header order is the nearest.
			inner.Parent = outer
			inner.Depth = outer.Depth + 1
		}
	}
	return loops, nil
}

// prevInsn returns the index of the last instruction before index, or -1.
func (a *analyzer) prevInsn(index int) int {
	for i := index - 1; i >= 0; i-- {
		if _, ok := a.body.NodeAt(i).(bytecode.Insn); ok {
			return i
		}
	}
	return -1
}

func hasSite(sites []int, from, to int) bool {
	for _, s := range sites {
		if s >= from && s < to {
			return true
		}
	}
	return false
}

func (a *analyzer) shape(l *Loop, sites []int) {
	l.Reset = hasSite(sites, l.Start, l.Latch+1)
	for i := l.Latch + 1; i < a.body.NodeCount(); i++ {
		if lbl, ok := a.body.NodeAt(i).(*bytecode.Label); ok {
			l.Exit = lbl
			break
		}
		if _, ok := a.body.NodeAt(i).(bytecode.Insn); ok {
			break
		}
	}

	// The acquire goes directly after the header label unless a
	// top-tested header block can be skipped.
	l.BodyStart = l.Start + 1
	if p := a.prevInsn(l.Start); p >= 0 {
		if g, ok := a.body.NodeAt(p).(*bytecode.JumpInsn); ok && g.Op == op.Goto {
			c := a.body.IndexOf(g.Target)
			if c > l.Start && c <= l.Latch {
				l.Shape = BottomTested
				l.Condition = g.Target
				l.CondIndex = c
				l.ZoneEnd = c
				return
			}
		}
	}

	l.Shape = TopTested
	l.ZoneEnd = l.Latch + 1
	for i := l.Start + 1; i <= l.Latch; i++ {
		switch n := a.body.NodeAt(i).(type) {
		case *bytecode.Label:
			if a.targeted[i] {
				return
			}
		case *bytecode.LineNumber, *bytecode.Frame:
		case *bytecode.JumpInsn:
			t := a.body.IndexOf(n.Target)
			if op.IsConditional(n.Op) && !l.Contains(t) && !hasSite(sites, l.Start, i) {
				l.BodyStart = i + 1
			}
			return
		case bytecode.Insn:
			if op.EndsBlock(n.Opcode()) || bytecode.Targets(n) != nil {
				return
			}
		}
	}
}

func (a *analyzer) validate(l *Loop, sites []int) error {
	if !l.Reset {
		return nil
	}
	if l.Shape == BottomTested && hasSite(sites, l.CondIndex, l.Latch+1) {
		return a.unsupported(l.CondIndex, "scope allocation in loop condition")
	}
	for _, j := range a.jumps {
		for _, t := range j.targets {
			if l.InZone(t) && !l.InZone(j.index) {
				return a.unsupported(j.index, "jump into loop body")
			}
		}
	}
	for k := 0; k < a.body.HandlerCount(); k++ {
		h := a.body.HandlerAt(k)
		target := a.body.IndexOf(h.Target)
		if !l.InZone(target) {
			continue
		}
		start, end := a.body.IndexOf(h.Start), a.body.IndexOf(h.End)
		for i := start; i < end; i++ {
			if _, ok := a.body.NodeAt(i).(bytecode.Insn); ok && !l.InZone(i) {
				return a.unsupported(target, "handler inside loop covers code outside it")
			}
		}
	}
	return nil
}

// leaves reports whether taking the branch from index to target exits
// the acquired zone of l. The header lies before the zone, so back-edges
// leave it too.
func leaves(l *Loop, index, target int) bool {
	return l.InZone(index) && !l.InZone(target)
}

func (a *analyzer) edges(s *Structure) error {
	resets := s.ResetLoops()
	if len(resets) == 0 {
		return nil
	}
	for _, j := range a.jumps {
		var release *Loop
		for _, t := range j.targets {
			for _, l := range resets {
				if !leaves(l, j.index, t) {
					continue
				}
				if release == nil || l.Depth < release.Depth {
					release = l
				}
			}
		}
		if release == nil {
			continue
		}
		jmp, ok := j.insn.(*bytecode.JumpInsn)
		if !ok {
			return a.unsupported(j.index, "switch leaves a loop")
		}
		t := j.targets[0]
		e := Edge{Index: j.index, Conditional: op.IsConditional(jmp.Op), Release: release}
		switch {
		case t == release.Start:
			e.Kind = EdgeBackEdge
			if release.Shape == TopTested && j.index == release.Latch && e.Conditional {
				e.Kind = EdgeLatch
			}
			release.BackEdges = appendUnique(release.BackEdges, j.index)
		case release.Shape == BottomTested && t == release.CondIndex:
			e.Kind = EdgeContinue
			release.Continues = append(release.Continues, j.index)
		default:
			e.Kind = EdgeBreak
			release.Breaks = append(release.Breaks, j.index)
		}
		s.Edges[j.index] = e
	}
	return nil
}

func appendUnique(xs []int, x int) []int {
	for _, v := range xs {
		if v == x {
			return xs
		}
	}
	return append(xs, x)
}
