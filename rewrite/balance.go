package rewrite

import (
	"fmt"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/op"
)

// maxBalanceStates bounds the exploration of one method.
const maxBalanceStates = 1 << 20

// Balance summarizes a CheckBalance run.
type Balance struct {
	// States is the number of distinct (node, scope state) pairs visited.
	States int
	// Exits is the number of distinct states reaching a return or an
	// uncaught throw.
	Exits int
	// Leaks is set when some exit leaves memory allocated on the frame
	// the method was called with, as the shared policy does.
	Leaks bool
}

// scopeState is the abstract scope seen on one path: the number of live
// allocations, the pointers saved by push(), and the pointers saved in
// local slots by getPointer().
type scopeState struct {
	ptr    int
	frames []int
	marks  map[int]int
}

func (s scopeState) key() string {
	return fmt.Sprint(s.ptr, s.frames, s.marks)
}

func (s scopeState) clone() scopeState {
	c := scopeState{ptr: s.ptr, frames: append([]int(nil), s.frames...), marks: make(map[int]int, len(s.marks))}
	for k, v := range s.marks {
		c.marks[k] = v
	}
	return c
}

type balancer struct {
	body   *bytecode.Body
	vocab  marker.Vocabulary
	limit  int
	result Balance
	seen   map[int]map[string]bool
	work   []balanceItem
}

type balanceItem struct {
	index int
	state scopeState
}

// CheckBalance explores every path of a body, including exception
// edges, and checks that scope frames are closed on every exit, that no
// restore uses a pointer that was never saved, and that no loop keeps
// memory from one iteration to the next. It models the scope calls of
// vocab and treats every other instruction as scope-neutral.
func CheckBalance(body *bytecode.Body, vocab marker.Vocabulary) (*Balance, error) {
	b := &balancer{body: body, vocab: vocab, seen: map[int]map[string]bool{}}
	// Without a loop that keeps memory, no path allocates more often than
	// there are allocating instructions.
	it := bytecode.NewInsnIter(body)
	for insn, _, ok := it.Next(); ok; insn, _, ok = it.Next() {
		if mi, isCall := insn.(*bytecode.MethodInsn); isCall && (vocab.IsScopeAllocation(mi.Op, mi.Ref) || b.isPush(mi)) {
			b.limit++
		}
	}
	b.push(0, scopeState{marks: map[int]int{}})
	for len(b.work) > 0 {
		item := b.work[len(b.work)-1]
		b.work = b.work[:len(b.work)-1]
		if err := b.step(item.index, item.state); err != nil {
			return &b.result, err
		}
		if b.result.States > maxBalanceStates {
			return &b.result, errz.Errorf(errz.ErrStructural, "%s: too many paths to check", body.Method())
		}
	}
	return &b.result, nil
}

func (b *balancer) push(index int, s scopeState) {
	if index >= b.body.NodeCount() {
		return
	}
	seen := b.seen[index]
	if seen == nil {
		seen = map[string]bool{}
		b.seen[index] = seen
	}
	k := s.key()
	if seen[k] {
		return
	}
	seen[k] = true
	b.result.States++
	b.work = append(b.work, balanceItem{index: index, state: s})
}

func (b *balancer) fail(index int, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	return errz.AtOffset(errz.ErrStructural, b.body.OffsetAt(index), "%s: %s: %s",
		b.body.Method(), bytecode.Format(b.body.NodeAt(index)), msg)
}

func (b *balancer) isScope(mi *bytecode.MethodInsn, c op.Code, names ...string) bool {
	if mi.Op != c || mi.Ref.Owner != b.vocab.ScopeClass {
		return false
	}
	for _, n := range names {
		if mi.Ref.Name == n {
			return true
		}
	}
	return false
}

func (b *balancer) isPush(mi *bytecode.MethodInsn) bool {
	return b.isScope(mi, op.Invokestatic, "stackPush") || b.isScope(mi, op.Invokevirtual, "push")
}

func (b *balancer) isPop(mi *bytecode.MethodInsn) bool {
	return b.isScope(mi, op.Invokestatic, "stackPop") || b.isScope(mi, op.Invokevirtual, "pop", "close")
}

func (b *balancer) insnAt(index int) (bytecode.Insn, bool) {
	if index < 0 || index >= b.body.NodeCount() {
		return nil, false
	}
	insn, ok := b.body.NodeAt(index).(bytecode.Insn)
	return insn, ok
}

// neighbor returns the nearest instruction before (dir -1) or after
// (dir 1) index.
func (b *balancer) neighbor(index, dir int) bytecode.Insn {
	for i := index + dir; i >= 0 && i < b.body.NodeCount(); i += dir {
		if insn, ok := b.insnAt(i); ok {
			return insn
		}
	}
	return nil
}

func (b *balancer) step(index int, s scopeState) error {
	insn, ok := b.insnAt(index)
	if !ok {
		b.push(index+1, s)
		return nil
	}
	catchAll := false
	for k := 0; k < b.body.HandlerCount(); k++ {
		h := b.body.HandlerAt(k)
		if index >= b.body.IndexOf(h.Start) && index < b.body.IndexOf(h.End) {
			b.push(b.body.IndexOf(h.Target), s)
			catchAll = catchAll || h.CatchAll()
		}
	}

	next, err := b.apply(index, insn, s)
	if err != nil {
		return err
	}
	if next.ptr > b.limit || len(next.frames) > b.limit {
		return b.fail(index, "scope memory grows on every iteration")
	}

	c := insn.Opcode()
	switch {
	case op.IsReturn(c) || (c == op.Athrow && !catchAll):
		b.result.Exits++
		if len(next.frames) > 0 {
			return b.fail(index, "exits with %d open frame(s)", len(next.frames))
		}
		if next.ptr != 0 {
			b.result.Leaks = true
		}
		return nil
	case c == op.Athrow:
		return nil
	}
	for _, t := range bytecode.Targets(insn) {
		b.push(b.body.IndexOf(t), next)
	}
	if !op.EndsBlock(c) {
		b.push(index+1, next)
	}
	return nil
}

func (b *balancer) apply(index int, insn bytecode.Insn, s scopeState) (scopeState, error) {
	switch n := insn.(type) {
	case *bytecode.VarInsn:
		if n.Op != op.Istore {
			return s, nil
		}
		if prev, ok := b.neighbor(index, -1).(*bytecode.MethodInsn); ok && b.isScope(prev, op.Invokevirtual, "getPointer") {
			return s, nil
		}
		if _, ok := s.marks[n.Var]; ok {
			s = s.clone()
			delete(s.marks, n.Var)
		}
		return s, nil
	case *bytecode.MethodInsn:
		switch {
		case b.isPush(n):
			s = s.clone()
			s.frames = append(s.frames, s.ptr)
		case b.isPop(n):
			if len(s.frames) == 0 {
				return s, b.fail(index, "pops a frame that was never pushed")
			}
			s = s.clone()
			s.ptr = s.frames[len(s.frames)-1]
			s.frames = s.frames[:len(s.frames)-1]
		case b.isScope(n, op.Invokevirtual, "getPointer"):
			if st, ok := b.neighbor(index, 1).(*bytecode.VarInsn); ok && st.Op == op.Istore {
				s = s.clone()
				s.marks[st.Var] = s.ptr
			}
		case b.isScope(n, op.Invokevirtual, "setPointer"):
			ld, ok := b.neighbor(index, -1).(*bytecode.VarInsn)
			if !ok || ld.Op != op.Iload {
				return s, b.fail(index, "restores a pointer that does not come from a local")
			}
			saved, ok := s.marks[ld.Var]
			if !ok {
				return s, b.fail(index, "restores slot %d, which holds no saved pointer", ld.Var)
			}
			s = s.clone()
			s.ptr = saved
		case b.vocab.IsScopeAllocation(n.Op, n.Ref):
			s = s.clone()
			s.ptr++
		}
	}
	return s, nil
}
