package flow_test

import (
	"testing"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/flow"
	"github.com/deepnoodle-ai/autostack/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alloc() bytecode.Insn {
	return bytecode.Invoke(op.Invokestatic, "org/lwjgl/system/MemoryStack", "stackMallocInt", "(I)Ljava/nio/IntBuffer;")
}

// analyze builds a body from nodes and treats every stackMallocInt call
// as an allocation site.
func analyze(t *testing.T, nodes []bytecode.Node, handlers ...bytecode.Handler) (*flow.Structure, error) {
	t.Helper()
	var sites []int
	for i, n := range nodes {
		if mi, ok := n.(*bytecode.MethodInsn); ok && mi.Ref.Name == "stackMallocInt" {
			sites = append(sites, i)
		}
	}
	body := bytecode.NewBody(bytecode.BodyParams{
		Method:   bytecode.Method{Owner: "demo/A", Name: "f", Desc: "()V", Access: classfile.AccStatic},
		Nodes:    nodes,
		Handlers: handlers,
	})
	return flow.Analyze(body, sites)
}

func bipush(v int32) bytecode.Insn {
	return &bytecode.IntInsn{Op: op.Bipush, Operand: v}
}

func TestTopTestedLoop(t *testing.T) {
	head, exit := bytecode.NewLabel(), bytecode.NewLabel()
	nodes := []bytecode.Node{
		bytecode.Simple(op.Iconst0),         // 0
		bytecode.Var(op.Istore, 1),          // 1
		head,                                // 2
		bytecode.Var(op.Iload, 1),           // 3
		bipush(10),                          // 4
		bytecode.Jump(op.IfIcmpge, exit),    // 5
		bytecode.Simple(op.Iconst4),         // 6
		alloc(),                             // 7
		bytecode.Simple(op.Pop),             // 8
		&bytecode.IincInsn{Var: 1, Incr: 1}, // 9
		bytecode.Jump(op.Goto, head),        // 10
		exit,                                // 11
		bytecode.Simple(op.Return),          // 12
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	require.Len(t, s.Loops, 1)

	l := s.Loops[0]
	assert.Equal(t, flow.TopTested, l.Shape)
	assert.Equal(t, head, l.Header)
	assert.Equal(t, exit, l.Exit)
	assert.Equal(t, 2, l.Start)
	assert.Equal(t, 6, l.BodyStart)
	assert.Equal(t, 11, l.ZoneEnd)
	assert.Equal(t, 10, l.Latch)
	assert.Equal(t, -1, l.CondIndex)
	assert.True(t, l.Reset)
	assert.Equal(t, []int{10}, l.BackEdges)
	assert.Nil(t, l.Parent)

	require.Len(t, s.Edges, 1)
	e := s.Edges[10]
	assert.Equal(t, flow.EdgeBackEdge, e.Kind)
	assert.False(t, e.Conditional)
	assert.Same(t, l, e.Release)
	assert.Len(t, s.ResetLoops(), 1)
}

func TestDoWhileLatch(t *testing.T) {
	head := bytecode.NewLabel()
	nodes := []bytecode.Node{
		head,                         // 0
		bytecode.Simple(op.Iconst4),  // 1
		alloc(),                      // 2
		bytecode.Simple(op.Pop),      // 3
		bytecode.Var(op.Iload, 0),    // 4
		bytecode.Jump(op.Ifne, head), // 5
		bytecode.Simple(op.Return),   // 6
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	require.Len(t, s.Loops, 1)
	l := s.Loops[0]
	assert.Equal(t, 1, l.BodyStart)
	assert.Equal(t, 6, l.ZoneEnd)
	assert.Nil(t, l.Exit)

	e := s.Edges[5]
	assert.Equal(t, flow.EdgeLatch, e.Kind)
	assert.True(t, e.Conditional)
}

func TestAllocationInHeaderKeepsBodyAtHeader(t *testing.T) {
	head, exit := bytecode.NewLabel(), bytecode.NewLabel()
	nodes := []bytecode.Node{
		head,                           // 0
		bytecode.Simple(op.Iconst4),    // 1
		alloc(),                        // 2
		bytecode.Jump(op.Ifnull, exit), // 3
		bytecode.Jump(op.Goto, head),   // 4
		exit,                           // 5
		bytecode.Simple(op.Return),     // 6
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	l := s.Loops[0]
	assert.Equal(t, 1, l.BodyStart)

	require.Len(t, s.Edges, 2)
	assert.Equal(t, flow.EdgeBreak, s.Edges[3].Kind)
	assert.True(t, s.Edges[3].Conditional)
	assert.Equal(t, []int{3}, l.Breaks)
	assert.Equal(t, flow.EdgeBackEdge, s.Edges[4].Kind)
}

func TestBottomTestedLoop(t *testing.T) {
	head, cond := bytecode.NewLabel(), bytecode.NewLabel()
	nodes := []bytecode.Node{
		bytecode.Simple(op.Iconst0),         // 0
		bytecode.Var(op.Istore, 1),          // 1
		bytecode.Jump(op.Goto, cond),        // 2
		head,                                // 3
		bytecode.Simple(op.Iconst4),         // 4
		alloc(),                             // 5
		bytecode.Simple(op.Pop),             // 6
		bytecode.Var(op.Iload, 0),           // 7
		bytecode.Jump(op.Ifeq, cond),        // 8
		&bytecode.IincInsn{Var: 1, Incr: 1}, // 9
		cond,                                // 10
		bytecode.Var(op.Iload, 1),           // 11
		bipush(10),                          // 12
		bytecode.Jump(op.IfIcmplt, head),    // 13
		bytecode.Simple(op.Return),          // 14
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	require.Len(t, s.Loops, 1)

	l := s.Loops[0]
	assert.Equal(t, flow.BottomTested, l.Shape)
	assert.Equal(t, cond, l.Condition)
	assert.Equal(t, 10, l.CondIndex)
	assert.Equal(t, 4, l.BodyStart)
	assert.Equal(t, 10, l.ZoneEnd)
	assert.Equal(t, 13, l.Latch)
	assert.True(t, l.Reset)

	// The entry goto and the condition's back-edge are outside the zone.
	require.Len(t, s.Edges, 1)
	e := s.Edges[8]
	assert.Equal(t, flow.EdgeContinue, e.Kind)
	assert.True(t, e.Conditional)
	assert.Equal(t, []int{8}, l.Continues)
}

func TestNestedBreakReleasesOutermost(t *testing.T) {
	outer, inner, innerExit, outerExit := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
	nodes := []bytecode.Node{
		outer,                               // 0
		bytecode.Var(op.Iload, 0),           // 1
		bytecode.Jump(op.Ifeq, outerExit),   // 2
		inner,                               // 3
		bytecode.Var(op.Iload, 1),           // 4
		bytecode.Jump(op.Ifeq, innerExit),   // 5
		bytecode.Simple(op.Iconst4),         // 6
		alloc(),                             // 7
		bytecode.Jump(op.Ifnull, outerExit), // 8
		bytecode.Jump(op.Goto, inner),       // 9
		innerExit,                           // 10
		bytecode.Jump(op.Goto, outer),       // 11
		outerExit,                           // 12
		bytecode.Simple(op.Return),          // 13
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	require.Len(t, s.Loops, 2)

	o, i := s.Loops[0], s.Loops[1]
	assert.Equal(t, 0, o.Start)
	assert.Equal(t, 3, o.BodyStart)
	assert.Equal(t, 3, i.Start)
	assert.Equal(t, 6, i.BodyStart)
	assert.Same(t, o, i.Parent)
	assert.Equal(t, 1, i.Depth)
	assert.True(t, o.Reset)
	assert.True(t, i.Reset)

	tests := []struct {
		index   int
		kind    flow.EdgeKind
		release *flow.Loop
	}{
		{8, flow.EdgeBreak, o},
		{9, flow.EdgeBackEdge, i},
		{11, flow.EdgeBackEdge, o},
	}
	require.Len(t, s.Edges, len(tests))
	for _, tt := range tests {
		e, ok := s.Edges[tt.index]
		require.True(t, ok, "edge %d", tt.index)
		assert.Equal(t, tt.kind, e.Kind, "edge %d", tt.index)
		assert.Same(t, tt.release, e.Release, "edge %d", tt.index)
	}
}

func TestLoopWithoutAllocation(t *testing.T) {
	head := bytecode.NewLabel()
	nodes := []bytecode.Node{
		head,
		bytecode.Var(op.Iload, 0),
		bytecode.Jump(op.Ifne, head),
		bytecode.Simple(op.Return),
	}
	s, err := analyze(t, nodes)
	require.NoError(t, err)
	require.Len(t, s.Loops, 1)
	assert.False(t, s.Loops[0].Reset)
	assert.Empty(t, s.Edges)
	assert.Empty(t, s.ResetLoops())
}

func TestUnsupportedShapes(t *testing.T) {
	tests := []struct {
		name  string
		nodes func() []bytecode.Node
	}{
		{
			name: "subroutine",
			nodes: func() []bytecode.Node {
				sub := bytecode.NewLabel()
				return []bytecode.Node{
					bytecode.Jump(op.Jsr, sub),
					bytecode.Simple(op.Return),
					sub,
					bytecode.Var(op.Astore, 1),
					bytecode.Var(op.Ret, 1),
				}
			},
		},
		{
			name: "overlapping loops",
			nodes: func() []bytecode.Node {
				a, b := bytecode.NewLabel(), bytecode.NewLabel()
				return []bytecode.Node{
					a,
					bytecode.Simple(op.Nop),
					b,
					bytecode.Var(op.Iload, 0),
					bytecode.Jump(op.Ifne, a),
					bytecode.Var(op.Iload, 0),
					bytecode.Jump(op.Ifne, b),
					bytecode.Simple(op.Return),
				}
			},
		},
		{
			name: "switch back-edge",
			nodes: func() []bytecode.Node {
				head, out := bytecode.NewLabel(), bytecode.NewLabel()
				return []bytecode.Node{
					head,
					bytecode.Var(op.Iload, 0),
					&bytecode.TableSwitchInsn{Low: 0, High: 0, Default: out, Targets: []*bytecode.Label{head}},
					out,
					bytecode.Simple(op.Return),
				}
			},
		},
		{
			name: "jump into loop body",
			nodes: func() []bytecode.Node {
				head, mid, exit := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
				return []bytecode.Node{
					bytecode.Var(op.Iload, 0),
					bytecode.Jump(op.Ifeq, mid),
					head,
					bytecode.Simple(op.Iconst4),
					alloc(),
					bytecode.Simple(op.Pop),
					mid,
					bytecode.Var(op.Iload, 0),
					bytecode.Jump(op.Ifeq, exit),
					bytecode.Jump(op.Goto, head),
					exit,
					bytecode.Simple(op.Return),
				}
			},
		},
		{
			name: "switch leaving loop",
			nodes: func() []bytecode.Node {
				head, exit := bytecode.NewLabel(), bytecode.NewLabel()
				next := bytecode.NewLabel()
				return []bytecode.Node{
					head,
					bytecode.Simple(op.Iconst4),
					alloc(),
					bytecode.Simple(op.Pop),
					bytecode.Var(op.Iload, 0),
					&bytecode.LookupSwitchInsn{Default: next, Keys: []int32{1}, Targets: []*bytecode.Label{exit}},
					next,
					bytecode.Jump(op.Goto, head),
					exit,
					bytecode.Simple(op.Return),
				}
			},
		},
		{
			name: "allocation in loop condition",
			nodes: func() []bytecode.Node {
				head, cond := bytecode.NewLabel(), bytecode.NewLabel()
				return []bytecode.Node{
					bytecode.Jump(op.Goto, cond),
					head,
					bytecode.Simple(op.Nop),
					cond,
					bytecode.Simple(op.Iconst4),
					alloc(),
					bytecode.Jump(op.Ifnonnull, head),
					bytecode.Simple(op.Return),
				}
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := analyze(t, tt.nodes())
			require.Error(t, err)
			assert.True(t, errz.Is(err, errz.ErrUnsupportedShape), err.Error())
		})
	}
}

func TestHandlerInsideLoop(t *testing.T) {
	head, exit := bytecode.NewLabel(), bytecode.NewLabel()
	start, end, catch := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
	nodes := func() []bytecode.Node {
		return []bytecode.Node{
			start,
			bytecode.Simple(op.Nop),
			head,
			bytecode.Simple(op.Iconst4),
			alloc(),
			bytecode.Simple(op.Pop),
			end,
			bytecode.Jump(op.Goto, exit),
			catch,
			bytecode.Simple(op.Pop),
			bytecode.Jump(op.Goto, head),
			exit,
			bytecode.Simple(op.Return),
		}
	}

	// The handler range starts before the loop header, so an exception
	// thrown there would enter the zone without a mark.
	h := bytecode.Handler{Start: start, End: end, Target: catch}
	_, err := analyze(t, nodes(), h)
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrUnsupportedShape))

	h = bytecode.Handler{Start: head, End: end, Target: catch}
	_, err = analyze(t, nodes(), h)
	require.NoError(t, err)
}
