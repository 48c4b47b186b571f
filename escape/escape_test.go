package escape

import (
	"bytes"
	"errors"
	"fmt"
	"testing"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/op"
	"github.com/gofrs/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

const (
	structClass = "org/lwjgl/system/Struct"
	extent      = "org/lwjgl/vulkan/VkExtent2D"
	clearValue  = "org/lwjgl/vulkan/VkClearValue"
)

type resolverMock struct {
	mock.Mock
}

func (m *resolverMock) SuperClass(name string) (string, error) {
	args := m.Called(name)
	return args.String(0), args.Error(1)
}

func method(desc string, nodes ...bytecode.Node) *bytecode.Body {
	return bytecode.NewBody(bytecode.BodyParams{
		Method: bytecode.Method{Owner: "demo/A", Name: "f", Desc: desc, Access: classfile.AccStatic},
		Nodes:  nodes,
	})
}

func analyze(t *testing.T, r ClassResolver, body *bytecode.Body) *Result {
	t.Helper()
	a := NewAnalyzer(marker.DefaultVocabulary(), NewStructCache(r, structClass), zerolog.Nop())
	res, err := a.Analyze(body)
	require.NoError(t, err)
	return res
}

func stackMallocInt() bytecode.Insn {
	return bytecode.Invoke(op.Invokestatic, "org/lwjgl/system/MemoryStack", "stackMallocInt", "(I)Ljava/nio/IntBuffer;")
}

func TestReturnedAllocationEscapes(t *testing.T) {
	res := analyze(t, nil, method("()L"+clearValue+";",
		bytecode.Invoke(op.Invokestatic, clearValue, "callocStack", "()L"+clearValue+";"),
		bytecode.Simple(op.Areturn),
	))
	require.Len(t, res.Allocations, 1)
	a := res.Allocations[0]
	assert.Equal(t, 0, a.Index)
	assert.True(t, a.Returned)
	assert.False(t, a.Stored)
	assert.Equal(t, ArgEscape, a.State)
	assert.True(t, res.Escapes())
	assert.Contains(t, res.Reason(), "callocStack")
}

func TestLocalAllocationDoesNotEscape(t *testing.T) {
	res := analyze(t, nil, method("()V",
		bytecode.Simple(op.Iconst4),
		stackMallocInt(),
		bytecode.Var(op.Astore, 0),
		bytecode.Simple(op.Iconst0),
		bytecode.Var(op.Aload, 0),
		bytecode.Invoke(op.Invokestatic, "org/lwjgl/opengl/GL11", "glGetIntegerv", "(ILjava/nio/IntBuffer;)V"),
		bytecode.Var(op.Aload, 0),
		bytecode.Simple(op.Iconst0),
		bytecode.Invoke(op.Invokevirtual, "java/nio/IntBuffer", "get", "(I)I"),
		bytecode.Simple(op.Pop),
		bytecode.Simple(op.Return),
	))
	require.Len(t, res.Allocations, 1)
	a := res.Allocations[0]
	assert.Equal(t, 1, a.Index)
	assert.False(t, a.Escapes())
	assert.False(t, res.Escapes())
	assert.Empty(t, res.Reason())
}

func TestStoredAllocations(t *testing.T) {
	tests := []struct {
		name  string
		desc  string
		nodes []bytecode.Node
	}{
		{
			name: "static field",
			desc: "()V",
			nodes: []bytecode.Node{
				bytecode.Simple(op.Iconst4),
				stackMallocInt(),
				bytecode.Field(op.Putstatic, "demo/A", "buf", "Ljava/nio/IntBuffer;"),
				bytecode.Simple(op.Return),
			},
		},
		{
			name: "parameter field",
			desc: "(Ldemo/Holder;)V",
			nodes: []bytecode.Node{
				bytecode.Var(op.Aload, 0),
				bytecode.Simple(op.Iconst4),
				stackMallocInt(),
				bytecode.Field(op.Putfield, "demo/Holder", "buf", "Ljava/nio/IntBuffer;"),
				bytecode.Simple(op.Return),
			},
		},
		{
			name: "array element of a static",
			desc: "()V",
			nodes: []bytecode.Node{
				bytecode.Field(op.Getstatic, "demo/A", "bufs", "[Ljava/nio/IntBuffer;"),
				bytecode.Simple(op.Iconst0),
				bytecode.Simple(op.Iconst4),
				stackMallocInt(),
				bytecode.Simple(op.Aastore),
				bytecode.Simple(op.Return),
			},
		},
		{
			name: "through a local",
			desc: "(Ldemo/Holder;)V",
			nodes: []bytecode.Node{
				bytecode.Simple(op.Iconst4),
				stackMallocInt(),
				bytecode.Var(op.Astore, 1),
				bytecode.Var(op.Aload, 0),
				bytecode.Var(op.Astore, 2),
				bytecode.Var(op.Aload, 2),
				bytecode.Var(op.Aload, 1),
				bytecode.Field(op.Putfield, "demo/Holder", "buf", "Ljava/nio/IntBuffer;"),
				bytecode.Simple(op.Return),
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, nil, method(tt.desc, tt.nodes...))
			require.Len(t, res.Allocations, 1)
			assert.True(t, res.Allocations[0].Stored)
			assert.False(t, res.Allocations[0].Returned)
			assert.True(t, res.Escapes())
		})
	}
}

func structSetter() []bytecode.Node {
	return []bytecode.Node{
		bytecode.Invoke(op.Invokestatic, extent, "mallocStack", "()L"+extent+";"),
		bytecode.Simple(op.Iconst1),
		bytecode.Invoke(op.Invokevirtual, extent, "width", "(I)L"+extent+";"),
		bytecode.Simple(op.Iconst2),
		bytecode.Invoke(op.Invokevirtual, extent, "height", "(I)L"+extent+";"),
		bytecode.Simple(op.Areturn),
	}
}

func TestStructSetterReturnsReceiver(t *testing.T) {
	r := &resolverMock{}
	r.On("SuperClass", extent).Return(structClass, nil).Once()

	res := analyze(t, r, method("()L"+extent+";", structSetter()...))
	require.Len(t, res.Allocations, 1)
	assert.True(t, res.Allocations[0].Returned)
	assert.Empty(t, res.Unresolved)
	r.AssertExpectations(t)
}

func TestNonStructResultIsFresh(t *testing.T) {
	r := &resolverMock{}
	r.On("SuperClass", extent).Return("java/lang/Object", nil).Once()

	res := analyze(t, r, method("()L"+extent+";", structSetter()...))
	require.Len(t, res.Allocations, 1)
	assert.False(t, res.Allocations[0].Returned)
	r.AssertExpectations(t)
}

func TestUnresolvedReceiverEscapesGlobally(t *testing.T) {
	r := &resolverMock{}
	r.On("SuperClass", extent).Return("", errors.New("not on class path")).Once()

	var logs bytes.Buffer
	cache := NewStructCache(r, structClass)
	a := NewAnalyzer(marker.DefaultVocabulary(), cache, zerolog.New(&logs).Level(zerolog.DebugLevel))
	res, err := a.Analyze(method("()L"+extent+";", structSetter()...))
	require.NoError(t, err)
	require.Len(t, res.Allocations, 1)
	alloc := res.Allocations[0]
	assert.Equal(t, GlobalEscape, alloc.State)
	assert.False(t, alloc.Returned)
	assert.True(t, alloc.Escapes())
	assert.True(t, res.Escapes())
	assert.Contains(t, res.Reason(), "is receiver of "+extent+".width, class unresolved")
	assert.Equal(t, []string{extent}, res.Unresolved)
	assert.Contains(t, logs.String(), cache.ID().String())
	r.AssertExpectations(t)
}

func TestCallArgumentsEscape(t *testing.T) {
	const list = "java/util/List"
	tests := []struct {
		name   string
		call   bytecode.Insn
		state  State
		escape bool
		reason string
	}{
		{
			name:   "interface",
			call:   bytecode.Invoke(op.Invokeinterface, list, "add", "(Ljava/lang/Object;)Z"),
			state:  GlobalEscape,
			escape: true,
			reason: "is passed to java/util/List.add",
		},
		{
			name:   "virtual",
			call:   bytecode.Invoke(op.Invokevirtual, "java/util/ArrayList", "add", "(Ljava/lang/Object;)Z"),
			state:  GlobalEscape,
			escape: true,
			reason: "is passed to java/util/ArrayList.add",
		},
		{
			name:  "static",
			call:  bytecode.Invoke(op.Invokestatic, "demo/B", "keep", "(Ljava/util/List;Ljava/lang/Object;)Z"),
			state: ArgEscape,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := analyze(t, nil, method("(Ljava/util/List;)V",
				bytecode.Var(op.Aload, 0),
				bytecode.Simple(op.Iconst4),
				stackMallocInt(),
				tt.call,
				bytecode.Simple(op.Pop),
				bytecode.Simple(op.Return),
			))
			require.Len(t, res.Allocations, 1)
			a := res.Allocations[0]
			assert.Equal(t, tt.state, a.State)
			assert.False(t, a.Returned)
			assert.False(t, a.Stored)
			assert.Equal(t, tt.escape, res.Escapes())
			if tt.reason == "" {
				assert.Empty(t, res.Reason())
			} else {
				assert.Contains(t, res.Reason(), tt.reason)
			}
		})
	}
}

func TestInvokeDynamicArgumentEscapes(t *testing.T) {
	res := analyze(t, nil, method("()Ljava/lang/Runnable;",
		bytecode.Simple(op.Iconst4),
		stackMallocInt(),
		&bytecode.InvokeDynamicInsn{Name: "run", Desc: "(Ljava/nio/IntBuffer;)Ljava/lang/Runnable;"},
		bytecode.Simple(op.Areturn),
	))
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, GlobalEscape, res.Allocations[0].State)
	assert.True(t, res.Escapes())
	assert.Equal(t, "passed to invokedynamic run", res.Allocations[0].Cause)
}

func TestMergeAtLabel(t *testing.T) {
	other, join := bytecode.NewLabel(), bytecode.NewLabel()
	res := analyze(t, nil, method("(I)Ljava/nio/IntBuffer;",
		bytecode.Var(op.Iload, 0),
		bytecode.Jump(op.Ifeq, other),
		bytecode.Simple(op.AconstNull),
		bytecode.Jump(op.Goto, join),
		other,
		bytecode.Simple(op.Iconst4),
		stackMallocInt(),
		join,
		bytecode.Simple(op.Areturn),
	))
	require.Len(t, res.Allocations, 1)
	assert.True(t, res.Allocations[0].Returned)
}

func TestStackManipulation(t *testing.T) {
	// dup_x1 and swap keep track of which word is the allocation.
	res := analyze(t, nil, method("()Ljava/nio/IntBuffer;",
		bytecode.Simple(op.Iconst4),
		stackMallocInt(),
		bytecode.Simple(op.Iconst0),
		bytecode.Simple(op.Swap),
		bytecode.Simple(op.DupX1),
		bytecode.Simple(op.Pop),
		bytecode.Simple(op.Pop),
		bytecode.Simple(op.Areturn),
	))
	require.Len(t, res.Allocations, 1)
	assert.True(t, res.Allocations[0].Returned)
}

func TestLongArgumentsTakeTwoWords(t *testing.T) {
	res := analyze(t, nil, method("()V",
		bytecode.Simple(op.Iconst4),
		stackMallocInt(),
		bytecode.Simple(op.Lconst1),
		bytecode.Invoke(op.Invokestatic, "demo/B", "use", "(Ljava/nio/IntBuffer;J)V"),
		bytecode.Simple(op.Return),
	))
	require.Len(t, res.Allocations, 1)
	assert.Equal(t, ArgEscape, res.Allocations[0].State)
	assert.False(t, res.Escapes())
}

func TestUnderflow(t *testing.T) {
	a := NewAnalyzer(marker.DefaultVocabulary(), nil, zerolog.Nop())
	_, err := a.Analyze(method("()V", bytecode.Simple(op.Pop), bytecode.Simple(op.Return)))
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrStructural))
}

func TestGraphPointsToCreatesPhantom(t *testing.T) {
	g := NewGraph()
	r := g.NewNode(KindReference, -1)
	objs := g.PointsTo(r)
	require.Len(t, objs, 1)
	assert.Equal(t, KindPhantom, objs[0].Kind)
	assert.Equal(t, objs, g.PointsTo(r))

	f := g.Field(objs[0], "demo/A", "x")
	assert.Same(t, f, g.Field(objs[0], "demo/A", "x"))
	assert.Nil(t, g.PointsTo(g.Unescapable))

	g.AddDeferred(g.Unescapable, r)
	assert.Empty(t, g.Unescapable.Edges())
}

func TestGraphPropagate(t *testing.T) {
	g := NewGraph()
	a := g.NewNode(KindReference, -1)
	b := g.NewNode(KindObject, 3)
	g.AddDeferred(g.Global, a)
	g.AddPointsTo(a, b)
	c := g.NewNode(KindObject, 4)
	g.AddDeferred(g.Return, c)
	g.Propagate()
	assert.Equal(t, GlobalEscape, b.State)
	assert.Equal(t, ArgEscape, c.State)
	assert.Equal(t, NoEscape, g.Unescapable.State)
	assert.Equal(t, "object#5@3(global-escape)", b.String())
}

func TestStructCacheConcurrent(t *testing.T) {
	supers := SuperMap{}
	for i := 0; i < 20; i++ {
		supers[fmt.Sprintf("org/lwjgl/demo/S%d", i)] = structClass
	}
	c := NewStructCache(supers, structClass)
	assert.NotEqual(t, uuid.Nil, c.ID())

	var g errgroup.Group
	for w := 0; w < 8; w++ {
		g.Go(func() error {
			for i := 0; i < 20; i++ {
				ok, err := c.IsStruct(fmt.Sprintf("org/lwjgl/demo/S%d", i))
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("S%d is not a struct", i)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, 20, c.Len())
	hits, misses := c.Stats()
	assert.Equal(t, 160, hits+misses)

	_, err := c.IsStruct("demo/Missing")
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrUnresolved))
	assert.Equal(t, 21, c.Len())
}

func TestResolvers(t *testing.T) {
	rs := Resolvers{SuperMap{"a/A": "a/Base"}, SuperMap{"b/B": structClass}}
	super, err := rs.SuperClass("b/B")
	require.NoError(t, err)
	assert.Equal(t, structClass, super)
	_, err = rs.SuperClass("c/C")
	assert.True(t, errz.Is(err, errz.ErrUnresolved))
}
