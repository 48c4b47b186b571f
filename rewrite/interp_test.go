package rewrite_test

import (
	"fmt"
	"strings"
	"testing"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/marker"
	"github.com/deepnoodle-ai/autostack/op"
	"github.com/deepnoodle-ai/autostack/rewrite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeScope stands in for a MemoryStack at run time. Allocations move
// the pointer up by their size.
type fakeScope struct {
	ptr      int
	max      int
	frames   []int
	allocs   int
	pops     int
	restores int
}

// object is an instance created by new: an exception or a string
// builder.
type object struct {
	class string
	text  strings.Builder
	msg   string
}

// machine interprets the small subset of bytecode the rewriter and these
// tests produce.
type machine struct {
	t     *testing.T
	scope *fakeScope
	steps int
}

func newMachine(t *testing.T) *machine {
	return &machine{t: t, scope: &fakeScope{}}
}

func (vm *machine) run(b *bytecode.Body, args ...any) (any, *object) {
	t := vm.t
	locals := make([]any, b.MaxLocals()+1)
	copy(locals, args)
	var stack []any
	push := func(v any) { stack = append(stack, v) }
	pop := func() any {
		require.NotEmpty(t, stack, "operand stack underflow")
		v := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		return v
	}
	ints := func() (int, int) {
		y := pop().(int)
		x := pop().(int)
		return x, y
	}

	pc := 0
	for pc < b.NodeCount() {
		vm.steps++
		require.Less(t, vm.steps, 100000, "runaway loop")
		insn, ok := b.NodeAt(pc).(bytecode.Insn)
		if !ok {
			pc++
			continue
		}
		next := pc + 1
		var thrown *object
		switch n := insn.(type) {
		case *bytecode.SimpleInsn:
			switch {
			case n.Op >= op.IconstM1 && n.Op <= op.Iconst5:
				push(int(n.Op) - int(op.Iconst0))
			case n.Op == op.Pop:
				pop()
			case n.Op == op.Dup:
				v := pop()
				push(v)
				push(v)
			case n.Op == op.Swap:
				y, x := pop(), pop()
				push(y)
				push(x)
			case n.Op == op.Iadd:
				x, y := ints()
				push(x + y)
			case n.Op == op.Return:
				return nil, nil
			case op.IsReturn(n.Op):
				return pop(), nil
			case n.Op == op.Athrow:
				thrown = pop().(*object)
			default:
				t.Fatalf("unsupported instruction %s", n.Op)
			}
		case *bytecode.IntInsn:
			push(int(n.Operand))
		case *bytecode.VarInsn:
			switch n.Op {
			case op.Iload, op.Aload:
				require.NotNil(t, locals[n.Var], "read of unset slot %d", n.Var)
				push(locals[n.Var])
			case op.Istore, op.Astore:
				locals[n.Var] = pop()
			default:
				t.Fatalf("unsupported instruction %s", n.Op)
			}
		case *bytecode.IincInsn:
			locals[n.Var] = locals[n.Var].(int) + int(n.Incr)
		case *bytecode.JumpInsn:
			var taken bool
			switch n.Op {
			case op.Goto:
				taken = true
			case op.Ifeq:
				taken = pop().(int) == 0
			case op.Ifne:
				taken = pop().(int) != 0
			case op.IfIcmpeq:
				x, y := ints()
				taken = x == y
			case op.IfIcmplt:
				x, y := ints()
				taken = x < y
			case op.IfIcmpge:
				x, y := ints()
				taken = x >= y
			default:
				t.Fatalf("unsupported instruction %s", n.Op)
			}
			if taken {
				next = b.IndexOf(n.Target)
			}
		case *bytecode.LdcInsn:
			push(n.Value)
		case *bytecode.FieldInsn:
			push("System.out")
		case *bytecode.TypeInsn:
			push(&object{class: n.Class})
		case *bytecode.MethodInsn:
			thrown = vm.invoke(n, push, pop)
		default:
			t.Fatalf("unsupported instruction %s", bytecode.Format(n))
		}
		if thrown != nil {
			target := vm.handler(b, pc)
			if target < 0 {
				return nil, thrown
			}
			stack = []any{thrown}
			next = target
		}
		pc = next
	}
	t.Fatalf("fell off the end of %s", b.Method())
	return nil, nil
}

func (vm *machine) handler(b *bytecode.Body, pc int) int {
	for k := 0; k < b.HandlerCount(); k++ {
		h := b.HandlerAt(k)
		if pc >= b.IndexOf(h.Start) && pc < b.IndexOf(h.End) {
			return b.IndexOf(h.Target)
		}
	}
	return -1
}

func (vm *machine) invoke(n *bytecode.MethodInsn, push func(any), pop func() any) *object {
	t := vm.t
	mt, err := classfile.ParseMethodType(n.Ref.Desc)
	require.NoError(t, err)
	args := make([]any, len(mt.Params))
	for i := len(args) - 1; i >= 0; i-- {
		args[i] = pop()
	}
	var recv any
	if n.Op != op.Invokestatic {
		recv = pop()
	}

	s := vm.scope
	var result any
	switch {
	case n.Ref.Owner == ms:
		switch n.Ref.Name {
		case "stackGet":
			result = s
		case "stackPush", "push":
			s.frames = append(s.frames, s.ptr)
			result = s
		case "stackPop", "pop":
			require.NotEmpty(t, s.frames, "pop without push")
			s.ptr = s.frames[len(s.frames)-1]
			s.frames = s.frames[:len(s.frames)-1]
			s.pops++
			result = s
		case "getPointer":
			result = s.ptr
		case "setPointer":
			s.ptr = args[0].(int)
			s.restores++
		default:
			require.Same(t, s, recv, "allocation on an unknown scope")
			s.ptr += args[0].(int)
			s.allocs++
			if s.ptr > s.max {
				s.max = s.ptr
			}
			result = "buffer"
		}
	case n.Ref.Name == "boom":
		return &object{class: "java/lang/RuntimeException", msg: "boom"}
	case n.Ref.Name == rewrite.CheckStackName:
		if args[0] != args[1] {
			return &object{class: "java/lang/IllegalStateException", msg: "check failed"}
		}
	case n.Ref.Name == "<init>":
		if o, ok := recv.(*object); ok && len(args) == 1 {
			o.msg = args[0].(string)
		}
	case n.Ref.Name == "append":
		o := recv.(*object)
		fmt.Fprint(&o.text, args[0])
		result = o
	case n.Ref.Name == "toString":
		result = recv.(*object).text.String()
	case n.Ref.Name == "println":
	default:
		t.Fatalf("unexpected call %s", n.Ref)
	}
	if mt.Return != "V" {
		push(result)
	}
	return nil
}

// throwsAfterAllocation allocates, then calls a method that throws.
func throwsAfterAllocation() *bytecode.Body {
	return newBody("()V", classfile.AccStatic, 2, 0, []bytecode.Node{
		bytecode.Simple(op.Iconst4),
		alloc(),
		bytecode.Simple(op.Pop),
		bytecode.Invoke(op.Invokestatic, "demo/Fail", "boom", "()V"),
		bytecode.Simple(op.Return),
	})
}

var modes = []struct {
	name string
	cfg  *rewrite.Config
}{
	{"push", &rewrite.Config{}},
	{"pointer", &rewrite.Config{Mode: rewrite.ModePointer}},
	{"push with check", &rewrite.Config{CheckStack: true}},
}

func TestExceptionReleasesScope(t *testing.T) {
	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			out := rewritten(t, throwsAfterAllocation(), marker.PolicyFresh, mode.cfg)
			vm := newMachine(t)
			_, thrown := vm.run(out)
			require.NotNil(t, thrown)
			assert.Equal(t, "boom", thrown.msg)
			assert.Equal(t, 1, vm.scope.allocs)
			assert.Equal(t, 0, vm.scope.ptr)
			assert.Empty(t, vm.scope.frames)
			// Exactly one release ran, in the catch-all handler.
			assert.Equal(t, 1, vm.scope.pops+vm.scope.restores)
		})
	}
}

func TestCaughtExceptionReleasesOnce(t *testing.T) {
	start, end, handler := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
	body := newBody("()V", classfile.AccStatic, 2, 0, []bytecode.Node{
		start,
		bytecode.Simple(op.Iconst4),
		alloc(),
		bytecode.Simple(op.Pop),
		bytecode.Invoke(op.Invokestatic, "demo/Fail", "boom", "()V"),
		end,
		bytecode.Simple(op.Return),
		handler,
		&bytecode.Frame{Stack: []bytecode.VType{bytecode.ObjectType("java/lang/RuntimeException")}},
		bytecode.Simple(op.Pop),
		bytecode.Simple(op.Return),
	}, bytecode.Handler{Start: start, End: end, Target: handler, CatchType: "java/lang/RuntimeException"})

	for _, mode := range modes {
		t.Run(mode.name, func(t *testing.T) {
			out := rewritten(t, body, marker.PolicyFresh, mode.cfg)
			vm := newMachine(t)
			_, thrown := vm.run(out)
			require.Nil(t, thrown)
			assert.Equal(t, 0, vm.scope.ptr)
			assert.Empty(t, vm.scope.frames)
			assert.Equal(t, 1, vm.scope.pops+vm.scope.restores)
		})
	}
}

func TestLoopIsBounded(t *testing.T) {
	tests := []struct {
		name string
		body *bytecode.Body
		args []any
	}{
		{"top tested", topTested(), nil},
		{"bottom tested", bottomTested(), []any{1}},
	}
	for _, tt := range tests {
		for _, mode := range modes {
			t.Run(tt.name+"/"+mode.name, func(t *testing.T) {
				out := rewritten(t, tt.body, marker.PolicyFresh, mode.cfg)
				vm := newMachine(t)
				_, thrown := vm.run(out, tt.args...)
				require.Nil(t, thrown)
				assert.Equal(t, 10, vm.scope.allocs)
				// One iteration's allocation at a time.
				assert.Equal(t, 4, vm.scope.max)
				assert.Equal(t, 0, vm.scope.ptr)
				assert.Empty(t, vm.scope.frames)
			})
		}
	}
}

func TestSharedLoopGrows(t *testing.T) {
	out := rewritten(t, topTested(), marker.PolicyShared, nil)
	vm := newMachine(t)
	_, thrown := vm.run(out)
	require.Nil(t, thrown)
	assert.Equal(t, 40, vm.scope.ptr)
	assert.Zero(t, vm.scope.pops)
}

func TestCheckStackBody(t *testing.T) {
	body := rewrite.CheckStackBody("demo/A", classfile.AccPrivate|classfile.AccStatic|classfile.AccSynthetic)
	assert.Equal(t, rewrite.CheckStackName, body.Method().Name)

	vm := newMachine(t)
	_, thrown := vm.run(body, 16, 16, "demo/A.f()V")
	assert.Nil(t, thrown)

	_, thrown = vm.run(body, 16, 24, "demo/A.f()V")
	require.NotNil(t, thrown)
	assert.Equal(t, "java/lang/IllegalStateException", thrown.class)
	assert.Equal(t, "autostack: stack pointer mismatch in demo/A.f()V: expected 16 but was 24", thrown.msg)

	// The body assembles into a verifiable method.
	c, err := classfile.NewClass(52, classfile.AccPublic|classfile.AccSuper, "demo/A", "java/lang/Object")
	require.NoError(t, err)
	code, err := bytecode.Assemble(body, c.Pool, c.Major)
	require.NoError(t, err)
	assert.NotNil(t, code.Attribute(classfile.AttrStackMapTable))
}
