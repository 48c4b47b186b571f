package bytecode_test

import (
	"testing"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/deepnoodle-ai/autostack/internal/classtest"
	"github.com/deepnoodle-ai/autostack/op"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var intType = bytecode.VType{Tag: bytecode.Integer}

// sum(n) adds 0..n-1 in a top-tested loop.
func sumNodes() []bytecode.Node {
	head, exit := bytecode.NewLabel(), bytecode.NewLabel()
	frame := &bytecode.Frame{Locals: []bytecode.VType{intType, intType, intType}}
	return []bytecode.Node{
		&bytecode.LineNumber{Line: 10},
		bytecode.Simple(op.Iconst0),
		bytecode.Var(op.Istore, 1),
		bytecode.Simple(op.Iconst0),
		bytecode.Var(op.Istore, 2),
		head,
		frame,
		&bytecode.LineNumber{Line: 11},
		bytecode.Var(op.Iload, 2),
		bytecode.Var(op.Iload, 0),
		bytecode.Jump(op.IfIcmpge, exit),
		bytecode.Var(op.Iload, 1),
		bytecode.Var(op.Iload, 2),
		bytecode.Simple(op.Iadd),
		bytecode.Var(op.Istore, 1),
		&bytecode.IincInsn{Var: 2, Incr: 1},
		bytecode.Jump(op.Goto, head),
		exit,
		frame,
		bytecode.Var(op.Iload, 1),
		bytecode.Simple(op.Ireturn),
	}
}

func buildSum(t *testing.T) []byte {
	t.Helper()
	return classtest.Build(classtest.Class{
		Name: "demo/Sum",
		Methods: []classtest.Method{{
			Access:    classfile.AccPublic | classfile.AccStatic,
			Name:      "sum",
			Desc:      "(I)I",
			MaxStack:  2,
			MaxLocals: 3,
			Nodes:     sumNodes(),
		}},
	})
}

func TestDecodeLoop(t *testing.T) {
	body, _, err := classtest.Body(buildSum(t), "sum", "(I)I")
	require.NoError(t, err)
	require.NotNil(t, body)

	assert.Equal(t, []string{
		"iconst_0",
		"istore 1",
		"iconst_0",
		"istore 2",
		"iload 2",
		"iload 0",
		"if_icmpge L1",
		"iload 1",
		"iload 2",
		"iadd",
		"istore 1",
		"iinc 2 1",
		"goto L0",
		"iload 1",
		"ireturn",
	}, classtest.Insns(body))

	stats := body.Stats()
	assert.Equal(t, 15, stats.InstructionCount)
	assert.Equal(t, 2, stats.LabelCount)
	assert.Equal(t, 2, stats.FrameCount)
	assert.Equal(t, 21, stats.CodeLength)
	assert.Equal(t, 2, body.MaxStack())
	assert.Equal(t, 3, body.MaxLocals())

	// Both labels carry the loop frame.
	for i := 0; i < body.NodeCount(); i++ {
		if l, ok := body.NodeAt(i).(*bytecode.Label); ok {
			f := body.FrameAt(l)
			require.NotNil(t, f, "frame at %s", l)
			assert.Equal(t, []bytecode.VType{intType, intType, intType}, f.Locals)
			assert.Equal(t, i, body.IndexOf(l))
		}
	}
	assert.Equal(t, -1, body.IndexOf(bytecode.NewLabel()))
}

func TestAssembleRoundTrip(t *testing.T) {
	data := buildSum(t)
	class, err := classfile.Parse(data)
	require.NoError(t, err)
	m := class.Method("sum", "(I)I")
	require.NotNil(t, m)
	code, err := classfile.ParseCode(m.Attribute(classfile.AttrCode).Data, class.Pool)
	require.NoError(t, err)

	body, _, err := classtest.Body(data, "sum", "(I)I")
	require.NoError(t, err)
	again, err := bytecode.Assemble(body, class.Pool, class.Major)
	require.NoError(t, err)

	assert.Equal(t, code.Bytes, again.Bytes)
	want, err := code.Encode()
	require.NoError(t, err)
	got, err := again.Encode()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAssembleImplicitForms(t *testing.T) {
	data := classtest.Build(classtest.Class{
		Name: "demo/Forms",
		Methods: []classtest.Method{{
			Access:    classfile.AccStatic,
			Name:      "f",
			Desc:      "()V",
			MaxStack:  1,
			MaxLocals: 300,
			Nodes: []bytecode.Node{
				bytecode.Simple(op.AconstNull),
				bytecode.Var(op.Astore, 3),
				bytecode.Simple(op.AconstNull),
				bytecode.Var(op.Astore, 4),
				bytecode.Simple(op.AconstNull),
				bytecode.Var(op.Astore, 299),
				&bytecode.IincInsn{Var: 1, Incr: 1000},
				bytecode.Simple(op.Return),
			},
		}},
	})
	class, err := classfile.Parse(data)
	require.NoError(t, err)
	code, err := classfile.ParseCode(class.Method("f", "()V").Attribute(classfile.AttrCode).Data, class.Pool)
	require.NoError(t, err)
	assert.Equal(t, []byte{
		byte(op.AconstNull), byte(op.Astore3),
		byte(op.AconstNull), byte(op.Astore), 4,
		byte(op.AconstNull), byte(op.Wide), byte(op.Astore), 0x01, 0x2b,
		byte(op.Wide), byte(op.Iinc), 0x00, 0x01, 0x03, 0xe8,
		byte(op.Return),
	}, code.Bytes)

	body, _, err := classtest.Body(data, "f", "()V")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"aconst_null", "astore 3",
		"aconst_null", "astore 4",
		"aconst_null", "astore 299",
		"iinc 1 1000",
		"return",
	}, classtest.Insns(body))
}

func TestAssembleWidensGoto(t *testing.T) {
	far := bytecode.NewLabel()
	nodes := []bytecode.Node{bytecode.Jump(op.Goto, far)}
	for i := 0; i < 40000; i++ {
		nodes = append(nodes, bytecode.Simple(op.Nop))
	}
	nodes = append(nodes, far, &bytecode.Frame{}, bytecode.Simple(op.Return))

	body := bytecode.NewBody(bytecode.BodyParams{
		Method:    bytecode.Method{Owner: "demo/A", Name: "f", Desc: "()V", Access: classfile.AccStatic},
		Nodes:     nodes,
		MaxLocals: 0,
	})
	pool := classfile.NewPool()
	code, err := bytecode.Assemble(body, pool, 52)
	require.NoError(t, err)
	assert.Equal(t, byte(op.GotoW), code.Bytes[0])
	assert.Len(t, code.Bytes, 5+40000+1)

	back, err := bytecode.Decode(body.Method(), code, pool, 52)
	require.NoError(t, err)
	first := bytecode.NewInsnIter(back).All()[0]
	jump, ok := first.(*bytecode.JumpInsn)
	require.True(t, ok)
	assert.Equal(t, op.Goto, jump.Op)
	assert.Equal(t, 40005, back.OffsetAt(back.IndexOf(jump.Target)))
}

func TestAssembleConditionalOutOfRange(t *testing.T) {
	far := bytecode.NewLabel()
	nodes := []bytecode.Node{bytecode.Simple(op.Iconst0), bytecode.Jump(op.Ifeq, far)}
	for i := 0; i < 40000; i++ {
		nodes = append(nodes, bytecode.Simple(op.Nop))
	}
	nodes = append(nodes, far, bytecode.Simple(op.Return))
	body := bytecode.NewBody(bytecode.BodyParams{Nodes: nodes, MaxStack: 1})
	_, err := bytecode.Assemble(body, classfile.NewPool(), 52)
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrStructural))
}

func TestSwitchRoundTrip(t *testing.T) {
	a, b, def := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
	frame := &bytecode.Frame{Locals: []bytecode.VType{intType}}
	nodes := []bytecode.Node{
		bytecode.Var(op.Iload, 0),
		&bytecode.TableSwitchInsn{Low: 1, High: 2, Default: def, Targets: []*bytecode.Label{a, b}},
		a, frame,
		bytecode.Var(op.Iload, 0),
		&bytecode.LookupSwitchInsn{Default: def, Keys: []int32{-5, 7}, Targets: []*bytecode.Label{b, def}},
		b, frame,
		bytecode.Simple(op.Iconst1),
		bytecode.Simple(op.Ireturn),
		def, frame,
		bytecode.Simple(op.Iconst0),
		bytecode.Simple(op.Ireturn),
	}
	data := classtest.Build(classtest.Class{
		Name: "demo/Switch",
		Methods: []classtest.Method{{
			Access: classfile.AccStatic, Name: "f", Desc: "(I)I",
			MaxStack: 1, MaxLocals: 1, Nodes: nodes,
		}},
	})
	body, _, err := classtest.Body(data, "f", "(I)I")
	require.NoError(t, err)
	assert.Equal(t, []string{
		"iload 0",
		"tableswitch 1..2 L0 L1 default L2",
		"iload 0",
		"lookupswitch -5:L1 7:L2 default L2",
		"iconst_1",
		"ireturn",
		"iconst_0",
		"ireturn",
	}, classtest.Insns(body))
	// tableswitch at offset 1 is padded to offset 4.
	assert.Equal(t, 1, body.OffsetAt(1))
	assert.Equal(t, 24, body.OffsetAt(2))
}

func TestLdcConstants(t *testing.T) {
	data := classtest.Build(classtest.Class{
		Name: "demo/Ldc",
		Methods: []classtest.Method{{
			Access: classfile.AccStatic, Name: "f", Desc: "()V", MaxStack: 2,
			Nodes: []bytecode.Node{
				bytecode.LdcString("hello"),
				bytecode.Simple(op.Pop),
				&bytecode.LdcInsn{Tag: classfile.TagInteger, Value: int32(123456)},
				bytecode.Simple(op.Pop),
				&bytecode.LdcInsn{Tag: classfile.TagClass, Value: bytecode.ClassConst("demo/Ldc")},
				bytecode.Simple(op.Pop),
				bytecode.Simple(op.Return),
			},
		}},
	})
	body, _, err := classtest.Body(data, "f", "()V")
	require.NoError(t, err)
	insns := bytecode.NewInsnIter(body).All()
	require.Len(t, insns, 7)
	assert.Equal(t, "hello", insns[0].(*bytecode.LdcInsn).Value)
	assert.Equal(t, int32(123456), insns[2].(*bytecode.LdcInsn).Value)
	assert.Equal(t, bytecode.ClassConst("demo/Ldc"), insns[4].(*bytecode.LdcInsn).Value)
}

func TestHandlersAndLocalVars(t *testing.T) {
	start, end, handler := bytecode.NewLabel(), bytecode.NewLabel(), bytecode.NewLabel()
	strType := bytecode.ObjectType("java/lang/String")
	data := classtest.Build(classtest.Class{
		Name: "demo/Try",
		Methods: []classtest.Method{{
			Access: classfile.AccStatic, Name: "f", Desc: "(Ljava/lang/String;)I",
			MaxStack: 1, MaxLocals: 2,
			Nodes: []bytecode.Node{
				start,
				bytecode.Var(op.Aload, 0),
				bytecode.Invoke(op.Invokevirtual, "java/lang/String", "length", "()I"),
				bytecode.Simple(op.Ireturn),
				end,
				handler,
				&bytecode.Frame{
					Locals: []bytecode.VType{strType},
					Stack:  []bytecode.VType{bytecode.ObjectType("java/lang/RuntimeException")},
				},
				bytecode.Var(op.Astore, 1),
				bytecode.Simple(op.Iconst0),
				bytecode.Simple(op.Ireturn),
			},
			Handlers: []bytecode.Handler{{Start: start, End: end, Target: handler, CatchType: "java/lang/RuntimeException"}},
			Locals:   []bytecode.LocalVar{{Name: "s", Desc: "Ljava/lang/String;", Start: start, End: handler, Index: 0}},
		}},
	})
	body, _, err := classtest.Body(data, "f", "(Ljava/lang/String;)I")
	require.NoError(t, err)
	require.Equal(t, 1, body.HandlerCount())
	h := body.HandlerAt(0)
	assert.Equal(t, "java/lang/RuntimeException", h.CatchType)
	assert.False(t, h.CatchAll())
	assert.Same(t, h.End, h.Target)
	require.NotNil(t, body.FrameAt(h.Target))

	require.Equal(t, 1, body.LocalVarCount())
	lv := body.LocalVarAt(0)
	assert.Equal(t, "s", lv.Name)
	assert.Equal(t, 0, body.OffsetAt(body.IndexOf(lv.Start)))
	assert.Equal(t, 5, body.OffsetAt(body.IndexOf(lv.End)))
}

func TestDecodeErrors(t *testing.T) {
	m := bytecode.Method{Owner: "demo/A", Name: "f", Desc: "()V", Access: classfile.AccStatic}
	tests := []struct {
		name string
		code []byte
	}{
		{"truncated operand", []byte{byte(op.Bipush)}},
		{"invalid opcode", []byte{0xcb}},
		{"branch into operand", []byte{byte(op.Goto), 0x00, 0x01, byte(op.Return)}},
		{"branch past end", []byte{byte(op.Goto), 0x00, 0x03}},
		{"bad wide operand", []byte{byte(op.Wide), byte(op.Iadd), 0x00, 0x00}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := bytecode.Decode(m, &classfile.Code{Bytes: tt.code}, classfile.NewPool(), 52)
			require.Error(t, err)
			assert.True(t, errz.Is(err, errz.ErrFormat))
		})
	}
}

func TestNewBodyCopiesInput(t *testing.T) {
	nodes := []bytecode.Node{bytecode.Simple(op.Return)}
	body := bytecode.NewBody(bytecode.BodyParams{Nodes: nodes})
	nodes[0] = bytecode.Simple(op.Nop)
	assert.Equal(t, op.Return, body.NodeAt(0).(bytecode.Insn).Opcode())

	out := body.Nodes()
	out[0] = bytecode.Simple(op.Nop)
	assert.Equal(t, op.Return, body.NodeAt(0).(bytecode.Insn).Opcode())
	assert.Equal(t, -1, body.OffsetAt(0))
}
