package rewrite

import (
	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/op"
)

// CheckStackAccess returns the access flags of the check method, or
// false when the class cannot hold one. Interfaces need version 52 for
// static methods and 53 for private ones.
func CheckStackAccess(class *classfile.Class) (uint16, bool) {
	access := uint16(classfile.AccStatic | classfile.AccSynthetic)
	if !class.IsInterface() {
		return access | classfile.AccPrivate, true
	}
	switch {
	case class.Major < classfile.VersionStaticInterface:
		return 0, false
	case class.Major < classfile.VersionPrivateInterface:
		return access | classfile.AccPublic, true
	}
	return access | classfile.AccPrivate, true
}

// CheckStackBody returns the body of
//
//	static void autostack$checkStack(int expected, int actual, String where)
//
// which throws IllegalStateException when the two pointers differ.
func CheckStackBody(owner string, access uint16) *bytecode.Body {
	const sb = "java/lang/StringBuilder"
	appendString := func() bytecode.Node {
		return bytecode.Invoke(op.Invokevirtual, sb, "append", "(Ljava/lang/String;)Ljava/lang/StringBuilder;")
	}
	appendInt := func() bytecode.Node {
		return bytecode.Invoke(op.Invokevirtual, sb, "append", "(I)Ljava/lang/StringBuilder;")
	}
	ok := bytecode.NewLabel()
	nodes := []bytecode.Node{
		bytecode.Var(op.Iload, 0),
		bytecode.Var(op.Iload, 1),
		bytecode.Jump(op.IfIcmpeq, ok),
		&bytecode.TypeInsn{Op: op.New, Class: "java/lang/IllegalStateException"},
		bytecode.Simple(op.Dup),
		&bytecode.TypeInsn{Op: op.New, Class: sb},
		bytecode.Simple(op.Dup),
		bytecode.Invoke(op.Invokespecial, sb, "<init>", "()V"),
		bytecode.LdcString("autostack: stack pointer mismatch in "),
		appendString(),
		bytecode.Var(op.Aload, 2),
		appendString(),
		bytecode.LdcString(": expected "),
		appendString(),
		bytecode.Var(op.Iload, 0),
		appendInt(),
		bytecode.LdcString(" but was "),
		appendString(),
		bytecode.Var(op.Iload, 1),
		appendInt(),
		bytecode.Invoke(op.Invokevirtual, sb, "toString", "()Ljava/lang/String;"),
		bytecode.Invoke(op.Invokespecial, "java/lang/IllegalStateException", "<init>", "(Ljava/lang/String;)V"),
		bytecode.Simple(op.Athrow),
		ok,
		&bytecode.Frame{Locals: []bytecode.VType{
			{Tag: bytecode.Integer},
			{Tag: bytecode.Integer},
			bytecode.ObjectType("java/lang/String"),
		}},
		bytecode.Simple(op.Return),
	}
	return bytecode.NewBody(bytecode.BodyParams{
		Method:    bytecode.Method{Owner: owner, Name: CheckStackName, Desc: CheckStackDesc, Access: access},
		Nodes:     nodes,
		MaxStack:  5,
		MaxLocals: 3,
	})
}
