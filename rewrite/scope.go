package rewrite

import (
	"fmt"

	"github.com/deepnoodle-ai/autostack/bytecode"
	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/flow"
	"github.com/deepnoodle-ai/autostack/op"
)

// Instruction sequences that open and close scopes. Each emits onto the
// current method and leaves the operand stack as it found it, except
// where noted.

func (m *method) scopeCall(c op.Code, name, desc string) *bytecode.MethodInsn {
	return bytecode.Invoke(c, m.vocab.ScopeClass, name, desc)
}

func (m *method) stackGet() *bytecode.MethodInsn {
	return m.scopeCall(op.Invokestatic, "stackGet", "()"+m.vocab.ScopeDesc())
}

func (m *method) getPointer() *bytecode.MethodInsn {
	return m.scopeCall(op.Invokevirtual, "getPointer", "()I")
}

func (m *method) setPointer() *bytecode.MethodInsn {
	return m.scopeCall(op.Invokevirtual, "setPointer", "(I)V")
}

// prologue stores the handle and initializes every new slot.
func (m *method) prologue() {
	switch {
	case m.plan.shared():
		m.emit(m.stackGet(), bytecode.Var(op.Astore, m.handle))
	case m.cfg.Mode == ModePointer:
		m.emit(
			m.stackGet(),
			bytecode.Simple(op.Dup),
			bytecode.Var(op.Astore, m.handle),
			m.getPointer(),
			bytecode.Var(op.Istore, m.mark),
		)
	case m.mark >= 0:
		m.emit(
			m.stackGet(),
			bytecode.Simple(op.Dup),
			m.getPointer(),
			bytecode.Var(op.Istore, m.mark),
			m.scopeCall(op.Invokevirtual, "push", "()"+m.vocab.ScopeDesc()),
			bytecode.Var(op.Astore, m.handle),
		)
	default:
		m.emit(
			m.scopeCall(op.Invokestatic, "stackPush", "()"+m.vocab.ScopeDesc()),
			bytecode.Var(op.Astore, m.handle),
		)
	}
	for _, l := range m.resets {
		m.emit(bytecode.Simple(op.Iconst0), bytecode.Var(op.Istore, m.loopMarks[l]))
	}
	if m.cfg.DebugRuntime && !m.plan.shared() {
		msg := "autostack: push " + m.where
		if m.plan.Reason != "" {
			msg += " (" + m.plan.Reason + ")"
		}
		m.println(msg)
	}
}

// release closes the method scope. The stack-pointer check runs only
// in push mode, where pop() restores a pointer the method never saw.
func (m *method) release(check bool) {
	if m.cfg.Mode == ModePointer {
		m.emit(
			bytecode.Var(op.Aload, m.handle),
			bytecode.Var(op.Iload, m.mark),
			m.setPointer(),
		)
	} else {
		m.emit(
			bytecode.Var(op.Aload, m.handle),
			m.scopeCall(op.Invokevirtual, "pop", "()"+m.vocab.ScopeDesc()),
			bytecode.Simple(op.Pop),
		)
		if check && m.cfg.CheckStack {
			owner := m.body.Method().Owner
			m.emit(
				bytecode.Var(op.Iload, m.mark),
				bytecode.Var(op.Aload, m.handle),
				m.getPointer(),
				bytecode.LdcString(m.where),
				&bytecode.MethodInsn{Op: op.Invokestatic, Ref: classfile.MemberRef{
					Owner:     owner,
					Name:      CheckStackName,
					Desc:      CheckStackDesc,
					Interface: m.plan.Interface,
				}},
			)
		}
	}
	if m.cfg.DebugRuntime {
		msg := "autostack: pop " + m.where
		if m.line > 0 {
			msg += fmt.Sprintf(" at line %d", m.line)
		}
		m.println(msg)
	}
}

// loopAcquire saves the pointer at the top of an iteration.
func (m *method) loopAcquire(l *flow.Loop) {
	m.emit(
		bytecode.Var(op.Aload, m.handle),
		m.getPointer(),
		bytecode.Var(op.Istore, m.loopMarks[l]),
	)
}

// loopRelease frees what the current iteration allocated.
func (m *method) loopRelease(l *flow.Loop) {
	m.emit(
		bytecode.Var(op.Aload, m.handle),
		bytecode.Var(op.Iload, m.loopMarks[l]),
		m.setPointer(),
	)
}

func (m *method) println(msg string) {
	m.emit(
		bytecode.Field(op.Getstatic, "java/lang/System", "out", "Ljava/io/PrintStream;"),
		bytecode.LdcString(msg),
		bytecode.Invoke(op.Invokevirtual, "java/io/PrintStream", "println", "(Ljava/lang/String;)V"),
	)
}
