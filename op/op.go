// Package op defines the JVM opcodes understood by the autostack decoder,
// rewriter and disassembler.
package op

// Code is a single-byte JVM opcode.
type Code uint8

const (
	Nop        Code = 0x00
	AconstNull Code = 0x01
	IconstM1   Code = 0x02
	Iconst0    Code = 0x03
	Iconst1    Code = 0x04
	Iconst2    Code = 0x05
	Iconst3    Code = 0x06
	Iconst4    Code = 0x07
	Iconst5    Code = 0x08
	Lconst0    Code = 0x09
	Lconst1    Code = 0x0a
	Fconst0    Code = 0x0b
	Fconst1    Code = 0x0c
	Fconst2    Code = 0x0d
	Dconst0    Code = 0x0e
	Dconst1    Code = 0x0f
	Bipush     Code = 0x10
	Sipush     Code = 0x11
	Ldc        Code = 0x12
	LdcW       Code = 0x13
	Ldc2W      Code = 0x14

	// Load
	Iload  Code = 0x15
	Lload  Code = 0x16
	Fload  Code = 0x17
	Dload  Code = 0x18
	Aload  Code = 0x19
	Iload0 Code = 0x1a
	Lload0 Code = 0x1e
	Fload0 Code = 0x22
	Dload0 Code = 0x26
	Aload0 Code = 0x2a
	Aload3 Code = 0x2d

	// Array load
	Iaload Code = 0x2e
	Laload Code = 0x2f
	Faload Code = 0x30
	Daload Code = 0x31
	Aaload Code = 0x32
	Baload Code = 0x33
	Caload Code = 0x34
	Saload Code = 0x35

	// Store
	Istore  Code = 0x36
	Lstore  Code = 0x37
	Fstore  Code = 0x38
	Dstore  Code = 0x39
	Astore  Code = 0x3a
	Istore0 Code = 0x3b
	Lstore0 Code = 0x3f
	Fstore0 Code = 0x43
	Dstore0 Code = 0x47
	Astore0 Code = 0x4b
	Astore3 Code = 0x4e

	// Array store
	Iastore Code = 0x4f
	Lastore Code = 0x50
	Fastore Code = 0x51
	Dastore Code = 0x52
	Aastore Code = 0x53
	Bastore Code = 0x54
	Castore Code = 0x55
	Sastore Code = 0x56

	// Stack
	Pop    Code = 0x57
	Pop2   Code = 0x58
	Dup    Code = 0x59
	DupX1  Code = 0x5a
	DupX2  Code = 0x5b
	Dup2   Code = 0x5c
	Dup2X1 Code = 0x5d
	Dup2X2 Code = 0x5e
	Swap   Code = 0x5f

	// Arithmetic
	Iadd  Code = 0x60
	Ladd  Code = 0x61
	Fadd  Code = 0x62
	Dadd  Code = 0x63
	Isub  Code = 0x64
	Lsub  Code = 0x65
	Fsub  Code = 0x66
	Dsub  Code = 0x67
	Imul  Code = 0x68
	Lmul  Code = 0x69
	Fmul  Code = 0x6a
	Dmul  Code = 0x6b
	Idiv  Code = 0x6c
	Ldiv  Code = 0x6d
	Fdiv  Code = 0x6e
	Ddiv  Code = 0x6f
	Irem  Code = 0x70
	Lrem  Code = 0x71
	Frem  Code = 0x72
	Drem  Code = 0x73
	Ineg  Code = 0x74
	Lneg  Code = 0x75
	Fneg  Code = 0x76
	Dneg  Code = 0x77
	Ishl  Code = 0x78
	Lshl  Code = 0x79
	Ishr  Code = 0x7a
	Lshr  Code = 0x7b
	Iushr Code = 0x7c
	Lushr Code = 0x7d
	Iand  Code = 0x7e
	Land  Code = 0x7f
	Ior   Code = 0x80
	Lor   Code = 0x81
	Ixor  Code = 0x82
	Lxor  Code = 0x83
	Iinc  Code = 0x84

	// Conversion
	I2l Code = 0x85
	I2f Code = 0x86
	I2d Code = 0x87
	L2i Code = 0x88
	L2f Code = 0x89
	L2d Code = 0x8a
	F2i Code = 0x8b
	F2l Code = 0x8c
	F2d Code = 0x8d
	D2i Code = 0x8e
	D2l Code = 0x8f
	D2f Code = 0x90
	I2b Code = 0x91
	I2c Code = 0x92
	I2s Code = 0x93

	// Comparison
	Lcmp  Code = 0x94
	Fcmpl Code = 0x95
	Fcmpg Code = 0x96
	Dcmpl Code = 0x97
	Dcmpg Code = 0x98

	// Jump
	Ifeq         Code = 0x99
	Ifne         Code = 0x9a
	Iflt         Code = 0x9b
	Ifge         Code = 0x9c
	Ifgt         Code = 0x9d
	Ifle         Code = 0x9e
	IfIcmpeq     Code = 0x9f
	IfIcmpne     Code = 0xa0
	IfIcmplt     Code = 0xa1
	IfIcmpge     Code = 0xa2
	IfIcmpgt     Code = 0xa3
	IfIcmple     Code = 0xa4
	IfAcmpeq     Code = 0xa5
	IfAcmpne     Code = 0xa6
	Goto         Code = 0xa7
	Jsr          Code = 0xa8
	Ret          Code = 0xa9
	Tableswitch  Code = 0xaa
	Lookupswitch Code = 0xab

	// Return
	Ireturn Code = 0xac
	Lreturn Code = 0xad
	Freturn Code = 0xae
	Dreturn Code = 0xaf
	Areturn Code = 0xb0
	Return  Code = 0xb1

	// References
	Getstatic       Code = 0xb2
	Putstatic       Code = 0xb3
	Getfield        Code = 0xb4
	Putfield        Code = 0xb5
	Invokevirtual   Code = 0xb6
	Invokespecial   Code = 0xb7
	Invokestatic    Code = 0xb8
	Invokeinterface Code = 0xb9
	Invokedynamic   Code = 0xba
	New             Code = 0xbb
	Newarray        Code = 0xbc
	Anewarray       Code = 0xbd
	Arraylength     Code = 0xbe
	Athrow          Code = 0xbf
	Checkcast       Code = 0xc0
	Instanceof      Code = 0xc1
	Monitorenter    Code = 0xc2
	Monitorexit     Code = 0xc3

	// Extended
	Wide           Code = 0xc4
	Multianewarray Code = 0xc5
	Ifnull         Code = 0xc6
	Ifnonnull      Code = 0xc7
	GotoW          Code = 0xc8
	JsrW           Code = 0xc9
)

// Kind is the operand category of an opcode. Every pass over an
// instruction stream switches on Kind (or on the matching instruction
// type in the bytecode package).
type Kind uint8

const (
	KindInvalid Kind = iota
	KindNone
	KindInt
	KindVar
	KindIinc
	KindJump
	KindLdc
	KindType
	KindField
	KindMethod
	KindInvokeDynamic
	KindTableSwitch
	KindLookupSwitch
	KindMultiANewArray
	KindWide
)

// String returns the name of the kind.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindInt:
		return "int"
	case KindVar:
		return "var"
	case KindIinc:
		return "iinc"
	case KindJump:
		return "jump"
	case KindLdc:
		return "ldc"
	case KindType:
		return "type"
	case KindField:
		return "field"
	case KindMethod:
		return "method"
	case KindInvokeDynamic:
		return "invokedynamic"
	case KindTableSwitch:
		return "tableswitch"
	case KindLookupSwitch:
		return "lookupswitch"
	case KindMultiANewArray:
		return "multianewarray"
	case KindWide:
		return "wide"
	default:
		return "invalid"
	}
}

// Info contains information about an opcode.
type Info struct {
	Code Code
	Name string
	Kind Kind
	// Base is the explicit-operand form of an implicit local variable
	// opcode (iload_2 has Base Iload and Slot 2). For every other
	// opcode Base equals Code and Slot is -1.
	Base Code
	Slot int
}

// Valid reports whether the info describes a defined opcode.
func (i Info) Valid() bool {
	return i.Kind != KindInvalid
}

var infos = make([]Info, 256)

func init() {
	type opInfo struct {
		op   Code
		name string
		kind Kind
	}
	ops := []opInfo{
		{Nop, "nop", KindNone},
		{AconstNull, "aconst_null", KindNone},
		{IconstM1, "iconst_m1", KindNone},
		{Iconst0, "iconst_0", KindNone},
		{Iconst1, "iconst_1", KindNone},
		{Iconst2, "iconst_2", KindNone},
		{Iconst3, "iconst_3", KindNone},
		{Iconst4, "iconst_4", KindNone},
		{Iconst5, "iconst_5", KindNone},
		{Lconst0, "lconst_0", KindNone},
		{Lconst1, "lconst_1", KindNone},
		{Fconst0, "fconst_0", KindNone},
		{Fconst1, "fconst_1", KindNone},
		{Fconst2, "fconst_2", KindNone},
		{Dconst0, "dconst_0", KindNone},
		{Dconst1, "dconst_1", KindNone},
		{Bipush, "bipush", KindInt},
		{Sipush, "sipush", KindInt},
		{Ldc, "ldc", KindLdc},
		{LdcW, "ldc_w", KindLdc},
		{Ldc2W, "ldc2_w", KindLdc},
		{Iload, "iload", KindVar},
		{Lload, "lload", KindVar},
		{Fload, "fload", KindVar},
		{Dload, "dload", KindVar},
		{Aload, "aload", KindVar},
		{Iaload, "iaload", KindNone},
		{Laload, "laload", KindNone},
		{Faload, "faload", KindNone},
		{Daload, "daload", KindNone},
		{Aaload, "aaload", KindNone},
		{Baload, "baload", KindNone},
		{Caload, "caload", KindNone},
		{Saload, "saload", KindNone},
		{Istore, "istore", KindVar},
		{Lstore, "lstore", KindVar},
		{Fstore, "fstore", KindVar},
		{Dstore, "dstore", KindVar},
		{Astore, "astore", KindVar},
		{Iastore, "iastore", KindNone},
		{Lastore, "lastore", KindNone},
		{Fastore, "fastore", KindNone},
		{Dastore, "dastore", KindNone},
		{Aastore, "aastore", KindNone},
		{Bastore, "bastore", KindNone},
		{Castore, "castore", KindNone},
		{Sastore, "sastore", KindNone},
		{Pop, "pop", KindNone},
		{Pop2, "pop2", KindNone},
		{Dup, "dup", KindNone},
		{DupX1, "dup_x1", KindNone},
		{DupX2, "dup_x2", KindNone},
		{Dup2, "dup2", KindNone},
		{Dup2X1, "dup2_x1", KindNone},
		{Dup2X2, "dup2_x2", KindNone},
		{Swap, "swap", KindNone},
		{Iadd, "iadd", KindNone},
		{Ladd, "ladd", KindNone},
		{Fadd, "fadd", KindNone},
		{Dadd, "dadd", KindNone},
		{Isub, "isub", KindNone},
		{Lsub, "lsub", KindNone},
		{Fsub, "fsub", KindNone},
		{Dsub, "dsub", KindNone},
		{Imul, "imul", KindNone},
		{Lmul, "lmul", KindNone},
		{Fmul, "fmul", KindNone},
		{Dmul, "dmul", KindNone},
		{Idiv, "idiv", KindNone},
		{Ldiv, "ldiv", KindNone},
		{Fdiv, "fdiv", KindNone},
		{Ddiv, "ddiv", KindNone},
		{Irem, "irem", KindNone},
		{Lrem, "lrem", KindNone},
		{Frem, "frem", KindNone},
		{Drem, "drem", KindNone},
		{Ineg, "ineg", KindNone},
		{Lneg, "lneg", KindNone},
		{Fneg, "fneg", KindNone},
		{Dneg, "dneg", KindNone},
		{Ishl, "ishl", KindNone},
		{Lshl, "lshl", KindNone},
		{Ishr, "ishr", KindNone},
		{Lshr, "lshr", KindNone},
		{Iushr, "iushr", KindNone},
		{Lushr, "lushr", KindNone},
		{Iand, "iand", KindNone},
		{Land, "land", KindNone},
		{Ior, "ior", KindNone},
		{Lor, "lor", KindNone},
		{Ixor, "ixor", KindNone},
		{Lxor, "lxor", KindNone},
		{Iinc, "iinc", KindIinc},
		{I2l, "i2l", KindNone},
		{I2f, "i2f", KindNone},
		{I2d, "i2d", KindNone},
		{L2i, "l2i", KindNone},
		{L2f, "l2f", KindNone},
		{L2d, "l2d", KindNone},
		{F2i, "f2i", KindNone},
		{F2l, "f2l", KindNone},
		{F2d, "f2d", KindNone},
		{D2i, "d2i", KindNone},
		{D2l, "d2l", KindNone},
		{D2f, "d2f", KindNone},
		{I2b, "i2b", KindNone},
		{I2c, "i2c", KindNone},
		{I2s, "i2s", KindNone},
		{Lcmp, "lcmp", KindNone},
		{Fcmpl, "fcmpl", KindNone},
		{Fcmpg, "fcmpg", KindNone},
		{Dcmpl, "dcmpl", KindNone},
		{Dcmpg, "dcmpg", KindNone},
		{Ifeq, "ifeq", KindJump},
		{Ifne, "ifne", KindJump},
		{Iflt, "iflt", KindJump},
		{Ifge, "ifge", KindJump},
		{Ifgt, "ifgt", KindJump},
		{Ifle, "ifle", KindJump},
		{IfIcmpeq, "if_icmpeq", KindJump},
		{IfIcmpne, "if_icmpne", KindJump},
		{IfIcmplt, "if_icmplt", KindJump},
		{IfIcmpge, "if_icmpge", KindJump},
		{IfIcmpgt, "if_icmpgt", KindJump},
		{IfIcmple, "if_icmple", KindJump},
		{IfAcmpeq, "if_acmpeq", KindJump},
		{IfAcmpne, "if_acmpne", KindJump},
		{Goto, "goto", KindJump},
		{Jsr, "jsr", KindJump},
		{Ret, "ret", KindVar},
		{Tableswitch, "tableswitch", KindTableSwitch},
		{Lookupswitch, "lookupswitch", KindLookupSwitch},
		{Ireturn, "ireturn", KindNone},
		{Lreturn, "lreturn", KindNone},
		{Freturn, "freturn", KindNone},
		{Dreturn, "dreturn", KindNone},
		{Areturn, "areturn", KindNone},
		{Return, "return", KindNone},
		{Getstatic, "getstatic", KindField},
		{Putstatic, "putstatic", KindField},
		{Getfield, "getfield", KindField},
		{Putfield, "putfield", KindField},
		{Invokevirtual, "invokevirtual", KindMethod},
		{Invokespecial, "invokespecial", KindMethod},
		{Invokestatic, "invokestatic", KindMethod},
		{Invokeinterface, "invokeinterface", KindMethod},
		{Invokedynamic, "invokedynamic", KindInvokeDynamic},
		{New, "new", KindType},
		{Newarray, "newarray", KindInt},
		{Anewarray, "anewarray", KindType},
		{Arraylength, "arraylength", KindNone},
		{Athrow, "athrow", KindNone},
		{Checkcast, "checkcast", KindType},
		{Instanceof, "instanceof", KindType},
		{Monitorenter, "monitorenter", KindNone},
		{Monitorexit, "monitorexit", KindNone},
		{Wide, "wide", KindWide},
		{Multianewarray, "multianewarray", KindMultiANewArray},
		{Ifnull, "ifnull", KindJump},
		{Ifnonnull, "ifnonnull", KindJump},
		{GotoW, "goto_w", KindJump},
		{JsrW, "jsr_w", KindJump},
	}
	for _, o := range ops {
		infos[o.op] = Info{
			Code: o.op,
			Name: o.name,
			Kind: o.kind,
			Base: o.op,
			Slot: -1,
		}
	}
	// The implicit forms xload_<n> and xstore_<n>
	implicit := []struct {
		first Code
		base  Code
		name  string
	}{
		{Iload0, Iload, "iload"},
		{Lload0, Lload, "lload"},
		{Fload0, Fload, "fload"},
		{Dload0, Dload, "dload"},
		{Aload0, Aload, "aload"},
		{Istore0, Istore, "istore"},
		{Lstore0, Lstore, "lstore"},
		{Fstore0, Fstore, "fstore"},
		{Dstore0, Dstore, "dstore"},
		{Astore0, Astore, "astore"},
	}
	for _, im := range implicit {
		for n := 0; n < 4; n++ {
			c := im.first + Code(n)
			infos[c] = Info{
				Code: c,
				Name: im.name + "_" + string(rune('0'+n)),
				Kind: KindVar,
				Base: im.base,
				Slot: n,
			}
		}
	}
}

// GetInfo returns information about the given opcode.
func GetInfo(op Code) Info {
	return infos[op]
}

// String returns the mnemonic of the opcode.
func (c Code) String() string {
	if info := infos[c]; info.Valid() {
		return info.Name
	}
	return "invalid"
}

// IsReturn reports whether the opcode is one of the xRETURN opcodes.
func IsReturn(c Code) bool {
	return c >= Ireturn && c <= Return
}

// IsConditional reports whether the opcode is a conditional branch.
func IsConditional(c Code) bool {
	return (c >= Ifeq && c <= IfAcmpne) || c == Ifnull || c == Ifnonnull
}

// IsUnconditional reports whether the opcode is an unconditional jump.
func IsUnconditional(c Code) bool {
	return c == Goto || c == GotoW
}

// IsSubroutine reports whether the opcode belongs to the legacy
// jsr/ret subroutine mechanism.
func IsSubroutine(c Code) bool {
	return c == Jsr || c == JsrW || c == Ret
}

// EndsBlock reports whether control never falls through to the next
// instruction after the opcode.
func EndsBlock(c Code) bool {
	switch {
	case IsReturn(c), IsUnconditional(c):
		return true
	case c == Athrow, c == Tableswitch, c == Lookupswitch, c == Ret:
		return true
	}
	return false
}

// Negate returns the conditional branch opcode testing the opposite
// condition. It panics if c is not a conditional branch.
func Negate(c Code) Code {
	switch {
	case c == Ifnull:
		return Ifnonnull
	case c == Ifnonnull:
		return Ifnull
	case c >= Ifeq && c <= IfAcmpne:
		// Conditional opcodes come in adjacent (even, odd) pairs
		// starting at ifeq (0x99 is odd).
		if (c-Ifeq)%2 == 0 {
			return c + 1
		}
		return c - 1
	}
	panic("op: not a conditional branch: " + c.String())
}
