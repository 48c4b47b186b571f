package op

// Effect returns the number of operand stack words an operand-free
// opcode pops and pushes. Long and double values count as two words.
// The last result is false for opcodes whose effect depends on an
// operand (loads, invokes, field access and the like).
func Effect(c Code) (pop, push int, ok bool) {
	switch c {
	case Nop, Return:
		return 0, 0, true
	case AconstNull, IconstM1, Iconst0, Iconst1, Iconst2, Iconst3, Iconst4, Iconst5,
		Fconst0, Fconst1, Fconst2:
		return 0, 1, true
	case Lconst0, Lconst1, Dconst0, Dconst1:
		return 0, 2, true
	case Iaload, Faload, Aaload, Baload, Caload, Saload:
		return 2, 1, true
	case Laload, Daload:
		return 2, 2, true
	case Iastore, Fastore, Aastore, Bastore, Castore, Sastore:
		return 3, 0, true
	case Lastore, Dastore:
		return 4, 0, true
	case Pop, Ireturn, Freturn, Areturn, Athrow, Monitorenter, Monitorexit:
		return 1, 0, true
	case Pop2, Lreturn, Dreturn:
		return 2, 0, true
	case Dup:
		return 1, 2, true
	case DupX1:
		return 2, 3, true
	case DupX2:
		return 3, 4, true
	case Dup2:
		return 2, 4, true
	case Dup2X1:
		return 3, 5, true
	case Dup2X2:
		return 4, 6, true
	case Swap:
		return 2, 2, true
	case Iadd, Isub, Imul, Idiv, Irem, Ishl, Ishr, Iushr, Iand, Ior, Ixor,
		Fadd, Fsub, Fmul, Fdiv, Frem, Fcmpl, Fcmpg:
		return 2, 1, true
	case Ladd, Lsub, Lmul, Ldiv, Lrem, Land, Lor, Lxor,
		Dadd, Dsub, Dmul, Ddiv, Drem:
		return 4, 2, true
	case Lshl, Lshr, Lushr:
		return 3, 2, true
	case Lcmp, Dcmpl, Dcmpg:
		return 4, 1, true
	case Ineg, Fneg, I2f, F2i, I2b, I2c, I2s, Arraylength:
		return 1, 1, true
	case Lneg, Dneg, L2d, D2l:
		return 2, 2, true
	case I2l, I2d, F2l, F2d:
		return 1, 2, true
	case L2i, L2f, D2i, D2f:
		return 2, 1, true
	}
	return 0, 0, false
}
