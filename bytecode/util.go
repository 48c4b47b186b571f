package bytecode

// copyNodes returns a copy of the given node slice.
func copyNodes(src []Node) []Node {
	if src == nil {
		return nil
	}
	dst := make([]Node, len(src))
	copy(dst, src)
	return dst
}

// copyHandlers returns a copy of the given handler slice.
func copyHandlers(src []Handler) []Handler {
	if src == nil {
		return nil
	}
	dst := make([]Handler, len(src))
	copy(dst, src)
	return dst
}

// copyLocalVars returns a copy of the given local variable slice.
func copyLocalVars(src []LocalVar) []LocalVar {
	if src == nil {
		return nil
	}
	dst := make([]LocalVar, len(src))
	copy(dst, src)
	return dst
}

// copyInts returns a copy of the given int slice.
func copyInts(src []int) []int {
	if src == nil {
		return nil
	}
	dst := make([]int, len(src))
	copy(dst, src)
	return dst
}
