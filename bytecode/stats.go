package bytecode

// Stats summarizes a method body.
type Stats struct {
	// InstructionCount is the number of instruction nodes.
	InstructionCount int

	// LabelCount is the number of label nodes.
	LabelCount int

	// FrameCount is the number of stack map frames.
	FrameCount int

	// HandlerCount is the number of exception table entries.
	HandlerCount int

	// CodeLength is the encoded length in bytes, or 0 when the body was
	// not decoded from a class file.
	CodeLength int
}
