package bytecode

// Body is the decoded code of one method: an ordered node list plus the
// exception handlers and local variable tables that refer into it by
// label. It is immutable after creation and safe for concurrent use.
type Body struct {
	method     Method
	nodes      []Node
	handlers   []Handler
	locals     []LocalVar
	localTypes []LocalVar
	maxStack   int
	maxLocals  int

	// Byte offset of each node, only for decoded bodies.
	offsets []int
	codeLen int

	labels map[*Label]int
	frames map[*Label]*Frame

	// Names of Code attributes that could not be carried through.
	dropped []string
}

// BodyParams contains parameters for creating a new Body.
type BodyParams struct {
	Method     Method
	Nodes      []Node
	Handlers   []Handler
	Locals     []LocalVar
	LocalTypes []LocalVar
	MaxStack   int
	MaxLocals  int
	Offsets    []int
	CodeLength int
	Dropped    []string
}

// NewBody creates a new immutable Body from the given parameters.
// Input slices are copied. Nodes themselves are shared and must not be
// modified afterwards.
func NewBody(params BodyParams) *Body {
	b := &Body{
		method:     params.Method,
		nodes:      copyNodes(params.Nodes),
		handlers:   copyHandlers(params.Handlers),
		locals:     copyLocalVars(params.Locals),
		localTypes: copyLocalVars(params.LocalTypes),
		maxStack:   params.MaxStack,
		maxLocals:  params.MaxLocals,
		offsets:    copyInts(params.Offsets),
		codeLen:    params.CodeLength,
		labels:     map[*Label]int{},
		frames:     map[*Label]*Frame{},
		dropped:    append([]string(nil), params.Dropped...),
	}
	if len(b.offsets) != len(b.nodes) {
		b.offsets = nil
	}
	// Labels, line numbers and frames between two instructions share a
	// position; every label in the group is described by the last frame.
	var group []*Label
	var frame *Frame
	flush := func() {
		if frame != nil {
			for _, l := range group {
				b.frames[l] = frame
			}
		}
		group, frame = group[:0], nil
	}
	for i, n := range b.nodes {
		switch n := n.(type) {
		case *Label:
			b.labels[n] = i
			group = append(group, n)
		case *Frame:
			frame = n
		case *LineNumber:
		default:
			flush()
		}
	}
	flush()
	return b
}

// Method returns the method the body belongs to.
func (b *Body) Method() Method {
	return b.method
}

// NodeCount returns the number of nodes.
func (b *Body) NodeCount() int {
	return len(b.nodes)
}

// NodeAt returns the node at the given index.
func (b *Body) NodeAt(index int) Node {
	return b.nodes[index]
}

// Nodes returns a copy of the node list.
func (b *Body) Nodes() []Node {
	return copyNodes(b.nodes)
}

// OffsetAt returns the byte offset of the node at the given index, or -1
// when the body was not decoded from a class file.
func (b *Body) OffsetAt(index int) int {
	if b.offsets == nil || index < 0 || index >= len(b.offsets) {
		return -1
	}
	return b.offsets[index]
}

// IndexOf returns the node index of a label, or -1 if the label is not
// placed in this body.
func (b *Body) IndexOf(l *Label) int {
	if i, ok := b.labels[l]; ok {
		return i
	}
	return -1
}

// FrameAt returns the stack map frame recorded at a label's position, or
// nil.
func (b *Body) FrameAt(l *Label) *Frame {
	return b.frames[l]
}

// HandlerCount returns the number of exception handlers.
func (b *Body) HandlerCount() int {
	return len(b.handlers)
}

// HandlerAt returns the exception handler at the given index.
func (b *Body) HandlerAt(index int) Handler {
	return b.handlers[index]
}

// Handlers returns a copy of the exception table.
func (b *Body) Handlers() []Handler {
	return copyHandlers(b.handlers)
}

// LocalVarCount returns the number of LocalVariableTable entries.
func (b *Body) LocalVarCount() int {
	return len(b.locals)
}

// LocalVarAt returns the LocalVariableTable entry at the given index.
func (b *Body) LocalVarAt(index int) LocalVar {
	return b.locals[index]
}

// LocalTypeCount returns the number of LocalVariableTypeTable entries.
func (b *Body) LocalTypeCount() int {
	return len(b.localTypes)
}

// LocalTypeAt returns the LocalVariableTypeTable entry at the given index.
func (b *Body) LocalTypeAt(index int) LocalVar {
	return b.localTypes[index]
}

// MaxStack returns the operand stack limit.
func (b *Body) MaxStack() int {
	return b.maxStack
}

// MaxLocals returns the local slot limit.
func (b *Body) MaxLocals() int {
	return b.maxLocals
}

// Dropped returns the names of Code attributes the decoder discarded.
func (b *Body) Dropped() []string {
	return append([]string(nil), b.dropped...)
}

// Stats returns statistics about the body.
func (b *Body) Stats() Stats {
	s := Stats{HandlerCount: len(b.handlers), CodeLength: b.codeLen}
	for _, n := range b.nodes {
		switch n.(type) {
		case *Label:
			s.LabelCount++
		case *Frame:
			s.FrameCount++
		case *LineNumber:
		default:
			s.InstructionCount++
		}
	}
	return s
}

// InsnIter iterates over the instruction nodes of a body, skipping
// labels, line numbers and frames.
type InsnIter struct {
	body *Body
	pos  int
}

// NewInsnIter creates a new instruction iterator for the given body.
func NewInsnIter(body *Body) *InsnIter {
	return &InsnIter{body: body}
}

// Next returns the next instruction and its node index. Returns false
// when there are no more instructions.
func (it *InsnIter) Next() (Insn, int, bool) {
	for it.pos < len(it.body.nodes) {
		i := it.pos
		it.pos++
		if insn, ok := it.body.nodes[i].(Insn); ok {
			return insn, i, true
		}
	}
	return nil, -1, false
}

// All returns the remaining instructions as a newly allocated slice.
func (it *InsnIter) All() []Insn {
	var results []Insn
	for {
		insn, _, ok := it.Next()
		if !ok {
			break
		}
		results = append(results, insn)
	}
	return results
}
