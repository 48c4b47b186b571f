// Package bytecode provides the instruction model for JVM method bodies.
//
// [Decode] turns a Code attribute into a [Body]: an ordered list of
// [Node] values in which every branch target, exception range bound,
// local variable range and stack map position is an explicit [Label].
// [Assemble] turns a Body back into a Code attribute, recomputing every
// offset, widening jumps where needed and writing frames as full frames.
//
// # Key Types
//
//   - [Body]: An immutable method body (nodes, handlers, local tables)
//   - [Insn]: An instruction; one concrete type per operand shape
//   - [Label]: A position in the node list, compared by identity
//   - [Frame]: A stack map frame in expanded form
//   - [Handler]: An exception table entry expressed with labels
//
// # Immutability Guarantees
//
// A Body is never modified after construction. Passes that change code
// build a new node list and call [NewBody]; nodes that are not changed
// are shared between the old and the new body. Index-based access is
// used for collections:
//
//	body.NodeAt(i)
//	body.HandlerAt(j)
//	body.LocalVarAt(k)
//
// # Usage
//
//	body, err := bytecode.Decode(method, code, class.Pool, class.Major)
//	if err != nil {
//	    return err
//	}
//	it := bytecode.NewInsnIter(body)
//	for insn, idx, ok := it.Next(); ok; insn, idx, ok = it.Next() {
//	    fmt.Println(idx, bytecode.Format(insn))
//	}
//	code, err = bytecode.Assemble(body, class.Pool, class.Major)
package bytecode
