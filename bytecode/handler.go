package bytecode

// Handler is an exception table entry. The protected range is
// [Start, End). An empty CatchType catches everything.
type Handler struct {
	Start     *Label
	End       *Label
	Target    *Label
	CatchType string
}

// CatchAll reports whether the handler catches every throwable.
func (h Handler) CatchAll() bool {
	return h.CatchType == ""
}

// LocalVar is an entry of a LocalVariableTable or LocalVariableTypeTable.
// Desc holds the descriptor or, for type table entries, the signature.
type LocalVar struct {
	Name  string
	Desc  string
	Start *Label
	End   *Label
	Index int
}
