package flow

import (
	"fmt"

	"github.com/deepnoodle-ai/autostack/bytecode"
)

// Shape is the layout of a loop.
type Shape int

const (
	// TopTested loops evaluate their condition at the header and jump
	// back to it from the latch.
	TopTested Shape = iota
	// BottomTested loops are entered by a goto to the condition, which
	// sits after the body and branches back to the header.
	BottomTested
)

func (s Shape) String() string {
	if s == BottomTested {
		return "bottom-tested"
	}
	return "top-tested"
}

// Loop describes a natural loop. Indices are node indices of the body
// the loop was found in.
//
// The acquired zone [BodyStart, ZoneEnd) is the part of the loop that
// runs between the per-iteration mark and restore. The mark is taken
// before node BodyStart, which is never before Start+1, so every
// back-edge re-enters through it. The restore of a bottom-tested loop
// sits before its condition label.
type Loop struct {
	Shape     Shape
	Header    *bytecode.Label
	Condition *bytecode.Label // bottom-tested only
	Exit      *bytecode.Label // label right after the latch, if any

	Start     int
	BodyStart int
	ZoneEnd   int
	Latch     int
	CondIndex int // index of Condition, or -1

	// Node indices of jumps back to the header.
	BackEdges []int
	// Node indices of jumps that leave the loop and restore its mark.
	Breaks []int
	// Node indices of jumps from the body to the condition of a
	// bottom-tested loop.
	Continues []int

	// Reset is set when the loop contains a scope allocation and gets a
	// mark and restore per iteration.
	Reset bool

	Parent *Loop
	Depth  int
}

func (l *Loop) String() string {
	return fmt.Sprintf("%s loop [%d..%d] body %d", l.Shape, l.Start, l.Latch, l.BodyStart)
}

// Contains reports whether the node index lies in the loop region.
func (l *Loop) Contains(index int) bool {
	return index >= l.Start && index <= l.Latch
}

// InZone reports whether the node index lies in the acquired zone.
func (l *Loop) InZone(index int) bool {
	return index >= l.BodyStart && index < l.ZoneEnd
}

// EdgeKind classifies a jump that restores a loop mark.
type EdgeKind int

const (
	// EdgeBreak leaves the loop.
	EdgeBreak EdgeKind = iota
	// EdgeBackEdge returns to the loop header.
	EdgeBackEdge
	// EdgeLatch is the conditional back-edge that closes a top-tested
	// loop. Its fallthrough also leaves the zone.
	EdgeLatch
	// EdgeContinue jumps to the condition of a bottom-tested loop.
	EdgeContinue
)

func (k EdgeKind) String() string {
	switch k {
	case EdgeBackEdge:
		return "back-edge"
	case EdgeLatch:
		return "latch"
	case EdgeContinue:
		return "continue"
	}
	return "break"
}

// Edge is a jump that must restore a loop mark before it is taken.
type Edge struct {
	Index       int
	Kind        EdgeKind
	Conditional bool
	Release     *Loop
}
