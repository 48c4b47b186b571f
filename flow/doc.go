/*
Package flow recovers the loop structure of a method body.

Analyze finds natural loops from back-edges, classifies each one as
top-tested or bottom-tested, and computes the acquired zone in which a
per-iteration scope mark is live. For loops that contain a scope
allocation it also returns the jumps that leave a zone, each tagged with
the loop whose mark it must restore.

Shapes the rewriter cannot bracket exactly are refused with
errz.ErrUnsupportedShape:

  - jsr and ret
  - switches that branch backwards or leave a reset loop
  - loops whose regions overlap without nesting
  - jumps from outside a zone into it
  - handlers inside a zone whose range starts outside it
  - allocations in the condition of a bottom-tested loop
*/
package flow
