/*
Package rewrite injects scope handling into a method body.

The rewriter reads a body as a template and builds a new one. It moves
through a fixed sequence of phases: a prologue that stores the scope
handle in a new local, the body with its marker calls replaced, a mark
and restore around the acquired zone of every reset loop, and an
epilogue holding the synthetic catch-all handler and the trampolines of
conditional loop exits.

New locals start at the first slot after the parameters, in this order:
the handle, the saved pointer (pointer mode or CheckStack), and one
saved pointer per reset loop. Every original local at or above that
slot moves up, in instructions, local variable tables and frames alike.

For a fresh scope the method releases on every return and on every
exception through the catch-all handler. The release code in front of a
return is left out of the handler's range, so a failing check is not
released twice. The shared policy only loads the caller's scope:

	body, err := rewrite.Rewrite(orig, rewrite.Plan{
		Policy:    marker.PolicyFresh,
		Sites:     eligibility.Calls,
		Structure: structure,
	}, &rewrite.Config{Mode: rewrite.ModePointer})

CheckBalance explores every path of a rewritten body and reports frames
left open, restores of unsaved pointers, and loops that keep memory
across iterations.
*/
package rewrite
