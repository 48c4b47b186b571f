/*
Package escape decides whether memory allocated from a scope outlives the
method that allocated it.

The Analyzer interprets a method body once, in stream order, building a
connection graph in the style of Choi et al.: locals and loaded fields
are reference nodes, allocations are object nodes, and scope allocations
are stack nodes. Stores into fields create field nodes with deferred
edges to the stored value; merging paths at a label creates phi
references.

An allocation escapes when it is reachable from the return sentinel or
from a sink: a static field, a parameter, a caught exception, or an
object returned by a call the analyzer cannot see into. Passing scope
memory to a call does not by itself make it escape.

Receivers that are struct types return themselves from their setters.
Struct lookups go through a StructCache, which is created once per run
and is safe for concurrent use:

	cache := escape.NewStructCache(escape.SuperMap{
		"org/lwjgl/vulkan/VkExtent2D": "org/lwjgl/system/Struct",
	}, "org/lwjgl/system/Struct")
	a := escape.NewAnalyzer(marker.DefaultVocabulary(), cache, zerolog.Nop())
	res, err := a.Analyze(body)
	if err != nil {
		return err
	}
	if res.Escapes() {
		// use the caller's scope
	}
*/
package escape
