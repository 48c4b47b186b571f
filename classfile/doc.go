// Package classfile reads and writes JVM class files.
//
// The package decodes only what the autostack engine needs: the constant
// pool, the member tables, annotation type names and the outer layout of
// Code attributes. Everything else is carried as raw attribute bytes and
// written back unchanged.
//
// # Constant pool
//
// [Pool] never renumbers existing entries. New constants are appended,
// and the Add methods return the index of an equal entry when one already
// exists. Attributes that were copied from the input therefore stay valid
// after a method has been rewritten.
//
// # Descriptors
//
// [ParseMethodType] splits a method descriptor into parameter and return
// field types. [SlotSize] gives the local and operand stack width of a
// field type.
package classfile
