package bytecode

import (
	"testing"

	"github.com/deepnoodle-ai/autostack/classfile"
	"github.com/deepnoodle-ai/autostack/errz"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStackMapCompactFrames(t *testing.T) {
	pool := classfile.NewPool()
	strIdx, err := pool.AddClass("java/lang/String")
	require.NoError(t, err)

	w := &classfile.Writer{}
	w.U2(5)
	// same_frame at 3
	w.U1(3)
	// append_frame with int, String at 3+5+1 = 9
	w.U1(253)
	w.U2(5)
	w.U1(uint8(Integer))
	w.U1(uint8(Object))
	w.U2(strIdx)
	// same_locals_1_stack_item with int at 9+2+1 = 12
	w.U1(64 + 2)
	w.U1(uint8(Integer))
	// chop_frame removing one local at 12+4+1 = 17
	w.U1(250)
	w.U2(4)
	// full_frame at 17+0+1 = 18
	w.U1(255)
	w.U2(0)
	w.U2(1)
	w.U1(uint8(Long))
	w.U2(1)
	w.U1(uint8(Uninitialized))
	w.U2(6)

	labels := map[int]*Label{}
	labelAt := func(off int) *Label {
		if l, ok := labels[off]; ok {
			return l
		}
		l := NewLabel()
		labels[off] = l
		return l
	}
	initial := &Frame{Locals: []VType{tLong}}
	entries, err := parseStackMap(w.Bytes(), pool, initial, labelAt)
	require.NoError(t, err)
	require.Len(t, entries, 5)

	assert.Equal(t, 3, entries[0].offset)
	assert.Equal(t, []VType{tLong}, entries[0].frame.Locals)
	assert.Empty(t, entries[0].frame.Stack)

	assert.Equal(t, 9, entries[1].offset)
	assert.Equal(t, []VType{tLong, tInt, tStr}, entries[1].frame.Locals)

	assert.Equal(t, 12, entries[2].offset)
	assert.Equal(t, []VType{tInt}, entries[2].frame.Stack)
	assert.Equal(t, []VType{tLong, tInt, tStr}, entries[2].frame.Locals)

	assert.Equal(t, 17, entries[3].offset)
	assert.Equal(t, []VType{tLong, tInt}, entries[3].frame.Locals)

	assert.Equal(t, 18, entries[4].offset)
	assert.Equal(t, []VType{tLong}, entries[4].frame.Locals)
	require.Len(t, entries[4].frame.Stack, 1)
	assert.Same(t, labels[6], entries[4].frame.Stack[0].New)
}

func TestParseStackMapReservedType(t *testing.T) {
	w := &classfile.Writer{}
	w.U2(1)
	w.U1(200)
	_, err := parseStackMap(w.Bytes(), classfile.NewPool(), &Frame{}, func(int) *Label { return NewLabel() })
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrFormat))
}

func TestEncodeStackMapFullFrames(t *testing.T) {
	pool := classfile.NewPool()
	newSite := NewLabel()
	entries := []stackMapEntry{
		{offset: 4, frame: &Frame{Locals: []VType{tInt, tTop, tTop}}},
		{offset: 10, frame: &Frame{Locals: []VType{tStr}, Stack: []VType{{Tag: Uninitialized, New: newSite}}}},
	}
	offsetOf := func(l *Label) (int, bool) { return 7, l == newSite }
	data, err := encodeStackMap(entries, pool, offsetOf)
	require.NoError(t, err)

	back, err := parseStackMap(data, pool, &Frame{}, func(off int) *Label {
		assert.Equal(t, 7, off)
		return newSite
	})
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, 4, back[0].offset)
	// Trailing Top locals are not written.
	assert.Equal(t, []VType{tInt}, back[0].frame.Locals)
	assert.Equal(t, 10, back[1].offset)
	assert.Equal(t, entries[1].frame.Stack, back[1].frame.Stack)
	assert.Equal(t, []VType{tStr}, back[1].frame.Locals)
}

func TestEncodeStackMapOutOfOrder(t *testing.T) {
	entries := []stackMapEntry{
		{offset: 10, frame: &Frame{}},
		{offset: 4, frame: &Frame{}},
	}
	_, err := encodeStackMap(entries, classfile.NewPool(), func(*Label) (int, bool) { return 0, false })
	require.Error(t, err)
	assert.True(t, errz.Is(err, errz.ErrStructural))
}
