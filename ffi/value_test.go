package ffi

import (
	"math"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlotLayout(t *testing.T) {
	assert.Equal(t, 16, slotSize)
	assert.Equal(t, 16, contextSize)
	assert.Equal(t, uintptr(8), unsafe.Offsetof(Slot{}.Bits))
}

func TestFromAny(t *testing.T) {
	for _, c := range []struct {
		in   any
		kind Kind
		want any
	}{
		{nil, KindNull, nil},
		{42, KindInt, int64(42)},
		{int32(-7), KindInt, int64(-7)},
		{uint16(9), KindInt, int64(9)},
		{true, KindBool, true},
		{float32(1.5), KindFloat, 1.5},
		{2.25, KindFloat, 2.25},
		{"hi", KindText, "hi"},
		{[]byte("raw"), KindText, "raw"},
		{uintptr(0x1000), KindHandle, uintptr(0x1000)},
		{Int(3), KindInt, int64(3)},
	} {
		v, err := FromAny(c.in)
		require.NoError(t, err, "%T", c.in)
		assert.Equal(t, c.kind, v.Kind(), "%T", c.in)
		assert.Equal(t, c.want, v.Any(), "%T", c.in)
	}
}

func TestFromAnyRejects(t *testing.T) {
	_, err := FromAny(uint64(math.MaxUint64))
	assert.ErrorIs(t, err, ErrKind)
	_, err = FromAny(struct{}{})
	assert.ErrorIs(t, err, ErrKind)

	_, err = Values(1, struct{}{})
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Index)
}

func TestAs(t *testing.T) {
	i, err := As[int](Int(30))
	require.NoError(t, err)
	assert.Equal(t, 30, i)

	s, err := As[string](Text("ab"))
	require.NoError(t, err)
	assert.Equal(t, "ab", s)

	b, err := As[bool](Bool(true))
	require.NoError(t, err)
	assert.True(t, b)

	a, err := As[any](Float(0.5))
	require.NoError(t, err)
	assert.Equal(t, 0.5, a)

	_, err = As[string](Int(1))
	assert.ErrorIs(t, err, ErrKind)

	_, err = As[int32](Int(math.MaxInt64))
	assert.ErrorIs(t, err, ErrKind)

	_, err = As[uint64](Int(-1))
	assert.ErrorIs(t, err, ErrKind)
}

func TestValueString(t *testing.T) {
	assert.Equal(t, "null", Null().String())
	assert.Equal(t, `"x"`, Text("x").String())
	assert.Equal(t, "12", Int(12).String())
	assert.Equal(t, "handle(0x10)", Handle(0x10).String())
	assert.Equal(t, "kind(9)", Kind(9).String())
}
