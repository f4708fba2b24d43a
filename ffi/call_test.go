package ffi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const fakeAddr = uintptr(0xdead0000)

func add(_ uintptr, f *Frame) int32 {
	if len(f.Args) != 2 || f.Args[0].Tag != KindInt || f.Args[1].Tag != KindInt {
		writeText(f, "add expects (int, int)")
		return StatusError
	}
	f.Ret = Slot{Tag: KindInt, Bits: uint64(int64(f.Args[0].Bits) + int64(f.Args[1].Bits))}
	return StatusOK
}

func TestCallInt(t *testing.T) {
	v, err := Call(fakeAddr, nil, []Value{Int(10), Int(20)}, Options{Invoker: add})
	require.NoError(t, err)
	n, ok := v.Int()
	assert.True(t, ok)
	assert.EqualValues(t, 30, n)
}

func TestCalleeRejects(t *testing.T) {
	_, err := Call(fakeAddr, nil, []Value{Text("x")}, Options{Invoker: add})
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, -1, ae.Index)
	assert.Equal(t, "add expects (int, int)", ae.Message)
}

func TestSignatureCheck(t *testing.T) {
	called := false
	inv := func(fn uintptr, f *Frame) int32 { called = true; return add(fn, f) }
	sig := &Signature{Args: []Kind{KindInt, KindInt}, Result: KindInt}

	_, err := Call(fakeAddr, sig, []Value{Int(1)}, Options{Invoker: inv})
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	_, err = Call(fakeAddr, sig, []Value{Int(1), Text("2")}, Options{Invoker: inv})
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 1, ae.Index)
	assert.False(t, called)

	v, err := Call(fakeAddr, sig, []Value{Int(1), Int(2)}, Options{Invoker: inv})
	require.NoError(t, err)
	assert.Equal(t, Int(3), v)

	variadic := &Signature{Args: []Kind{KindInt}, Variadic: true}
	require.NoError(t, variadic.Check([]Value{Int(1), Text("x")}))
	assert.Equal(t, "(int, ...) null", variadic.String())
}

func TestResultKindMismatch(t *testing.T) {
	sig := &Signature{Args: []Kind{KindInt, KindInt}, Result: KindText}
	_, err := Call(fakeAddr, sig, []Value{Int(1), Int(2)}, Options{Invoker: add})
	var nf *NativeFaultError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, fakeAddr, nf.Addr)
}

func concat(_ uintptr, f *Frame) int32 {
	s := argText(f, 0) + argText(f, 1)
	if len(s) > len(f.Scratch) {
		f.Ret = Slot{Tag: KindInt, Bits: uint64(len(s))}
		return StatusShort
	}
	writeText(f, s)
	return StatusOK
}

func TestShortBufferRetry(t *testing.T) {
	calls := 0
	inv := func(fn uintptr, f *Frame) int32 { calls++; return concat(fn, f) }
	v, err := Call(fakeAddr, nil, []Value{Text("hello, "), Text("world")}, Options{Invoker: inv, ScratchSize: 4, MaxScratch: 64})
	require.NoError(t, err)
	assert.Equal(t, Text("hello, world"), v)
	assert.Equal(t, 2, calls)

	_, err = Call(fakeAddr, nil, []Value{Text("hello, "), Text("world")}, Options{Invoker: inv, ScratchSize: 4, MaxScratch: 8})
	var se *ScratchError
	require.ErrorAs(t, err, &se)
	assert.EqualValues(t, 12, se.Required)
}

func TestNativeFault(t *testing.T) {
	_, err := Call(fakeAddr, nil, nil, Options{Invoker: func(uintptr, *Frame) int32 { return 7 }})
	var nf *NativeFaultError
	require.ErrorAs(t, err, &nf)
	assert.EqualValues(t, 7, nf.Status)

	_, err = Call(fakeAddr, nil, nil, Options{Invoker: func(_ uintptr, f *Frame) int32 {
		f.Ret = Slot{Tag: Kind(42)}
		return StatusOK
	}})
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, fakeAddr, nf.Addr)
}

func TestNilFunction(t *testing.T) {
	_, err := Call(0, nil, nil, Options{})
	assert.ErrorIs(t, err, ErrNilFunction)
}

func TestTextArgumentsAreTerminated(t *testing.T) {
	_, err := Call(fakeAddr, nil, []Value{Text("ab"), Int(1), Text("")}, Options{Invoker: func(_ uintptr, f *Frame) int32 {
		assert.Equal(t, "ab", argText(f, 0))
		assert.EqualValues(t, 2, f.Args[0].Len)
		assert.Equal(t, byte(0), f.text[2])
		assert.Equal(t, "", argText(f, 2))
		return StatusOK
	}})
	require.NoError(t, err)
}
