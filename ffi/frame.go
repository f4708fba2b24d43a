package ffi

import (
	"math"
	"strings"
	"sync"
	"unsafe"
)

type (
	// Slot is the native layout of one value.
	Slot struct {
		Tag  Kind
		Len  uint32
		Bits uint64
	}
	// Context is the native layout of the per-call scratch descriptor.
	Context struct {
		Buf uintptr
		Cap uint64
	}
	// Frame holds everything one native call reads or writes. Its memory stays
	// pinned in the Go heap for the duration of the call.
	Frame struct {
		Ctx     Context
		Ret     Slot
		Args    []Slot
		Scratch []byte
		text    []byte
	}
)

const (
	slotSize    = int(unsafe.Sizeof(Slot{}))
	contextSize = int(unsafe.Sizeof(Context{}))
)

var frames = sync.Pool{New: func() any { return new(Frame) }}

func acquire(args []Value, scratch int) *Frame {
	f := frames.Get().(*Frame)
	f.pack(args)
	f.grow(scratch)
	f.Ret = Slot{}
	return f
}

func release(f *Frame) {
	clear(f.Args)
	f.Args = f.Args[:0]
	f.text = f.text[:0]
	f.Ret = Slot{}
	f.Ctx = Context{}
	frames.Put(f)
}

// pack lays the arguments out as slots. Text is copied NUL terminated into one
// buffer so that the slots only point into frame owned memory.
func (f *Frame) pack(args []Value) {
	n := 0
	for _, a := range args {
		if a.kind == KindText {
			n += len(a.text) + 1
		}
	}
	if cap(f.text) < n {
		f.text = make([]byte, 0, n)
	}
	f.text = f.text[:n]
	if cap(f.Args) < len(args) {
		f.Args = make([]Slot, len(args))
	}
	f.Args = f.Args[:len(args)]
	off := 0
	for i, a := range args {
		s := Slot{Tag: a.kind, Bits: a.bits}
		if a.kind == KindText {
			copy(f.text[off:], a.text)
			f.text[off+len(a.text)] = 0
			s.Len = uint32(len(a.text))
			s.Bits = uint64(uintptr(unsafe.Pointer(&f.text[off])))
			off += len(a.text) + 1
		}
		f.Args[i] = s
	}
}

func (f *Frame) grow(size int) {
	if size < 1 {
		size = 1
	}
	if cap(f.Scratch) < size {
		f.Scratch = make([]byte, size)
	}
	f.Scratch = f.Scratch[:size]
	f.Ctx = Context{Buf: uintptr(unsafe.Pointer(&f.Scratch[0])), Cap: uint64(size)}
}

func (f *Frame) argsPtr() uintptr {
	if len(f.Args) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&f.Args[0]))
}

// Message reads a text slot written by the callee, or "" when the slot is not text.
func (f *Frame) Message() string {
	if f.Ret.Tag != KindText {
		return ""
	}
	return readText(f.Ret)
}

// Result decodes the return slot into a Value that owns its memory.
func (f *Frame) Result() (Value, error) {
	r := f.Ret
	switch r.Tag {
	case KindNull:
		return Null(), nil
	case KindInt:
		return Int(int64(r.Bits)), nil
	case KindBool:
		return Bool(r.Bits != 0), nil
	case KindFloat:
		return Float(math.Float64frombits(r.Bits)), nil
	case KindHandle:
		return Handle(uintptr(r.Bits)), nil
	case KindText:
		return Text(readText(r)), nil
	default:
		return Value{}, &NativeFaultError{Reason: "return slot carries unknown tag " + r.Tag.String()}
	}
}

func readText(s Slot) string {
	if s.Len == 0 || s.Bits == 0 {
		return ""
	}
	return strings.Clone(unsafe.String((*byte)(unsafe.Pointer(uintptr(s.Bits))), int(s.Len)))
}
