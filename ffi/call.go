package ffi

import (
	"errors"
	"fmt"
	"math"
	"runtime"
	"unsafe"

	"github.com/ebitengine/purego"
)

// Native status codes.
const (
	StatusOK    int32 = 0
	StatusError int32 = -1
	StatusShort int32 = -2
)

const DefaultScratch = 4096

type (
	// Signature optionally pre-validates a call. A KindNull result is not checked.
	Signature struct {
		Args     []Kind
		Result   Kind
		Variadic bool // Args is a prefix, more arguments may follow
	}
	// Invoker performs the native transition. It returns the callee status.
	Invoker func(fn uintptr, f *Frame) int32
	Options struct {
		ScratchSize int // initial scratch buffer, DefaultScratch when zero
		MaxScratch  int // upper bound when the callee asks for more, ScratchSize when zero
		Invoker     Invoker
	}
)

var ErrNilFunction = errors.New("nil function address")

type (
	// ArgumentError reports arguments rejected by the host (Index >= 0) or by the
	// callee itself (Index == -1).
	ArgumentError struct {
		Index   int
		Message string
	}
	// NativeFaultError reports a status outside the convention or a malformed result.
	NativeFaultError struct {
		Addr   uintptr
		Status int32
		Reason string
	}
	// ScratchError reports a callee that needs more scratch space than allowed.
	ScratchError struct {
		Required uint64
		Limit    int
	}
)

func (e *ArgumentError) Error() string {
	if e.Index < 0 {
		return "callee rejected arguments: " + e.Message
	}
	return fmt.Sprintf("argument %d: %s", e.Index, e.Message)
}

func (e *NativeFaultError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("native fault at %#x: %s", e.Addr, e.Reason)
	}
	return fmt.Sprintf("native fault at %#x: status %d", e.Addr, e.Status)
}

func (e *ScratchError) Error() string {
	return fmt.Sprintf("callee needs %d bytes of scratch, limit is %d", e.Required, e.Limit)
}

// Check validates args against the signature.
func (s *Signature) Check(args []Value) error {
	if s == nil {
		return nil
	}
	if len(args) < len(s.Args) || (!s.Variadic && len(args) != len(s.Args)) {
		return &ArgumentError{Index: len(args), Message: fmt.Sprintf("want %d arguments, got %d", len(s.Args), len(args))}
	}
	for i, k := range s.Args {
		if args[i].kind != k {
			return &ArgumentError{Index: i, Message: fmt.Sprintf("want %s, got %s", k, args[i].kind)}
		}
	}
	return nil
}

func (s *Signature) String() string {
	if s == nil {
		return "(...)"
	}
	b := []byte{'('}
	for i, k := range s.Args {
		if i > 0 {
			b = append(b, ", "...)
		}
		b = append(b, k.String()...)
	}
	if s.Variadic {
		b = append(b, ", ..."...)
	}
	b = append(b, ") "...)
	return string(append(b, s.Result.String()...))
}

// Native calls fn through purego with the frame's context, arguments and return slot.
func Native(fn uintptr, f *Frame) int32 {
	r1, _, _ := purego.SyscallN(fn,
		uintptr(unsafe.Pointer(&f.Ctx)),
		f.argsPtr(),
		uintptr(len(f.Args)),
		uintptr(unsafe.Pointer(&f.Ret)),
	)
	runtime.KeepAlive(f)
	return int32(r1)
}

// Call marshals args, invokes fn and decodes the result. A callee answering
// StatusShort gets one more attempt with the scratch buffer it asked for.
func Call(fn uintptr, hint *Signature, args []Value, opts Options) (Value, error) {
	if fn == 0 {
		return Value{}, ErrNilFunction
	}
	if err := hint.Check(args); err != nil {
		return Value{}, err
	}
	for i, a := range args {
		if !a.kind.valid() {
			return Value{}, &ArgumentError{Index: i, Message: "invalid kind " + a.kind.String()}
		}
		if a.kind == KindText && uint64(len(a.text)) > math.MaxUint32 {
			return Value{}, &ArgumentError{Index: i, Message: "text too long"}
		}
	}
	if len(args) > math.MaxInt32 {
		return Value{}, &ArgumentError{Index: math.MaxInt32, Message: "too many arguments"}
	}
	invoke := opts.Invoker
	if invoke == nil {
		invoke = Native
	}
	scratch, limit := opts.ScratchSize, opts.MaxScratch
	if scratch <= 0 {
		scratch = DefaultScratch
	}
	if limit < scratch {
		limit = scratch
	}
	f := acquire(args, scratch)
	defer release(f)
	status := invoke(fn, f)
	if status == StatusShort {
		need := f.Ret.Bits
		if f.Ret.Tag != KindInt || need <= uint64(len(f.Scratch)) {
			return Value{}, &NativeFaultError{Addr: fn, Status: status, Reason: "short buffer status without a larger size"}
		}
		if need > uint64(limit) {
			return Value{}, &ScratchError{Required: need, Limit: limit}
		}
		f.grow(int(need))
		f.Ret = Slot{}
		status = invoke(fn, f)
	}
	switch status {
	case StatusOK:
	case StatusError:
		return Value{}, &ArgumentError{Index: -1, Message: f.Message()}
	default:
		return Value{}, &NativeFaultError{Addr: fn, Status: status}
	}
	v, err := f.Result()
	if err != nil {
		var nf *NativeFaultError
		if errors.As(err, &nf) {
			nf.Addr = fn
		}
		return Value{}, err
	}
	if hint != nil && hint.Result != KindNull && v.kind != hint.Result {
		return Value{}, &NativeFaultError{Addr: fn, Reason: fmt.Sprintf("returned %s, want %s", v.kind, hint.Result)}
	}
	return v, nil
}
