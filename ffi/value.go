// Package ffi marshals dynamically typed values across the packed native calling
// convention used by loaded objects:
//
//	int fn(objld_ctx* ctx, const objld_value* args, int32_t nargs, objld_value* ret);
//
// Every value travels as a 16 byte slot: an int32 tag, a uint32 length and an 8 byte
// payload holding an integer, a float, or a pointer.
package ffi

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"unsafe"
)

// Kind is the tag of a Value. The numbering is part of the native ABI.
type Kind int32

const (
	KindNull Kind = iota
	KindInt
	KindBool
	KindFloat
	KindHandle
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindHandle:
		return "handle"
	case KindText:
		return "text"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

func (k Kind) valid() bool { return k >= KindNull && k <= KindText }

// Value is a closed tagged union. The zero Value is null.
type Value struct {
	kind Kind
	bits uint64
	text string
}

var ErrKind = errors.New("value kind mismatch")

func Null() Value            { return Value{} }
func Int(i int64) Value      { return Value{kind: KindInt, bits: uint64(i)} }
func Float(f float64) Value  { return Value{kind: KindFloat, bits: math.Float64bits(f)} }
func Handle(p uintptr) Value { return Value{kind: KindHandle, bits: uint64(p)} }
func Text(s string) Value    { return Value{kind: KindText, text: s} }
func Bool(b bool) Value {
	if b {
		return Value{kind: KindBool, bits: 1}
	}
	return Value{kind: KindBool}
}

func (v Value) Kind() Kind   { return v.kind }
func (v Value) IsNull() bool { return v.kind == KindNull }

func (v Value) Int() (int64, bool)     { return int64(v.bits), v.kind == KindInt }
func (v Value) Bool() (bool, bool)     { return v.bits != 0, v.kind == KindBool }
func (v Value) Float() (float64, bool) { return math.Float64frombits(v.bits), v.kind == KindFloat }
func (v Value) Handle() (uintptr, bool) {
	return uintptr(v.bits), v.kind == KindHandle
}
func (v Value) Text() (string, bool) { return v.text, v.kind == KindText }

// Any returns the Go value carried: nil, int64, bool, float64, uintptr or string.
func (v Value) Any() any {
	switch v.kind {
	case KindInt:
		return int64(v.bits)
	case KindBool:
		return v.bits != 0
	case KindFloat:
		return math.Float64frombits(v.bits)
	case KindHandle:
		return uintptr(v.bits)
	case KindText:
		return v.text
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindText:
		return strconv.Quote(v.text)
	case KindHandle:
		return fmt.Sprintf("handle(%#x)", v.bits)
	default:
		return fmt.Sprint(v.Any())
	}
}

// FromAny converts a host value. Integers must fit int64.
func FromAny(x any) (Value, error) {
	switch t := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return t, nil
	case int:
		return Int(int64(t)), nil
	case int8:
		return Int(int64(t)), nil
	case int16:
		return Int(int64(t)), nil
	case int32:
		return Int(int64(t)), nil
	case int64:
		return Int(t), nil
	case uint:
		return fromUnsigned(uint64(t))
	case uint8:
		return Int(int64(t)), nil
	case uint16:
		return Int(int64(t)), nil
	case uint32:
		return Int(int64(t)), nil
	case uint64:
		return fromUnsigned(t)
	case bool:
		return Bool(t), nil
	case float32:
		return Float(float64(t)), nil
	case float64:
		return Float(t), nil
	case string:
		return Text(t), nil
	case []byte:
		return Text(string(t)), nil
	case uintptr:
		return Handle(t), nil
	case unsafe.Pointer:
		return Handle(uintptr(t)), nil
	default:
		return Value{}, fmt.Errorf("%w: unsupported host type %T", ErrKind, x)
	}
}

func fromUnsigned(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("%w: %d overflows int64", ErrKind, u)
	}
	return Int(int64(u)), nil
}

// Values converts a list of host values, see FromAny.
func Values(xs ...any) (out []Value, err error) {
	out = make([]Value, len(xs))
	for i, x := range xs {
		if out[i], err = FromAny(x); err != nil {
			return nil, &ArgumentError{Index: i, Message: err.Error()}
		}
	}
	return
}

// As converts a Value back into a host type.
func As[T any](v Value) (x T, err error) {
	switch p := any(&x).(type) {
	case *Value:
		*p = v
	case *any:
		*p = v.Any()
	case *int64:
		*p, err = want(v.Int())
	case *int:
		var i int64
		i, err = want(v.Int())
		*p = int(i)
	case *int32:
		var i int64
		if i, err = want(v.Int()); err == nil && (i < math.MinInt32 || i > math.MaxInt32) {
			err = fmt.Errorf("%w: %d overflows int32", ErrKind, i)
		}
		*p = int32(i)
	case *uint64:
		var i int64
		if i, err = want(v.Int()); err == nil && i < 0 {
			err = fmt.Errorf("%w: %d is negative", ErrKind, i)
		}
		*p = uint64(i)
	case *bool:
		*p, err = want(v.Bool())
	case *float64:
		*p, err = want(v.Float())
	case *float32:
		var f float64
		f, err = want(v.Float())
		*p = float32(f)
	case *string:
		*p, err = want(v.Text())
	case *[]byte:
		var s string
		if s, err = want(v.Text()); err == nil {
			*p = []byte(s)
		}
	case *uintptr:
		*p, err = want(v.Handle())
	default:
		err = fmt.Errorf("%w: unsupported host type %T", ErrKind, x)
	}
	if err != nil && errors.Is(err, errKindOf) {
		err = fmt.Errorf("%w: %s is not %T", ErrKind, v.kind, x)
	}
	return
}

var errKindOf = errors.New("kind")

func want[T any](x T, ok bool) (T, error) {
	if !ok {
		return x, errKindOf
	}
	return x, nil
}
