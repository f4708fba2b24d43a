package objload

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ZenLiuCN/objload/ffi"
)

var (
	// ErrSessionClosed occurs when a closed or collected session is used.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidConfig occurs when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid config")
)

type (
	// ParseError occurs when a unit is not a loadable relocatable object for this host.
	ParseError struct {
		Unit string
		Err  error
	}
	// UnresolvedSymbolError lists every import no provider could satisfy.
	UnresolvedSymbolError struct {
		Unit    string
		Symbols []string
	}
	// DuplicateDefinitionError occurs under PolicyReject when a unit redefines names.
	DuplicateDefinitionError struct {
		Unit    string
		Symbols []string
	}
	// AllocationError occurs when the arena can not hold a unit.
	AllocationError struct {
		Unit string
		Err  error
	}
	// NotFoundError occurs when a name has no binding in the session.
	NotFoundError struct {
		Name string
	}
	// InvalidInvocationError occurs when an address is not a callable entry of the session.
	InvalidInvocationError struct {
		Addr   uintptr
		Reason string
	}
	UnsupportedRelocationError struct {
		Unit    string
		Section string
		Type    string
		Offset  uint64
	}
	RelocationRangeError struct {
		Unit   string
		Symbol string
		Type   string
		Value  int64
	}
	// ArgumentError reports arguments rejected by the host or by the callee.
	ArgumentError = ffi.ArgumentError
	// NativeFaultError reports a callee status outside the calling convention.
	NativeFaultError = ffi.NativeFaultError
)

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.Unit, e.Err)
}
func (e *ParseError) Unwrap() error { return e.Err }

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("load %s: unresolved symbols: %s", e.Unit, strings.Join(e.Symbols, ", "))
}

func (e *DuplicateDefinitionError) Error() string {
	return fmt.Sprintf("load %s: duplicate definitions: %s", e.Unit, strings.Join(e.Symbols, ", "))
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("load %s: allocate: %v", e.Unit, e.Err)
}
func (e *AllocationError) Unwrap() error { return e.Err }

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("symbol %q not found", e.Name)
}

func (e *InvalidInvocationError) Error() string {
	return fmt.Sprintf("invalid invocation of %#x: %s", e.Addr, e.Reason)
}

func (e *UnsupportedRelocationError) Error() string {
	return fmt.Sprintf("load %s: unsupported relocation %s at %s+%#x", e.Unit, e.Type, e.Section, e.Offset)
}

func (e *RelocationRangeError) Error() string {
	return fmt.Sprintf("load %s: relocation %s against %s out of range (%#x)", e.Unit, e.Type, e.Symbol, e.Value)
}

// IsRetryable reports whether err may go away once more units are loaded.
func IsRetryable(err error) bool {
	var nf *NotFoundError
	var un *UnresolvedSymbolError
	return errors.As(err, &nf) || errors.As(err, &un)
}
