package objload

import (
	"sync/atomic"
	"weak"

	"github.com/ZenLiuCN/objload/ffi"
)

type (
	// Function is a lazily bound handle on an exported function of a Session.
	//
	// The handle does not keep the session alive. It binds on first use and rebinds
	// whenever a later load moved the session generation, so callers holding a handle
	// across loads always reach the current definition. Once the session is closed or
	// collected every call fails with ErrSessionClosed.
	Function struct {
		session weak.Pointer[Session]
		name    string
		hint    *ffi.Signature
		bound   atomic.Pointer[binding]
	}
	binding struct {
		addr uintptr
		gen  uint64
	}
)

// Function returns a handle on the export name, prefixed with Config.ExportPrefix.
// The optional hint validates arguments and result of every call.
func (s *Session) Function(name string, hint ...ffi.Signature) *Function {
	f := &Function{session: weak.Make(s), name: s.cfg.ExportPrefix + name}
	if len(hint) > 0 {
		h := hint[0]
		f.hint = &h
	}
	return f
}

// Name is the raw symbol name the handle binds to.
func (f *Function) Name() string { return f.name }

// Bound reports whether the handle holds a binding, current or stale.
func (f *Function) Bound() bool { return f.bound.Load() != nil }

func (f *Function) acquire() (*Session, error) {
	s := f.session.Value()
	if s == nil {
		return nil, ErrSessionClosed
	}
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return nil, ErrSessionClosed
	}
	return s, nil
}

// bind runs with the session read lock held.
func (f *Function) bind(s *Session) (uintptr, error) {
	gen := s.gen.Load()
	if b := f.bound.Load(); b != nil && b.gen == gen {
		return b.addr, nil
	}
	e, ok := s.table.Lookup(f.name)
	if !ok {
		f.bound.Store(nil)
		return 0, &NotFoundError{Name: f.name}
	}
	if err := s.owns(e); err != nil {
		f.bound.Store(nil)
		return 0, err
	}
	f.bound.Store(&binding{addr: e.Addr, gen: gen})
	s.log.Trace().Str("symbol", f.name).Uint64("generation", gen).Int("unit", e.Unit).Msg("bind")
	return e.Addr, nil
}

// Resolve binds the handle and returns the current address.
func (f *Function) Resolve() (uintptr, error) {
	s, err := f.acquire()
	if err != nil {
		return 0, err
	}
	defer s.mu.RUnlock()
	return f.bind(s)
}

// CallValues invokes the function with marshalled arguments.
func (f *Function) CallValues(args ...ffi.Value) (ffi.Value, error) {
	s, err := f.acquire()
	if err != nil {
		return ffi.Value{}, err
	}
	defer s.mu.RUnlock()
	addr, err := f.bind(s)
	if err != nil {
		return ffi.Value{}, err
	}
	return s.invoke(addr, f.hint, args)
}

// Call converts host values with ffi.FromAny and invokes the function.
func (f *Function) Call(args ...any) (ffi.Value, error) {
	vs, err := ffi.Values(args...)
	if err != nil {
		return ffi.Value{}, err
	}
	return f.CallValues(vs...)
}

// Use wraps a handle into a typed Go function.
func Use[R any](f *Function) func(args ...any) (R, error) {
	return func(args ...any) (r R, err error) {
		var v ffi.Value
		if v, err = f.Call(args...); err != nil {
			return
		}
		return ffi.As[R](v)
	}
}

// As converts a call result into a host type.
func As[T any](v ffi.Value) (T, error) {
	return ffi.As[T](v)
}
