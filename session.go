package objload

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ZenLiuCN/objload/arena"
	"github.com/ZenLiuCN/objload/elfobj"
	"github.com/ZenLiuCN/objload/ffi"
	"github.com/cespare/xxhash/v2"
	"github.com/ebitengine/purego"
	"github.com/rs/zerolog"
)

var sessionIDs atomic.Uint64

type (
	// Session is one namespace of loaded units sharing an arena and a symbol table.
	//
	// Loads are serialized and exclude every other operation; lookups and invocations
	// run concurrently. A Session must be closed to release its memory; one that
	// becomes unreachable without Close is released by the garbage collector.
	Session struct {
		id      uint64
		cfg     Config
		log     zerolog.Logger
		metrics *Metrics
		invoker ffi.Invoker

		mu      sync.RWMutex
		arena   *arena.Arena
		table   *SymbolTable
		units   []*Unit
		host    *hostResolver
		gen     atomic.Uint64
		closed  bool
		cleanup runtime.Cleanup
	}
	owned struct {
		arena *arena.Arena
		host  *hostResolver
	}
)

// NewSession creates a session with DefaultConfig.
func NewSession() (*Session, error) {
	return New(DefaultConfig())
}

// New creates a session.
func New(cfg Config) (s *Session, err error) {
	cfg.withDefaults()
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	id := sessionIDs.Add(1)
	s = &Session{
		id:    id,
		cfg:   cfg,
		log:   cfg.logger().With().Uint64("session", id).Logger(),
		table: newSymbolTable(),
	}
	if s.arena, err = arena.New(cfg.ArenaSize); err != nil {
		return nil, &AllocationError{Unit: "<session>", Err: err}
	}
	if s.host, err = newHostResolver(cfg.HostLibraries); err != nil {
		_ = s.arena.Close()
		return nil, err
	}
	s.metrics = NewMetrics(cfg.Registerer, id)
	s.cleanup = runtime.AddCleanup(s, func(o owned) {
		_ = o.arena.Close()
		_ = o.host.close()
	}, owned{arena: s.arena, host: s.host})
	s.log.Debug().Int("arena", s.arena.Size()).Stringer("policy", cfg.Policy).Msg("session created")
	return s, nil
}

func (s *Session) ID() uint64 { return s.id }

func (s *Session) Config() Config { return s.cfg }

// Generation counts successful loads. Function handles rebind when it moves.
func (s *Session) Generation() uint64 { return s.gen.Load() }

// LoadFile loads the object at path, using the path as unit name.
func (s *Session) LoadFile(path string) (*Unit, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return s.Load(path, data)
}

// Load parses, links and registers one relocatable object. A failed load leaves
// the session exactly as it was.
func (s *Session) Load(name string, data []byte) (u *Unit, err error) {
	start := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	defer func() {
		s.metrics.Loads.WithLabelValues(resultLabel(err)).Inc()
		if err != nil {
			s.log.Warn().Err(err).Str("unit", name).Msg("load failed")
		}
	}()
	hash := xxhash.Sum64(data)
	if s.cfg.SkipIdentical {
		for _, x := range s.units {
			if x.Name == name && x.Hash == hash {
				s.log.Debug().Str("unit", name).Int("id", x.ID).Msg("identical unit already loaded")
				return x, nil
			}
		}
	}
	obj, err := elfobj.Parse(data)
	if err != nil {
		return nil, &ParseError{Unit: name, Err: err}
	}
	if m, ok := elfobj.HostMachine(); !ok || obj.Machine != m {
		return nil, &ParseError{Unit: name, Err: fmt.Errorf("machine %s does not match host %s", obj.Machine, m)}
	}
	if u, err = s.link(name, hash, obj); err != nil {
		return nil, err
	}
	elapsed := time.Since(start)
	s.metrics.LoadSeconds.Observe(elapsed.Seconds())
	s.metrics.Symbols.Set(float64(s.table.Len()))
	s.metrics.Units.Set(float64(len(s.units)))
	s.metrics.ArenaBytes.Set(float64(s.arena.Used()))
	s.log.Info().
		Str("unit", name).
		Int("id", u.ID).
		Str("hash", fmt.Sprintf("%016x", hash)).
		Int("exports", len(u.Exports)).
		Dur("took", elapsed).
		Msg("unit loaded")
	return u, nil
}

func (s *Session) link(name string, hash uint64, obj *elfobj.File) (u *Unit, err error) {
	if s.cfg.Policy == PolicyReject {
		if dup := s.table.conflicts(declared(obj)); len(dup) > 0 {
			return nil, &DuplicateDefinitionError{Unit: name, Symbols: dup}
		}
	}
	u = &Unit{ID: len(s.units) + 1, Name: name, Hash: hash}
	l := newLinker(s, u, obj)
	if err = l.layout(); err != nil {
		return nil, err
	}
	if missing := l.imports(); len(missing) > 0 {
		return nil, &UnresolvedSymbolError{Unit: name, Symbols: missing}
	}
	mark := s.arena.Mark()
	defer func() {
		if err == nil {
			return
		}
		if rerr := s.arena.Rollback(mark); rerr != nil {
			s.log.Error().Err(rerr).Str("unit", name).Msg("rollback failed")
		}
	}()
	if err = l.allocate(); err != nil {
		return nil, err
	}
	l.definitions()
	if err = l.relocate(); err != nil {
		return nil, err
	}
	l.arrays()
	if err = l.finalize(); err != nil {
		return nil, err
	}
	if s.cfg.RunInitializers && len(u.init) > 0 {
		s.log.Debug().Str("unit", name).Int("count", len(u.init)).Msg("run initializers")
		runAll(u.init)
	}
	u.LoadedAt = time.Now()
	s.register(u, l.exports())
	return u, nil
}

func (s *Session) register(u *Unit, defs []Symbol) {
	for _, d := range defs {
		u.Exports = append(u.Exports, d.Name)
		old, replaced, bound := s.table.define(d)
		switch {
		case !bound:
			s.log.Debug().Str("symbol", d.Name).Int("unit", u.ID).Int("kept", old.Unit).Msg("weak definition ignored")
		case replaced:
			s.log.Debug().Str("symbol", d.Name).Int("unit", u.ID).Int("replaced", old.Unit).Msg("definition overridden")
		}
	}
	s.units = append(s.units, u)
	s.gen.Add(1)
}

func (s *Session) lookupImport(name string) (uintptr, bool) {
	if e, ok := s.table.Lookup(name); ok {
		return e.Addr, true
	}
	return s.host.lookup(name)
}

// MissingSymbols reports the imports of an object that nothing in the session or
// the host could satisfy right now. It does not load anything.
func (s *Session) MissingSymbols(data []byte) ([]string, error) {
	obj, err := elfobj.Parse(data)
	if err != nil {
		return nil, &ParseError{Unit: "<missing>", Err: err}
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	return newLinker(s, &Unit{}, obj).imports(), nil
}

// Extern binds name to a host address for imports of later loads.
func (s *Session) Extern(name string, addr uintptr) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	s.host.externs[name] = addr
	return nil
}

// Resolve returns the address bound to the raw symbol name.
func (s *Session) Resolve(name string) (uintptr, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, ErrSessionClosed
	}
	if e, ok := s.table.Lookup(name); ok {
		if err := s.owns(e); err != nil {
			return 0, err
		}
		return e.Addr, nil
	}
	return 0, &NotFoundError{Name: name}
}

// owns fails for an entry whose address is not in a finalized region of the arena.
func (s *Session) owns(e Symbol) error {
	if !s.arena.Owns(e.Addr) {
		return &InvalidInvocationError{Addr: e.Addr, Reason: fmt.Sprintf("symbol %s is outside the session", e.Name)}
	}
	return nil
}

func (s *Session) Lookup(name string) (Symbol, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return Symbol{}, false
	}
	return s.table.Lookup(name)
}

// Symbols lists the bound names.
func (s *Session) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	return s.table.Names()
}

func (s *Session) DefineCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.table.Len()
}

func (s *Session) UnitCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.units)
}

// Units returns the loaded units in load order.
func (s *Session) Units() []UnitInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UnitInfo, len(s.units))
	for i, u := range s.units {
		out[i] = u.info()
	}
	return out
}

// ArenaUsed returns the bytes committed to units.
func (s *Session) ArenaUsed() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0
	}
	return s.arena.Used()
}

// Invoke calls addr with the packed convention. addr must be inside a finalized
// executable region of this session.
func (s *Session) Invoke(addr uintptr, hint *ffi.Signature, args ...ffi.Value) (ffi.Value, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.invoke(addr, hint, args)
}

// invoke runs with the read lock held.
func (s *Session) invoke(addr uintptr, hint *ffi.Signature, args []ffi.Value) (v ffi.Value, err error) {
	if s.closed {
		return v, ErrSessionClosed
	}
	if !s.arena.Executable(addr) {
		return v, &InvalidInvocationError{Addr: addr, Reason: "not an executable address of the session"}
	}
	v, err = ffi.Call(addr, hint, args, ffi.Options{
		ScratchSize: s.cfg.ScratchSize,
		MaxScratch:  s.cfg.MaxScratch,
		Invoker:     s.invoker,
	})
	s.metrics.Invocations.WithLabelValues(resultLabel(err)).Inc()
	if err != nil {
		s.log.Debug().Err(err).Str("addr", fmt.Sprintf("%#x", addr)).Msg("invocation failed")
	}
	return
}

// Close runs finalizers in reverse load order and releases the arena. Every handle
// of the session fails with ErrSessionClosed afterwards.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.cfg.RunInitializers {
		for i := len(s.units) - 1; i >= 0; i-- {
			fini := s.units[i].fini
			for j := len(fini) - 1; j >= 0; j-- {
				purego.SyscallN(fini[j])
			}
		}
	}
	s.cleanup.Stop()
	err := errors.Join(s.arena.Close(), s.host.close())
	s.metrics.unregister()
	s.log.Debug().Int("units", len(s.units)).Msg("session closed")
	s.units = nil
	s.table = newSymbolTable()
	return err
}
