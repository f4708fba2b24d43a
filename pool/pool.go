// Package pool keeps named sessions and swaps them atomically on reload.
package pool

import (
	"errors"
	"os"
	"sync"

	"github.com/ZenLiuCN/fn"
	. "github.com/ZenLiuCN/objload"
)

type (
	// Pool of named sessions sharing one configuration.
	Pool struct {
		Config   Config
		Sessions map[string]*Session
		Loaded   map[string][]Source // units of each session in load order
		sync.RWMutex
	}
	// Source of a unit, replayed by Reload. Path is empty for in-memory units.
	Source struct {
		Name string
		Path string
		Data []byte
	}
)

var (
	ErrNotLoad   = errors.New("session not loaded")
	ErrNoSources = errors.New("nothing to reload")
)

// NewPool create new pool
func NewPool(cfg Config) *Pool {
	return &Pool{
		Config:   cfg,
		Sessions: make(map[string]*Session),
		Loaded:   make(map[string][]Source),
	}
}

// obtain returns the named session, creating it on first use. Callers hold the lock.
func (p *Pool) obtain(session string) (s *Session, created bool, err error) {
	if s = p.Sessions[session]; s != nil {
		return
	}
	if s, err = New(p.Config); err != nil {
		return
	}
	p.Sessions[session] = s
	return s, true, nil
}

// LoadFile load an object file into the named session.
func (p *Pool) LoadFile(session, file string) (err error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return
	}
	return p.load(session, Source{Name: file, Path: file, Data: data})
}

// Load an in-memory object into the named session.
func (p *Pool) Load(session, name string, data []byte) error {
	return p.load(session, Source{Name: name, Data: data})
}

func (p *Pool) load(session string, src Source) (err error) {
	p.Lock()
	defer p.Unlock()
	s, created, err := p.obtain(session)
	if err != nil {
		return
	}
	if _, err = s.Load(src.Name, src.Data); err != nil {
		if created {
			delete(p.Sessions, session)
			err = errors.Join(err, s.Close())
		}
		return
	}
	p.Loaded[session] = append(p.Loaded[session], src)
	return
}

// Reload builds a fresh session from files, or from the recorded sources when no
// file is given, and swaps it in only when every unit loaded. The replaced session
// is closed, so handles obtained from it fail with ErrSessionClosed.
func (p *Pool) Reload(session string, files ...string) (err error) {
	p.Lock()
	defer p.Unlock()
	var sources []Source
	if len(files) == 0 {
		if sources, err = p.refresh(session); err != nil {
			return
		}
	} else {
		for _, f := range files {
			var data []byte
			if data, err = os.ReadFile(f); err != nil {
				return
			}
			sources = append(sources, Source{Name: f, Path: f, Data: data})
		}
	}
	var fresh *Session
	if fresh, err = New(p.Config); err != nil {
		return
	}
	for _, src := range sources {
		if _, err = fresh.Load(src.Name, src.Data); err != nil {
			return errors.Join(err, fresh.Close())
		}
	}
	old := p.Sessions[session]
	p.Sessions[session] = fresh
	p.Loaded[session] = sources
	if old != nil {
		err = old.Close()
	}
	return
}

// refresh re-reads file backed sources of a session.
func (p *Pool) refresh(session string) (sources []Source, err error) {
	recorded, ok := p.Loaded[session]
	if !ok {
		return nil, ErrNotLoad
	}
	if len(recorded) == 0 {
		return nil, ErrNoSources
	}
	for _, src := range recorded {
		if src.Path != "" {
			if src.Data, err = os.ReadFile(src.Path); err != nil {
				return
			}
		}
		sources = append(sources, src)
	}
	return
}

// Require fetch a function handle from the named session
func (p *Pool) Require(session, name string) (*Function, error) {
	p.RLock()
	defer p.RUnlock()
	s, ok := p.Sessions[session]
	if !ok {
		return nil, ErrNotLoad
	}
	f := s.Function(name)
	if _, err := f.Resolve(); err != nil {
		return nil, err
	}
	return f, nil
}

// Session returns the current session registered under name.
func (p *Pool) Session(name string) (*Session, bool) {
	p.RLock()
	defer p.RUnlock()
	s, ok := p.Sessions[name]
	return s, ok
}

// Names of the registered sessions.
func (p *Pool) Names() []string {
	p.RLock()
	defer p.RUnlock()
	return fn.MapKeys(p.Sessions)
}

// Close and forget the named session.
func (p *Pool) Close(session string) error {
	p.Lock()
	defer p.Unlock()
	s, ok := p.Sessions[session]
	if !ok {
		return ErrNotLoad
	}
	delete(p.Sessions, session)
	delete(p.Loaded, session)
	return s.Close()
}

// CloseAll closes every session.
func (p *Pool) CloseAll() (err error) {
	p.Lock()
	defer p.Unlock()
	for name, s := range p.Sessions {
		err = errors.Join(err, s.Close())
		delete(p.Sessions, name)
		delete(p.Loaded, name)
	}
	return
}
