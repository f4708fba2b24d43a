package objload

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ZenLiuCN/fn"
	"github.com/ebitengine/purego"
)

type (
	library struct {
		path   string
		handle uintptr
	}
	// hostResolver provides the symbols of the host process to loaded units:
	// explicit externs, then shared libraries, then the process wide globals.
	hostResolver struct {
		externs map[string]uintptr
		libs    []library
	}
)

var ErrAlreadyExists = errors.New("host library already in use")

var globals struct {
	sync.RWMutex
	externs map[string]uintptr
	libs    []library
}

func openLibrary(path string) (library, error) {
	h, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
	if err != nil {
		return library{}, fmt.Errorf("open host library %s: %w", path, err)
	}
	return library{path: path, handle: h}, nil
}

func (l library) lookup(name string) (uintptr, bool) {
	addr, err := purego.Dlsym(l.handle, name)
	if err != nil || addr == 0 {
		return 0, false
	}
	return addr, true
}

func newHostResolver(paths []string) (h *hostResolver, err error) {
	h = &hostResolver{externs: make(map[string]uintptr)}
	for _, p := range paths {
		var lib library
		if lib, err = openLibrary(p); err != nil {
			_ = h.close()
			return nil, err
		}
		h.libs = append(h.libs, lib)
	}
	return h, nil
}

func (h *hostResolver) lookup(name string) (uintptr, bool) {
	if addr, ok := h.externs[name]; ok {
		return addr, true
	}
	for _, lib := range h.libs {
		if addr, ok := lib.lookup(name); ok {
			return addr, true
		}
	}
	globals.RLock()
	defer globals.RUnlock()
	if addr, ok := globals.externs[name]; ok {
		return addr, true
	}
	for _, lib := range globals.libs {
		if addr, ok := lib.lookup(name); ok {
			return addr, true
		}
	}
	return 0, false
}

func (h *hostResolver) close() (err error) {
	for _, lib := range h.libs {
		err = errors.Join(err, purego.Dlclose(lib.handle))
	}
	h.libs = nil
	return
}

// UseGlobalSo makes the symbols of a shared library available to every session.
func UseGlobalSo(path string) error {
	globals.Lock()
	defer globals.Unlock()
	for _, lib := range globals.libs {
		if lib.path == path {
			return ErrAlreadyExists
		}
	}
	lib, err := openLibrary(path)
	if err != nil {
		return err
	}
	globals.libs = append(globals.libs, lib)
	return nil
}

// UseGlobalSymbol binds name to a host address for every session.
func UseGlobalSymbol(name string, addr uintptr) {
	globals.Lock()
	defer globals.Unlock()
	if globals.externs == nil {
		globals.externs = make(map[string]uintptr)
	}
	globals.externs[name] = addr
}

// GlobalSymbols lists the names bound by UseGlobalSymbol.
func GlobalSymbols() []string {
	globals.RLock()
	defer globals.RUnlock()
	return fn.MapKeys(globals.externs)
}

// CloseGlobals drops every global symbol and closes the global libraries. Units
// already linked against them must not run afterwards.
func CloseGlobals() (err error) {
	globals.Lock()
	defer globals.Unlock()
	for _, lib := range globals.libs {
		err = errors.Join(err, purego.Dlclose(lib.handle))
	}
	globals.libs = nil
	clear(globals.externs)
	return
}
