package objload

import (
	"debug/elf"
	"slices"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/objload/elfobj"
)

type (
	Binding uint8
	// SymbolKind tells code from data.
	SymbolKind uint8
	// Symbol is one binding of the session namespace.
	Symbol struct {
		Name       string
		Addr       uintptr
		Unit       int // id of the defining unit
		Binding    Binding
		Visibility elf.SymVis
		Kind       SymbolKind
		Size       uint64
	}
	// SymbolTable maps names to their current binding. It is guarded by its Session.
	SymbolTable struct {
		entries map[string]Symbol
	}
)

const (
	BindGlobal Binding = iota
	BindWeak
)

const (
	KindOther SymbolKind = iota
	KindFunc
	KindData
)

func (b Binding) String() string {
	if b == BindWeak {
		return "weak"
	}
	return "global"
}

func (k SymbolKind) String() string {
	switch k {
	case KindFunc:
		return "func"
	case KindData:
		return "data"
	default:
		return "other"
	}
}

func newSymbolTable() *SymbolTable {
	return &SymbolTable{entries: make(map[string]Symbol)}
}

func symbolOf(s *elfobj.Symbol, addr uintptr, unit int) Symbol {
	e := Symbol{
		Name:       s.Name,
		Addr:       addr,
		Unit:       unit,
		Visibility: s.Visibility,
		Size:       s.Size,
	}
	if s.Weak() {
		e.Binding = BindWeak
	}
	switch s.Type {
	case elf.STT_FUNC:
		e.Kind = KindFunc
	case elf.STT_OBJECT, elf.STT_COMMON:
		e.Kind = KindData
	}
	if s.Common() {
		e.Kind = KindData
	}
	return e
}

func (t *SymbolTable) Lookup(name string) (Symbol, bool) {
	s, ok := t.entries[name]
	return s, ok
}

// Names returns the bound names in lexical order.
func (t *SymbolTable) Names() []string {
	names := fn.MapKeys(t.entries)
	slices.Sort(names)
	return names
}

func (t *SymbolTable) Len() int { return len(t.entries) }

// conflicts lists the strong definitions that collide with strong bindings.
func (t *SymbolTable) conflicts(defs []Symbol) (names []string) {
	for _, d := range defs {
		if d.Binding == BindWeak {
			continue
		}
		if old, ok := t.entries[d.Name]; ok && old.Binding == BindGlobal {
			names = append(names, d.Name)
		}
	}
	slices.Sort(names)
	return
}

// define binds s. A weak definition never replaces an existing binding, a strong one
// always does. It reports the replaced binding, if any, and whether s was bound.
func (t *SymbolTable) define(s Symbol) (old Symbol, replaced, bound bool) {
	old, exists := t.entries[s.Name]
	if exists && s.Binding == BindWeak {
		return old, false, false
	}
	t.entries[s.Name] = s
	return old, exists, true
}
