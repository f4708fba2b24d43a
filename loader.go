package objload

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/ZenLiuCN/objload/arena"
	"github.com/ZenLiuCN/objload/elfobj"
	"github.com/ebitengine/purego"
)

const (
	stubSize = 16
	gotSize  = 8
	maxAlign = 4096

	gotSymbol = "_GLOBAL_OFFSET_TABLE_"
)

type (
	// Unit is one loaded object. It is immutable once linked and lives as long as
	// its session.
	Unit struct {
		ID       int
		Name     string
		Hash     uint64
		LoadedAt time.Time
		Exports  []string // names defined by the unit, bound or not
		Code     Span
		ROData   Span
		Data     Span

		init []uintptr
		fini []uintptr
	}
	// Span is an address range inside the session arena.
	Span struct {
		Addr uintptr
		Size int
	}
	// UnitInfo is a snapshot of a Unit.
	UnitInfo struct {
		ID           int
		Name         string
		Hash         uint64
		LoadedAt     time.Time
		Exports      []string
		Code         Span
		ROData       Span
		Data         Span
		Initializers int
		Finalizers   int
	}
)

func (u *Unit) info() UnitInfo {
	return UnitInfo{
		ID:           u.ID,
		Name:         u.Name,
		Hash:         u.Hash,
		LoadedAt:     u.LoadedAt,
		Exports:      slices.Clone(u.Exports),
		Code:         u.Code,
		ROData:       u.ROData,
		Data:         u.Data,
		Initializers: len(u.init),
		Finalizers:   len(u.fini),
	}
}

func (s Span) Contains(addr uintptr) bool {
	return addr >= s.Addr && addr < s.Addr+uintptr(s.Size)
}

type (
	group struct {
		perm arena.Perm
		size int
		id   arena.RegionID
		addr uintptr
		view []byte
		used bool
	}
	placement struct {
		g   *group
		off int
	}
	// linker carries the state of one load.
	linker struct {
		s    *Session
		unit *Unit
		obj  *elfobj.File

		code, ro, data group

		sections []placement
		commons  map[int]placement

		addrs  []uintptr
		placed []bool

		got      map[int]int // symbol index -> offset in ro
		gotBase  int
		stubs    map[int]int // symbol index -> offset in code
		stubBase int
		stubNext int
	}
)

func newLinker(s *Session, unit *Unit, obj *elfobj.File) *linker {
	return &linker{
		s:        s,
		unit:     unit,
		obj:      obj,
		code:     group{perm: arena.Read | arena.Exec},
		ro:       group{perm: arena.Read},
		data:     group{perm: arena.Read | arena.Write},
		sections: make([]placement, len(obj.Sections)),
		commons:  make(map[int]placement),
		addrs:    make([]uintptr, len(obj.Symbols)),
		placed:   make([]bool, len(obj.Symbols)),
		got:      make(map[int]int),
		stubs:    make(map[int]int),
	}
}

func (g *group) reserve(size, align int) int {
	off := roundUp(g.size, align)
	g.size = off + size
	g.used = true
	return off
}

func roundUp(n, align int) int {
	if align <= 1 {
		return n
	}
	return (n + align - 1) &^ (align - 1)
}

func (l *linker) parseError(format string, args ...any) error {
	return &ParseError{Unit: l.unit.Name, Err: fmt.Errorf(format, args...)}
}

// layout assigns every loaded section, common symbol, GOT slot and branch stub an
// offset inside one of the three regions of the unit.
func (l *linker) layout() error {
	for _, sec := range l.obj.Sections {
		var g *group
		switch sec.Kind {
		case elfobj.KindOther:
			continue
		case elfobj.KindTLS:
			return l.parseError("section %s: thread-local storage is not supported", sec.Name)
		case elfobj.KindText:
			g = &l.code
		case elfobj.KindROData:
			g = &l.ro
		default:
			g = &l.data
		}
		if sec.Align > maxAlign {
			return l.parseError("section %s: alignment %d exceeds %d", sec.Name, sec.Align, maxAlign)
		}
		l.sections[sec.Index] = placement{g: g, off: g.reserve(int(sec.Size), int(sec.Align))}
	}
	for i := range l.obj.Symbols {
		sym := &l.obj.Symbols[i]
		if !sym.Common() {
			continue
		}
		align := int(sym.Value)
		if align > maxAlign || align&(align-1) != 0 {
			return l.parseError("common symbol %s: alignment %d", sym.Name, align)
		}
		l.commons[i] = placement{g: &l.data, off: l.data.reserve(int(sym.Size), align)}
	}
	if err := l.homeless(); err != nil {
		return err
	}
	for _, sec := range l.obj.Sections {
		if !sec.Loaded() {
			continue
		}
		for _, r := range sec.Relocs {
			switch {
			case l.isGOT(r.Type):
				if _, ok := l.got[r.Symbol]; !ok {
					l.got[r.Symbol] = len(l.got)
				}
			case l.isBranch(r.Type) && !l.local(r.Symbol):
				if _, ok := l.stubs[r.Symbol]; !ok {
					l.stubs[r.Symbol] = -1
				}
			}
		}
	}
	if len(l.got) > 0 {
		l.gotBase = l.ro.reserve(len(l.got)*gotSize, gotSize)
	}
	if len(l.stubs) > 0 {
		l.stubBase = l.code.reserve(len(l.stubs)*stubSize, stubSize)
		l.stubNext = l.stubBase
	}
	return nil
}

// local reports whether a symbol is defined inside this unit.
func (l *linker) local(idx int) bool {
	sym := &l.obj.Symbols[idx]
	return sym.Defined() && !sym.Absolute()
}

func (l *linker) allocate() error {
	for _, g := range []*group{&l.code, &l.ro, &l.data} {
		if !g.used || g.size == 0 {
			continue
		}
		id, err := l.s.arena.Allocate(g.size, g.perm)
		if err != nil {
			return &AllocationError{Unit: l.unit.Name, Err: err}
		}
		if g.addr, err = l.s.arena.Addr(id); err != nil {
			return &AllocationError{Unit: l.unit.Name, Err: err}
		}
		if g.view, err = l.s.arena.Bytes(id); err != nil {
			return &AllocationError{Unit: l.unit.Name, Err: err}
		}
		g.id = id
	}
	for _, sec := range l.obj.Sections {
		p := l.sections[sec.Index]
		if p.g == nil || sec.Data == nil {
			continue
		}
		copy(p.g.view[p.off:], sec.Data)
	}
	l.unit.Code = Span{Addr: l.code.addr, Size: l.code.size}
	l.unit.ROData = Span{Addr: l.ro.addr, Size: l.ro.size}
	l.unit.Data = Span{Addr: l.data.addr, Size: l.data.size}
	return nil
}

func (l *linker) sectionAddr(i int) uintptr {
	p := l.sections[i]
	return p.g.addr + uintptr(p.off)
}

func (l *linker) sectionView(sec *elfobj.Section) []byte {
	p := l.sections[sec.Index]
	return p.g.view[p.off : p.off+int(sec.Size)]
}

// definitions computes the address of every symbol defined by the unit. It needs
// the regions to be allocated.
func (l *linker) definitions() {
	l.placed[0] = true
	for i := 1; i < len(l.obj.Symbols); i++ {
		sym := &l.obj.Symbols[i]
		switch {
		case sym.Common():
			p := l.commons[i]
			l.addrs[i], l.placed[i] = p.g.addr+uintptr(p.off), true
		case sym.Absolute():
			l.addrs[i], l.placed[i] = uintptr(sym.Value), true
		case sym.Name == gotSymbol && !sym.Defined():
			l.addrs[i] = l.ro.addr + uintptr(l.gotBase)
		case sym.Defined():
			if int(sym.Section) < len(l.sections) && l.sections[sym.Section].g != nil {
				l.addrs[i], l.placed[i] = l.sectionAddr(int(sym.Section))+uintptr(sym.Value), true
			}
		}
	}
}

// homeless rejects exported definitions that would not live in arena memory:
// absolute symbols and symbols of sections that are never loaded.
func (l *linker) homeless() error {
	for i := 1; i < len(l.obj.Symbols); i++ {
		sym := &l.obj.Symbols[i]
		switch {
		case !sym.Exported() || sym.Common():
		case sym.Absolute():
			return l.parseError("symbol %s: absolute address %#x is outside the session", sym.Name, sym.Value)
		case int(sym.Section) >= len(l.sections) || l.sections[sym.Section].g == nil:
			return l.parseError("symbol %s: section %d is not loaded", sym.Name, sym.Section)
		}
	}
	return nil
}

// imports resolves undefined symbols: the session table first, then the host.
// Undefined weak symbols resolve to zero. It returns the names nobody provides.
func (l *linker) imports() (missing []string) {
	for i := 1; i < len(l.obj.Symbols); i++ {
		sym := &l.obj.Symbols[i]
		if sym.Defined() || sym.Name == "" {
			continue
		}
		if sym.Name == gotSymbol {
			l.placed[i] = true
			continue
		}
		if addr, ok := l.s.lookupImport(sym.Name); ok {
			l.addrs[i], l.placed[i] = addr, true
			continue
		}
		if sym.Weak() {
			l.placed[i] = true
			continue
		}
		missing = append(missing, sym.Name)
	}
	slices.Sort(missing)
	return slices.Compact(missing)
}

func (l *linker) relocate() error {
	for _, sec := range l.obj.Sections {
		if !sec.Loaded() || len(sec.Relocs) == 0 {
			continue
		}
		if sec.Kind == elfobj.KindBSS {
			return l.parseError("section %s: relocations against NOBITS", sec.Name)
		}
		view := l.sectionView(sec)
		base := l.sectionAddr(sec.Index)
		for _, r := range sec.Relocs {
			if !l.placed[r.Symbol] {
				return l.parseError("relocation in %s against %s: symbol is not loaded", sec.Name, l.obj.Symbols[r.Symbol].Name)
			}
			if err := l.apply(sec, view, base, r); err != nil {
				return err
			}
		}
	}
	return nil
}

// gotSlot returns the address of the GOT entry of symbol idx, filling it on first use.
func (l *linker) gotSlot(idx int) uintptr {
	off := l.gotBase + l.got[idx]*gotSize
	binary.LittleEndian.PutUint64(l.ro.view[off:], uint64(l.addrs[idx]))
	return l.ro.addr + uintptr(off)
}

// stub returns the address of a branch stub jumping to symbol idx.
func (l *linker) stub(idx int) (uintptr, bool) {
	off, ok := l.stubs[idx]
	if !ok {
		return 0, false
	}
	if off < 0 {
		off = l.stubNext
		l.stubNext += stubSize
		l.stubs[idx] = off
		l.writeStub(l.code.view[off:off+stubSize], l.addrs[idx])
	}
	return l.code.addr + uintptr(off), true
}

// arrays reads the function pointers of .init_array and .fini_array after relocation.
func (l *linker) arrays() {
	var inits, finis []*elfobj.Section
	for _, sec := range l.obj.Sections {
		if l.sections[sec.Index].g == nil {
			continue
		}
		switch sec.Type {
		case elf.SHT_INIT_ARRAY:
			inits = append(inits, sec)
		case elf.SHT_FINI_ARRAY:
			finis = append(finis, sec)
		}
	}
	read := func(secs []*elfobj.Section) (fns []uintptr) {
		slices.SortStableFunc(secs, func(a, b *elfobj.Section) int { return priority(a.Name) - priority(b.Name) })
		for _, sec := range secs {
			view := l.sectionView(sec)
			for off := 0; off+8 <= len(view); off += 8 {
				if p := uintptr(binary.LittleEndian.Uint64(view[off:])); p != 0 {
					fns = append(fns, p)
				}
			}
		}
		return
	}
	l.unit.init = read(inits)
	l.unit.fini = read(finis)
}

// priority of .init_array.NNNNN style section names; unnumbered sections run last.
func priority(name string) int {
	if i := strings.LastIndexByte(name, '.'); i > 0 {
		if n, err := strconv.Atoi(name[i+1:]); err == nil {
			return n
		}
	}
	return 1 << 16
}

func (l *linker) finalize() error {
	for _, g := range []*group{&l.code, &l.ro, &l.data} {
		if !g.used || g.size == 0 {
			continue
		}
		if err := l.s.arena.Finalize(g.id); err != nil {
			return &AllocationError{Unit: l.unit.Name, Err: err}
		}
		g.view = nil
	}
	return nil
}

// exports lists the definitions the unit offers to the session.
func (l *linker) exports() (defs []Symbol) {
	for i := 1; i < len(l.obj.Symbols); i++ {
		sym := &l.obj.Symbols[i]
		if sym.Exported() {
			defs = append(defs, symbolOf(sym, l.addrs[i], l.unit.ID))
		}
	}
	return
}

// declared lists definitions before any address is known, for policy checks.
func declared(obj *elfobj.File) (defs []Symbol) {
	for _, sym := range obj.Exports() {
		defs = append(defs, symbolOf(sym, 0, 0))
	}
	return
}

func runAll(fns []uintptr) {
	for _, f := range fns {
		purego.SyscallN(f)
	}
}
