package objload

import (
	"debug/elf"
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/objload/elfobj"
	"github.com/cespare/xxhash/v2"
	"github.com/ianlancetaylor/demangle"
)

type (
	// Report describes an object file without loading it.
	Report struct {
		File        string
		Hash        uint64
		Machine     elf.Machine
		Sections    []SectionInfo
		Exports     []SymbolInfo
		Imports     []SymbolInfo
		Relocations map[string]int // relocation type -> count
	}
	SectionInfo struct {
		Name   string
		Kind   string
		Size   uint64
		Align  uint64
		Relocs int
	}
	SymbolInfo struct {
		Name      string
		Demangled string
		Kind      string
		Binding   string
		Section   string
		Size      uint64
	}
)

// Inspect display symbols inside an object file
func Inspect(file string) (*Report, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, err
	}
	return InspectBytes(file, data)
}

// InspectBytes is Inspect over an in-memory object.
func InspectBytes(name string, data []byte) (r *Report, err error) {
	obj, err := elfobj.Parse(data)
	if err != nil {
		return nil, &ParseError{Unit: name, Err: err}
	}
	r = &Report{
		File:        name,
		Hash:        xxhash.Sum64(data),
		Machine:     obj.Machine,
		Relocations: make(map[string]int),
	}
	for _, sec := range obj.Sections {
		if !sec.Loaded() {
			continue
		}
		r.Sections = append(r.Sections, SectionInfo{
			Name:   sec.Name,
			Kind:   sec.Kind.String(),
			Size:   sec.Size,
			Align:  sec.Align,
			Relocs: len(sec.Relocs),
		})
		for _, rel := range sec.Relocs {
			r.Relocations[obj.RelocName(rel.Type)]++
		}
	}
	for i := 1; i < len(obj.Symbols); i++ {
		sym := &obj.Symbols[i]
		switch {
		case sym.Exported():
			r.Exports = append(r.Exports, symbolInfo(obj, sym))
		case !sym.Defined() && sym.Name != "":
			r.Imports = append(r.Imports, symbolInfo(obj, sym))
		}
	}
	return
}

func symbolInfo(obj *elfobj.File, sym *elfobj.Symbol) SymbolInfo {
	e := symbolOf(sym, 0, 0)
	i := SymbolInfo{
		Name:      sym.Name,
		Demangled: demangled(sym.Name),
		Kind:      e.Kind.String(),
		Binding:   e.Binding.String(),
		Size:      sym.Size,
	}
	switch {
	case !sym.Defined():
		i.Section = "UND"
	case sym.Common():
		i.Section = "COMMON"
	case sym.Absolute():
		i.Section = "ABS"
	case int(sym.Section) < len(obj.Sections):
		i.Section = obj.Sections[sym.Section].Name
	}
	return i
}

func demangled(name string) string {
	return demangle.Filter(name)
}

// Names of the exported symbols, demangled when asked.
func (r *Report) Names(demangled bool) []string {
	out := make([]string, 0, len(r.Exports))
	for _, s := range r.Exports {
		if demangled {
			out = append(out, s.Demangled)
		} else {
			out = append(out, s.Name)
		}
	}
	return out
}

func (r *Report) String() string {
	s := strings.Builder{}
	s.WriteString(fmt.Sprintf("%s (%s, %016x)\n", r.File, r.Machine, r.Hash))
	for _, sec := range r.Sections {
		s.WriteString(fmt.Sprintf("\tsection %-20s %-6s size=%d align=%d relocs=%d\n", sec.Name, sec.Kind, sec.Size, sec.Align, sec.Relocs))
	}
	for _, e := range r.Exports {
		s.WriteString(fmt.Sprintf("\texport  %-6s %-6s %s [%s]\n", e.Binding, e.Kind, e.Demangled, e.Section))
	}
	for _, e := range r.Imports {
		s.WriteString(fmt.Sprintf("\timport  %-6s %s\n", e.Binding, e.Demangled))
	}
	types := fn.MapKeys(r.Relocations)
	slices.Sort(types)
	for _, t := range types {
		s.WriteString(fmt.Sprintf("\treloc   %-28s %d\n", t, r.Relocations[t]))
	}
	return s.String()
}
