// Package elfobj reads ELF64 relocatable object files into the shape the loader needs:
// sections with their contents, a symbol table indexed exactly like the file's, and
// the RELA entries grouped by the section they patch.
package elfobj

import (
	"bytes"
	"debug/elf"
	"encoding/binary"
	"fmt"
	"os"
	"runtime"

	"github.com/pkg/errors"
)

var (
	ErrNotELF64       = errors.New("not an ELF64 object")
	ErrNotRelocatable = errors.New("not a relocatable object")
	ErrRelTable       = errors.New("SHT_REL relocation tables are not supported")
	ErrOutOfRange     = errors.New("index out of range")
)

// SectionKind groups sections by how they are laid out in memory.
type SectionKind uint8

const (
	KindOther SectionKind = iota // not loaded
	KindText
	KindROData
	KindData
	KindBSS
	KindTLS
)

func (k SectionKind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindROData:
		return "rodata"
	case KindData:
		return "data"
	case KindBSS:
		return "bss"
	case KindTLS:
		return "tls"
	default:
		return "other"
	}
}

// Section is one section header with its contents.
type Section struct {
	Index  int
	Name   string
	Type   elf.SectionType
	Flags  elf.SectionFlag
	Kind   SectionKind
	Size   uint64
	Align  uint64
	Data   []byte // nil for SHT_NOBITS and sections that are not loaded
	Relocs []Reloc
}

// Loaded reports whether the section occupies memory at run time.
func (s *Section) Loaded() bool { return s.Kind != KindOther }

// Symbol is one entry of the object's symbol table.
type Symbol struct {
	Index      int
	Name       string
	Value      uint64
	Size       uint64
	Section    elf.SectionIndex
	Bind       elf.SymBind
	Type       elf.SymType
	Visibility elf.SymVis
}

func (s *Symbol) Defined() bool { return s.Section != elf.SHN_UNDEF }

func (s *Symbol) Common() bool { return s.Section == elf.SHN_COMMON }

func (s *Symbol) Absolute() bool { return s.Section == elf.SHN_ABS }

func (s *Symbol) Local() bool { return s.Bind == elf.STB_LOCAL }

func (s *Symbol) Weak() bool { return s.Bind == elf.STB_WEAK }

// Exported reports whether the symbol is a definition other units may bind to.
func (s *Symbol) Exported() bool {
	if s.Bind != elf.STB_GLOBAL && s.Bind != elf.STB_WEAK {
		return false
	}
	if !s.Defined() || s.Name == "" {
		return false
	}
	return s.Type != elf.STT_SECTION && s.Type != elf.STT_FILE
}

// Reloc is one RELA entry. Symbol indexes File.Symbols.
type Reloc struct {
	Offset uint64
	Type   uint32
	Symbol int
	Addend int64
}

// File is a parsed relocatable object.
type File struct {
	Machine   elf.Machine
	ByteOrder binary.ByteOrder
	Sections  []*Section
	Symbols   []Symbol // Symbols[0] is the null symbol
}

// Open reads and parses the object at path.
func Open(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes an ELF64 ET_REL image.
func Parse(data []byte) (*File, error) {
	ef, err := elf.NewFile(bytes.NewReader(data))
	if err != nil {
		return nil, errors.Wrap(err, "read elf header")
	}
	defer ef.Close()
	if ef.Class != elf.ELFCLASS64 {
		return nil, errors.Wrapf(ErrNotELF64, "class %s", ef.Class)
	}
	if ef.Type != elf.ET_REL {
		return nil, errors.Wrapf(ErrNotRelocatable, "type %s", ef.Type)
	}
	f := &File{Machine: ef.Machine, ByteOrder: ef.ByteOrder}
	if err = f.readSections(ef); err != nil {
		return nil, err
	}
	if err = f.readSymbols(ef); err != nil {
		return nil, err
	}
	if err = f.readRelocs(ef); err != nil {
		return nil, err
	}
	return f, nil
}

func classify(s *elf.Section) SectionKind {
	switch {
	case s.Flags&elf.SHF_ALLOC == 0:
		return KindOther
	case s.Flags&elf.SHF_TLS != 0:
		return KindTLS
	case s.Type == elf.SHT_NOBITS:
		return KindBSS
	case s.Flags&elf.SHF_EXECINSTR != 0:
		return KindText
	case s.Flags&elf.SHF_WRITE != 0:
		return KindData
	default:
		return KindROData
	}
}

func (f *File) readSections(ef *elf.File) error {
	f.Sections = make([]*Section, len(ef.Sections))
	for i, s := range ef.Sections {
		sec := &Section{
			Index: i,
			Name:  s.Name,
			Type:  s.Type,
			Flags: s.Flags,
			Kind:  classify(s),
			Size:  s.Size,
			Align: s.Addralign,
		}
		if sec.Align == 0 {
			sec.Align = 1
		}
		if sec.Align&(sec.Align-1) != 0 {
			return errors.Errorf("section %s: alignment %d is not a power of two", s.Name, sec.Align)
		}
		if sec.Loaded() && s.Type != elf.SHT_NOBITS {
			data, err := s.Data()
			if err != nil {
				return errors.Wrapf(err, "section %s", s.Name)
			}
			if uint64(len(data)) != s.Size {
				return errors.Errorf("section %s: short contents (%d of %d bytes)", s.Name, len(data), s.Size)
			}
			sec.Data = data
		}
		f.Sections[i] = sec
	}
	return nil
}

func (f *File) readSymbols(ef *elf.File) error {
	syms, err := ef.Symbols()
	if err != nil && !errors.Is(err, elf.ErrNoSymbols) {
		return errors.Wrap(err, "symbol table")
	}
	f.Symbols = make([]Symbol, 0, len(syms)+1)
	f.Symbols = append(f.Symbols, Symbol{})
	for i, s := range syms {
		sym := Symbol{
			Index:      i + 1,
			Name:       s.Name,
			Value:      s.Value,
			Size:       s.Size,
			Section:    s.Section,
			Bind:       elf.ST_BIND(s.Info),
			Type:       elf.ST_TYPE(s.Info),
			Visibility: elf.ST_VISIBILITY(s.Other),
		}
		if sym.Section < elf.SHN_LORESERVE && int(sym.Section) >= len(f.Sections) {
			return errors.Wrapf(ErrOutOfRange, "symbol %q: section %d", s.Name, sym.Section)
		}
		if sym.Type == elf.STT_SECTION && sym.Name == "" && sym.Section < elf.SHN_LORESERVE {
			sym.Name = f.Sections[sym.Section].Name
		}
		f.Symbols = append(f.Symbols, sym)
	}
	return nil
}

func (f *File) readRelocs(ef *elf.File) error {
	for _, s := range ef.Sections {
		if s.Type != elf.SHT_RELA && s.Type != elf.SHT_REL {
			continue
		}
		if int(s.Info) >= len(f.Sections) {
			return errors.Wrapf(ErrOutOfRange, "relocation section %s: target %d", s.Name, s.Info)
		}
		target := f.Sections[s.Info]
		if !target.Loaded() {
			continue
		}
		if s.Type == elf.SHT_REL {
			return errors.Wrapf(ErrRelTable, "section %s", s.Name)
		}
		data, err := s.Data()
		if err != nil {
			return errors.Wrapf(err, "relocation section %s", s.Name)
		}
		const entSize = 24
		if len(data)%entSize != 0 {
			return errors.Errorf("relocation section %s: size %d is not a multiple of %d", s.Name, len(data), entSize)
		}
		relocs := make([]Reloc, 0, len(data)/entSize)
		for off := 0; off < len(data); off += entSize {
			var rela elf.Rela64
			rela.Off = f.ByteOrder.Uint64(data[off:])
			rela.Info = f.ByteOrder.Uint64(data[off+8:])
			rela.Addend = int64(f.ByteOrder.Uint64(data[off+16:]))
			r := Reloc{
				Offset: rela.Off,
				Type:   elf.R_TYPE64(rela.Info),
				Symbol: int(elf.R_SYM64(rela.Info)),
				Addend: rela.Addend,
			}
			if r.Symbol >= len(f.Symbols) {
				return errors.Wrapf(ErrOutOfRange, "relocation in %s: symbol %d", s.Name, r.Symbol)
			}
			if r.Offset >= target.Size {
				return errors.Wrapf(ErrOutOfRange, "relocation in %s: offset %#x past %s", s.Name, r.Offset, target.Name)
			}
			relocs = append(relocs, r)
		}
		target.Relocs = append(target.Relocs, relocs...)
	}
	return nil
}

// Undefined lists the names of symbols the object imports.
func (f *File) Undefined() []string {
	var names []string
	for i := 1; i < len(f.Symbols); i++ {
		s := &f.Symbols[i]
		if !s.Defined() && s.Name != "" {
			names = append(names, s.Name)
		}
	}
	return names
}

// Exports lists the definitions other units may bind to.
func (f *File) Exports() []*Symbol {
	var out []*Symbol
	for i := 1; i < len(f.Symbols); i++ {
		if f.Symbols[i].Exported() {
			out = append(out, &f.Symbols[i])
		}
	}
	return out
}

// RelocName renders a relocation type of the object's machine.
func (f *File) RelocName(t uint32) string {
	return RelocName(f.Machine, t)
}

// RelocName renders a relocation type of machine m.
func RelocName(m elf.Machine, t uint32) string {
	switch m {
	case elf.EM_X86_64:
		return elf.R_X86_64(t).String()
	case elf.EM_AARCH64:
		return elf.R_AARCH64(t).String()
	default:
		return fmt.Sprintf("%s:%d", m, t)
	}
}

// HostMachine is the ELF machine of the running process.
func HostMachine() (elf.Machine, bool) {
	switch runtime.GOARCH {
	case "amd64":
		return elf.EM_X86_64, true
	case "arm64":
		return elf.EM_AARCH64, true
	default:
		return elf.EM_NONE, false
	}
}
