package objload

import (
	"debug/elf"
	"encoding/binary"
	"math"

	"github.com/ZenLiuCN/objload/elfobj"
)

// relocation site: P is the patched address, S the symbol address, A the addend.
type site struct {
	sec  *elfobj.Section
	view []byte
	r    elfobj.Reloc
	P    uint64
	S    uint64
	A    int64
}

func (l *linker) isGOT(t uint32) bool {
	switch l.obj.Machine {
	case elf.EM_X86_64:
		switch elf.R_X86_64(t) {
		case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
			return true
		}
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(t) {
		case elf.R_AARCH64_ADR_GOT_PAGE, elf.R_AARCH64_LD64_GOT_LO12_NC:
			return true
		}
	}
	return false
}

func (l *linker) isBranch(t uint32) bool {
	switch l.obj.Machine {
	case elf.EM_X86_64:
		return elf.R_X86_64(t) == elf.R_X86_64_PLT32
	case elf.EM_AARCH64:
		switch elf.R_AARCH64(t) {
		case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
			return true
		}
	}
	return false
}

func (l *linker) writeStub(b []byte, target uintptr) {
	switch l.obj.Machine {
	case elf.EM_X86_64:
		// jmp *0(%rip); .quad target
		copy(b, []byte{0xff, 0x25, 0, 0, 0, 0})
		binary.LittleEndian.PutUint64(b[6:], uint64(target))
		b[14], b[15] = 0xcc, 0xcc
	case elf.EM_AARCH64:
		// ldr x16, #8; br x16; .quad target
		binary.LittleEndian.PutUint32(b[0:], 0x58000050)
		binary.LittleEndian.PutUint32(b[4:], 0xd61f0200)
		binary.LittleEndian.PutUint64(b[8:], uint64(target))
	}
}

func (l *linker) apply(sec *elfobj.Section, view []byte, base uintptr, r elfobj.Reloc) error {
	x := &site{
		sec:  sec,
		view: view,
		r:    r,
		P:    uint64(base) + r.Offset,
		S:    uint64(l.addrs[r.Symbol]),
		A:    r.Addend,
	}
	switch l.obj.Machine {
	case elf.EM_X86_64:
		return l.applyAMD64(x)
	case elf.EM_AARCH64:
		return l.applyARM64(x)
	default:
		return l.unsupported(x)
	}
}

func (l *linker) unsupported(x *site) error {
	return &UnsupportedRelocationError{
		Unit:    l.unit.Name,
		Section: x.sec.Name,
		Type:    l.obj.RelocName(x.r.Type),
		Offset:  x.r.Offset,
	}
}

func (l *linker) outOfRange(x *site, v int64) error {
	return &RelocationRangeError{
		Unit:   l.unit.Name,
		Symbol: l.obj.Symbols[x.r.Symbol].Name,
		Type:   l.obj.RelocName(x.r.Type),
		Value:  v,
	}
}

// field returns the bytes patched at the site, or nil when they leave the section.
func (x *site) field(n int) []byte {
	if x.r.Offset+uint64(n) > uint64(len(x.view)) {
		return nil
	}
	return x.view[x.r.Offset : x.r.Offset+uint64(n)]
}

func (l *linker) put64(x *site, v uint64) error {
	b := x.field(8)
	if b == nil {
		return l.outOfRange(x, int64(x.r.Offset))
	}
	binary.LittleEndian.PutUint64(b, v)
	return nil
}

func (l *linker) put32(x *site, v int64, signed bool) error {
	b := x.field(4)
	if b == nil {
		return l.outOfRange(x, int64(x.r.Offset))
	}
	if signed && (v < math.MinInt32 || v > math.MaxInt32) {
		return l.outOfRange(x, v)
	}
	if !signed && (v < 0 || v > math.MaxUint32) {
		return l.outOfRange(x, v)
	}
	binary.LittleEndian.PutUint32(b, uint32(v))
	return nil
}

func fitsInt32(v int64) bool { return v >= math.MinInt32 && v <= math.MaxInt32 }

func (l *linker) applyAMD64(x *site) error {
	switch elf.R_X86_64(x.r.Type) {
	case elf.R_X86_64_NONE:
		return nil
	case elf.R_X86_64_64:
		return l.put64(x, x.S+uint64(x.A))
	case elf.R_X86_64_PC64:
		return l.put64(x, x.S+uint64(x.A)-x.P)
	case elf.R_X86_64_PC32:
		return l.put32(x, int64(x.S+uint64(x.A)-x.P), true)
	case elf.R_X86_64_PLT32:
		v := int64(x.S + uint64(x.A) - x.P)
		if !fitsInt32(v) {
			if stub, ok := l.stub(x.r.Symbol); ok {
				v = int64(uint64(stub) + uint64(x.A) - x.P)
			}
		}
		return l.put32(x, v, true)
	case elf.R_X86_64_32:
		return l.put32(x, int64(x.S+uint64(x.A)), false)
	case elf.R_X86_64_32S:
		return l.put32(x, int64(x.S+uint64(x.A)), true)
	case elf.R_X86_64_GOTPCREL, elf.R_X86_64_GOTPCRELX, elf.R_X86_64_REX_GOTPCRELX:
		g := uint64(l.gotSlot(x.r.Symbol))
		return l.put32(x, int64(g+uint64(x.A)-x.P), true)
	default:
		return l.unsupported(x)
	}
}

func page(v uint64) uint64 { return v &^ 0xfff }

func signExtend(v int64, bits uint) bool {
	lim := int64(1) << (bits - 1)
	return v >= -lim && v < lim
}

// patch replaces the bits selected by mask in the instruction at the site.
func (l *linker) patch(x *site, mask, bits uint32) error {
	b := x.field(4)
	if b == nil {
		return l.outOfRange(x, int64(x.r.Offset))
	}
	insn := binary.LittleEndian.Uint32(b)
	binary.LittleEndian.PutUint32(b, insn&^mask|bits&mask)
	return nil
}

func (l *linker) adrp(x *site, target uint64, check bool) error {
	v := int64(page(target) - page(x.P))
	if check && !signExtend(v, 33) {
		return l.outOfRange(x, v)
	}
	imm := uint32(v >> 12)
	return l.patch(x, 0x60ffffe0, (imm&3)<<29|((imm>>2)&0x7ffff)<<5)
}

func (l *linker) lo12(x *site, v uint64, shift uint) error {
	return l.patch(x, 0x3ffc00, uint32((v&0xfff)>>shift)<<10)
}

func (l *linker) applyARM64(x *site) error {
	sa := x.S + uint64(x.A)
	switch elf.R_AARCH64(x.r.Type) {
	case elf.R_AARCH64_NONE:
		return nil
	case elf.R_AARCH64_ABS64:
		return l.put64(x, sa)
	case elf.R_AARCH64_ABS32:
		v := int64(sa)
		if v < math.MinInt32 || v > math.MaxUint32 {
			return l.outOfRange(x, v)
		}
		return l.put32(x, int64(uint32(v)), false)
	case elf.R_AARCH64_PREL64:
		return l.put64(x, sa-x.P)
	case elf.R_AARCH64_PREL32:
		return l.put32(x, int64(sa-x.P), true)
	case elf.R_AARCH64_CALL26, elf.R_AARCH64_JUMP26:
		v := int64(sa - x.P)
		if !signExtend(v, 28) {
			if stub, ok := l.stub(x.r.Symbol); ok {
				v = int64(uint64(stub) + uint64(x.A) - x.P)
			}
		}
		if !signExtend(v, 28) || v&3 != 0 {
			return l.outOfRange(x, v)
		}
		return l.patch(x, 0x3ffffff, uint32(v>>2))
	case elf.R_AARCH64_CONDBR19:
		v := int64(sa - x.P)
		if !signExtend(v, 21) || v&3 != 0 {
			return l.outOfRange(x, v)
		}
		return l.patch(x, 0x7ffff<<5, uint32(v>>2)<<5)
	case elf.R_AARCH64_TSTBR14:
		v := int64(sa - x.P)
		if !signExtend(v, 16) || v&3 != 0 {
			return l.outOfRange(x, v)
		}
		return l.patch(x, 0x3fff<<5, uint32(v>>2)<<5)
	case elf.R_AARCH64_ADR_PREL_PG_HI21:
		return l.adrp(x, sa, true)
	case elf.R_AARCH64_ADR_PREL_PG_HI21_NC:
		return l.adrp(x, sa, false)
	case elf.R_AARCH64_ADD_ABS_LO12_NC, elf.R_AARCH64_LDST8_ABS_LO12_NC:
		return l.lo12(x, sa, 0)
	case elf.R_AARCH64_LDST16_ABS_LO12_NC:
		return l.lo12(x, sa, 1)
	case elf.R_AARCH64_LDST32_ABS_LO12_NC:
		return l.lo12(x, sa, 2)
	case elf.R_AARCH64_LDST64_ABS_LO12_NC:
		return l.lo12(x, sa, 3)
	case elf.R_AARCH64_LDST128_ABS_LO12_NC:
		return l.lo12(x, sa, 4)
	case elf.R_AARCH64_ADR_GOT_PAGE:
		return l.adrp(x, uint64(l.gotSlot(x.r.Symbol)), true)
	case elf.R_AARCH64_LD64_GOT_LO12_NC:
		return l.lo12(x, uint64(l.gotSlot(x.r.Symbol)), 3)
	default:
		return l.unsupported(x)
	}
}
