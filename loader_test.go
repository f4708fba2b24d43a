package objload

import (
	"debug/elf"
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/ZenLiuCN/objload/elfobj"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLinker(m elf.Machine, addrs ...uintptr) *linker {
	obj := &elfobj.File{Machine: m, Symbols: make([]elfobj.Symbol, len(addrs)+1)}
	for i := range addrs {
		obj.Symbols[i+1] = elfobj.Symbol{Index: i + 1, Name: fmt.Sprintf("sym%d", i+1)}
	}
	l := newLinker(&Session{}, &Unit{Name: "unit.o"}, obj)
	copy(l.addrs[1:], addrs)
	return l
}

func patchAt(l *linker, view []byte, base uintptr, typ uint32, addend int64) error {
	return l.apply(&elfobj.Section{Name: ".text"}, view, base, elfobj.Reloc{Type: typ, Symbol: 1, Addend: addend})
}

func TestPriority(t *testing.T) {
	assert.Equal(t, 100, priority(".init_array.00100"))
	assert.Equal(t, 1<<16, priority(".init_array"))
	assert.Equal(t, 1<<16, priority(".fini_array"))
}

func TestRoundUp(t *testing.T) {
	assert.Equal(t, 0, roundUp(0, 16))
	assert.Equal(t, 16, roundUp(1, 16))
	assert.Equal(t, 7, roundUp(7, 1))
	assert.Equal(t, 4096, roundUp(4096, 4096))
}

func TestStubEncoding(t *testing.T) {
	b := make([]byte, stubSize)
	testLinker(elf.EM_X86_64).writeStub(b, 0x1122334455667788)
	assert.Equal(t, []byte{0xff, 0x25, 0, 0, 0, 0, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11, 0xcc, 0xcc}, b)

	testLinker(elf.EM_AARCH64).writeStub(b, 0x1122334455667788)
	assert.Equal(t, uint32(0x58000050), binary.LittleEndian.Uint32(b))
	assert.Equal(t, uint32(0xd61f0200), binary.LittleEndian.Uint32(b[4:]))
	assert.Equal(t, uint64(0x1122334455667788), binary.LittleEndian.Uint64(b[8:]))
}

func TestApplyAMD64(t *testing.T) {
	l := testLinker(elf.EM_X86_64, 0x2000)
	view := make([]byte, 8)
	require.NoError(t, patchAt(l, view, 0x1000, uint32(elf.R_X86_64_PC32), -4))
	assert.Equal(t, uint32(0x2000-4-0x1000), binary.LittleEndian.Uint32(view))

	require.NoError(t, patchAt(l, view, 0x1000, uint32(elf.R_X86_64_64), 8))
	assert.Equal(t, uint64(0x2008), binary.LittleEndian.Uint64(view))

	far := testLinker(elf.EM_X86_64, 0x7f0000000000)
	var re *RelocationRangeError
	require.ErrorAs(t, patchAt(far, view, 0x1000, uint32(elf.R_X86_64_PC32), -4), &re)
	assert.Equal(t, "sym1", re.Symbol)
	require.ErrorAs(t, patchAt(far, view, 0x1000, uint32(elf.R_X86_64_32), 0), &re)

	var ur *UnsupportedRelocationError
	require.ErrorAs(t, patchAt(l, view, 0x1000, uint32(elf.R_X86_64_TPOFF32), 0), &ur)
	assert.Equal(t, "R_X86_64_TPOFF32", ur.Type)

	short := make([]byte, 2)
	require.ErrorAs(t, patchAt(l, short, 0x1000, uint32(elf.R_X86_64_PC32), 0), &re)
}

func TestApplyAMD64FarBranchUsesStub(t *testing.T) {
	l := testLinker(elf.EM_X86_64, 0x7f0000000000)
	l.code = group{addr: 0x1000, view: make([]byte, 64), used: true, size: 64}
	l.stubs[1] = -1
	l.stubBase, l.stubNext = 32, 32
	view := l.code.view[:8]
	require.NoError(t, patchAt(l, view, 0x1000, uint32(elf.R_X86_64_PLT32), -4))
	assert.Equal(t, uint32(0x1000+32-4-0x1000), binary.LittleEndian.Uint32(view))
	assert.Equal(t, uint64(0x7f0000000000), binary.LittleEndian.Uint64(l.code.view[32+6:]))
}

func TestApplyARM64(t *testing.T) {
	insn := func(l *linker, word uint32, typ elf.R_AARCH64, base uintptr) (uint32, error) {
		view := binary.LittleEndian.AppendUint32(nil, word)
		err := patchAt(l, view, base, uint32(typ), 0)
		return binary.LittleEndian.Uint32(view), err
	}
	l := testLinker(elf.EM_AARCH64, 0x2000)
	w, err := insn(l, 0x94000000, elf.R_AARCH64_CALL26, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x94000400), w)

	l = testLinker(elf.EM_AARCH64, 0x5123)
	w, err = insn(l, 0x90000000, elf.R_AARCH64_ADR_PREL_PG_HI21, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x90000020), w)
	w, err = insn(l, 0x91000000, elf.R_AARCH64_ADD_ABS_LO12_NC, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x91048c00), w)

	l = testLinker(elf.EM_AARCH64, 0x5128)
	w, err = insn(l, 0xf9400000, elf.R_AARCH64_LDST64_ABS_LO12_NC, 0x1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(0xf9409400), w)

	l = testLinker(elf.EM_AARCH64, 0x1000+1<<22)
	var re *RelocationRangeError
	_, err = insn(l, 0x54000000, elf.R_AARCH64_CONDBR19, 0x1000)
	require.ErrorAs(t, err, &re)
}
