package objload

import (
	"debug/elf"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect(t *testing.T) {
	r, err := Inspect(filepath.Join("testdata", "derived.o"))
	require.NoError(t, err)
	assert.Equal(t, elf.EM_X86_64, r.Machine)
	assert.ElementsMatch(t, []string{"__objld_derived", "__objld_derived_counter"}, r.Names(false))
	var imports []string
	for _, s := range r.Imports {
		imports = append(imports, s.Name)
		assert.Equal(t, "UND", s.Section)
	}
	assert.Contains(t, imports, "base_value")
	assert.Equal(t, 1, r.Relocations["R_X86_64_PLT32"])
	assert.Equal(t, 1, r.Relocations["R_X86_64_REX_GOTPCRELX"])
	assert.Contains(t, r.String(), "R_X86_64_REX_GOTPCRELX")
}

func TestInspectWeak(t *testing.T) {
	r, err := Inspect(filepath.Join("testdata", "ctor.o"))
	require.NoError(t, err)
	for _, e := range r.Exports {
		if e.Name == "tunable" {
			assert.Equal(t, "weak", e.Binding)
			assert.Equal(t, "func", e.Kind)
			assert.Equal(t, ".text", e.Section)
		}
	}
	var kinds []string
	for _, s := range r.Sections {
		kinds = append(kinds, s.Name+":"+s.Kind)
	}
	assert.Contains(t, kinds, ".init_array:data")
}

func TestInspectDemangles(t *testing.T) {
	assert.Equal(t, "ns::f(int)", demangled("_ZN2ns1fEi"))
	assert.Equal(t, "__objld_add", demangled("__objld_add"))
	r := &Report{Exports: []SymbolInfo{{Name: "_ZN2ns1fEi", Demangled: "ns::f(int)"}}}
	assert.Equal(t, []string{"ns::f(int)"}, r.Names(true))
	assert.Equal(t, []string{"_ZN2ns1fEi"}, r.Names(false))
}

func TestInspectRejectsGarbage(t *testing.T) {
	_, err := InspectBytes("junk", []byte("junk"))
	var pe *ParseError
	assert.ErrorAs(t, err, &pe)
}
