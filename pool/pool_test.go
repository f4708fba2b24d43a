//go:build linux && amd64

package pool

import (
	"os"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/objload"
	"github.com/ZenLiuCN/objload/ffi"
	"github.com/davecgh/go-spew/spew"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	fileMath    = "../testdata/math.o"
	filePatch   = "../testdata/patch.o"
	fileMissing = "../testdata/missing.o"
	fileBase    = "../testdata/base.o"
	fileDerived = "../testdata/derived.o"
)

func newPool(t *testing.T) *Pool {
	cfg := objload.DefaultConfig()
	nop := zerolog.Nop()
	cfg.Logger = &nop
	p := NewPool(cfg)
	t.Cleanup(func() { _ = p.CloseAll() })
	return p
}

func TestNewPool(t *testing.T) {
	p := newPool(t)
	fn.Panic(p.LoadFile("calc", fileMath))
	add := fn.Panic1(p.Require("calc", "add"))
	v, err := add.Call(10, 20)
	require.NoError(t, err)
	assert.Equal(t, ffi.Int(30), v)
	assert.Equal(t, []string{"calc"}, p.Names())

	_, err = p.Require("calc", "nothing")
	var nf *objload.NotFoundError
	assert.ErrorAs(t, err, &nf)
	_, err = p.Require("other", "add")
	assert.ErrorIs(t, err, ErrNotLoad)
}

func TestReloadSwapsSession(t *testing.T) {
	p := newPool(t)
	fn.Panic(p.LoadFile("calc", fileMath))
	old := fn.Panic1(p.Require("calc", "add"))

	require.NoError(t, p.Reload("calc", fileMath, filePatch))
	_, err := old.Call(1, 2)
	assert.ErrorIs(t, err, objload.ErrSessionClosed)
	add := fn.Panic1(p.Require("calc", "add"))
	assert.Equal(t, ffi.Int(1003), fn.Panic1(add.Call(1, 2)))
	s, ok := p.Session("calc")
	require.True(t, ok)
	assert.Equal(t, 2, s.UnitCount(), spew.Sdump(s.Units()))
}

func TestReloadFailureKeepsSession(t *testing.T) {
	p := newPool(t)
	fn.Panic(p.LoadFile("calc", fileMath))
	add := fn.Panic1(p.Require("calc", "add"))

	err := p.Reload("calc", fileMath, fileMissing)
	var un *objload.UnresolvedSymbolError
	require.ErrorAs(t, err, &un)
	assert.Equal(t, ffi.Int(3), fn.Panic1(add.Call(1, 2)))
}

func TestReloadReplaysSources(t *testing.T) {
	p := newPool(t)
	fn.Panic(p.LoadFile("chain", fileBase))
	require.NoError(t, p.Load("chain", "derived", fn.Panic1(readFile(fileDerived))))
	counter := fn.Panic1(p.Require("chain", "derived_counter"))
	assert.Equal(t, ffi.Int(6), fn.Panic1(counter.Call()))

	require.NoError(t, p.Reload("chain"))
	counter = fn.Panic1(p.Require("chain", "derived_counter"))
	assert.Equal(t, ffi.Int(6), fn.Panic1(counter.Call()))

	assert.ErrorIs(t, p.Reload("none"), ErrNotLoad)
}

func TestClose(t *testing.T) {
	p := newPool(t)
	fn.Panic(p.LoadFile("calc", fileMath))
	add := fn.Panic1(p.Require("calc", "add"))
	require.NoError(t, p.Close("calc"))
	_, err := add.Call(1, 2)
	assert.ErrorIs(t, err, objload.ErrSessionClosed)
	assert.ErrorIs(t, p.Close("calc"), ErrNotLoad)
	_, ok := p.Session("calc")
	assert.False(t, ok)
}

func readFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func TestFailedFirstLoadLeavesNoSession(t *testing.T) {
	p := newPool(t)
	err := p.LoadFile("orphan", fileMissing)
	var un *objload.UnresolvedSymbolError
	require.ErrorAs(t, err, &un)
	_, ok := p.Session("orphan")
	assert.False(t, ok)
	assert.Empty(t, p.Names())
	assert.ErrorIs(t, p.Reload("orphan"), ErrNotLoad)

	fn.Panic(p.LoadFile("orphan", fileMath))
	require.Error(t, p.LoadFile("orphan", fileMissing))
	s, ok := p.Session("orphan")
	require.True(t, ok)
	assert.Equal(t, 1, s.UnitCount())
	require.NoError(t, p.Reload("orphan"))
}
