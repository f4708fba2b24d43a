//go:build linux && amd64

package objload

import (
	"errors"
	"runtime"
	"testing"

	"github.com/ZenLiuCN/fn"
	"github.com/ZenLiuCN/objload/ffi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFunctionUnboundUntilLoaded(t *testing.T) {
	s := newSession(t)
	add := s.Function("add")
	assert.Equal(t, "__objld_add", add.Name())
	_, err := add.Call(1, 2)
	var nf *NotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "__objld_add", nf.Name)
	assert.True(t, IsRetryable(err))
	assert.False(t, add.Bound())

	load(t, s, unitMath)
	v, err := add.Call(1, 2)
	require.NoError(t, err)
	assert.Equal(t, ffi.Int(3), v)
	assert.True(t, add.Bound())
}

func TestFunctionRebindsOnGeneration(t *testing.T) {
	s := newSession(t)
	load(t, s, unitMath)
	add := s.Function("add")
	first := fn.Panic1(add.Resolve())
	b := add.bound.Load()
	require.NotNil(t, b)
	assert.EqualValues(t, 1, b.gen)

	load(t, s, unitBase)
	assert.Equal(t, first, fn.Panic1(add.Resolve()))
	assert.EqualValues(t, 2, add.bound.Load().gen)
}

func TestFunctionWithoutPrefix(t *testing.T) {
	s := newSession(t, func(c *Config) { c.ExportPrefix = "" })
	load(t, s, unitMath)
	v, err := s.Function("__objld_multiply").Call(6, 7)
	require.NoError(t, err)
	assert.Equal(t, ffi.Int(42), v)
}

func TestFunctionSignature(t *testing.T) {
	s := newSession(t)
	load(t, s, unitMath)
	scale := s.Function("scale", ffi.Signature{Args: []ffi.Kind{ffi.KindFloat, ffi.KindFloat}, Result: ffi.KindFloat})
	v, err := scale.CallValues(ffi.Float(2), ffi.Float(0.25))
	require.NoError(t, err)
	assert.Equal(t, ffi.Float(0.5), v)
	_, err = scale.CallValues(ffi.Int(2), ffi.Float(0.25))
	var ae *ArgumentError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, 0, ae.Index)
}

func TestFunctionOutlivesCollectedSession(t *testing.T) {
	add := func() *Function {
		s, err := New(testConfig())
		require.NoError(t, err)
		load(t, s, unitMath)
		f := s.Function("add")
		_, err = f.Call(1, 2)
		require.NoError(t, err)
		return f
	}()
	var err error
	for i := 0; i < 20; i++ {
		runtime.GC()
		if _, err = add.Call(1, 2); errors.Is(err, ErrSessionClosed) {
			break
		}
	}
	assert.ErrorIs(t, err, ErrSessionClosed)
}
