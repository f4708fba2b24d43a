package main

import (
	"testing"

	"github.com/ZenLiuCN/objload/ffi"
	"github.com/stretchr/testify/assert"
)

func TestParseArgs(t *testing.T) {
	got := parseArgs([]string{"1", "0x10", "-2.5", "true", "null", "hello", "1e3"})
	assert.Equal(t, []ffi.Value{
		ffi.Int(1), ffi.Int(16), ffi.Float(-2.5), ffi.Bool(true), ffi.Null(), ffi.Text("hello"), ffi.Float(1000),
	}, got)
}

func TestInspectCommand(t *testing.T) {
	assert.NoError(t, app().Run([]string{"objld", "inspect", "../testdata/math.o"}))
	assert.NoError(t, app().Run([]string{"objld", "inspect", "--demangle", "../testdata/math.o"}))
	assert.Error(t, app().Run([]string{"objld", "inspect"}))
	assert.Error(t, app().Run([]string{"objld", "inspect", "bin.go"}))
}
