//go:build !linux

package arena

import "errors"

var errUnsupported = errors.New("executable arenas are only supported on linux")

type mapping struct{}

func (mapping) bytes() []byte           { return nil }
func (mapping) addr() uintptr           { return 0 }
func (mapping) release() error          { return errUnsupported }
func pageSize() int                     { return 4096 }
func reserve(int) (mapping, error)      { return mapping{}, errUnsupported }
func protect([]byte, Perm) error        { return errUnsupported }
func decommit([]byte) error             { return errUnsupported }
func syncInstructionCache(uintptr, int) {}
