//go:build linux

package arena

import (
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

type mapping struct {
	b []byte
}

func (m mapping) bytes() []byte { return m.b }

func (m mapping) addr() uintptr { return uintptr(unsafe.Pointer(&m.b[0])) }

func (m mapping) release() error {
	if err := unix.Munmap(m.b); err != nil {
		return os.NewSyscallError("munmap", err)
	}
	return nil
}

func pageSize() int { return unix.Getpagesize() }

func reserve(size int) (mapping, error) {
	b, err := unix.Mmap(-1, 0, size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_NORESERVE)
	if err != nil {
		return mapping{}, os.NewSyscallError("mmap", err)
	}
	return mapping{b: b}, nil
}

func prot(p Perm) int {
	v := unix.PROT_NONE
	if p&Read != 0 {
		v |= unix.PROT_READ
	}
	if p&Write != 0 {
		v |= unix.PROT_WRITE
	}
	if p&Exec != 0 {
		v |= unix.PROT_EXEC
	}
	return v
}

func protect(b []byte, p Perm) error {
	if err := unix.Mprotect(b, prot(p)); err != nil {
		return os.NewSyscallError("mprotect", err)
	}
	return nil
}

func decommit(b []byte) error {
	if err := unix.Madvise(b, unix.MADV_DONTNEED); err != nil {
		return os.NewSyscallError("madvise", err)
	}
	return protect(b, 0)
}

// Linux synchronizes the instruction cache when mprotect makes user pages executable.
func syncInstructionCache(addr uintptr, size int) {}
