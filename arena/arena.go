// Package arena owns the executable memory of a session.
//
// An Arena reserves one contiguous range of address space up front and hands out
// page aligned regions from it. Every region follows the same life cycle:
//
//	Allocate -> (patch through Bytes) -> Finalize
//
// A region is read/write until it is finalized; Finalize applies its final
// protection, which never combines write and execute. Regions are never freed one by
// one: the whole reservation is released by Close.
package arena

import (
	"errors"
	"fmt"
	"sync"
)

// Perm is the final protection of a region.
type Perm uint8

const (
	Read Perm = 1 << iota
	Write
	Exec
)

func (p Perm) String() string {
	b := []byte("---")
	if p&Read != 0 {
		b[0] = 'r'
	}
	if p&Write != 0 {
		b[1] = 'w'
	}
	if p&Exec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// State of a region.
type State uint8

const (
	Writable State = iota
	Finalized
)

func (s State) String() string {
	switch s {
	case Writable:
		return "writable"
	case Finalized:
		return "finalized"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// RegionID identifies a region inside one Arena.
type RegionID int

// Mark records the allocation state of an Arena, see Rollback.
type Mark struct {
	regions int
	used    int
}

var (
	ErrExhausted     = errors.New("arena address space exhausted")
	ErrClosed        = errors.New("arena closed")
	ErrFinalized     = errors.New("region already finalized")
	ErrInvalidRegion = errors.New("invalid region")
	ErrPermission    = errors.New("write and execute requested together")
)

// ExhaustedError reports an allocation that does not fit in the reservation.
type ExhaustedError struct {
	Requested int
	Available int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("arena: request of %d bytes exceeds the %d bytes left", e.Requested, e.Available)
}

func (e *ExhaustedError) Unwrap() error { return ErrExhausted }

type region struct {
	off   int
	size  int
	perm  Perm
	state State
}

// Arena is a reserved range of address space carved into regions.
type Arena struct {
	mu       sync.Mutex
	mem      []byte
	base     uintptr
	used     int
	page     int
	regions  []region
	closed   bool
	reserved mapping
}

// New reserves size bytes (rounded up to whole pages) of inaccessible address space.
func New(size int) (*Arena, error) {
	if size <= 0 {
		return nil, fmt.Errorf("arena: invalid size %d", size)
	}
	page := pageSize()
	size = roundUp(size, page)
	m, err := reserve(size)
	if err != nil {
		return nil, fmt.Errorf("arena: reserve %d bytes: %w", size, err)
	}
	return &Arena{
		mem:      m.bytes(),
		base:     m.addr(),
		page:     page,
		reserved: m,
	}, nil
}

// Allocate commits a new read/write region of at least size bytes whose protection
// becomes perm once finalized.
func (a *Arena) Allocate(size int, perm Perm) (RegionID, error) {
	if perm&Write != 0 && perm&Exec != 0 {
		return -1, ErrPermission
	}
	if size <= 0 {
		size = 1
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return -1, ErrClosed
	}
	size = roundUp(size, a.page)
	if a.used+size > len(a.mem) {
		return -1, &ExhaustedError{Requested: size, Available: len(a.mem) - a.used}
	}
	b := a.mem[a.used : a.used+size]
	if err := protect(b, Read|Write); err != nil {
		return -1, fmt.Errorf("arena: commit region: %w", err)
	}
	a.regions = append(a.regions, region{off: a.used, size: size, perm: perm, state: Writable})
	a.used += size
	return RegionID(len(a.regions) - 1), nil
}

func (a *Arena) region(id RegionID) (*region, error) {
	if a.closed {
		return nil, ErrClosed
	}
	if id < 0 || int(id) >= len(a.regions) {
		return nil, ErrInvalidRegion
	}
	return &a.regions[id], nil
}

// Bytes returns the writable view of a region that has not been finalized yet.
func (a *Arena) Bytes(id RegionID) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.region(id)
	if err != nil {
		return nil, err
	}
	if r.state != Writable {
		return nil, ErrFinalized
	}
	return a.mem[r.off : r.off+r.size : r.off+r.size], nil
}

// Addr returns the start address of a region.
func (a *Arena) Addr(id RegionID) (uintptr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.region(id)
	if err != nil {
		return 0, err
	}
	return a.base + uintptr(r.off), nil
}

// Finalize applies the final protection of a region.
func (a *Arena) Finalize(id RegionID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.region(id)
	if err != nil {
		return err
	}
	if r.state == Finalized {
		return ErrFinalized
	}
	if err = protect(a.mem[r.off:r.off+r.size], r.perm); err != nil {
		return fmt.Errorf("arena: finalize region %d (%s): %w", id, r.perm, err)
	}
	if r.perm&Exec != 0 {
		syncInstructionCache(a.base+uintptr(r.off), r.size)
	}
	r.state = Finalized
	return nil
}

// Mark captures the current allocation state.
func (a *Arena) Mark() Mark {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Mark{regions: len(a.regions), used: a.used}
}

// Rollback decommits and forgets every region allocated after m.
func (a *Arena) Rollback(m Mark) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrClosed
	}
	if m.regions > len(a.regions) || m.used > a.used {
		return ErrInvalidRegion
	}
	if a.used > m.used {
		if err := decommit(a.mem[m.used:a.used]); err != nil {
			return fmt.Errorf("arena: rollback: %w", err)
		}
	}
	a.regions = a.regions[:m.regions]
	a.used = m.used
	return nil
}

func (a *Arena) find(addr uintptr) *region {
	if a.closed || addr < a.base || addr >= a.base+uintptr(a.used) {
		return nil
	}
	off := int(addr - a.base)
	for i := range a.regions {
		r := &a.regions[i]
		if off >= r.off && off < r.off+r.size {
			return r
		}
	}
	return nil
}

// Owns reports whether addr lies in a finalized region of this arena.
func (a *Arena) Owns(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.find(addr)
	return r != nil && r.state == Finalized
}

// Executable reports whether addr lies in a finalized executable region.
func (a *Arena) Executable(addr uintptr) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	r := a.find(addr)
	return r != nil && r.state == Finalized && r.perm&Exec != 0
}

// Base is the first address of the reservation.
func (a *Arena) Base() uintptr { return a.base }

// Size is the size of the reservation.
func (a *Arena) Size() int { return len(a.mem) }

// Used returns the number of committed bytes.
func (a *Arena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Regions returns the number of live regions.
func (a *Arena) Regions() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.regions)
}

// Close releases the reservation. Addresses handed out before are invalid afterwards.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.regions = nil
	a.mem = nil
	return a.reserved.release()
}

func roundUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}
