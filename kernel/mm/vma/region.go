// Package vma provides the bookkeeping structures of an address space: the
// ordered tree of mapped regions and the map of unused virtual address ranges
// that dynamically placed regions are carved from.
package vma

import (
	"fmt"
	"io"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var (
	// ErrOutOfAddressSpace is returned when no free range is large enough
	// for a dynamic placement.
	ErrOutOfAddressSpace = &kernel.Error{Module: "vma", Message: "out of virtual address space"}

	// ErrAddressInUse is returned when a range overlaps an existing region.
	ErrAddressInUse = &kernel.Error{Module: "vma", Message: "address range already in use"}

	// ErrInvalidRange is returned for ranges that are not page aligned,
	// wrap around or fall outside the managed area.
	ErrInvalidRange = &kernel.Error{Module: "vma", Message: "invalid address range"}

	// ErrZeroLength is returned for empty ranges.
	ErrZeroLength = &kernel.Error{Module: "vma", Message: "zero length range"}

	// ErrNotGrowable is returned when growing a region that cannot grow.
	ErrNotGrowable = &kernel.Error{Module: "vma", Message: "region cannot grow"}

	// ErrNoSuchRegion is returned when no region starts at an address.
	ErrNoSuchRegion = &kernel.Error{Module: "vma", Message: "no region at address"}
)

// Prot describes the access permissions of a region.
type Prot uint8

const (
	ProtRead Prot = 1 << iota
	ProtWrite
	ProtExec

	// ProtNone regions reserve address space but cannot be accessed.
	ProtNone Prot = 0
)

// String implements fmt.Stringer.
func (p Prot) String() string {
	b := []byte("---")
	if p&ProtRead != 0 {
		b[0] = 'r'
	}
	if p&ProtWrite != 0 {
		b[1] = 'w'
	}
	if p&ProtExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// ShareMode defines whether a region's frames are private to its address
// space or shared with every address space that maps the same object.
type ShareMode uint8

const (
	Private ShareMode = iota
	Shared
)

// String implements fmt.Stringer.
func (s ShareMode) String() string {
	if s == Shared {
		return "shared"
	}
	return "private"
}

// Kind describes what a region is used for.
type Kind uint8

const (
	Anonymous Kind = iota
	Stack
	Heap
	FileBacked
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case Stack:
		return "stack"
	case Heap:
		return "heap"
	case FileBacked:
		return "file"
	default:
		return "anon"
	}
}

// Growth is the direction in which a region grows.
type Growth uint8

const (
	GrowNone Growth = iota
	GrowUp
	GrowDown
)

// Region describes a page-aligned range of virtual addresses with uniform
// attributes. Regions are owned by a single Tree.
type Region struct {
	Start  uintptr
	Length uintptr

	Prot   Prot
	Share  ShareMode
	Kind   Kind
	Growth Growth

	// Placed is set when the region range was obtained from a FreeMap and
	// must be returned to it when the region is removed.
	Placed bool

	// Object holds the frames of a Shared region.
	Object *SharedObject

	// File and FileOffset describe the initial contents of a FileBacked
	// region.
	File       io.ReaderAt
	FileOffset int64
}

// End returns the first address after the region.
func (r *Region) End() uintptr {
	return r.Start + r.Length
}

// Pages returns the number of pages covered by the region.
func (r *Region) Pages() uintptr {
	return r.Length >> mm.PageShift
}

// StartPage returns the first page of the region.
func (r *Region) StartPage() mm.Page {
	return mm.PageFromAddress(r.Start)
}

// EndPage returns the first page after the region.
func (r *Region) EndPage() mm.Page {
	return mm.PageFromAddress(r.End())
}

// Contains returns true if addr lies in [Start, End).
func (r *Region) Contains(addr uintptr) bool {
	return addr >= r.Start && addr < r.End()
}

// Overlaps returns true if the region intersects [start, end).
func (r *Region) Overlaps(start, end uintptr) bool {
	return start < r.End() && r.Start < end
}

// Writable returns true if the region allows writes.
func (r *Region) Writable() bool {
	return r.Prot&ProtWrite != 0
}

// String implements fmt.Stringer.
func (r *Region) String() string {
	return fmt.Sprintf("[0x%x - 0x%x) %s %s %s", r.Start, r.End(), r.Prot, r.Share, r.Kind)
}

// validateRange checks that [start, start+length) is a non-empty page
// aligned range that does not wrap around.
func validateRange(start, length uintptr) *kernel.Error {
	switch {
	case length == 0:
		return ErrZeroLength
	case !mm.PageAligned(start) || !mm.PageAligned(length):
		return ErrInvalidRange
	case start+length < start:
		return ErrInvalidRange
	}
	return nil
}
