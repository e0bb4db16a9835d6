package addrspace

import (
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
)

// Layout describes the user portion of an address space.
type Layout struct {
	// UserBase and UserTop bound the addresses that regions may cover.
	UserBase uintptr
	UserTop  uintptr

	// MmapBase and MmapSize describe the arena used for dynamically
	// placed regions.
	MmapBase uintptr
	MmapSize uintptr

	// StackTop is the address right above the initial stack.
	StackTop uintptr
}

// DefaultLayout returns the layout used for user processes.
func DefaultLayout() Layout {
	return Layout{
		UserBase: 0x400000,
		UserTop:  vmm.MaxVirtualAddress >> 1,
		MmapBase: 0x7f0000000000,
		MmapSize: uintptr(64 * mm.Gb),
		StackTop: 0x7ffffffff000,
	}
}

// contains returns true if [start, start+length) is inside the user range.
func (l Layout) contains(start, length uintptr) bool {
	return start >= l.UserBase && start+length >= start && start+length <= l.UserTop
}
