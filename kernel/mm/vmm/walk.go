package vmm

import (
	"unsafe"

	"vmcore/kernel/mm"
)

// pageTable is the in-memory layout of a page table frame.
type pageTable [entriesPerTable]pageTableEntry

var (
	// frameBytesFn returns the contents of a physical frame. It is used
	// by tests to back page tables with plain Go memory.
	frameBytesFn = mm.FrameBytes
)

// tableAt returns the page table stored in frame.
func tableAt(frame mm.Frame) *pageTable {
	return (*pageTable)(unsafe.Pointer(&frameBytesFn(frame)[0]))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments.  If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the top-most table stored in rootFrame. It calls the suppplied walkFn with
// the page table entry that corresponds to each page table level. If walkFn
// returns false then the walk is aborted. The walker must ensure that each
// non-leaf entry it accepts points to a valid table.
func walk(rootFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level      uint8
		tableFrame = rootFrame
		entryIndex uintptr
		pte        *pageTableEntry
	)

	for level = 0; level < pageLevels; level++ {
		// Extract the bits from virtual address that correspond to the
		// index in this level's page table
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		pte = &tableAt(tableFrame)[entryIndex]

		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}

// pageForIndices reassembles a virtual page from its per-level table indices.
func pageForIndices(indices [pageLevels]uintptr) mm.Page {
	var addr uintptr
	for level, index := range indices {
		addr |= index << pageLevelShifts[level]
	}
	return mm.PageFromAddress(addr)
}
