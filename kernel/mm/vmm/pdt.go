package vmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	// allocTableFn and freeTableFn are used by tests to control the frames
	// that back page tables.
	allocTableFn = mm.AllocFrame
	freeTableFn  = mm.FreeFrame

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errNotPresent        = &kernel.Error{Module: "vmm", Message: "mappings must set FlagPresent"}
	errRWCopyOnWrite     = &kernel.Error{Module: "vmm", Message: "FlagRW and FlagCopyOnWrite are mutually exclusive"}
	errAddressOutOfRange = &kernel.Error{Module: "vmm", Message: "virtual address cannot be translated by the page directory"}
)

// VisitFn is invoked by PageDirectory.Visit for each mapped page. Returning
// false aborts the visit.
type VisitFn func(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) bool

// PageDirectory is the per-address-space translation structure used by the
// memory subsystem. Implementations are not safe for concurrent use; callers
// serialize access with the owning address space lock.
type PageDirectory interface {
	// Map establishes a mapping between a virtual page and a physical
	// frame, replacing any existing mapping for the page.
	Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error

	// Unmap removes the mapping for page and returns the frame and flags
	// it pointed to. The frame itself is not released.
	Unmap(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error)

	// Lookup returns the frame and flags for a mapped page.
	Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error)

	// Protect sets and then clears the supplied flags on a mapped page.
	Protect(page mm.Page, set, clear PageTableEntryFlag) *kernel.Error

	// Clone returns an independent copy of the directory whose leaf
	// entries point to the same frames.
	Clone() (PageDirectory, *kernel.Error)

	// Visit invokes fn, in ascending page order, for every mapped page in
	// the [start, end) range.
	Visit(start, end mm.Page, fn VisitFn)

	// Release frees the frames used by the page tables. Frames referenced
	// by leaf entries are owned by the caller and are not freed.
	Release()
}

// PageDirectoryTable is a PageDirectory implementation that stores a 4-level
// page table hierarchy in physical frames obtained from the frame allocator.
type PageDirectoryTable struct {
	pdtFrame mm.Frame

	// tables counts the frames used by the hierarchy, including the
	// top-most table.
	tables int
}

// NewPageDirectoryTable allocates and clears the top-most table for a new
// page directory.
func NewPageDirectoryTable() (*PageDirectoryTable, *kernel.Error) {
	frame, err := allocTable()
	if err != nil {
		return nil, err
	}

	return &PageDirectoryTable{pdtFrame: frame, tables: 1}, nil
}

// allocTable allocates a frame for a page table and clears its contents.
func allocTable() (mm.Frame, *kernel.Error) {
	frame, err := allocTableFn()
	if err != nil {
		return mm.InvalidFrame, err
	}

	clear(tableAt(frame)[:])
	return frame, nil
}

// Frame returns the frame that holds the top-most page table.
func (pdt *PageDirectoryTable) Frame() mm.Frame {
	return pdt.pdtFrame
}

// Map implements PageDirectory. Calls to Map allocate missing page tables at
// each paging level.
func (pdt *PageDirectoryTable) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if err := validateLeafFlags(flags); err != nil {
		return err
	}
	if page.Address() >= MaxVirtualAddress {
		return errAddressOutOfRange
	}

	var err *kernel.Error

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is to map the
		// frame in place
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			return true
		}

		// Next table does not yet exist; we need to allocate a
		// physical frame for it.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			if newTableFrame, err = allocTable(); err != nil {
				return false
			}
			pdt.tables++

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW | FlagUserAccessible)
		}

		return true
	})

	return err
}

func validateLeafFlags(flags PageTableEntryFlag) *kernel.Error {
	switch {
	case flags&FlagPresent == 0:
		return errNotPresent
	case flags&FlagHugePage != 0:
		return errNoHugePageSupport
	case flags&(FlagRW|FlagCopyOnWrite) == FlagRW|FlagCopyOnWrite:
		return errRWCopyOnWrite
	}
	return nil
}

// pteForPage returns the final page table entry that correspond to a
// particular virtual page. The function performs a page table walk till it
// reaches the final page table entry returning ErrInvalidMapping if the page
// is not present.
func (pdt *PageDirectoryTable) pteForPage(page mm.Page) (*pageTableEntry, *kernel.Error) {
	if page.Address() >= MaxVirtualAddress {
		return nil, ErrInvalidMapping
	}

	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(pdt.pdtFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

// Unmap implements PageDirectory. Page tables that become empty are kept
// around until the directory is released.
func (pdt *PageDirectoryTable) Unmap(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := pdt.pteForPage(page)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	frame, flags := pte.Frame(), pte.Flags()
	*pte = 0
	return frame, flags, nil
}

// Lookup implements PageDirectory.
func (pdt *PageDirectoryTable) Lookup(page mm.Page) (mm.Frame, PageTableEntryFlag, *kernel.Error) {
	pte, err := pdt.pteForPage(page)
	if err != nil {
		return mm.InvalidFrame, 0, err
	}

	return pte.Frame(), pte.Flags(), nil
}

// Protect implements PageDirectory.
func (pdt *PageDirectoryTable) Protect(page mm.Page, setFlags, clearFlags PageTableEntryFlag) *kernel.Error {
	pte, err := pdt.pteForPage(page)
	if err != nil {
		return err
	}

	if err = validateLeafFlags((pte.Flags() | setFlags) &^ clearFlags); err != nil {
		return err
	}

	pte.SetFlags(setFlags)
	pte.ClearFlags(clearFlags)
	return nil
}

// Clone implements PageDirectory. If a table allocation fails, the partially
// built copy is released and the error is returned.
func (pdt *PageDirectoryTable) Clone() (PageDirectory, *kernel.Error) {
	clone, err := NewPageDirectoryTable()
	if err != nil {
		return nil, err
	}

	if err = clone.copyTable(clone.pdtFrame, pdt.pdtFrame, 0); err != nil {
		clone.Release()
		return nil, err
	}

	return clone, nil
}

// copyTable copies the contents of the table in src into the table in dst,
// allocating copies for any tables referenced by non-leaf entries.
func (pdt *PageDirectoryTable) copyTable(dst, src mm.Frame, level uint8) *kernel.Error {
	srcTable, dstTable := tableAt(src), tableAt(dst)

	for index, pte := range srcTable {
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		if level == pageLevels-1 {
			dstTable[index] = pte
			continue
		}

		childFrame, err := allocTable()
		if err != nil {
			return err
		}
		pdt.tables++

		entry := pte
		entry.SetFrame(childFrame)
		dstTable[index] = entry

		if err = pdt.copyTable(childFrame, pte.Frame(), level+1); err != nil {
			return err
		}
	}

	return nil
}

// Visit implements PageDirectory.
func (pdt *PageDirectoryTable) Visit(start, end mm.Page, fn VisitFn) {
	if start >= end {
		return
	}

	var indices [pageLevels]uintptr
	visitTable(pdt.pdtFrame, 0, &indices, start.Address(), end.Address(), fn)
}

// visitTable visits the entries of the table stored in frame that overlap the
// [startAddr, endAddr) range. It returns false if the visit was aborted.
func visitTable(frame mm.Frame, level uint8, indices *[pageLevels]uintptr, startAddr, endAddr uintptr, fn VisitFn) bool {
	table := tableAt(frame)
	span := uintptr(1) << pageLevelShifts[level]

	for index := range table {
		pte := table[index]
		if !pte.HasFlags(FlagPresent) {
			continue
		}

		indices[level] = uintptr(index)
		for l := level + 1; l < pageLevels; l++ {
			indices[l] = 0
		}

		base := pageForIndices(*indices).Address()
		if base+span <= startAddr {
			continue
		}
		if base >= endAddr {
			return true
		}

		if level == pageLevels-1 {
			if !fn(mm.PageFromAddress(base), pte.Frame(), pte.Flags()) {
				return false
			}
			continue
		}

		if !visitTable(pte.Frame(), level+1, indices, startAddr, endAddr, fn) {
			return false
		}
	}

	return true
}

// Release implements PageDirectory.
func (pdt *PageDirectoryTable) Release() {
	if !pdt.pdtFrame.Valid() {
		return
	}

	pdt.releaseTable(pdt.pdtFrame, 0)
	pdt.pdtFrame = mm.InvalidFrame
	pdt.tables = 0
}

func (pdt *PageDirectoryTable) releaseTable(frame mm.Frame, level uint8) {
	if level < pageLevels-1 {
		for _, pte := range tableAt(frame) {
			if pte.HasFlags(FlagPresent) {
				pdt.releaseTable(pte.Frame(), level+1)
			}
		}
	}

	_ = freeTableFn(frame)
}
