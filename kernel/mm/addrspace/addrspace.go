// Package addrspace ties the memory management pieces together into process
// address spaces: each address space owns a region tree, a free area map for
// dynamic placement and a page directory, and resolves its own page faults.
package addrspace

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/cow"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vma"
	"vmcore/kernel/mm/vmm"
	ksync "vmcore/kernel/sync"
)

var (
	// ErrSegmentationFault is the reason reported for accesses outside
	// every region.
	ErrSegmentationFault = &kernel.Error{Module: "addrspace", Message: "segmentation fault"}

	// ErrProtectionFault is the reason reported for accesses that the
	// region protection does not allow.
	ErrProtectionFault = &kernel.Error{Module: "addrspace", Message: "protection fault"}

	errDestroyed     = &kernel.Error{Module: "addrspace", Message: "address space has been destroyed"}
	errBadLayout     = &kernel.Error{Module: "addrspace", Message: "mmap arena must lie within the user range"}
	errMissingPage   = &kernel.Error{Module: "addrspace", Message: "region page has no mapping"}
	errInconsistency = &kernel.Error{Module: "addrspace", Message: "page mapping does not match its region"}

	// newDirectoryFn creates the page directory for new address spaces.
	newDirectoryFn = func() (vmm.PageDirectory, *kernel.Error) {
		return vmm.NewPageDirectoryTable()
	}
)

// Frames is the subset of the frame allocator used by address spaces.
type Frames interface {
	// Reserve pre-commits count frames. It may block and is only called
	// with no address space lock held.
	Reserve(count uint32) (*pmm.Reservation, *kernel.Error)

	// Free returns a frame to the allocator.
	Free(frame mm.Frame, kind pmm.Kind)
}

// AddressSpace is the virtual memory context of a process. All methods are
// safe for concurrent use.
type AddressSpace struct {
	lock ksync.Spinlock

	id     mm.ASID
	layout Layout
	frames Frames
	cow    *cow.Tracker

	pd   vmm.PageDirectory
	tree *vma.Tree
	free *vma.FreeMap

	destroyed bool

	log *kfmt.PrefixWriter
}

// New creates an empty address space.
func New(id mm.ASID, layout Layout, frames Frames, tracker *cow.Tracker) (*AddressSpace, *kernel.Error) {
	if !layout.contains(layout.MmapBase, layout.MmapSize) {
		return nil, errBadLayout
	}

	free, err := vma.NewFreeMap(layout.MmapBase, layout.MmapSize)
	if err != nil {
		return nil, err
	}

	pd, err := newDirectoryFn()
	if err != nil {
		return nil, err
	}

	return &AddressSpace{
		id:     id,
		layout: layout,
		frames: frames,
		cow:    tracker,
		pd:     pd,
		tree:   vma.NewTree(),
		free:   free,
		log:    kfmt.Logger("as"),
	}, nil
}

// ID returns the address space identifier.
func (as *AddressSpace) ID() mm.ASID { return as.id }

// Layout returns the address space layout.
func (as *AddressSpace) Layout() Layout { return as.layout }

// Directory returns the page directory of the address space. Callers must not
// modify it.
func (as *AddressSpace) Directory() vmm.PageDirectory { return as.pd }

// FindRegion returns a copy of the region containing addr.
func (as *AddressSpace) FindRegion(addr uintptr) (vma.Region, bool) {
	as.lock.Acquire()
	defer as.lock.Release()

	if r := as.tree.FindByAddress(addr); r != nil {
		return *r, true
	}
	return vma.Region{}, false
}

// Regions returns a snapshot of the regions in ascending address order.
func (as *AddressSpace) Regions() []vma.Region {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.tree.Regions()
}

// FreeArea returns the total and free size of the mmap arena.
func (as *AddressSpace) FreeArea() (total, free uintptr) {
	as.lock.Acquire()
	defer as.lock.Release()
	return as.free.Size(), as.free.TotalFree()
}

// Check verifies the address space bookkeeping: regions never overlap, the
// free area map balances and every page of every region is mapped. A
// violation halts the kernel.
func (as *AddressSpace) Check() {
	as.lock.Acquire()
	as.tree.Check()
	as.free.Check()

	var (
		bad    vma.Region
		mapped uintptr
	)
	as.tree.Ascend(func(r *vma.Region) bool {
		mapped = 0
		as.pd.Visit(r.StartPage(), r.EndPage(), func(mm.Page, mm.Frame, vmm.PageTableEntryFlag) bool {
			mapped++
			return true
		})

		if mapped != r.Pages() {
			bad = *r
			return false
		}
		return true
	})
	as.lock.Release()

	if bad.Length != 0 {
		kfmt.Printf("[as] asid %d: region %v has %d of %d pages mapped\n", as.id, &bad, mapped, bad.Pages())
		kfmt.Panic(errMissingPage)
	}
}

// Destroy removes every region and releases the page directory. It is called
// on process exit; destroying an address space twice is a no-op.
func (as *AddressSpace) Destroy() {
	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return
	}
	as.destroyed = true

	var toFree []mm.Frame
	for _, r := range as.tree.Regions() {
		removed, _ := as.tree.Remove(r.Start)
		toFree = as.teardownLocked(removed, removed.StartPage(), removed.EndPage(), toFree)
		toFree = append(toFree, releaseObject(removed)...)
		if removed.Placed {
			as.free.Free(removed.Start, removed.Length)
		}
	}

	as.pd.Release()
	as.lock.Release()

	as.freeFrames(toFree)
	kfmt.Fprintf(as.log, "asid %d destroyed, released %d frames\n", as.id, len(toFree))
}

// teardownLocked unmaps the pages of r in [start, end) and appends to toFree
// the frames that are no longer referenced by any address space. Pages of a
// shared object are left to the object. Callers hold the lock.
func (as *AddressSpace) teardownLocked(r *vma.Region, start, end mm.Page, toFree []mm.Frame) []mm.Frame {
	var pages []mm.Page
	as.pd.Visit(start, end, func(page mm.Page, _ mm.Frame, _ vmm.PageTableEntryFlag) bool {
		pages = append(pages, page)
		return true
	})

	for _, page := range pages {
		frame, flags, err := as.pd.Unmap(page)
		if err != nil {
			continue
		}

		switch {
		case flags&vmm.FlagShared != 0:
		case flags&vmm.FlagCopyOnWrite != 0:
			if !as.cow.Unregister(as.id, frame) {
				toFree = append(toFree, frame)
			}
		default:
			toFree = append(toFree, frame)
		}
	}

	return toFree
}

// releaseObject drops the reference r holds on its shared object and returns
// the object frames if it was the last one.
func releaseObject(r *vma.Region) []mm.Frame {
	if r.Object == nil {
		return nil
	}

	frames := r.Object.Release()
	r.Object = nil
	return frames
}

// freeFrames returns user frames to the allocator. It is called with no lock
// held.
func (as *AddressSpace) freeFrames(frames []mm.Frame) {
	for _, frame := range frames {
		as.frames.Free(frame, pmm.KindUser)
	}
}

// pageFlags returns the page table flags used for the pages of r.
func pageFlags(r *vma.Region) vmm.PageTableEntryFlag {
	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if r.Writable() {
		flags |= vmm.FlagRW
	}
	if r.Prot&vma.ProtExec == 0 {
		flags |= vmm.FlagNoExecute
	}
	if r.Share == vma.Shared {
		flags |= vmm.FlagShared
	}
	return flags
}
