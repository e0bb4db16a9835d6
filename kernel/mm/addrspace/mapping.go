package addrspace

import (
	"errors"
	"io"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vma"
)

var (
	errFileRead  = &kernel.Error{Module: "addrspace", Message: "unable to read file contents"}
	errNoFile    = &kernel.Error{Module: "addrspace", Message: "file-backed mappings require a file"}
	errTooLarge  = &kernel.Error{Module: "addrspace", Message: "mapping size exceeds the user address space"}
	maxPageCount = uint64(^uint32(0))
)

// MapRequest describes a region to be created by Map.
type MapRequest struct {
	// Addr is the requested start address. When Fixed is set the region
	// is placed exactly at Addr. Otherwise a non-zero Addr inside the
	// mmap arena is used as a hint and the region is placed in the mmap
	// arena.
	Addr  uintptr
	Fixed bool

	// Length is rounded up to a multiple of the page size.
	Length uintptr

	Prot  vma.Prot
	Share vma.ShareMode
	Kind  vma.Kind

	// File supplies the initial contents of FileBacked regions starting
	// at Offset. Bytes past the end of the file read as zero.
	File   io.ReaderAt
	Offset int64
}

func growthFor(kind vma.Kind) vma.Growth {
	switch kind {
	case vma.Stack:
		return vma.GrowDown
	case vma.Heap:
		return vma.GrowUp
	default:
		return vma.GrowNone
	}
}

// Map creates a region and backs every page of it with a frame. Requests that
// cannot be placed fail before any frame is reserved. The frames are then
// reserved and filled with no lock held and placement is validated again
// under the lock, so a failure leaves the address space unchanged.
func (as *AddressSpace) Map(req MapRequest) (vma.Region, *kernel.Error) {
	if req.Length == 0 {
		return vma.Region{}, vma.ErrZeroLength
	}

	length := mm.PageAlignUp(req.Length)
	switch {
	case length < req.Length || !as.layout.contains(as.layout.UserBase, length):
		return vma.Region{}, errTooLarge
	case req.Fixed && (!mm.PageAligned(req.Addr) || !as.layout.contains(req.Addr, length)):
		return vma.Region{}, vma.ErrInvalidRange
	case req.Kind == vma.FileBacked && req.File == nil:
		return vma.Region{}, errNoFile
	}

	// Reject requests that cannot be placed before committing any frames.
	as.lock.Acquire()
	err := as.checkPlacementLocked(req, length)
	as.lock.Release()
	if err != nil {
		return vma.Region{}, err
	}

	frames, err := as.populate(length>>mm.PageShift, req.File, req.Offset)
	if err != nil {
		return vma.Region{}, err
	}

	r := &vma.Region{
		Prot:       req.Prot,
		Share:      req.Share,
		Kind:       req.Kind,
		Growth:     growthFor(req.Kind),
		File:       req.File,
		FileOffset: req.Offset,
	}

	as.lock.Acquire()
	if err = as.placeLocked(r, req, length); err != nil {
		as.lock.Release()
		as.freeFrames(frames)
		return vma.Region{}, err
	}

	if r.Share == vma.Shared {
		r.Object = vma.NewSharedObject(frames)
	}

	if err = as.mapFramesLocked(r, r.StartPage(), frames); err != nil {
		_, _ = as.tree.Remove(r.Start)
		if r.Placed {
			as.free.Free(r.Start, r.Length)
		}
		as.lock.Release()
		as.freeFrames(frames)
		return vma.Region{}, err
	}

	region := *r
	as.lock.Release()

	return region, nil
}

// populate reserves and allocates count frames and fills them with the file
// contents, if any. It is called with no lock held.
func (as *AddressSpace) populate(count uintptr, file io.ReaderAt, offset int64) ([]mm.Frame, *kernel.Error) {
	if uint64(count) > maxPageCount {
		return nil, errTooLarge
	}

	rsv, err := as.frames.Reserve(uint32(count))
	if err != nil {
		return nil, err
	}
	defer rsv.Release()

	frames := make([]mm.Frame, 0, count)
	for i := uintptr(0); i < count; i++ {
		frame, err := rsv.Allocate(pmm.KindUser)
		if err != nil {
			as.freeFrames(frames)
			return nil, err
		}
		frames = append(frames, frame)
	}

	if file == nil {
		return frames, nil
	}

	for i, frame := range frames {
		_, readErr := file.ReadAt(mm.FrameBytes(frame), offset+int64(i)*int64(mm.PageSize))
		if readErr == nil {
			continue
		}

		if errors.Is(readErr, io.EOF) {
			break
		}

		kfmt.Fprintf(as.log, "asid %d: reading page %d of file mapping: %v\n", as.id, i, readErr)
		as.freeFrames(frames)
		return nil, errFileRead
	}

	return frames, nil
}

// checkPlacementLocked returns the error placeLocked would fail with for a
// region of length bytes, or nil if the region can be placed.
func (as *AddressSpace) checkPlacementLocked(req MapRequest, length uintptr) *kernel.Error {
	if as.destroyed {
		return errDestroyed
	}

	if !req.Fixed {
		if req.Addr != 0 && mm.PageAligned(req.Addr) && as.free.IsFree(req.Addr, length) {
			return nil
		}
		if !as.free.Fits(length) {
			return vma.ErrOutOfAddressSpace
		}
		return nil
	}

	var (
		addr     = req.Addr
		arenaEnd = as.layout.MmapBase + as.layout.MmapSize
	)

	switch {
	case as.tree.Overlapping(addr, addr+length, nil) != nil:
		return vma.ErrAddressInUse
	case addr >= as.layout.MmapBase && addr+length <= arenaEnd:
		if !as.free.IsFree(addr, length) {
			return vma.ErrAddressInUse
		}
	case addr < arenaEnd && addr+length > as.layout.MmapBase:
		return vma.ErrInvalidRange
	}
	return nil
}

// placeLocked picks the range of a new region and inserts it into the tree.
func (as *AddressSpace) placeLocked(r *vma.Region, req MapRequest, length uintptr) *kernel.Error {
	if err := as.checkPlacementLocked(req, length); err != nil {
		return err
	}

	var (
		addr     = req.Addr
		arenaEnd = as.layout.MmapBase + as.layout.MmapSize
		err      *kernel.Error
	)

	switch {
	case req.Fixed:
		if addr >= as.layout.MmapBase && addr+length <= arenaEnd {
			if err = as.free.AllocateAt(addr, length); err != nil {
				return err
			}
			r.Placed = true
		}
	case addr != 0 && mm.PageAligned(addr) && as.free.IsFree(addr, length):
		if err = as.free.AllocateAt(addr, length); err != nil {
			return err
		}
		r.Placed = true
	default:
		if addr, err = as.free.Allocate(length); err != nil {
			return err
		}
		r.Placed = true
	}

	r.Start, r.Length = addr, length
	if err = as.tree.Insert(r); err != nil {
		if r.Placed {
			as.free.Free(addr, length)
		}
		return err
	}

	return nil
}

// mapFramesLocked maps frames at consecutive pages starting at first. On
// failure the pages mapped so far are unmapped again.
func (as *AddressSpace) mapFramesLocked(r *vma.Region, first mm.Page, frames []mm.Frame) *kernel.Error {
	flags := pageFlags(r)
	for i, frame := range frames {
		if err := as.pd.Map(first+mm.Page(i), frame, flags); err != nil {
			for page := first; page < first+mm.Page(i); page++ {
				_, _, _ = as.pd.Unmap(page)
			}
			return err
		}
	}
	return nil
}

// Unmap removes the region starting at start. Frames that are no longer
// shared with any other address space are returned to the allocator and the
// range is returned to the mmap arena if it was placed there.
func (as *AddressSpace) Unmap(start uintptr) *kernel.Error {
	as.lock.Acquire()
	if as.destroyed {
		as.lock.Release()
		return errDestroyed
	}

	r, err := as.tree.Remove(start)
	if err != nil {
		as.lock.Release()
		return err
	}

	toFree := as.teardownLocked(r, r.StartPage(), r.EndPage(), nil)
	toFree = append(toFree, releaseObject(r)...)
	if r.Placed {
		as.free.Free(r.Start, r.Length)
	}
	as.lock.Release()

	as.freeFrames(toFree)
	return nil
}

// Grow extends or shrinks the growable region containing addr by deltaPages
// pages and returns its new growth boundary: the end of a heap or the start
// of a stack. Growth that would collide with another region fails without
// changing the region. Shrinking a region to zero pages removes it.
func (as *AddressSpace) Grow(addr uintptr, deltaPages int) (uintptr, *kernel.Error) {
	if deltaPages < 0 {
		return as.shrink(addr, uintptr(-deltaPages))
	}

	for {
		as.lock.Acquire()
		r, err := as.growableLocked(addr)
		if err != nil {
			as.lock.Release()
			return 0, err
		}
		if deltaPages == 0 {
			boundary := growthBoundary(r)
			as.lock.Release()
			return boundary, nil
		}

		start, length := r.Start, r.Length
		if _, _, err = as.extensionLocked(r, uintptr(deltaPages)); err != nil {
			as.lock.Release()
			return 0, err
		}
		as.lock.Release()

		// Frames are reserved with no lock held.
		frames, err := as.populate(uintptr(deltaPages), nil, 0)
		if err != nil {
			return 0, err
		}

		as.lock.Acquire()
		if cur, _ := as.growableLocked(addr); cur != r || r.Start != start || r.Length != length {
			// The region changed while the lock was dropped.
			as.lock.Release()
			as.freeFrames(frames)
			continue
		}

		boundary, err := as.commitGrowthLocked(r, frames)
		as.lock.Release()

		if err != nil {
			as.freeFrames(frames)
			return 0, err
		}
		return boundary, nil
	}
}

// growableLocked returns the region containing addr if it can grow.
func (as *AddressSpace) growableLocked(addr uintptr) (*vma.Region, *kernel.Error) {
	if as.destroyed {
		return nil, errDestroyed
	}

	r := as.tree.FindByAddress(addr)
	switch {
	case r == nil:
		return nil, vma.ErrNoSuchRegion
	case r.Growth == vma.GrowNone || r.Share == vma.Shared:
		return nil, vma.ErrNotGrowable
	}
	return r, nil
}

func growthBoundary(r *vma.Region) uintptr {
	if r.Growth == vma.GrowDown {
		return r.Start
	}
	return r.End()
}

// extensionLocked validates growing r by pages and returns the start and
// size of the range added to it.
func (as *AddressSpace) extensionLocked(r *vma.Region, pages uintptr) (uintptr, uintptr, *kernel.Error) {
	size := pages << mm.PageShift
	if size>>mm.PageShift != pages {
		return 0, 0, vma.ErrOutOfAddressSpace
	}

	var extStart uintptr
	if r.Growth == vma.GrowDown {
		if size > r.Start {
			return 0, 0, vma.ErrOutOfAddressSpace
		}
		extStart = r.Start - size
	} else {
		extStart = r.End()
	}

	if !as.layout.contains(extStart, size) {
		return 0, 0, vma.ErrOutOfAddressSpace
	}

	if as.tree.Overlapping(extStart, extStart+size, r) != nil {
		return 0, 0, vma.ErrAddressInUse
	}

	arenaEnd := as.layout.MmapBase + as.layout.MmapSize
	switch {
	case r.Placed && !as.free.IsFree(extStart, size):
		return 0, 0, vma.ErrAddressInUse
	case !r.Placed && extStart < arenaEnd && extStart+size > as.layout.MmapBase:
		return 0, 0, vma.ErrAddressInUse
	}

	return extStart, size, nil
}

// commitGrowthLocked adds the frames to r and maps them.
func (as *AddressSpace) commitGrowthLocked(r *vma.Region, frames []mm.Frame) (uintptr, *kernel.Error) {
	extStart, size, err := as.extensionLocked(r, uintptr(len(frames)))
	if err != nil {
		return 0, err
	}

	origStart, origLength := r.Start, r.Length
	newStart := r.Start
	if r.Growth == vma.GrowDown {
		newStart = extStart
	}

	if r.Placed {
		if err = as.free.AllocateAt(extStart, size); err != nil {
			return 0, err
		}
	}

	if err = as.tree.Resize(r, newStart, origLength+size); err == nil {
		if err = as.mapFramesLocked(r, mm.PageFromAddress(extStart), frames); err == nil {
			return growthBoundary(r), nil
		}
		_ = as.tree.Resize(r, origStart, origLength)
	}

	if r.Placed {
		as.free.Free(extStart, size)
	}
	return 0, err
}

// shrink removes pages pages from the growing end of the region containing
// addr.
func (as *AddressSpace) shrink(addr uintptr, pages uintptr) (uintptr, *kernel.Error) {
	as.lock.Acquire()
	r, err := as.growableLocked(addr)
	if err != nil {
		as.lock.Release()
		return 0, err
	}

	var toFree []mm.Frame
	if pages >= r.Pages() {
		boundary := r.Start
		if r.Growth == vma.GrowDown {
			boundary = r.End()
		}

		_, _ = as.tree.Remove(r.Start)
		toFree = as.teardownLocked(r, r.StartPage(), r.EndPage(), nil)
		if r.Placed {
			as.free.Free(r.Start, r.Length)
		}
		as.lock.Release()

		as.freeFrames(toFree)
		return boundary, nil
	}

	var (
		size     = pages << mm.PageShift
		relStart = r.End() - size
		newStart = r.Start
	)
	if r.Growth == vma.GrowDown {
		relStart = r.Start
		newStart = r.Start + size
	}

	toFree = as.teardownLocked(r, mm.PageFromAddress(relStart), mm.PageFromAddress(relStart+size), nil)
	if err = as.tree.Resize(r, newStart, r.Length-size); err != nil {
		as.lock.Release()
		kfmt.Printf("[as] asid %d: shrinking region %v failed: %s\n", as.id, r, err.Message)
		kfmt.Panic(errInconsistency)
		return 0, err
	}
	if r.Placed {
		as.free.Free(relStart, size)
	}
	boundary := growthBoundary(r)
	as.lock.Release()

	as.freeFrames(toFree)
	return boundary, nil
}
