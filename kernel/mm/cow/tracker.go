// Package cow tracks frames that are shared copy-on-write between address
// spaces and resolves write faults on such frames.
package cow

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vmm"
	ksync "vmcore/kernel/sync"
)

var (
	// copyFrameFn copies the contents of a frame. It is used by tests to
	// observe copies.
	copyFrameFn = copyFrame

	errMissingEntry   = &kernel.Error{Module: "cow", Message: "copy-on-write page has no registry entry"}
	errMissingPage    = &kernel.Error{Module: "cow", Message: "copy-on-write fault on a page that is not mapped"}
	errRemapFailed    = &kernel.Error{Module: "cow", Message: "unable to remap copy-on-write page"}
	errNotCopyOnWrite = &kernel.Error{Module: "cow", Message: "write fault on a page that is not copy-on-write"}
)

// Stats contains the tracker counters.
type Stats struct {
	// Entries is the number of registered (frame, address space) pairs.
	Entries int

	Faults  uint64
	Copies  uint64
	InPlace uint64
}

// Tracker owns the copy-on-write registry. Its lock is acquired after any
// address space lock and before the frame allocator lock.
type Tracker struct {
	lock     ksync.Spinlock
	registry Registry

	faults  uint64
	copies  uint64
	inPlace uint64

	log *kfmt.PrefixWriter
}

// NewTracker returns a tracker that stores its entries in registry. A nil
// registry selects a ListRegistry.
func NewTracker(registry Registry) *Tracker {
	if registry == nil {
		registry = NewListRegistry()
	}

	return &Tracker{
		registry: registry,
		log:      kfmt.Logger("cow"),
	}
}

// RegisterShared records that asid maps frame copy-on-write. Registering the
// same pair twice is a no-op.
func (t *Tracker) RegisterShared(asid mm.ASID, frame mm.Frame) {
	t.lock.Acquire()
	t.registry.Add(Entry{Frame: frame, ASID: asid})
	t.lock.Release()
}

// OnWriteFault resolves a write fault by asid at vaddr on a copy-on-write
// page. The caller holds the lock of the faulting address space and supplies
// a reservation with at least one frame, which is used when the frame is
// still shared with another address space and a private copy is needed. If
// the reservation is exhausted the fault is not counted, the registry is left
// untouched and a Fatal resolution with pmm.ErrReservationExhausted is
// returned so the caller can reserve a frame and retry.
func (t *Tracker) OnWriteFault(asid mm.ASID, pd vmm.PageDirectory, vaddr uintptr, rsv *pmm.Reservation) Resolution {
	page := mm.PageFromAddress(vaddr)

	frame, flags, err := pd.Lookup(page)
	if err != nil {
		t.fatal(errMissingPage, asid, mm.InvalidFrame, vaddr)
		return Terminate(errMissingPage)
	}
	if flags&vmm.FlagCopyOnWrite == 0 {
		t.fatal(errNotCopyOnWrite, asid, frame, vaddr)
		return Terminate(errNotCopyOnWrite)
	}

	self := Entry{Frame: frame, ASID: asid}
	writable := (flags | vmm.FlagRW) &^ vmm.FlagCopyOnWrite

	t.lock.Acquire()
	if !t.registry.Has(self) {
		t.lock.Release()
		t.fatal(errMissingEntry, asid, frame, vaddr)
		return Terminate(errMissingEntry)
	}

	// Another address space still references the frame; the faulting
	// space gets its own copy.
	if t.registry.Count(frame) > 1 {
		if rsv.Remaining() == 0 {
			t.lock.Release()
			return Terminate(pmm.ErrReservationExhausted)
		}

		t.faults++
		newFrame, err := rsv.Allocate(pmm.KindUser)
		if err != nil {
			t.lock.Release()
			kfmt.Fprintf(t.log, "asid %d: no frame to copy 0x%x at 0x%x: %s\n", asid, uintptr(frame), vaddr, err.Message)
			return Terminate(err)
		}

		t.registry.Remove(self)
		copyFrameFn(newFrame, frame)
		if err = pd.Map(page, newFrame, writable); err != nil {
			t.lock.Release()
			t.fatal(errRemapFailed, asid, frame, vaddr)
			return Terminate(errRemapFailed)
		}
		t.copies++
		t.lock.Release()

		return Copied(newFrame)
	}

	// Last sharer: keep the frame and make it writable.
	t.faults++
	t.registry.Remove(self)
	if err = pd.Protect(page, vmm.FlagRW, vmm.FlagCopyOnWrite); err != nil {
		t.lock.Release()
		t.fatal(errRemapFailed, asid, frame, vaddr)
		return Terminate(errRemapFailed)
	}
	t.inPlace++
	t.lock.Release()

	return InPlace(frame)
}

// Unregister removes the entry for (asid, frame) when a copy-on-write page is
// unmapped without being faulted. It reports whether another address space
// still shares the frame; if not, the caller owns the frame and must free
// it.
func (t *Tracker) Unregister(asid mm.ASID, frame mm.Frame) (otherStillSharing bool) {
	t.lock.Acquire()
	if !t.registry.Remove(Entry{Frame: frame, ASID: asid}) {
		t.lock.Release()
		t.fatal(errMissingEntry, asid, frame, 0)
		return false
	}

	otherStillSharing = t.registry.Count(frame) > 0
	t.lock.Release()

	return otherStillSharing
}

// IsRegistered reports whether asid has an entry for frame.
func (t *Tracker) IsRegistered(asid mm.ASID, frame mm.Frame) bool {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.registry.Has(Entry{Frame: frame, ASID: asid})
}

// Sharers returns the address spaces that have an entry for frame.
func (t *Tracker) Sharers(frame mm.Frame) []mm.ASID {
	t.lock.Acquire()
	defer t.lock.Release()
	return t.registry.Sharers(frame)
}

// Stats returns a snapshot of the tracker counters.
func (t *Tracker) Stats() Stats {
	t.lock.Acquire()
	defer t.lock.Release()

	return Stats{
		Entries: t.registry.Len(),
		Faults:  t.faults,
		Copies:  t.copies,
		InPlace: t.inPlace,
	}
}

// fatal reports a registry invariant violation with the faulting context and
// halts. Callers must not hold the tracker lock.
func (t *Tracker) fatal(err *kernel.Error, asid mm.ASID, frame mm.Frame, vaddr uintptr) {
	kfmt.Fprintf(t.log, "invariant violation: %s (asid: %d, frame: 0x%x, vaddr: 0x%x)\n", err.Message, asid, uintptr(frame), vaddr)
	kfmt.Panic(err)
}

func copyFrame(dst, src mm.Frame) {
	pmm.Default().Memory().Copy(dst, src)
}
