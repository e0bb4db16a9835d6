package addrspace

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/cow"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vma"
	"vmcore/kernel/mm/vmm"
)

// Access is the kind of memory access that caused a fault.
type Access uint8

const (
	// Read is a data load.
	Read Access = iota

	// Write is a data store.
	Write

	// Exec is an instruction fetch.
	Exec
)

func (a Access) String() string {
	switch a {
	case Read:
		return "read"
	case Write:
		return "write"
	case Exec:
		return "exec"
	default:
		return "unknown"
	}
}

// permits returns true if a region with protection prot allows access.
func (a Access) permits(prot vma.Prot) bool {
	switch a {
	case Read:
		return prot&vma.ProtRead != 0
	case Write:
		return prot&vma.ProtWrite != 0
	case Exec:
		return prot&vma.ProtExec != 0
	default:
		return false
	}
}

// HandleFault resolves a page fault at vaddr. Accesses outside every region
// or not allowed by the region protection terminate the process. Write
// faults on copy-on-write pages are passed to the tracker. A fault on a page
// that already allows the access is granted in place.
func (as *AddressSpace) HandleFault(vaddr uintptr, access Access) cow.Resolution {
	var rsv *pmm.Reservation
	defer func() { rsv.Release() }()

	for {
		as.lock.Acquire()
		res, violation, needFrame := as.resolveLocked(vaddr, access, rsv)
		as.lock.Release()

		if violation != nil {
			kfmt.Printf("[as] asid %d: %s fault at 0x%x: %s\n", as.id, access, vaddr, violation.Message)
			kfmt.Panic(violation)
			return cow.Terminate(violation)
		}

		if !needFrame {
			if !res.Granted() {
				kfmt.Fprintf(as.log, "asid %d: %s fault at 0x%x: %s\n", as.id, access, vaddr, res.Reason.Message)
			}
			return res
		}

		// The copy needs a frame; reserve one with no lock held and retry.
		var err *kernel.Error
		if rsv, err = as.frames.Reserve(1); err != nil {
			kfmt.Fprintf(as.log, "asid %d: %s fault at 0x%x: %s\n", as.id, access, vaddr, err.Message)
			return cow.Terminate(err)
		}
	}
}

// resolveLocked resolves a fault with the address space lock held. It reports
// bookkeeping violations and whether the fault must be retried with a frame
// reservation.
func (as *AddressSpace) resolveLocked(vaddr uintptr, access Access, rsv *pmm.Reservation) (cow.Resolution, *kernel.Error, bool) {
	if as.destroyed {
		return cow.Terminate(errDestroyed), nil, false
	}

	r := as.tree.FindByAddress(vaddr)
	if r == nil {
		return cow.Terminate(ErrSegmentationFault), nil, false
	}
	if !access.permits(r.Prot) {
		return cow.Terminate(ErrProtectionFault), nil, false
	}

	frame, flags, err := as.pd.Lookup(mm.PageFromAddress(vaddr))
	if err != nil {
		return cow.Resolution{}, errMissingPage, false
	}

	switch {
	case access != Write || flags&vmm.FlagRW != 0:
		return cow.InPlace(frame), nil, false
	case flags&vmm.FlagCopyOnWrite == 0:
		return cow.Resolution{}, errInconsistency, false
	}

	res := as.cow.OnWriteFault(as.id, as.pd, vaddr, rsv)
	if res.Kind == cow.Fatal && res.Reason == pmm.ErrReservationExhausted && rsv == nil {
		return res, nil, true
	}
	return res, nil, false
}
