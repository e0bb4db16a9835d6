package addrspace

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vma"
	"vmcore/kernel/mm/vmm"
)

// Fork returns a copy of the address space identified by id. Private pages
// are shared copy-on-write between the parent and the child: both page
// directories lose write access to them and both address spaces are
// registered with the copy-on-write tracker. Shared regions keep pointing at
// the same frames.
func (as *AddressSpace) Fork(id mm.ASID) (*AddressSpace, *kernel.Error) {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return nil, errDestroyed
	}

	pd, err := as.pd.Clone()
	if err != nil {
		return nil, err
	}

	child := &AddressSpace{
		id:     id,
		layout: as.layout,
		frames: as.frames,
		cow:    as.cow,
		pd:     pd,
		tree:   as.tree.Clone(),
		free:   as.free.Clone(),
		log:    as.log,
	}

	var shared int
	as.tree.Ascend(func(r *vma.Region) bool {
		if r.Share == vma.Shared {
			r.Object.Acquire()
			return true
		}

		as.pd.Visit(r.StartPage(), r.EndPage(), func(page mm.Page, frame mm.Frame, _ vmm.PageTableEntryFlag) bool {
			_ = as.pd.Protect(page, vmm.FlagCopyOnWrite, vmm.FlagRW)
			_ = pd.Protect(page, vmm.FlagCopyOnWrite, vmm.FlagRW)
			as.cow.RegisterShared(as.id, frame)
			as.cow.RegisterShared(id, frame)
			shared++
			return true
		})
		return true
	})

	kfmt.Fprintf(as.log, "asid %d forked into asid %d, %d pages copy-on-write\n", as.id, id, shared)
	return child, nil
}
