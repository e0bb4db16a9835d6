package addrspace

import (
	"encoding/binary"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/vmm"
)

// ReadAt copies len(buf) bytes starting at addr into buf. Pages are faulted
// in the same way a user access would fault them; the returned error is the
// reason the access was refused.
func (as *AddressSpace) ReadAt(buf []byte, addr uintptr) *kernel.Error {
	return as.copyAt(buf, addr, Read)
}

// WriteAt copies data into the address space starting at addr, breaking
// copy-on-write sharing where needed.
func (as *AddressSpace) WriteAt(data []byte, addr uintptr) *kernel.Error {
	return as.copyAt(data, addr, Write)
}

// ReadUint64 reads a little-endian 64-bit value at addr.
func (as *AddressSpace) ReadUint64(addr uintptr) (uint64, *kernel.Error) {
	var buf [8]byte
	if err := as.ReadAt(buf[:], addr); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}

// WriteUint64 writes a little-endian 64-bit value at addr.
func (as *AddressSpace) WriteUint64(addr uintptr, value uint64) *kernel.Error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], value)
	return as.WriteAt(buf[:], addr)
}

func (as *AddressSpace) copyAt(buf []byte, addr uintptr, access Access) *kernel.Error {
	for len(buf) > 0 {
		n := len(buf)
		if rem := int(mm.PageSize - mm.PageOffset(addr)); n > rem {
			n = rem
		}

		if err := as.copyPage(buf[:n], addr, access); err != nil {
			return err
		}

		buf = buf[n:]
		addr += uintptr(n)
	}
	return nil
}

// copyPage copies buf to or from a single page, faulting it in until the
// access succeeds or is refused.
func (as *AddressSpace) copyPage(buf []byte, addr uintptr, access Access) *kernel.Error {
	for {
		if as.tryCopy(buf, addr, access) {
			return nil
		}

		if res := as.HandleFault(addr, access); !res.Granted() {
			return res.Reason
		}
	}
}

func (as *AddressSpace) tryCopy(buf []byte, addr uintptr, access Access) bool {
	as.lock.Acquire()
	defer as.lock.Release()

	if as.destroyed {
		return false
	}

	r := as.tree.FindByAddress(addr)
	if r == nil || !access.permits(r.Prot) {
		return false
	}

	frame, flags, err := as.pd.Lookup(mm.PageFromAddress(addr))
	if err != nil || (access == Write && flags&vmm.FlagRW == 0) {
		return false
	}

	offset := mm.PageOffset(addr)
	mem := mm.FrameBytes(frame)[offset : offset+uintptr(len(buf))]
	if access == Write {
		copy(mem, buf)
	} else {
		copy(buf, mem)
	}
	return true
}
