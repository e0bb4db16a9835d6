//go:build linux

// Package syscall exposes the address space operations with the calling
// conventions of the Linux memory mapping system calls: PROT_* and MAP_*
// flag words in, errno values out.
package syscall

import (
	"io"

	"golang.org/x/sys/unix"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/addrspace"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/mm/vma"
)

const (
	supportedProt = unix.PROT_READ | unix.PROT_WRITE | unix.PROT_EXEC

	supportedFlags = unix.MAP_SHARED | unix.MAP_PRIVATE | unix.MAP_FIXED |
		unix.MAP_FIXED_NOREPLACE | unix.MAP_ANONYMOUS | unix.MAP_GROWSDOWN |
		unix.MAP_STACK
)

// Mmap creates a region in as and returns its start address. Fixed mappings
// never replace existing regions: MAP_FIXED behaves like
// MAP_FIXED_NOREPLACE and fails with EEXIST.
func Mmap(as *addrspace.AddressSpace, hint, length uintptr, prot, flags int, file io.ReaderAt, off int64) (uintptr, unix.Errno) {
	req, errno := decodeRequest(hint, length, prot, flags, file, off)
	if errno != 0 {
		return 0, errno
	}

	r, err := as.Map(req)
	if err != nil {
		return 0, toErrno(err)
	}
	return r.Start, 0
}

func decodeRequest(hint, length uintptr, prot, flags int, file io.ReaderAt, off int64) (addrspace.MapRequest, unix.Errno) {
	req := addrspace.MapRequest{
		Addr:   hint,
		Length: length,
		Fixed:  flags&(unix.MAP_FIXED|unix.MAP_FIXED_NOREPLACE) != 0,
	}

	switch {
	case prot&^supportedProt != 0, flags&^supportedFlags != 0:
		return req, unix.EINVAL
	case length == 0:
		return req, unix.EINVAL
	case off < 0 || !mm.PageAligned(uintptr(off)):
		return req, unix.EINVAL
	}

	if prot&unix.PROT_READ != 0 {
		req.Prot |= vma.ProtRead
	}
	if prot&unix.PROT_WRITE != 0 {
		req.Prot |= vma.ProtWrite
	}
	if prot&unix.PROT_EXEC != 0 {
		req.Prot |= vma.ProtExec
	}

	switch flags & (unix.MAP_SHARED | unix.MAP_PRIVATE) {
	case unix.MAP_SHARED:
		req.Share = vma.Shared
	case unix.MAP_PRIVATE:
		req.Share = vma.Private
	default:
		return req, unix.EINVAL
	}

	switch {
	case flags&(unix.MAP_GROWSDOWN|unix.MAP_STACK) != 0:
		if flags&unix.MAP_ANONYMOUS == 0 || req.Share == vma.Shared {
			return req, unix.EINVAL
		}
		req.Kind = vma.Stack
	case flags&unix.MAP_ANONYMOUS != 0:
		req.Kind = vma.Anonymous
	default:
		if file == nil {
			return req, unix.EBADF
		}
		req.Kind = vma.FileBacked
		req.File = file
		req.Offset = off
	}

	return req, 0
}

// Munmap removes the region that starts at addr.
func Munmap(as *addrspace.AddressSpace, addr uintptr) unix.Errno {
	if !mm.PageAligned(addr) {
		return unix.EINVAL
	}
	return toErrno(as.Unmap(addr))
}

// Grow resizes the heap or stack region containing addr by deltaPages pages
// and returns the new growth boundary.
func Grow(as *addrspace.AddressSpace, addr uintptr, deltaPages int) (uintptr, unix.Errno) {
	boundary, err := as.Grow(addr, deltaPages)
	if err != nil {
		return 0, toErrno(err)
	}
	return boundary, 0
}

// Errno returns the negated errno value for err, as returned to user code in
// the syscall result register. It returns 0 for a nil error.
func Errno(err *kernel.Error) int {
	return -int(toErrno(err))
}

func toErrno(err *kernel.Error) unix.Errno {
	switch err {
	case nil:
		return 0
	case pmm.ErrOutOfMemory, pmm.ErrReservationExhausted, vma.ErrOutOfAddressSpace:
		return unix.ENOMEM
	case vma.ErrAddressInUse:
		return unix.EEXIST
	case addrspace.ErrSegmentationFault, addrspace.ErrProtectionFault:
		return unix.EFAULT
	default:
		return unix.EINVAL
	}
}
