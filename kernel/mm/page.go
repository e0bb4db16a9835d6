// Package mm contains the types shared by the memory management packages:
// physical frames, virtual pages and the registration points for the active
// frame allocator and physical memory.
package mm

import (
	"math"

	"vmcore/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when
	// they fail to reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns a Frame that corresponds to the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() uintptr {
	return uintptr(p << PageShift)
}

// PageFromAddress returns a Page that corresponds to the given virtual
// address. Addresses that are not page-aligned are rounded down to the page
// that contains them.
func PageFromAddress(virtAddr uintptr) Page {
	return Page((virtAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// PageOffset returns the offset of virtAddr within its page.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (PageSize - 1)
}

// PageAligned returns true if addr is a multiple of PageSize.
func PageAligned(addr uintptr) bool {
	return addr&(PageSize-1) == 0
}

// PageAlignUp rounds size up to the nearest multiple of PageSize.
func PageAlignUp(size uintptr) uintptr {
	return (size + (PageSize - 1)) & ^(PageSize - 1)
}

// Pages returns the number of pages required to hold size bytes.
func Pages(size uintptr) uintptr {
	return PageAlignUp(size) >> PageShift
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameFreer points to the function registered using SetFrameFreer.
	frameFreer FrameFreerFn

	// physMem provides access to the contents of physical frames.
	physMem PhysicalMemory

	errNoFrameAllocator = &kernel.Error{Module: "mm", Message: "no frame allocator registered"}
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// FrameFreerFn is a function that returns a frame obtained through a
// FrameAllocatorFn back to its allocator.
type FrameFreerFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameFreer registers the function used to release frames allocated via
// AllocFrame.
func SetFrameFreer(freeFn FrameFreerFn) { frameFreer = freeFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) {
	if frameAllocator == nil {
		return InvalidFrame, errNoFrameAllocator
	}
	return frameAllocator()
}

// FreeFrame releases a frame previously obtained by AllocFrame.
func FreeFrame(frame Frame) *kernel.Error {
	if frameFreer == nil {
		return errNoFrameAllocator
	}
	return frameFreer(frame)
}

// PhysicalMemory provides access to the contents of physical frames.
type PhysicalMemory interface {
	// FrameBytes returns a PageSize-long slice aliasing the contents of
	// the supplied frame.
	FrameBytes(Frame) []byte
}

// SetPhysicalMemory registers the physical memory used by FrameBytes.
func SetPhysicalMemory(m PhysicalMemory) { physMem = m }

// FrameBytes returns a slice aliasing the contents of frame using the
// registered physical memory.
func FrameBytes(frame Frame) []byte {
	return physMem.FrameBytes(frame)
}
