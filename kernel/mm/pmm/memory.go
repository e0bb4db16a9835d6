package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

var (
	errFrameOutOfRange = &kernel.Error{Module: "pmm", Message: "frame is outside the physical memory range"}
)

// Memory provides access to the contents of a contiguous range of physical
// frames. Frame firstFrame is stored at offset 0 of the backing arena.
type Memory struct {
	arena      []byte
	firstFrame mm.Frame
	frameCount uint32

	// unmapFn releases the arena; it is set by the platform-specific
	// constructor.
	unmapFn func([]byte) *kernel.Error
}

// FirstFrame returns the first frame covered by this memory.
func (m *Memory) FirstFrame() mm.Frame { return m.firstFrame }

// FrameCount returns the number of frames covered by this memory.
func (m *Memory) FrameCount() uint32 { return m.frameCount }

// Contains returns true if frame is backed by this memory.
func (m *Memory) Contains(frame mm.Frame) bool {
	return frame >= m.firstFrame && frame < m.firstFrame+mm.Frame(m.frameCount)
}

// FrameBytes returns a PageSize-long slice that aliases the contents of
// frame. Accessing a frame outside the memory range is an invariant
// violation.
func (m *Memory) FrameBytes(frame mm.Frame) []byte {
	if !m.Contains(frame) {
		kfmt.Printf("[pmm] access to frame 0x%x outside [0x%x, 0x%x)\n", uintptr(frame), uintptr(m.firstFrame), uintptr(m.firstFrame)+uintptr(m.frameCount))
		kfmt.Panic(errFrameOutOfRange)
		return nil
	}

	offset := uintptr(frame-m.firstFrame) << mm.PageShift
	return m.arena[offset : offset+mm.PageSize : offset+mm.PageSize]
}

// Copy copies the contents of frame src to frame dst.
func (m *Memory) Copy(dst, src mm.Frame) {
	copy(m.FrameBytes(dst), m.FrameBytes(src))
}

// Zero clears the contents of frame.
func (m *Memory) Zero(frame mm.Frame) {
	clear(m.FrameBytes(frame))
}

// Close releases the backing arena. The memory must not be used afterwards.
func (m *Memory) Close() *kernel.Error {
	if m.arena == nil {
		return nil
	}

	arena := m.arena
	m.arena = nil
	if m.unmapFn == nil {
		return nil
	}
	return m.unmapFn(arena)
}
