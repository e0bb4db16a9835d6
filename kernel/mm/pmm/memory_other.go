//go:build !unix

package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
)

// NewMemory allocates an arena large enough to hold frameCount frames
// starting at firstFrame. Platforms without mmap use the Go heap.
func NewMemory(firstFrame mm.Frame, frameCount uint32) (*Memory, *kernel.Error) {
	if frameCount == 0 {
		return nil, errNoFrames
	}

	return &Memory{
		arena:      make([]byte, uintptr(frameCount)<<mm.PageShift),
		firstFrame: firstFrame,
		frameCount: frameCount,
	}, nil
}
