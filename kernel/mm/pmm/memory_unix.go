//go:build unix

package pmm

import (
	"golang.org/x/sys/unix"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

var (
	// mmapFn and munmapFn are used by tests to simulate host mapping
	// failures.
	mmapFn   = unix.Mmap
	munmapFn = unix.Munmap

	errArenaMap   = &kernel.Error{Module: "pmm", Message: "unable to map physical memory arena"}
	errArenaUnmap = &kernel.Error{Module: "pmm", Message: "unable to unmap physical memory arena"}
)

// NewMemory maps an anonymous arena large enough to hold frameCount frames
// starting at firstFrame.
func NewMemory(firstFrame mm.Frame, frameCount uint32) (*Memory, *kernel.Error) {
	if frameCount == 0 {
		return nil, errNoFrames
	}

	arena, err := mmapFn(-1, 0, int(uintptr(frameCount)<<mm.PageShift), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, errArenaMap
	}

	return &Memory{
		arena:      arena,
		firstFrame: firstFrame,
		frameCount: frameCount,
		unmapFn: func(b []byte) *kernel.Error {
			if munmapFn(b) != nil {
				return errArenaUnmap
			}
			return nil
		},
	}, nil
}
