// Package pmm implements the physical frame allocator and the physical memory
// that backs the allocated frames.
package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/sched"
)

var (
	// defaultAllocator is the allocator installed by Init.
	defaultAllocator *FrameAllocator

	// newMemoryFn is used by tests to inject memory allocation errors.
	newMemoryFn = NewMemory
)

// Init maps the physical memory described by cfg, creates a frame allocator
// for it and registers the allocator with the mm package so that AllocFrame
// and FrameBytes use it. Frames obtained through mm.AllocFrame have
// KindKernel.
func Init(cfg Config, swapper Swapper, scheduler sched.Scheduler) (*FrameAllocator, *kernel.Error) {
	mem, err := newMemoryFn(cfg.FirstFrame, cfg.Frames)
	if err != nil {
		return nil, err
	}

	alloc, err := NewFrameAllocator(cfg, mem, swapper, scheduler)
	if err != nil {
		_ = mem.Close()
		return nil, err
	}

	Install(alloc)
	return alloc, nil
}

// Install registers alloc as the system-wide allocator.
func Install(alloc *FrameAllocator) {
	defaultAllocator = alloc

	mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
		return alloc.Allocate(KindKernel)
	})
	mm.SetFrameFreer(func(frame mm.Frame) *kernel.Error {
		alloc.Free(frame, KindKernel)
		return nil
	})
	mm.SetPhysicalMemory(alloc.mem)
}

// Default returns the allocator registered by Init or Install.
func Default() *FrameAllocator { return defaultAllocator }
