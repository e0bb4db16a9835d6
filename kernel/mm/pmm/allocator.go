package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/sched"
	ksync "vmcore/kernel/sync"
)

// Kind is a hint describing what an allocated frame will be used for.
type Kind uint8

const (
	// KindCritical frames may be taken from the critical watermark. They
	// are used by paths that cannot fail without halting the kernel.
	KindCritical Kind = iota

	// KindKernel frames hold kernel data structures such as page tables.
	KindKernel

	// KindUser frames back user address space pages.
	KindUser

	numKinds
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case KindCritical:
		return "critical"
	case KindKernel:
		return "kernel"
	case KindUser:
		return "user"
	default:
		return "unknown"
	}
}

var (
	// ErrOutOfMemory is returned when no frame can be allocated or
	// reserved, even after asking the swapper to reclaim frames.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrContiguousUnavailable is returned when the contiguous pool does
	// not contain a suitably aligned run of free frames.
	ErrContiguousUnavailable = &kernel.Error{Module: "pmm", Message: "no contiguous frame run available"}

	// ErrReservationExhausted is returned when allocating from a
	// reservation that has no committed frames left.
	ErrReservationExhausted = &kernel.Error{Module: "pmm", Message: "reservation exhausted"}

	errNoFrames        = &kernel.Error{Module: "pmm", Message: "allocator must manage at least one frame"}
	errBadPoolSize     = &kernel.Error{Module: "pmm", Message: "contiguous pool cannot cover all frames"}
	errBadAlignment    = &kernel.Error{Module: "pmm", Message: "alignment must be a power of two"}
	errDoubleFree      = &kernel.Error{Module: "pmm", Message: "frame freed twice"}
	errFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame not managed by allocator"}
	errKindMismatch    = &kernel.Error{Module: "pmm", Message: "frame freed with a different kind than it was allocated with"}
	errReserveBalance  = &kernel.Error{Module: "pmm", Message: "reserved frame count exceeds free frame count"}
)

// Config describes the frames managed by a FrameAllocator.
type Config struct {
	// FirstFrame is the frame number of the first managed frame.
	FirstFrame mm.Frame

	// Frames is the total number of managed frames, including the
	// contiguous pool.
	Frames uint32

	// ContiguousFrames is the number of frames, taken from the end of the
	// managed range, that are set aside for AllocateContiguous.
	ContiguousFrames uint32

	// CriticalFrames is the number of frames that only KindCritical
	// allocations may consume.
	CriticalFrames uint32

	// SwapAttempts bounds the number of eviction rounds Reserve performs
	// before giving up.
	SwapAttempts int
}

// Stats is a snapshot of the allocator counters.
type Stats struct {
	TotalFrames    uint32
	FreeFrames     uint32
	ReservedFrames uint32
	CriticalFrames uint32
	PoolFrames     uint32
	PoolFreeFrames uint32
	Allocated      [numKinds]uint32
}

// FrameAllocator hands out physical frames from a free stack. A separate
// bitmap-tracked pool serves contiguous allocations. Its lock is the
// innermost lock of the memory subsystem: no other lock is ever acquired
// while it is held.
type FrameAllocator struct {
	lock ksync.Spinlock

	mem *Memory

	// free is the stack of free general-purpose frames.
	free []mm.Frame

	// inUse tracks which general-purpose frames are allocated.
	inUse framePool

	// kinds records the allocation kind of each in-use general-purpose
	// frame, indexed by (frame - inUse.startFrame).
	kinds []Kind

	// pool serves AllocateContiguous requests.
	pool framePool

	// reserved is the number of free frames promised to outstanding
	// reservations.
	reserved uint32

	critical  uint32
	allocated [numKinds]uint32

	swapper      Swapper
	scheduler    sched.Scheduler
	swapAttempts int

	log *kfmt.PrefixWriter
}

// NewFrameAllocator creates an allocator for the frames backed by mem. All
// frames start out free. The scheduler is used by Reserve to wait for frames
// released by the swapper; swapper may be nil to disable swapping.
func NewFrameAllocator(cfg Config, mem *Memory, swapper Swapper, scheduler sched.Scheduler) (*FrameAllocator, *kernel.Error) {
	if cfg.Frames == 0 {
		return nil, errNoFrames
	}
	if cfg.ContiguousFrames >= cfg.Frames {
		return nil, errBadPoolSize
	}

	if scheduler == nil {
		scheduler = sched.NewWaitQueue()
	}

	general := cfg.Frames - cfg.ContiguousFrames
	alloc := &FrameAllocator{
		mem:          mem,
		free:         make([]mm.Frame, 0, general),
		inUse:        newFramePool(cfg.FirstFrame, general),
		kinds:        make([]Kind, general),
		pool:         newFramePool(cfg.FirstFrame+mm.Frame(general), cfg.ContiguousFrames),
		critical:     cfg.CriticalFrames,
		swapper:      swapper,
		scheduler:    scheduler,
		swapAttempts: cfg.SwapAttempts,
		log:          kfmt.Logger("pmm"),
	}

	// Push in reverse order so that frames are handed out in ascending
	// order on a fresh allocator.
	for frame := alloc.inUse.endFrame; ; frame-- {
		alloc.free = append(alloc.free, frame)
		if frame == alloc.inUse.startFrame {
			break
		}
	}

	kfmt.Fprintf(alloc.log, "managing %d frames [0x%x - 0x%x], contiguous pool: %d frames, critical watermark: %d\n",
		cfg.Frames, uintptr(cfg.FirstFrame), uintptr(cfg.FirstFrame)+uintptr(cfg.Frames)-1, cfg.ContiguousFrames, cfg.CriticalFrames)

	return alloc, nil
}

// Memory returns the physical memory backing the managed frames.
func (alloc *FrameAllocator) Memory() *Memory { return alloc.mem }

// available returns the number of frames that an allocation of the given kind
// may take without touching reserved frames. Callers must hold the lock.
func (alloc *FrameAllocator) available(kind Kind) uint32 {
	free := uint32(len(alloc.free))
	if free < alloc.reserved {
		kfmt.Printf("[pmm] free frames: %d, reserved frames: %d\n", free, alloc.reserved)
		kfmt.Panic(errReserveBalance)
		return 0
	}

	avail := free - alloc.reserved
	if kind == KindCritical {
		return avail
	}

	if avail <= alloc.critical {
		return 0
	}
	return avail - alloc.critical
}

// pop removes the top of the free stack and marks it as allocated with the
// given kind. Callers must hold the lock and ensure the stack is not empty.
func (alloc *FrameAllocator) pop(kind Kind) mm.Frame {
	last := len(alloc.free) - 1
	frame := alloc.free[last]
	alloc.free = alloc.free[:last]

	alloc.inUse.markFrame(frame, markReserved)
	alloc.kinds[frame-alloc.inUse.startFrame] = kind
	alloc.allocated[kind]++
	return frame
}

// Allocate removes one frame from the free stack. Allocate never blocks and
// never invokes the swapper so it is safe to call while holding other
// locks; paths that can tolerate blocking should use Reserve (or
// AllocateReclaim) so that swapping gets a chance to reclaim frames.
func (alloc *FrameAllocator) Allocate(kind Kind) (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	if alloc.available(kind) == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	return alloc.pop(kind), nil
}

// AllocateReclaim allocates a single frame, asking the swapper to reclaim
// frames if none are available. It may block and must be called with no
// locks held.
func (alloc *FrameAllocator) AllocateReclaim(kind Kind) (mm.Frame, *kernel.Error) {
	rsv, err := alloc.Reserve(1)
	if err != nil {
		return mm.InvalidFrame, err
	}
	defer rsv.Release()

	return rsv.Allocate(kind)
}

// AllocateContiguous allocates count physically contiguous frames from the
// contiguous pool. The first frame number is a multiple of alignment, which
// must be a power of two.
func (alloc *FrameAllocator) AllocateContiguous(count, alignment uint32) (mm.Frame, *kernel.Error) {
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return mm.InvalidFrame, errBadAlignment
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	first := alloc.pool.findFreeRun(count, alignment)
	if !first.Valid() {
		return mm.InvalidFrame, ErrContiguousUnavailable
	}

	for frame := first; frame < first+mm.Frame(count); frame++ {
		alloc.pool.markFrame(frame, markReserved)
	}
	alloc.allocated[KindKernel] += count

	return first, nil
}

// FreeContiguous returns a run of frames obtained via AllocateContiguous.
// The whole run is validated before any frame is cleared or released.
func (alloc *FrameAllocator) FreeContiguous(first mm.Frame, count uint32) {
	last := first + mm.Frame(count)

	alloc.lock.Acquire()
	for frame := first; frame < last; frame++ {
		switch {
		case !alloc.pool.contains(frame):
			alloc.lock.Release()
			alloc.fatal(errFrameNotManaged, frame, KindKernel)
			return
		case !alloc.pool.isReserved(frame):
			alloc.lock.Release()
			alloc.fatal(errDoubleFree, frame, KindKernel)
			return
		}
	}

	for frame := first; frame < last; frame++ {
		alloc.zeroFrame(frame)
		alloc.pool.markFrame(frame, markFree)
	}
	alloc.allocated[KindKernel] -= count
	alloc.lock.Release()

	alloc.scheduler.WakeAll(sched.EventFrameFreed)
}

// Free returns a frame to the allocator and wakes any task waiting for free
// frames. Freeing a frame that is not allocated, or with a different kind
// than it was allocated with, is an invariant violation.
func (alloc *FrameAllocator) Free(frame mm.Frame, kind Kind) {
	if alloc.pool.contains(frame) {
		alloc.FreeContiguous(frame, 1)
		return
	}

	alloc.lock.Acquire()
	switch {
	case !alloc.inUse.contains(frame):
		alloc.lock.Release()
		alloc.fatal(errFrameNotManaged, frame, kind)
		return
	case !alloc.inUse.isReserved(frame):
		alloc.lock.Release()
		alloc.fatal(errDoubleFree, frame, kind)
		return
	case alloc.kinds[frame-alloc.inUse.startFrame] != kind:
		alloc.lock.Release()
		alloc.fatal(errKindMismatch, frame, kind)
		return
	}

	// Mark the frame as free before dropping the lock so that a concurrent
	// double free is detected; the frame is pushed back to the stack only
	// after its contents have been cleared.
	alloc.inUse.markFrame(frame, markFree)
	alloc.allocated[kind]--
	alloc.lock.Release()

	alloc.zeroFrame(frame)

	alloc.lock.Acquire()
	alloc.free = append(alloc.free, frame)
	alloc.lock.Release()

	alloc.scheduler.WakeAll(sched.EventFrameFreed)
}

// Reserve guarantees that count frames will be available to the returned
// reservation. If not enough frames are free and a swapper is configured,
// Reserve asks it to evict the shortfall and sleeps until the evicted frames
// are freed. Reserve may block and must be called with no locks held.
func (alloc *FrameAllocator) Reserve(count uint32) (*Reservation, *kernel.Error) {
	if count == 0 {
		return &Reservation{alloc: alloc}, nil
	}

	alloc.lock.Acquire()
	for attempt := 0; alloc.available(KindUser) < count; attempt++ {
		if alloc.swapper == nil || attempt >= alloc.swapAttempts {
			alloc.lock.Release()
			return nil, ErrOutOfMemory
		}

		shortfall := count - alloc.available(KindUser)
		alloc.lock.Release()

		kfmt.Fprintf(alloc.log, "reserve(%d): asking swapper to evict %d frames (attempt %d)\n", count, shortfall, attempt+1)
		evicting := alloc.swapper.Evict(shortfall)

		alloc.lock.Acquire()
		if alloc.available(KindUser) >= count {
			break
		}

		if evicting == 0 {
			alloc.lock.Release()
			return nil, ErrOutOfMemory
		}

		alloc.scheduler.Sleep(sched.EventFrameFreed, &alloc.lock)
	}

	alloc.reserved += count
	alloc.lock.Release()

	return &Reservation{alloc: alloc, remaining: count}, nil
}

// Stats returns a snapshot of the allocator counters.
func (alloc *FrameAllocator) Stats() Stats {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	return Stats{
		TotalFrames:    alloc.inUse.size() + alloc.pool.size(),
		FreeFrames:     uint32(len(alloc.free)),
		ReservedFrames: alloc.reserved,
		CriticalFrames: alloc.critical,
		PoolFrames:     alloc.pool.size(),
		PoolFreeFrames: alloc.pool.freeCount,
		Allocated:      alloc.allocated,
	}
}

// FreeCount returns the number of free general-purpose frames.
func (alloc *FrameAllocator) FreeCount() uint32 {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return uint32(len(alloc.free))
}

// IsAllocated returns true if frame is currently allocated.
func (alloc *FrameAllocator) IsAllocated(frame mm.Frame) bool {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	switch {
	case alloc.inUse.contains(frame):
		return alloc.inUse.isReserved(frame)
	case alloc.pool.contains(frame):
		return alloc.pool.isReserved(frame)
	default:
		return false
	}
}

func (alloc *FrameAllocator) zeroFrame(frame mm.Frame) {
	if alloc.mem != nil && alloc.mem.Contains(frame) {
		alloc.mem.Zero(frame)
	}
}

// fatal reports an allocator invariant violation. Callers must not hold the
// lock.
func (alloc *FrameAllocator) fatal(err *kernel.Error, frame mm.Frame, kind Kind) {
	kfmt.Printf("[pmm] invariant violation: %s (frame: 0x%x, kind: %s)\n", err.Message, uintptr(frame), kind)
	kfmt.Panic(err)
}
