package pmm

import (
	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/sched"
)

// Reservation holds frames pre-committed by FrameAllocator.Reserve. Operations
// that must not fail half-way reserve every frame they need before mutating
// shared state and then draw frames from the reservation. A Reservation is
// owned by a single task.
type Reservation struct {
	alloc     *FrameAllocator
	remaining uint32
}

// Remaining returns the number of frames that can still be allocated from
// the reservation.
func (r *Reservation) Remaining() uint32 {
	if r == nil {
		return 0
	}
	return r.remaining
}

// Allocate takes one committed frame from the reservation.
func (r *Reservation) Allocate(kind Kind) (mm.Frame, *kernel.Error) {
	if r == nil || r.remaining == 0 {
		return mm.InvalidFrame, ErrReservationExhausted
	}

	r.alloc.lock.Acquire()
	r.alloc.reserved--
	frame := r.alloc.pop(kind)
	r.alloc.lock.Release()

	r.remaining--
	return frame, nil
}

// Release returns any frames that were not allocated back to the allocator.
// Release is idempotent and may be called on a nil reservation.
func (r *Reservation) Release() {
	if r == nil || r.remaining == 0 {
		return
	}

	r.alloc.lock.Acquire()
	r.alloc.reserved -= r.remaining
	r.alloc.lock.Release()
	r.remaining = 0

	r.alloc.scheduler.WakeAll(sched.EventFrameFreed)
}
