package pmm

import "vmcore/kernel/mm"

type markAs bool

const (
	markReserved markAs = false
	markFree     markAs = true
)

// framePool tracks the reservation state of a contiguous range of frames
// using a bitmap. Bit (63 - (i % 64)) of block (i / 64) is set when frame
// (startFrame + i) is reserved.
type framePool struct {
	// startFrame is the frame number for the first page in this pool.
	// each free bitmap entry i corresponds to frame (startFrame + i).
	startFrame mm.Frame

	// endFrame tracks the last frame in the pool (inclusive).
	endFrame mm.Frame

	// freeCount tracks the available pages in this pool. The allocator
	// can use this field to skip fully allocated pools without the need
	// to scan the free bitmap.
	freeCount uint32

	// freeBitmap tracks used/free pages in the pool.
	freeBitmap []uint64
}

// newFramePool returns a pool covering count frames starting at start with
// every frame marked as free.
func newFramePool(start mm.Frame, count uint32) framePool {
	if count == 0 {
		return framePool{startFrame: start, endFrame: start - 1}
	}

	return framePool{
		startFrame: start,
		endFrame:   start + mm.Frame(count) - 1,
		freeCount:  count,
		freeBitmap: make([]uint64, (count+63)>>6),
	}
}

// size returns the number of frames managed by the pool.
func (pool *framePool) size() uint32 {
	if pool.freeBitmap == nil {
		return 0
	}
	return uint32(pool.endFrame - pool.startFrame + 1)
}

// contains returns true if frame belongs to the pool.
func (pool *framePool) contains(frame mm.Frame) bool {
	return pool.freeBitmap != nil && frame >= pool.startFrame && frame <= pool.endFrame
}

// bitFor returns the bitmap block index and mask for frame.
func (pool *framePool) bitFor(frame mm.Frame) (int, uint64) {
	relFrame := frame - pool.startFrame
	block := relFrame >> 6
	mask := uint64(1 << (63 - (relFrame - block<<6)))
	return int(block), mask
}

// isReserved returns true if frame is marked as reserved. The frame must
// belong to the pool.
func (pool *framePool) isReserved(frame mm.Frame) bool {
	block, mask := pool.bitFor(frame)
	return pool.freeBitmap[block]&mask != 0
}

// markFrame updates the reservation flag for frame. Calls with a frame that
// does not belong to the pool or that would not change the frame state are
// no-ops.
func (pool *framePool) markFrame(frame mm.Frame, flag markAs) {
	if !pool.contains(frame) {
		return
	}

	block, mask := pool.bitFor(frame)
	switch flag {
	case markFree:
		if pool.freeBitmap[block]&mask == 0 {
			return
		}
		pool.freeBitmap[block] &^= mask
		pool.freeCount++
	case markReserved:
		if pool.freeBitmap[block]&mask != 0 {
			return
		}
		pool.freeBitmap[block] |= mask
		pool.freeCount--
	}
}

// findFreeRun returns the first frame of a run of count free frames whose
// frame number is a multiple of alignment. It returns mm.InvalidFrame if no
// such run exists.
func (pool *framePool) findFreeRun(count, alignment uint32) mm.Frame {
	if count == 0 || pool.freeCount < count {
		return mm.InvalidFrame
	}

	align := mm.Frame(alignment)
	first := (pool.startFrame + align - 1) &^ (align - 1)
	for ; first+mm.Frame(count)-1 <= pool.endFrame; first += align {
		free := true
		for frame := first; frame < first+mm.Frame(count); frame++ {
			if pool.isReserved(frame) {
				free = false
				break
			}
		}

		if free {
			return first
		}
	}

	return mm.InvalidFrame
}
