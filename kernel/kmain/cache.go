package kmain

import (
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/pmm"
	ksync "vmcore/kernel/sync"
)

// pageCache holds clean frames that can be dropped at any time. It is the
// swapper of the frame allocator: eviction simply returns cached frames.
type pageCache struct {
	lock    ksync.Spinlock
	alloc   *pmm.FrameAllocator
	frames  []mm.Frame
	evicted uint32
}

// fill caches up to count frames and returns the number cached.
func (c *pageCache) fill(count uint32) uint32 {
	c.lock.Acquire()
	defer c.lock.Release()

	var filled uint32
	for ; filled < count; filled++ {
		frame, err := c.alloc.Allocate(pmm.KindUser)
		if err != nil {
			break
		}
		mm.FrameBytes(frame)[0] = byte(filled)
		c.frames = append(c.frames, frame)
	}
	return filled
}

// Evict implements pmm.Swapper.
func (c *pageCache) Evict(count uint32) uint32 {
	c.lock.Acquire()
	var victims []mm.Frame
	for n := uint32(0); n < count && len(c.frames) > 0; n++ {
		last := len(c.frames) - 1
		victims = append(victims, c.frames[last])
		c.frames = c.frames[:last]
	}
	c.evicted += uint32(len(victims))
	c.lock.Release()

	for _, frame := range victims {
		c.alloc.Free(frame, pmm.KindUser)
	}
	return uint32(len(victims))
}

func (c *pageCache) stats() (cached, evicted uint32) {
	c.lock.Acquire()
	defer c.lock.Release()
	return uint32(len(c.frames)), c.evicted
}

// drop evicts every cached frame.
func (c *pageCache) drop() {
	c.Evict(^uint32(0))
}
