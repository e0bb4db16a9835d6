package pmm

import (
	"strconv"
	"testing"

	"vmcore/kernel/mm"
)

func TestFramePoolMarkFrame(t *testing.T) {
	pool := newFramePool(mm.Frame(0), 128)

	for frame := mm.Frame(0); frame < mm.Frame(pool.size()); frame++ {
		pool.markFrame(frame, markReserved)

		block := uint64(frame / 64)
		blockOffset := uint64(frame % 64)
		bitIndex := (63 - blockOffset)
		bitMask := uint64(1 << bitIndex)

		if pool.freeBitmap[block]&bitMask != bitMask {
			t.Errorf("[frame %d] expected block[%d], bit %d to be set", frame, block, bitIndex)
		}

		if exp, got := uint32(127), pool.freeCount; got != exp {
			t.Errorf("[frame %d] expected free count to be %d; got %d", frame, exp, got)
		}

		pool.markFrame(frame, markFree)

		if pool.freeBitmap[block]&bitMask != 0 {
			t.Errorf("[frame %d] expected block[%d], bit %d to be unset", frame, block, bitIndex)
		}
	}

	// Calling markFrame with a frame not part of the pool should be a no-op
	pool.markFrame(mm.Frame(0xbadf00d), markReserved)
	for blockIndex, block := range pool.freeBitmap {
		if block != 0 {
			t.Errorf("expected all blocks to be set to 0; block %d is set to %d", blockIndex, block)
		}
	}

	// Marking a free frame as free should not change the free count
	pool.markFrame(mm.Frame(0), markFree)
	if exp, got := uint32(128), pool.freeCount; got != exp {
		t.Errorf("expected free count to be %d; got %d", exp, got)
	}
}

func TestFramePoolBitLayout(t *testing.T) {
	pool := newFramePool(mm.Frame(64), 128)

	for frame := mm.Frame(64); frame < mm.Frame(80); frame++ {
		pool.markFrame(frame, markReserved)
	}

	// The first 16 bits of block 0 should all be set to 1
	if exp, got := uint64(((1<<16)-1)<<48), pool.freeBitmap[0]; got != exp {
		t.Fatalf("expected block 0 to be:\n%064s\ngot:\n%064s",
			strconv.FormatUint(exp, 2),
			strconv.FormatUint(got, 2),
		)
	}

	if exp, got := uint32(112), pool.freeCount; got != exp {
		t.Fatalf("expected free count to be %d; got %d", exp, got)
	}
}

func TestFramePoolContains(t *testing.T) {
	pool := newFramePool(mm.Frame(128), 64)
	empty := newFramePool(mm.Frame(128), 0)

	specs := []struct {
		frame mm.Frame
		exp   bool
	}{
		{mm.Frame(0), false},
		{mm.Frame(127), false},
		{mm.Frame(128), true},
		{mm.Frame(191), true},
		{mm.Frame(192), false},
	}

	for specIndex, spec := range specs {
		if got := pool.contains(spec.frame); got != spec.exp {
			t.Errorf("[spec %d] expected contains(%d) to return %t; got %t", specIndex, spec.frame, spec.exp, got)
		}

		if empty.contains(spec.frame) {
			t.Errorf("[spec %d] expected empty pool not to contain frame %d", specIndex, spec.frame)
		}
	}

	if got := empty.size(); got != 0 {
		t.Errorf("expected empty pool size to be 0; got %d", got)
	}
}

func TestFramePoolFindFreeRun(t *testing.T) {
	pool := newFramePool(mm.Frame(3), 16)

	// Reserve frames 8 and 9.
	pool.markFrame(mm.Frame(8), markReserved)
	pool.markFrame(mm.Frame(9), markReserved)

	specs := []struct {
		count, alignment uint32
		exp              mm.Frame
	}{
		{1, 1, mm.Frame(3)},
		{5, 1, mm.Frame(3)},
		{6, 1, mm.Frame(10)},
		{4, 4, mm.Frame(4)},
		{3, 8, mm.Frame(16)},
		{4, 8, mm.InvalidFrame},
		{2, 16, mm.Frame(16)},
		{9, 1, mm.Frame(10)},
		{10, 1, mm.InvalidFrame},
		{0, 1, mm.InvalidFrame},
		{32, 1, mm.InvalidFrame},
	}

	for specIndex, spec := range specs {
		if got := pool.findFreeRun(spec.count, spec.alignment); got != spec.exp {
			t.Errorf("[spec %d] expected findFreeRun(%d, %d) to return %d; got %d", specIndex, spec.count, spec.alignment, spec.exp, got)
		}
	}
}
