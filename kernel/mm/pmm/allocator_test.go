package pmm

import (
	"sync"
	"testing"

	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"

	"vmcore/kernel"
	"vmcore/kernel/mm"
	"vmcore/kernel/sched"
)

func newTestAllocator(t *testing.T, cfg Config, swapper Swapper, scheduler sched.Scheduler) *FrameAllocator {
	t.Helper()

	mem, err := NewMemory(cfg.FirstFrame, cfg.Frames)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = mem.Close() })

	alloc, err := NewFrameAllocator(cfg, mem, swapper, scheduler)
	if err != nil {
		t.Fatal(err)
	}
	return alloc
}

func expectPanic(t *testing.T, exp *kernel.Error, fn func()) {
	t.Helper()

	defer func() {
		if err := recover(); err != exp {
			t.Errorf("expected to panic with %v; got %v", exp, err)
		}
	}()

	fn()
}

func TestNewFrameAllocatorErrors(t *testing.T) {
	specs := []struct {
		cfg    Config
		expErr *kernel.Error
	}{
		{Config{Frames: 0}, errNoFrames},
		{Config{Frames: 8, ContiguousFrames: 8}, errBadPoolSize},
	}

	for specIndex, spec := range specs {
		if _, err := NewFrameAllocator(spec.cfg, nil, nil, nil); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestFrameAllocatorAllocAndFree(t *testing.T) {
	alloc := newTestAllocator(t, Config{FirstFrame: 16, Frames: 32}, nil, nil)
	origFree := alloc.FreeCount()

	// Frames are handed out in ascending order on a fresh allocator.
	var frames []mm.Frame
	for expFrame := mm.Frame(16); ; expFrame++ {
		frame, err := alloc.Allocate(KindUser)
		if err == ErrOutOfMemory {
			break
		}
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if frame != expFrame {
			t.Errorf("expected allocated frame to be %d; got %d", expFrame, frame)
		}
		if !alloc.IsAllocated(frame) {
			t.Errorf("expected frame %d to be marked as allocated", frame)
		}
		frames = append(frames, frame)
	}

	if exp, got := int(origFree), len(frames); got != exp {
		t.Fatalf("expected to allocate %d frames before running out of memory; got %d", exp, got)
	}

	if got := alloc.FreeCount(); got != 0 {
		t.Fatalf("expected free count to be 0; got %d", got)
	}

	if exp, got := uint32(len(frames)), alloc.Stats().Allocated[KindUser]; got != exp {
		t.Fatalf("expected %d user frames to be allocated; got %d", exp, got)
	}

	for _, frame := range frames {
		alloc.Free(frame, KindUser)
	}

	if got := alloc.FreeCount(); got != origFree {
		t.Fatalf("expected free count to be restored to %d; got %d", origFree, got)
	}

	if got := alloc.Stats().Allocated[KindUser]; got != 0 {
		t.Fatalf("expected no user frames to be allocated; got %d", got)
	}
}

func TestFrameAllocatorZeroesFreedFrames(t *testing.T) {
	alloc := newTestAllocator(t, Config{Frames: 4}, nil, nil)

	frame, err := alloc.Allocate(KindUser)
	if err != nil {
		t.Fatal(err)
	}

	data := alloc.Memory().FrameBytes(frame)
	for i := range data {
		data[i] = 0xfe
	}

	alloc.Free(frame, KindUser)

	for i, b := range alloc.Memory().FrameBytes(frame) {
		if b != 0 {
			t.Fatalf("expected freed frame byte %d to be cleared; got 0x%x", i, b)
		}
	}
}

func TestFrameAllocatorBalancedSequences(t *testing.T) {
	alloc := newTestAllocator(t, Config{Frames: 64, ContiguousFrames: 16}, nil, nil)
	origFree := alloc.FreeCount()

	specs := [][]int{
		{1, -1},
		{4, -2, 3, -5},
		{10, -10, 10, -10},
		{48, -24, 12, -36},
	}

	for specIndex, spec := range specs {
		var live []mm.Frame
		for _, step := range spec {
			for ; step > 0; step-- {
				frame, err := alloc.Allocate(KindKernel)
				if err != nil {
					t.Fatalf("[spec %d] unexpected error: %v", specIndex, err)
				}
				live = append(live, frame)
			}
			for ; step < 0; step++ {
				alloc.Free(live[len(live)-1], KindKernel)
				live = live[:len(live)-1]
			}
		}

		if got := alloc.FreeCount(); got != origFree {
			t.Errorf("[spec %d] expected free count to be %d; got %d", specIndex, origFree, got)
		}
	}
}

func TestFrameAllocatorCriticalWatermark(t *testing.T) {
	alloc := newTestAllocator(t, Config{Frames: 8, CriticalFrames: 2}, nil, nil)

	for i := 0; i < 6; i++ {
		if _, err := alloc.Allocate(KindUser); err != nil {
			t.Fatalf("[alloc %d] unexpected error: %v", i, err)
		}
	}

	for _, kind := range []Kind{KindUser, KindKernel} {
		if _, err := alloc.Allocate(kind); err != ErrOutOfMemory {
			t.Errorf("[%s] expected error ErrOutOfMemory; got %v", kind, err)
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := alloc.Allocate(KindCritical); err != nil {
			t.Fatalf("[critical %d] unexpected error: %v", i, err)
		}
	}

	if _, err := alloc.Allocate(KindCritical); err != ErrOutOfMemory {
		t.Errorf("expected error ErrOutOfMemory; got %v", err)
	}

	stats := alloc.Stats()
	if stats.Allocated[KindUser] != 6 || stats.Allocated[KindCritical] != 2 {
		t.Errorf("unexpected per-kind counters: %v", stats.Allocated)
	}
}

func TestFrameAllocatorFreeErrors(t *testing.T) {
	alloc := newTestAllocator(t, Config{FirstFrame: 8, Frames: 8, ContiguousFrames: 2}, nil, nil)

	frame, err := alloc.Allocate(KindUser)
	if err != nil {
		t.Fatal(err)
	}

	t.Run("kind mismatch", func(t *testing.T) {
		expectPanic(t, errKindMismatch, func() { alloc.Free(frame, KindKernel) })
	})

	t.Run("double free", func(t *testing.T) {
		alloc.Free(frame, KindUser)
		expectPanic(t, errDoubleFree, func() { alloc.Free(frame, KindUser) })
	})

	t.Run("frame not managed", func(t *testing.T) {
		expectPanic(t, errFrameNotManaged, func() { alloc.Free(mm.Frame(0xbadf00d), KindUser) })
	})

	t.Run("contiguous double free", func(t *testing.T) {
		expectPanic(t, errDoubleFree, func() { alloc.FreeContiguous(mm.Frame(14), 2) })
	})

	// The allocator must remain usable after reporting a violation.
	if got := alloc.FreeCount(); got != 6 {
		t.Fatalf("expected free count to be 6; got %d", got)
	}
}

func TestFrameAllocatorContiguous(t *testing.T) {
	alloc := newTestAllocator(t, Config{FirstFrame: 0, Frames: 48, ContiguousFrames: 16}, nil, nil)

	// The pool covers frames [32, 48).
	first, err := alloc.AllocateContiguous(4, 8)
	if err != nil {
		t.Fatal(err)
	}
	if first != mm.Frame(32) {
		t.Fatalf("expected first frame to be 32; got %d", first)
	}

	second, err := alloc.AllocateContiguous(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	if second != mm.Frame(36) {
		t.Fatalf("expected first frame to be 36; got %d", second)
	}

	if _, err = alloc.AllocateContiguous(16, 1); err != ErrContiguousUnavailable {
		t.Fatalf("expected error ErrContiguousUnavailable; got %v", err)
	}

	if _, err = alloc.AllocateContiguous(2, 3); err != errBadAlignment {
		t.Fatalf("expected error errBadAlignment; got %v", err)
	}

	// Contiguous allocations never touch the free stack.
	if got := alloc.FreeCount(); got != 32 {
		t.Fatalf("expected free count to be 32; got %d", got)
	}

	alloc.FreeContiguous(first, 4)
	alloc.Free(second, KindKernel)
	alloc.FreeContiguous(second+1, 3)

	stats := alloc.Stats()
	if stats.PoolFreeFrames != stats.PoolFrames {
		t.Fatalf("expected all %d pool frames to be free; got %d", stats.PoolFrames, stats.PoolFreeFrames)
	}

	if got, err := alloc.AllocateContiguous(16, 16); err != nil || got != mm.Frame(32) {
		t.Fatalf("expected to allocate the whole pool at frame 32; got %d, %v", got, err)
	}
}

func TestFrameAllocatorFreeContiguousOverrun(t *testing.T) {
	alloc := newTestAllocator(t, Config{FirstFrame: 0, Frames: 48, ContiguousFrames: 16}, nil, nil)

	first, err := alloc.AllocateContiguous(4, 4)
	if err != nil {
		t.Fatal(err)
	}
	second, err := alloc.AllocateContiguous(2, 1)
	if err != nil {
		t.Fatal(err)
	}

	for frame := first; frame < second+2; frame++ {
		alloc.Memory().FrameBytes(frame)[0] = byte(frame)
	}
	before := alloc.Stats()

	// The run covers the second allocation and ends in free pool frames.
	expectPanic(t, errDoubleFree, func() { alloc.FreeContiguous(first, 8) })

	for frame := first; frame < second+2; frame++ {
		if got := alloc.Memory().FrameBytes(frame)[0]; got != byte(frame) {
			t.Fatalf("expected frame %d to keep its contents; got 0x%x", frame, got)
		}
	}
	if after := alloc.Stats(); after != before {
		t.Fatalf("expected a rejected free to leave the allocator untouched; got %+v, was %+v", after, before)
	}

	// Both runs are still allocated and can be released normally.
	alloc.FreeContiguous(first, 4)
	alloc.FreeContiguous(second, 2)
	if stats := alloc.Stats(); stats.PoolFreeFrames != stats.PoolFrames {
		t.Fatalf("expected all %d pool frames to be free; got %d", stats.PoolFrames, stats.PoolFreeFrames)
	}
}

func TestReserve(t *testing.T) {
	t.Run("enough frames", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{Frames: 8}, nil, nil)

		rsv, err := alloc.Reserve(5)
		if err != nil {
			t.Fatal(err)
		}

		if exp, got := uint32(5), alloc.Stats().ReservedFrames; got != exp {
			t.Fatalf("expected reserved frame count to be %d; got %d", exp, got)
		}

		// Unreserved allocations cannot dip into reserved frames.
		for i := 0; i < 3; i++ {
			if _, err = alloc.Allocate(KindUser); err != nil {
				t.Fatal(err)
			}
		}
		if _, err = alloc.Allocate(KindCritical); err != ErrOutOfMemory {
			t.Fatalf("expected error ErrOutOfMemory; got %v", err)
		}

		for i := 0; i < 5; i++ {
			if _, err = rsv.Allocate(KindUser); err != nil {
				t.Fatalf("[rsv alloc %d] unexpected error: %v", i, err)
			}
		}

		if _, err = rsv.Allocate(KindUser); err != ErrReservationExhausted {
			t.Fatalf("expected error ErrReservationExhausted; got %v", err)
		}

		if got := alloc.Stats().ReservedFrames; got != 0 {
			t.Fatalf("expected reserved frame count to be 0; got %d", got)
		}
	})

	t.Run("release returns unused frames", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{Frames: 8}, nil, nil)

		rsv, err := alloc.Reserve(8)
		if err != nil {
			t.Fatal(err)
		}

		if _, err = rsv.Allocate(KindUser); err != nil {
			t.Fatal(err)
		}

		rsv.Release()
		rsv.Release()

		if got := rsv.Remaining(); got != 0 {
			t.Fatalf("expected remaining frames to be 0; got %d", got)
		}

		if got := alloc.Stats().ReservedFrames; got != 0 {
			t.Fatalf("expected reserved frame count to be 0; got %d", got)
		}

		var nilRsv *Reservation
		nilRsv.Release()
		if _, err = nilRsv.Allocate(KindUser); err != ErrReservationExhausted {
			t.Fatalf("expected error ErrReservationExhausted; got %v", err)
		}
	})

	t.Run("zero count", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{Frames: 1}, nil, nil)

		rsv, err := alloc.Reserve(0)
		if err != nil {
			t.Fatal(err)
		}
		if got := rsv.Remaining(); got != 0 {
			t.Fatalf("expected remaining frames to be 0; got %d", got)
		}
	})

	t.Run("no swapper", func(t *testing.T) {
		alloc := newTestAllocator(t, Config{Frames: 4}, nil, nil)

		if _, err := alloc.Reserve(5); err != ErrOutOfMemory {
			t.Fatalf("expected error ErrOutOfMemory; got %v", err)
		}
	})
}

func TestReserveWithSwapper(t *testing.T) {
	t.Run("swapper cannot evict", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		swapper := NewMockSwapper(ctrl)
		alloc := newTestAllocator(t, Config{Frames: 4, SwapAttempts: 3}, swapper, nil)

		swapper.EXPECT().Evict(uint32(2)).Return(uint32(0))

		if _, err := alloc.Reserve(6); err != ErrOutOfMemory {
			t.Fatalf("expected error ErrOutOfMemory; got %v", err)
		}
	})

	t.Run("swapper frees synchronously", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		swapper := NewMockSwapper(ctrl)
		alloc := newTestAllocator(t, Config{Frames: 4, SwapAttempts: 3}, swapper, nil)

		var victims []mm.Frame
		for i := 0; i < 4; i++ {
			frame, err := alloc.Allocate(KindUser)
			if err != nil {
				t.Fatal(err)
			}
			victims = append(victims, frame)
		}

		swapper.EXPECT().Evict(uint32(3)).DoAndReturn(func(count uint32) uint32 {
			for ; count > 0; count-- {
				alloc.Free(victims[len(victims)-1], KindUser)
				victims = victims[:len(victims)-1]
			}
			return 3
		})

		rsv, err := alloc.Reserve(3)
		if err != nil {
			t.Fatal(err)
		}
		defer rsv.Release()

		if got := rsv.Remaining(); got != 3 {
			t.Fatalf("expected remaining frames to be 3; got %d", got)
		}
	})

	t.Run("reserve sleeps until frames are freed", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		swapper := NewMockSwapper(ctrl)
		scheduler := NewMockScheduler(ctrl)
		alloc := newTestAllocator(t, Config{Frames: 2, SwapAttempts: 1}, swapper, scheduler)

		victim, err := alloc.Allocate(KindUser)
		if err != nil {
			t.Fatal(err)
		}

		// The swapper starts an asynchronous write-back; the frame is
		// returned while the reserving task sleeps.
		gomock.InOrder(
			swapper.EXPECT().Evict(uint32(1)).Return(uint32(1)),
			scheduler.EXPECT().Sleep(sched.EventFrameFreed, gomock.Any()).Do(func(_ sched.Event, lk sync.Locker) {
				lk.Unlock()
				alloc.Free(victim, KindUser)
				lk.Lock()
			}),
		)
		scheduler.EXPECT().WakeAll(sched.EventFrameFreed).AnyTimes()

		rsv, err := alloc.Reserve(2)
		if err != nil {
			t.Fatal(err)
		}
		rsv.Release()
	})

	t.Run("attempts exhausted", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		swapper := NewMockSwapper(ctrl)
		scheduler := NewMockScheduler(ctrl)
		alloc := newTestAllocator(t, Config{Frames: 2, SwapAttempts: 2}, swapper, scheduler)

		// Each round promises a frame that never arrives.
		swapper.EXPECT().Evict(uint32(1)).Return(uint32(1)).Times(2)
		scheduler.EXPECT().Sleep(sched.EventFrameFreed, gomock.Any()).Times(2)

		if _, err := alloc.Reserve(3); err != ErrOutOfMemory {
			t.Fatalf("expected error ErrOutOfMemory; got %v", err)
		}
	})
}

func TestAllocateReclaim(t *testing.T) {
	ctrl := gomock.NewController(t)
	swapper := NewMockSwapper(ctrl)
	alloc := newTestAllocator(t, Config{Frames: 1, SwapAttempts: 1}, swapper, nil)

	victim, err := alloc.Allocate(KindUser)
	if err != nil {
		t.Fatal(err)
	}

	if _, err = alloc.Allocate(KindUser); err != ErrOutOfMemory {
		t.Fatalf("expected error ErrOutOfMemory; got %v", err)
	}

	swapper.EXPECT().Evict(uint32(1)).DoAndReturn(func(uint32) uint32 {
		alloc.Free(victim, KindUser)
		return 1
	})

	frame, err := alloc.AllocateReclaim(KindUser)
	if err != nil {
		t.Fatal(err)
	}
	if frame != victim {
		t.Fatalf("expected to get reclaimed frame %d; got %d", victim, frame)
	}

	if got := alloc.Stats().ReservedFrames; got != 0 {
		t.Fatalf("expected reserved frame count to be 0; got %d", got)
	}
}

func TestFrameAllocatorConcurrentAccess(t *testing.T) {
	alloc := newTestAllocator(t, Config{Frames: 256, CriticalFrames: 8}, nil, nil)
	origFree := alloc.FreeCount()

	var g errgroup.Group
	for worker := 0; worker < 8; worker++ {
		g.Go(func() error {
			for round := 0; round < 50; round++ {
				rsv, err := alloc.Reserve(4)
				if err != nil {
					return err
				}

				var frames []mm.Frame
				for i := 0; i < 4; i++ {
					frame, err := rsv.Allocate(KindUser)
					if err != nil {
						return err
					}
					frames = append(frames, frame)
				}
				rsv.Release()

				frame, err := alloc.Allocate(KindKernel)
				if err != nil {
					return err
				}
				alloc.Free(frame, KindKernel)

				for _, frame := range frames {
					alloc.Free(frame, KindUser)
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	if got := alloc.FreeCount(); got != origFree {
		t.Fatalf("expected free count to be restored to %d; got %d", origFree, got)
	}
}
