package pmm

import (
	"testing"

	"vmcore/kernel"
	"vmcore/kernel/mm"
)

func TestInit(t *testing.T) {
	defer func() {
		newMemoryFn = NewMemory
		mm.SetFrameAllocator(nil)
		mm.SetFrameFreer(nil)
		mm.SetPhysicalMemory(nil)
	}()

	t.Run("success", func(t *testing.T) {
		alloc, err := Init(Config{FirstFrame: 1, Frames: 16, ContiguousFrames: 4}, nil, nil)
		if err != nil {
			t.Fatal(err)
		}
		defer func() { _ = alloc.Memory().Close() }()

		if Default() != alloc {
			t.Fatal("expected Init to install the allocator as the default one")
		}

		// At this point mm.AllocFrame should work
		frame, err := mm.AllocFrame()
		if err != nil {
			t.Fatal(err)
		}

		if exp, got := uint32(1), alloc.Stats().Allocated[KindKernel]; got != exp {
			t.Fatalf("expected %d kernel frames to be allocated; got %d", exp, got)
		}

		mm.FrameBytes(frame)[0] = 0xaa
		if got := alloc.Memory().FrameBytes(frame)[0]; got != 0xaa {
			t.Fatalf("expected mm.FrameBytes to alias allocator memory; got 0x%x", got)
		}

		if err = mm.FreeFrame(frame); err != nil {
			t.Fatal(err)
		}

		if alloc.IsAllocated(frame) {
			t.Fatalf("expected frame %d to be free", frame)
		}
	})

	t.Run("memory error", func(t *testing.T) {
		expErr := &kernel.Error{Module: "test", Message: "out of host memory"}
		newMemoryFn = func(mm.Frame, uint32) (*Memory, *kernel.Error) {
			return nil, expErr
		}

		if _, err := Init(Config{Frames: 16}, nil, nil); err != expErr {
			t.Fatalf("expected error %v; got %v", expErr, err)
		}
	})

	t.Run("allocator error", func(t *testing.T) {
		newMemoryFn = NewMemory

		if _, err := Init(Config{Frames: 4, ContiguousFrames: 4}, nil, nil); err != errBadPoolSize {
			t.Fatalf("expected error errBadPoolSize; got %v", err)
		}
	})
}
