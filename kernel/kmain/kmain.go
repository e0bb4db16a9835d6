//go:build linux

package kmain

import (
	"bytes"
	"fmt"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
	"vmcore/kernel/mm/addrspace"
	"vmcore/kernel/mm/cow"
	"vmcore/kernel/mm/pmm"
	"vmcore/kernel/syscall"
)

const (
	initASID     = mm.ASID(1)
	dataPages    = 16
	sharedPages  = 4
	stackPages   = 2
	stackGrowth  = 2
	dmaFrames    = 8
	sharedMarker = 0x5AFE
)

var (
	errSelfCheck = &kernel.Error{Module: "kmain", Message: "memory self-check failed"}
	errLeak      = &kernel.Error{Module: "kmain", Message: "frames leaked after all processes exited"}
)

// Kmain boots the memory management core described by cfg and runs a
// self-check: the init process maps data, shared and stack regions, forks
// cfg.Children children that write to their copy-on-write pages
// concurrently, and finally every process exits and the allocator must be
// back to its initial state.
func Kmain(cfg Config) *kernel.Error {
	if cfg.Output != nil {
		kfmt.SetOutputSink(cfg.Output)
	}
	log := kfmt.Logger("kmain")

	cache := &pageCache{}
	var swapper pmm.Swapper
	if cfg.Swap {
		swapper = cache
	}

	alloc, err := pmm.Init(cfg.allocatorConfig(), swapper, nil)
	if err != nil {
		return err
	}
	defer func() { _ = alloc.Memory().Close() }()

	cache.alloc = alloc
	if cfg.Swap {
		kfmt.Fprintf(log, "page cache holds %d frames\n", cache.fill(cfg.PageCacheFrames))
	}

	tracker := cow.NewTracker(nil)
	proc, err := addrspace.New(initASID, cfg.Layout, alloc, tracker)
	if err != nil {
		return err
	}
	defer proc.Destroy()

	if err = runSelfCheck(cfg, proc); err != nil {
		return err
	}

	if err = checkDMA(alloc); err != nil {
		return err
	}

	printStats(log, alloc, tracker, cache)

	proc.Destroy()
	cache.drop()

	stats := alloc.Stats()
	if stats.FreeFrames+stats.PoolFreeFrames != stats.TotalFrames || tracker.Stats().Entries != 0 {
		kfmt.Fprintf(log, "%d of %d frames free, %d copy-on-write entries left\n",
			stats.FreeFrames+stats.PoolFreeFrames, stats.TotalFrames, tracker.Stats().Entries)
		return errLeak
	}

	kfmt.Fprintf(log, "self-check passed\n")
	return nil
}

func runSelfCheck(cfg Config, proc *addrspace.AddressSpace) *kernel.Error {
	log := kfmt.Logger("kmain")

	data, errno := syscall.Mmap(proc, 0, dataPages*mm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS, nil, 0)
	if errno != 0 {
		return mapFailure(log, "data", errno)
	}

	shared, errno := syscall.Mmap(proc, 0, sharedPages*mm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_ANONYMOUS, nil, 0)
	if errno != 0 {
		return mapFailure(log, "shared", errno)
	}

	banner := []byte("vmcore init\x00")
	text, errno := syscall.Mmap(proc, cfg.Layout.UserBase, mm.PageSize, unix.PROT_READ|unix.PROT_EXEC, unix.MAP_PRIVATE|unix.MAP_FIXED, bytes.NewReader(banner), 0)
	if errno != 0 {
		return mapFailure(log, "text", errno)
	}

	stackTop := cfg.Layout.StackTop
	stack, errno := syscall.Mmap(proc, stackTop-stackPages*mm.PageSize, stackPages*mm.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_FIXED|unix.MAP_GROWSDOWN, nil, 0)
	if errno != 0 {
		return mapFailure(log, "stack", errno)
	}
	if stack, errno = syscall.Grow(proc, stack, stackGrowth); errno != 0 {
		return mapFailure(log, "stack growth", errno)
	}
	kfmt.Fprintf(log, "init: data 0x%x, shared 0x%x, text 0x%x, stack 0x%x-0x%x\n", data, shared, text, stack, stackTop)

	for page := uintptr(0); page < dataPages; page++ {
		if err := proc.WriteUint64(data+page*mm.PageSize, dataValue(initASID, page)); err != nil {
			return err
		}
	}

	var g errgroup.Group
	for i := 0; i < cfg.Children; i++ {
		id := initASID + mm.ASID(i+1)
		g.Go(func() error {
			return runChild(proc, id, data, shared)
		})
	}
	if err := g.Wait(); err != nil {
		kfmt.Fprintf(log, "child failed: %v\n", err)
		return errSelfCheck
	}

	for page := uintptr(0); page < dataPages; page++ {
		got, err := proc.ReadUint64(data + page*mm.PageSize)
		if err != nil {
			return err
		}
		if exp := dataValue(initASID, page); got != exp {
			kfmt.Fprintf(log, "init: data page %d reads 0x%x, expected 0x%x\n", page, got, exp)
			return errSelfCheck
		}
	}

	for i := 0; i < cfg.Children; i++ {
		id := initASID + mm.ASID(i+1)
		if got, _ := proc.ReadUint64(shared + uintptr(i)*8); got != sharedMarker|uint64(id)<<16 {
			kfmt.Fprintf(log, "init: shared slot %d reads 0x%x\n", i, got)
			return errSelfCheck
		}
	}

	var buf [len("vmcore init")]byte
	if err := proc.ReadAt(buf[:], text); err != nil || string(buf[:]) != "vmcore init" {
		kfmt.Fprintf(log, "init: text reads %q\n", buf[:])
		return errSelfCheck
	}

	proc.Check()
	return nil
}

// runChild forks the init process, writes to half of the private data pages and to its
// slot in the shared region, then exits.
func runChild(proc *addrspace.AddressSpace, id mm.ASID, data, shared uintptr) error {
	child, err := proc.Fork(id)
	if err != nil {
		return err
	}
	defer child.Destroy()

	for page := uintptr(0); page < dataPages; page += 2 {
		if err = child.WriteUint64(data+page*mm.PageSize, dataValue(id, page)); err != nil {
			return err
		}
	}

	for page := uintptr(0); page < dataPages; page++ {
		got, err := child.ReadUint64(data + page*mm.PageSize)
		if err != nil {
			return err
		}

		owner := initASID
		if page%2 == 0 {
			owner = id
		}
		if exp := dataValue(owner, page); got != exp {
			return fmt.Errorf("asid %d: data page %d reads 0x%x, expected 0x%x", id, page, got, exp)
		}
	}

	slot := shared + uintptr(id-initASID-1)*8
	if err = child.WriteUint64(slot, sharedMarker|uint64(id)<<16); err != nil {
		return err
	}

	child.Check()
	return nil
}

func dataValue(id mm.ASID, page uintptr) uint64 {
	return uint64(id)<<32 | uint64(page)
}

func mapFailure(log *kfmt.PrefixWriter, what string, errno unix.Errno) *kernel.Error {
	kfmt.Fprintf(log, "init: mapping %s failed: %v (%d)\n", what, errno, -int(errno))
	return errSelfCheck
}

// checkDMA allocates and releases a physically contiguous buffer.
func checkDMA(alloc *pmm.FrameAllocator) *kernel.Error {
	first, err := alloc.AllocateContiguous(dmaFrames, dmaFrames)
	if err != nil {
		return err
	}

	kfmt.Fprintf(kfmt.Logger("kmain"), "dma buffer at frames [%d, %d)\n", first, first+dmaFrames)
	alloc.FreeContiguous(first, dmaFrames)
	return nil
}

func printStats(log *kfmt.PrefixWriter, alloc *pmm.FrameAllocator, tracker *cow.Tracker, cache *pageCache) {
	stats := alloc.Stats()
	kfmt.Fprintf(log, "frames: %d total, %d free, %d pool (%d free), %d reserved\n",
		stats.TotalFrames, stats.FreeFrames, stats.PoolFrames, stats.PoolFreeFrames, stats.ReservedFrames)
	for kind := pmm.KindCritical; kind <= pmm.KindUser; kind++ {
		kfmt.Fprintf(log, "  %s: %d allocated\n", kind, stats.Allocated[kind])
	}

	cs := tracker.Stats()
	kfmt.Fprintf(log, "cow: %d entries, %d faults, %d copies, %d in place\n", cs.Entries, cs.Faults, cs.Copies, cs.InPlace)

	cached, evicted := cache.stats()
	kfmt.Fprintf(log, "page cache: %d cached, %d evicted\n", cached, evicted)
}
