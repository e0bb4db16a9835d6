package pmm

//go:generate mockgen -source=swap.go -destination=mock_swap_test.go -package=pmm
//go:generate mockgen -destination=mock_sched_test.go -package=pmm vmcore/kernel/sched Scheduler

// Swapper is implemented by the swap subsystem. The frame allocator asks it
// to reclaim frames when a reservation cannot be satisfied.
type Swapper interface {
	// Evict starts evicting up to count frames and returns the number of
	// frames that will be handed back to the allocator through Free. The
	// frames may be returned before Evict returns or asynchronously.
	// Evict is always invoked with no frame allocator lock held.
	Evict(count uint32) uint32
}
