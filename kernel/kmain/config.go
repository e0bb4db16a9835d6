package kmain

import (
	"io"
	"os"

	"vmcore/kernel/mm/addrspace"
	"vmcore/kernel/mm/pmm"
)

// Config collects the boot parameters of the kernel.
type Config struct {
	// Frames is the amount of physical memory, in frames.
	Frames uint32

	// ContiguousFrames are set aside for physically contiguous
	// allocations.
	ContiguousFrames uint32

	// CriticalFrames is the watermark below which only critical
	// allocations succeed.
	CriticalFrames uint32

	// Swap enables eviction of page cache frames when memory runs out.
	// SwapAttempts bounds the eviction rounds of a single reservation.
	Swap         bool
	SwapAttempts int

	// PageCacheFrames are filled with cached data at boot and evicted on
	// demand when Swap is enabled.
	PageCacheFrames uint32

	// Layout is the user address space layout.
	Layout addrspace.Layout

	// Children is the number of processes forked by the self-check.
	Children int

	// Output receives the kernel log.
	Output io.Writer
}

// DefaultConfig returns the configuration used when no flags are given.
func DefaultConfig() Config {
	return Config{
		Frames:           4096,
		ContiguousFrames: 64,
		CriticalFrames:   16,
		Swap:             true,
		SwapAttempts:     4,
		PageCacheFrames:  256,
		Layout:           addrspace.DefaultLayout(),
		Children:         4,
		Output:           os.Stdout,
	}
}

func (cfg Config) allocatorConfig() pmm.Config {
	attempts := cfg.SwapAttempts
	if !cfg.Swap {
		attempts = 0
	}

	return pmm.Config{
		Frames:           cfg.Frames,
		ContiguousFrames: cfg.ContiguousFrames,
		CriticalFrames:   cfg.CriticalFrames,
		SwapAttempts:     attempts,
	}
}
