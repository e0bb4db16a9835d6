//go:build linux

package main

import (
	"flag"
	"os"

	"vmcore/kernel/kfmt"
	"vmcore/kernel/kmain"
)

// main parses the boot parameters and hands control to the kernel entrypoint.
func main() {
	cfg := kmain.DefaultConfig()

	frames := flag.Uint("frames", uint(cfg.Frames), "physical memory size in frames")
	contiguous := flag.Uint("contiguous-frames", uint(cfg.ContiguousFrames), "frames set aside for contiguous allocations")
	critical := flag.Uint("critical-frames", uint(cfg.CriticalFrames), "frames reserved for critical allocations")
	cache := flag.Uint("page-cache-frames", uint(cfg.PageCacheFrames), "frames filled with evictable cache at boot")
	flag.BoolVar(&cfg.Swap, "swap", cfg.Swap, "evict page cache frames when memory runs out")
	flag.IntVar(&cfg.SwapAttempts, "swap-attempts", cfg.SwapAttempts, "eviction rounds per reservation")
	flag.IntVar(&cfg.Children, "children", cfg.Children, "processes forked by the memory self-check")
	flag.Parse()

	cfg.Frames = uint32(*frames)
	cfg.ContiguousFrames = uint32(*contiguous)
	cfg.CriticalFrames = uint32(*critical)
	cfg.PageCacheFrames = uint32(*cache)

	if err := kmain.Kmain(cfg); err != nil {
		kfmt.Printf("boot failed: %s\n", err)
		os.Exit(1)
	}
}
