// Package sync provides the spinlock used to guard short critical sections
// in the memory subsystem.
package sync

import (
	"runtime"
	"sync/atomic"
)

const (
	// spinAttemptsBeforeYielding is the number of failed acquisition
	// attempts after which the current task yields the CPU.
	spinAttemptsBeforeYielding = 64
)

var (
	// yieldFn is invoked by Acquire after spinAttemptsBeforeYielding
	// unsuccessful attempts. Tests may override it.
	yieldFn = runtime.Gosched
)

// Spinlock implements a lock where each task trying to acquire it busy-waits
// till the lock becomes available. Spinlocks must only be held for short
// periods and never across an operation that may block.
type Spinlock struct {
	state uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *Spinlock) Acquire() {
	for attempt := uint32(1); ; attempt++ {
		if atomic.LoadUint32(&l.state) == 0 && atomic.CompareAndSwapUint32(&l.state, 0, 1) {
			return
		}

		if attempt%spinAttemptsBeforeYielding == 0 {
			yieldFn()
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	return atomic.CompareAndSwapUint32(&l.state, 0, 1)
}

// Release relinquishes a held lock allowing other tasks to acquire it. Calling
// Release while the lock is free has no effect.
func (l *Spinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
}

// Held returns true if the lock is currently held by some task.
func (l *Spinlock) Held() bool {
	return atomic.LoadUint32(&l.state) != 0
}

// Lock is an alias for Acquire that allows a Spinlock to be used as a
// sync.Locker.
func (l *Spinlock) Lock() { l.Acquire() }

// Unlock is an alias for Release that allows a Spinlock to be used as a
// sync.Locker.
func (l *Spinlock) Unlock() { l.Release() }
