// Package sched defines the contract through which the memory subsystem
// interacts with the scheduler: blocking the current executor until an event
// occurs and waking every executor blocked on an event.
package sched

import "sync"

// Event identifies a condition that executors can sleep on.
type Event uint32

const (
	// EventFrameFreed is signaled whenever a physical frame is returned to
	// the frame allocator or a reservation gives back unused frames.
	EventFrameFreed Event = iota + 1
)

// Scheduler is implemented by the thread layer.
type Scheduler interface {
	// Sleep atomically releases lk and blocks the current executor until
	// ev is signaled. The lock is re-acquired before Sleep returns.
	Sleep(ev Event, lk sync.Locker)

	// WakeAll wakes every executor sleeping on ev.
	WakeAll(ev Event)
}

type waitList struct {
	ch      chan struct{}
	waiters int
}

// WaitQueue is a Scheduler implementation for hosted kernels where each
// executor is a goroutine.
type WaitQueue struct {
	mu    sync.Mutex
	lists map[Event]*waitList
}

// NewWaitQueue returns an empty WaitQueue.
func NewWaitQueue() *WaitQueue {
	return &WaitQueue{lists: make(map[Event]*waitList)}
}

// Sleep implements Scheduler. The waiter is registered before lk is released
// so a WakeAll issued by a task that acquires lk afterwards is never lost.
func (q *WaitQueue) Sleep(ev Event, lk sync.Locker) {
	q.mu.Lock()
	if q.lists == nil {
		q.lists = make(map[Event]*waitList)
	}
	list, ok := q.lists[ev]
	if !ok {
		list = &waitList{ch: make(chan struct{})}
		q.lists[ev] = list
	}
	list.waiters++
	q.mu.Unlock()

	lk.Unlock()
	<-list.ch
	lk.Lock()
}

// WakeAll implements Scheduler.
func (q *WaitQueue) WakeAll(ev Event) {
	q.mu.Lock()
	if list, ok := q.lists[ev]; ok {
		close(list.ch)
		delete(q.lists, ev)
	}
	q.mu.Unlock()
}

// Waiters returns the number of executors currently sleeping on ev.
func (q *WaitQueue) Waiters(ev Event) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if list, ok := q.lists[ev]; ok {
		return list.waiters
	}
	return 0
}
