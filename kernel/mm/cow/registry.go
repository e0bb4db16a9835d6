package cow

import "vmcore/kernel/mm"

// Entry records that an address space maps a frame as a copy-on-write page.
type Entry struct {
	Frame mm.Frame
	ASID  mm.ASID
}

// Registry stores the copy-on-write entries. Registry implementations are not
// required to be safe for concurrent use; the Tracker serializes access.
type Registry interface {
	// Add inserts an entry. Adding an entry that already exists is a
	// no-op.
	Add(e Entry)

	// Remove deletes an entry and reports whether it was present.
	Remove(e Entry) bool

	// Has reports whether the entry exists.
	Has(e Entry) bool

	// Count returns the number of address spaces sharing frame.
	Count(frame mm.Frame) int

	// Sharers returns the address spaces sharing frame.
	Sharers(frame mm.Frame) []mm.ASID

	// Len returns the total number of entries.
	Len() int
}

// ListRegistry is a Registry that keeps its entries in a slice and answers
// queries with a linear scan. The scan is bounded by the number of frames
// that are currently shared.
type ListRegistry struct {
	entries []Entry
}

// NewListRegistry returns an empty ListRegistry.
func NewListRegistry() *ListRegistry {
	return &ListRegistry{}
}

func (r *ListRegistry) index(e Entry) int {
	for i, entry := range r.entries {
		if entry == e {
			return i
		}
	}
	return -1
}

// Add implements Registry.
func (r *ListRegistry) Add(e Entry) {
	if r.index(e) >= 0 {
		return
	}
	r.entries = append(r.entries, e)
}

// Remove implements Registry.
func (r *ListRegistry) Remove(e Entry) bool {
	i := r.index(e)
	if i < 0 {
		return false
	}

	last := len(r.entries) - 1
	r.entries[i] = r.entries[last]
	r.entries = r.entries[:last]
	return true
}

// Has implements Registry.
func (r *ListRegistry) Has(e Entry) bool {
	return r.index(e) >= 0
}

// Count implements Registry.
func (r *ListRegistry) Count(frame mm.Frame) int {
	count := 0
	for _, entry := range r.entries {
		if entry.Frame == frame {
			count++
		}
	}
	return count
}

// Sharers implements Registry.
func (r *ListRegistry) Sharers(frame mm.Frame) []mm.ASID {
	var sharers []mm.ASID
	for _, entry := range r.entries {
		if entry.Frame == frame {
			sharers = append(sharers, entry.ASID)
		}
	}
	return sharers
}

// Len implements Registry.
func (r *ListRegistry) Len() int {
	return len(r.entries)
}
