package vma

import (
	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
)

const btreeDegree = 8

var errRegionOverlap = &kernel.Error{Module: "vma", Message: "regions overlap"}

func regionLess(a, b *Region) bool { return a.Start < b.Start }

// Tree is an ordered collection of non-overlapping regions keyed by their
// start address. Tree is not safe for concurrent use.
type Tree struct {
	regions *btree.BTreeG[*Region]
}

// NewTree returns an empty region tree.
func NewTree() *Tree {
	return &Tree{regions: btree.NewG(btreeDegree, regionLess)}
}

// Len returns the number of regions in the tree.
func (t *Tree) Len() int {
	return t.regions.Len()
}

// Insert adds r to the tree. It fails with ErrAddressInUse if r overlaps an
// existing region.
func (t *Tree) Insert(r *Region) *kernel.Error {
	if err := validateRange(r.Start, r.Length); err != nil {
		return err
	}

	if t.Overlapping(r.Start, r.End(), nil) != nil {
		return ErrAddressInUse
	}

	t.regions.ReplaceOrInsert(r)
	return nil
}

// Remove deletes the region that starts at start.
func (t *Tree) Remove(start uintptr) (*Region, *kernel.Error) {
	r, ok := t.regions.Delete(&Region{Start: start})
	if !ok {
		return nil, ErrNoSuchRegion
	}
	return r, nil
}

// Get returns the region that starts at start.
func (t *Tree) Get(start uintptr) *Region {
	r, _ := t.regions.Get(&Region{Start: start})
	return r
}

// FindByAddress returns the region containing addr or nil.
func (t *Tree) FindByAddress(addr uintptr) *Region {
	var found *Region
	t.regions.DescendLessOrEqual(&Region{Start: addr}, func(r *Region) bool {
		if r.Contains(addr) {
			found = r
		}
		return false
	})
	return found
}

// Overlapping returns the first region other than skip that intersects
// [start, end), or nil.
func (t *Tree) Overlapping(start, end uintptr, skip *Region) *Region {
	var found *Region

	// Only the last region starting at or before start can reach into
	// the range from below.
	t.regions.DescendLessOrEqual(&Region{Start: start}, func(r *Region) bool {
		if r == skip {
			return true
		}
		if r.Overlaps(start, end) {
			found = r
		}
		return false
	})
	if found != nil {
		return found
	}

	t.regions.AscendRange(&Region{Start: start}, &Region{Start: end}, func(r *Region) bool {
		if r == skip {
			return true
		}
		found = r
		return false
	})
	return found
}

// Neighbors returns the regions immediately before and after r.
func (t *Tree) Neighbors(r *Region) (prev, next *Region) {
	t.regions.DescendLessOrEqual(&Region{Start: r.Start}, func(item *Region) bool {
		if item.Start == r.Start {
			return true
		}
		prev = item
		return false
	})

	t.regions.AscendGreaterOrEqual(&Region{Start: r.Start}, func(item *Region) bool {
		if item.Start == r.Start {
			return true
		}
		next = item
		return false
	})

	return prev, next
}

// Resize changes the range covered by r, which must belong to the tree. The
// tree is left unchanged if the new range is invalid or overlaps another
// region.
func (t *Tree) Resize(r *Region, start, length uintptr) *kernel.Error {
	if err := validateRange(start, length); err != nil {
		return err
	}

	if t.Overlapping(start, start+length, r) != nil {
		return ErrAddressInUse
	}

	if _, ok := t.regions.Delete(r); !ok {
		return ErrNoSuchRegion
	}
	r.Start, r.Length = start, length
	t.regions.ReplaceOrInsert(r)
	return nil
}

// Ascend calls fn for each region in ascending address order until fn
// returns false.
func (t *Tree) Ascend(fn func(*Region) bool) {
	t.regions.Ascend(fn)
}

// Regions returns a snapshot of the regions in ascending address order.
func (t *Tree) Regions() []Region {
	list := make([]Region, 0, t.regions.Len())
	t.regions.Ascend(func(r *Region) bool {
		list = append(list, *r)
		return true
	})
	return list
}

// Clone returns a tree holding copies of every region. SharedObject
// references are shared with the original; callers account for the extra
// references.
func (t *Tree) Clone() *Tree {
	clone := NewTree()
	t.regions.Ascend(func(r *Region) bool {
		cp := *r
		clone.regions.ReplaceOrInsert(&cp)
		return true
	})
	return clone
}

// Check verifies that regions are page aligned and do not overlap. A
// violation halts the kernel.
func (t *Tree) Check() {
	var prev *Region
	t.regions.Ascend(func(r *Region) bool {
		if validateRange(r.Start, r.Length) != nil || (prev != nil && prev.End() > r.Start) {
			kfmt.Printf("[vma] invalid region layout: %v after %v\n", r, prev)
			kfmt.Panic(errRegionOverlap)
			return false
		}
		prev = r
		return true
	})
}
