package vma

import (
	"github.com/google/btree"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
)

var (
	errFreeOverlap    = &kernel.Error{Module: "vma", Message: "freed range overlaps free space"}
	errFreeOutOfArena = &kernel.Error{Module: "vma", Message: "freed range is outside the arena"}
	errFreeMapCorrupt = &kernel.Error{Module: "vma", Message: "free area map accounting does not balance"}
)

// Area is a maximal run of unused virtual addresses.
type Area struct {
	Addr uintptr
	Size uintptr
}

// End returns the first address after the area.
func (a Area) End() uintptr {
	return a.Addr + a.Size
}

func areaLess(a, b Area) bool { return a.Addr < b.Addr }

// FreeMap tracks the unused ranges of a bounded arena of virtual addresses.
// Free ranges are kept ordered by address and adjacent ranges are always
// coalesced. FreeMap is not safe for concurrent use.
type FreeMap struct {
	base uintptr
	size uintptr

	// free is the sum of the sizes of all areas.
	free  uintptr
	areas *btree.BTreeG[Area]
}

// NewFreeMap returns a map for the arena [base, base+size) with the whole
// arena free.
func NewFreeMap(base, size uintptr) (*FreeMap, *kernel.Error) {
	if err := validateRange(base, size); err != nil {
		return nil, err
	}

	m := &FreeMap{
		base:  base,
		size:  size,
		free:  size,
		areas: btree.NewG(btreeDegree, areaLess),
	}
	m.areas.ReplaceOrInsert(Area{Addr: base, Size: size})
	return m, nil
}

// Base returns the first address of the arena.
func (m *FreeMap) Base() uintptr { return m.base }

// Size returns the size of the arena.
func (m *FreeMap) Size() uintptr { return m.size }

// Contains returns true if [addr, addr+size) lies within the arena.
func (m *FreeMap) Contains(addr, size uintptr) bool {
	return addr >= m.base && addr+size >= addr && addr+size <= m.base+m.size
}

// TotalFree returns the number of free bytes.
func (m *FreeMap) TotalFree() uintptr { return m.free }

// TotalAllocated returns the number of allocated bytes.
func (m *FreeMap) TotalAllocated() uintptr { return m.size - m.free }

// Len returns the number of free areas.
func (m *FreeMap) Len() int { return m.areas.Len() }

// Nodes returns the free areas in ascending address order.
func (m *FreeMap) Nodes() []Area {
	nodes := make([]Area, 0, m.areas.Len())
	m.areas.Ascend(func(a Area) bool {
		nodes = append(nodes, a)
		return true
	})
	return nodes
}

// Allocate carves size bytes from the front of the first free area that is
// large enough and returns the start of the carved range.
func (m *FreeMap) Allocate(size uintptr) (uintptr, *kernel.Error) {
	if err := validateRange(m.base, size); err != nil {
		return 0, err
	}

	found, ok := m.firstFit(size)
	if !ok {
		return 0, ErrOutOfAddressSpace
	}

	m.carve(found, found.Addr, size)
	return found.Addr, nil
}

// Fits returns true if Allocate(size) would succeed.
func (m *FreeMap) Fits(size uintptr) bool {
	if validateRange(m.base, size) != nil {
		return false
	}

	_, ok := m.firstFit(size)
	return ok
}

func (m *FreeMap) firstFit(size uintptr) (found Area, ok bool) {
	m.areas.Ascend(func(a Area) bool {
		if a.Size >= size {
			found, ok = a, true
			return false
		}
		return true
	})
	return found, ok
}

// AllocateAt marks [addr, addr+size) as allocated. The range must lie
// entirely within a single free area.
func (m *FreeMap) AllocateAt(addr, size uintptr) *kernel.Error {
	if err := validateRange(addr, size); err != nil {
		return err
	}
	if !m.Contains(addr, size) {
		return ErrInvalidRange
	}

	area, ok := m.areaAtOrBefore(addr)
	if !ok || addr+size > area.End() {
		return ErrAddressInUse
	}

	m.carve(area, addr, size)
	return nil
}

// IsFree returns true if [addr, addr+size) lies entirely within a single free
// area.
func (m *FreeMap) IsFree(addr, size uintptr) bool {
	if validateRange(addr, size) != nil || !m.Contains(addr, size) {
		return false
	}

	area, ok := m.areaAtOrBefore(addr)
	return ok && addr+size <= area.End()
}

// carve removes [addr, addr+size) from area, keeping the fragments before
// and after the range.
func (m *FreeMap) carve(area Area, addr, size uintptr) {
	m.areas.Delete(area)

	if addr > area.Addr {
		m.areas.ReplaceOrInsert(Area{Addr: area.Addr, Size: addr - area.Addr})
	}
	if end := addr + size; end < area.End() {
		m.areas.ReplaceOrInsert(Area{Addr: end, Size: area.End() - end})
	}

	m.free -= size
}

// areaAtOrBefore returns the free area with the highest address not above
// addr.
func (m *FreeMap) areaAtOrBefore(addr uintptr) (Area, bool) {
	var (
		found Area
		ok    bool
	)
	m.areas.DescendLessOrEqual(Area{Addr: addr}, func(a Area) bool {
		found, ok = a, true
		return false
	})
	return found, ok
}

// areaAfter returns the free area with the lowest address above addr.
func (m *FreeMap) areaAfter(addr uintptr) (Area, bool) {
	var (
		found Area
		ok    bool
	)
	m.areas.AscendGreaterOrEqual(Area{Addr: addr}, func(a Area) bool {
		if a.Addr == addr {
			return true
		}
		found, ok = a, true
		return false
	})
	return found, ok
}

// Free returns [addr, addr+size) to the map, merging it with the adjacent
// free areas. Freeing a range that is not fully allocated is an invariant
// violation.
func (m *FreeMap) Free(addr, size uintptr) {
	if err := validateRange(addr, size); err != nil {
		m.fatal(err, addr, size)
		return
	}
	if !m.Contains(addr, size) {
		m.fatal(errFreeOutOfArena, addr, size)
		return
	}

	area := Area{Addr: addr, Size: size}

	prev, hasPrev := m.areaAtOrBefore(addr)
	if hasPrev && prev.End() > addr {
		m.fatal(errFreeOverlap, addr, size)
		return
	}

	next, hasNext := m.areaAfter(addr)
	if hasNext && next.Addr < area.End() {
		m.fatal(errFreeOverlap, addr, size)
		return
	}

	if hasPrev && prev.End() == addr {
		m.areas.Delete(prev)
		area.Addr, area.Size = prev.Addr, area.Size+prev.Size
	}
	if hasNext && next.Addr == area.End() {
		m.areas.Delete(next)
		area.Size += next.Size
	}

	m.areas.ReplaceOrInsert(area)
	m.free += size
}

// Clone returns an independent copy of the map.
func (m *FreeMap) Clone() *FreeMap {
	clone := *m
	clone.areas = m.areas.Clone()
	return &clone
}

// Check verifies that free areas lie within the arena, are ordered, never
// touch or overlap and that their sizes add up to TotalFree. A violation
// halts the kernel.
func (m *FreeMap) Check() {
	var (
		sum  uintptr
		prev *Area
		bad  bool
	)

	m.areas.Ascend(func(a Area) bool {
		if a.Size == 0 || !m.Contains(a.Addr, a.Size) || (prev != nil && prev.End() >= a.Addr) {
			bad = true
			return false
		}
		sum += a.Size
		cur := a
		prev = &cur
		return true
	})

	if bad || sum != m.free || m.TotalFree()+m.TotalAllocated() != m.size {
		kfmt.Printf("[vma] free map [0x%x - 0x%x): tracked free: 0x%x, sum of areas: 0x%x, areas: %d\n",
			m.base, m.base+m.size, m.free, sum, m.areas.Len())
		kfmt.Panic(errFreeMapCorrupt)
	}
}

func (m *FreeMap) fatal(err *kernel.Error, addr, size uintptr) {
	kfmt.Printf("[vma] invalid free of [0x%x - 0x%x) in arena [0x%x - 0x%x)\n", addr, addr+size, m.base, m.base+m.size)
	kfmt.Panic(err)
}
