// Package vma implements the guest virtual-memory-area tracker (component
// C1): the authoritative map of what's mapped where in the guest address
// space, kept non-overlapping and split (never merged) on every mmap/
// mprotect/munmap, and the trigger for invalidating any translated code that
// covered a range that just changed.
package vma

import (
	"sort"
	"sync"
)

// Invalidator is notified whenever a range of guest addresses stops
// meaning what it used to (unmapped or reprotected), so internal/
// lookupcache and internal/codecache can drop anything translated from
// it.
type Invalidator interface {
	InvalidateRange(base, length uint64)
}

// ResourceUnloader is notified when a MappedResource's last VMA
// disappears, so any AOT code-cache entry keyed on that resource
// (internal/codecache) can be dropped too.
type ResourceUnloader interface {
	UnloadResource(resourceID uint32)
}

// Tracker is the C1 VMA tracker: an ordered map of VMAEntry keyed by Base,
// plus a per-MappedResource doubly linked list of every VMA referencing
// it.
type Tracker struct {
	mu sync.Mutex

	arena entryArena

	bases  []uint64 // sorted ascending
	byBase map[uint64]uint32

	resources      map[uint32]*MappedResource
	nextResourceID uint32

	invalidator Invalidator
	unloader    ResourceUnloader
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		byBase:    make(map[uint64]uint32),
		resources: make(map[uint32]*MappedResource),
	}
}

// SetInvalidator/SetResourceUnloader wire the cache-invalidation hooks;
// both are optional.
func (t *Tracker) SetInvalidator(inv Invalidator)          { t.invalidator = inv }
func (t *Tracker) SetResourceUnloader(u ResourceUnloader)  { t.unloader = u }

// NewResource allocates and registers a fresh MappedResource.
func (t *Tracker) NewResource(kind ResourceKind, path string, key int32, size uint64) *MappedResource {
	t.mu.Lock()
	defer t.mu.Unlock()
	r := &MappedResource{ID: t.nextResourceID, Kind: kind, Path: path, Key: key, Size: size, head: noEntry, tail: noEntry}
	t.nextResourceID++
	t.resources[r.ID] = r
	return r
}

// --- ordered-by-base index -------------------------------------------------

func (t *Tracker) insertOrder(base uint64, id uint32) {
	i := sort.Search(len(t.bases), func(i int) bool { return t.bases[i] >= base })
	t.bases = append(t.bases, 0)
	copy(t.bases[i+1:], t.bases[i:])
	t.bases[i] = base
	t.byBase[base] = id
}

func (t *Tracker) removeOrder(base uint64) {
	i := sort.Search(len(t.bases), func(i int) bool { return t.bases[i] >= base })
	if i < len(t.bases) && t.bases[i] == base {
		t.bases = append(t.bases[:i], t.bases[i+1:]...)
	}
	delete(t.byBase, base)
}

// overlapping returns the ids of every entry intersecting [base,base+length),
// sorted ascending by Base.
func (t *Tracker) overlapping(base, length uint64) []uint32 {
	end := base + length
	lo := sort.Search(len(t.bases), func(i int) bool {
		id := t.byBase[t.bases[i]]
		return t.arena.get(id).End() > base
	})
	var ids []uint32
	for i := lo; i < len(t.bases) && t.bases[i] < end; i++ {
		ids = append(ids, t.byBase[t.bases[i]])
	}
	return ids
}

// --- per-resource doubly linked list ---------------------------------------

func (t *Tracker) appendTail(res *MappedResource, id uint32) {
	e := t.arena.get(id)
	e.resPrev, e.resNext = res.tail, noEntry
	if res.tail != noEntry {
		t.arena.get(res.tail).resNext = id
	} else {
		res.head = id
	}
	res.tail = id
}

func (t *Tracker) linkAfter(res *MappedResource, afterID, newID uint32) {
	afterE, newE := t.arena.get(afterID), t.arena.get(newID)
	newE.resPrev, newE.resNext = afterID, afterE.resNext
	if afterE.resNext != noEntry {
		t.arena.get(afterE.resNext).resPrev = newID
	} else {
		res.tail = newID
	}
	afterE.resNext = newID
}

// linkBefore inserts newID immediately ahead of beforeID in res's list,
// used when a split's left-hand piece must keep the list sorted by Base.
func (t *Tracker) linkBefore(res *MappedResource, beforeID, newID uint32) {
	beforeE, newE := t.arena.get(beforeID), t.arena.get(newID)
	newE.resNext, newE.resPrev = beforeID, beforeE.resPrev
	if beforeE.resPrev != noEntry {
		t.arena.get(beforeE.resPrev).resNext = newID
	} else {
		res.head = newID
	}
	beforeE.resPrev = newID
}

func (t *Tracker) linkReplace(res *MappedResource, oldID, newID uint32) {
	oldE, newE := t.arena.get(oldID), t.arena.get(newID)
	newE.resPrev, newE.resNext = oldE.resPrev, oldE.resNext
	if oldE.resPrev != noEntry {
		t.arena.get(oldE.resPrev).resNext = newID
	} else {
		res.head = newID
	}
	if oldE.resNext != noEntry {
		t.arena.get(oldE.resNext).resPrev = newID
	} else {
		res.tail = newID
	}
}

func (t *Tracker) unlinkFromList(res *MappedResource, id uint32) {
	e := t.arena.get(id)
	if e.resPrev != noEntry {
		t.arena.get(e.resPrev).resNext = e.resNext
	} else {
		res.head = e.resNext
	}
	if e.resNext != noEntry {
		t.arena.get(e.resNext).resPrev = e.resPrev
	} else {
		res.tail = e.resPrev
	}
}

func (t *Tracker) maybeFreeResource(res, preserved *MappedResource) {
	if res == nil || res == preserved || !res.empty() {
		return
	}
	delete(t.resources, res.ID)
	if t.unloader != nil {
		t.unloader.UnloadResource(res.ID)
	}
}

// --- operations -------------------------------------------------------------

// TrackRange replaces any existing coverage of [base,base+length) with a
// single new mapping.
func (t *Tracker) TrackRange(base, offset, length uint64, flags Flags, prot Prot, resource *MappedResource) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.deleteRangeLocked(base, length, nil)

	e := VMAEntry{Resource: resource, resPrev: noEntry, resNext: noEntry, Base: base, Offset: offset, Length: length, Flags: flags, Prot: prot}
	id := t.arena.insert(e)
	t.insertOrder(base, id)
	if resource != nil {
		t.appendTail(resource, id)
	}
}

// DeleteRange removes all coverage of [base,base+length), splitting edge
// VMAs and freeing any MappedResource whose last VMA disappears (unless it
// is preserved).
func (t *Tracker) DeleteRange(base, length uint64, preserved *MappedResource) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.deleteRangeLocked(base, length, preserved)
	if t.invalidator != nil {
		t.invalidator.InvalidateRange(base, length)
	}
}

func (t *Tracker) deleteRangeLocked(base, length uint64, preserved *MappedResource) {
	end := base + length
	ids := t.overlapping(base, length)
	// Iterate backwards (highest Base first) so a single request spanning
	// many VMAs is O(intersected) and splits never shift indices we still
	// need to visit.
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		e := t.arena.get(id)
		mb, mt := e.Base, e.End()
		leftPiece, rightPiece := mb < base, mt > end

		switch {
		case leftPiece && rightPiece:
			right := VMAEntry{
				Resource: e.Resource, resPrev: noEntry, resNext: noEntry,
				Base: end, Offset: e.Offset + (end - mb), Length: mt - end,
				Flags: e.Flags, Prot: e.Prot,
			}
			rightID := t.arena.insert(right)
			e = t.arena.get(id) // insert may have grown the arena's backing slice
			if e.Resource != nil {
				t.linkAfter(e.Resource, id, rightID)
			}
			t.insertOrder(end, rightID)
			e.Length = base - mb

		case leftPiece:
			e.Length = base - mb

		case rightPiece:
			keep := VMAEntry{
				Resource: e.Resource, resPrev: noEntry, resNext: noEntry,
				Base: end, Offset: e.Offset + (end - mb), Length: mt - end,
				Flags: e.Flags, Prot: e.Prot,
			}
			keepID := t.arena.insert(keep)
			if e.Resource != nil {
				// linkReplace already re-threads id's neighbors to point
				// at keepID, so id is fully detached from the list —
				// nothing further to unlink.
				t.linkReplace(e.Resource, id, keepID)
			}
			t.removeOrder(mb)
			t.insertOrder(end, keepID)
			t.arena.delete(id)

		default:
			res := e.Resource
			if res != nil {
				t.unlinkFromList(res, id)
			}
			t.removeOrder(mb)
			t.arena.delete(id)
			t.maybeFreeResource(res, preserved)
		}
	}
}

// ChangeProtection applies newProt over [base,base+length), splitting VMAs
// at both edges and keeping the original Prot on the split-off edges.
func (t *Tracker) ChangeProtection(base, length uint64, newProt Prot) {
	t.mu.Lock()
	defer t.mu.Unlock()

	end := base + length
	ids := t.overlapping(base, length)
	for i := len(ids) - 1; i >= 0; i-- {
		id := ids[i]
		e := t.arena.get(id)
		mb, mt := e.Base, e.End()
		start, stop := max64(mb, base), min64(mt, end)

		if mb < start {
			left := VMAEntry{
				Resource: e.Resource, resPrev: noEntry, resNext: noEntry,
				Base: mb, Offset: e.Offset, Length: start - mb,
				Flags: e.Flags, Prot: e.Prot,
			}
			leftID := t.arena.insert(left)
			e = t.arena.get(id) // insert may have grown the arena's backing slice
			if e.Resource != nil {
				t.linkBefore(e.Resource, id, leftID)
			}
			t.removeOrder(mb)
			t.insertOrder(mb, leftID)
			e.Offset += start - mb
			e.Base = start
			t.insertOrder(start, id)
			mb = start
		}
		if stop < mt {
			right := VMAEntry{
				Resource: e.Resource, resPrev: noEntry, resNext: noEntry,
				Base: stop, Offset: e.Offset + (stop - mb), Length: mt - stop,
				Flags: e.Flags, Prot: e.Prot,
			}
			rightID := t.arena.insert(right)
			e = t.arena.get(id) // insert may have grown the arena's backing slice
			if e.Resource != nil {
				t.linkAfter(e.Resource, id, rightID)
			}
			t.insertOrder(stop, rightID)
			e.Length = stop - mb
		} else {
			e.Length = mt - mb
		}
		e.Prot = newProt
	}
	if t.invalidator != nil {
		t.invalidator.InvalidateRange(base, length)
	}
}

// DeleteShmRegion erases every VMA referencing the SysV SHM resource
// rooted at base (the first such VMA found at or after base) and returns
// the resource's total size.
func (t *Tracker) DeleteShmRegion(base uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.bases), func(i int) bool { return t.bases[i] >= base })
	var res *MappedResource
	for ; i < len(t.bases); i++ {
		e := t.arena.get(t.byBase[t.bases[i]])
		if e.Resource != nil && e.Resource.Kind == ResourceSHM {
			res = e.Resource
			break
		}
	}
	if res == nil {
		return 0
	}

	size := res.Size
	for id := res.head; id != noEntry; {
		e := t.arena.get(id)
		next := e.resNext
		t.removeOrder(e.Base)
		t.arena.delete(id)
		id = next
	}
	res.head, res.tail = noEntry, noEntry
	delete(t.resources, res.ID)
	if t.unloader != nil {
		t.unloader.UnloadResource(res.ID)
	}
	if t.invalidator != nil {
		t.invalidator.InvalidateRange(base, size)
	}
	return size
}

// FindVMA returns the VMA containing addr, or nil if none does, using a
// strict containment test.
func (t *Tracker) FindVMA(addr uint64) *VMAEntry {
	t.mu.Lock()
	defer t.mu.Unlock()

	i := sort.Search(len(t.bases), func(i int) bool { return t.bases[i] > addr })
	if i == 0 {
		return nil
	}
	e := t.arena.get(t.byBase[t.bases[i-1]])
	if addr < e.Base || addr >= e.End() {
		return nil
	}
	cp := *e
	return &cp
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
