package vma

import "math/bits"

// noEntry marks the absence of an entryArena id, the Option<Index> the
// spec's design notes call for on the per-resource list's prev/next links.
const noEntry = ^uint32(0)

// entryArena is a chunked, free-list-backed arena of VMAEntry values
// indexed by a dense uint32 id: one uint64 "used" bitmask per 64-entry
// chunk, grown a whole chunk at a time, slots reused on delete before any
// new chunk is appended. Adapted from internal/descriptor.Table's layout
// (itself used for wasm handle tables), generalized from a generic
// Table[Idx,Item] to a VMAEntry-specific arena since nothing else in this
// package needs the extra type parameter.
type entryArena struct {
	masks []uint64
	items []VMAEntry
}

// insert stores e in the first free slot (or a freshly grown chunk) and
// returns its id.
func (a *entryArena) insert(e VMAEntry) uint32 {
	for ci := range a.masks {
		if a.masks[ci] != ^uint64(0) {
			bit := uint32(bits.TrailingZeros64(^a.masks[ci]))
			a.masks[ci] |= 1 << bit
			id := uint32(ci)*64 + bit
			a.items[id] = e
			return id
		}
	}
	ci := len(a.masks)
	a.masks = append(a.masks, 1)
	a.items = append(a.items, make([]VMAEntry, 64)...)
	a.items[ci*64] = e
	return uint32(ci * 64)
}

// get returns a pointer to the entry stored at id. The caller must only
// call this with ids returned by insert and not yet passed to delete.
func (a *entryArena) get(id uint32) *VMAEntry {
	return &a.items[id]
}

// delete frees id's slot for reuse by a later insert.
func (a *entryArena) delete(id uint32) {
	ci, bit := id/64, id%64
	a.masks[ci] &^= 1 << bit
	a.items[id] = VMAEntry{}
}
