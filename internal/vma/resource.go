package vma

// ResourceKind distinguishes the handful of backing-object kinds a VMA can
// reference: file-backed, shm, or anonymous (no resource at all).
type ResourceKind uint8

const (
	// ResourceAnonymous marks a VMAEntry with no MappedResource at all
	// (anonymous private/shared mapping).
	ResourceAnonymous ResourceKind = iota
	ResourceFile
	ResourceSHM
)

// Flags carries the sharing mode of a mapping.
type Flags struct {
	Shared bool
}

// Prot is a guest page's read/write/execute permission triple.
type Prot struct {
	R, W, X bool
}

// MappedResource is the backing object a VMAEntry may reference: a file
// (identified by Path) or a SysV SHM segment
// (identified by its key). Its vmas list is a linked list of all VMAs
// referencing it, needed for cache invalidation — held as entryArena ids
// (head/tail), not pointers, so the arena can be indexed by a plain u32
// instead of carrying live Go pointers.
type MappedResource struct {
	ID    uint32
	Kind  ResourceKind
	Path  string // ResourceFile
	Key   int32  // ResourceSHM
	Size  uint64

	head, tail uint32 // entryArena ids, noEntry if the list is empty
}

func (r *MappedResource) empty() bool { return r.head == noEntry }

// VMAEntry is one contiguous, page-aligned guest mapping.
type VMAEntry struct {
	Resource       *MappedResource
	resPrev, resNext uint32 // entryArena ids within Resource's list

	Base, Offset, Length uint64
	Flags                Flags
	Prot                 Prot
}

// End returns the exclusive end address of the mapping.
func (e VMAEntry) End() uint64 { return e.Base + e.Length }
