// Package lookupcache implements the dispatcher's block-address cache: a
// large direct-mapped L1 the dispatcher's hot path reads first, backed by
// a two-level paged L2 that never evicts on its own. internal/dispatch's
// Loop calls Find and Insert directly; no native-code copy of these checks
// is emitted.
package lookupcache

const (
	// l1Size is the direct-mapped L1's entry count: must be a power of
	// two so RIP&l1Mask is a single AND, and large enough that RIP
	// collisions stay rare across a real guest's working set.
	l1Size = 1 << 20
	l1Mask = l1Size - 1

	// pageShift/pageSize slice the masked guest RIP into an L2 page
	// index and an in-page entry index, mirroring a real page table.
	pageShift = 12
	pageSize  = 1 << pageShift
	pageMask  = pageSize - 1
)

// Entry is one translated block's cached address, keyed implicitly by
// the RIP it was stored under.
type Entry struct {
	Host uint64 // host code address; 0 means empty
	RIP  uint64
}

type l1Slot struct {
	host uint64
	rip  uint64
}

// Cache is one thread's lookup cache. It needs no locking: a Cache is
// only ever touched by the dispatcher thread that owns it — concurrent
// access from another goroutine is a misuse, not a race this package
// defends against.
type Cache struct {
	l1 [l1Size]l1Slot

	// l2 is indexed by page number (maskedRIP >> pageShift); each
	// present page is a pageSize-entry slice allocated lazily so an
	// idle cache costs nothing beyond the top-level slice.
	l2         []([]Entry)
	memMask    uint64 // VirtualMemSize-1, the RIP-masking fast path
	pageCount  uint64
}

// New creates a Cache for a guest address space of the given size, which
// must be a power of two so masking the RIP down to a page index stays a
// single AND.
func New(virtualMemSize uint64) *Cache {
	pages := virtualMemSize >> pageShift
	return &Cache{
		l2:        make([]([]Entry), pages),
		memMask:   virtualMemSize - 1,
		pageCount: pages,
	}
}

func (c *Cache) mask(rip uint64) uint64 { return rip & c.memMask }

// Find implements the dispatcher's inline lookup sequence: check L1,
// then L2 with promote-on-hit.
func (c *Cache) Find(rip uint64) (host uint64, ok bool) {
	slot := &c.l1[rip&l1Mask]
	if slot.rip == rip && slot.host != 0 {
		return slot.host, true
	}

	masked := c.mask(rip)
	pageIdx := masked >> pageShift
	page := c.l2[pageIdx]
	if page == nil {
		return 0, false
	}
	e := page[masked&pageMask]
	if e.Host == 0 || e.RIP != rip {
		return 0, false
	}

	slot.host, slot.rip = e.Host, rip
	return e.Host, true
}

// Insert writes L2 first, then L1, so a reader that races Insert (in the
// misuse case the package doesn't otherwise defend against) never
// observes an L1 hit for an entry L2 doesn't also have.
func (c *Cache) Insert(rip, host uint64) {
	masked := c.mask(rip)
	pageIdx := masked >> pageShift
	page := c.l2[pageIdx]
	if page == nil {
		page = make([]Entry, pageSize)
		c.l2[pageIdx] = page
	}
	page[masked&pageMask] = Entry{Host: host, RIP: rip}

	slot := &c.l1[rip&l1Mask]
	slot.host, slot.rip = host, rip
}

// Invalidate clears every cached entry whose guest RIP falls within
// [base, base+length), for both L2 (walked directly, since entries are
// addressable by guest RIP) and L1 (walked in full, since an L1 slot's
// stored RIP is the only way to tell what it aliases).
func (c *Cache) Invalidate(base, length uint64) {
	end := base + length
	startPage := c.mask(base) >> pageShift
	endMasked := c.mask(end - 1)
	endPage := endMasked >> pageShift

	if startPage <= endPage {
		for p := startPage; p <= endPage; p++ {
			c.invalidatePage(p, base, end)
		}
	} else {
		// The masked range wrapped (base, end straddle the guest
		// address space's modulus boundary): invalidate both halves.
		for p := startPage; p < c.pageCount; p++ {
			c.invalidatePage(p, base, end)
		}
		for p := uint64(0); p <= endPage; p++ {
			c.invalidatePage(p, base, end)
		}
	}

	for i := range c.l1 {
		slot := &c.l1[i]
		if slot.host != 0 && slot.rip >= base && slot.rip < end {
			slot.host, slot.rip = 0, 0
		}
	}
}

func (c *Cache) invalidatePage(pageIdx, base, end uint64) {
	page := c.l2[pageIdx]
	if page == nil {
		return
	}
	for i := range page {
		if page[i].Host != 0 && page[i].RIP >= base && page[i].RIP < end {
			page[i] = Entry{}
		}
	}
}
