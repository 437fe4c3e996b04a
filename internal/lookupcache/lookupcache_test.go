package lookupcache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFindMissesOnEmptyCache(t *testing.T) {
	c := New(1 << 20)
	_, ok := c.Find(0x1000)
	require.False(t, ok)
}

func TestInsertThenFindHitsL1(t *testing.T) {
	c := New(1 << 20)
	c.Insert(0x1000, 0xdead0000)
	host, ok := c.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead0000), host)
}

func TestFindPromotesL2HitIntoL1(t *testing.T) {
	c := New(1 << 20)
	c.Insert(0x1000, 0xdead0000)
	// Force an L1 collision by evicting the slot's cached pair directly,
	// the way an aliasing RIP would: L1 still holds the same slot but for
	// a different stored rip, L2 still has the real entry.
	c.l1[0x1000&l1Mask] = l1Slot{host: 0xbeef, rip: 0x9999}

	host, ok := c.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0xdead0000), host)

	// now L1 must be repopulated for 0x1000
	require.Equal(t, uint64(0xdead0000), c.l1[0x1000&l1Mask].host)
	require.Equal(t, uint64(0x1000), c.l1[0x1000&l1Mask].rip)
}

func TestFindMissesOnRIPAliasWithinL1Slot(t *testing.T) {
	c := New(1 << 20)
	c.Insert(0x1000, 0xdead0000)
	// An address that aliases the same L1 slot but was never inserted.
	aliasRIP := uint64(0x1000 + l1Size)
	_, ok := c.Find(aliasRIP)
	require.False(t, ok)
}

func TestInvalidateRangeClearsL2AndL1(t *testing.T) {
	c := New(1 << 20)
	c.Insert(0x2000, 0xaaaa)
	c.Insert(0x3000, 0xbbbb)
	c.Insert(0x9000, 0xcccc)

	c.Invalidate(0x2000, 0x2000) // [0x2000, 0x4000)

	_, ok := c.Find(0x2000)
	require.False(t, ok)
	_, ok = c.Find(0x3000)
	require.False(t, ok)

	host, ok := c.Find(0x9000)
	require.True(t, ok)
	require.Equal(t, uint64(0xcccc), host)
}

func TestInvalidateDoesNotAffectEntriesOutsideRange(t *testing.T) {
	c := New(1 << 20)
	c.Insert(0x1000, 0x1111)
	c.Invalidate(0x5000, 0x1000)

	host, ok := c.Find(0x1000)
	require.True(t, ok)
	require.Equal(t, uint64(0x1111), host)
}
