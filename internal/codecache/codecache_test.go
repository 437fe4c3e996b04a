package codecache

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errNotMapped = errors.New("not mapped")

type fakeMemory struct {
	data map[uint64][]byte
}

func (m *fakeMemory) put(addr uint64, b []byte) { m.data[addr] = b }

func (m *fakeMemory) ReadAt(addr uint64, length uint32) ([]byte, error) {
	b, ok := m.data[addr]
	if !ok || uint32(len(b)) < length {
		return nil, errNotMapped
	}
	return b[:length], nil
}

func newTestCache(t *testing.T) *Cache {
	c, err := Open(t.TempDir(), "obj", WithStalenessClock(10*time.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestInsertThenFindRoundTrips(t *testing.T) {
	c := newTestCache(t)
	mem := &fakeMemory{data: map[uint64][]byte{}}
	mem.put(0x5000, []byte("hello-guest-code"))

	payload := []byte{0xde, 0xad, 0xbe, 0xef}
	fill := func(e *Entry) {
		e.Ranges = []Range{{Start: 0, Length: 16}}
		e.Payload = payload
	}
	written, err := c.Insert(0x1000, 0x5000, fill, mem)
	require.NoError(t, err)
	require.Equal(t, payload, written.Payload)

	found, ok, err := c.Find(0x1000, 0x5000, mem)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, payload, found.Payload)
	require.Equal(t, written.GuestHash, found.GuestHash)
}

func TestFindMissesUnknownKey(t *testing.T) {
	c := newTestCache(t)
	mem := &fakeMemory{data: map[uint64][]byte{}}
	_, ok, err := c.Find(0x9999, 0x5000, mem)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindMissesOnGuestHashMismatch(t *testing.T) {
	c := newTestCache(t)
	mem := &fakeMemory{data: map[uint64][]byte{}}
	mem.put(0x5000, []byte("original-bytes-1"))

	fill := func(e *Entry) {
		e.Ranges = []Range{{Start: 0, Length: 16}}
		e.Payload = []byte{1, 2, 3}
	}
	_, err := c.Insert(0x1000, 0x5000, fill, mem)
	require.NoError(t, err)

	mem.put(0x5000, []byte("mutated-bytes-22"))
	_, ok, err := c.Find(0x1000, 0x5000, mem)
	require.NoError(t, err)
	require.False(t, ok, "guest code changed under us, must report a miss")
}

func TestInsertIsIdempotentForSameKey(t *testing.T) {
	c := newTestCache(t)
	mem := &fakeMemory{data: map[uint64][]byte{}}
	mem.put(0x5000, []byte("hello-guest-code"))

	calls := 0
	fill := func(e *Entry) {
		calls++
		e.Ranges = []Range{{Start: 0, Length: 16}}
		e.Payload = []byte{byte(calls)}
	}
	first, err := c.Insert(0x1000, 0x5000, fill, mem)
	require.NoError(t, err)

	second, err := c.Insert(0x1000, 0x5000, fill, mem)
	require.NoError(t, err)
	require.Equal(t, first.Payload, second.Payload, "second insert must see the already-finalized entry")
	require.Equal(t, 1, calls, "fill must not run again for an already-finalized key")
}

func TestInsertManyKeysBuildsSearchableIndex(t *testing.T) {
	c := newTestCache(t)
	mem := &fakeMemory{data: map[uint64][]byte{}}

	keys := []uint64{0x4000, 0x1000, 0x7000, 0x2000, 0x6000}
	for i, k := range keys {
		mem.put(k, []byte("guest-code-block"))
		payload := []byte{byte(i)}
		_, err := c.Insert(k, k, func(e *Entry) {
			e.Ranges = []Range{{Start: 0, Length: 16}}
			e.Payload = payload
		}, mem)
		require.NoError(t, err)
	}

	for i, k := range keys {
		found, ok, err := c.Find(k, k, mem)
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, []byte{byte(i)}, found.Payload)
	}
}

func TestReopenPersistsEntries(t *testing.T) {
	dir := t.TempDir()
	c, err := Open(dir, "obj")
	require.NoError(t, err)
	mem := &fakeMemory{data: map[uint64][]byte{}}
	mem.put(0x5000, []byte("hello-guest-code"))
	_, err = c.Insert(0x1000, 0x5000, func(e *Entry) {
		e.Ranges = []Range{{Start: 0, Length: 16}}
		e.Payload = []byte("persisted")
	}, mem)
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c2, err := Open(dir, "obj")
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	found, ok, err := c2.Find(0x1000, 0x5000, mem)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("persisted"), found.Payload)
}

func TestXXH3AllIsSensitiveToByteContent(t *testing.T) {
	a := xxh3All([][]byte{[]byte("abcdefgh12345678")})
	b := xxh3All([][]byte{[]byte("abcdefgh12345679")})
	require.NotEqual(t, a, b)
}

func TestXXH3AllIsDeterministic(t *testing.T) {
	runs := [][]byte{[]byte("same-bytes-twice")}
	require.Equal(t, xxh3All(runs), xxh3All(runs))
}
