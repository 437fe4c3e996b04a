// Package codecache implements the on-disk, cross-process code cache:
// translated blocks persist across process restarts as a
// pair of files — an index keyed by the block's stable guest start
// address, and a bump-allocated data file holding the actual payload each
// index node points at. Both files are mmap'd so unrelated processes
// sharing the same rootfs can publish and discover entries without an
// RPC of their own; a handful of advisory file locks (via
// unix.FcntlFlock) keep the index's shape and the data file's allocation
// pointer consistent across them.
package codecache

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// fileTag versions the on-disk format; a mismatched tag on open
	// rewrites the tag and resets Count, the root and the write pointer
	// rather than trying to interpret bytes laid out by some other version.
	// The data file keeps its size, so ChunksUsed is not reset.
	fileTag = uint64(0x63685f6361636865) // "ch_cache"

	indexHeaderSize = 32 // Tag, Count, root id, write pointer, reserved
	indexNodeSize   = 24 // GuestStart, Left, Right, DataOffset
	indexChunkNodes = 4096

	dataHeaderSize = 32 // PayloadLen, NumRanges, GuestHash, reserved
	rangeSize      = 8  // Start, Length

	// ChunkSize is the data file's bump-allocation granularity.
	ChunkSize = 16 << 20
	// MaxChunks bounds the data file at 64 GiB; Insert refuses once hit.
	MaxChunks = 4096

	// dataOffsetTimeBase marks a DataOffset as "reserved, not yet
	// finalized": the low bits hold a coarse timestamp for the 2-second
	// stale-reservation adoption rule, bit 62 flags reservation.
	dataOffsetTimeBase = uint64(1) << 62

	noChild = ^uint32(0)
)

// Range is one byte span of guest memory a cache entry's correctness
// depends on: the entry is only valid while every range still hashes to
// GuestHash.
type Range struct {
	Start  uint32
	Length uint32
}

// Entry is a translated block as stored in the data file.
type Entry struct {
	Ranges    []Range
	GuestHash uint64
	Payload   []byte
}

// GuestMemory reads guest bytes for the fingerprinting step; callers wire
// this to whatever owns the guest address space (the VMA tracker's
// backing mappings, ultimately).
type GuestMemory interface {
	ReadAt(addr uint64, length uint32) ([]byte, error)
}

// Hasher computes the content fingerprint over a sequence of byte runs.
// The default is xxh3All in hash.go, an XXH-style mixer whose output is
// not bit-compatible with XXH3-64.
type Hasher func(runs [][]byte) uint64

// Option configures a Cache at Open time.
type Option func(*Cache)

// WithStalenessClock overrides the 2-second reservation-adoption window,
// letting tests collapse it to milliseconds instead of sleeping.
func WithStalenessClock(window time.Duration) Option {
	return func(c *Cache) { c.staleness = window }
}

// WithHasher overrides the fingerprint function; tests use this to avoid
// depending on the default hash's exact bit pattern.
func WithHasher(h Hasher) Option {
	return func(c *Cache) { c.hash = h }
}

// Cache is one IR-cache or Obj-cache instance: an IR cache and an Obj
// cache are each an independent Cache over its own file pair.
type Cache struct {
	dir       string
	indexPath string
	dataPath  string

	indexFile *os.File
	dataFile  *os.File

	mu        sync.Mutex // process-wide critical section guarding both files
	index     []byte     // mmap of indexFile
	data      []byte     // mmap of dataFile (grows a chunk at a time)
	chunksUsed uint32

	staleness time.Duration
	hash      Hasher
	now       func() time.Time
}

// Open creates dir if needed and maps (or initializes) name's index and
// data files within it.
func Open(dir, name string, opts ...Option) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("codecache: mkdir %s: %w", dir, err)
	}
	c := &Cache{
		dir:       dir,
		indexPath: filepath.Join(dir, name+".idx"),
		dataPath:  filepath.Join(dir, name+".dat"),
		staleness: 2 * time.Second,
		hash:      xxh3All,
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}

	var err error
	c.indexFile, err = os.OpenFile(c.indexPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("codecache: open index: %w", err)
	}
	c.dataFile, err = os.OpenFile(c.dataPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		c.indexFile.Close()
		return nil, fmt.Errorf("codecache: open data: %w", err)
	}

	if err := c.initIndex(); err != nil {
		return nil, err
	}
	if err := c.initData(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Cache) Close() error {
	var firstErr error
	if c.index != nil {
		if err := unix.Munmap(c.index); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := c.indexFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := c.dataFile.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

func (c *Cache) initIndex() error {
	st, err := c.indexFile.Stat()
	if err != nil {
		return err
	}
	if st.Size() < indexHeaderSize {
		if err := c.growIndexFile(indexHeaderSize + indexChunkNodes*indexNodeSize); err != nil {
			return err
		}
		if err := c.mapIndex(); err != nil {
			return err
		}
		binary.LittleEndian.PutUint64(c.index[0:8], fileTag)
		binary.LittleEndian.PutUint64(c.index[8:16], 0) // Count
		binary.LittleEndian.PutUint32(c.index[16:20], noChild)
		return nil
	}
	if err := c.mapIndex(); err != nil {
		return err
	}
	if binary.LittleEndian.Uint64(c.index[0:8]) != fileTag {
		binary.LittleEndian.PutUint64(c.index[0:8], fileTag)
		binary.LittleEndian.PutUint64(c.index[8:16], 0)
		binary.LittleEndian.PutUint32(c.index[16:20], noChild)
		binary.LittleEndian.PutUint64(c.index[20:28], 0) // write pointer
	}
	return nil
}

func (c *Cache) initData() error {
	st, err := c.dataFile.Stat()
	if err != nil {
		return err
	}
	if st.Size() < ChunkSize {
		if err := c.dataFile.Truncate(ChunkSize); err != nil {
			return err
		}
		c.chunksUsed = 1
	} else {
		c.chunksUsed = uint32(st.Size() / ChunkSize)
		if c.chunksUsed == 0 {
			c.chunksUsed = 1
		}
	}
	return c.mapData()
}

func (c *Cache) growIndexFile(size int64) error {
	return c.indexFile.Truncate(size)
}

func (c *Cache) mapIndex() error {
	if c.index != nil {
		if err := unix.Munmap(c.index); err != nil {
			return err
		}
	}
	st, err := c.indexFile.Stat()
	if err != nil {
		return err
	}
	m, err := unix.Mmap(int(c.indexFile.Fd()), 0, int(st.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("codecache: mmap index: %w", err)
	}
	c.index = m
	return nil
}

func (c *Cache) mapData() error {
	if c.data != nil {
		if err := unix.Munmap(c.data); err != nil {
			return err
		}
	}
	m, err := unix.Mmap(int(c.dataFile.Fd()), 0, int(c.chunksUsed)*ChunkSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("codecache: mmap data: %w", err)
	}
	c.data = m
	return nil
}

func (c *Cache) indexCount() uint64 { return binary.LittleEndian.Uint64(c.index[8:16]) }
func (c *Cache) setIndexCount(n uint64) { binary.LittleEndian.PutUint64(c.index[8:16], n) }
func (c *Cache) root() uint32 { return binary.LittleEndian.Uint32(c.index[16:20]) }
func (c *Cache) setRoot(id uint32) { binary.LittleEndian.PutUint32(c.index[16:20], id) }

func (c *Cache) nodeOffset(id uint32) int { return indexHeaderSize + int(id)*indexNodeSize }

func (c *Cache) nodeGuestStart(id uint32) uint64 {
	o := c.nodeOffset(id)
	return binary.LittleEndian.Uint64(c.index[o : o+8])
}
func (c *Cache) nodeLeft(id uint32) uint32 { o := c.nodeOffset(id); return binary.LittleEndian.Uint32(c.index[o+8 : o+12]) }
func (c *Cache) nodeRight(id uint32) uint32 {
	o := c.nodeOffset(id)
	return binary.LittleEndian.Uint32(c.index[o+12 : o+16])
}
func (c *Cache) nodeDataOffset(id uint32) uint64 {
	o := c.nodeOffset(id)
	return binary.LittleEndian.Uint64(c.index[o+16 : o+24])
}
func (c *Cache) setNodeLeft(id, v uint32) { o := c.nodeOffset(id); binary.LittleEndian.PutUint32(c.index[o+8:o+12], v) }
func (c *Cache) setNodeRight(id, v uint32) {
	o := c.nodeOffset(id)
	binary.LittleEndian.PutUint32(c.index[o+12:o+16], v)
}
func (c *Cache) setNodeDataOffset(id uint32, v uint64) {
	o := c.nodeOffset(id)
	binary.LittleEndian.PutUint64(c.index[o+16:o+24], v)
}

func (c *Cache) newNode(guestStart uint64) uint32 {
	id := uint32(c.indexCount())
	needed := int64(indexHeaderSize) + int64(id+1)*indexNodeSize
	if needed > int64(len(c.index)) {
		grown := int64(len(c.index)) + indexChunkNodes*indexNodeSize
		if err := c.growIndexFile(grown); err == nil {
			_ = c.mapIndex()
		}
	}
	o := c.nodeOffset(id)
	binary.LittleEndian.PutUint64(c.index[o:o+8], guestStart)
	binary.LittleEndian.PutUint32(c.index[o+8:o+12], noChild)
	binary.LittleEndian.PutUint32(c.index[o+12:o+16], noChild)
	c.setIndexCount(uint64(id) + 1)
	return id
}

// reservationNow packs the staleness clock's current tick into a DataOffset
// placeholder, distinguishable from a finalized offset by bit 62.
func reservationNow(now time.Time) uint64 {
	ms := uint64(now.UnixMilli())
	return dataOffsetTimeBase | (ms & (dataOffsetTimeBase - 1))
}

func reservationAge(now time.Time, reservation uint64) time.Duration {
	ms := reservation &^ dataOffsetTimeBase
	then := int64(ms)
	return now.Sub(time.UnixMilli(then))
}

func isReservation(dataOffset uint64) bool { return dataOffset&dataOffsetTimeBase != 0 }

// Find looks up the cached entry for offsetRIP (the block's stable,
// ASLR-independent key), re-hashing its ranges against guest memory at
// guestRIP+range.Start. A hash mismatch (the guest unmapped or
// overwrote the code since this entry was built) is reported as a miss,
// same as a plain cache miss.
func (c *Cache) Find(offsetRIP, guestRIP uint64, mem GuestMemory) (Entry, bool, error) {
	c.mu.Lock()
	_ = lockFile(c.indexFile)
	id, dataOffset, found := c.lookup(offsetRIP)
	_ = unlockFile(c.indexFile)
	c.mu.Unlock()
	if !found {
		return Entry{}, false, nil
	}
	if isReservation(dataOffset) {
		return Entry{}, false, nil
	}
	entry, err := c.readEntry(dataOffset)
	if err != nil {
		return Entry{}, false, err
	}
	var runs [][]byte
	for _, r := range entry.Ranges {
		b, err := mem.ReadAt(guestRIP+uint64(r.Start), r.Length)
		if err != nil {
			return Entry{}, false, nil
		}
		runs = append(runs, b)
	}
	if c.hash(runs) != entry.GuestHash {
		return Entry{}, false, nil
	}
	_ = id
	return entry, true, nil
}

func (c *Cache) lookup(guestStart uint64) (id uint32, dataOffset uint64, found bool) {
	cur := c.root()
	for cur != noChild {
		gs := c.nodeGuestStart(cur)
		switch {
		case guestStart == gs:
			return cur, c.nodeDataOffset(cur), true
		case guestStart < gs:
			cur = c.nodeLeft(cur)
		default:
			cur = c.nodeRight(cur)
		}
	}
	return 0, 0, false
}

// FillFunc populates a fresh entry's ranges and payload; it must not
// retain the Entry pointer past return.
type FillFunc func(e *Entry)

// Insert publishes a new translation for offsetRIP, or returns the
// winning entry if a concurrent writer already finished one. guestRIP is
// the runtime address used to compute GuestHash once fill has run.
func (c *Cache) Insert(offsetRIP, guestRIP uint64, fill FillFunc, mem GuestMemory) (Entry, error) {
	c.mu.Lock()
	_ = lockFile(c.indexFile)
	id, existingOffset, found := c.lookup(offsetRIP)
	if found && !isReservation(existingOffset) {
		_ = unlockFile(c.indexFile)
		c.mu.Unlock()
		return c.readEntry(existingOffset)
	}
	now := c.now()
	if found {
		if reservationAge(now, existingOffset) < c.staleness {
			_ = unlockFile(c.indexFile)
			c.mu.Unlock()
			return Entry{}, fmt.Errorf("codecache: reservation for %#x still fresh, yield", offsetRIP)
		}
		c.setNodeDataOffset(id, reservationNow(now))
	} else {
		id = c.insertReservation(offsetRIP, now)
	}
	_ = unlockFile(c.indexFile)
	c.mu.Unlock()

	var e Entry
	fill(&e)

	var runs [][]byte
	for _, r := range e.Ranges {
		b, err := mem.ReadAt(guestRIP+uint64(r.Start), r.Length)
		if err != nil {
			return Entry{}, fmt.Errorf("codecache: read guest range for hash: %w", err)
		}
		runs = append(runs, b)
	}
	e.GuestHash = c.hash(runs)

	c.mu.Lock()
	defer c.mu.Unlock()
	_ = lockFile(c.dataFile)
	offset, err := c.writeEntry(e)
	_ = unlockFile(c.dataFile)
	if err != nil {
		return Entry{}, err
	}

	_ = lockFile(c.indexFile)
	defer unlockFile(c.indexFile)
	// CAS-equivalent: we hold the process-wide mutex for the whole
	// read-modify-write, so a plain compare-then-write has the same
	// effect as an atomic CAS would across threads in this process; the
	// fcntl(F_SETLKW) held across the file already keeps other processes
	// out of this same critical section.
	if isReservation(c.nodeDataOffset(id)) {
		c.setNodeDataOffset(id, offset)
		return e, nil
	}
	// Another, older-reservation contender finalized first: our bytes
	// are wasted but harmless, return the winner.
	return c.readEntry(c.nodeDataOffset(id))
}

func (c *Cache) insertReservation(guestStart uint64, now time.Time) uint32 {
	id := c.newNode(guestStart)
	c.setNodeDataOffset(id, reservationNow(now))

	root := c.root()
	if root == noChild {
		c.setRoot(id)
		return id
	}
	cur := root
	for {
		gs := c.nodeGuestStart(cur)
		if guestStart < gs {
			if l := c.nodeLeft(cur); l == noChild {
				c.setNodeLeft(cur, id)
				return id
			} else {
				cur = l
			}
		} else {
			if r := c.nodeRight(cur); r == noChild {
				c.setNodeRight(cur, id)
				return id
			} else {
				cur = r
			}
		}
	}
}

// writeEntry bump-allocates align_up(header+ranges+payload, 32) bytes in
// the current chunk (growing the data file by one ChunkSize chunk if it
// doesn't fit) and returns its DataOffset.
func (c *Cache) writeEntry(e Entry) (uint64, error) {
	size := dataHeaderSize + len(e.Ranges)*rangeSize + len(e.Payload)
	size = alignUp(size, 32)
	if size > ChunkSize {
		return 0, fmt.Errorf("codecache: entry of %d bytes exceeds chunk size", size)
	}

	writePtr := c.writePointer()
	chunk, offInChunk := writePtr/ChunkSize, writePtr%ChunkSize
	if offInChunk+uint64(size) > ChunkSize {
		chunk++
		offInChunk = 0
		if chunk >= MaxChunks {
			return 0, fmt.Errorf("codecache: data file exhausted at %d chunks", MaxChunks)
		}
	}
	if chunk >= uint64(c.chunksUsed) {
		if err := c.dataFile.Truncate(int64(chunk+1) * ChunkSize); err != nil {
			return 0, err
		}
		c.chunksUsed = uint32(chunk) + 1
		if err := c.mapData(); err != nil {
			return 0, err
		}
	}

	abs := chunk*ChunkSize + offInChunk
	buf := c.data[abs : abs+uint64(size)]
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(e.Payload)))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(len(e.Ranges)))
	binary.LittleEndian.PutUint64(buf[8:16], e.GuestHash)
	off := dataHeaderSize
	for _, r := range e.Ranges {
		binary.LittleEndian.PutUint32(buf[off:off+4], r.Start)
		binary.LittleEndian.PutUint32(buf[off+4:off+8], r.Length)
		off += rangeSize
	}
	copy(buf[off:], e.Payload)

	c.setWritePointer(abs + uint64(size))
	return abs, nil
}

// writePointer/setWritePointer live in bytes 20..28 of the index
// header, reused across the whole cache rather than the data file
// (which, per spec, may contain junk beyond it and is never read to
// recover it).
func (c *Cache) writePointer() uint64   { return binary.LittleEndian.Uint64(c.index[20:28]) }
func (c *Cache) setWritePointer(v uint64) { binary.LittleEndian.PutUint64(c.index[20:28], v) }

func (c *Cache) readEntry(dataOffset uint64) (Entry, error) {
	if dataOffset+dataHeaderSize > uint64(len(c.data)) {
		return Entry{}, fmt.Errorf("codecache: DataOffset %d out of bounds", dataOffset)
	}
	buf := c.data[dataOffset:]
	payloadLen := binary.LittleEndian.Uint32(buf[0:4])
	numRanges := binary.LittleEndian.Uint32(buf[4:8])
	guestHash := binary.LittleEndian.Uint64(buf[8:16])
	off := dataHeaderSize
	ranges := make([]Range, numRanges)
	for i := range ranges {
		ranges[i] = Range{
			Start:  binary.LittleEndian.Uint32(buf[off : off+4]),
			Length: binary.LittleEndian.Uint32(buf[off+4 : off+8]),
		}
		off += rangeSize
	}
	payload := make([]byte, payloadLen)
	copy(payload, buf[off:off+int(payloadLen)])
	return Entry{Ranges: ranges, GuestHash: guestHash, Payload: payload}, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

// lockFile/unlockFile take a whole-file advisory write lock so that
// unrelated processes sharing this cache directory serialize on the same
// critical sections this Cache's mutex already serializes within one
// process.
func lockFile(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}

func unlockFile(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0, Start: 0, Len: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
}
