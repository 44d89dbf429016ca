// Package store provides read access to a ringboard database: zero-copy
// entry resolution through the memory-mapped bucket pool, the direct-file
// store for large entries, double-ended ring iteration, and the parallel
// search engine.
//
// All types in this package open the database files read-only. The server
// process is the sole writer; readers observe its writes through the shared
// file pages and compensate for file growth with the remap-and-retry
// protocol (see [EntryReader]) or [DatabaseReader.GrowableGet].
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

// minBucketMapLen is the smallest mapping created for a bucket file, even
// when the file itself is empty. Keeping a non-zero mapping means growth is
// handled uniformly by the too-short retry path instead of a special case.
const minBucketMapLen = 4096

// EntryReader resolves entries to their bytes. It owns one mapping per
// bucket size class plus a handle to the direct-store directory.
//
// Mappings grow lazily: when a slot record references bytes beyond a
// mapping's current length, the resolver remaps that bucket to at least
// max(needed, 2x current) and retries once. Methods are not safe for
// concurrent use because a remap invalidates previously returned slices;
// the search engine takes a stable snapshot of the mappings instead.
type EntryReader struct {
	buckets [ring.NumBuckets]*ring.Mmap
	direct  *os.File
}

// OpenEntryReader opens the bucket pool and direct store under dataDir.
// Missing bucket files are created empty so a reader can come up before the
// server has ever written.
func OpenEntryReader(dataDir string) (*EntryReader, error) {
	bucketDir := filepath.Join(dataDir, "buckets")

	mkdirErr := os.MkdirAll(bucketDir, 0o755)
	if mkdirErr != nil {
		return nil, fmt.Errorf("failed to create bucket directory %q: %w", bucketDir, mkdirErr)
	}

	r := &EntryReader{}

	for class := range r.buckets {
		path := filepath.Join(bucketDir, strconv.Itoa(class))

		f, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0o600)
		if err != nil {
			r.closePartial(class)

			return nil, fmt.Errorf("failed to open bucket %q: %w", path, err)
		}

		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			r.closePartial(class)

			return nil, fmt.Errorf("failed to stat bucket %q: %w", path, err)
		}

		mem, err := ring.NewMmap(f, max(int(info.Size()), minBucketMapLen), false)
		if err != nil {
			_ = f.Close()
			r.closePartial(class)

			return nil, fmt.Errorf("failed to map bucket %q: %w", path, err)
		}

		r.buckets[class] = mem
	}

	directDir := filepath.Join(dataDir, "direct")

	mkdirErr = os.MkdirAll(directDir, 0o755)
	if mkdirErr != nil {
		r.closePartial(len(r.buckets))

		return nil, fmt.Errorf("failed to create direct directory %q: %w", directDir, mkdirErr)
	}

	direct, err := os.Open(directDir)
	if err != nil {
		r.closePartial(len(r.buckets))

		return nil, fmt.Errorf("failed to open direct directory %q: %w", directDir, err)
	}

	r.direct = direct

	return r, nil
}

func (r *EntryReader) closePartial(n int) {
	for i := range n {
		if r.buckets[i] != nil {
			_ = r.buckets[i].Close()
			r.buckets[i] = nil
		}
	}
}

// Close unmaps all buckets and closes the direct directory handle.
func (r *EntryReader) Close() error {
	var firstErr error

	for i, b := range r.buckets {
		if b == nil {
			continue
		}

		closeErr := b.Close()
		if closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}

		r.buckets[i] = nil
	}

	if r.direct != nil {
		closeErr := r.direct.Close()
		if closeErr != nil && firstErr == nil {
			firstErr = closeErr
		}

		r.direct = nil
	}

	return firstErr
}

// Bucket returns the mapping for a size class.
func (r *EntryReader) Bucket(class uint8) *ring.Mmap {
	return r.buckets[class]
}

// Direct returns the direct-store directory handle.
func (r *EntryReader) Direct() *os.File {
	return r.direct
}

// bucketTooShortError signals that a slot record references bytes beyond
// the current mapping. The owner remaps to at least Needed and retries.
type bucketTooShortError struct {
	Class  uint8
	Needed int
}

func (e *bucketTooShortError) Error() string {
	return fmt.Sprintf("bucket %d mapping too short, need %d bytes", e.Class, e.Needed)
}

// bucketSlice returns the zero-copy byte slice for a bucketed slot record.
func (r *EntryReader) bucketSlice(s ring.Slot) ([]byte, error) {
	class := ring.SizeToBucket(s.Size)
	stride := int(ring.BucketToLength(class))
	start := stride * int(s.Index)

	mem := r.buckets[class]
	if start+int(s.Size) > mem.Len() {
		return nil, &bucketTooShortError{Class: class, Needed: stride * (int(s.Index) + 1)}
	}

	return mem.Bytes()[start : start+int(s.Size)], nil
}

// remapBucket grows the mapping of a size class to at least needed bytes,
// doubling the current length when that is larger.
func (r *EntryReader) remapBucket(class uint8, needed int) error {
	mem := r.buckets[class]

	remapErr := mem.Remap(max(needed, 2*mem.Len()))
	if remapErr != nil {
		return fmt.Errorf("failed to remap bucket %d: %w", class, remapErr)
	}

	return nil
}

// DatabaseReader is a read-only view of both rings.
type DatabaseReader struct {
	main      *ring.Ring
	favorites *ring.Ring
}

// OpenDatabase opens the main and favorites rings under dataDir.
func OpenDatabase(dataDir string) (*DatabaseReader, error) {
	main, err := ring.Open(ring.DefaultCapacity, filepath.Join(dataDir, ring.Main.FileName()))
	if err != nil {
		return nil, err
	}

	favorites, err := ring.Open(ring.DefaultCapacity, filepath.Join(dataDir, ring.Favorites.FileName()))
	if err != nil {
		_ = main.Close()

		return nil, err
	}

	return &DatabaseReader{main: main, favorites: favorites}, nil
}

// Close closes both rings.
func (d *DatabaseReader) Close() error {
	mainErr := d.main.Close()
	favErr := d.favorites.Close()

	if mainErr != nil {
		return mainErr
	}

	return favErr
}

// Ring returns the ring of the given kind.
func (d *DatabaseReader) Ring(kind ring.Kind) *ring.Ring {
	if kind == ring.Favorites {
		return d.favorites
	}

	return d.main
}

// Get resolves a composite id to its entry.
func (d *DatabaseReader) Get(id uint64) (Entry, error) {
	kind, slot, err := ring.DecomposeID(id)
	if err != nil {
		return Entry{}, err
	}

	entry, ok := entryAt(d.Ring(kind), kind, slot)
	if !ok {
		return Entry{}, &ring.IdNotFoundError{Kind: ring.IdNotFoundEntry, Slot: slot}
	}

	return entry, nil
}

// GrowableGet resolves a composite id, first growing the ring mapping when
// the slot lies beyond it. Used by clients catching up to a server that has
// extended a ring.
func (d *DatabaseReader) GrowableGet(id uint64) (Entry, error) {
	kind, slot, err := ring.DecomposeID(id)
	if err != nil {
		return Entry{}, err
	}

	r := d.Ring(kind)
	if slot >= r.Len() {
		growErr := r.SetLen(slot + 1)
		if growErr != nil {
			return Entry{}, growErr
		}
	}

	return d.Get(id)
}

// Main returns an iterator over the main ring anchored at its current write
// head.
func (d *DatabaseReader) Main() *RingReader {
	return NewRingReader(d.main, ring.Main)
}

// Favorites returns an iterator over the favorites ring anchored at its
// current write head.
func (d *DatabaseReader) Favorites() *RingReader {
	return NewRingReader(d.favorites, ring.Favorites)
}
