package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/pkg/ring"
	"github.com/calvinalkan/ringboard/pkg/store"
)

// ErrEmptyEntry rejects zero-length Add payloads.
var ErrEmptyEntry = errors.New("refusing to add empty entry")

// Allocator is the single-writer mutation engine: it owns writable mappings
// of both rings and all bucket files plus the direct directory, and
// implements Add, Favorite/Unfavorite moves, and Delete.
//
// None of its methods are thread-safe. The reactor calls them between
// completions, one at a time.
type Allocator struct {
	main      *ring.Ring
	favorites *ring.Ring

	buckets   [ring.NumBuckets]*ring.Mmap
	slotCount [ring.NumBuckets]uint32 // slots currently backed by each file
	freeLists [ring.NumBuckets][]uint32

	direct *os.File
}

// OpenAllocator opens the database under dataDir for writing, creating it
// on first start, and rebuilds the per-class bucket free lists by scanning
// both rings.
func OpenAllocator(dataDir string) (*Allocator, error) {
	a := &Allocator{}

	var err error

	a.main, err = ring.OpenWriter(ring.DefaultCapacity, filepath.Join(dataDir, ring.Main.FileName()))
	if err != nil {
		return nil, err
	}

	a.favorites, err = ring.OpenWriter(ring.DefaultCapacity, filepath.Join(dataDir, ring.Favorites.FileName()))
	if err != nil {
		a.close()

		return nil, err
	}

	bucketDir := filepath.Join(dataDir, "buckets")

	mkdirErr := os.MkdirAll(bucketDir, 0o755)
	if mkdirErr != nil {
		a.close()

		return nil, fmt.Errorf("failed to create bucket directory %q: %w", bucketDir, mkdirErr)
	}

	for class := range a.buckets {
		path := filepath.Join(bucketDir, strconv.Itoa(class))

		f, openErr := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
		if openErr != nil {
			a.close()

			return nil, fmt.Errorf("failed to open bucket %q: %w", path, openErr)
		}

		info, statErr := f.Stat()
		if statErr != nil {
			_ = f.Close()
			a.close()

			return nil, fmt.Errorf("failed to stat bucket %q: %w", path, statErr)
		}

		mem, mapErr := ring.NewMmap(f, max(int(info.Size()), 4096), true)
		if mapErr != nil {
			_ = f.Close()
			a.close()

			return nil, fmt.Errorf("failed to map bucket %q: %w", path, mapErr)
		}

		a.buckets[class] = mem
		a.slotCount[class] = uint32(info.Size()) / ring.BucketToLength(uint8(class))
	}

	directDir := filepath.Join(dataDir, "direct")

	mkdirErr = os.MkdirAll(directDir, 0o755)
	if mkdirErr != nil {
		a.close()

		return nil, fmt.Errorf("failed to create direct directory %q: %w", directDir, mkdirErr)
	}

	a.direct, err = os.Open(directDir)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("failed to open direct directory %q: %w", directDir, err)
	}

	a.rebuildFreeLists()

	return a, nil
}

// rebuildFreeLists scans both rings for live bucketed entries and records
// every backed-but-unused bucket slot as free. This also doubles as the
// unclean-shutdown recovery step: the rings are the source of truth.
func (a *Allocator) rebuildFreeLists() {
	var used [ring.NumBuckets]map[uint32]bool

	for class := range used {
		used[class] = make(map[uint32]bool)
	}

	for _, r := range []*ring.Ring{a.main, a.favorites} {
		for slot := uint32(0); slot < r.Len(); slot++ {
			record, ok := r.Get(slot)
			if !ok || record.Kind() != ring.SlotBucketed {
				continue
			}

			used[ring.SizeToBucket(record.Size)][record.Index] = true
		}
	}

	for class := range a.freeLists {
		a.freeLists[class] = a.freeLists[class][:0]

		for index := uint32(0); index < a.slotCount[class]; index++ {
			if !used[class][index] {
				a.freeLists[class] = append(a.freeLists[class], index)
			}
		}
	}
}

// Close releases all mappings and handles.
func (a *Allocator) Close() error {
	return a.close()
}

func (a *Allocator) close() error {
	var firstErr error

	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if a.main != nil {
		keep(a.main.Close())
		a.main = nil
	}

	if a.favorites != nil {
		keep(a.favorites.Close())
		a.favorites = nil
	}

	for i, b := range a.buckets {
		if b != nil {
			keep(b.Close())
			a.buckets[i] = nil
		}
	}

	if a.direct != nil {
		keep(a.direct.Close())
		a.direct = nil
	}

	return firstErr
}

// Ring returns the writable ring of the given kind.
func (a *Allocator) Ring(kind ring.Kind) *ring.Ring {
	if kind == ring.Favorites {
		return a.favorites
	}

	return a.main
}

// Add stores data as a new entry on the main ring and returns its composite
// id. Entries that fit the largest bucket and carry no MIME hint are
// bucketed; everything else goes to the direct store so the MIME type can
// live in its xattr.
func (a *Allocator) Add(data []byte, mime string) (uint64, error) {
	if len(data) == 0 {
		return 0, ErrEmptyEntry
	}

	r := a.main
	head := r.WriteHead()

	// Overwriting the oldest slot on wrap releases its backing first.
	releaseErr := a.releaseSlot(ring.Main, head)
	if releaseErr != nil {
		return 0, releaseErr
	}

	var record ring.Slot

	if len(data) <= ring.MaxBucketedSize && mime == "" {
		class := ring.SizeToBucket(uint32(len(data)))

		index, allocErr := a.allocBucketSlot(class, data)
		if allocErr != nil {
			return 0, allocErr
		}

		record = ring.BucketedSlot(uint32(len(data)), index)
	} else {
		putErr := a.putDirect(ring.Main, head, data, mime)
		if putErr != nil {
			return 0, putErr
		}

		record = ring.FileSlot()
	}

	setErr := r.Set(head, record)
	if setErr != nil {
		return 0, setErr
	}

	headErr := r.SetWriteHead(r.NextHead(head))
	if headErr != nil {
		return 0, headErr
	}

	return ring.CompositeID(ring.Main, head), nil
}

// Move transfers the entry with the given id onto the to ring: the content
// pointer is copied into the destination's next slot and the source slot is
// marked uninitialised. Backing storage is not copied; direct files are
// renamed because their name encodes (ring, slot).
func (a *Allocator) Move(id uint64, to ring.Kind) (uint64, error) {
	from, slot, err := ring.DecomposeID(id)
	if err != nil {
		return 0, err
	}

	if from == to {
		return 0, fmt.Errorf("%w: entry %#x is already on the target ring", errBadRequest, id)
	}

	src := a.Ring(from)

	record, ok := src.Get(slot)
	if !ok || record.Kind() == ring.SlotUninit {
		return 0, &ring.IdNotFoundError{Kind: ring.IdNotFoundEntry, Slot: slot}
	}

	dst := a.Ring(to)
	head := dst.WriteHead()

	releaseErr := a.releaseSlot(to, head)
	if releaseErr != nil {
		return 0, releaseErr
	}

	if record.Kind() == ring.SlotFile {
		oldName := store.DirectFileName(from, slot)
		newName := store.DirectFileName(to, head)

		renameErr := unix.Renameat(int(a.direct.Fd()), oldName, int(a.direct.Fd()), newName)
		if renameErr != nil {
			return 0, fmt.Errorf("failed to rename direct file %q to %q: %w", oldName, newName, renameErr)
		}
	}

	setErr := dst.Set(head, record)
	if setErr != nil {
		return 0, setErr
	}

	headErr := dst.SetWriteHead(dst.NextHead(head))
	if headErr != nil {
		return 0, headErr
	}

	clearErr := src.Set(slot, ring.Slot{})
	if clearErr != nil {
		return 0, clearErr
	}

	return ring.CompositeID(to, head), nil
}

// Delete removes the entry with the given id: the backing storage is
// released and the slot marked uninitialised.
func (a *Allocator) Delete(id uint64) error {
	kind, slot, err := ring.DecomposeID(id)
	if err != nil {
		return err
	}

	r := a.Ring(kind)

	record, ok := r.Get(slot)
	if !ok || record.Kind() == ring.SlotUninit {
		return &ring.IdNotFoundError{Kind: ring.IdNotFoundEntry, Slot: slot}
	}

	releaseErr := a.releaseSlot(kind, slot)
	if releaseErr != nil {
		return releaseErr
	}

	return r.Set(slot, ring.Slot{})
}

// releaseSlot frees whatever backing storage the slot references. A
// no-op for uninitialised or out-of-range slots.
func (a *Allocator) releaseSlot(kind ring.Kind, slot uint32) error {
	record, ok := a.Ring(kind).Get(slot)
	if !ok {
		return nil
	}

	switch record.Kind() {
	case ring.SlotBucketed:
		class := ring.SizeToBucket(record.Size)
		a.freeLists[class] = append(a.freeLists[class], record.Index)
	case ring.SlotFile:
		name := store.DirectFileName(kind, slot)

		unlinkErr := unix.Unlinkat(int(a.direct.Fd()), name, 0)
		if unlinkErr != nil && !errors.Is(unlinkErr, unix.ENOENT) {
			return fmt.Errorf("failed to unlink direct file %q: %w", name, unlinkErr)
		}
	case ring.SlotUninit:
	}

	return nil
}

// allocBucketSlot places data into a slot of the given class, reusing freed
// slots LIFO and extending the bucket file when none are free. The slot is
// NUL-padded to its stride so searches know where the entry ends.
func (a *Allocator) allocBucketSlot(class uint8, data []byte) (uint32, error) {
	var index uint32

	if free := a.freeLists[class]; len(free) > 0 {
		index = free[len(free)-1]
		a.freeLists[class] = free[:len(free)-1]
	} else {
		index = a.slotCount[class]

		growErr := a.growBucket(class, index+1)
		if growErr != nil {
			return 0, growErr
		}

		a.slotCount[class] = index + 1
	}

	stride := int(ring.BucketToLength(class))
	slot := a.buckets[class].Bytes()[int(index)*stride : (int(index)+1)*stride]

	n := copy(slot, data)
	for i := n; i < stride; i++ {
		slot[i] = 0
	}

	return index, nil
}

// growBucket ensures the class's file and mapping cover at least slots
// slots, doubling to amortise extensions.
func (a *Allocator) growBucket(class uint8, slots uint32) error {
	mem := a.buckets[class]
	needed := int(slots) * int(ring.BucketToLength(class))

	if needed <= mem.Len() {
		// The mapping includes the 4096-byte floor; make sure the file
		// itself is long enough for the new slot.
		return mem.Extend(needed)
	}

	extendErr := mem.Extend(max(needed, 2*mem.Len()))
	if extendErr != nil {
		return fmt.Errorf("failed to extend bucket %d: %w", class, extendErr)
	}

	remapErr := mem.Remap(max(needed, 2*mem.Len()))
	if remapErr != nil {
		return fmt.Errorf("failed to remap bucket %d: %w", class, remapErr)
	}

	return nil
}

// putDirect writes data to the direct store under the destination slot's
// name with the MIME hint in an xattr.
func (a *Allocator) putDirect(kind ring.Kind, slot uint32, data []byte, mime string) error {
	name := store.DirectFileName(kind, slot)

	fd, err := unix.Openat(int(a.direct.Fd()), name,
		unix.O_WRONLY|unix.O_CREAT|unix.O_TRUNC|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to create direct file %q: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	_, writeErr := f.Write(data)
	if writeErr != nil {
		return fmt.Errorf("failed to write direct file %q: %w", name, writeErr)
	}

	return store.WriteMimeType(f, mime)
}
