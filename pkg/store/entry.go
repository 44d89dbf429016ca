package store

import (
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

// Entry is a resolved slot: a cheap value describing where an entry's bytes
// live. Loading the bytes goes through an [EntryReader].
type Entry struct {
	slot   uint32
	ring   ring.Kind
	record ring.Slot
}

// entryAt decodes the slot at index, reporting false for uninitialised or
// out-of-range slots.
func entryAt(r *ring.Ring, kind ring.Kind, slot uint32) (Entry, bool) {
	record, ok := r.Get(slot)
	if !ok || record.Kind() == ring.SlotUninit {
		return Entry{}, false
	}

	return Entry{slot: slot, ring: kind, record: record}, true
}

// ID returns the entry's composite id.
func (e Entry) ID() uint64 {
	return ring.CompositeID(e.ring, e.slot)
}

// RingKind returns which ring the entry lives on.
func (e Entry) RingKind() ring.Kind { return e.ring }

// Slot returns the entry's slot index within its ring.
func (e Entry) Slot() uint32 { return e.slot }

// IsFile reports whether the entry lives in the direct store.
func (e Entry) IsFile() bool { return e.record.Kind() == ring.SlotFile }

// Size returns the entry's byte length for bucketed entries; direct entries
// report 0 (their size is the file size).
func (e Entry) Size() uint32 {
	if e.IsFile() {
		return 0
	}

	return e.record.Size
}

// LoadedEntry holds an entry's materialised content: a byte slice and,
// for file-backed entries, the open backing file. Bucketed loads borrow
// their bytes from the bucket mapping without copying; the slice stays
// valid until the reader remaps or closes.
type LoadedEntry struct {
	bytes []byte
	file  *os.File
}

// Bytes returns the entry's content.
func (l *LoadedEntry) Bytes() []byte { return l.bytes }

// BackingFile returns the open direct file, or nil for bucketed entries.
func (l *LoadedEntry) BackingFile() *os.File { return l.file }

// MimeType returns the entry's MIME type. Bucketed entries never carry one;
// file-backed entries read the xattr.
func (l *LoadedEntry) MimeType() (string, error) {
	if l.file == nil {
		return "", nil
	}

	return ReadMimeType(l.file)
}

// Close releases the backing file if any. Idempotent.
func (l *LoadedEntry) Close() error {
	if l.file == nil {
		return nil
	}

	f := l.file
	l.file = nil

	closeErr := f.Close()
	if closeErr != nil {
		return fmt.Errorf("closing direct entry: %w", closeErr)
	}

	return nil
}

// Load materialises the entry's bytes. Bucketed entries resolve to a
// zero-copy slice, remapping the bucket once when the mapping is stale.
// Direct entries are opened and read fully; the returned LoadedEntry keeps
// the file open for MIME inspection and must be closed.
func (e Entry) Load(r *EntryReader) (*LoadedEntry, error) {
	if e.IsFile() {
		f, err := e.openDirect(r)
		if err != nil {
			return nil, err
		}

		bytes, readErr := io.ReadAll(f)
		if readErr != nil {
			_ = f.Close()

			return nil, fmt.Errorf("failed to read direct entry %d in %s ring: %w", e.slot, e.ring, readErr)
		}

		return &LoadedEntry{bytes: bytes, file: f}, nil
	}

	bytes, err := r.bucketSlice(e.record)
	if err != nil {
		var short *bucketTooShortError
		if !errors.As(err, &short) {
			return nil, err
		}

		remapErr := r.remapBucket(short.Class, short.Needed)
		if remapErr != nil {
			return nil, remapErr
		}

		bytes, err = r.bucketSlice(e.record)
		if err != nil {
			return nil, fmt.Errorf("bucket still too short after remap: %w", err)
		}
	}

	return &LoadedEntry{bytes: bytes}, nil
}

// OpenFile returns the entry as an open file. Direct entries open their
// backing file; bucketed entries are copied into an anonymous memfd so the
// caller always receives a real descriptor (for handing to other processes).
func (e Entry) OpenFile(r *EntryReader) (*os.File, error) {
	if e.IsFile() {
		return e.openDirect(r)
	}

	loaded, err := e.Load(r)
	if err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate("ringboard-bucket-entry", 0)
	if err != nil {
		return nil, fmt.Errorf("failed to create entry memfd: %w", err)
	}

	f := os.NewFile(uintptr(fd), "ringboard-bucket-entry")

	_, writeErr := f.WriteAt(loaded.Bytes(), 0)
	if writeErr != nil {
		_ = f.Close()

		return nil, fmt.Errorf("failed to fill entry memfd: %w", writeErr)
	}

	return f, nil
}

func (e Entry) openDirect(r *EntryReader) (*os.File, error) {
	name := DirectFileName(e.ring, e.slot)

	fd, err := unix.Openat(int(r.direct.Fd()), name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open direct file %q: %w", name, err)
	}

	return os.NewFile(uintptr(fd), name), nil
}
