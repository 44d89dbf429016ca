package store

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

// writeBucketEntry writes data into a bucket file at the given slot the way
// the server's allocator would: bytes first, NUL padding to the stride.
func writeBucketEntry(t *testing.T, dataDir string, class uint8, index uint32, data []byte) {
	t.Helper()

	stride := int64(ring.BucketToLength(class))
	path := filepath.Join(dataDir, "buckets", strconv.Itoa(int(class)))

	mkdirErr := os.MkdirAll(filepath.Dir(path), 0o755)
	if mkdirErr != nil {
		t.Fatalf("mkdir buckets: %v", mkdirErr)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		t.Fatalf("open bucket: %v", err)
	}
	defer f.Close()

	end := stride * int64(index+1)

	info, err := f.Stat()
	if err != nil {
		t.Fatalf("stat bucket: %v", err)
	}

	if info.Size() < end {
		truncErr := f.Truncate(end)
		if truncErr != nil {
			t.Fatalf("truncate bucket: %v", truncErr)
		}
	}

	padded := make([]byte, stride)
	copy(padded, data)

	_, writeErr := f.WriteAt(padded, stride*int64(index))
	if writeErr != nil {
		t.Fatalf("write bucket: %v", writeErr)
	}
}

// addBucketed appends a bucketed entry to a ring and backs it in the bucket
// pool. Returns the composite id.
func addBucketed(t *testing.T, dataDir string, w *ring.Ring, kind ring.Kind, index uint32, data []byte) uint64 {
	t.Helper()

	class := ring.SizeToBucket(uint32(len(data)))
	writeBucketEntry(t, dataDir, class, index, data)

	head := w.WriteHead()

	setErr := w.Set(head, ring.BucketedSlot(uint32(len(data)), index))
	if setErr != nil {
		t.Fatalf("Set: %v", setErr)
	}

	headErr := w.SetWriteHead(w.NextHead(head))
	if headErr != nil {
		t.Fatalf("SetWriteHead: %v", headErr)
	}

	return ring.CompositeID(kind, head)
}

// addDirect appends a direct-store entry to a ring.
func addDirect(t *testing.T, dataDir string, w *ring.Ring, kind ring.Kind, data []byte, mime string) uint64 {
	t.Helper()

	head := w.WriteHead()
	dir := filepath.Join(dataDir, "direct")

	mkdirErr := os.MkdirAll(dir, 0o755)
	if mkdirErr != nil {
		t.Fatalf("mkdir direct: %v", mkdirErr)
	}

	path := filepath.Join(dir, DirectFileName(kind, head))

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		t.Fatalf("create direct file: %v", err)
	}
	defer f.Close()

	if _, writeErr := f.Write(data); writeErr != nil {
		t.Fatalf("write direct file: %v", writeErr)
	}

	mimeErr := WriteMimeType(f, mime)
	if mimeErr != nil {
		t.Fatalf("write mime xattr: %v", mimeErr)
	}

	if setErr := w.Set(head, ring.FileSlot()); setErr != nil {
		t.Fatalf("Set: %v", setErr)
	}

	if headErr := w.SetWriteHead(w.NextHead(head)); headErr != nil {
		t.Fatalf("SetWriteHead: %v", headErr)
	}

	return ring.CompositeID(kind, head)
}

func openMainWriter(t *testing.T, dataDir string) *ring.Ring {
	t.Helper()

	w, err := ring.OpenWriter(ring.DefaultCapacity, filepath.Join(dataDir, ring.Main.FileName()))
	if err != nil {
		t.Fatalf("OpenWriter: %v", err)
	}

	t.Cleanup(func() { _ = w.Close() })

	return w
}

func openTestReaders(t *testing.T, dataDir string) (*DatabaseReader, *EntryReader) {
	t.Helper()

	db, err := OpenDatabase(dataDir)
	if err != nil {
		t.Fatalf("OpenDatabase: %v", err)
	}

	t.Cleanup(func() { _ = db.Close() })

	er, err := OpenEntryReader(dataDir)
	if err != nil {
		t.Fatalf("OpenEntryReader: %v", err)
	}

	t.Cleanup(func() { _ = er.Close() })

	return db, er
}

func TestGetBucketedEntry(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	id := addBucketed(t, dataDir, w, ring.Main, 0, []byte("hello"))

	db, er := openTestReaders(t, dataDir)

	entry, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if entry.IsFile() {
		t.Fatal("small entry resolved as file-backed")
	}

	loaded, err := entry.Load(er)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	if !bytes.Equal(loaded.Bytes(), []byte("hello")) {
		t.Errorf("Load = %q, want %q", loaded.Bytes(), "hello")
	}

	mime, err := loaded.MimeType()
	if err != nil {
		t.Fatalf("MimeType: %v", err)
	}

	if mime != "" {
		t.Errorf("bucketed entry MimeType = %q, want empty", mime)
	}

	if kind, _, decErr := ring.DecomposeID(id); decErr != nil || kind != ring.Main {
		t.Errorf("id %#x decodes to ring %d, want main", id, kind)
	}
}

func TestGetDirectEntry(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	data := bytes.Repeat([]byte{0xA5}, 3*ring.MaxBucketedSize)
	id := addDirect(t, dataDir, w, ring.Main, data, "application/octet-stream")

	db, er := openTestReaders(t, dataDir)

	entry, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	if !entry.IsFile() {
		t.Fatal("large entry not resolved as file-backed")
	}

	loaded, err := entry.Load(er)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	if !bytes.Equal(loaded.Bytes(), data) {
		t.Error("direct entry bytes differ from what was written")
	}

	mime, err := loaded.MimeType()
	if err != nil {
		t.Fatalf("MimeType: %v", err)
	}

	if mime != "application/octet-stream" {
		t.Errorf("MimeType = %q, want application/octet-stream", mime)
	}
}

func TestGetUninitialisedSlot(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	openMainWriter(t, dataDir)

	db, _ := openTestReaders(t, dataDir)

	_, err := db.Get(ring.CompositeID(ring.Main, 0))

	var notFound *ring.IdNotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != ring.IdNotFoundEntry {
		t.Fatalf("expected entry-not-found, got %v", err)
	}
}

func TestGetInvalidRing(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	openMainWriter(t, dataDir)

	db, _ := openTestReaders(t, dataDir)

	_, err := db.Get(7<<32 | 1)

	var notFound *ring.IdNotFoundError
	if !errors.As(err, &notFound) || notFound.Kind != ring.IdNotFoundRing {
		t.Fatalf("expected ring-not-found, got %v", err)
	}
}

func TestGrowableGetCatchesUp(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	// Open readers against the empty database, then append.
	db, er := openTestReaders(t, dataDir)

	id := addBucketed(t, dataDir, w, ring.Main, 0, []byte("late"))

	if _, err := db.Get(id); err == nil {
		t.Fatal("stale Get succeeded before ring growth")
	}

	entry, err := db.GrowableGet(id)
	if err != nil {
		t.Fatalf("GrowableGet: %v", err)
	}

	loaded, err := entry.Load(er)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	defer loaded.Close()

	if !bytes.Equal(loaded.Bytes(), []byte("late")) {
		t.Errorf("Load = %q, want %q", loaded.Bytes(), "late")
	}
}

func TestBucketRemapRetry(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	// Map the bucket pool while the class-0 file is empty.
	db, er := openTestReaders(t, dataDir)

	before := er.Bucket(0).Len()

	// Grow the bucket file well past the reader's initial mapping.
	var id uint64

	count := uint32(minBucketMapLen/int(ring.BucketToLength(0))) + 10
	for i := uint32(0); i < count; i++ {
		id = addBucketed(t, dataDir, w, ring.Main, i, []byte("abc"))
	}

	entry, err := db.GrowableGet(id)
	if err != nil {
		t.Fatalf("GrowableGet: %v", err)
	}

	loaded, err := entry.Load(er)
	if err != nil {
		t.Fatalf("Load after growth: %v", err)
	}
	defer loaded.Close()

	if !bytes.Equal(loaded.Bytes(), []byte("abc")) {
		t.Errorf("Load = %q, want %q", loaded.Bytes(), "abc")
	}

	if er.Bucket(0).Len() <= before {
		t.Errorf("bucket mapping did not grow: %d <= %d", er.Bucket(0).Len(), before)
	}
}

func TestOpenFileForBucketedEntry(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	id := addBucketed(t, dataDir, w, ring.Main, 0, []byte("fd me"))

	db, er := openTestReaders(t, dataDir)

	entry, err := db.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	f, err := entry.OpenFile(er)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	defer f.Close()

	got := make([]byte, 5)

	_, readErr := f.ReadAt(got, 0)
	if readErr != nil {
		t.Fatalf("ReadAt: %v", readErr)
	}

	if !bytes.Equal(got, []byte("fd me")) {
		t.Errorf("memfd contents = %q, want %q", got, "fd me")
	}
}

func TestParseDirectFileName(t *testing.T) {
	t.Parallel()

	id, err := ParseDirectFileName("1_42")
	if err != nil {
		t.Fatalf("ParseDirectFileName: %v", err)
	}

	if id != 1<<32|42 {
		t.Errorf("id = %#x, want %#x", id, uint64(1<<32|42))
	}

	for _, bad := range []string{"", "x", "1-2", "a_1", "1_b", "1_"} {
		_, parseErr := ParseDirectFileName(bad)

		var notRB *NotARingboardError
		if !errors.As(parseErr, &notRB) {
			t.Errorf("ParseDirectFileName(%q) = %v, want NotARingboardError", bad, parseErr)
		}
	}
}

func TestDirectFileNameRoundTrip(t *testing.T) {
	t.Parallel()

	name := DirectFileName(ring.Favorites, 9)
	if name != "1_9" {
		t.Fatalf("DirectFileName = %q, want 1_9", name)
	}

	id, err := ParseDirectFileName(name)
	if err != nil {
		t.Fatalf("ParseDirectFileName: %v", err)
	}

	kind, slot, err := ring.DecomposeID(id)
	if err != nil || kind != ring.Favorites || slot != 9 {
		t.Errorf("round trip = (%d, %d, %v)", kind, slot, err)
	}
}
