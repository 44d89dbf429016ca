package ring

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestOpenCreatesEmptyRing(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	r, err := Open(DefaultCapacity, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if r.Len() != 0 {
		t.Errorf("new ring Len = %d, want 0", r.Len())
	}

	if r.WriteHead() != 0 {
		t.Errorf("new ring WriteHead = %d, want 0", r.WriteHead())
	}

	if r.Capacity() != DefaultCapacity {
		t.Errorf("Capacity = %d, want %d", r.Capacity(), DefaultCapacity)
	}
}

func TestOpenRejectsVersionMismatch(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	r, err := OpenWriter(16, path)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}

	r.mem.Bytes()[offVersion] = 42

	closeErr := r.Close()
	if closeErr != nil {
		t.Fatalf("Close failed: %v", closeErr)
	}

	_, err = Open(16, path)

	var mismatch *VersionMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("expected VersionMismatchError, got %v", err)
	}

	if mismatch.Actual != 42 {
		t.Errorf("mismatch.Actual = %d, want 42", mismatch.Actual)
	}
}

func TestOpenRejectsForeignFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	writeErr := os.WriteFile(path, []byte("definitely not a ring file"), 0o600)
	if writeErr != nil {
		t.Fatalf("WriteFile failed: %v", writeErr)
	}

	_, err := Open(16, path)
	if !errors.Is(err, ErrNotARing) {
		t.Fatalf("expected ErrNotARing, got %v", err)
	}
}

func TestSetAndGetRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	w, err := OpenWriter(16, path)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	defer w.Close()

	setErr := w.Set(0, BucketedSlot(5, 7))
	if setErr != nil {
		t.Fatalf("Set failed: %v", setErr)
	}

	headErr := w.SetWriteHead(1)
	if headErr != nil {
		t.Fatalf("SetWriteHead failed: %v", headErr)
	}

	slot, ok := w.Get(0)
	if !ok {
		t.Fatal("Get(0) reported missing slot")
	}

	if slot.Kind() != SlotBucketed || slot.Size != 5 || slot.Index != 7 {
		t.Errorf("Get(0) = %+v, want bucketed size=5 index=7", slot)
	}

	// A second reader handle must observe the published slot.
	r, err := Open(16, path)
	if err != nil {
		t.Fatalf("reader Open failed: %v", err)
	}
	defer r.Close()

	if r.WriteHead() != 1 {
		t.Errorf("reader WriteHead = %d, want 1", r.WriteHead())
	}

	got, ok := r.Get(0)
	if !ok || got != slot {
		t.Errorf("reader Get(0) = %+v ok=%v, want %+v", got, ok, slot)
	}
}

func TestGetBeyondLen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	r, err := Open(16, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	_, ok := r.Get(3)
	if ok {
		t.Error("Get beyond Len reported a slot")
	}
}

func TestSetLenGrowsReaderMapping(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	w, err := OpenWriter(16, path)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	defer w.Close()

	r, err := Open(16, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	// Writer extends the file past the reader's mapping.
	setErr := w.Set(4, FileSlot())
	if setErr != nil {
		t.Fatalf("Set failed: %v", setErr)
	}

	if _, ok := r.Get(4); ok {
		t.Fatal("stale reader saw slot 4 before SetLen")
	}

	growErr := r.SetLen(5)
	if growErr != nil {
		t.Fatalf("SetLen failed: %v", growErr)
	}

	slot, ok := r.Get(4)
	if !ok || slot.Kind() != SlotFile {
		t.Errorf("after SetLen Get(4) = %+v ok=%v, want file slot", slot, ok)
	}

	// SetLen never shrinks.
	shrinkErr := r.SetLen(1)
	if shrinkErr != nil {
		t.Fatalf("shrinking SetLen errored: %v", shrinkErr)
	}

	if r.Len() != 5 {
		t.Errorf("Len after no-op shrink = %d, want 5", r.Len())
	}
}

func TestOverwriteSlot(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	w, err := OpenWriter(16, path)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	defer w.Close()

	if setErr := w.Set(0, BucketedSlot(10, 0)); setErr != nil {
		t.Fatalf("Set failed: %v", setErr)
	}

	if setErr := w.Set(0, Slot{}); setErr != nil {
		t.Fatalf("Set uninit failed: %v", setErr)
	}

	slot, ok := w.Get(0)
	if !ok || slot.Kind() != SlotUninit {
		t.Errorf("Get(0) = %+v, want uninit", slot)
	}
}

func TestWrapArithmetic(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	w, err := OpenWriter(4, path)
	if err != nil {
		t.Fatalf("OpenWriter failed: %v", err)
	}
	defer w.Close()

	if setErr := w.Set(3, FileSlot()); setErr != nil {
		t.Fatalf("Set failed: %v", setErr)
	}

	if got := w.NextHead(3); got != 0 {
		t.Errorf("NextHead(3) = %d, want 0", got)
	}

	if got := w.NextEntry(3); got != 0 {
		t.Errorf("NextEntry(3) = %d, want 0", got)
	}

	if got := w.PrevEntry(0); got != 3 {
		t.Errorf("PrevEntry(0) = %d, want 3", got)
	}
}

func TestReadOnlyRingRejectsWrites(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "main.ring")

	r, err := Open(16, path)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer r.Close()

	if setErr := r.Set(0, FileSlot()); setErr == nil {
		t.Error("Set on read-only ring succeeded")
	}

	if headErr := r.SetWriteHead(1); headErr == nil {
		t.Error("SetWriteHead on read-only ring succeeded")
	}
}
