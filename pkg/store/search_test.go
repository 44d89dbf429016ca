package store

import (
	"regexp"
	"testing"
	"time"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

func collectHits(t *testing.T, results *Results) []QueryResult {
	t.Helper()

	var hits []QueryResult

	for res := range results.C {
		if res.Err != nil {
			t.Fatalf("search worker error: %v", res.Err)
		}

		hits = append(hits, res.QueryResult)
	}

	return hits
}

func TestSearchLiteral(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	addBucketed(t, dataDir, w, ring.Main, 0, []byte("foo"))
	addBucketed(t, dataDir, w, ring.Main, 1, []byte("bar"))
	addBucketed(t, dataDir, w, ring.Main, 2, []byte("baz"))

	_, er := openTestReaders(t, dataDir)

	hits := collectHits(t, Search(Query{Literal: []byte("a")}, er))
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}

	indices := map[uint32]bool{}

	for _, hit := range hits {
		if hit.End-hit.Start != 1 {
			t.Errorf("match span = [%d, %d), want width 1", hit.Start, hit.End)
		}

		if hit.Location.Kind != LocationBucketed {
			t.Errorf("hit location kind = %d, want bucketed", hit.Location.Kind)
		}

		indices[hit.Location.Index] = true
	}

	if !indices[1] || !indices[2] {
		t.Errorf("hit indices = %v, want {1, 2} (bar and baz)", indices)
	}
}

func TestSearchRegex(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	addBucketed(t, dataDir, w, ring.Main, 0, []byte("alpha-42"))
	addBucketed(t, dataDir, w, ring.Main, 1, []byte("beta"))

	_, er := openTestReaders(t, dataDir)

	hits := collectHits(t, Search(Query{Regex: regexp.MustCompile(`[0-9]+`)}, er))
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}

	if hits[0].Start != 6 || hits[0].End != 8 {
		t.Errorf("match span = [%d, %d), want [6, 8)", hits[0].Start, hits[0].End)
	}
}

func TestSearchEmptyNeedleMatchesEverything(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	addBucketed(t, dataDir, w, ring.Main, 0, []byte("abcd"))

	_, er := openTestReaders(t, dataDir)

	hits := collectHits(t, Search(Query{Literal: nil}, er))

	// Every backed slot matches at [0, 0).
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}

	hit := hits[0]
	if hit.Start != 0 || hit.End != 0 {
		t.Errorf("empty needle span = [%d, %d), want [0, 0)", hit.Start, hit.End)
	}

	if hit.Location.Kind != LocationBucketed || hit.Location.Class != 0 || hit.Location.Index != 0 {
		t.Errorf("hit location = %+v, want class 0 index 0", hit.Location)
	}
}

func TestSearchSkipsClassesSmallerThanNeedle(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	// "ab" lives in class 0 (4-byte slots); an 11-byte needle can never
	// match there, so only classes >= 2 are scanned.
	addBucketed(t, dataDir, w, ring.Main, 0, []byte("ab"))
	addBucketed(t, dataDir, w, ring.Main, 0, []byte("very long needle here"))

	_, er := openTestReaders(t, dataDir)

	hits := collectHits(t, Search(Query{Literal: []byte("long needle")}, er))
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}

	if hits[0].Location.Class != ring.SizeToBucket(21) {
		t.Errorf("hit class = %d, want %d", hits[0].Location.Class, ring.SizeToBucket(21))
	}
}

func TestSearchDirectTextEntry(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	big := make([]byte, 2*ring.MaxBucketedSize)
	copy(big[5000:], "the quick brown fox")

	for i := range big[:5000] {
		big[i] = 'x'
	}

	id := addDirect(t, dataDir, w, ring.Main, big, "text/plain")

	// A non-text direct entry must be skipped.
	addDirect(t, dataDir, w, ring.Main, []byte("quick binary blob"), "image/png")

	_, er := openTestReaders(t, dataDir)

	hits := collectHits(t, Search(Query{Literal: []byte("quick brown")}, er))
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}

	hit := hits[0]
	if hit.Location.Kind != LocationFile || hit.Location.ID != id {
		t.Errorf("hit location = %+v, want file id %#x", hit.Location, id)
	}

	if hit.Start != 5004 {
		t.Errorf("hit start = %d, want 5004", hit.Start)
	}
}

func TestSearchCancellation(t *testing.T) {
	t.Parallel()

	dataDir := t.TempDir()
	w := openMainWriter(t, dataDir)

	// Enough matches that the workers would block on the unbuffered
	// channel without a consumer.
	for i := range uint32(64) {
		addBucketed(t, dataDir, w, ring.Main, i, []byte("xyz"))
	}

	_, er := openTestReaders(t, dataDir)

	results := Search(Query{Literal: []byte("xyz")}, er)

	// Take one result, then walk away.
	res, ok := <-results.C
	if !ok || res.Err != nil {
		t.Fatalf("first result = %+v ok=%v", res, ok)
	}

	done := make(chan struct{})

	go func() {
		results.Close()
		results.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("workers did not exit after cancellation")
	}
}

func TestBucketAndIndexRoundTrip(t *testing.T) {
	t.Parallel()

	packed := NewBucketAndIndex(7, 123_456)
	if packed.Class() != 7 || packed.Index() != 123_456 {
		t.Errorf("round trip = (%d, %d), want (7, 123456)", packed.Class(), packed.Index())
	}
}
