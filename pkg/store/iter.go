package store

import "github.com/calvinalkan/ringboard/pkg/ring"

// RingReader iterates a ring's live entries from both ends, anchored at a
// write-head/start pair captured at construction. Uninitialised slots are
// skipped transparently. The zero value is a finished iterator.
type RingReader struct {
	ring *ring.Ring
	kind ring.Kind

	writeHead uint32
	front     uint32
	back      uint32
	done      bool
}

// NewRingReader returns an iterator over r anchored at its current write
// head: forward iteration yields oldest to newest, backward newest to
// oldest.
func NewRingReader(r *ring.Ring, kind ring.Kind) *RingReader {
	head := r.WriteHead()

	it := &RingReader{ring: r, kind: kind, done: true}
	it.ResetTo(head, head)

	return it
}

// Kind returns the ring kind the iterator walks.
func (it *RingReader) Kind() ring.Kind { return it.kind }

// Ring returns the underlying ring.
func (it *RingReader) Ring() *ring.Ring { return it.ring }

// ResetTo re-anchors the iterator at the given write head, starting from
// slot start.
func (it *RingReader) ResetTo(writeHead, start uint32) {
	it.writeHead = writeHead
	it.back = it.ring.PrevEntry(start)
	it.front = it.ring.NextEntry(it.back)
	it.done = false
}

// Next yields the next entry from the front, oldest first.
func (it *RingReader) Next() (Entry, bool) {
	return it.advance(func() uint32 {
		slot := it.front
		it.front = it.ring.NextEntry(slot)

		return slot
	})
}

// NextBack yields the next entry from the back, newest first.
func (it *RingReader) NextBack() (Entry, bool) {
	return it.advance(func() uint32 {
		slot := it.back
		it.back = it.ring.PrevEntry(slot)

		return slot
	})
}

func (it *RingReader) advance(take func() uint32) (Entry, bool) {
	for {
		if it.done {
			return Entry{}, false
		}

		it.done = it.front == it.back ||
			it.ring.NextHead(it.front) == it.writeHead ||
			it.back == it.writeHead

		entry, ok := entryAt(it.ring, it.kind, take())
		if ok {
			return entry, true
		}
	}
}

// SizeHint returns the distance between the iterator's ends (back minus
// front, modulo the ring length). It is an estimate, not a bound: both end
// slots are still to be visited, and uninitialised slots are skipped.
func (it *RingReader) SizeHint() int {
	if it.front > it.back {
		return int(it.ring.Len()) - int(it.front) + int(it.back)
	}

	return int(it.back) - int(it.front)
}
