package store

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"regexp"
	"runtime"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/calvinalkan/ringboard/pkg/ring"
)

// Query is either a literal byte needle or a compiled regular expression.
type Query struct {
	// Literal is the needle for plain searches. Ignored when Regex is set.
	Literal []byte

	// Regex, when non-nil, makes this a regular expression query.
	Regex *regexp.Regexp
}

// matcher is the capability set shared by the two query forms.
type matcher interface {
	// find returns the span of the first match in haystack.
	find(haystack []byte) (start, end int, ok bool)

	// needleLen returns the fixed needle length, or false for queries
	// without one (regexes).
	needleLen() (int, bool)
}

type literalMatcher []byte

func (m literalMatcher) find(haystack []byte) (int, int, bool) {
	i := bytes.Index(haystack, m)
	if i < 0 {
		return 0, 0, false
	}

	return i, i + len(m), true
}

func (m literalMatcher) needleLen() (int, bool) { return len(m), true }

type regexMatcher struct {
	re *regexp.Regexp
}

func (m regexMatcher) find(haystack []byte) (int, int, bool) {
	loc := m.re.FindIndex(haystack)
	if loc == nil {
		return 0, 0, false
	}

	return loc[0], loc[1], true
}

func (m regexMatcher) needleLen() (int, bool) { return 0, false }

// LocationKind discriminates where a search hit's entry lives.
type LocationKind uint8

// Search hit locations.
const (
	LocationBucketed LocationKind = iota
	LocationFile
)

// EntryLocation identifies the entry a search hit refers to: a bucket slot
// for small entries, or a composite id for direct entries.
type EntryLocation struct {
	Kind LocationKind

	// Class and Index locate a bucketed hit.
	Class uint8
	Index uint32

	// ID is the composite id of a direct-file hit.
	ID uint64
}

// QueryResult is one search hit. [Start, End) is the match span within the
// entry's bytes.
type QueryResult struct {
	Location EntryLocation
	Start    int
	End      int
}

// SearchResult carries either a hit or a worker error.
type SearchResult struct {
	QueryResult

	Err error
}

// BucketAndIndex packs a bucketed location into a comparable map key, for
// callers that need to join search hits back to ring entries.
type BucketAndIndex uint32

// NewBucketAndIndex packs a class and slot index.
func NewBucketAndIndex(class uint8, index uint32) BucketAndIndex {
	return BucketAndIndex(index<<8 | uint32(class))
}

// Class returns the packed size class.
func (b BucketAndIndex) Class() uint8 { return uint8(b) }

// Index returns the packed bucket slot index.
func (b BucketAndIndex) Index() uint32 { return uint32(b) >> 8 }

// BucketLocation returns the entry's bucket coordinates, or false for
// direct entries.
func (e Entry) BucketLocation() (class uint8, index uint32, ok bool) {
	if e.IsFile() {
		return 0, 0, false
	}

	return ring.SizeToBucket(e.record.Size), e.record.Index, true
}

// Results is the consumer side of a running search. Hits arrive on C in
// whatever order the workers produce them; within one bucket, hits are in
// ascending slot order. C is closed once every worker has exited.
type Results struct {
	// C streams hits and worker errors.
	C <-chan SearchResult

	done      chan struct{}
	wg        *sync.WaitGroup
	closeOnce sync.Once
}

// Close cancels the search. Every worker observes the cancellation within
// one iteration of its inner loop and exits; pending sends unblock. Close
// drains C, so it also serves as the "stopped consuming early" path.
func (r *Results) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})

	for range r.C { //nolint:revive // draining until workers exit
	}
}

// Wait blocks until all workers have exited. Callers that consume C to
// completion do not need to call Wait.
func (r *Results) Wait() {
	r.wg.Wait()
}

// Search runs a query across the whole database: one worker per bucket size
// class that could hold a match, plus one walking the direct store. The
// result channel is unbuffered, so back-pressure from a slow consumer
// throttles the workers naturally.
//
// The reader's bucket mappings and file lengths are snapshotted when the
// search starts, so bucket slots appended later are not scanned. The
// mappings are shared, so writes into already-scanned ranges and direct
// files created during the walk may or may not be seen.
func Search(query Query, reader *EntryReader) *Results {
	var m matcher
	if query.Regex != nil {
		m = regexMatcher{re: query.Regex}
	} else {
		m = literalMatcher(query.Literal)
	}

	out := make(chan SearchResult)
	done := make(chan struct{})
	wg := &sync.WaitGroup{}

	firstClass := uint8(0)
	if n, ok := m.needleLen(); ok && n > 0 {
		if n > ring.MaxBucketedSize {
			firstClass = ring.NumBuckets
		} else {
			firstClass = ring.SizeToBucket(uint32(n))
		}
	}

	for class := firstClass; class < ring.NumBuckets; class++ {
		// Scan only file-backed bytes: the mapping has a 4096-byte floor
		// that can extend past EOF, and touching those pages would fault.
		mem := reader.Bucket(class)
		scan := mem.Bytes()

		if info, statErr := mem.File().Stat(); statErr == nil && int(info.Size()) < len(scan) {
			scan = scan[:info.Size()]
		}

		wg.Add(1)

		go func() {
			defer wg.Done()
			searchBucket(m, class, scan, out, done)
		}()
	}

	wg.Add(1)

	go func() {
		defer wg.Done()
		searchDirect(m, reader, out, done)
	}()

	go func() {
		wg.Wait()
		close(out)
	}()

	return &Results{C: out, done: done, wg: wg}
}

func searchBucket(m matcher, class uint8, mem []byte, out chan<- SearchResult, done <-chan struct{}) {
	stride := int(ring.BucketToLength(class))

	for index := 0; (index+1)*stride <= len(mem); index++ {
		select {
		case <-done:
			return
		default:
		}

		chunk := mem[index*stride : (index+1)*stride]

		// Entries are NUL-padded to the slot stride.
		if nul := bytes.IndexByte(chunk, 0); nul >= 0 {
			chunk = chunk[:nul]
		}

		start, end, ok := m.find(chunk)
		if !ok {
			continue
		}

		result := SearchResult{QueryResult: QueryResult{
			Location: EntryLocation{Kind: LocationBucketed, Class: class, Index: uint32(index)},
			Start:    start,
			End:      end,
		}}

		select {
		case out <- result:
		case <-done:
			return
		}
	}
}

// searchDirect walks the direct store. The walker pins itself to an OS
// thread and unshares its file descriptor table and filesystem context, so
// a concurrent writer unlinking entries cannot race with the directory
// iteration. The thread is discarded when the goroutine exits.
func searchDirect(m matcher, reader *EntryReader, out chan<- SearchResult, done <-chan struct{}) {
	runtime.LockOSThread()
	// No UnlockOSThread: the unshared thread must die with this goroutine.

	unshareErr := unix.Unshare(unix.CLONE_FILES | unix.CLONE_FS)
	if unshareErr != nil {
		sendError(out, done, fmt.Errorf("failed to unshare I/O: %w", unshareErr))

		return
	}

	fd, err := unix.Openat(int(reader.direct.Fd()), ".", unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		sendError(out, done, fmt.Errorf("failed to open direct dir: %w", err))

		return
	}

	dir := os.NewFile(uintptr(fd), "direct")
	defer dir.Close()

	for {
		select {
		case <-done:
			return
		default:
		}

		names, readErr := dir.Readdirnames(128)
		if len(names) == 0 {
			if readErr != nil && readErr != io.EOF {
				sendError(out, done, fmt.Errorf("failed to read direct directory: %w", readErr))
			}

			return
		}

		for _, name := range names {
			select {
			case <-done:
				return
			default:
			}

			result, ok, matchErr := searchDirectFile(m, int(dir.Fd()), name)
			if matchErr != nil {
				if !sendError(out, done, matchErr) {
					return
				}

				continue
			}

			if !ok {
				continue
			}

			select {
			case out <- SearchResult{QueryResult: result}:
			case <-done:
				return
			}
		}
	}
}

func searchDirectFile(m matcher, dirFd int, name string) (QueryResult, bool, error) {
	fd, err := unix.Openat(dirFd, name, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return QueryResult{}, false, fmt.Errorf("failed to open direct allocation %q: %w", name, err)
	}

	f := os.NewFile(uintptr(fd), name)
	defer f.Close()

	mime, err := ReadMimeType(f)
	if err != nil {
		return QueryResult{}, false, err
	}

	if !IsTextMime(mime) {
		return QueryResult{}, false, nil
	}

	info, err := f.Stat()
	if err != nil {
		return QueryResult{}, false, fmt.Errorf("failed to stat direct allocation %q: %w", name, err)
	}

	if info.Size() == 0 {
		return QueryResult{}, false, nil
	}

	mem, err := unix.Mmap(fd, 0, int(info.Size()), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return QueryResult{}, false, fmt.Errorf("failed to mmap direct allocation %q: %w", name, err)
	}
	defer unix.Munmap(mem) //nolint:errcheck // read-only mapping

	start, end, ok := m.find(mem)
	if !ok {
		return QueryResult{}, false, nil
	}

	id, err := ParseDirectFileName(name)
	if err != nil {
		return QueryResult{}, false, err
	}

	return QueryResult{
		Location: EntryLocation{Kind: LocationFile, ID: id},
		Start:    start,
		End:      end,
	}, true, nil
}

func sendError(out chan<- SearchResult, done <-chan struct{}, err error) bool {
	select {
	case out <- SearchResult{Err: err}:
		return true
	case <-done:
		return false
	}
}
