// Package rangeindex implements the cached-range index described in spec
// §4.E: a per-file ordered map of [offset,end) byte ranges to shared buffer
// handles, answering interval queries that interleave cache hits with gap
// descriptors.
//
// Per spec design note 9, the per-file structure is an ordered map keyed by
// start offset rather than a hash map plus manual iteration order. It is
// grounded on the teacher dependency github.com/bytedance/gopkg, whose
// collection/skipmap provides a concurrent, ascending-ordered map — the
// same dependency gridbuf and bufiox already lean on for mcache/dirtmake.
package rangeindex

import (
	"sort"
	"sync"

	"github.com/bytedance/gopkg/collection/skipmap"

	"github.com/stripecache/stripecache/buffer"
	"github.com/stripecache/stripecache/evictpolicy"
)

// Range is a half-open byte interval [Start, End).
type Range struct {
	Start, End int64
}

func (r Range) Len() int64 { return r.End - r.Start }

// Result is one element of a getFileData response: either a cache hit
// (Handle != nil, already pinned by IncRef) or a gap the caller must read
// from storage.
type Result struct {
	Range  Range
	Handle *buffer.Handle // nil for a gap
}

func (r Result) IsHit() bool { return r.Handle != nil }

type entry struct {
	end    int64
	handle *buffer.Handle
}

type location struct {
	file  string
	start int64
}

// fileIndex is the per-file ordered map plus the exclusive lock spec §4.E
// asks for around insert/remove, and the shared lock around lookup.
type fileIndex struct {
	mu   sync.RWMutex
	data *skipmap.Int64Map[*entry]
}

func newFileIndex() *fileIndex {
	return &fileIndex{data: skipmap.NewInt64[*entry]()}
}

// Index is the global cached-range index: one fileIndex per file, behind a
// read-mostly lock (exclusive only while creating a file's structure; file
// structures are never removed), per spec §4.E "per-file locking".
type Index struct {
	policy evictpolicy.Policy

	mu    sync.RWMutex
	files map[string]*fileIndex

	locMu sync.Mutex
	locs  map[*buffer.Handle]location
}

// New creates an empty Index driven by the given eviction policy.
func New(policy evictpolicy.Policy) *Index {
	return &Index{
		policy: policy,
		files:  make(map[string]*fileIndex),
		locs:   make(map[*buffer.Handle]location),
	}
}

func (ix *Index) fileFor(file string, create bool) *fileIndex {
	ix.mu.RLock()
	fi, ok := ix.files[file]
	ix.mu.RUnlock()
	if ok || !create {
		return fi
	}

	ix.mu.Lock()
	defer ix.mu.Unlock()
	if fi, ok = ix.files[file]; ok {
		return fi
	}
	fi = newFileIndex()
	ix.files[file] = fi
	return fi
}

// PutFileData registers len(ranges) == len(buffers) newly-produced buffers
// under the given file. For each slot:
//   - no existing entry at that start offset: insert it.
//   - a live existing entry: the caller's buffer is a duplicate producer;
//     buffers[i] is replaced with the existing (winning) handle and bit i
//     is set in the returned mask. The discarded original is returned via
//     discarded[i] so the caller can release it back to the allocator.
//   - a stale (invalidated, or whose IncRef failed) existing entry: it is
//     replaced silently, with no conflict bit — spec's resolution of the
//     Open Question in design note 9 ("report only live conflicts").
//
// mask is nil if no conflict was encountered.
func (ix *Index) PutFileData(file string, ranges []Range, buffers []*buffer.Handle) (mask []uint64, discarded []*buffer.Handle) {
	if len(ranges) != len(buffers) {
		panic("rangeindex: len(ranges) != len(buffers)")
	}
	fi := ix.fileFor(file, true)

	fi.mu.Lock()
	defer fi.mu.Unlock()

	setConflict := func(i int) {
		if mask == nil {
			mask = make([]uint64, (len(buffers)+63)/64)
			discarded = make([]*buffer.Handle, len(buffers))
		}
		mask[i/64] |= 1 << uint(i%64)
	}

	for i, r := range ranges {
		existing, ok := fi.data.Load(r.Start)
		if ok {
			if existing.handle.IncRef() == nil {
				// Live conflict: the existing handle wins. Caller's
				// buffer is unused; report the conflict and swap in the
				// winner so the caller can release its duplicate.
				ix.policy.NotifyLock(existing.handle)
				setConflict(i)
				discarded[i] = buffers[i]
				buffers[i] = existing.handle
				continue
			}
			// Stale: remove silently before inserting the new handle.
			fi.data.Delete(r.Start)
			ix.forgetLocation(existing.handle)
		}

		h := buffers[i]
		fi.data.Store(r.Start, &entry{end: r.End, handle: h})
		h.MarkCached()
		ix.policy.Cache(h)
		ix.rememberLocation(h, file, r.Start)
	}
	return mask, discarded
}

// GetFileData answers an ordered list of probe ranges, returning a
// concatenated sequence of hit/gap Results per probe such that each
// probe's portion covers every requested byte exactly once. Adjacent hits
// are never merged even when they reference the same buffer; adjacent gaps
// within one probe are merged.
func (ix *Index) GetFileData(file string, probes []Range) []Result {
	fi := ix.fileFor(file, false)
	if fi == nil {
		// Nothing cached for this file at all: every probe is one gap.
		out := make([]Result, 0, len(probes))
		for _, p := range probes {
			out = append(out, Result{Range: p})
		}
		return out
	}

	fi.mu.RLock()
	defer fi.mu.RUnlock()

	var out []Result
	for _, p := range probes {
		out = append(out, ix.getOne(fi, p)...)
	}
	return out
}

func (ix *Index) getOne(fi *fileIndex, probe Range) []Result {
	type overlap struct {
		start, end int64
		handle     *buffer.Handle
	}
	var hits []overlap

	// skipmap.Range walks ascending by key; there is no floor-seek, so we
	// scan from the smallest start, skip entries that end before the
	// probe, and stop once an entry starts at/after the probe's end.
	fi.data.Range(func(start int64, e *entry) bool {
		if e.end <= probe.Start {
			return true
		}
		if start >= probe.End {
			return false
		}
		if e.handle.IncRef() != nil {
			// Invalidated: treat as absent, per spec §4.E / §4.G.
			return true
		}
		ix.policy.NotifyLock(e.handle)
		hits = append(hits, overlap{start: start, end: e.end, handle: e.handle})
		return true
	})
	sort.Slice(hits, func(i, j int) bool { return hits[i].start < hits[j].start })

	var out []Result
	cursor := probe.Start
	for _, h := range hits {
		s, e := h.start, h.end
		if s < cursor {
			s = cursor
		}
		if e > probe.End {
			e = probe.End
		}
		if s >= e {
			// Wholly outside the probe after clamping (can't happen given
			// the Range filter above, but keep the invariant explicit).
			h.handle.Release()
			continue
		}
		if s > cursor {
			out = appendGap(out, Range{Start: cursor, End: s})
		}
		out = append(out, Result{Range: Range{Start: s, End: e}, Handle: h.handle})
		cursor = e
	}
	if cursor < probe.End {
		out = appendGap(out, Range{Start: cursor, End: probe.End})
	}
	return out
}

// appendGap merges with the previous Result if it is also a gap and
// directly adjacent.
func appendGap(out []Result, r Range) []Result {
	if n := len(out); n > 0 && !out[n-1].IsHit() && out[n-1].Range.End == r.Start {
		out[n-1].Range.End = r.End
		return out
	}
	return append(out, Result{Range: r})
}

// NotifyEvicted is invoked by the eviction coordinator once it has
// successfully invalidated h: it strips the index entry (if any) that
// still refers to h and hands the memory back conceptually to the
// allocator (the caller, cache.Cache, performs the actual arena.Free).
func (ix *Index) NotifyEvicted(h *buffer.Handle) {
	ix.locMu.Lock()
	loc, ok := ix.locs[h]
	if ok {
		delete(ix.locs, h)
	}
	ix.locMu.Unlock()
	if !ok {
		return
	}

	fi := ix.fileFor(loc.file, false)
	if fi == nil {
		return
	}
	fi.mu.Lock()
	defer fi.mu.Unlock()
	if e, ok := fi.data.Load(loc.start); ok && e.handle == h {
		fi.data.Delete(loc.start)
	}
}

// Release drops a pin obtained via GetFileData/PutFileData's conflict path
// and notifies the policy so the handle becomes evictable again at rc=0.
func (ix *Index) Release(h *buffer.Handle) {
	if h.Release() == 0 {
		ix.policy.NotifyUnlock(h)
	}
}

func (ix *Index) rememberLocation(h *buffer.Handle, file string, start int64) {
	ix.locMu.Lock()
	ix.locs[h] = location{file: file, start: start}
	ix.locMu.Unlock()
}

func (ix *Index) forgetLocation(h *buffer.Handle) {
	ix.locMu.Lock()
	delete(ix.locs, h)
	ix.locMu.Unlock()
}
