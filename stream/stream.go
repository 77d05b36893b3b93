// Package stream implements the compression-block-aligned reader described
// in spec §4.F: it walks a caller-supplied sequence of disk-range chunks —
// some already-cached decoded blocks, some raw compressed bytes fresh off
// storage — parsing the 3-byte block header in front of each undecoded
// block, decompressing it into a newly allocated buffer, and registering
// the result back into the cached-range index.
package stream

import (
	"context"
	"errors"

	"github.com/bytedance/gopkg/lang/mcache"

	"github.com/stripecache/stripecache/allocator"
	"github.com/stripecache/stripecache/buffer"
	"github.com/stripecache/stripecache/rangeindex"
)

// ErrBadFormat is returned when a parsed header is structurally impossible,
// e.g. its chunkLength exceeds the configured block buffer size.
var ErrBadFormat = errors.New("stream: malformed compression header")

// ErrTruncated is returned when fewer bytes are available than a parsed
// header promises.
var ErrTruncated = errors.New("stream: truncated compressed chunk")

// ErrInvalidSeek is returned when a reused (already cached) chunk does not
// fall on a compression-block boundary of the raw bytes before it.
var ErrInvalidSeek = errors.New("stream: chunk sequence does not match requested span")

// Decompressor decodes one compression block's payload. dst is the block
// allocated for it: the configured block buffer size rounded up to the
// allocator's power-of-two block size; Decompress returns the number
// of bytes actually written (<= len(dst), e.g. for a truncated final block).
type Decompressor interface {
	Decompress(dst, src []byte) (int, error)
}

// SourceReader reads raw bytes for disk-range gaps. It is the external
// collaborator named in spec §6 "Source reader"; package stream depends on
// it only through this interface, never on a concrete storage client.
type SourceReader interface {
	ReadRanges(ctx context.Context, file string, ranges []rangeindex.Range) ([][]byte, error)
}

// Chunk is one element of the disk-range sequence spec §4.F.1 describes as
// "mixed previously-read byte buffers and cache hits". Exactly one of
// Reused/Raw is set.
type Chunk struct {
	// Reused is set when this chunk is an already-cached, already-decoded
	// block obtained from a prior rangeindex.GetFileData call; its bytes
	// require no further parsing and are passed straight through.
	Reused *buffer.Handle
	// Raw holds compressed bytes read fresh from storage. A single block's
	// header+payload may straddle two consecutive Raw chunks.
	Raw []byte
}

// Reader assembles decompressed, cache-registered buffers for a compressed
// stream, per spec §4.F.
type Reader struct {
	alloc   *allocator.Allocator
	index   *rangeindex.Index
	decomp  Decompressor
	source  SourceReader
	bufSize int
}

// New creates a Reader. bufSize is the fixed decompressed size of every
// non-final compression block (the "compression buffer size" of spec's
// GLOSSARY entry "Compression block"). source supplies the raw compressed
// bytes for spans the index has no cached entry for; it may be nil for
// callers that only ever use ReadBlocks directly with pre-fetched chunks.
func New(alloc *allocator.Allocator, index *rangeindex.Index, decomp Decompressor, source SourceReader, bufSize int) *Reader {
	return &Reader{alloc: alloc, index: index, decomp: decomp, source: source, bufSize: bufSize}
}

// Read answers the compressed-stream span [start,end) for file, consulting
// the cached-range index first and fetching only the gaps from source, per
// spec §4.F.1's "mixed previously-read byte buffers and cache hits": cache
// hits are adopted as already-pinned Reused chunks, gaps are read via
// source.ReadRanges and parsed/decompressed/registered by ReadBlocks exactly
// as if the caller had pre-fetched them.
func (r *Reader) Read(ctx context.Context, file string, start, end int64) ([]*buffer.Handle, error) {
	results := r.index.GetFileData(file, []rangeindex.Range{{Start: start, End: end}})

	var gaps []rangeindex.Range
	for _, res := range results {
		if !res.IsHit() {
			gaps = append(gaps, res.Range)
		}
	}

	var raw [][]byte
	if len(gaps) > 0 {
		var err error
		raw, err = r.source.ReadRanges(ctx, file, gaps)
		if err != nil {
			for _, res := range results {
				if res.IsHit() {
					r.index.Release(res.Handle)
				}
			}
			return nil, err
		}
	}

	chunks := make([]Chunk, 0, len(results))
	gi := 0
	for _, res := range results {
		if res.IsHit() {
			chunks = append(chunks, Chunk{Reused: res.Handle})
			continue
		}
		chunks = append(chunks, Chunk{Raw: raw[gi]})
		gi++
	}
	return r.ReadBlocks(ctx, file, start, chunks)
}

// ParseHeader decodes the 3-byte little-endian compression block header
// described in spec §4.F.2: bit 0 of the first byte is the "stored
// original, not compressed" flag; the remaining 23 bits, spread across all
// three bytes, are the compressed chunk length.
func ParseHeader(b []byte) (isOriginal bool, chunkLength int, err error) {
	if len(b) < 3 {
		return false, 0, ErrTruncated
	}
	b0, b1, b2 := b[0], b[1], b[2]
	isOriginal = b0&1 != 0
	chunkLength = int(b2)<<15 | int(b1)<<7 | int(b0)>>1
	return isOriginal, chunkLength, nil
}

// ReadBlocks walks chunks in order, starting at logical position start,
// returning one pinned *buffer.Handle per compression block covered —
// reused hits passed straight through, gaps freshly decompressed,
// allocated, and registered into the index under file. The caller releases
// every returned handle when done, per spec §4.A's pin/release contract.
func (r *Reader) ReadBlocks(ctx context.Context, file string, start int64, chunks []Chunk) ([]*buffer.Handle, error) {
	out := make([]*buffer.Handle, 0, len(chunks))
	pos := start
	cur := newChunkCursor()
	defer cur.free()

	flush := func() error {
		for cur.remaining() > 0 {
			header, err := cur.take(3)
			if err != nil {
				return err
			}
			isOriginal, chunkLength, _ := ParseHeader(header)
			if chunkLength > r.bufSize {
				return ErrBadFormat
			}

			payload, err := cur.take(chunkLength)
			if err != nil {
				return err
			}

			h, err := r.materialize(ctx, file, pos, isOriginal, payload)
			if err != nil {
				return err
			}
			out = append(out, h)
			pos += int64(3 + chunkLength)
		}
		return nil
	}

	for _, c := range chunks {
		if c.Reused != nil {
			// Parse the raw blocks queued ahead of this hit first, so the
			// output keeps input block order. A reused hit must fall on a
			// block boundary, never mid-block.
			if err := flush(); err != nil {
				if errors.Is(err, ErrTruncated) {
					return nil, ErrInvalidSeek
				}
				return nil, err
			}
			out = append(out, c.Reused)
			pos += int64(c.Reused.Length)
			continue
		}
		cur.append(c.Raw)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *Reader) materialize(ctx context.Context, file string, pos int64, isOriginal bool, payload []byte) (*buffer.Handle, error) {
	dest := []*buffer.Handle{r.alloc.CreateUnallocated()}
	if ok, err := r.alloc.AllocateMultiple(ctx, dest, file, r.bufSize); !ok {
		return nil, err
	}
	h := dest[0]
	dst := r.alloc.Bytes(h)

	var n int
	if isOriginal {
		n = copy(dst, payload)
	} else {
		var err error
		n, err = r.decomp.Decompress(dst, payload)
		if err != nil {
			r.alloc.Deallocate(h)
			return nil, err
		}
	}

	span := rangeindex.Range{Start: pos, End: pos + int64(n)}
	slot := []*buffer.Handle{h}
	mask, discarded := r.index.PutFileData(file, []rangeindex.Range{span}, slot)
	if mask != nil {
		// A concurrent producer already won this block; release our copy
		// and adopt the winner, per spec §4.E conflict resolution.
		h.Release()
		r.alloc.Deallocate(discarded[0])
		return slot[0], nil
	}
	return h, nil
}

// chunkCursor consolidates a sequence of appended []byte fragments into a
// contiguous view for header/payload parsing, falling back to an
// mcache-backed scratch buffer only when a read straddles a fragment
// boundary — the same strategy gridbuf.ReadBuffer uses for its ReadN/
// readSlow split.
type chunkCursor struct {
	frags [][]byte
	idx   int
	off   int
	total int
	taken int
	pool  [][]byte
}

func newChunkCursor() *chunkCursor { return &chunkCursor{} }

func (c *chunkCursor) append(b []byte) {
	if len(b) == 0 {
		return
	}
	c.frags = append(c.frags, b)
	c.total += len(b)
}

func (c *chunkCursor) remaining() int { return c.total - c.taken }

// take consumes and returns the next n bytes, consolidating across fragment
// boundaries via an mcache-pooled scratch buffer when necessary.
func (c *chunkCursor) take(n int) ([]byte, error) {
	if c.remaining() < n {
		return nil, ErrTruncated
	}
	if c.idx >= len(c.frags) {
		return nil, ErrTruncated
	}
	head := c.frags[c.idx][c.off:]
	if len(head) >= n {
		c.off += n
		c.taken += n
		return head[:n], nil
	}

	buf := mcache.Malloc(n)
	c.pool = append(c.pool, buf)
	l := copy(buf, head)
	c.idx++
	c.off = 0
	for l < n {
		if c.idx >= len(c.frags) {
			return nil, ErrTruncated
		}
		m := copy(buf[l:], c.frags[c.idx])
		l += m
		if m == len(c.frags[c.idx]) {
			c.idx++
			c.off = 0
		} else {
			c.off = m
		}
	}
	c.taken += n
	return buf, nil
}

func (c *chunkCursor) free() {
	for i := range c.pool {
		mcache.Free(c.pool[i])
		c.pool[i] = nil
	}
	c.pool = c.pool[:0]
}
