// Package chunker implements content-defined chunking (spec component
// C3): a rolling Buzhash over a 64-byte sliding window declares chunk
// boundaries so that inserting or deleting bytes in a stream only
// perturbs chunk boundaries locally, which is what lets the chunk
// store (package chunkstore) deduplicate unchanged regions across
// backups.
//
// The rolling hash engine is github.com/kch42/buzhash, the same
// buzhash construction dolthub-dolt depends on for its own
// content-defined chunking (its go.mod requires both
// github.com/kch42/buzhash and github.com/silvasur/buzhash).
package chunker

import (
	"math/rand"

	"github.com/kch42/buzhash"
)

// WindowSize is the width of the rolling hash window in bytes.
const WindowSize = 64

// fixedSeed makes the hash table a process- and build-independent
// constant. Content-defined chunking only deduplicates across backups
// if the same bytes always cut at the same place, so the table cannot
// be randomized per process the way buzhash.NewTable() does by
// default — it is generated once, deterministically, at init time.
const fixedSeed = 0x50425344 // "PBSD"

var globalTable = buzhash.NewTableFromRand(rand.New(rand.NewSource(fixedSeed)))

// Chunker declares chunk boundaries over a byte stream using a target
// size S (must be a power of two). The minimum chunk size is S/4, the
// maximum is S*4, and a cut is declared whenever the rolling hash's
// low bits (masked by S*4-1) are all zero.
type Chunker struct {
	target uint64
	min    uint64
	max    uint64
	mask   uint64

	hasher   *buzhash.BuzHash
	buffered uint64 // bytes consumed since the last committed cut
	cut      bool   // whether the last Scan call stopped at a cut
}

// New returns a Chunker targeting chunks of approximately target
// bytes. target must be a power of two.
func New(target uint64) *Chunker {
	if target == 0 || target&(target-1) != 0 {
		panic("chunker: target size must be a power of two")
	}
	return &Chunker{
		target: target,
		min:    target / 4,
		max:    target * 4,
		mask:   target*4 - 1,
		hasher: buzhash.New(globalTable, WindowSize),
	}
}

// TargetSize, MinSize, and MaxSize report the configured chunk size bounds.
func (c *Chunker) TargetSize() uint64 { return c.target }
func (c *Chunker) MinSize() uint64    { return c.min }
func (c *Chunker) MaxSize() uint64    { return c.max }

// Scan returns the index inside buf of the first byte immediately
// following a cut, or len(buf) if no cut is found. The caller is
// expected to accumulate the bytes up to the returned index into the
// current chunk, emit the chunk if a cut was found, call NextChunk,
// and continue scanning the remainder of buf (if any) plus subsequent
// reads. A cut on the last byte of buf also returns len(buf); Scan
// records in the Chunker whether it stopped at a cut, and Split reads
// that record to tell the two cases apart.
//
// Scan does not reset the rolling hash window between calls: per
// spec.md §4.2, cut positions depend only on the bytes within the
// 64-byte window, never on where a previous Scan call's buffer ended.
func (c *Chunker) Scan(buf []byte) int {
	c.cut = false
	for i := 0; i < len(buf); i++ {
		h := c.hasher.HashByte(buf[i])
		c.buffered++
		if c.buffered < c.min {
			continue
		}
		if c.buffered >= c.max {
			c.cut = true
			return i + 1
		}
		if uint64(h)&c.mask == 0 {
			c.cut = true
			return i + 1
		}
	}
	return len(buf)
}

// NextChunk must be called after the caller commits the chunk ending
// at the offset Scan returned, resetting the min/max byte counter for
// the chunk that follows. It intentionally leaves the rolling hash
// window untouched.
func (c *Chunker) NextChunk() {
	c.buffered = 0
}

// Buffered reports how many bytes have been accumulated into the
// current, not-yet-cut chunk.
func (c *Chunker) Buffered() uint64 {
	return c.buffered
}

// Split drives Scan/NextChunk over everything written to it, invoking
// emit once per completed chunk (including a final, possibly
// undersized chunk when Close is called with buffered data pending).
// It is the convenience driver used by the dynamic index writer
// (package index) to turn a byte stream into a sequence of chunks.
type Split struct {
	c    *Chunker
	pend []byte
	emit func([]byte) error
}

// NewSplit returns a Split that calls emit once per chunk boundary
// declared by a Chunker targeting size target.
func NewSplit(target uint64, emit func([]byte) error) *Split {
	return &Split{c: New(target), emit: emit}
}

// Write feeds more stream bytes into the splitter, emitting any
// chunks that are completed as a result.
func (s *Split) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		cut := s.c.Scan(p)
		s.pend = append(s.pend, p[:cut]...)
		p = p[cut:]
		if !s.c.cut {
			// No boundary in this buffer; keep accumulating on the next Write.
			break
		}
		if err := s.emit(s.pend); err != nil {
			return total - len(p), err
		}
		s.pend = s.pend[:0]
		s.c.NextChunk()
	}
	return total, nil
}

// Close flushes any remaining buffered bytes as a final, possibly
// short, chunk.
func (s *Split) Close() error {
	if len(s.pend) == 0 {
		return nil
	}
	if err := s.emit(s.pend); err != nil {
		return err
	}
	s.pend = s.pend[:0]
	s.c.NextChunk()
	return nil
}
