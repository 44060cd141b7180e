package index

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/chunker"
	"github.com/proxmox-backup/datastore/chunkstore"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
)

// dynamicRecordSize is the width of one (end_offset, digest) record
// in a .didx file: 8 bytes little-endian end offset plus a 32-byte digest.
const dynamicRecordSize = 8 + digest.Size

// DynamicWriter builds a .didx file. Unlike FixedWriter, chunk
// boundaries are decided internally by a content-defined chunker
// (package chunker) rather than presented by the caller: the writer
// exposes io.Writer so a caller can simply stream archive bytes
// through it.
type DynamicWriter struct {
	f         *os.File
	bw        *bufio.Writer
	tmpPath   string
	finalPath string
	header    Header
	cs        *chunkstore.Store
	key       *digest.Key
	compress  bool
	split     *chunker.Split
	total     uint64
	count     uint64
	closed    bool
	writeErr  error
	lastEmit  digest.Digest
}

// CreateDynamic begins writing a new .didx index at dir/name.didx,
// splitting the stream written to it into content-defined chunks
// targeting targetSize bytes (must be a power of two).
func CreateDynamic(dir, name string, targetSize uint64, cs *chunkstore.Store, key *digest.Key, compress bool) (*DynamicWriter, error) {
	const op = "index.CreateDynamic"
	finalPath := filepath.Join(dir, name+".didx")
	tmpPath := finalPath + ".tmp_didx"

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	header := newHeader(MagicDynamicIndex, targetSize)
	if _, err := f.Write(header.Bytes()); err != nil {
		f.Close()
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}

	w := &DynamicWriter{
		f:         f,
		bw:        bufio.NewWriter(f),
		tmpPath:   tmpPath,
		finalPath: finalPath,
		header:    header,
		cs:        cs,
		key:       key,
		compress:  compress,
	}
	w.split = chunker.NewSplit(targetSize, w.emit)
	return w, nil
}

func (w *DynamicWriter) emit(chunkBytes []byte) error {
	const op = "index.DynamicWriter.emit"
	var d digest.Digest
	if w.key != nil {
		d = digest.ComputeKeyed(chunkBytes, *w.key)
	} else {
		d = digest.Compute(chunkBytes)
	}
	b, err := blob.Encode(chunkBytes, w.key, w.compress)
	if err != nil {
		return err
	}
	if _, err := w.cs.Insert(d, b); err != nil {
		return err
	}
	w.total += uint64(len(chunkBytes))
	var rec [dynamicRecordSize]byte
	binary.LittleEndian.PutUint64(rec[0:8], w.total)
	copy(rec[8:], d[:])
	if _, err := w.bw.Write(rec[:]); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	w.count++
	w.lastEmit = d
	return nil
}

// Write feeds archive bytes into the chunker, inserting and recording
// a new chunk each time a boundary is declared. It implements io.Writer.
func (w *DynamicWriter) Write(p []byte) (int, error) {
	if w.writeErr != nil {
		return 0, w.writeErr
	}
	n, err := w.split.Write(p)
	if err != nil {
		w.writeErr = err
	}
	return n, err
}

// AddChunk is the lower-level per-chunk API mirroring FixedWriter's,
// for callers that already have chunk-sized plaintext slices and want
// to bypass the internal chunker and declare the boundary themselves.
func (w *DynamicWriter) AddChunk(plaintext []byte) (digest.Digest, error) {
	if err := w.emit(plaintext); err != nil {
		var zero digest.Digest
		return zero, err
	}
	return w.lastEmit, nil
}

// Close flushes any pending partial chunk as a final short chunk,
// fsyncs, and atomically renames the index into place.
func (w *DynamicWriter) Close() error {
	const op = "index.DynamicWriter.Close"
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.split.Close(); err != nil {
		w.f.Close()
		return err
	}
	if err := w.bw.Flush(); err != nil {
		w.f.Close()
		return dserrors.New(dserrors.KindIO, op, err)
	}
	w.header.TotalSize = w.total
	if _, err := w.f.WriteAt(w.header.Bytes(), 0); err != nil {
		w.f.Close()
		return dserrors.New(dserrors.KindIO, op, err)
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return dserrors.New(dserrors.KindIO, op, err)
	}
	if err := w.f.Close(); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	if err := os.Rename(w.tmpPath, w.finalPath); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	syncDir(filepath.Dir(w.finalPath))
	return nil
}

// Abort discards a partially written index, removing its temp file.
func (w *DynamicWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// DynamicReader memory-maps a committed .didx file for random-access lookup.
type DynamicReader struct {
	f      *os.File
	data   mmapHandle
	header Header
}

// OpenDynamic opens and validates a committed .didx file.
func OpenDynamic(path string) (*DynamicReader, error) {
	const op = "index.OpenDynamic"
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dserrors.New(dserrors.KindNotFound, op, err)
		}
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	if info.Size() < HeaderPageSize {
		f.Close()
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("file too short to contain a header"))
	}
	mm, err := mapFile(f)
	if err != nil {
		f.Close()
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	header, err := loadHeader(mm.Bytes(), MagicDynamicIndex)
	if err != nil {
		mm.Close()
		f.Close()
		return nil, err
	}
	body := mm.Bytes()[HeaderPageSize:]
	if len(body)%dynamicRecordSize != 0 {
		mm.Close()
		f.Close()
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("record table length %d not a multiple of %d", len(body), dynamicRecordSize))
	}
	r := &DynamicReader{f: f, data: mm, header: header}
	if err := r.validateMonotonic(); err != nil {
		mm.Close()
		f.Close()
		return nil, err
	}
	return r, nil
}

func (r *DynamicReader) validateMonotonic() error {
	const op = "index.DynamicReader.validateMonotonic"
	n := r.Length()
	var prev uint64
	for i := uint64(0); i < n; i++ {
		end := r.endOffsetAt(i)
		if end <= prev {
			return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("end_offset not strictly increasing at record %d", i))
		}
		prev = end
	}
	if n > 0 && prev != r.header.TotalSize {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("last end_offset %d does not match total_size %d", prev, r.header.TotalSize))
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (r *DynamicReader) Close() error {
	r.data.Close()
	return r.f.Close()
}

// Length returns the number of chunk records in the index.
func (r *DynamicReader) Length() uint64 {
	return uint64(len(r.data.Bytes()[HeaderPageSize:]) / dynamicRecordSize)
}

// TotalSize returns the logical byte length of the archive this index describes.
func (r *DynamicReader) TotalSize() uint64 { return r.header.TotalSize }

func (r *DynamicReader) recordAt(i uint64) (end uint64, d digest.Digest) {
	off := HeaderPageSize + i*dynamicRecordSize
	raw := r.data.Bytes()
	end = binary.LittleEndian.Uint64(raw[off : off+8])
	copy(d[:], raw[off+8:off+dynamicRecordSize])
	return end, d
}

func (r *DynamicReader) endOffsetAt(i uint64) uint64 {
	end, _ := r.recordAt(i)
	return end
}

// ChunkInfo returns the digest and byte range [start,end) of the i-th chunk.
func (r *DynamicReader) ChunkInfo(i uint64) (d digest.Digest, start, end uint64, err error) {
	const op = "index.DynamicReader.ChunkInfo"
	if i >= r.Length() {
		return d, 0, 0, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("index %d out of range (len %d)", i, r.Length()))
	}
	end, d = r.recordAt(i)
	if i == 0 {
		start = 0
	} else {
		start = r.endOffsetAt(i - 1)
	}
	return d, start, end, nil
}

// ChunkFromOffset locates the chunk covering byte offset off via
// binary search over the monotonically increasing end-offset table.
func (r *DynamicReader) ChunkFromOffset(off uint64) (i uint64, d digest.Digest, intra uint64, err error) {
	const op = "index.DynamicReader.ChunkFromOffset"
	n := r.Length()
	if off >= r.header.TotalSize {
		return 0, d, 0, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("offset %d beyond total size %d", off, r.header.TotalSize))
	}
	idx := sort.Search(int(n), func(i int) bool {
		return r.endOffsetAt(uint64(i)) > off
	})
	i = uint64(idx)
	var start uint64
	if i > 0 {
		start = r.endOffsetAt(i - 1)
	}
	_, d = r.recordAt(i)
	return i, d, off - start, nil
}

// MarkUsedChunks invokes touch once per digest referenced by this
// index, the operation GC's mark phase drives over every committed
// index file.
func (r *DynamicReader) MarkUsedChunks(touch func(digest.Digest) error) error {
	n := r.Length()
	for i := uint64(0); i < n; i++ {
		_, d := r.recordAt(i)
		if err := touch(d); err != nil {
			return err
		}
	}
	return nil
}
