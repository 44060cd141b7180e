package index

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/chunkstore"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
)

var log = logging.Logger("index")

const digestRecordSize = digest.Size // 32 bytes per record in a .fidx

// FixedWriter builds a .fidx file: the header page followed by a
// contiguous array of 32-byte digests, one per equally-sized chunk.
type FixedWriter struct {
	f         *os.File
	bw        *bufio.Writer
	tmpPath   string
	finalPath string
	header    Header
	count     uint64
	total     uint64
	closed    bool
}

// CreateFixed begins writing a new .fidx index at dir/name.fidx, with
// every chunk expected to be chunkSize bytes (the final one may be
// shorter).
func CreateFixed(dir, name string, chunkSize uint64) (*FixedWriter, error) {
	const op = "index.CreateFixed"
	finalPath := filepath.Join(dir, name+".fidx")
	tmpPath := finalPath + ".tmp_fidx"

	f, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	header := newHeader(MagicFixedIndex, chunkSize)
	if _, err := f.Write(header.Bytes()); err != nil {
		f.Close()
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	return &FixedWriter{
		f:         f,
		bw:        bufio.NewWriter(f),
		tmpPath:   tmpPath,
		finalPath: finalPath,
		header:    header,
	}, nil
}

// AddChunk builds a DataBlob from plaintext, inserts it into cs, and
// appends its digest to the index. Every call but the last should
// pass exactly chunkSize bytes.
func (w *FixedWriter) AddChunk(cs *chunkstore.Store, plaintext []byte, key *digest.Key, compress bool) (digest.Digest, error) {
	const op = "index.FixedWriter.AddChunk"
	var d digest.Digest
	if key != nil {
		d = digest.ComputeKeyed(plaintext, *key)
	} else {
		d = digest.Compute(plaintext)
	}
	b, err := blob.Encode(plaintext, key, compress)
	if err != nil {
		return d, err
	}
	if _, err := cs.Insert(d, b); err != nil {
		return d, err
	}
	if _, err := w.bw.Write(d[:]); err != nil {
		return d, dserrors.New(dserrors.KindIO, op, err)
	}
	w.count++
	w.total += uint64(len(plaintext))
	return d, nil
}

// Close flushes, fsyncs, and atomically renames the index into place.
// Until this returns, the chunks already inserted via AddChunk exist
// in the chunk store but are unreferenced by any committed index.
func (w *FixedWriter) Close() error {
	const op = "index.FixedWriter.Close"
	if w.closed {
		return nil
	}
	w.closed = true
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
func (w *FixedWriter) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	w.f.Close()
	return os.Remove(w.tmpPath)
}

// FixedReader memory-maps a committed .fidx file for random-access lookup.
type FixedReader struct {
	f      *os.File
	data   mmapHandle
	header Header
}

// OpenFixed opens and validates a committed .fidx file.
func OpenFixed(path string) (*FixedReader, error) {
	const op = "index.OpenFixed"
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
	header, err := loadHeader(mm.Bytes(), MagicFixedIndex)
	if err != nil {
		mm.Close()
		f.Close()
		return nil, err
	}
	body := mm.Bytes()[HeaderPageSize:]
	if len(body)%digestRecordSize != 0 {
		mm.Close()
		f.Close()
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("digest array length %d not a multiple of %d", len(body), digestRecordSize))
	}
	count := uint64(len(body) / digestRecordSize)
	wantCount := ceilDiv(header.TotalSize, header.ChunkSize)
	if count != wantCount {
		mm.Close()
		f.Close()
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("truncated index: have %d digests, want %d", count, wantCount))
	}
	return &FixedReader{f: f, data: mm, header: header}, nil
}

func ceilDiv(a, b uint64) uint64 {
	if b == 0 {
		return 0
	}
	return (a + b - 1) / b
}

// Close unmaps and closes the underlying file.
func (r *FixedReader) Close() error {
	r.data.Close()
	return r.f.Close()
}

// Length returns the number of chunk entries in the index.
func (r *FixedReader) Length() uint64 {
	return uint64(len(r.data.Bytes()[HeaderPageSize:]) / digestRecordSize)
}

// TotalSize returns the logical byte length of the archive this index describes.
func (r *FixedReader) TotalSize() uint64 { return r.header.TotalSize }

// UUID returns the index file's identity.
func (r *FixedReader) UUID() [16]byte { return r.header.UUID }

func (r *FixedReader) digestAt(i uint64) digest.Digest {
	off := HeaderPageSize + i*digestRecordSize
	var d digest.Digest
	copy(d[:], r.data.Bytes()[off:off+digestRecordSize])
	return d
}

// ChunkInfo returns the digest and byte range [start,end) of the i-th chunk.
func (r *FixedReader) ChunkInfo(i uint64) (d digest.Digest, start, end uint64, err error) {
	const op = "index.FixedReader.ChunkInfo"
	if i >= r.Length() {
		return d, 0, 0, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("index %d out of range (len %d)", i, r.Length()))
	}
	start = i * r.header.ChunkSize
	end = start + r.header.ChunkSize
	if end > r.header.TotalSize {
		end = r.header.TotalSize
	}
	return r.digestAt(i), start, end, nil
}

// ChunkFromOffset locates the chunk covering byte offset off. Lookup
// is O(1) since every chunk but the last is exactly ChunkSize bytes.
func (r *FixedReader) ChunkFromOffset(off uint64) (i uint64, d digest.Digest, intra uint64, err error) {
	const op = "index.FixedReader.ChunkFromOffset"
	if off >= r.header.TotalSize {
		return 0, d, 0, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("offset %d beyond total size %d", off, r.header.TotalSize))
	}
	i = off / r.header.ChunkSize
	intra = off % r.header.ChunkSize
	return i, r.digestAt(i), intra, nil
}

// MarkUsedChunks invokes touch once per digest referenced by this
// index, the operation GC's mark phase drives over every committed
// index file.
func (r *FixedReader) MarkUsedChunks(touch func(digest.Digest) error) error {
	n := r.Length()
	for i := uint64(0); i < n; i++ {
		if err := touch(r.digestAt(i)); err != nil {
			return err
		}
	}
	return nil
}
