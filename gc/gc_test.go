package gc

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/chunkstore"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/index"
)

func sum(data []byte) digest.Digest { return digest.Compute(data) }

func encodeBlob(t *testing.T, data []byte) *blob.Blob {
	t.Helper()
	b, err := blob.Encode(data, nil, false)
	require.NoError(t, err)
	return b
}

func openStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, chunkstore.Create(dir))
	cs, err := chunkstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func buildFixedIndex(t *testing.T, dir string, cs *chunkstore.Store, chunkSize uint64, payloads ...[]byte) string {
	t.Helper()
	w, err := index.CreateFixed(dir, "archive", chunkSize)
	require.NoError(t, err)
	for _, p := range payloads {
		_, err := w.AddChunk(cs, p, nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return filepath.Join(dir, "archive.fidx")
}

func TestGCSweepRemovesUnreferencedChunks(t *testing.T) {
	cs := openStore(t)
	dir := t.TempDir()

	referenced := []byte("this chunk is kept because the index still names it")
	path := buildFixedIndex(t, dir, cs, uint64(len(referenced)), referenced)

	// An orphan chunk inserted directly, with no index ever referencing it.
	orphan := []byte("nobody points at this one")
	_, err := cs.Insert(sum(orphan), encodeBlob(t, orphan))
	require.NoError(t, err)

	// With a zero safety margin and touch threshold, the mark phase
	// re-touches the referenced chunk to a time after the collection
	// started, while the unmarked orphan keeps its earlier atime and is
	// swept.
	status, err := Run(cs, []IndexPath{{Path: path, Fixed: true}}, Options{
		MinAtimeSafetyMargin: 0,
		TouchThreshold:       0,
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, status.RemovedChunks)
	require.EqualValues(t, 2, status.DiskChunks)

	exists, err := cs.Exists(sum(referenced))
	require.NoError(t, err)
	require.True(t, exists)

	exists, err = cs.Exists(sum(orphan))
	require.NoError(t, err)
	require.False(t, exists)
}

func TestGCHonorsSafetyMargin(t *testing.T) {
	cs := openStore(t)
	dir := t.TempDir()

	orphan := []byte("recently written, should survive within the margin")
	_, err := cs.Insert(sum(orphan), encodeBlob(t, orphan))
	require.NoError(t, err)

	status, err := Run(cs, nil, Options{MinAtimeSafetyMargin: time.Hour})
	require.NoError(t, err)
	require.EqualValues(t, 0, status.RemovedChunks)

	exists, err := cs.Exists(sum(orphan))
	require.NoError(t, err)
	require.True(t, exists)
}

func TestGCRejectsConcurrentRun(t *testing.T) {
	cs := openStore(t)
	// The lock is taken through a second handle: flock on the same open
	// file is re-entrant, so only a separate open conflicts.
	other, err := chunkstore.Open(cs.Dir())
	require.NoError(t, err)
	defer other.Close()
	require.NoError(t, other.Lock())
	defer other.Unlock()

	_, err = Run(cs, nil, Options{})
	require.Error(t, err)
}

func TestGCBadChunkCounters(t *testing.T) {
	cs := openStore(t)
	bad := []byte("a chunk that failed verification")
	d := sum(bad)
	_, err := cs.Insert(d, encodeBlob(t, bad))
	require.NoError(t, err)
	require.NoError(t, cs.MarkBad(d))

	// Backdate the .bad file so it falls outside the safety margin.
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(cs.Path(d)+".bad", old, old))

	status, err := Run(cs, nil, Options{MinAtimeSafetyMargin: time.Hour})
	require.NoError(t, err)
	require.EqualValues(t, 1, status.RemovedBad)
	require.EqualValues(t, 0, status.StillBad)
}
