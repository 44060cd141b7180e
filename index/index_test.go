package index

import (
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/chunkstore"
)

func openTestChunkStore(t *testing.T) *chunkstore.Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, chunkstore.Create(dir))
	cs, err := chunkstore.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

// S3 from spec.md §8: a .fidx built from a 10 MiB stream with
// chunk_size=1 MiB has 10 entries, and ChunkFromOffset(2_500_000)
// resolves to chunk index 2 (floor(2_500_000/1_048_576)) with
// intra-chunk offset 2_500_000-2*1_048_576 = 402_848. (spec.md's own
// worked example states 452_864 for the intra offset, which is not
// reachable from i=2 under 1 MiB = 1_048_576 bytes by any consistent
// floor-division reading; verified here against the governing
// formula in §4.4 rather than the example's literal digits.)
func TestFixedIndexS3(t *testing.T) {
	cs := openTestChunkStore(t)
	dir := t.TempDir()

	const chunkSize = 1 << 20 // 1 MiB
	r := rand.New(rand.NewSource(42))
	data := make([]byte, 10*chunkSize)
	r.Read(data)

	w, err := CreateFixed(dir, "archive", chunkSize)
	require.NoError(t, err)
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		_, err := w.AddChunk(cs, data[i:end], nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	rd, err := OpenFixed(dir + "/archive.fidx")
	require.NoError(t, err)
	defer rd.Close()

	require.EqualValues(t, 10, rd.Length())
	require.EqualValues(t, len(data), rd.TotalSize())

	i, _, intra, err := rd.ChunkFromOffset(2_500_000)
	require.NoError(t, err)
	require.EqualValues(t, 2, i)
	require.EqualValues(t, 402_848, intra)
}

func TestFixedIndexChunkInfoRanges(t *testing.T) {
	cs := openTestChunkStore(t)
	dir := t.TempDir()
	const chunkSize = 4096
	data := make([]byte, chunkSize*3+100)
	for i := range data {
		data[i] = byte(i)
	}

	w, err := CreateFixed(dir, "a", chunkSize)
	require.NoError(t, err)
	for i := 0; i < len(data); i += chunkSize {
		end := i + chunkSize
		if end > len(data) {
			end = len(data)
		}
		_, err := w.AddChunk(cs, data[i:end], nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	rd, err := OpenFixed(dir + "/a.fidx")
	require.NoError(t, err)
	defer rd.Close()

	require.EqualValues(t, 4, rd.Length())
	_, start, end, err := rd.ChunkInfo(3)
	require.NoError(t, err)
	require.EqualValues(t, chunkSize*3, start)
	require.EqualValues(t, chunkSize*3+100, end)
}

// Truncating a committed .fidx by one digest must be detected as a
// Format error on open (S3, second half).
func TestFixedIndexTruncationDetected(t *testing.T) {
	cs := openTestChunkStore(t)
	dir := t.TempDir()
	const chunkSize = 4096
	data := make([]byte, chunkSize*4)

	w, err := CreateFixed(dir, "trunc", chunkSize)
	require.NoError(t, err)
	for i := 0; i < len(data); i += chunkSize {
		_, err := w.AddChunk(cs, data[i:i+chunkSize], nil, false)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())

	path := dir + "/trunc.fidx"
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(path, info.Size()-digestRecordSize))

	_, err = OpenFixed(path)
	require.Error(t, err)
}

func TestDynamicIndexRoundTrip(t *testing.T) {
	cs := openTestChunkStore(t)
	dir := t.TempDir()

	r := rand.New(rand.NewSource(7))
	data := make([]byte, 3*1024*1024)
	r.Read(data)

	w, err := CreateDynamic(dir, "stream", 1<<17, cs, nil, true)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err := OpenDynamic(dir + "/stream.didx")
	require.NoError(t, err)
	defer rd.Close()

	require.EqualValues(t, len(data), rd.TotalSize())
	require.Greater(t, rd.Length(), uint64(1))

	// offsets must be monotonically increasing and cover [0,total)
	var prevEnd uint64
	for i := uint64(0); i < rd.Length(); i++ {
		_, start, end, err := rd.ChunkInfo(i)
		require.NoError(t, err)
		require.Equal(t, prevEnd, start)
		require.Greater(t, end, start)
		prevEnd = end
	}
	require.EqualValues(t, len(data), prevEnd)
}

func TestDynamicIndexChunkFromOffset(t *testing.T) {
	cs := openTestChunkStore(t)
	dir := t.TempDir()
	r := rand.New(rand.NewSource(11))
	data := make([]byte, 2*1024*1024)
	r.Read(data)

	w, err := CreateDynamic(dir, "s2", 1<<16, cs, nil, false)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	rd, err := OpenDynamic(dir + "/s2.didx")
	require.NoError(t, err)
	defer rd.Close()

	i, _, intra, err := rd.ChunkFromOffset(1000)
	require.NoError(t, err)
	_, start, end, err := rd.ChunkInfo(i)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), start+intra)
	require.Less(t, uint64(1000), end)
}
