package chunkstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/digest"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Create(dir))
	s, err := Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateLayout(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir))

	entries, err := os.ReadDir(filepath.Join(dir, chunksDirName))
	require.NoError(t, err)
	require.Len(t, entries, ShardCount)
	require.Equal(t, "0000", entries[0].Name())
	require.Equal(t, "ffff", entries[len(entries)-1].Name())

	_, err = os.Stat(filepath.Join(dir, lockFileName))
	require.NoError(t, err)
}

func TestCreateFailsOnNonEmptyDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0600))
	err := Create(dir)
	require.Error(t, err)
}

// S2 from spec.md §8: inserting 1 MiB of zeros twice yields
// (false, D) then (true, D) with only one file on disk.
func TestInsertDeduplicates(t *testing.T) {
	s := openTestStore(t)

	zeros := make([]byte, 1<<20)
	d := digest.Compute(zeros)
	b, err := blob.Encode(zeros, nil, true)
	require.NoError(t, err)

	dup1, err := s.Insert(d, b)
	require.NoError(t, err)
	require.False(t, dup1)

	dup2, err := s.Insert(d, b)
	require.NoError(t, err)
	require.True(t, dup2)

	entries, err := os.ReadDir(s.ShardDir(d.ShardPrefix()))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, d.String(), entries[0].Name())
}

func TestGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	plaintext := []byte("some chunk contents")
	d := digest.Compute(plaintext)
	b, err := blob.Encode(plaintext, nil, false)
	require.NoError(t, err)

	_, err = s.Insert(d, b)
	require.NoError(t, err)

	got, err := s.Get(d)
	require.NoError(t, err)
	require.NoError(t, got.VerifyCRC())

	out, err := blob.Decode(got, nil, &d)
	require.NoError(t, err)
	require.Equal(t, plaintext, out)
}

func TestGetMissingIsNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get(digest.Compute([]byte("nope")))
	require.Error(t, err)
}

func TestCondTouchReportsExistence(t *testing.T) {
	s := openTestStore(t)
	plaintext := []byte("touchable")
	d := digest.Compute(plaintext)

	existed, err := s.CondTouch(d)
	require.NoError(t, err)
	require.False(t, existed)

	b, err := blob.Encode(plaintext, nil, false)
	require.NoError(t, err)
	_, err = s.Insert(d, b)
	require.NoError(t, err)

	existed, err = s.CondTouch(d)
	require.NoError(t, err)
	require.True(t, existed)
}

func TestInsertTouchesAtimeOnDuplicate(t *testing.T) {
	s := openTestStore(t)
	plaintext := []byte("stale chunk")
	d := digest.Compute(plaintext)
	b, err := blob.Encode(plaintext, nil, false)
	require.NoError(t, err)

	_, err = s.Insert(d, b)
	require.NoError(t, err)

	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(s.Path(d), old, old))

	dup, err := s.Insert(d, b)
	require.NoError(t, err)
	require.True(t, dup)

	info, err := os.Stat(s.Path(d))
	require.NoError(t, err)
	require.WithinDuration(t, time.Now(), atimeOf(info), 10*time.Second)
}

func TestWalkVisitsInsertedChunks(t *testing.T) {
	s := openTestStore(t)
	var digests []digest.Digest
	for i := 0; i < 5; i++ {
		plaintext := []byte{byte(i), byte(i), byte(i)}
		d := digest.Compute(plaintext)
		b, err := blob.Encode(plaintext, nil, false)
		require.NoError(t, err)
		_, err = s.Insert(d, b)
		require.NoError(t, err)
		digests = append(digests, d)
	}

	seen := map[digest.Digest]bool{}
	require.NoError(t, s.Walk(func(ci ChunkInfo) error {
		seen[ci.Digest] = true
		return nil
	}))
	for _, d := range digests {
		require.True(t, seen[d], "missing %s", d)
	}
}

func TestMarkBadAndWalkReportsBad(t *testing.T) {
	s := openTestStore(t)
	plaintext := []byte("corruptible")
	d := digest.Compute(plaintext)
	b, err := blob.Encode(plaintext, nil, false)
	require.NoError(t, err)
	_, err = s.Insert(d, b)
	require.NoError(t, err)

	require.NoError(t, s.MarkBad(d))

	var badSeen bool
	require.NoError(t, s.Walk(func(ci ChunkInfo) error {
		if ci.Digest == d {
			badSeen = ci.Bad
		}
		return nil
	}))
	require.True(t, badSeen)
}

func TestTryLockIsExclusive(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Create(dir))

	a, err := Open(dir)
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(dir)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.TryLock())
	err = b.TryLock()
	require.Error(t, err)

	require.NoError(t, a.Unlock())
	require.NoError(t, b.TryLock())
	require.NoError(t, b.Unlock())
}
