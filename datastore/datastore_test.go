package datastore

import (
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/gc"
	"github.com/proxmox-backup/datastore/manifest"
	"github.com/proxmox-backup/datastore/registry"
)

func openDS(t *testing.T) *Datastore {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, Create(dir))
	ds, err := Open(dir, Config{})
	require.NoError(t, err)
	t.Cleanup(func() { ds.Close() })
	return ds
}

func TestBackupCommitAndRead(t *testing.T) {
	ds := openDS(t)

	b, err := ds.BeginBackup(registry.TypeVM, "100")
	require.NoError(t, err)

	payload := []byte("a small configuration blob")
	d, blb, err := b.AddChunk(payload, false)
	require.NoError(t, err)
	b.RecordFile(manifest.FileEntry{
		Filename:  "config.blob",
		Size:      uint64(len(blb.Bytes())),
		Digest:    d.Hex(),
		CryptMode: manifest.CryptNone,
	})

	w, err := b.CreateFixedIndex("drive-scsi0", 4096)
	require.NoError(t, err)
	chunk := make([]byte, 4096)
	copy(chunk, []byte("chunk contents"))
	_, err = w.AddChunk(ds.cs, chunk, nil, false)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	b.RecordFile(manifest.FileEntry{Filename: "drive-scsi0.fidx", Size: 4096, CryptMode: manifest.CryptNone})

	snap := b.Snapshot()
	require.NoError(t, b.Commit())

	groups, err := ds.ListGroups()
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, registry.TypeVM, groups[0].Type)
	require.Equal(t, "100", groups[0].ID)

	snaps, err := ds.ListSnapshots(groups[0])
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.WithinDuration(t, snap.Time, snaps[0].Time, time.Second)

	got, err := ds.ReadManifest(snaps[0])
	require.NoError(t, err)
	require.Equal(t, "vm", got.BackupType)
	require.Equal(t, "100", got.BackupID)
	require.Len(t, got.Files, 2)

	idxr, err := ds.OpenFixedIndex(snaps[0], "drive-scsi0")
	require.NoError(t, err)
	defer idxr.Close()
	require.EqualValues(t, 1, idxr.Length())

	rb, err := ds.ReadChunk(d)
	require.NoError(t, err)
	require.NoError(t, rb.VerifyCRC())
}

func TestBeginBackupLocksSnapshot(t *testing.T) {
	ds := openDS(t)
	b1, err := ds.BeginBackup(registry.TypeVM, "100")
	require.NoError(t, err)
	defer b1.Abort()

	require.NotNil(t, b1)

	// While b1 is in progress its snapshot lock file is held, so a
	// second non-blocking exclusive flock on it fails.
	lf, err := os.OpenFile(b1.Snapshot().Dir(ds.Dir())+".lock", os.O_RDWR, 0)
	require.NoError(t, err)
	defer lf.Close()
	require.Error(t, syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB))
}

func TestAbortLeavesNoSnapshot(t *testing.T) {
	ds := openDS(t)
	b, err := ds.BeginBackup(registry.TypeVM, "100")
	require.NoError(t, err)
	require.NoError(t, b.Abort())

	groups, err := ds.ListGroups()
	require.NoError(t, err)
	require.Empty(t, groups)
}

func TestPruneDeletesSelectedSnapshots(t *testing.T) {
	ds := openDS(t)
	var last registry.Snapshot
	for i := 0; i < 3; i++ {
		b, err := ds.BeginBackup(registry.TypeVM, "100")
		require.NoError(t, err)
		last = b.Snapshot()
		require.NoError(t, b.Commit())
		time.Sleep(time.Second) // snapshot directory names have one-second resolution
	}

	one := uint64(1)
	removed, err := ds.Prune(registry.Group{Type: registry.TypeVM, ID: "100"}, registry.KeepSpec{Last: &one})
	require.NoError(t, err)
	require.Len(t, removed, 2)

	snaps, err := ds.ListSnapshots(registry.Group{Type: registry.TypeVM, ID: "100"})
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, last.Time.Unix(), snaps[0].Time.Unix())
}

func TestStartGCAndStatus(t *testing.T) {
	ds := openDS(t)
	b, err := ds.BeginBackup(registry.TypeVM, "100")
	require.NoError(t, err)
	_, _, err = b.AddChunk([]byte("referenced chunk"), false)
	require.NoError(t, err)
	require.NoError(t, b.Commit())

	require.NoError(t, ds.StartGC(gc.Options{}))

	require.Eventually(t, func() bool {
		running, _, _ := ds.GCStatus()
		return !running
	}, 2*time.Second, 10*time.Millisecond)

	running, status, err := ds.GCStatus()
	require.False(t, running)
	require.NoError(t, err)
	require.GreaterOrEqual(t, status.DiskChunks, int64(0))
}
