package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func mkSnapshot(t *testing.T, root string, g Group, ts time.Time, protected bool) {
	t.Helper()
	dir := filepath.Join(root, string(g.Type), g.ID, ts.UTC().Format(timestampLayout))
	require.NoError(t, os.MkdirAll(dir, 0755))
	if protected {
		require.NoError(t, os.WriteFile(filepath.Join(dir, protectedMarkerName), nil, 0644))
	}
}

func TestListGroupsAndSnapshots(t *testing.T) {
	root := t.TempDir()
	g := Group{Type: TypeVM, ID: "100"}
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	mkSnapshot(t, root, g, base, false)
	mkSnapshot(t, root, g, base.Add(time.Hour), false)
	mkSnapshot(t, root, Group{Type: TypeCT, ID: "200"}, base, false)

	groups, err := ListGroups(root)
	require.NoError(t, err)
	require.Len(t, groups, 2)

	snaps, err := ListSnapshots(root, g)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	// newest first
	require.True(t, snaps[0].Time.After(snaps[1].Time))
}

func TestListGroupsSkipsUnsafeIDs(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vm"), 0755))
	require.NoError(t, os.Mkdir(filepath.Join(root, "vm", "not a safe id!"), 0755))
	require.NoError(t, os.MkdirAll(filepath.Join(root, "vm", "100"), 0755))

	groups, err := ListGroups(root)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	require.Equal(t, "100", groups[0].ID)
}

func TestProtectedMarker(t *testing.T) {
	root := t.TempDir()
	g := Group{Type: TypeVM, ID: "100"}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkSnapshot(t, root, g, ts, false)

	snaps, err := ListSnapshots(root, g)
	require.NoError(t, err)
	require.False(t, snaps[0].Protected)

	require.NoError(t, SetProtected(root, snaps[0], true))
	snaps, err = ListSnapshots(root, g)
	require.NoError(t, err)
	require.True(t, snaps[0].Protected)

	require.NoError(t, SetProtected(root, snaps[0], false))
	snaps, err = ListSnapshots(root, g)
	require.NoError(t, err)
	require.False(t, snaps[0].Protected)
}

func TestDeleteSnapshotRefusesProtected(t *testing.T) {
	root := t.TempDir()
	g := Group{Type: TypeVM, ID: "100"}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkSnapshot(t, root, g, ts, true)

	snaps, err := ListSnapshots(root, g)
	require.NoError(t, err)
	require.True(t, snaps[0].Protected)

	err = DeleteSnapshot(root, snaps[0])
	require.Error(t, err)

	_, statErr := os.Stat(snaps[0].Dir(root))
	require.NoError(t, statErr)
}

func TestDeleteSnapshot(t *testing.T) {
	root := t.TempDir()
	g := Group{Type: TypeVM, ID: "100"}
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mkSnapshot(t, root, g, ts, false)

	snaps, err := ListSnapshots(root, g)
	require.NoError(t, err)
	require.NoError(t, DeleteSnapshot(root, snaps[0]))

	_, statErr := os.Stat(snaps[0].Dir(root))
	require.True(t, os.IsNotExist(statErr))
}

// uintp is a small helper since Go has no literal for *uint64.
func uintp(v uint64) *uint64 { return &v }

func TestPruneKeepsEverythingWhenUnset(t *testing.T) {
	snaps := []Snapshot{
		{Time: time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)},
		{Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)},
		{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	kept, removed := Prune(snaps, KeepSpec{})
	require.Equal(t, snaps, kept)
	require.Empty(t, removed)
}

func TestPruneLastAndWeekly(t *testing.T) {
	// 10 daily snapshots, newest first: D1..D10, one per day starting
	// 2026-01-10 going back to 2026-01-01.
	base := time.Date(2026, 1, 10, 6, 0, 0, 0, time.UTC)
	var snaps []Snapshot
	for i := 0; i < 10; i++ {
		snaps = append(snaps, Snapshot{Time: base.AddDate(0, 0, -i)})
	}

	kept, removed := Prune(snaps, KeepSpec{Last: uintp(3), Weekly: uintp(1)})

	require.Contains(t, kept, snaps[0])
	require.Contains(t, kept, snaps[1])
	require.Contains(t, kept, snaps[2])

	// Oldest-first deletion order.
	for i := 1; i < len(removed); i++ {
		require.True(t, removed[i-1].Time.Before(removed[i].Time) || removed[i-1].Time.Equal(removed[i].Time))
	}

	// Idempotence: pruning the kept set again with the same spec changes nothing.
	kept2, removed2 := Prune(kept, KeepSpec{Last: uintp(3), Weekly: uintp(1)})
	require.Equal(t, kept, kept2)
	require.Empty(t, removed2)
}

func TestPruneProtectedAlwaysKept(t *testing.T) {
	snaps := []Snapshot{
		{Time: time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC), Protected: true},
		{Time: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	kept, removed := Prune(snaps, KeepSpec{Last: uintp(0)})
	require.Contains(t, kept, snaps[0])
	require.Contains(t, removed, snaps[1])
}
