// Package registry implements the snapshot/group registry (spec
// component C7): the filesystem layout of backups under a datastore
// directory, listing and ordering of groups and snapshots, and the
// keep-count prune policy over a time-ordered snapshot list.
//
// No teacher package in the retrieval pack lists/sorts/prunes a
// directory tree of timestamped records, so the scan-and-parse shape
// here is grounded directly on spec.md §4.7; the locked-delete pattern
// reuses chunkstore's flock idiom (itself grounded on
// kluzzebass-gastrolog's file chunk manager), applied to a
// per-snapshot directory instead of the whole store.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/proxmox-backup/datastore/dserrors"
)

var log = logging.Logger("registry")

// Type is a backup type directory name.
type Type string

const (
	TypeVM   Type = "vm"
	TypeCT   Type = "ct"
	TypeHost Type = "host"
)

// safeID matches the backup-id component of a group: alphanumeric
// plus dash/underscore, matching the conservative identifier the
// outer (out-of-scope) API surface is expected to have already
// validated before any path built from it reaches this package.
var safeID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]*$`)

// timestampLayout is the on-disk directory name format: UTC RFC3339,
// which doubles as the snapshot's sort key (spec.md §3 "Snapshot layout").
const timestampLayout = time.RFC3339

const protectedMarkerName = ".protected"

// Group identifies the owner of a time-ordered set of snapshots.
type Group struct {
	Type Type
	ID   string
}

func (g Group) Dir(datastoreDir string) string {
	return filepath.Join(datastoreDir, string(g.Type), g.ID)
}

func (g Group) String() string {
	return fmt.Sprintf("%s/%s", g.Type, g.ID)
}

// Snapshot is one backup run of one group.
type Snapshot struct {
	Group     Group
	Time      time.Time
	Protected bool
}

// Dir returns the snapshot's on-disk directory under datastoreDir.
func (s Snapshot) Dir(datastoreDir string) string {
	return filepath.Join(s.Group.Dir(datastoreDir), s.Time.UTC().Format(timestampLayout))
}

func (s Snapshot) String() string {
	return fmt.Sprintf("%s/%s", s.Group, s.Time.UTC().Format(timestampLayout))
}

// ValidateID reports whether id is a safe backup-id.
func ValidateID(id string) error {
	if !safeID.MatchString(id) {
		return dserrors.New(dserrors.KindFormat, "registry.ValidateID", fmt.Errorf("%q is not a safe backup id", id))
	}
	return nil
}

// ListGroups enumerates every (type, id) group present under datastoreDir.
func ListGroups(datastoreDir string) ([]Group, error) {
	const op = "registry.ListGroups"
	var groups []Group
	for _, t := range []Type{TypeVM, TypeCT, TypeHost} {
		typeDir := filepath.Join(datastoreDir, string(t))
		entries, err := os.ReadDir(typeDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, dserrors.New(dserrors.KindIO, op, err)
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			if err := ValidateID(e.Name()); err != nil {
				log.Warnf("registry: skipping group dir with unsafe id %q: %v", e.Name(), err)
				continue
			}
			groups = append(groups, Group{Type: t, ID: e.Name()})
		}
	}
	sort.Slice(groups, func(i, j int) bool {
		if groups[i].Type != groups[j].Type {
			return groups[i].Type < groups[j].Type
		}
		return groups[i].ID < groups[j].ID
	})
	return groups, nil
}

// ListSnapshots enumerates every snapshot of group g, sorted newest
// first (the order §4.7 specifies for display and pruning).
func ListSnapshots(datastoreDir string, g Group) ([]Snapshot, error) {
	const op = "registry.ListSnapshots"
	groupDir := g.Dir(datastoreDir)
	entries, err := os.ReadDir(groupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	var snaps []Snapshot
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		ts, err := time.Parse(timestampLayout, e.Name())
		if err != nil {
			log.Warnf("registry: skipping non-timestamp snapshot dir %q in %s: %v", e.Name(), groupDir, err)
			continue
		}
		snap := Snapshot{Group: g, Time: ts.UTC()}
		if _, statErr := os.Stat(filepath.Join(groupDir, e.Name(), protectedMarkerName)); statErr == nil {
			snap.Protected = true
		}
		snaps = append(snaps, snap)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Time.After(snaps[j].Time) })
	return snaps, nil
}

// ListFiles lists every non-directory entry of a snapshot directory,
// sorted by name. It does not filter by extension, so marker files
// such as .protected are listed too.
func ListFiles(datastoreDir string, s Snapshot) ([]string, error) {
	const op = "registry.ListFiles"
	dir := s.Dir(datastoreDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		files = append(files, e.Name())
	}
	sort.Strings(files)
	return files, nil
}

// SetProtected creates or removes the protected marker of a snapshot.
func SetProtected(datastoreDir string, s Snapshot, protected bool) error {
	const op = "registry.SetProtected"
	marker := filepath.Join(s.Dir(datastoreDir), protectedMarkerName)
	if protected {
		f, err := os.OpenFile(marker, os.O_CREATE|os.O_RDONLY, 0644)
		if err != nil {
			return dserrors.New(dserrors.KindIO, op, err)
		}
		return f.Close()
	}
	if err := os.Remove(marker); err != nil && !os.IsNotExist(err) {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}

// KeepSpec is the set of keep counts driving Prune. A nil pointer
// means that dimension is unset; a set dimension of 0 keeps nothing
// through that dimension (but protected snapshots are still kept).
type KeepSpec struct {
	Last    *uint64
	Hourly  *uint64
	Daily   *uint64
	Weekly  *uint64
	Monthly *uint64
	Yearly  *uint64
}

// Unset reports whether every dimension of the spec is nil, in which
// case Prune must keep everything.
func (k KeepSpec) Unset() bool {
	return k.Last == nil && k.Hourly == nil && k.Daily == nil &&
		k.Weekly == nil && k.Monthly == nil && k.Yearly == nil
}

type pruneDimension struct {
	limit *uint64
	key   func(time.Time) string
}

// Prune applies the keep-count policy of §4.7 to snapshots (which
// must already be sorted newest first, as ListSnapshots returns
// them). It returns the snapshots to keep and the snapshots to
// remove, the latter sorted oldest first per the deletion order the
// policy specifies.
func Prune(snapshots []Snapshot, keep KeepSpec) (kept, removed []Snapshot) {
	if keep.Unset() {
		kept = append(kept, snapshots...)
		return kept, nil
	}

	dims := []pruneDimension{
		{keep.Hourly, func(t time.Time) string { return t.Local().Format("2006-01-02 15") }},
		{keep.Daily, func(t time.Time) string { return t.Local().Format("2006-01-02") }},
		{keep.Weekly, func(t time.Time) string { y, w := t.Local().ISOWeek(); return fmt.Sprintf("%04d-W%02d", y, w) }},
		{keep.Monthly, func(t time.Time) string { return t.Local().Format("2006-01") }},
		{keep.Yearly, func(t time.Time) string { return t.Local().Format("2006") }},
	}
	seen := make([]map[string]bool, len(dims))
	count := make([]uint64, len(dims))
	for i := range dims {
		seen[i] = make(map[string]bool)
	}

	for i, s := range snapshots {
		keepThis := s.Protected

		if keep.Last != nil && uint64(i) < *keep.Last {
			keepThis = true
		}
		for d, dim := range dims {
			if dim.limit == nil || count[d] >= *dim.limit {
				continue
			}
			key := dim.key(s.Time)
			if !seen[d][key] {
				seen[d][key] = true
				count[d]++
				keepThis = true
			}
		}

		if keepThis {
			kept = append(kept, s)
		} else {
			removed = append(removed, s)
		}
	}

	sort.Slice(removed, func(i, j int) bool { return removed[i].Time.Before(removed[j].Time) })
	return kept, removed
}

// DeleteSnapshot removes a snapshot's directory recursively. It does
// not touch the chunk store; reclaiming the chunks the snapshot
// referenced is GC's job (spec.md §4.7 "Deletion order").
//
// A snapshot-level flock is acquired on a marker file to serialize
// against a concurrent delete or backup-in-progress of the same
// snapshot (spec.md §5 "per-snapshot directory lock").
func DeleteSnapshot(datastoreDir string, s Snapshot) error {
	const op = "registry.DeleteSnapshot"
	if s.Protected {
		return dserrors.New(dserrors.KindPolicy, op, fmt.Errorf("%s is protected", s))
	}
	dir := s.Dir(datastoreDir)
	lockPath := dir + ".lock"
	lf, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	defer func() {
		lf.Close()
		os.Remove(lockPath)
	}()
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		return dserrors.New(dserrors.KindBusy, op, fmt.Errorf("snapshot %s is locked", s))
	}
	if err := os.RemoveAll(dir); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}
