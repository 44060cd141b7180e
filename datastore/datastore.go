// Package datastore wires chunkstore, index, pxar/extractor, registry,
// manifest, and gc together behind the programmatic operations
// spec.md §6 names: list_groups, list_snapshots, list_files,
// read_chunk, open_index, begin_backup/add_chunk/commit_backup,
// delete_snapshot, prune, start_gc, gc_status.
//
// The outer CLI/HTTP surface is out of scope (spec.md §6); this
// package is the core those surfaces would be built on, in the same
// spirit as the teacher's own root command wiring a single shared
// handle and dispatching to per-command logic (cmd/*.go).
package datastore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/chunkstore"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
	"github.com/proxmox-backup/datastore/gc"
	"github.com/proxmox-backup/datastore/index"
	"github.com/proxmox-backup/datastore/manifest"
	"github.com/proxmox-backup/datastore/registry"
)

var log = logging.Logger("datastore")

const manifestName = "index.json.blob"

// Datastore is an open handle onto one datastore directory: a chunk
// store plus the type/id/timestamp tree of snapshots above it.
type Datastore struct {
	dir string
	cs  *chunkstore.Store
	key *digest.Key

	mu      sync.Mutex
	gcState gcState
}

type gcState struct {
	running  bool
	status   gc.Status
	finished bool
	err      error
}

// Config carries the tuning options the environment provides
// (spec.md §6 "datastore configuration"): a storage key for encrypted
// chunks, and a GC field. Open keeps only Key (nil means no
// encryption); the GC field is not read by this package, and StartGC
// takes its gc.Options as an argument instead.
type Config struct {
	Key *digest.Key
	GC  gc.Options
}

// Create initializes a brand-new datastore directory: its chunk store
// and the top-level type directories snapshots will live under.
func Create(dir string) error {
	const op = "datastore.Create"
	if err := chunkstore.Create(dir); err != nil {
		return err
	}
	for _, t := range []registry.Type{registry.TypeVM, registry.TypeCT, registry.TypeHost} {
		if err := os.MkdirAll(filepath.Join(dir, string(t)), 0755); err != nil {
			return dserrors.New(dserrors.KindIO, op, err)
		}
	}
	return nil
}

// Open opens an existing datastore directory.
func Open(dir string, cfg Config) (*Datastore, error) {
	cs, err := chunkstore.Open(dir)
	if err != nil {
		return nil, err
	}
	return &Datastore{dir: dir, cs: cs, key: cfg.Key}, nil
}

// Close releases the underlying chunk store handle.
func (d *Datastore) Close() error { return d.cs.Close() }

// Dir returns the datastore's root directory.
func (d *Datastore) Dir() string { return d.dir }

// ListGroups enumerates every backup group.
func (d *Datastore) ListGroups() ([]registry.Group, error) {
	return registry.ListGroups(d.dir)
}

// ListSnapshots enumerates every snapshot of g, newest first.
func (d *Datastore) ListSnapshots(g registry.Group) ([]registry.Snapshot, error) {
	return registry.ListSnapshots(d.dir, g)
}

// ListFiles lists the archive-bearing files of a snapshot.
func (d *Datastore) ListFiles(s registry.Snapshot) ([]string, error) {
	return registry.ListFiles(d.dir, s)
}

// ReadChunk fetches and CRC-verifies a chunk by digest.
func (d *Datastore) ReadChunk(dg digest.Digest) (*blob.Blob, error) {
	b, err := d.cs.Get(dg)
	if err != nil {
		return nil, err
	}
	if err := b.VerifyCRC(); err != nil {
		if markErr := d.cs.MarkBad(dg); markErr != nil {
			log.Warnf("datastore: failed to mark %s bad after CRC failure: %v", dg, markErr)
		}
		return nil, err
	}
	return b, nil
}

// ReadManifest loads and decodes a snapshot's manifest.
func (d *Datastore) ReadManifest(s registry.Snapshot) (*manifest.Manifest, error) {
	const op = "datastore.ReadManifest"
	raw, err := os.ReadFile(filepath.Join(s.Dir(d.dir), manifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dserrors.New(dserrors.KindNotFound, op, err)
		}
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	b, err := blob.Parse(raw)
	if err != nil {
		return nil, err
	}
	return manifest.Decode(b, d.key)
}

// LookupFile reads s's manifest and looks up filename among its
// recorded archive files in O(1) via manifest.Index, instead of a
// linear scan over the manifest's file list.
func (d *Datastore) LookupFile(s registry.Snapshot, filename string) (manifest.FileEntry, bool, error) {
	m, err := d.ReadManifest(s)
	if err != nil {
		return manifest.FileEntry{}, false, err
	}
	fe, ok := manifest.BuildIndex(m).Lookup(filename)
	return fe, ok, nil
}

// OpenFixedIndex opens a committed .fidx archive of a snapshot. It
// first confirms the archive is recorded in the snapshot's manifest
// via LookupFile, so a caller gets a NotFound error against the
// manifest's bookkeeping rather than a raw stat failure against a
// stray or missing file.
func (d *Datastore) OpenFixedIndex(s registry.Snapshot, archive string) (*index.FixedReader, error) {
	const op = "datastore.OpenFixedIndex"
	name := archive + ".fidx"
	if _, ok, err := d.LookupFile(s, name); err != nil {
		return nil, err
	} else if !ok {
		return nil, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("%s: not recorded in manifest", name))
	}
	return index.OpenFixed(filepath.Join(s.Dir(d.dir), name))
}

// OpenDynamicIndex opens a committed .didx archive of a snapshot. It
// first confirms the archive is recorded in the snapshot's manifest
// via LookupFile, the same manifest-backed check OpenFixedIndex does.
func (d *Datastore) OpenDynamicIndex(s registry.Snapshot, archive string) (*index.DynamicReader, error) {
	const op = "datastore.OpenDynamicIndex"
	name := archive + ".didx"
	if _, ok, err := d.LookupFile(s, name); err != nil {
		return nil, err
	} else if !ok {
		return nil, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("%s: not recorded in manifest", name))
	}
	return index.OpenDynamic(filepath.Join(s.Dir(d.dir), name))
}

// archiveSource is the minimal chunk-sequence interface shared by
// FixedReader and DynamicReader, letting ArchiveReader reconstitute
// either kind of index's byte stream the same way.
type archiveSource interface {
	Length() uint64
	ChunkInfo(i uint64) (dg digest.Digest, start, end uint64, err error)
}

// ArchiveReader streams the decoded concatenation of every chunk an
// index references, in order, reconstructing the original archive
// byte stream (e.g. to feed extractor.Extract) from its chunked form.
type ArchiveReader struct {
	ds     *Datastore
	src    archiveSource
	next   uint64
	buf    []byte
	bufPos int
}

// NewArchiveReader wraps a fixed or dynamic index reader for sequential read.
func (d *Datastore) NewArchiveReader(src archiveSource) *ArchiveReader {
	return &ArchiveReader{ds: d, src: src}
}

func (a *ArchiveReader) Read(p []byte) (int, error) {
	for a.bufPos >= len(a.buf) {
		if a.next >= a.src.Length() {
			return 0, io.EOF
		}
		dg, _, _, err := a.src.ChunkInfo(a.next)
		if err != nil {
			return 0, err
		}
		a.next++
		b, err := a.ds.cs.Get(dg)
		if err != nil {
			return 0, err
		}
		plain, err := blob.Decode(b, a.ds.key, &dg)
		if err != nil {
			return 0, err
		}
		a.buf = plain
		a.bufPos = 0
	}
	n := copy(p, a.buf[a.bufPos:])
	a.bufPos += n
	return n, nil
}

// Backup is an in-progress backup run: a locked, freshly created
// snapshot directory that archives and a manifest are written into
// before Commit makes it visible to readers.
type Backup struct {
	ds       *Datastore
	snapshot registry.Snapshot
	dir      string
	lockFile *os.File
	manifest manifest.Manifest
	done     bool
}

// BeginBackup creates a new snapshot directory for (backupType, id) at
// the current time and locks it for the duration of the backup
// (spec.md §5 "per-snapshot directory lock during creation").
func (d *Datastore) BeginBackup(backupType registry.Type, id string) (*Backup, error) {
	const op = "datastore.BeginBackup"
	if err := registry.ValidateID(id); err != nil {
		return nil, err
	}
	snap := registry.Snapshot{
		Group: registry.Group{Type: backupType, ID: id},
		Time:  time.Now().UTC(),
	}
	dir := snap.Dir(d.dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	lf, err := os.OpenFile(dir+".lock", os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	if err := syscall.Flock(int(lf.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		lf.Close()
		return nil, dserrors.New(dserrors.KindBusy, op, fmt.Errorf("snapshot %s already in progress", snap))
	}
	b := &Backup{
		ds:       d,
		snapshot: snap,
		dir:      dir,
		lockFile: lf,
		manifest: manifest.Manifest{
			BackupType: string(backupType),
			BackupID:   id,
			BackupTime: snap.Time.Unix(),
		},
	}
	return b, nil
}

// Snapshot returns the snapshot identity this backup is writing.
func (b *Backup) Snapshot() registry.Snapshot { return b.snapshot }

// CreateFixedIndex begins a new .fidx archive within the backup.
func (b *Backup) CreateFixedIndex(name string, chunkSize uint64) (*index.FixedWriter, error) {
	return index.CreateFixed(b.dir, name, chunkSize)
}

// CreateDynamicIndex begins a new .didx archive within the backup.
func (b *Backup) CreateDynamicIndex(name string, targetSize uint64) (*index.DynamicWriter, error) {
	return index.CreateDynamic(b.dir, name, targetSize, b.ds.cs, b.ds.key, true)
}

// AddChunk inserts a standalone chunk (e.g. for a small inline
// archive stored only as a .blob) and records its presence in the
// chunk store, without going through either index writer.
func (b *Backup) AddChunk(plaintext []byte, compress bool) (digest.Digest, *blob.Blob, error) {
	var d digest.Digest
	if b.ds.key != nil {
		d = digest.ComputeKeyed(plaintext, *b.ds.key)
	} else {
		d = digest.Compute(plaintext)
	}
	blb, err := blob.Encode(plaintext, b.ds.key, compress)
	if err != nil {
		return d, nil, err
	}
	if _, err := b.ds.cs.Insert(d, blb); err != nil {
		return d, nil, err
	}
	return d, blb, nil
}

// RecordFile adds a manifest entry for an archive already written via
// CreateFixedIndex/CreateDynamicIndex/AddChunk.
func (b *Backup) RecordFile(e manifest.FileEntry) {
	b.manifest.AddFile(e)
}

// Abort discards the backup, removing its snapshot directory (and the
// group directory, if no other snapshot is left in it) and releasing
// its lock. Any chunks already inserted are left for the next GC to
// reclaim (spec.md §5 "Cancellation").
func (b *Backup) Abort() error {
	if b.done {
		return nil
	}
	b.done = true
	err := os.RemoveAll(b.dir)
	b.lockFile.Close()
	os.Remove(b.dir + ".lock")
	os.Remove(filepath.Dir(b.dir)) // fails, harmlessly, unless the group is empty
	if err != nil {
		return dserrors.New(dserrors.KindIO, "datastore.Backup.Abort", err)
	}
	return nil
}

// Commit writes the manifest and releases the snapshot lock, making
// the backup visible to readers. Chunks referenced by indexes already
// closed via their writers' Close are durable before this point; the
// manifest is the last thing written, so a crash between an index
// Close and Commit leaves an inconsistent-but-harmless snapshot
// directory (no manifest means registry.ListFiles still works but the
// snapshot is not considered complete by callers that check for one).
func (b *Backup) Commit() error {
	const op = "datastore.Backup.Commit"
	if b.done {
		return dserrors.New(dserrors.KindPolicy, op, fmt.Errorf("backup already finished"))
	}
	b.done = true
	defer func() {
		b.lockFile.Close()
		os.Remove(b.dir + ".lock")
	}()

	blb, err := manifest.Encode(&b.manifest, b.ds.key, true)
	if err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(b.dir, manifestName), blb.Bytes(), 0644); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}

// DeleteSnapshot removes a snapshot (but not the chunks it referenced).
func (d *Datastore) DeleteSnapshot(s registry.Snapshot) error {
	return registry.DeleteSnapshot(d.dir, s)
}

// Prune applies the keep-count policy to a group's snapshots and
// deletes the ones it selects for removal, returning what was removed.
func (d *Datastore) Prune(g registry.Group, keep registry.KeepSpec) ([]registry.Snapshot, error) {
	snaps, err := registry.ListSnapshots(d.dir, g)
	if err != nil {
		return nil, err
	}
	_, toRemove := registry.Prune(snaps, keep)
	for _, s := range toRemove {
		if err := registry.DeleteSnapshot(d.dir, s); err != nil {
			return nil, err
		}
	}
	return toRemove, nil
}

// allIndexPaths walks every snapshot of every group and returns every
// committed .fidx/.didx file, the input gc.Run's mark phase needs.
func (d *Datastore) allIndexPaths() ([]gc.IndexPath, error) {
	groups, err := registry.ListGroups(d.dir)
	if err != nil {
		return nil, err
	}
	var paths []gc.IndexPath
	for _, g := range groups {
		snaps, err := registry.ListSnapshots(d.dir, g)
		if err != nil {
			return nil, err
		}
		for _, s := range snaps {
			files, err := registry.ListFiles(d.dir, s)
			if err != nil {
				return nil, err
			}
			for _, f := range files {
				switch filepath.Ext(f) {
				case ".fidx":
					paths = append(paths, gc.IndexPath{Path: filepath.Join(s.Dir(d.dir), f), Fixed: true})
				case ".didx":
					paths = append(paths, gc.IndexPath{Path: filepath.Join(s.Dir(d.dir), f), Fixed: false})
				}
			}
		}
	}
	return paths, nil
}

// StartGC launches a collection in the background, returning
// immediately. GCStatus reports on it once it finishes. Starting a
// second collection while one is in flight on this handle returns a
// Busy error promptly. When the collection in flight belongs to
// another handle, StartGC returns nil and the Busy error from
// chunkstore.TryLock is reported by GCStatus.
func (d *Datastore) StartGC(opts gc.Options) error {
	const op = "datastore.StartGC"
	d.mu.Lock()
	if d.gcState.running {
		d.mu.Unlock()
		return dserrors.New(dserrors.KindBusy, op, fmt.Errorf("a collection is already running"))
	}
	d.gcState = gcState{running: true}
	d.mu.Unlock()

	paths, err := d.allIndexPaths()
	if err != nil {
		d.mu.Lock()
		d.gcState = gcState{finished: true, err: err}
		d.mu.Unlock()
		return nil
	}

	go func() {
		status, err := gc.Run(d.cs, paths, opts)
		d.mu.Lock()
		d.gcState = gcState{finished: true, status: status, err: err}
		d.mu.Unlock()
	}()
	return nil
}

// GCStatus reports whether a collection is running and, once it has
// finished, its result.
func (d *Datastore) GCStatus() (running bool, status gc.Status, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.gcState.running && !d.gcState.finished, d.gcState.status, d.gcState.err
}
