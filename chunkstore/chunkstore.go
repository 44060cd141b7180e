// Package chunkstore implements the content-addressed chunk
// repository (spec component C2): a directory of 65536 shard
// subdirectories holding DataBlob files named by their 64-character
// hex digest.
//
// The sharded-directory-plus-advisory-lock shape follows the
// teacher's store.Store (store/store.go), which likewise wraps a
// single on-disk directory behind an Open/Close handle and a
// per-jurisdiction lock; the rename-into-place durability pattern is
// grounded on spec.md §4.3 directly, and the flock-based advisory
// lock on kluzzebass-gastrolog's chunk file manager
// (backend/internal/chunk/file/manager.go), the only repo in the pack
// that takes an OS-level advisory lock on a data file.
package chunkstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/google/renameio"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
)

var log = logging.Logger("chunkstore")

// ShardCount is the number of first-4-hex-character shard directories
// under .chunks/.
const ShardCount = 1 << 16

const (
	chunksDirName = ".chunks"
	lockFileName  = ".lock"
)

// Store is an open handle onto a chunk store directory.
type Store struct {
	dir      string
	lockFile *os.File
}

// Create atomically initializes the 65536 shard directories under dir
// and the advisory lock file. It fails if dir exists and is not empty.
func Create(dir string) error {
	const op = "chunkstore.Create"
	if entries, err := os.ReadDir(dir); err == nil {
		if len(entries) > 0 {
			return dserrors.New(dserrors.KindPolicy, op, fmt.Errorf("%s exists and is not empty", dir))
		}
	} else if !os.IsNotExist(err) {
		return dserrors.New(dserrors.KindIO, op, err)
	}

	chunksDir := filepath.Join(dir, chunksDirName)
	if err := os.MkdirAll(chunksDir, 0700); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	for i := 0; i < ShardCount; i++ {
		shard := fmt.Sprintf("%04x", i)
		if err := os.Mkdir(filepath.Join(chunksDir, shard), 0700); err != nil && !os.IsExist(err) {
			return dserrors.New(dserrors.KindIO, op, err)
		}
	}
	f, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	f.Close()
	log.Infof("created chunk store at %s with %d shards", dir, ShardCount)
	return nil
}

// Open opens an existing chunk store directory for use.
func Open(dir string) (*Store, error) {
	const op = "chunkstore.Open"
	info, err := os.Stat(filepath.Join(dir, chunksDirName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, dserrors.New(dserrors.KindNotFound, op, err)
		}
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	if !info.IsDir() {
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("%s is not a directory", chunksDirName))
	}
	lockFile, err := os.OpenFile(filepath.Join(dir, lockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	return &Store{dir: dir, lockFile: lockFile}, nil
}

// Close releases the store's lock file handle.
func (s *Store) Close() error {
	return s.lockFile.Close()
}

// Dir returns the chunk store's root directory.
func (s *Store) Dir() string { return s.dir }

// Lock acquires the store's exclusive advisory lock, blocking until
// available. It is the blocking counterpart of TryLock, which is what
// gc.Run takes; insert/get take neither (spec.md §4.3/§5).
func (s *Store) Lock() error {
	const op = "chunkstore.Lock"
	if err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_EX); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}

// TryLock acquires the exclusive lock without blocking, returning a
// Busy error if another holder has it. GC uses this for its
// at-most-one-per-datastore contract.
func (s *Store) TryLock() error {
	const op = "chunkstore.TryLock"
	err := syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
	if errors.Is(err, syscall.EWOULDBLOCK) {
		return dserrors.New(dserrors.KindBusy, op, fmt.Errorf("gc or another exclusive operation is already running"))
	}
	if err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}

// Unlock releases the store's advisory lock.
func (s *Store) Unlock() error {
	return syscall.Flock(int(s.lockFile.Fd()), syscall.LOCK_UN)
}

// Path returns the on-disk path of the chunk file for digest d,
// whether or not the chunk exists.
func (s *Store) Path(d digest.Digest) string {
	return filepath.Join(s.dir, chunksDirName, d.ShardPrefix(), d.String())
}

// ShardDir returns the path of the shard directory holding prefix
// (a 4-character lowercase hex string).
func (s *Store) ShardDir(prefix string) string {
	return filepath.Join(s.dir, chunksDirName, prefix)
}

// ShardPrefixes returns all 65536 shard directory names in order.
func ShardPrefixes() []string {
	out := make([]string, ShardCount)
	for i := range out {
		out[i] = fmt.Sprintf("%04x", i)
	}
	return out
}

// Insert stores b as the chunk identified by digest d. If a chunk
// already exists at that digest, its atime is refreshed ("touched")
// and isDuplicate is true; otherwise b is durably written via a
// temp-file-then-rename sequence and isDuplicate is false.
//
// Because content addressing guarantees any two inserts under the
// same digest carry identical bytes, concurrent inserts of the same
// digest are safe regardless of which one wins the rename: the loser's
// write still lands correct bytes under the same name.
func (s *Store) Insert(d digest.Digest, b *blob.Blob) (isDuplicate bool, err error) {
	const op = "chunkstore.Insert"
	path := s.Path(d)

	if existed, touchErr := s.touchIfExists(path); touchErr != nil {
		return false, dserrors.New(dserrors.KindIO, op, touchErr)
	} else if existed {
		return true, nil
	}

	shardDir := s.ShardDir(d.ShardPrefix())
	pf, err := renameio.TempFile(shardDir, path)
	if err != nil {
		return false, dserrors.New(dserrors.KindIO, op, err)
	}
	defer pf.Cleanup()

	if _, err := pf.Write(b.Bytes()); err != nil {
		return false, dserrors.New(dserrors.KindIO, op, err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return false, dserrors.New(dserrors.KindIO, op, err)
	}
	return false, nil
}

// touchIfExists sets path's atime to now if the file exists, leaving
// its mtime untouched, and reports whether it existed.
func (s *Store) touchIfExists(path string) (existed bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	now := time.Now()
	if err := os.Chtimes(path, now, info.ModTime()); err != nil {
		return false, err
	}
	return true, nil
}

// Get reads and parses the chunk stored under digest d. The caller is
// responsible for calling VerifyCRC (and Decode, if applicable) on the
// returned blob; Get itself does not validate contents.
func (s *Store) Get(d digest.Digest) (*blob.Blob, error) {
	const op = "chunkstore.Get"
	raw, err := os.ReadFile(s.Path(d))
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
	return b, nil
}

// Exists reports whether a chunk is present under digest d, without
// touching its atime.
func (s *Store) Exists(d digest.Digest) (bool, error) {
	_, err := os.Stat(s.Path(d))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, dserrors.New(dserrors.KindIO, "chunkstore.Exists", err)
}

// CondTouch updates digest d's atime only if the chunk exists,
// reporting whether it existed. Refreshing the atime of a chunk that
// is about to be referenced keeps a concurrent GC sweep from reclaiming
// it out from under the commit (spec.md §4.8). The index writers do
// not call CondTouch: they call Insert, which performs the same touch
// when the chunk already exists.
func (s *Store) CondTouch(d digest.Digest) (existed bool, err error) {
	existed, err = s.touchIfExists(s.Path(d))
	if err != nil {
		return false, dserrors.New(dserrors.KindIO, "chunkstore.CondTouch", err)
	}
	return existed, nil
}

// CondTouchIfStale updates digest d's atime only if the chunk exists
// and its current atime is older than cutoff, reporting whether it
// existed. GC's mark phase uses this instead of CondTouch so that a
// chunk already touched recently (by a concurrent backup, or an
// earlier index in the same marking pass) costs no extra write
// (spec.md §4.8: "touch ... if and only if the current atime is
// older than now − touch_threshold").
func (s *Store) CondTouchIfStale(d digest.Digest, cutoff time.Time) (existed bool, err error) {
	const op = "chunkstore.CondTouchIfStale"
	path := s.Path(d)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, dserrors.New(dserrors.KindIO, op, err)
	}
	if !atimeOf(info).Before(cutoff) {
		return true, nil
	}
	if err := os.Chtimes(path, time.Now(), info.ModTime()); err != nil {
		return false, dserrors.New(dserrors.KindIO, op, err)
	}
	return true, nil
}

// MarkBad renames a chunk file to a ".bad" sibling for diagnosis,
// used by verification when a chunk's CRC or digest does not match.
func (s *Store) MarkBad(d digest.Digest) error {
	const op = "chunkstore.MarkBad"
	path := s.Path(d)
	if err := os.Rename(path, path+".bad"); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	return nil
}

// ChunkInfo describes one on-disk chunk file visited by Walk.
type ChunkInfo struct {
	Digest  digest.Digest
	Path    string
	ATime   time.Time
	ModTime time.Time
	Size    int64
	Bad     bool
}

// Walk visits every file under every shard directory, in shard order,
// invoking fn once per file. It is the building block GC's sweep phase
// (package gc) uses to enumerate chunks; fn returning a non-nil error
// aborts the walk.
func (s *Store) Walk(fn func(ChunkInfo) error) error {
	chunksDir := filepath.Join(s.dir, chunksDirName)
	for _, prefix := range ShardPrefixes() {
		shardDir := filepath.Join(chunksDir, prefix)
		entries, err := os.ReadDir(shardDir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return dserrors.New(dserrors.KindIO, "chunkstore.Walk", err)
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			name := entry.Name()
			bad := false
			digestPart := name
			if ext := filepath.Ext(name); ext == ".bad" {
				bad = true
				digestPart = name[:len(name)-len(ext)]
			}
			d, err := digest.Parse(digestPart)
			if err != nil {
				log.Warnf("chunkstore: skipping non-chunk file %s: %v", filepath.Join(shardDir, name), err)
				continue
			}
			info, err := entry.Info()
			if err != nil {
				return dserrors.New(dserrors.KindIO, "chunkstore.Walk", err)
			}
			if err := fn(ChunkInfo{
				Digest:  d,
				Path:    filepath.Join(shardDir, name),
				ATime:   atimeOf(info),
				ModTime: info.ModTime(),
				Size:    info.Size(),
				Bad:     bad,
			}); err != nil {
				return err
			}
		}
	}
	return nil
}

// Remove deletes a chunk file, used by GC's sweep phase.
func (s *Store) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return dserrors.New(dserrors.KindIO, "chunkstore.Remove", err)
	}
	return nil
}
