// Package gc implements the garbage collector (spec component C8):
// a two-phase mark-and-sweep over a chunkstore.Store using file atime
// as the liveness signal, driven by the index files a registry scan
// turns up.
//
// Sweep's cooperative yielding is grounded on the teacher's
// store/index/gc.go goroutine, which periodically yields between
// scan segments so a long-running collection never blocks other
// work; this collector adopts the yield cadence but not the
// teacher's cross-run resume cursor, since a collection here is
// bounded by one pass over the shard tree rather than a deadline.
// Pending/stale diagnostics are plain in-memory counters accumulated
// during that one pass, recomputed from scratch on every run.
package gc

import (
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/proxmox-backup/datastore/chunkstore"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
	"github.com/proxmox-backup/datastore/index"
)

var log = logging.Logger("gc")

// DefaultTouchThreshold is how stale a chunk's atime must be before
// the mark phase spends an I/O touching it again (Open Question
// resolution recorded in SPEC_FULL.md: one hour).
const DefaultTouchThreshold = 1 * time.Hour

// DefaultSafetyMargin is the minimum age below which a chunk is
// retained during sweep even if no index marked it, covering
// in-flight backups racing the mark phase.
const DefaultSafetyMargin = 24*time.Hour + 5*time.Minute

// Options configures one collection run. The zero value is a valid,
// maximally aggressive configuration (no touch-debounce, no safety
// margin); call DefaultOptions for the values spec.md §4.8 recommends.
type Options struct {
	TouchThreshold       time.Duration
	MinAtimeSafetyMargin time.Duration
	// YieldEvery, if non-zero, calls Yield after this many chunks
	// visited during sweep, so a long collection cooperates with
	// other work on the same goroutine pool.
	YieldEvery int
	Yield      func()
}

// DefaultOptions returns the touch threshold and safety margin
// spec.md §4.8 specifies as defaults.
func DefaultOptions() Options {
	return Options{
		TouchThreshold:       DefaultTouchThreshold,
		MinAtimeSafetyMargin: DefaultSafetyMargin,
	}
}

// Status is the report produced by a collection run (spec.md §4.8).
type Status struct {
	IndexFileCount int
	IndexDataBytes uint64
	DiskBytes      int64
	DiskChunks     int64
	RemovedBytes   int64
	RemovedChunks  int64
	PendingBytes   int64
	PendingChunks  int64
	RemovedBad     int64
	StillBad       int64
	StartedAt      time.Time
	FinishedAt     time.Time
}

// IndexPath is one index file the mark phase should walk; Fixed
// distinguishes a .fidx (fixed-size) index from a .didx (dynamic).
type IndexPath struct {
	Path  string
	Fixed bool
}

// Run performs one full mark-and-sweep collection. indexPaths is
// every index file across every live snapshot, typically produced by
// walking the registry's groups/snapshots and their ListFiles output.
//
// Run acquires cs's exclusive lock for the duration (spec.md §4.8's
// "at most one GC per datastore"); it returns a Busy error immediately
// if another GC or exclusive operation already holds it.
func Run(cs *chunkstore.Store, indexPaths []IndexPath, opts Options) (Status, error) {
	const op = "gc.Run"

	if err := cs.TryLock(); err != nil {
		return Status{}, err
	}
	defer cs.Unlock()

	status := Status{StartedAt: time.Now()}

	if err := mark(cs, indexPaths, opts, &status); err != nil {
		return status, dserrors.New(dserrors.KindIO, op, err)
	}

	gcStart := status.StartedAt
	if err := sweep(cs, gcStart, opts, &status); err != nil {
		return status, dserrors.New(dserrors.KindIO, op, err)
	}

	status.FinishedAt = time.Now()
	log.Infof("gc: removed %d chunks (%d bytes), pending %d chunks (%d bytes), bad removed=%d still=%d",
		status.RemovedChunks, status.RemovedBytes, status.PendingChunks, status.PendingBytes,
		status.RemovedBad, status.StillBad)
	return status, nil
}

// mark walks every index file, touching the atime of every chunk it
// references whose atime is older than now-touchThreshold.
func mark(cs *chunkstore.Store, indexPaths []IndexPath, opts Options, status *Status) error {
	cutoff := time.Now().Add(-opts.TouchThreshold)
	touch := func(d digest.Digest) error {
		_, err := cs.CondTouchIfStale(d, cutoff)
		return err
	}

	for _, ip := range indexPaths {
		status.IndexFileCount++
		if ip.Fixed {
			r, err := index.OpenFixed(ip.Path)
			if err != nil {
				log.Warnf("gc: mark: skipping unreadable index %s: %v", ip.Path, err)
				continue
			}
			status.IndexDataBytes += r.TotalSize()
			err = r.MarkUsedChunks(touch)
			r.Close()
			if err != nil {
				return err
			}
			continue
		}
		r, err := index.OpenDynamic(ip.Path)
		if err != nil {
			log.Warnf("gc: mark: skipping unreadable index %s: %v", ip.Path, err)
			continue
		}
		status.IndexDataBytes += r.TotalSize()
		err = r.MarkUsedChunks(touch)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// sweep walks every shard directory and unlinks every chunk whose
// atime falls outside the safety margin relative to gcStart.
func sweep(cs *chunkstore.Store, gcStart time.Time, opts Options, status *Status) error {
	cutoff := gcStart.Add(-opts.MinAtimeSafetyMargin)
	visited := 0

	return cs.Walk(func(ci chunkstore.ChunkInfo) error {
		visited++
		if opts.YieldEvery > 0 && opts.Yield != nil && visited%opts.YieldEvery == 0 {
			opts.Yield()
		}

		status.DiskChunks++
		status.DiskBytes += ci.Size

		if ci.Bad {
			if ci.ATime.Before(cutoff) {
				if err := cs.Remove(ci.Path); err != nil {
					return err
				}
				status.RemovedBad++
			} else {
				status.StillBad++
			}
			return nil
		}

		if !ci.ATime.Before(cutoff) {
			// Still live, or within the margin covering a racing backup.
			if ci.ATime.Before(gcStart) {
				status.PendingChunks++
				status.PendingBytes += ci.Size
			}
			return nil
		}

		if err := cs.Remove(ci.Path); err != nil {
			return err
		}
		status.RemovedChunks++
		status.RemovedBytes += ci.Size
		return nil
	})
}

