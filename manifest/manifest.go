// Package manifest implements the per-snapshot `index.json.blob`
// manifest (spec.md §6): a JSON document wrapped in the same DataBlob
// framing as chunk payloads, describing the archives a backup run
// produced, plus a file-name lookup table adapted from the teacher's
// bucket-hash index for snapshots carrying many archives.
package manifest

import (
	jsoniter "github.com/json-iterator/go"

	"github.com/cespare/xxhash/v2"

	"github.com/proxmox-backup/datastore/blob"
	"github.com/proxmox-backup/datastore/digest"
	"github.com/proxmox-backup/datastore/dserrors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// CryptMode describes how one archive within the snapshot was stored.
type CryptMode string

const (
	CryptNone     CryptMode = "none"
	CryptEncrypt  CryptMode = "encrypt"
	CryptSignOnly CryptMode = "sign-only"
)

// FileEntry describes one archive file recorded in the manifest.
type FileEntry struct {
	Filename  string    `json:"filename"`
	Size      uint64    `json:"size"`
	Digest    string    `json:"digest"`
	CryptMode CryptMode `json:"crypt-mode"`
	Csum      string    `json:"csum"`
}

// Unprotected carries free-form notes and verification state that are
// not part of the manifest's integrity-checked core, matching
// spec.md §6's "optional unprotected sub-object".
type Unprotected struct {
	Notes             string `json:"notes,omitempty"`
	LastVerifiedTime  int64  `json:"last-verified-time,omitempty"`
	LastVerifiedState string `json:"last-verified-state,omitempty"`
}

// Manifest is the decoded contents of index.json.blob.
type Manifest struct {
	BackupType  string       `json:"backup-type"`
	BackupID    string       `json:"backup-id"`
	BackupTime  int64        `json:"backup-time"`
	Files       []FileEntry  `json:"files"`
	Unprotected *Unprotected `json:"unprotected,omitempty"`
	Signature   string       `json:"signature,omitempty"`
}

// AddFile appends a file entry, keeping Files sorted is not required
// by the format; callers append in backup order.
func (m *Manifest) AddFile(e FileEntry) {
	m.Files = append(m.Files, e)
}

// Lookup returns the FileEntry for filename, or false if not present.
// For small manifests (the common case) this is a linear scan; Index
// below builds a hash table for snapshots with many archives.
func (m *Manifest) Lookup(filename string) (FileEntry, bool) {
	for _, f := range m.Files {
		if f.Filename == filename {
			return f, true
		}
	}
	return FileEntry{}, false
}

// Encode serializes m to JSON and wraps it in a DataBlob using the
// same framing chunk payloads use, so index.json.blob is read back
// with the identical blob.Decode path as any chunk.
func Encode(m *Manifest, key *digest.Key, compress bool) (*blob.Blob, error) {
	const op = "manifest.Encode"
	data, err := json.Marshal(m)
	if err != nil {
		return nil, dserrors.New(dserrors.KindFormat, op, err)
	}
	b, err := blob.Encode(data, key, compress)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Decode unwraps a manifest DataBlob and parses its JSON payload.
func Decode(b *blob.Blob, key *digest.Key) (*Manifest, error) {
	const op = "manifest.Decode"
	data, err := blob.Decode(b, key, nil)
	if err != nil {
		return nil, err
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, dserrors.New(dserrors.KindFormat, op, err)
	}
	return &m, nil
}

// Index is an in-memory filename -> FileEntry hash table for
// snapshots with enough archives that a linear Lookup would matter,
// e.g. a host backup with hundreds of pxar-per-directory archives.
//
// It reuses the teacher's two-pass bucket construction
// (hash-then-probe) at a far smaller scale: a snapshot's file count
// is small enough that one bucket array with linear-probe collision
// resolution is plenty, where the teacher's on-disk format additionally
// needed to bound probe length for a multi-gigabyte read-only file.
type Index struct {
	buckets []indexEntry
	mask    uint64
}

type indexEntry struct {
	used  bool
	hash  uint64
	entry FileEntry
}

// BuildIndex constructs a lookup table over m.Files sized to keep the
// table under 50% full, matching the load factor the teacher's
// bucket-hash index targets for its own on-disk table.
func BuildIndex(m *Manifest) *Index {
	n := len(m.Files)
	size := uint64(1)
	for size < uint64(n)*2+1 {
		size *= 2
	}
	if size < 4 {
		size = 4
	}
	idx := &Index{buckets: make([]indexEntry, size), mask: size - 1}
	for _, f := range m.Files {
		idx.insert(f)
	}
	return idx
}

func (idx *Index) insert(f FileEntry) {
	h := xxhash.Sum64String(f.Filename)
	i := h & idx.mask
	for idx.buckets[i].used {
		i = (i + 1) & idx.mask
	}
	idx.buckets[i] = indexEntry{used: true, hash: h, entry: f}
}

// Lookup returns the FileEntry for filename in O(1) expected time.
func (idx *Index) Lookup(filename string) (FileEntry, bool) {
	h := xxhash.Sum64String(filename)
	i := h & idx.mask
	for idx.buckets[i].used {
		if idx.buckets[i].hash == h && idx.buckets[i].entry.Filename == filename {
			return idx.buckets[i].entry, true
		}
		i = (i + 1) & idx.mask
	}
	return FileEntry{}, false
}
