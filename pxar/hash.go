package pxar

import "github.com/cespare/xxhash/v2"

// FilenameHash is the bucket key stored in a GOODBYE entry for a
// child name. Children within a GOODBYE table are kept sorted by this
// hash so random-access lookup can binary search instead of scanning,
// the same FKS-adjacent idea compactindexsized.BucketHash applies to
// its own on-disk bucket table.
func FilenameHash(name string) uint64 {
	return xxhash.Sum64String(name)
}
