package manifest

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func sampleManifest(n int) *Manifest {
	m := &Manifest{
		BackupType: "vm",
		BackupID:   "100",
		BackupTime: 1735689600,
	}
	for i := 0; i < n; i++ {
		m.AddFile(FileEntry{
			Filename:  fmt.Sprintf("drive-scsi%d.img.fidx", i),
			Size:      uint64(i) * 4096,
			Digest:    "deadbeef",
			CryptMode: CryptNone,
			Csum:      "cafebabe",
		})
	}
	return m
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	m := sampleManifest(3)
	b, err := Encode(m, nil, true)
	require.NoError(t, err)

	got, err := Decode(b, nil)
	require.NoError(t, err)
	require.Equal(t, m.BackupType, got.BackupType)
	require.Equal(t, m.BackupID, got.BackupID)
	require.Equal(t, m.Files, got.Files)
}

func TestLookup(t *testing.T) {
	m := sampleManifest(5)
	f, ok := m.Lookup("drive-scsi2.img.fidx")
	require.True(t, ok)
	require.EqualValues(t, 2*4096, f.Size)

	_, ok = m.Lookup("nonexistent")
	require.False(t, ok)
}

func TestIndexLookupMatchesLinearScan(t *testing.T) {
	m := sampleManifest(200)
	idx := BuildIndex(m)

	for _, f := range m.Files {
		got, ok := idx.Lookup(f.Filename)
		require.True(t, ok)
		require.Equal(t, f, got)
	}

	_, ok := idx.Lookup("does-not-exist.fidx")
	require.False(t, ok)
}

func TestUnprotectedAndSignatureRoundTrip(t *testing.T) {
	m := sampleManifest(1)
	m.Unprotected = &Unprotected{Notes: "verified by hand", LastVerifiedState: "ok"}
	m.Signature = "deadbeefcafebabe"

	b, err := Encode(m, nil, false)
	require.NoError(t, err)
	got, err := Decode(b, nil)
	require.NoError(t, err)
	require.Equal(t, m.Unprotected, got.Unprotected)
	require.Equal(t, m.Signature, got.Signature)
}
