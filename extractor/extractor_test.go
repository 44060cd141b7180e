package extractor

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/pxar"
)

func sampleArchive(t *testing.T) []byte {
	t.Helper()
	tree := &pxar.Node{
		Entry: pxar.Entry{Mode: pxar.ModeDir | 0755},
		Children: []*pxar.Node{
			{
				Name:  "a",
				Entry: pxar.Entry{Mode: pxar.ModeDir | 0755},
				Children: []*pxar.Node{
					{Name: "f", Entry: pxar.Entry{Mode: pxar.ModeReg | 0644}, Payload: []byte("hello world")},
					{Name: "l", Entry: pxar.Entry{Mode: pxar.ModeLnk | 0777}, SymlinkTarget: "f"},
				},
			},
			{Name: "empty", Entry: pxar.Entry{Mode: pxar.ModeDir | 0700}},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, pxar.Encode(&buf, tree))
	return buf.Bytes()
}

func TestExtractBasicTree(t *testing.T) {
	raw := sampleArchive(t)
	dest := filepath.Join(t.TempDir(), "out")

	require.NoError(t, Extract(dest, bytes.NewReader(raw), Options{}))

	content, err := os.ReadFile(filepath.Join(dest, "a", "f"))
	require.NoError(t, err)
	require.Equal(t, "hello world", string(content))

	target, err := os.Readlink(filepath.Join(dest, "a", "l"))
	require.NoError(t, err)
	require.Equal(t, "f", target)

	info, err := os.Stat(filepath.Join(dest, "empty"))
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestExtractExcludePattern(t *testing.T) {
	raw := sampleArchive(t)
	dest := filepath.Join(t.TempDir(), "out")

	err := Extract(dest, bytes.NewReader(raw), Options{
		MatchList: []Pattern{{Glob: "a/f", Exclude: true}},
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dest, "a", "f"))
	require.True(t, os.IsNotExist(err))

	// The symlink outside the excluded path is still extracted.
	_, err = os.Lstat(filepath.Join(dest, "a", "l"))
	require.NoError(t, err)
}

func TestExtractSparseFile(t *testing.T) {
	payload := make([]byte, sparseRunThreshold*3)
	copy(payload, []byte("head"))
	copy(payload[len(payload)-4:], []byte("tail"))

	tree := &pxar.Node{
		Entry: pxar.Entry{Mode: pxar.ModeDir | 0755},
		Children: []*pxar.Node{
			{Name: "sparse", Entry: pxar.Entry{Mode: pxar.ModeReg | 0644}, Payload: payload},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, pxar.Encode(&buf, tree))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(dest, bytes.NewReader(buf.Bytes()), Options{}))

	got, err := os.ReadFile(filepath.Join(dest, "sparse"))
	require.NoError(t, err)
	require.Equal(t, payload, got)
}

func TestExtractFifoAndSocket(t *testing.T) {
	tree := &pxar.Node{
		Entry: pxar.Entry{Mode: pxar.ModeDir | 0755},
		Children: []*pxar.Node{
			{Name: "fifo", Entry: pxar.Entry{Mode: pxar.ModeFifo | 0644}},
			{Name: "sock", Entry: pxar.Entry{Mode: pxar.ModeSocket | 0644}},
			{Name: "after", Entry: pxar.Entry{Mode: pxar.ModeReg | 0644}, Payload: []byte("x")},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, pxar.Encode(&buf, tree))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(dest, bytes.NewReader(buf.Bytes()), Options{
		Flags: Flags{Fifos: true, Sockets: true},
	}))

	fi, err := os.Lstat(filepath.Join(dest, "fifo"))
	require.NoError(t, err)
	require.True(t, fi.Mode()&os.ModeNamedPipe != 0)

	si, err := os.Lstat(filepath.Join(dest, "sock"))
	require.NoError(t, err)
	require.True(t, si.Mode()&os.ModeSocket != 0)

	content, err := os.ReadFile(filepath.Join(dest, "after"))
	require.NoError(t, err)
	require.Equal(t, "x", string(content))
}

func TestExtractFifoSkippedWithoutFlag(t *testing.T) {
	tree := &pxar.Node{
		Entry: pxar.Entry{Mode: pxar.ModeDir | 0755},
		Children: []*pxar.Node{
			{Name: "fifo", Entry: pxar.Entry{Mode: pxar.ModeFifo | 0644}},
			{Name: "after", Entry: pxar.Entry{Mode: pxar.ModeReg | 0644}, Payload: []byte("x")},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, pxar.Encode(&buf, tree))

	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(dest, bytes.NewReader(buf.Bytes()), Options{}))

	_, err := os.Lstat(filepath.Join(dest, "fifo"))
	require.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(filepath.Join(dest, "after"))
	require.NoError(t, err)
	require.Equal(t, "x", string(content))
}

func TestExtractOverwriteRequiresFlag(t *testing.T) {
	raw := sampleArchive(t)
	dest := filepath.Join(t.TempDir(), "out")
	require.NoError(t, Extract(dest, bytes.NewReader(raw), Options{}))

	// Re-extracting without Overwrite must fail on the existing file
	// (O_EXCL), and without an OnError callback the error is fatal.
	err := Extract(dest, bytes.NewReader(sampleArchive(t)), Options{AllowExistingDirs: true})
	require.Error(t, err)

	err = Extract(dest, bytes.NewReader(sampleArchive(t)), Options{AllowExistingDirs: true, Overwrite: true})
	require.NoError(t, err)
}
