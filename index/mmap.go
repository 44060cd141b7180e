package index

import (
	"os"

	"github.com/edsrzf/mmap-go"
)

// mmapHandle wraps a read-only memory mapping of an index file. Index
// readers mmap the whole file rather than read() it so random-access
// lookups (ChunkInfo, ChunkFromOffset) don't pay a syscall per probe.
type mmapHandle struct {
	mm mmap.MMap
}

func mapFile(f *os.File) (mmapHandle, error) {
	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return mmapHandle{}, err
	}
	return mmapHandle{mm: mm}, nil
}

func (h mmapHandle) Bytes() []byte { return h.mm }

func (h mmapHandle) Close() error {
	if h.mm == nil {
		return nil
	}
	return h.mm.Unmap()
}

// syncDir fsyncs a directory entry so a preceding rename into it is
// durable across a crash, not just the renamed file's own contents.
// Best-effort: some filesystems/platforms reject fsync on a directory
// fd, which is not a reason to fail the overall Close.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	defer d.Close()
	_ = d.Sync()
}
