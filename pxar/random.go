package pxar

import (
	"fmt"
	"io"
	"sort"

	"github.com/proxmox-backup/datastore/dserrors"
)

// RandomReader provides GOODBYE-table-driven random access into a
// committed pxar stream, without a forward scan. It needs only an
// io.ReaderAt and the stream's total length (the root directory's
// record run spans the whole file, so no separate top-level index is
// stored anywhere else).
type RandomReader struct {
	ra   io.ReaderAt
	size uint64
}

// NewRandomReader wraps ra, a stream of the given total size.
func NewRandomReader(ra io.ReaderAt, size uint64) *RandomReader {
	return &RandomReader{ra: ra, size: size}
}

func (r *RandomReader) readAt(off, n uint64) ([]byte, error) {
	const op = "pxar.RandomReader.readAt"
	if off+n > r.size || off+n < off {
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("read [%d,%d) beyond stream size %d", off, off+n, r.size))
	}
	buf := make([]byte, n)
	if _, err := r.ra.ReadAt(buf, int64(off)); err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	return buf, nil
}

func (r *RandomReader) header(off uint64) (Header, error) {
	buf, err := r.readAt(off, HeaderSize)
	if err != nil {
		return Header{}, err
	}
	return parseHeader(buf)
}

// Dir is a handle onto one directory's record span [start, end), as
// located via a GOODBYE tail marker (or the whole file, for the root).
type Dir struct {
	r     *RandomReader
	start uint64
	end   uint64
	entry Entry
}

// Root opens the archive's top-level directory.
func (r *RandomReader) Root() (*Dir, error) {
	const op = "pxar.RandomReader.Root"
	entry, bodyEnd, err := r.readEntryAt(0)
	if err != nil {
		return nil, err
	}
	_ = bodyEnd
	if !entry.IsDir() {
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("root entry is not a directory"))
	}
	return &Dir{r: r, start: 0, end: r.size, entry: entry}, nil
}

// readEntryAt reads the ENTRY record at off and returns it along with
// the offset immediately following it.
func (r *RandomReader) readEntryAt(off uint64) (Entry, uint64, error) {
	const op = "pxar.RandomReader.readEntryAt"
	h, err := r.header(off)
	if err != nil {
		return Entry{}, 0, err
	}
	if h.HType != HTypeEntry {
		return Entry{}, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("expected ENTRY at offset %d, got %s", off, h.HType))
	}
	body, err := r.readAt(off+HeaderSize, h.Size-HeaderSize)
	if err != nil {
		return Entry{}, 0, err
	}
	entry, err := parseEntry(body)
	if err != nil {
		return Entry{}, 0, err
	}
	return entry, off + h.Size, nil
}

// entry exposes the directory's own metadata.
func (d *Dir) Entry() Entry { return d.entry }

// goodbyeEntries locates and parses this directory's GOODBYE table via
// its tail marker: the last goodbyeEntrySize bytes of the directory's
// span. The table's entries are stored sorted by hash (see encoder.go)
// so lookups can binary search.
func (d *Dir) goodbyeEntries() ([]GoodbyeEntry, uint64, error) {
	const op = "pxar.Dir.goodbyeEntries"
	tailOff := d.end - goodbyeEntrySize
	tailBuf, err := d.r.readAt(tailOff, goodbyeEntrySize)
	if err != nil {
		return nil, 0, err
	}
	tail := parseGoodbyeEntry(tailBuf)
	if tail.Hash != GoodbyeTailMarker {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("missing GOODBYE tail marker at end of directory span"))
	}
	if tail.Offset == 0 || tail.Offset > d.end-d.start {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("tail marker offset %d out of range", tail.Offset))
	}
	tableStart := d.start + tail.Offset
	h, err := d.r.header(tableStart)
	if err != nil {
		return nil, 0, err
	}
	if h.HType != HTypeGoodbye {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("tail marker does not resolve to a GOODBYE header"))
	}
	bodyLen := h.Size - HeaderSize
	if bodyLen%goodbyeEntrySize != 0 || bodyLen == 0 {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("malformed GOODBYE body length %d", bodyLen))
	}
	body, err := d.r.readAt(tableStart+HeaderSize, bodyLen)
	if err != nil {
		return nil, 0, err
	}
	n := int(bodyLen / goodbyeEntrySize)
	entries := make([]GoodbyeEntry, n-1) // exclude tail
	for i := 0; i < n-1; i++ {
		entries[i] = parseGoodbyeEntry(body[i*goodbyeEntrySize:])
	}
	return entries, tableStart, nil
}

// Children returns the names and metadata of every direct child, in
// no particular guaranteed order (hash order, as stored on disk).
func (d *Dir) Children() ([]ChildInfo, error) {
	entries, tableStart, err := d.goodbyeEntries()
	if err != nil {
		return nil, err
	}
	out := make([]ChildInfo, 0, len(entries))
	for _, e := range entries {
		childStart := tableStart - e.Offset
		childEnd := childStart + e.Size
		ci, err := d.childInfoAt(childStart, childEnd)
		if err != nil {
			return nil, err
		}
		out = append(out, ci)
	}
	return out, nil
}

// ChildInfo describes one directory entry as seen from its parent,
// without requiring the caller to open it.
type ChildInfo struct {
	Name  string
	Entry Entry
	start uint64
	end   uint64
}

func (d *Dir) childInfoAt(start, end uint64) (ChildInfo, error) {
	const op = "pxar.Dir.childInfoAt"
	h, err := d.r.header(start)
	if err != nil {
		return ChildInfo{}, err
	}
	if h.HType != HTypeFilename {
		return ChildInfo{}, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("expected FILENAME at offset %d, got %s", start, h.HType))
	}
	body, err := d.r.readAt(start+HeaderSize, h.Size-HeaderSize)
	if err != nil {
		return ChildInfo{}, err
	}
	name, err := nulTerminatedString(body, PathMax)
	if err != nil {
		return ChildInfo{}, err
	}
	entry, _, err := d.r.readEntryAt(start + h.Size)
	if err != nil {
		return ChildInfo{}, err
	}
	return ChildInfo{Name: name, Entry: entry, start: start, end: end}, nil
}

// Lookup finds a single named child via binary search over the
// hash-sorted GOODBYE table, confirming the match by reading its
// FILENAME record (hash collisions are possible and must not be
// mistaken for a match).
func (d *Dir) Lookup(name string) (*ChildInfo, error) {
	const op = "pxar.Dir.Lookup"
	entries, tableStart, err := d.goodbyeEntries()
	if err != nil {
		return nil, err
	}
	target := FilenameHash(name)
	lo := sort.Search(len(entries), func(i int) bool { return entries[i].Hash >= target })
	for i := lo; i < len(entries) && entries[i].Hash == target; i++ {
		childStart := tableStart - entries[i].Offset
		childEnd := childStart + entries[i].Size
		ci, err := d.childInfoAt(childStart, childEnd)
		if err != nil {
			return nil, err
		}
		if ci.Name == name {
			return &ci, nil
		}
	}
	return nil, dserrors.New(dserrors.KindNotFound, op, fmt.Errorf("no child named %q", name))
}

// OpenDir reopens a ChildInfo known to be a directory as a Dir handle.
func (r *RandomReader) OpenDir(c ChildInfo) (*Dir, error) {
	const op = "pxar.RandomReader.OpenDir"
	if !c.Entry.IsDir() {
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("%q is not a directory", c.Name))
	}
	// The child's span, as recorded in the parent's GOODBYE entry,
	// starts at its FILENAME record; the directory's own ENTRY starts
	// right after that.
	h, err := r.header(c.start)
	if err != nil {
		return nil, err
	}
	entryStart := c.start + h.Size
	entry, _, err := r.readEntryAt(entryStart)
	if err != nil {
		return nil, err
	}
	return &Dir{r: r, start: entryStart, end: c.end, entry: entry}, nil
}

// PayloadReader returns a reader bounded to a regular file child's
// content, located from the child's own span by stepping over its
// ENTRY and any metadata records that follow it.
func (r *RandomReader) PayloadReader(c ChildInfo) (io.Reader, int64, error) {
	const op = "pxar.RandomReader.PayloadReader"
	if !c.Entry.IsRegular() {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("%q is not a regular file", c.Name))
	}
	h, err := r.header(c.start)
	if err != nil {
		return nil, 0, err
	}
	entryStart := c.start + h.Size
	_, after, err := r.readEntryAt(entryStart)
	if err != nil {
		return nil, 0, err
	}
	ph, err := r.header(after)
	if err != nil {
		return nil, 0, err
	}
	for ph.HType == HTypeXattr || ph.HType == HTypeACL || ph.HType == HTypeFCaps || ph.HType == HTypeQuotaProjID {
		after += ph.Size
		if ph, err = r.header(after); err != nil {
			return nil, 0, err
		}
	}
	if ph.HType != HTypePayload {
		return nil, 0, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("expected PAYLOAD after ENTRY, got %s", ph.HType))
	}
	size := int64(ph.Size - HeaderSize)
	return io.NewSectionReader(r.ra, int64(after+HeaderSize), size), size, nil
}
