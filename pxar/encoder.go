package pxar

import (
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/proxmox-backup/datastore/dserrors"
)

// Node is an in-memory filesystem-tree node fed to Encode. Building an
// archive from a real filesystem walk is outside this package's
// scope (spec.md §4.5 calls the encoder "external, not core"); Node
// exists so tests and the extractor's round-trip checks can construct
// archives without shelling out to a real tree.
type Node struct {
	Name        string // empty only for the root
	Entry       Entry
	SymlinkTarget string
	HardlinkPath  string
	Device      Device
	Xattrs      []XattrRecord
	ACL         []ACLEntry
	FCaps       []byte
	QuotaProjID *QuotaProjID
	Payload     []byte
	Children    []*Node
}

// countingWriter wraps an io.Writer and tracks the number of bytes
// written to it, so the encoder can compute the backward offsets a
// GOODBYE table needs without seeking (the underlying writer need not
// be seekable; pxar streams can be written straight to a pipe).
type countingWriter struct {
	w      io.Writer
	offset uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.offset += uint64(n)
	return n, err
}

func writeRecord(w *countingWriter, ht HType, body []byte) error {
	h := Header{Size: uint64(HeaderSize + len(body)), HType: ht}
	if _, err := w.Write(h.Bytes()); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := w.Write(body)
	return err
}

func nulTerminated(s string) []byte {
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	return buf
}

// Encode writes root as a complete pxar stream to w. root.Name is
// ignored (the root filesystem object has no FILENAME record).
func Encode(w io.Writer, root *Node) error {
	const op = "pxar.Encode"
	if !root.Entry.IsDir() {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("root node must be a directory"))
	}
	cw := &countingWriter{w: w}
	_, err := encodeNode(cw, root)
	return err
}

// encodeNode writes one filesystem object's full record run (starting
// at the ENTRY, since any preceding FILENAME was already written by
// the parent) and returns how many bytes it wrote. The parent does not
// use that count: it computes the child's GOODBYE entry Size itself,
// from the FILENAME record on.
func encodeNode(w *countingWriter, n *Node) (uint64, error) {
	start := w.offset
	if err := writeRecord(w, HTypeEntry, n.Entry.bytes()); err != nil {
		return 0, err
	}
	if err := encodeMetadata(w, n); err != nil {
		return 0, err
	}

	switch {
	case n.Entry.IsDir():
		if err := encodeDirectory(w, n, start); err != nil {
			return 0, err
		}
	case n.Entry.IsSymlink():
		if err := writeRecord(w, HTypeSymlink, nulTerminated(n.SymlinkTarget)); err != nil {
			return 0, err
		}
	case n.HardlinkPath != "":
		if err := writeRecord(w, HTypeHardlink, nulTerminated(n.HardlinkPath)); err != nil {
			return 0, err
		}
	case n.Entry.IsDevice():
		if err := writeRecord(w, HTypeDevice, n.Device.bytes()); err != nil {
			return 0, err
		}
	case n.Entry.IsRegular():
		if err := writeRecord(w, HTypePayload, n.Payload); err != nil {
			return 0, err
		}
	// FIFOs and sockets carry no body beyond ENTRY.
	default:
	}

	return w.offset - start, nil
}

func encodeMetadata(w *countingWriter, n *Node) error {
	for _, x := range n.Xattrs {
		body := append(nulTerminated(x.Name), x.Value...)
		if err := writeRecord(w, HTypeXattr, body); err != nil {
			return err
		}
	}
	for _, a := range n.ACL {
		body := make([]byte, aclEntrySize)
		body[0] = byte(a.Kind)
		binary.LittleEndian.PutUint32(body[1:5], a.Qualifier)
		body[5] = a.Permissions
		if err := writeRecord(w, HTypeACL, body); err != nil {
			return err
		}
	}
	if len(n.FCaps) > 0 {
		if err := writeRecord(w, HTypeFCaps, n.FCaps); err != nil {
			return err
		}
	}
	if n.QuotaProjID != nil {
		body := make([]byte, 4)
		binary.LittleEndian.PutUint32(body, n.QuotaProjID.ProjID)
		if err := writeRecord(w, HTypeQuotaProjID, body); err != nil {
			return err
		}
	}
	return nil
}

func encodeDirectory(w *countingWriter, n *Node, dirEntryStart uint64) error {
	const op = "pxar.encodeDirectory"
	type childRef struct {
		hash  uint64
		start uint64
		size  uint64
	}
	refs := make([]childRef, 0, len(n.Children))
	for _, child := range n.Children {
		if child.Name == "" {
			return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("child entry has no name"))
		}
		childStart := w.offset
		if err := writeRecord(w, HTypeFilename, nulTerminated(child.Name)); err != nil {
			return err
		}
		if _, err := encodeNode(w, child); err != nil {
			return err
		}
		// Size spans the child's FILENAME record through the end of
		// its own record run (ENTRY..GOODBYE for a directory).
		refs = append(refs, childRef{hash: FilenameHash(child.Name), start: childStart, size: w.offset - childStart})
	}

	sort.Slice(refs, func(i, j int) bool { return refs[i].hash < refs[j].hash })

	goodbyeStart := w.offset
	body := make([]byte, 0, (len(refs)+1)*goodbyeEntrySize)
	for _, r := range refs {
		e := GoodbyeEntry{Hash: r.hash, Offset: goodbyeStart - r.start, Size: r.size}
		body = append(body, e.bytes()...)
	}
	// The tail marker's Offset is the sole field random access relies
	// on (distance back from the goodbye table to this directory's
	// own ENTRY); Size is unused for the tail and left zero.
	tail := GoodbyeEntry{Hash: GoodbyeTailMarker, Offset: goodbyeStart - dirEntryStart}
	body = append(body, tail.bytes()...)
	return writeRecord(w, HTypeGoodbye, body)
}
