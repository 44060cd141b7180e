package pxar

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/proxmox-backup/datastore/dserrors"
)

// PathMax bounds symlink targets and names, mirroring the Linux PATH_MAX
// the original implementation enforces on the same fields.
const PathMax = 4096

// Visitor receives the decoded stream of one pxar archive in document
// order. Returning a non-nil error from any method aborts decoding.
type Visitor interface {
	// Enter is called once per filesystem object, including the root
	// (with name ""). If the object is a directory, Leave is called
	// after all of its children have been visited.
	Enter(name string, entry Entry) error
	Leave(name string, entry Entry) error
	Symlink(target string) error
	Hardlink(path string) error
	Device(d Device) error
	Xattr(x XattrRecord) error
	ACL(a ACLEntry) error
	FCaps(data []byte) error
	QuotaProjID(q QuotaProjID) error
	// Payload is handed a reader bounded to exactly the file's
	// content; the decoder discards any unread remainder itself so a
	// Visitor that only peeks at the first bytes can't desync the stream.
	Payload(r io.Reader, size int64) error
}

type offsetReader struct {
	r      io.Reader
	offset uint64
}

func (o *offsetReader) Read(p []byte) (int, error) {
	n, err := o.r.Read(p)
	o.offset += uint64(n)
	return n, err
}

type dirFrame struct {
	name       string
	entry      Entry
	entryStart uint64
}

// Decoder performs a forward-only, single-pass read of a pxar stream.
type Decoder struct {
	r     *offsetReader
	stack []dirFrame
}

// NewDecoder wraps r for sequential decoding.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: &offsetReader{r: r}}
}

func (d *Decoder) readHeader() (Header, error) {
	const op = "pxar.Decoder.readHeader"
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		if err == io.EOF {
			return Header{}, io.EOF
		}
		return Header{}, dserrors.New(dserrors.KindIO, op, err)
	}
	return parseHeader(buf)
}

func (d *Decoder) readBody(h Header) ([]byte, error) {
	const op = "pxar.Decoder.readBody"
	n := h.Size - HeaderSize
	buf := make([]byte, n)
	if _, err := io.ReadFull(d.r, buf); err != nil {
		return nil, dserrors.New(dserrors.KindIO, op, err)
	}
	return buf, nil
}

func nulTerminatedString(buf []byte, max int) (string, error) {
	const op = "pxar.nulTerminatedString"
	i := -1
	for j, b := range buf {
		if b == 0 {
			i = j
			break
		}
	}
	if i < 0 {
		return "", dserrors.New(dserrors.KindFormat, op, fmt.Errorf("missing NUL terminator"))
	}
	if i > max {
		return "", dserrors.New(dserrors.KindFormat, op, fmt.Errorf("string length %d exceeds limit %d", i, max))
	}
	return string(buf[:i]), nil
}

func validateName(name string) error {
	const op = "pxar.validateName"
	if name == "" {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("empty filename"))
	}
	if strings.ContainsRune(name, '/') {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("filename %q contains /", name))
	}
	return nil
}

// Run decodes the entire stream, calling v for each record. name
// carries a FILENAME record that precedes the ENTRY it names.
func (d *Decoder) Run(v Visitor) error {
	const op = "pxar.Decoder.Run"
	name := "" // root has no FILENAME

	for {
		h, err := d.readHeader()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}

		switch h.HType {
		case HTypeFilename:
			if name != "" {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("unexpected FILENAME, previous FILENAME %q still unconsumed", name))
			}
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			n, err := nulTerminatedString(body, PathMax)
			if err != nil {
				return err
			}
			if err := validateName(n); err != nil {
				return err
			}
			name = n

		case HTypeEntry:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			entry, err := parseEntry(body)
			if err != nil {
				return err
			}
			entryStart := d.r.offset - h.Size
			if err := v.Enter(name, entry); err != nil {
				return err
			}
			if entry.IsDir() {
				d.stack = append(d.stack, dirFrame{name: name, entry: entry, entryStart: entryStart})
			}
			name = ""

		case HTypeSymlink:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			target, err := nulTerminatedString(body, PathMax)
			if err != nil {
				return err
			}
			if strings.HasPrefix(target, "/") {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("symlink target %q is not relative", target))
			}
			if err := v.Symlink(target); err != nil {
				return err
			}
			name = ""

		case HTypeHardlink:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			path, err := nulTerminatedString(body, PathMax)
			if err != nil {
				return err
			}
			if err := v.Hardlink(path); err != nil {
				return err
			}
			name = ""

		case HTypeDevice:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			dev, err := parseDevice(body)
			if err != nil {
				return err
			}
			if err := v.Device(dev); err != nil {
				return err
			}
			name = ""

		case HTypePayload:
			size := int64(h.Size - HeaderSize)
			lr := &io.LimitedReader{R: d.r, N: size}
			if err := v.Payload(lr, size); err != nil {
				return err
			}
			if lr.N > 0 {
				if _, err := io.CopyN(io.Discard, lr, lr.N); err != nil {
					return dserrors.New(dserrors.KindIO, op, err)
				}
			}
			name = ""

		case HTypeXattr:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			nul := -1
			for i, b := range body {
				if b == 0 {
					nul = i
					break
				}
			}
			if nul < 0 {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("XATTR missing name terminator"))
			}
			x := XattrRecord{Name: string(body[:nul]), Value: append([]byte(nil), body[nul+1:]...)}
			if err := v.Xattr(x); err != nil {
				return err
			}

		case HTypeACL:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			if len(body) < aclEntrySize {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("short ACL body"))
			}
			a := ACLEntry{
				Kind:        ACLKind(body[0]),
				Qualifier:   binary.LittleEndian.Uint32(body[1:5]),
				Permissions: body[5],
			}
			if err := v.ACL(a); err != nil {
				return err
			}

		case HTypeFCaps:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			if err := v.FCaps(body); err != nil {
				return err
			}

		case HTypeQuotaProjID:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			if len(body) < 4 {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("short QUOTA_PROJID body"))
			}
			q := QuotaProjID{ProjID: binary.LittleEndian.Uint32(body[0:4])}
			if err := v.QuotaProjID(q); err != nil {
				return err
			}

		case HTypeGoodbye:
			body, err := d.readBody(h)
			if err != nil {
				return err
			}
			if len(d.stack) == 0 {
				return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("GOODBYE with no open directory"))
			}
			if err := d.validateGoodbye(body, h.Size); err != nil {
				return err
			}
			frame := d.stack[len(d.stack)-1]
			d.stack = d.stack[:len(d.stack)-1]
			if err := v.Leave(frame.name, frame.entry); err != nil {
				return err
			}
			name = ""

		default:
			// Unknown record type within scope: skip its body,
			// tolerant of forward-compatible additions.
			if _, err := d.readBody(h); err != nil {
				return err
			}
		}
	}

	if len(d.stack) != 0 {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("truncated archive: %d directory(ies) never closed", len(d.stack)))
	}
	return nil
}

// validateGoodbye checks that the tail marker's offset resolves back
// to the directory this GOODBYE record is closing, and that every
// entry's offset points strictly before the goodbye table, inside the
// enclosing directory's own span.
func (d *Decoder) validateGoodbye(body []byte, recordSize uint64) error {
	const op = "pxar.Decoder.validateGoodbye"
	if len(body)%goodbyeEntrySize != 0 || len(body) == 0 {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("malformed GOODBYE table length %d", len(body)))
	}
	goodbyeStart := d.r.offset - recordSize
	frame := d.stack[len(d.stack)-1]

	n := len(body) / goodbyeEntrySize
	tail := parseGoodbyeEntry(body[(n-1)*goodbyeEntrySize:])
	if tail.Hash != GoodbyeTailMarker {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("GOODBYE table missing tail marker"))
	}
	if goodbyeStart < tail.Offset || goodbyeStart-tail.Offset != frame.entryStart {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("GOODBYE tail marker does not resolve to the enclosing ENTRY"))
	}
	for i := 0; i < n-1; i++ {
		e := parseGoodbyeEntry(body[i*goodbyeEntrySize:])
		if e.Offset == 0 || e.Offset > goodbyeStart-frame.entryStart {
			return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("GOODBYE entry %d offset %d out of range", i, e.Offset))
		}
	}
	return nil
}
