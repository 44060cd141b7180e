package pxar

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureVisitor records the document-order sequence of Enter/Leave/
// Symlink/Payload calls so a decode can be asserted against the tree
// that was fed to Encode.
type captureVisitor struct {
	events []string
	t      *testing.T
}

func (c *captureVisitor) Enter(name string, e Entry) error {
	c.events = append(c.events, "enter:"+name)
	return nil
}
func (c *captureVisitor) Leave(name string, e Entry) error {
	c.events = append(c.events, "leave:"+name)
	return nil
}
func (c *captureVisitor) Symlink(target string) error {
	c.events = append(c.events, "symlink:"+target)
	return nil
}
func (c *captureVisitor) Hardlink(path string) error {
	c.events = append(c.events, "hardlink:"+path)
	return nil
}
func (c *captureVisitor) Device(d Device) error { return nil }
func (c *captureVisitor) Xattr(x XattrRecord) error {
	c.events = append(c.events, "xattr:"+x.Name)
	return nil
}
func (c *captureVisitor) ACL(a ACLEntry) error           { return nil }
func (c *captureVisitor) FCaps(data []byte) error        { return nil }
func (c *captureVisitor) QuotaProjID(q QuotaProjID) error { return nil }
func (c *captureVisitor) Payload(r io.Reader, size int64) error {
	buf, err := io.ReadAll(r)
	require.NoError(c.t, err)
	require.Equal(c.t, int64(len(buf)), size)
	c.events = append(c.events, "payload:"+string(buf))
	return nil
}

func sampleTree() *Node {
	return &Node{
		Entry: Entry{Mode: ModeDir | 0755},
		Children: []*Node{
			{
				Name:  "a",
				Entry: Entry{Mode: ModeDir | 0755},
				Children: []*Node{
					{
						Name:    "f",
						Entry:   Entry{Mode: ModeReg | 0644},
						Payload: []byte("X"),
						Xattrs:  []XattrRecord{{Name: "user.tag", Value: []byte("v")}},
					},
					{
						Name:          "l",
						Entry:         Entry{Mode: ModeLnk | 0777},
						SymlinkTarget: "f",
					},
				},
			},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTree()))

	v := &captureVisitor{t: t}
	require.NoError(t, NewDecoder(&buf).Run(v))

	require.Equal(t, []string{
		"enter:",
		"enter:a",
		"enter:f",
		"xattr:user.tag",
		"payload:X",
		"enter:l",
		"symlink:f",
		"leave:a",
		"leave:",
	}, v.events)
}

func TestRandomReaderLookup(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTree()))
	raw := buf.Bytes()

	rr := NewRandomReader(bytes.NewReader(raw), uint64(len(raw)))
	root, err := rr.Root()
	require.NoError(t, err)

	a, err := root.Lookup("a")
	require.NoError(t, err)
	require.True(t, a.Entry.IsDir())

	aDir, err := rr.OpenDir(*a)
	require.NoError(t, err)

	f, err := aDir.Lookup("f")
	require.NoError(t, err)
	require.True(t, f.Entry.IsRegular())

	r, size, err := rr.PayloadReader(*f)
	require.NoError(t, err)
	require.Equal(t, int64(1), size)
	content, err := io.ReadAll(r)
	require.NoError(t, err)
	require.Equal(t, "X", string(content))

	_, err = aDir.Lookup("nonexistent")
	require.Error(t, err)
}

func TestDecoderRejectsBadFilename(t *testing.T) {
	bad := &Node{
		Entry: Entry{Mode: ModeDir | 0755},
		Children: []*Node{
			{Name: "x/y", Entry: Entry{Mode: ModeReg | 0644}, Payload: []byte("z")},
		},
	}
	var buf bytes.Buffer
	// The encoder itself doesn't validate names; the corrupt stream
	// must still be rejected on decode.
	require.NoError(t, Encode(&buf, bad))
	v := &captureVisitor{t: t}
	require.Error(t, NewDecoder(&buf).Run(v))
}

func TestGoodbyeTailMarkerRequired(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Encode(&buf, sampleTree()))
	raw := buf.Bytes()
	// Corrupt the final GOODBYE tail entry's hash field so it no
	// longer equals GoodbyeTailMarker.
	raw[len(raw)-goodbyeEntrySize] ^= 0xFF

	v := &captureVisitor{t: t}
	require.Error(t, NewDecoder(bytes.NewReader(raw)).Run(v))
}
