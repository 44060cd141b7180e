// Package pxar implements the hierarchical directory-archive format
// (spec component C5): a stream of typed, length-prefixed records
// describing a directory tree, with a per-directory GOODBYE tail
// table enabling random access without a full scan.
//
// Record encode/decode follows the teacher's
// compactindexsized.Header.Bytes/Load shape (fixed little-endian
// fields built with encoding/binary into a bytes.Buffer, parsed back
// with explicit offset slicing) applied to a length-prefixed record
// stream instead of a single header page.
package pxar

import (
	"encoding/binary"
	"fmt"

	"github.com/proxmox-backup/datastore/dserrors"
)

// HeaderSize is the width in bytes of the {size, htype} record header
// preceding every record's body.
const HeaderSize = 16

// HType identifies the kind of record that follows a Header.
type HType uint64

const (
	HTypeEntry HType = 0x1396fabcea5bbb51 + iota
	HTypeFilename
	HTypeSymlink
	HTypeHardlink
	HTypeDevice
	HTypePayload
	HTypeXattr
	HTypeACL
	HTypeFCaps
	HTypeQuotaProjID
	HTypeGoodbye
)

func (t HType) String() string {
	switch t {
	case HTypeEntry:
		return "ENTRY"
	case HTypeFilename:
		return "FILENAME"
	case HTypeSymlink:
		return "SYMLINK"
	case HTypeHardlink:
		return "HARDLINK"
	case HTypeDevice:
		return "DEVICE"
	case HTypePayload:
		return "PAYLOAD"
	case HTypeXattr:
		return "XATTR"
	case HTypeACL:
		return "ACL"
	case HTypeFCaps:
		return "FCAPS"
	case HTypeQuotaProjID:
		return "QUOTA_PROJID"
	case HTypeGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("HType(%#x)", uint64(t))
	}
}

// Header precedes every record. Size includes these 16 bytes.
type Header struct {
	Size  uint64
	HType HType
}

func (h Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], h.Size)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.HType))
	return buf
}

func parseHeader(buf []byte) (Header, error) {
	const op = "pxar.parseHeader"
	if len(buf) < HeaderSize {
		return Header{}, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("short header"))
	}
	h := Header{
		Size:  binary.LittleEndian.Uint64(buf[0:8]),
		HType: HType(binary.LittleEndian.Uint64(buf[8:16])),
	}
	if h.Size < HeaderSize {
		return h, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("record size %d smaller than header", h.Size))
	}
	return h, nil
}

// Unix file-type bits, mirrored from the S_IFMT family so this package
// does not need a platform-specific import to interpret a mode field
// coming from an archive (which may have been produced on a different
// machine than it is decoded on).
const (
	ModeFmt    = 0o170000
	ModeDir    = 0o040000
	ModeReg    = 0o100000
	ModeLnk    = 0o120000
	ModeChr    = 0o020000
	ModeBlk    = 0o060000
	ModeFifo   = 0o010000
	ModeSocket = 0o140000
)

// Entry is the ENTRY record: metadata for one filesystem object.
type Entry struct {
	Mode  uint64 // full mode_t, including the S_IFMT type bits
	Flags uint64 // chattr-style feature flags (immutable, append-only, ...)
	UID   uint32
	GID   uint32
	MtimeNanos int64
}

// FileType extracts the S_IFMT bits of Mode.
func (e Entry) FileType() uint64 { return e.Mode & ModeFmt }

func (e Entry) IsDir() bool    { return e.FileType() == ModeDir }
func (e Entry) IsRegular() bool { return e.FileType() == ModeReg }
func (e Entry) IsSymlink() bool { return e.FileType() == ModeLnk }
func (e Entry) IsDevice() bool  { return e.FileType() == ModeChr || e.FileType() == ModeBlk }
func (e Entry) IsFifo() bool    { return e.FileType() == ModeFifo }
func (e Entry) IsSocket() bool  { return e.FileType() == ModeSocket }

const entryBodySize = 8 + 8 + 4 + 4 + 8 // mode+flags+uid+gid+mtime

func (e Entry) bytes() []byte {
	buf := make([]byte, entryBodySize)
	binary.LittleEndian.PutUint64(buf[0:8], e.Mode)
	binary.LittleEndian.PutUint64(buf[8:16], e.Flags)
	binary.LittleEndian.PutUint32(buf[16:20], e.UID)
	binary.LittleEndian.PutUint32(buf[20:24], e.GID)
	binary.LittleEndian.PutUint64(buf[24:32], uint64(e.MtimeNanos))
	return buf
}

func parseEntry(buf []byte) (Entry, error) {
	const op = "pxar.parseEntry"
	if len(buf) < entryBodySize {
		return Entry{}, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("short ENTRY body"))
	}
	return Entry{
		Mode:       binary.LittleEndian.Uint64(buf[0:8]),
		Flags:      binary.LittleEndian.Uint64(buf[8:16]),
		UID:        binary.LittleEndian.Uint32(buf[16:20]),
		GID:        binary.LittleEndian.Uint32(buf[20:24]),
		MtimeNanos: int64(binary.LittleEndian.Uint64(buf[24:32])),
	}, nil
}

// Device is the DEVICE record body: a device node's major/minor numbers.
type Device struct {
	Major uint64
	Minor uint64
}

const deviceBodySize = 16

func (d Device) bytes() []byte {
	buf := make([]byte, deviceBodySize)
	binary.LittleEndian.PutUint64(buf[0:8], d.Major)
	binary.LittleEndian.PutUint64(buf[8:16], d.Minor)
	return buf
}

func parseDevice(buf []byte) (Device, error) {
	const op = "pxar.parseDevice"
	if len(buf) < deviceBodySize {
		return Device{}, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("short DEVICE body"))
	}
	return Device{
		Major: binary.LittleEndian.Uint64(buf[0:8]),
		Minor: binary.LittleEndian.Uint64(buf[8:16]),
	}, nil
}

// ACLKind distinguishes the access/default ACL families.
type ACLKind uint8

const (
	ACLUser ACLKind = iota
	ACLGroup
	ACLGroupObj
	ACLMask
	ACLOther
	ACLDefaultUser
	ACLDefaultGroup
)

// ACLEntry is one entry of an ACL_* record.
type ACLEntry struct {
	Kind        ACLKind
	Qualifier   uint32 // uid or gid, meaningless for GroupObj/Mask/Other
	Permissions uint8  // rwx bits
}

const aclEntrySize = 1 + 4 + 1

// XattrRecord is the XATTR record body: a name/value pair.
type XattrRecord struct {
	Name  string
	Value []byte
}

// QuotaProjID is the QUOTA_PROJID record body.
type QuotaProjID struct {
	ProjID uint32
}

// GoodbyeTailMarker is the reserved hash value identifying the tail
// entry of a GOODBYE table. Its Offset field carries the enclosing
// directory's ENTRY start offset, relative to the start of the
// goodbye table itself.
const GoodbyeTailMarker uint64 = 0xffffffffffffffff

// GoodbyeEntry is one record of a directory's GOODBYE tail table.
type GoodbyeEntry struct {
	Hash   uint64 // FilenameHash(child name), or GoodbyeTailMarker
	Offset uint64 // distance back from the start of this GOODBYE table to the child's FILENAME record
	Size   uint64 // byte length of the child's full record run, from its FILENAME record (through GOODBYE for dirs)
}

const goodbyeEntrySize = 24

func (g GoodbyeEntry) bytes() []byte {
	buf := make([]byte, goodbyeEntrySize)
	binary.LittleEndian.PutUint64(buf[0:8], g.Hash)
	binary.LittleEndian.PutUint64(buf[8:16], g.Offset)
	binary.LittleEndian.PutUint64(buf[16:24], g.Size)
	return buf
}

func parseGoodbyeEntry(buf []byte) GoodbyeEntry {
	return GoodbyeEntry{
		Hash:   binary.LittleEndian.Uint64(buf[0:8]),
		Offset: binary.LittleEndian.Uint64(buf[8:16]),
		Size:   binary.LittleEndian.Uint64(buf[16:24]),
	}
}
