// Package extractor streams a pxar directory archive onto a real
// filesystem tree (spec component C6). It drives pxar.Decoder via the
// pxar.Visitor interface and owns an explicit directory stack rather
// than recursing, so a match-list filter can prune whole subtrees
// without materializing them (spec.md §4.6, §4.9 "dir stack as state
// machine").
//
// No teacher repo in the retrieval pack implements an archive
// extractor, so this package is grounded directly on spec.md §4.6's
// algorithm; its shape (explicit stack of open handles, options
// struct, on-error callback) follows the same handle-plus-options
// style as the teacher's store.Store (store/store.go) and
// kluzzebass-gastrolog's chunk file manager
// (backend/internal/chunk/file/manager.go), the pack's other example
// of a component that owns real filesystem resources across many
// operations.
package extractor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sys/unix"

	"github.com/proxmox-backup/datastore/dserrors"
	"github.com/proxmox-backup/datastore/pxar"
)

var log = logging.Logger("extractor")

// Flags gates materialization of filesystem object kinds that are not
// universally safe or desired to recreate (spec.md §4.6 "feature_flags").
type Flags struct {
	Devices bool
	Fifos   bool
	Sockets bool
	Xattrs  bool
	ACLs    bool
	FCaps   bool
}

// ErrorAction is returned by an OnErrorFunc to decide whether a
// non-fatal error aborts extraction or is skipped.
type ErrorAction int

const (
	ActionAbort ErrorAction = iota
	ActionContinue
)

// OnErrorFunc transforms a non-fatal per-entry error. path is the
// archive-relative path of the entry that failed.
type OnErrorFunc func(path string, err error) ErrorAction

// MatchResult is the outcome of evaluating one path against the
// match list: Include/Exclude force a decision, None inherits the
// enclosing directory's effective state.
type MatchResult int

const (
	MatchNone MatchResult = iota
	MatchInclude
	MatchExclude
)

// Pattern is one entry of the ordered match list (spec.md §4.6
// "match_list"). The first pattern whose Glob matches a path
// (path.Match syntax against the archive-relative, slash-separated
// path) decides that path's MatchResult.
type Pattern struct {
	Glob    string
	Exclude bool
}

// Options configures one Extract call.
type Options struct {
	Flags             Flags
	AllowExistingDirs bool
	Overwrite         bool
	MatchList         []Pattern
	OnError           OnErrorFunc
}

func (o Options) onError(p string, err error) ErrorAction {
	if o.OnError == nil {
		return ActionAbort
	}
	return o.OnError(p, err)
}

// evaluate returns the first pattern's verdict for p, or MatchNone if
// no pattern matches.
func (o Options) evaluate(p string) MatchResult {
	for _, pat := range o.MatchList {
		if ok, _ := path.Match(pat.Glob, p); ok {
			if pat.Exclude {
				return MatchExclude
			}
			return MatchInclude
		}
	}
	return MatchNone
}

func combine(parent, own MatchResult) MatchResult {
	if own != MatchNone {
		return own
	}
	return parent
}

// sparseRunThreshold is the minimum run of zero bytes the payload
// copier seeks over instead of writing, per spec.md §4.6 "sparse
// copier" (the shortest run still cheaper to seek than to zero-fill
// on a typical extent-based filesystem).
const sparseRunThreshold = 4096

// dirState tracks the lazily-materialized lifecycle of a directory
// stack entry (spec.md §4.9).
type dirState int

const (
	dirPending dirState = iota
	dirCreated
)

type dirFrame struct {
	name     string
	archPath string
	fd       int // -1 until created
	entry    pxar.Entry
	state    dirState
	effState MatchResult // this directory's own combined match verdict; inherited default for children
	xattrs   []pxar.XattrRecord
	acl      []pxar.ACLEntry
	fcaps    []byte
	quota    *pxar.QuotaProjID
}

// leafState buffers metadata for a non-directory entry between its
// ENTRY record and the record that actually creates it on disk
// (SYMLINK/HARDLINK/DEVICE/PAYLOAD all arrive after any XATTR/ACL/
// FCAPS/QUOTA_PROJID records the encoder wrote for that entry).
type leafState struct {
	name     string
	archPath string
	entry    pxar.Entry
	effState MatchResult
	xattrs   []pxar.XattrRecord
	acl      []pxar.ACLEntry
	fcaps    []byte
	quota    *pxar.QuotaProjID
}

// Extractor implements pxar.Visitor, materializing a stream onto destRoot.
type Extractor struct {
	destRoot     string
	opts         Options
	stack        []*dirFrame
	leaf         *leafState
	rootFd       int
	currentPath  string
	socketWarned bool
}

// Extract decodes the pxar stream r onto destRoot, creating destRoot
// (mode 0700) if it does not already exist.
func Extract(destRoot string, r io.Reader, opts Options) error {
	e := &Extractor{destRoot: destRoot, opts: opts, rootFd: -1}
	d := pxar.NewDecoder(r)
	err := d.Run(e)
	if e.rootFd >= 0 {
		_ = unix.Close(e.rootFd)
	}
	return err
}

func (e *Extractor) abortOr(archPath string, err error) error {
	if e.opts.onError(archPath, err) == ActionContinue {
		log.Warnf("extractor: continuing past error at %q: %v", archPath, err)
		return nil
	}
	return err
}

// isFatalIO reports destination I/O errors (ENOSPC, EROFS, EIO) that
// are always fatal regardless of OnError (spec.md §4.6 "Cancellation").
func isFatalIO(err error) bool {
	return errors.Is(err, unix.ENOSPC) || errors.Is(err, unix.EROFS) || errors.Is(err, unix.EIO)
}

// parentFd returns the directory fd new entries at the current stack
// depth should be created relative to, materializing any pending
// ancestor directories first.
func (e *Extractor) parentFd() (int, error) {
	if len(e.stack) == 0 {
		return e.rootFd, nil
	}
	top := e.stack[len(e.stack)-1]
	if err := e.ensureMaterialized(top); err != nil {
		return -1, err
	}
	return top.fd, nil
}

// ensureMaterialized creates f's directory (and any pending ancestors)
// if it has not already been created. This is what lets a deeply
// nested Include pattern retroactively create ancestor directories an
// Exclude verdict left pending (spec.md §4.9).
func (e *Extractor) ensureMaterialized(f *dirFrame) error {
	if f.state == dirCreated {
		return nil
	}
	idx := -1
	for i, sf := range e.stack {
		if sf == f {
			idx = i
			break
		}
	}
	var parentFd int
	if idx <= 0 {
		parentFd = e.rootFd
	} else {
		if err := e.ensureMaterialized(e.stack[idx-1]); err != nil {
			return err
		}
		parentFd = e.stack[idx-1].fd
	}
	return e.mkdirAndOpen(f, parentFd)
}

func (e *Extractor) mkdirAndOpen(f *dirFrame, parentFd int) error {
	const op = "extractor.mkdirAndOpen"
	err := unix.Mkdirat(parentFd, f.name, 0700)
	if err != nil {
		if !errors.Is(err, unix.EEXIST) {
			return dserrors.New(dserrors.KindIO, op, err)
		}
		if !e.opts.AllowExistingDirs {
			return dserrors.New(dserrors.KindPolicy, op, fmt.Errorf("%s: directory already exists", f.archPath))
		}
	}
	fd, err := unix.Openat(parentFd, f.name, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	f.fd = fd
	f.state = dirCreated
	return nil
}

// --- pxar.Visitor ---

func (e *Extractor) Enter(name string, entry pxar.Entry) error {
	const op = "extractor.Enter"
	if err := e.finalizeLeaf(); err != nil {
		return err
	}
	if name != "" && (strings.ContainsRune(name, '/') || strings.ContainsRune(name, 0)) {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("invalid filename %q", name))
	}

	var archPath string
	if len(e.stack) == 0 {
		archPath = "."
	} else {
		archPath = path.Join(e.stack[len(e.stack)-1].archPath, name)
	}
	e.currentPath = archPath

	parentEff := MatchInclude
	if len(e.stack) > 0 {
		parentEff = e.stack[len(e.stack)-1].effState
	}
	eff := combine(parentEff, e.opts.evaluate(archPath))
	if len(e.stack) == 0 {
		eff = MatchInclude // root is always kept
	}

	if entry.IsDir() {
		f := &dirFrame{name: name, archPath: archPath, fd: -1, entry: entry, state: dirPending, effState: eff}
		if len(e.stack) == 0 {
			if err := os.MkdirAll(e.destRoot, 0700); err != nil {
				return dserrors.New(dserrors.KindIO, op, err)
			}
			fd, err := unix.Open(e.destRoot, unix.O_DIRECTORY|unix.O_RDONLY|unix.O_CLOEXEC, 0)
			if err != nil {
				return dserrors.New(dserrors.KindIO, op, err)
			}
			f.fd = fd
			f.state = dirCreated
			e.rootFd = fd
		} else if eff != MatchExclude {
			if err := e.ensureMaterialized(f); err != nil {
				if isFatalIO(err) {
					return err
				}
				if aerr := e.abortOr(archPath, err); aerr != nil {
					return aerr
				}
			}
		}
		e.stack = append(e.stack, f)
		return nil
	}

	e.leaf = &leafState{name: name, archPath: archPath, entry: entry, effState: eff}
	return nil
}

func (e *Extractor) Leave(name string, entry pxar.Entry) error {
	if err := e.finalizeLeaf(); err != nil {
		return err
	}
	if len(e.stack) == 0 {
		return dserrors.New(dserrors.KindFormat, "extractor.Leave", fmt.Errorf("unbalanced GOODBYE"))
	}
	f := e.stack[len(e.stack)-1]
	e.stack = e.stack[:len(e.stack)-1]
	if f.state != dirCreated {
		return nil
	}
	if err := e.applyDirMetadata(f); err != nil {
		if isFatalIO(err) {
			return err
		}
		if aerr := e.abortOr(f.archPath, err); aerr != nil {
			return aerr
		}
	}
	if len(e.stack) > 0 {
		return unix.Close(f.fd)
	}
	return nil // keep rootFd open for the duration of the whole extraction
}

func (e *Extractor) Symlink(target string) error {
	const op = "extractor.Symlink"
	l := e.leaf
	e.leaf = nil
	if l == nil {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("SYMLINK without preceding ENTRY"))
	}
	if len(target) > pxar.PathMax {
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("symlink target too long")))
	}
	if l.effState == MatchExclude {
		return nil
	}
	parentFd, err := e.parentFd()
	if err != nil {
		return err
	}
	if err := unix.Symlinkat(target, parentFd, l.name); err != nil {
		if errors.Is(err, unix.EEXIST) && e.opts.Overwrite {
			_ = unix.Unlinkat(parentFd, l.name, 0)
			err = unix.Symlinkat(target, parentFd, l.name)
		}
		if err != nil {
			if isFatalIO(err) {
				return dserrors.New(dserrors.KindIO, op, err)
			}
			return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, err))
		}
	}
	_ = unix.Fchownat(parentFd, l.name, int(l.entry.UID), int(l.entry.GID), unix.AT_SYMLINK_NOFOLLOW)
	return nil
}

func (e *Extractor) Hardlink(target string) error {
	const op = "extractor.Hardlink"
	l := e.leaf
	e.leaf = nil
	if l == nil {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("HARDLINK without preceding ENTRY"))
	}
	if strings.HasPrefix(target, "/") {
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("hardlink target %q is not relative", target)))
	}
	if l.effState == MatchExclude {
		return nil
	}
	parentFd, err := e.parentFd()
	if err != nil {
		return err
	}
	if err := unix.Linkat(e.rootFd, target, parentFd, l.name, 0); err != nil {
		if isFatalIO(err) {
			return dserrors.New(dserrors.KindIO, op, err)
		}
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, err))
	}
	return nil
}

func (e *Extractor) Device(d pxar.Device) error {
	const op = "extractor.Device"
	l := e.leaf
	e.leaf = nil
	if l == nil {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("DEVICE without preceding ENTRY"))
	}
	if l.effState == MatchExclude || !e.opts.Flags.Devices {
		return nil
	}
	parentFd, err := e.parentFd()
	if err != nil {
		return err
	}
	mode := uint32(l.entry.Mode & (unix.S_IFMT | 0o7777))
	dev := int(unix.Mkdev(uint32(d.Major), uint32(d.Minor)))
	if err := unix.Mknodat(parentFd, l.name, mode, dev); err != nil {
		if errors.Is(err, unix.EEXIST) && e.opts.Overwrite {
			_ = unix.Unlinkat(parentFd, l.name, 0)
			err = unix.Mknodat(parentFd, l.name, mode, dev)
		}
		if err != nil {
			if isFatalIO(err) {
				return dserrors.New(dserrors.KindIO, op, err)
			}
			return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, err))
		}
	}
	e.applyLeafMetadataByPath(parentFd, l)
	return nil
}

// finalizeLeaf materializes a pending FIFO or socket entry. FIFO and
// socket entries carry no terminal record of their own (spec.md §4.5:
// the encoder writes only ENTRY plus metadata for them, unlike
// SYMLINK/HARDLINK/DEVICE/PAYLOAD), so no dedicated Visitor method
// ever fires for them. Enter and Leave both call this before doing
// anything else, so a fifo/socket leaf is flushed the moment the next
// record makes clear none of those dedicated records is coming —
// whether that next record is a sibling's ENTRY or the enclosing
// directory's GOODBYE.
func (e *Extractor) finalizeLeaf() error {
	const op = "extractor.finalizeLeaf"
	l := e.leaf
	if l == nil {
		return nil
	}
	e.leaf = nil

	var typeBits uint32
	switch {
	case l.entry.IsFifo():
		if !e.opts.Flags.Fifos {
			return nil
		}
		typeBits = unix.S_IFIFO
	case l.entry.IsSocket():
		if !e.opts.Flags.Sockets {
			if !e.socketWarned {
				e.socketWarned = true
				log.Infof("extractor: skipping SOCKET entry %q (Flags.Sockets disabled)", l.archPath)
			}
			return nil
		}
		typeBits = unix.S_IFSOCK
	default:
		return nil
	}
	if l.effState == MatchExclude {
		return nil
	}

	parentFd, err := e.parentFd()
	if err != nil {
		return err
	}
	mode := typeBits | uint32(l.entry.Mode&0o7777)
	if err := unix.Mknodat(parentFd, l.name, mode, 0); err != nil {
		if errors.Is(err, unix.EEXIST) && e.opts.Overwrite {
			_ = unix.Unlinkat(parentFd, l.name, 0)
			err = unix.Mknodat(parentFd, l.name, mode, 0)
		}
		if err != nil {
			if isFatalIO(err) {
				return dserrors.New(dserrors.KindIO, op, err)
			}
			return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, err))
		}
	}
	e.applyLeafMetadataByPath(parentFd, l)
	return nil
}

func (e *Extractor) Xattr(x pxar.XattrRecord) error {
	if e.leaf != nil {
		e.leaf.xattrs = append(e.leaf.xattrs, x)
	} else if len(e.stack) > 0 {
		f := e.stack[len(e.stack)-1]
		f.xattrs = append(f.xattrs, x)
	}
	return nil
}

func (e *Extractor) ACL(a pxar.ACLEntry) error {
	if e.leaf != nil {
		e.leaf.acl = append(e.leaf.acl, a)
	} else if len(e.stack) > 0 {
		f := e.stack[len(e.stack)-1]
		f.acl = append(f.acl, a)
	}
	return nil
}

func (e *Extractor) FCaps(data []byte) error {
	cp := append([]byte(nil), data...)
	if e.leaf != nil {
		e.leaf.fcaps = cp
	} else if len(e.stack) > 0 {
		e.stack[len(e.stack)-1].fcaps = cp
	}
	return nil
}

func (e *Extractor) QuotaProjID(q pxar.QuotaProjID) error {
	qq := q
	if e.leaf != nil {
		e.leaf.quota = &qq
	} else if len(e.stack) > 0 {
		e.stack[len(e.stack)-1].quota = &qq
	}
	return nil
}

// Payload streams a regular file's content. FIFO and socket entries
// carry no PAYLOAD record, so the decoder never calls Payload for
// them; finalizeLeaf creates those nodes.
func (e *Extractor) Payload(r io.Reader, size int64) error {
	const op = "extractor.Payload"
	l := e.leaf
	e.leaf = nil
	if l == nil {
		return dserrors.New(dserrors.KindFormat, op, fmt.Errorf("PAYLOAD without preceding ENTRY"))
	}
	if l.effState == MatchExclude {
		return nil
	}

	parentFd, err := e.parentFd()
	if err != nil {
		return err
	}

	flags := unix.O_CREAT | unix.O_WRONLY | unix.O_CLOEXEC
	if e.opts.Overwrite {
		flags |= unix.O_TRUNC
	} else {
		flags |= unix.O_EXCL
	}
	fd, err := unix.Openat(parentFd, l.name, flags, 0600)
	if err != nil {
		if isFatalIO(err) {
			return dserrors.New(dserrors.KindIO, op, err)
		}
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, err))
	}
	f := os.NewFile(uintptr(fd), l.archPath)

	written, hole, cerr := sparseCopy(f, r, size)
	if cerr != nil {
		f.Close()
		if isFatalIO(cerr) {
			return dserrors.New(dserrors.KindIO, op, cerr)
		}
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindIO, op, cerr))
	}
	if written != size {
		f.Close()
		return e.abortOr(l.archPath, dserrors.New(dserrors.KindIntegrity, op, fmt.Errorf("wrote %d bytes, want %d", written, size)))
	}
	if hole {
		if err := f.Truncate(size); err != nil {
			f.Close()
			return dserrors.New(dserrors.KindIO, op, err)
		}
	}
	e.applyLeafMetadataFd(int(f.Fd()), l)
	return f.Close()
}

func (e *Extractor) applyLeafMetadataFd(fd int, l *leafState) {
	_ = unix.Fchmod(fd, uint32(l.entry.Mode&0o7777))
	_ = unix.Fchown(fd, int(l.entry.UID), int(l.entry.GID))
	ts := unix.NsecToTimespec(l.entry.MtimeNanos)
	_ = futimens(fd, []unix.Timespec{ts, ts})
	if e.opts.Flags.Xattrs {
		for _, x := range l.xattrs {
			_ = unix.Fsetxattr(fd, x.Name, x.Value, 0)
		}
	}
	if e.opts.Flags.FCaps && len(l.fcaps) > 0 {
		_ = unix.Fsetxattr(fd, "security.capability", l.fcaps, 0)
	}
	if e.opts.Flags.ACLs && len(l.acl) > 0 {
		applyACL(fd, l.acl)
	}
}

func (e *Extractor) applyLeafMetadataByPath(parentFd int, l *leafState) {
	_ = unix.Fchmodat(parentFd, l.name, uint32(l.entry.Mode&0o7777), 0)
	_ = unix.Fchownat(parentFd, l.name, int(l.entry.UID), int(l.entry.GID), 0)
	ts := unix.NsecToTimespec(l.entry.MtimeNanos)
	_ = unix.UtimesNanoAt(parentFd, l.name, []unix.Timespec{ts, ts}, 0)
}

func (e *Extractor) applyDirMetadata(f *dirFrame) error {
	const op = "extractor.applyDirMetadata"
	if err := unix.Fchmod(f.fd, uint32(f.entry.Mode&0o7777)); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	if err := unix.Fchown(f.fd, int(f.entry.UID), int(f.entry.GID)); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	ts := unix.NsecToTimespec(f.entry.MtimeNanos)
	if err := futimens(f.fd, []unix.Timespec{ts, ts}); err != nil {
		return dserrors.New(dserrors.KindIO, op, err)
	}
	if e.opts.Flags.Xattrs {
		for _, x := range f.xattrs {
			_ = unix.Fsetxattr(f.fd, x.Name, x.Value, 0)
		}
	}
	if e.opts.Flags.FCaps && len(f.fcaps) > 0 {
		_ = unix.Fsetxattr(f.fd, "security.capability", f.fcaps, 0)
	}
	if e.opts.Flags.ACLs && len(f.acl) > 0 {
		applyACL(f.fd, f.acl)
	}
	return nil
}

// futimens is not directly exposed by x/sys/unix on every arch; the
// AT_EMPTY_PATH-less UtimesNanoAt against /proc/self/fd is the
// portable way to set times on an already-open fd without a path.
func futimens(fd int, ts []unix.Timespec) error {
	return unix.UtimesNanoAt(unix.AT_FDCWD, fmt.Sprintf("/proc/self/fd/%d", fd), ts, 0)
}

// posix ACL tag values, from <sys/acl.h>.
const (
	aclUserObj  = 0x01
	aclUser     = 0x02
	aclGroupObj = 0x04
	aclGroup    = 0x08
	aclMask     = 0x10
	aclOther    = 0x20
)

func aclTag(k pxar.ACLKind) uint16 {
	switch k {
	case pxar.ACLUser:
		return aclUser
	case pxar.ACLGroup:
		return aclGroup
	case pxar.ACLGroupObj:
		return aclGroupObj
	case pxar.ACLMask:
		return aclMask
	case pxar.ACLOther:
		return aclOther
	default:
		return aclUserObj
	}
}

// applyACL encodes entries into the kernel's POSIX ACL xattr binary
// format (version u32 LE, then one {tag u16, perm u16, id u32} record
// per entry) and sets it as system.posix_acl_access. Best-effort: a
// failure here is not treated as fatal, matching the spec's framing
// of ACL restoration as gated, optional metadata.
func applyACL(fd int, entries []pxar.ACLEntry) {
	var buf bytes.Buffer
	binary.Write(&buf, binary.LittleEndian, uint32(2))
	for _, a := range entries {
		binary.Write(&buf, binary.LittleEndian, aclTag(a.Kind))
		binary.Write(&buf, binary.LittleEndian, uint16(a.Permissions))
		binary.Write(&buf, binary.LittleEndian, a.Qualifier)
	}
	_ = unix.Fsetxattr(fd, "system.posix_acl_access", buf.Bytes(), 0)
}

type seekWriter interface {
	io.Writer
	Seek(offset int64, whence int) (int64, error)
}

// sparseCopy streams r (bounded to size bytes) into f, seeking over
// runs of at least sparseRunThreshold zero bytes instead of writing
// them. It reports the number of logical bytes consumed and whether
// the file's final region was left as an unwritten hole (requiring
// the caller to truncate up to size).
func sparseCopy(f seekWriter, r io.Reader, size int64) (written int64, hole bool, err error) {
	buf := make([]byte, 256*1024)
	var pos int64
	for pos < size {
		toRead := int64(len(buf))
		if remain := size - pos; remain < toRead {
			toRead = remain
		}
		n, rerr := io.ReadFull(r, buf[:toRead])
		if n > 0 {
			if werr := writeSparseChunk(f, buf[:n], &pos, &hole); werr != nil {
				return pos, hole, werr
			}
		}
		if rerr != nil && rerr != io.EOF && rerr != io.ErrUnexpectedEOF {
			return pos, hole, rerr
		}
		if n == 0 {
			break
		}
	}
	return pos, hole, nil
}

// writeSparseChunk scans chunk for runs of zero bytes at least
// sparseRunThreshold long, seeking over each such run and writing
// every other byte (including short zero runs, left as real zero
// bytes rather than holes) verbatim.
func writeSparseChunk(f seekWriter, chunk []byte, pos *int64, hole *bool) error {
	i := 0
	for i < len(chunk) {
		if chunk[i] == 0 {
			j := i
			for j < len(chunk) && chunk[j] == 0 {
				j++
			}
			if j-i >= sparseRunThreshold {
				if _, err := f.Seek(int64(j-i), io.SeekCurrent); err != nil {
					return err
				}
				*pos += int64(j - i)
				*hole = true
				i = j
				continue
			}
		}
		// Accumulate a span of non-hole bytes (short zero runs included).
		j := i
		for j < len(chunk) {
			if chunk[j] == 0 {
				k := j
				for k < len(chunk) && chunk[k] == 0 {
					k++
				}
				if k-j >= sparseRunThreshold {
					break
				}
			}
			j++
		}
		if _, err := f.Write(chunk[i:j]); err != nil {
			return err
		}
		*pos += int64(j - i)
		*hole = false
		i = j
	}
	return nil
}
