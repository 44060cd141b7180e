// Package blob implements the DataBlob envelope (spec component C1):
// a framed, CRC-protected, optionally compressed and encrypted byte
// container. Every chunk, manifest, and small inline file on disk is
// a DataBlob.
//
// Framing layout (little-endian):
//
//	UNCOMPRESSED_BLOB:    magic(8) crc32(4) raw_bytes
//	COMPRESSED_BLOB:      magic(8) crc32(4) zstd_stream
//	ENCRYPTED_BLOB:       magic(8) crc32(4) iv(16) tag(16) ciphertext
//	ENCR_COMPR_BLOB:      magic(8) crc32(4) iv(16) tag(16) aead(zstd_stream)
//
// crc32 covers everything after the first 12 bytes of the blob.
package blob

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/klauspost/compress/zstd"

	"github.com/proxmox-backup/datastore/dserrors"
	"github.com/proxmox-backup/datastore/digest"
)

// Framing identifies which of the four envelope layouts a blob uses.
type Framing uint8

const (
	Uncompressed Framing = iota
	Compressed
	Encrypted
	EncrCompressed
)

func (f Framing) String() string {
	switch f {
	case Uncompressed:
		return "uncompressed"
	case Compressed:
		return "compressed"
	case Encrypted:
		return "encrypted"
	case EncrCompressed:
		return "encr-compressed"
	default:
		return "unknown"
	}
}

// MagicSize is the width in bytes of the framing magic.
const MagicSize = 8

var (
	MagicUncompressed = [MagicSize]byte{'P', 'B', 'S', 'D', 'U', 'N', 'C', '1'}
	MagicCompressed   = [MagicSize]byte{'P', 'B', 'S', 'D', 'Z', 'S', 'T', '1'}
	MagicEncrypted    = [MagicSize]byte{'P', 'B', 'S', 'D', 'E', 'N', 'C', '1'}
	MagicEncrCompr    = [MagicSize]byte{'P', 'B', 'S', 'D', 'E', 'C', 'Z', '1'}
)

const (
	crcSize = 4
	// HeaderSize is the number of bytes preceding the CRC-covered region.
	HeaderSize = MagicSize + crcSize
	ivSize     = 16
	tagSize    = 16
	// MaxPayloadSize bounds the plaintext payload size of a single blob.
	MaxPayloadSize = 128 << 20 // 128 MiB
)

func magicFor(f Framing) [MagicSize]byte {
	switch f {
	case Uncompressed:
		return MagicUncompressed
	case Compressed:
		return MagicCompressed
	case Encrypted:
		return MagicEncrypted
	case EncrCompressed:
		return MagicEncrCompr
	default:
		panic("blob: unknown framing")
	}
}

func framingFor(magic [MagicSize]byte) (Framing, bool) {
	switch magic {
	case MagicUncompressed:
		return Uncompressed, true
	case MagicCompressed:
		return Compressed, true
	case MagicEncrypted:
		return Encrypted, true
	case MagicEncrCompr:
		return EncrCompressed, true
	default:
		return 0, false
	}
}

// Blob is an opaque, framed byte container. The zero value is invalid;
// construct one with Encode or Parse.
type Blob struct {
	raw []byte
}

// Bytes returns the full encoded blob, suitable for writing to disk.
func (b *Blob) Bytes() []byte { return b.raw }

// Len returns the encoded size in bytes.
func (b *Blob) Len() int { return len(b.raw) }

// Framing reports the envelope framing without validating anything else.
func (b *Blob) Framing() (Framing, error) {
	if len(b.raw) < HeaderSize {
		return 0, dserrors.New(dserrors.KindFormat, "blob.Framing", fmt.Errorf("blob too short: %d bytes", len(b.raw)))
	}
	var magic [MagicSize]byte
	copy(magic[:], b.raw[:MagicSize])
	f, ok := framingFor(magic)
	if !ok {
		return 0, dserrors.New(dserrors.KindFormat, "blob.Framing", fmt.Errorf("bad magic %x", magic))
	}
	return f, nil
}

// Parse wraps a byte slice read from disk as a Blob without validating
// its contents. Call VerifyCRC/Decode to validate.
func Parse(raw []byte) (*Blob, error) {
	b := &Blob{raw: raw}
	if _, err := b.Framing(); err != nil {
		return nil, err
	}
	return b, nil
}

func crcOf(raw []byte) uint32 {
	return crc32.ChecksumIEEE(raw[HeaderSize:])
}

// VerifyCRC validates the CRC independent of decoding, decryption, or
// decompression. It is always safe to call, even without a key.
func (b *Blob) VerifyCRC() error {
	if len(b.raw) < HeaderSize {
		return dserrors.New(dserrors.KindFormat, "blob.VerifyCRC", fmt.Errorf("blob too short: %d bytes", len(b.raw)))
	}
	if _, err := b.Framing(); err != nil {
		return err
	}
	want := binLE32(b.raw[MagicSize:HeaderSize])
	got := crcOf(b.raw)
	if want != got {
		return dserrors.New(dserrors.KindIntegrity, "blob.VerifyCRC", fmt.Errorf("crc mismatch: header %08x, computed %08x", want, got))
	}
	return nil
}

func binLE32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLE32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

var zstdEncoderLevel1 = mustZstdEncoder()

func mustZstdEncoder() *zstd.Encoder {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		panic(err)
	}
	return enc
}

func zstdCompress(plaintext []byte) []byte {
	return zstdEncoderLevel1.EncodeAll(plaintext, make([]byte, 0, len(plaintext)))
}

func zstdDecompress(compressed []byte, hint int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	out, err := dec.DecodeAll(compressed, make([]byte, 0, hint))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Encode builds a DataBlob from plaintext.
//
// If key is non-nil, the blob is encrypted: plaintext is first
// optionally compressed (if compress is set), then sealed with
// AES-256-GCM using a random 16-byte IV. If key is nil and compress is
// set, zstd compression is attempted and kept only if the compressed
// form (including header) is smaller than the uncompressed form.
func Encode(plaintext []byte, key *digest.Key, compress bool) (*Blob, error) {
	const op = "blob.Encode"
	if len(plaintext) > MaxPayloadSize {
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("payload %d bytes exceeds max %d", len(plaintext), MaxPayloadSize))
	}

	if key != nil {
		inner := plaintext
		framing := Encrypted
		if compress {
			inner = zstdCompress(plaintext)
			framing = EncrCompressed
		}
		iv := make([]byte, ivSize)
		if _, err := io.ReadFull(rand.Reader, iv); err != nil {
			return nil, dserrors.New(dserrors.KindIO, op, err)
		}
		ciphertext, tag, err := aeadSeal(*key, iv, inner)
		if err != nil {
			return nil, dserrors.New(dserrors.KindCrypto, op, err)
		}
		raw := make([]byte, HeaderSize+ivSize+tagSize+len(ciphertext))
		magic := magicFor(framing)
		copy(raw[:MagicSize], magic[:])
		copy(raw[HeaderSize:HeaderSize+ivSize], iv)
		copy(raw[HeaderSize+ivSize:HeaderSize+ivSize+tagSize], tag)
		copy(raw[HeaderSize+ivSize+tagSize:], ciphertext)
		putLE32(raw[MagicSize:HeaderSize], crcOf(raw))
		return &Blob{raw: raw}, nil
	}

	framing := Uncompressed
	payload := plaintext
	if compress {
		compressed := zstdCompress(plaintext)
		if len(compressed)+HeaderSize < len(plaintext)+HeaderSize {
			framing = Compressed
			payload = compressed
		}
	}
	raw := make([]byte, HeaderSize+len(payload))
	magic := magicFor(framing)
	copy(raw[:MagicSize], magic[:])
	copy(raw[HeaderSize:], payload)
	putLE32(raw[MagicSize:HeaderSize], crcOf(raw))
	return &Blob{raw: raw}, nil
}

// Decode validates and returns the plaintext contained in b.
//
// Ordering (matches spec.md §4.1): CRC first, then magic dispatch
// (already done by VerifyCRC/Framing), then AEAD open, then optional
// decompression, then digest check if expectedDigest is non-nil.
func Decode(b *Blob, key *digest.Key, expectedDigest *digest.Digest) ([]byte, error) {
	const op = "blob.Decode"
	if err := b.VerifyCRC(); err != nil {
		return nil, err
	}
	framing, _ := b.Framing()

	var plaintext []byte
	switch framing {
	case Uncompressed:
		plaintext = append([]byte(nil), b.raw[HeaderSize:]...)
	case Compressed:
		out, err := zstdDecompress(b.raw[HeaderSize:], 0)
		if err != nil {
			return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("zstd decode: %w", err))
		}
		plaintext = out
	case Encrypted, EncrCompressed:
		if key == nil {
			return nil, dserrors.New(dserrors.KindCrypto, op, fmt.Errorf("missing key for %s blob", framing))
		}
		body := b.raw[HeaderSize:]
		if len(body) < ivSize+tagSize {
			return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("encrypted blob too short"))
		}
		iv := body[:ivSize]
		tag := body[ivSize : ivSize+tagSize]
		ciphertext := body[ivSize+tagSize:]
		inner, err := aeadOpen(*key, iv, tag, ciphertext)
		if err != nil {
			return nil, dserrors.New(dserrors.KindCrypto, op, fmt.Errorf("decrypt failed: %w", err))
		}
		if framing == EncrCompressed {
			out, err := zstdDecompress(inner, 0)
			if err != nil {
				return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("zstd decode: %w", err))
			}
			plaintext = out
		} else {
			plaintext = inner
		}
	default:
		return nil, dserrors.New(dserrors.KindFormat, op, fmt.Errorf("unhandled framing %v", framing))
	}

	if expectedDigest != nil {
		var got digest.Digest
		if key != nil && (framing == Encrypted || framing == EncrCompressed) {
			got = digest.ComputeKeyed(plaintext, *key)
		} else {
			got = digest.Compute(plaintext)
		}
		if got != *expectedDigest {
			return nil, dserrors.New(dserrors.KindIntegrity, op, fmt.Errorf("digest mismatch: want %s, got %s", expectedDigest, got))
		}
	}
	return plaintext, nil
}

// VerifyUnencrypted decompresses (if needed) an unencrypted blob and
// checks its plaintext length and digest. For encrypted framings it
// returns success unconditionally: without the key, content cannot be
// verified, only the CRC (already checked) protects it.
func VerifyUnencrypted(b *Blob, expectedLen int, expectedDigest digest.Digest) error {
	const op = "blob.VerifyUnencrypted"
	if err := b.VerifyCRC(); err != nil {
		return err
	}
	framing, _ := b.Framing()
	if framing == Encrypted || framing == EncrCompressed {
		return nil
	}
	plaintext, err := Decode(b, nil, nil)
	if err != nil {
		return err
	}
	if len(plaintext) != expectedLen {
		return dserrors.New(dserrors.KindIntegrity, op, fmt.Errorf("length mismatch: want %d, got %d", expectedLen, len(plaintext)))
	}
	got := digest.Compute(plaintext)
	if got != expectedDigest {
		return dserrors.New(dserrors.KindIntegrity, op, fmt.Errorf("digest mismatch: want %s, got %s", expectedDigest, got))
	}
	return nil
}

func aeadSeal(key digest.Key, iv, plaintext []byte) (ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	// Go's GCM appends the tag to the ciphertext; split it into the
	// blob's separate iv/tag/ciphertext layout.
	n := len(sealed) - tagSize
	return sealed[:n], sealed[n:], nil
}

func aeadOpen(key digest.Key, iv, tag, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivSize)
	if err != nil {
		return nil, err
	}
	sealed := append(append([]byte(nil), ciphertext...), tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

// FlipByte returns a copy of raw with the bit at (byteOffset, bit)
// flipped, a helper used by property-based tests that assert CRC
// detects any single-bit corruption after the header.
func FlipByte(raw []byte, byteOffset int, bit uint) []byte {
	out := append([]byte(nil), raw...)
	out[byteOffset] ^= 1 << bit
	return out
}
