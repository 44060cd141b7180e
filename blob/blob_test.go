package blob

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/proxmox-backup/datastore/digest"
)

func TestEncodeDecodeRoundTrip_Uncompressed(t *testing.T) {
	plaintext := []byte("hello world")
	b, err := Encode(plaintext, nil, true)
	require.NoError(t, err)

	framing, err := b.Framing()
	require.NoError(t, err)
	require.Equal(t, Uncompressed, framing, "too small to benefit from zstd")

	require.NoError(t, b.VerifyCRC())

	got, err := Decode(b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncodeDecodeRoundTrip_Compressed(t *testing.T) {
	plaintext := make([]byte, 64*1024)
	for i := range plaintext {
		plaintext[i] = byte(i % 7)
	}
	b, err := Encode(plaintext, nil, true)
	require.NoError(t, err)

	framing, err := b.Framing()
	require.NoError(t, err)
	require.Equal(t, Compressed, framing)

	got, err := Decode(b, nil, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncodeDecodeRoundTrip_Encrypted(t *testing.T) {
	var key digest.Key
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("super secret backup contents")

	b, err := Encode(plaintext, &key, false)
	require.NoError(t, err)
	framing, _ := b.Framing()
	require.Equal(t, Encrypted, framing)

	_, err = Decode(b, nil, nil)
	require.Error(t, err, "decoding without key must fail")

	got, err := Decode(b, &key, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestEncodeDecodeRoundTrip_EncryptedCompressed(t *testing.T) {
	var key digest.Key
	for i := range key {
		key[i] = byte(255 - i)
	}
	plaintext := make([]byte, 32*1024)
	for i := range plaintext {
		plaintext[i] = byte(i % 3)
	}
	b, err := Encode(plaintext, &key, true)
	require.NoError(t, err)
	framing, _ := b.Framing()
	require.Equal(t, EncrCompressed, framing)

	got, err := Decode(b, &key, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDigestMismatchDetected(t *testing.T) {
	plaintext := []byte("chunk contents")
	b, err := Encode(plaintext, nil, false)
	require.NoError(t, err)

	wrong := digest.Compute([]byte("different contents"))
	_, err = Decode(b, nil, &wrong)
	require.Error(t, err)
}

// S1 from spec.md §8: flipping any byte after offset 12 must cause
// VerifyCRC to fail.
func TestCRCDetectsCorruption(t *testing.T) {
	plaintext := []byte("hello world")
	b, err := Encode(plaintext, nil, true)
	require.NoError(t, err)
	require.NoError(t, b.VerifyCRC())

	for offset := HeaderSize; offset < b.Len(); offset++ {
		corrupted := FlipByte(b.Bytes(), offset, 0)
		cb, err := Parse(corrupted)
		require.NoError(t, err)
		require.Error(t, cb.VerifyCRC(), "offset %d", offset)
	}
}

func TestBadMagicRejected(t *testing.T) {
	raw := make([]byte, HeaderSize+4)
	copy(raw, "NOTABLOB")
	_, err := Parse(raw)
	require.Error(t, err)
}

func TestVerifyUnencrypted(t *testing.T) {
	plaintext := []byte("archive payload bytes")
	b, err := Encode(plaintext, nil, false)
	require.NoError(t, err)
	d := digest.Compute(plaintext)
	require.NoError(t, VerifyUnencrypted(b, len(plaintext), d))

	require.Error(t, VerifyUnencrypted(b, len(plaintext)+1, d))
}

func TestVerifyUnencryptedEncryptedAlwaysOk(t *testing.T) {
	var key digest.Key
	b, err := Encode([]byte("secret"), &key, false)
	require.NoError(t, err)
	// Cannot verify length/digest without the key, but CRC still holds.
	require.NoError(t, VerifyUnencrypted(b, 999, digest.Zero))
}

func TestPayloadTooLarge(t *testing.T) {
	_, err := Encode(make([]byte, MaxPayloadSize+1), nil, false)
	require.Error(t, err)
}
