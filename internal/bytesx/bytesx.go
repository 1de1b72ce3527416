// Package bytesx contains small byte-level helpers shared by the wire codec,
// the data-channel cipher plumbing, and the control-message encoder: fixed
// width integer I/O, PKCS7 padding, null-terminated option-string framing,
// and a cheap hex-prefix formatter for debug logging.
package bytesx

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// ErrInvalidPadding is returned by unpadding helpers when the trailing
// padding bytes do not form a valid PKCS7 block.
var ErrInvalidPadding = errors.New("bytesx: invalid PKCS7 padding")

// GenRandomBytes returns n cryptographically random bytes.
func GenRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, fmt.Errorf("bytesx: cannot read random bytes: %w", err)
	}
	return b, nil
}

// PutUint32 writes v as big-endian into dst[0:4]. It panics if dst is too short.
func PutUint32(dst []byte, v uint32) {
	binary.BigEndian.PutUint32(dst, v)
}

// ReadUint32 reads a big-endian uint32 from r.
func ReadUint32(r io.Reader) (uint32, error) {
	var buf [4]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

// WriteUint24 writes the low 24 bits of v as big-endian to w.
func WriteUint24(w io.Writer, v uint32) error {
	buf := [3]byte{byte(v >> 16), byte(v >> 8), byte(v)}
	_, err := w.Write(buf[:])
	return err
}

// BytesPadPKCS7 pads b to a multiple of blockSize using PKCS7 padding.
func BytesPadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if blockSize <= 0 || blockSize > 255 {
		return nil, fmt.Errorf("bytesx: bad block size %d", blockSize)
	}
	padLen := blockSize - (len(b) % blockSize)
	out := make([]byte, len(b)+padLen)
	copy(out, b)
	for i := len(b); i < len(out); i++ {
		out[i] = byte(padLen)
	}
	return out, nil
}

// BytesUnpadPKCS7 removes PKCS7 padding added by [BytesPadPKCS7].
func BytesUnpadPKCS7(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 || len(b)%blockSize != 0 {
		return nil, ErrInvalidPadding
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > blockSize || padLen > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-padLen:] {
		if int(c) != padLen {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-padLen], nil
}

// EncodeOptionStringToBytes encodes s as a NUL-terminated UTF-8 string, the
// framing OpenVPN's key-method-2 message uses for the options string,
// username, password and peer-info blocks.
func EncodeOptionStringToBytes(s string) ([]byte, error) {
	out := make([]byte, len(s)+1)
	copy(out, s)
	out[len(s)] = 0
	return out, nil
}

// DecodeOptionStringFromBytes decodes a NUL-terminated string produced by
// [EncodeOptionStringToBytes]. A missing terminator is tolerated; the whole
// buffer is treated as the string in that case.
func DecodeOptionStringFromBytes(b []byte) (string, error) {
	for i, c := range b {
		if c == 0 {
			return string(b[:i]), nil
		}
	}
	return string(b), nil
}

// HexPrefix renders the first n bytes of b as a hex string, suitable for
// truncated debug logging of otherwise-large buffers.
func HexPrefix(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return hex.EncodeToString(b)
}
