package shield

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math"
	"time"
	"unicode/utf8"
)

// Envelope layout:
//
//	uint16 BE  content-type length n
//	n bytes    content-type (UTF-8)
//	uint16 BE  HTTP status
//	...        body
//
// The body offset is 4+n.

var errBadEnvelope = errors.New("malformed cache envelope")

// CacheKey is the hex SHA-256 of the fully-qualified target URL. It names the
// memory cache entry, the disk envelope and the in-flight registry slot.
func CacheKey(targetURL string) string {
	sum := sha256.Sum256([]byte(targetURL))
	return hex.EncodeToString(sum[:])
}

func encodeEnvelopeHeader(contentType string, status int) ([]byte, error) {
	if len(contentType) > math.MaxUint16 {
		return nil, fmt.Errorf("content type too long (%d bytes)", len(contentType))
	}
	if !utf8.ValidString(contentType) {
		return nil, fmt.Errorf("content type is not valid UTF-8")
	}
	if status < 0 || status > math.MaxUint16 {
		return nil, fmt.Errorf("status %d out of range", status)
	}
	b := make([]byte, 0, 4+len(contentType))
	b = binary.BigEndian.AppendUint16(b, uint16(len(contentType)))
	b = append(b, contentType...)
	b = binary.BigEndian.AppendUint16(b, uint16(status))
	return b, nil
}

// decodeEnvelopeHeader reads the header from r and returns the number of
// bytes consumed, which is the body offset.
func decodeEnvelopeHeader(r io.Reader) (contentType string, status int, offset int64, err error) {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	n := int(binary.BigEndian.Uint16(lenBuf[:]))
	rest := make([]byte, n+2)
	if _, err := io.ReadFull(r, rest); err != nil {
		return "", 0, 0, fmt.Errorf("%w: %v", errBadEnvelope, err)
	}
	if !utf8.Valid(rest[:n]) {
		return "", 0, 0, fmt.Errorf("%w: content type is not UTF-8", errBadEnvelope)
	}
	return string(rest[:n]), int(binary.BigEndian.Uint16(rest[n:])), int64(4 + n), nil
}

// isExpired reports whether an envelope written at written is past ttl.
func isExpired(written, now time.Time, ttl time.Duration) bool {
	return now.Sub(written) >= ttl
}
