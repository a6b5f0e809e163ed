package shield

import (
	"errors"
	"fmt"
	"io"
)

// ErrBodyTooLarge is returned when an upstream body exceeds the size cap.
var ErrBodyTooLarge = errors.New("response body too large")

// limitedReader fails with ErrBodyTooLarge once more than limit bytes are
// available from r. The first read error is kept so callers can tell an
// upstream failure from a failure on the write side of a copy.
type limitedReader struct {
	r         io.Reader
	remaining int64
	limit     int64
	err       error
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit, limit: limit}
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.err != nil {
		return 0, l.err
	}
	if l.remaining <= 0 {
		// probe for one more byte to tell "exactly limit" from "over limit"
		var probe [1]byte
		n, err := l.r.Read(probe[:])
		if n > 0 {
			l.err = fmt.Errorf("%w: exceeded limit of %d bytes", ErrBodyTooLarge, l.limit)
			return 0, l.err
		}
		if err == nil {
			return 0, nil
		}
		if err != io.EOF {
			l.err = err
		}
		return 0, err
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if err != nil && err != io.EOF {
		l.err = err
	}
	return n, err
}
