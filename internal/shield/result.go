package shield

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Refusal is a fetch outcome that carries no body: a policy refusal, an
// upstream failure or an internal error. It flows through the same
// coalescing and caching pipeline as a successful fetch.
type Refusal struct {
	Status  int
	Message string
}

func (e *Refusal) Error() string {
	return fmt.Sprintf("%d %s", e.Status, e.Message)
}

var (
	refuseLocalAddress = &Refusal{Status: http.StatusForbidden, Message: "Cowardly refusing to connect to a local address"}
	refuseLookup       = &Refusal{Status: http.StatusBadGateway, Message: "Address lookup failed"}
	refuseRequest      = &Refusal{Status: http.StatusBadGateway, Message: "Request failed"}
	refuseTooLarge     = &Refusal{Status: 509, Message: "Response body is too large"}
	refuseInternal     = &Refusal{Status: http.StatusInternalServerError, Message: "Internal server error"}
)

// refusalOf extracts the refusal carried by err, mapping anything else to an
// upstream request failure.
func refusalOf(err error) *Refusal {
	var rf *Refusal
	if errors.As(err, &rf) {
		return rf
	}
	if errors.Is(err, ErrBodyTooLarge) {
		return refuseTooLarge
	}
	return refuseRequest
}

// BodySource yields independent readers over a cached body so that every
// waiter on a coalesced fetch can stream it concurrently.
type BodySource interface {
	Open() (io.ReadCloser, error)
	Size() int64
	// Available reports whether the body can still be opened. A pruned or
	// replaced disk file is no longer available.
	Available() bool
}

// Result is the immutable outcome of one fetch. Exactly one of Body and
// Message is set.
type Result struct {
	Body        BodySource
	ContentType string
	Status      int
	Cached      bool
	Message     string
}

func refusedResult(rf *Refusal) Result {
	return Result{Status: rf.Status, Message: rf.Message}
}

// WithCached returns a copy of r marked as served from cache.
func (r Result) WithCached() Result {
	r.Cached = true
	return r
}

func (r Result) HasBody() bool { return r.Body != nil }

func (r Result) isRedirect() bool {
	return r.Body == nil && isRedirectStatus(r.Status)
}

func isRedirectStatus(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// fileBody is a body stored in an envelope file after a header of offset
// bytes. modTime pins the exact file version the header was decoded from.
type fileBody struct {
	path    string
	offset  int64
	size    int64
	modTime time.Time
	expiry  time.Duration
}

func (b fileBody) Open() (io.ReadCloser, error) {
	f, err := os.Open(b.path)
	if err != nil {
		return nil, err
	}
	if _, err := f.Seek(b.offset, io.SeekStart); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func (b fileBody) Size() int64 { return b.size }

func (b fileBody) Available() bool {
	st, err := os.Stat(b.path)
	if err != nil {
		return false
	}
	if !st.ModTime().Equal(b.modTime) {
		return false
	}
	return !isExpired(st.ModTime(), time.Now(), b.expiry)
}
