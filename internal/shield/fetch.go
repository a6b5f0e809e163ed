package shield

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

var contentTypePattern = regexp.MustCompile(`^([^;]*)(?:$|;\s*(?:charset=(.*))?)`)

// parseContentType splits a Content-Type value into its base media type and
// optional charset parameter.
func parseContentType(ct string) (base, charset string) {
	m := contentTypePattern.FindStringSubmatch(ct)
	if m == nil {
		return "application/octet-stream", ""
	}
	return strings.ToLower(strings.TrimSpace(m[1])), strings.TrimSpace(m[2])
}

// Target identifies an upstream resource.
type Target struct {
	Host     string
	URI      string // path and query, or empty for the origin root
	Insecure bool
}

func (t Target) URL() string {
	scheme := "https"
	if t.Insecure {
		scheme = "http"
	}
	return scheme + "://" + t.Host + t.URI
}

// Pending is the shared handle of one in-flight fetch.
type Pending struct {
	done chan struct{}
	res  Result
}

func (p *Pending) Done() <-chan struct{} { return p.done }

// Result is only meaningful once Done is closed.
func (p *Pending) Result() Result { return p.res }

// Wait blocks until the fetch completes or ctx ends. Giving up on the wait
// does not cancel the fetch; other waiters may still need it.
func (p *Pending) Wait(ctx context.Context) (Result, error) {
	select {
	case <-p.done:
		return p.res, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Fetcher runs coalesced fetches: at most one upstream fetch per cache key
// is in flight, and every caller for that key shares its result.
type Fetcher struct {
	store     Store
	guard     *Guard
	client    *http.Client
	rewriter  *Rewriter
	results   *resultCache
	metrics   *Metrics
	warnLog   *rateLimitedLogger
	userAgent string
	maxBody   int64
	timeout   time.Duration

	inflight *xsync.Map[string, *Pending]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newUpstreamClient(cfg Config, guard *Guard, dial dialFunc) *http.Client {
	if dial == nil {
		dial = (&net.Dialer{
			Timeout:   cfg.Fetch.connectTimeoutDur,
			KeepAlive: 30 * time.Second,
		}).DialContext
	}
	maxRedirects := cfg.Fetch.MaxRedirects
	transport := &http.Transport{
		DialContext:           guard.DialContext(dial),
		TLSHandshakeTimeout:   cfg.Fetch.connectTimeoutDur,
		ResponseHeaderTimeout: cfg.Fetch.timeoutDur,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   4,
		IdleConnTimeout:       90 * time.Second,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Fetch.timeoutDur,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
}

func newFetcher(cfg Config, store Store, results *resultCache, rw *Rewriter, guard *Guard, client *http.Client, m *Metrics, warn *rateLimitedLogger) *Fetcher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Fetcher{
		store:     store,
		guard:     guard,
		client:    client,
		rewriter:  rw,
		results:   results,
		metrics:   m,
		warnLog:   warn,
		userAgent: cfg.Fetch.UserAgent,
		maxBody:   cfg.Storage.maxBodyBytes,
		timeout:   cfg.Fetch.timeoutDur,
		inflight:  xsync.NewMap[string, *Pending](),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Begin joins the in-flight fetch for key or starts a new one.
func (f *Fetcher) Begin(key string, tgt Target) *Pending {
	p, loaded := f.inflight.LoadOrCompute(key, func() (*Pending, bool) {
		return &Pending{done: make(chan struct{})}, false
	})
	if !loaded {
		f.wg.Add(1)
		f.metrics.inflight.Inc()
		go f.run(key, tgt, p)
	}
	return p
}

// Fetch is Begin followed by Wait.
func (f *Fetcher) Fetch(ctx context.Context, key string, tgt Target) (Result, error) {
	return f.Begin(key, tgt).Wait(ctx)
}

// InFlight returns the number of fetches currently running.
func (f *Fetcher) InFlight() int {
	return f.inflight.Size()
}

func (f *Fetcher) run(key string, tgt Target, p *Pending) {
	defer f.wg.Done()
	start := time.Now()

	res := f.fetchRecovered(key, tgt)

	// publish before unregistering so a newcomer sees one or the other
	f.results.Put(key, res.WithCached())
	f.inflight.Delete(key)
	p.res = res
	close(p.done)

	f.metrics.inflight.Dec()
	f.metrics.observeFetch(res, time.Since(start))
}

func (f *Fetcher) fetchRecovered(key string, tgt Target) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("fetch panic (%s): %v", tgt.URL(), r)
			res = refusedResult(refuseInternal)
		}
	}()
	ctx, cancel := context.WithTimeout(f.ctx, f.timeout)
	defer cancel()
	return f.fetch(ctx, key, tgt)
}

func (f *Fetcher) fetch(ctx context.Context, key string, tgt Target) Result {
	target := tgt.URL()

	env, ok, err := f.store.Lookup(key)
	switch {
	case err != nil && !errors.Is(err, errBadEnvelope):
		log.Printf("Internal error (%s): %v", target, err)
		return refusedResult(refuseInternal)
	case ok:
		return Result{Body: env.Body, ContentType: env.ContentType, Status: env.Status, Cached: true}
	}

	if _, err := f.guard.ResolveAndGuard(ctx, tgt.Host); err != nil {
		f.warnLog.Printf("Refused (%s): %v", target, err)
		return refusedResult(refusalOf(err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		f.warnLog.Printf("Request failed (%s): %v", target, err)
		return refusedResult(refuseRequest)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.client.Do(req)
	if err != nil {
		f.warnLog.Printf("Request failed (%s): %v", target, err)
		return refusedResult(refusalOf(err))
	}
	defer resp.Body.Close()

	// only reached once the redirect limit is exhausted
	if loc := resp.Header.Get("Location"); loc != "" && isRedirectStatus(resp.StatusCode) {
		next, err := resp.Request.URL.Parse(loc)
		if err != nil {
			f.warnLog.Printf("Request failed (%s): bad Location %q: %v", target, loc, err)
			return refusedResult(refuseRequest)
		}
		f.warnLog.Printf("Too many redirects (%s): last hop to %s", target, next)
		return Result{Status: resp.StatusCode, Message: next.String()}
	}

	if resp.ContentLength > f.maxBody {
		return refusedResult(refuseTooLarge)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	baseType, charsetName := parseContentType(contentType)
	status := resp.StatusCode
	body := newLimitedReader(resp.Body, f.maxBody)

	var src io.Reader = body
	if baseType == "text/html" {
		if status == http.StatusOK {
			status = http.StatusNonAuthoritativeInfo
		}
		raw, err := io.ReadAll(body)
		if err != nil {
			f.warnLog.Printf("Request failed (%s): %v", target, err)
			return refusedResult(refusalOf(err))
		}
		if charsetName == "" {
			charsetName = "utf-8"
			contentType = "text/html; charset=utf-8"
		}
		out, effective, err := f.rewriter.Rewrite(raw, charsetName, resp.Request.URL)
		if err != nil {
			f.warnLog.Printf("Request failed (%s): rewrite: %v", target, err)
			return refusedResult(refuseRequest)
		}
		if !strings.EqualFold(strings.Trim(charsetName, `"' `), effective) {
			contentType = "text/html; charset=" + effective
		}
		src = bytes.NewReader(out)
	}

	env, err = f.store.Put(key, contentType, status, src)
	if err != nil {
		if body.err != nil {
			f.warnLog.Printf("Request failed (%s): %v", target, body.err)
			return refusedResult(refusalOf(body.err))
		}
		log.Printf("Internal error (%s): %v", target, err)
		return refusedResult(refuseInternal)
	}
	return Result{Body: env.Body, ContentType: contentType, Status: status}
}

// Close cancels running fetches and waits for them to finish.
func (f *Fetcher) Close() {
	f.cancel()
	f.wg.Wait()
}
