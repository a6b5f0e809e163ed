package shield

import (
	"io"
	"net/http"
	"strconv"
	"strings"
)

const (
	cacheControlContent = "public, max-age=86400"
	cacheControlError   = "public, max-age=7200"
)

var linkEscaper = strings.NewReplacer("<", "%3C", ">", "%3E")

// splitPath splits p on '/' into at most limit non-empty segments. The last
// segment holds the unsplit remainder.
func splitPath(p string, limit int) []string {
	var out []string
	for p != "" {
		if len(out) == limit-1 {
			out = append(out, p)
			break
		}
		seg, rest, found := strings.Cut(p, "/")
		if seg != "" {
			out = append(out, seg)
		}
		if !found {
			break
		}
		p = rest
	}
	return out
}

func withQuery(s, rawQuery string) string {
	if rawQuery == "" {
		return s
	}
	return s + "?" + rawQuery
}

func redirect(w http.ResponseWriter, code int, location string) {
	w.Header().Set("Location", location)
	w.WriteHeader(code)
}

func (s *Service) handle(w http.ResponseWriter, r *http.Request) {
	h := w.Header()
	h.Set("Powered-By", s.poweredBy)

	role, ok := s.hosts.Classify(r.Host)
	if !ok {
		s.metrics.request("misdirected")
		s.pages.Write(w, r, http.StatusMisdirectedRequest, "")
		return
	}
	h.Set("Referrer-Policy", "no-referrer")

	switch r.Method {
	case http.MethodOptions:
		s.metrics.request("options")
		h.Set("Allow", "GET, HEAD, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
		return
	case http.MethodGet, http.MethodHead:
	default:
		s.metrics.request("method_not_allowed")
		h.Set("Allow", "GET, HEAD, OPTIONS")
		s.pages.Write(w, r, http.StatusMethodNotAllowed, "")
		return
	}

	reqPath := r.URL.EscapedPath()
	if strings.HasPrefix(reqPath, "/.well-known/") {
		s.metrics.request("static")
		s.static.ServeHTTP(w, r)
		return
	}

	fedi := s.cfg.isShieldClient(r.UserAgent())
	h.Set("Vary", "User-Agent")

	effective := role
	var segs []string
	if role.IsCache() {
		segs = splitPath(reqPath, 3)
		if len(segs) == 0 {
			s.metrics.request("redirect_front")
			redirect(w, http.StatusTemporaryRedirect, s.cfg.Scheme()+"://"+s.hosts.Hostname(RoleFront))
			return
		}
		if seg, ok := s.hosts.classifySegment(segs[0]); ok {
			effective = seg
			segs = segs[1:]
		} else {
			effective = RoleFront
			segs = splitPath(reqPath, 2)
		}
	} else {
		segs = splitPath(reqPath, 2)
	}

	if fedi && effective.IsExcluded() {
		s.metrics.request("excluded")
		h.Set("Cache-Control", cacheControlContent)
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if len(segs) == 0 {
		s.serveFile(role, w, r)
		return
	}
	tgtHost := strings.ToLower(segs[0])
	if !IsPlausibleDomain(tgtHost) {
		s.serveFile(role, w, r)
		return
	}
	uri := ""
	if len(segs) > 1 {
		uri = withQuery("/"+segs[1], r.URL.RawQuery)
	}

	if !fedi && role.IsCache() {
		s.metrics.request("redirect_uncached")
		redirect(w, http.StatusTemporaryRedirect, s.cfg.Scheme()+"://"+s.hosts.Hostname(effective)+"/"+tgtHost+uri)
		return
	}

	tgt := Target{Host: tgtHost, URI: uri, Insecure: effective.IsInsecure()}
	tgtURL := tgt.URL()
	if !fedi || s.cfg.isIgnoredHost(tgtHost) {
		s.metrics.request("redirect_origin")
		redirect(w, http.StatusMovedPermanently, tgtURL)
		return
	}
	if s.cfg.useCacheDomain() && !role.IsCache() {
		s.metrics.request("redirect_cache")
		redirect(w, http.StatusTemporaryRedirect,
			withQuery(s.cfg.Scheme()+"://"+s.hosts.Hostname(RoleCache)+"/"+r.Host+reqPath, r.URL.RawQuery))
		return
	}

	h.Set("Link", "<"+linkEscaper.Replace(tgtURL)+">; rel=\"canonical\"")
	key := CacheKey(tgtURL)
	if res, ok := s.results.Get(key); ok {
		s.metrics.request("proxy_memory")
		s.writeResult(w, r, res)
		return
	}

	res, err := s.fetcher.Fetch(r.Context(), key, tgt)
	if err != nil {
		// client went away; the fetch carries on for other waiters
		s.metrics.request("abandoned")
		return
	}
	s.metrics.request("proxy")
	s.writeResult(w, r, res)
}

// serveFile hands the request to the local site, which only the front host
// serves directly.
func (s *Service) serveFile(role Role, w http.ResponseWriter, r *http.Request) {
	if role != RoleFront {
		s.metrics.request("redirect_front")
		redirect(w, http.StatusMovedPermanently,
			withQuery(s.cfg.Scheme()+"://"+s.hosts.Hostname(RoleFront)+r.URL.EscapedPath(), r.URL.RawQuery))
		return
	}
	s.metrics.request("static")
	s.static.ServeHTTP(w, r)
}

func (s *Service) writeResult(w http.ResponseWriter, r *http.Request, res Result) {
	h := w.Header()
	state := "MISS"
	if res.Cached {
		state = "HIT"
	}
	h.Set("Upstream-Cache", state)
	s.metrics.upstreamCache.WithLabelValues(state).Inc()

	if !res.HasBody() {
		if res.isRedirect() {
			redirect(w, res.Status, res.Message)
			return
		}
		h.Set("Cache-Control", cacheControlError)
		s.pages.Write(w, r, res.Status, res.Message)
		return
	}

	var body io.ReadCloser
	if r.Method == http.MethodGet {
		var err error
		if body, err = res.Body.Open(); err != nil {
			s.warnLog.Printf("Internal error (%s): open cached body: %v", r.URL.Path, err)
			h.Set("Cache-Control", cacheControlError)
			s.pages.Write(w, r, http.StatusInternalServerError, refuseInternal.Message)
			return
		}
		defer body.Close()
	}

	size := res.Body.Size()
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.FormatInt(size, 10))
	h.Set("Cache-Control", cacheControlContent)
	w.WriteHeader(res.Status)
	if body == nil {
		return
	}
	// write errors mean the client hung up
	n, _ := io.Copy(w, body)
	if s.stats != nil {
		s.stats.Observe(n, res.Cached)
	}
}
