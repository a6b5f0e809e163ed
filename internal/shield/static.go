package shield

import (
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
)

var precompressed = []struct {
	encoding string
	suffix   string
}{
	{"br", ".br"},
	{"gzip", ".gz"},
}

// staticSite serves the front-end site from a directory: index.html for
// directories, no listings, and precompressed siblings when accepted.
type staticSite struct {
	root  string
	pages *ErrorPages
}

func newStaticSite(root string, pages *ErrorPages) *staticSite {
	return &staticSite{root: root, pages: pages}
}

func (s *staticSite) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	name := path.Clean("/" + r.URL.Path)
	full := filepath.Join(s.root, filepath.FromSlash(name))

	st, err := os.Stat(full)
	if err == nil && st.IsDir() {
		name = path.Join(name, "index.html")
		full = filepath.Join(full, "index.html")
		st, err = os.Stat(full)
	}
	if err != nil || st.IsDir() {
		s.pages.Write(w, r, http.StatusNotFound, "")
		return
	}

	h := w.Header()
	h.Set("Cache-Control", "public, max-age=86400")
	h.Add("Vary", "Accept-Encoding")

	accept := r.Header.Get("Accept-Encoding")
	for _, pc := range precompressed {
		if !acceptsEncoding(accept, pc.encoding) {
			continue
		}
		cst, err := os.Stat(full + pc.suffix)
		if err != nil || cst.IsDir() {
			continue
		}
		if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
			h.Set("Content-Type", ct)
		}
		h.Set("Content-Encoding", pc.encoding)
		full, st = full+pc.suffix, cst
		break
	}

	f, err := os.Open(full)
	if err != nil {
		h.Del("Content-Encoding")
		s.pages.Write(w, r, http.StatusNotFound, "")
		return
	}
	defer f.Close()
	http.ServeContent(w, r, name, st.ModTime(), f)
}

func acceptsEncoding(header, enc string) bool {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		coding, params, _ := strings.Cut(part, ";")
		if !strings.EqualFold(strings.TrimSpace(coding), enc) {
			continue
		}
		params = strings.ReplaceAll(params, " ", "")
		return params != "q=0" && params != "q=0.0" && params != "q=0.00" && params != "q=0.000"
	}
	return false
}
