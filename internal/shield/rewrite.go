package shield

import (
	"bytes"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/unicode"
)

// removeMarker lets a page opt elements out of link previews.
const removeMarker = "data-shield-remove"

// Rewriter strips a fetched page down to what link previews read and points
// its absolute media and meta links back through the cache host.
type Rewriter struct {
	scheme string
	hosts  *HostMap
}

func NewRewriter(scheme string, hosts *HostMap) *Rewriter {
	return &Rewriter{scheme: scheme, hosts: hosts}
}

// Rewrite parses raw in the named charset and returns the rewritten
// document serialized in the effective charset, which is UTF-8 when the
// name is not recognized.
func (rw *Rewriter) Rewrite(raw []byte, charsetName string, base *url.URL) ([]byte, string, error) {
	enc, name := lookupCharset(charsetName)

	doc, err := goquery.NewDocumentFromReader(enc.NewDecoder().Reader(bytes.NewReader(raw)))
	if err != nil {
		return nil, "", err
	}

	doc.Find("svg, style, script").Remove()
	doc.Find(`[rel="stylesheet"]`).Remove()
	doc.Find("[style]").RemoveAttr("style")
	doc.Find("[" + removeMarker + "]").Remove()
	doc.Find(`[href^="data:"], [src^="data:"]`).Remove()

	rw.rewriteLinks(doc.Find("meta"), "content", base)
	rw.rewriteLinks(doc.Find("link"), "href", base)
	rw.rewriteLinks(doc.Find("img"), "src", base)

	var buf bytes.Buffer
	w := encoding.HTMLEscapeUnsupported(enc.NewEncoder()).Writer(&buf)
	for _, n := range doc.Nodes {
		if err := html.Render(w, n); err != nil {
			return nil, "", err
		}
	}
	if c, ok := w.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			return nil, "", err
		}
	}
	return buf.Bytes(), name, nil
}

func lookupCharset(label string) (encoding.Encoding, string) {
	label = strings.Trim(strings.TrimSpace(label), `"'`)
	if label != "" {
		if enc, name := charset.Lookup(label); enc != nil {
			return enc, name
		}
	}
	return unicode.UTF8, "utf-8"
}

func (rw *Rewriter) rewriteLinks(sel *goquery.Selection, attr string, base *url.URL) {
	sel.Each(func(_ int, s *goquery.Selection) {
		for _, a := range []string{"name", "property", "rel"} {
			if v, ok := s.Attr(a); ok && isCanonicalMeta(v) {
				return
			}
		}
		v, ok := s.Attr(attr)
		if !ok || !(strings.HasPrefix(v, "http://") || strings.HasPrefix(v, "https://")) {
			return
		}
		if out, ok := rw.proxiedURL(v, base); ok {
			s.SetAttr(attr, out)
		}
	})
}

// proxiedURL maps an absolute http(s) URL to its cache-host equivalent.
// Malformed URLs are reported as not rewritable.
func (rw *Rewriter) proxiedURL(raw string, base *url.URL) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	if base != nil {
		u = base.ResolveReference(u)
	}
	if u.Host == "" {
		return "", false
	}
	var out Role
	switch u.Scheme {
	case "http":
		out = RoleInsecure
	case "https":
		out = RoleFront
	default:
		return "", false
	}
	var b strings.Builder
	b.WriteString(rw.scheme)
	b.WriteString("://")
	b.WriteString(rw.hosts.Hostname(RoleCache))
	b.WriteByte('/')
	b.WriteString(rw.hosts.Hostname(out))
	b.WriteByte('/')
	b.WriteString(u.Host)
	b.WriteString(u.EscapedPath())
	if u.RawQuery != "" {
		b.WriteByte('?')
		b.WriteString(u.RawQuery)
	}
	return b.String(), true
}

func isCanonicalMeta(v string) bool {
	switch v {
	case "og:url", "canonical", "alternate", "shortlink":
		return true
	}
	return false
}
