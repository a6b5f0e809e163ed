package shield

import (
	"context"
	"fmt"
	"net"
	"net/http/httptest"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	testFront           = "jort.example"
	testCache           = "cache.jort.example"
	testInsecure        = "http.jort.example"
	testExclude         = "x.jort.example"
	testInsecureExclude = "xhttp.jort.example"
)

func testHostMap(t *testing.T) *HostMap {
	t.Helper()
	m, err := NewHostMap(map[Role]string{
		RoleFront:           testFront,
		RoleCache:           testCache,
		RoleInsecure:        testInsecure,
		RoleExclude:         testExclude,
		RoleInsecureExclude: testInsecureExclude,
	})
	require.NoError(t, err)
	return m
}

// testConfig compiles a config with temporary directories. extra is
// appended verbatim to the YAML document.
func testConfig(t *testing.T, extra string) Config {
	t.Helper()
	doc := fmt.Sprintf(`
hosts:
  front: %s
  cache: %s
  insecure: %s
  exclude: %s
  insecureExclude: %s
storage:
  cacheDir: %q
  filesDir: %q
%s`, testFront, testCache, testInsecure, testExclude, testInsecureExclude,
		t.TempDir(), t.TempDir(), extra)
	cfg, err := ParseConfig([]byte(doc))
	require.NoError(t, err)
	return cfg
}

// fakeResolver answers from a fixed table. IP literals resolve to
// themselves, anything else is NXDOMAIN.
type fakeResolver map[string][]netip.Addr

func (r fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	if a, err := netip.ParseAddr(host); err == nil {
		return []netip.Addr{a}, nil
	}
	if addrs, ok := r[host]; ok {
		return addrs, nil
	}
	return nil, &net.DNSError{Err: "no such host", Name: host, IsNotFound: true}
}

func addrs(ss ...string) []netip.Addr {
	out := make([]netip.Addr, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParseAddr(s))
	}
	return out
}

// testResolver maps public-looking test names to TEST-NET addresses and a
// couple of names to local ones.
func testResolver() fakeResolver {
	return fakeResolver{
		"origin.example.com": addrs("203.0.113.10"),
		"other.example.com":  addrs("203.0.113.11", "2001:db8::11"),
		"local.example.com":  addrs("203.0.113.12", "127.0.0.1"),
		"lan.example.com":    addrs("192.168.1.20"),
	}
}

// dialTo sends every connection to srv regardless of the requested address.
func dialTo(srv *httptest.Server) dialFunc {
	target := srv.Listener.Addr().String()
	d := &net.Dialer{Timeout: 5 * time.Second}
	return func(ctx context.Context, network, _ string) (net.Conn, error) {
		return d.DialContext(ctx, network, target)
	}
}
