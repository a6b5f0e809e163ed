package shield

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strings"

	"golang.org/x/net/idna"
	"golang.org/x/net/publicsuffix"
)

// IsPlausibleDomain reports whether name is a syntactically valid domain
// under a registry (ICANN) suffix without being such a suffix itself. IP
// literals, bare TLDs and eTLDs like "co.uk" are rejected.
func IsPlausibleDomain(name string) bool {
	if name == "" || strings.HasSuffix(name, ".") {
		return false
	}
	ascii, err := idna.Lookup.ToASCII(name)
	if err != nil || ascii == "" {
		return false
	}
	labels := strings.Split(ascii, ".")
	if len(labels) < 2 {
		return false
	}
	last := labels[len(labels)-1]
	if last == "" || (last[0] >= '0' && last[0] <= '9') {
		return false
	}
	if _, icann := publicsuffix.PublicSuffix(last); !icann {
		return false
	}
	suffix, icann := publicsuffix.PublicSuffix(ascii)
	return !(icann && suffix == ascii)
}

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Guard is the SSRF boundary: nothing connects upstream without passing it.
type Guard struct {
	resolver Resolver
}

func NewGuard(r Resolver) *Guard {
	if r == nil {
		r = net.DefaultResolver
	}
	return &Guard{resolver: r}
}

var siteLocalV6 = netip.MustParsePrefix("fec0::/10")

func isLocalAddr(a netip.Addr) bool {
	a = a.Unmap()
	return a.IsLoopback() ||
		a.IsLinkLocalUnicast() ||
		a.IsLinkLocalMulticast() ||
		a.IsMulticast() ||
		a.IsUnspecified() ||
		a.IsPrivate() ||
		siteLocalV6.Contains(a)
}

// ResolveAndGuard resolves every address of host and refuses with 403 if any
// of them is local, or with 502 if the lookup fails.
func (g *Guard) ResolveAndGuard(ctx context.Context, host string) ([]netip.Addr, error) {
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return nil, fmt.Errorf("lookup %s: %v: %w", host, err, refuseLookup)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("lookup %s: no addresses: %w", host, refuseLookup)
	}
	for _, a := range addrs {
		if isLocalAddr(a) {
			return nil, fmt.Errorf("%s resolves to %s: %w", host, a, refuseLocalAddress)
		}
	}
	return addrs, nil
}

// DialContext wraps dial so that every connection, including redirect hops,
// is re-checked and made to an address that passed the check.
func (g *Guard) DialContext(dial dialFunc) dialFunc {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, err
		}
		addrs, err := g.ResolveAndGuard(ctx, host)
		if err != nil {
			return nil, err
		}
		var errs []error
		for _, a := range addrs {
			conn, err := dial(ctx, network, net.JoinHostPort(a.Unmap().String(), port))
			if err == nil {
				return conn, nil
			}
			errs = append(errs, err)
		}
		return nil, errors.Join(errs...)
	}
}
