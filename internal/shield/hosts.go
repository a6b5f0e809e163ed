package shield

import (
	"fmt"
	"strings"
)

// Role is one of the fixed site identities served by the proxy.
type Role int

const (
	RoleFront Role = iota
	RoleCache
	RoleInsecure
	RoleExclude
	RoleInsecureExclude
)

// Roles lists every role in declaration order.
var Roles = []Role{RoleFront, RoleCache, RoleInsecure, RoleExclude, RoleInsecureExclude}

func (r Role) String() string {
	switch r {
	case RoleFront:
		return "FRONT"
	case RoleCache:
		return "CACHE"
	case RoleInsecure:
		return "INSECURE"
	case RoleExclude:
		return "EXCLUDE"
	case RoleInsecureExclude:
		return "INSECURE_EXCLUDE"
	}
	return fmt.Sprintf("Role(%d)", int(r))
}

func (r Role) IsCache() bool { return r == RoleCache }

func (r Role) IsExcluded() bool { return r == RoleExclude || r == RoleInsecureExclude }

func (r Role) IsInsecure() bool { return r == RoleInsecure || r == RoleInsecureExclude }

// HostMap is the bijection between configured hostnames and roles. It is
// built once and never mutated.
type HostMap struct {
	byHost map[string]Role
	byRole [len(roleNames)]string
}

var roleNames = [...]string{"front", "cache", "insecure", "exclude", "insecure_exclude"}

// NewHostMap validates that every role has exactly one hostname and that no
// hostname is shared between roles.
func NewHostMap(hosts map[Role]string) (*HostMap, error) {
	m := &HostMap{byHost: make(map[string]Role, len(Roles))}
	for _, r := range Roles {
		h := strings.TrimSpace(hosts[r])
		if h == "" {
			return nil, fmt.Errorf("no hostname for role %s", r)
		}
		if prev, ok := m.byHost[h]; ok {
			return nil, fmt.Errorf("hostname %q used by both %s and %s", h, prev, r)
		}
		m.byHost[h] = r
		m.byRole[r] = h
	}
	return m, nil
}

// Classify maps a raw Host header value to its role.
func (m *HostMap) Classify(host string) (Role, bool) {
	r, ok := m.byHost[host]
	return r, ok
}

// Hostname returns the configured hostname for r.
func (m *HostMap) Hostname(r Role) string {
	if r < 0 || int(r) >= len(m.byRole) {
		return ""
	}
	return m.byRole[r]
}

// classifySegment resolves the first path segment on the cache host, which
// may carry either a role's hostname or the role's name.
func (m *HostMap) classifySegment(seg string) (Role, bool) {
	if r, ok := m.byHost[seg]; ok {
		return r, true
	}
	for i, name := range roleNames {
		if strings.EqualFold(seg, name) || strings.EqualFold(seg, Role(i).String()) {
			return Role(i), true
		}
	}
	return 0, false
}
