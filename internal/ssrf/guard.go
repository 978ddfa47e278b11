// Package ssrf keeps tenant-supplied URLs from reaching internal networks.
//
// A URL is checked when it is parsed, again when its host is resolved, and
// where the pipeline controls the socket (webhook delivery) once more at
// dial time via DialControl, so a DNS answer that changes between the check
// and the connection is still caught.
package ssrf

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
)

var ErrBlocked = errors.New("url not allowed")

// Resolver is the subset of *net.Resolver the guard needs.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var blockedPrefixes = mustPrefixes(
	"0.0.0.0/8",
	"10.0.0.0/8",
	"100.64.0.0/10",
	"127.0.0.0/8",
	"169.254.0.0/16",
	"172.16.0.0/12",
	"192.0.0.0/24",
	"192.0.2.0/24",
	"192.168.0.0/16",
	"198.18.0.0/15",
	"198.51.100.0/24",
	"203.0.113.0/24",
	"224.0.0.0/4",
	"240.0.0.0/4",
	"::/128",
	"::1/128",
	"64:ff9b::/96",
	"100::/64",
	"2001:db8::/32",
	"fc00::/7",
	"fe80::/10",
	"ff00::/8",
)

var blockedHosts = []string{
	"localhost",
	"metadata.google.internal",
	"metadata",
}

func mustPrefixes(ss ...string) []netip.Prefix {
	out := make([]netip.Prefix, 0, len(ss))
	for _, s := range ss {
		out = append(out, netip.MustParsePrefix(s))
	}
	return out
}

// Guard validates URLs and addresses. The zero value is not usable; call New.
type Guard struct {
	resolver Resolver
}

type Option func(*Guard)

// WithResolver replaces the system resolver, mainly for tests.
func WithResolver(r Resolver) Option {
	return func(g *Guard) { g.resolver = r }
}

func New(opts ...Option) *Guard {
	g := &Guard{resolver: net.DefaultResolver}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// IsBlockedAddr reports whether a tenant must not be able to reach addr.
func IsBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if !addr.IsValid() || addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() || addr.IsInterfaceLocalMulticast() ||
		addr.IsMulticast() {
		return true
	}
	if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) {
		return true
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// ParseURL performs the string-level checks: http(s) scheme, a host, no
// credentials, and no obviously internal host name or literal address.
func ParseURL(raw string) (*url.URL, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: malformed url", ErrBlocked)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return nil, fmt.Errorf("%w: scheme %q is not http or https", ErrBlocked, u.Scheme)
	}
	if u.User != nil {
		return nil, fmt.Errorf("%w: credentials in url", ErrBlocked)
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrBlocked)
	}
	for _, h := range blockedHosts {
		if host == h || strings.HasSuffix(host, "."+h) {
			return nil, fmt.Errorf("%w: host %q is internal", ErrBlocked, host)
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && IsBlockedAddr(addr) {
		return nil, fmt.Errorf("%w: address %s is not public", ErrBlocked, addr)
	}
	return u, nil
}

// Check runs ParseURL and then resolves the host, rejecting the URL if any
// resolved address is internal.
func (g *Guard) Check(ctx context.Context, raw string) error {
	u, err := ParseURL(raw)
	if err != nil {
		return err
	}
	host := strings.TrimSuffix(strings.ToLower(u.Hostname()), ".")
	if _, err := netip.ParseAddr(host); err == nil {
		return nil
	}
	addrs, err := g.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return fmt.Errorf("%w: cannot resolve %q", ErrBlocked, host)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: %q has no addresses", ErrBlocked, host)
	}
	for _, a := range addrs {
		if IsBlockedAddr(a) {
			return fmt.Errorf("%w: %q resolves to a non-public address", ErrBlocked, host)
		}
	}
	return nil
}

// DialControl is a net.Dialer Control hook that refuses connections to
// internal addresses after DNS resolution has happened.
func DialControl(_, address string, _ syscall.RawConn) error {
	ap, err := netip.ParseAddrPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	if IsBlockedAddr(ap.Addr()) {
		return fmt.Errorf("%w: address %s is not public", ErrBlocked, ap.Addr())
	}
	return nil
}

// NewDialer returns a dialer whose connections pass through DialControl.
func NewDialer() *net.Dialer {
	return &net.Dialer{Control: DialControl}
}
