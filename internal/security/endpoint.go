package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ErrBlockedEndpoint is returned for webhook targets inside the service's
// own network.
var ErrBlockedEndpoint = errors.New("security: endpoint not allowed")

// Resolver looks up a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

var blockedHosts = map[string]struct{}{
	"localhost":                {},
	"metadata.google.internal": {},
	"metadata.google":          {},
}

// Ranges not covered by the netip.Addr predicates.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// EndpointPolicy decides which webhook URLs the dispatcher may call.
type EndpointPolicy struct {
	// AllowHTTP permits plain http targets; otherwise https is required.
	AllowHTTP bool
	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver
	// LookupTimeout bounds DNS resolution; defaults to 3s.
	LookupTimeout time.Duration
}

// Validate returns nil when rawURL is an absolute URL whose host, and every
// address it resolves to, is publicly routable.
func (p EndpointPolicy) Validate(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	switch {
	case u.Scheme == "https":
	case u.Scheme == "http" && p.AllowHTTP:
	case u.Scheme == "http":
		return fmt.Errorf("%w: https required", ErrBlockedEndpoint)
	default:
		return fmt.Errorf("URL scheme must be http or https")
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("URL must have a host")
	}
	if _, ok := blockedHosts[strings.ToLower(strings.TrimSuffix(host, "."))]; ok {
		return fmt.Errorf("%w: host %q", ErrBlockedEndpoint, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	resolver := p.Resolver
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	timeout := p.LookupTimeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	addrs, err := resolver.LookupNetIP(ctx, "ip", host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("cannot resolve URL host %q", host)
	}
	for _, addr := range addrs {
		if err := checkAddr(addr); err != nil {
			return fmt.Errorf("host %q resolves to %s: %w", host, addr, err)
		}
	}
	return nil
}

func checkAddr(addr netip.Addr) error {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return fmt.Errorf("%w: %s is not publicly routable", ErrBlockedEndpoint, addr)
	}
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return fmt.Errorf("%w: %s is in %s", ErrBlockedEndpoint, addr, p)
		}
	}
	return nil
}
