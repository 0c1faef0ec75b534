package security

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeResolver map[string][]string

func (f fakeResolver) LookupNetIP(_ context.Context, _, host string) ([]netip.Addr, error) {
	ips, ok := f[host]
	if !ok {
		return nil, errors.New("no such host")
	}
	out := make([]netip.Addr, 0, len(ips))
	for _, ip := range ips {
		out = append(out, netip.MustParseAddr(ip))
	}
	return out, nil
}

func TestEndpointPolicy_Validate(t *testing.T) {
	resolver := fakeResolver{
		"hooks.example.com": {"93.184.216.34"},
		"internal.corp":     {"10.0.0.5"},
		"mixed.example.com": {"93.184.216.34", "127.0.0.1"},
		"cgnat.example.com": {"100.64.1.1"},
	}

	tests := []struct {
		name      string
		allowHTTP bool
		url       string
		wantErr   bool
		blocked   bool
	}{
		{"public host", false, "https://hooks.example.com/escrow", false, false},
		{"public ip over http when allowed", true, "http://93.184.216.34/hook", false, false},
		{"http refused by default", false, "http://hooks.example.com/hook", true, true},
		{"bad scheme", true, "ftp://hooks.example.com", true, false},
		{"no host", true, "https:///path", true, false},
		{"localhost", true, "http://localhost:8080", true, true},
		{"localhost trailing dot", true, "http://LOCALHOST./", true, true},
		{"metadata host", true, "http://metadata.google.internal/", true, true},
		{"loopback", true, "http://127.0.0.1/", true, true},
		{"private", true, "http://192.168.1.10/", true, true},
		{"link local", true, "http://169.254.169.254/latest", true, true},
		{"unspecified", true, "http://0.0.0.0/", true, true},
		{"this network", true, "http://0.1.2.3/", true, true},
		{"ipv6 loopback", true, "http://[::1]/", true, true},
		{"ipv4 mapped loopback", true, "http://[::ffff:127.0.0.1]/", true, true},
		{"resolves private", false, "https://internal.corp/hook", true, true},
		{"any resolved address private", false, "https://mixed.example.com/hook", true, true},
		{"carrier grade nat", false, "https://cgnat.example.com/hook", true, true},
		{"unresolvable", false, "https://nowhere.invalid/", true, false},
		{"garbage", true, "://", true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := EndpointPolicy{AllowHTTP: tt.allowHTTP, Resolver: resolver}
			err := p.Validate(tt.url)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Equal(t, tt.blocked, errors.Is(err, ErrBlockedEndpoint), "error: %v", err)
		})
	}
}
