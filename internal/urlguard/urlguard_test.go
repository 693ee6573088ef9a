package urlguard_test

import (
	"context"
	"errors"
	"net/netip"
	"testing"

	"github.com/gautema/runlater/internal/domain"
	"github.com/gautema/runlater/internal/urlguard"
)

func staticLookup(hosts map[string][]string) urlguard.LookupFunc {
	return func(_ context.Context, host string) ([]netip.Addr, error) {
		raw, ok := hosts[host]
		if !ok {
			return nil, errors.New("no such host")
		}
		addrs := make([]netip.Addr, 0, len(raw))
		for _, a := range raw {
			addrs = append(addrs, netip.MustParseAddr(a))
		}
		return addrs, nil
	}
}

func TestValidateURL_AllowsPublicHost(t *testing.T) {
	g := urlguard.NewWithLookup(staticLookup(map[string][]string{
		"api.example.com": {"93.184.216.34"},
	}))

	if err := g.ValidateURL(context.Background(), "https://api.example.com/hooks/deploy"); err != nil {
		t.Fatalf("public URL rejected: %v", err)
	}
}

func TestValidateURL_RejectsBlockedTargets(t *testing.T) {
	lookup := staticLookup(map[string][]string{
		"intranet.example.com": {"10.1.2.3"},
		"rebind.example.com":   {"93.184.216.34", "192.168.1.1"},
		"v6priv.example.com":   {"fd00::1"},
	})
	g := urlguard.NewWithLookup(lookup)

	cases := []struct {
		name string
		url  string
	}{
		{"localhost", "http://localhost:8080/hook"},
		{"localhost subdomain", "http://db.localhost/hook"},
		{"internal suffix", "https://vault.prod.internal/hook"},
		{"local suffix", "https://printer.local/hook"},
		{"loopback literal", "http://127.0.0.1/hook"},
		{"loopback v6 literal", "http://[::1]/hook"},
		{"private literal", "http://10.0.0.5/hook"},
		{"rfc1918 172 literal", "http://172.16.0.1/hook"},
		{"metadata endpoint", "http://169.254.169.254/latest/meta-data"},
		{"multicast literal", "http://224.0.0.1/hook"},
		{"broadcast literal", "http://255.255.255.255/hook"},
		{"class e literal", "http://240.0.0.1/hook"},
		{"cgnat literal", "http://100.64.0.1/hook"},
		{"unspecified literal", "http://0.0.0.0/hook"},
		{"mapped v4 private", "http://[::ffff:192.168.0.1]/hook"},
		{"resolves private", "https://intranet.example.com/hook"},
		{"mixed resolution", "https://rebind.example.com/hook"},
		{"resolves ula v6", "https://v6priv.example.com/hook"},
		{"bad scheme", "ftp://example.com/file"},
		{"no host", "https:///hook"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := g.ValidateURL(context.Background(), tc.url)
			if !errors.Is(err, domain.ErrBlockedURL) {
				t.Fatalf("expected ErrBlockedURL for %s, got %v", tc.url, err)
			}
		})
	}
}

func TestValidateURL_ResolutionFailure(t *testing.T) {
	g := urlguard.NewWithLookup(staticLookup(nil))

	err := g.ValidateURL(context.Background(), "https://nxdomain.example.com/hook")
	if err == nil {
		t.Fatal("expected error for unresolvable host")
	}
	if errors.Is(err, domain.ErrBlockedURL) {
		t.Fatalf("resolution failure should not be classified as blocked: %v", err)
	}
}
