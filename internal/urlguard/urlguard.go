// Package urlguard validates user-supplied webhook URLs before they are
// accepted, rejecting targets that would let a tenant reach internal
// infrastructure (private ranges, loopback, cloud metadata endpoints).
package urlguard

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"net/url"
	"strings"

	"github.com/gautema/runlater/internal/domain"
)

// LookupFunc resolves a hostname to its addresses. Injected in tests.
type LookupFunc func(ctx context.Context, host string) ([]netip.Addr, error)

// Guard checks URLs against the outbound delivery policy.
type Guard struct {
	lookup LookupFunc
}

// New returns a Guard backed by the default system resolver.
func New() *Guard {
	return &Guard{
		lookup: func(ctx context.Context, host string) ([]netip.Addr, error) {
			return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		},
	}
}

// NewWithLookup returns a Guard using a custom resolver.
func NewWithLookup(fn LookupFunc) *Guard {
	return &Guard{lookup: fn}
}

// ValidateURL parses raw and rejects it unless it is an http(s) URL whose
// host resolves only to publicly routable addresses.
func (g *Guard) ValidateURL(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBlockedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q not allowed", domain.ErrBlockedURL, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", domain.ErrBlockedURL)
	}
	if blockedHostname(host) {
		return fmt.Errorf("%w: host %q", domain.ErrBlockedURL, host)
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: address %s", domain.ErrBlockedURL, addr)
		}
		return nil
	}

	addrs, err := g.lookup(ctx, host)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(addrs) == 0 {
		return fmt.Errorf("%w: host %q does not resolve", domain.ErrBlockedURL, host)
	}
	for _, addr := range addrs {
		if blockedAddr(addr) {
			return fmt.Errorf("%w: %s resolves to %s", domain.ErrBlockedURL, host, addr)
		}
	}
	return nil
}

func blockedHostname(host string) bool {
	h := strings.ToLower(strings.TrimSuffix(host, "."))
	if h == "localhost" {
		return true
	}
	for _, suffix := range []string{".localhost", ".local", ".internal"} {
		if strings.HasSuffix(h, suffix) {
			return true
		}
	}
	return false
}

func blockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(),
		addr.IsPrivate(),
		addr.IsLinkLocalUnicast(),
		addr.IsLinkLocalMulticast(),
		addr.IsMulticast(),
		addr.IsUnspecified():
		return true
	}
	if addr.Is4() {
		b := addr.As4()
		// Broadcast and class E reserved space.
		if addr == netip.AddrFrom4([4]byte{255, 255, 255, 255}) || b[0] >= 240 {
			return true
		}
		// Carrier-grade NAT, 100.64.0.0/10.
		if b[0] == 100 && b[1] >= 64 && b[1] < 128 {
			return true
		}
	}
	return false
}
