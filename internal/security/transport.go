// Package security provides SSRF protection for outbound HTTP requests.
//
// Bot Framework service URLs arrive inside inbound activities, so every
// delivery dials a host chosen by the caller. The Guard checks every resolved
// address against types.SSRFBlockedCIDRs at dial time, which also covers
// DNS rebinding between validation and connect.
package security

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"hookrelay/internal/types"
)

// dnsTimeout is the maximum time allowed for DNS resolution.
const dnsTimeout = 500 * time.Millisecond

var (
	// ErrSSRFBlocked is returned when a request targets a blocked IP range.
	ErrSSRFBlocked = errors.New("ssrf: request to blocked IP range")
	// ErrSSRFDNSTimeout is returned when DNS resolution exceeds the timeout.
	ErrSSRFDNSTimeout = errors.New("ssrf: DNS resolution timeout")
	// ErrSSRFTooManyRedirects is returned when the redirect limit is exceeded.
	ErrSSRFTooManyRedirects = errors.New("ssrf: too many redirects")
	// ErrSSRFDNSFailed is returned when DNS resolution fails entirely.
	ErrSSRFDNSFailed = errors.New("ssrf: DNS resolution failed")
)

// Resolver abstracts DNS resolution for testability.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// Guard resolves hosts and rejects blocked addresses.
type Guard struct {
	blocked  []*net.IPNet
	resolver Resolver
	// allowPrivate disables the blocklist. Only the local environment sets
	// it, so a Bot Framework emulator on localhost can be reached.
	allowPrivate bool
}

// NewGuard parses types.SSRFBlockedCIDRs. A nil resolver uses
// net.DefaultResolver.
func NewGuard(resolver Resolver, allowPrivate bool) (*Guard, error) {
	blocked := make([]*net.IPNet, 0, len(types.SSRFBlockedCIDRs))
	for _, cidr := range types.SSRFBlockedCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("ssrf: failed to parse CIDR %q: %w", cidr, err)
		}
		blocked = append(blocked, ipNet)
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return &Guard{blocked: blocked, resolver: resolver, allowPrivate: allowPrivate}, nil
}

// IsBlocked reports whether ip falls within a blocked range.
func (g *Guard) IsBlocked(ip net.IP) bool {
	if g.allowPrivate {
		return false
	}
	for _, ipNet := range g.blocked {
		if ipNet.Contains(ip) {
			return true
		}
	}
	return false
}

// resolve returns the addresses of host after checking every one of them.
func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		if g.IsBlocked(ip) {
			return nil, fmt.Errorf("%w: %s", ErrSSRFBlocked, ip)
		}
		return []net.IP{ip}, nil
	}

	dnsCtx, cancel := context.WithTimeout(ctx, dnsTimeout)
	defer cancel()

	addrs, err := g.resolver.LookupIPAddr(dnsCtx, host)
	if err != nil {
		if dnsCtx.Err() != nil {
			return nil, fmt.Errorf("%w: host %q", ErrSSRFDNSTimeout, host)
		}
		return nil, fmt.Errorf("%w: host %q: %v", ErrSSRFDNSFailed, host, err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%w: host %q resolved to no addresses", ErrSSRFDNSFailed, host)
	}

	// One blocked address rejects the host, even if others are public.
	ips := make([]net.IP, 0, len(addrs))
	for _, a := range addrs {
		if g.IsBlocked(a.IP) {
			return nil, fmt.Errorf("%w: %s (resolved from %s)", ErrSSRFBlocked, a.IP, host)
		}
		ips = append(ips, a.IP)
	}
	return ips, nil
}

// CheckURL validates the host of rawURL without connecting.
func (g *Guard) CheckURL(ctx context.Context, rawURL string) error {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Hostname() == "" {
		return fmt.Errorf("%w: unable to extract host from URL", ErrSSRFBlocked)
	}
	_, err = g.resolve(ctx, parsed.Hostname())
	return err
}

// DialContext resolves addr, validates it and dials the first address.
func (g *Guard) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("ssrf: invalid address %q: %w", addr, err)
	}
	ips, err := g.resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	dialer := &net.Dialer{Timeout: 5 * time.Second}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].String(), port))
}

// CheckRedirect returns an http.Client CheckRedirect function that validates
// redirect targets and enforces maxRedirects.
func (g *Guard) CheckRedirect(maxRedirects int) func(req *http.Request, via []*http.Request) error {
	return func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxRedirects {
			return fmt.Errorf("%w: limit is %d", ErrSSRFTooManyRedirects, maxRedirects)
		}
		return g.CheckURL(req.Context(), req.URL.String())
	}
}

// ClientOptions configures NewSafeHTTPClient.
type ClientOptions struct {
	Timeout      time.Duration
	MaxRedirects int
	AllowPrivate bool
	Resolver     Resolver
}

// NewSafeHTTPClient creates an http.Client whose dials and redirects are
// checked by a Guard.
func NewSafeHTTPClient(opts ClientOptions) (*http.Client, error) {
	guard, err := NewGuard(opts.Resolver, opts.AllowPrivate)
	if err != nil {
		return nil, err
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = nil
	transport.DialContext = guard.DialContext
	transport.MaxIdleConnsPerHost = 16

	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = 3
	}

	return &http.Client{
		Transport:     transport,
		Timeout:       opts.Timeout,
		CheckRedirect: guard.CheckRedirect(maxRedirects),
	}, nil
}
