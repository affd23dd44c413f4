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

// ErrEndpointNotAllowed is wrapped by every EndpointPolicy rejection.
var ErrEndpointNotAllowed = errors.New("endpoint not allowed")

var blockedHosts = []string{"localhost", "metadata.google.internal", "metadata.google"}

// Shared carrier-grade NAT space is not covered by netip.Addr.IsPrivate.
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// EndpointPolicy decides which outbound URLs (alert webhooks, IP
// intelligence) the server may call.
type EndpointPolicy struct {
	// AllowPrivate admits loopback and private targets, for sidecars in
	// development deployments.
	AllowPrivate bool
	// RequireTLS rejects plain http, so signing secrets and transaction
	// details stay encrypted in transit.
	RequireTLS bool
	// Lookup resolves hostnames; nil uses the system resolver.
	Lookup func(ctx context.Context, host string) ([]netip.Addr, error)
}

// ProductionPolicy is the policy for the given environment: production
// calls only public https endpoints.
func ProductionPolicy(production bool) EndpointPolicy {
	return EndpointPolicy{AllowPrivate: !production, RequireTLS: production}
}

// Check parses raw and rejects it when the policy forbids the target.
// Hostnames are resolved and every address must pass.
func (p EndpointPolicy) Check(ctx context.Context, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: invalid URL", ErrEndpointNotAllowed)
	}
	switch u.Scheme {
	case "https":
	case "http":
		if p.RequireTLS {
			return fmt.Errorf("%w: https is required", ErrEndpointNotAllowed)
		}
	default:
		return fmt.Errorf("%w: scheme must be http or https", ErrEndpointNotAllowed)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: URL must have a host", ErrEndpointNotAllowed)
	}
	if p.AllowPrivate {
		return nil
	}

	for _, b := range blockedHosts {
		if strings.EqualFold(host, b) {
			return fmt.Errorf("%w: host %q", ErrEndpointNotAllowed, host)
		}
	}

	if addr, err := netip.ParseAddr(host); err == nil {
		return checkAddr(addr)
	}

	lookup := p.Lookup
	if lookup == nil {
		lookup = systemLookup
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	addrs, err := lookup(ctx, host)
	if err != nil || len(addrs) == 0 {
		return fmt.Errorf("%w: cannot resolve %q", ErrEndpointNotAllowed, host)
	}
	for _, a := range addrs {
		if err := checkAddr(a); err != nil {
			return fmt.Errorf("host %q resolves to a blocked address: %w", host, err)
		}
	}
	return nil
}

func systemLookup(ctx context.Context, host string) ([]netip.Addr, error) {
	return net.DefaultResolver.LookupNetIP(ctx, "ip", host)
}

func checkAddr(a netip.Addr) error {
	a = a.Unmap()
	switch {
	case a.IsLoopback():
		return fmt.Errorf("%w: loopback address", ErrEndpointNotAllowed)
	case a.IsPrivate(), cgnat.Contains(a):
		return fmt.Errorf("%w: private address", ErrEndpointNotAllowed)
	case a.IsLinkLocalUnicast(), a.IsLinkLocalMulticast():
		return fmt.Errorf("%w: link-local address", ErrEndpointNotAllowed)
	case a.IsUnspecified():
		return fmt.Errorf("%w: unspecified address", ErrEndpointNotAllowed)
	}
	return nil
}
