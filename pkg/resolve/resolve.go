package resolve

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/relayscan/relayscan/pkg/metrics"
)

const DefaultTimeout = 5 * time.Second

// HostResolver resolves a hostname to its IPv4 addresses in the order returned by DNS.
// An empty slice without error means the host has no A records.
type HostResolver interface {
	LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error)
}

// ResolutionError is returned when DNS resolution fails or times out.
type ResolutionError struct {
	Err  error
	Host string
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("could not resolve %s: %v", e.Host, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// Hostname strips the scheme, path, query and port from a relay URL.
func Hostname(relayURL string) string {
	host := strings.TrimSpace(relayURL)
	if i := strings.Index(host, "://"); i >= 0 {
		host = host[i+3:]
	}
	if i := strings.IndexAny(host, "/?#"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, "@"); i >= 0 {
		host = host[i+1:]
	}
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	return strings.ToLower(strings.TrimSuffix(host, "."))
}

// literal returns the address when host is already an IPv4 literal.
func literal(host string) ([]netip.Addr, bool) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, false
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return []netip.Addr{}, true
	}
	return []netip.Addr{addr}, true
}

func observe(resolver string, start time.Time) {
	metrics.DNSDurHistogram.WithLabelValues(resolver).Observe(time.Since(start).Seconds())
}
