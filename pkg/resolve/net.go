package resolve

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/relayscan/relayscan/internal/option"
)

type NetResolverConfig struct {
	Resolver *net.Resolver
	Timeout  time.Duration
}

type NetResolverOption = option.Option[NetResolverConfig]

func WithNetResolver(resolver *net.Resolver) NetResolverOption {
	return func(cfg *NetResolverConfig) error {
		cfg.Resolver = resolver
		return nil
	}
}

func WithNetTimeout(timeout time.Duration) NetResolverOption {
	return func(cfg *NetResolverConfig) error {
		if timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.Timeout = timeout
		return nil
	}
}

var _ HostResolver = &NetResolver{}

// NetResolver resolves through the system resolver configuration.
type NetResolver struct {
	resolver *net.Resolver
	timeout  time.Duration
}

func NewNetResolver(opts ...NetResolverOption) (*NetResolver, error) {
	cfg, err := option.Build(NetResolverConfig{
		Resolver: &net.Resolver{},
		Timeout:  DefaultTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &NetResolver{
		resolver: cfg.Resolver,
		timeout:  cfg.Timeout,
	}, nil
}

func (r *NetResolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := literal(host); ok {
		return addrs, nil
	}
	defer observe("net", time.Now())

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	addrs, err := r.resolver.LookupNetIP(ctx, "ip4", host)
	if err != nil {
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
			return []netip.Addr{}, nil
		}
		return nil, &ResolutionError{Host: host, Err: err}
	}
	ipv4 := make([]netip.Addr, 0, len(addrs))
	for _, addr := range addrs {
		addr = addr.Unmap()
		if addr.Is4() {
			ipv4 = append(ipv4, addr)
		}
	}
	return ipv4, nil
}
