package resolve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"go.uber.org/multierr"

	"github.com/relayscan/relayscan/internal/option"
)

// maxCNAMEDepth bounds how many CNAME hops are followed when a server does not
// include the target records in the answer.
const maxCNAMEDepth = 8

type DNSResolverConfig struct {
	Servers []string
	Net     string
	Timeout time.Duration
}

type DNSResolverOption = option.Option[DNSResolverConfig]

// WithServers sets the DNS servers to query in order. A missing port defaults to 53.
func WithServers(servers ...string) DNSResolverOption {
	return func(cfg *DNSResolverConfig) error {
		if len(servers) == 0 {
			return errors.New("at least one DNS server is required")
		}
		cfg.Servers = []string{}
		for _, server := range servers {
			if _, _, err := net.SplitHostPort(server); err != nil {
				server = net.JoinHostPort(server, "53")
			}
			cfg.Servers = append(cfg.Servers, server)
		}
		return nil
	}
}

// WithTCP queries servers over TCP instead of UDP.
func WithTCP() DNSResolverOption {
	return func(cfg *DNSResolverConfig) error {
		cfg.Net = "tcp"
		return nil
	}
}

func WithDNSTimeout(timeout time.Duration) DNSResolverOption {
	return func(cfg *DNSResolverConfig) error {
		if timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.Timeout = timeout
		return nil
	}
}

var _ HostResolver = &DNSResolver{}

// DNSResolver queries A records directly from explicit DNS servers.
type DNSResolver struct {
	client  *dns.Client
	servers []string
	timeout time.Duration
}

func NewDNSResolver(opts ...DNSResolverOption) (*DNSResolver, error) {
	cfg, err := option.Build(DNSResolverConfig{
		Servers: []string{"1.1.1.1:53", "8.8.8.8:53"},
		Net:     "udp",
		Timeout: DefaultTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}
	return &DNSResolver{
		client: &dns.Client{
			Net:     cfg.Net,
			Timeout: cfg.Timeout,
		},
		servers: cfg.Servers,
		timeout: cfg.Timeout,
	}, nil
}

func (r *DNSResolver) LookupIPv4(ctx context.Context, host string) ([]netip.Addr, error) {
	if addrs, ok := literal(host); ok {
		return addrs, nil
	}
	defer observe("dns", time.Now())

	// Every server gets the full timeout before the next one is tried.
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(r.servers)))
	defer cancel()

	name := dns.Fqdn(host)
	for range maxCNAMEDepth {
		addrs, target, err := r.query(ctx, name)
		if err != nil {
			return nil, &ResolutionError{Host: host, Err: err}
		}
		if len(addrs) > 0 || target == "" {
			return addrs, nil
		}
		name = target
	}
	return nil, &ResolutionError{Host: host, Err: errors.New("too many CNAME redirections")}
}

// query asks each server in turn and returns the first conclusive answer.
// When the answer only contains a CNAME the target is returned.
func (r *DNSResolver) query(ctx context.Context, name string) ([]netip.Addr, string, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(name, dns.TypeA)
	msg.RecursionDesired = true

	var errs error
	for _, server := range r.servers {
		resp, _, err := r.client.ExchangeContext(ctx, msg, server)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", server, err))
			continue
		}
		switch resp.Rcode {
		case dns.RcodeSuccess:
		case dns.RcodeNameError:
			return []netip.Addr{}, "", nil
		default:
			errs = multierr.Append(errs, fmt.Errorf("%s: %s", server, dns.RcodeToString[resp.Rcode]))
			continue
		}
		addrs := []netip.Addr{}
		target := ""
		for _, rr := range resp.Answer {
			switch record := rr.(type) {
			case *dns.A:
				addr, ok := netip.AddrFromSlice(record.A.To4())
				if ok {
					addrs = append(addrs, addr)
				}
			case *dns.CNAME:
				if target == "" {
					target = record.Target
				}
			}
		}
		return addrs, target, nil
	}
	return nil, "", errs
}
