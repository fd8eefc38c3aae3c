package locate

import (
	"context"
	"net/netip"

	"github.com/go-logr/logr"

	"github.com/relayscan/relayscan/pkg/geoip"
	"github.com/relayscan/relayscan/pkg/metrics"
	"github.com/relayscan/relayscan/pkg/resolve"
)

const (
	resultFound      = "found"
	resultNotFound   = "not_found"
	resultUnresolved = "unresolved"
)

// GeoResult is a relay placed at the coordinates of one of its addresses.
type GeoResult struct {
	URL    string
	IP     netip.Addr
	Coords geoip.Coords
}

// Resolver maps relay URLs to coordinates by resolving the host and looking
// up each address in order until one can be placed.
type Resolver struct {
	hosts   resolve.HostResolver
	locator geoip.Locator
}

func NewResolver(hosts resolve.HostResolver, locator geoip.Locator) *Resolver {
	return &Resolver{
		hosts:   hosts,
		locator: locator,
	}
}

// Locate returns the coordinates of the first resolved IPv4 address that the
// locator can place. Addresses after the first match are not inspected.
func (r *Resolver) Locate(ctx context.Context, relayURL string) (GeoResult, bool) {
	log := logr.FromContextOrDiscard(ctx).WithName("locate").WithValues("relay", relayURL)

	host := resolve.Hostname(relayURL)
	if host == "" {
		log.V(4).Info("geolocation failed", "reason", "relay url has no host")
		metrics.LocateTotal.WithLabelValues(resultUnresolved).Inc()
		return GeoResult{}, false
	}
	addrs, err := r.hosts.LookupIPv4(ctx, host)
	if err != nil {
		log.V(4).Info("geolocation failed", "host", host, "err", err)
		metrics.LocateTotal.WithLabelValues(resultUnresolved).Inc()
		return GeoResult{}, false
	}
	for _, addr := range addrs {
		addr = addr.Unmap()
		if !addr.Is4() {
			continue
		}
		coords, ok, err := r.locator.Locate(ctx, addr)
		if err != nil {
			log.V(4).Info("could not locate address", "ip", addr.String(), "err", err)
			continue
		}
		if !ok {
			continue
		}
		metrics.LocateTotal.WithLabelValues(resultFound).Inc()
		return GeoResult{URL: relayURL, IP: addr, Coords: coords}, true
	}
	log.V(4).Info("geolocation failed", "host", host, "addresses", len(addrs))
	metrics.LocateTotal.WithLabelValues(resultNotFound).Inc()
	return GeoResult{}, false
}
