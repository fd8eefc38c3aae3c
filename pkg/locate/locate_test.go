package locate

import (
	"context"
	"errors"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relayscan/relayscan/pkg/geoip"
	"github.com/relayscan/relayscan/pkg/resolve"
)

var _ resolve.HostResolver = &staticResolver{}

type staticResolver struct {
	err   error
	addrs map[string][]netip.Addr
}

func (s *staticResolver) LookupIPv4(_ context.Context, host string) ([]netip.Addr, error) {
	if s.err != nil {
		return nil, &resolve.ResolutionError{Host: host, Err: s.err}
	}
	return s.addrs[host], nil
}

var _ geoip.Locator = &recordingLocator{}

type recordingLocator struct {
	coords  map[netip.Addr]geoip.Coords
	errs    map[netip.Addr]error
	visited []netip.Addr
	mx      sync.Mutex
}

func (r *recordingLocator) Locate(_ context.Context, addr netip.Addr) (geoip.Coords, bool, error) {
	r.mx.Lock()
	defer r.mx.Unlock()
	r.visited = append(r.visited, addr)
	if err, ok := r.errs[addr]; ok {
		return geoip.Coords{}, false, err
	}
	coords, ok := r.coords[addr]
	return coords, ok, nil
}

func TestLocateFirstMatch(t *testing.T) {
	t.Parallel()

	ip1 := netip.MustParseAddr("10.0.0.1")
	ip2 := netip.MustParseAddr("10.0.0.2")
	ip3 := netip.MustParseAddr("10.0.0.3")
	hosts := &staticResolver{
		addrs: map[string][]netip.Addr{
			"relay.example.com": {ip1, ip2, ip3},
		},
	}
	locator := &recordingLocator{
		coords: map[netip.Addr]geoip.Coords{
			ip2: {Lat: 1.5, Lon: 2.5},
			ip3: {Lat: 9, Lon: 9},
		},
	}
	resolver := NewResolver(hosts, locator)

	res, ok := resolver.Locate(t.Context(), "wss://relay.example.com/")
	require.True(t, ok)
	require.Equal(t, "wss://relay.example.com/", res.URL)
	require.Equal(t, ip2, res.IP)
	require.Equal(t, geoip.Coords{Lat: 1.5, Lon: 2.5}, res.Coords)
	require.Equal(t, []netip.Addr{ip1, ip2}, locator.visited)
}

func TestLocateSkipsUnusableAddresses(t *testing.T) {
	t.Parallel()

	ip6 := netip.MustParseAddr("2001:db8::1")
	mapped := netip.MustParseAddr("::ffff:10.0.0.4")
	failing := netip.MustParseAddr("10.0.0.5")
	hosts := &staticResolver{
		addrs: map[string][]netip.Addr{
			"relay.example.com": {ip6, failing, mapped},
		},
	}
	locator := &recordingLocator{
		coords: map[netip.Addr]geoip.Coords{
			netip.MustParseAddr("10.0.0.4"): {Lat: -33.8, Lon: 151.2},
		},
		errs: map[netip.Addr]error{
			failing: errors.New("backend down"),
		},
	}
	resolver := NewResolver(hosts, locator)

	res, ok := resolver.Locate(t.Context(), "relay.example.com")
	require.True(t, ok)
	require.Equal(t, netip.MustParseAddr("10.0.0.4"), res.IP)
	require.Equal(t, []netip.Addr{failing, netip.MustParseAddr("10.0.0.4")}, locator.visited)
}

func TestLocateMiss(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		url      string
		hosts    *staticResolver
	}{
		{
			name:  "no coordinates",
			url:   "wss://relay.example.com",
			hosts: &staticResolver{addrs: map[string][]netip.Addr{"relay.example.com": {netip.MustParseAddr("10.0.0.1")}}},
		},
		{
			name:  "no addresses",
			url:   "wss://relay.example.com",
			hosts: &staticResolver{},
		},
		{
			name:  "resolution failure",
			url:   "wss://relay.example.com",
			hosts: &staticResolver{err: errors.New("no such host")},
		},
		{
			name:  "empty host",
			url:   "wss://",
			hosts: &staticResolver{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			resolver := NewResolver(tt.hosts, &recordingLocator{})
			res, ok := resolver.Locate(t.Context(), tt.url)
			require.False(t, ok)
			require.Equal(t, GeoResult{}, res)
		})
	}
}

func TestLocateWithRangeTable(t *testing.T) {
	t.Parallel()

	dataset := strings.Join([]string{
		"167772160,167772415,EU,SE,,Stockholm,,59.33,18.06",
		"167772416,167772671,EU,SE,,Gothenburg",
	}, "\n")
	table, err := geoip.Load(strings.NewReader(dataset))
	require.NoError(t, err)
	hosts := &staticResolver{
		addrs: map[string][]netip.Addr{
			"a.example.com": {netip.MustParseAddr("10.0.0.7")},
			"b.example.com": {netip.MustParseAddr("10.0.1.7")},
		},
	}
	resolver := NewResolver(hosts, table)

	res, ok := resolver.Locate(t.Context(), "wss://a.example.com")
	require.True(t, ok)
	require.Equal(t, geoip.Coords{Lat: 59.33, Lon: 18.06}, res.Coords)

	_, ok = resolver.Locate(t.Context(), "wss://b.example.com")
	require.False(t, ok)
}
