package geoip

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
)

func sortedTestTable() *RangeTable {
	return NewRangeTable([]IPRange{
		{Start: 0, End: 99, Coords: Coords{Lat: 1, Lon: 1}, HasCoords: true},
		{Start: 100, End: 199, Coords: Coords{Lat: 2, Lon: 2}, HasCoords: true},
		{Start: 200, End: 299},
	})
}

func TestFindSortedTable(t *testing.T) {
	t.Parallel()

	rt := sortedTestTable()

	coords, ok := rt.Find(150)
	require.True(t, ok)
	require.Equal(t, Coords{Lat: 2, Lon: 2}, coords)

	_, ok = rt.Find(250)
	require.False(t, ok)
	r, ok := rt.Lookup(250)
	require.True(t, ok, "range should be found even without coordinates")
	require.False(t, r.HasCoords)

	_, ok = rt.Find(999)
	require.False(t, ok)
	_, ok = rt.Lookup(999)
	require.False(t, ok)
}

func TestFindBoundaries(t *testing.T) {
	t.Parallel()

	rt := NewRangeTable([]IPRange{
		{Start: 10, End: 19, Coords: Coords{Lat: 1, Lon: 1}, HasCoords: true},
		{Start: 30, End: 39, Coords: Coords{Lat: 3, Lon: 3}, HasCoords: true},
		{Start: 40, End: 49, Coords: Coords{Lat: 4, Lon: 4}, HasCoords: true},
		{Start: 4294967200, End: 4294967295, Coords: Coords{Lat: 9, Lon: 9}, HasCoords: true},
	})

	tests := []struct {
		name     string
		ip       uint32
		expected Coords
		found    bool
	}{
		{name: "before first range", ip: 9, found: false},
		{name: "first start inclusive", ip: 10, expected: Coords{Lat: 1, Lon: 1}, found: true},
		{name: "first end inclusive", ip: 19, expected: Coords{Lat: 1, Lon: 1}, found: true},
		{name: "gap after first end", ip: 20, found: false},
		{name: "gap before second start", ip: 29, found: false},
		{name: "second start", ip: 30, expected: Coords{Lat: 3, Lon: 3}, found: true},
		{name: "second end", ip: 39, expected: Coords{Lat: 3, Lon: 3}, found: true},
		{name: "adjacent range start", ip: 40, expected: Coords{Lat: 4, Lon: 4}, found: true},
		{name: "adjacent range end", ip: 49, expected: Coords{Lat: 4, Lon: 4}, found: true},
		{name: "after adjacent range", ip: 50, found: false},
		{name: "max address", ip: 4294967295, expected: Coords{Lat: 9, Lon: 9}, found: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			coords, ok := rt.Find(tt.ip)
			require.Equal(t, tt.found, ok)
			require.Equal(t, tt.expected, coords)
		})
	}
}

func TestFindRoundTrip(t *testing.T) {
	t.Parallel()

	ips := []string{"0.0.0.1", "1.1.1.1", "8.8.8.8", "93.184.216.34", "192.168.1.1", "255.255.255.254"}
	for _, ip := range ips {
		n, err := ParseIPv4(ip)
		require.NoError(t, err)
		expected := Coords{Lat: float64(n%90) + 0.25, Lon: -float64(n%180) - 0.5}
		rt := NewRangeTable([]IPRange{
			{Start: n - 1, End: n + 1, Coords: expected, HasCoords: true},
		})
		coords, ok := rt.FindString(ip)
		require.True(t, ok, ip)
		require.Equal(t, expected, coords, ip)
	}
}

func TestFindMalformedInput(t *testing.T) {
	t.Parallel()

	rt := sortedTestTable()
	_, ok := rt.FindString("0.0.0.300")
	require.False(t, ok)
	_, ok = rt.FindString("relay.example.com")
	require.False(t, ok)
}

func TestFindEmptyTable(t *testing.T) {
	t.Parallel()

	rt := NewRangeTable(nil)
	_, ok := rt.Find(0)
	require.False(t, ok)
}

func TestRangeTableLocate(t *testing.T) {
	t.Parallel()

	rt := sortedTestTable()
	coords, ok, err := rt.Locate(t.Context(), netip.AddrFrom4([4]byte{0, 0, 0, 120}))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Coords{Lat: 2, Lon: 2}, coords)

	_, ok, err = rt.Locate(t.Context(), netip.MustParseAddr("::1"))
	require.NoError(t, err)
	require.False(t, ok)
}

func TestFindConcurrent(t *testing.T) {
	t.Parallel()

	ranges := []IPRange{}
	for i := range uint32(1000) {
		ranges = append(ranges, IPRange{Start: i * 10, End: i*10 + 9, Coords: Coords{Lat: float64(i), Lon: float64(i)}, HasCoords: true})
	}
	rt := NewRangeTable(ranges)

	done := make(chan struct{})
	for w := range 8 {
		go func() {
			defer func() { done <- struct{}{} }()
			for i := uint32(w); i < 10000; i += 8 {
				coords, ok := rt.Find(i)
				if !ok || coords.Lat != float64(i/10) {
					t.Errorf("unexpected lookup result for %d", i)
					return
				}
			}
		}()
	}
	for range 8 {
		<-done
	}
}
