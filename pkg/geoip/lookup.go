package geoip

import (
	"context"
	"net/netip"
)

var _ Locator = &RangeTable{}

// Lookup returns the range containing ip. The returned range may not carry coordinates.
func (rt *RangeTable) Lookup(ip uint32) (IPRange, bool) {
	if len(rt.ranges) == 0 {
		return IPRange{}, false
	}
	if ip < rt.ranges[0].Start || ip > rt.ranges[len(rt.ranges)-1].End {
		return IPRange{}, false
	}
	lo, hi := 0, len(rt.ranges)-1
	for lo <= hi {
		mid := lo + (hi-lo)/2
		switch r := rt.ranges[mid]; {
		case ip < r.Start:
			hi = mid - 1
		case ip > r.End:
			lo = mid + 1
		default:
			return r, true
		}
	}
	return IPRange{}, false
}

// Find returns the coordinates of the range containing ip. False is returned
// both when no range contains ip and when the containing range has no coordinates.
func (rt *RangeTable) Find(ip uint32) (Coords, bool) {
	r, ok := rt.Lookup(ip)
	if !ok || !r.HasCoords {
		return Coords{}, false
	}
	return r.Coords, true
}

// FindString parses a dotted quad and looks it up. Malformed input is treated as not found.
func (rt *RangeTable) FindString(ip string) (Coords, bool) {
	n, err := ParseIPv4(ip)
	if err != nil {
		return Coords{}, false
	}
	return rt.Find(n)
}

// Locate implements Locator. Non IPv4 addresses are never found.
func (rt *RangeTable) Locate(_ context.Context, addr netip.Addr) (Coords, bool, error) {
	n, err := AddrToUint32(addr)
	if err != nil {
		return Coords{}, false, nil
	}
	coords, ok := rt.Find(n)
	return coords, ok, nil
}
