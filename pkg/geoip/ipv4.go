package geoip

import (
	"fmt"
	"net/netip"
	"strconv"
	"strings"
)

// ParseError is returned when an IPv4 address or a dataset field cannot be parsed.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("could not parse %q: %s", e.Input, e.Reason)
}

// ParseIPv4 converts a dotted quad into its numeric form a*2^24 + b*2^16 + c*2^8 + d.
func ParseIPv4(s string) (uint32, error) {
	octets := strings.Split(s, ".")
	if len(octets) != 4 {
		return 0, &ParseError{Input: s, Reason: fmt.Sprintf("expected 4 octets but got %d", len(octets))}
	}
	var n uint32
	for _, octet := range octets {
		if octet == "" {
			return 0, &ParseError{Input: s, Reason: "empty octet"}
		}
		v, err := strconv.ParseUint(octet, 10, 16)
		if err != nil {
			return 0, &ParseError{Input: s, Reason: fmt.Sprintf("octet %q is not numeric", octet)}
		}
		if v > 255 {
			return 0, &ParseError{Input: s, Reason: fmt.Sprintf("octet %d out of range", v)}
		}
		n = n<<8 | uint32(v)
	}
	return n, nil
}

// FormatIPv4 converts the numeric form back into a dotted quad.
func FormatIPv4(n uint32) string {
	return netip.AddrFrom4([4]byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}).String()
}

// AddrToUint32 returns the numeric form of an IPv4 or IPv4 mapped IPv6 address.
func AddrToUint32(addr netip.Addr) (uint32, error) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, &ParseError{Input: addr.String(), Reason: "not an IPv4 address"}
	}
	b := addr.As4()
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]), nil
}
