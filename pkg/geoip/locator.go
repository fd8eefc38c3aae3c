package geoip

import (
	"context"
	"errors"
	"net/netip"
)

// Locator maps an address to coordinates. A false result without error means
// the backend has no location for the address.
type Locator interface {
	Locate(ctx context.Context, addr netip.Addr) (Coords, bool, error)
}

var _ Locator = Chain{}

// Chain queries locators in order and returns the first coordinates found.
// Errors from a locator do not stop the chain, they are returned only when no
// locator yields coordinates.
type Chain []Locator

func (c Chain) Locate(ctx context.Context, addr netip.Addr) (Coords, bool, error) {
	errs := []error{}
	for _, locator := range c {
		coords, ok, err := locator.Locate(ctx, addr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if ok {
			return coords, true, nil
		}
	}
	return Coords{}, false, errors.Join(errs...)
}
