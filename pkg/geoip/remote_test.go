package geoip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHTTPLocator(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Type", "application/json")
		switch strings.TrimPrefix(r.URL.Path, "/json/") {
		case "1.2.3.4":
			//nolint: errcheck // ignore
			w.Write([]byte(`{"status":"success","lat":48.8566,"lon":2.3522}`))
		case "10.0.0.1":
			//nolint: errcheck // ignore
			w.Write([]byte(`{"status":"fail","message":"private range"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)

	locator, err := NewHTTPLocator(WithAPIURL(srv.URL+"/json/{ip}"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)

	for range 3 {
		coords, ok, err := locator.Locate(t.Context(), netip.MustParseAddr("1.2.3.4"))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, Coords{Lat: 48.8566, Lon: 2.3522}, coords)
	}
	require.Equal(t, int64(1), requests.Load())

	_, ok, err := locator.Locate(t.Context(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = locator.Locate(t.Context(), netip.MustParseAddr("10.0.0.1"))
	require.NoError(t, err)
	require.False(t, ok)
	require.Equal(t, int64(2), requests.Load())

	_, _, err = locator.Locate(t.Context(), netip.MustParseAddr("5.6.7.8"))
	require.EqualError(t, err, "expected one of the following statuses [200 OK], but received 404 Not Found")
	require.Equal(t, int64(3), requests.Load())
}

func TestHTTPLocatorRetry(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		//nolint: errcheck // ignore
		w.Write([]byte(`{"status":"success","lat":1.5,"lon":-2.5}`))
	}))
	t.Cleanup(srv.Close)

	retry := RetryConfig{
		MaxRetries:     3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		Multiplier:     2,
	}
	locator, err := NewHTTPLocator(WithAPIURL(srv.URL), WithRetry(retry))
	require.NoError(t, err)
	coords, ok, err := locator.Locate(t.Context(), netip.MustParseAddr("9.9.9.9"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Coords{Lat: 1.5, Lon: -2.5}, coords)
	require.Equal(t, int64(3), requests.Load())
}

func TestHTTPLocatorRetryExhausted(t *testing.T) {
	t.Parallel()

	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	t.Cleanup(srv.Close)

	retry := RetryConfig{MaxRetries: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	locator, err := NewHTTPLocator(WithAPIURL(srv.URL), WithRetry(retry))
	require.NoError(t, err)
	_, _, err = locator.Locate(t.Context(), netip.MustParseAddr("9.9.9.9"))
	require.Error(t, err)
	require.Equal(t, int64(3), requests.Load())
}

func TestHTTPLocatorOptions(t *testing.T) {
	t.Parallel()

	_, err := NewHTTPLocator(WithAPIURL(""))
	require.Error(t, err)
	_, err = NewHTTPLocator(WithCacheSize(0))
	require.Error(t, err)
}

type staticLocator struct {
	err    error
	coords Coords
	ok     bool
	calls  int
}

func (s *staticLocator) Locate(_ context.Context, _ netip.Addr) (Coords, bool, error) {
	s.calls++
	return s.coords, s.ok, s.err
}

func TestChain(t *testing.T) {
	t.Parallel()

	addr := netip.MustParseAddr("1.1.1.1")

	failing := &staticLocator{err: errors.New("backend down")}
	empty := &staticLocator{}
	found := &staticLocator{coords: Coords{Lat: 3, Lon: 4}, ok: true}
	never := &staticLocator{coords: Coords{Lat: 5, Lon: 6}, ok: true}

	coords, ok, err := Chain{failing, empty, found, never}.Locate(t.Context(), addr)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, Coords{Lat: 3, Lon: 4}, coords)
	require.Equal(t, 0, never.calls)

	_, ok, err = Chain{failing, empty}.Locate(t.Context(), addr)
	require.False(t, ok)
	require.EqualError(t, err, "backend down")

	_, ok, err = Chain{}.Locate(t.Context(), addr)
	require.False(t, ok)
	require.NoError(t, err)
}
