package geoip

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/httpx"
)

// DefaultAPIURL is an ip-api.com compatible endpoint. {ip} is replaced with the address.
const DefaultAPIURL = "http://ip-api.com/json/{ip}?fields=status,message,lat,lon"

var ErrAPIFailure = errors.New("geolocation api reported failure")

type HTTPLocatorConfig struct {
	HTTPClient *http.Client
	URL        string
	Retry      RetryConfig
	CacheSize  int
}

type HTTPLocatorOption = option.Option[HTTPLocatorConfig]

func WithHTTPClient(client *http.Client) HTTPLocatorOption {
	return func(cfg *HTTPLocatorConfig) error {
		cfg.HTTPClient = client
		return nil
	}
}

func WithAPIURL(u string) HTTPLocatorOption {
	return func(cfg *HTTPLocatorConfig) error {
		if u == "" {
			return errors.New("api url cannot be empty")
		}
		cfg.URL = u
		return nil
	}
}

func WithRetry(retry RetryConfig) HTTPLocatorOption {
	return func(cfg *HTTPLocatorConfig) error {
		cfg.Retry = retry
		return nil
	}
}

func WithCacheSize(size int) HTTPLocatorOption {
	return func(cfg *HTTPLocatorConfig) error {
		if size <= 0 {
			return errors.New("cache size must be positive")
		}
		cfg.CacheSize = size
		return nil
	}
}

type cacheEntry struct {
	coords Coords
	ok     bool
}

var _ Locator = &HTTPLocator{}

// HTTPLocator resolves coordinates through a remote geolocation API. Answers,
// including negative ones, are cached per address.
type HTTPLocator struct {
	httpClient *http.Client
	cache      *lru.Cache[netip.Addr, cacheEntry]
	url        string
	retry      RetryConfig
}

func NewHTTPLocator(opts ...HTTPLocatorOption) (*HTTPLocator, error) {
	cfg, err := option.Build(HTTPLocatorConfig{
		URL:       DefaultAPIURL,
		Retry:     DefaultRetryConfig(),
		CacheSize: 4096,
	}, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = httpx.BaseClient()
		cfg.HTTPClient.Transport = httpx.WrapTransport("geoapi", cfg.HTTPClient.Transport)
	}
	cache, err := lru.New[netip.Addr, cacheEntry](cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	return &HTTPLocator{
		httpClient: cfg.HTTPClient,
		cache:      cache,
		url:        cfg.URL,
		retry:      cfg.Retry,
	}, nil
}

type apiResponse struct {
	Status  string   `json:"status"`
	Message string   `json:"message"`
	Lat     *float64 `json:"lat"`
	Lon     *float64 `json:"lon"`
}

func (l *HTTPLocator) Locate(ctx context.Context, addr netip.Addr) (Coords, bool, error) {
	addr = addr.Unmap()
	if entry, ok := l.cache.Get(addr); ok {
		return entry.coords, entry.ok, nil
	}
	entry, err := doWithRetry(ctx, l.retry, func() (cacheEntry, error) {
		return l.fetch(ctx, addr)
	})
	if err != nil {
		return Coords{}, false, err
	}
	l.cache.Add(addr, entry)
	return entry.coords, entry.ok, nil
}

func (l *HTTPLocator) requestURL(addr netip.Addr) string {
	if strings.Contains(l.url, "{ip}") {
		return strings.ReplaceAll(l.url, "{ip}", addr.String())
	}
	return strings.TrimSuffix(l.url, "/") + "/" + addr.String()
}

func (l *HTTPLocator) fetch(ctx context.Context, addr netip.Addr) (cacheEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.requestURL(addr), nil)
	if err != nil {
		return cacheEntry{}, err
	}
	req.Header.Set(httpx.HeaderAccept, httpx.ContentTypeJSON)
	resp, err := l.httpClient.Do(req)
	if err != nil {
		return cacheEntry{}, err
	}
	defer resp.Body.Close()
	err = httpx.CheckResponseStatus(resp, http.StatusOK)
	if err != nil {
		return cacheEntry{}, err
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return cacheEntry{}, err
	}
	apiResp := apiResponse{}
	err = json.Unmarshal(b, &apiResp)
	if err != nil {
		return cacheEntry{}, fmt.Errorf("could not decode geolocation response: %w", err)
	}
	if apiResp.Status != "" && apiResp.Status != "success" {
		// Reserved and private ranges are reported as failures and will never resolve.
		if apiResp.Message != "" {
			return cacheEntry{}, nil
		}
		return cacheEntry{}, ErrAPIFailure
	}
	if apiResp.Lat == nil || apiResp.Lon == nil {
		return cacheEntry{}, nil
	}
	return cacheEntry{coords: Coords{Lat: *apiResp.Lat, Lon: *apiResp.Lon}, ok: true}, nil
}
