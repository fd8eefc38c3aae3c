package probe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/httpx"
	"github.com/relayscan/relayscan/pkg/metrics"
	"github.com/relayscan/relayscan/pkg/nostr"
)

const (
	DefaultKind     = 20000
	DefaultLimit    = 10
	DefaultTimeout  = 10 * time.Second
	DefaultNickname = "relayscan"
	DefaultGeohash  = "u4pruyd"
)

const (
	testRead  = "read"
	testWrite = "write"

	resultCapable   = "capable"
	resultIncapable = "incapable"
	resultSkipped   = "skipped"
)

// ErrTimeout is returned when a test did not complete within its timeout.
var ErrTimeout = errors.New("probe timed out")

var errReadFailed = errors.New("write test skipped after failed read test")

// Result is the outcome of probing a single relay.
type Result struct {
	ReadErr   error
	WriteErr  error
	URL       string
	ReadCount int
	Read      bool
	Write     bool
}

// Capable returns true when the relay supports both reading and writing.
func (r Result) Capable() bool {
	return r.Read && r.Write
}

type ProberConfig struct {
	Key          *nostr.Keypair
	UserAgent    string
	Nickname     string
	Geohash      string
	Kind         int
	Limit        int
	Timeout      time.Duration
	ShortCircuit bool
}

func WithKind(kind int) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		if kind < 0 || kind > 65535 {
			return fmt.Errorf("event kind %d is out of range", kind)
		}
		cfg.Kind = kind
		return nil
	}
}

func WithLimit(limit int) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		if limit < 1 {
			return errors.New("limit must be at least 1")
		}
		cfg.Limit = limit
		return nil
	}
}

func WithTimeout(timeout time.Duration) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		if timeout <= 0 {
			return errors.New("timeout must be positive")
		}
		cfg.Timeout = timeout
		return nil
	}
}

func WithNickname(nickname string) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		if nickname == "" {
			return errors.New("nickname cannot be empty")
		}
		cfg.Nickname = nickname
		return nil
	}
}

func WithGeohash(geohash string) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		cfg.Geohash = geohash
		return nil
	}
}

func WithKey(key *nostr.Keypair) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		cfg.Key = key
		return nil
	}
}

// WithUserAgent sets the User-Agent header sent when dialing relays.
func WithUserAgent(userAgent string) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		if userAgent == "" {
			return errors.New("user agent cannot be empty")
		}
		cfg.UserAgent = userAgent
		return nil
	}
}

// WithShortCircuit controls if the write test is skipped after a failed read test.
func WithShortCircuit(enabled bool) option.Option[ProberConfig] {
	return func(cfg *ProberConfig) error {
		cfg.ShortCircuit = enabled
		return nil
	}
}

// Prober tests relays for read and write support of a single event kind.
// It is safe for concurrent use.
type Prober struct {
	key      *nostr.Keypair
	header   http.Header
	nickname string
	geohash  string
	kind     int
	limit    int
	timeout  time.Duration
	short    bool
}

func NewProber(opts ...option.Option[ProberConfig]) (*Prober, error) {
	cfg := ProberConfig{
		Kind:         DefaultKind,
		Limit:        DefaultLimit,
		Timeout:      DefaultTimeout,
		Nickname:     DefaultNickname,
		Geohash:      DefaultGeohash,
		ShortCircuit: true,
	}
	err := option.Apply(&cfg, opts...)
	if err != nil {
		return nil, err
	}
	if cfg.Key == nil {
		cfg.Key, err = nostr.GenerateKey()
		if err != nil {
			return nil, err
		}
	}
	header := http.Header{}
	if cfg.UserAgent != "" {
		header.Set(httpx.HeaderUserAgent, cfg.UserAgent)
	}
	return &Prober{
		key:      cfg.Key,
		header:   header,
		nickname: cfg.Nickname,
		geohash:  cfg.Geohash,
		kind:     cfg.Kind,
		limit:    cfg.Limit,
		timeout:  cfg.Timeout,
		short:    cfg.ShortCircuit,
	}, nil
}

func (p *Prober) Kind() int {
	return p.kind
}

// Probe runs the read test followed by the write test. Failures are reported
// in the result and never returned. The result carries relayURL as given,
// the normalized URL is only used to dial.
func (p *Prober) Probe(ctx context.Context, relayURL string) Result {
	url := NormalizeURL(relayURL)
	log := logr.FromContextOrDiscard(ctx).WithName("probe").WithValues("relay", relayURL)
	res := Result{URL: relayURL}

	start := time.Now()
	res.ReadCount, res.ReadErr = p.read(ctx, url)
	res.Read = res.ReadErr == nil
	observe(testRead, res.Read, start)
	if !res.Read {
		log.V(4).Info("read test failed", "err", res.ReadErr)
	}

	if !res.Read && p.short {
		res.WriteErr = errReadFailed
		metrics.ProbeTotal.WithLabelValues(testWrite, resultSkipped).Inc()
		return res
	}

	start = time.Now()
	res.WriteErr = p.write(ctx, url)
	res.Write = res.WriteErr == nil
	observe(testWrite, res.Write, start)
	if !res.Write {
		log.V(4).Info("write test failed", "err", res.WriteErr)
	}

	log.V(4).Info("probed relay", "read", res.Read, "write", res.Write, "events", res.ReadCount)
	return res
}

func (p *Prober) read(ctx context.Context, url string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	conn, err := nostr.Dial(ctx, url, nostr.WithHeader(p.header))
	if err != nil {
		return 0, timeoutError(err)
	}
	defer conn.Close()
	count, err := conn.Query(ctx, nostr.Filter{Kinds: []int{p.kind}, Limit: p.limit})
	if err != nil {
		return 0, timeoutError(err)
	}
	return count, nil
}

func (p *Prober) write(ctx context.Context, url string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	event := &nostr.Event{
		CreatedAt: time.Now().Unix(),
		Kind:      p.kind,
		Tags: []nostr.Tag{
			{"n", p.nickname},
			{"g", p.geohash},
		},
		Content: uniquenessToken(),
	}
	err := event.Sign(p.key)
	if err != nil {
		return err
	}

	conn, err := nostr.Dial(ctx, url, nostr.WithHeader(p.header))
	if err != nil {
		return timeoutError(err)
	}
	defer conn.Close()
	_, err = conn.Publish(ctx, event)
	if err != nil {
		return timeoutError(err)
	}
	return nil
}

// NormalizeURL trims whitespace and prepends wss:// when the URL has no scheme.
func NormalizeURL(relayURL string) string {
	relayURL = strings.TrimSpace(relayURL)
	if strings.Contains(relayURL, "://") {
		return relayURL
	}
	return "wss://" + relayURL
}

func uniquenessToken() string {
	return fmt.Sprintf("relayscan-%d-%d", time.Now().UnixNano(), os.Getpid())
}

func timeoutError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func observe(test string, ok bool, start time.Time) {
	result := resultIncapable
	if ok {
		result = resultCapable
	}
	metrics.ProbeTotal.WithLabelValues(test, result).Inc()
	metrics.ProbeDurHistogram.WithLabelValues(test).Observe(time.Since(start).Seconds())
}
