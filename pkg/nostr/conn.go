package nostr

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"

	"github.com/relayscan/relayscan/internal/option"
	"github.com/relayscan/relayscan/pkg/httpx"
)

// ClosedError is returned when the relay ends a subscription with CLOSED.
type ClosedError struct {
	SubscriptionID string
	Reason         string
}

func (e *ClosedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("subscription %s closed by relay", e.SubscriptionID)
	}
	return fmt.Sprintf("subscription %s closed by relay: %s", e.SubscriptionID, e.Reason)
}

// RejectedError is returned when the relay answers an EVENT with a negative OK.
type RejectedError struct {
	EventID string
	Reason  string
}

func (e *RejectedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("event %s rejected by relay", e.EventID)
	}
	return fmt.Sprintf("event %s rejected by relay: %s", e.EventID, e.Reason)
}

type DialConfig struct {
	Header http.Header
}

// WithHeader sets the handshake request headers. The User-Agent defaults to
// relayscan when the header does not set one.
func WithHeader(header http.Header) option.Option[DialConfig] {
	return func(cfg *DialConfig) error {
		cfg.Header = header
		return nil
	}
}

// Conn is a websocket connection to a single relay. It is not safe for
// concurrent use.
type Conn struct {
	ws  *websocket.Conn
	url string
}

// Dial opens a websocket connection to the relay. The handshake is bounded by ctx.
func Dial(ctx context.Context, url string, opts ...option.Option[DialConfig]) (*Conn, error) {
	cfg := DialConfig{}
	err := option.Apply(&cfg, opts...)
	if err != nil {
		return nil, err
	}
	header := cfg.Header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get(httpx.HeaderUserAgent) == "" {
		header.Set(httpx.HeaderUserAgent, httpx.UserAgent)
	}
	dialer := websocket.Dialer{
		Proxy: http.ProxyFromEnvironment,
	}
	ws, resp, err := dialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		//nolint: errcheck // Ignore
		defer httpx.DrainAndClose(resp.Body)
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("could not dial relay %s: %w", url, httpx.CheckResponseStatus(resp, http.StatusSwitchingProtocols))
		}
		return nil, fmt.Errorf("could not dial relay %s: %w", url, contextError(ctx, err))
	}
	return &Conn{ws: ws, url: url}, nil
}

func (c *Conn) URL() string {
	return c.url
}

// Close sends a close frame and closes the underlying connection.
func (c *Conn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	//nolint: errcheck // Best effort, the relay may already be gone.
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// Query subscribes with the given filter and counts stored events until the
// relay signals EOSE. The subscription is closed before returning.
func (c *Conn) Query(ctx context.Context, filter Filter) (int, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("relay", c.url)

	subID, err := NewSubscriptionID()
	if err != nil {
		return 0, err
	}
	b, err := encodeReq(subID, filter)
	if err != nil {
		return 0, err
	}
	err = c.write(ctx, b)
	if err != nil {
		return 0, err
	}

	count := 0
	for {
		msg, err := c.read(ctx)
		if errors.Is(err, ErrMalformedMessage) {
			log.V(4).Info("ignoring malformed message", "err", err)
			continue
		}
		if err != nil {
			return count, err
		}
		switch msg.Label {
		case LabelEvent:
			if msg.SubscriptionID == subID {
				count++
			}
		case LabelEOSE:
			if msg.SubscriptionID != subID {
				continue
			}
			b, err := encodeClose(subID)
			if err != nil {
				return count, err
			}
			err = c.write(ctx, b)
			if err != nil {
				log.V(4).Info("could not close subscription", "err", err)
			}
			return count, nil
		case LabelClosed:
			if msg.SubscriptionID == subID {
				return count, &ClosedError{SubscriptionID: subID, Reason: msg.Reason}
			}
		case LabelNotice:
			log.V(4).Info("relay notice", "notice", msg.Reason)
		}
	}
}

// Publish sends the event and waits for the matching OK.
func (c *Conn) Publish(ctx context.Context, event *Event) (string, error) {
	log := logr.FromContextOrDiscard(ctx).WithValues("relay", c.url)

	b, err := encodeEvent(event)
	if err != nil {
		return "", err
	}
	err = c.write(ctx, b)
	if err != nil {
		return "", err
	}
	for {
		msg, err := c.read(ctx)
		if errors.Is(err, ErrMalformedMessage) {
			log.V(4).Info("ignoring malformed message", "err", err)
			continue
		}
		if err != nil {
			return "", err
		}
		switch msg.Label {
		case LabelOK:
			if msg.EventID != event.ID {
				continue
			}
			if !msg.Accepted {
				return "", &RejectedError{EventID: event.ID, Reason: msg.Reason}
			}
			return msg.Reason, nil
		case LabelNotice:
			log.V(4).Info("relay notice", "notice", msg.Reason)
		}
	}
}

func (c *Conn) write(ctx context.Context, b []byte) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	err := c.ws.SetWriteDeadline(deadline)
	if err != nil {
		return err
	}
	err = c.ws.WriteMessage(websocket.TextMessage, b)
	if err != nil {
		return contextError(ctx, err)
	}
	return nil
}

func (c *Conn) read(ctx context.Context) (Message, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	err := c.ws.SetReadDeadline(deadline)
	if err != nil {
		return Message{}, err
	}
	// Unblock the read when the context is cancelled without a deadline.
	stop := context.AfterFunc(ctx, func() {
		//nolint: errcheck // Ignore
		c.ws.SetReadDeadline(time.Now())
	})
	defer stop()

	_, b, err := c.ws.ReadMessage()
	if err != nil {
		return Message{}, contextError(ctx, err)
	}
	return ParseMessage(b)
}

// contextError prefers the context error when the connection deadline was
// derived from it, as the network timeout can fire before the context does.
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	deadline, ok := ctx.Deadline()
	if ok && !time.Now().Before(deadline) {
		return context.DeadlineExceeded
	}
	return err
}

// NewSubscriptionID returns a random base64 encoded subscription id.
func NewSubscriptionID() (string, error) {
	b := make([]byte, 16)
	_, err := rand.Read(b)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}
