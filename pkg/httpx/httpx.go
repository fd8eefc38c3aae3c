package httpx

import (
	"errors"
	"io"
	"net"
	"net/http"
	"time"
)

// MaxReadBytes caps how much of a response body is read when draining or reading error messages.
const MaxReadBytes = 512

// BaseClient returns an HTTP client with a bounded timeout and the base transport.
func BaseClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: BaseTransport(),
	}
}

// BaseTransport returns a transport with conservative dial and handshake timeouts.
func BaseTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// DrainAndClose reads at most MaxReadBytes from the reader and closes it so
// the underlying connection can be reused.
func DrainAndClose(rc io.ReadCloser) error {
	n, copyErr := io.Copy(io.Discard, io.LimitReader(rc, MaxReadBytes+1))
	closeErr := rc.Close()
	if n > MaxReadBytes {
		return errors.Join(errors.New("reader has more data than max read bytes"), copyErr, closeErr)
	}
	return errors.Join(copyErr, closeErr)
}
