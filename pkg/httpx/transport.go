package httpx

import (
	"net/http"
	"strconv"
	"time"
)

var _ http.RoundTripper = &instrumentedTransport{}

type instrumentedTransport struct {
	rt   http.RoundTripper
	name string
}

// WrapTransport records request metrics under the given client name and sets
// the user agent when the caller did not.
func WrapTransport(name string, rt http.RoundTripper) http.RoundTripper {
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &instrumentedTransport{
		rt:   rt,
		name: name,
	}
}

func (t *instrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get(HeaderUserAgent) == "" {
		req = req.Clone(req.Context())
		req.Header.Set(HeaderUserAgent, UserAgent)
	}

	inflight := HttpRequestsInflight.WithLabelValues(t.name)
	inflight.Inc()
	defer inflight.Dec()

	start := time.Now()
	resp, err := t.rt.RoundTrip(req)
	code := "error"
	if err == nil {
		code = strconv.Itoa(resp.StatusCode)
	}
	HttpRequestDurHistogram.WithLabelValues(t.name, req.Method, code).Observe(time.Since(start).Seconds())
	return resp, err
}
