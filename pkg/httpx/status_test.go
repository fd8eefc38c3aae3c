package httpx

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCheckResponseStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		method        string
		contentType   string
		body          string
		expectedError string
		expectedCodes []int
		statusCode    int
	}{
		{
			name:          "relay upgrade accepted",
			method:        http.MethodGet,
			statusCode:    http.StatusSwitchingProtocols,
			expectedCodes: []int{http.StatusSwitchingProtocols},
		},
		{
			name:          "no expected codes",
			method:        http.MethodGet,
			statusCode:    http.StatusOK,
			expectedError: "expected codes cannot be empty",
		},
		{
			name:          "geo api rate limited with charset",
			method:        http.MethodGet,
			contentType:   "text/plain; charset=utf-8",
			body:          "too many requests from 192.0.2.1",
			statusCode:    http.StatusTooManyRequests,
			expectedCodes: []int{http.StatusOK},
			expectedError: "expected one of the following statuses [200 OK], but received 429 Too Many Requests: too many requests from 192.0.2.1",
		},
		{
			name:          "geo api json error",
			method:        http.MethodGet,
			contentType:   "application/json",
			body:          `{"status":"fail","message":"invalid query"}`,
			statusCode:    http.StatusBadRequest,
			expectedCodes: []int{http.StatusOK},
			expectedError: `expected one of the following statuses [200 OK], but received 400 Bad Request: {"status":"fail","message":"invalid query"}`,
		},
		{
			name:          "dataset mirror returns csv",
			method:        http.MethodGet,
			contentType:   "text/csv",
			body:          "dataset moved",
			statusCode:    http.StatusGone,
			expectedCodes: []int{http.StatusOK},
			expectedError: "expected one of the following statuses [200 OK], but received 410 Gone: dataset moved",
		},
		{
			name:          "dataset gzip body is not read",
			method:        http.MethodGet,
			contentType:   ContentTypeGzip,
			body:          "\x1f\x8b",
			statusCode:    http.StatusNotFound,
			expectedCodes: []int{http.StatusOK},
			expectedError: "expected one of the following statuses [200 OK], but received 404 Not Found",
		},
		{
			name:          "head request skips body",
			method:        http.MethodHead,
			contentType:   "text/plain",
			body:          "not here",
			statusCode:    http.StatusNotFound,
			expectedCodes: []int{http.StatusOK, http.StatusSwitchingProtocols},
			expectedError: "expected one of the following statuses [200 OK, 101 Switching Protocols], but received 404 Not Found",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			header := http.Header{}
			if tt.contentType != "" {
				header.Set(HeaderContentType, tt.contentType)
			}
			resp := &http.Response{
				StatusCode: tt.statusCode,
				Header:     header,
				Body:       io.NopCloser(strings.NewReader(tt.body)),
				Request:    &http.Request{Method: tt.method},
			}
			err := CheckResponseStatus(resp, tt.expectedCodes...)
			if tt.expectedError == "" {
				require.NoError(t, err)
				return
			}
			require.EqualError(t, err, tt.expectedError)
		})
	}
}

func TestStatusErrorTemporary(t *testing.T) {
	t.Parallel()

	tests := []struct {
		statusCode int
		expected   bool
	}{
		{statusCode: http.StatusTooManyRequests, expected: true},
		{statusCode: http.StatusInternalServerError, expected: true},
		{statusCode: http.StatusServiceUnavailable, expected: true},
		{statusCode: http.StatusNotFound, expected: false},
		{statusCode: http.StatusForbidden, expected: false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.statusCode), func(t *testing.T) {
			t.Parallel()

			resp := &http.Response{
				StatusCode: tt.statusCode,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("")),
				Request:    &http.Request{Method: http.MethodGet},
			}
			err := CheckResponseStatus(resp, http.StatusOK)
			statusErr := &StatusError{}
			require.True(t, errors.As(err, &statusErr))
			require.Equal(t, tt.expected, statusErr.Temporary())
			require.Equal(t, tt.expected, IsRetryableStatus(tt.statusCode))
		})
	}
}
