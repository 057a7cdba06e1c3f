package acme

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryAfterTransportCapturesHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	tr := newRetryAfterTransport(nil, time.Now)
	client := &http.Client{Transport: tr}

	_, err := client.Get(srv.URL)
	var statusErr *statusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusTooManyRequests, statusErr.StatusCode)

	assert.Equal(t, 7*time.Second, tr.take())
	assert.Equal(t, time.Duration(0), tr.take())
}

func TestRetryAfterTransportKeepsProblemDocuments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"type":"urn:ietf:params:acme:error:serverInternal"}`))
	}))
	defer srv.Close()

	client := &http.Client{Transport: newRetryAfterTransport(nil, time.Now)}
	resp, err := client.Get(srv.URL)
	require.NoError(t, err, "problem document 交给 lego 解析")
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestRetryAfterTransportWrapsGatewayPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	client := &http.Client{Transport: newRetryAfterTransport(nil, time.Now)}
	_, err := client.Get(srv.URL)

	wrapped := wrapError("directory", err)
	var authErr *AuthorityError
	require.ErrorAs(t, wrapped, &authErr)
	assert.Equal(t, http.StatusBadGateway, authErr.HTTPStatus)
	assert.Equal(t, "<html>bad gateway</html>", authErr.Detail)
	assert.True(t, IsTransient(wrapped))
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	d, ok := parseRetryAfter("120", now)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, d)

	d, ok = parseRetryAfter(now.Add(30*time.Second).Format(http.TimeFormat), now)
	assert.True(t, ok)
	assert.Equal(t, 30*time.Second, d)

	_, ok = parseRetryAfter("soon", now)
	assert.False(t, ok)
}
