package acme

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

const maxErrorBody = 512

// statusError 非 JSON 的 5xx/429 响应，例如代理返回的 HTML 502 页面
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Body)
}

// retryAfterTransport 记录 CA 在 429/503 响应中给出的 Retry-After，供重试等待使用。
// 不带 problem document 的 5xx/429 响应转换为 statusError，保留状态码用于判断是否重试。
type retryAfterTransport struct {
	base http.RoundTripper
	now  func() time.Time

	mu    sync.Mutex
	delay time.Duration
}

func newRetryAfterTransport(base http.RoundTripper, now func() time.Time) *retryAfterTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if now == nil {
		now = time.Now
	}
	return &retryAfterTransport{base: base, now: now}
}

func (t *retryAfterTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		return resp, err
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusServiceUnavailable {
		if d, ok := parseRetryAfter(resp.Header.Get("Retry-After"), t.now()); ok {
			t.mu.Lock()
			t.delay = d
			t.mu.Unlock()
		}
	}
	if retryableStatus(resp.StatusCode) && !isJSON(resp.Header.Get("Content-Type")) {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &statusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return resp, nil
}

// take 取出并清空最近一次记录的 Retry-After
func (t *retryAfterTransport) take() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	d := t.delay
	t.delay = 0
	return d
}

func retryableStatus(code int) bool {
	return code >= http.StatusInternalServerError || code == http.StatusTooManyRequests
}

// isJSON application/json 与 application/problem+json 都交给 lego 解析
func isJSON(contentType string) bool {
	return strings.Contains(strings.ToLower(contentType), "json")
}

// parseRetryAfter 支持秒数和 HTTP 日期两种格式
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		d := at.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}
