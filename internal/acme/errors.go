package acme

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"syscall"

	legoacme "github.com/go-acme/lego/v4/acme"
)

const problemPrefix = "urn:ietf:params:acme:error:"

// AuthorityError CA 拒绝或处理失败的请求
type AuthorityError struct {
	Op         string // 出错的协议操作
	HTTPStatus int
	Type       string // problem document type
	Detail     string
	Err        error
}

func (e *AuthorityError) Error() string {
	var b strings.Builder
	b.WriteString("acme ")
	b.WriteString(e.Op)
	if e.HTTPStatus != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.HTTPStatus)
	}
	if code := e.Code(); code != "" {
		b.WriteString(" ")
		b.WriteString(code)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	} else if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *AuthorityError) Unwrap() error { return e.Err }

// Code 机器可读的错误码，例如 rateLimited、unauthorized
func (e *AuthorityError) Code() string {
	return strings.TrimPrefix(e.Type, problemPrefix)
}

// Transient 是否为可重试的临时错误：超时、网络错误、5xx、429
func (e *AuthorityError) Transient() bool {
	if e.HTTPStatus >= http.StatusInternalServerError || e.HTTPStatus == http.StatusTooManyRequests {
		return true
	}
	if e.Code() == "badNonce" {
		return true
	}
	if e.HTTPStatus == 0 && e.Err != nil {
		return isNetworkError(e.Err)
	}
	return false
}

// wrapError 把 lego 返回的错误转换为 AuthorityError
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var authErr *AuthorityError
	if errors.As(err, &authErr) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	result := &AuthorityError{Op: op, Err: err}

	var problem *legoacme.ProblemDetails
	if errors.As(err, &problem) {
		result.HTTPStatus = problem.HTTPStatus
		result.Type = problem.Type
		result.Detail = problem.Detail
		return result
	}

	var nonceErr *legoacme.NonceError
	if errors.As(err, &nonceErr) && nonceErr.ProblemDetails != nil {
		result.HTTPStatus = nonceErr.HTTPStatus
		result.Type = nonceErr.Type
		result.Detail = nonceErr.Detail
		return result
	}

	var statusErr *statusError
	if errors.As(err, &statusErr) {
		result.HTTPStatus = statusErr.StatusCode
		result.Detail = statusErr.Body
	}
	return result
}

// IsTransient 判断错误是否值得重试
func IsTransient(err error) bool {
	var authErr *AuthorityError
	if errors.As(err, &authErr) {
		return authErr.Transient()
	}
	return isNetworkError(err)
}

// isNetworkError 只把连接层面的失败视为临时错误。
// url.Error 也会包装请求构造或 HTTPS 校验失败，这些不重试。
func isNetworkError(err error) bool {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return true
		}
		err = urlErr.Err
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return dnsErr.IsTimeout || dnsErr.IsTemporary
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
