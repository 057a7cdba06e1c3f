package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/challenge"
	"github.com/egbonrelu/certify/internal/lock"
)

// 失败类别
var (
	ErrConfiguration     = errors.New("configuration error")
	ErrAuthority         = errors.New("authority error")
	ErrProvisioning      = challenge.ErrProvisioning
	ErrValidationTimeout = errors.New("validation timeout")
	ErrBinding           = errors.New("binding error")
	ErrStore             = errors.New("store error")
	ErrAlreadyInProgress = lock.ErrAlreadyInProgress
	ErrCancelled         = errors.New("request cancelled")
	ErrInternal          = errors.New("internal error")
)

// Stage 签发流程阶段
type Stage string

const (
	StageInitiated          Stage = "initiated"
	StageOrderCreated       Stage = "order_created"
	StageChallengesPrepared Stage = "challenges_prepared"
	StageValidating         Stage = "validating"
	StageFinalizing         Stage = "finalizing"
	StageDownloading        Stage = "downloading"
	StageBinding            Stage = "binding"
	StageCompleted          Stage = "completed"
)

// RequestError 一次运行的失败原因，errors.Is 可同时匹配类别与原始错误
type RequestError struct {
	Kind   error
	Stage  Stage
	Domain string
	Err    error
}

func (e *RequestError) Error() string {
	msg := fmt.Sprintf("%v at %s", e.Kind, e.Stage)
	if e.Domain != "" {
		msg += " [" + e.Domain + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// classify 上下文取消优先于默认类别
func classify(err error, fallback error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCancelled
	}
	var authErr *acme.AuthorityError
	if fallback == ErrAuthority || errors.As(err, &authErr) {
		return ErrAuthority
	}
	return fallback
}
