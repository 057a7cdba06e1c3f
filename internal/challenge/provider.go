// Package challenge 负责发布与移除 ACME 挑战所需的验证内容（http-01 文件、dns-01 TXT 记录）。
package challenge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/egbonrelu/certify/internal/acme"
)

// Provider 挑战提供者，每个实例负责一种挑战类型
type Provider interface {
	// Type 返回处理的挑战类型 (http-01 / dns-01)
	Type() string

	// Prepare 发布验证内容，重复调用不产生额外效果
	Prepare(ctx context.Context, domain string, ch acme.Challenge) error

	// WaitUntilObservable 本地确认验证内容可见，超时返回 false，不视为错误
	WaitUntilObservable(ctx context.Context, domain string, ch acme.Challenge, timeout time.Duration) bool

	// Cleanup 移除验证内容
	Cleanup(ctx context.Context, domain string, ch acme.Challenge) error
}

var (
	// ErrProvisioning 发布或移除验证内容失败
	ErrProvisioning = errors.New("challenge provisioning failed")
	// ErrUnknownProvider 提供者名称未注册
	ErrUnknownProvider = errors.New("unknown challenge provider")
	// ErrTypeMismatch 提供者与挑战类型不匹配
	ErrTypeMismatch = errors.New("challenge provider type mismatch")
	// ErrCredential 凭证缺失或不完整
	ErrCredential = errors.New("challenge credential unavailable")
)

// ProvisioningError 提供者操作失败
type ProvisioningError struct {
	Provider string
	Domain   string
	Op       string
	Err      error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("%s %s (%s): %v", e.Provider, e.Op, e.Domain, e.Err)
}

func (e *ProvisioningError) Unwrap() []error { return []error{ErrProvisioning, e.Err} }

func provisioningError(provider, op, domain string, err error) error {
	if err == nil {
		return nil
	}
	return &ProvisioningError{Provider: provider, Domain: domain, Op: op, Err: err}
}
