package challenge

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	legochallenge "github.com/go-acme/lego/v4/challenge"
	"github.com/go-acme/lego/v4/providers/dns/cloudflare"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/domain"
)

// LegoDNSProvider 适配 lego 自带的 DNS 提供者
type LegoDNSProvider struct {
	name     string
	inner    legochallenge.Provider
	checker  TXTChecker
	clock    clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu       sync.Mutex
	prepared map[string]bool
}

// NewLegoDNSProvider 包装 lego 提供者
func NewLegoDNSProvider(name string, inner legochallenge.Provider, checker TXTChecker, clk clock.Clock, logger *zap.Logger) *LegoDNSProvider {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LegoDNSProvider{
		name:     name,
		inner:    inner,
		checker:  checker,
		clock:    clk,
		interval: 5 * time.Second,
		logger:   logger,
		prepared: make(map[string]bool),
	}
}

// NewCloudflareProvider 使用 API Token 创建 Cloudflare 提供者
func NewCloudflareProvider(cred *config.CredentialConfig, checker TXTChecker, clk clock.Clock, logger *zap.Logger) (*LegoDNSProvider, error) {
	if cred == nil || cred.APIToken == "" {
		return nil, fmt.Errorf("%w: cloudflare 需要 api_token", ErrCredential)
	}
	cfg := cloudflare.NewDefaultConfig()
	cfg.AuthToken = cred.APIToken
	inner, err := cloudflare.NewDNSProviderConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("创建 cloudflare 客户端失败: %w", err)
	}
	return NewLegoDNSProvider("dns01.cloudflare", inner, checker, clk, logger), nil
}

// Type 挑战类型
func (p *LegoDNSProvider) Type() string { return acme.ChallengeDNS01 }

func preparedKey(d string, ch acme.Challenge) string {
	return domain.BaseDomain(d) + "|" + ch.Token
}

// Prepare 发布记录，同一挑战只发布一次
func (p *LegoDNSProvider) Prepare(ctx context.Context, d string, ch acme.Challenge) error {
	key := preparedKey(d, ch)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.prepared[key] {
		return nil
	}

	if err := p.inner.Present(domain.BaseDomain(d), ch.Token, ch.KeyAuthorization); err != nil {
		if !strings.Contains(strings.ToLower(err.Error()), "already exists") {
			return provisioningError(p.name, "prepare", d, err)
		}
	}
	p.prepared[key] = true
	p.logger.Info("[DNS-01] TXT 记录已添加", zap.String("provider", p.name), zap.String("domain", d))
	return nil
}

// WaitUntilObservable 等待记录生效
func (p *LegoDNSProvider) WaitUntilObservable(ctx context.Context, d string, ch acme.Challenge, timeout time.Duration) bool {
	return waitForTXT(ctx, p.checker, p.clock, p.interval, timeout, challengeRecord(d, ch.KeyAuthorization, false), p.logger)
}

// Cleanup 删除记录
func (p *LegoDNSProvider) Cleanup(ctx context.Context, d string, ch acme.Challenge) error {
	key := preparedKey(d, ch)
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.inner.CleanUp(domain.BaseDomain(d), ch.Token, ch.KeyAuthorization); err != nil {
		return provisioningError(p.name, "cleanup", d, err)
	}
	delete(p.prepared, key)
	return nil
}
