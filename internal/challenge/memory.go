package challenge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/domain"
)

const challengePathPrefix = "/.well-known/acme-challenge/"

// HTTP01MemoryProvider 在内存中保存 key authorization，由内置 HTTP 服务直接响应
type HTTP01MemoryProvider struct {
	mu     sync.RWMutex
	tokens map[string]string
	logger *zap.Logger
}

// NewHTTP01MemoryProvider 创建内存提供者
func NewHTTP01MemoryProvider(logger *zap.Logger) *HTTP01MemoryProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTP01MemoryProvider{tokens: make(map[string]string), logger: logger}
}

// Type 挑战类型
func (p *HTTP01MemoryProvider) Type() string { return acme.ChallengeHTTP01 }

// Prepare 保存 token
func (p *HTTP01MemoryProvider) Prepare(ctx context.Context, d string, ch acme.Challenge) error {
	if domain.IsWildcard(d) {
		return provisioningError("http01.memory", "prepare", d, fmt.Errorf("通配符域名只能使用 dns-01"))
	}
	if !tokenPattern.MatchString(ch.Token) {
		return provisioningError("http01.memory", "prepare", d, fmt.Errorf("非法的挑战 token: %q", ch.Token))
	}
	p.mu.Lock()
	p.tokens[ch.Token] = ch.KeyAuthorization
	p.mu.Unlock()
	p.logger.Debug("[HTTP-01] 内存验证已登记", zap.String("domain", d), zap.String("path", http01.ChallengePath(ch.Token)))
	return nil
}

// WaitUntilObservable token 已登记即可见
func (p *HTTP01MemoryProvider) WaitUntilObservable(ctx context.Context, d string, ch acme.Challenge, timeout time.Duration) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.tokens[ch.Token]
	return ok && v == ch.KeyAuthorization
}

// Cleanup 移除 token
func (p *HTTP01MemoryProvider) Cleanup(ctx context.Context, d string, ch acme.Challenge) error {
	p.mu.Lock()
	delete(p.tokens, ch.Token)
	p.mu.Unlock()
	return nil
}

// ServeHTTP 响应 /.well-known/acme-challenge/<token>，内容原样输出
func (p *HTTP01MemoryProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !strings.HasPrefix(r.URL.Path, challengePathPrefix) {
		http.NotFound(w, r)
		return
	}
	token := strings.TrimPrefix(r.URL.Path, challengePathPrefix)

	p.mu.RLock()
	keyAuth, ok := p.tokens[token]
	p.mu.RUnlock()
	if !ok {
		http.NotFound(w, r)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("Cache-Control", "no-store, no-transform")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodGet {
		_, _ = w.Write([]byte(keyAuth))
	}
	p.logger.Info("[HTTP-01] 已响应验证请求", zap.String("host", r.Host), zap.String("remote", r.RemoteAddr))
}
