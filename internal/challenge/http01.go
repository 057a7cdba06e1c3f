package challenge

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-acme/lego/v4/challenge/http01"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/domain"
	"github.com/egbonrelu/certify/internal/storage"
)

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// HTTP01FileProvider 把 key authorization 写入站点根目录下的 /.well-known/acme-challenge/<token>
type HTTP01FileProvider struct {
	root      string
	selfCheck bool
	client    *http.Client
	clock     clock.Clock
	interval  time.Duration
	logger    *zap.Logger
}

// HTTP01Option 文件提供者选项
type HTTP01Option func(*HTTP01FileProvider)

// WithSelfCheck 在提交前通过 HTTP 访问验证文件
func WithSelfCheck(client *http.Client) HTTP01Option {
	return func(p *HTTP01FileProvider) {
		p.selfCheck = true
		if client != nil {
			p.client = client
		}
	}
}

// WithHTTP01Clock 指定时钟
func WithHTTP01Clock(c clock.Clock) HTTP01Option {
	return func(p *HTTP01FileProvider) { p.clock = c }
}

// WithHTTP01Logger 指定日志
func WithHTTP01Logger(l *zap.Logger) HTTP01Option {
	return func(p *HTTP01FileProvider) { p.logger = l }
}

// NewHTTP01FileProvider 创建文件提供者
func NewHTTP01FileProvider(root string, opts ...HTTP01Option) (*HTTP01FileProvider, error) {
	if root == "" {
		return nil, fmt.Errorf("http-01 需要配置站点根目录")
	}
	p := &HTTP01FileProvider{
		root:     root,
		client:   &http.Client{Timeout: 10 * time.Second},
		clock:    clock.Real{},
		interval: 2 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Type 挑战类型
func (p *HTTP01FileProvider) Type() string { return acme.ChallengeHTTP01 }

func (p *HTTP01FileProvider) path(token string) (string, error) {
	if !tokenPattern.MatchString(token) {
		return "", fmt.Errorf("非法的挑战 token: %q", token)
	}
	return filepath.Join(p.root, filepath.FromSlash(http01.ChallengePath(token))), nil
}

// Prepare 写入验证文件，内容相同时不重复写
func (p *HTTP01FileProvider) Prepare(ctx context.Context, d string, ch acme.Challenge) error {
	if domain.IsWildcard(d) {
		return provisioningError("http01.file", "prepare", d, fmt.Errorf("通配符域名只能使用 dns-01"))
	}
	path, err := p.path(ch.Token)
	if err != nil {
		return provisioningError("http01.file", "prepare", d, err)
	}

	if existing, err := os.ReadFile(path); err == nil && string(existing) == ch.KeyAuthorization {
		p.logger.Debug("[HTTP-01] 验证文件已存在", zap.String("domain", d), zap.String("path", path))
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return provisioningError("http01.file", "prepare", d, fmt.Errorf("创建目录失败: %w", err))
	}
	if err := storage.WriteFileAtomic(path, []byte(ch.KeyAuthorization), 0o644); err != nil {
		return provisioningError("http01.file", "prepare", d, err)
	}

	p.logger.Info("[HTTP-01] 验证文件已写入", zap.String("domain", d), zap.String("path", path))
	return nil
}

// WaitUntilObservable 读回文件，开启自检时再通过 HTTP 访问确认
func (p *HTTP01FileProvider) WaitUntilObservable(ctx context.Context, d string, ch acme.Challenge, timeout time.Duration) bool {
	deadline := p.clock.Now().Add(timeout)
	for {
		err := p.observe(ctx, d, ch)
		if err == nil {
			return true
		}
		if !p.clock.Now().Before(deadline) {
			p.logger.Warn("[HTTP-01] 验证文件检查超时", zap.String("domain", d), zap.Error(err))
			return false
		}
		if clock.Sleep(ctx, p.clock, p.interval) != nil {
			return false
		}
	}
}

func (p *HTTP01FileProvider) observe(ctx context.Context, d string, ch acme.Challenge) error {
	path, err := p.path(ch.Token)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if string(data) != ch.KeyAuthorization {
		return fmt.Errorf("验证文件内容不一致")
	}
	if !p.selfCheck {
		return nil
	}
	return p.fetch(ctx, d, ch)
}

// fetch 以 CA 的方式访问验证地址，要求 200、text/plain 且内容一致
func (p *HTTP01FileProvider) fetch(ctx context.Context, d string, ch acme.Challenge) error {
	url := "http://" + d + http01.ChallengePath(ch.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("访问 %s 返回 %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err != nil || mt != "text/plain" {
			return fmt.Errorf("验证地址的 Content-Type 为 %s，需要 text/plain", ct)
		}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) != ch.KeyAuthorization {
		return fmt.Errorf("验证地址内容不一致")
	}
	return nil
}

// Cleanup 删除验证文件
func (p *HTTP01FileProvider) Cleanup(ctx context.Context, d string, ch acme.Challenge) error {
	path, err := p.path(ch.Token)
	if err != nil {
		return provisioningError("http01.file", "cleanup", d, err)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return provisioningError("http01.file", "cleanup", d, err)
	}
	return nil
}
