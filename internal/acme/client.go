package acme

import (
	"context"
	"crypto"
	"encoding/pem"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	legoacme "github.com/go-acme/lego/v4/acme"
	"github.com/go-acme/lego/v4/acme/api"
	"github.com/go-acme/lego/v4/certcrypto"
	"go.uber.org/zap"
)

const (
	defaultUserAgent     = "certify/1.0"
	defaultHTTPTimeout   = 30 * time.Second
	defaultRetryAttempts = 4
	defaultRetryDelay    = time.Second
	defaultRetryMaxDelay = 30 * time.Second
)

// Config ACME 客户端配置
type Config struct {
	DirectoryURL string
	Email        string
	UserAgent    string
	AccountKey   crypto.PrivateKey

	HTTPTimeout   time.Duration // 单次请求超时
	RetryAttempts uint          // 临时错误的最大尝试次数
	RetryDelay    time.Duration
	RetryMaxDelay time.Duration

	Transport http.RoundTripper
}

// AuthorizationState 单次轮询得到的授权状态
type AuthorizationState struct {
	Status Status
	Detail string
}

// Client ACME 协议客户端，只负责协议与重试，不含业务逻辑
type Client struct {
	cfg       Config
	logger    *zap.Logger
	transport *retryAfterTransport

	mu         sync.Mutex
	core       *api.Core
	registered bool
}

// NewClient 创建客户端。目录在首次调用时才获取，构造过程不访问网络。
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.DirectoryURL == "" {
		return nil, fmt.Errorf("未配置 ACME 目录地址")
	}
	if cfg.AccountKey == nil {
		return nil, fmt.Errorf("未配置 ACME 账户私钥")
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = defaultHTTPTimeout
	}
	if cfg.RetryAttempts == 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = defaultRetryMaxDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		cfg:       cfg,
		logger:    logger,
		transport: newRetryAfterTransport(cfg.Transport, time.Now),
	}, nil
}

// Register 注册（或找回）账户
func (c *Client) Register(ctx context.Context) error {
	_, err := c.ensureCore(ctx)
	return err
}

func (c *Client) ensureCore(ctx context.Context) (*api.Core, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.core == nil {
		var core *api.Core
		err := c.call(ctx, "directory", func() error {
			// lego 会替换传入客户端的 Transport，每次尝试使用新的客户端
			httpClient := &http.Client{Timeout: c.cfg.HTTPTimeout, Transport: c.transport}
			var err error
			core, err = api.New(httpClient, c.cfg.UserAgent, c.cfg.DirectoryURL, "", c.cfg.AccountKey)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.core = core
	}

	if !c.registered {
		account := legoacme.Account{TermsOfServiceAgreed: true}
		if c.cfg.Email != "" {
			account.Contact = []string{"mailto:" + c.cfg.Email}
		}
		var ext legoacme.ExtendedAccount
		err := c.call(ctx, "newAccount", func() error {
			var err error
			ext, err = c.core.Accounts.New(account)
			return err
		})
		if err != nil {
			return nil, err
		}
		c.registered = true
		c.logger.Info("[ACME] 账户已就绪", zap.String("account", ext.Location))
	}

	return c.core, nil
}

// CreateOrder 创建订单并获取每个域名的授权，挑战类型以 CA 实际提供的为准
func (c *Client) CreateOrder(ctx context.Context, domains []string) (*Order, error) {
	core, err := c.ensureCore(ctx)
	if err != nil {
		return nil, err
	}

	var ext legoacme.ExtendedOrder
	err = c.call(ctx, "newOrder", func() error {
		var err error
		ext, err = core.Orders.New(domains)
		return err
	})
	if err != nil {
		return nil, err
	}

	order := &Order{
		URL:            ext.Location,
		Status:         Status(ext.Status),
		Domains:        append([]string(nil), domains...),
		FinalizeURL:    ext.Finalize,
		CertificateURL: ext.Certificate,
	}

	for _, authzURL := range ext.Authorizations {
		authz, err := c.fetchAuthorization(ctx, core, authzURL)
		if err != nil {
			return nil, err
		}
		order.Authorizations = append(order.Authorizations, authz)
	}

	c.logger.Info("[ACME] 订单已创建",
		zap.String("order", order.URL),
		zap.Strings("domains", domains),
		zap.Int("authorizations", len(order.Authorizations)))
	return order, nil
}

func (c *Client) fetchAuthorization(ctx context.Context, core *api.Core, authzURL string) (*Authorization, error) {
	var raw legoacme.Authorization
	err := c.call(ctx, "authorization", func() error {
		var err error
		raw, err = core.Authorizations.Get(authzURL)
		return err
	})
	if err != nil {
		return nil, err
	}

	authz := &Authorization{
		URL:      authzURL,
		Domain:   raw.Identifier.Value,
		Wildcard: raw.Wildcard,
		Status:   Status(raw.Status),
	}
	if raw.Wildcard {
		authz.Domain = "*." + raw.Identifier.Value
	}

	for _, ch := range raw.Challenges {
		keyAuth, err := core.GetKeyAuthorization(ch.Token)
		if err != nil {
			return nil, wrapError("keyAuthorization", err)
		}
		authz.Challenges = append(authz.Challenges, Challenge{
			Type:             ch.Type,
			URL:              ch.URL,
			Token:            ch.Token,
			KeyAuthorization: keyAuth,
			Status:           Status(ch.Status),
			Error:            problemDetail(ch.Error),
		})
	}
	return authz, nil
}

// SubmitChallengeReady 通知 CA 挑战已就绪，不等待验证结果
func (c *Client) SubmitChallengeReady(ctx context.Context, ch Challenge) error {
	core, err := c.ensureCore(ctx)
	if err != nil {
		return err
	}
	return c.call(ctx, "challenge", func() error {
		_, err := core.Challenges.New(ch.URL)
		return err
	})
}

// PollAuthorization 查询一次授权状态
func (c *Client) PollAuthorization(ctx context.Context, authz *Authorization) (AuthorizationState, error) {
	core, err := c.ensureCore(ctx)
	if err != nil {
		return AuthorizationState{}, err
	}

	var raw legoacme.Authorization
	err = c.call(ctx, "authorization", func() error {
		var err error
		raw, err = core.Authorizations.Get(authz.URL)
		return err
	})
	if err != nil {
		return AuthorizationState{}, err
	}

	state := AuthorizationState{Status: Status(raw.Status)}
	for _, ch := range raw.Challenges {
		if detail := problemDetail(ch.Error); detail != "" {
			state.Detail = detail
			break
		}
	}
	return state, nil
}

// FinalizeOrder 提交 CSR（DER 编码）
func (c *Client) FinalizeOrder(ctx context.Context, order *Order, csr []byte) error {
	core, err := c.ensureCore(ctx)
	if err != nil {
		return err
	}

	var ext legoacme.ExtendedOrder
	err = c.call(ctx, "finalize", func() error {
		var err error
		ext, err = core.Orders.UpdateForCSR(order.FinalizeURL, csr)
		return err
	})
	if err != nil {
		return err
	}
	applyOrder(order, ext)
	return nil
}

// PollOrder 查询一次订单状态
func (c *Client) PollOrder(ctx context.Context, order *Order) (Status, error) {
	core, err := c.ensureCore(ctx)
	if err != nil {
		return "", err
	}

	var ext legoacme.ExtendedOrder
	err = c.call(ctx, "order", func() error {
		var err error
		ext, err = core.Orders.Get(order.URL)
		return err
	})
	if err != nil {
		return "", err
	}
	applyOrder(order, ext)
	return order.Status, nil
}

// DownloadCertificate 下载证书链
func (c *Client) DownloadCertificate(ctx context.Context, order *Order) (*Certificate, error) {
	if order.CertificateURL == "" {
		return nil, &AuthorityError{Op: "certificate", Detail: "订单尚未给出证书地址"}
	}

	core, err := c.ensureCore(ctx)
	if err != nil {
		return nil, err
	}

	var fullchain, issuer []byte
	err = c.call(ctx, "certificate", func() error {
		var err error
		fullchain, issuer, err = core.Certificates.Get(order.CertificateURL, true)
		return err
	})
	if err != nil {
		return nil, err
	}

	block, _ := pem.Decode(fullchain)
	if block == nil {
		return nil, &AuthorityError{Op: "certificate", Detail: "证书内容不是 PEM 格式"}
	}

	return &Certificate{
		URL:         order.CertificateURL,
		Certificate: pem.EncodeToMemory(block),
		Issuer:      issuer,
		Fullchain:   fullchain,
	}, nil
}

// call 执行一次协议调用，临时错误按指数退避重试，其余错误立即返回
func (c *Client) call(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return retry.Do(
		func() error {
			return wrapError(op, fn())
		},
		retry.Context(ctx),
		retry.Attempts(c.cfg.RetryAttempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(c.cfg.RetryMaxDelay),
		retry.DelayType(c.retryDelay),
		retry.RetryIf(IsTransient),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("[ACME] 请求失败，准备重试",
				zap.String("op", op),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
}

// retryDelay 优先使用 CA 给出的 Retry-After
func (c *Client) retryDelay(n uint, err error, config *retry.Config) time.Duration {
	if d := c.transport.take(); d > 0 {
		return d
	}
	return retry.BackOffDelay(n, err, config)
}

func applyOrder(order *Order, ext legoacme.ExtendedOrder) {
	order.Status = Status(ext.Status)
	if ext.Finalize != "" {
		order.FinalizeURL = ext.Finalize
	}
	if ext.Certificate != "" {
		order.CertificateURL = ext.Certificate
	}
	order.Error = problemDetail(ext.Error)
}

func problemDetail(p *legoacme.ProblemDetails) string {
	if p == nil {
		return ""
	}
	if p.Detail != "" {
		return p.Detail
	}
	return p.Type
}

// LoadOrCreateAccountKey 读取账户私钥，不存在时生成并保存
func LoadOrCreateAccountKey(path string, keyType certcrypto.KeyType) (crypto.PrivateKey, error) {
	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			key, err := certcrypto.ParsePEMPrivateKey(data)
			if err != nil {
				return nil, fmt.Errorf("解析账户私钥失败: %w", err)
			}
			return key, nil
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取账户私钥失败: %w", err)
		}
	}

	key, err := certcrypto.GeneratePrivateKey(keyType)
	if err != nil {
		return nil, fmt.Errorf("生成账户私钥失败: %w", err)
	}
	if path == "" {
		return key, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("创建账户目录失败: %w", err)
	}
	if err := os.WriteFile(path, certcrypto.PEMEncode(key), 0o600); err != nil {
		return nil, fmt.Errorf("保存账户私钥失败: %w", err)
	}
	return key, nil
}

// ParseKeyType 解析密钥类型，空值默认 EC256
func ParseKeyType(s string) (certcrypto.KeyType, error) {
	switch s {
	case "", "EC256", "ec256", "P256":
		return certcrypto.EC256, nil
	case "EC384", "ec384", "P384":
		return certcrypto.EC384, nil
	case "RSA2048", "rsa2048":
		return certcrypto.RSA2048, nil
	case "RSA3072", "rsa3072":
		return certcrypto.RSA3072, nil
	case "RSA4096", "rsa4096":
		return certcrypto.RSA4096, nil
	default:
		return "", fmt.Errorf("不支持的密钥类型: %s", s)
	}
}
