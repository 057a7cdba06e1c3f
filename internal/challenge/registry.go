package challenge

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// 内置提供者名称
const (
	KeyHTTP01File       = "http01.file"
	KeyHTTP01Memory     = "http01.memory"
	KeyDNS01Cloudflare  = "dns01.cloudflare"
	dns01Prefix         = "dns01."
	dns01LegacyAPIInfix = "dns01.api."
)

// RecordClientFactory 按凭证构造 DNS 记录客户端
type RecordClientFactory func(ctx context.Context, cred *config.CredentialConfig, logger *zap.Logger) (provider.RecordClient, error)

// Options 解析提供者所需的请求参数
type Options struct {
	Credential  *config.CredentialConfig
	WebsiteRoot string
	SelfCheck   bool
}

type builder struct {
	challengeType   string
	needsCredential bool
	build           func(ctx context.Context, opts Options) (Provider, error)
}

// Registry 提供者注册表，名称不区分大小写
type Registry struct {
	mu       sync.RWMutex
	builders map[string]builder

	memory      *HTTP01MemoryProvider
	checker     TXTChecker
	clock       clock.Clock
	httpClient  *http.Client
	followCNAME bool
	findZone    func(fqdn string) (string, error)
	logger      *zap.Logger
}

// RegistryOption 注册表选项
type RegistryOption func(*Registry)

// WithRegistryChecker dns-01 可见性检查器
func WithRegistryChecker(c TXTChecker) RegistryOption {
	return func(r *Registry) { r.checker = c }
}

// WithRegistryClock 时钟
func WithRegistryClock(c clock.Clock) RegistryOption {
	return func(r *Registry) { r.clock = c }
}

// WithRegistryLogger 日志
func WithRegistryLogger(l *zap.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// WithSelfCheckClient http-01 自检使用的 HTTP 客户端
func WithSelfCheckClient(c *http.Client) RegistryOption {
	return func(r *Registry) { r.httpClient = c }
}

// WithRegistryCNAMEFollow dns-01 记录跟随 CNAME
func WithRegistryCNAMEFollow(follow bool) RegistryOption {
	return func(r *Registry) { r.followCNAME = follow }
}

// WithRegistryZoneFinder dns-01 区域查找，默认通过 SOA 查询
func WithRegistryZoneFinder(fn func(fqdn string) (string, error)) RegistryOption {
	return func(r *Registry) { r.findZone = fn }
}

// NewRegistry 创建注册表并登记内置提供者
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		builders: make(map[string]builder),
		clock:    clock.Real{},
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.memory = NewHTTP01MemoryProvider(r.logger)

	r.register(KeyHTTP01File, builder{
		challengeType: acme.ChallengeHTTP01,
		build: func(ctx context.Context, o Options) (Provider, error) {
			httpOpts := []HTTP01Option{WithHTTP01Clock(r.clock), WithHTTP01Logger(r.logger)}
			if o.SelfCheck {
				httpOpts = append(httpOpts, WithSelfCheck(r.httpClient))
			}
			return NewHTTP01FileProvider(o.WebsiteRoot, httpOpts...)
		},
	})
	r.register(KeyHTTP01Memory, builder{
		challengeType: acme.ChallengeHTTP01,
		build: func(context.Context, Options) (Provider, error) {
			return r.memory, nil
		},
	})
	r.register(KeyDNS01Cloudflare, builder{
		challengeType:   acme.ChallengeDNS01,
		needsCredential: true,
		build: func(ctx context.Context, o Options) (Provider, error) {
			return NewCloudflareProvider(o.Credential, r.checker, r.clock, r.logger)
		},
	})
	return r
}

// RegisterDNS 登记一个基于 RecordClient 的 dns-01 提供者，名称为 dns01.<name>
func (r *Registry) RegisterDNS(name string, factory RecordClientFactory) {
	key := dns01Prefix + strings.ToLower(name)
	r.register(key, builder{
		challengeType:   acme.ChallengeDNS01,
		needsCredential: true,
		build: func(ctx context.Context, o Options) (Provider, error) {
			client, err := factory(ctx, o.Credential, r.logger)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCredential, err)
			}
			dnsOpts := []DNS01Option{
				WithChecker(r.checker),
				WithDNS01Clock(r.clock),
				WithDNS01Logger(r.logger),
			}
			if r.followCNAME {
				dnsOpts = append(dnsOpts, WithCNAMEFollow())
			}
			if r.findZone != nil {
				dnsOpts = append(dnsOpts, WithZoneFinder(r.findZone))
			}
			return NewDNS01RecordProvider(key, client, dnsOpts...), nil
		},
	})
}

func (r *Registry) register(key string, b builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[strings.ToLower(key)] = b
}

// Memory 内置 HTTP 服务使用的内存提供者
func (r *Registry) Memory() *HTTP01MemoryProvider { return r.memory }

// canonical 统一名称：小写，dns01.api.<x> 视为 dns01.<x>
func canonical(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if strings.HasPrefix(key, dns01LegacyAPIInfix) {
		key = dns01Prefix + strings.TrimPrefix(key, dns01LegacyAPIInfix)
	}
	return key
}

// DefaultKey 未指定提供者时按挑战类型选择
func DefaultKey(challengeType string, websiteRoot string, cred *config.CredentialConfig) string {
	switch strings.ToLower(challengeType) {
	case acme.ChallengeHTTP01:
		if websiteRoot != "" {
			return KeyHTTP01File
		}
		return KeyHTTP01Memory
	case acme.ChallengeDNS01:
		if cred != nil && cred.Type != "" {
			return dns01Prefix + strings.ToLower(cred.Type)
		}
	}
	return ""
}

// Lookup 只检查名称与类型，不构造提供者，也不访问网络
func (r *Registry) Lookup(key, challengeType string) (needsCredential bool, err error) {
	b, name, err := r.find(key)
	if err != nil {
		return false, err
	}
	if !strings.EqualFold(b.challengeType, challengeType) {
		return false, fmt.Errorf("%w: %s 处理 %s，请求的是 %s", ErrTypeMismatch, name, b.challengeType, challengeType)
	}
	return b.needsCredential, nil
}

// Resolve 构造提供者
func (r *Registry) Resolve(ctx context.Context, key, challengeType string, opts Options) (Provider, error) {
	needsCredential, err := r.Lookup(key, challengeType)
	if err != nil {
		return nil, err
	}
	if needsCredential && opts.Credential == nil {
		return nil, fmt.Errorf("%w: %s 需要凭证", ErrCredential, canonical(key))
	}
	b, _, _ := r.find(key)
	return b.build(ctx, opts)
}

func (r *Registry) find(key string) (builder, string, error) {
	name := canonical(key)
	r.mu.RLock()
	b, ok := r.builders[name]
	r.mu.RUnlock()
	if !ok {
		return builder{}, name, fmt.Errorf("%w: %q", ErrUnknownProvider, key)
	}
	return b, name, nil
}
