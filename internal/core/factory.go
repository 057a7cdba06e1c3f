package core

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/binder"
	"github.com/egbonrelu/certify/internal/challenge"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/lock"
	"github.com/egbonrelu/certify/internal/notification"
	"github.com/egbonrelu/certify/internal/provider"
	"github.com/egbonrelu/certify/internal/provider/aliyun"
	"github.com/egbonrelu/certify/internal/provider/huawei"
	"github.com/egbonrelu/certify/internal/provider/route53"
	"github.com/egbonrelu/certify/internal/provider/tencent"
	"github.com/egbonrelu/certify/internal/storage"
)

// App 按配置装配好的全部组件
type App struct {
	Config       *config.Config
	Manager      *Manager
	Orchestrator *Orchestrator
	Registry     *challenge.Registry
	Logger       *zap.Logger

	closers []func() error
}

// Close 释放存储与锁的连接
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ChallengeHandler 内置 http-01 服务的处理器
func (a *App) ChallengeHandler() http.Handler {
	return a.Registry.Memory()
}

// Build 按配置创建全部组件。ACME 目录在首次申请时才获取
func Build(cfg *config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{Config: cfg, Logger: logger}
	clk := clock.Real{}

	authority, err := newAuthority(cfg, logger)
	if err != nil {
		return nil, err
	}

	store, err := newStore(cfg, app)
	if err != nil {
		return nil, err
	}
	locks := newLocks(cfg, app, logger)

	app.Registry = newRegistry(cfg, clk, logger)
	executor := NewExecutor(logger)
	notifier := notification.NewWebhookNotifier(cfg.Webhook, logger)

	orchestrator := NewOrchestrator(Deps{
		Authority:   authority,
		Providers:   app.Registry,
		Credentials: cfg.Credential,
		Binder:      newRouter(cfg, executor, logger),
		Store:       store,
		Files:       storage.NewFileStorage(cfg.Storage.Dir, logger),
		Locks:       locks,
		Executor:    executor,
		Notifier:    notifier,
		Clock:       clk,
		Logger:      logger,
	}, OptionsFromConfig(cfg))
	app.Orchestrator = orchestrator

	app.Manager = NewManager(store, orchestrator, NewValidator(clk, logger), notifier, ManagerOptions{
		RenewDays:   cfg.Renewal.RenewDays,
		CheckOnline: cfg.Renewal.CheckOnline,
		Concurrency: cfg.Orchestrator.Concurrency,
	}, logger)

	return app, nil
}

func newAuthority(cfg *config.Config, logger *zap.Logger) (*acme.Client, error) {
	keyType, err := acme.ParseKeyType(cfg.ACME.KeyType)
	if err != nil {
		return nil, err
	}
	key, err := acme.LoadOrCreateAccountKey(cfg.ACME.AccountKeyPath, keyType)
	if err != nil {
		return nil, err
	}
	return acme.NewClient(acme.Config{
		DirectoryURL:  cfg.ACME.DirectoryURL,
		Email:         cfg.ACME.Email,
		UserAgent:     cfg.ACME.UserAgent,
		AccountKey:    key,
		HTTPTimeout:   cfg.ACME.HTTPTimeout,
		RetryAttempts: cfg.ACME.RetryAttempts,
	}, logger.Named("acme"))
}

func newStore(cfg *config.Config, app *App) (storage.Store, error) {
	switch cfg.Store.Driver {
	case "file":
		return storage.OpenFileStore(cfg.Store.Path)
	case "postgres", "mysql":
		s, err := storage.OpenGormStore(cfg.Store.Driver, cfg.Store.DSN)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, s.Close)
		return s, nil
	default:
		return nil, fmt.Errorf("不支持的存储驱动: %s", cfg.Store.Driver)
	}
}

func newLocks(cfg *config.Config, app *App, logger *zap.Logger) lock.Registry {
	if cfg.Lock.Driver != "redis" {
		return lock.NewMemoryRegistry()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Lock.Addr,
		Password: cfg.Lock.Password,
		DB:       cfg.Lock.DB,
	})
	app.closers = append(app.closers, client.Close)
	return lock.NewRedisRegistry(client, cfg.Lock.TTL, cfg.Lock.Prefix, logger)
}

// newRegistry 登记各云平台的 dns-01 提供者
func newRegistry(cfg *config.Config, clk clock.Clock, logger *zap.Logger, opts ...challenge.RegistryOption) *challenge.Registry {
	r := challenge.NewRegistry(append([]challenge.RegistryOption{
		challenge.WithRegistryChecker(challenge.NewAuthoritativeChecker(nil, 10*time.Second)),
		challenge.WithRegistryClock(clk),
		challenge.WithRegistryLogger(logger.Named("challenge")),
		challenge.WithSelfCheckClient(&http.Client{Timeout: 10 * time.Second}),
		challenge.WithRegistryCNAMEFollow(cfg.Orchestrator.DNS01FollowCNAME),
	}, opts...)...)
	r.RegisterDNS("aliyun", func(_ context.Context, cred *config.CredentialConfig, l *zap.Logger) (provider.RecordClient, error) {
		return aliyun.NewDNSProvider(cred.Aliyun(), l)
	})
	r.RegisterDNS("tencent", func(_ context.Context, cred *config.CredentialConfig, l *zap.Logger) (provider.RecordClient, error) {
		return tencent.NewDNSProvider(cred.Tencent(), l)
	})
	r.RegisterDNS("huawei", func(_ context.Context, cred *config.CredentialConfig, l *zap.Logger) (provider.RecordClient, error) {
		return huawei.NewDNSProvider(cred.Huawei(), l)
	})
	r.RegisterDNS("route53", func(ctx context.Context, cred *config.CredentialConfig, l *zap.Logger) (provider.RecordClient, error) {
		return route53.NewDNSProvider(ctx, cred.Route53(), l)
	})
	return r
}

// newRouter 登记各类部署目标
func newRouter(cfg *config.Config, runner binder.CommandRunner, logger *zap.Logger) *binder.Router {
	l := logger.Named("binder")
	router := binder.NewRouter(cfg.Sites, l)
	router.Register("local", binder.NewLocalDeployer(runner, l))
	router.Register("ssh", binder.NewSSHDeployer(l))
	router.Register("aliyun_cas", binder.NewCloudDeployer(cfg.Credential,
		func(cred *config.CredentialConfig, l *zap.Logger) (provider.CertUploader, error) {
			return aliyun.NewCertUploader(cred.Aliyun(), l)
		}, l))
	router.Register("tencent_ssl", binder.NewCloudDeployer(cfg.Credential,
		func(cred *config.CredentialConfig, l *zap.Logger) (provider.CertUploader, error) {
			return tencent.NewCertUploader(cred.Tencent(), l)
		}, l))
	router.Register("huawei_scm", binder.NewCloudDeployer(cfg.Credential,
		func(cred *config.CredentialConfig, l *zap.Logger) (provider.CertUploader, error) {
			return huawei.NewCertUploader(cred.Huawei(), l)
		}, l))
	return router
}
