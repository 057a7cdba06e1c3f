package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/binder"
	"github.com/egbonrelu/certify/internal/challenge"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/domain"
	"github.com/egbonrelu/certify/internal/lock"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/provider"
	"github.com/egbonrelu/certify/internal/storage"
)

// Authority ACME 协议操作
type Authority interface {
	CreateOrder(ctx context.Context, domains []string) (*acme.Order, error)
	SubmitChallengeReady(ctx context.Context, ch acme.Challenge) error
	PollAuthorization(ctx context.Context, authz *acme.Authorization) (acme.AuthorizationState, error)
	FinalizeOrder(ctx context.Context, order *acme.Order, csr []byte) error
	PollOrder(ctx context.Context, order *acme.Order) (acme.Status, error)
	DownloadCertificate(ctx context.Context, order *acme.Order) (*acme.Certificate, error)
}

// ProviderResolver 挑战提供者注册表
type ProviderResolver interface {
	Lookup(key, challengeType string) (needsCredential bool, err error)
	Resolve(ctx context.Context, key, challengeType string, opts challenge.Options) (challenge.Provider, error)
}

// CertificateSaver 证书文件存储
type CertificateSaver interface {
	SaveCertificate(domain string, cert *provider.CertificateBundle) (*model.CertificateArtifact, error)
}

// Notifier 结果通知
type Notifier interface {
	NotifyCertRenewed(ctx context.Context, domain string, notAfter time.Time) error
	NotifyCertFailed(ctx context.Context, domain, stage, reason string) error
	NotifyBindingWarning(ctx context.Context, domain string, warnings []string) error
	NotifyValidationTimeout(ctx context.Context, domain, orderURL string) error
	NotifyCertExpiring(ctx context.Context, domain string, daysRemaining int) error
}

// CredentialLookup 按名称查找凭证
type CredentialLookup func(key string) (*config.CredentialConfig, error)

// Options 轮询与超时参数
type Options struct {
	PollInitialInterval time.Duration
	PollMultiplier      float64
	PollMaxInterval     time.Duration
	ValidationTimeout   time.Duration
	ObserveTimeout      time.Duration
	FinalizeTimeout     time.Duration
	QueueWhenBusy       bool
	PostCommand         string
}

// DefaultOptions 默认参数
func DefaultOptions() Options {
	return Options{
		PollInitialInterval: 2 * time.Second,
		PollMultiplier:      2,
		PollMaxInterval:     30 * time.Second,
		ValidationTimeout:   5 * time.Minute,
		ObserveTimeout:      2 * time.Minute,
		FinalizeTimeout:     2 * time.Minute,
	}
}

// OptionsFromConfig 从配置生成参数
func OptionsFromConfig(cfg *config.Config) Options {
	o := cfg.Orchestrator
	return Options{
		PollInitialInterval: o.PollInitialInterval,
		PollMultiplier:      o.PollMultiplier,
		PollMaxInterval:     o.PollMaxInterval,
		ValidationTimeout:   o.ValidationTimeout,
		ObserveTimeout:      o.ObserveTimeout,
		FinalizeTimeout:     o.FinalizeTimeout,
		QueueWhenBusy:       o.QueueWhenBusy,
		PostCommand:         cfg.PostCommand,
	}
}

// Deps 编排器依赖，Binder、Executor、Notifier 可以为空
type Deps struct {
	Authority   Authority
	Providers   ProviderResolver
	Credentials CredentialLookup
	Binder      binder.Binder
	Store       storage.Store
	Files       CertificateSaver
	Locks       lock.Registry
	Executor    binder.CommandRunner
	Notifier    Notifier
	Clock       clock.Clock
	Logger      *zap.Logger
}

// Orchestrator 驱动一次 ACME 订单从创建到签发、部署的完整流程
type Orchestrator struct {
	deps Deps
	opts Options
}

// NewOrchestrator 创建编排器
func NewOrchestrator(deps Deps, opts Options) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Locks == nil {
		deps.Locks = lock.NewMemoryRegistry()
	}
	def := DefaultOptions()
	if opts.PollInitialInterval <= 0 {
		opts.PollInitialInterval = def.PollInitialInterval
	}
	if opts.PollMultiplier < 1 {
		opts.PollMultiplier = def.PollMultiplier
	}
	if opts.PollMaxInterval <= 0 {
		opts.PollMaxInterval = def.PollMaxInterval
	}
	if opts.ValidationTimeout <= 0 {
		opts.ValidationTimeout = def.ValidationTimeout
	}
	if opts.ObserveTimeout <= 0 {
		opts.ObserveTimeout = def.ObserveTimeout
	}
	if opts.FinalizeTimeout <= 0 {
		opts.FinalizeTimeout = def.FinalizeTimeout
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// plan 预检结果
type plan struct {
	domains       []string
	challengeType string
	providerKey   string
	providerOpts  challenge.Options
	keyType       certcrypto.KeyType
}

// Preflight 检查申请配置，不访问网络
func (o *Orchestrator) Preflight(mc *model.ManagedCertificate) error {
	_, err := o.preflight(mc)
	return err
}

func (o *Orchestrator) preflight(mc *model.ManagedCertificate) (*plan, error) {
	if mc == nil {
		return nil, fmt.Errorf("%w: 托管证书为空", ErrConfiguration)
	}
	rc := mc.RequestConfig
	p := &plan{domains: rc.Domains()}
	if len(p.domains) == 0 {
		return nil, fmt.Errorf("%w: 域名列表为空", ErrConfiguration)
	}
	for _, d := range p.domains {
		if err := domain.Validate(d); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}

	p.challengeType = strings.ToLower(string(rc.ChallengeType))
	switch p.challengeType {
	case acme.ChallengeHTTP01:
		for _, d := range p.domains {
			if domain.IsWildcard(d) {
				return nil, &RequestError{Kind: ErrConfiguration, Stage: StageInitiated, Domain: d,
					Err: errors.New("通配符域名只能使用 dns-01 验证")}
			}
		}
	case acme.ChallengeDNS01:
	default:
		return nil, fmt.Errorf("%w: 不支持的挑战类型 %q", ErrConfiguration, rc.ChallengeType)
	}

	keyType, err := acme.ParseKeyType(rc.KeyType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	p.keyType = keyType

	if rc.ChallengeCredentialKey != "" {
		if o.deps.Credentials == nil {
			return nil, fmt.Errorf("%w: 凭证 %s 不可用", ErrConfiguration, rc.ChallengeCredentialKey)
		}
		cred, err := o.deps.Credentials(rc.ChallengeCredentialKey)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
		p.providerOpts.Credential = cred
	}
	if p.challengeType == acme.ChallengeHTTP01 && rc.PerformChallengeFileCopy {
		p.providerOpts.WebsiteRoot = rc.WebsiteRootPath
		p.providerOpts.SelfCheck = rc.PerformExtensionlessConfigChecks
	}

	p.providerKey = rc.ChallengeProvider
	if p.providerKey == "" {
		p.providerKey = challenge.DefaultKey(p.challengeType, p.providerOpts.WebsiteRoot, p.providerOpts.Credential)
	}
	if p.providerKey == "" {
		return nil, fmt.Errorf("%w: 未指定 %s 提供者", ErrConfiguration, p.challengeType)
	}
	needsCredential, err := o.deps.Providers.Lookup(p.providerKey, p.challengeType)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConfiguration, err)
	}
	if needsCredential && p.providerOpts.Credential == nil {
		return nil, fmt.Errorf("%w: 提供者 %s 需要凭证", ErrConfiguration, p.providerKey)
	}
	return p, nil
}

// RequestCertificate 执行一次完整的申请。该方法总是返回 Outcome，不会 panic
func (o *Orchestrator) RequestCertificate(ctx context.Context, mc *model.ManagedCertificate) (out Outcome) {
	snapshot := mc.Clone()
	r := &run{
		o:      o,
		mc:     snapshot,
		stage:  StageInitiated,
		logger: o.deps.Logger.With(zap.String("run", uuid.NewString())),
	}
	if snapshot != nil {
		r.logger = r.logger.With(zap.String("cert", snapshot.ID), zap.String("domain", snapshot.RequestConfig.PrimaryDomain))
	}

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("签发流程异常", zap.Any("panic", p), zap.Stack("stack"))
			out = failed(ErrInternal, r.stage, "", fmt.Errorf("panic: %v", p))
		}
	}()

	if snapshot == nil {
		return failed(ErrConfiguration, StageInitiated, "", errors.New("托管证书为空"))
	}

	lease, err := o.acquire(ctx, r.lockID())
	if err != nil {
		r.logger.Warn("该证书已有运行在进行", zap.Error(err))
		return failed(classifyLock(err), StageInitiated, "", err)
	}
	defer lease.Release(context.WithoutCancel(ctx))

	r.logger.Info("========== 开始申请证书 ==========", zap.Strings("domains", snapshot.RequestConfig.Domains()))
	out = r.execute(ctx)
	o.finish(ctx, r, &out)
	return out
}

func (o *Orchestrator) acquire(ctx context.Context, id string) (lock.Lease, error) {
	if o.opts.QueueWhenBusy {
		return o.deps.Locks.Acquire(ctx, id)
	}
	return o.deps.Locks.TryAcquire(ctx, id)
}

func classifyLock(err error) error {
	if errors.Is(err, lock.ErrAlreadyInProgress) {
		return ErrAlreadyInProgress
	}
	return classify(err, ErrInternal)
}

// finish 执行后置命令、写入结果、发送通知
func (o *Orchestrator) finish(ctx context.Context, r *run, out *Outcome) {
	bg := context.WithoutCancel(ctx)

	if out.Succeeded() && o.opts.PostCommand != "" && o.deps.Executor != nil {
		vars := commandVars(r.mc.RequestConfig.PrimaryDomain, out.Artifact)
		if err := o.deps.Executor.RunCommand(bg, o.opts.PostCommand, vars); err != nil {
			r.logger.Warn("执行后置命令失败", zap.Error(err))
			out.addWarning("post_command: " + err.Error())
		}
	}

	o.persist(bg, r, out)
	o.notify(bg, r, out)

	if out.Succeeded() {
		r.logger.Info("========== 证书申请完成 ==========",
			zap.String("status", string(out.Status)),
			zap.Time("not_after", out.Artifact.NotAfter),
			zap.Strings("warnings", out.Warnings),
		)
	} else {
		r.logger.Error("========== 证书申请失败 ==========",
			zap.String("stage", string(out.Stage)),
			zap.Error(out.Err),
		)
	}
}

// persist 只更新本次运行的结果；记录已被删除时结果丢弃
func (o *Orchestrator) persist(ctx context.Context, r *run, out *Outcome) {
	if o.deps.Store == nil || r.mc.ID == "" {
		return
	}
	result := out.result()
	result.TimestampUTC = o.deps.Clock.Now().UTC()

	err := o.deps.Store.Update(ctx, r.mc.ID, func(mc *model.ManagedCertificate) error {
		mc.LastResult = result
		if out.Artifact != nil {
			mc.Certificate = out.Artifact
		}
		mc.UpdatedAt = result.TimestampUTC
		return nil
	})
	switch {
	case err == nil:
	case errors.Is(err, storage.ErrNotFound):
		r.logger.Info("托管证书已被删除，本次结果不再保存")
	default:
		r.logger.Error("保存运行结果失败", zap.Error(err))
		out.StoreErr = &RequestError{Kind: ErrStore, Stage: out.Stage, Err: err}
		if out.Succeeded() {
			out.addWarning("store: " + err.Error())
		}
	}
}

func (o *Orchestrator) notify(ctx context.Context, r *run, out *Outcome) {
	n := o.deps.Notifier
	if n == nil {
		return
	}
	primary := r.mc.RequestConfig.PrimaryDomain

	var err error
	switch {
	case out.Status == model.ResultCompleted:
		err = n.NotifyCertRenewed(ctx, primary, out.Artifact.NotAfter)
	case out.Status == model.ResultCompletedWithWarning:
		err = n.NotifyBindingWarning(ctx, primary, out.Warnings)
	case out.Err != nil && errors.Is(out.Err, ErrValidationTimeout):
		err = n.NotifyValidationTimeout(ctx, primary, r.orderURL())
	default:
		err = n.NotifyCertFailed(ctx, primary, string(out.Stage), out.Detail())
	}
	if err != nil {
		r.logger.Warn("发送通知失败", zap.Error(err))
	}
}

// pendingChallenge 本次需要完成的挑战
type pendingChallenge struct {
	authz     *acme.Authorization
	challenge acme.Challenge
}

// proofSet 已发布的验证内容，清理只执行一次
type proofSet struct {
	mu       sync.Mutex
	provider challenge.Provider
	items    []pendingChallenge
	cleaned  bool
}

func (s *proofSet) add(pc pendingChallenge) {
	s.mu.Lock()
	s.items = append(s.items, pc)
	s.mu.Unlock()
}

func (s *proofSet) cleanup(ctx context.Context, logger *zap.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cleaned {
		return
	}
	s.cleaned = true
	for _, pc := range s.items {
		if err := s.provider.Cleanup(ctx, pc.authz.Domain, pc.challenge); err != nil {
			logger.Warn("清理验证内容失败", zap.String("authz", pc.authz.Domain), zap.Error(err))
		}
	}
}

// run 一次运行的状态，只属于这一次调用
type run struct {
	o      *Orchestrator
	mc     *model.ManagedCertificate
	stage  Stage
	order  *acme.Order
	logger *zap.Logger
}

func (r *run) lockID() string {
	if r.mc.ID != "" {
		return r.mc.ID
	}
	return r.mc.RequestConfig.PrimaryDomain
}

func (r *run) orderURL() string {
	if r.order == nil {
		return ""
	}
	return r.order.URL
}

// advance 进入下一阶段，此时检查取消
func (r *run) advance(ctx context.Context, next Stage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.logger.Debug("阶段变更", zap.String("from", string(r.stage)), zap.String("to", string(next)))
	r.stage = next
	return nil
}

func (r *run) fail(kind error, d string, err error) Outcome {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return Outcome{Status: model.ResultFailed, Stage: reqErr.Stage, Err: reqErr}
	}
	return failed(classify(err, kind), r.stage, d, err)
}

func (r *run) execute(ctx context.Context) Outcome {
	o := r.o
	p, err := o.preflight(r.mc)
	if err != nil {
		return r.fail(ErrConfiguration, "", err)
	}
	if err := ctx.Err(); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	prov, err := o.deps.Providers.Resolve(ctx, p.providerKey, p.challengeType, p.providerOpts)
	if err != nil {
		return r.fail(ErrConfiguration, "", err)
	}

	order, err := o.deps.Authority.CreateOrder(ctx, p.domains)
	if err != nil {
		return r.fail(ErrAuthority, "", err)
	}
	r.order = order
	if err := r.advance(ctx, StageOrderCreated); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	pending, d, err := r.selectChallenges(p.challengeType)
	if err != nil {
		return r.fail(ErrConfiguration, d, err)
	}

	proofs := &proofSet{provider: prov}
	defer proofs.cleanup(context.WithoutCancel(ctx), r.logger)

	// 全部准备成功后才通知 CA
	for _, pc := range pending {
		if err := ctx.Err(); err != nil {
			return r.fail(ErrCancelled, pc.authz.Domain, err)
		}
		if err := prov.Prepare(ctx, pc.authz.Domain, pc.challenge); err != nil {
			return r.fail(ErrProvisioning, pc.authz.Domain, err)
		}
		proofs.add(pc)
	}
	if err := r.advance(ctx, StageChallengesPrepared); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	r.observe(ctx, prov, pending)

	for _, pc := range pending {
		if err := o.deps.Authority.SubmitChallengeReady(ctx, pc.challenge); err != nil {
			return r.fail(ErrAuthority, pc.authz.Domain, err)
		}
	}
	if err := r.advance(ctx, StageValidating); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	if d, err := r.awaitAuthorizations(ctx, pending); err != nil {
		return r.fail(ErrAuthority, d, err)
	}
	if err := r.advance(ctx, StageFinalizing); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	certKey, err := certcrypto.GeneratePrivateKey(p.keyType)
	if err != nil {
		return r.fail(ErrInternal, "", fmt.Errorf("生成证书私钥失败: %w", err))
	}
	csr, err := certcrypto.GenerateCSR(certKey, p.domains[0], p.domains[1:], false)
	if err != nil {
		return r.fail(ErrInternal, "", fmt.Errorf("生成 CSR 失败: %w", err))
	}
	if err := o.deps.Authority.FinalizeOrder(ctx, order, csr); err != nil {
		return r.fail(ErrAuthority, "", err)
	}
	if err := r.awaitOrder(ctx); err != nil {
		return r.fail(ErrAuthority, "", err)
	}
	if err := r.advance(ctx, StageDownloading); err != nil {
		return r.fail(ErrCancelled, "", err)
	}

	cert, err := o.deps.Authority.DownloadCertificate(ctx, order)
	if err != nil {
		return r.fail(ErrAuthority, "", err)
	}
	artifact, err := o.deps.Files.SaveCertificate(p.domains[0], &provider.CertificateBundle{
		Name:        r.mc.Name,
		Domain:      p.domains[0],
		Certificate: string(cert.Certificate),
		Chain:       string(cert.Issuer),
		Fullchain:   string(cert.Fullchain),
		PrivateKey:  string(certcrypto.PEMEncode(certKey)),
	})
	if err != nil {
		return r.fail(ErrStore, "", err)
	}
	artifact.CertURL = cert.URL
	r.logger.Info("证书已下载", zap.String("path", artifact.Path), zap.Time("not_after", artifact.NotAfter))

	// 证书已签发，之后的问题只作为警告
	var warnings []string
	if r.mc.RequestConfig.PerformAutomatedCertBinding {
		r.stage = StageBinding
		warnings = r.bind(ctx, p.domains, artifact)
	}

	r.stage = StageCompleted
	return completed(artifact, warnings)
}

// selectChallenges 为每个未完成的授权选出指定类型的挑战，已经有效的授权直接复用
func (r *run) selectChallenges(challengeType string) ([]pendingChallenge, string, error) {
	var pending []pendingChallenge
	for _, authz := range r.order.Authorizations {
		switch {
		case authz.Status == acme.StatusValid:
			r.logger.Info("授权已有效，跳过验证", zap.String("authz", authz.Domain))
			continue
		case authz.Status.Terminal():
			return nil, authz.Domain, &acme.AuthorityError{Op: "authorization", Detail: "授权状态为 " + string(authz.Status)}
		}
		ch, ok := authz.Challenge(challengeType)
		if !ok {
			return nil, authz.Domain, fmt.Errorf("CA 未提供 %s 挑战，可用: %s", challengeType, strings.Join(authz.Offered(), ", "))
		}
		pending = append(pending, pendingChallenge{authz: authz, challenge: ch})
	}
	return pending, "", nil
}

// observe 提交前在本地确认验证内容可见，确认不了也继续提交
func (r *run) observe(ctx context.Context, prov challenge.Provider, pending []pendingChallenge) {
	g, gctx := errgroup.WithContext(ctx)
	for _, pc := range pending {
		pc := pc
		g.Go(func() error {
			if !prov.WaitUntilObservable(gctx, pc.authz.Domain, pc.challenge, r.o.opts.ObserveTimeout) {
				r.logger.Warn("本地未能确认验证内容可见，继续提交", zap.String("authz", pc.authz.Domain))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (r *run) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.o.opts.PollInitialInterval
	b.Multiplier = r.o.opts.PollMultiplier
	b.MaxInterval = r.o.opts.PollMaxInterval
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Clock = r.o.deps.Clock
	b.Reset()
	return b
}

// wait 按退避间隔等待，不超过期限；期限已到返回 false
func (r *run) wait(ctx context.Context, b *backoff.ExponentialBackOff, deadline time.Time) (bool, error) {
	clk := r.o.deps.Clock
	remaining := deadline.Sub(clk.Now())
	if remaining <= 0 {
		return false, nil
	}
	d := b.NextBackOff()
	if d == backoff.Stop || d > remaining {
		d = remaining
	}
	if err := clock.Sleep(ctx, clk, d); err != nil {
		return false, err
	}
	return true, nil
}

// awaitAuthorizations 轮询直到全部有效、任一失败或超过验证期限
func (r *run) awaitAuthorizations(ctx context.Context, pending []pendingChallenge) (string, error) {
	deadline := r.o.deps.Clock.Now().Add(r.o.opts.ValidationTimeout)
	b := r.newBackOff()

	remaining := pending
	for {
		var next []pendingChallenge
		for _, pc := range remaining {
			state, err := r.o.deps.Authority.PollAuthorization(ctx, pc.authz)
			if err != nil {
				return pc.authz.Domain, err
			}
			if pc.authz.Advance(state.Status) {
				r.logger.Info("授权状态变更", zap.String("authz", pc.authz.Domain), zap.String("status", string(pc.authz.Status)))
			}

			switch {
			case pc.authz.Status == acme.StatusValid:
			case pc.authz.Status.Terminal():
				detail := state.Detail
				if detail == "" {
					detail = "授权状态为 " + string(pc.authz.Status)
				}
				return pc.authz.Domain, &acme.AuthorityError{Op: "authorization", Detail: detail}
			default:
				next = append(next, pc)
			}
		}
		if len(next) == 0 {
			return "", nil
		}
		remaining = next

		ok, err := r.wait(ctx, b, deadline)
		if err != nil {
			return remaining[0].authz.Domain, err
		}
		if !ok {
			return remaining[0].authz.Domain, &RequestError{
				Kind:   ErrValidationTimeout,
				Stage:  StageValidating,
				Domain: remaining[0].authz.Domain,
				Err:    fmt.Errorf("%s 内未完成验证", r.o.opts.ValidationTimeout),
			}
		}
	}
}

// awaitOrder 等待订单变为 valid
func (r *run) awaitOrder(ctx context.Context) error {
	if r.order.Status == acme.StatusValid {
		return nil
	}
	deadline := r.o.deps.Clock.Now().Add(r.o.opts.FinalizeTimeout)
	b := r.newBackOff()
	for {
		status, err := r.o.deps.Authority.PollOrder(ctx, r.order)
		if err != nil {
			return err
		}
		switch status {
		case acme.StatusValid:
			return nil
		case acme.StatusInvalid:
			detail := r.order.Error
			if detail == "" {
				detail = "订单状态为 invalid"
			}
			return &acme.AuthorityError{Op: "order", Detail: detail}
		}

		ok, err := r.wait(ctx, b, deadline)
		if err != nil {
			return err
		}
		if !ok {
			return &RequestError{
				Kind:  ErrValidationTimeout,
				Stage: StageFinalizing,
				Err:   fmt.Errorf("%s 内未完成签发", r.o.opts.FinalizeTimeout),
			}
		}
	}
}

// bind 部署到站点，失败只记录警告
func (r *run) bind(ctx context.Context, domains []string, artifact *model.CertificateArtifact) []string {
	b := r.o.deps.Binder
	if b == nil {
		return []string{"binding: 未配置部署目标"}
	}

	var warnings []string
	var sites []binder.SiteRef
	seen := make(map[string]bool)
	addSite := func(s binder.SiteRef) {
		key := strings.ToLower(s.Name)
		if !seen[key] {
			seen[key] = true
			sites = append(sites, s)
		}
	}

	if targets := r.mc.RequestConfig.BindingTargets; len(targets) > 0 {
		for _, t := range targets {
			addSite(binder.SiteRef{Name: t})
		}
	} else {
		for _, d := range domains {
			refs, err := b.ResolveSites(ctx, d)
			if err != nil {
				r.logger.Debug("域名没有对应的站点", zap.String("domain", d), zap.Error(err))
				continue
			}
			for _, ref := range refs {
				addSite(ref)
			}
		}
		if len(sites) == 0 {
			return []string{fmt.Sprintf("binding: %v", fmt.Errorf("%w: %s", binder.ErrSiteNotFound, strings.Join(domains, ", ")))}
		}
	}

	for _, site := range sites {
		if err := b.InstallCertificate(ctx, site, artifact); err != nil {
			r.logger.Warn("部署证书失败", zap.String("site", site.Name), zap.Error(err))
			warnings = append(warnings, fmt.Sprintf("binding %s: %v", site.Name, err))
		}
	}
	return warnings
}
