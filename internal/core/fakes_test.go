package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/binder"
	"github.com/egbonrelu/certify/internal/challenge"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/provider"
	"github.com/egbonrelu/certify/internal/storage"
)

var testStart = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

// fakeAuthority 按脚本返回授权状态
type fakeAuthority struct {
	mu        sync.Mutex
	statuses  map[string][]acme.Status // 每次轮询依次返回，用完后重复最后一个
	polls     map[string]int
	submitted []string
	creates   int
	finalized int

	newOrder func(domains []string) *acme.Order
	onCreate func()
	onPoll   func(domain string)
}

func newFakeAuthority() *fakeAuthority {
	return &fakeAuthority{
		statuses: make(map[string][]acme.Status),
		polls:    make(map[string]int),
	}
}

func defaultOrder(domains []string) *acme.Order {
	order := &acme.Order{URL: "https://ca.test/order/1", Status: acme.StatusPending, Domains: domains}
	for _, d := range domains {
		order.Authorizations = append(order.Authorizations, &acme.Authorization{
			URL:      "https://ca.test/authz/" + d,
			Domain:   d,
			Wildcard: strings.HasPrefix(d, "*."),
			Status:   acme.StatusPending,
			Challenges: []acme.Challenge{
				{Type: acme.ChallengeHTTP01, URL: "https://ca.test/chall/http/" + d, Token: "tok-http", KeyAuthorization: "tok-http.thumb"},
				{Type: acme.ChallengeDNS01, URL: "https://ca.test/chall/dns/" + d, Token: "tok-dns", KeyAuthorization: "tok-dns.thumb"},
			},
		})
	}
	return order
}

func (a *fakeAuthority) CreateOrder(_ context.Context, domains []string) (*acme.Order, error) {
	a.mu.Lock()
	a.creates++
	build := a.newOrder
	hook := a.onCreate
	a.mu.Unlock()

	if hook != nil {
		hook()
	}
	if build == nil {
		build = defaultOrder
	}
	return build(domains), nil
}

func (a *fakeAuthority) SubmitChallengeReady(_ context.Context, ch acme.Challenge) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.submitted = append(a.submitted, ch.URL)
	return nil
}

func (a *fakeAuthority) PollAuthorization(_ context.Context, authz *acme.Authorization) (acme.AuthorizationState, error) {
	a.mu.Lock()
	seq, ok := a.statuses[authz.Domain]
	if !ok || len(seq) == 0 {
		seq = []acme.Status{acme.StatusValid}
	}
	i := a.polls[authz.Domain]
	a.polls[authz.Domain] = i + 1
	hook := a.onPoll
	a.mu.Unlock()

	if hook != nil {
		hook(authz.Domain)
	}
	if i >= len(seq) {
		i = len(seq) - 1
	}
	return acme.AuthorizationState{Status: seq[i]}, nil
}

func (a *fakeAuthority) FinalizeOrder(_ context.Context, order *acme.Order, csr []byte) error {
	if len(csr) == 0 {
		return errors.New("empty csr")
	}
	a.mu.Lock()
	a.finalized++
	a.mu.Unlock()
	order.Status = acme.StatusProcessing
	return nil
}

func (a *fakeAuthority) PollOrder(_ context.Context, order *acme.Order) (acme.Status, error) {
	order.Status = acme.StatusValid
	return acme.StatusValid, nil
}

func (a *fakeAuthority) DownloadCertificate(context.Context, *acme.Order) (*acme.Certificate, error) {
	return &acme.Certificate{
		URL:         "https://ca.test/cert/1",
		Certificate: []byte("leaf"),
		Issuer:      []byte("issuer"),
		Fullchain:   []byte("leaf\nissuer"),
	}, nil
}

func (a *fakeAuthority) submitCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.submitted)
}

func (a *fakeAuthority) pollCount(domain string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.polls[domain]
}

// fakeProvider 记录发布与清理
type fakeProvider struct {
	mu         sync.Mutex
	typ        string
	prepared   []string
	cleaned    []string
	prepareErr map[string]error
	panicOn    string
}

func (p *fakeProvider) Type() string { return p.typ }

func (p *fakeProvider) Prepare(_ context.Context, domain string, _ acme.Challenge) error {
	if domain == p.panicOn {
		panic("boom")
	}
	if err := p.prepareErr[domain]; err != nil {
		return &challenge.ProvisioningError{Provider: "fake", Domain: domain, Op: "prepare", Err: err}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prepared = append(p.prepared, domain)
	return nil
}

func (p *fakeProvider) WaitUntilObservable(context.Context, string, acme.Challenge, time.Duration) bool {
	return true
}

func (p *fakeProvider) Cleanup(_ context.Context, domain string, _ acme.Challenge) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cleaned = append(p.cleaned, domain)
	return nil
}

func (p *fakeProvider) snapshot() (prepared, cleaned []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.prepared...), append([]string(nil), p.cleaned...)
}

// fakeResolver 所有名称都解析为同一个提供者
type fakeResolver struct {
	mu       sync.Mutex
	provider *fakeProvider
	lookups  int
	resolves int
}

func (r *fakeResolver) Lookup(key, challengeType string) (bool, error) {
	r.mu.Lock()
	r.lookups++
	r.mu.Unlock()
	if key == "unknown" {
		return false, fmt.Errorf("%w: %s", challenge.ErrUnknownProvider, key)
	}
	if challengeType != r.provider.typ {
		return false, fmt.Errorf("%w: %s", challenge.ErrTypeMismatch, key)
	}
	return false, nil
}

func (r *fakeResolver) Resolve(_ context.Context, key, challengeType string, _ challenge.Options) (challenge.Provider, error) {
	if _, err := r.Lookup(key, challengeType); err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.resolves++
	r.mu.Unlock()
	return r.provider, nil
}

// fakeFiles 不写文件，按时钟生成 90 天有效期
type fakeFiles struct {
	clock clock.Clock
	err   error
}

func (f *fakeFiles) SaveCertificate(domain string, _ *provider.CertificateBundle) (*model.CertificateArtifact, error) {
	if f.err != nil {
		return nil, f.err
	}
	now := f.clock.Now()
	dir := "/certs/" + strings.ReplaceAll(domain, "*", "_")
	return &model.CertificateArtifact{
		Path:          dir + "/cert.pem",
		KeyPath:       dir + "/key.pem",
		FullchainPath: dir + "/fullchain.pem",
		Domains:       []string{domain},
		NotBefore:     now,
		NotAfter:      now.Add(90 * 24 * time.Hour),
	}, nil
}

// fakeBinder 按域名返回站点
type fakeBinder struct {
	mu         sync.Mutex
	sites      map[string][]binder.SiteRef
	installErr map[string]error
	installed  []string
}

func (b *fakeBinder) ResolveSites(_ context.Context, domain string) ([]binder.SiteRef, error) {
	sites := b.sites[domain]
	if len(sites) == 0 {
		return nil, fmt.Errorf("%w: %s", binder.ErrSiteNotFound, domain)
	}
	return sites, nil
}

func (b *fakeBinder) InstallCertificate(_ context.Context, site binder.SiteRef, _ *model.CertificateArtifact) error {
	if err := b.installErr[site.Name]; err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.installed = append(b.installed, site.Name)
	return nil
}

// fakeNotifier 记录事件名称
type fakeNotifier struct {
	mu     sync.Mutex
	events []string
}

func (n *fakeNotifier) record(event string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
	return nil
}

func (n *fakeNotifier) NotifyCertRenewed(context.Context, string, time.Time) error {
	return n.record("renewed")
}

func (n *fakeNotifier) NotifyCertFailed(context.Context, string, string, string) error {
	return n.record("failed")
}

func (n *fakeNotifier) NotifyBindingWarning(context.Context, string, []string) error {
	return n.record("binding_warning")
}

func (n *fakeNotifier) NotifyValidationTimeout(context.Context, string, string) error {
	return n.record("validation_timeout")
}

func (n *fakeNotifier) NotifyCertExpiring(context.Context, string, int) error {
	return n.record("expiring")
}

func (n *fakeNotifier) list() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.events...)
}

// failingStore 结果写入总是失败
type failingStore struct {
	storage.Store
}

func (failingStore) Update(context.Context, string, func(*model.ManagedCertificate) error) error {
	return errors.New("disk full")
}

// harness 一组相互连接的假依赖
type harness struct {
	authority *fakeAuthority
	provider  *fakeProvider
	resolver  *fakeResolver
	binder    *fakeBinder
	notifier  *fakeNotifier
	store     *storage.FileStore
	clock     *clock.Fake
	deps      Deps
	opts      Options
}

func newHarness(challengeType string) *harness {
	h := &harness{
		authority: newFakeAuthority(),
		provider:  &fakeProvider{typ: challengeType, prepareErr: map[string]error{}},
		binder:    &fakeBinder{sites: map[string][]binder.SiteRef{}, installErr: map[string]error{}},
		notifier:  &fakeNotifier{},
		store:     storage.NewMemoryStore(),
		clock:     clock.NewFake(testStart),
		opts:      DefaultOptions(),
	}
	h.resolver = &fakeResolver{provider: h.provider}
	h.deps = Deps{
		Authority: h.authority,
		Providers: h.resolver,
		Binder:    h.binder,
		Store:     h.store,
		Files:     &fakeFiles{clock: h.clock},
		Notifier:  h.notifier,
		Clock:     h.clock,
	}
	return h
}

func (h *harness) orchestrator() *Orchestrator {
	return NewOrchestrator(h.deps, h.opts)
}

func managed(id string, challengeType model.ChallengeType, domains ...string) *model.ManagedCertificate {
	return &model.ManagedCertificate{
		ID:   id,
		Name: domains[0],
		RequestConfig: model.RequestConfig{
			PrimaryDomain:           domains[0],
			SubjectAlternativeNames: domains[1:],
			ChallengeType:           challengeType,
		},
	}
}
