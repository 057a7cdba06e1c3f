package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/binder"
	"github.com/egbonrelu/certify/internal/challenge"
	"github.com/egbonrelu/certify/internal/lock"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/storage"
)

func seed(t *testing.T, h *harness, mc *model.ManagedCertificate) {
	t.Helper()
	require.NoError(t, h.store.Upsert(context.Background(), mc))
}

func TestRequestCertificateHTTP01(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.authority.statuses["example.com"] = []acme.Status{acme.StatusPending, acme.StatusValid}
	h.authority.statuses["www.example.com"] = []acme.Status{acme.StatusPending, acme.StatusValid}
	mc := managed("c1", model.ChallengeHTTP01, "example.com", "www.example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	require.Nil(t, out.Err)
	assert.Equal(t, model.ResultCompleted, out.Status)
	assert.Equal(t, StageCompleted, out.Stage)
	require.NotNil(t, out.Artifact)
	assert.GreaterOrEqual(t, out.Artifact.DaysRemaining(h.clock.Now()), 89)
	assert.Equal(t, "https://ca.test/cert/1", out.Artifact.CertURL)

	prepared, cleaned := h.provider.snapshot()
	assert.ElementsMatch(t, []string{"example.com", "www.example.com"}, prepared)
	assert.ElementsMatch(t, prepared, cleaned, "每个发布的挑战都被清理一次")
	assert.Equal(t, 2, h.authority.submitCount())
	assert.Equal(t, 2, h.authority.pollCount("example.com"))
	assert.Equal(t, 1, h.authority.finalized)

	waits := h.clock.Waits()
	require.NotEmpty(t, waits)
	assert.Equal(t, 2*time.Second, waits[0])

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastResult)
	assert.Equal(t, model.ResultCompleted, stored.LastResult.Status)
	assert.True(t, stored.LastResult.TimestampUTC.Equal(testStart.Add(2*time.Second)))
	require.NotNil(t, stored.Certificate)
	assert.Equal(t, out.Artifact.Path, stored.Certificate.Path)

	assert.Equal(t, []string{"renewed"}, h.notifier.list())
}

func TestRequestCertificateDoesNotMutateInput(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	h.orchestrator().RequestCertificate(context.Background(), mc)
	assert.Nil(t, mc.LastResult)
	assert.Nil(t, mc.Certificate)
}

func TestRequestCertificateRejectsBeforeNetwork(t *testing.T) {
	tests := []struct {
		name   string
		mc     *model.ManagedCertificate
		domain string
	}{
		{
			name:   "通配符使用 http-01",
			mc:     managed("c1", model.ChallengeHTTP01, "example.com", "*.example.com"),
			domain: "*.example.com",
		},
		{
			name: "未知提供者",
			mc: func() *model.ManagedCertificate {
				mc := managed("c1", model.ChallengeHTTP01, "example.com")
				mc.RequestConfig.ChallengeProvider = "unknown"
				return mc
			}(),
		},
		{
			name: "dns-01 未指定提供者",
			mc:   managed("c1", model.ChallengeDNS01, "example.com"),
		},
		{
			name: "域名无效",
			mc:   managed("c1", model.ChallengeHTTP01, "exa mple.com"),
		},
		{
			name: "挑战类型未知",
			mc:   managed("c1", "tls-alpn-01", "example.com"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(acme.ChallengeHTTP01)
			seed(t, h, tt.mc)

			out := h.orchestrator().RequestCertificate(context.Background(), tt.mc)

			assert.Equal(t, model.ResultFailed, out.Status)
			require.NotNil(t, out.Err)
			assert.ErrorIs(t, out.Err, ErrConfiguration)
			assert.Equal(t, StageInitiated, out.Stage)
			if tt.domain != "" {
				assert.Equal(t, tt.domain, out.Domain())
			}
			assert.Zero(t, h.authority.creates, "预检失败不访问 CA")
			assert.Zero(t, h.resolver.resolves)
			assert.Equal(t, []string{"failed"}, h.notifier.list())
		})
	}
}

func TestPreflightIsSideEffectFree(t *testing.T) {
	h := newHarness(acme.ChallengeDNS01)
	mc := managed("c1", model.ChallengeDNS01, "*.example.com")
	mc.RequestConfig.ChallengeProvider = "dns01.fake"

	require.NoError(t, h.orchestrator().Preflight(mc))
	assert.Zero(t, h.authority.creates)
	assert.Zero(t, h.resolver.resolves)
}

func TestRequestCertificateAlreadyInProgress(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	locks := lock.NewMemoryRegistry()
	h.deps.Locks = locks
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	lease, err := locks.TryAcquire(context.Background(), "c1")
	require.NoError(t, err)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)
	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrAlreadyInProgress)
	assert.Zero(t, h.authority.creates)

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Nil(t, stored.LastResult, "被拒绝的运行不覆盖正在进行的结果")

	require.NoError(t, lease.Release(context.Background()))
	out = h.orchestrator().RequestCertificate(context.Background(), mc)
	assert.True(t, out.Succeeded())
}

func TestRequestCertificateIgnoresStatusRegression(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.authority.statuses["example.com"] = []acme.Status{
		acme.StatusProcessing, acme.StatusPending, acme.StatusProcessing, acme.StatusValid, acme.StatusPending,
	}
	var observed []acme.Status
	var order *acme.Order
	h.authority.newOrder = func(domains []string) *acme.Order {
		order = defaultOrder(domains)
		return order
	}
	h.authority.onPoll = func(string) {
		if order != nil {
			observed = append(observed, order.Authorizations[0].Status)
		}
	}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	require.True(t, out.Succeeded())
	assert.Equal(t, 4, h.authority.pollCount("example.com"))
	assert.Equal(t, []acme.Status{acme.StatusPending, acme.StatusProcessing, acme.StatusProcessing, acme.StatusProcessing}, observed)
	assert.Equal(t, acme.StatusValid, order.Authorizations[0].Status)
}

func TestRequestCertificateAuthorizationInvalid(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.authority.statuses["example.com"] = []acme.Status{acme.StatusPending, acme.StatusInvalid}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrAuthority)
	assert.Equal(t, StageValidating, out.Stage)
	assert.Equal(t, "example.com", out.Domain())
	_, cleaned := h.provider.snapshot()
	assert.Equal(t, []string{"example.com"}, cleaned)
	assert.Zero(t, h.authority.finalized)
}

func TestRequestCertificateProvisioningFailure(t *testing.T) {
	h := newHarness(acme.ChallengeDNS01)
	h.provider.prepareErr["www.example.com"] = errors.New("quota exceeded")
	mc := managed("c1", model.ChallengeDNS01, "example.com", "www.example.com")
	mc.RequestConfig.ChallengeProvider = "dns01.fake"
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrProvisioning)
	assert.Equal(t, "www.example.com", out.Domain())
	assert.Equal(t, StageOrderCreated, out.Stage)
	assert.Zero(t, h.authority.submitCount(), "任何挑战都没有提交")

	prepared, cleaned := h.provider.snapshot()
	assert.Equal(t, []string{"example.com"}, prepared)
	assert.Equal(t, []string{"example.com"}, cleaned, "已发布的记录被清理")

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailed, stored.LastResult.Status)
	assert.Equal(t, string(StageOrderCreated), stored.LastResult.Stage)
	assert.Equal(t, "www.example.com", stored.LastResult.Domain)
	assert.Contains(t, stored.LastResult.ErrorDetail, "quota exceeded")
}

func TestRequestCertificateChallengeNotOffered(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.authority.newOrder = func(domains []string) *acme.Order {
		order := defaultOrder(domains)
		for _, authz := range order.Authorizations {
			authz.Challenges = authz.Challenges[1:]
		}
		return order
	}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.ErrorIs(t, out.Err, ErrConfiguration)
	assert.Equal(t, "example.com", out.Domain())
	assert.Zero(t, h.authority.submitCount())
	prepared, _ := h.provider.snapshot()
	assert.Empty(t, prepared)
}

func TestRequestCertificateReusesValidAuthorization(t *testing.T) {
	h := newHarness(acme.ChallengeDNS01)
	h.authority.newOrder = func(domains []string) *acme.Order {
		order := defaultOrder(domains)
		order.Authorizations[0].Status = acme.StatusValid
		return order
	}
	mc := managed("c1", model.ChallengeDNS01, "example.com", "*.example.com")
	mc.RequestConfig.ChallengeProvider = "dns01.fake"
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	require.True(t, out.Succeeded())
	prepared, _ := h.provider.snapshot()
	assert.Equal(t, []string{"*.example.com"}, prepared)
	assert.Equal(t, 1, h.authority.submitCount())
	assert.Zero(t, h.authority.pollCount("example.com"))
}

func TestRequestCertificateValidationTimeout(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.opts.ValidationTimeout = 5 * time.Second
	h.authority.statuses["example.com"] = []acme.Status{acme.StatusPending}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrValidationTimeout)
	assert.Equal(t, StageValidating, out.Stage)
	assert.Equal(t, 5*time.Second, h.clock.Elapsed(), "在虚拟时间上恰好等到期限")
	assert.Equal(t, []time.Duration{2 * time.Second, 3 * time.Second}, h.clock.Waits())

	_, cleaned := h.provider.snapshot()
	assert.Equal(t, []string{"example.com"}, cleaned)
	assert.Zero(t, h.authority.finalized)
	assert.Equal(t, []string{"validation_timeout"}, h.notifier.list())
}

func TestRequestCertificateBackoffIsCapped(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.opts.PollMaxInterval = 5 * time.Second
	h.authority.statuses["example.com"] = []acme.Status{
		acme.StatusPending, acme.StatusPending, acme.StatusPending, acme.StatusPending, acme.StatusValid,
	}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	require.True(t, out.Succeeded())
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}, h.clock.Waits())
}

func TestRequestCertificateCancelled(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.authority.statuses["example.com"] = []acme.Status{acme.StatusPending}
	ctx, cancel := context.WithCancel(context.Background())
	h.authority.onPoll = func(string) { cancel() }
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(ctx, mc)

	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrCancelled)
	_, cleaned := h.provider.snapshot()
	assert.Equal(t, []string{"example.com"}, cleaned, "取消后仍然清理")

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultFailed, stored.LastResult.Status, "取消后结果仍然写入")
}

func TestRequestCertificateBindingWarning(t *testing.T) {
	h := newHarness(acme.ChallengeDNS01)
	h.binder.sites["*.example.com"] = []binder.SiteRef{{Name: "web", Type: "local"}, {Name: "cdn", Type: "aliyun_cas"}}
	h.binder.sites["example.com"] = []binder.SiteRef{{Name: "web", Type: "local"}}
	h.binder.installErr["cdn"] = errors.New("upload rejected")
	mc := managed("c1", model.ChallengeDNS01, "example.com", "*.example.com")
	mc.RequestConfig.ChallengeProvider = "dns01.fake"
	mc.RequestConfig.PerformAutomatedCertBinding = true
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultCompletedWithWarning, out.Status)
	assert.True(t, out.Succeeded())
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "upload rejected")
	assert.Equal(t, []string{"web"}, h.binder.installed, "同一站点只部署一次")

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, model.ResultCompletedWithWarning, stored.LastResult.Status)
	require.NotNil(t, stored.Certificate, "部署失败不影响证书记录")
	assert.Equal(t, []string{"binding_warning"}, h.notifier.list())
}

func TestRequestCertificateBindingTargets(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	mc.RequestConfig.PerformAutomatedCertBinding = true
	mc.RequestConfig.BindingTargets = []string{"edge", "EDGE", "origin"}
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultCompleted, out.Status)
	assert.Equal(t, []string{"edge", "origin"}, h.binder.installed)
}

func TestRequestCertificateNoBindingSite(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	mc.RequestConfig.PerformAutomatedCertBinding = true
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultCompletedWithWarning, out.Status)
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], binder.ErrSiteNotFound.Error())
}

func TestRequestCertificateDeletedDuringRun(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)
	h.authority.onCreate = func() {
		require.NoError(t, h.store.Delete(context.Background(), "c1"))
	}

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.True(t, out.Succeeded())
	assert.NoError(t, out.StoreErr)
	_, err := h.store.Get(context.Background(), "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "已删除的记录不会被重新创建")
}

func TestRequestCertificateStoreFailure(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.deps.Store = failingStore{Store: h.store}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.True(t, out.Succeeded(), "证书已签发")
	require.Error(t, out.StoreErr)
	assert.ErrorIs(t, out.StoreErr, ErrStore)
	require.NotEmpty(t, out.Warnings)
	assert.Contains(t, out.Warnings[len(out.Warnings)-1], "disk full")
	assert.Equal(t, model.ResultCompletedWithWarning, out.Status)
	assert.Equal(t, []string{"binding_warning"}, h.notifier.list())
}

func TestRequestCertificateSaveFailure(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	h.deps.Files = &fakeFiles{clock: h.clock, err: errors.New("read-only file system")}
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrStore)
	assert.Equal(t, StageDownloading, out.Stage)
}

func TestRequestCertificateRecoversPanic(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	locks := lock.NewMemoryRegistry()
	h.deps.Locks = locks
	h.provider.panicOn = "example.com"
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	var out Outcome
	require.NotPanics(t, func() {
		out = h.orchestrator().RequestCertificate(context.Background(), mc)
	})
	assert.Equal(t, model.ResultFailed, out.Status)
	assert.ErrorIs(t, out.Err, ErrInternal)

	lease, err := locks.TryAcquire(context.Background(), "c1")
	require.NoError(t, err, "异常后锁已释放")
	require.NoError(t, lease.Release(context.Background()))
}

func TestRequestCertificatePostCommand(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	runner := &recordingRunner{err: errors.New("exit status 1")}
	h.deps.Executor = runner
	h.opts.PostCommand = "systemctl reload nginx"
	mc := managed("c1", model.ChallengeHTTP01, "example.com")
	seed(t, h, mc)

	out := h.orchestrator().RequestCertificate(context.Background(), mc)

	assert.True(t, out.Succeeded())
	require.Len(t, runner.vars, 1)
	assert.Equal(t, "example.com", runner.vars[0]["DOMAIN"])
	assert.Equal(t, "/certs/example.com/cert.pem", runner.vars[0]["CERT_FILE"])
	require.Len(t, out.Warnings, 1)
	assert.Contains(t, out.Warnings[0], "post_command")
	assert.Equal(t, model.ResultCompletedWithWarning, out.Status)
	assert.Equal(t, []string{"binding_warning"}, h.notifier.list())

	stored, err := h.store.Get(context.Background(), "c1")
	require.NoError(t, err)
	require.NotNil(t, stored.LastResult)
	assert.Equal(t, model.ResultCompletedWithWarning, stored.LastResult.Status)
	assert.Contains(t, stored.LastResult.ErrorDetail, "post_command")
}

func TestOutcomeAddWarning(t *testing.T) {
	out := completed(&model.CertificateArtifact{}, nil)
	require.Equal(t, model.ResultCompleted, out.Status)

	out.addWarning("post_command: exit status 1")
	assert.Equal(t, model.ResultCompletedWithWarning, out.Status)
	assert.True(t, out.Succeeded())

	failedOut := failed(ErrInternal, StageDownloading, "", errors.New("x"))
	failedOut.addWarning("store: disk full")
	assert.Equal(t, model.ResultFailed, failedOut.Status, "失败结果不会被告警改写")
}

func TestRequestErrorMatchesKindAndCause(t *testing.T) {
	cause := &challenge.ProvisioningError{Provider: "fake", Domain: "example.com", Op: "prepare", Err: errors.New("x")}
	err := &RequestError{Kind: ErrProvisioning, Stage: StageOrderCreated, Domain: "example.com", Err: cause}

	assert.ErrorIs(t, err, ErrProvisioning)
	var pe *challenge.ProvisioningError
	assert.ErrorAs(t, err, &pe)
	assert.Contains(t, err.Error(), "order_created")
	assert.Contains(t, err.Error(), "[example.com]")
}

type recordingRunner struct {
	vars []map[string]string
	err  error
}

func (r *recordingRunner) RunCommand(_ context.Context, _ string, vars map[string]string) error {
	r.vars = append(r.vars, vars)
	return r.err
}
