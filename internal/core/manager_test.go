package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/storage"
)

func newTestManager(h *harness, opts ManagerOptions) *Manager {
	return NewManager(h.store, h.orchestrator(), nil, h.notifier, opts, nil)
}

func TestManagerAdd(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{RenewDays: 30})

	added, err := m.Add(context.Background(), &model.ManagedCertificate{
		RequestConfig: model.RequestConfig{PrimaryDomain: "example.com", ChallengeType: model.ChallengeHTTP01},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, "example.com", added.Name)
	assert.Equal(t, model.ItemTypeManaged, added.ItemType)
	assert.True(t, added.CreatedAt.Equal(testStart))

	items, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Len(t, items, 1)
}

func TestManagerAddRejectsInvalid(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{})

	_, err := m.Add(context.Background(), managed("", model.ChallengeHTTP01, "*.example.com"))
	assert.ErrorIs(t, err, ErrConfiguration)

	_, err = m.Add(context.Background(), nil)
	assert.ErrorIs(t, err, ErrConfiguration)

	items, err := m.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestManagerSeedIsIdempotent(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{})
	certs := []config.CertificateConfig{{Domains: []string{"example.com", "www.example.com"}, ChallengeType: "http-01"}}

	require.NoError(t, m.Seed(context.Background(), certs))
	items, err := m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	id := items[0].ID

	// 已有的运行结果在重新加载配置后保留
	require.NoError(t, h.store.Update(context.Background(), id, func(mc *model.ManagedCertificate) error {
		mc.LastResult = &model.RequestResult{Status: model.ResultCompleted}
		return nil
	}))
	certs[0].Binding = true
	require.NoError(t, m.Seed(context.Background(), certs))

	items, err = m.List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, id, items[0].ID)
	require.NotNil(t, items[0].LastResult)
	assert.Equal(t, model.ResultCompleted, items[0].LastResult.Status)
	assert.True(t, items[0].RequestConfig.PerformAutomatedCertBinding)
}

func TestManagerSeedRejectsInvalid(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{})
	err := m.Seed(context.Background(), []config.CertificateConfig{{Domains: []string{"*.example.com"}, ChallengeType: "http-01"}})
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestManagerRequestAndDelete(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{})
	added, err := m.Add(context.Background(), managed("", model.ChallengeHTTP01, "example.com"))
	require.NoError(t, err)

	out, err := m.Request(context.Background(), added.ID)
	require.NoError(t, err)
	assert.True(t, out.Succeeded())

	got, err := m.Get(context.Background(), added.ID)
	require.NoError(t, err)
	require.NotNil(t, got.Certificate)

	require.NoError(t, m.Delete(context.Background(), added.ID))
	_, err = m.Request(context.Background(), added.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, m.Delete(context.Background(), added.ID), storage.ErrNotFound)
}

func TestManagerRenewDue(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{RenewDays: 30, Concurrency: 2})

	withCert := func(id, d string, days int) *model.ManagedCertificate {
		mc := managed(id, model.ChallengeHTTP01, d)
		mc.Certificate = &model.CertificateArtifact{Path: "/certs/" + d + "/cert.pem", NotAfter: testStart.Add(time.Duration(days) * 24 * time.Hour)}
		return mc
	}
	for _, mc := range []*model.ManagedCertificate{
		withCert("fresh", "fresh.example.com", 60),
		withCert("expiring", "expiring.example.com", 10),
		managed("new", model.ChallengeHTTP01, "new.example.com"),
	} {
		seed(t, h, mc)
	}

	results, err := m.RenewDue(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]RenewResult)
	for _, r := range results {
		byID[r.ID] = r
	}
	assert.True(t, byID["fresh"].Skipped)
	assert.False(t, byID["expiring"].Skipped)
	assert.True(t, byID["expiring"].Outcome.Succeeded())
	assert.False(t, byID["new"].Skipped)
	assert.True(t, byID["new"].Outcome.Succeeded())

	events := h.notifier.list()
	assert.Contains(t, events, "expiring")
	assert.Len(t, events, 3, "一次即将过期提醒和两次续期成功")

	renewed, err := h.store.Get(context.Background(), "expiring")
	require.NoError(t, err)
	assert.GreaterOrEqual(t, renewed.Certificate.DaysRemaining(h.clock.Now()), 89)
}

func TestManagerRenewDueCancelled(t *testing.T) {
	h := newHarness(acme.ChallengeHTTP01)
	m := newTestManager(h, ManagerOptions{RenewDays: 30})
	seed(t, h, managed("c1", model.ChallengeHTTP01, "example.com"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	results, err := m.RenewDue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Outcome.Err, ErrCancelled)
}
