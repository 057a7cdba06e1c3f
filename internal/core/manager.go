package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/storage"
)

// RenewResult 批量续期中单个证书的结果
type RenewResult struct {
	ID      string
	Name    string
	Skipped bool // 未到续期时间
	Outcome Outcome
}

// ManagerOptions 续期参数
type ManagerOptions struct {
	RenewDays   int
	CheckOnline bool
	Concurrency int
}

// Manager 证书管理器
type Manager struct {
	store        storage.Store
	orchestrator *Orchestrator
	validator    *Validator
	notifier     Notifier
	clock        clock.Clock
	logger       *zap.Logger
	opts         ManagerOptions
}

// NewManager 创建管理器
func NewManager(store storage.Store, orchestrator *Orchestrator, validator *Validator, notifier Notifier, opts ManagerOptions, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	return &Manager{
		store:        store,
		orchestrator: orchestrator,
		validator:    validator,
		notifier:     notifier,
		clock:        orchestrator.deps.Clock,
		logger:       logger,
		opts:         opts,
	}
}

// Add 新增托管证书，先做预检
func (m *Manager) Add(ctx context.Context, mc *model.ManagedCertificate) (*model.ManagedCertificate, error) {
	if mc == nil {
		return nil, fmt.Errorf("%w: 托管证书为空", ErrConfiguration)
	}
	mc = mc.Clone()
	if err := m.orchestrator.Preflight(mc); err != nil {
		return nil, err
	}

	now := m.clock.Now().UTC()
	if mc.ID == "" {
		mc.ID = uuid.NewString()
	}
	if mc.Name == "" {
		mc.Name = mc.RequestConfig.PrimaryDomain
	}
	if mc.ItemType == "" {
		mc.ItemType = model.ItemTypeManaged
	}
	if mc.CreatedAt.IsZero() {
		mc.CreatedAt = now
	}
	mc.UpdatedAt = now

	if err := m.store.Upsert(ctx, mc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrStore, err)
	}
	m.logger.Info("已添加托管证书", zap.String("id", mc.ID), zap.Strings("domains", mc.RequestConfig.Domains()))
	return mc, nil
}

// Seed 同步配置文件中声明的证书，保留已有的运行结果
func (m *Manager) Seed(ctx context.Context, certs []config.CertificateConfig) error {
	for _, c := range certs {
		mc := c.ToManaged()
		if mc.ID == "" {
			mc.ID = seedID(mc)
		}
		if err := m.orchestrator.Preflight(mc); err != nil {
			return fmt.Errorf("证书 %s: %w", mc.Name, err)
		}

		err := m.store.Update(ctx, mc.ID, func(existing *model.ManagedCertificate) error {
			existing.Name = mc.Name
			existing.GroupID = mc.GroupID
			existing.RequestConfig = mc.RequestConfig
			existing.UpdatedAt = m.clock.Now().UTC()
			return nil
		})
		if errors.Is(err, storage.ErrNotFound) {
			_, err = m.Add(ctx, mc)
		}
		if err != nil {
			return fmt.Errorf("证书 %s: %w", mc.Name, err)
		}
	}
	return nil
}

// seedID 配置中未给出 ID 时按域名生成固定 ID，重复加载不会产生新记录
func seedID(mc *model.ManagedCertificate) string {
	key := strings.Join(mc.RequestConfig.Domains(), ",")
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("certify:"+key)).String()
}

// List 列出全部托管证书
func (m *Manager) List(ctx context.Context) ([]*model.ManagedCertificate, error) {
	return m.store.List(ctx)
}

// Get 获取托管证书
func (m *Manager) Get(ctx context.Context, id string) (*model.ManagedCertificate, error) {
	return m.store.Get(ctx, id)
}

// Delete 删除托管证书，与正在进行的运行互不影响
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.Delete(ctx, id); err != nil {
		return err
	}
	m.logger.Info("已删除托管证书", zap.String("id", id))
	return nil
}

// Request 立即为指定证书申请
func (m *Manager) Request(ctx context.Context, id string) (Outcome, error) {
	mc, err := m.store.Get(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	return m.orchestrator.RequestCertificate(ctx, mc), nil
}

// RenewDue 为所有到期的证书申请，不同证书并发进行
func (m *Manager) RenewDue(ctx context.Context) ([]RenewResult, error) {
	items, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	m.logger.Info("========== 开始检查证书 ==========", zap.Int("count", len(items)))

	results := make([]RenewResult, len(items))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.opts.Concurrency)
	for i, mc := range items {
		i, mc := i, mc
		g.Go(func() error {
			res := RenewResult{ID: mc.ID, Name: mc.Name}
			if !m.due(gctx, mc) {
				res.Skipped = true
			} else {
				res.Outcome = m.orchestrator.RequestCertificate(gctx, mc)
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	m.logger.Info("========== 检查完成 ==========")
	return results, ctx.Err()
}

// due 本地证书剩余天数不超过阈值即续期；没有本地记录时按配置检查线上证书
func (m *Manager) due(ctx context.Context, mc *model.ManagedCertificate) bool {
	primary := mc.RequestConfig.PrimaryDomain

	if a := mc.Certificate; a != nil && !a.NotAfter.IsZero() {
		days := a.DaysRemaining(m.clock.Now())
		if days > m.opts.RenewDays {
			m.logger.Info("证书有效，无需续期", zap.String("domain", primary), zap.Int("days", days))
			return false
		}
		if m.notifier != nil && days >= 0 {
			if err := m.notifier.NotifyCertExpiring(ctx, primary, days); err != nil {
				m.logger.Warn("发送通知失败", zap.Error(err))
			}
		}
		m.logger.Info("证书即将过期，需要续期", zap.String("domain", primary), zap.Int("days", days))
		return true
	}

	if m.opts.CheckOnline && m.validator != nil {
		need, _ := m.validator.NeedRenew(ctx, primary, m.opts.RenewDays)
		return need
	}
	return true
}
