package challenge

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"time"

	"github.com/go-acme/lego/v4/challenge/dns01"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/acme"
	"github.com/egbonrelu/certify/internal/clock"
	"github.com/egbonrelu/certify/internal/domain"
	"github.com/egbonrelu/certify/internal/provider"
)

// txtRecord 验证记录的位置与内容
type txtRecord struct {
	FQDN  string // 不带结尾的点
	Value string
}

// challengeRecord 计算 dns-01 记录。followCNAME 时沿 CNAME 找到实际需要写入的名称
func challengeRecord(d, keyAuth string, followCNAME bool) txtRecord {
	base := domain.BaseDomain(d)
	if followCNAME {
		info := dns01.GetChallengeInfo(base, keyAuth)
		return txtRecord{FQDN: dns01.UnFqdn(info.EffectiveFQDN), Value: info.Value}
	}
	sum := sha256.Sum256([]byte(keyAuth))
	return txtRecord{
		FQDN:  "_acme-challenge." + base,
		Value: base64.RawURLEncoding.EncodeToString(sum[:]),
	}
}

// DNS01RecordProvider 通过云平台 DNS 接口发布 TXT 记录
type DNS01RecordProvider struct {
	name        string
	client      provider.RecordClient
	checker     TXTChecker
	clock       clock.Clock
	interval    time.Duration
	followCNAME bool
	findZone    func(fqdn string) (string, error)
	logger      *zap.Logger
}

// DNS01Option 选项
type DNS01Option func(*DNS01RecordProvider)

// WithChecker 指定可见性检查器，不指定时发布后即视为可见
func WithChecker(c TXTChecker) DNS01Option {
	return func(p *DNS01RecordProvider) { p.checker = c }
}

// WithDNS01Clock 指定时钟
func WithDNS01Clock(c clock.Clock) DNS01Option {
	return func(p *DNS01RecordProvider) { p.clock = c }
}

// WithDNS01Logger 指定日志
func WithDNS01Logger(l *zap.Logger) DNS01Option {
	return func(p *DNS01RecordProvider) { p.logger = l }
}

// WithCNAMEFollow 跟随 _acme-challenge 的 CNAME，把记录写到 CNAME 指向的名称
func WithCNAMEFollow() DNS01Option {
	return func(p *DNS01RecordProvider) { p.followCNAME = true }
}

// WithZoneFinder 替换区域查找，默认通过 SOA 查询
func WithZoneFinder(fn func(fqdn string) (string, error)) DNS01Option {
	return func(p *DNS01RecordProvider) { p.findZone = fn }
}

// NewDNS01RecordProvider 创建 dns-01 提供者
func NewDNS01RecordProvider(name string, client provider.RecordClient, opts ...DNS01Option) *DNS01RecordProvider {
	p := &DNS01RecordProvider{
		name:     name,
		client:   client,
		clock:    clock.Real{},
		interval: 5 * time.Second,
		findZone: dns01.FindZoneByFqdn,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.findZone == nil {
		p.findZone = dns01.FindZoneByFqdn
	}
	return p
}

// Type 挑战类型
func (p *DNS01RecordProvider) Type() string { return acme.ChallengeDNS01 }

// locate 通过 SOA 查询确定区域，example.com.cn 这类多级后缀也能找到正确的区域。
// 查询失败时按最后两级标签处理。
func (p *DNS01RecordProvider) locate(fqdn string) (zone, rr string) {
	z, err := p.findZone(dns01.ToFqdn(fqdn))
	if err == nil && z != "" {
		zone = domain.Normalize(dns01.UnFqdn(z))
	} else {
		zone = domain.ExtractMainDomain(fqdn)
		p.logger.Warn("[DNS-01] 查找区域失败，按主域名处理",
			zap.String("fqdn", fqdn),
			zap.String("zone", zone),
			zap.Error(err))
	}
	return zone, domain.ExtractSubDomain(fqdn, zone)
}

// Prepare 添加 TXT 记录，已存在相同值时不重复添加
func (p *DNS01RecordProvider) Prepare(ctx context.Context, d string, ch acme.Challenge) error {
	rec := challengeRecord(d, ch.KeyAuthorization, p.followCNAME)
	zone, rr := p.locate(rec.FQDN)

	existing, err := p.client.FindTXTRecords(ctx, zone, rr)
	if err != nil {
		return provisioningError(p.name, "prepare", d, err)
	}
	for _, r := range existing {
		if r.Value == rec.Value {
			p.logger.Debug("[DNS-01] TXT 记录已存在", zap.String("domain", d), zap.String("rr", rr))
			return nil
		}
	}

	if err := p.client.AddTXTRecord(ctx, zone, rr, rec.Value); err != nil {
		return provisioningError(p.name, "prepare", d, err)
	}
	p.logger.Info("[DNS-01] TXT 记录已添加",
		zap.String("domain", d),
		zap.String("zone", zone),
		zap.String("rr", rr),
	)
	return nil
}

// WaitUntilObservable 等待权威服务器返回该记录
func (p *DNS01RecordProvider) WaitUntilObservable(ctx context.Context, d string, ch acme.Challenge, timeout time.Duration) bool {
	rec := challengeRecord(d, ch.KeyAuthorization, p.followCNAME)
	return waitForTXT(ctx, p.checker, p.clock, p.interval, timeout, rec, p.logger)
}

// Cleanup 删除本次添加的 TXT 记录，同名的其他值保留
func (p *DNS01RecordProvider) Cleanup(ctx context.Context, d string, ch acme.Challenge) error {
	rec := challengeRecord(d, ch.KeyAuthorization, p.followCNAME)
	zone, rr := p.locate(rec.FQDN)
	if err := p.client.DeleteTXTRecord(ctx, zone, rr, rec.Value); err != nil {
		return provisioningError(p.name, "cleanup", d, err)
	}
	p.logger.Info("[DNS-01] TXT 记录已删除", zap.String("domain", d), zap.String("rr", rr))
	return nil
}

func waitForTXT(ctx context.Context, checker TXTChecker, clk clock.Clock, interval, timeout time.Duration, rec txtRecord, logger *zap.Logger) bool {
	if checker == nil {
		return true
	}
	deadline := clk.Now().Add(timeout)
	for {
		ok, err := checker.HasTXT(ctx, rec.FQDN, rec.Value)
		if ok {
			return true
		}
		if err != nil {
			logger.Debug("[DNS-01] 检查 TXT 记录失败", zap.String("fqdn", rec.FQDN), zap.Error(err))
		}
		if !clk.Now().Before(deadline) {
			logger.Warn("[DNS-01] 等待 TXT 记录生效超时", zap.String("fqdn", rec.FQDN))
			return false
		}
		if clock.Sleep(ctx, clk, interval) != nil {
			return false
		}
	}
}
