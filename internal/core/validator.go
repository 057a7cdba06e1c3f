package core

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/clock"
	domainpkg "github.com/egbonrelu/certify/internal/domain"
)

// Validator 线上证书检查
type Validator struct {
	clock  clock.Clock
	logger *zap.Logger
	dial   func(ctx context.Context, addr string) (*tls.Conn, error)
}

// NewValidator 创建验证器
func NewValidator(clk clock.Clock, logger *zap.Logger) *Validator {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{clock: clk, logger: logger, dial: dialTLS}
}

func dialTLS(ctx context.Context, addr string) (*tls.Conn, error) {
	d := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: 10 * time.Second},
		Config:    &tls.Config{InsecureSkipVerify: true},
	}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return conn.(*tls.Conn), nil
}

// CheckCertExpiry 检查证书有效期，返回过期时间和证书覆盖的域名列表
func (v *Validator) CheckCertExpiry(ctx context.Context, domain string) (time.Time, []string, error) {
	conn, err := v.dial(ctx, net.JoinHostPort(domainpkg.BaseDomain(domain), "443"))
	if err != nil {
		return time.Time{}, nil, fmt.Errorf("连接失败: %w", err)
	}
	defer conn.Close()

	certs := conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return time.Time{}, nil, fmt.Errorf("未找到证书")
	}

	cert := certs[0]
	// 收集证书覆盖的所有域名（CN + SANs）
	var domains []string
	if cert.Subject.CommonName != "" {
		domains = append(domains, cert.Subject.CommonName)
	}
	domains = append(domains, cert.DNSNames...)

	return cert.NotAfter, domains, nil
}

// NeedRenew 判断是否需要续期（检查过期时间和域名匹配），无法连接时视为需要
func (v *Validator) NeedRenew(ctx context.Context, domain string, renewDays int) (bool, time.Time) {
	expiry, certDomains, err := v.CheckCertExpiry(ctx, domain)
	if err != nil {
		v.logger.Info("无法获取线上证书信息，将申请新证书", zap.String("domain", domain), zap.Error(err))
		return true, time.Time{}
	}

	// 检查域名是否匹配
	if !matchDomain(certDomains, domain) {
		v.logger.Info("线上证书域名不匹配，需要重新申请",
			zap.Strings("cert_domains", certDomains),
			zap.String("domain", domain),
		)
		return true, expiry
	}

	daysUntilExpiry := int(expiry.Sub(v.clock.Now()).Hours() / 24)
	v.logger.Info("线上证书有效期",
		zap.String("domain", domain),
		zap.Int("days", daysUntilExpiry),
		zap.String("expiry", expiry.Format("2006-01-02")),
	)

	return daysUntilExpiry <= renewDays, expiry
}

// matchDomain 检查目标域名是否在证书域名列表中匹配
func matchDomain(certDomains []string, targetDomain string) bool {
	for _, certDomain := range certDomains {
		if domainpkg.MatchDomain(certDomain, targetDomain) {
			return true
		}
	}
	return false
}
