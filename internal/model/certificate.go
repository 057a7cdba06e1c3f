package model

import (
	"strings"
	"time"

	"github.com/samber/lo"
)

// ChallengeType 挑战类型
type ChallengeType string

const (
	ChallengeHTTP01 ChallengeType = "http-01"
	ChallengeDNS01  ChallengeType = "dns-01"
)

// ItemTypeManaged 托管证书条目类型
const ItemTypeManaged = "ssl-managed"

// ResultStatus 运行结果状态
type ResultStatus string

const (
	ResultCompleted            ResultStatus = "completed"
	ResultCompletedWithWarning ResultStatus = "completed_with_binding_warning"
	ResultFailed               ResultStatus = "failed"
)

// ManagedCertificate 托管证书
type ManagedCertificate struct {
	ID        string    `json:"id" yaml:"id"`
	Name      string    `json:"name" yaml:"name"`
	GroupID   string    `json:"group_id,omitempty" yaml:"group_id,omitempty"` // 站点ID
	ItemType  string    `json:"item_type,omitempty" yaml:"item_type,omitempty"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`

	RequestConfig RequestConfig        `json:"request_config" yaml:"request_config"`
	LastResult    *RequestResult       `json:"last_result,omitempty" yaml:"last_result,omitempty"`
	Certificate   *CertificateArtifact `json:"certificate,omitempty" yaml:"certificate,omitempty"`
}

// RequestConfig 证书申请配置
type RequestConfig struct {
	PrimaryDomain           string   `json:"primary_domain" yaml:"primary_domain"`
	SubjectAlternativeNames []string `json:"subject_alternative_names,omitempty" yaml:"subject_alternative_names,omitempty"`

	ChallengeType          ChallengeType `json:"challenge_type" yaml:"challenge_type"`
	ChallengeProvider      string        `json:"challenge_provider,omitempty" yaml:"challenge_provider,omitempty"`
	ChallengeCredentialKey string        `json:"challenge_credential_key,omitempty" yaml:"challenge_credential_key,omitempty"`

	// http-01 相关
	WebsiteRootPath                  string `json:"website_root_path,omitempty" yaml:"website_root_path,omitempty"`
	PerformChallengeFileCopy         bool   `json:"perform_challenge_file_copy" yaml:"perform_challenge_file_copy"`
	PerformExtensionlessConfigChecks bool   `json:"perform_extensionless_config_checks" yaml:"perform_extensionless_config_checks"`

	// 部署相关
	PerformAutoConfig           bool     `json:"perform_auto_config" yaml:"perform_auto_config"`
	PerformAutomatedCertBinding bool     `json:"perform_automated_cert_binding" yaml:"perform_automated_cert_binding"`
	BindingTargets              []string `json:"binding_targets,omitempty" yaml:"binding_targets,omitempty"`

	KeyType string `json:"key_type,omitempty" yaml:"key_type,omitempty"` // EC256, EC384, RSA2048, RSA4096
}

// Domains 返回证书覆盖的全部域名（主域名在前，去重，小写）
func (c RequestConfig) Domains() []string {
	all := append([]string{c.PrimaryDomain}, c.SubjectAlternativeNames...)
	all = lo.Map(all, func(d string, _ int) string {
		return strings.ToLower(strings.TrimSpace(d))
	})
	all = lo.Filter(all, func(d string, _ int) bool { return d != "" })
	return lo.Uniq(all)
}

// RequestResult 最近一次运行结果
type RequestResult struct {
	Status       ResultStatus `json:"status" yaml:"status"`
	TimestampUTC time.Time    `json:"timestamp_utc" yaml:"timestamp_utc"`
	ErrorDetail  string       `json:"error_detail,omitempty" yaml:"error_detail,omitempty"`
	Stage        string       `json:"stage,omitempty" yaml:"stage,omitempty"`
	Domain       string       `json:"domain,omitempty" yaml:"domain,omitempty"`
}

// CertificateArtifact 已签发证书的引用
type CertificateArtifact struct {
	Path          string    `json:"path" yaml:"path"`
	KeyPath       string    `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	FullchainPath string    `json:"fullchain_path,omitempty" yaml:"fullchain_path,omitempty"`
	CertURL       string    `json:"cert_url,omitempty" yaml:"cert_url,omitempty"`
	Domains       []string  `json:"domains,omitempty" yaml:"domains,omitempty"`
	NotBefore     time.Time `json:"not_before" yaml:"not_before"`
	NotAfter      time.Time `json:"not_after" yaml:"not_after"`
}

// DaysRemaining 剩余有效天数
func (a *CertificateArtifact) DaysRemaining(now time.Time) int {
	if a == nil || a.NotAfter.IsZero() {
		return 0
	}
	return int(a.NotAfter.Sub(now).Hours() / 24)
}

// Clone 深拷贝，运行期间持有独立快照
func (m *ManagedCertificate) Clone() *ManagedCertificate {
	if m == nil {
		return nil
	}
	c := *m
	c.RequestConfig.SubjectAlternativeNames = append([]string(nil), m.RequestConfig.SubjectAlternativeNames...)
	c.RequestConfig.BindingTargets = append([]string(nil), m.RequestConfig.BindingTargets...)
	if m.LastResult != nil {
		r := *m.LastResult
		c.LastResult = &r
	}
	if m.Certificate != nil {
		a := *m.Certificate
		a.Domains = append([]string(nil), m.Certificate.Domains...)
		c.Certificate = &a
	}
	return &c
}
