package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/egbonrelu/certify/internal/model"
)

// Config 配置结构
type Config struct {
	ACME         ACMEConfig         `yaml:"acme"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`

	// 凭证，按名称引用（RequestConfig.ChallengeCredentialKey / SiteConfig.CredentialKey）
	Credentials map[string]*CredentialConfig `yaml:"credentials,omitempty"`

	Storage         StorageConfig         `yaml:"storage"`
	Store           StoreConfig           `yaml:"store"`
	Lock            LockConfig            `yaml:"lock"`
	Sites           []SiteConfig          `yaml:"sites,omitempty"`
	Certificates    []CertificateConfig   `yaml:"certificates,omitempty"`
	Renewal         RenewalConfig         `yaml:"renewal"`
	ChallengeServer ChallengeServerConfig `yaml:"challenge_server"`
	Log             LogConfig             `yaml:"log"`

	PostCommand string `yaml:"post_command,omitempty"` // 全局后置命令

	// Webhook 通知配置
	Webhook *WebhookConfig `yaml:"webhook,omitempty"`

	// 向后兼容：旧版云平台凭证与域名配置
	Providers ProvidersConfig `yaml:"providers,omitempty"`
	Domains   []DomainConfig  `yaml:"domains,omitempty"`
	OutputDir string          `yaml:"output_dir,omitempty"`
	Aliyun    *AliyunConfig   `yaml:"aliyun,omitempty"`
}

// ACMEConfig ACME 账户与客户端配置
type ACMEConfig struct {
	DirectoryURL   string        `yaml:"directory_url"`
	Staging        bool          `yaml:"staging"`
	Email          string        `yaml:"email"`
	KeyType        string        `yaml:"key_type"`         // 账户密钥类型
	AccountKeyPath string        `yaml:"account_key_path"` // 账户私钥文件
	UserAgent      string        `yaml:"user_agent,omitempty"`
	HTTPTimeout    time.Duration `yaml:"http_timeout"`   // 单次请求超时
	RetryAttempts  uint          `yaml:"retry_attempts"` // 临时错误最大尝试次数
}

// OrchestratorConfig 签发流程的轮询与超时参数
type OrchestratorConfig struct {
	PollInitialInterval time.Duration `yaml:"poll_initial_interval"`
	PollMultiplier      float64       `yaml:"poll_multiplier"`
	PollMaxInterval     time.Duration `yaml:"poll_max_interval"`
	ValidationTimeout   time.Duration `yaml:"validation_timeout"` // 整个订单的验证期限
	ObserveTimeout      time.Duration `yaml:"observe_timeout"`    // 本地可见性检查期限
	FinalizeTimeout     time.Duration `yaml:"finalize_timeout"`   // 等待签发的期限
	Concurrency         int           `yaml:"concurrency"`        // 批量续期时的并发数
	QueueWhenBusy       bool          `yaml:"queue_when_busy"`    // 同一证书已在处理时排队等待而不是拒绝
	DNS01FollowCNAME    bool          `yaml:"dns01_follow_cname"` // _acme-challenge 委派到其他域名时写入 CNAME 目标
}

// CredentialConfig 云平台凭证
type CredentialConfig struct {
	Type string `yaml:"type"` // aliyun, tencent, huawei, route53, cloudflare

	AccessKeyID     string `yaml:"access_key_id,omitempty"`
	AccessKeySecret string `yaml:"access_key_secret,omitempty"`
	SecretID        string `yaml:"secret_id,omitempty"`
	SecretKey       string `yaml:"secret_key,omitempty"`
	AccessKey       string `yaml:"access_key,omitempty"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty"`
	SessionToken    string `yaml:"session_token,omitempty"`
	APIToken        string `yaml:"api_token,omitempty"`
	Region          string `yaml:"region,omitempty"`
	ProjectID       string `yaml:"project_id,omitempty"`
	HostedZoneID    string `yaml:"hosted_zone_id,omitempty"`
}

// AliyunConfig 阿里云配置
type AliyunConfig struct {
	AccessKeyID     string `yaml:"access_key_id"`
	AccessKeySecret string `yaml:"access_key_secret"`
	Region          string `yaml:"region"`
}

// TencentConfig 腾讯云配置
type TencentConfig struct {
	SecretID  string `yaml:"secret_id"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
}

// HuaweiConfig 华为云配置
type HuaweiConfig struct {
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	ProjectID string `yaml:"project_id"`
}

// Route53Config AWS Route53 配置，密钥为空时使用默认凭证链
type Route53Config struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Region          string
	HostedZoneID    string
}

// Aliyun 转换为阿里云配置
func (c *CredentialConfig) Aliyun() *AliyunConfig {
	return &AliyunConfig{AccessKeyID: c.AccessKeyID, AccessKeySecret: c.AccessKeySecret, Region: c.Region}
}

// Tencent 转换为腾讯云配置
func (c *CredentialConfig) Tencent() *TencentConfig {
	return &TencentConfig{SecretID: c.SecretID, SecretKey: c.SecretKey, Region: c.Region}
}

// Huawei 转换为华为云配置
func (c *CredentialConfig) Huawei() *HuaweiConfig {
	return &HuaweiConfig{AccessKey: c.AccessKey, SecretKey: c.SecretKey, Region: c.Region, ProjectID: c.ProjectID}
}

// Route53 转换为 Route53 配置
func (c *CredentialConfig) Route53() *Route53Config {
	return &Route53Config{
		AccessKeyID:     c.AccessKeyID,
		SecretAccessKey: c.SecretAccessKey,
		SessionToken:    c.SessionToken,
		Region:          c.Region,
		HostedZoneID:    c.HostedZoneID,
	}
}

// ProvidersConfig 旧版云平台凭证配置
type ProvidersConfig struct {
	Aliyun  *AliyunConfig  `yaml:"aliyun,omitempty"`
	Tencent *TencentConfig `yaml:"tencent,omitempty"`
	Huawei  *HuaweiConfig  `yaml:"huawei,omitempty"`
}

// DomainConfig 旧版域名配置，加载时转换为 dns-01 托管证书
type DomainConfig struct {
	Domain string `yaml:"domain"`

	// 简单模式：证书和DNS使用同一平台
	Provider string `yaml:"provider,omitempty"` // aliyun, tencent, huawei

	DNSProvider string `yaml:"dns_provider,omitempty"`

	RenewDays   int    `yaml:"renew_days"`
	PostCommand string `yaml:"post_command,omitempty"`
}

// GetDNSProvider 获取DNS提供商名称
func (d *DomainConfig) GetDNSProvider() string {
	if d.DNSProvider != "" {
		return d.DNSProvider
	}
	if d.Provider != "" {
		return d.Provider
	}
	return "aliyun" // 默认使用阿里云
}

// StorageConfig 证书文件输出
type StorageConfig struct {
	Dir string `yaml:"dir"`
}

// StoreConfig 托管证书记录存储
type StoreConfig struct {
	Driver string `yaml:"driver"` // file, postgres, mysql
	Path   string `yaml:"path,omitempty"`
	DSN    string `yaml:"dsn,omitempty"`
}

// LockConfig 运行互斥
type LockConfig struct {
	Driver   string        `yaml:"driver"` // memory, redis
	Addr     string        `yaml:"addr,omitempty"`
	Password string        `yaml:"password,omitempty"`
	DB       int           `yaml:"db,omitempty"`
	TTL      time.Duration `yaml:"ttl,omitempty"`
	Prefix   string        `yaml:"prefix,omitempty"`
}

// SiteConfig 证书部署目标
type SiteConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"`    // local, ssh, aliyun_cas, tencent_ssl, huawei_scm
	Domains []string `yaml:"domains"` // 域名模式，支持通配符

	CredentialKey string `yaml:"credential_key,omitempty"`

	// local / ssh
	Dir           string `yaml:"dir,omitempty"`
	ReloadCommand string `yaml:"reload_command,omitempty"`

	// ssh
	Host           string `yaml:"host,omitempty"`
	Port           int    `yaml:"port,omitempty"`
	User           string `yaml:"user,omitempty"`
	Password       string `yaml:"password,omitempty"`
	PrivateKeyPath string `yaml:"private_key_path,omitempty"`
	KnownHostsPath string `yaml:"known_hosts_path,omitempty"`
}

// CertificateConfig 配置文件中声明的托管证书
type CertificateConfig struct {
	ID      string   `yaml:"id,omitempty"`
	Name    string   `yaml:"name,omitempty"`
	GroupID string   `yaml:"group_id,omitempty"`
	Domains []string `yaml:"domains"` // 第一个为主域名

	ChallengeType     string `yaml:"challenge_type"`
	ChallengeProvider string `yaml:"challenge_provider,omitempty"`
	CredentialKey     string `yaml:"credential_key,omitempty"`

	WebsiteRoot string `yaml:"website_root,omitempty"`
	SelfCheck   bool   `yaml:"self_check,omitempty"`

	Binding        bool     `yaml:"binding,omitempty"`
	BindingTargets []string `yaml:"binding_targets,omitempty"`

	KeyType string `yaml:"key_type,omitempty"`
}

// ToManaged 转换为托管证书
func (c CertificateConfig) ToManaged() *model.ManagedCertificate {
	mc := &model.ManagedCertificate{
		ID:       c.ID,
		Name:     c.Name,
		GroupID:  c.GroupID,
		ItemType: model.ItemTypeManaged,
		RequestConfig: model.RequestConfig{
			ChallengeType:                    model.ChallengeType(strings.ToLower(c.ChallengeType)),
			ChallengeProvider:                c.ChallengeProvider,
			ChallengeCredentialKey:           c.CredentialKey,
			WebsiteRootPath:                  c.WebsiteRoot,
			PerformChallengeFileCopy:         c.WebsiteRoot != "",
			PerformExtensionlessConfigChecks: c.SelfCheck,
			PerformAutomatedCertBinding:      c.Binding,
			BindingTargets:                   c.BindingTargets,
			KeyType:                          c.KeyType,
		},
	}
	if len(c.Domains) > 0 {
		mc.RequestConfig.PrimaryDomain = c.Domains[0]
		mc.RequestConfig.SubjectAlternativeNames = append([]string(nil), c.Domains[1:]...)
	}
	if mc.Name == "" {
		mc.Name = mc.RequestConfig.PrimaryDomain
	}
	return mc
}

// RenewalConfig 自动续期
type RenewalConfig struct {
	Schedule    string `yaml:"schedule"`     // cron 表达式
	RenewDays   int    `yaml:"renew_days"`   // 剩余天数小于等于该值时续期
	CheckOnline bool   `yaml:"check_online"` // 没有本地记录时检查线上证书
}

// ChallengeServerConfig 内置 http-01 挑战服务
type ChallengeServerConfig struct {
	Listen string `yaml:"listen,omitempty"` // 例如 :80，为空不启动
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // console, json
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb,omitempty"`
	MaxBackups int    `yaml:"max_backups,omitempty"`
	MaxAgeDays int    `yaml:"max_age_days,omitempty"`
	Compress   bool   `yaml:"compress,omitempty"`
}

// WebhookConfig Webhook 通知配置
type WebhookConfig struct {
	Enabled      bool              `yaml:"enabled"`                 // 是否启用
	URL          string            `yaml:"url"`                     // Webhook URL
	Headers      map[string]string `yaml:"headers,omitempty"`       // 自定义请求头
	Events       []string          `yaml:"events,omitempty"`        // 订阅的事件类型
	Timeout      int               `yaml:"timeout,omitempty"`       // 请求超时时间（秒），默认30
	Retries      int               `yaml:"retries,omitempty"`       // 重试次数，默认3
	BodyTemplate string            `yaml:"body_template,omitempty"` // 请求体模板（JSON格式）
}

// Credential 按名称查找凭证
func (c *Config) Credential(key string) (*CredentialConfig, error) {
	if key == "" {
		return nil, fmt.Errorf("未指定凭证名称")
	}
	cred, ok := c.Credentials[strings.ToLower(key)]
	if !ok || cred == nil {
		return nil, fmt.Errorf("凭证 %s 未配置", key)
	}
	return cred, nil
}

// Site 按名称查找部署目标
func (c *Config) Site(name string) (*SiteConfig, bool) {
	for i := range c.Sites {
		if strings.EqualFold(c.Sites[i].Name, name) {
			return &c.Sites[i], true
		}
	}
	return nil, false
}
