package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-acme/lego/v4/lego"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// envOverrides 环境变量覆盖项，优先级高于配置文件
type envOverrides struct {
	DirectoryURL  string `env:"CERTIFY_ACME_DIRECTORY"`
	Email         string `env:"CERTIFY_ACME_EMAIL"`
	AccountKey    string `env:"CERTIFY_ACME_ACCOUNT_KEY"`
	OutputDir     string `env:"CERTIFY_OUTPUT_DIR"`
	StoreDriver   string `env:"CERTIFY_STORE_DRIVER"`
	StoreDSN      string `env:"CERTIFY_STORE_DSN"`
	RedisAddr     string `env:"CERTIFY_REDIS_ADDR"`
	RedisPassword string `env:"CERTIFY_REDIS_PASSWORD"`
	LogLevel      string `env:"CERTIFY_LOG_LEVEL"`
	LogFormat     string `env:"CERTIFY_LOG_FORMAT"`
}

// Load 加载配置文件
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	// .env 文件可选
	_ = godotenv.Load()

	return Parse(data)
}

// Parse 解析配置内容
func Parse(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	migrateLegacy(&config)

	if err := applyEnv(&config); err != nil {
		return nil, err
	}

	applyDefaults(&config)

	// 验证配置
	if err := validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// migrateLegacy 向后兼容：旧版 providers/domains 配置迁移到 credentials/certificates
func migrateLegacy(config *Config) {
	if config.Aliyun != nil && config.Providers.Aliyun == nil {
		config.Providers.Aliyun = config.Aliyun
	}

	creds := make(map[string]*CredentialConfig, len(config.Credentials))
	for key, cred := range config.Credentials {
		if cred == nil {
			continue
		}
		if cred.Type == "" {
			cred.Type = strings.ToLower(key)
		}
		creds[strings.ToLower(key)] = cred
	}
	config.Credentials = creds

	if p := config.Providers.Aliyun; p != nil {
		if _, ok := creds["aliyun"]; !ok {
			creds["aliyun"] = &CredentialConfig{Type: "aliyun", AccessKeyID: p.AccessKeyID, AccessKeySecret: p.AccessKeySecret, Region: p.Region}
		}
	}
	if p := config.Providers.Tencent; p != nil {
		if _, ok := creds["tencent"]; !ok {
			creds["tencent"] = &CredentialConfig{Type: "tencent", SecretID: p.SecretID, SecretKey: p.SecretKey, Region: p.Region}
		}
	}
	if p := config.Providers.Huawei; p != nil {
		if _, ok := creds["huawei"]; !ok {
			creds["huawei"] = &CredentialConfig{Type: "huawei", AccessKey: p.AccessKey, SecretKey: p.SecretKey, Region: p.Region, ProjectID: p.ProjectID}
		}
	}

	if config.Storage.Dir == "" && config.OutputDir != "" {
		config.Storage.Dir = config.OutputDir
	}

	for _, d := range config.Domains {
		dnsProvider := d.GetDNSProvider()
		config.Certificates = append(config.Certificates, CertificateConfig{
			Name:              d.Domain,
			Domains:           []string{d.Domain},
			ChallengeType:     "dns-01",
			ChallengeProvider: "dns01." + dnsProvider,
			CredentialKey:     dnsProvider,
		})
		if d.RenewDays > config.Renewal.RenewDays {
			config.Renewal.RenewDays = d.RenewDays
		}
		if config.PostCommand == "" && d.PostCommand != "" {
			config.PostCommand = d.PostCommand
		}
	}
}

func applyEnv(config *Config) error {
	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return fmt.Errorf("解析环境变量失败: %w", err)
	}

	set := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	set(&config.ACME.DirectoryURL, o.DirectoryURL)
	set(&config.ACME.Email, o.Email)
	set(&config.ACME.AccountKeyPath, o.AccountKey)
	set(&config.Storage.Dir, o.OutputDir)
	set(&config.Store.Driver, o.StoreDriver)
	set(&config.Store.DSN, o.StoreDSN)
	set(&config.Lock.Addr, o.RedisAddr)
	set(&config.Lock.Password, o.RedisPassword)
	set(&config.Log.Level, o.LogLevel)
	set(&config.Log.Format, o.LogFormat)
	if o.RedisAddr != "" && config.Lock.Driver == "" {
		config.Lock.Driver = "redis"
	}
	return nil
}

// applyDefaults 设置默认值
func applyDefaults(config *Config) {
	a := &config.ACME
	if a.DirectoryURL == "" {
		a.DirectoryURL = lego.LEDirectoryProduction
		if a.Staging {
			a.DirectoryURL = lego.LEDirectoryStaging
		}
	}
	if a.KeyType == "" {
		a.KeyType = "EC256"
	}
	if a.AccountKeyPath == "" {
		a.AccountKeyPath = "./data/account.key"
	}
	if a.HTTPTimeout == 0 {
		a.HTTPTimeout = 30 * time.Second
	}
	if a.RetryAttempts == 0 {
		a.RetryAttempts = 4
	}

	o := &config.Orchestrator
	if o.PollInitialInterval == 0 {
		o.PollInitialInterval = 2 * time.Second
	}
	if o.PollMultiplier == 0 {
		o.PollMultiplier = 2
	}
	if o.PollMaxInterval == 0 {
		o.PollMaxInterval = 30 * time.Second
	}
	if o.ValidationTimeout == 0 {
		o.ValidationTimeout = 5 * time.Minute
	}
	if o.ObserveTimeout == 0 {
		o.ObserveTimeout = 2 * time.Minute
	}
	if o.FinalizeTimeout == 0 {
		o.FinalizeTimeout = 2 * time.Minute
	}
	if o.Concurrency <= 0 {
		o.Concurrency = 1 // 默认并发数为1，保持向后兼容
	}

	if config.Storage.Dir == "" {
		config.Storage.Dir = "./certs"
	}
	if config.Store.Driver == "" {
		config.Store.Driver = "file"
	}
	if config.Store.Driver == "file" && config.Store.Path == "" {
		config.Store.Path = "./data/certificates.yaml"
	}
	if config.Lock.Driver == "" {
		config.Lock.Driver = "memory"
	}
	if config.Lock.TTL == 0 {
		config.Lock.TTL = 30 * time.Minute
	}
	if config.Lock.Prefix == "" {
		config.Lock.Prefix = "certify:run:"
	}
	if config.Renewal.Schedule == "" {
		config.Renewal.Schedule = "0 3 * * *"
	}
	if config.Renewal.RenewDays == 0 {
		config.Renewal.RenewDays = 30
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.Log.Format == "" {
		config.Log.Format = "console"
	}
	for i := range config.Sites {
		if config.Sites[i].Type == "ssh" && config.Sites[i].Port == 0 {
			config.Sites[i].Port = 22
		}
	}
	for i := range config.Certificates {
		c := &config.Certificates[i]
		if c.ChallengeType == "" {
			c.ChallengeType = "http-01"
		}
	}
}

// validate 验证配置
func validate(config *Config) error {
	if err := validation.ValidateStruct(&config.ACME,
		validation.Field(&config.ACME.DirectoryURL, validation.Required),
		validation.Field(&config.ACME.KeyType, validation.In("EC256", "EC384", "RSA2048", "RSA3072", "RSA4096")),
		validation.Field(&config.ACME.HTTPTimeout, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("acme 配置无效: %w", err)
	}

	o := &config.Orchestrator
	if err := validation.ValidateStruct(o,
		validation.Field(&o.PollInitialInterval, validation.Min(time.Millisecond)),
		validation.Field(&o.PollMultiplier, validation.Min(1.0)),
		validation.Field(&o.PollMaxInterval, validation.Min(o.PollInitialInterval)),
		validation.Field(&o.ValidationTimeout, validation.Min(time.Second)),
	); err != nil {
		return fmt.Errorf("orchestrator 配置无效: %w", err)
	}

	if err := validation.ValidateStruct(&config.Store,
		validation.Field(&config.Store.Driver, validation.In("file", "postgres", "mysql")),
		validation.Field(&config.Store.DSN, validation.When(config.Store.Driver != "file", validation.Required)),
	); err != nil {
		return fmt.Errorf("store 配置无效: %w", err)
	}

	if err := validation.ValidateStruct(&config.Lock,
		validation.Field(&config.Lock.Driver, validation.In("memory", "redis")),
		validation.Field(&config.Lock.Addr, validation.When(config.Lock.Driver == "redis", validation.Required)),
	); err != nil {
		return fmt.Errorf("lock 配置无效: %w", err)
	}

	for key, cred := range config.Credentials {
		if err := validateCredential(cred); err != nil {
			return fmt.Errorf("凭证 %s: %w", key, err)
		}
	}

	seen := make(map[string]bool)
	for i := range config.Sites {
		s := &config.Sites[i]
		if err := validation.ValidateStruct(s,
			validation.Field(&s.Name, validation.Required),
			validation.Field(&s.Type, validation.Required, validation.In("local", "ssh", "aliyun_cas", "tencent_ssl", "huawei_scm")),
			validation.Field(&s.Dir, validation.When(s.Type == "local" || s.Type == "ssh", validation.Required)),
			validation.Field(&s.Host, validation.When(s.Type == "ssh", validation.Required)),
			validation.Field(&s.User, validation.When(s.Type == "ssh", validation.Required)),
			validation.Field(&s.CredentialKey, validation.When(strings.Contains(s.Type, "_"), validation.Required)),
		); err != nil {
			return fmt.Errorf("站点 %s: %w", s.Name, err)
		}
		name := strings.ToLower(s.Name)
		if seen[name] {
			return fmt.Errorf("站点 %s 重复定义", s.Name)
		}
		seen[name] = true
		if s.CredentialKey != "" {
			if _, err := config.Credential(s.CredentialKey); err != nil {
				return fmt.Errorf("站点 %s: %w", s.Name, err)
			}
		}
	}

	for i := range config.Certificates {
		c := &config.Certificates[i]
		if err := validation.ValidateStruct(c,
			validation.Field(&c.Domains, validation.Required),
			validation.Field(&c.ChallengeType, validation.In("http-01", "dns-01")),
		); err != nil {
			return fmt.Errorf("证书 %d: %w", i+1, err)
		}
		for _, target := range c.BindingTargets {
			if _, ok := config.Site(target); !ok {
				return fmt.Errorf("证书 %s: 部署目标 %s 未定义", c.Domains[0], target)
			}
		}
	}

	if config.Webhook != nil && config.Webhook.Enabled && config.Webhook.URL == "" {
		return fmt.Errorf("webhook 已启用但未配置 url")
	}

	return nil
}

// validateCredential 验证凭证是否完整
func validateCredential(c *CredentialConfig) error {
	switch c.Type {
	case "aliyun":
		if c.AccessKeyID == "" || c.AccessKeySecret == "" {
			return fmt.Errorf("aliyun 凭证不完整")
		}
	case "tencent":
		if c.SecretID == "" || c.SecretKey == "" {
			return fmt.Errorf("tencent 凭证不完整")
		}
	case "huawei":
		if c.AccessKey == "" || c.SecretKey == "" {
			return fmt.Errorf("huawei 凭证不完整")
		}
	case "route53":
		if (c.AccessKeyID == "") != (c.SecretAccessKey == "") {
			return fmt.Errorf("route53 凭证需要同时提供 access_key_id 和 secret_access_key")
		}
	case "cloudflare":
		if c.APIToken == "" {
			return fmt.Errorf("cloudflare 凭证缺少 api_token")
		}
	default:
		return fmt.Errorf("不支持的凭证类型: %s", c.Type)
	}
	return nil
}
