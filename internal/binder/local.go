package binder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
	"github.com/egbonrelu/certify/internal/storage"
)

// 部署到站点目录时使用的文件名
const (
	CertFileName      = "cert.pem"
	KeyFileName       = "key.pem"
	FullchainFileName = "fullchain.pem"
)

// LocalDeployer 复制到本机目录并执行重载命令
type LocalDeployer struct {
	runner CommandRunner
	logger *zap.Logger
}

// NewLocalDeployer 创建本机部署
func NewLocalDeployer(runner CommandRunner, logger *zap.Logger) *LocalDeployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalDeployer{runner: runner, logger: logger}
}

// Deploy 写入 cert.pem / key.pem / fullchain.pem
func (d *LocalDeployer) Deploy(ctx context.Context, site *config.SiteConfig, bundle *provider.CertificateBundle) error {
	if site.Dir == "" {
		return fmt.Errorf("站点 %s 未配置目录", site.Name)
	}
	if err := os.MkdirAll(site.Dir, 0o755); err != nil {
		return fmt.Errorf("创建目录失败: %w", err)
	}

	files := []struct {
		name    string
		content string
		perm    os.FileMode
	}{
		{CertFileName, bundle.Certificate, 0o644},
		{FullchainFileName, bundle.Fullchain, 0o644},
		{KeyFileName, bundle.PrivateKey, 0o600},
	}
	for _, f := range files {
		if f.content == "" {
			continue
		}
		if err := storage.WriteFileAtomic(filepath.Join(site.Dir, f.name), []byte(f.content), f.perm); err != nil {
			return fmt.Errorf("写入 %s 失败: %w", f.name, err)
		}
	}
	d.logger.Info("证书已复制到站点目录", zap.String("site", site.Name), zap.String("dir", site.Dir))

	if site.ReloadCommand == "" || d.runner == nil {
		return nil
	}
	return d.runner.RunCommand(ctx, site.ReloadCommand, siteVars(site, bundle))
}

func siteVars(site *config.SiteConfig, bundle *provider.CertificateBundle) map[string]string {
	return map[string]string{
		"DOMAIN":         bundle.Domain,
		"CERT_DIR":       site.Dir,
		"CERT_FILE":      filepath.Join(site.Dir, CertFileName),
		"KEY_FILE":       filepath.Join(site.Dir, KeyFileName),
		"FULLCHAIN_FILE": filepath.Join(site.Dir, FullchainFileName),
	}
}
