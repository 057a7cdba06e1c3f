package binder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// CredentialLookup 按名称查找凭证
type CredentialLookup func(key string) (*config.CredentialConfig, error)

// UploaderFactory 按凭证创建云平台证书上传客户端
type UploaderFactory func(cred *config.CredentialConfig, logger *zap.Logger) (provider.CertUploader, error)

// CloudDeployer 上传到云平台证书服务（阿里云 CAS、腾讯云 SSL、华为云 SCM）
type CloudDeployer struct {
	credentials CredentialLookup
	newUploader UploaderFactory
	logger      *zap.Logger
}

// NewCloudDeployer 创建云平台部署
func NewCloudDeployer(credentials CredentialLookup, newUploader UploaderFactory, logger *zap.Logger) *CloudDeployer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CloudDeployer{credentials: credentials, newUploader: newUploader, logger: logger}
}

// Deploy 上传证书
func (d *CloudDeployer) Deploy(ctx context.Context, site *config.SiteConfig, bundle *provider.CertificateBundle) error {
	cred, err := d.credentials(site.CredentialKey)
	if err != nil {
		return err
	}
	uploader, err := d.newUploader(cred, d.logger)
	if err != nil {
		return fmt.Errorf("创建上传客户端失败: %w", err)
	}

	certID, err := uploader.UploadCertificate(ctx, bundle)
	if err != nil {
		return err
	}
	d.logger.Info("证书已上传到云平台",
		zap.String("site", site.Name),
		zap.String("platform", uploader.Name()),
		zap.String("cert_id", certID),
	)
	return nil
}
