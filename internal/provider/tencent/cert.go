package tencent

import (
	"context"
	"fmt"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	ssl "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/ssl/v20191205"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// CertUploader 腾讯云SSL证书服务
type CertUploader struct {
	client *ssl.Client
	logger *zap.Logger
}

// NewCertUploader 创建腾讯云证书上传客户端
func NewCertUploader(cfg *config.TencentConfig, logger *zap.Logger) (*CertUploader, error) {
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "ssl.tencentcloudapi.com"

	region := cfg.Region
	if region == "" {
		region = "ap-guangzhou"
	}

	client, err := ssl.NewClient(credential, region, cpf)
	if err != nil {
		return nil, fmt.Errorf("创建腾讯云SSL客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger}, nil
}

// Name 返回平台名称
func (u *CertUploader) Name() string {
	return "tencent"
}

// UploadCertificate 上传证书
func (u *CertUploader) UploadCertificate(ctx context.Context, bundle *provider.CertificateBundle) (string, error) {
	alias := bundle.Name
	if alias == "" {
		alias = fmt.Sprintf("%s-%s", bundle.Domain, bundle.NotAfter.Format("20060102"))
	}
	u.logger.Info("[腾讯云SSL] 上传证书", zap.String("alias", alias), zap.String("domain", bundle.Domain))

	request := ssl.NewUploadCertificateRequest()
	request.CertificatePublicKey = common.StringPtr(bundle.Fullchain)
	request.CertificatePrivateKey = common.StringPtr(bundle.PrivateKey)
	request.Alias = common.StringPtr(alias)

	response, err := u.client.UploadCertificate(request)
	if err != nil {
		return "", fmt.Errorf("上传证书到腾讯云失败: %w", err)
	}
	if response.Response == nil || response.Response.CertificateId == nil {
		return "", fmt.Errorf("腾讯云未返回证书ID")
	}

	certID := *response.Response.CertificateId
	u.logger.Info("[腾讯云SSL] 证书已上传", zap.String("cert_id", certID))
	return certID, nil
}
