package huawei

import (
	"context"
	"fmt"

	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/auth/basic"
	scm "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3"
	scmModel "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3/model"
	scmRegion "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/scm/v3/region"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// CertUploader 华为云证书管理服务 (SCM)
type CertUploader struct {
	client *scm.ScmClient
	logger *zap.Logger
}

// NewCertUploader 创建华为云证书上传客户端
func NewCertUploader(cfg *config.HuaweiConfig, logger *zap.Logger) (*CertUploader, error) {
	auth := basic.NewCredentialsBuilder().
		WithAk(cfg.AccessKey).
		WithSk(cfg.SecretKey).
		Build()

	region := cfg.Region
	if region == "" {
		region = "cn-north-4"
	}

	regionObj, err := scmRegion.SafeValueOf(region)
	if err != nil {
		return nil, fmt.Errorf("无效的区域: %s", region)
	}

	client := scm.NewScmClient(
		scm.ScmClientBuilder().
			WithRegion(regionObj).
			WithCredential(auth).
			Build())

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger}, nil
}

// Name 返回平台名称
func (u *CertUploader) Name() string {
	return "huawei"
}

// UploadCertificate 导入证书到 SCM
func (u *CertUploader) UploadCertificate(ctx context.Context, bundle *provider.CertificateBundle) (string, error) {
	u.logger.Info("[华为云SCM] 导入证书", zap.String("domain", bundle.Domain))

	request := &scmModel.ImportCertificateRequest{
		Body: &scmModel.ImportCertificateRequestBody{
			Certificate:      bundle.Certificate,
			CertificateChain: &bundle.Chain,
			PrivateKey:       bundle.PrivateKey,
		},
	}

	response, err := u.client.ImportCertificate(request)
	if err != nil {
		return "", fmt.Errorf("导入证书到华为云失败: %w", err)
	}
	if response.CertificateId == nil {
		return "", fmt.Errorf("华为云未返回证书ID")
	}

	u.logger.Info("[华为云SCM] 证书已导入", zap.String("cert_id", *response.CertificateId))
	return *response.CertificateId, nil
}
