package aliyun

import (
	"context"
	"fmt"
	"strings"

	cas "github.com/alibabacloud-go/cas-20200407/v3/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// CertUploader 阿里云数字证书管理服务 (CAS)
type CertUploader struct {
	client *cas.Client
	logger *zap.Logger
}

// NewCertUploader 创建阿里云证书上传客户端
func NewCertUploader(cfg *config.AliyunConfig, logger *zap.Logger) (*CertUploader, error) {
	clientConfig := &openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String("cas.aliyuncs.com"),
	}

	client, err := cas.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建阿里云CAS客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &CertUploader{client: client, logger: logger}, nil
}

// Name 返回平台名称
func (u *CertUploader) Name() string {
	return "aliyun"
}

// UploadCertificate 上传证书到 CAS
func (u *CertUploader) UploadCertificate(ctx context.Context, bundle *provider.CertificateBundle) (string, error) {
	name := uploadName(bundle)
	u.logger.Info("[阿里云CAS] 上传证书", zap.String("name", name), zap.String("domain", bundle.Domain))

	request := &cas.UploadUserCertificateRequest{
		Name: tea.String(name),
		Cert: tea.String(bundle.Fullchain),
		Key:  tea.String(bundle.PrivateKey),
	}

	response, err := u.client.UploadUserCertificate(request)
	if err != nil {
		return "", fmt.Errorf("上传证书到阿里云失败: %w", err)
	}
	if response.Body == nil || response.Body.CertId == nil {
		return "", fmt.Errorf("阿里云未返回证书ID")
	}

	certID := fmt.Sprintf("%d", tea.Int64Value(response.Body.CertId))
	u.logger.Info("[阿里云CAS] 证书已上传", zap.String("cert_id", certID))
	return certID, nil
}

// uploadName 云平台要求证书名称唯一，使用域名加过期日期
func uploadName(bundle *provider.CertificateBundle) string {
	if bundle.Name != "" {
		return bundle.Name
	}
	name := strings.ReplaceAll(strings.TrimPrefix(bundle.Domain, "*."), ".", "-")
	if strings.HasPrefix(bundle.Domain, "*.") {
		name = "wildcard-" + name
	}
	return fmt.Sprintf("%s-%s", name, bundle.NotAfter.Format("20060102"))
}
