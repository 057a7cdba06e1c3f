package provider

import "context"

// CertUploader 云平台证书托管接口，签发后的证书通过它上传到云平台（CDN/负载均衡等再引用）
type CertUploader interface {
	// Name 返回平台名称
	Name() string

	// UploadCertificate 上传证书，返回云平台证书ID
	UploadCertificate(ctx context.Context, bundle *CertificateBundle) (certID string, err error)
}
