// Package binder 把签发好的证书部署到站点（本机目录、远程主机、云平台证书服务）。
package binder

import (
	"context"
	"errors"

	"github.com/egbonrelu/certify/internal/model"
)

var (
	// ErrSiteNotFound 没有站点与域名对应
	ErrSiteNotFound = errors.New("binding site not found")
	// ErrUnsupportedSite 站点类型没有对应的部署方式
	ErrUnsupportedSite = errors.New("unsupported site type")
)

// SiteRef 部署目标
type SiteRef struct {
	Name string
	Type string
}

func (s SiteRef) String() string {
	if s.Type == "" {
		return s.Name
	}
	return s.Name + "(" + s.Type + ")"
}

// Binder 站点解析与证书安装
type Binder interface {
	// ResolveSites 返回域名对应的全部站点，通配符证书可能对应多个站点
	ResolveSites(ctx context.Context, domain string) ([]SiteRef, error)
	// InstallCertificate 安装证书，单次调用不重试
	InstallCertificate(ctx context.Context, site SiteRef, artifact *model.CertificateArtifact) error
}

// CommandRunner 执行部署后的重载命令
type CommandRunner interface {
	RunCommand(ctx context.Context, command string, vars map[string]string) error
}
