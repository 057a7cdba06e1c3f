package binder

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/domain"
	"github.com/egbonrelu/certify/internal/model"
	"github.com/egbonrelu/certify/internal/provider"
	"github.com/egbonrelu/certify/internal/storage"
)

// Deployer 某一类站点的部署方式
type Deployer interface {
	Deploy(ctx context.Context, site *config.SiteConfig, bundle *provider.CertificateBundle) error
}

// Router 根据配置中的站点列表解析与部署
type Router struct {
	sites     []config.SiteConfig
	deployers map[string]Deployer
	logger    *zap.Logger
}

// NewRouter 创建路由
func NewRouter(sites []config.SiteConfig, logger *zap.Logger) *Router {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		sites:     sites,
		deployers: make(map[string]Deployer),
		logger:    logger,
	}
}

// Register 登记站点类型的部署方式
func (r *Router) Register(siteType string, d Deployer) {
	r.deployers[strings.ToLower(siteType)] = d
}

// covers 站点域名模式是否与证书域名对应
//
// 普通域名按通配符规则匹配；通配符证书对应模式相同的站点以及它能覆盖的所有站点。
func covers(pattern, certDomain string) bool {
	if domain.MatchDomain(pattern, certDomain) {
		return true
	}
	if domain.IsWildcard(domain.Normalize(certDomain)) && !domain.IsWildcard(domain.Normalize(pattern)) {
		return domain.MatchDomain(certDomain, pattern)
	}
	return false
}

// ResolveSites 返回域名对应的站点
func (r *Router) ResolveSites(ctx context.Context, d string) ([]SiteRef, error) {
	var refs []SiteRef
	for _, site := range r.sites {
		for _, pattern := range site.Domains {
			if covers(pattern, d) {
				refs = append(refs, SiteRef{Name: site.Name, Type: site.Type})
				break
			}
		}
	}
	if len(refs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSiteNotFound, d)
	}
	return refs, nil
}

func (r *Router) site(name string) (*config.SiteConfig, bool) {
	for i := range r.sites {
		if strings.EqualFold(r.sites[i].Name, name) {
			return &r.sites[i], true
		}
	}
	return nil, false
}

// InstallCertificate 读取证书文件并交给站点类型对应的部署方式
func (r *Router) InstallCertificate(ctx context.Context, ref SiteRef, artifact *model.CertificateArtifact) error {
	site, ok := r.site(ref.Name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSiteNotFound, ref.Name)
	}
	deployer, ok := r.deployers[strings.ToLower(site.Type)]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedSite, site.Type)
	}

	bundle, err := storage.ReadBundle(artifact)
	if err != nil {
		return err
	}
	bundle.Name = site.Name

	r.logger.Info("开始部署证书",
		zap.String("site", site.Name),
		zap.String("type", site.Type),
		zap.String("domain", bundle.Domain),
	)
	if err := deployer.Deploy(ctx, site, bundle); err != nil {
		return fmt.Errorf("部署到 %s 失败: %w", site.Name, err)
	}
	r.logger.Info("证书部署完成", zap.String("site", site.Name))
	return nil
}
