package route53

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/route53"
	"github.com/aws/aws-sdk-go-v2/service/route53/types"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// API Route53 客户端中用到的方法
type API interface {
	ListHostedZonesByName(ctx context.Context, params *route53.ListHostedZonesByNameInput, optFns ...func(*route53.Options)) (*route53.ListHostedZonesByNameOutput, error)
	ListResourceRecordSets(ctx context.Context, params *route53.ListResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ListResourceRecordSetsOutput, error)
	ChangeResourceRecordSets(ctx context.Context, params *route53.ChangeResourceRecordSetsInput, optFns ...func(*route53.Options)) (*route53.ChangeResourceRecordSetsOutput, error)
}

// DNSProvider AWS Route53 DNS提供商。同名 TXT 的多个值放在同一个记录集中。
type DNSProvider struct {
	api          API
	hostedZoneID string
	logger       *zap.Logger

	// 记录集是整体替换的，串行化修改避免并发覆盖
	mu sync.Mutex
}

// NewDNSProvider 创建 Route53 DNS提供商，未配置密钥时使用默认凭证链
func NewDNSProvider(ctx context.Context, cfg *config.Route53Config, logger *zap.Logger) (*DNSProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, cfg.SessionToken)))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("加载AWS配置失败: %w", err)
	}

	return NewDNSProviderWithAPI(route53.NewFromConfig(awsCfg), cfg.HostedZoneID, logger), nil
}

// NewDNSProviderWithAPI 使用指定客户端创建
func NewDNSProviderWithAPI(api API, hostedZoneID string, logger *zap.Logger) *DNSProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{api: api, hostedZoneID: hostedZoneID, logger: logger}
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "route53"
}

func (p *DNSProvider) zoneID(ctx context.Context, zone string) (string, error) {
	if p.hostedZoneID != "" {
		return p.hostedZoneID, nil
	}

	out, err := p.api.ListHostedZonesByName(ctx, &route53.ListHostedZonesByNameInput{
		DNSName: aws.String(zone),
	})
	if err != nil {
		return "", fmt.Errorf("查询托管区域失败: %w", err)
	}
	for _, hz := range out.HostedZones {
		if strings.TrimSuffix(aws.ToString(hz.Name), ".") == zone && (hz.Config == nil || !hz.Config.PrivateZone) {
			return strings.TrimPrefix(aws.ToString(hz.Id), "/hostedzone/"), nil
		}
	}
	return "", fmt.Errorf("未找到域名 %s 的托管区域", zone)
}

// values 返回记录集当前的全部值（去掉引号）
func (p *DNSProvider) values(ctx context.Context, zoneID, name string) ([]string, error) {
	out, err := p.api.ListResourceRecordSets(ctx, &route53.ListResourceRecordSetsInput{
		HostedZoneId:    aws.String(zoneID),
		StartRecordName: aws.String(name),
		StartRecordType: types.RRTypeTxt,
		MaxItems:        aws.Int32(1),
	})
	if err != nil {
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}

	for _, rs := range out.ResourceRecordSets {
		if aws.ToString(rs.Name) != name || rs.Type != types.RRTypeTxt {
			continue
		}
		var values []string
		for _, r := range rs.ResourceRecords {
			values = append(values, strings.Trim(aws.ToString(r.Value), `"`))
		}
		return values, nil
	}
	return nil, nil
}

func (p *DNSProvider) change(ctx context.Context, zoneID, name string, action types.ChangeAction, values []string) error {
	records := make([]types.ResourceRecord, 0, len(values))
	for _, v := range values {
		records = append(records, types.ResourceRecord{Value: aws.String(`"` + v + `"`)})
	}

	_, err := p.api.ChangeResourceRecordSets(ctx, &route53.ChangeResourceRecordSetsInput{
		HostedZoneId: aws.String(zoneID),
		ChangeBatch: &types.ChangeBatch{
			Comment: aws.String("certify dns-01"),
			Changes: []types.Change{
				{
					Action: action,
					ResourceRecordSet: &types.ResourceRecordSet{
						Name:            aws.String(name),
						Type:            types.RRTypeTxt,
						TTL:             aws.Int64(60),
						ResourceRecords: records,
					},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("修改DNS记录失败: %w", err)
	}
	return nil
}

// AddTXTRecord 添加TXT记录值
func (p *DNSProvider) AddTXTRecord(ctx context.Context, zone, rr, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	name := recordName(zone, rr)

	values, err := p.values(ctx, zoneID, name)
	if err != nil {
		return err
	}
	for _, v := range values {
		if v == value {
			p.logger.Debug("[Route53] 记录已存在", zap.String("name", name))
			return nil
		}
	}

	p.logger.Info("[Route53] 添加记录", zap.String("name", name), zap.String("zone_id", zoneID))
	return p.change(ctx, zoneID, name, types.ChangeActionUpsert, append(values, value))
}

// DeleteTXTRecord 删除TXT记录值
func (p *DNSProvider) DeleteTXTRecord(ctx context.Context, zone, rr, value string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return err
	}
	name := recordName(zone, rr)

	values, err := p.values(ctx, zoneID, name)
	if err != nil {
		return err
	}

	remaining := make([]string, 0, len(values))
	for _, v := range values {
		if v != value {
			remaining = append(remaining, v)
		}
	}
	if len(remaining) == len(values) {
		return nil
	}

	p.logger.Info("[Route53] 删除记录", zap.String("name", name), zap.String("zone_id", zoneID))
	if len(remaining) == 0 {
		// DELETE 需要与现有记录集完全一致
		return p.change(ctx, zoneID, name, types.ChangeActionDelete, values)
	}
	return p.change(ctx, zoneID, name, types.ChangeActionUpsert, remaining)
}

// FindTXTRecords 查找TXT记录
func (p *DNSProvider) FindTXTRecords(ctx context.Context, zone, rr string) ([]*provider.DNSRecord, error) {
	zoneID, err := p.zoneID(ctx, zone)
	if err != nil {
		return nil, err
	}

	values, err := p.values(ctx, zoneID, recordName(zone, rr))
	if err != nil {
		return nil, err
	}

	records := make([]*provider.DNSRecord, 0, len(values))
	for _, v := range values {
		records = append(records, &provider.DNSRecord{
			RecordID: zoneID,
			Domain:   zone,
			RR:       rr,
			Type:     "TXT",
			Value:    v,
			TTL:      60,
		})
	}
	return records, nil
}

func recordName(zone, rr string) string {
	if rr == "" || rr == "@" {
		return zone + "."
	}
	return rr + "." + zone + "."
}
