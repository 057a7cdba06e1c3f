package huawei

import (
	"context"
	"fmt"
	"strings"

	"github.com/huaweicloud/huaweicloud-sdk-go-v3/core/auth/basic"
	dns "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2"
	dnsModel "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/model"
	dnsRegion "github.com/huaweicloud/huaweicloud-sdk-go-v3/services/dns/v2/region"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// DNSProvider 华为云DNS提供商。华为云以记录集管理同名记录，多个 TXT 值放在同一记录集中。
type DNSProvider struct {
	client *dns.DnsClient
	logger *zap.Logger
}

// NewDNSProvider 创建华为云DNS提供商
func NewDNSProvider(cfg *config.HuaweiConfig, logger *zap.Logger) (*DNSProvider, error) {
	auth := basic.NewCredentialsBuilder().
		WithAk(cfg.AccessKey).
		WithSk(cfg.SecretKey).
		Build()

	region := cfg.Region
	if region == "" {
		region = "cn-north-4"
	}

	regionObj, err := dnsRegion.SafeValueOf(region)
	if err != nil {
		return nil, fmt.Errorf("无效的区域: %s", region)
	}

	client := dns.NewDnsClient(
		dns.DnsClientBuilder().
			WithRegion(regionObj).
			WithCredential(auth).
			Build())

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "huawei"
}

// getZoneID 获取域名的Zone ID
func (p *DNSProvider) getZoneID(zone string) (string, error) {
	response, err := p.client.ListPublicZones(&dnsModel.ListPublicZonesRequest{})
	if err != nil {
		return "", fmt.Errorf("获取Zone列表失败: %w", err)
	}

	if response.Zones != nil {
		for _, z := range *response.Zones {
			if z.Name != nil && z.Id != nil && strings.TrimSuffix(*z.Name, ".") == zone {
				return *z.Id, nil
			}
		}
	}

	return "", fmt.Errorf("未找到域名 %s 的Zone", zone)
}

// recordSet 查找记录集，返回记录集ID和去掉引号的值
func (p *DNSProvider) recordSet(zoneID, name string) (string, []string, error) {
	recordType := "TXT"
	request := &dnsModel.ListRecordSetsByZoneRequest{
		ZoneId: zoneID,
		Name:   &name,
		Type:   &recordType,
	}

	response, err := p.client.ListRecordSetsByZone(request)
	if err != nil {
		return "", nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}

	if response.Recordsets != nil {
		for _, rs := range *response.Recordsets {
			if rs.Name == nil || *rs.Name != name || rs.Type == nil || *rs.Type != recordType || rs.Id == nil {
				continue
			}
			var values []string
			if rs.Records != nil {
				for _, v := range *rs.Records {
					values = append(values, unquote(v))
				}
			}
			return *rs.Id, values, nil
		}
	}
	return "", nil, nil
}

// AddTXTRecord 添加TXT记录（合并到已有记录集）
func (p *DNSProvider) AddTXTRecord(ctx context.Context, zone, rr, value string) error {
	zoneID, err := p.getZoneID(zone)
	if err != nil {
		return err
	}

	name := recordName(zone, rr)
	recordsetID, values, err := p.recordSet(zoneID, name)
	if err != nil {
		return err
	}

	for _, v := range values {
		if v == value {
			p.logger.Debug("[华为云DNS] 记录已存在", zap.String("name", name))
			return nil
		}
	}

	recordType := "TXT"
	if recordsetID == "" {
		p.logger.Info("[华为云DNS] 添加记录", zap.String("name", name))
		request := &dnsModel.CreateRecordSetRequest{
			ZoneId: zoneID,
			Body: &dnsModel.CreateRecordSetRequestBody{
				Name:    name,
				Type:    recordType,
				Records: []string{quote(value)},
			},
		}
		if _, err := p.client.CreateRecordSet(request); err != nil {
			return fmt.Errorf("添加DNS记录失败: %w", err)
		}
		return nil
	}

	p.logger.Info("[华为云DNS] 追加记录值", zap.String("name", name), zap.String("recordset_id", recordsetID))
	return p.updateRecordSet(zoneID, recordsetID, name, append(values, value))
}

// DeleteTXTRecord 删除TXT记录值，记录集为空时删除整个记录集
func (p *DNSProvider) DeleteTXTRecord(ctx context.Context, zone, rr, value string) error {
	zoneID, err := p.getZoneID(zone)
	if err != nil {
		return err
	}

	name := recordName(zone, rr)
	recordsetID, values, err := p.recordSet(zoneID, name)
	if err != nil || recordsetID == "" {
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

	if len(remaining) > 0 {
		return p.updateRecordSet(zoneID, recordsetID, name, remaining)
	}

	p.logger.Info("[华为云DNS] 删除记录集", zap.String("name", name), zap.String("recordset_id", recordsetID))
	request := &dnsModel.DeleteRecordSetRequest{
		ZoneId:      zoneID,
		RecordsetId: recordsetID,
	}
	if _, err := p.client.DeleteRecordSet(request); err != nil {
		return fmt.Errorf("删除DNS记录失败: %w", err)
	}
	return nil
}

func (p *DNSProvider) updateRecordSet(zoneID, recordsetID, name string, values []string) error {
	recordType := "TXT"
	records := make([]string, 0, len(values))
	for _, v := range values {
		records = append(records, quote(v))
	}

	request := &dnsModel.UpdateRecordSetRequest{
		ZoneId:      zoneID,
		RecordsetId: recordsetID,
		Body: &dnsModel.UpdateRecordSetReq{
			Name:    &name,
			Type:    &recordType,
			Records: &records,
		},
	}

	if _, err := p.client.UpdateRecordSet(request); err != nil {
		return fmt.Errorf("更新DNS记录失败: %w", err)
	}
	return nil
}

// FindTXTRecords 查找TXT记录
func (p *DNSProvider) FindTXTRecords(ctx context.Context, zone, rr string) ([]*provider.DNSRecord, error) {
	zoneID, err := p.getZoneID(zone)
	if err != nil {
		return nil, err
	}

	recordsetID, values, err := p.recordSet(zoneID, recordName(zone, rr))
	if err != nil {
		return nil, err
	}

	records := make([]*provider.DNSRecord, 0, len(values))
	for _, v := range values {
		records = append(records, &provider.DNSRecord{
			RecordID: recordsetID,
			Domain:   zone,
			RR:       rr,
			Type:     "TXT",
			Value:    v,
		})
	}
	return records, nil
}

// recordName 构建完整记录名（华为云要求以点结尾）
func recordName(zone, rr string) string {
	if rr == "" || rr == "@" {
		return zone + "."
	}
	return rr + "." + zone + "."
}

func quote(v string) string {
	return `"` + v + `"`
}

func unquote(v string) string {
	return strings.Trim(v, `"`)
}
