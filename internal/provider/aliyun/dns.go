package aliyun

import (
	"context"
	"fmt"
	"strings"

	alidns "github.com/alibabacloud-go/alidns-20150109/v4/client"
	openapi "github.com/alibabacloud-go/darabonba-openapi/v2/client"
	"github.com/alibabacloud-go/tea/tea"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// DNSProvider 阿里云DNS提供商
type DNSProvider struct {
	client *alidns.Client
	logger *zap.Logger
}

// NewDNSProvider 创建阿里云DNS提供商
func NewDNSProvider(cfg *config.AliyunConfig, logger *zap.Logger) (*DNSProvider, error) {
	endpoint := "alidns.cn-hangzhou.aliyuncs.com"
	if cfg.Region != "" {
		endpoint = fmt.Sprintf("alidns.%s.aliyuncs.com", cfg.Region)
	}

	clientConfig := &openapi.Config{
		AccessKeyId:     tea.String(cfg.AccessKeyID),
		AccessKeySecret: tea.String(cfg.AccessKeySecret),
		Endpoint:        tea.String(endpoint),
	}

	client, err := alidns.NewClient(clientConfig)
	if err != nil {
		return nil, fmt.Errorf("创建阿里云DNS客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "aliyun"
}

// AddTXTRecord 添加TXT记录
func (p *DNSProvider) AddTXTRecord(ctx context.Context, zone, rr, value string) error {
	existing, err := p.FindTXTRecords(ctx, zone, rr)
	if err != nil {
		return err
	}
	for _, record := range existing {
		if record.Value == value {
			p.logger.Debug("[阿里云DNS] 记录已存在", zap.String("rr", rr), zap.String("zone", zone))
			return nil
		}
	}

	p.logger.Info("[阿里云DNS] 添加记录", zap.String("rr", rr), zap.String("zone", zone))

	request := &alidns.AddDomainRecordRequest{
		DomainName: tea.String(zone),
		RR:         tea.String(rr),
		Type:       tea.String("TXT"),
		Value:      tea.String(value),
		TTL:        tea.Int64(provider.TXTRecordTTL),
	}

	if _, err := p.client.AddDomainRecord(request); err != nil {
		// 并发添加时可能已被其他请求写入
		if strings.Contains(err.Error(), "DomainRecordDuplicate") {
			return nil
		}
		return fmt.Errorf("添加DNS记录失败: %w", err)
	}
	return nil
}

// DeleteTXTRecord 删除TXT记录
func (p *DNSProvider) DeleteTXTRecord(ctx context.Context, zone, rr, value string) error {
	existing, err := p.FindTXTRecords(ctx, zone, rr)
	if err != nil {
		return err
	}

	for _, record := range existing {
		if record.Value != value {
			continue
		}
		p.logger.Info("[阿里云DNS] 删除记录", zap.String("rr", rr), zap.String("record_id", record.RecordID))

		request := &alidns.DeleteDomainRecordRequest{
			RecordId: tea.String(record.RecordID),
		}
		if _, err := p.client.DeleteDomainRecord(request); err != nil {
			return fmt.Errorf("删除DNS记录失败: %w", err)
		}
	}
	return nil
}

// FindTXTRecords 查找TXT记录
func (p *DNSProvider) FindTXTRecords(ctx context.Context, zone, rr string) ([]*provider.DNSRecord, error) {
	request := &alidns.DescribeDomainRecordsRequest{
		DomainName: tea.String(zone),
		RRKeyWord:  tea.String(rr),
		Type:       tea.String("TXT"),
	}

	response, err := p.client.DescribeDomainRecords(request)
	if err != nil {
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}

	var records []*provider.DNSRecord
	if response.Body != nil && response.Body.DomainRecords != nil {
		for _, record := range response.Body.DomainRecords.Record {
			// RRKeyWord 是模糊匹配，这里要求完全一致
			if tea.StringValue(record.RR) != rr || tea.StringValue(record.Type) != "TXT" {
				continue
			}
			records = append(records, &provider.DNSRecord{
				RecordID: tea.StringValue(record.RecordId),
				Domain:   zone,
				RR:       tea.StringValue(record.RR),
				Type:     tea.StringValue(record.Type),
				Value:    tea.StringValue(record.Value),
				TTL:      int(tea.Int64Value(record.TTL)),
			})
		}
	}

	return records, nil
}
