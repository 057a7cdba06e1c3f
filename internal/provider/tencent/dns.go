package tencent

import (
	"context"
	"fmt"
	"strings"

	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common"
	"github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/common/profile"
	dnspod "github.com/tencentcloud/tencentcloud-sdk-go/tencentcloud/dnspod/v20210323"
	"go.uber.org/zap"

	"github.com/egbonrelu/certify/internal/config"
	"github.com/egbonrelu/certify/internal/provider"
)

// DNSProvider 腾讯云DNS提供商 (DNSPod)
type DNSProvider struct {
	client *dnspod.Client
	logger *zap.Logger
}

// NewDNSProvider 创建腾讯云DNS提供商
func NewDNSProvider(cfg *config.TencentConfig, logger *zap.Logger) (*DNSProvider, error) {
	credential := common.NewCredential(cfg.SecretID, cfg.SecretKey)
	cpf := profile.NewClientProfile()
	cpf.HttpProfile.Endpoint = "dnspod.tencentcloudapi.com"

	client, err := dnspod.NewClient(credential, "", cpf)
	if err != nil {
		return nil, fmt.Errorf("创建腾讯云DNSPod客户端失败: %w", err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	return &DNSProvider{client: client, logger: logger}, nil
}

// Name 返回提供商名称
func (p *DNSProvider) Name() string {
	return "tencent"
}

// AddTXTRecord 添加TXT记录
func (p *DNSProvider) AddTXTRecord(ctx context.Context, zone, rr, value string) error {
	existing, err := p.FindTXTRecords(ctx, zone, rr)
	if err != nil {
		return err
	}
	for _, record := range existing {
		if record.Value == value {
			p.logger.Debug("[腾讯云DNS] 记录已存在", zap.String("rr", rr), zap.String("zone", zone))
			return nil
		}
	}

	p.logger.Info("[腾讯云DNS] 添加记录", zap.String("rr", rr), zap.String("zone", zone))

	request := dnspod.NewCreateRecordRequest()
	request.Domain = common.StringPtr(zone)
	request.SubDomain = common.StringPtr(rr)
	request.RecordType = common.StringPtr("TXT")
	request.RecordLine = common.StringPtr("默认")
	request.Value = common.StringPtr(value)
	request.TTL = common.Uint64Ptr(provider.TXTRecordTTL)

	if _, err := p.client.CreateRecord(request); err != nil {
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
		p.logger.Info("[腾讯云DNS] 删除记录", zap.String("rr", rr), zap.String("record_id", record.RecordID))

		var recordID uint64
		fmt.Sscanf(record.RecordID, "%d", &recordID)

		request := dnspod.NewDeleteRecordRequest()
		request.Domain = common.StringPtr(zone)
		request.RecordId = common.Uint64Ptr(recordID)

		if _, err := p.client.DeleteRecord(request); err != nil {
			return fmt.Errorf("删除DNS记录失败: %w", err)
		}
	}
	return nil
}

// FindTXTRecords 查找TXT记录
func (p *DNSProvider) FindTXTRecords(ctx context.Context, zone, rr string) ([]*provider.DNSRecord, error) {
	request := dnspod.NewDescribeRecordListRequest()
	request.Domain = common.StringPtr(zone)
	request.Subdomain = common.StringPtr(rr)
	request.RecordType = common.StringPtr("TXT")

	response, err := p.client.DescribeRecordList(request)
	if err != nil {
		// 如果没有记录，腾讯云会返回错误
		if strings.Contains(err.Error(), "NoRecord") || strings.Contains(err.Error(), "记录列表为空") {
			return nil, nil
		}
		return nil, fmt.Errorf("查询DNS记录失败: %w", err)
	}

	var records []*provider.DNSRecord
	if response.Response != nil {
		for _, record := range response.Response.RecordList {
			if record.Name == nil || *record.Name != rr || record.Type == nil || *record.Type != "TXT" {
				continue
			}
			r := &provider.DNSRecord{
				Domain: zone,
				RR:     *record.Name,
				Type:   *record.Type,
			}
			if record.RecordId != nil {
				r.RecordID = fmt.Sprintf("%d", *record.RecordId)
			}
			if record.Value != nil {
				r.Value = *record.Value
			}
			if record.TTL != nil {
				r.TTL = int(*record.TTL)
			}
			records = append(records, r)
		}
	}

	return records, nil
}
