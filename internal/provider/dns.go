package provider

import "context"

// RecordClient DNS 服务商记录接口，供 dns-01 挑战发布 TXT 记录。
// 同一名称下可能同时存在多条 TXT 记录（例如 example.com 与 *.example.com 共用
// _acme-challenge.example.com），因此增删都按 rr+value 精确匹配，不覆盖其他值。
type RecordClient interface {
	// Name 返回服务商名称
	Name() string

	// AddTXTRecord 添加 TXT 记录，相同 rr+value 已存在时直接返回
	AddTXTRecord(ctx context.Context, zone, rr, value string) error

	// DeleteTXTRecord 删除 rr+value 匹配的 TXT 记录，不存在时直接返回
	DeleteTXTRecord(ctx context.Context, zone, rr, value string) error

	// FindTXTRecords 查询 rr 下的全部 TXT 记录
	FindTXTRecords(ctx context.Context, zone, rr string) ([]*DNSRecord, error)
}
