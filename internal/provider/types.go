package provider

import "time"

// CertificateBundle 待上传的证书内容
type CertificateBundle struct {
	Name        string    // 证书名称（云平台展示用）
	Domain      string    // 主域名
	Certificate string    // 叶子证书 (PEM格式)
	Chain       string    // 中间证书 (PEM格式)
	Fullchain   string    // 完整证书链
	PrivateKey  string    // 私钥 (PEM格式)
	NotAfter    time.Time // 过期时间
}

// DNSRecord DNS记录
type DNSRecord struct {
	RecordID string // 记录ID
	Domain   string // 主域名
	RR       string // 主机记录 (子域名)
	Type     string // 记录类型
	Value    string // 记录值
	TTL      int    // TTL
}

// TXTRecordTTL 验证记录使用的 TTL（秒）
const TXTRecordTTL = 600
