package domain

import (
	"fmt"
	"strings"
)

// Normalize 统一为小写并去掉结尾的点
func Normalize(domain string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(domain)), ".")
}

// IsWildcard 是否为通配符域名
func IsWildcard(domain string) bool {
	return strings.HasPrefix(domain, "*.")
}

// BaseDomain 去掉通配符前缀
// 例如: *.example.com -> example.com
func BaseDomain(domain string) string {
	return strings.TrimPrefix(Normalize(domain), "*.")
}

// ExtractMainDomain 从完整域名提取主域名
// 例如: www.example.com -> example.com, *.sub.example.com -> example.com
func ExtractMainDomain(domain string) string {
	parts := strings.Split(BaseDomain(domain), ".")
	if len(parts) >= 2 {
		return parts[len(parts)-2] + "." + parts[len(parts)-1]
	}
	return BaseDomain(domain)
}

// ExtractSubDomain 提取子域名部分（用于DNS记录的RR值）
// 例如: _acme-challenge.www.example.com 中提取 _acme-challenge.www
func ExtractSubDomain(fullRecord, mainDomain string) string {
	fullRecord = Normalize(fullRecord)
	if strings.HasSuffix(fullRecord, "."+mainDomain) {
		return strings.TrimSuffix(fullRecord, "."+mainDomain)
	}
	if fullRecord == mainDomain {
		return "@"
	}
	return fullRecord
}

// MatchDomain 检查域名是否匹配（支持通配符，通配符只覆盖一级子域名）
func MatchDomain(pattern, target string) bool {
	pattern = Normalize(pattern)
	target = Normalize(target)

	if pattern == target {
		return true
	}

	if IsWildcard(pattern) && !IsWildcard(target) {
		base := strings.TrimPrefix(pattern, "*.")
		if !strings.HasSuffix(target, "."+base) {
			return false
		}
		label := strings.TrimSuffix(target, "."+base)
		return label != "" && !strings.Contains(label, ".")
	}

	return false
}

// Validate 检查域名格式
func Validate(domain string) error {
	d := Normalize(domain)
	if d == "" {
		return fmt.Errorf("域名为空")
	}
	if strings.Count(d, "*") > 1 || (strings.Contains(d, "*") && !IsWildcard(d)) {
		return fmt.Errorf("域名 %s: 通配符只能出现在最左侧标签", domain)
	}
	base := strings.TrimPrefix(d, "*.")
	if !strings.Contains(base, ".") {
		return fmt.Errorf("域名 %s: 缺少顶级域", domain)
	}
	for _, label := range strings.Split(base, ".") {
		if label == "" || len(label) > 63 {
			return fmt.Errorf("域名 %s: 标签长度无效", domain)
		}
		if strings.HasPrefix(label, "-") || strings.HasSuffix(label, "-") {
			return fmt.Errorf("域名 %s: 标签不能以连字符开头或结尾", domain)
		}
		for _, r := range label {
			if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '-' || r == '_') {
				return fmt.Errorf("域名 %s: 包含非法字符 %q", domain, r)
			}
		}
	}
	return nil
}
