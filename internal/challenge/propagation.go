package challenge

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"
)

// TXTChecker 检查 TXT 记录是否已经可见
type TXTChecker interface {
	HasTXT(ctx context.Context, fqdn, value string) (bool, error)
}

// AuthoritativeChecker 直接向权威服务器查询，避开递归解析器的缓存
type AuthoritativeChecker struct {
	client    *dns.Client
	resolvers []string
}

// DefaultResolvers 查找权威服务器时使用的递归解析器
var DefaultResolvers = []string{"8.8.8.8:53", "1.1.1.1:53"}

// NewAuthoritativeChecker 创建检查器，resolvers 为空时使用 DefaultResolvers
func NewAuthoritativeChecker(resolvers []string, timeout time.Duration) *AuthoritativeChecker {
	if len(resolvers) == 0 {
		resolvers = DefaultResolvers
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &AuthoritativeChecker{
		client:    &dns.Client{Timeout: timeout},
		resolvers: resolvers,
	}
}

// HasTXT 所有权威服务器都返回该值才算可见
func (c *AuthoritativeChecker) HasTXT(ctx context.Context, fqdn, value string) (bool, error) {
	fqdn = dns.Fqdn(fqdn)
	servers, err := c.nameservers(ctx, fqdn)
	if err != nil {
		return false, err
	}

	for _, ns := range servers {
		in, err := c.query(ctx, ns, fqdn, dns.TypeTXT, false)
		if err != nil {
			return false, err
		}
		if !containsTXT(in, value) {
			return false, nil
		}
	}
	return true, nil
}

// nameservers 自下而上查找最近的区域的 NS 记录
func (c *AuthoritativeChecker) nameservers(ctx context.Context, fqdn string) ([]string, error) {
	for _, i := range dns.Split(fqdn) {
		zone := fqdn[i:]
		var lastErr error
		for _, resolver := range c.resolvers {
			in, err := c.query(ctx, resolver, zone, dns.TypeNS, true)
			if err != nil {
				lastErr = err
				continue
			}
			var servers []string
			for _, rr := range in.Answer {
				if ns, ok := rr.(*dns.NS); ok {
					servers = append(servers, net.JoinHostPort(strings.TrimSuffix(ns.Ns, "."), "53"))
				}
			}
			if len(servers) > 0 {
				return servers, nil
			}
			lastErr = nil
			break
		}
		if lastErr != nil {
			return nil, lastErr
		}
	}
	return nil, fmt.Errorf("找不到 %s 的权威服务器", fqdn)
}

func (c *AuthoritativeChecker) query(ctx context.Context, server, name string, qtype uint16, recursive bool) (*dns.Msg, error) {
	m := new(dns.Msg)
	m.SetQuestion(name, qtype)
	m.RecursionDesired = recursive

	in, _, err := c.client.ExchangeContext(ctx, m, server)
	if err != nil {
		return nil, fmt.Errorf("查询 %s (%s): %w", name, server, err)
	}
	if in.Rcode != dns.RcodeSuccess && in.Rcode != dns.RcodeNameError {
		return nil, fmt.Errorf("查询 %s (%s): %s", name, server, dns.RcodeToString[in.Rcode])
	}
	return in, nil
}

func containsTXT(msg *dns.Msg, value string) bool {
	for _, rr := range msg.Answer {
		if txt, ok := rr.(*dns.TXT); ok && strings.Join(txt.Txt, "") == value {
			return true
		}
	}
	return false
}
