package acme

import (
	"strings"

	legoacme "github.com/go-acme/lego/v4/acme"
)

// Status ACME 对象状态
type Status string

const (
	StatusPending     Status = legoacme.StatusPending
	StatusProcessing  Status = legoacme.StatusProcessing
	StatusReady       Status = legoacme.StatusReady
	StatusValid       Status = legoacme.StatusValid
	StatusInvalid     Status = legoacme.StatusInvalid
	StatusExpired     Status = legoacme.StatusExpired
	StatusDeactivated Status = legoacme.StatusDeactivated
	StatusRevoked     Status = legoacme.StatusRevoked
)

// 挑战类型
const (
	ChallengeHTTP01 = "http-01"
	ChallengeDNS01  = "dns-01"
)

// rank 授权状态的先后顺序，只允许向前推进
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusProcessing:
		return 1
	case StatusValid, StatusInvalid, StatusExpired, StatusDeactivated, StatusRevoked:
		return 2
	default:
		return -1
	}
}

// Terminal 是否为终态
func (s Status) Terminal() bool {
	return s.rank() == 2
}

// Challenge 一次挑战
type Challenge struct {
	Type             string
	URL              string
	Token            string
	KeyAuthorization string
	Status           Status
	Error            string
}

// Authorization 订单中单个域名的授权
type Authorization struct {
	URL        string
	Domain     string // 通配符授权会带上 "*." 前缀
	Wildcard   bool
	Status     Status
	Challenges []Challenge
}

// Advance 推进授权状态。回退或离开终态的变化会被忽略并返回 false。
func (a *Authorization) Advance(next Status) bool {
	if a.Status == next {
		return false
	}
	if a.Status.Terminal() {
		return false
	}
	if next.rank() < a.Status.rank() {
		return false
	}
	a.Status = next
	return true
}

// Challenge 按类型查找授权提供的挑战
func (a *Authorization) Challenge(challengeType string) (Challenge, bool) {
	for _, ch := range a.Challenges {
		if strings.EqualFold(ch.Type, challengeType) {
			return ch, true
		}
	}
	return Challenge{}, false
}

// Offered 授权提供的挑战类型列表
func (a *Authorization) Offered() []string {
	types := make([]string, 0, len(a.Challenges))
	for _, ch := range a.Challenges {
		types = append(types, ch.Type)
	}
	return types
}

// Order 一次签发会话，只属于一次运行，不做持久化
type Order struct {
	URL            string
	Status         Status
	Domains        []string
	Authorizations []*Authorization
	FinalizeURL    string
	CertificateURL string
	Error          string
}

// Certificate 下载得到的证书
type Certificate struct {
	URL         string
	Certificate []byte // 叶子证书 PEM
	Issuer      []byte // 中间证书 PEM
	Fullchain   []byte
}
