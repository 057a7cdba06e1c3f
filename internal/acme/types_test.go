package acme

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAuthorizationAdvanceForwardOnly(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		changed bool
		want    Status
	}{
		{"待验证到处理中", StatusPending, StatusProcessing, true, StatusProcessing},
		{"处理中到有效", StatusProcessing, StatusValid, true, StatusValid},
		{"待验证直接到无效", StatusPending, StatusInvalid, true, StatusInvalid},
		{"有效不能回退到待验证", StatusValid, StatusPending, false, StatusValid},
		{"无效不能变为有效", StatusInvalid, StatusValid, false, StatusInvalid},
		{"处理中不能回退", StatusProcessing, StatusPending, false, StatusProcessing},
		{"相同状态不变", StatusPending, StatusPending, false, StatusPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Authorization{Status: tt.from}
			assert.Equal(t, tt.changed, a.Advance(tt.to))
			assert.Equal(t, tt.want, a.Status)
		})
	}
}

func TestAuthorizationChallengeLookup(t *testing.T) {
	a := &Authorization{Challenges: []Challenge{
		{Type: ChallengeHTTP01, Token: "h"},
		{Type: ChallengeDNS01, Token: "d"},
	}}

	ch, ok := a.Challenge("DNS-01")
	assert.True(t, ok)
	assert.Equal(t, "d", ch.Token)

	_, ok = a.Challenge("tls-alpn-01")
	assert.False(t, ok)
	assert.Equal(t, []string{ChallengeHTTP01, ChallengeDNS01}, a.Offered())
}
