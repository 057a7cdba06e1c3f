package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractMainDomain(t *testing.T) {
	assert.Equal(t, "example.com", ExtractMainDomain("www.example.com"))
	assert.Equal(t, "example.com", ExtractMainDomain("*.sub.example.com"))
	assert.Equal(t, "example.com", ExtractMainDomain("Example.COM."))
	assert.Equal(t, "localhost", ExtractMainDomain("localhost"))
}

func TestExtractSubDomain(t *testing.T) {
	assert.Equal(t, "_acme-challenge.www", ExtractSubDomain("_acme-challenge.www.example.com.", "example.com"))
	assert.Equal(t, "_acme-challenge", ExtractSubDomain("_acme-challenge.example.com", "example.com"))
	assert.Equal(t, "@", ExtractSubDomain("example.com", "example.com"))
}

func TestMatchDomain(t *testing.T) {
	tests := []struct {
		name    string
		pattern string
		target  string
		want    bool
	}{
		{"完全匹配", "example.com", "example.com", true},
		{"通配符匹配一级子域名", "*.example.com", "www.example.com", true},
		{"通配符不匹配主域名", "*.example.com", "example.com", false},
		{"通配符不匹配多级子域名", "*.example.com", "a.b.example.com", false},
		{"大小写不敏感", "*.Example.com", "API.example.com", true},
		{"不同域名", "example.org", "example.com", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, MatchDomain(tt.pattern, tt.target))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate("example.com"))
	assert.NoError(t, Validate("*.example.com"))
	assert.Error(t, Validate(""))
	assert.Error(t, Validate("www.*.example.com"))
	assert.Error(t, Validate("localhost"))
	assert.Error(t, Validate("-bad.example.com"))
	assert.Error(t, Validate("bad domain.com"))
}
