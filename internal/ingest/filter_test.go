package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"crena/internal/services"
	"crena/internal/testsupport"
)

func TestIgnoresDNT(t *testing.T) {
	f := NewFilter(testsupport.GetLogger())

	respecting := &services.Service{Name: "s", RespectDNT: true}
	ignoring := &services.Service{Name: "s", RespectDNT: false}

	assert.True(t, f.IgnoresDNT(respecting, true))
	assert.False(t, f.IgnoresDNT(respecting, false))
	assert.False(t, f.IgnoresDNT(ignoring, true))
	assert.False(t, f.IgnoresDNT(ignoring, false))
}

func TestIgnoresNetwork(t *testing.T) {
	f := NewFilter(testsupport.GetLogger())

	tests := []struct {
		name       string
		ignoredIPs string
		clientIP   string
		want       bool
	}{
		{name: "no rules", ignoredIPs: "", clientIP: "10.1.2.3", want: false},
		{name: "inside network", ignoredIPs: "10.0.0.0/8", clientIP: "10.1.2.3", want: true},
		{name: "outside network", ignoredIPs: "10.0.0.0/8", clientIP: "11.1.2.3", want: false},
		{name: "second rule matches", ignoredIPs: "10.0.0.0/8,192.168.1.0/24", clientIP: "192.168.1.50", want: true},
		{name: "ipv6 rule", ignoredIPs: "2001:db8::/32", clientIP: "2001:db8::1", want: true},
		{name: "family mismatch", ignoredIPs: "10.0.0.0/8", clientIP: "2001:db8::1", want: false},
		{name: "single host network", ignoredIPs: "203.0.113.7/32", clientIP: "203.0.113.7", want: true},
		{name: "malformed client ip fails open", ignoredIPs: "10.0.0.0/8", clientIP: "not-an-ip", want: false},
		{name: "empty client ip fails open", ignoredIPs: "10.0.0.0/8", clientIP: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &services.Service{Name: "s", UUID: "u", IgnoredIPs: tt.ignoredIPs}
			assert.Equal(t, tt.want, f.IgnoresNetwork(svc, tt.clientIP))
		})
	}
}

func TestIgnoresOrigin(t *testing.T) {
	f := NewFilter(testsupport.GetLogger())

	tests := []struct {
		name    string
		origins string
		origin  string
		want    bool
	}{
		{name: "wildcard accepts anything", origins: "*", origin: "https://evil.example.com", want: false},
		{name: "listed origin", origins: "https://a.example.com", origin: "https://a.example.com", want: false},
		{name: "case insensitive", origins: "https://a.example.com", origin: "HTTPS://A.EXAMPLE.COM", want: false},
		{name: "unlisted origin", origins: "https://a.example.com", origin: "https://b.example.com", want: true},
		{name: "absent header passes", origins: "https://a.example.com", origin: "", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &services.Service{Name: "s", UUID: "u", Origins: tt.origins}
			assert.Equal(t, tt.want, f.IgnoresOrigin(svc, tt.origin))
		})
	}
}

func TestShouldIgnore(t *testing.T) {
	f := NewFilter(testsupport.GetLogger())
	svc := &services.Service{Name: "s", RespectDNT: true, IgnoredIPs: "10.0.0.0/8"}

	assert.True(t, f.ShouldIgnore(svc, "203.0.113.1", true), "dnt alone ignores")
	assert.True(t, f.ShouldIgnore(svc, "10.1.2.3", false), "network alone ignores")
	assert.False(t, f.ShouldIgnore(svc, "203.0.113.1", false))
}
