package http_test

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

func TestExtractClientIP(t *testing.T) {
	internal := []string{"10.0.0.0/8", "::1/128"}

	tests := []struct {
		name    string
		remote  string
		xff     []string
		realIP  string
		proxies []string
		nilCfg  bool
		want    string
	}{
		{
			name:    "direct connection ignores headers",
			remote:  "203.0.113.10:54321",
			xff:     []string{"1.2.3.4"},
			realIP:  "5.6.7.8",
			proxies: internal,
			want:    "203.0.113.10",
		},
		{
			name:    "trusted proxy single hop",
			remote:  "10.0.0.5:54321",
			xff:     []string{"203.0.113.42"},
			proxies: internal,
			want:    "203.0.113.42",
		},
		{
			name:    "rightmost untrusted hop wins",
			remote:  "10.0.0.5:54321",
			xff:     []string{"198.51.100.1, 203.0.113.43, 10.0.0.7"},
			proxies: internal,
			want:    "203.0.113.43",
		},
		{
			name:    "spoofed prefix cannot pick the key",
			remote:  "10.0.0.5:54321",
			xff:     []string{"127.0.0.1, 203.0.113.50"},
			proxies: internal,
			want:    "203.0.113.50",
		},
		{
			name:    "repeated headers are joined",
			remote:  "10.0.0.5:54321",
			xff:     []string{"198.51.100.9", "203.0.113.8"},
			proxies: internal,
			want:    "203.0.113.8",
		},
		{
			name:    "all hops trusted returns leftmost",
			remote:  "10.0.0.5:54321",
			xff:     []string{"10.1.1.1, 10.2.2.2"},
			proxies: internal,
			want:    "10.1.1.1",
		},
		{
			name:    "garbage hops are skipped",
			remote:  "10.0.0.5:54321",
			xff:     []string{"not-an-ip, 203.0.113.44, "},
			proxies: internal,
			want:    "203.0.113.44",
		},
		{
			name:    "X-Real-IP fallback",
			remote:  "10.0.0.5:54321",
			realIP:  "203.0.113.45",
			proxies: internal,
			want:    "203.0.113.45",
		},
		{
			name:    "IPv6 through loopback proxy",
			remote:  "[::1]:54321",
			xff:     []string{"2001:db8::1"},
			proxies: internal,
			want:    "2001:db8::1",
		},
		{
			name:    "bare address entry is trusted",
			remote:  "192.0.2.7:80",
			xff:     []string{"203.0.113.46"},
			proxies: []string{"192.0.2.7"},
			want:    "203.0.113.46",
		},
		{
			name:   "nil config trusts nothing",
			remote: "203.0.113.10:54321",
			xff:    []string{"1.2.3.4"},
			nilCfg: true,
			want:   "203.0.113.10",
		},
		{
			name:    "invalid CIDRs trust nothing",
			remote:  "203.0.113.10:54321",
			xff:     []string{"1.2.3.4"},
			proxies: []string{"invalid-cidr-range", "also-invalid"},
			want:    "203.0.113.10",
		},
		{
			name:    "IPv4-mapped remote is canonicalized",
			remote:  "[::ffff:203.0.113.11]:443",
			proxies: internal,
			want:    "203.0.113.11",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/register", nil)
			req.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				req.Header.Add("X-Forwarded-For", v)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}

			var cfg *pkghttp.IPConfig
			if !tt.nilCfg {
				cfg = &pkghttp.IPConfig{TrustedProxies: tt.proxies}
			}

			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, cfg))
		})
	}
}

func TestExtractClientIP_EmptyRemoteAddr(t *testing.T) {
	req := httptest.NewRequest("POST", "/register", nil)
	req.RemoteAddr = ""

	assert.Equal(t, "unknown", pkghttp.ExtractClientIP(req, nil))
}

func TestNormalizeIP(t *testing.T) {
	assert.Equal(t, "203.0.113.1", pkghttp.NormalizeIP(" 203.0.113.1 "))
	assert.Equal(t, "2001:db8::1", pkghttp.NormalizeIP("2001:DB8:0::1"))
	assert.Equal(t, "192.0.2.1", pkghttp.NormalizeIP("::ffff:192.0.2.1"))
	assert.Empty(t, pkghttp.NormalizeIP("example.com"))
}

func TestParseTrustedProxies(t *testing.T) {
	nets := pkghttp.ParseTrustedProxies([]string{"10.0.0.0/8", "", "bogus", "::1", "192.0.2.1"})
	if assert.Len(t, nets, 3) {
		assert.Equal(t, "10.0.0.0/8", nets[0].String())
		assert.Equal(t, "::1/128", nets[1].String())
		assert.Equal(t, "192.0.2.1/32", nets[2].String())
	}
}
