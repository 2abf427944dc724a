package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func serveWithSecurityHeaders(env string, req *http.Request) *httptest.ResponseRecorder {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: env})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders_AlwaysSet(t *testing.T) {
	w := serveWithSecurityHeaders("development", httptest.NewRequest(http.MethodPost, "/register", nil))

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Frame-Options", "DENY"},
		{"X-Content-Type-Options", "nosniff"},
		{"Referrer-Policy", "no-referrer"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
		{"Cache-Control", "no-store"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, w.Header().Get(tt.header), tt.header)
	}
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_HSTSOnlyOverHTTPSInProduction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := serveWithSecurityHeaders("production", req)
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Forwarded-Proto", "https")
	w = serveWithSecurityHeaders("production", req)
	assert.Equal(t, "max-age=31536000; includeSubDomains", w.Header().Get("Strict-Transport-Security"))
}
