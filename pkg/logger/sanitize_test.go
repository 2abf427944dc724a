package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRedactQuery(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"empty", "", ""},
		{"plain", "from=2026-01-01&limit=10", "from=2026-01-01&limit=10"},
		{"email masked", "email=alice@example.com", "email=a****@*******.com"},
		{"token redacted", "token=abc&x=1", "token=[REDACTED]&x=1"},
		{"case insensitive", "Captcha_Token=abc", "Captcha_Token=[REDACTED]"},
		{"malformed", "%zz", "[REDACTED]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactQuery(tt.raw))
		})
	}
}
