package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

func TestHTTPCaptchaVerifier_Verify(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		want    bool
		wantErr bool
	}{
		{name: "accepted", status: http.StatusOK, body: `{"success": true}`, want: true},
		{name: "rejected", status: http.StatusOK, body: `{"success": false, "error-codes": ["invalid-input-response"]}`},
		{name: "provider error", status: http.StatusBadGateway, body: ``, wantErr: true},
		{name: "malformed body", status: http.StatusOK, body: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.NoError(t, r.ParseForm())
				assert.Equal(t, http.MethodPost, r.Method)
				assert.Equal(t, "shh", r.PostForm.Get("secret"))
				assert.Equal(t, "tok-123", r.PostForm.Get("response"))
				assert.Equal(t, "203.0.113.5", r.PostForm.Get("remoteip"))
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer server.Close()

			v := services.NewHTTPCaptchaVerifier(server.URL, "shh", time.Second, nil, newTestLogger())
			got, err := v.Verify(context.Background(), "tok-123", "203.0.113.5")
			if tt.wantErr {
				assert.True(t, errors.Is(err, models.ErrDependencyUnavailable))
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHTTPCaptchaVerifier_EmptyTokenSkipsProvider(t *testing.T) {
	called := false
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer server.Close()

	v := services.NewHTTPCaptchaVerifier(server.URL, "shh", time.Second, nil, newTestLogger())
	ok, err := v.Verify(context.Background(), "  ", "203.0.113.5")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, called)
}

func TestHTTPCaptchaVerifier_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer server.Close()

	v := services.NewHTTPCaptchaVerifier(server.URL, "shh", 50*time.Millisecond, nil, newTestLogger())
	_, err := v.Verify(context.Background(), "tok", "")
	assert.True(t, errors.Is(err, models.ErrDependencyUnavailable))
}

func TestStaticCaptchaVerifier(t *testing.T) {
	var v services.StaticCaptchaVerifier

	ok, err := v.Verify(context.Background(), "anything", "")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, _ = v.Verify(context.Background(), "", "")
	assert.False(t, ok)
}
