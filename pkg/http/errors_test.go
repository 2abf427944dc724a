package http_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) pkghttp.ErrorResponse {
	t.Helper()
	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestErrorWriters(t *testing.T) {
	tests := []struct {
		name   string
		write  func(w http.ResponseWriter)
		status int
		code   string
	}{
		{"bad request", func(w http.ResponseWriter) { pkghttp.WriteBadRequest(w, "m") }, http.StatusBadRequest, pkghttp.CodeBadRequest},
		{"unauthorized", func(w http.ResponseWriter) { pkghttp.WriteUnauthorized(w, "m") }, http.StatusUnauthorized, pkghttp.CodeUnauthorized},
		{"forbidden", func(w http.ResponseWriter) { pkghttp.WriteForbidden(w, "m") }, http.StatusForbidden, pkghttp.CodeForbidden},
		{"not found", func(w http.ResponseWriter) { pkghttp.WriteNotFound(w, "m") }, http.StatusNotFound, pkghttp.CodeNotFound},
		{"conflict", func(w http.ResponseWriter) { pkghttp.WriteConflict(w, "m") }, http.StatusConflict, pkghttp.CodeConflict},
		{"internal", func(w http.ResponseWriter) { pkghttp.WriteInternalError(w, "m") }, http.StatusInternalServerError, pkghttp.CodeInternal},
		{"unavailable", func(w http.ResponseWriter) { pkghttp.WriteServiceUnavailable(w, "m") }, http.StatusServiceUnavailable, pkghttp.CodeServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w)

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			resp := decodeError(t, w)
			assert.Equal(t, tt.code, resp.Error)
			assert.Equal(t, "m", resp.Message)
			assert.Empty(t, resp.Field)
		})
	}
}

func TestWriteError_UnknownCodeIs500(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteError(w, "teapot", "short and stout")

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "teapot", decodeError(t, w).Error)
}

func TestWriteValidationError(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteValidationError(w, "email", "must be a valid email address")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, pkghttp.CodeBadRequest, resp.Error)
	assert.Equal(t, "email", resp.Field)
	assert.Equal(t, "must be a valid email address", resp.Message)
}

func TestWriteTooManyRequests_RetryAfterRoundsUp(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteTooManyRequests(w, "slow down", 1500*time.Millisecond)

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get("Retry-After"))
	assert.Equal(t, pkghttp.CodeRateLimited, decodeError(t, w).Error)
}

func TestSetRetryAfter_NonPositiveIsOmitted(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.SetRetryAfter(w, 0)
	pkghttp.SetRetryAfter(w, -time.Second)

	assert.Empty(t, w.Header().Get("Retry-After"))
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	pkghttp.WriteJSON(w, http.StatusAccepted, map[string]string{"outcome": "allowed"})

	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.JSONEq(t, `{"outcome":"allowed"}`, w.Body.String())
}
