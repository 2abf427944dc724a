package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
)

func TestValidateRequest_ReportsJSONFieldName(t *testing.T) {
	err := ValidateRequest(&RegisterRequest{Email: "nope"})

	var ve *models.ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Equal(t, "email", ve.Field)
	assert.Equal(t, "must be a valid email address", ve.Message)
}

func TestValidateRequest_BlockSubject(t *testing.T) {
	tests := []struct {
		subject string
		valid   bool
	}{
		{"203.0.113.7", true},
		{"2001:db8::1", true},
		{"203.0.113.0/24", true},
		{"spam.example", true},
		{"spam.example.", true},
		{"???", false},
		{"10.0.0.0/33", false},
		{"not a domain", false},
	}

	for _, tt := range tests {
		t.Run(tt.subject, func(t *testing.T) {
			err := ValidateRequest(&BlockSubjectRequest{Subject: tt.subject, Reason: "r"})
			if tt.valid {
				assert.NoError(t, err)
				return
			}
			var ve *models.ValidationError
			require.True(t, errors.As(err, &ve))
			assert.Equal(t, "subject", ve.Field)
		})
	}
}

func TestBlockSubject_InvalidSubject_NamesField(t *testing.T) {
	h := newTestAdminHandler(&MockAdminService{})

	body := BlockSubjectRequest{Subject: "???", DurationMinutes: 5, Reason: "x"}
	req := WithOperatorContext(NewTestRequest(t, http.MethodPost, "/admin/blocks", body), "alice", models.RoleOperator)
	w := httptest.NewRecorder()
	h.BlockSubject(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	var resp pkghttp.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "subject", resp.Field)
	assert.Equal(t, "must be an IP address, CIDR range or domain", resp.Message)
}
