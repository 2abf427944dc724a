package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// HTTPDoer is the minimal interface needed from an HTTP client
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// CaptchaVerifier verifies a client-supplied CAPTCHA token
type CaptchaVerifier interface {
	Verify(ctx context.Context, token, remoteIP string) (bool, error)
}

// HTTPCaptchaVerifier verifies tokens against a siteverify-style endpoint
// (form POST of secret, response and remoteip returning {"success": bool})
type HTTPCaptchaVerifier struct {
	verifyURL string
	secret    string
	client    HTTPDoer
	timeout   time.Duration
	logger    *slog.Logger
}

// NewHTTPCaptchaVerifier creates a new HTTPCaptchaVerifier. A nil client uses
// an http.Client bounded by timeout.
func NewHTTPCaptchaVerifier(verifyURL, secret string, timeout time.Duration, client HTTPDoer, logger *slog.Logger) *HTTPCaptchaVerifier {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPCaptchaVerifier{
		verifyURL: verifyURL,
		secret:    secret,
		client:    client,
		timeout:   timeout,
		logger:    logger,
	}
}

type captchaResponse struct {
	Success    bool     `json:"success"`
	ErrorCodes []string `json:"error-codes"`
}

// Verify returns true when the provider accepts the token. An empty token is a plain failure.
// Transport errors are returned wrapped in models.ErrDependencyUnavailable.
func (v *HTTPCaptchaVerifier) Verify(ctx context.Context, token, remoteIP string) (bool, error) {
	if strings.TrimSpace(token) == "" {
		return false, nil
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	form := url.Values{}
	form.Set("secret", v.secret)
	form.Set("response", token)
	if remoteIP != "" {
		form.Set("remoteip", remoteIP)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.verifyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return false, fmt.Errorf("failed to create captcha request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := v.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("%w: captcha verify: %v", models.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("%w: captcha verify returned status %d", models.ErrDependencyUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return false, fmt.Errorf("%w: captcha verify: %v", models.ErrDependencyUnavailable, err)
	}

	var out captchaResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return false, errors.Join(models.ErrDependencyUnavailable, fmt.Errorf("failed to decode captcha response: %w", err))
	}

	if !out.Success {
		v.logger.Info("captcha verification failed",
			slog.String("ip_address", remoteIP),
			slog.Any("error_codes", out.ErrorCodes))
	}

	return out.Success, nil
}

// StaticCaptchaVerifier accepts any non-empty token. Used when no verify URL is configured.
type StaticCaptchaVerifier struct{}

func (StaticCaptchaVerifier) Verify(_ context.Context, token, _ string) (bool, error) {
	return strings.TrimSpace(token) != "", nil
}
