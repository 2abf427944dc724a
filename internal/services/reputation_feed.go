package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// ReputationFeed looks up the reputation of a single IP address
type ReputationFeed interface {
	Lookup(ctx context.Context, ip string) (*models.ReputationEntry, error)
}

// HTTPReputationFeed queries a JSON reputation API at GET {baseURL}/ip/{ip}
type HTTPReputationFeed struct {
	baseURL string
	apiKey  string
	client  HTTPDoer
	timeout time.Duration
}

// NewHTTPReputationFeed creates a new HTTPReputationFeed. A nil client uses
// an http.Client bounded by timeout.
func NewHTTPReputationFeed(baseURL, apiKey string, timeout time.Duration, client HTTPDoer) *HTTPReputationFeed {
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}
	return &HTTPReputationFeed{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  client,
		timeout: timeout,
	}
}

type feedResponse struct {
	Score   *float64 `json:"score"`
	VPN     bool     `json:"vpn"`
	Proxy   bool     `json:"proxy"`
	Country string   `json:"country"`
}

// Lookup fetches the reputation of ip. An unknown IP (404) is treated as clean.
// Every other failure is wrapped in models.ErrDependencyUnavailable.
func (f *HTTPReputationFeed) Lookup(ctx context.Context, ip string) (*models.ReputationEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.baseURL+"/ip/"+url.PathEscape(ip), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create reputation request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if f.apiKey != "" {
		req.Header.Set("X-API-Key", f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: reputation feed: %v", models.ErrDependencyUnavailable, err)
	}
	defer resp.Body.Close()

	now := time.Now()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &models.ReputationEntry{Subject: ip, Score: 1, Source: "feed", ComputedAt: now}, nil
	default:
		return nil, fmt.Errorf("%w: reputation feed returned status %d", models.ErrDependencyUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, fmt.Errorf("%w: reputation feed: %v", models.ErrDependencyUnavailable, err)
	}

	var out feedResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("%w: invalid reputation response: %v", models.ErrDependencyUnavailable, err)
	}

	score := 1.0
	if out.Score != nil {
		score = clamp01(*out.Score)
	}

	return &models.ReputationEntry{
		Subject:    ip,
		Score:      score,
		IsVPN:      out.VPN,
		IsProxy:    out.Proxy,
		Country:    strings.ToUpper(out.Country),
		Source:     "feed",
		ComputedAt: now,
	}, nil
}

// StaticReputationFeed is used when no external feed is configured: every IP is clean
type StaticReputationFeed struct{}

func (StaticReputationFeed) Lookup(_ context.Context, ip string) (*models.ReputationEntry, error) {
	return &models.ReputationEntry{Subject: ip, Score: 1, Source: "static", ComputedAt: time.Now()}, nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
