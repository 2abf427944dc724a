package services_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/services"
)

var testWeights = models.ReputationWeights{
	DisposableEmail:    0.4,
	KnownBadSubnet:     0.5,
	VPNOrProxy:         0.2,
	LowIPReputation:    0.4,
	MissingFingerprint: 0.1,
	FeedUnavailable:    0.1,
}

func newReputation(feed services.ReputationFeed, now time.Time) *services.ReputationService {
	return services.NewReputationService(feed, services.NewDisposableDomains(nil), services.ReputationConfig{
		Weights:             testWeights,
		CacheTTL:            time.Hour,
		CacheMaxEntries:     100,
		KnownBadSubnets:     []string{"198.51.100.0/24", "not-a-cidr"},
		RestrictedCountries: []string{"kp", " IR "},
	}, nil, newTestLogger()).WithClock(func() time.Time { return now })
}

func TestReputationService_Evaluate_CleanAttempt(t *testing.T) {
	svc := newReputation(&services.MockReputationFeed{}, t0)

	res := svc.Evaluate(context.Background(), "203.0.113.9", "alice@example.com", "fp-123")

	assert.Equal(t, 0.0, res.SuspicionScore)
	assert.False(t, res.Signals.IsDisposableEmail)
	assert.False(t, res.Signals.FeedUnavailable)
	assert.Equal(t, 1.0, res.Signals.IPReputationScore)
}

func TestReputationService_Evaluate_CombinesSignals(t *testing.T) {
	feed := &services.MockReputationFeed{
		LookupFunc: func(ctx context.Context, ip string) (*models.ReputationEntry, error) {
			return &models.ReputationEntry{Subject: ip, Score: 0.5, IsProxy: true, Country: "DE"}, nil
		},
	}
	svc := newReputation(feed, t0)

	res := svc.Evaluate(context.Background(), "198.51.100.7", "bob@mailinator.com", "")

	assert.True(t, res.Signals.IsDisposableEmail)
	assert.True(t, res.Signals.IsKnownBadSubnet)
	assert.True(t, res.Signals.IsVPNOrProxy)
	assert.True(t, res.Signals.MissingFingerprint)
	assert.Equal(t, "DE", res.Signals.Country)
	assert.Equal(t, 1.0, res.SuspicionScore, "score is clamped to 1")
}

func TestReputationService_Evaluate_FeedUnavailable(t *testing.T) {
	feed := &services.MockReputationFeed{
		LookupFunc: func(ctx context.Context, ip string) (*models.ReputationEntry, error) {
			return nil, models.ErrDependencyUnavailable
		},
	}
	svc := newReputation(feed, t0)

	res := svc.Evaluate(context.Background(), "203.0.113.9", "alice@example.com", "fp")

	assert.True(t, res.Signals.FeedUnavailable)
	assert.InDelta(t, testWeights.FeedUnavailable, res.SuspicionScore, 1e-9)
	assert.Equal(t, 0, svc.CacheSize(), "failed lookups are not cached")
}

func TestReputationService_Evaluate_CachesLookups(t *testing.T) {
	var calls int32
	feed := &services.MockReputationFeed{
		LookupFunc: func(ctx context.Context, ip string) (*models.ReputationEntry, error) {
			atomic.AddInt32(&calls, 1)
			return &models.ReputationEntry{Subject: ip, Score: 1}, nil
		},
	}
	now := t0
	svc := services.NewReputationService(feed, nil, services.ReputationConfig{Weights: testWeights, CacheTTL: time.Minute}, nil, newTestLogger()).
		WithClock(func() time.Time { return now })

	svc.Evaluate(context.Background(), "203.0.113.9", "a@example.com", "fp")
	svc.Evaluate(context.Background(), "203.0.113.9", "b@example.com", "fp")
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	now = now.Add(2 * time.Minute)
	svc.Evaluate(context.Background(), "203.0.113.9", "c@example.com", "fp")
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls), "expired entries are refetched")
}

func TestReputationService_Evaluate_ConcurrentMissesShareOneLookup(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	feed := &services.MockReputationFeed{
		LookupFunc: func(ctx context.Context, ip string) (*models.ReputationEntry, error) {
			atomic.AddInt32(&calls, 1)
			<-release
			return &models.ReputationEntry{Subject: ip, Score: 1}, nil
		},
	}
	svc := newReputation(feed, t0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			svc.Evaluate(context.Background(), "203.0.113.50", "a@example.com", "fp")
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestReputationService_Evaluate_LookupOutlivesCancelledCaller(t *testing.T) {
	feed := &services.MockReputationFeed{
		LookupFunc: func(ctx context.Context, ip string) (*models.ReputationEntry, error) {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return &models.ReputationEntry{Subject: ip, Score: 1}, nil
		},
	}
	svc := newReputation(feed, t0)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res := svc.Evaluate(ctx, "203.0.113.60", "a@example.com", "fp")

	assert.False(t, res.Signals.FeedUnavailable)
	assert.Zero(t, res.SuspicionScore)

	again := svc.Evaluate(context.Background(), "203.0.113.60", "b@example.com", "fp")
	assert.False(t, again.Signals.FeedUnavailable, "the shared result is cached for later callers")
}

func TestReputationService_Invalidate(t *testing.T) {
	svc := newReputation(&services.MockReputationFeed{}, t0)
	ctx := context.Background()
	for _, ip := range []string{"10.1.0.1", "10.1.0.2", "10.2.0.1"} {
		svc.Evaluate(ctx, ip, "a@example.com", "fp")
	}
	require.Equal(t, 3, svc.CacheSize())

	assert.Equal(t, 2, svc.Invalidate("10.1.0.0/16"))
	assert.Equal(t, 1, svc.Invalidate("10.2.0.1"))
	assert.Equal(t, 0, svc.Invalidate("example.com"))
	assert.Equal(t, 0, svc.CacheSize())
}

func TestReputationService_Sweep(t *testing.T) {
	svc := newReputation(&services.MockReputationFeed{}, t0)
	svc.Evaluate(context.Background(), "10.0.0.1", "a@example.com", "fp")

	assert.Equal(t, 0, svc.Sweep(t0.Add(time.Minute)))
	assert.Equal(t, 1, svc.Sweep(t0.Add(time.Hour)))
	assert.Equal(t, 0, svc.CacheSize())
}

func TestReputationService_IsRestrictedCountry(t *testing.T) {
	svc := newReputation(&services.MockReputationFeed{}, t0)

	assert.True(t, svc.IsRestrictedCountry("KP"))
	assert.True(t, svc.IsRestrictedCountry("ir"))
	assert.False(t, svc.IsRestrictedCountry("US"))
	assert.False(t, svc.IsRestrictedCountry(""))
}

func TestDisposableDomains_Contains(t *testing.T) {
	d := services.NewDisposableDomains([]string{"@Throwaway.Example", "# comment", ""})

	tests := []struct {
		email string
		want  bool
	}{
		{"user@mailinator.com", true},
		{"user@MAILINATOR.COM", true},
		{"user@mx.mailinator.com", true},
		{"user@throwaway.example", true},
		{"user@example.com", false},
		{"not-an-email", false},
		{"trailing@", false},
	}

	for _, tt := range tests {
		t.Run(tt.email, func(t *testing.T) {
			assert.Equal(t, tt.want, d.Contains(tt.email))
		})
	}
}

func TestHTTPReputationFeed_Lookup(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret-key", r.Header.Get("X-API-Key"))
		switch r.URL.Path {
		case "/ip/203.0.113.1":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"score":0.25,"vpn":true,"country":"nl"}`))
		case "/ip/203.0.113.2":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	feed := services.NewHTTPReputationFeed(server.URL+"/", "secret-key", time.Second, nil)
	ctx := context.Background()

	entry, err := feed.Lookup(ctx, "203.0.113.1")
	require.NoError(t, err)
	assert.Equal(t, 0.25, entry.Score)
	assert.True(t, entry.IsVPN)
	assert.Equal(t, "NL", entry.Country)

	entry, err = feed.Lookup(ctx, "203.0.113.2")
	require.NoError(t, err)
	assert.Equal(t, 1.0, entry.Score, "unknown IPs are clean")

	_, err = feed.Lookup(ctx, "203.0.113.3")
	assert.True(t, errors.Is(err, models.ErrDependencyUnavailable))
}
