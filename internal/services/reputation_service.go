package services

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"golang.org/x/sync/singleflight"
)

// ReputationMetrics is the subset of metrics used by the reputation evaluator
type ReputationMetrics interface {
	IncrementReputationLookup(result string)
	SetReputationCacheSize(n int)
}

// ReputationConfig configures the ReputationService
type ReputationConfig struct {
	Weights             models.ReputationWeights
	CacheTTL            time.Duration
	CacheMaxEntries     int
	KnownBadSubnets     []string
	RestrictedCountries []string
}

// ReputationService computes suspicion scores from IP reputation, email and device signals.
// Feed lookups are cached per IP and concurrent misses for the same IP share one call.
type ReputationService struct {
	feed       ReputationFeed
	disposable *DisposableDomains
	weights    models.ReputationWeights
	badSubnets []*net.IPNet
	restricted map[string]struct{}
	metrics    ReputationMetrics
	logger     *slog.Logger

	ttl        time.Duration
	maxEntries int
	mu         sync.RWMutex
	cache      map[string]*models.ReputationEntry
	group      singleflight.Group
	now        func() time.Time
}

// NewReputationService creates a new ReputationService. Invalid subnets are logged and skipped.
func NewReputationService(feed ReputationFeed, disposable *DisposableDomains, cfg ReputationConfig, metrics ReputationMetrics, logger *slog.Logger) *ReputationService {
	s := &ReputationService{
		feed:       feed,
		disposable: disposable,
		weights:    cfg.Weights,
		restricted: make(map[string]struct{}),
		metrics:    metrics,
		logger:     logger,
		ttl:        cfg.CacheTTL,
		maxEntries: cfg.CacheMaxEntries,
		cache:      make(map[string]*models.ReputationEntry),
		now:        time.Now,
	}

	for _, cidr := range cfg.KnownBadSubnets {
		_, ipNet, err := net.ParseCIDR(strings.TrimSpace(cidr))
		if err != nil {
			logger.Warn("ignoring invalid known-bad subnet", slog.String("subnet", cidr), slog.Any("error", err))
			continue
		}
		s.badSubnets = append(s.badSubnets, ipNet)
	}
	for _, country := range cfg.RestrictedCountries {
		if c := strings.ToUpper(strings.TrimSpace(country)); c != "" {
			s.restricted[c] = struct{}{}
		}
	}
	if s.maxEntries <= 0 {
		s.maxEntries = 10000
	}

	return s
}

// WithClock overrides the time source
func (s *ReputationService) WithClock(now func() time.Time) *ReputationService {
	s.now = now
	return s
}

// Evaluate computes the suspicion score for an attempt. It never fails: an unavailable
// feed is reported through the FeedUnavailable signal and a neutral IP score.
func (s *ReputationService) Evaluate(ctx context.Context, ip, email, fingerprint string) models.ReputationResult {
	signals := models.ReputationSignals{
		IsDisposableEmail:  s.disposable != nil && s.disposable.Contains(email),
		IsKnownBadSubnet:   s.inBadSubnet(ip),
		MissingFingerprint: strings.TrimSpace(fingerprint) == "",
		IPReputationScore:  1,
	}

	entry, err := s.lookup(ctx, ip)
	if err != nil {
		s.logger.Warn("reputation feed unavailable",
			slog.String("ip_address", ip),
			slog.Any("error", err))
		signals.FeedUnavailable = true
	} else {
		signals.IPReputationScore = entry.Score
		signals.IsVPNOrProxy = entry.IsVPN || entry.IsProxy
		signals.Country = entry.Country
	}

	return models.ReputationResult{
		SuspicionScore: s.Score(signals),
		Signals:        signals,
	}
}

// Score combines signals with the configured weights, clamped to [0,1]
func (s *ReputationService) Score(signals models.ReputationSignals) float64 {
	w := s.weights
	score := 0.0
	if signals.IsDisposableEmail {
		score += w.DisposableEmail
	}
	if signals.IsKnownBadSubnet {
		score += w.KnownBadSubnet
	}
	if signals.IsVPNOrProxy {
		score += w.VPNOrProxy
	}
	score += w.LowIPReputation * (1 - clamp01(signals.IPReputationScore))
	if signals.MissingFingerprint {
		score += w.MissingFingerprint
	}
	if signals.FeedUnavailable {
		score += w.FeedUnavailable
	}
	return clamp01(score)
}

// IsRestrictedCountry reports whether country is geo-restricted
func (s *ReputationService) IsRestrictedCountry(country string) bool {
	if country == "" {
		return false
	}
	_, ok := s.restricted[strings.ToUpper(country)]
	return ok
}

// IsDisposable reports whether email belongs to a disposable provider
func (s *ReputationService) IsDisposable(email string) bool {
	return s.disposable != nil && s.disposable.Contains(email)
}

func (s *ReputationService) inBadSubnet(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return false
	}
	for _, n := range s.badSubnets {
		if n.Contains(parsed) {
			return true
		}
	}
	return false
}

func (s *ReputationService) lookup(ctx context.Context, ip string) (*models.ReputationEntry, error) {
	now := s.now()

	s.mu.RLock()
	entry, ok := s.cache[ip]
	s.mu.RUnlock()
	if ok && !entry.IsExpired(now) {
		s.observe("hit")
		return entry, nil
	}

	// coalesced callers share one fetch, so it must not end with the first caller.
	// The feed bounds the call with its own timeout.
	shared := context.WithoutCancel(ctx)
	v, err, coalesced := s.group.Do(ip, func() (any, error) {
		fetched, err := s.feed.Lookup(shared, ip)
		if err != nil {
			return nil, err
		}
		computed := s.now()
		fetched.ComputedAt = computed
		fetched.ExpiresAt = computed.Add(s.ttl)
		s.store(ip, fetched)
		return fetched, nil
	})
	if err != nil {
		s.observe("error")
		return nil, err
	}

	if coalesced {
		s.observe("shared")
	} else {
		s.observe("miss")
	}
	return v.(*models.ReputationEntry), nil
}

func (s *ReputationService) store(ip string, entry *models.ReputationEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.cache[ip]; !exists && len(s.cache) >= s.maxEntries {
		s.evictLocked(s.now())
	}
	s.cache[ip] = entry
	s.setSizeLocked()
}

// evictLocked drops expired entries, or one arbitrary entry when none have expired
func (s *ReputationService) evictLocked(now time.Time) {
	removed := 0
	for k, e := range s.cache {
		if e.IsExpired(now) {
			delete(s.cache, k)
			removed++
		}
	}
	if removed > 0 {
		return
	}
	for k := range s.cache {
		delete(s.cache, k)
		return
	}
}

// Invalidate drops cached entries for an IP, or for every cached IP inside a CIDR subnet.
// Domain subjects have no cached reputation and are ignored.
func (s *ReputationService) Invalidate(subject string) int {
	subject = strings.TrimSpace(subject)

	s.mu.Lock()
	defer s.mu.Unlock()
	defer s.setSizeLocked()

	if ip := net.ParseIP(subject); ip != nil {
		removed := 0
		for k := range s.cache {
			if cached := net.ParseIP(k); cached != nil && cached.Equal(ip) {
				delete(s.cache, k)
				removed++
			}
		}
		return removed
	}

	_, ipNet, err := net.ParseCIDR(subject)
	if err != nil {
		return 0
	}

	removed := 0
	for k := range s.cache {
		if cached := net.ParseIP(k); cached != nil && ipNet.Contains(cached) {
			delete(s.cache, k)
			removed++
		}
	}
	return removed
}

// Sweep removes expired cache entries
func (s *ReputationService) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for k, e := range s.cache {
		if e.IsExpired(now) {
			delete(s.cache, k)
			removed++
		}
	}
	s.setSizeLocked()
	return removed
}

// CacheSize returns the number of cached entries
func (s *ReputationService) CacheSize() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.cache)
}

func (s *ReputationService) setSizeLocked() {
	if s.metrics != nil {
		s.metrics.SetReputationCacheSize(len(s.cache))
	}
}

func (s *ReputationService) observe(result string) {
	if s.metrics != nil {
		s.metrics.IncrementReputationLookup(result)
	}
}
