package services

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/google/uuid"
)

// AttackPatternRepository defines the persistence operations for attack patterns
type AttackPatternRepository interface {
	Create(ctx context.Context, p *models.AttackPattern) error
	ListByTimeRange(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// PatternPublisher publishes detected patterns to downstream consumers
type PatternPublisher interface {
	PublishPattern(p *models.AttackPattern) error
}

// PatternMetrics is the subset of metrics used by the detector
type PatternMetrics interface {
	IncrementPatternDetected(patternType string)
	SetAttemptHistorySize(n int)
}

// PatternDetectorConfig configures the PatternDetector
type PatternDetectorConfig struct {
	ReemitInterval  time.Duration
	SignatureWindow time.Duration
	MaxContributing int
}

// Detection is the output of one detector pass
type Detection struct {
	Patterns  []*models.AttackPattern
	UniqueIPs int
}

// MaxConfidence returns the highest pattern confidence, or 0
func (d Detection) MaxConfidence() float64 {
	highest := 0.0
	for _, p := range d.Patterns {
		if p.Confidence > highest {
			highest = p.Confidence
		}
	}
	return highest
}

// PatternDetector recognizes attack signatures in the recent attempt history.
// Rules are evaluated independently and overlapping patterns are all reported.
type PatternDetector struct {
	history   *AttemptHistory
	repo      AttackPatternRepository
	publisher PatternPublisher
	metrics   PatternMetrics
	cfg       PatternDetectorConfig
	logger    *slog.Logger
	now       func() time.Time

	mu          sync.Mutex
	lastEmitted map[string]time.Time
	signatures  map[string]time.Time
}

// NewPatternDetector creates a new PatternDetector
func NewPatternDetector(history *AttemptHistory, repo AttackPatternRepository, publisher PatternPublisher, metrics PatternMetrics, cfg PatternDetectorConfig, logger *slog.Logger) *PatternDetector {
	if cfg.MaxContributing <= 0 {
		cfg.MaxContributing = 500
	}
	return &PatternDetector{
		history:     history,
		repo:        repo,
		publisher:   publisher,
		metrics:     metrics,
		cfg:         cfg,
		logger:      logger,
		now:         time.Now,
		lastEmitted: make(map[string]time.Time),
		signatures:  make(map[string]time.Time),
	}
}

// WithClock overrides the time source
func (d *PatternDetector) WithClock(now func() time.Time) *PatternDetector {
	d.now = now
	return d
}

// Record appends an attempt to the history
func (d *PatternDetector) Record(a *models.Attempt) {
	d.history.Append(a)
	if d.metrics != nil {
		d.metrics.SetAttemptHistorySize(d.history.Len())
	}
}

// candidate accumulates the attempts backing one rule during a scan
type candidate struct {
	ids     []uuid.UUID
	ips     map[string]struct{}
	first   time.Time
	last    time.Time
	maxKeep int
}

func newCandidate(maxKeep int) *candidate {
	return &candidate{ips: make(map[string]struct{}), maxKeep: maxKeep}
}

func (c *candidate) add(a *models.Attempt) {
	if c.first.IsZero() {
		c.first = a.Timestamp
	}
	c.last = a.Timestamp
	c.ips[a.SourceIP] = struct{}{}
	if len(c.ids) < c.maxKeep {
		c.ids = append(c.ids, a.ID)
	}
}

// Detect evaluates every rule around the triggering attempt and returns newly emitted patterns
// together with the distinct-IP count of the distributed window. A nil trigger evaluates only
// the global distributed rule.
func (d *PatternDetector) Detect(ctx context.Context, th models.Thresholds, trigger *models.Attempt) Detection {
	now := d.now()
	detectionStart := now.Add(-th.DetectionWindow)
	distributedStart := now.Add(-th.DistributedWindow)
	scanStart := detectionStart
	if distributedStart.Before(scanStart) {
		scanStart = distributedStart
	}

	var (
		triggerIP     string
		triggerStem   string
		distributed   = newCandidate(d.cfg.MaxContributing)
		stuffing      = newCandidate(d.cfg.MaxContributing)
		enumeration   = newCandidate(d.cfg.MaxContributing)
		emails        = make(map[string]struct{})
		suffixes      = make(map[int]struct{})
		arrivalTimes  []time.Time
		distinctIPs   = make(map[string]struct{})
		hasEnumTarget bool
	)
	if trigger != nil {
		triggerIP = trigger.SourceIP
		var ok bool
		triggerStem, _, ok = enumerationKey(trigger.Email)
		hasEnumTarget = ok
	}

	d.history.Scan(scanStart, func(a *models.Attempt) bool {
		if !a.Timestamp.Before(distributedStart) && !a.Timestamp.After(now) {
			distinctIPs[a.SourceIP] = struct{}{}
			distributed.add(a)
		}
		if a.Timestamp.Before(detectionStart) || trigger == nil {
			return true
		}
		if a.SourceIP == triggerIP {
			emails[strings.ToLower(a.Email)] = struct{}{}
			arrivalTimes = append(arrivalTimes, a.Timestamp)
			stuffing.add(a)
		}
		if hasEnumTarget {
			if stem, n, ok := enumerationKey(a.Email); ok && stem == triggerStem {
				suffixes[n] = struct{}{}
				enumeration.add(a)
			}
		}
		return true
	})

	var found []*models.AttackPattern

	if u := len(distinctIPs); u > th.DistributedThreshold {
		found = append(found, d.newPattern(models.PatternDistributed, "*",
			math.Min(1, float64(u)/float64(2*th.DistributedThreshold)), len(distributed.ips), distributed, now))
	}

	if trigger != nil {
		if n := len(emails); th.StuffingDistinctEmails > 0 && n >= th.StuffingDistinctEmails {
			over := float64(n-th.StuffingDistinctEmails) / float64(th.StuffingDistinctEmails)
			found = append(found, d.newPattern(models.PatternCredentialStuffing, triggerIP,
				math.Min(1, 0.5+0.5*over), 1, stuffing, now))
		}

		if k := len(suffixes); hasEnumTarget && th.EnumerationMinSequence > 0 && k >= th.EnumerationMinSequence {
			run := longestRun(suffixes)
			conf := 0.5*math.Min(1, float64(k)/float64(2*th.EnumerationMinSequence)) + 0.5*float64(run)/float64(k)
			found = append(found, d.newPattern(models.PatternEnumeration, triggerStem,
				clamp01(conf), len(enumeration.ips), enumeration, now))
		}

		if th.SequentialMinAttempts > 1 && len(arrivalTimes) >= th.SequentialMinAttempts {
			if cv, ok := interArrivalCV(arrivalTimes); ok && cv < th.SequentialMaxCV {
				found = append(found, d.newPattern(models.PatternSequential, triggerIP,
					clamp01(1-cv/(2*th.SequentialMaxCV)), 1, stuffing, now))
			}
		}
	}

	emitted := d.filterReemitted(found, now)
	for _, p := range emitted {
		d.emit(ctx, p)
	}

	return Detection{Patterns: emitted, UniqueIPs: len(distinctIPs)}
}

func (d *PatternDetector) newPattern(t models.PatternType, subject string, confidence float64, sources int, c *candidate, now time.Time) *models.AttackPattern {
	ids := make([]uuid.UUID, len(c.ids))
	copy(ids, c.ids)
	return &models.AttackPattern{
		ID:                     uuid.New(),
		Type:                   t,
		Confidence:             confidence,
		Subject:                subject,
		UniqueSources:          sources,
		WindowStart:            c.first,
		WindowEnd:              c.last,
		DetectedAt:             now,
		ContributingAttemptIDs: ids,
	}
}

// filterReemitted drops patterns whose (type, subject) was emitted within the re-emit interval
// and records signatures for the ones that remain
func (d *PatternDetector) filterReemitted(found []*models.AttackPattern, now time.Time) []*models.AttackPattern {
	if len(found) == 0 {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]*models.AttackPattern, 0, len(found))
	for _, p := range found {
		key := string(p.Type) + "|" + p.Subject
		if last, ok := d.lastEmitted[key]; ok && now.Sub(last) < d.cfg.ReemitInterval {
			continue
		}
		d.lastEmitted[key] = now
		out = append(out, p)
	}
	return out
}

func (d *PatternDetector) emit(ctx context.Context, p *models.AttackPattern) {
	d.recordSignatures(p)

	if d.metrics != nil {
		d.metrics.IncrementPatternDetected(string(p.Type))
	}

	d.logger.Warn("attack pattern detected",
		slog.String("pattern_type", string(p.Type)),
		slog.String("subject", p.Subject),
		slog.Float64("confidence", p.Confidence),
		slog.Int("unique_sources", p.UniqueSources),
		slog.Int("contributing_attempts", len(p.ContributingAttemptIDs)))

	if d.repo != nil {
		persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		if err := d.repo.Create(persistCtx, p); err != nil {
			d.logger.Error("failed to persist attack pattern",
				slog.String("pattern_id", p.ID.String()),
				slog.Any("error", err))
		}
		cancel()
	}

	if d.publisher != nil {
		if err := d.publisher.PublishPattern(p); err != nil {
			d.logger.Warn("failed to publish attack pattern",
				slog.String("pattern_id", p.ID.String()),
				slog.Any("error", err))
		}
	}
}

// recordSignatures remembers the sources behind a pattern. IPs and their /24 (/64 for IPv6)
// are recorded for every pattern; the email domain only for enumeration, where it is part
// of the signature itself.
func (d *PatternDetector) recordSignatures(p *models.AttackPattern) {
	contributing := make(map[uuid.UUID]struct{}, len(p.ContributingAttemptIDs))
	for _, id := range p.ContributingAttemptIDs {
		contributing[id] = struct{}{}
	}

	keys := make(map[string]struct{})
	d.history.Scan(p.WindowStart, func(a *models.Attempt) bool {
		if a.Timestamp.After(p.WindowEnd) {
			return false
		}
		if _, ok := contributing[a.ID]; !ok {
			return true
		}
		keys["ip:"+a.SourceIP] = struct{}{}
		if prefix := networkPrefix(a.SourceIP); prefix != "" {
			keys["net:"+prefix] = struct{}{}
		}
		return true
	})
	if p.Type == models.PatternEnumeration {
		if at := strings.LastIndex(p.Subject, "@"); at >= 0 {
			keys["domain:"+p.Subject[at+1:]] = struct{}{}
		}
	}

	d.mu.Lock()
	for k := range keys {
		d.signatures[k] = p.DetectedAt
	}
	d.mu.Unlock()
}

// MatchesRecentSignature reports whether the IP, its network prefix, or the email domain
// contributed to a pattern within the signature window
func (d *PatternDetector) MatchesRecentSignature(ip, email string) bool {
	cutoff := d.now().Add(-d.cfg.SignatureWindow)
	keys := []string{"ip:" + ip}
	if prefix := networkPrefix(ip); prefix != "" {
		keys = append(keys, "net:"+prefix)
	}
	for _, domain := range domainCandidates(emailDomain(email)) {
		keys = append(keys, "domain:"+domain)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range keys {
		if seen, ok := d.signatures[k]; ok && !seen.Before(cutoff) {
			return true
		}
	}
	return false
}

// Prune drops old history, signatures and re-emit markers
func (d *PatternDetector) Prune(now time.Time) (attempts int, signatures int) {
	attempts = d.history.Prune(now)
	if d.metrics != nil {
		d.metrics.SetAttemptHistorySize(d.history.Len())
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	cutoff := now.Add(-d.cfg.SignatureWindow)
	for k, seen := range d.signatures {
		if seen.Before(cutoff) {
			delete(d.signatures, k)
			signatures++
		}
	}
	for k, last := range d.lastEmitted {
		if now.Sub(last) >= d.cfg.ReemitInterval {
			delete(d.lastEmitted, k)
		}
	}
	return attempts, signatures
}

// ListPatterns returns persisted patterns detected in [from, to)
func (d *PatternDetector) ListPatterns(ctx context.Context, from, to time.Time, limit int) ([]*models.AttackPattern, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	patterns, err := d.repo.ListByTimeRange(ctx, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list attack patterns: %w", err)
	}
	return patterns, nil
}

// DeleteOlderThan removes persisted patterns detected before cutoff
func (d *PatternDetector) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return d.repo.DeleteOlderThan(ctx, cutoff)
}

// enumerationKey splits an email into "stem@domain" and its trailing numeric suffix,
// e.g. "user17@example.com" -> ("user@example.com", 17). Emails without a suffix return ok=false.
func enumerationKey(email string) (string, int, bool) {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return "", 0, false
	}
	local := strings.ToLower(email[:at])
	domain := strings.ToLower(email[at+1:])

	i := len(local)
	for i > 0 && local[i-1] >= '0' && local[i-1] <= '9' {
		i--
	}
	if i == len(local) || len(local)-i > 9 {
		return "", 0, false
	}

	n, err := strconv.Atoi(local[i:])
	if err != nil {
		return "", 0, false
	}
	return local[:i] + "@" + domain, n, true
}

// longestRun returns the length of the longest run of consecutive integers in set
func longestRun(set map[int]struct{}) int {
	nums := make([]int, 0, len(set))
	for n := range set {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	best, run := 0, 0
	for i, n := range nums {
		if i > 0 && n == nums[i-1]+1 {
			run++
		} else {
			run = 1
		}
		if run > best {
			best = run
		}
	}
	return best
}

// interArrivalCV returns the coefficient of variation of the gaps between sorted times
func interArrivalCV(times []time.Time) (float64, bool) {
	if len(times) < 3 {
		return 0, false
	}

	gaps := make([]float64, 0, len(times)-1)
	sum := 0.0
	for i := 1; i < len(times); i++ {
		g := times[i].Sub(times[i-1]).Seconds()
		gaps = append(gaps, g)
		sum += g
	}
	mean := sum / float64(len(gaps))
	if mean <= 0 {
		return 0, false
	}

	variance := 0.0
	for _, g := range gaps {
		variance += (g - mean) * (g - mean)
	}
	variance /= float64(len(gaps))

	return math.Sqrt(variance) / mean, true
}

// networkPrefix returns the /24 of an IPv4 address or the /64 of an IPv6 address
func networkPrefix(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	if v4 := parsed.To4(); v4 != nil {
		return (&net.IPNet{IP: v4.Mask(net.CIDRMask(24, 32)), Mask: net.CIDRMask(24, 32)}).String()
	}
	return (&net.IPNet{IP: parsed.Mask(net.CIDRMask(64, 128)), Mask: net.CIDRMask(64, 128)}).String()
}
