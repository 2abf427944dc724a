package services

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// BlockEntryRepository defines the persistence operations for block entries
type BlockEntryRepository interface {
	Upsert(ctx context.Context, entry *models.BlockEntry) (*models.BlockEntry, error)
	ListActive(ctx context.Context, now time.Time) ([]*models.BlockEntry, error)
	Delete(ctx context.Context, subject string) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// ReputationInvalidator drops cached reputation for a subject
type ReputationInvalidator interface {
	Invalidate(subject string) int
}

// BlockMatch is the result of matching an attempt against the blocklist
type BlockMatch struct {
	Entry  *models.BlockEntry
	Reason string
}

type subnetBlock struct {
	network *net.IPNet
	entry   *models.BlockEntry
}

type blockSnapshot struct {
	ips     map[string]*models.BlockEntry
	subnets []subnetBlock
	domains map[string]*models.BlockEntry
}

func newBlockSnapshot(entries []*models.BlockEntry) *blockSnapshot {
	snap := &blockSnapshot{
		ips:     make(map[string]*models.BlockEntry),
		domains: make(map[string]*models.BlockEntry),
	}
	for _, e := range entries {
		snap.put(e)
	}
	return snap
}

func (b *blockSnapshot) put(e *models.BlockEntry) {
	b.remove(e.Subject)
	switch e.SubjectType {
	case models.BlockSubjectIP:
		b.ips[e.Subject] = e
	case models.BlockSubjectSubnet:
		if _, n, err := net.ParseCIDR(e.Subject); err == nil {
			b.subnets = append(b.subnets, subnetBlock{network: n, entry: e})
		}
	case models.BlockSubjectDomain:
		b.domains[e.Subject] = e
	}
}

func (b *blockSnapshot) remove(subject string) {
	delete(b.ips, subject)
	delete(b.domains, subject)
	for i, s := range b.subnets {
		if s.entry.Subject == subject {
			b.subnets = append(b.subnets[:i], b.subnets[i+1:]...)
			return
		}
	}
}

func (b *blockSnapshot) pruneExpired(now time.Time) int {
	removed := 0
	for k, e := range b.ips {
		if e.IsExpired(now) {
			delete(b.ips, k)
			removed++
		}
	}
	for k, e := range b.domains {
		if e.IsExpired(now) {
			delete(b.domains, k)
			removed++
		}
	}
	kept := b.subnets[:0]
	for _, s := range b.subnets {
		if s.entry.IsExpired(now) {
			removed++
			continue
		}
		kept = append(kept, s)
	}
	b.subnets = kept
	return removed
}

func (b *blockSnapshot) size() int {
	return len(b.ips) + len(b.subnets) + len(b.domains)
}

// BlocklistService matches attempts against IP, subnet and email-domain blocks.
// Reads are served from an in-memory snapshot that is refreshed from the
// repository periodically and updated synchronously on local writes.
type BlocklistService struct {
	repo            BlockEntryRepository
	reputation      ReputationInvalidator
	disposable      *DisposableDomains
	blockDisposable bool
	logger          *slog.Logger
	now             func() time.Time

	mu         sync.RWMutex
	snapshot   *blockSnapshot
	generation uint64
}

// NewBlocklistService creates a new BlocklistService. Call Refresh before serving traffic.
func NewBlocklistService(repo BlockEntryRepository, reputation ReputationInvalidator, disposable *DisposableDomains, blockDisposable bool, logger *slog.Logger) *BlocklistService {
	return &BlocklistService{
		repo:            repo,
		reputation:      reputation,
		disposable:      disposable,
		blockDisposable: blockDisposable,
		logger:          logger,
		now:             time.Now,
		snapshot:        newBlockSnapshot(nil),
	}
}

// WithClock overrides the time source
func (s *BlocklistService) WithClock(now func() time.Time) *BlocklistService {
	s.now = now
	return s
}

// Match returns the first block matching ip or the email's domain, or nil.
// IP and subnet blocks are checked before domain blocks.
func (s *BlocklistService) Match(ip, email string) *BlockMatch {
	now := s.now()
	parsed := net.ParseIP(ip)

	s.mu.RLock()
	snap := s.snapshot
	if parsed != nil {
		if e, ok := snap.ips[parsed.String()]; ok && !e.IsExpired(now) {
			s.mu.RUnlock()
			return &BlockMatch{Entry: e, Reason: models.ReasonIPBlocked}
		}
		for _, sb := range snap.subnets {
			if sb.network.Contains(parsed) && !sb.entry.IsExpired(now) {
				s.mu.RUnlock()
				return &BlockMatch{Entry: sb.entry, Reason: models.ReasonIPBlocked}
			}
		}
	}
	for _, candidate := range domainCandidates(emailDomain(email)) {
		if e, ok := snap.domains[candidate]; ok && !e.IsExpired(now) {
			s.mu.RUnlock()
			return &BlockMatch{Entry: e, Reason: models.ReasonDomainBlocked}
		}
	}
	s.mu.RUnlock()

	if s.blockDisposable && s.disposable != nil && s.disposable.Contains(email) {
		return &BlockMatch{
			Entry: &models.BlockEntry{
				Subject:     emailDomain(email),
				SubjectType: models.BlockSubjectDomain,
				Reason:      "disposable email provider",
				CreatedBy:   models.SystemActor,
			},
			Reason: models.ReasonDomainBlocked,
		}
	}

	return nil
}

// Block inserts or updates a block for subject. A zero duration makes the block permanent.
// Blocking the same subject again replaces the existing entry.
func (s *BlocklistService) Block(ctx context.Context, subject string, duration time.Duration, reason, operator string) (*models.BlockEntry, error) {
	normalized, subjectType, err := models.ClassifySubject(subject)
	if err != nil {
		return nil, err
	}
	if duration < 0 {
		return nil, models.NewValidationError("duration_minutes", "must not be negative")
	}

	entry := &models.BlockEntry{
		Subject:     normalized,
		SubjectType: subjectType,
		Reason:      strings.TrimSpace(reason),
		CreatedBy:   operator,
	}
	if duration > 0 {
		expiresAt := s.now().Add(duration)
		entry.ExpiresAt = &expiresAt
	}

	saved, err := s.repo.Upsert(ctx, entry)
	if err != nil {
		s.logger.Error("failed to store block entry",
			slog.String("subject", normalized),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to block subject: %w", err)
	}

	s.mu.Lock()
	s.snapshot.put(saved)
	s.generation++
	s.mu.Unlock()

	if s.reputation != nil {
		s.reputation.Invalidate(saved.Subject)
	}

	s.logger.Info("subject blocked",
		slog.String("subject", saved.Subject),
		slog.String("subject_type", string(saved.SubjectType)),
		slog.Bool("permanent", saved.IsPermanent()),
		slog.String("operator", operator))

	return saved, nil
}

// BlockDomain inserts a permanent email-domain block
func (s *BlocklistService) BlockDomain(ctx context.Context, domain, reason, operator string) (*models.BlockEntry, error) {
	_, subjectType, err := models.ClassifySubject(domain)
	if err != nil {
		return nil, err
	}
	if subjectType != models.BlockSubjectDomain {
		return nil, models.NewValidationError("domain", "must be an email domain")
	}
	return s.Block(ctx, domain, 0, reason, operator)
}

// Unblock removes the block for subject
func (s *BlocklistService) Unblock(ctx context.Context, subject, operator string) error {
	normalized, _, err := models.ClassifySubject(subject)
	if err != nil {
		return err
	}

	if err := s.repo.Delete(ctx, normalized); err != nil {
		return err
	}

	s.mu.Lock()
	s.snapshot.remove(normalized)
	s.generation++
	s.mu.Unlock()

	if s.reputation != nil {
		s.reputation.Invalidate(normalized)
	}

	s.logger.Info("subject unblocked",
		slog.String("subject", normalized),
		slog.String("operator", operator))

	return nil
}

// List returns all active block entries from the repository
func (s *BlocklistService) List(ctx context.Context) ([]*models.BlockEntry, error) {
	entries, err := s.repo.ListActive(ctx, s.now())
	if err != nil {
		return nil, fmt.Errorf("failed to list block entries: %w", err)
	}
	return entries, nil
}

// Refresh reloads the snapshot from the repository. If a local write lands while
// the list is in flight the load is repeated so the write is not lost.
func (s *BlocklistService) Refresh(ctx context.Context) error {
	for i := 0; i < 3; i++ {
		s.mu.RLock()
		gen := s.generation
		s.mu.RUnlock()

		entries, err := s.repo.ListActive(ctx, s.now())
		if err != nil {
			return fmt.Errorf("failed to refresh blocklist: %w", err)
		}
		snap := newBlockSnapshot(entries)

		s.mu.Lock()
		if s.generation == gen {
			s.snapshot = snap
			s.mu.Unlock()
			return nil
		}
		s.mu.Unlock()
	}
	return nil
}

// RunRefresher refreshes the snapshot every interval until ctx is cancelled
func (s *BlocklistService) RunRefresher(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.logger.Warn("blocklist refresh failed", slog.Any("error", err))
			}
		}
	}
}

// SweepExpired deletes expired entries from the repository and the snapshot
func (s *BlocklistService) SweepExpired(ctx context.Context) (int64, error) {
	now := s.now()

	s.mu.Lock()
	s.snapshot.pruneExpired(now)
	s.mu.Unlock()

	n, err := s.repo.DeleteExpired(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired block entries: %w", err)
	}
	return n, nil
}

// Size returns the number of entries in the snapshot
func (s *BlocklistService) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot.size()
}
