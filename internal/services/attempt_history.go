package services

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// AttemptHistory is a bounded, time-ordered in-memory log of recent attempts
type AttemptHistory struct {
	mu        sync.RWMutex
	attempts  []*models.Attempt
	maxSize   int
	retention time.Duration
}

// NewAttemptHistory creates a history holding at most maxSize attempts no older than retention
func NewAttemptHistory(maxSize int, retention time.Duration) *AttemptHistory {
	return &AttemptHistory{
		attempts:  make([]*models.Attempt, 0, 1024),
		maxSize:   maxSize,
		retention: retention,
	}
}

// AttemptLister loads persisted attempts
type AttemptLister interface {
	ListSince(ctx context.Context, since time.Time, limit int) ([]*models.Attempt, error)
}

// Warm loads the attempts persisted within the retention window so that a restarted
// instance still sees patterns that began before it started
func (h *AttemptHistory) Warm(ctx context.Context, repo AttemptLister, now time.Time) (int, error) {
	attempts, err := repo.ListSince(ctx, now.Add(-h.retention), h.maxSize)
	if err != nil {
		return 0, err
	}
	for _, a := range attempts {
		h.Append(a)
	}
	return len(attempts), nil
}

// Append adds an attempt, keeping the log sorted by timestamp and dropping the oldest beyond maxSize
func (h *AttemptHistory) Append(a *models.Attempt) {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.attempts)
	if n == 0 || !a.Timestamp.Before(h.attempts[n-1].Timestamp) {
		h.attempts = append(h.attempts, a)
	} else {
		i := sort.Search(n, func(i int) bool { return h.attempts[i].Timestamp.After(a.Timestamp) })
		h.attempts = append(h.attempts, nil)
		copy(h.attempts[i+1:], h.attempts[i:])
		h.attempts[i] = a
	}

	if excess := len(h.attempts) - h.maxSize; h.maxSize > 0 && excess > 0 {
		h.dropLocked(excess)
	}
}

// Scan calls fn for every attempt at or after since, oldest first, until fn returns false.
// fn runs under the read lock and must not call back into the history.
func (h *AttemptHistory) Scan(since time.Time, fn func(a *models.Attempt) bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, a := range h.attempts[h.indexLocked(since):] {
		if !fn(a) {
			return
		}
	}
}

// Since returns a copy of the attempts at or after since
func (h *AttemptHistory) Since(since time.Time) []*models.Attempt {
	h.mu.RLock()
	defer h.mu.RUnlock()

	tail := h.attempts[h.indexLocked(since):]
	out := make([]*models.Attempt, len(tail))
	copy(out, tail)
	return out
}

// Prune drops attempts older than the retention window and returns how many were removed
func (h *AttemptHistory) Prune(now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()

	i := h.indexLocked(now.Add(-h.retention))
	if i > 0 {
		h.dropLocked(i)
	}
	return i
}

// Len returns the number of attempts held
func (h *AttemptHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.attempts)
}

func (h *AttemptHistory) indexLocked(since time.Time) int {
	return sort.Search(len(h.attempts), func(i int) bool {
		return !h.attempts[i].Timestamp.Before(since)
	})
}

// dropLocked removes the first n attempts, compacting so the backing array does not grow without bound
func (h *AttemptHistory) dropLocked(n int) {
	rest := h.attempts[n:]
	if cap(h.attempts) > 2*len(rest)+1024 {
		compacted := make([]*models.Attempt, len(rest), len(rest)*2+1024)
		copy(compacted, rest)
		h.attempts = compacted
		return
	}
	for i := 0; i < n; i++ {
		h.attempts[i] = nil
	}
	h.attempts = rest
}

// AttemptBatchRepository persists attempts in bulk
type AttemptBatchRepository interface {
	CreateBatch(ctx context.Context, attempts []*models.Attempt) (int64, error)
}

// AttemptWriterMetrics is the subset of metrics used by the attempt writer
type AttemptWriterMetrics interface {
	IncrementAttemptsDropped()
}

// AttemptWriter persists attempts asynchronously through a bounded queue.
// When the queue is full the attempt is dropped and logged; the request path never blocks on the database.
type AttemptWriter struct {
	repo          AttemptBatchRepository
	queue         chan *models.Attempt
	batchSize     int
	flushInterval time.Duration
	metrics       AttemptWriterMetrics
	logger        *slog.Logger
}

// NewAttemptWriter creates a new AttemptWriter
func NewAttemptWriter(repo AttemptBatchRepository, queueSize int, metrics AttemptWriterMetrics, logger *slog.Logger) *AttemptWriter {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AttemptWriter{
		repo:          repo,
		queue:         make(chan *models.Attempt, queueSize),
		batchSize:     256,
		flushInterval: time.Second,
		metrics:       metrics,
		logger:        logger,
	}
}

// Enqueue schedules an attempt for persistence. It returns false when the attempt was dropped.
func (w *AttemptWriter) Enqueue(a *models.Attempt) bool {
	select {
	case w.queue <- a:
		return true
	default:
		if w.metrics != nil {
			w.metrics.IncrementAttemptsDropped()
		}
		w.logger.Warn("attempt queue full, dropping attempt",
			slog.String("attempt_id", a.ID.String()))
		return false
	}
}

// Run drains the queue in batches until ctx is cancelled, then flushes what is left
func (w *AttemptWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]*models.Attempt, 0, w.batchSize)
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case a := <-w.queue:
					batch = append(batch, a)
				default:
					w.flush(batch)
					return nil
				}
			}
		case a := <-w.queue:
			batch = append(batch, a)
			if len(batch) >= w.batchSize {
				w.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				w.flush(batch)
				batch = batch[:0]
			}
		}
	}
}

func (w *AttemptWriter) flush(batch []*models.Attempt) {
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := w.repo.CreateBatch(ctx, batch); err != nil {
		w.logger.Error("failed to persist attempts",
			slog.Int("count", len(batch)),
			slog.Any("error", err))
	}
}
