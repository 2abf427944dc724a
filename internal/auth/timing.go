package auth

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"time"
)

// TimingConfig controls how long rejected registration responses are held back
type TimingConfig struct {
	BaseDelayMs    int  // minimum response time for rejected attempts
	RandomDelayMs  int  // random jitter added on top of the base delay
	DelayOnSuccess bool // if true, accepted attempts are padded as well
}

// TimingDelay pads responses so that blocked, reputation-rejected and
// disabled outcomes are indistinguishable by latency.
type TimingDelay struct {
	config TimingConfig
}

// NewTimingDelay creates a new TimingDelay instance
func NewTimingDelay(config TimingConfig) *TimingDelay {
	return &TimingDelay{
		config: config,
	}
}

// cryptoRandIntn returns a secure random number in [0, n)
func cryptoRandIntn(n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}

	randomBytes := make([]byte, 8)
	if _, err := rand.Read(randomBytes); err != nil {
		return 0, err
	}

	return int(binary.BigEndian.Uint64(randomBytes) % uint64(n)), nil
}

func (td *TimingDelay) target() time.Duration {
	delay := time.Duration(td.config.BaseDelayMs) * time.Millisecond
	if td.config.RandomDelayMs > 0 {
		if jitter, err := cryptoRandIntn(td.config.RandomDelayMs); err == nil {
			delay += time.Duration(jitter) * time.Millisecond
		}
	}
	return delay
}

// Wait sleeps for the full configured delay when the attempt was rejected.
func (td *TimingDelay) Wait(ctx context.Context, rejected bool) {
	td.WaitFrom(ctx, time.Now(), rejected)
}

// WaitFrom sleeps until at least the target delay has elapsed since start.
// Work already done while evaluating the attempt counts toward the delay.
// Returns early if ctx is cancelled.
func (td *TimingDelay) WaitFrom(ctx context.Context, start time.Time, rejected bool) {
	if td == nil || (!rejected && !td.config.DelayOnSuccess) {
		return
	}

	remaining := td.target() - time.Since(start)
	if remaining <= 0 {
		return
	}

	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}
