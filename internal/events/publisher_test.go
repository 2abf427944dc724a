package events

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

func TestNewKafkaPublisher_RequiresBrokers(t *testing.T) {
	_, err := NewKafkaPublisher(Config{}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "brokers not configured")
}

func TestKafkaPublisher_ClosedRejectsPublish(t *testing.T) {
	// kgo.NewClient does not dial until the first request
	p, err := NewKafkaPublisher(Config{
		Brokers:      []string{"127.0.0.1:1"},
		ClientID:     "test",
		PatternTopic: "patterns",
		AlertTopic:   "alerts",
	}, slog.New(slog.NewTextHandler(os.Stderr, nil)))
	require.NoError(t, err)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close(), "close is idempotent")

	err = p.PublishAlert(&Alert{Severity: "critical", Mode: models.ModeEmergencyDisabled, OccurredAt: time.Now()})
	assert.Error(t, err)
}

func TestNoopPublisher(t *testing.T) {
	var p Publisher = NoopPublisher{}
	assert.NoError(t, p.PublishPattern(&models.AttackPattern{Type: models.PatternDistributed}))
	assert.NoError(t, p.PublishAlert(&Alert{}))
	assert.NoError(t, p.Close())
}
