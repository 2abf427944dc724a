package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

// Message represents a message to be published to Kafka
type Message struct {
	Topic   string
	Key     []byte
	Value   []byte
	Headers map[string]string
}

// Alert is raised for human operators, e.g. on entering EmergencyDisabled
type Alert struct {
	Severity   string             `json:"severity"`
	Title      string             `json:"title"`
	Detail     string             `json:"detail"`
	Mode       models.PostureMode `json:"mode"`
	Version    int64              `json:"version"`
	OccurredAt time.Time          `json:"occurred_at"`
}

// Publisher publishes defense events. Publishing never blocks the request path.
type Publisher interface {
	PublishPattern(p *models.AttackPattern) error
	PublishAlert(a *Alert) error
	Close() error
}

// Config holds producer configuration
type Config struct {
	Brokers         []string
	ClientID        string
	PatternTopic    string
	AlertTopic      string
	DeliveryTimeout time.Duration
}

// KafkaPublisher wraps the franz-go client
type KafkaPublisher struct {
	client       *kgo.Client
	logger       *slog.Logger
	patternTopic string
	alertTopic   string
	mu           sync.RWMutex
	closed       bool
}

// NewKafkaPublisher creates a new Kafka publisher
func NewKafkaPublisher(cfg Config, logger *slog.Logger) (*KafkaPublisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ClientID(cfg.ClientID),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchMaxBytes(16384),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.AllowAutoTopicCreation(),
	}

	if cfg.DeliveryTimeout > 0 {
		opts = append(opts, kgo.RecordDeliveryTimeout(cfg.DeliveryTimeout))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}

	return &KafkaPublisher{
		client:       client,
		logger:       logger,
		patternTopic: cfg.PatternTopic,
		alertTopic:   cfg.AlertTopic,
	}, nil
}

// PublishPattern publishes an attack pattern keyed by its type
func (p *KafkaPublisher) PublishPattern(pattern *models.AttackPattern) error {
	value, err := json.Marshal(pattern)
	if err != nil {
		return fmt.Errorf("encode attack pattern: %w", err)
	}

	return p.produceAsync(&Message{
		Topic:   p.patternTopic,
		Key:     []byte(pattern.Type),
		Value:   value,
		Headers: map[string]string{"event_type": "attack_pattern"},
	})
}

// PublishAlert publishes an operator alert
func (p *KafkaPublisher) PublishAlert(alert *Alert) error {
	value, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}

	return p.produceAsync(&Message{
		Topic:   p.alertTopic,
		Key:     []byte(alert.Mode),
		Value:   value,
		Headers: map[string]string{"event_type": "alert", "severity": alert.Severity},
	})
}

// produceAsync buffers the message; delivery failures are logged by the callback
func (p *KafkaPublisher) produceAsync(msg *Message) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return fmt.Errorf("producer is closed")
	}
	p.mu.RUnlock()

	var headers []kgo.RecordHeader
	for k, v := range msg.Headers {
		headers = append(headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	record := &kgo.Record{
		Topic:   msg.Topic,
		Key:     msg.Key,
		Value:   msg.Value,
		Headers: headers,
	}

	p.client.Produce(context.Background(), record, func(r *kgo.Record, err error) {
		if err != nil && p.logger != nil {
			p.logger.Error("kafka delivery failed",
				slog.String("topic", r.Topic),
				slog.Any("error", err),
			)
		}
	})

	return nil
}

// Healthy checks if the producer can communicate with brokers
func (p *KafkaPublisher) Healthy(ctx context.Context) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	return p.client.Ping(ctx) == nil
}

// Close flushes buffered records and shuts the client down
func (p *KafkaPublisher) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := p.client.Flush(ctx); err != nil && p.logger != nil {
		p.logger.Warn("kafka producer closed with unflushed messages", slog.Any("error", err))
	}

	p.client.Close()
	return nil
}

// NoopPublisher discards all events. Used when Kafka is disabled.
type NoopPublisher struct{}

func (NoopPublisher) PublishPattern(*models.AttackPattern) error { return nil }
func (NoopPublisher) PublishAlert(*Alert) error                  { return nil }
func (NoopPublisher) Close() error                               { return nil }
