package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "test")
}

func mustLoad(t *testing.T) *Config {
	t.Helper()
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() = %v, want nil", err)
	}
	return cfg
}

func TestServerTimeouts(t *testing.T) {
	tests := []struct {
		name              string
		env               map[string]string
		read, write, idle time.Duration
	}{
		{
			name:  "defaults",
			read:  15 * time.Second,
			write: 15 * time.Second,
			idle:  60 * time.Second,
		},
		{
			name:  "all overridden",
			env:   map[string]string{"SERVER_READ_TIMEOUT": "30s", "SERVER_WRITE_TIMEOUT": "45s", "SERVER_IDLE_TIMEOUT": "2m"},
			read:  30 * time.Second,
			write: 45 * time.Second,
			idle:  2 * time.Minute,
		},
		{
			name:  "unparseable falls back",
			env:   map[string]string{"SERVER_READ_TIMEOUT": "not-a-duration"},
			read:  15 * time.Second,
			write: 15 * time.Second,
			idle:  60 * time.Second,
		},
		{
			name:  "explicit zero disables",
			env:   map[string]string{"SERVER_READ_TIMEOUT": "0s"},
			read:  0,
			write: 15 * time.Second,
			idle:  60 * time.Second,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg := mustLoad(t)
			if cfg.Server.ReadTimeout != tt.read {
				t.Errorf("ReadTimeout: got %v, want %v", cfg.Server.ReadTimeout, tt.read)
			}
			if cfg.Server.WriteTimeout != tt.write {
				t.Errorf("WriteTimeout: got %v, want %v", cfg.Server.WriteTimeout, tt.write)
			}
			if cfg.Server.IdleTimeout != tt.idle {
				t.Errorf("IdleTimeout: got %v, want %v", cfg.Server.IdleTimeout, tt.idle)
			}
		})
	}
}

func TestLoad_RequiresDatabasePassword(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret-32-characters-long!")
	t.Setenv("DB_PASSWORD", "")

	if _, err := Load(); err == nil || !strings.Contains(err.Error(), "DB_PASSWORD") {
		t.Errorf("Load() = %v, want DB_PASSWORD error", err)
	}
}

func TestDefenseConfig_Defaults(t *testing.T) {
	setRequired(t)
	cfg := mustLoad(t)

	if cfg.Defense.Thresholds.IPLimit != 5 {
		t.Errorf("IPLimit: got %d, want 5", cfg.Defense.Thresholds.IPLimit)
	}
	if cfg.Defense.Thresholds.EmailLimit != 3 {
		t.Errorf("EmailLimit: got %d, want 3", cfg.Defense.Thresholds.EmailLimit)
	}
	if cfg.Defense.Thresholds.DeescalationCooldown != 30*time.Minute {
		t.Errorf("DeescalationCooldown: got %v, want 30m", cfg.Defense.Thresholds.DeescalationCooldown)
	}
	if cfg.Defense.RolloutPercentage != 100 {
		t.Errorf("RolloutPercentage: got %d, want 100", cfg.Defense.RolloutPercentage)
	}
	if !cfg.Defense.BlockDisposableDomains {
		t.Error("BlockDisposableDomains: got false, want true")
	}
	if cfg.Defense.PostureTimeout != 500*time.Millisecond {
		t.Errorf("PostureTimeout: got %v, want 500ms", cfg.Defense.PostureTimeout)
	}
	if cfg.Defense.AuditRetention != 365*24*time.Hour {
		t.Errorf("AuditRetention: got %v, want 8760h", cfg.Defense.AuditRetention)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("Redis.Addr: got %q, want empty (in-memory store)", cfg.Redis.Addr)
	}
	if cfg.Kafka.AlertTopic != "registration.alerts" {
		t.Errorf("Kafka.AlertTopic: got %q", cfg.Kafka.AlertTopic)
	}
}

func TestDefenseConfig_ThresholdOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("IP_LIMIT", "12")
	t.Setenv("IP_WINDOW", "30m")
	t.Setenv("CHALLENGE_THRESHOLD", "0.4")
	t.Setenv("BLOCK_DISPOSABLE_DOMAINS", "false")

	cfg := mustLoad(t)
	th := cfg.Defense.Thresholds
	if th.IPLimit != 12 || th.IPWindow != 30*time.Minute {
		t.Errorf("IP limit: got %d per %v", th.IPLimit, th.IPWindow)
	}
	if th.ChallengeThreshold != 0.4 {
		t.Errorf("ChallengeThreshold: got %v", th.ChallengeThreshold)
	}
	if cfg.Defense.BlockDisposableDomains {
		t.Error("BlockDisposableDomains: got true")
	}
}

func TestDefenseConfig_Lists(t *testing.T) {
	setRequired(t)
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092, kafka-2:9092,,")
	t.Setenv("RESTRICTED_COUNTRIES", "KP,IR")

	cfg := mustLoad(t)
	if len(cfg.Kafka.Brokers) != 2 || cfg.Kafka.Brokers[1] != "kafka-2:9092" {
		t.Errorf("Kafka.Brokers: got %v", cfg.Kafka.Brokers)
	}
	if len(cfg.Reputation.RestrictedCountries) != 2 {
		t.Errorf("RestrictedCountries: got %v", cfg.Reputation.RestrictedCountries)
	}
}

func TestDefenseConfig_Rejected(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"challenge above block", "CHALLENGE_THRESHOLD", "0.95"},
		{"extreme below distributed", "EXTREME_THRESHOLD", "10"},
		{"floor above escalation", "DEESCALATION_CONFIDENCE_FLOOR", "0.9"},
		{"rollout out of range", "ROLLOUT_PERCENTAGE", "150"},
		{"fail-closed retry too short", "FAIL_CLOSED_RETRY_AFTER", "100ms"},
		{"history shorter than detection", "HISTORY_RETENTION", "1m"},
		{"sweep disabled", "SWEEP_INTERVAL", "0s"},
		{"posture timeout disabled", "POSTURE_TIMEOUT", "0s"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setRequired(t)
			t.Setenv(tt.key, tt.val)

			if _, err := Load(); err == nil {
				t.Errorf("Load() with %s=%s: want error, got nil", tt.key, tt.val)
			}
		})
	}
}

func TestValidateJWTSecret(t *testing.T) {
	tests := []struct {
		secret, env string
		ok          bool
	}{
		{"short", "development", false},
		{"sixteen-chars-ok", "development", true},
		{"sixteen-chars-ok", "production", false},
		{"a-perfectly-reasonable-secret-value", "production", true},
	}
	for _, tt := range tests {
		err := validateJWTSecret(tt.secret, tt.env)
		if (err == nil) != tt.ok {
			t.Errorf("validateJWTSecret(%q, %q) = %v, want ok=%v", tt.secret, tt.env, err, tt.ok)
		}
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	c := DatabaseConfig{Host: "db", Port: 5433, User: "gk", Password: "pw", Name: "gatekeeper", SSLMode: "require"}
	want := "host=db port=5433 user=gk password=pw dbname=gatekeeper sslmode=require"
	if got := c.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}
