package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/BradenHooton/gatekeeper/internal/models"
)

type Config struct {
	Database   DatabaseConfig
	Server     ServerConfig
	Auth       AuthConfig
	Redis      RedisConfig
	Kafka      KafkaConfig
	Email      EmailConfig
	Reputation ReputationConfig
	Defense    DefenseConfig
}

type DatabaseConfig struct {
	Host              string
	Port              int
	User              string
	Password          string
	Name              string
	SSLMode           string
	MaxConns          int32
	MinConns          int32
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

type ServerConfig struct {
	Port           string
	Env            string
	LogLevel       string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	TrustedProxies []string
}

// AuthConfig configures operator bearer tokens for the admin surface
type AuthConfig struct {
	JWTSecret           string
	OperatorTokenExpiry time.Duration
	Issuer              string
}

// RedisConfig configures the shared counter store. An empty Addr selects the in-memory store.
type RedisConfig struct {
	Addr         string
	Password     string
	DB           int
	OpTimeout    time.Duration
	PoolSize     int
	KeyPrefix    string
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// KafkaConfig configures the alert and attack-pattern publisher. No brokers disables publishing.
type KafkaConfig struct {
	Brokers      []string
	AlertTopic   string
	PatternTopic string
	ClientID     string
}

type EmailConfig struct {
	Enabled             bool
	AWSRegion           string
	SenderAddress       string
	VerificationBaseURL string
	VerificationTTL     time.Duration
	OperatorAlertEmails []string
}

// ReputationConfig configures the reputation feed, signal lists and score weights
type ReputationConfig struct {
	FeedURL             string
	FeedAPIKey          string
	FeedTimeout         time.Duration
	CacheTTL            time.Duration
	CacheMaxEntries     int
	DisposableDomains   []string
	KnownBadSubnets     []string
	RestrictedCountries []string
	Weights             models.ReputationWeights
	CaptchaVerifyURL    string
	CaptchaSecret       string
	CaptchaTimeout      time.Duration
}

// DefenseConfig holds the defaults for PolicyState thresholds and the operational knobs
// of the detector, controller and sweep task.
type DefenseConfig struct {
	Thresholds               models.Thresholds
	RolloutPercentage        int
	FailClosedRetryAfter     time.Duration
	BlockDisposableDomains   bool
	BlocklistRefreshInterval time.Duration
	HistoryMaxAttempts       int
	HistoryRetention         time.Duration
	AttemptQueueSize         int
	PatternReemitInterval    time.Duration
	SignatureWindow          time.Duration
	PatternRetention         time.Duration
	AttemptRetention         time.Duration
	AuditRetention           time.Duration
	PolicyCacheTTL           time.Duration
	PostureTimeout           time.Duration
	PurgeOnEmergency         bool
	SweepInterval            time.Duration
	RejectionDelay           time.Duration
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	jwtSecret := getEnv("JWT_SECRET", "")
	if jwtSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	env := getEnv("ENV", "development")

	cfg := &Config{
		Database: DatabaseConfig{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvAsInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", ""),
			Name:              getEnv("DB_NAME", "gatekeeper"),
			SSLMode:           getEnv("DB_SSLMODE", "disable"),
			MaxConns:          int32(getEnvAsInt("DB_MAX_CONNS", 25)),
			MinConns:          int32(getEnvAsInt("DB_MIN_CONNS", 5)),
			MaxConnLifetime:   getEnvAsDuration("DB_MAX_CONN_LIFETIME", 5*time.Minute),
			MaxConnIdleTime:   getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 1*time.Minute),
			HealthCheckPeriod: getEnvAsDuration("DB_HEALTH_CHECK_PERIOD", 1*time.Minute),
		},
		Server: ServerConfig{
			Port:           getEnv("PORT", "8080"),
			Env:            env,
			LogLevel:       getEnv("LOG_LEVEL", "info"),
			AllowedOrigins: parseAllowedOrigins(env),
			ReadTimeout:    getEnvAsDuration("SERVER_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:   getEnvAsDuration("SERVER_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:    getEnvAsDuration("SERVER_IDLE_TIMEOUT", 60*time.Second),
			TrustedProxies: getEnvAsList("TRUSTED_PROXIES", nil),
		},
		Auth: AuthConfig{
			JWTSecret:           jwtSecret,
			OperatorTokenExpiry: getEnvAsDuration("OPERATOR_TOKEN_EXPIRY", 12*time.Hour),
			Issuer:              getEnv("JWT_ISSUER", "gatekeeper"),
		},
		Redis: RedisConfig{
			Addr:         getEnv("REDIS_ADDR", ""),
			Password:     getEnv("REDIS_PASSWORD", ""),
			DB:           getEnvAsInt("REDIS_DB", 0),
			OpTimeout:    getEnvAsDuration("COUNTER_STORE_TIMEOUT", 250*time.Millisecond),
			PoolSize:     getEnvAsInt("REDIS_POOL_SIZE", 50),
			KeyPrefix:    getEnv("REDIS_KEY_PREFIX", "gk:rl:"),
			DialTimeout:  getEnvAsDuration("REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  getEnvAsDuration("REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: getEnvAsDuration("REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Kafka: KafkaConfig{
			Brokers:      getEnvAsList("KAFKA_BROKERS", nil),
			AlertTopic:   getEnv("KAFKA_ALERT_TOPIC", "registration.alerts"),
			PatternTopic: getEnv("KAFKA_PATTERN_TOPIC", "registration.attack_patterns"),
			ClientID:     getEnv("KAFKA_CLIENT_ID", "gatekeeper"),
		},
		Email: EmailConfig{
			Enabled:             getEnvAsBool("EMAIL_ENABLED", false),
			AWSRegion:           getEnv("AWS_REGION", "us-east-1"),
			SenderAddress:       getEnv("EMAIL_SENDER", "no-reply@example.com"),
			VerificationBaseURL: getEnv("VERIFICATION_BASE_URL", "http://localhost:8080/register/verify"),
			VerificationTTL:     getEnvAsDuration("VERIFICATION_TTL", 24*time.Hour),
			OperatorAlertEmails: getEnvAsList("OPERATOR_ALERT_EMAILS", nil),
		},
		Reputation: ReputationConfig{
			FeedURL:             getEnv("REPUTATION_FEED_URL", ""),
			FeedAPIKey:          getEnv("REPUTATION_FEED_API_KEY", ""),
			FeedTimeout:         getEnvAsDuration("REPUTATION_FEED_TIMEOUT", 300*time.Millisecond),
			CacheTTL:            getEnvAsDuration("REPUTATION_CACHE_TTL", 5*time.Minute),
			CacheMaxEntries:     getEnvAsInt("REPUTATION_CACHE_MAX_ENTRIES", 100000),
			DisposableDomains:   getEnvAsList("DISPOSABLE_DOMAINS", nil),
			KnownBadSubnets:     getEnvAsList("KNOWN_BAD_SUBNETS", nil),
			RestrictedCountries: getEnvAsList("RESTRICTED_COUNTRIES", nil),
			Weights: models.ReputationWeights{
				DisposableEmail:    getEnvAsFloat("WEIGHT_DISPOSABLE_EMAIL", 0.6),
				KnownBadSubnet:     getEnvAsFloat("WEIGHT_KNOWN_BAD_SUBNET", 0.7),
				VPNOrProxy:         getEnvAsFloat("WEIGHT_VPN_PROXY", 0.3),
				LowIPReputation:    getEnvAsFloat("WEIGHT_LOW_IP_REPUTATION", 0.5),
				MissingFingerprint: getEnvAsFloat("WEIGHT_MISSING_FINGERPRINT", 0.1),
				FeedUnavailable:    getEnvAsFloat("WEIGHT_FEED_UNAVAILABLE", 0.2),
			},
			CaptchaVerifyURL: getEnv("CAPTCHA_VERIFY_URL", ""),
			CaptchaSecret:    getEnv("CAPTCHA_SECRET", ""),
			CaptchaTimeout:   getEnvAsDuration("CAPTCHA_TIMEOUT", 2*time.Second),
		},
		Defense: DefenseConfig{
			Thresholds:               loadThresholds(),
			RolloutPercentage:        getEnvAsInt("ROLLOUT_PERCENTAGE", 100),
			FailClosedRetryAfter:     getEnvAsDuration("FAIL_CLOSED_RETRY_AFTER", 30*time.Second),
			BlockDisposableDomains:   getEnvAsBool("BLOCK_DISPOSABLE_DOMAINS", true),
			BlocklistRefreshInterval: getEnvAsDuration("BLOCKLIST_REFRESH_INTERVAL", 30*time.Second),
			HistoryMaxAttempts:       getEnvAsInt("HISTORY_MAX_ATTEMPTS", 200000),
			HistoryRetention:         getEnvAsDuration("HISTORY_RETENTION", 2*time.Hour),
			AttemptQueueSize:         getEnvAsInt("ATTEMPT_QUEUE_SIZE", 4096),
			PatternReemitInterval:    getEnvAsDuration("PATTERN_REEMIT_INTERVAL", time.Minute),
			SignatureWindow:          getEnvAsDuration("SIGNATURE_WINDOW", time.Hour),
			PatternRetention:         getEnvAsDuration("PATTERN_RETENTION", 30*24*time.Hour),
			AttemptRetention:         getEnvAsDuration("ATTEMPT_RETENTION", 30*24*time.Hour),
			AuditRetention:           getEnvAsDuration("AUDIT_RETENTION", 365*24*time.Hour),
			PolicyCacheTTL:           getEnvAsDuration("POLICY_CACHE_TTL", 2*time.Second),
			PostureTimeout:           getEnvAsDuration("POSTURE_TIMEOUT", 500*time.Millisecond),
			PurgeOnEmergency:         getEnvAsBool("PURGE_ON_EMERGENCY", false),
			SweepInterval:            getEnvAsDuration("SWEEP_INTERVAL", time.Minute),
			RejectionDelay:           getEnvAsDuration("REJECTION_DELAY", 150*time.Millisecond),
		},
	}

	if cfg.Database.Password == "" {
		return nil, fmt.Errorf("DB_PASSWORD is required")
	}

	// Validate JWT secret strength
	if err := validateJWTSecret(jwtSecret, env); err != nil {
		return nil, err
	}

	if err := cfg.Defense.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func loadThresholds() models.Thresholds {
	d := models.DefaultThresholds()
	return models.Thresholds{
		ChallengeThreshold:          getEnvAsFloat("CHALLENGE_THRESHOLD", d.ChallengeThreshold),
		BlockThreshold:              getEnvAsFloat("BLOCK_THRESHOLD", d.BlockThreshold),
		IPLimit:                     getEnvAsInt("IP_LIMIT", d.IPLimit),
		IPWindow:                    getEnvAsDuration("IP_WINDOW", d.IPWindow),
		EmailLimit:                  getEnvAsInt("EMAIL_LIMIT", d.EmailLimit),
		EmailWindow:                 getEnvAsDuration("EMAIL_WINDOW", d.EmailWindow),
		GlobalLimit:                 getEnvAsInt("GLOBAL_LIMIT", d.GlobalLimit),
		GlobalWindow:                getEnvAsDuration("GLOBAL_WINDOW", d.GlobalWindow),
		StrictLimitFactor:           getEnvAsFloat("STRICT_LIMIT_FACTOR", d.StrictLimitFactor),
		RapidAttemptLimit:           getEnvAsInt("RAPID_ATTEMPT_LIMIT", d.RapidAttemptLimit),
		RapidAttemptWindow:          getEnvAsDuration("RAPID_ATTEMPT_WINDOW", d.RapidAttemptWindow),
		StuffingDistinctEmails:      getEnvAsInt("STUFFING_DISTINCT_EMAILS", d.StuffingDistinctEmails),
		EnumerationMinSequence:      getEnvAsInt("ENUMERATION_MIN_SEQUENCE", d.EnumerationMinSequence),
		DetectionWindow:             getEnvAsDuration("DETECTION_WINDOW", d.DetectionWindow),
		DistributedThreshold:        getEnvAsInt("DISTRIBUTED_THRESHOLD", d.DistributedThreshold),
		ExtremeThreshold:            getEnvAsInt("EXTREME_THRESHOLD", d.ExtremeThreshold),
		DistributedWindow:           getEnvAsDuration("DISTRIBUTED_WINDOW", d.DistributedWindow),
		SequentialMinAttempts:       getEnvAsInt("SEQUENTIAL_MIN_ATTEMPTS", d.SequentialMinAttempts),
		SequentialMaxCV:             getEnvAsFloat("SEQUENTIAL_MAX_CV", d.SequentialMaxCV),
		EscalationConfidence:        getEnvAsFloat("ESCALATION_CONFIDENCE", d.EscalationConfidence),
		DeescalationConfidenceFloor: getEnvAsFloat("DEESCALATION_CONFIDENCE_FLOOR", d.DeescalationConfidenceFloor),
		DeescalationCooldown:        getEnvAsDuration("DEESCALATION_COOLDOWN", d.DeescalationCooldown),
		ElevatedMaxDuration:         getEnvAsDuration("ELEVATED_MAX_DURATION", d.ElevatedMaxDuration),
	}
}

func (c *DefenseConfig) validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid defense thresholds: %w", err)
	}
	if c.RolloutPercentage < 0 || c.RolloutPercentage > 100 {
		return fmt.Errorf("ROLLOUT_PERCENTAGE must be between 0 and 100 (got %d)", c.RolloutPercentage)
	}
	if c.FailClosedRetryAfter < time.Second {
		return fmt.Errorf("FAIL_CLOSED_RETRY_AFTER must be at least 1s")
	}
	if c.HistoryRetention < c.Thresholds.DetectionWindow {
		return fmt.Errorf("HISTORY_RETENTION must cover DETECTION_WINDOW")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.PostureTimeout <= 0 {
		return fmt.Errorf("POSTURE_TIMEOUT must be positive")
	}
	return nil
}

// validateJWTSecret enforces minimum security standards for JWT secret
func validateJWTSecret(secret, env string) error {
	// Minimum length based on environment
	minLength := 16 // Development minimum
	if env == "production" {
		minLength = 32 // Production requires stronger secret (256 bits)
	}

	if len(secret) < minLength {
		return fmt.Errorf("JWT_SECRET must be at least %d characters in %s environment (got %d)",
			minLength, env, len(secret))
	}

	// Check against common weak secrets
	weakSecrets := []string{
		"secret", "test", "password", "12345", "changeme",
		"admin", "root", "default", "example",
	}

	secretLower := strings.ToLower(secret)
	for _, weak := range weakSecrets {
		if secretLower == weak {
			return fmt.Errorf("JWT_SECRET cannot be a common weak value")
		}
	}

	return nil
}

func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

func getEnv(key, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvAsBool(key string, defaultVal bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultVal
}

// getEnvAsList splits a comma-separated variable, dropping empty items
func getEnvAsList(key string, defaultVal []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultVal
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func parseAllowedOrigins(env string) []string {
	if env == "production" {
		originsStr := getEnv("ALLOWED_ORIGINS", "")
		if originsStr == "" {
			return []string{} // Default to no origins in production
		}
		origins := strings.Split(originsStr, ",")
		for i, origin := range origins {
			origins[i] = strings.TrimSpace(origin)
		}
		return origins
	}

	// Development: allow localhost variants
	return []string{
		"http://localhost:3000",
		"http://localhost:8080",
		"http://localhost:5173", // Vite default
		"http://127.0.0.1:3000",
		"http://127.0.0.1:8080",
		"http://127.0.0.1:5173",
	}
}
