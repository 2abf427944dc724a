package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/auth"
	"github.com/BradenHooton/gatekeeper/internal/background"
	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/database"
	"github.com/BradenHooton/gatekeeper/internal/events"
	"github.com/BradenHooton/gatekeeper/internal/handlers"
	"github.com/BradenHooton/gatekeeper/internal/metrics"
	middlewareCustom "github.com/BradenHooton/gatekeeper/internal/middleware"
	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/internal/repositories"
	"github.com/BradenHooton/gatekeeper/internal/routes"
	"github.com/BradenHooton/gatekeeper/internal/services"
	pkghttp "github.com/BradenHooton/gatekeeper/pkg/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Server.LogLevel)}))
	slog.SetDefault(logger)

	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("server stopped gracefully")
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	// Persistent store
	db, err := database.NewConnection(ctx, &cfg.Database, logger)
	if err != nil {
		return err
	}
	defer db.Close()
	registry.MustRegister(db.Collector())

	// Shared counter store
	healthChecks := map[string]routes.HealthCheck{"database": db.HealthCheck}
	var (
		counterStore   repositories.CounterStore
		counterSweeper background.CounterSweeper
	)
	rdb, err := database.NewRedisClient(&cfg.Redis, logger)
	if err != nil {
		return err
	}
	if rdb != nil {
		defer rdb.Close()
		redisStore := repositories.NewRedisCounterStore(rdb, cfg.Redis.KeyPrefix, cfg.Redis.OpTimeout)
		counterStore = redisStore
		healthChecks["redis"] = redisStore.Ping
	} else {
		logger.Warn("REDIS_ADDR not set, using in-process counter store")
		memStore := repositories.NewMemoryCounterStore()
		counterStore = memStore
		counterSweeper = memStore
	}

	// Repositories
	attemptRepo := repositories.NewAttemptRepository(db)
	blockRepo := repositories.NewBlockEntryRepository(db)
	patternRepo := repositories.NewAttackPatternRepository(db)
	pendingRepo := repositories.NewPendingRegistrationRepository(db)
	auditRepo := repositories.NewAuditLogRepository(db)
	policyStore := repositories.NewPostgresPolicyStore(db)

	initial := models.DefaultPolicyState(time.Now())
	initial.Thresholds = cfg.Defense.Thresholds
	initial.RolloutPercentage = cfg.Defense.RolloutPercentage
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	state, err := policyStore.Initialize(initCtx, &initial)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("policy state loaded",
		slog.String("mode", string(state.Mode)),
		slog.Int64("version", state.Version))

	// Event publisher
	var publisher events.Publisher = events.NoopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(events.Config{
			Brokers:         cfg.Kafka.Brokers,
			ClientID:        cfg.Kafka.ClientID,
			PatternTopic:    cfg.Kafka.PatternTopic,
			AlertTopic:      cfg.Kafka.AlertTopic,
			DeliveryTimeout: 10 * time.Second,
		}, logger)
		if err != nil {
			return err
		}
		publisher = kp
		healthChecks["kafka"] = func(ctx context.Context) error {
			if !kp.Healthy(ctx) {
				return errors.New("kafka unreachable")
			}
			return nil
		}
	}
	defer publisher.Close()

	// Email
	var emailService services.EmailService = services.NewLogEmailService(logger)
	if cfg.Email.Enabled {
		ses, err := services.NewAWSSESEmailService(cfg.Email.AWSRegion, cfg.Email.SenderAddress, cfg.Email.VerificationBaseURL, logger)
		if err != nil {
			return err
		}
		emailService = ses
	}

	// Outbound HTTP dependencies
	httpClient := &http.Client{Timeout: 5 * time.Second}

	var feed services.ReputationFeed = services.StaticReputationFeed{}
	if cfg.Reputation.FeedURL != "" {
		feed = services.NewHTTPReputationFeed(cfg.Reputation.FeedURL, cfg.Reputation.FeedAPIKey, cfg.Reputation.FeedTimeout, httpClient)
	} else {
		logger.Warn("REPUTATION_FEED_URL not set, every IP is treated as clean")
	}

	var captcha services.CaptchaVerifier = services.StaticCaptchaVerifier{}
	if cfg.Reputation.CaptchaVerifyURL != "" {
		captcha = services.NewHTTPCaptchaVerifier(cfg.Reputation.CaptchaVerifyURL, cfg.Reputation.CaptchaSecret, cfg.Reputation.CaptchaTimeout, httpClient, logger)
	} else {
		logger.Warn("CAPTCHA_VERIFY_URL not set, any non-empty captcha token is accepted")
	}

	// Services
	auditService := services.NewAuditService(auditRepo, logger)
	disposable := services.NewDisposableDomains(cfg.Reputation.DisposableDomains)

	reputation := services.NewReputationService(feed, disposable, services.ReputationConfig{
		Weights:             cfg.Reputation.Weights,
		CacheTTL:            cfg.Reputation.CacheTTL,
		CacheMaxEntries:     cfg.Reputation.CacheMaxEntries,
		KnownBadSubnets:     cfg.Reputation.KnownBadSubnets,
		RestrictedCountries: cfg.Reputation.RestrictedCountries,
	}, m, logger)

	blocklist := services.NewBlocklistService(blockRepo, reputation, disposable, cfg.Defense.BlockDisposableDomains, logger)
	loadCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = blocklist.Refresh(loadCtx)
	cancel()
	if err != nil {
		return err
	}

	limiter := services.NewRateLimitService(counterStore, m, logger)
	history := services.NewAttemptHistory(cfg.Defense.HistoryMaxAttempts, cfg.Defense.HistoryRetention)
	writer := services.NewAttemptWriter(attemptRepo, cfg.Defense.AttemptQueueSize, m, logger)

	warmCtx, cancelWarm := context.WithTimeout(ctx, 10*time.Second)
	warmed, err := history.Warm(warmCtx, attemptRepo, time.Now())
	cancelWarm()
	if err != nil {
		logger.Warn("attempt history warm-up failed, starting empty", slog.Any("error", err))
	} else {
		logger.Info("attempt history warmed", slog.Int("attempts", warmed))
	}

	detector := services.NewPatternDetector(history, patternRepo, publisher, m, services.PatternDetectorConfig{
		ReemitInterval:  cfg.Defense.PatternReemitInterval,
		SignatureWindow: cfg.Defense.SignatureWindow,
	}, logger)

	pending := services.NewPendingRegistrationService(pendingRepo, emailService, logger, cfg.Email.VerificationTTL)

	escalation := services.NewEscalationService(policyStore, publisher, emailService, pending, auditService, m, services.EscalationConfig{
		CacheTTL:         cfg.Defense.PolicyCacheTTL,
		PurgeOnEmergency: cfg.Defense.PurgeOnEmergency,
		AlertRecipients:  cfg.Email.OperatorAlertEmails,
	}, logger)
	defer escalation.WaitForEffects()

	registration := services.NewRegistrationService(services.RegistrationDeps{
		Policy:     escalation,
		Controller: escalation,
		Blocklist:  blocklist,
		Limiter:    limiter,
		Reputation: reputation,
		Captcha:    captcha,
		Analyzer:   detector,
		Recorder:   writer,
		Pending:    pending,
		Auditor:    auditService,
		Metrics:    m,
	}, cfg.Defense.FailClosedRetryAfter, logger).WithPostureTimeout(cfg.Defense.PostureTimeout)

	admin := services.NewAdminService(services.AdminDeps{
		Posture:    escalation,
		Blocklist:  blocklist,
		Patterns:   detector,
		Attempts:   attemptRepo,
		Pending:    pending,
		Audit:      auditService,
		Reputation: reputation,
		History:    history,
	}, logger)

	sweeper := background.NewSweepManager(background.SweepDeps{
		Counters:   counterSweeper,
		Blocks:     blocklist,
		Detector:   detector,
		Attempts:   attemptRepo,
		Audit:      auditRepo,
		Pending:    pending,
		Reputation: reputation,
		Posture:    escalation,
		Metrics:    m,
	}, background.SweepConfig{
		Interval:         cfg.Defense.SweepInterval,
		AttemptRetention: cfg.Defense.AttemptRetention,
		PatternRetention: cfg.Defense.PatternRetention,
		AuditRetention:   cfg.Defense.AuditRetention,
	}, logger)

	// Operator auth
	tokenManager, err := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.Issuer, cfg.Auth.OperatorTokenExpiry)
	if err != nil {
		return err
	}

	timingDelay := auth.NewTimingDelay(auth.TimingConfig{
		BaseDelayMs:   int(cfg.Defense.RejectionDelay / time.Millisecond),
		RandomDelayMs: 50,
	})

	// HTTP
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger, ipConfig))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(30 * time.Second))

	routes.RegisterRoutes(router, routes.Handlers{
		Registration: handlers.NewRegistrationHandler(registration, pending, timingDelay, ipConfig, logger),
		Admin:        handlers.NewAdminHandler(admin, ipConfig, logger),
		Audit:        handlers.NewAuditHandler(auditService, logger),
	}, tokenManager, ipConfig)
	routes.RegisterOpsRoutes(router, healthChecks, promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return writer.Run(gctx) })
	g.Go(func() error { return blocklist.RunRefresher(gctx, cfg.Defense.BlocklistRefreshInterval) })
	g.Go(func() error { return sweeper.Run(gctx) })

	g.Go(func() error {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
