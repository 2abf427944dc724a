package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BradenHooton/gatekeeper/internal/models"
	"github.com/BradenHooton/gatekeeper/pkg/auth"
	"github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/google/uuid"
)

// PendingRegistrationRepository defines the persistence operations for pending registrations
type PendingRegistrationRepository interface {
	Create(ctx context.Context, p *models.PendingRegistration) (*models.PendingRegistration, error)
	GetByTokenHash(ctx context.Context, tokenHash string) (*models.PendingRegistration, error)
	MarkVerified(ctx context.Context, id string) error
	IsRegistered(ctx context.Context, email string) (bool, error)
	DeleteUnverified(ctx context.Context) (int64, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// PendingRegistrationService creates pending registrations for allowed attempts
// and completes them once the verification link is followed
type PendingRegistrationService struct {
	repo         PendingRegistrationRepository
	emailService EmailService
	logger       *slog.Logger
	tokenExpiry  time.Duration
	sendTimeout  time.Duration
}

// NewPendingRegistrationService creates a new PendingRegistrationService
func NewPendingRegistrationService(
	repo PendingRegistrationRepository,
	emailService EmailService,
	logger *slog.Logger,
	tokenExpiry time.Duration,
) *PendingRegistrationService {
	return &PendingRegistrationService{
		repo:         repo,
		emailService: emailService,
		logger:       logger,
		tokenExpiry:  tokenExpiry,
		sendTimeout:  10 * time.Second,
	}
}

// Create stores a pending registration and sends the verification email.
// Delivery is fire-and-forget: a send failure is logged and never fails the registration.
func (s *PendingRegistrationService) Create(ctx context.Context, email, sourceIP string, attemptID uuid.UUID, needsReview bool) (*models.PendingRegistration, error) {
	plainToken, tokenHash, err := auth.GenerateToken()
	if err != nil {
		s.logger.Error("failed to generate random token", slog.Any("error", err))
		return nil, err
	}

	pending, err := s.repo.Create(ctx, &models.PendingRegistration{
		ID:          uuid.New(),
		Email:       strings.ToLower(email),
		TokenHash:   tokenHash,
		SourceIP:    sourceIP,
		AttemptID:   attemptID,
		NeedsReview: needsReview,
		ExpiresAt:   time.Now().Add(s.tokenExpiry),
	})
	if err != nil {
		s.logger.Error("failed to create pending registration",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Any("error", err))
		return nil, fmt.Errorf("failed to create pending registration: %w", err)
	}

	go s.sendVerification(pending.Email, plainToken, pending.ExpiresAt)

	return pending, nil
}

func (s *PendingRegistrationService) sendVerification(email, token string, expiresAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.emailService.SendVerificationEmail(ctx, email, token, expiresAt); err != nil {
		s.logger.Warn("verification email delivery failed",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Any("error", err))
	}
}

// Verify completes a pending registration by its plain token
func (s *PendingRegistrationService) Verify(ctx context.Context, plainToken string) (*models.PendingRegistration, error) {
	if plainToken == "" {
		s.logger.Warn("empty verification token provided")
		return nil, models.ErrUnauthorized
	}

	pending, err := s.repo.GetByTokenHash(ctx, auth.HashToken(plainToken))
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.logger.Info("verification token not found")
			return nil, models.ErrUnauthorized
		}
		s.logger.Error("failed to retrieve pending registration", slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	if pending.IsVerified() {
		s.logger.Warn("attempt to reuse verification token",
			slog.String("pending_id", pending.ID.String()))
		return nil, models.ErrUnauthorized
	}

	if pending.IsExpired() {
		s.logger.Info("verification token expired",
			slog.String("pending_id", pending.ID.String()),
			slog.Time("expires_at", pending.ExpiresAt))
		return nil, models.ErrUnauthorized
	}

	if err := s.repo.MarkVerified(ctx, pending.ID.String()); err != nil {
		if errors.Is(err, models.ErrConflict) {
			return nil, models.ErrConflict
		}
		s.logger.Error("failed to mark registration verified",
			slog.String("pending_id", pending.ID.String()),
			slog.Any("error", err))
		return nil, models.ErrInternalServer
	}

	now := time.Now()
	pending.VerifiedAt = &now

	s.logger.Info("registration verified",
		slog.String("pending_id", pending.ID.String()),
		slog.String("email", logger.SanitizedEmail(pending.Email)),
		slog.Bool("needs_review", pending.NeedsReview))

	return pending, nil
}

// IsRegistered reports whether a verified registration exists for email
func (s *PendingRegistrationService) IsRegistered(ctx context.Context, email string) (bool, error) {
	registered, err := s.repo.IsRegistered(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		return false, fmt.Errorf("failed to check registration: %w", err)
	}
	return registered, nil
}

// PurgeUnverified deletes every pending registration that has not been verified
func (s *PendingRegistrationService) PurgeUnverified(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteUnverified(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to purge unverified registrations: %w", err)
	}

	s.logger.Warn("unverified registrations purged", slog.Int64("count", n))
	return n, nil
}

// CleanupExpired removes expired unverified registrations
func (s *PendingRegistrationService) CleanupExpired(ctx context.Context) (int64, error) {
	n, err := s.repo.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired registrations: %w", err)
	}
	return n, nil
}
