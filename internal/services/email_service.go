package services

import (
	"bytes"
	"context"
	"fmt"
	htmltemplate "html/template"
	"io"
	"log/slog"
	"net/url"
	texttemplate "text/template"
	"time"

	"github.com/BradenHooton/gatekeeper/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// EmailService defines the interface for sending emails
type EmailService interface {
	SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error
	SendOperatorAlert(ctx context.Context, recipients []string, subject, body string) error
}

// sesClient is the subset of the SES client used here
type sesClient interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// AWSSESEmailService sends emails using AWS SES
type AWSSESEmailService struct {
	sesClient   sesClient
	fromAddress string
	baseURL     string
	logger      *slog.Logger
}

// NewAWSSESEmailService creates a new AWS SES email service
func NewAWSSESEmailService(region, fromAddress, baseURL string, logger *slog.Logger) (*AWSSESEmailService, error) {
	cfg, err := config.LoadDefaultConfig(context.Background(), config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &AWSSESEmailService{
		sesClient:   ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		baseURL:     baseURL,
		logger:      logger,
	}, nil
}

var (
	verificationHTML = htmltemplate.Must(htmltemplate.New("verification").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="UTF-8"></head>
<body style="font-family: Arial, sans-serif; color: #333; max-width: 600px; margin: 0 auto;">
  <h1>Confirm your registration</h1>
  <p>An account was requested for this address. Confirm it to finish signing up:</p>
  <p><a href="{{.Link}}" style="background: #0066cc; color: #fff; padding: 12px 24px; text-decoration: none;">Confirm registration</a></p>
  <p>Or paste this link into your browser:<br><code>{{.Link}}</code></p>
  <p>The link expires {{.Expires}}. If you did not sign up, ignore this message and nothing will be created.</p>
</body>
</html>
`))

	verificationText = texttemplate.Must(texttemplate.New("verification").Parse(`Confirm your registration

An account was requested for this address. Open the link below to finish signing up:

{{.Link}}

The link expires {{.Expires}}. If you did not sign up, ignore this message and nothing will be created.
`))

	alertHTML = htmltemplate.Must(htmltemplate.New("alert").Parse(
		`<html><body><h2>{{.Subject}}</h2><pre>{{.Body}}</pre></body></html>`))
)

type verificationData struct {
	Link    string
	Expires string
}

type alertData struct {
	Subject string
	Body    string
}

func render(t interface{ Execute(io.Writer, any) error }, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// SendVerificationEmail sends the verification link for a pending registration
func (s *AWSSESEmailService) SendVerificationEmail(ctx context.Context, email, token string, expiresAt time.Time) error {
	data := verificationData{
		Link:    s.baseURL + "/verify-registration?token=" + url.QueryEscape(token),
		Expires: expiresAt.UTC().Format("Jan 2, 2006 15:04 MST"),
	}
	htmlBody, err := render(verificationHTML, data)
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}
	textBody, err := render(verificationText, data)
	if err != nil {
		return fmt.Errorf("render verification email: %w", err)
	}

	messageID, err := s.send(ctx, []string{email}, "Confirm your registration", htmlBody, textBody)
	if err != nil {
		s.logger.Error("failed to send verification email via SES",
			slog.String("email", logger.SanitizedEmail(email)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	s.logger.Info("verification email sent",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.String("message_id", messageID))

	return nil
}

// SendOperatorAlert notifies human operators of a posture emergency
func (s *AWSSESEmailService) SendOperatorAlert(ctx context.Context, recipients []string, subject, body string) error {
	if len(recipients) == 0 {
		return nil
	}

	htmlBody, err := render(alertHTML, alertData{Subject: subject, Body: body})
	if err != nil {
		return fmt.Errorf("render operator alert: %w", err)
	}

	messageID, err := s.send(ctx, recipients, subject, htmlBody, body)
	if err != nil {
		s.logger.Error("failed to send operator alert via SES",
			slog.Int("recipients", len(recipients)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send alert: %w", err)
	}

	s.logger.Info("operator alert sent",
		slog.Int("recipients", len(recipients)),
		slog.String("message_id", messageID))

	return nil
}

func (s *AWSSESEmailService) send(ctx context.Context, to []string, subject, htmlBody, textBody string) (string, error) {
	input := &ses.SendEmailInput{
		Source: aws.String(s.fromAddress),
		Destination: &types.Destination{
			ToAddresses: to,
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data: aws.String(subject),
			},
			Body: &types.Body{
				Html: &types.Content{
					Data: aws.String(htmlBody),
				},
				Text: &types.Content{
					Data: aws.String(textBody),
				},
			},
		},
	}

	result, err := s.sesClient.SendEmail(ctx, input)
	if err != nil {
		return "", err
	}
	return aws.ToString(result.MessageId), nil
}

// LogEmailService logs emails instead of sending them. Used when EMAIL_ENABLED is false.
type LogEmailService struct {
	logger *slog.Logger
}

// NewLogEmailService creates a new LogEmailService
func NewLogEmailService(logger *slog.Logger) *LogEmailService {
	return &LogEmailService{logger: logger}
}

func (s *LogEmailService) SendVerificationEmail(ctx context.Context, email, _ string, expiresAt time.Time) error {
	s.logger.InfoContext(ctx, "email disabled: verification email not sent",
		slog.String("email", logger.SanitizedEmail(email)),
		slog.Time("expires_at", expiresAt))
	return nil
}

func (s *LogEmailService) SendOperatorAlert(ctx context.Context, recipients []string, subject, _ string) error {
	s.logger.WarnContext(ctx, "email disabled: operator alert not sent",
		slog.String("subject", subject),
		slog.Int("recipients", len(recipients)))
	return nil
}
