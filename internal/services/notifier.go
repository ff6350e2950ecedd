package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"golang.org/x/time/rate"

	"github.com/BradenHooton/gatekeeper/internal/config"
	"github.com/BradenHooton/gatekeeper/internal/models"
	pkglogger "github.com/BradenHooton/gatekeeper/pkg/logger"
)

// Notifier delivers one-time codes and security alerts out of band
type Notifier interface {
	SendOtp(ctx context.Context, email, code string, purpose models.OtpPurpose, expiresAt time.Time) error
	SendSecurityAlert(ctx context.Context, email, subject, body string) error
}

// sesSender is the subset of the SES client used here
type sesSender interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESNotifier sends email through AWS SES, throttled to the account send rate
type SESNotifier struct {
	client      sesSender
	fromAddress string
	limiter     *rate.Limiter
	logger      *slog.Logger
}

// NewSESNotifier creates a notifier from the default AWS credential chain
func NewSESNotifier(ctx context.Context, cfg config.EmailConfig, logger *slog.Logger) (*SESNotifier, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return newSESNotifier(ses.NewFromConfig(awsCfg), cfg, logger), nil
}

func newSESNotifier(client sesSender, cfg config.EmailConfig, logger *slog.Logger) *SESNotifier {
	perSecond := cfg.SendPerSecond
	if perSecond <= 0 {
		perSecond = 1
	}
	burst := cfg.SendBurst
	if burst < 1 {
		burst = 1
	}

	return &SESNotifier{
		client:      client,
		fromAddress: cfg.FromAddress,
		limiter:     rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:      logger,
	}
}

// SendOtp emails a one-time code
func (n *SESNotifier) SendOtp(ctx context.Context, email, code string, purpose models.OtpPurpose, expiresAt time.Time) error {
	minutes := max(int(time.Until(expiresAt).Round(time.Minute)/time.Minute), 1)
	subject := otpSubject(purpose)
	text := fmt.Sprintf("Your verification code is %s\n\nIt expires in %d minutes. If you did not request it, you can ignore this email.\n", code, minutes)
	html := fmt.Sprintf(`<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes. If you did not request it, you can ignore this email.</p>`, code, minutes)

	return n.send(ctx, email, subject, text, html)
}

// SendSecurityAlert emails a plain-text security notice
func (n *SESNotifier) SendSecurityAlert(ctx context.Context, email, subject, body string) error {
	return n.send(ctx, email, subject, body, "")
}

func (n *SESNotifier) send(ctx context.Context, to, subject, text, html string) error {
	if err := n.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("email send throttled: %w", err)
	}

	body := &types.Body{Text: &types.Content{Data: aws.String(text)}}
	if html != "" {
		body.Html = &types.Content{Data: aws.String(html)}
	}

	result, err := n.client.SendEmail(ctx, &ses.SendEmailInput{
		Source:      aws.String(n.fromAddress),
		Destination: &types.Destination{ToAddresses: []string{to}},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(subject)},
			Body:    body,
		},
	})
	if err != nil {
		n.logger.Error("failed to send email via SES",
			slog.String("email", pkglogger.MaskEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	n.logger.Info("email sent",
		slog.String("email", pkglogger.MaskEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

func otpSubject(purpose models.OtpPurpose) string {
	switch purpose {
	case models.OtpPurposePasswordReset:
		return "Your password reset code"
	case models.OtpPurposeEmailVerification:
		return "Verify your email address"
	default:
		return "Your sign-in code"
	}
}

// LogNotifier records deliveries in the log only. Used when email is disabled.
type LogNotifier struct {
	logger *slog.Logger
}

func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendOtp(ctx context.Context, email, _ string, purpose models.OtpPurpose, expiresAt time.Time) error {
	n.logger.InfoContext(ctx, "email delivery disabled, OTP not sent",
		slog.String("email", pkglogger.MaskEmail(email)),
		slog.String("purpose", string(purpose)),
		slog.Time("expires_at", expiresAt))
	return nil
}

func (n *LogNotifier) SendSecurityAlert(ctx context.Context, email, subject, _ string) error {
	n.logger.WarnContext(ctx, "email delivery disabled, security alert not sent",
		slog.String("email", pkglogger.MaskEmail(email)),
		slog.String("subject", subject))
	return nil
}
