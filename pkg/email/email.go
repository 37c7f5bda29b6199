// Package email defines the outbound email boundary. The billing core only
// ever sends fire-and-forget transactional notices through EmailSender, so
// delivery failures never propagate into billing transactions.
package email

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

var (
	ErrInvalidConfig     = errors.New("invalid email configuration")
	ErrInvalidParams     = errors.New("invalid email parameters")
	ErrFailedToSendEmail = errors.New("failed to send email")
)

var emailRegex = regexp.MustCompile(`^[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}$`)

// Config holds email service configuration. The Postmark tokens are optional
// so development environments can run with the log-only sender.
type Config struct {
	PostmarkServerToken  string `env:"POSTMARK_SERVER_TOKEN"`
	PostmarkAccountToken string `env:"POSTMARK_ACCOUNT_TOKEN"`
	SenderEmail          string `env:"SENDER_EMAIL" envDefault:"billing@hireloop.io"`
	SupportEmail         string `env:"SUPPORT_EMAIL" envDefault:"support@hireloop.io"`
}

// EmailSender sends a single transactional email.
type EmailSender interface {
	SendEmail(ctx context.Context, params SendEmailParams) error
}

// SendEmailParams describes one outbound message.
type SendEmailParams struct {
	SendTo   string
	Subject  string
	BodyHTML string
	Tag      string // optional Postmark tag for delivery analytics
}

// Validate checks that the message is deliverable.
func (p SendEmailParams) Validate() error {
	if p.SendTo == "" || !emailRegex.MatchString(p.SendTo) {
		return fmt.Errorf("%w: recipient %q is not a valid email address", ErrInvalidParams, p.SendTo)
	}
	if p.Subject == "" {
		return fmt.Errorf("%w: subject is required", ErrInvalidParams)
	}
	if p.BodyHTML == "" {
		return fmt.Errorf("%w: body is required", ErrInvalidParams)
	}
	return nil
}
