package email

import (
	"context"
	"log/slog"
)

// devSender logs messages instead of delivering them. Used in development
// and in environments without Postmark credentials.
type devSender struct {
	log *slog.Logger
}

// NewDevSender returns a sender that only logs outbound messages.
func NewDevSender(log *slog.Logger) EmailSender {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &devSender{log: log}
}

func (s *devSender) SendEmail(ctx context.Context, params SendEmailParams) error {
	if err := params.Validate(); err != nil {
		return err
	}
	s.log.InfoContext(ctx, "email suppressed in development mode",
		"to", params.SendTo,
		"subject", params.Subject,
		"tag", params.Tag,
	)
	return nil
}
