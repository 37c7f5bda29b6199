package billing

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hireloop/billing/pkg/email"
)

// NotificationKind identifies the transactional notice to deliver.
type NotificationKind string

const (
	NotifyWelcome      NotificationKind = "welcome"
	NotifyCancellation NotificationKind = "cancellation"
	NotifyUpgrade      NotificationKind = "upgrade"
)

// Notification is one entry of the post-commit outbox. Transactional
// operations accumulate these instead of sending directly, so the
// transactional core never depends on notification delivery and tests can
// assert on outbox contents without a mail transport.
type Notification struct {
	Kind         NotificationKind
	Recipient    string
	PlanName     string
	TempPassword string // set only for welcome notices
}

// Notifier delivers one notification. Implementations are best-effort;
// callers log failures and never retry synchronously.
type Notifier interface {
	Send(ctx context.Context, n Notification) error
}

// dispatchOutbox delivers accumulated notifications after a successful
// commit. Failures are logged and dropped; they never fail the operation
// that produced them.
func dispatchOutbox(ctx context.Context, notifier Notifier, log *slog.Logger, outbox []Notification) {
	if notifier == nil {
		return
	}
	for _, n := range outbox {
		if err := notifier.Send(ctx, n); err != nil {
			log.ErrorContext(ctx, "notification delivery failed",
				"kind", n.Kind,
				"recipient", n.Recipient,
				"error", err,
			)
		}
	}
}

// EmailNotifier renders notifications into transactional emails.
type EmailNotifier struct {
	sender email.EmailSender
}

// NewEmailNotifier wraps an EmailSender as the notification boundary.
func NewEmailNotifier(sender email.EmailSender) *EmailNotifier {
	return &EmailNotifier{sender: sender}
}

func (n *EmailNotifier) Send(ctx context.Context, notification Notification) error {
	params := email.SendEmailParams{
		SendTo: notification.Recipient,
		Tag:    string(notification.Kind),
	}

	switch notification.Kind {
	case NotifyWelcome:
		params.Subject = "Welcome to Hireloop"
		params.BodyHTML = fmt.Sprintf(
			"<p>Your %s subscription is active.</p><p>Temporary password: <strong>%s</strong></p><p>Please change it after your first sign-in.</p>",
			notification.PlanName, notification.TempPassword,
		)
	case NotifyCancellation:
		params.Subject = "Your subscription has been canceled"
		params.BodyHTML = fmt.Sprintf(
			"<p>Your %s subscription has been canceled. You can reactivate it at any time from your account settings.</p>",
			notification.PlanName,
		)
	case NotifyUpgrade:
		params.Subject = "Your plan has been upgraded"
		params.BodyHTML = fmt.Sprintf(
			"<p>Your subscription has been upgraded to the %s plan. The change is effective immediately.</p>",
			notification.PlanName,
		)
	default:
		return fmt.Errorf("billing: unknown notification kind %q", notification.Kind)
	}

	return n.sender.SendEmail(ctx, params)
}
