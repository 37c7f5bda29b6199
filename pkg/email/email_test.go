package email_test

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hireloop/billing/pkg/email"
)

func TestSendEmailParamsValidate(t *testing.T) {
	valid := email.SendEmailParams{
		SendTo:   "jane@example.com",
		Subject:  "Welcome",
		BodyHTML: "<p>Hello</p>",
	}
	require.NoError(t, valid.Validate())

	t.Run("invalid recipient", func(t *testing.T) {
		p := valid
		p.SendTo = "not-an-email"
		assert.ErrorIs(t, p.Validate(), email.ErrInvalidParams)
	})

	t.Run("missing subject", func(t *testing.T) {
		p := valid
		p.Subject = ""
		assert.ErrorIs(t, p.Validate(), email.ErrInvalidParams)
	})

	t.Run("missing body", func(t *testing.T) {
		p := valid
		p.BodyHTML = ""
		assert.ErrorIs(t, p.Validate(), email.ErrInvalidParams)
	})
}

func TestNewPostmarkSender(t *testing.T) {
	t.Run("missing tokens", func(t *testing.T) {
		_, err := email.NewPostmarkSender(email.Config{
			SenderEmail:  "billing@hireloop.io",
			SupportEmail: "support@hireloop.io",
		})
		assert.ErrorIs(t, err, email.ErrInvalidConfig)
	})

	t.Run("invalid sender address", func(t *testing.T) {
		_, err := email.NewPostmarkSender(email.Config{
			PostmarkServerToken:  "server-token",
			PostmarkAccountToken: "account-token",
			SenderEmail:          "nope",
			SupportEmail:         "support@hireloop.io",
		})
		assert.ErrorIs(t, err, email.ErrInvalidConfig)
	})
}

func TestDevSender(t *testing.T) {
	var buf bytes.Buffer
	sender := email.NewDevSender(slog.New(slog.NewTextHandler(&buf, nil)))

	err := sender.SendEmail(context.Background(), email.SendEmailParams{
		SendTo:   "jane@example.com",
		Subject:  "Welcome",
		BodyHTML: "<p>Hello</p>",
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "jane@example.com")
}
