package auth

import (
	"context"
	"log/slog"
	"time"

	"carbook/internal/amqp"
)

// Mailer delivers sign-in links.
type Mailer interface {
	SendMagicLink(ctx context.Context, email, link string, expiresAt time.Time) error
}

// LogMailer writes links to the log. Good enough for development and for the
// worker when no outbound mail is configured.
type LogMailer struct {
	Logger *slog.Logger
}

func (m LogMailer) SendMagicLink(ctx context.Context, email, link string, expiresAt time.Time) error {
	logger := m.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(ctx, "Magic link issued",
		"component", "mail",
		"email", email,
		"link", link,
		"expires_at", expiresAt.Format(time.RFC3339))
	return nil
}

// LinkPublisher is the slice of the AMQP client QueueMailer needs.
type LinkPublisher interface {
	PublishMagicLink(ctx context.Context, msg *amqp.MagicLinkMessage) error
}

// QueueMailer hands links to the worker over AMQP.
type QueueMailer struct {
	Publisher LinkPublisher
}

func (m QueueMailer) SendMagicLink(ctx context.Context, email, link string, expiresAt time.Time) error {
	return m.Publisher.PublishMagicLink(ctx, &amqp.MagicLinkMessage{
		Email:     email,
		Link:      link,
		ExpiresAt: expiresAt,
	})
}
