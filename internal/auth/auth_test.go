package auth

import (
	"context"
	"errors"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"carbook/internal/amqp"
	"carbook/internal/storage"
)

type sentLink struct {
	email string
	link  string
}

type captureMailer struct {
	sent []sentLink
	err  error
}

func (m *captureMailer) SendMagicLink(_ context.Context, email, link string, _ time.Time) error {
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentLink{email: email, link: link})
	return nil
}

func newTestService(t *testing.T) (*Service, *captureMailer, *storage.Repository) {
	t.Helper()
	repo, err := storage.NewSQLiteRepository(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	mailer := &captureMailer{}
	svc := NewService(repo, mailer, Options{BaseURL: "http://carbook.test/"})
	return svc, mailer, repo
}

func tokenFrom(t *testing.T, link string) string {
	t.Helper()
	u, err := url.Parse(link)
	require.NoError(t, err)
	return u.Query().Get("token")
}

func TestNormalizeEmail(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"  Driver@Example.COM ", "driver@example.com", false},
		{"a@b.co", "a@b.co", false},
		{"", "", true},
		{"no-at-sign", "", true},
		{"two@@example.com", "", true},
		{"a@nodot", "", true},
		{"spa ce@example.com", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeEmail(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidEmail)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSafeRedirect(t *testing.T) {
	tests := map[string]string{
		"":                        "/",
		"/vehicles/abc":           "/vehicles/abc",
		"/vehicles?month=2024-03": "/vehicles?month=2024-03",
		"//evil.example":          "/",
		"/\\evil.example":         "/",
		"https://evil.example/":   "/",
		"vehicles":                "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, SafeRedirect(in), "SafeRedirect(%q)", in)
	}
}

func TestSignUpAndSignIn(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SignUp(ctx, "Driver@Example.com", "longenough")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.Token)

	_, err = svc.SignUp(ctx, "driver@example.com", "anotherpass")
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = svc.SignUp(ctx, "other@example.com", "short")
	assert.ErrorIs(t, err, ErrWeakPassword)

	signed, err := svc.SignIn(ctx, "driver@example.com", "longenough")
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, signed.UserID)
	assert.NotEqual(t, sess.Token, signed.Token)

	_, err = svc.SignIn(ctx, "driver@example.com", "wrongpassword")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "nobody@example.com", "longenough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.SignIn(ctx, "not-an-email", "longenough")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestAuthenticate(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SignUp(ctx, "driver@example.com", "longenough")
	require.NoError(t, err)

	user, err := svc.Authenticate(ctx, sess.Token)
	require.NoError(t, err)
	assert.Equal(t, "driver@example.com", user.Email)

	_, err = svc.Authenticate(ctx, "")
	assert.ErrorIs(t, err, ErrNoSession)
	_, err = svc.Authenticate(ctx, "unknown-token")
	assert.ErrorIs(t, err, ErrNoSession)

	require.NoError(t, svc.SignOut(ctx, sess.Token))
	_, err = svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrNoSession)

	// Sessions found past their expiry are removed.
	sess, err = svc.SignIn(ctx, "driver@example.com", "longenough")
	require.NoError(t, err)
	svc.now = func() time.Time { return time.Now().Add(DefaultSessionTTL + time.Hour) }
	_, err = svc.Authenticate(ctx, sess.Token)
	assert.ErrorIs(t, err, ErrSessionExpired)
	_, err = repo.GetSession(ctx, hashToken(sess.Token))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSessionTokenIsStoredHashed(t *testing.T) {
	svc, _, repo := newTestService(t)
	ctx := context.Background()

	sess, err := svc.SignUp(ctx, "driver@example.com", "longenough")
	require.NoError(t, err)

	_, err = repo.GetSession(ctx, sess.Token)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	stored, err := repo.GetSession(ctx, hashToken(sess.Token))
	require.NoError(t, err)
	assert.Equal(t, sess.UserID, stored.UserID)
}

func TestMagicLinkFlow(t *testing.T) {
	svc, mailer, repo := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendMagicLink(ctx, "New@Example.com", "/vehicles/v1"))
	require.Len(t, mailer.sent, 1)
	assert.Equal(t, "new@example.com", mailer.sent[0].email)
	assert.True(t, strings.HasPrefix(mailer.sent[0].link, "http://carbook.test/auth/magic?token="))

	// The account exists but has no password yet.
	user, err := repo.GetUserByEmail(ctx, "new@example.com")
	require.NoError(t, err)
	assert.Empty(t, user.PasswordHash)

	token := tokenFrom(t, mailer.sent[0].link)
	sess, redirect, err := svc.ConsumeMagicLink(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, sess.UserID)
	assert.Equal(t, "/vehicles/v1", redirect)

	_, _, err = svc.ConsumeMagicLink(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidLink, "links are single use")

	// A magic-link user picks a password from their session.
	require.NoError(t, svc.SetPassword(ctx, sess.UserID, "longenough"))
	_, err = svc.SignIn(ctx, "new@example.com", "longenough")
	assert.NoError(t, err)
}

func TestSignUpCannotClaimMagicLinkAccount(t *testing.T) {
	svc, mailer, repo := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendMagicLink(ctx, "owner@example.com", "/"))
	owner, _, err := svc.ConsumeMagicLink(ctx, tokenFrom(t, mailer.sent[0].link))
	require.NoError(t, err)

	sess, err := svc.SignUp(ctx, "owner@example.com", "someone-else")
	assert.ErrorIs(t, err, ErrEmailTaken)
	assert.Empty(t, sess.Token)

	user, err := repo.GetUserByEmail(ctx, "owner@example.com")
	require.NoError(t, err)
	assert.Empty(t, user.PasswordHash, "no password was set")
	_, err = svc.SignIn(ctx, "owner@example.com", "someone-else")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Addresses only ever mailed a link are taken too.
	require.NoError(t, svc.SendMagicLink(ctx, "pending@example.com", "/"))
	_, err = svc.SignUp(ctx, "pending@example.com", "someone-else")
	assert.ErrorIs(t, err, ErrEmailTaken)

	assert.ErrorIs(t, svc.SetPassword(ctx, owner.UserID, "short"), ErrWeakPassword)
}

func TestMagicLinkRejectsOffsiteRedirect(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()

	require.NoError(t, svc.SendMagicLink(ctx, "a@example.com", "https://evil.example"))
	_, redirect, err := svc.ConsumeMagicLink(ctx, tokenFrom(t, mailer.sent[0].link))
	require.NoError(t, err)
	assert.Equal(t, "/", redirect)
}

func TestMagicLinkExpires(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	ctx := context.Background()

	svc.now = func() time.Time { return time.Now().Add(-time.Hour) }
	require.NoError(t, svc.SendMagicLink(ctx, "a@example.com", "/"))
	svc.now = time.Now

	_, _, err := svc.ConsumeMagicLink(ctx, tokenFrom(t, mailer.sent[0].link))
	assert.ErrorIs(t, err, ErrInvalidLink)
	_, _, err = svc.ConsumeMagicLink(ctx, "")
	assert.ErrorIs(t, err, ErrInvalidLink)
}

func TestSendMagicLinkMailerFailure(t *testing.T) {
	svc, mailer, _ := newTestService(t)
	mailer.err = errors.New("smtp down")

	err := svc.SendMagicLink(context.Background(), "a@example.com", "/")
	assert.ErrorContains(t, err, "smtp down")
}

type capturePublisher struct {
	msg *amqp.MagicLinkMessage
}

func (p *capturePublisher) PublishMagicLink(_ context.Context, msg *amqp.MagicLinkMessage) error {
	p.msg = msg
	return nil
}

func TestQueueMailer(t *testing.T) {
	pub := &capturePublisher{}
	expires := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	err := QueueMailer{Publisher: pub}.SendMagicLink(context.Background(), "a@example.com", "http://x/auth/magic?token=t", expires)
	require.NoError(t, err)
	require.NotNil(t, pub.msg)
	assert.Equal(t, "a@example.com", pub.msg.Email)
	assert.True(t, pub.msg.ExpiresAt.Equal(expires))
}
