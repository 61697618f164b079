// Package auth handles password and magic-link sign-in and the sessions that
// follow from them.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"carbook/internal/core"
	"carbook/internal/storage"
)

const (
	CookieName        = "carbook_session"
	MinPasswordLength = 8

	DefaultSessionTTL   = 30 * 24 * time.Hour
	DefaultMagicLinkTTL = 15 * time.Minute
)

var (
	ErrInvalidEmail       = errors.New("invalid email address")
	ErrWeakPassword       = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrEmailTaken         = errors.New("an account with this email already exists")
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidLink        = errors.New("sign-in link is invalid or has expired")
	ErrSessionExpired     = errors.New("session expired")
	ErrNoSession          = errors.New("not signed in")
)

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// Store is the persistence the service needs. *storage.Repository satisfies it.
type Store interface {
	CreateUser(ctx context.Context, u core.User) error
	GetUserByEmail(ctx context.Context, email string) (core.User, error)
	GetUserByID(ctx context.Context, id string) (core.User, error)
	SetPassword(ctx context.Context, userID, hash string) error
	CreateSession(ctx context.Context, s storage.Session) error
	GetSession(ctx context.Context, tokenHash string) (storage.Session, error)
	DeleteSession(ctx context.Context, tokenHash string) error
	CreateMagicLink(ctx context.Context, m storage.MagicLink) error
	ConsumeMagicLink(ctx context.Context, tokenHash string) (storage.MagicLink, error)
}

// Session is an issued login. Token is only ever held by the client.
type Session struct {
	Token     string
	UserID    string
	ExpiresAt time.Time
}

type Options struct {
	BaseURL      string
	SessionTTL   time.Duration
	MagicLinkTTL time.Duration
}

type Service struct {
	store  Store
	mailer Mailer
	opts   Options
	now    func() time.Time
}

func NewService(store Store, mailer Mailer, opts Options) *Service {
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if opts.MagicLinkTTL <= 0 {
		opts.MagicLinkTTL = DefaultMagicLinkTTL
	}
	opts.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	return &Service{store: store, mailer: mailer, opts: opts, now: time.Now}
}

func (s *Service) SessionTTL() time.Duration { return s.opts.SessionTTL }

// NormalizeEmail lowercases and trims an address and checks its shape.
func NormalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if len(email) > 254 || !emailPattern.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// HashPassword bcrypt-hashes a password after checking its length.
func HashPassword(password string) (string, error) {
	if len(password) < MinPasswordLength {
		return "", ErrWeakPassword
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// SignUp creates a password account. Any existing account, including one
// made by a magic link, makes the email taken; its owner sets a password
// from a signed-in session with SetPassword.
func (s *Service) SignUp(ctx context.Context, email, password string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return Session{}, err
	}

	_, err = s.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		return Session{}, ErrEmailTaken
	case !errors.Is(err, storage.ErrNotFound):
		return Session{}, err
	}

	user := core.User{ID: uuid.NewString(), Email: email, PasswordHash: hash, CreatedAt: s.now()}
	if err := s.store.CreateUser(ctx, user); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return Session{}, ErrEmailTaken
		}
		return Session{}, err
	}
	slog.InfoContext(ctx, "User signed up", "component", "auth", "user_id", user.ID)
	return s.newSession(ctx, user.ID)
}

// SetPassword sets or replaces the password of an authenticated user.
func (s *Service) SetPassword(ctx context.Context, userID, password string) error {
	hash, err := HashPassword(password)
	if err != nil {
		return err
	}
	if err := s.store.SetPassword(ctx, userID, hash); err != nil {
		return err
	}
	slog.InfoContext(ctx, "Password set", "component", "auth", "user_id", userID)
	return nil
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Session{}, ErrInvalidCredentials
	}
	user, err := s.store.GetUserByEmail(ctx, email)
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, ErrInvalidCredentials
	}
	if err != nil {
		return Session{}, err
	}
	if user.PasswordHash == "" ||
		bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return Session{}, ErrInvalidCredentials
	}
	return s.newSession(ctx, user.ID)
}

// SendMagicLink issues a single-use sign-in link and hands it to the mailer,
// creating the account on first use.
func (s *Service) SendMagicLink(ctx context.Context, email, redirect string) error {
	email, err := NormalizeEmail(email)
	if err != nil {
		return err
	}
	if _, err := s.store.GetUserByEmail(ctx, email); errors.Is(err, storage.ErrNotFound) {
		user := core.User{ID: uuid.NewString(), Email: email, CreatedAt: s.now()}
		if err := s.store.CreateUser(ctx, user); err != nil && !errors.Is(err, storage.ErrConflict) {
			return err
		}
	} else if err != nil {
		return err
	}

	token, err := randomToken()
	if err != nil {
		return err
	}
	now := s.now()
	link := storage.MagicLink{
		TokenHash:  hashToken(token),
		Email:      email,
		RedirectTo: SafeRedirect(redirect),
		ExpiresAt:  now.Add(s.opts.MagicLinkTTL),
		CreatedAt:  now,
	}
	if err := s.store.CreateMagicLink(ctx, link); err != nil {
		return err
	}

	target := s.opts.BaseURL + "/auth/magic?token=" + url.QueryEscape(token)
	if err := s.mailer.SendMagicLink(ctx, email, target, link.ExpiresAt); err != nil {
		return fmt.Errorf("send magic link: %w", err)
	}
	return nil
}

// ConsumeMagicLink redeems a link token for a session and returns where the
// user asked to go.
func (s *Service) ConsumeMagicLink(ctx context.Context, token string) (Session, string, error) {
	if token == "" {
		return Session{}, "", ErrInvalidLink
	}
	link, err := s.store.ConsumeMagicLink(ctx, hashToken(token))
	if errors.Is(err, storage.ErrNotFound) {
		return Session{}, "", ErrInvalidLink
	}
	if err != nil {
		return Session{}, "", err
	}
	user, err := s.store.GetUserByEmail(ctx, link.Email)
	if err != nil {
		return Session{}, "", err
	}
	sess, err := s.newSession(ctx, user.ID)
	if err != nil {
		return Session{}, "", err
	}
	return sess, SafeRedirect(link.RedirectTo), nil
}

func (s *Service) SignOut(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	return s.store.DeleteSession(ctx, hashToken(token))
}

// Authenticate resolves a session token to its user. Expired sessions are
// deleted on sight.
func (s *Service) Authenticate(ctx context.Context, token string) (core.User, error) {
	if token == "" {
		return core.User{}, ErrNoSession
	}
	hash := hashToken(token)
	sess, err := s.store.GetSession(ctx, hash)
	if errors.Is(err, storage.ErrNotFound) {
		return core.User{}, ErrNoSession
	}
	if err != nil {
		return core.User{}, err
	}
	if !s.now().Before(sess.ExpiresAt) {
		if err := s.store.DeleteSession(ctx, hash); err != nil {
			slog.WarnContext(ctx, "Failed to delete expired session", "component", "auth", "error", err)
		}
		return core.User{}, ErrSessionExpired
	}
	user, err := s.store.GetUserByID(ctx, sess.UserID)
	if errors.Is(err, storage.ErrNotFound) {
		return core.User{}, ErrNoSession
	}
	return user, err
}

func (s *Service) newSession(ctx context.Context, userID string) (Session, error) {
	token := uuid.NewString()
	now := s.now()
	row := storage.Session{
		TokenHash: hashToken(token),
		UserID:    userID,
		ExpiresAt: now.Add(s.opts.SessionTTL),
		CreatedAt: now,
	}
	if err := s.store.CreateSession(ctx, row); err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: userID, ExpiresAt: row.ExpiresAt}, nil
}

// SafeRedirect keeps only same-origin absolute paths.
func SafeRedirect(target string) string {
	if target == "" || !strings.HasPrefix(target, "/") || strings.HasPrefix(target, "//") || strings.HasPrefix(target, "/\\") {
		return "/"
	}
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "" || u.Host != "" {
		return "/"
	}
	return target
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func randomToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
