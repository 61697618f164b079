// Package gcp builds Google API client options shared by the Sheets export
// and the Cloud Storage receipt bucket.
package gcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"carbook/internal/config"
)

// Credentials names where Google credentials come from. A service account
// wins over an OAuth client/token pair.
type Credentials struct {
	ServiceAccountJSON string
	ServiceAccountFile string
	OAuthClientFile    string
	OAuthTokenFile     string
}

// ErrNoCredentials is returned when no credential source is configured.
var ErrNoCredentials = errors.New("missing Google credentials (set GOOGLE_SERVICE_ACCOUNT_JSON, GOOGLE_SERVICE_ACCOUNT_FILE or GOOGLE_OAUTH_CLIENT_FILE + GOOGLE_OAUTH_TOKEN_FILE)")

func CredentialsFromConfig(cfg *config.Config) Credentials {
	return Credentials{
		ServiceAccountJSON: strings.TrimSpace(cfg.GoogleServiceAccountJSON),
		ServiceAccountFile: strings.TrimSpace(cfg.GoogleServiceAccountFile),
		OAuthClientFile:    strings.TrimSpace(cfg.GoogleOAuthClientFile),
		OAuthTokenFile:     strings.TrimSpace(cfg.GoogleOAuthTokenFile),
	}
}

// ClientOptions turns credentials into API client options for the scopes.
func ClientOptions(ctx context.Context, c Credentials, scopes ...string) ([]option.ClientOption, error) {
	switch {
	case c.ServiceAccountJSON != "":
		slog.DebugContext(ctx, "Using inline service account credentials", "component", "gcp")
		return []option.ClientOption{
			option.WithCredentialsJSON([]byte(c.ServiceAccountJSON)),
			option.WithScopes(scopes...),
		}, nil
	case c.ServiceAccountFile != "":
		b, err := os.ReadFile(c.ServiceAccountFile)
		if err != nil {
			return nil, fmt.Errorf("read service account file: %w", err)
		}
		slog.DebugContext(ctx, "Using service account file", "component", "gcp", "path", c.ServiceAccountFile)
		return []option.ClientOption{
			option.WithCredentialsJSON(b),
			option.WithScopes(scopes...),
		}, nil
	case c.OAuthClientFile != "" && c.OAuthTokenFile != "":
		ts, err := OAuthTokenSource(ctx, c.OAuthClientFile, c.OAuthTokenFile, scopes...)
		if err != nil {
			return nil, err
		}
		return []option.ClientOption{option.WithTokenSource(ts)}, nil
	default:
		return nil, ErrNoCredentials
	}
}

// OAuthConfig loads an installed-app OAuth client definition.
func OAuthConfig(clientFile string, scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(clientFile)
	if err != nil {
		return nil, fmt.Errorf("read oauth client file: %w", err)
	}
	cfg, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("oauth config: %w", err)
	}
	return cfg, nil
}

// OAuthTokenSource refreshes a stored token written by cmd/oauth-init.
func OAuthTokenSource(ctx context.Context, clientFile, tokenFile string, scopes ...string) (oauth2.TokenSource, error) {
	cfg, err := OAuthConfig(clientFile, scopes...)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(tokenFile)
	if err != nil {
		return nil, fmt.Errorf("open oauth token file: %w", err)
	}
	defer f.Close()
	var tok oauth2.Token
	if err := json.NewDecoder(f).Decode(&tok); err != nil {
		return nil, fmt.Errorf("decode oauth token: %w", err)
	}
	return cfg.TokenSource(ctx, &tok), nil
}

// SaveToken writes a token with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open token file: %w", err)
	}
	defer f.Close()
	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("write token: %w", err)
	}
	return nil
}
