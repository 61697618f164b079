package gcp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/oauth2"
)

func TestClientOptions_NoCredentials(t *testing.T) {
	_, err := ClientOptions(context.Background(), Credentials{}, "scope")
	if !errors.Is(err, ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestClientOptions_ServiceAccountJSON(t *testing.T) {
	opts, err := ClientOptions(context.Background(), Credentials{ServiceAccountJSON: `{"type":"service_account"}`}, "scope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(opts) != 2 {
		t.Fatalf("expected credentials and scopes options, got %d", len(opts))
	}
}

func TestClientOptions_MissingFile(t *testing.T) {
	_, err := ClientOptions(context.Background(), Credentials{ServiceAccountFile: filepath.Join(t.TempDir(), "missing.json")})
	if err == nil {
		t.Fatal("expected error for missing service account file")
	}
}

func TestOAuthTokenSource(t *testing.T) {
	dir := t.TempDir()
	clientFile := filepath.Join(dir, "client.json")
	tokenFile := filepath.Join(dir, "token.json")
	client := `{"installed":{"client_id":"id","client_secret":"secret","auth_uri":"https://accounts.google.com/o/oauth2/auth","token_uri":"https://oauth2.googleapis.com/token","redirect_uris":["http://localhost"]}}`
	if err := os.WriteFile(clientFile, []byte(client), 0600); err != nil {
		t.Fatal(err)
	}
	want := &oauth2.Token{AccessToken: "abc", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour)}
	if err := SaveToken(tokenFile, want); err != nil {
		t.Fatal(err)
	}

	ts, err := OAuthTokenSource(context.Background(), clientFile, tokenFile, "scope")
	if err != nil {
		t.Fatalf("token source: %v", err)
	}
	got, err := ts.Token()
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	if got.AccessToken != "abc" {
		t.Fatalf("unexpected token %q", got.AccessToken)
	}
}
