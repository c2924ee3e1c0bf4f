package auth

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeCredentials(t *testing.T, path, token string, expires time.Time) {
	t.Helper()
	data := fmt.Sprintf(`{"claudeAiOauth":{"accessToken":%q,"expiresAt":%d,"subscriptionType":"max","rateLimitTier":"default_max_20x"}}`,
		token, expires.UnixMilli())
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatalf("write credentials: %v", err)
	}
}

func TestCredentialMissing(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "none.json"), "")
	if _, err := r.Credential(); !errors.Is(err, ErrNoCredential) {
		t.Errorf("Expected ErrNoCredential, got %v", err)
	}
	if r.LoggedIn() {
		t.Error("Expected not logged in")
	}
}

func TestCredentialValidAndExpired(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "creds.json")
	writeCredentials(t, path, "tok-1", time.Now().Add(time.Hour))

	r := NewReader(path, "")
	cred, err := r.Credential()
	if err != nil {
		t.Fatalf("Credential failed: %v", err)
	}
	if cred.AccessToken != "tok-1" || cred.SubscriptionType != "max" {
		t.Errorf("Unexpected credential: %+v", cred)
	}

	r.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	cred, err = r.Credential()
	if !errors.Is(err, ErrExpired) {
		t.Errorf("Expected ErrExpired, got %v", err)
	}
	if cred == nil || cred.RateLimitTier != "default_max_20x" {
		t.Error("Expired credential should still be returned")
	}
}

func TestAccount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "account.json")
	os.WriteFile(path, []byte(`{"oauthAccount":{"emailAddress":"dev@example.com","organizationName":"Acme"}}`), 0600)

	acct, err := NewReader("", path).Account()
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if acct.Email != "dev@example.com" || acct.OrganizationName != "Acme" {
		t.Errorf("Unexpected account: %+v", acct)
	}

	acct, err = NewReader("", filepath.Join(t.TempDir(), "none")).Account()
	if err != nil || acct != nil {
		t.Errorf("Missing account file should be (nil, nil), got %+v, %v", acct, err)
	}
}
