// Package auth reads the external agent's local credentials and account
// identity.
package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// ExpiryBuffer treats tokens this close to expiry as already expired.
const ExpiryBuffer = time.Minute

var (
	// ErrNoCredential indicates the credential file or token is missing.
	ErrNoCredential = errors.New("no agent credential")
	// ErrExpired indicates the stored token has expired.
	ErrExpired = errors.New("agent credential expired")
)

// Credential is the bearer token the agent logged in with.
type Credential struct {
	AccessToken      string    `json:"-"`
	ExpiresAt        time.Time `json:"expires_at"`
	SubscriptionType string    `json:"subscription_type,omitempty"`
	RateLimitTier    string    `json:"rate_limit_tier,omitempty"`
}

// Valid reports whether the token is present and not near expiry.
func (c *Credential) Valid(now time.Time) bool {
	if c == nil || c.AccessToken == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt.Add(-ExpiryBuffer))
}

// Account identifies the logged-in user.
type Account struct {
	Email            string `json:"email,omitempty"`
	DisplayName      string `json:"display_name,omitempty"`
	OrganizationName string `json:"organization_name,omitempty"`
}

type credentialsFile struct {
	OAuth *struct {
		AccessToken      string `json:"accessToken"`
		ExpiresAt        int64  `json:"expiresAt"`
		SubscriptionType string `json:"subscriptionType"`
		RateLimitTier    string `json:"rateLimitTier"`
	} `json:"claudeAiOauth"`
}

type accountFile struct {
	OAuthAccount *struct {
		EmailAddress     string `json:"emailAddress"`
		DisplayName      string `json:"displayName"`
		OrganizationName string `json:"organizationName"`
	} `json:"oauthAccount"`
}

// Reader loads credentials from disk, re-reading only when the file changes.
type Reader struct {
	credentialsPath string
	accountPath     string

	mu      sync.Mutex
	cached  *Credential
	modTime time.Time
	now     func() time.Time
}

// NewReader creates a reader for the given credential and account files.
func NewReader(credentialsPath, accountPath string) *Reader {
	return &Reader{
		credentialsPath: credentialsPath,
		accountPath:     accountPath,
		now:             time.Now,
	}
}

// Credential returns the current token. It returns ErrNoCredential or
// ErrExpired when no usable token exists; the credential is still
// returned alongside ErrExpired.
func (r *Reader) Credential() (*Credential, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, err := os.Stat(r.credentialsPath)
	if err != nil {
		r.cached = nil
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoCredential
		}
		return nil, fmt.Errorf("stat credentials: %w", err)
	}

	if r.cached == nil || !info.ModTime().Equal(r.modTime) {
		cred, err := readCredential(r.credentialsPath)
		if err != nil {
			return nil, err
		}
		r.cached = cred
		r.modTime = info.ModTime()
	}

	cred := *r.cached
	if cred.AccessToken == "" {
		return nil, ErrNoCredential
	}
	if !cred.Valid(r.now()) {
		return &cred, ErrExpired
	}
	return &cred, nil
}

func readCredential(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var f credentialsFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	if f.OAuth == nil {
		return &Credential{}, nil
	}
	cred := &Credential{
		AccessToken:      f.OAuth.AccessToken,
		SubscriptionType: f.OAuth.SubscriptionType,
		RateLimitTier:    f.OAuth.RateLimitTier,
	}
	if f.OAuth.ExpiresAt > 0 {
		cred.ExpiresAt = time.UnixMilli(f.OAuth.ExpiresAt).UTC()
	}
	return cred, nil
}

// Account returns the logged-in account, or nil when unknown.
func (r *Reader) Account() (*Account, error) {
	data, err := os.ReadFile(r.accountPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read account: %w", err)
	}
	var f accountFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse account: %w", err)
	}
	if f.OAuthAccount == nil {
		return nil, nil
	}
	return &Account{
		Email:            f.OAuthAccount.EmailAddress,
		DisplayName:      f.OAuthAccount.DisplayName,
		OrganizationName: f.OAuthAccount.OrganizationName,
	}, nil
}

// LoggedIn reports whether a usable credential exists.
func (r *Reader) LoggedIn() bool {
	_, err := r.Credential()
	return err == nil
}
