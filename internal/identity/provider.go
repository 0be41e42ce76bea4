// Package identity is the password/federated identity provider backing the
// session manager.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"ravenhall/internal/session"
	"ravenhall/internal/store"
	"ravenhall/internal/util"
)

// CredentialStore is the slice of the record store the provider needs.
type CredentialStore interface {
	CreateCredential(ctx context.Context, cred store.Credential) error
	CredentialByEmail(ctx context.Context, email string) (store.Credential, error)
}

// FederatedVerifier turns an externally issued assertion into a principal.
// The handshake itself happens outside this package.
type FederatedVerifier interface {
	Verify(ctx context.Context, assertion string) (subject, email string, err error)
}

// Provider implements session.Provider on top of bcrypt credentials, jwt
// token pairs, and a redis refresh-session store.
type Provider struct {
	records    CredentialStore
	sessions   *SessionStore
	verifier   FederatedVerifier
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration

	mu        sync.Mutex
	current   *session.Principal
	pair      Pair
	listeners []func(*session.Principal)
}

// New creates a provider. verifier may be nil, which disables federated
// sign-in.
func New(records CredentialStore, sessions *SessionStore, verifier FederatedVerifier, secret string, accessTTL, refreshTTL time.Duration) *Provider {
	return &Provider{
		records:    records,
		sessions:   sessions,
		verifier:   verifier,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// OnAuthChanged registers a listener and fires it immediately with the
// current principal, the way auth observers are expected to behave.
func (p *Provider) OnAuthChanged(fn func(*session.Principal)) {
	p.mu.Lock()
	p.listeners = append(p.listeners, fn)
	current := p.current
	p.mu.Unlock()
	fn(current)
}

// SignInWithPassword authenticates against the stored credential. Provider
// errors are phrased for the user and surfaced as-is.
func (p *Provider) SignInWithPassword(ctx context.Context, email, password string) error {
	cred, err := p.records.CredentialByEmail(ctx, normalizeEmail(email))
	if errors.Is(err, store.ErrNoRecord) {
		return errors.New("no account with that email")
	}
	if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	if cred.PasswordHash == "" {
		return errors.New("this account signs in with a federated provider")
	}
	if bcrypt.CompareHashAndPassword([]byte(cred.PasswordHash), []byte(password)) != nil {
		return errors.New("invalid password")
	}
	return p.establish(ctx, cred.PrincipalID, cred.Email)
}

// SignUpWithPassword registers a credential and signs the new account in.
func (p *Provider) SignUpWithPassword(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	if email == "" || !strings.Contains(email, "@") {
		return errors.New("a valid email is required")
	}
	if len(password) < 8 {
		return errors.New("password must be at least 8 characters")
	}

	if _, err := p.records.CredentialByEmail(ctx, email); err == nil {
		return errors.New("email already registered")
	} else if !errors.Is(err, store.ErrNoRecord) {
		return fmt.Errorf("look up account: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	cred := store.Credential{
		PrincipalID:  util.NewID("u"),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UnixMilli(),
	}
	if err := p.records.CreateCredential(ctx, cred); err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return p.establish(ctx, cred.PrincipalID, cred.Email)
}

// SignInWithFederated accepts an assertion already issued by an external
// provider, verifies it, and signs the principal in, creating a
// password-less credential on first contact.
func (p *Provider) SignInWithFederated(ctx context.Context, assertion string) error {
	if p.verifier == nil {
		return errors.New("federated sign-in is not configured")
	}
	subject, email, err := p.verifier.Verify(ctx, assertion)
	if err != nil {
		return fmt.Errorf("federated sign-in failed: %w", err)
	}
	email = normalizeEmail(email)

	cred, err := p.records.CredentialByEmail(ctx, email)
	if errors.Is(err, store.ErrNoRecord) {
		cred = store.Credential{
			PrincipalID: subject,
			Email:       email,
			CreatedAt:   time.Now().UnixMilli(),
		}
		if err := p.records.CreateCredential(ctx, cred); err != nil {
			return fmt.Errorf("create account: %w", err)
		}
	} else if err != nil {
		return fmt.Errorf("look up account: %w", err)
	}
	return p.establish(ctx, cred.PrincipalID, cred.Email)
}

// SignOut revokes the refresh session and notifies listeners.
func (p *Provider) SignOut(ctx context.Context) error {
	p.mu.Lock()
	pair := p.pair
	p.current = nil
	p.pair = Pair{}
	p.mu.Unlock()

	if pair.RefreshToken != "" && p.sessions != nil {
		if err := p.sessions.Revoke(ctx, HashToken(pair.RefreshToken)); err != nil {
			return err
		}
	}
	p.notify(nil)
	return nil
}

// Tokens returns the token pair of the signed-in principal.
func (p *Provider) Tokens() (Pair, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current == nil {
		return Pair{}, false
	}
	return p.pair, true
}

// Authenticate validates an access token and returns its principal id.
func (p *Provider) Authenticate(tokenStr string) (string, error) {
	claims, err := ParseToken(p.secret, tokenStr, "access")
	if err != nil {
		return "", err
	}
	return claims.PrincipalID, nil
}

// Refresh exchanges a refresh token for a new pair, rotating the stored
// session.
func (p *Provider) Refresh(ctx context.Context, refreshToken string) (Pair, error) {
	if _, err := ParseToken(p.secret, refreshToken, "refresh"); err != nil {
		return Pair{}, err
	}
	principalID, email, err := p.sessions.Lookup(ctx, HashToken(refreshToken))
	if err != nil {
		return Pair{}, err
	}
	if err := p.sessions.Revoke(ctx, HashToken(refreshToken)); err != nil {
		return Pair{}, err
	}
	if err := p.establish(ctx, principalID, email); err != nil {
		return Pair{}, err
	}
	pair, _ := p.Tokens()
	return pair, nil
}

func (p *Provider) establish(ctx context.Context, principalID, email string) error {
	pair, err := GeneratePair(p.secret, principalID, p.accessTTL, p.refreshTTL)
	if err != nil {
		return err
	}
	if p.sessions != nil {
		expiresAt := time.Now().Add(p.refreshTTL)
		if err := p.sessions.Save(ctx, HashToken(pair.RefreshToken), principalID, email, expiresAt); err != nil {
			return err
		}
	}

	principal := &session.Principal{ID: principalID, Email: email}
	p.mu.Lock()
	p.current = principal
	p.pair = pair
	p.mu.Unlock()

	p.notify(principal)
	return nil
}

func (p *Provider) notify(principal *session.Principal) {
	p.mu.Lock()
	listeners := append([]func(*session.Principal){}, p.listeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(principal)
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
