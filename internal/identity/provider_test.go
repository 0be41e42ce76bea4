package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ravenhall/internal/session"
	"ravenhall/internal/store"
)

type fakeCredentialStore struct {
	creds map[string]store.Credential
}

func newFakeCredentialStore() *fakeCredentialStore {
	return &fakeCredentialStore{creds: make(map[string]store.Credential)}
}

func (f *fakeCredentialStore) CreateCredential(_ context.Context, cred store.Credential) error {
	f.creds[cred.Email] = cred
	return nil
}

func (f *fakeCredentialStore) CredentialByEmail(_ context.Context, email string) (store.Credential, error) {
	cred, ok := f.creds[email]
	if !ok {
		return store.Credential{}, store.ErrNoRecord
	}
	return cred, nil
}

type staticVerifier struct {
	subject string
	email   string
	err     error
}

func (v staticVerifier) Verify(context.Context, string) (string, string, error) {
	return v.subject, v.email, v.err
}

func setupProvider(t *testing.T, verifier FederatedVerifier) (*Provider, *fakeCredentialStore, *[]*session.Principal) {
	t.Helper()
	s := miniredis.RunT(t)
	sessions, err := OpenSessionStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to open session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	records := newFakeCredentialStore()
	provider := New(records, sessions, verifier, "test-secret", time.Minute, time.Hour)

	var observed []*session.Principal
	provider.OnAuthChanged(func(p *session.Principal) {
		observed = append(observed, p)
	})
	return provider, records, &observed
}

func TestSignUpThenSignIn(t *testing.T) {
	provider, records, observed := setupProvider(t, nil)
	ctx := context.Background()

	if err := provider.SignUpWithPassword(ctx, " Kestrel@Ravenhall.NET ", "long-dark-night"); err != nil {
		t.Fatalf("SignUpWithPassword failed: %v", err)
	}

	cred, ok := records.creds["kestrel@ravenhall.net"]
	if !ok {
		t.Fatal("credential not stored under normalized email")
	}
	if cred.PasswordHash == "long-dark-night" {
		t.Fatal("password stored in the clear")
	}

	// Observer fired with nil on registration, then with the principal.
	if len(*observed) != 2 || (*observed)[0] != nil || (*observed)[1] == nil {
		t.Fatalf("observed=%v", *observed)
	}
	if (*observed)[1].ID != cred.PrincipalID {
		t.Fatal("observer saw a different principal")
	}

	pair, ok := provider.Tokens()
	if !ok || pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("no token pair after sign-up: %+v", pair)
	}

	if err := provider.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	if err := provider.SignInWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignInWithPassword failed: %v", err)
	}
}

func TestSignInRejectsBadCredentials(t *testing.T) {
	provider, _, _ := setupProvider(t, nil)
	ctx := context.Background()

	if err := provider.SignInWithPassword(ctx, "ghost@ravenhall.net", "whatever"); err == nil {
		t.Fatal("sign-in with unknown email succeeded")
	}

	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignUpWithPassword failed: %v", err)
	}
	if err := provider.SignInWithPassword(ctx, "kestrel@ravenhall.net", "wrong"); err == nil {
		t.Fatal("sign-in with wrong password succeeded")
	}
}

func TestSignUpValidation(t *testing.T) {
	provider, _, _ := setupProvider(t, nil)
	ctx := context.Background()

	if err := provider.SignUpWithPassword(ctx, "not-an-email", "long-dark-night"); err == nil {
		t.Fatal("sign-up with invalid email succeeded")
	}
	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "short"); err == nil {
		t.Fatal("sign-up with short password succeeded")
	}
	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignUpWithPassword failed: %v", err)
	}
	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err == nil {
		t.Fatal("duplicate sign-up succeeded")
	}
}

func TestSignOutNotifiesNil(t *testing.T) {
	provider, _, observed := setupProvider(t, nil)
	ctx := context.Background()

	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignUpWithPassword failed: %v", err)
	}
	if err := provider.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}

	last := (*observed)[len(*observed)-1]
	if last != nil {
		t.Fatalf("last observed principal=%v, want nil", last)
	}
	if _, ok := provider.Tokens(); ok {
		t.Fatal("token pair survived sign-out")
	}
}

func TestFederatedSignIn(t *testing.T) {
	provider, records, _ := setupProvider(t, staticVerifier{subject: "fed_123", email: "Raven@Example.COM"})
	ctx := context.Background()

	if err := provider.SignInWithFederated(ctx, "assertion"); err != nil {
		t.Fatalf("SignInWithFederated failed: %v", err)
	}
	cred, ok := records.creds["raven@example.com"]
	if !ok {
		t.Fatal("federated credential not created")
	}
	if cred.PrincipalID != "fed_123" {
		t.Fatalf("principal=%q, want federated subject", cred.PrincipalID)
	}
	if cred.PasswordHash != "" {
		t.Fatal("federated credential has a password hash")
	}

	// The password path must refuse federated accounts.
	if err := provider.SignInWithPassword(ctx, "raven@example.com", "anything"); err == nil {
		t.Fatal("password sign-in on a federated account succeeded")
	}
}

func TestFederatedUnconfigured(t *testing.T) {
	provider, _, _ := setupProvider(t, nil)
	if err := provider.SignInWithFederated(context.Background(), "assertion"); err == nil {
		t.Fatal("federated sign-in succeeded without a verifier")
	}
}

func TestAuthenticateAndRefresh(t *testing.T) {
	provider, _, _ := setupProvider(t, nil)
	ctx := context.Background()

	if err := provider.SignUpWithPassword(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignUpWithPassword failed: %v", err)
	}
	pair, _ := provider.Tokens()

	principalID, err := provider.Authenticate(pair.AccessToken)
	if err != nil {
		t.Fatalf("Authenticate failed: %v", err)
	}
	if principalID == "" {
		t.Fatal("empty principal id")
	}

	if _, err := provider.Authenticate(pair.RefreshToken); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("refresh token accepted as access token: %v", err)
	}
	if _, err := provider.Authenticate("garbage"); !errors.Is(err, ErrTokenInvalid) {
		t.Fatalf("err=%v, want ErrTokenInvalid", err)
	}

	rotated, err := provider.Refresh(ctx, pair.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if rotated.RefreshToken == pair.RefreshToken {
		t.Fatal("refresh token not rotated")
	}
	// The old refresh token is revoked.
	if _, err := provider.Refresh(ctx, pair.RefreshToken); err == nil {
		t.Fatal("revoked refresh token still works")
	}
}
