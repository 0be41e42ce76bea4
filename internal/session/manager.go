// Package session tracks the signed-in principal and its profile record.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"strings"
	"sync"
	"time"

	"ravenhall/internal/store"
)

// State is the session lifecycle.
//
//	SignedOut -> Authenticating -> { ProfileIncomplete, Ready }
//	Ready | ProfileIncomplete -> SignedOut
type State int

const (
	SignedOut State = iota
	Authenticating
	ProfileIncomplete
	Ready
)

func (s State) String() string {
	switch s {
	case SignedOut:
		return "signed_out"
	case Authenticating:
		return "authenticating"
	case ProfileIncomplete:
		return "profile_incomplete"
	case Ready:
		return "ready"
	default:
		return "unknown"
	}
}

// ErrDisplayNameRequired rejects a profile update that clears the name.
var ErrDisplayNameRequired = errors.New("display name required")

// Principal is what the identity provider knows about an account.
type Principal struct {
	ID    string
	Email string
}

// Provider is the identity collaborator. OnAuthChanged delivers the current
// principal, or nil after sign-out. Provider errors are surfaced to the
// user as-is.
type Provider interface {
	OnAuthChanged(fn func(p *Principal))
	SignInWithPassword(ctx context.Context, email, password string) error
	SignUpWithPassword(ctx context.Context, email, password string) error
	SignInWithFederated(ctx context.Context, assertion string) error
	SignOut(ctx context.Context) error
}

// UserStore is the slice of the record store the manager needs.
type UserStore interface {
	GetUser(ctx context.Context, id string) (store.User, error)
	PutUser(ctx context.Context, user store.User) error
	UpdateUser(ctx context.Context, id string, patch store.UserPatch) error
}

// Manager owns the session state machine. On the first authentication of an
// unknown principal it synthesizes and persists a profile record before any
// state transition; the view layer never observes a signed-in session
// without a stored profile.
type Manager struct {
	records  UserStore
	provider Provider

	mu       sync.Mutex
	state    State
	user     store.User
	onChange func(State, store.User)
}

func NewManager(records UserStore, provider Provider) *Manager {
	m := &Manager{records: records, provider: provider, state: SignedOut}
	provider.OnAuthChanged(m.handleAuthChanged)
	return m
}

// OnChange registers a callback fired after every state transition.
func (m *Manager) OnChange(fn func(State, store.User)) {
	m.mu.Lock()
	m.onChange = fn
	m.mu.Unlock()
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CurrentUser returns the signed-in profile, if any.
func (m *Manager) CurrentUser() (store.User, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Ready && m.state != ProfileIncomplete {
		return store.User{}, false
	}
	return m.user, true
}

// SignInWithPassword delegates to the provider; state changes arrive
// through the auth-changed callback.
func (m *Manager) SignInWithPassword(ctx context.Context, email, password string) error {
	return m.provider.SignInWithPassword(ctx, email, password)
}

// SignUpWithPassword delegates to the provider.
func (m *Manager) SignUpWithPassword(ctx context.Context, email, password string) error {
	return m.provider.SignUpWithPassword(ctx, email, password)
}

// SignInWithFederated delegates to the provider.
func (m *Manager) SignInWithFederated(ctx context.Context, assertion string) error {
	return m.provider.SignInWithFederated(ctx, assertion)
}

// SignOut ends the provider session and resets to SignedOut.
func (m *Manager) SignOut(ctx context.Context) error {
	return m.provider.SignOut(ctx)
}

// UpdateProfile merges a partial field set into the profile record,
// persists it, and swaps the local copy in one step so the view layer
// never reads a half-applied profile.
func (m *Manager) UpdateProfile(ctx context.Context, patch store.UserPatch) error {
	if patch.DisplayName != nil && strings.TrimSpace(*patch.DisplayName) == "" {
		return ErrDisplayNameRequired
	}

	m.mu.Lock()
	if m.state != Ready && m.state != ProfileIncomplete {
		m.mu.Unlock()
		return errors.New("no signed-in session")
	}
	user := m.user
	m.mu.Unlock()

	if err := m.records.UpdateUser(ctx, user.ID, patch); err != nil {
		return fmt.Errorf("update profile: %w", err)
	}

	merged := applyPatch(user, patch)
	state := Ready
	if !profileComplete(merged) {
		state = ProfileIncomplete
	}
	m.transition(state, merged)
	return nil
}

func (m *Manager) handleAuthChanged(p *Principal) {
	if p == nil {
		m.transition(SignedOut, store.User{})
		return
	}

	m.transition(Authenticating, store.User{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	user, err := m.records.GetUser(ctx, p.ID)
	if errors.Is(err, store.ErrNoRecord) {
		user = newUserFor(p)
		if err := m.records.PutUser(ctx, user); err != nil {
			log.Printf("session: persist new user %s: %v", p.ID, err)
			m.transition(SignedOut, store.User{})
			return
		}
	} else if err != nil {
		log.Printf("session: load user %s: %v", p.ID, err)
		m.transition(SignedOut, store.User{})
		return
	}

	if profileComplete(user) {
		m.transition(Ready, user)
	} else {
		m.transition(ProfileIncomplete, user)
	}
}

func (m *Manager) transition(state State, user store.User) {
	m.mu.Lock()
	m.state = state
	m.user = user
	fn := m.onChange
	m.mu.Unlock()
	if fn != nil {
		fn(state, user)
	}
}

func profileComplete(user store.User) bool {
	return user.DisplayName != "" && user.Avatar != ""
}

func newUserFor(p *Principal) store.User {
	username := "operative"
	if at := strings.Index(p.Email, "@"); at > 0 {
		username = p.Email[:at]
	}
	now := time.Now().UnixMilli()
	return store.User{
		ID:         p.ID,
		Username:   username,
		JoinedAt:   now,
		CreatedAt:  now,
		CommsCode:  newCommsCode(),
		Position:   store.PositionOperative,
		HouseIDs:   []string{},
		ContactIDs: []string{},
	}
}

// newCommsCode draws the short shareable code new accounts get.
func newCommsCode() string {
	return fmt.Sprintf("RAVEN-%04d", 1000+rand.Intn(9000))
}

func applyPatch(user store.User, patch store.UserPatch) store.User {
	if patch.DisplayName != nil {
		user.DisplayName = *patch.DisplayName
	}
	if patch.Avatar != nil {
		user.Avatar = *patch.Avatar
	}
	if patch.Bio != nil {
		user.Bio = *patch.Bio
	}
	if patch.Position != nil {
		user.Position = *patch.Position
	}
	if patch.HouseIDs != nil {
		user.HouseIDs = *patch.HouseIDs
	}
	if patch.ContactIDs != nil {
		user.ContactIDs = *patch.ContactIDs
	}
	return user
}

// Refresh re-reads the profile record, for callers that mutated it outside
// the manager (joins update houseIds through the coordinator).
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	if m.state != Ready && m.state != ProfileIncomplete {
		m.mu.Unlock()
		return nil
	}
	id := m.user.ID
	m.mu.Unlock()

	user, err := m.records.GetUser(ctx, id)
	if err != nil {
		return fmt.Errorf("refresh profile: %w", err)
	}
	if profileComplete(user) {
		m.transition(Ready, user)
	} else {
		m.transition(ProfileIncomplete, user)
	}
	return nil
}
