package store

import (
	"context"
	"errors"
)

// ErrNoRecord is returned when a lookup matches nothing. Callers translate
// it into their own domain errors.
var ErrNoRecord = errors.New("no such record")

// Records is the backing-store contract the core consumes. Implementations
// provide create-or-replace puts, partial updates, and ordered reads; the
// change notifications that drive re-reads travel on the live bus, not here.
type Records interface {
	GetUser(ctx context.Context, id string) (User, error)
	PutUser(ctx context.Context, user User) error
	UpdateUser(ctx context.Context, id string, patch UserPatch) error

	ListHouses(ctx context.Context) ([]House, error)
	GetHouse(ctx context.Context, id string) (House, error)
	PutHouse(ctx context.Context, house House) error
	HouseByInviteCode(ctx context.Context, code string) (House, error)
	InviteCodeExists(ctx context.Context, code string) (bool, error)
	// IncrementHouseMembers bumps members_count by one in a single statement.
	IncrementHouseMembers(ctx context.Context, houseID string) error

	PutMembership(ctx context.Context, m Membership) error
	IsMember(ctx context.Context, houseID, userID string) (bool, error)
	ListMembers(ctx context.Context, houseID string) ([]Membership, error)

	// ListMessages returns the full channel feed ordered by timestamp
	// ascending, message id breaking ties.
	ListMessages(ctx context.Context, channelID string) ([]Message, error)
	AddMessage(ctx context.Context, msg Message) error

	CreateCredential(ctx context.Context, cred Credential) error
	CredentialByEmail(ctx context.Context, email string) (Credential, error)

	Ping(ctx context.Context) error
}
