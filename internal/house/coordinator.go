// Package house coordinates community creation, invite codes, and joins.
package house

import (
	"context"
	cryptoRand "crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"ravenhall/internal/live"
	"ravenhall/internal/store"
	"ravenhall/internal/util"
)

var (
	// ErrNotFound means the invite code matched no house.
	ErrNotFound = errors.New("no house matches that invite code")
	// ErrAlreadyMember means the join was attempted on a house the user
	// already belongs to. Nothing is written.
	ErrAlreadyMember = errors.New("already a member of this house")
	// ErrNameRequired rejects house creation with an empty name.
	ErrNameRequired = errors.New("house name required")
)

// Invite codes read well aloud: no 0/O, 1/I/L confusion.
const (
	inviteCodePrefix   = "RAVEN-"
	inviteCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
	inviteCodeLength   = 6
)

// Defaults the client sets on a freshly created house.
const defaultHouseImage = "https://images.unsplash.com/photo-1550745165-9bc0b252726f?auto=format&fit=crop&w=800&q=80"

// Store is the slice of the record store the coordinator needs.
type Store interface {
	PutHouse(ctx context.Context, house store.House) error
	HouseByInviteCode(ctx context.Context, code string) (store.House, error)
	InviteCodeExists(ctx context.Context, code string) (bool, error)
	IncrementHouseMembers(ctx context.Context, houseID string) error
	PutMembership(ctx context.Context, m store.Membership) error
	IsMember(ctx context.Context, houseID, userID string) (bool, error)
	UpdateUser(ctx context.Context, id string, patch store.UserPatch) error
}

// Publisher signals the houses change topic. May be nil in tests.
type Publisher interface {
	Publish(ctx context.Context, topic string) error
}

type Coordinator struct {
	records Store
	bus     Publisher
}

func NewCoordinator(records Store, bus Publisher) *Coordinator {
	return &Coordinator{records: records, bus: bus}
}

// Create makes a new house owned by owner. The writes land in a fixed
// order: house record, owner membership, owner houseIds last. A crash in
// the middle leaves a joinable house rather than a membership that points
// at nothing.
func (c *Coordinator) Create(ctx context.Context, owner store.User, name, description string) (store.House, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return store.House{}, ErrNameRequired
	}

	code, err := c.uniqueInviteCode(ctx)
	if err != nil {
		return store.House{}, err
	}

	now := time.Now().UnixMilli()
	house := store.House{
		ID:            util.NewID("h"),
		Name:          name,
		Description:   strings.TrimSpace(description),
		ImageURL:      defaultHouseImage,
		InviteCode:    code,
		OwnerID:       owner.ID,
		MembersCount:  1,
		ActivityScore: 100,
		Tags:          []string{"Private"},
		IsPrivate:     true,
	}

	if err := c.records.PutHouse(ctx, house); err != nil {
		return store.House{}, fmt.Errorf("create house: %w", err)
	}
	if err := c.records.PutMembership(ctx, store.Membership{HouseID: house.ID, UserID: owner.ID, JoinedAt: now}); err != nil {
		return store.House{}, fmt.Errorf("create owner membership: %w", err)
	}
	if err := c.appendHouseID(ctx, owner, house.ID); err != nil {
		return store.House{}, err
	}

	c.notifyHousesChanged(ctx)
	return house, nil
}

// Join adds user to the house whose invite code matches the normalized
// input. The membership guard runs before any mutation, so a repeat join
// returns ErrAlreadyMember and writes nothing.
func (c *Coordinator) Join(ctx context.Context, code string, user store.User) (store.House, error) {
	normalized := NormalizeInviteCode(code)
	if normalized == "" {
		return store.House{}, ErrNotFound
	}

	house, err := c.records.HouseByInviteCode(ctx, normalized)
	if errors.Is(err, store.ErrNoRecord) {
		return store.House{}, ErrNotFound
	}
	if err != nil {
		return store.House{}, fmt.Errorf("lookup invite code: %w", err)
	}

	if user.InHouse(house.ID) {
		return store.House{}, ErrAlreadyMember
	}
	if member, err := c.records.IsMember(ctx, house.ID, user.ID); err != nil {
		return store.House{}, fmt.Errorf("check membership: %w", err)
	} else if member {
		return store.House{}, ErrAlreadyMember
	}

	if err := c.records.PutMembership(ctx, store.Membership{HouseID: house.ID, UserID: user.ID, JoinedAt: time.Now().UnixMilli()}); err != nil {
		return store.House{}, fmt.Errorf("join house: %w", err)
	}
	if err := c.records.IncrementHouseMembers(ctx, house.ID); err != nil {
		return store.House{}, fmt.Errorf("count member: %w", err)
	}
	if err := c.appendHouseID(ctx, user, house.ID); err != nil {
		return store.House{}, err
	}

	c.notifyHousesChanged(ctx)
	house.MembersCount++
	return house, nil
}

func (c *Coordinator) appendHouseID(ctx context.Context, user store.User, houseID string) error {
	if user.InHouse(houseID) {
		return nil
	}
	houseIDs := append(append([]string(nil), user.HouseIDs...), houseID)
	if err := c.records.UpdateUser(ctx, user.ID, store.UserPatch{HouseIDs: &houseIDs}); err != nil {
		return fmt.Errorf("update member houses: %w", err)
	}
	return nil
}

func (c *Coordinator) notifyHousesChanged(ctx context.Context) {
	if c.bus == nil {
		return
	}
	_ = c.bus.Publish(ctx, live.TopicHouses)
}

// uniqueInviteCode draws codes until one is unused. Codes are short and
// shareable, so collisions are unlikely but worth checking for.
func (c *Coordinator) uniqueInviteCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code, err := GenerateInviteCode()
		if err != nil {
			return "", err
		}
		exists, err := c.records.InviteCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check invite code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", errors.New("could not draw an unused invite code")
}

// GenerateInviteCode produces a human-shareable code from a fixed alphabet.
func GenerateInviteCode() (string, error) {
	var b strings.Builder
	b.WriteString(inviteCodePrefix)
	for i := 0; i < inviteCodeLength; i++ {
		n, err := cryptoRand.Int(cryptoRand.Reader, big.NewInt(int64(len(inviteCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate invite code: %w", err)
		}
		b.WriteByte(inviteCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// NormalizeInviteCode makes user input comparable to stored codes:
// surrounding whitespace dropped, letters uppercased.
func NormalizeInviteCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
