package house

import (
	"context"
	"errors"
	"strings"
	"testing"

	"ravenhall/internal/store"
)

type fakeStore struct {
	houses      map[string]store.House
	members     map[string]store.Membership
	users       map[string]store.User
	writes      int
	inviteSeen  []string
	inviteTaken map[string]bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		houses:      make(map[string]store.House),
		members:     make(map[string]store.Membership),
		users:       make(map[string]store.User),
		inviteTaken: make(map[string]bool),
	}
}

func (f *fakeStore) PutHouse(_ context.Context, house store.House) error {
	f.writes++
	f.houses[house.ID] = house
	return nil
}

func (f *fakeStore) HouseByInviteCode(_ context.Context, code string) (store.House, error) {
	for _, house := range f.houses {
		if house.InviteCode == code {
			return house, nil
		}
	}
	return store.House{}, store.ErrNoRecord
}

func (f *fakeStore) InviteCodeExists(_ context.Context, code string) (bool, error) {
	f.inviteSeen = append(f.inviteSeen, code)
	if f.inviteTaken[code] {
		return true, nil
	}
	for _, house := range f.houses {
		if house.InviteCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) IncrementHouseMembers(_ context.Context, houseID string) error {
	f.writes++
	house, ok := f.houses[houseID]
	if !ok {
		return store.ErrNoRecord
	}
	house.MembersCount++
	f.houses[houseID] = house
	return nil
}

func (f *fakeStore) PutMembership(_ context.Context, m store.Membership) error {
	f.writes++
	f.members[m.HouseID+"/"+m.UserID] = m
	return nil
}

func (f *fakeStore) IsMember(_ context.Context, houseID, userID string) (bool, error) {
	_, ok := f.members[houseID+"/"+userID]
	return ok, nil
}

func (f *fakeStore) UpdateUser(_ context.Context, id string, patch store.UserPatch) error {
	f.writes++
	user := f.users[id]
	user.ID = id
	if patch.HouseIDs != nil {
		user.HouseIDs = *patch.HouseIDs
	}
	f.users[id] = user
	return nil
}

func TestGenerateInviteCodeShape(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		code, err := GenerateInviteCode()
		if err != nil {
			t.Fatalf("GenerateInviteCode failed: %v", err)
		}
		if !strings.HasPrefix(code, "RAVEN-") {
			t.Fatalf("code %q missing prefix", code)
		}
		body := strings.TrimPrefix(code, "RAVEN-")
		if len(body) != inviteCodeLength {
			t.Fatalf("code body %q has length %d", body, len(body))
		}
		for _, r := range body {
			if !strings.ContainsRune(inviteCodeAlphabet, r) {
				t.Fatalf("code %q contains %q outside the alphabet", code, r)
			}
		}
		seen[code] = true
	}
	if len(seen) < 45 {
		t.Fatalf("50 draws produced only %d distinct codes", len(seen))
	}
}

func TestCreateThenJoinScenario(t *testing.T) {
	records := newFakeStore()
	records.users["u_owner"] = store.User{ID: "u_owner", HouseIDs: []string{}}
	records.users["u_visitor"] = store.User{ID: "u_visitor", HouseIDs: []string{}}
	coord := NewCoordinator(records, nil)
	ctx := context.Background()

	owner := records.users["u_owner"]
	created, err := coord.Create(ctx, owner, "Nightwatch", "the long dark")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if created.MembersCount != 1 {
		t.Errorf("membersCount=%d after create, want 1", created.MembersCount)
	}
	if created.InviteCode == "" {
		t.Error("invite code empty")
	}
	if !records.users["u_owner"].InHouse(created.ID) {
		t.Error("owner houseIds missing the new house")
	}
	if _, ok := records.members[created.ID+"/u_owner"]; !ok {
		t.Error("owner membership record missing")
	}

	visitor := records.users["u_visitor"]
	joined, err := coord.Join(ctx, created.InviteCode, visitor)
	if err != nil {
		t.Fatalf("Join failed: %v", err)
	}
	if joined.MembersCount != 2 {
		t.Errorf("membersCount=%d after join, want 2", joined.MembersCount)
	}
	if records.houses[created.ID].MembersCount != 2 {
		t.Errorf("stored membersCount=%d, want 2", records.houses[created.ID].MembersCount)
	}
	if !records.users["u_visitor"].InHouse(created.ID) {
		t.Error("visitor houseIds missing the joined house")
	}
	if _, ok := records.members[created.ID+"/u_visitor"]; !ok {
		t.Error("visitor membership record missing")
	}
}

func TestJoinNormalizesInviteCode(t *testing.T) {
	records := newFakeStore()
	records.users["u_1"] = store.User{ID: "u_1"}
	coord := NewCoordinator(records, nil)
	ctx := context.Background()

	created, err := coord.Create(ctx, store.User{ID: "u_owner"}, "Aerie", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	sloppy := "  " + strings.ToLower(created.InviteCode) + " \n"
	if _, err := coord.Join(ctx, sloppy, records.users["u_1"]); err != nil {
		t.Fatalf("Join with un-normalized code failed: %v", err)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	records := newFakeStore()
	coord := NewCoordinator(records, nil)

	_, err := coord.Join(context.Background(), "RAVEN-XXXXXX", store.User{ID: "u_1"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
	if records.writes != 0 {
		t.Fatalf("unknown code caused %d writes", records.writes)
	}
}

func TestJoinIsIdempotent(t *testing.T) {
	records := newFakeStore()
	records.users["u_1"] = store.User{ID: "u_1"}
	coord := NewCoordinator(records, nil)
	ctx := context.Background()

	created, err := coord.Create(ctx, store.User{ID: "u_owner"}, "Aerie", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := coord.Join(ctx, created.InviteCode, records.users["u_1"]); err != nil {
		t.Fatalf("first Join failed: %v", err)
	}

	writesAfterFirst := records.writes
	countAfterFirst := records.houses[created.ID].MembersCount

	_, err = coord.Join(ctx, created.InviteCode, records.users["u_1"])
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("second join err=%v, want ErrAlreadyMember", err)
	}
	if records.writes != writesAfterFirst {
		t.Fatalf("second join performed %d writes", records.writes-writesAfterFirst)
	}
	if records.houses[created.ID].MembersCount != countAfterFirst {
		t.Fatal("second join changed membersCount")
	}
}

func TestJoinGuardUsesMembershipRecords(t *testing.T) {
	// The user record may lag behind the membership table; the guard must
	// still hold when only the membership record exists.
	records := newFakeStore()
	coord := NewCoordinator(records, nil)
	ctx := context.Background()

	created, err := coord.Create(ctx, store.User{ID: "u_owner"}, "Aerie", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err = coord.Join(ctx, created.InviteCode, store.User{ID: "u_owner", HouseIDs: nil})
	if !errors.Is(err, ErrAlreadyMember) {
		t.Fatalf("err=%v, want ErrAlreadyMember", err)
	}
}

func TestCreateRequiresName(t *testing.T) {
	records := newFakeStore()
	coord := NewCoordinator(records, nil)

	_, err := coord.Create(context.Background(), store.User{ID: "u_1"}, "   ", "desc")
	if !errors.Is(err, ErrNameRequired) {
		t.Fatalf("err=%v, want ErrNameRequired", err)
	}
	if records.writes != 0 {
		t.Fatal("validation failure still wrote records")
	}
}

func TestCreateRetriesTakenInviteCodes(t *testing.T) {
	records := newFakeStore()
	calls := 0
	// First two draws collide, third is free.
	coordRecords := &collidingStore{fakeStore: records, collisions: 2, calls: &calls}
	coord := NewCoordinator(coordRecords, nil)

	created, err := coord.Create(context.Background(), store.User{ID: "u_1"}, "Aerie", "")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 uniqueness checks, got %d", calls)
	}
	if created.InviteCode == "" {
		t.Fatal("no invite code assigned")
	}
}

type collidingStore struct {
	*fakeStore
	collisions int
	calls      *int
}

func (c *collidingStore) InviteCodeExists(ctx context.Context, code string) (bool, error) {
	*c.calls++
	if *c.calls <= c.collisions {
		return true, nil
	}
	return c.fakeStore.InviteCodeExists(ctx, code)
}
