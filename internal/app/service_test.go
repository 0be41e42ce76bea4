package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"ravenhall/internal/directory"
	"ravenhall/internal/house"
	"ravenhall/internal/identity"
	"ravenhall/internal/live"
	"ravenhall/internal/search"
	"ravenhall/internal/session"
	"ravenhall/internal/store"
	"ravenhall/internal/stream"
)

// fakeRecords is an in-memory store.Records for wiring the full facade.
type fakeRecords struct {
	mu          sync.Mutex
	users       map[string]store.User
	houses      map[string]store.House
	memberships map[string]store.Membership
	messages    map[string][]store.Message
	creds       map[string]store.Credential
}

func newFakeRecords() *fakeRecords {
	return &fakeRecords{
		users:       make(map[string]store.User),
		houses:      make(map[string]store.House),
		memberships: make(map[string]store.Membership),
		messages:    make(map[string][]store.Message),
		creds:       make(map[string]store.Credential),
	}
}

func (f *fakeRecords) GetUser(_ context.Context, id string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.User{}, store.ErrNoRecord
	}
	return user, nil
}

func (f *fakeRecords) PutUser(_ context.Context, user store.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[user.ID] = user
	return nil
}

func (f *fakeRecords) UpdateUser(_ context.Context, id string, patch store.UserPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	user, ok := f.users[id]
	if !ok {
		return store.ErrNoRecord
	}
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
	f.users[id] = user
	return nil
}

func (f *fakeRecords) ListHouses(context.Context) ([]store.House, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	houses := make([]store.House, 0, len(f.houses))
	for _, h := range f.houses {
		houses = append(houses, h)
	}
	sort.Slice(houses, func(i, j int) bool { return houses[i].Name < houses[j].Name })
	return houses, nil
}

func (f *fakeRecords) GetHouse(_ context.Context, id string) (store.House, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.houses[id]
	if !ok {
		return store.House{}, store.ErrNoRecord
	}
	return h, nil
}

func (f *fakeRecords) PutHouse(_ context.Context, h store.House) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.houses[h.ID] = h
	return nil
}

func (f *fakeRecords) HouseByInviteCode(_ context.Context, code string) (store.House, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.houses {
		if h.InviteCode == code {
			return h, nil
		}
	}
	return store.House{}, store.ErrNoRecord
}

func (f *fakeRecords) InviteCodeExists(_ context.Context, code string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range f.houses {
		if h.InviteCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeRecords) IncrementHouseMembers(_ context.Context, houseID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	h, ok := f.houses[houseID]
	if !ok {
		return store.ErrNoRecord
	}
	h.MembersCount++
	f.houses[houseID] = h
	return nil
}

func (f *fakeRecords) PutMembership(_ context.Context, m store.Membership) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.memberships[m.HouseID+"/"+m.UserID] = m
	return nil
}

func (f *fakeRecords) IsMember(_ context.Context, houseID, userID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.memberships[houseID+"/"+userID]
	return ok, nil
}

func (f *fakeRecords) ListMembers(_ context.Context, houseID string) ([]store.Membership, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var members []store.Membership
	for _, m := range f.memberships {
		if m.HouseID == houseID {
			members = append(members, m)
		}
	}
	return members, nil
}

func (f *fakeRecords) ListMessages(_ context.Context, channelID string) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := append([]store.Message(nil), f.messages[channelID]...)
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

func (f *fakeRecords) AddMessage(_ context.Context, msg store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages[msg.HouseID] = append(f.messages[msg.HouseID], msg)
	return nil
}

func (f *fakeRecords) CreateCredential(_ context.Context, cred store.Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[cred.Email] = cred
	return nil
}

func (f *fakeRecords) CredentialByEmail(_ context.Context, email string) (store.Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.creds[email]
	if !ok {
		return store.Credential{}, store.ErrNoRecord
	}
	return cred, nil
}

func (f *fakeRecords) Ping(context.Context) error { return nil }

type fakeBlobs struct{}

func (fakeBlobs) UploadDataURL(_ context.Context, path, dataURL string) (string, error) {
	if !strings.HasPrefix(dataURL, "data:") {
		return "", fmt.Errorf("not a data url")
	}
	return "https://blobs.test/" + path, nil
}

func setupService(t *testing.T) (*Service, *fakeRecords) {
	t.Helper()
	redis := miniredis.RunT(t)
	bus, err := live.Open("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("failed to open bus: %v", err)
	}
	t.Cleanup(func() { bus.Close() })

	records := newFakeRecords()
	sessions, err := identity.OpenSessionStore("redis://" + redis.Addr())
	if err != nil {
		t.Fatalf("failed to open session store: %v", err)
	}
	t.Cleanup(func() { sessions.Close() })

	provider := identity.New(records, sessions, nil, "test-secret", time.Minute, time.Hour)
	manager := session.NewManager(records, provider)
	coordinator := house.NewCoordinator(records, bus)
	dir := directory.New(records, bus)
	if err := dir.Start(context.Background()); err != nil {
		t.Fatalf("failed to start directory: %v", err)
	}
	t.Cleanup(dir.Stop)

	engine := stream.New(records, bus, nil, manager.CurrentUser)
	t.Cleanup(engine.Deactivate)

	service := NewService(Deps{
		Records:   records,
		Session:   manager,
		Provider:  provider,
		Houses:    coordinator,
		Directory: dir,
		Stream:    engine,
		Blobs:     fakeBlobs{},
	})
	return service, records
}

// waitFor polls until check passes or the deadline hits.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func signUpReady(t *testing.T, service *Service, email, displayName string) store.User {
	t.Helper()
	ctx := context.Background()
	if err := service.SignUp(ctx, email, "long-dark-night"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	avatar := "https://img/" + displayName + ".png"
	err := service.UpdateProfile(ctx, store.UserPatch{DisplayName: &displayName, Avatar: &avatar})
	if err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	state, user, ok := service.SessionView()
	if !ok || state != session.Ready {
		t.Fatalf("state=%v after profile setup, want Ready", state)
	}
	return user
}

func TestSignUpLifecycle(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	if err := service.SignUp(ctx, "kestrel@ravenhall.net", "long-dark-night"); err != nil {
		t.Fatalf("SignUp failed: %v", err)
	}
	state, user, ok := service.SessionView()
	if !ok || state != session.ProfileIncomplete {
		t.Fatalf("state=%v after sign-up, want ProfileIncomplete", state)
	}
	if user.Username != "kestrel" {
		t.Errorf("username=%q", user.Username)
	}
	if _, ok := service.Tokens(); !ok {
		t.Fatal("no token pair after sign-up")
	}

	name := "Kestrel"
	avatar := "https://img/k.png"
	if err := service.UpdateProfile(ctx, store.UserPatch{DisplayName: &name, Avatar: &avatar}); err != nil {
		t.Fatalf("UpdateProfile failed: %v", err)
	}
	if state, _, _ := service.SessionView(); state != session.Ready {
		t.Fatalf("state=%v after profile setup, want Ready", state)
	}
}

func TestCreateAndJoinHouse(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "after-dark operations")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}
	if created.MembersCount != 1 || !created.IsPrivate {
		t.Fatalf("created house %+v", created)
	}
	if !strings.HasPrefix(created.InviteCode, "RAVEN-") {
		t.Fatalf("invite code %q", created.InviteCode)
	}

	// The creator's session sees the new membership at once.
	_, user, _ := service.SessionView()
	if !user.InHouse(created.ID) {
		t.Fatal("creator session missing new membership")
	}
	waitFor(t, "directory to list the new house", func() bool {
		houses, err := service.Houses()
		return err == nil && len(houses) == 1
	})

	// A second operative takes over the session and joins by code.
	if err := service.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	signUpReady(t, service, "vesper@ravenhall.net", "Vesper")
	joined, err := service.JoinHouse(ctx, "  "+strings.ToLower(created.InviteCode)+" ")
	if err != nil {
		t.Fatalf("JoinHouse failed: %v", err)
	}
	if joined.MembersCount != 2 {
		t.Fatalf("membersCount=%d, want 2", joined.MembersCount)
	}
	_, user, _ = service.SessionView()
	if !user.InHouse(created.ID) {
		t.Fatal("joiner session missing new membership")
	}

	// Rejoining is rejected without touching the count.
	if _, err := service.JoinHouse(ctx, created.InviteCode); !errors.Is(err, house.ErrAlreadyMember) {
		t.Fatalf("err=%v, want ErrAlreadyMember", err)
	}
	waitFor(t, "the directory to reflect the member count", func() bool {
		houses, err := service.Houses()
		return err == nil && len(houses) == 1 && houses[0].MembersCount == 2
	})
}

func TestHouseMembersRoster(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	kestrel := signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}

	if err := service.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	vesper := signUpReady(t, service, "vesper@ravenhall.net", "Vesper")

	// The roster is members-only; an outsider is refused before joining.
	_, err = service.HouseMembers(ctx, created.ID)
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("err=%v, want forbidden", err)
	}

	if _, err := service.JoinHouse(ctx, created.InviteCode); err != nil {
		t.Fatalf("JoinHouse failed: %v", err)
	}
	members, err := service.HouseMembers(ctx, created.ID)
	if err != nil {
		t.Fatalf("HouseMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("roster has %d members, want 2", len(members))
	}

	byID := make(map[string]Participant, len(members))
	for _, m := range members {
		byID[m.ID] = m
	}
	if p := byID[kestrel.ID]; p.DisplayName != "Kestrel" || p.Avatar != kestrel.Avatar {
		t.Errorf("creator roster entry %+v", p)
	}
	if p := byID[vesper.ID]; p.DisplayName != "Vesper" || p.JoinedAt == 0 {
		t.Errorf("joiner roster entry %+v", p)
	}
	for i := 1; i < len(members); i++ {
		if members[i-1].JoinedAt > members[i].JoinedAt {
			t.Fatalf("roster not ordered by join time: %+v", members)
		}
	}
}

func TestHouseMembersToleratesMissingProfile(t *testing.T) {
	service, records := setupService(t)
	ctx := context.Background()

	user := signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}

	// A membership whose profile record is gone still counts on the roster.
	records.mu.Lock()
	records.memberships[created.ID+"/u_ghost"] = store.Membership{HouseID: created.ID, UserID: "u_ghost", JoinedAt: 1}
	records.mu.Unlock()

	members, err := service.HouseMembers(ctx, created.ID)
	if err != nil {
		t.Fatalf("HouseMembers failed: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("roster has %d members, want 2", len(members))
	}
	if members[0].ID != "u_ghost" || members[0].DisplayName != "" || members[0].JoinedAt != 1 {
		t.Fatalf("orphaned membership entry %+v", members[0])
	}
	if members[1].ID != user.ID || members[1].DisplayName != "Kestrel" {
		t.Fatalf("creator entry %+v", members[1])
	}
}

func TestJoinUnknownCode(t *testing.T) {
	service, _ := setupService(t)
	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")

	if _, err := service.JoinHouse(context.Background(), "RAVEN-ZZZZZZ"); !errors.Is(err, house.ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestHouseChannelRoundTrip(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}

	channelID, err := service.OpenHouseChannel(ctx, created.ID)
	if err != nil {
		t.Fatalf("OpenHouseChannel failed: %v", err)
	}
	if channelID != created.ID {
		t.Fatalf("channelID=%q, want house id", channelID)
	}

	if err := service.SendMessage(ctx, "  first watch begins  "); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}
	waitFor(t, "the message to land in the feed", func() bool {
		_, msgs, _ := service.Feed()
		return len(msgs) == 1
	})
	_, msgs, groupStarts := service.Feed()
	if msgs[0].Content != "first watch begins" {
		t.Errorf("content=%q, want trimmed", msgs[0].Content)
	}
	if msgs[0].SenderName != "Kestrel" {
		t.Errorf("senderName=%q", msgs[0].SenderName)
	}
	if len(groupStarts) != 1 || !groupStarts[0] {
		t.Errorf("groupStarts=%v", groupStarts)
	}

	service.CloseChannel()
	if id, _, _ := service.Feed(); id != "" {
		t.Fatalf("channel %q still active after close", id)
	}
}

func TestOpenHouseChannelRequiresMembership(t *testing.T) {
	service, records := setupService(t)
	ctx := context.Background()

	records.houses["h_other"] = store.House{ID: "h_other", Name: "Elsewhere", InviteCode: "RAVEN-AAAAAA"}
	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")

	_, err := service.OpenHouseChannel(ctx, "h_other")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Status != http.StatusForbidden {
		t.Fatalf("err=%v, want forbidden", err)
	}
}

func TestDirectChannel(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	user := signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	channelID, err := service.OpenDirectChannel(ctx, "u_contact")
	if err != nil {
		t.Fatalf("OpenDirectChannel failed: %v", err)
	}
	if !strings.Contains(channelID, "_dm_") {
		t.Fatalf("channelID=%q", channelID)
	}
	if _, err := service.OpenDirectChannel(ctx, user.ID); err == nil {
		t.Fatal("direct channel with self succeeded")
	}
}

func TestSendWithoutChannel(t *testing.T) {
	service, _ := setupService(t)
	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")

	err := service.SendMessage(context.Background(), "lost words")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NO_ACTIVE_CHANNEL" {
		t.Fatalf("err=%v, want NO_ACTIVE_CHANNEL", err)
	}
}

func TestSendImageUploadsBlob(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}
	if _, err := service.OpenHouseChannel(ctx, created.ID); err != nil {
		t.Fatalf("OpenHouseChannel failed: %v", err)
	}

	if err := service.SendImage(ctx, "data:image/png;base64,AAAA"); err != nil {
		t.Fatalf("SendImage failed: %v", err)
	}
	waitFor(t, "the image message to land in the feed", func() bool {
		_, msgs, _ := service.Feed()
		return len(msgs) == 1
	})
	_, msgs, _ := service.Feed()
	if !strings.HasPrefix(msgs[0].Image, "https://blobs.test/chat/") {
		t.Fatalf("image=%q", msgs[0].Image)
	}
}

func TestUploadAvatarPointsProfileAtBlob(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	url, err := service.UploadAvatar(ctx, "data:image/png;base64,AAAA")
	if err != nil {
		t.Fatalf("UploadAvatar failed: %v", err)
	}
	_, user, _ := service.SessionView()
	if user.Avatar != url {
		t.Fatalf("avatar=%q, want %q", user.Avatar, url)
	}
}

func TestHouseInsightsFallsBackWithoutSource(t *testing.T) {
	service, _ := setupService(t)
	ctx := context.Background()

	signUpReady(t, service, "kestrel@ravenhall.net", "Kestrel")
	created, err := service.CreateHouse(ctx, "Night Watch", "")
	if err != nil {
		t.Fatalf("CreateHouse failed: %v", err)
	}

	result, err := service.HouseInsights(ctx, created.ID)
	if err != nil {
		t.Fatalf("HouseInsights failed: %v", err)
	}
	if result.Sentiment != "neutral" || len(result.Recommendations) != 3 {
		t.Fatalf("insight=%+v, want neutral fallback", result)
	}

	// Non-members get an error, not a fallback.
	if err := service.SignOut(ctx); err != nil {
		t.Fatalf("SignOut failed: %v", err)
	}
	signUpReady(t, service, "vesper@ravenhall.net", "Vesper")
	if _, err := service.HouseInsights(ctx, created.ID); err == nil {
		t.Fatal("insights for a non-member succeeded")
	}
}

func TestSearchWithoutBackend(t *testing.T) {
	service, _ := setupService(t)
	response := service.SearchHouses(search.Query{Text: "watch"})
	if response.Results == nil || len(response.Results) != 0 {
		t.Fatalf("response=%+v", response)
	}
}
