// Package app composes the session, directory, and stream singletons behind
// one facade and exposes them over HTTP. The process serves a single
// signed-in operative at a time; every handler below the auth surface acts
// on that session.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	"ravenhall/internal/blob"
	"ravenhall/internal/channel"
	"ravenhall/internal/directory"
	"ravenhall/internal/events"
	"ravenhall/internal/house"
	"ravenhall/internal/identity"
	"ravenhall/internal/insight"
	"ravenhall/internal/search"
	"ravenhall/internal/session"
	"ravenhall/internal/store"
	"ravenhall/internal/stream"
)

// BlobStore uploads binary payloads handed over as data URLs.
type BlobStore interface {
	UploadDataURL(ctx context.Context, path, dataURL string) (string, error)
}

// InsightSource produces a community health read. Failures inside the
// source degrade to its fallback, never to an error.
type InsightSource interface {
	Insights(ctx context.Context, subjectName string, activity []string) insight.Insight
}

// Deps carries everything the facade composes. Blobs, Search, Insights,
// and Activity may be nil; the corresponding operations degrade.
type Deps struct {
	Records   store.Records
	Session   *session.Manager
	Provider  *identity.Provider
	Houses    *house.Coordinator
	Directory *directory.Directory
	Stream    *stream.Engine
	Blobs     BlobStore
	Search    *search.Service
	Insights  InsightSource
	Activity  *events.Publisher
}

type Service struct {
	records   store.Records
	session   *session.Manager
	provider  *identity.Provider
	houses    *house.Coordinator
	directory *directory.Directory
	stream    *stream.Engine
	blobs     BlobStore
	search    *search.Service
	insights  InsightSource
	activity  *events.Publisher
}

func NewService(deps Deps) *Service {
	return &Service{
		records:   deps.Records,
		session:   deps.Session,
		provider:  deps.Provider,
		houses:    deps.Houses,
		directory: deps.Directory,
		stream:    deps.Stream,
		blobs:     deps.Blobs,
		search:    deps.Search,
		insights:  deps.Insights,
		activity:  deps.Activity,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.records.Ping(ctx)
}

// Auth surface. Errors from the provider are phrased for the user and
// surfaced as-is.

func (s *Service) SignUp(ctx context.Context, email, password string) error {
	return s.session.SignUpWithPassword(ctx, email, password)
}

func (s *Service) SignIn(ctx context.Context, email, password string) error {
	return s.session.SignInWithPassword(ctx, email, password)
}

func (s *Service) SignInFederated(ctx context.Context, assertion string) error {
	return s.session.SignInWithFederated(ctx, assertion)
}

func (s *Service) SignOut(ctx context.Context) error {
	s.stream.Deactivate()
	return s.session.SignOut(ctx)
}

func (s *Service) Tokens() (identity.Pair, bool) {
	return s.provider.Tokens()
}

func (s *Service) RefreshTokens(ctx context.Context, refreshToken string) (identity.Pair, error) {
	return s.provider.Refresh(ctx, refreshToken)
}

// SessionFromToken resolves a bearer token against the signed-in session.
// A token that verifies but names a different principal than the one this
// process hosts is rejected the same way as a forged one.
func (s *Service) SessionFromToken(token string) (store.User, error) {
	principalID, err := s.provider.Authenticate(token)
	if err != nil {
		return store.User{}, err
	}
	user, ok := s.session.CurrentUser()
	if !ok || user.ID != principalID {
		return store.User{}, identity.ErrTokenInvalid
	}
	return user, nil
}

// SessionView reports the lifecycle state and, when signed in, the profile.
func (s *Service) SessionView() (session.State, store.User, bool) {
	state := s.session.State()
	user, ok := s.session.CurrentUser()
	return state, user, ok
}

// Profile.

func (s *Service) UpdateProfile(ctx context.Context, patch store.UserPatch) error {
	return s.session.UpdateProfile(ctx, patch)
}

// UploadAvatar stores the avatar image and points the profile at it.
func (s *Service) UploadAvatar(ctx context.Context, dataURL string) (string, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if s.blobs == nil {
		return "", domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "Image storage not configured", nil)
	}
	url, err := s.blobs.UploadDataURL(ctx, blob.AvatarPath(user.ID), dataURL)
	if err != nil {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	if err := s.session.UpdateProfile(ctx, store.UserPatch{Avatar: &url}); err != nil {
		return "", err
	}
	return url, nil
}

// Houses.

// Houses returns the signed-in user's communities from the live directory.
func (s *Service) Houses() ([]store.House, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return nil, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	return s.directory.HousesFor(user), nil
}

func (s *Service) CreateHouse(ctx context.Context, name, description string) (store.House, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return store.House{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	created, err := s.houses.Create(ctx, user, name, description)
	if err != nil {
		return store.House{}, err
	}
	// The owner's membership list changed underneath the session.
	if err := s.session.Refresh(ctx); err != nil {
		return store.House{}, fmt.Errorf("refresh session after create: %w", err)
	}
	s.activity.HouseCreated(ctx, created.ID, user.ID)
	if s.search != nil {
		s.search.IndexHouse(search.HouseRecord{
			ID:          created.ID,
			Name:        created.Name,
			Description: created.Description,
			Tags:        created.Tags,
		})
	}
	return created, nil
}

func (s *Service) JoinHouse(ctx context.Context, code string) (store.House, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return store.House{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	joined, err := s.houses.Join(ctx, code, user)
	if err != nil {
		return store.House{}, err
	}
	if err := s.session.Refresh(ctx); err != nil {
		return store.House{}, fmt.Errorf("refresh session after join: %w", err)
	}
	s.activity.MemberJoined(ctx, joined.ID, user.ID)
	return joined, nil
}

// Participant is a house roster entry: the durable membership record joined
// with the member's current profile.
type Participant struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar"`
	Position    string `json:"position"`
	JoinedAt    int64  `json:"joinedAt"`
}

// HouseMembers returns the roster of one of the user's communities, ordered
// by join time. A member whose profile record has gone missing still appears
// with its id and join time, so the roster length matches membersCount.
func (s *Service) HouseMembers(ctx context.Context, houseID string) ([]Participant, error) {
	if _, err := s.requireMembership(ctx, houseID); err != nil {
		return nil, err
	}

	memberships, err := s.records.ListMembers(ctx, houseID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}

	participants := make([]Participant, 0, len(memberships))
	for _, m := range memberships {
		p := Participant{ID: m.UserID, JoinedAt: m.JoinedAt}
		member, err := s.records.GetUser(ctx, m.UserID)
		switch {
		case err == nil:
			p.Username = member.Username
			p.DisplayName = member.DisplayName
			p.Avatar = member.Avatar
			p.Position = member.Position
		case !errors.Is(err, store.ErrNoRecord):
			return nil, fmt.Errorf("load member %s: %w", m.UserID, err)
		}
		participants = append(participants, p)
	}

	sort.Slice(participants, func(i, j int) bool {
		if participants[i].JoinedAt != participants[j].JoinedAt {
			return participants[i].JoinedAt < participants[j].JoinedAt
		}
		return participants[i].ID < participants[j].ID
	})
	return participants, nil
}

// HouseInsights analyzes recent channel activity for one of the user's
// communities. The analysis itself never fails; membership does.
func (s *Service) HouseInsights(ctx context.Context, houseID string) (insight.Insight, error) {
	if _, err := s.requireMembership(ctx, houseID); err != nil {
		return insight.Insight{}, err
	}

	target, ok := s.directory.ByID(houseID)
	if !ok {
		found, err := s.records.GetHouse(ctx, houseID)
		if err != nil {
			return insight.Insight{}, err
		}
		target = found
	}

	msgs, err := s.records.ListMessages(ctx, channel.ForHouse(houseID))
	if err != nil {
		return insight.Insight{}, fmt.Errorf("list activity: %w", err)
	}
	activity := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if msg.Content == "" {
			continue
		}
		activity = append(activity, fmt.Sprintf("%s: %s", msg.SenderName, msg.Content))
	}

	if s.insights == nil {
		return insight.Fallback(), nil
	}
	return s.insights.Insights(ctx, target.Name, activity), nil
}

// Channels.

func (s *Service) OpenHouseChannel(ctx context.Context, houseID string) (string, error) {
	if _, err := s.requireMembership(ctx, houseID); err != nil {
		return "", err
	}
	channelID := channel.ForHouse(houseID)
	if err := s.stream.Activate(ctx, channelID); err != nil {
		return "", err
	}
	return channelID, nil
}

func (s *Service) OpenDirectChannel(ctx context.Context, contactID string) (string, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return "", domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if contactID == "" || contactID == user.ID {
		return "", domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "a contact is required", nil)
	}
	channelID := channel.ForDirect(user.ID, contactID)
	if err := s.stream.Activate(ctx, channelID); err != nil {
		return "", err
	}
	return channelID, nil
}

func (s *Service) CloseChannel() {
	s.stream.Deactivate()
}

// Feed returns the active channel's snapshot along with the new-group flag
// for each message.
func (s *Service) Feed() (channelID string, msgs []store.Message, groupStarts []bool) {
	channelID = s.stream.ChannelID()
	msgs = s.stream.Snapshot()
	return channelID, msgs, stream.GroupStarts(msgs)
}

func (s *Service) SendMessage(ctx context.Context, content string) error {
	channelID := s.stream.ChannelID()
	if channelID == "" {
		return domainError(http.StatusConflict, "NO_ACTIVE_CHANNEL", "No channel is open", nil)
	}
	return s.stream.Send(ctx, content, channelID)
}

// SendImage uploads the image payload and appends an image message.
func (s *Service) SendImage(ctx context.Context, dataURL string) error {
	user, ok := s.session.CurrentUser()
	if !ok {
		return domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	channelID := s.stream.ChannelID()
	if channelID == "" {
		return domainError(http.StatusConflict, "NO_ACTIVE_CHANNEL", "No channel is open", nil)
	}
	if s.blobs == nil {
		return domainError(http.StatusServiceUnavailable, "BLOB_UNAVAILABLE", "Image storage not configured", nil)
	}
	url, err := s.blobs.UploadDataURL(ctx, blob.ChatImagePath(user.ID), dataURL)
	if err != nil {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
	}
	return s.stream.SendImage(ctx, url, channelID)
}

// Discovery.

func (s *Service) SearchHouses(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Total: 0, Query: q.Text}
	}
	return s.search.Search(q)
}

// requireMembership checks the durable membership record, not just the
// denormalized houseIds list, so a lagging profile cannot grant access.
func (s *Service) requireMembership(ctx context.Context, houseID string) (store.User, error) {
	user, ok := s.session.CurrentUser()
	if !ok {
		return store.User{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
	}
	if user.InHouse(houseID) {
		return user, nil
	}
	member, err := s.records.IsMember(ctx, houseID, user.ID)
	if err != nil {
		return store.User{}, fmt.Errorf("check membership: %w", err)
	}
	if !member {
		return store.User{}, domainError(http.StatusForbidden, "FORBIDDEN", "Not a member of this house", nil)
	}
	return user, nil
}
