package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// sessionData is what the store keeps per refresh token.
type sessionData struct {
	PrincipalID string    `json:"principal_id"`
	Email       string    `json:"email"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStore keeps refresh sessions in redis with a TTL matching the
// token expiry.
type SessionStore struct {
	client *redis.Client
	prefix string
}

// OpenSessionStore connects to redis and verifies the connection.
func OpenSessionStore(redisURL string) (*SessionStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewSessionStoreWithClient(client), nil
}

// NewSessionStoreWithClient wraps an existing redis client.
func NewSessionStoreWithClient(client *redis.Client) *SessionStore {
	return &SessionStore{client: client, prefix: "session:refresh:"}
}

func (s *SessionStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

// Save stores a refresh session until expiresAt.
func (s *SessionStore) Save(ctx context.Context, tokenHash, principalID, email string, expiresAt time.Time) error {
	data, err := json.Marshal(sessionData{PrincipalID: principalID, Email: email, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		return fmt.Errorf("session already expired")
	}
	if err := s.client.Set(ctx, s.key(tokenHash), data, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Lookup resolves a refresh session to its principal.
func (s *SessionStore) Lookup(ctx context.Context, tokenHash string) (string, string, error) {
	raw, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return "", "", fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return "", "", fmt.Errorf("lookup session: %w", err)
	}

	var data sessionData
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return "", "", fmt.Errorf("unmarshal session: %w", err)
	}
	return data.PrincipalID, data.Email, nil
}

// Revoke deletes a refresh session. Revoking a missing session is not an
// error.
func (s *SessionStore) Revoke(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

// Close releases the redis connection.
func (s *SessionStore) Close() error {
	return s.client.Close()
}

// Ping checks that redis is reachable.
func (s *SessionStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
