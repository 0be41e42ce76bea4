// Package live carries collection-change notifications between writers and
// the snapshot subscribers that re-read on every change.
package live

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Topic names. Channel topics are per resolved channel id.
const (
	TopicHouses = "ravenhall.houses.changed"

	channelTopicPrefix = "ravenhall.channel."
)

// ChannelTopic returns the change topic for a resolved channel id.
func ChannelTopic(channelID string) string {
	return channelTopicPrefix + channelID
}

// Bus is a redis pub/sub fan-out. A published topic means "the matching
// record set changed, re-read it"; no payload travels on the bus itself.
type Bus struct {
	client *redis.Client
}

// Open connects a Bus to redis and verifies the connection.
func Open(redisURL string) (*Bus, error) {
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
	return &Bus{client: client}, nil
}

// NewBusWithClient wraps an existing redis client.
func NewBusWithClient(client *redis.Client) *Bus {
	return &Bus{client: client}
}

// Publish signals that the record set behind topic changed.
func (b *Bus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe invokes fn once per notification on topic until the returned
// cancel function is called. fn runs on the subscription goroutine; it must
// not block indefinitely. Cancel is idempotent and waits for the goroutine
// to drain before returning, so no delivery can arrive after it returns.
func (b *Bus) Subscribe(ctx context.Context, topic string, fn func()) (func(), error) {
	sub := b.client.Subscribe(ctx, topic)
	// Force the subscription onto the wire before returning so a publish
	// immediately after Subscribe is not lost.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.Channel() {
			fn()
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			_ = sub.Close()
			<-done
		})
	}
	return cancel, nil
}

// Close releases the underlying redis client.
func (b *Bus) Close() error {
	return b.client.Close()
}
