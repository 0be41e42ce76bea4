// Package stream owns the live message feed for the active channel.
package stream

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"ravenhall/internal/live"
	"ravenhall/internal/store"
	"ravenhall/internal/util"
)

// MessageStore is the slice of the record store the engine needs.
type MessageStore interface {
	ListMessages(ctx context.Context, channelID string) ([]store.Message, error)
	AddMessage(ctx context.Context, msg store.Message) error
}

// Notifier carries change notifications for channel topics.
type Notifier interface {
	Publish(ctx context.Context, topic string) error
	Subscribe(ctx context.Context, topic string, fn func()) (func(), error)
}

// ActivityPublisher receives fire-and-forget activity events. May be nil.
type ActivityPublisher interface {
	MessageSent(ctx context.Context, channelID, senderID string)
}

// Engine holds zero or one live subscription to an ordered message feed.
// Every change notification replaces the local sequence with a fresh read;
// the engine never patches. Activating a new channel releases the prior
// subscription before the new snapshot becomes visible, so a stale
// subscription can never deliver into the new channel's view.
type Engine struct {
	records MessageStore
	bus     Notifier
	events  ActivityPublisher
	sender  func() (store.User, bool)

	mu        sync.Mutex
	channelID string
	cancel    func()
	gen       uint64
	msgs      []store.Message
	onUpdate  func(channelID string, msgs []store.Message)
}

// New creates an engine. sender reports the authenticated user, if any.
// events may be nil.
func New(records MessageStore, bus Notifier, events ActivityPublisher, sender func() (store.User, bool)) *Engine {
	return &Engine{records: records, bus: bus, events: events, sender: sender}
}

// OnUpdate registers the single consumer callback. It fires after every
// snapshot replacement, including the one Activate performs.
func (e *Engine) OnUpdate(fn func(channelID string, msgs []store.Message)) {
	e.mu.Lock()
	e.onUpdate = fn
	e.mu.Unlock()
}

// Activate switches the live subscription to channelID. Any prior
// subscription is released first. The subscription is opened before the
// snapshot read so a write landing in between still triggers a re-read.
func (e *Engine) Activate(ctx context.Context, channelID string) error {
	prior, gen := e.retire()
	if prior != nil {
		prior()
	}

	cancel, err := e.bus.Subscribe(ctx, live.ChannelTopic(channelID), func() {
		e.refresh(ctx, gen, channelID)
	})
	if err != nil {
		return fmt.Errorf("subscribe channel %s: %w", channelID, err)
	}

	msgs, err := e.records.ListMessages(ctx, channelID)
	if err != nil {
		cancel()
		// A notification in the subscribe-to-read window may already have
		// refreshed e.msgs under this generation; invalidate it so the
		// failed activation leaves no channel state behind.
		e.mu.Lock()
		if e.gen == gen {
			e.gen++
			e.msgs = nil
		}
		e.mu.Unlock()
		return fmt.Errorf("load channel %s: %w", channelID, err)
	}

	e.mu.Lock()
	if e.gen != gen {
		// Superseded by a later Activate or Deactivate while loading.
		e.mu.Unlock()
		cancel()
		return nil
	}
	e.channelID = channelID
	e.cancel = cancel
	e.msgs = msgs
	fn := e.onUpdate
	e.mu.Unlock()

	if fn != nil {
		fn(channelID, msgs)
	}
	return nil
}

// Deactivate releases the live subscription and clears the local sequence.
func (e *Engine) Deactivate() {
	prior, _ := e.retire()
	if prior != nil {
		prior()
	}
}

// retire invalidates the current generation and detaches the cancel handle
// so the caller can invoke it without holding the lock. Cancel blocks until
// the subscription goroutine drains, and that goroutine takes e.mu.
func (e *Engine) retire() (func(), uint64) {
	e.mu.Lock()
	prior := e.cancel
	e.cancel = nil
	e.channelID = ""
	e.msgs = nil
	e.gen++
	gen := e.gen
	e.mu.Unlock()
	return prior, gen
}

func (e *Engine) refresh(ctx context.Context, gen uint64, channelID string) {
	msgs, err := e.records.ListMessages(ctx, channelID)
	if err != nil {
		log.Printf("stream: refresh %s: %v", channelID, err)
		return
	}

	e.mu.Lock()
	if e.gen != gen {
		e.mu.Unlock()
		return
	}
	e.msgs = msgs
	fn := e.onUpdate
	e.mu.Unlock()

	if fn != nil {
		fn(channelID, msgs)
	}
}

// ChannelID reports the currently subscribed channel, or "".
func (e *Engine) ChannelID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.channelID
}

// Snapshot returns a copy of the current ordered sequence.
func (e *Engine) Snapshot() []store.Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]store.Message, len(e.msgs))
	copy(out, e.msgs)
	return out
}

// Send appends a text message to channelID. It is a silent no-op when there
// is no authenticated sender, no channel, or the trimmed content is empty.
func (e *Engine) Send(ctx context.Context, content, channelID string) error {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}
	return e.append(ctx, content, "", channelID)
}

// SendImage appends an image message. Content is not required but the
// image reference is.
func (e *Engine) SendImage(ctx context.Context, imageURL, channelID string) error {
	if strings.TrimSpace(imageURL) == "" {
		return nil
	}
	return e.append(ctx, "", imageURL, channelID)
}

func (e *Engine) append(ctx context.Context, content, imageURL, channelID string) error {
	sender, ok := e.sender()
	if !ok || channelID == "" {
		return nil
	}

	msg := store.Message{
		ID:           util.NewID("m"),
		SenderID:     sender.ID,
		SenderName:   sender.DisplayName,
		SenderAvatar: sender.Avatar,
		Content:      content,
		Image:        imageURL,
		Timestamp:    time.Now().UnixMilli(),
		HouseID:      channelID,
	}
	if err := e.records.AddMessage(ctx, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	if err := e.bus.Publish(ctx, live.ChannelTopic(channelID)); err != nil {
		// The write landed; subscribers will catch up on the next change.
		log.Printf("stream: notify %s: %v", channelID, err)
	}
	if e.events != nil {
		e.events.MessageSent(ctx, channelID, sender.ID)
	}
	return nil
}

// GroupStarts recomputes the new-group flag for every message: true when
// the sender differs from the immediately preceding message. The whole
// sequence is replaced on each snapshot, so this is recomputed from
// scratch rather than cached.
func GroupStarts(msgs []store.Message) []bool {
	flags := make([]bool, len(msgs))
	for i := range msgs {
		flags[i] = i == 0 || msgs[i-1].SenderID != msgs[i].SenderID
	}
	return flags
}
