// Package events emits activity telemetry to a broker. Emission is fire and
// forget; losing an event never fails the user-facing operation.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeMessageSent  = "message.sent"
	TypeMemberJoined = "member.joined"
	TypeHouseCreated = "house.created"
)

// Event is the wire shape published to the activity topic.
type Event struct {
	Type      string `json:"type"`
	ActorID   string `json:"actorId"`
	ChannelID string `json:"channelId,omitempty"`
	HouseID   string `json:"houseId,omitempty"`
	At        int64  `json:"at"`
}

type Publisher struct {
	writer *kafka.Writer
}

// NewPublisher connects to the broker set. A nil Publisher is valid and
// publishes nothing, which is how deployments without a broker run.
func NewPublisher(brokers []string, topic string) *Publisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	return &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			BatchTimeout: 50 * time.Millisecond,
			Async:        true,
			Completion: func(messages []kafka.Message, err error) {
				if err != nil {
					log.Printf("events: publish %d messages: %v", len(messages), err)
				}
			},
		},
	}
}

func (p *Publisher) MessageSent(ctx context.Context, channelID, senderID string) {
	p.emit(ctx, Event{Type: TypeMessageSent, ActorID: senderID, ChannelID: channelID})
}

func (p *Publisher) MemberJoined(ctx context.Context, houseID, userID string) {
	p.emit(ctx, Event{Type: TypeMemberJoined, ActorID: userID, HouseID: houseID})
}

func (p *Publisher) HouseCreated(ctx context.Context, houseID, ownerID string) {
	p.emit(ctx, Event{Type: TypeHouseCreated, ActorID: ownerID, HouseID: houseID})
}

func (p *Publisher) emit(ctx context.Context, event Event) {
	if p == nil {
		return
	}
	event.At = time.Now().UnixMilli()
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("events: encode %s: %v", event.Type, err)
		return
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.ActorID),
		Value: payload,
	})
	if err != nil {
		log.Printf("events: enqueue %s: %v", event.Type, err)
	}
}

func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}
	return p.writer.Close()
}
