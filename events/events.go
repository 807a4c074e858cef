// Package events defines the provider-agnostic stream event handed from the
// webhook endpoint to the publisher, and its wire message.
package events

import (
	"time"

	"github.com/rs/zerolog"
)

type Kind string

const (
	KindOnline  Kind = "online"
	KindOffline Kind = "offline"
)

// Name is the value of the "event" field of the broker message.
func (k Kind) Name() string {
	return "stream_" + string(k)
}

// NormalizedStreamEvent is built for every accepted notification and
// discarded once published.
type NormalizedStreamEvent struct {
	Kind            Kind
	Provider        string
	BroadcasterID   string
	BroadcasterName string
	// Title and GameName are nil when unknown, e.g. for offline events or when
	// the live stream lookup failed.
	Title      *string
	GameName   *string
	OccurredAt time.Time
	// MessageID is the upstream delivery id. Redeliveries share it.
	MessageID string
}

// Message is the broker payload. Consumers depend on this exact shape.
type Message struct {
	Event    string  `json:"event"`
	UserName string  `json:"user_name"`
	Title    *string `json:"title"`
	GameName *string `json:"game_name"`
}

func (e *NormalizedStreamEvent) Message() *Message {
	return &Message{
		Event:    e.Kind.Name(),
		UserName: e.BroadcasterName,
		Title:    e.Title,
		GameName: e.GameName,
	}
}

// RoutingKey returns events.<provider>.<kind>.
func (e *NormalizedStreamEvent) RoutingKey() string {
	return "events." + e.Provider + "." + string(e.Kind)
}

func (e *NormalizedStreamEvent) MarshalZerologObject(ev *zerolog.Event) {
	ev.Str("kind", string(e.Kind)).
		Str("broadcaster_id", e.BroadcasterID).
		Str("broadcaster_name", e.BroadcasterName).
		Time("occurred_at", e.OccurredAt).
		Str("message_id", e.MessageID)
	if e.Title != nil {
		ev.Str("title", *e.Title)
	}
	if e.GameName != nil {
		ev.Str("game_name", *e.GameName)
	}
}
