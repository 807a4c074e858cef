package helix

import (
	"time"
)

// Twitch Events
// See https://dev.twitch.tv/docs/eventsub/eventsub-reference#events

type Broadcaster struct {
	ID       string `json:"broadcaster_user_id"`
	Login    string `json:"broadcaster_user_login"`
	Username string `json:"broadcaster_user_name"`
}

type EventStreamOnline struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	StartedAt time.Time `json:"started_at"`
	Broadcaster
}

type EventStreamOffline struct {
	Broadcaster
}
