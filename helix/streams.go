package helix

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type Stream struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	UserLogin   string    `json:"user_login"`
	UserName    string    `json:"user_name"`
	GameID      string    `json:"game_id"`
	GameName    string    `json:"game_name"`
	Type        string    `json:"type"`
	Title       string    `json:"title"`
	ViewerCount int       `json:"viewer_count"`
	StartedAt   time.Time `json:"started_at"`
}

// StreamInfo is the live metadata used to enrich stream.online events.
type StreamInfo struct {
	Title    string
	GameName string
}

// StreamInfo returns the title and category of the active stream of
// `userID`, or ErrOffline if there is none.
//
// https://dev.twitch.tv/docs/api/reference/#get-streams
func (hx *Helix) StreamInfo(ctx context.Context, userID string) (*StreamInfo, error) {
	var resp dataResponse[*Stream]
	if err := hx.request(ctx, "get streams", http.MethodGet, "/streams",
		url.Values{"user_id": {userID}}, nil, &resp,
	); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, ErrOffline
	}
	s := resp.Data[0]
	return &StreamInfo{Title: s.Title, GameName: s.GameName}, nil
}
