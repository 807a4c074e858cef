package helix

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

type User struct {
	ID              string    `json:"id"`
	Login           string    `json:"login"`
	DisplayName     string    `json:"display_name"`
	Type            string    `json:"type"`
	BroadcasterType string    `json:"broadcaster_type"`
	CreatedAt       time.Time `json:"created_at"`
}

// User looks up a user by login. Returns ErrNotFound when Twitch reports no
// match.
//
// https://dev.twitch.tv/docs/api/reference/#get-users
func (hx *Helix) User(ctx context.Context, login string) (*User, error) {
	var resp dataResponse[*User]
	if err := hx.request(ctx, "get users", http.MethodGet, "/users",
		url.Values{"login": {login}}, nil, &resp,
	); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, ErrNotFound
	}
	return resp.Data[0], nil
}

// UserID resolves the account id of `login`.
func (hx *Helix) UserID(ctx context.Context, login string) (string, error) {
	u, err := hx.User(ctx, login)
	if err != nil {
		return "", err
	}
	return u.ID, nil
}
