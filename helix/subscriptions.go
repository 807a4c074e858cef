package helix

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// EventSub subscription types
// See https://dev.twitch.tv/docs/eventsub/eventsub-subscription-types
const (
	SubStreamOnline  string = "stream.online"
	SubStreamOffline string = "stream.offline"
)

// EventSub subscription statuses
// See https://dev.twitch.tv/docs/api/reference/#get-eventsub-subscriptions
const (
	StatusEnabled                 = "enabled"
	StatusVerificationPending     = "webhook_callback_verification_pending"
	StatusVerificationFailed      = "webhook_callback_verification_failed"
	StatusNotificationFailures    = "notification_failures_exceeded"
	StatusAuthorizationRevoked    = "authorization_revoked"
	StatusModeratorRemoved        = "moderator_removed"
	StatusUserRemoved             = "user_removed"
	StatusVersionRemoved          = "version_removed"
	StatusBetaMaintenance         = "beta_maintenance"
	StatusWebsocketDisconnected   = "websocket_disconnected"
	StatusWebsocketFailedPingPong = "websocket_failed_ping_pong"
)

type Condition struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
}

type Transport struct {
	Method   string `json:"method"`
	Callback string `json:"callback"`
	// Secret is only sent on creation, Twitch never returns it.
	Secret string `json:"secret,omitempty"`
}

type Subscription struct {
	ID        string     `json:"id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Type      string     `json:"type"`
	Version   string     `json:"version"`
	Cost      int        `json:"cost"`
	Condition *Condition `json:"condition"`
	Transport *Transport `json:"transport"`
	CreatedAt time.Time  `json:"created_at"`
}

// BroadcasterID returns the broadcaster in the subscription condition, if any.
func (s *Subscription) BroadcasterID() string {
	if s == nil || s.Condition == nil {
		return ""
	}
	return s.Condition.BroadcasterUserID
}

// Callback returns the transport callback, if any.
func (s *Subscription) Callback() string {
	if s == nil || s.Transport == nil {
		return ""
	}
	return s.Transport.Callback
}

// Healthy reports whether Twitch is delivering (or about to deliver)
// notifications for the subscription.
func (s *Subscription) Healthy() bool {
	return s.Status == StatusEnabled || s.Status == StatusVerificationPending
}

// NewWebhookSubscription builds a version 1 webhook subscription of type
// `typ` for broadcaster `bid`.
func NewWebhookSubscription(typ, bid, callback, secret string) *Subscription {
	return &Subscription{
		Type:    typ,
		Version: "1",
		Condition: &Condition{
			BroadcasterUserID: bid,
		},
		Transport: &Transport{
			Method:   "webhook",
			Callback: callback,
			Secret:   secret,
		},
	}
}

// Subscriptions lists every EventSub subscription of the app, following
// pagination until exhausted.
//
// https://dev.twitch.tv/docs/api/reference/#get-eventsub-subscriptions
func (hx *Helix) Subscriptions(ctx context.Context) ([]*Subscription, error) {
	var (
		subs   []*Subscription
		cursor string
	)
	for {
		q := url.Values{}
		if cursor != "" {
			q.Set("after", cursor)
		}

		var resp dataResponse[*Subscription]
		if err := hx.request(ctx, "get eventsub subscriptions", http.MethodGet,
			hx.EventSubEndpoint+"/subscriptions", q, nil, &resp,
		); err != nil {
			return nil, err
		}
		subs = append(subs, resp.Data...)

		// Twitch may return the same cursor on the last page
		if resp.Pagination.Cursor == "" || resp.Pagination.Cursor == cursor || len(resp.Data) == 0 {
			return subs, nil
		}
		cursor = resp.Pagination.Cursor
	}
}

// CreateEventSubSubscription requests a new subscription. Twitch answers 202
// and verifies the callback asynchronously. A duplicated subscription is a
// PlatformError for which IsConflict() is true.
//
// https://dev.twitch.tv/docs/api/reference/#create-eventsub-subscription
func (hx *Helix) CreateEventSubSubscription(ctx context.Context, sub *Subscription) (*Subscription, error) {
	b := struct {
		Type      string     `json:"type"`
		Version   string     `json:"version"`
		Condition *Condition `json:"condition"`
		Transport *Transport `json:"transport"`
	}{
		Type:      sub.Type,
		Version:   sub.Version,
		Condition: sub.Condition,
		Transport: sub.Transport,
	}

	var resp dataResponse[*Subscription]
	if err := hx.request(ctx, "create eventsub subscription", http.MethodPost,
		hx.EventSubEndpoint+"/subscriptions", nil, b, &resp,
	); err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("helix: create eventsub subscription: empty response")
	}
	return resp.Data[0], nil
}

// DeleteEventSubSubscription deletes the subscription `id`. Returns
// ErrNotFound if it no longer exists.
//
// https://dev.twitch.tv/docs/api/reference/#delete-eventsub-subscription
func (hx *Helix) DeleteEventSubSubscription(ctx context.Context, id string) error {
	err := hx.request(ctx, "delete eventsub subscription", http.MethodDelete,
		hx.EventSubEndpoint+"/subscriptions", url.Values{"id": {id}}, nil, nil,
	)
	if isStatus(err, http.StatusNotFound) {
		return fmt.Errorf("subscription %s: %w", id, errors.Join(ErrNotFound, err))
	}
	return err
}
