package helix

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/goccy/go-json"
	"github.com/pmrt/streamhook/utils"
)

var (
	WebhookEventHMACPrefix       = []byte("sha256=")
	WebhookEventHMACPrefixLength = len(WebhookEventHMACPrefix)
)

// Twitch webhook message types
// See https://dev.twitch.tv/docs/eventsub/handling-webhook-events
const (
	WebhookEventNotification string = "notification"
	WebhookEventVerification string = "webhook_callback_verification"
	WebhookEventRevocation   string = "revocation"
)

// Twitch webhook headers
// https://dev.twitch.tv/docs/eventsub/handling-webhook-events#list-of-request-headers
const (
	WebhookHeaderID        = "Twitch-Eventsub-Message-Id"
	WebhookHeaderTimestamp = "Twitch-Eventsub-Message-Timestamp"
	WebhookHeaderSignature = "Twitch-Eventsub-Message-Signature"
	WebhookHeaderType      = "Twitch-Eventsub-Message-Type"
)

type WebhookHeaders struct {
	ID        string
	Timestamp string
	Signature string
	Type      string
	Body      []byte
}

// Complete reports whether every header needed for verification is present.
func (evt *WebhookHeaders) Complete() bool {
	return evt.ID != "" && evt.Timestamp != "" && evt.Signature != ""
}

// Valid reports whether the signature header matches the HMAC-SHA256 of
// id + timestamp + body keyed with `secret`.
func (evt *WebhookHeaders) Valid(secret []byte) bool {
	// Important note: DO NOT mutate id, sig and ts, they are meant to be read-only
	var (
		id  = utils.StringToByte(evt.ID)
		ts  = utils.StringToByte(evt.Timestamp)
		sig = utils.StringToByte(evt.Signature)
	)
	return hmac.Equal(sig, signature(secret, id, ts, evt.Body))
}

// signature computes the `sha256=<hex>` header value for a message.
func signature(secret, id, ts, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write(id)
	mac.Write(ts)
	mac.Write(body)
	hash := mac.Sum(nil)
	l := len(hash)
	hexHash := make([]byte, hex.EncodedLen(l), hex.EncodedLen(l)+WebhookEventHMACPrefixLength)
	hex.Encode(hexHash, hash)
	return utils.Prepend(hexHash, WebhookEventHMACPrefix)
}

// Time parses the message timestamp. Twitch sends RFC3339 with nanoseconds.
func (evt *WebhookHeaders) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, evt.Timestamp)
}

// Sign returns the signature header value Twitch would send for the given
// message. Useful for testing and replaying messages.
func Sign(secret []byte, id, timestamp string, body []byte) string {
	return string(signature(secret, []byte(id), []byte(timestamp), body))
}

// WebhookPayload is the body of any EventSub webhook request. Challenge is
// only present on verification requests, Event only on notifications.
type WebhookPayload struct {
	Challenge    *string         `json:"challenge"`
	Subscription *Subscription   `json:"subscription"`
	Event        json.RawMessage `json:"event"`
}

// SubscriptionType returns the subscription type the payload belongs to.
func (p *WebhookPayload) SubscriptionType() string {
	if p.Subscription == nil {
		return ""
	}
	return p.Subscription.Type
}

// HasEvent reports whether the payload carries a non-null event object.
func (p *WebhookPayload) HasEvent() bool {
	return len(p.Event) > 0 && string(p.Event) != "null"
}
