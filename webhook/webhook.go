// Package webhook implements the Twitch EventSub callback endpoint. It
// answers verification challenges, authenticates notifications and forwards
// stream.online/stream.offline as normalized events to a Publisher.
package webhook

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	cmap "github.com/pmrt/concurrent-map/v3"
	"github.com/pmrt/streamhook/config"
	"github.com/pmrt/streamhook/events"
	"github.com/pmrt/streamhook/helix"
	"github.com/pmrt/streamhook/metrics"
	"github.com/pmrt/streamhook/utils"
	"github.com/rs/zerolog"
)

const Provider = "twitch"

// StreamInfoer looks up live stream metadata for online events.
type StreamInfoer interface {
	StreamInfo(ctx context.Context, userID string) (*helix.StreamInfo, error)
}

type Publisher interface {
	Publish(ctx context.Context, evt *events.NormalizedStreamEvent) error
}

type Opts struct {
	Secret []byte
	// MaxMessageAge rejects notifications with older timestamps and bounds how
	// long message ids are remembered. 0 disables replay protection.
	MaxMessageAge time.Duration
	// FailurePolicy decides the response when publishing fails: config.PolicyAck
	// answers 200, config.PolicyRedeliver answers 503 so Twitch retries.
	FailurePolicy string
	// EnrichTimeout bounds the live stream lookup of online events.
	EnrichTimeout time.Duration
	// OnRevocation is called when Twitch revokes a subscription.
	OnRevocation func(sub *helix.Subscription)

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

type Handler struct {
	opts *Opts
	hx   StreamInfoer
	pub  Publisher
	l    zerolog.Logger

	// seen holds message ids and when they were first received
	seen      cmap.ConcurrentMap[time.Time]
	lastPrune atomic.Int64
}

func New(hx StreamInfoer, pub Publisher, opts *Opts) *Handler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.FailurePolicy == "" {
		opts.FailurePolicy = config.PolicyAck
	}
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 5 * time.Second
	}
	h := &Handler{
		opts: opts,
		hx:   hx,
		pub:  pub,
		l:    utils.Logger("webhook"),
		seen: cmap.NewWithConcurrencyLevel[time.Time](32),
	}
	h.lastPrune.Store(opts.Clock.Now().UnixNano())
	return h
}

// Handle is the fiber handler for POST /webhooks/twitch.
func (h *Handler) Handle(c *fiber.Ctx) error {
	body := c.Body()

	// Only the challenge is looked at until the request is authenticated, so
	// the handshake does not depend on the rest of the payload.
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil || fields == nil {
		h.count("malformed")
		return fiber.NewError(fiber.StatusBadRequest, "Invalid JSON body")
	}

	// The handshake happens while the subscription is being created, before
	// any notification is signed.
	if raw, exists := fields["challenge"]; exists {
		var challenge *string
		if err := json.Unmarshal(raw, &challenge); err != nil {
			h.count("malformed")
			return fiber.NewError(fiber.StatusBadRequest, "Invalid challenge")
		}
		if challenge != nil {
			if *challenge == "" {
				h.count("malformed")
				return fiber.NewError(fiber.StatusBadRequest, "Empty challenge")
			}
			h.count("challenge")
			h.l.Info().
				Str("type", subscriptionType(fields)).
				Msg("=> answering webhook challenge")
			c.Set(fiber.HeaderContentType, fiber.MIMETextPlainCharsetUTF8)
			return c.SendString(*challenge)
		}
	}

	headers := &helix.WebhookHeaders{
		ID:        c.Get(helix.WebhookHeaderID),
		Timestamp: c.Get(helix.WebhookHeaderTimestamp),
		Signature: c.Get(helix.WebhookHeaderSignature),
		Type:      c.Get(helix.WebhookHeaderType),
		Body:      body,
	}
	if !headers.Complete() || !headers.Valid(h.opts.Secret) {
		h.count("forbidden")
		h.l.Warn().
			Str("ip", c.IP()).
			Msg("-> rejected webhook with invalid signature")
		return fiber.NewError(fiber.StatusForbidden, "Invalid signature")
	}

	var p helix.WebhookPayload
	if err := json.Unmarshal(body, &p); err != nil {
		h.count("malformed")
		return fiber.NewError(fiber.StatusBadRequest, "Invalid notification body")
	}

	// Header values point to the request buffer, which is reused once the
	// handler returns.
	id := strings.Clone(headers.ID)

	sent, err := headers.Time()
	if err != nil {
		h.count("forbidden")
		return fiber.NewError(fiber.StatusForbidden, "Invalid message timestamp")
	}
	if h.opts.MaxMessageAge > 0 {
		if h.opts.Clock.Since(sent) > h.opts.MaxMessageAge {
			h.count("forbidden")
			h.l.Warn().
				Str("message_id", id).
				Time("sent_at", sent).
				Msg("-> rejected expired webhook message")
			return fiber.NewError(fiber.StatusForbidden, "Message too old")
		}
		if !h.remember(id) {
			h.count("duplicate")
			h.l.Debug().Str("message_id", id).Msg("-> duplicated webhook message")
			return ok(c)
		}
	}

	if headers.Type == helix.WebhookEventRevocation {
		h.count("revocation")
		h.l.Warn().
			Str("type", p.SubscriptionType()).
			Str("broadcaster_id", p.Subscription.BroadcasterID()).
			Str("status", subscriptionStatus(p.Subscription)).
			Msg("=> subscription revoked")
		if h.opts.OnRevocation != nil {
			h.opts.OnRevocation(p.Subscription)
		}
		return ok(c)
	}

	var evt *events.NormalizedStreamEvent
	switch p.SubscriptionType() {
	case helix.SubStreamOnline:
		var e helix.EventStreamOnline
		if !p.HasEvent() || json.Unmarshal(p.Event, &e) != nil {
			h.forget(id)
			h.count("malformed")
			return fiber.NewError(fiber.StatusBadRequest, "Invalid notification body")
		}
		evt = h.online(c.UserContext(), &e, sent)
	case helix.SubStreamOffline:
		var e helix.EventStreamOffline
		if !p.HasEvent() || json.Unmarshal(p.Event, &e) != nil {
			h.forget(id)
			h.count("malformed")
			return fiber.NewError(fiber.StatusBadRequest, "Invalid notification body")
		}
		evt = newEvent(events.KindOffline, &e.Broadcaster, sent)
	default:
		h.count("ignored")
		h.l.Debug().
			Str("type", p.SubscriptionType()).
			Msg("-> ignoring unsupported subscription type")
		return ok(c)
	}
	evt.MessageID = id

	if err := h.pub.Publish(c.UserContext(), evt); err != nil {
		h.count("publish_failed")
		h.l.Error().Err(err).
			Object("event", evt).
			RawJSON("payload", body).
			Str("policy", h.opts.FailurePolicy).
			Msg("couldn't publish stream event")

		if h.opts.FailurePolicy == config.PolicyRedeliver {
			// Let the redelivery through the duplicate check
			h.forget(id)
			return fiber.NewError(fiber.StatusServiceUnavailable, "Event could not be published")
		}
		return ok(c)
	}

	h.count("published")
	h.l.Info().Object("event", evt).Msg("=> stream event published")
	return ok(c)
}

// online builds the online event enriched with the stream title and game. A
// failed lookup leaves them null.
func (h *Handler) online(ctx context.Context, e *helix.EventStreamOnline, sent time.Time) *events.NormalizedStreamEvent {
	at := sent
	if !e.StartedAt.IsZero() {
		at = e.StartedAt
	}
	evt := newEvent(events.KindOnline, &e.Broadcaster, at)
	if e.Broadcaster.ID == "" {
		return evt
	}

	ctx, cancel := context.WithTimeout(ctx, h.opts.EnrichTimeout)
	defer cancel()
	info, err := h.hx.StreamInfo(ctx, e.Broadcaster.ID)
	if err != nil {
		if h.opts.Metrics != nil {
			h.opts.Metrics.EnrichmentFailures.Inc()
		}
		if errors.Is(err, helix.ErrOffline) {
			h.l.Debug().
				Str("broadcaster_id", e.Broadcaster.ID).
				Msg("-> stream not listed yet, publishing without metadata")
		} else {
			h.l.Warn().Err(err).
				Str("broadcaster_id", e.Broadcaster.ID).
				Msg("-> couldn't enrich online event, publishing without metadata")
		}
		return evt
	}
	evt.Title = utils.StrPtr(info.Title)
	evt.GameName = utils.StrPtr(info.GameName)
	return evt
}

func newEvent(kind events.Kind, b *helix.Broadcaster, at time.Time) *events.NormalizedStreamEvent {
	return &events.NormalizedStreamEvent{
		Kind:            kind,
		Provider:        Provider,
		BroadcasterID:   b.ID,
		BroadcasterName: b.Username,
		OccurredAt:      at,
	}
}

// remember records the message id, reporting false if it was already seen
// within the replay window.
func (h *Handler) remember(id string) bool {
	now := h.opts.Clock.Now()
	h.prune(now)
	return h.seen.SetIfAbsent(id, now)
}

func (h *Handler) forget(id string) {
	if h.opts.MaxMessageAge > 0 {
		h.seen.Pop(id)
	}
}

// prune drops ids older than the replay window, at most once per window. Any
// redelivery of a pruned id is rejected by its timestamp anyway.
func (h *Handler) prune(now time.Time) {
	last := h.lastPrune.Load()
	if now.UnixNano()-last < int64(h.opts.MaxMessageAge) {
		return
	}
	if !h.lastPrune.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	for id, at := range h.seen.Items() {
		if now.Sub(at) > h.opts.MaxMessageAge {
			h.seen.Pop(id)
		}
	}
}

func (h *Handler) count(outcome string) {
	if h.opts.Metrics != nil {
		h.opts.Metrics.WebhookRequests.WithLabelValues(outcome).Inc()
	}
}

func ok(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// subscriptionType reads subscription.type without decoding the rest of the
// subscription.
func subscriptionType(fields map[string]json.RawMessage) string {
	var sub struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(fields["subscription"], &sub) != nil {
		return ""
	}
	return sub.Type
}

func subscriptionStatus(sub *helix.Subscription) string {
	if sub == nil {
		return ""
	}
	return sub.Status
}
