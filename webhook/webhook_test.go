package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"github.com/pmrt/streamhook/config"
	"github.com/pmrt/streamhook/events"
	"github.com/pmrt/streamhook/helix"
	"github.com/pmrt/streamhook/metrics"
	"github.com/pmrt/streamhook/utils"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

var (
	secret = []byte("zdsTKGJtGUiJyLMh5JRYCztpgppQh8Lo")
	now    = time.Date(2024, 3, 2, 18, 30, 0, 0, time.UTC)
)

type fakeStreams struct {
	info  *helix.StreamInfo
	err   error
	calls []string
}

func (f *fakeStreams) StreamInfo(_ context.Context, userID string) (*helix.StreamInfo, error) {
	f.calls = append(f.calls, userID)
	if f.err != nil {
		return nil, f.err
	}
	return f.info, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	err    error
	events []*events.NormalizedStreamEvent
}

func (f *fakePublisher) Publish(_ context.Context, evt *events.NormalizedStreamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, evt)
	return nil
}

type testEnv struct {
	app     *fiber.App
	h       *Handler
	streams *fakeStreams
	pub     *fakePublisher
	m       *metrics.Metrics
	clock   clockwork.FakeClock
	revoked []*helix.Subscription
}

func newTestEnv(t *testing.T, policy string) *testEnv {
	t.Helper()
	env := &testEnv{
		streams: &fakeStreams{
			info: &helix.StreamInfo{Title: "Demo", GameName: "Just Chatting"},
		},
		pub:   &fakePublisher{},
		m:     metrics.New(),
		clock: clockwork.NewFakeClockAt(now),
	}
	env.h = New(env.streams, env.pub, &Opts{
		Secret:        secret,
		MaxMessageAge: 10 * time.Minute,
		FailurePolicy: policy,
		OnRevocation: func(sub *helix.Subscription) {
			env.revoked = append(env.revoked, sub)
		},
		Clock:   env.clock,
		Metrics: env.m,
	})
	env.app = fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	env.app.Post("/webhooks/twitch", env.h.Handle)
	return env
}

type delivery struct {
	id        string
	typ       string
	timestamp time.Time
	body      []byte
	// signature overrides the computed one when not empty
	signature string
	unsigned  bool
}

func (env *testEnv) send(t *testing.T, d *delivery) (*http.Response, []byte) {
	t.Helper()
	if d.id == "" {
		d.id = "f1c2a387-161a-49f9-a165-0f21d7a4e1c4"
	}
	if d.typ == "" {
		d.typ = helix.WebhookEventNotification
	}
	if d.timestamp.IsZero() {
		d.timestamp = now.Add(-time.Second)
	}
	ts := d.timestamp.Format(time.RFC3339Nano)

	req := httptest.NewRequest("POST", "http://localhost:8000/webhooks/twitch", bytes.NewBuffer(d.body))
	req.Header.Set("Content-Type", "application/json")
	if !d.unsigned {
		sig := d.signature
		if sig == "" {
			sig = helix.Sign(secret, d.id, ts, d.body)
		}
		req.Header.Set(helix.WebhookHeaderID, d.id)
		req.Header.Set(helix.WebhookHeaderTimestamp, ts)
		req.Header.Set(helix.WebhookHeaderSignature, sig)
		req.Header.Set(helix.WebhookHeaderType, d.typ)
	}

	resp, err := env.app.Test(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, b
}

func expectStatus(t *testing.T, resp *http.Response, body []byte, status int) {
	t.Helper()
	if resp.StatusCode != status {
		t.Fatalf("\nexpected status code to be %d, got %d\nbody: %s", status, resp.StatusCode, body)
	}
}

func expectOK(t *testing.T, resp *http.Response, body []byte) {
	t.Helper()
	expectStatus(t, resp, body, http.StatusOK)
	if string(body) != `{"status":"ok"}` {
		t.Fatalf(`expected body {"status":"ok"}, got %s`, body)
	}
}

var onlineBody = []byte(`{
    "subscription": {
        "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
        "type": "stream.online",
        "version": "1",
        "status": "enabled",
        "cost": 0,
        "condition": {
            "broadcaster_user_id": "1337"
        },
        "transport": {
            "method": "webhook",
            "callback": "https://example.com/webhooks/callback"
        },
        "created_at": "2019-11-16T10:11:12.123Z"
    },
    "event": {
        "id": "9001",
        "broadcaster_user_id": "1337",
        "broadcaster_user_login": "cool_user",
        "broadcaster_user_name": "Cool_User",
        "type": "live",
        "started_at": "2020-10-11T10:11:12.123Z"
    }
}`)

var offlineBody = []byte(`{
    "subscription": {
        "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
        "type": "stream.offline",
        "version": "1",
        "status": "enabled",
        "cost": 0,
        "condition": {
            "broadcaster_user_id": "1337"
        },
        "created_at": "2019-11-16T10:11:12.123Z",
        "transport": {
            "method": "webhook",
            "callback": "https://example.com/webhooks/callback"
        }
    },
    "event": {
        "broadcaster_user_id": "1337",
        "broadcaster_user_login": "cool_user",
        "broadcaster_user_name": "Cool_User"
    }
}`)

func TestWebhookVerification(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	body := []byte(`{
    "challenge": "pogchamp-kappa-360noscope-vohiyo",
    "subscription": {
      "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
      "status": "webhook_callback_verification_pending",
      "type": "stream.online",
      "version": "1",
      "cost": 1,
      "condition": {
        "broadcaster_user_id": "12826"
      },
      "transport": {
        "method": "webhook",
        "callback": "https://example.com/webhooks/callback"
      },
      "created_at": "2019-11-16T10:11:12.123Z"
    }
  }`)

	// The challenge is answered even without a valid signature
	for _, d := range []*delivery{
		{body: body, typ: helix.WebhookEventVerification},
		{body: body, unsigned: true},
		{body: body, signature: "sha256=nope"},
	} {
		resp, b := env.send(t, d)
		expectStatus(t, resp, b, http.StatusOK)

		want := "pogchamp-kappa-360noscope-vohiyo"
		if string(b) != want {
			t.Fatalf("expected body to be %s, got %s instead", want, b)
		}
		if ct := resp.Header.Get("Content-Type"); ct != fiber.MIMETextPlainCharsetUTF8 {
			t.Fatalf("expected text/plain content type, got %s", ct)
		}
	}
	if len(env.pub.events) != 0 {
		t.Fatalf("challenges must not publish, got %d events", len(env.pub.events))
	}
}

func TestWebhookEmptyChallenge(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	resp, b := env.send(t, &delivery{body: []byte(`{"challenge":""}`)})
	expectStatus(t, resp, b, http.StatusBadRequest)
}

func TestWebhookChallengeIgnoresOtherFields(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	for _, body := range []string{
		`{"challenge":"abc","subscription":{"created_at":"yesterday"}}`,
		`{"challenge":"abc","subscription":"x"}`,
		`{"challenge":"abc","subscription":{"cost":"1"}}`,
		`{"challenge":"abc","event":[1,2,3],"extra":{"nested":true}}`,
	} {
		resp, b := env.send(t, &delivery{body: []byte(body), unsigned: true})
		expectStatus(t, resp, b, http.StatusOK)
		if string(b) != "abc" {
			t.Fatalf("%s: expected body abc, got %s", body, b)
		}
	}
	if got := testutil.ToFloat64(env.m.WebhookRequests.WithLabelValues("challenge")); got != 4 {
		t.Fatalf("expected 4 challenges, got %v", got)
	}
}

func TestWebhookRejectsNonObjectBodies(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	// Signed, so nothing but the body shape can reject them
	for i, body := range []string{`null`, `[]`, `"stream.online"`, `42`, `{"challenge":7}`} {
		resp, b := env.send(t, &delivery{
			id:   fmt.Sprintf("non-object-%d", i),
			body: []byte(body),
		})
		expectStatus(t, resp, b, http.StatusBadRequest)
	}
	if len(env.pub.events) != 0 {
		t.Fatal("non-object payloads must not publish")
	}
}

func TestWebhookMalformedNotification(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	// Valid JSON object, signed, but the subscription does not decode
	resp, b := env.send(t, &delivery{body: []byte(`{"subscription":{"type":"stream.online","created_at":"yesterday"},"event":{}}`)})
	expectStatus(t, resp, b, http.StatusBadRequest)
	if len(env.pub.events) != 0 {
		t.Fatal("malformed notifications must not publish")
	}
}

func TestWebhookMalformedJSON(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	for _, body := range [][]byte{
		[]byte(`{"subscription":`),
		[]byte(`not json`),
		[]byte(``),
	} {
		resp, b := env.send(t, &delivery{body: body})
		expectStatus(t, resp, b, http.StatusBadRequest)
	}
	if len(env.pub.events) != 0 {
		t.Fatal("malformed payloads must not publish")
	}
	if got := testutil.ToFloat64(env.m.WebhookRequests.WithLabelValues("malformed")); got != 3 {
		t.Fatalf("expected 3 malformed requests, got %v", got)
	}
}

func TestWebhookStreamOnline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	resp, b := env.send(t, &delivery{body: onlineBody})
	expectOK(t, resp, b)

	startedAt, err := time.Parse(time.RFC3339, "2020-10-11T10:11:12.123Z")
	if err != nil {
		t.Fatal(err)
	}
	want := []*events.NormalizedStreamEvent{{
		Kind:            events.KindOnline,
		Provider:        "twitch",
		BroadcasterID:   "1337",
		BroadcasterName: "Cool_User",
		Title:           utils.StrPtr("Demo"),
		GameName:        utils.StrPtr("Just Chatting"),
		OccurredAt:      startedAt,
		MessageID:       "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
	}}
	if diff := deep.Equal(env.pub.events, want); diff != nil {
		t.Fatal(diff)
	}
	if diff := deep.Equal(env.streams.calls, []string{"1337"}); diff != nil {
		t.Fatal(diff)
	}
}

func TestWebhookStreamOnlineEnrichmentFailure(t *testing.T) {
	t.Parallel()

	for name, err := range map[string]error{
		"offline":  helix.ErrOffline,
		"platform": &helix.PlatformError{Op: "get streams", Status: 500},
		"auth":     &helix.AuthError{Status: 403, Body: "invalid client"},
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t, config.PolicyAck)
			env.streams.err = err

			resp, b := env.send(t, &delivery{body: onlineBody})
			expectOK(t, resp, b)

			if len(env.pub.events) != 1 {
				t.Fatalf("expected exactly one publish, got %d", len(env.pub.events))
			}
			evt := env.pub.events[0]
			if evt.Kind != events.KindOnline || evt.Title != nil || evt.GameName != nil {
				t.Fatalf("expected an online event without metadata, got %+v", evt)
			}
			if got := testutil.ToFloat64(env.m.EnrichmentFailures); got != 1 {
				t.Fatalf("expected 1 enrichment failure, got %v", got)
			}
		})
	}
}

// blockingStreams never answers before the lookup times out.
type blockingStreams struct{}

func (blockingStreams) StreamInfo(ctx context.Context, _ string) (*helix.StreamInfo, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestWebhookSlowEnrichmentIsBounded(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)
	env.h = New(blockingStreams{}, env.pub, &Opts{
		Secret:        secret,
		MaxMessageAge: 10 * time.Minute,
		EnrichTimeout: 50 * time.Millisecond,
		Clock:         env.clock,
		Metrics:       env.m,
	})
	env.app = fiber.New(fiber.Config{
		JSONEncoder: json.Marshal,
		JSONDecoder: json.Unmarshal,
	})
	env.app.Post("/webhooks/twitch", env.h.Handle)

	start := time.Now()
	resp, b := env.send(t, &delivery{body: onlineBody})
	expectOK(t, resp, b)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("expected the response within the enrichment timeout, took %s", elapsed)
	}

	if len(env.pub.events) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(env.pub.events))
	}
	evt := env.pub.events[0]
	if evt.Kind != events.KindOnline || evt.Title != nil || evt.GameName != nil {
		t.Fatalf("expected online event without metadata, got %+v", evt)
	}
	if got := testutil.ToFloat64(env.m.EnrichmentFailures); got != 1 {
		t.Fatalf("expected 1 enrichment failure, got %v", got)
	}
}

func TestWebhookStreamOffline(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	sent := now.Add(-2 * time.Second)
	resp, b := env.send(t, &delivery{body: offlineBody, timestamp: sent})
	expectOK(t, resp, b)

	want := []*events.NormalizedStreamEvent{{
		Kind:            events.KindOffline,
		Provider:        "twitch",
		BroadcasterID:   "1337",
		BroadcasterName: "Cool_User",
		OccurredAt:      sent,
		MessageID:       "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
	}}
	if diff := deep.Equal(env.pub.events, want); diff != nil {
		t.Fatal(diff)
	}
	if len(env.streams.calls) != 0 {
		t.Fatal("offline events must not be enriched")
	}
}

func TestWebhookUnknownSubscriptionType(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	body := []byte(`{
    "subscription": {"type": "channel.follow", "condition": {"broadcaster_user_id": "1337"}},
    "event": {"user_id": "1234", "broadcaster_user_id": "1337"}
  }`)
	resp, b := env.send(t, &delivery{body: body})
	expectOK(t, resp, b)

	if len(env.pub.events) != 0 {
		t.Fatalf("expected no publish, got %d", len(env.pub.events))
	}
}

func TestWebhookInvalidSignature(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	tests := []*delivery{
		{body: onlineBody, unsigned: true},
		{body: onlineBody, signature: "sha256=135326f1ca01bb9ef7bb656053ce5a35e61a57ada77dc6705326c92d12c62060"},
		{body: onlineBody, signature: helix.Sign([]byte("another-secret"), "id", "ts", onlineBody)},
	}
	for _, d := range tests {
		resp, b := env.send(t, d)
		expectStatus(t, resp, b, http.StatusForbidden)
	}
	if len(env.pub.events) != 0 {
		t.Fatal("unauthenticated payloads must not publish")
	}
}

func TestWebhookExpiredMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	resp, b := env.send(t, &delivery{body: offlineBody, timestamp: now.Add(-11 * time.Minute)})
	expectStatus(t, resp, b, http.StatusForbidden)
	if len(env.pub.events) != 0 {
		t.Fatal("expired messages must not publish")
	}
}

func TestWebhookDuplicateMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	for i := 0; i < 3; i++ {
		resp, b := env.send(t, &delivery{body: offlineBody, id: "dup"})
		expectOK(t, resp, b)
	}
	// A different message id for the same event is a different delivery
	resp, b := env.send(t, &delivery{body: offlineBody, id: "other"})
	expectOK(t, resp, b)

	if len(env.pub.events) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(env.pub.events))
	}
	if got := testutil.ToFloat64(env.m.WebhookRequests.WithLabelValues("duplicate")); got != 2 {
		t.Fatalf("expected 2 duplicates, got %v", got)
	}
}

func TestWebhookSeenIDsArePruned(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	resp, b := env.send(t, &delivery{body: offlineBody, id: "first"})
	expectOK(t, resp, b)

	env.clock.Advance(11 * time.Minute)
	resp, b = env.send(t, &delivery{body: offlineBody, id: "second", timestamp: env.clock.Now()})
	expectOK(t, resp, b)

	if len(env.pub.events) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(env.pub.events))
	}
	if _, ok := env.h.seen.Get("first"); ok {
		t.Fatal("expected ids older than the replay window to be pruned")
	}
	if _, ok := env.h.seen.Get("second"); !ok {
		t.Fatal("expected the latest id to be remembered")
	}
}

func TestWebhookRevocation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	body := []byte(`{
    "subscription": {
      "id": "f1c2a387-161a-49f9-a165-0f21d7a4e1c4",
      "status": "authorization_revoked",
      "type": "stream.online",
      "cost": 1,
      "version": "1",
      "condition": {
        "broadcaster_user_id": "12826"
      },
      "transport": {
        "method": "webhook",
        "callback": "https://example.com/webhooks/callback"
      },
      "created_at": "2019-11-16T10:11:12.123Z"
    }
  }`)
	resp, b := env.send(t, &delivery{body: body, typ: helix.WebhookEventRevocation})
	expectOK(t, resp, b)

	if len(env.revoked) != 1 {
		t.Fatalf("expected revocation callback to be called once, got %d", len(env.revoked))
	}
	got := env.revoked[0]
	if got.ID != "f1c2a387-161a-49f9-a165-0f21d7a4e1c4" || got.Status != helix.StatusAuthorizationRevoked {
		t.Fatalf("unexpected revoked subscription %+v", got)
	}
	if len(env.pub.events) != 0 {
		t.Fatal("revocations must not publish")
	}
}

func TestWebhookPublishFailureIsAcknowledged(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)
	env.pub.err = errors.New("broker unreachable")

	resp, b := env.send(t, &delivery{body: offlineBody})
	expectOK(t, resp, b)

	if got := testutil.ToFloat64(env.m.WebhookRequests.WithLabelValues("publish_failed")); got != 1 {
		t.Fatalf("expected the failure to be counted, got %v", got)
	}
}

func TestWebhookPublishFailureRedeliver(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyRedeliver)
	env.pub.err = errors.New("broker unreachable")

	resp, b := env.send(t, &delivery{body: offlineBody, id: "retry-me"})
	expectStatus(t, resp, b, http.StatusServiceUnavailable)

	// The broker is back, Twitch redelivers the same message
	env.pub.mu.Lock()
	env.pub.err = nil
	env.pub.mu.Unlock()

	resp, b = env.send(t, &delivery{body: offlineBody, id: "retry-me"})
	expectOK(t, resp, b)
	if len(env.pub.events) != 1 {
		t.Fatalf("expected the redelivery to be published, got %d events", len(env.pub.events))
	}
}

func TestWebhookEndToEndMessage(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t, config.PolicyAck)

	body := []byte(`{"subscription":{"type":"stream.online"},"event":{"broadcaster_user_id":"42","broadcaster_user_name":"alice"}}`)
	resp, b := env.send(t, &delivery{body: body})
	expectOK(t, resp, b)

	if len(env.pub.events) != 1 {
		t.Fatalf("expected a single publish, got %d", len(env.pub.events))
	}
	msg, err := json.Marshal(env.pub.events[0].Message())
	if err != nil {
		t.Fatal(err)
	}
	want := `{"event":"stream_online","user_name":"alice","title":"Demo","game_name":"Just Chatting"}`
	if string(msg) != want {
		t.Fatalf("expected message %s, got %s", want, msg)
	}
	if diff := deep.Equal(env.streams.calls, []string{"42"}); diff != nil {
		t.Fatal(diff)
	}
}
