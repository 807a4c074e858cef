// Package publisher hands normalized stream events to the message broker.
//
// Publish only returns nil once the broker acknowledged the message: AMQP
// publishes run in a transaction and NATS publishes go through JetStream.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	amqp "github.com/ThreeDotsLabs/watermill-amqp/v2/pkg/amqp"
	wmNats "github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/pmrt/streamhook/events"
	"github.com/pmrt/streamhook/metrics"
	"github.com/pmrt/streamhook/utils"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
)

// Message metadata keys
const (
	MetaEventKind     = "event_kind"
	MetaRoutingKey    = "routing_key"
	MetaBroadcasterID = "broadcaster_id"
	MetaOccurredAt    = "occurred_at"
)

var ErrClosed = errors.New("publisher: closed")

// PublishError is returned for every event the broker did not acknowledge.
type PublishError struct {
	Kind  events.Kind
	Topic string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Kind, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

type Opts struct {
	// URL selects the backend by scheme: amqp(s)://, nats:// or memory://.
	URL   string
	Topic string

	// BreakerThreshold is the number of consecutive failures that opens the
	// circuit. While open, publishes fail fast for BreakerTimeout.
	BreakerThreshold uint32
	BreakerTimeout   time.Duration

	Metrics *metrics.Metrics
}

type Publisher struct {
	opts *Opts
	pub  message.Publisher
	cb   *gobreaker.CircuitBreaker[any]
	l    zerolog.Logger

	// dedupHeader carries the message id when the backend de-duplicates on a
	// header of its own.
	dedupHeader string

	closed atomic.Bool
}

// New connects to the broker in opts.URL.
func New(opts *Opts) (*Publisher, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("publisher: invalid broker url: %w", err)
	}

	logger := NewLogger(utils.Logger("watermill"))
	var (
		pub         message.Publisher
		dedupHeader string
	)
	switch u.Scheme {
	case "amqp", "amqps":
		if err = declareQueue(opts.URL, topic(opts)); err != nil {
			break
		}
		cfg := amqp.NewDurableQueueConfig(opts.URL)
		cfg.Publish.Transactional = true
		pub, err = amqp.NewPublisher(cfg, logger)
	case "nats", "tls":
		pub, err = newNATSPublisher(opts.URL, logger)
		dedupHeader = natsgo.MsgIdHdr
	case "memory":
		pub = gochannel.NewGoChannel(gochannel.Config{}, logger)
	default:
		return nil, fmt.Errorf("publisher: unsupported broker scheme %q", u.Scheme)
	}
	if err != nil {
		return nil, fmt.Errorf("publisher: connect %s: %w", u.Redacted(), err)
	}

	p := NewWithPublisher(pub, opts)
	p.dedupHeader = dedupHeader
	p.l.Info().
		Str("broker", u.Redacted()).
		Str("topic", p.opts.Topic).
		Msg("=> connected to broker")
	return p, nil
}

func newNATSPublisher(addr string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	natsOpts := []natsgo.Option{
		natsgo.Name("streamhook"),
		natsgo.RetryOnFailedConnect(true),
		natsgo.MaxReconnects(-1),
		natsgo.ReconnectWait(2 * time.Second),
		natsgo.DisconnectErrHandler(func(nc *natsgo.Conn, err error) {
			if err != nil {
				logger.Error("NATS disconnected", err, nil)
			}
		}),
		natsgo.ReconnectHandler(func(nc *natsgo.Conn) {
			logger.Info("NATS reconnected", watermill.LogFields{
				"url": nc.ConnectedUrl(),
			})
		}),
	}

	return wmNats.NewPublisher(wmNats.PublisherConfig{
		URL:         addr,
		NatsOptions: natsOpts,
		Marshaler:   &wmNats.NATSMarshaler{},
		JetStream: wmNats.JetStreamConfig{
			AutoProvision: true,
			TrackMsgId:    true,
			PublishOptions: []natsgo.PubOpt{
				natsgo.RetryAttempts(3),
				natsgo.RetryWait(100 * time.Millisecond),
			},
		},
	}, logger)
}

// declareQueue makes sure the durable queue exists before the first publish.
// The default exchange silently drops messages routed to a missing queue.
func declareQueue(addr, name string) error {
	conn, err := amqp091.Dial(addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}
	defer ch.Close()

	// Same arguments as the watermill durable queue config, so watermill
	// subscribers don't fail with PRECONDITION_FAILED
	_, err = ch.QueueDeclare(name, true, false, false, false, nil)
	return err
}

func topic(opts *Opts) string {
	if opts.Topic == "" {
		return "twitch_streams"
	}
	return opts.Topic
}

// NewWithPublisher wraps an already configured watermill publisher.
func NewWithPublisher(pub message.Publisher, opts *Opts) *Publisher {
	opts.Topic = topic(opts)
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = 5
	}
	if opts.BreakerTimeout <= 0 {
		opts.BreakerTimeout = 30 * time.Second
	}

	p := &Publisher{
		opts: opts,
		pub:  pub,
		l:    utils.Logger("publisher"),
	}
	p.cb = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        "broker",
		MaxRequests: 1,
		Timeout:     opts.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			p.l.Warn().
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("=> broker circuit breaker state changed")
		},
	})
	return p
}

// Publish sends the broker message of `evt` to the configured topic and
// waits for the broker acknowledgment. Every failure is a *PublishError.
func (p *Publisher) Publish(ctx context.Context, evt *events.NormalizedStreamEvent) error {
	if p.closed.Load() {
		return p.fail(evt, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return p.fail(evt, err)
	}

	msg, err := p.message(evt)
	if err != nil {
		return p.fail(evt, err)
	}
	msg.SetContext(ctx)

	_, err = p.cb.Execute(func() (any, error) {
		return nil, p.pub.Publish(p.opts.Topic, msg)
	})
	if err != nil {
		return p.fail(evt, err)
	}

	if p.opts.Metrics != nil {
		p.opts.Metrics.EventsPublished.WithLabelValues(string(evt.Kind)).Inc()
	}
	p.l.Debug().
		Str("uuid", msg.UUID).
		Str("topic", p.opts.Topic).
		Str("routing_key", evt.RoutingKey()).
		Msg("-> message acknowledged")
	return nil
}

// message builds the watermill message. Redeliveries of the same upstream
// notification keep the same message id.
func (p *Publisher) message(evt *events.NormalizedStreamEvent) (*message.Message, error) {
	payload, err := json.Marshal(evt.Message())
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	id := evt.MessageID
	if id == "" {
		id = uuid.NewString()
	}
	msg := message.NewMessage(id, payload)
	msg.Metadata.Set(MetaEventKind, evt.Kind.Name())
	msg.Metadata.Set(MetaRoutingKey, evt.RoutingKey())
	msg.Metadata.Set(MetaBroadcasterID, evt.BroadcasterID)
	if !evt.OccurredAt.IsZero() {
		msg.Metadata.Set(MetaOccurredAt, evt.OccurredAt.UTC().Format(time.RFC3339Nano))
	}
	if p.dedupHeader != "" {
		msg.Metadata.Set(p.dedupHeader, id)
	}
	return msg, nil
}

func (p *Publisher) fail(evt *events.NormalizedStreamEvent, err error) error {
	if p.opts.Metrics != nil {
		p.opts.Metrics.PublishFailures.WithLabelValues(string(evt.Kind)).Inc()
	}
	return &PublishError{Kind: evt.Kind, Topic: p.opts.Topic, Err: err}
}

// State returns the circuit breaker state, e.g. for health checks.
func (p *Publisher) State() gobreaker.State {
	return p.cb.State()
}

// Close closes the underlying publisher. Publishing after Close fails with
// ErrClosed.
func (p *Publisher) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	return p.pub.Close()
}
