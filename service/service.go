// Package service wires the Helix client, the reconciler, the webhook
// endpoint and the publisher together and owns their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/goccy/go-json"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/pmrt/streamhook/config"
	"github.com/pmrt/streamhook/helix"
	"github.com/pmrt/streamhook/metrics"
	"github.com/pmrt/streamhook/publisher"
	"github.com/pmrt/streamhook/reconciler"
	"github.com/pmrt/streamhook/utils"
	"github.com/pmrt/streamhook/webhook"
	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"
)

type Option func(*Service)

// WithMessagePublisher publishes to `pub` instead of connecting to the broker
// in the configuration.
func WithMessagePublisher(pub message.Publisher) Option {
	return func(s *Service) {
		s.mpub = pub
	}
}

// WithHTTPClient sets the client used for every Helix call.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Service) {
		s.httpClient = c
	}
}

type Service struct {
	cfg *config.Config
	l   zerolog.Logger

	mpub       message.Publisher
	httpClient *http.Client

	Metrics    *metrics.Metrics
	Helix      *helix.Helix
	Publisher  *publisher.Publisher
	Reconciler *reconciler.Reconciler
	Webhook    *webhook.Handler

	app *fiber.App
	sup *suture.Supervisor
	ln  net.Listener

	cancel   context.CancelFunc
	supDone  <-chan error
	serveErr chan error
}

func New(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:      cfg,
		l:        utils.Logger("service"),
		Metrics:  metrics.New(),
		serveErr: make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.Helix = NewHelix(cfg, s.Metrics, s.httpClient)
	s.Reconciler = NewReconciler(cfg, s.Helix, s.Metrics)

	popts := &publisher.Opts{
		URL:     cfg.BrokerURL,
		Topic:   cfg.BrokerTopic,
		Metrics: s.Metrics,
	}
	if s.mpub != nil {
		s.Publisher = publisher.NewWithPublisher(s.mpub, popts)
	} else {
		pub, err := publisher.New(popts)
		if err != nil {
			s.Helix.Close()
			return nil, err
		}
		s.Publisher = pub
	}

	s.Webhook = webhook.New(s.Helix, s.Publisher, &webhook.Opts{
		Secret:        []byte(cfg.WebhookSecret),
		MaxMessageAge: cfg.MaxMessageAge,
		FailurePolicy: cfg.PublishFailurePolicy,
		EnrichTimeout: cfg.EnrichTimeout,
		// A revoked subscription is recreated right away instead of waiting
		// for the next period
		OnRevocation: func(*helix.Subscription) {
			s.Reconciler.Trigger()
		},
		Metrics: s.Metrics,
	})

	s.app = fiber.New(fiber.Config{
		AppName:               "streamhook",
		DisableStartupMessage: true,
		JSONEncoder:           json.Marshal,
		JSONDecoder:           json.Unmarshal,
	})
	s.app.Use(recover.New())
	s.app.Post(cfg.WebhookPath, s.Webhook.Handle)
	s.app.Get("/healthz", s.health)
	s.app.Get("/metrics", adaptor.HTTPHandler(s.Metrics.Handler()))

	s.sup = suture.New("streamhook", suture.Spec{
		EventHook: supervisorHook(utils.Logger("supervisor")),
		Timeout:   cfg.ShutdownTimeout,
	})
	s.sup.Add(s.Reconciler)
	return s, nil
}

// NewHelix builds the Helix client described by the configuration. A nil
// client uses a dedicated connection pool.
func NewHelix(cfg *config.Config, m *metrics.Metrics, c *http.Client) *helix.Helix {
	return helix.New(&helix.Opts{
		Creds: helix.ClientCreds{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
		},
		APIUrl:     cfg.APIURL,
		TokenURL:   cfg.TokenURL,
		Timeout:    cfg.RequestTimeout,
		HTTPClient: c,
		Metrics:    m,
	})
}

func NewReconciler(cfg *config.Config, hx reconciler.Platform, m *metrics.Metrics) *reconciler.Reconciler {
	return reconciler.New(hx, &reconciler.Opts{
		TargetUsername:    cfg.StreamerUsername,
		FallbackAccountID: cfg.FallbackAccountID,
		CallbackURL:       cfg.CallbackURL(),
		Secret:            cfg.WebhookSecret,
		RenewalHorizon:    cfg.RenewalHorizon,
		Period:            cfg.ReconcilePeriod,
		Metrics:           m,
	})
}

func supervisorHook(l zerolog.Logger) suture.EventHook {
	return func(e suture.Event) {
		l.Warn().
			Fields(e.Map()).
			Msg(e.String())
	}
}

// Startup resolves the target account, launches the reconciler and starts
// serving HTTP. It returns once the listener is bound.
func (s *Service) Startup(ctx context.Context) error {
	l := s.l
	l.Info().
		Str("streamer", s.cfg.StreamerUsername).
		Str("callback", s.cfg.CallbackURL()).
		Msg("starting service")

	// Resolution failures without a fallback are retried by every pass
	if _, err := s.Reconciler.Resolve(ctx); err != nil {
		l.Error().Err(err).Msg("couldn't resolve streamer, the reconciler will retry")
	}

	ln, err := net.Listen("tcp", ":"+s.cfg.APIPort)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.ln = ln

	supCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.supDone = s.sup.ServeBackground(supCtx)

	go func() {
		if err := s.app.Listener(ln); err != nil {
			s.serveErr <- err
		}
	}()

	l.Info().
		Str("addr", ln.Addr().String()).
		Msg("=> listening")
	return nil
}

// Addr returns the address the HTTP server is bound to, or nil before
// Startup.
func (s *Service) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Shutdown stops the reconciler, drains in-flight requests and releases the
// broker and Helix connections. It is bounded by ctx.
func (s *Service) Shutdown(ctx context.Context) error {
	l := s.l
	l.Info().Msg("shutting down")

	var errs []error
	if s.cancel != nil {
		s.cancel()
		select {
		case err := <-s.supDone:
			if err != nil && !errors.Is(err, context.Canceled) {
				errs = append(errs, fmt.Errorf("reconciler: %w", err))
			}
		case <-ctx.Done():
			errs = append(errs, fmt.Errorf("reconciler: %w", ctx.Err()))
		}
	}

	if s.ln != nil {
		if err := s.app.ShutdownWithContext(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http: %w", err))
		}
	}
	if err := s.Publisher.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publisher: %w", err))
	}
	s.Helix.Close()

	if err := errors.Join(errs...); err != nil {
		return err
	}
	l.Info().Msg("=> shutdown complete")
	return nil
}

// Run starts the service and blocks until ctx is done or the HTTP server
// fails, then shuts down within the configured timeout.
func (s *Service) Run(ctx context.Context) error {
	if err := s.Startup(ctx); err != nil {
		s.Publisher.Close()
		s.Helix.Close()
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-s.serveErr:
		s.l.Error().Err(serveErr).Msg("http server stopped")
	}

	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return errors.Join(serveErr, s.Shutdown(sctx))
}

// App exposes the HTTP application, e.g. for app.Test.
func (s *Service) App() *fiber.App {
	return s.app
}

func (s *Service) health(c *fiber.Ctx) error {
	res := fiber.Map{
		"status": "ok",
		"broker": s.Publisher.State().String(),
	}
	if b := s.Reconciler.Binding(); b != nil {
		res["account_id"] = b.AccountID
		res["fallback"] = b.Fallback
	}
	return c.JSON(res)
}
