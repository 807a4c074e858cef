// Package reconciler keeps one healthy stream.online and one stream.offline
// EventSub subscription alive for the target broadcaster.
//
// Twitch is the source of truth: every pass lists the subscriptions again,
// classifies the ones owned by the broadcaster and creates, renews or removes
// them. Passes never overlap, they all run in the goroutine serving the
// Reconciler.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/pmrt/streamhook/helix"
	"github.com/pmrt/streamhook/metrics"
	"github.com/pmrt/streamhook/utils"
	"github.com/rs/zerolog"
)

// EventTypes are the subscription types kept for the broadcaster.
var EventTypes = []string{helix.SubStreamOnline, helix.SubStreamOffline}

// Platform is the part of the Helix client the reconciler needs.
type Platform interface {
	UserID(ctx context.Context, login string) (string, error)
	Subscriptions(ctx context.Context) ([]*helix.Subscription, error)
	CreateEventSubSubscription(ctx context.Context, sub *helix.Subscription) (*helix.Subscription, error)
	DeleteEventSubSubscription(ctx context.Context, id string) error
}

type State int

const (
	Absent State = iota
	Active
	// Stale subscriptions are old enough to be renewed, or no longer healthy.
	Stale
)

func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Active:
		return "active"
	case Stale:
		return "stale"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

type Opts struct {
	TargetUsername    string
	FallbackAccountID string

	CallbackURL string
	Secret      string

	// RenewalHorizon is the age at which a subscription is renewed.
	RenewalHorizon time.Duration
	// Period between passes.
	Period time.Duration

	// ResolveAttempts bounds the account resolution retries.
	ResolveAttempts uint64
	// ResolveBackoff returns the backoff policy used between resolution
	// attempts. Defaults to exponential.
	ResolveBackoff func() backoff.BackOff

	Clock   clockwork.Clock
	Metrics *metrics.Metrics
}

// AccountBinding is the broadcaster account the subscriptions are bound to.
type AccountBinding struct {
	TargetUsername string
	AccountID      string
	ResolvedAt     time.Time
	// Fallback is true when AccountID comes from configuration because the
	// username could not be resolved.
	Fallback bool
}

// PassResult summarizes a reconciliation pass.
type PassResult struct {
	AccountID string
	Created   int
	Deleted   int
	Kept      int
	// States holds the state of each event type before the pass acted on it.
	States map[string]State
}

type Reconciler struct {
	opts *Opts
	hx   Platform
	l    zerolog.Logger

	binding atomic.Pointer[AccountBinding]
	trigger chan struct{}
}

func New(hx Platform, opts *Opts) *Reconciler {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.RenewalHorizon <= 0 {
		opts.RenewalHorizon = 5 * 24 * time.Hour
	}
	if opts.Period <= 0 {
		opts.Period = 24 * time.Hour
	}
	if opts.ResolveAttempts == 0 {
		opts.ResolveAttempts = 5
	}
	if opts.ResolveBackoff == nil {
		opts.ResolveBackoff = func() backoff.BackOff {
			return backoff.NewExponentialBackOff()
		}
	}
	return &Reconciler{
		opts:    opts,
		hx:      hx,
		l:       utils.Logger("reconciler"),
		trigger: make(chan struct{}, 1),
	}
}

// Binding returns the resolved account binding, or nil if the account has not
// been resolved yet.
func (r *Reconciler) Binding() *AccountBinding {
	return r.binding.Load()
}

// Trigger requests an early pass. It never blocks; requests made while one is
// already pending are merged.
func (r *Reconciler) Trigger() {
	select {
	case r.trigger <- struct{}{}:
	default:
	}
}

func (r *Reconciler) String() string {
	return "reconciler"
}

// Resolve resolves the target username into an account id, retrying
// transient failures a bounded number of times. If the username can't be
// resolved, the configured fallback id is bound instead. An error is only
// returned when there is no fallback.
func (r *Reconciler) Resolve(ctx context.Context) (*AccountBinding, error) {
	if b := r.binding.Load(); b != nil {
		return b, nil
	}

	var id string
	op := func() error {
		var err error
		id, err = r.hx.UserID(ctx, r.opts.TargetUsername)
		if errors.Is(err, helix.ErrNotFound) {
			return backoff.Permanent(err)
		}
		if err != nil {
			r.l.Warn().Err(err).
				Str("username", r.opts.TargetUsername).
				Msg("-> account resolution failed, retrying")
		}
		return err
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(r.opts.ResolveBackoff(), r.opts.ResolveAttempts),
		ctx,
	)

	b := &AccountBinding{
		TargetUsername: r.opts.TargetUsername,
		ResolvedAt:     r.opts.Clock.Now(),
	}
	if err := backoff.Retry(op, policy); err != nil {
		if r.opts.FallbackAccountID == "" {
			return nil, fmt.Errorf("resolve %s: %w", r.opts.TargetUsername, err)
		}
		r.l.Warn().Err(err).
			Str("username", r.opts.TargetUsername).
			Str("fallback_id", r.opts.FallbackAccountID).
			Msg("=> couldn't resolve streamer, using fallback account id")
		b.AccountID = r.opts.FallbackAccountID
		b.Fallback = true
	} else {
		b.AccountID = id
		r.l.Info().
			Str("username", r.opts.TargetUsername).
			Str("account_id", id).
			Msg("=> streamer resolved")
	}

	// Concurrent resolutions keep the first binding
	if !r.binding.CompareAndSwap(nil, b) {
		return r.binding.Load(), nil
	}
	return b, nil
}

// Serve runs a pass immediately and then every period (or when triggered)
// until ctx is cancelled. A failed pass is logged and never stops the loop.
func (r *Reconciler) Serve(ctx context.Context) error {
	r.l.Info().
		Dur("period", r.opts.Period).
		Dur("renewal_horizon", r.opts.RenewalHorizon).
		Msg("starting subscription reconciler")

	ticker := r.opts.Clock.NewTicker(r.opts.Period)
	defer ticker.Stop()

	for {
		r.pass(ctx)

		select {
		case <-ctx.Done():
			r.l.Info().Msg("subscription reconciler stopped")
			return ctx.Err()
		case <-ticker.Chan():
		case <-r.trigger:
			r.l.Debug().Msg("-> early pass requested")
		}
	}
}

func (r *Reconciler) pass(ctx context.Context) {
	res, err := r.Reconcile(ctx)
	switch {
	case ctx.Err() != nil:
		return
	case err != nil && res == nil:
		r.countPass("error")
		r.l.Error().Err(err).Msg("reconciliation pass failed")
	case err != nil:
		r.countPass("partial")
		r.l.Error().Err(err).
			Int("created", res.Created).
			Int("deleted", res.Deleted).
			Msg("reconciliation pass partially failed")
	default:
		r.countPass("ok")
		r.l.Info().
			Str("account_id", res.AccountID).
			Int("created", res.Created).
			Int("deleted", res.Deleted).
			Int("kept", res.Kept).
			Msg("reconciliation pass done")
	}
}

// Reconcile runs a single pass. A nil result means nothing could be
// inspected; a non-nil result with an error means some event types could not
// be reconciled and will be retried next pass.
func (r *Reconciler) Reconcile(ctx context.Context) (*PassResult, error) {
	b, err := r.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	subs, err := r.hx.Subscriptions(ctx)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}

	res := &PassResult{
		AccountID: b.AccountID,
		States:    make(map[string]State, len(EventTypes)),
	}
	var errs []error
	for _, typ := range EventTypes {
		if err := r.reconcileType(ctx, b.AccountID, typ, subs, res); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", typ, err))
		}
	}
	return res, errors.Join(errs...)
}

// Classify returns the state of `sub` at the current time.
func (r *Reconciler) Classify(sub *helix.Subscription) State {
	if sub == nil {
		return Absent
	}
	if !sub.Healthy() || sub.Callback() != r.opts.CallbackURL {
		return Stale
	}
	if r.opts.Clock.Since(sub.CreatedAt) >= r.opts.RenewalHorizon {
		return Stale
	}
	return Active
}

// Owned returns the subscriptions of type `typ` for account `id`, newest
// first.
func Owned(subs []*helix.Subscription, id, typ string) []*helix.Subscription {
	var owned []*helix.Subscription
	for _, s := range subs {
		if s.Type == typ && s.BroadcasterID() == id {
			owned = append(owned, s)
		}
	}
	sort.SliceStable(owned, func(i, j int) bool {
		return owned[i].CreatedAt.After(owned[j].CreatedAt)
	})
	return owned
}

func (r *Reconciler) reconcileType(ctx context.Context, id, typ string, subs []*helix.Subscription, res *PassResult) error {
	l := r.l.With().Str("type", typ).Str("account_id", id).Logger()

	// Keep the newest active subscription, everything else goes: stale ones,
	// failed ones and duplicates.
	var (
		keep *helix.Subscription
		drop []*helix.Subscription
	)
	for _, s := range Owned(subs, id, typ) {
		if keep == nil && r.Classify(s) == Active {
			keep = s
			continue
		}
		drop = append(drop, s)
	}

	switch {
	case keep != nil:
		res.States[typ] = Active
	case len(drop) > 0:
		res.States[typ] = Stale
	default:
		res.States[typ] = Absent
	}

	var errs []error
	for _, s := range drop {
		l.Debug().
			Str("id", s.ID).
			Str("status", s.Status).
			Time("created_at", s.CreatedAt).
			Msg("-> deleting subscription")
		err := r.hx.DeleteEventSubSubscription(ctx, s.ID)
		if err != nil && !errors.Is(err, helix.ErrNotFound) {
			r.countOp(typ, "delete", "error")
			errs = append(errs, fmt.Errorf("delete %s: %w", s.ID, err))
			continue
		}
		r.countOp(typ, "delete", "ok")
		res.Deleted++
	}

	if keep != nil {
		res.Kept++
		return errors.Join(errs...)
	}
	if len(errs) > 0 {
		// Creating now could leave two live subscriptions for the same type
		return fmt.Errorf("skipping renewal: %w", errors.Join(errs...))
	}

	l.Debug().Msg("-> creating subscription")
	created, err := r.hx.CreateEventSubSubscription(ctx,
		helix.NewWebhookSubscription(typ, id, r.opts.CallbackURL, r.opts.Secret),
	)
	if err != nil {
		if helix.IsConflict(err) {
			r.countOp(typ, "create", "conflict")
			l.Warn().Err(err).Msg("subscription already exists, leaving it for the next pass")
			return nil
		}
		r.countOp(typ, "create", "error")
		return fmt.Errorf("create: %w", err)
	}
	r.countOp(typ, "create", "ok")
	res.Created++
	l.Info().Str("id", created.ID).Msg("=> subscription created")
	return nil
}

func (r *Reconciler) countPass(result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.ReconcilePasses.WithLabelValues(result).Inc()
	}
}

func (r *Reconciler) countOp(typ, op, result string) {
	if r.opts.Metrics != nil {
		r.opts.Metrics.SubscriptionOps.WithLabelValues(typ, op, result).Inc()
	}
}
