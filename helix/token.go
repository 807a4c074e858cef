package helix

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// Tokens are renewed this long before they expire.
const tokenExpiryMargin = 60 * time.Second

// AccessToken is an app access token. It is immutable once issued; a refresh
// replaces it as a whole. Its value never reaches logs.
type AccessToken struct {
	Value      string
	ObtainedAt time.Time
	// TTL is zero when the token endpoint didn't report an expiry.
	TTL time.Duration
}

// Valid reports whether the token can still be used at `now`.
func (t *AccessToken) Valid(now time.Time) bool {
	if t == nil || t.Value == "" {
		return false
	}
	if t.TTL == 0 {
		return true
	}
	return now.Before(t.ObtainedAt.Add(t.TTL - tokenExpiryMargin))
}

func (t *AccessToken) String() string {
	return "AccessToken(<redacted>)"
}

func (t *AccessToken) MarshalZerologObject(e *zerolog.Event) {
	e.Time("obtained_at", t.ObtainedAt).Dur("ttl", t.TTL)
}

// Token returns the cached app access token, exchanging the client
// credentials for a new one when absent or near expiry. Concurrent callers
// share a single exchange.
func (hx *Helix) Token(ctx context.Context) (*AccessToken, error) {
	if tok := hx.token.Load(); tok.Valid(time.Now()) {
		return tok, nil
	}

	v, err, _ := hx.sf.Do("token", func() (any, error) {
		// Someone may have refreshed it while we were waiting
		if tok := hx.token.Load(); tok.Valid(time.Now()) {
			return tok, nil
		}
		tok, err := hx.exchange(ctx)
		if err != nil {
			hx.countExchange("error")
			return nil, err
		}
		hx.countExchange("ok")
		hx.token.Store(tok)
		return tok, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccessToken), nil
}

func (hx *Helix) exchange(ctx context.Context) (*AccessToken, error) {
	// oauth2 picks the http client from the context
	ctx = context.WithValue(ctx, oauth2.HTTPClient, hx.c)

	now := time.Now()
	t, err := hx.o2.Token(ctx)
	if err != nil {
		var rerr *oauth2.RetrieveError
		if errors.As(err, &rerr) && rerr.Response != nil {
			return nil, &AuthError{
				Status: rerr.Response.StatusCode,
				Body:   string(rerr.Body),
				Err:    err,
			}
		}
		return nil, &AuthError{Err: err}
	}

	tok := &AccessToken{
		Value:      t.AccessToken,
		ObtainedAt: now,
	}
	if !t.Expiry.IsZero() {
		tok.TTL = t.Expiry.Sub(now)
	}
	return tok, nil
}

// invalidate drops `tok` from the cache unless it was already replaced.
func (hx *Helix) invalidate(tok *AccessToken) {
	hx.token.CompareAndSwap(tok, nil)
}

func (hx *Helix) countExchange(result string) {
	if hx.m != nil {
		hx.m.TokenExchanges.WithLabelValues(result).Inc()
	}
}

// AuthError is returned when the client credentials exchange fails. Status
// and Body carry the token endpoint response, if there was one.
type AuthError struct {
	Status int
	Body   string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("helix: token exchange failed with status %d: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("helix: token exchange failed: %v", e.Err)
}

func (e *AuthError) Unwrap() error {
	return e.Err
}
