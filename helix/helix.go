package helix

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/pmrt/streamhook/metrics"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
	"golang.org/x/oauth2/twitch"
	"golang.org/x/sync/singleflight"
)

type ClientCreds struct {
	ClientID, ClientSecret string
}

const (
	DefaultAPIUrl  = "https://api.twitch.tv/helix"
	DefaultTimeout = 30 * time.Second

	// Twitch responses we care about are small. Anything bigger is an error
	// page we only keep for diagnostics.
	maxResponseSize = 1 << 20
)

type Opts struct {
	Creds ClientCreds

	APIUrl   string
	TokenURL string
	// Timeout bounds every call, token exchange included.
	Timeout time.Duration

	// HTTPClient is used for every request. Its idle connections are released
	// on Close.
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// Helix is a client for the subset of the Twitch Helix API needed to manage
// EventSub subscriptions. Requests are authenticated with an app access token
// obtained through the client credentials grant. It is safe for concurrent
// use.
type Helix struct {
	creds                    ClientCreds
	APIUrl, EventSubEndpoint string
	timeout                  time.Duration

	c  *http.Client
	o2 *clientcredentials.Config
	m  *metrics.Metrics

	token atomic.Pointer[AccessToken]
	sf    singleflight.Group
}

func New(opts *Opts) *Helix {
	hx := &Helix{
		creds:            opts.Creds,
		APIUrl:           strings.TrimRight(opts.APIUrl, "/"),
		EventSubEndpoint: "/eventsub",
		timeout:          opts.Timeout,
		c:                opts.HTTPClient,
		m:                opts.Metrics,
	}
	if hx.APIUrl == "" {
		hx.APIUrl = DefaultAPIUrl
	}
	if hx.timeout <= 0 {
		hx.timeout = DefaultTimeout
	}
	if hx.c == nil {
		hx.c = &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
	}

	tokenURL := opts.TokenURL
	if tokenURL == "" {
		tokenURL = twitch.Endpoint.TokenURL
	}
	hx.o2 = &clientcredentials.Config{
		ClientID:     opts.Creds.ClientID,
		ClientSecret: opts.Creds.ClientSecret,
		TokenURL:     tokenURL,
		AuthStyle:    oauth2.AuthStyleInParams,
	}
	return hx
}

// Close releases the idle connections of the underlying pool. In-flight
// requests are not interrupted.
func (hx *Helix) Close() {
	hx.c.CloseIdleConnections()
}

// request performs an authenticated call against the Helix API and decodes a
// 2xx response body into `out` (if not nil). A 401 invalidates the cached
// token and the call is retried once with a fresh one.
func (hx *Helix) request(ctx context.Context, op, method, endpoint string, query url.Values, payload, out any) error {
	var body []byte
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("helix: %s: %w", op, err)
		}
		body = b
	}

	u := hx.APIUrl + endpoint
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	for attempt := 0; ; attempt++ {
		err := hx.send(ctx, op, method, u, body, out)
		var perr *PlatformError
		if attempt == 0 && errors.As(err, &perr) && perr.Status == http.StatusUnauthorized {
			continue
		}
		return err
	}
}

func (hx *Helix) send(ctx context.Context, op, method, u string, body []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, hx.timeout)
	defer cancel()

	tok, err := hx.Token(ctx)
	if err != nil {
		return err
	}

	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, u, r)
	if err != nil {
		return fmt.Errorf("helix: %s: %w", op, err)
	}
	req.Header.Set("Client-Id", hx.creds.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hx.c.Do(req)
	if err != nil {
		return fmt.Errorf("helix: %s: %w", op, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return fmt.Errorf("helix: %s: reading response: %w", op, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if resp.StatusCode == http.StatusUnauthorized {
			hx.invalidate(tok)
		}
		return &PlatformError{Op: op, Status: resp.StatusCode, Body: string(b)}
	}

	if out != nil && len(b) > 0 {
		if err := json.Unmarshal(b, out); err != nil {
			return fmt.Errorf("helix: %s: decoding response: %w", op, err)
		}
	}
	return nil
}

// dataResponse is the envelope of every Helix response.
type dataResponse[T any] struct {
	Data       []T `json:"data"`
	Pagination struct {
		Cursor string `json:"cursor"`
	} `json:"pagination"`
}
