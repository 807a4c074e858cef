package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pmrt/streamhook/utils"
)

// Publish failure policies for the webhook endpoint.
const (
	// PolicyAck answers 200 to Twitch even if the broker publish failed.
	PolicyAck = "ack"
	// PolicyRedeliver answers 503 so Twitch redelivers the notification.
	PolicyRedeliver = "redeliver"
)

type Config struct {
	StreamerUsername  string `validate:"required"`
	FallbackAccountID string `validate:"omitempty,numeric"`

	BackendURL  string `validate:"required,url"`
	WebhookPath string `validate:"required,startswith=/"`

	ClientID       string        `validate:"required"`
	ClientSecret   string        `validate:"required"`
	WebhookSecret  string        `validate:"required,min=10,max=100"`
	APIURL         string        `validate:"required,url"`
	TokenURL       string        `validate:"required,url"`
	RequestTimeout time.Duration `validate:"gt=0"`

	BrokerURL   string `validate:"required"`
	BrokerTopic string `validate:"required"`

	RenewalHorizon  time.Duration `validate:"gt=0"`
	ReconcilePeriod time.Duration `validate:"gt=0"`

	MaxMessageAge        time.Duration `validate:"gte=0"`
	PublishFailurePolicy string        `validate:"oneof=ack redeliver"`
	// EnrichTimeout bounds the stream lookup done while answering a
	// stream.online notification. Twitch gives up on slow callbacks after a
	// few seconds.
	EnrichTimeout time.Duration `validate:"gt=0"`

	APIPort         string        `validate:"required,numeric"`
	ShutdownTimeout time.Duration `validate:"gt=0"`

	Debug bool
}

// CallbackURL is the public URL Twitch delivers EventSub notifications to.
func (c *Config) CallbackURL() string {
	return strings.TrimRight(c.BackendURL, "/") + c.WebhookPath
}

func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

// Setup loads the .env file (if any) and the environment into a Config,
// configures the global logger and validates the result.
func Setup() (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := Load()
	if err != nil {
		return nil, err
	}
	setupLogger(cfg.Debug)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads variables from a .env file in the working directory. A
// missing file is not an error, variables may come from the environment.
func LoadDotEnv() error {
	l := utils.Logger("config")

	if err := godotenv.Load(); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			l.Debug().Msg("=> no .env file found, using environment only")
			return nil
		}
		return fmt.Errorf("couldn't load .env file: %w", err)
	}
	return nil
}

// Load reads the configuration from environment variables. Malformed values
// are reported together.
func Load() (*Config, error) {
	l := utils.Logger("config")
	l.Info().Msg("reading environment variables")

	e := &env{}
	cfg := &Config{
		StreamerUsername:  Env(e, "STREAMER_USERNAME", ""),
		FallbackAccountID: Env(e, "FALLBACK_ACCOUNT_ID", ""),

		BackendURL:  Env(e, "BACKEND_URL", ""),
		WebhookPath: Env(e, "WEBHOOK_PATH", "/webhooks/twitch"),

		ClientID:       Env(e, "TWITCH_CLIENT_ID", ""),
		ClientSecret:   Env(e, "TWITCH_CLIENT_SECRET", ""),
		WebhookSecret:  Env(e, "TWITCH_WEBHOOK_SECRET", ""),
		APIURL:         Env(e, "TWITCH_API_URL", "https://api.twitch.tv/helix"),
		TokenURL:       Env(e, "TWITCH_TOKEN_URL", "https://id.twitch.tv/oauth2/token"),
		RequestTimeout: Env(e, "TWITCH_REQUEST_TIMEOUT", 30*time.Second),

		BrokerURL:   Env(e, "BROKER_URL", ""),
		BrokerTopic: Env(e, "BROKER_TOPIC", "twitch_streams"),

		RenewalHorizon:  Env(e, "RENEWAL_HORIZON", 5*24*time.Hour),
		ReconcilePeriod: Env(e, "RECONCILE_PERIOD", 24*time.Hour),

		MaxMessageAge:        Env(e, "WEBHOOK_MAX_MESSAGE_AGE", 10*time.Minute),
		PublishFailurePolicy: Env(e, "WEBHOOK_PUBLISH_FAILURE_POLICY", PolicyAck),
		EnrichTimeout:        Env(e, "WEBHOOK_ENRICH_TIMEOUT", 3*time.Second),

		APIPort:         Env(e, "API_PORT", "8000"),
		ShutdownTimeout: Env(e, "SHUTDOWN_TIMEOUT", 15*time.Second),

		Debug: Env(e, "DEBUG", false),
	}
	if err := errors.Join(e.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

type SupportStringconv interface {
	~int | ~int64 | ~float32 | ~string | ~bool
}

type env struct {
	errs []error
}

var durationType = reflect.TypeOf(time.Duration(0))

func conv(v string, to reflect.Type) (any, error) {
	if to == durationType {
		return time.ParseDuration(v)
	}

	switch to.Kind() {
	case reflect.String:
		return v, nil
	case reflect.Bool:
		return strconv.ParseBool(v)
	case reflect.Int:
		return strconv.Atoi(v)
	case reflect.Int64:
		return strconv.ParseInt(v, 10, 64)
	case reflect.Float32:
		f, err := strconv.ParseFloat(v, 32)
		return float32(f), err
	}
	return nil, fmt.Errorf("unsupported kind %s", to.Kind())
}

// Env returns the value of the environment variable `key` converted to the
// type of `def`, or `def` if the variable is not set. Conversion errors are
// collected in `e`.
func Env[T SupportStringconv](e *env, key string, def T) T {
	l := utils.Logger("config")

	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}

	to := reflect.TypeOf(def)
	raw, err := conv(v, to)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	val := reflect.ValueOf(raw).Convert(to).Interface().(T)
	l.Debug().Msgf("=> [%s]: %s", key, printable(key, val))
	return val
}

// printable returns `val` as it may appear in logs. Secrets are hidden and
// URL passwords masked.
func printable(key string, val any) string {
	if strings.Contains(key, "SECRET") {
		return "<redacted>"
	}
	s := fmt.Sprint(val)
	if strings.HasSuffix(key, "_URL") {
		u, err := url.Parse(s)
		if err != nil {
			return "<redacted>"
		}
		return u.Redacted()
	}
	return s
}
