package app

import (
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfigyaml"
	"github.com/go-faster/errors"
)

// Config holds the complete application configuration, loadable from
// environment variables (RESELLER_ prefix), flags, or YAML config files.
type Config struct {
	Addr        string `default:"0.0.0.0:8080" usage:"API server listen address"`
	DatabaseURL string `usage:"PostgreSQL connection URL (RESELLER_DATABASE_URL or DATABASE_URL)" flag:"database-url"`
	// MigrateOnStart applies pending schema migrations before serving.
	MigrateOnStart bool `default:"true" usage:"Apply database migrations at startup" flag:"migrate"`
	Gateway        GatewayConfig
	Provider       ProviderConfig
	Order          OrderConfig
	Reconciler     ReconcilerConfig
	Queue          QueueConfig
	Notify         NotifyConfig
	Auth           AuthConfig
	RateLimit      RateLimitConfig
	Graceful       GracefulConfig
}

// GatewayConfig points at the payment gateway.
type GatewayConfig struct {
	BaseURL     string        `default:"https://api.paystack.co" usage:"Payment gateway API base URL"`
	SecretKey   string        `usage:"Payment gateway secret key, also used to verify its webhooks"`
	Currency    string        `default:"GHS" usage:"Charge currency"`
	CallbackURL string        `usage:"Where the hosted payment page returns the customer"`
	Timeout     time.Duration `default:"10s" usage:"Gateway request timeout"`
}

// ProviderConfig points at the bundle fulfillment provider.
type ProviderConfig struct {
	BaseURL       string        `usage:"Fulfillment provider API base URL"`
	APIKey        string        `usage:"Fulfillment provider API key"`
	Secret        string        `usage:"Shared secret for request and webhook signatures"`
	Timeout       time.Duration `default:"10s" usage:"Provider request timeout"`
	RatePerSecond float64       `default:"0" usage:"Outbound provider calls per second, 0 for unlimited"`
	Burst         int           `default:"1" usage:"Outbound provider burst"`

	SignatureTolerance time.Duration `default:"5m" usage:"Accepted age of signed provider webhooks"`
}

// OrderConfig tunes the order engine.
type OrderConfig struct {
	ReferencePrefix     string        `default:"CLEC" usage:"Order reference prefix"`
	GuestEmailDomain    string        `default:"guest.clec.local" usage:"Domain of synthetic guest emails"`
	CooldownWindow      time.Duration `default:"20m" usage:"Minimum time between paid data bundle orders per phone"`
	MaxDispatchAttempts int           `default:"5" usage:"Dispatch attempts per recipient before giving up"`
	RetryBackoff        time.Duration `default:"30s" usage:"Base delay between dispatch attempts"`
	PendingPaymentTTL   time.Duration `default:"1h" usage:"Age at which unpaid gateway orders are cancelled"`
	VerifyGrace         time.Duration `default:"1m" usage:"Age before the reconciler verifies a pending payment itself"`
	DispatchConcurrency int           `default:"8" usage:"Recipients dispatched in parallel per order"`
	DeliveryDeadline    time.Duration `default:"24h" usage:"Age after which an acknowledged delivery the provider still reports as processing is failed"`
}

// ReconcilerConfig controls the background reconciliation loop.
type ReconcilerConfig struct {
	Interval  time.Duration `default:"30s" usage:"Reconciliation pass interval"`
	BatchSize int           `default:"100" usage:"Orders examined per category per pass"`
}

// QueueConfig selects the background event queue.
type QueueConfig struct {
	Driver  string `default:"memory" usage:"Queue driver: memory or nats"`
	NATSURL string `default:"nats://127.0.0.1:4222" usage:"NATS server URL" flag:"nats-url"`
	Subject string `default:"reseller.events" usage:"NATS subject"`
	Workers int    `default:"4" usage:"Concurrent event handlers"`
	Buffer  int    `default:"1024" usage:"In-memory queue buffer"`
}

// NotifyConfig controls outbound integrator webhooks.
type NotifyConfig struct {
	Secret     string        `usage:"HMAC secret for outbound webhook signatures"`
	MaxRetries int           `default:"3" usage:"Redeliveries after the first attempt"`
	BaseDelay  time.Duration `default:"1s" usage:"First retry delay, doubled on every retry"`
	Timeout    time.Duration `default:"5s" usage:"Per-attempt timeout"`
	Workers    int           `default:"2" usage:"Concurrent notification deliveries"`
	Buffer     int           `default:"1024" usage:"In-memory notification buffer"`
}

// AuthConfig holds the bearer token secret.
type AuthConfig struct {
	JWTSecret string `usage:"HMAC secret of agent and admin bearer tokens (RESELLER_AUTH_JWTSECRET)"`
}

// RateLimitConfig controls the per-client token bucket.
type RateLimitConfig struct {
	RPS   float64 `default:"10" usage:"Sustained requests per second per client, 0 disables"`
	Burst int     `default:"20" usage:"Requests allowed in a burst"`
}

// GracefulConfig controls graceful shutdown timing.
type GracefulConfig struct {
	ReadinessDelay  time.Duration `default:"3s"  usage:"Delay after readiness=false before shutdown" flag:"readiness-delay"`
	ShutdownTimeout time.Duration `default:"15s" usage:"Maximum shutdown duration" flag:"shutdown-timeout"`
}

// LoadConfig loads configuration from environment variables, YAML config files,
// and applies platform-specific defaults.
func LoadConfig() (*Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "RESELLER",
		Files:     []string{"config.yaml", "/etc/reseller/config.yaml"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".yaml": aconfigyaml.New(),
		},
	})
	if err := loader.Load(); err != nil {
		return nil, errors.Wrap(err, "load config")
	}
	cfg.applyPlatformDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch {
	case c.DatabaseURL == "":
		return errors.New("database URL is required: set RESELLER_DATABASE_URL or DATABASE_URL")
	case c.Gateway.SecretKey == "":
		return errors.New("gateway secret key is required")
	case c.Provider.BaseURL == "" || c.Provider.Secret == "":
		return errors.New("provider base URL and secret are required")
	case c.Auth.JWTSecret == "":
		return errors.New("JWT secret is required")
	case c.Queue.Driver != "memory" && c.Queue.Driver != "nats":
		return errors.Errorf("unknown queue driver %q", c.Queue.Driver)
	}
	return nil
}

// applyPlatformDefaults maps platform-provided environment variables (Railway,
// Render, etc.) that use standard names like DATABASE_URL and PORT to the
// application's RESELLER_-prefixed configuration.
func (c *Config) applyPlatformDefaults() {
	if c.DatabaseURL == "" {
		if v := os.Getenv("DATABASE_URL"); v != "" {
			c.DatabaseURL = v
		}
	}
	if c.Queue.Driver == "nats" && c.Queue.NATSURL == "nats://127.0.0.1:4222" {
		if v := os.Getenv("NATS_URL"); v != "" {
			c.Queue.NATSURL = v
		}
	}
	if port := os.Getenv("PORT"); port != "" && c.Addr == "0.0.0.0:8080" {
		c.Addr = "0.0.0.0:" + port
	}
}
