package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

type Config struct {
	CORS    CORSConfig
	OAuth   OAuthConfig
	OData   ODataConfig
	Observe ObserveConfig
	Server  ServerConfig
}

type ServerConfig struct {
	Port                   int `env:"SERVER_PORT, default=8080"`
	ShutdownTimeoutSeconds int `env:"SERVER_SHUTDOWN_TIMEOUT_SECS, default=25"`

	OutgoingHTTPMaxIdleConns    int `env:"SERVER_OUTGOING_MAX_IDLE_CONNS, default=100"`
	OutgoingHTTPMaxConnsPerHost int `env:"SERVER_OUTGOING_MAX_CONNS_PER_HOST, default=20"`
}

// OAuthConfig holds the client-credentials settings used to obtain bearer
// tokens for the upstream service.
type OAuthConfig struct {
	TokenURL string `env:"OAUTH_TOKEN_URL, required"`
	ClientID string `env:"OAUTH_CLIENT_ID, required"`

	// ClientSecret is the plain client secret. Exactly one of ClientSecret and
	// ClientSecretKMSCiphertext must be supplied.
	ClientSecret string `env:"OAUTH_CLIENT_SECRET"`

	// ClientSecretKMSCiphertext is the base64 encoded AWS KMS ciphertext of the
	// client secret. It is decrypted once at startup.
	ClientSecretKMSCiphertext string `env:"OAUTH_CLIENT_SECRET_KMS_CIPHERTEXT"`

	// ClientSecretKMSKeyARN optionally names the key used to decrypt the
	// ciphertext. Required only for asymmetric keys.
	ClientSecretKMSKeyARN string `env:"OAUTH_CLIENT_SECRET_KMS_KEY_ARN"`
}

type ODataConfig struct {
	// BaseURL is the root of the proxied OData service, e.g.
	// https://example.com/odata
	BaseURL string `env:"ODATA_BASE, required"`
}

type CORSConfig struct {
	AllowOrigin string `env:"CORS_ALLOW_ORIGIN, default=*"`
}

type ObserveConfig struct {
	SDKLogLevel                string `env:"OBSERVE_OTEL_LOG_LEVEL, default=info"`
	Enabled                    bool   `env:"OBSERVE_ENABLED, default=false"`
	MetricsEnabled             bool   `env:"OBSERVE_METRICS_ENABLED, default=true"`
	Type                       string `env:"OBSERVE_TYPE, default=grpc"`
	ServiceName                string `env:"OBSERVE_SERVICE_NAME, default=odata-bridge"`
	TraceBatchTimeoutSeconds   int    `env:"OBSERVE_TRACE_BATCH_TIMEOUT_SECS, default=20"`
	MetricReadIntervalSeconds  int    `env:"OBSERVE_METRIC_READ_INTERVAL_SECS, default=60"`
	HTTPTransportEnabled       bool   `env:"OBSERVE_HTTP_TRANSPORT_ENABLED, default=true"`
	HTTPConnectionTraceEnabled bool   `env:"OBSERVE_CONNECTION_TRACE_ENABLED, default=true"`
}

func Load(ctx context.Context) (Config, error) {
	return load(ctx, nil) // load from OS environment
}

func load(ctx context.Context, lookup envconfig.Lookuper) (Config, error) {
	var cfg Config
	err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: lookup, // nil defaults to OS environment
	})
	if err != nil {
		return cfg, err
	}

	// envconfig only applies defaults to unset variables
	if cfg.CORS.AllowOrigin == "" {
		cfg.CORS.AllowOrigin = "*"
	}

	err = cfg.OAuth.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid oauth configuration: %w", err)
	}

	err = cfg.OData.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid odata configuration: %w", err)
	}

	err = cfg.Observe.Validate()
	if err != nil {
		return cfg, fmt.Errorf("invalid observe configuration: %w", err)
	}

	// the base is joined to the subpath with a single separator
	cfg.OData.BaseURL = strings.TrimSuffix(cfg.OData.BaseURL, "/")

	return cfg, nil
}

// Validate checks that the token endpoint is usable and that exactly one
// source for the client secret is configured.
func (c *OAuthConfig) Validate() error {
	if err := requireAbsoluteURL("OAUTH_TOKEN_URL", c.TokenURL); err != nil {
		return err
	}

	if strings.TrimSpace(c.ClientID) == "" {
		return errors.New("OAUTH_CLIENT_ID must not be empty")
	}

	hasSecret := c.ClientSecret != ""
	hasCiphertext := c.ClientSecretKMSCiphertext != ""

	if hasSecret && hasCiphertext {
		return errors.New("only one of OAUTH_CLIENT_SECRET and OAUTH_CLIENT_SECRET_KMS_CIPHERTEXT may be set")
	}
	if !hasSecret && !hasCiphertext {
		return errors.New("one of OAUTH_CLIENT_SECRET or OAUTH_CLIENT_SECRET_KMS_CIPHERTEXT is required")
	}

	return nil
}

// Validate checks that the upstream base is an absolute URL.
func (c *ODataConfig) Validate() error {
	return requireAbsoluteURL("ODATA_BASE", c.BaseURL)
}

func (c *ObserveConfig) Validate() error {
	switch c.Type {
	case "grpc", "stdout":
		return nil
	default:
		return fmt.Errorf("OBSERVE_TYPE must be one of grpc or stdout, got %q", c.Type)
	}
}

func requireAbsoluteURL(name, value string) error {
	u, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("%s is not a valid URL: %w", name, err)
	}

	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("%s must be an absolute URL: %s", name, value)
	}

	return nil
}
