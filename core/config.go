package core

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config is the process configuration, read from the environment (and an
// optional .env file).
type Config struct {
	ListenAddr string `env:"FEDLINK_LISTEN_ADDR" envDefault:":4000"`

	// Service account of the identity authority.
	ProjectID   string `env:"FIREBASE_PROJECT_ID"`
	ClientEmail string `env:"FIREBASE_CLIENT_EMAIL"`
	PrivateKey  string `env:"FIREBASE_PRIVATE_KEY"`
	// APIKey is the web API key used by the resolver's REST client.
	APIKey string `env:"FIREBASE_API_KEY"`

	CORSOrigin string `env:"FEDLINK_CORS_ORIGIN" envDefault:"http://localhost:5173"`
	// JWKSURL overrides where ID token signing keys are fetched from.
	JWKSURL    string `env:"FEDLINK_JWKS_URL"`
	GatewayURL string `env:"FEDLINK_GATEWAY_URL" envDefault:"http://localhost:4000"`
	RedisURL   string `env:"FEDLINK_REDIS_URL"`

	DevMode       bool   `env:"FEDLINK_DEV_MODE" envDefault:"false"`
	DevMintSecret string `env:"FEDLINK_DEV_MINT_SECRET"`
	// KeyRotation is a cron spec for rotating the dev issuer's signing key.
	KeyRotation string `env:"FEDLINK_KEY_ROTATION" envDefault:"@every 1h"`

	StepTimeout   time.Duration `env:"FEDLINK_STEP_TIMEOUT" envDefault:"2m"`
	ProvidersFile string        `env:"FEDLINK_PROVIDERS_FILE"`

	LogLevel  string `env:"FEDLINK_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"FEDLINK_LOG_FORMAT" envDefault:"text"`
}

// LoadConfig loads .env (when present) and parses the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return parseConfig(env.Options{})
}

// ParseConfig parses configuration from an explicit variable map.
func ParseConfig(vars map[string]string) (*Config, error) {
	return parseConfig(env.Options{Environment: vars})
}

func parseConfig(opts env.Options) (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.PrivateKey = strings.ReplaceAll(c.PrivateKey, `\n`, "\n")
	c.ProjectID = strings.TrimSpace(c.ProjectID)
	c.ClientEmail = strings.TrimSpace(c.ClientEmail)
	return &c, nil
}

// ValidateGateway checks what `serve` needs.
func (c *Config) ValidateGateway() error {
	if c.DevMode {
		if c.DevMintSecret == "" {
			return errors.New("FEDLINK_DEV_MINT_SECRET is required when FEDLINK_DEV_MODE=true")
		}
		return nil
	}
	var missing []string
	if c.ProjectID == "" {
		missing = append(missing, "FIREBASE_PROJECT_ID")
	}
	if c.ClientEmail == "" {
		missing = append(missing, "FIREBASE_CLIENT_EMAIL")
	}
	if strings.TrimSpace(c.PrivateKey) == "" {
		missing = append(missing, "FIREBASE_PRIVATE_KEY")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateLogin checks what `login` needs.
func (c *Config) ValidateLogin() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return errors.New("FIREBASE_API_KEY is required")
	}
	if c.StepTimeout <= 0 {
		return errors.New("FEDLINK_STEP_TIMEOUT must be positive")
	}
	return nil
}

// Providers returns the provider descriptors: the defaults, or the file.
func (c *Config) Providers() (Providers, error) {
	if strings.TrimSpace(c.ProvidersFile) == "" {
		return DefaultProviders(), nil
	}
	return LoadProviders(c.ProvidersFile)
}

// NewLogger builds the process logger from LogLevel/LogFormat.
func (c *Config) NewLogger() (*logrus.Logger, error) {
	l := logrus.New()
	lvl, err := logrus.ParseLevel(strings.TrimSpace(c.LogLevel))
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	l.SetLevel(lvl)
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", c.LogFormat)
	}
	return l, nil
}
