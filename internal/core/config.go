package core

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix prefixes every environment variable the proxy reads.
const EnvPrefix = "CASPROXY_"

// Config holds the application configuration
type Config struct {
	// Environment (development, demo, production)
	Environment string `env:"ENV" envDefault:"development"`

	// Server listening address
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`

	// Base URL for constructing absolute URLs
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8080"`

	// Serve the mock CAS/TIS under /mock and point the upstream at it
	MockCASEnabled bool `env:"MOCK_CAS" envDefault:"false"`

	// CORS allowed origins
	CORSOrigins []string `env:"CORS_ORIGINS" envDefault:"http://localhost:3000,http://localhost:5173" envSeparator:","`

	// Enable debug logging
	Debug bool `env:"DEBUG" envDefault:"false"`

	// slog level, ignored when Debug is set
	LogLevel int `env:"LOG_LEVEL" envDefault:"0"`

	// Requests per minute per client address
	RateLimit int `env:"RATE_LIMIT" envDefault:"100"`

	Upstream Upstream `envPrefix:"UPSTREAM_"`
	KDF      KDF      `envPrefix:"KDF_"`
}

// Upstream locates the CAS portal and the services behind it.
type Upstream struct {
	LoginURL     string        `env:"LOGIN_URL" envDefault:"https://cas.sustech.edu.cn/cas/login"`
	ServiceURL   string        `env:"SERVICE_URL" envDefault:"https://cas.sustech.edu.cn/cas/login?service=https://tis.sustech.edu.cn/cas"`
	TISBaseURL   string        `env:"TIS_BASE_URL" envDefault:"https://tis.sustech.edu.cn"`
	CatalogueURL string        `env:"CATALOGUE_URL" envDefault:"https://course-tao.sustech.edu.cn/kcxxweb/KcxxwebChinesePC"`
	UserAgent    string        `env:"USER_AGENT" envDefault:"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:89.0) Gecko/20100101 Firefox/89.0"`
	Timeout      time.Duration `env:"TIMEOUT" envDefault:"30s"`
}

// KDF contains password verifier derivation parameters.
type KDF struct {
	Iterations int `env:"ITERATIONS" envDefault:"107831"`
}

// LoadConfig loads configuration from CASPROXY_* environment variables
func LoadConfig() (*Config, error) {
	return LoadConfigFrom(nil)
}

// LoadConfigFrom parses configuration from environment, or from the process
// environment when environment is nil.
func LoadConfigFrom(environment map[string]string) (*Config, error) {
	cfg := Config{}
	opts := env.Options{Prefix: EnvPrefix, Environment: environment}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	for name, raw := range map[string]string{
		"BASE_URL":               c.BaseURL,
		"UPSTREAM_LOGIN_URL":     c.Upstream.LoginURL,
		"UPSTREAM_SERVICE_URL":   c.Upstream.ServiceURL,
		"UPSTREAM_TIS_BASE_URL":  c.Upstream.TISBaseURL,
		"UPSTREAM_CATALOGUE_URL": c.Upstream.CatalogueURL,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("invalid %s%s: %q", EnvPrefix, name, raw)
		}
	}
	if c.Upstream.Timeout <= 0 {
		return fmt.Errorf("invalid %sUPSTREAM_TIMEOUT: %s", EnvPrefix, c.Upstream.Timeout)
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsDemo returns true if running in demo mode
func (c *Config) IsDemo() bool {
	return c.Environment == "demo"
}

// Level returns the slog level to log at.
func (c *Config) Level() int {
	if c.Debug {
		return int(slog.LevelDebug)
	}
	return c.LogLevel
}

// ServiceReferer is the Referer sent on the service bridge request.
func (u Upstream) ServiceReferer() string {
	return strings.TrimRight(u.TISBaseURL, "/") + "/"
}
