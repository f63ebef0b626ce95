// Package config loads and validates the calsync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the full daemon configuration loaded from YAML.
type Config struct {
	// Listen is the HTTP bind address for the API, webhook endpoint, and
	// monitor channel. Defaults to ":8084".
	Listen string `yaml:"listen"`

	// DBPath is the SQLite database location. Defaults to
	// ~/.local/share/calsync/calsync.db.
	DBPath string `yaml:"db_path"`

	// SchedulerTick controls how often the scheduler scans for due
	// configurations. Minimum 5s, maximum 5m. Defaults to 30s.
	SchedulerTick time.Duration `yaml:"scheduler_tick"`

	// CycleTimeout is the hard wall-clock limit for one sync cycle.
	// Defaults to 2m.
	CycleTimeout time.Duration `yaml:"cycle_timeout"`

	// WriteConcurrency bounds parallel writes per provider within one cycle.
	// Defaults to 4.
	WriteConcurrency int `yaml:"write_concurrency"`

	// WebhookDebounce is the window within which webhooks for the same
	// calendar collapse into one sync trigger. Defaults to 5s.
	WebhookDebounce time.Duration `yaml:"webhook_debounce"`

	// ExportSigningKey signs download URLs and subscription tokens.
	ExportSigningKey string `yaml:"export_signing_key"`

	// ExportTTL is how long generated export artifacts stay downloadable.
	// Defaults to 1h.
	ExportTTL time.Duration `yaml:"export_ttl"`

	// Providers holds per-provider credentials. A provider without a block
	// is unavailable to configurations.
	Providers ProvidersConfig `yaml:"providers"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// ProvidersConfig groups provider credential blocks.
type ProvidersConfig struct {
	Google  *GoogleConfig  `yaml:"google,omitempty"`
	Outlook *OutlookConfig `yaml:"outlook,omitempty"`
	Apple   *CalDAVConfig  `yaml:"apple,omitempty"`
	CalDAV  *CalDAVConfig  `yaml:"caldav,omitempty"`
}

// GoogleConfig holds Google Calendar OAuth2 credentials.
type GoogleConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	// TokenFile is the path to the stored OAuth2 token JSON.
	TokenFile string `yaml:"token_file"`
	// WebhookToken is the shared channel token expected on push
	// notifications.
	WebhookToken string `yaml:"webhook_token"`
}

// OutlookConfig holds Microsoft Graph OAuth2 credentials.
type OutlookConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id"`
	TokenFile    string `yaml:"token_file"`
	// ClientState is the shared secret echoed back in Graph notifications.
	ClientState string `yaml:"client_state"`
}

// CalDAVConfig holds CalDAV basic-auth credentials. Apple uses the iCloud
// endpoint preset when endpoint is empty.
type CalDAVConfig struct {
	Endpoint string `yaml:"endpoint"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// WebhookSecret keys the HMAC signature on generic push notifications.
	WebhookSecret string `yaml:"webhook_secret"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector.
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to
	// "calsync".
	ServiceName string `yaml:"service_name"`

	// Headers is sent as gRPC metadata on every OTLP request, e.g.
	// authentication tokens.
	Headers map[string]string `yaml:"headers,omitempty"`
}

// DefaultPath returns the default config file path:
// ~/.config/calsync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "calsync", "config.yaml"), nil
}

// DefaultDBPath returns the default SQLite database path:
// ~/.local/share/calsync/calsync.db.
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "calsync", "calsync.db"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write validates the configuration and writes it to path as YAML, creating
// parent directories as needed. The file is written 0600 since provider
// blocks carry credentials.
func (c *Config) Write(path string) error {
	if err := c.validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate checks required fields and applies defaults.
func (c *Config) validate() error {
	if c.Listen == "" {
		c.Listen = ":8084"
	}

	if c.DBPath == "" {
		p, err := DefaultDBPath()
		if err != nil {
			return err
		}
		c.DBPath = p
	}

	if c.SchedulerTick == 0 {
		c.SchedulerTick = 30 * time.Second
	}
	if c.SchedulerTick < 5*time.Second {
		return fmt.Errorf("scheduler_tick %v is too short (minimum 5s)", c.SchedulerTick)
	}
	if c.SchedulerTick > 5*time.Minute {
		return fmt.Errorf("scheduler_tick %v is too long (maximum 5m)", c.SchedulerTick)
	}

	if c.CycleTimeout == 0 {
		c.CycleTimeout = 2 * time.Minute
	}
	if c.CycleTimeout < 10*time.Second {
		return fmt.Errorf("cycle_timeout %v is too short (minimum 10s)", c.CycleTimeout)
	}

	if c.WriteConcurrency == 0 {
		c.WriteConcurrency = 4
	}
	if c.WriteConcurrency < 1 || c.WriteConcurrency > 32 {
		return fmt.Errorf("write_concurrency %d out of range (1–32)", c.WriteConcurrency)
	}

	if c.WebhookDebounce == 0 {
		c.WebhookDebounce = 5 * time.Second
	}

	if c.ExportSigningKey == "" {
		return fmt.Errorf("export_signing_key is required")
	}

	if c.ExportTTL == 0 {
		c.ExportTTL = time.Hour
	}

	if g := c.Providers.Google; g != nil {
		if g.ClientID == "" || g.ClientSecret == "" {
			return fmt.Errorf("providers.google requires client_id and client_secret")
		}
	}
	if o := c.Providers.Outlook; o != nil {
		if o.ClientID == "" || o.ClientSecret == "" || o.TenantID == "" {
			return fmt.Errorf("providers.outlook requires client_id, client_secret, and tenant_id")
		}
	}
	for name, cd := range map[string]*CalDAVConfig{"apple": c.Providers.Apple, "caldav": c.Providers.CalDAV} {
		if cd == nil {
			continue
		}
		if cd.Username == "" || cd.Password == "" {
			return fmt.Errorf("providers.%s requires username and password", name)
		}
		if name == "caldav" {
			if cd.Endpoint == "" {
				return fmt.Errorf("providers.caldav requires endpoint")
			}
			u, err := url.ParseRequestURI(cd.Endpoint)
			if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
				return fmt.Errorf("providers.caldav endpoint %q must be a valid http or https URL", cd.Endpoint)
			}
		}
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
	}

	return nil
}
