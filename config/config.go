package config

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/migadu/mop3/consts"
)

// EnvPrefix is the prefix of every environment variable read by LoadEnv,
// e.g. MOP3_ACCOUNT or MOP3_LOG_LEVEL.
const EnvPrefix = "MOP3"

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Output string `toml:"output" envconfig:"OUTPUT"` // "stderr", "stdout", "syslog", or file path
	Format string `toml:"format" envconfig:"FORMAT"` // "json" or "console"
	Level  string `toml:"level" envconfig:"LEVEL"`   // "debug", "info", "warn", "error"
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled bool   `toml:"enabled" envconfig:"ENABLED"`
	Addr    string `toml:"addr" envconfig:"ADDR"`
	Path    string `toml:"path" envconfig:"PATH"`
	// AllowedHosts restricts scraping to these IPs or CIDR blocks.
	AllowedHosts []string `toml:"allowed_hosts" envconfig:"ALLOWED_HOSTS"`
}

// TLSLetsEncryptConfig configures automatic certificates. Certificates are
// cached in CacheDir.
type TLSLetsEncryptConfig struct {
	Email    string   `toml:"email" envconfig:"EMAIL"`
	Domains  []string `toml:"domains" envconfig:"DOMAINS"`
	CacheDir string   `toml:"cache_dir" envconfig:"CACHE_DIR"`
	// HTTPAddr serves the ACME http-01 challenge when set (e.g. ":80").
	HTTPAddr string `toml:"http_addr" envconfig:"HTTP_ADDR"`
}

// TLSConfig enables implicit TLS on the POP3 and SMTP listeners.
type TLSConfig struct {
	Enabled     bool                 `toml:"enabled" envconfig:"ENABLED"`
	Provider    string               `toml:"provider" envconfig:"PROVIDER"` // "file" or "letsencrypt"
	CertFile    string               `toml:"cert_file" envconfig:"CERT_FILE"`
	KeyFile     string               `toml:"key_file" envconfig:"KEY_FILE"`
	LetsEncrypt TLSLetsEncryptConfig `toml:"letsencrypt" envconfig:"LETSENCRYPT"`
}

// Config is the process configuration. It is read once at startup and never
// mutated afterwards.
type Config struct {
	Account string `toml:"account" envconfig:"ACCOUNT"`
	Token   string `toml:"token" envconfig:"TOKEN"`

	Address  string `toml:"address" envconfig:"ADDRESS"`
	POP3Port int    `toml:"pop3_port" envconfig:"POP3_PORT"`
	SMTPPort int    `toml:"smtp_port" envconfig:"SMTP_PORT"`
	NoSMTP   bool   `toml:"nosmtp" envconfig:"NO_SMTP"`

	APIMode string `toml:"api_mode" envconfig:"API_MODE"`
	// APIBase overrides the service URL derived from the account.
	APIBase string `toml:"api_base" envconfig:"API_BASE"`

	ASCII      bool   `toml:"ascii" envconfig:"ASCII"`
	Attachment bool   `toml:"attachment" envconfig:"ATTACHMENT"`
	Inline     bool   `toml:"inline" envconfig:"INLINE"`
	HTML       bool   `toml:"html" envconfig:"HTML"`
	IncludeURL bool   `toml:"url" envconfig:"URL"`
	Proxy      string `toml:"proxy" envconfig:"PROXY"`

	// Domain is the right hand side of generated Message-Ids.
	Domain         string `toml:"domain" envconfig:"DOMAIN"`
	TimelineLimit  int    `toml:"timeline_limit" envconfig:"TIMELINE_LIMIT"`
	MaxMessageSize int64  `toml:"max_message_size" envconfig:"MAX_MESSAGE_SIZE"`
	IdleTimeout    string `toml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	Debug          bool   `toml:"debug" envconfig:"DEBUG"`

	Logging LoggingConfig `toml:"logging" envconfig:"LOG"`
	Metrics MetricsConfig `toml:"metrics" envconfig:"METRICS"`
	TLS     TLSConfig     `toml:"tls" envconfig:"TLS"`
}

// NewDefaultConfig returns a configuration with every default applied.
func NewDefaultConfig() Config {
	return Config{
		Address:        consts.DefaultAddress,
		POP3Port:       consts.DefaultPOP3Port,
		SMTPPort:       consts.DefaultSMTPPort,
		APIMode:        consts.APIModeMastodon,
		TimelineLimit:  consts.DefaultTimelineLimit,
		MaxMessageSize: consts.DefaultMaxMessageSize,
		IdleTimeout:    "10m",
		Logging: LoggingConfig{
			Output: "stderr",
			Format: "console",
			Level:  "info",
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9110",
			Path: "/metrics",
		},
		TLS: TLSConfig{
			Provider: "file",
			LetsEncrypt: TLSLetsEncryptConfig{
				CacheDir: "/var/lib/mop3/certs",
			},
		},
	}
}

// Validate checks the configuration for errors that must stop the process.
func (c *Config) Validate() error {
	var errs []error

	switch c.APIMode {
	case consts.APIModeMastodon:
		if c.APIBase == "" && c.Account != "" && !strings.Contains(c.Account, "@") {
			errs = append(errs, fmt.Errorf("account %q must be user@instance in mastodon mode", c.Account))
		}
	case consts.APIModeBluesky:
	default:
		errs = append(errs, fmt.Errorf("api_mode must be %q or %q, got %q", consts.APIModeMastodon, consts.APIModeBluesky, c.APIMode))
	}

	if !c.NoSMTP && c.Token == "" {
		errs = append(errs, errors.New("SMTP requires a token: set token or enable nosmtp"))
	}
	if !c.NoSMTP && c.Account == "" {
		errs = append(errs, errors.New("SMTP requires an account: set account or enable nosmtp"))
	}
	if c.POP3Port < 1 || c.POP3Port > 65535 {
		errs = append(errs, fmt.Errorf("pop3_port out of range: %d", c.POP3Port))
	}
	if !c.NoSMTP && (c.SMTPPort < 1 || c.SMTPPort > 65535) {
		errs = append(errs, fmt.Errorf("smtp_port out of range: %d", c.SMTPPort))
	}
	if c.TimelineLimit < 1 {
		errs = append(errs, fmt.Errorf("timeline_limit must be positive, got %d", c.TimelineLimit))
	}
	if c.MaxMessageSize < 1 {
		errs = append(errs, fmt.Errorf("max_message_size must be positive, got %d", c.MaxMessageSize))
	}
	if _, err := c.GetIdleTimeout(); err != nil {
		errs = append(errs, err)
	}
	if c.Proxy != "" && !strings.HasPrefix(c.Proxy, "http://") && !strings.HasPrefix(c.Proxy, "https://") {
		errs = append(errs, fmt.Errorf("proxy must be an http(s) URL prefix, got %q", c.Proxy))
	}

	if c.TLS.Enabled {
		switch c.TLS.Provider {
		case "file":
			if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
				errs = append(errs, errors.New("tls.cert_file and tls.key_file are required for provider='file'"))
			}
		case "letsencrypt":
			if c.TLS.LetsEncrypt.Email == "" || len(c.TLS.LetsEncrypt.Domains) == 0 {
				errs = append(errs, errors.New("tls.letsencrypt.email and tls.letsencrypt.domains are required for provider='letsencrypt'"))
			}
		default:
			errs = append(errs, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", c.TLS.Provider))
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", consts.ErrInvalidConfig, errors.Join(errs...))
}

// POP3Addr returns the POP3 listen address.
func (c *Config) POP3Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.POP3Port))
}

// SMTPAddr returns the SMTP listen address.
func (c *Config) SMTPAddr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.SMTPPort))
}

// GetIdleTimeout parses the idle timeout. Zero disables it.
func (c *Config) GetIdleTimeout() (time.Duration, error) {
	if c.IdleTimeout == "" || c.IdleTimeout == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.IdleTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid idle_timeout %q: %w", c.IdleTimeout, err)
	}
	return d, nil
}

// MessageDomain returns the domain used for generated Message-Ids: the
// configured domain, the account's instance, or a fixed fallback.
func (c *Config) MessageDomain() string {
	if c.Domain != "" {
		return c.Domain
	}
	if i := strings.LastIndex(c.Account, "@"); i >= 0 && i < len(c.Account)-1 {
		return c.Account[i+1:]
	}
	if c.APIMode == consts.APIModeBluesky && strings.Contains(c.Account, ".") {
		return c.Account
	}
	return consts.DefaultDomain
}

// LogLevel returns the effective log level; debug mode forces "debug".
func (c *Config) LogLevel() string {
	if c.Debug {
		return "debug"
	}
	return c.Logging.Level
}

// LoadEnv applies MOP3_* environment variables on top of cfg. Files listed in
// envFiles are loaded first when present; variables already set in the
// process environment win over the files.
func LoadEnv(cfg *Config, envFiles ...string) error {
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			log.Printf("WARNING: failed to load %s: %v", file, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return fmt.Errorf("environment: %w", err)
	}
	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// LoadConfigFromFile loads configuration from a TOML file and trims whitespace
// from all string fields. Unknown keys are reported and ignored.
func LoadConfigFromFile(configPath string, cfg *Config) error {
	content, err := os.ReadFile(configPath)
	if err != nil {
		return err
	}

	metadata, err := toml.Decode(string(content), cfg)
	if err != nil {
		return enhanceConfigError(err)
	}

	if undecoded := metadata.Undecoded(); len(undecoded) > 0 {
		log.Printf("WARNING: Configuration file '%s' contains unknown keys that will be ignored:", configPath)
		for _, key := range undecoded {
			log.Printf("WARNING:   - %s", key)
		}
	}

	trimStringFields(reflect.ValueOf(cfg).Elem())
	return nil
}

// enhanceConfigError adds a hint for the most common TOML mistakes.
func enhanceConfigError(err error) error {
	errMsg := err.Error()

	if strings.Contains(errMsg, "has already been defined") {
		return fmt.Errorf("%w\n\nHINT: You have a duplicate configuration key in your TOML file", err)
	}
	if strings.Contains(errMsg, "expected value but found \"f\"") ||
		strings.Contains(errMsg, "expected value but found \"t\"") {
		return fmt.Errorf("%w\n\nHINT: boolean values must be exactly 'true' or 'false'", err)
	}
	if strings.Contains(errMsg, "incompatible types") {
		return fmt.Errorf("%w\n\nHINT: check that ports and limits are numbers and flags are booleans", err)
	}
	return err
}

// trimStringFields recursively trims whitespace from all string fields in a struct
func trimStringFields(v reflect.Value) {
	if !v.IsValid() || !v.CanSet() {
		return
	}

	switch v.Kind() {
	case reflect.String:
		v.SetString(strings.TrimSpace(v.String()))
	case reflect.Slice:
		for i := 0; i < v.Len(); i++ {
			trimStringFields(v.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			trimStringFields(v.Field(i))
		}
	case reflect.Ptr:
		if !v.IsNil() {
			trimStringFields(v.Elem())
		}
	}
}
