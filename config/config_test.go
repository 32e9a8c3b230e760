package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/mop3/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "127.0.0.1", cfg.Address)
	assert.Equal(t, 110, cfg.POP3Port)
	assert.Equal(t, 25, cfg.SMTPPort)
	assert.Equal(t, consts.APIModeMastodon, cfg.APIMode)
	assert.Equal(t, 40, cfg.TimelineLimit)
	assert.EqualValues(t, 5_000_000, cfg.MaxMessageSize)
	assert.Equal(t, "127.0.0.1:110", cfg.POP3Addr())
	assert.Equal(t, "127.0.0.1:25", cfg.SMTPAddr())
}

func TestLoadConfigFromFile(t *testing.T) {
	path := writeFile(t, "mop3.toml", `
account = "  alice@example.social  "
token = "secret"
pop3_port = 1110
smtp_port = 2525
html = true
url = true
proxy = "http://frogfind.com/read.php?a="
unknown_key = 1

[logging]
level = "debug"
format = "json"
`)

	cfg := NewDefaultConfig()
	require.NoError(t, LoadConfigFromFile(path, &cfg))

	assert.Equal(t, "alice@example.social", cfg.Account, "strings are trimmed")
	assert.Equal(t, 1110, cfg.POP3Port)
	assert.Equal(t, 2525, cfg.SMTPPort)
	assert.True(t, cfg.HTML)
	assert.True(t, cfg.IncludeURL)
	assert.Equal(t, "http://frogfind.com/read.php?a=", cfg.Proxy)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, "127.0.0.1", cfg.Address, "defaults survive partial files")
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigFromFileSyntaxError(t *testing.T) {
	path := writeFile(t, "bad.toml", "html = t\n")
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(path, &cfg)
	require.Error(t, err)
}

func TestLoadConfigFromFileMissing(t *testing.T) {
	cfg := NewDefaultConfig()
	err := LoadConfigFromFile(filepath.Join(t.TempDir(), "nope.toml"), &cfg)
	assert.True(t, os.IsNotExist(err))
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("MOP3_ACCOUNT", "bob@example.social")
	t.Setenv("MOP3_POP3_PORT", "1995")
	t.Setenv("MOP3_NO_SMTP", "true")
	t.Setenv("MOP3_LOG_LEVEL", "warn")
	t.Setenv("MOP3_TLS_LETSENCRYPT_DOMAINS", "mail.example.org,pop.example.org")

	cfg := NewDefaultConfig()
	cfg.Token = "from-file"
	require.NoError(t, LoadEnv(&cfg))

	assert.Equal(t, "bob@example.social", cfg.Account)
	assert.Equal(t, 1995, cfg.POP3Port)
	assert.True(t, cfg.NoSMTP)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, []string{"mail.example.org", "pop.example.org"}, cfg.TLS.LetsEncrypt.Domains)
	assert.Equal(t, "from-file", cfg.Token, "unset variables keep earlier values")
	assert.Equal(t, 25, cfg.SMTPPort)
}

func TestLoadEnvDotEnvFile(t *testing.T) {
	path := writeFile(t, ".env", "MOP3_TOKEN=dotenv-token\nMOP3_HTML=true\n")
	t.Setenv("MOP3_TOKEN", "")
	os.Unsetenv("MOP3_TOKEN")
	t.Cleanup(func() {
		os.Unsetenv("MOP3_TOKEN")
		os.Unsetenv("MOP3_HTML")
	})

	cfg := NewDefaultConfig()
	require.NoError(t, LoadEnv(&cfg, path, filepath.Join(t.TempDir(), "missing.env")))
	assert.Equal(t, "dotenv-token", cfg.Token)
	assert.True(t, cfg.HTML)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := NewDefaultConfig()
		cfg.Account = "alice@example.social"
		cfg.Token = "secret"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"nosmtp without token", func(c *Config) { c.Token = ""; c.NoSMTP = true }, ""},
		{"smtp without token", func(c *Config) { c.Token = "" }, "SMTP requires a token"},
		{"smtp without account", func(c *Config) { c.Account = "" }, "SMTP requires an account"},
		{"nosmtp without credentials", func(c *Config) { c.Account = ""; c.Token = ""; c.NoSMTP = true }, ""},
		{"bad api mode", func(c *Config) { c.APIMode = "friendica" }, "api_mode"},
		{"mastodon account without instance", func(c *Config) { c.Account = "alice" }, "user@instance"},
		{"mastodon account with api base", func(c *Config) { c.Account = "alice"; c.APIBase = "http://localhost:3000" }, ""},
		{"bluesky handle", func(c *Config) { c.APIMode = consts.APIModeBluesky; c.Account = "alice.bsky.social" }, ""},
		{"bad port", func(c *Config) { c.POP3Port = 70000 }, "pop3_port"},
		{"zero limit", func(c *Config) { c.TimelineLimit = 0 }, "timeline_limit"},
		{"bad idle timeout", func(c *Config) { c.IdleTimeout = "soon" }, "idle_timeout"},
		{"bad proxy", func(c *Config) { c.Proxy = "frogfind.com" }, "proxy"},
		{"tls file without cert", func(c *Config) { c.TLS.Enabled = true }, "cert_file"},
		{"tls letsencrypt without email", func(c *Config) { c.TLS.Enabled = true; c.TLS.Provider = "letsencrypt" }, "letsencrypt.email"},
		{"attachment and inline together", func(c *Config) { c.Attachment = true; c.Inline = true }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, consts.ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMessageDomain(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.Equal(t, consts.DefaultDomain, cfg.MessageDomain())

	cfg.Account = "alice@example.social"
	assert.Equal(t, "example.social", cfg.MessageDomain())

	cfg.Domain = "gateway.example.org"
	assert.Equal(t, "gateway.example.org", cfg.MessageDomain())

	bsky := NewDefaultConfig()
	bsky.APIMode = consts.APIModeBluesky
	bsky.Account = "alice.bsky.social"
	assert.Equal(t, "alice.bsky.social", bsky.MessageDomain())
}

func TestGetIdleTimeoutAndLogLevel(t *testing.T) {
	cfg := NewDefaultConfig()
	d, err := cfg.GetIdleTimeout()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, d)

	cfg.IdleTimeout = "0"
	d, err = cfg.GetIdleTimeout()
	require.NoError(t, err)
	assert.Zero(t, d)

	assert.Equal(t, "info", cfg.LogLevel())
	cfg.Debug = true
	assert.Equal(t, "debug", cfg.LogLevel())
}
