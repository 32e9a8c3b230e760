package main

import (
	"context"
	"crypto/tls"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/migadu/mop3/config"
	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/pkg/errors"
	"github.com/migadu/mop3/pkg/resilient"
	serverPkg "github.com/migadu/mop3/server"
	"github.com/migadu/mop3/server/httpapi"
	"github.com/migadu/mop3/server/pop3"
	"github.com/migadu/mop3/server/smtp"
	"github.com/migadu/mop3/social"
	"github.com/migadu/mop3/social/bluesky"
	"github.com/migadu/mop3/social/mastodon"
	"github.com/migadu/mop3/tlsmanager"
	"github.com/migadu/mop3/translator"
)

// Version information, injected at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "mop3.toml"

// serverManager tracks running servers for coordinated shutdown
type serverManager struct {
	wg sync.WaitGroup
}

func (sm *serverManager) Go(fn func()) {
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		fn()
	}()
}

func (sm *serverManager) Wait() {
	sm.wg.Wait()
}

// gateway holds the backend and the servers built from one configuration.
type gateway struct {
	cfg        config.Config
	hostname   string
	backend    social.Capability
	httpClient *resilient.HTTPClient
	tlsManager *tlsmanager.Manager
	pop3       *pop3.POP3Server
	smtp       *smtp.SMTPServer
	servers    serverManager
}

func main() {
	errorHandler := errors.NewErrorHandler()

	flags := newCLIFlags(os.Args[0])
	if err := flags.parse(os.Args[1:]); err != nil {
		os.Exit(errors.ExitConfig)
	}

	if flags.showVersion {
		fmt.Printf("mop3 version %s (commit: %s, built at: %s)\n", version, commit, date)
		os.Exit(errors.ExitOK)
	}

	cfg, err := loadConfig(flags)
	if err != nil {
		var fileErr *configFileError
		if stderrors.As(err, &fileErr) {
			errorHandler.ConfigError(flags.configPath, fileErr.err)
		} else {
			errorHandler.ValidationError("configuration", err)
		}
		os.Exit(errorHandler.WaitForExit())
	}

	cfg.Logging.Level = cfg.LogLevel()
	logFile, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "MOP3: Warning initializing logger: %v\n", err)
	}
	if logFile != nil {
		defer func(f *os.File) {
			if err := f.Close(); err != nil {
				fmt.Fprintf(os.Stderr, "MOP3: Error closing log file %s: %v\n", f.Name(), err)
			}
		}(logFile)
	}

	logger.Infof("MOP3 starting (version %s, commit: %s, built: %s)", version, commit, date)
	logger.Info("Configuration", "api_mode", cfg.APIMode, "account", cfg.Account, "pop3", cfg.POP3Addr(), "smtp_enabled", !cfg.NoSMTP, "log_level", cfg.Logging.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-signalChan
		logger.Infof("Received signal: %s, shutting down...", sig)
		cancel()
	}()

	gw, err := newGateway(ctx, cfg)
	if err != nil {
		errorHandler.FatalError("initialize gateway", err)
		os.Exit(errorHandler.WaitForExit())
	}

	errChan := gw.start(ctx)

	select {
	case <-ctx.Done():
		logger.Info("Waiting for all servers to stop gracefully...")
		gw.shutdown()
	case err := <-errChan:
		cancel()
		gw.shutdown()
		errorHandler.FatalError("server operation", err)
		os.Exit(errorHandler.WaitForExit())
	}
}

// configFileError reports a configuration file that exists but cannot be
// used, or a missing file named explicitly with -config.
type configFileError struct {
	err error
}

func (e *configFileError) Error() string {
	return e.err.Error()
}

func (e *configFileError) Unwrap() error {
	return e.err
}

// loadConfig applies defaults, the TOML file, the environment and the flags,
// in that order, and validates the result. A missing default file is fine.
func loadConfig(flags *cliFlags) (config.Config, error) {
	cfg := config.NewDefaultConfig()

	if err := config.LoadConfigFromFile(flags.configPath, &cfg); err != nil {
		if !os.IsNotExist(err) || flags.configPath != defaultConfigPath {
			return cfg, &configFileError{err: err}
		}
		logger.Infof("WARNING: default configuration file '%s' not found. Using application defaults.", flags.configPath)
	} else {
		logger.Infof("loaded configuration from %s", flags.configPath)
	}

	if err := config.LoadEnv(&cfg, flags.envFile); err != nil {
		return cfg, err
	}
	flags.apply(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// newBackend selects the social network client for cfg.APIMode.
func newBackend(cfg config.Config) (social.Capability, *resilient.HTTPClient, error) {
	httpClient := resilient.NewHTTPClient(resilient.DefaultHTTPClientConfig(cfg.APIMode))

	switch cfg.APIMode {
	case consts.APIModeMastodon:
		return mastodon.New(mastodon.Options{BaseURL: cfg.APIBase, HTTP: httpClient}), httpClient, nil
	case consts.APIModeBluesky:
		return bluesky.New(bluesky.Options{ServiceURL: cfg.APIBase, HTTP: httpClient}), httpClient, nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown api_mode %q", consts.ErrInvalidConfig, cfg.APIMode)
	}
}

func translatorOptions(cfg config.Config) translator.Options {
	opts := translator.Options{
		ASCII:      cfg.ASCII,
		Attachment: cfg.Attachment,
		Inline:     cfg.Inline,
		HTML:       cfg.HTML,
		IncludeURL: cfg.IncludeURL,
		Proxy:      cfg.Proxy,
		Domain:     cfg.MessageDomain(),
	}
	if strings.Contains(cfg.Account, "@") {
		opts.Recipient = cfg.Account
	}
	return opts
}

func newGateway(ctx context.Context, cfg config.Config) (*gateway, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = cfg.MessageDomain()
	}

	backend, httpClient, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}

	gw := &gateway{cfg: cfg, hostname: hostname, backend: backend, httpClient: httpClient}

	var tlsConfig *tls.Config
	if cfg.TLS.Enabled {
		gw.tlsManager, err = tlsmanager.New(cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("TLS: %w", err)
		}
		tlsConfig = gw.tlsManager.GetTLSConfig()
	}

	idleTimeout, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, err
	}

	gw.pop3, err = pop3.New(ctx, "pop3", hostname, cfg.POP3Addr(), backend, pop3.POP3ServerOptions{
		Account:       cfg.Account,
		Token:         cfg.Token,
		Translate:     translatorOptions(cfg),
		TimelineLimit: cfg.TimelineLimit,
		IdleTimeout:   idleTimeout,
		MaxErrors:     pop3.DefaultMaxErrors,
		ErrorDelay:    pop3.DefaultErrorDelay,
		TLSConfig:     tlsConfig,
	})
	if err != nil {
		return nil, fmt.Errorf("POP3: %w", err)
	}

	if !cfg.NoSMTP {
		gw.smtp, err = smtp.New(ctx, "smtp", cfg.MessageDomain(), cfg.SMTPAddr(), backend, smtp.SMTPServerOptions{
			Account:        cfg.Account,
			Token:          cfg.Token,
			MaxMessageSize: cfg.MaxMessageSize,
			IdleTimeout:    idleTimeout,
			MaxErrors:      smtp.DefaultMaxErrors,
			ErrorDelay:     smtp.DefaultErrorDelay,
			TLSConfig:      tlsConfig,
		})
		if err != nil {
			return nil, fmt.Errorf("SMTP: %w", err)
		}
	}
	return gw, nil
}

// start launches every configured server. Fatal errors arrive on the
// returned channel.
func (gw *gateway) start(ctx context.Context) chan error {
	errChan := make(chan error, 4)

	if gw.tlsManager != nil {
		gw.servers.Go(func() { gw.tlsManager.StartChallengeServer(ctx, errChan) })
	}

	listeners := map[string]serverPkg.ConnectionStatsProvider{"pop3": gw.pop3}
	gw.servers.Go(func() { gw.pop3.Start(errChan) })

	if gw.smtp != nil {
		listeners["smtp"] = gw.smtp
		gw.servers.Go(func() { gw.smtp.Start(errChan) })
	} else {
		logger.Info("SMTP server disabled")
	}

	if gw.cfg.Metrics.Enabled {
		options := httpapi.ServerOptions{
			Addr:         gw.cfg.Metrics.Addr,
			MetricsPath:  gw.cfg.Metrics.Path,
			AllowedHosts: gw.cfg.Metrics.AllowedHosts,
			Backend:      gw.backend.Name(),
			BreakerState: gw.httpClient.State,
			Listeners:    listeners,
		}
		gw.servers.Go(func() { httpapi.Start(ctx, options, errChan) })
	}
	return errChan
}

// shutdown closes the listeners and waits for sessions to drain.
func (gw *gateway) shutdown() {
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		gw.pop3.Close()
	}()
	if gw.smtp != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			gw.smtp.Close()
		}()
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		gw.servers.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("All servers stopped")
	case <-time.After(10 * time.Second):
		logger.Warn("Server shutdown timeout reached after 10 seconds")
	}
}
