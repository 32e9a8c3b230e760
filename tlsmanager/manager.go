package tlsmanager

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/migadu/mop3/config"
	"github.com/migadu/mop3/logger"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

// DefaultCacheDir stores Let's Encrypt certificates when no cache_dir is set.
const DefaultCacheDir = "/var/lib/mop3/certs"

// ErrMissingServerName is returned when a TLS handshake is attempted without SNI
var ErrMissingServerName = errors.New("missing server name")

// ErrHostNotAllowed is returned when a TLS handshake is attempted for a domain not in the allowlist
var ErrHostNotAllowed = errors.New("host not allowed")

// ErrCertificateUnavailable is returned when a certificate cannot be retrieved.
// It is usually transient (ACME rate limit, network issues).
var ErrCertificateUnavailable = errors.New("certificate unavailable")

// Manager provides the TLS configuration of the POP3 and SMTP listeners,
// from certificate files or from Let's Encrypt.
type Manager struct {
	config       config.TLSConfig
	autocertMgr  *autocert.Manager
	tlsConfig    *tls.Config
	rateLimitMap map[string]time.Time // rate-limited domains and their retry-after times
	rateLimitMu  sync.RWMutex
}

// New creates a new TLS manager based on the provided configuration.
func New(cfg config.TLSConfig) (*Manager, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("TLS is not enabled in configuration")
	}

	m := &Manager{
		config:       cfg,
		rateLimitMap: make(map[string]time.Time),
	}

	switch cfg.Provider {
	case "file", "":
		if err := m.initFileProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize file provider: %w", err)
		}
	case "letsencrypt":
		if err := m.initLetsEncryptProvider(); err != nil {
			return nil, fmt.Errorf("failed to initialize Let's Encrypt provider: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown TLS provider: %s (must be 'file' or 'letsencrypt')", cfg.Provider)
	}

	logger.Info("TLS manager initialized", "provider", cfg.Provider)
	return m, nil
}

func (m *Manager) initFileProvider() error {
	if m.config.CertFile == "" || m.config.KeyFile == "" {
		return fmt.Errorf("cert_file and key_file are required for provider='file'")
	}

	cert, err := tls.LoadX509KeyPair(m.config.CertFile, m.config.KeyFile)
	if err != nil {
		return fmt.Errorf("failed to load certificate: %w", err)
	}

	m.tlsConfig = &tls.Config{
		Certificates:  []tls.Certificate{cert},
		MinVersion:    tls.VersionTLS12,
		NextProtos:    []string{"pop3", "smtp"},
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("Loaded TLS certificate from files", "cert", m.config.CertFile, "key", m.config.KeyFile)
	return nil
}

func (m *Manager) initLetsEncryptProvider() error {
	leCfg := m.config.LetsEncrypt

	if leCfg.Email == "" {
		return fmt.Errorf("letsencrypt.email is required")
	}
	if len(leCfg.Domains) == 0 {
		return fmt.Errorf("letsencrypt.domains is required and must not be empty")
	}

	cacheDir := leCfg.CacheDir
	if cacheDir == "" {
		cacheDir = DefaultCacheDir
	}

	m.autocertMgr = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		Email:      leCfg.Email,
		HostPolicy: autocert.HostWhitelist(leCfg.Domains...),
		Cache:      autocert.DirCache(cacheDir),
		Client: &acme.Client{
			DirectoryURL: acme.LetsEncryptURL,
		},
	}

	// SNI-less clients (many POP3 clients) get the first domain.
	defaultDomain := leCfg.Domains[0]

	baseTLSConfig := m.autocertMgr.TLSConfig()
	m.tlsConfig = &tls.Config{
		GetCertificate: func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
			serverName := hello.ServerName
			if serverName == "" {
				logger.Debug("TLS: Missing SNI - using default domain", "domain", defaultDomain)
				serverName = defaultDomain
			}
			// RFC 4343: DNS names are case-insensitive
			serverName = strings.ToLower(serverName)

			if err := m.autocertMgr.HostPolicy(context.Background(), serverName); err != nil {
				logger.Info("TLS: Rejected certificate request for unconfigured domain", "domain", serverName, "error", err)
				return nil, fmt.Errorf("%w: %s", ErrHostNotAllowed, serverName)
			}

			// Cached certificates are served even while rate limited.
			_, cacheErr := m.autocertMgr.Cache.Get(context.Background(), serverName)
			if errors.Is(cacheErr, autocert.ErrCacheMiss) {
				if limited, retryAfter := m.isRateLimited(serverName); limited {
					logger.Warn("TLS: Domain is rate-limited, cannot request new certificate", "domain", serverName, "retry_after", retryAfter)
					return nil, fmt.Errorf("%w for %s: rate limited until %v", ErrCertificateUnavailable, serverName, retryAfter)
				}
				logger.Info("TLS: Requesting new certificate from Let's Encrypt", "domain", serverName)
			}

			modifiedHello := *hello
			modifiedHello.ServerName = serverName

			cert, err := baseTLSConfig.GetCertificate(&modifiedHello)
			if err != nil {
				if retryAfter, ok := parseRateLimit(err.Error()); ok {
					m.markRateLimited(serverName, retryAfter)
				}
				logger.Error("TLS: Failed to get certificate", "server_name", serverName, "error", err)
				return nil, fmt.Errorf("%w for %s: %v", ErrCertificateUnavailable, serverName, err)
			}

			m.clearRateLimit(serverName)
			return cert, nil
		},
		NextProtos:    append([]string{"pop3", "smtp"}, baseTLSConfig.NextProtos...),
		MinVersion:    tls.VersionTLS12,
		Renegotiation: tls.RenegotiateNever,
	}

	logger.Info("Let's Encrypt autocert initialized", "domains", leCfg.Domains, "cache_dir", cacheDir)
	return nil
}

// parseRateLimit recognizes a Let's Encrypt rate limit error such as
// "429 ... rateLimited ... retry after 2026-01-25 12:42:05 UTC: see https://...".
// Without a parseable time the domain is blocked for a day.
func parseRateLimit(errStr string) (time.Time, bool) {
	if !strings.Contains(errStr, "429") || !strings.Contains(errStr, "rateLimited") {
		return time.Time{}, false
	}
	retryAfter := time.Now().Add(24 * time.Hour)
	if _, after, ok := strings.Cut(errStr, "retry after "); ok {
		timeStr, _, _ := strings.Cut(after, ": ")
		if parsed, err := time.Parse("2006-01-02 15:04:05 MST", strings.TrimSpace(timeStr)); err == nil {
			retryAfter = parsed
		}
	}
	return retryAfter, true
}

// GetTLSConfig returns the TLS configuration for use with servers
func (m *Manager) GetTLSConfig() *tls.Config {
	return m.tlsConfig
}

// HTTPHandler returns the handler for ACME HTTP-01 challenges, nil when
// certificates come from files.
func (m *Manager) HTTPHandler() http.Handler {
	if m.autocertMgr == nil {
		return nil
	}
	return m.autocertMgr.HTTPHandler(nil)
}

// StartChallengeServer serves HTTP-01 challenges on the configured
// http_addr until ctx is cancelled. It does nothing for the file provider
// or when no address is configured.
func (m *Manager) StartChallengeServer(ctx context.Context, errChan chan error) {
	handler := m.HTTPHandler()
	addr := m.config.LetsEncrypt.HTTPAddr
	if handler == nil || addr == "" {
		return
	}

	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Info("Serving ACME HTTP-01 challenges", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errChan <- fmt.Errorf("ACME challenge server: %w", err)
	}
}

func (m *Manager) isRateLimited(domain string) (bool, time.Time) {
	m.rateLimitMu.RLock()
	defer m.rateLimitMu.RUnlock()

	retryAfter, exists := m.rateLimitMap[domain]
	if !exists || time.Now().After(retryAfter) {
		return false, time.Time{}
	}
	return true, retryAfter
}

func (m *Manager) markRateLimited(domain string, retryAfter time.Time) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()

	m.rateLimitMap[domain] = retryAfter
	logger.Warn("TLS: Domain marked as rate-limited", "domain", domain, "retry_after", retryAfter)
}

func (m *Manager) clearRateLimit(domain string) {
	m.rateLimitMu.Lock()
	defer m.rateLimitMu.Unlock()

	delete(m.rateLimitMap, domain)
}
