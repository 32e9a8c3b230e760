// Package smtp accepts mail over a minimal SMTP dialect and publishes every
// message as a post on the configured social network account.
package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/mop3/consts"
	"github.com/migadu/mop3/logger"
	"github.com/migadu/mop3/pkg/metrics"
	serverPkg "github.com/migadu/mop3/server"
	"github.com/migadu/mop3/social"
)

const (
	DefaultMaxErrors   = 10
	DefaultErrorDelay  = time.Second
	DefaultIdleTimeout = 5 * time.Minute // RFC 5321 §4.5.3.2.7 server timeout
	maxCommandLength   = 1024
	// maxDataLineLength bounds a single DATA line. RFC 5321 allows 1000
	// octets; mail clients routinely exceed that for base64 or long HTML.
	maxDataLineLength = 64 * 1024
)

type SMTPServer struct {
	addr     string
	name     string
	hostname string
	backend  social.Capability
	appCtx   context.Context
	cancel   context.CancelFunc

	tlsConfig *tls.Config

	account string
	token   string

	maxMessageSize int64
	idleTimeout    time.Duration
	maxErrors      int
	errorDelay     time.Duration

	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	activeSessionsMutex sync.RWMutex
	activeSessions      map[*SMTPSession]struct{}
	sessionsWg          sync.WaitGroup
	// closing is set by Close under activeSessionsMutex. No session is
	// registered afterwards, so sessionsWg.Add never races with Wait.
	closing bool
}

type SMTPServerOptions struct {
	// Account and Token are the credentials every published post is sent with.
	Account        string
	Token          string
	MaxMessageSize int64
	IdleTimeout    time.Duration // 0 disables the idle timer
	MaxErrors      int           // 0 disables the error limit
	ErrorDelay     time.Duration
	TLSConfig      *tls.Config
}

func New(appCtx context.Context, name, hostname, addr string, backend social.Capability, options SMTPServerOptions) (*SMTPServer, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: SMTP server needs a social backend", consts.ErrInvalidConfig)
	}
	if options.Account == "" || options.Token == "" {
		return nil, fmt.Errorf("%w: SMTP server needs an account and a token", consts.ErrInvalidConfig)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	maxSize := options.MaxMessageSize
	if maxSize <= 0 {
		maxSize = consts.DefaultMaxMessageSize
	}

	return &SMTPServer{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		tlsConfig:      options.TLSConfig,
		account:        options.Account,
		token:          options.Token,
		maxMessageSize: maxSize,
		idleTimeout:    options.IdleTimeout,
		maxErrors:      options.MaxErrors,
		errorDelay:     options.ErrorDelay,
		activeSessions: make(map[*SMTPSession]struct{}),
	}, nil
}

// Start listens on the configured address and serves until Close is called.
func (s *SMTPServer) Start(errChan chan error) {
	listener, err := serverPkg.Listen(s.appCtx, s.addr, s.tlsConfig)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("SMTP: %w", err)
		return
	}
	logger.Info("SMTP server listening", "name", s.name, "addr", s.addr, "tls", s.tlsConfig != nil, "backend", s.backend.Name(), "max_message_size", s.maxMessageSize)

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until Close is called.
func (s *SMTPServer) Serve(listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("SMTP server stopped gracefully", "name", s.name)
				return nil
			default:
				return fmt.Errorf("SMTP accept: %w", err)
			}
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues("smtp").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("smtp").Inc()

		session := &SMTPSession{
			Session:   serverPkg.NewSession(consts.ProtocolSMTP, s.name, conn, s),
			server:    s,
			conn:      conn,
			ctx:       sessionCtx,
			cancel:    sessionCancel,
			startTime: time.Now(),
		}

		if !s.addSession(session) {
			session.Close()
			sessionCancel()
			continue
		}
		go func() {
			defer s.sessionsWg.Done()
			defer s.removeSession(session)
			session.handleConnection()
		}()
	}
}

func (s *SMTPServer) Close() {
	s.activeSessionsMutex.Lock()
	s.closing = true
	s.activeSessionsMutex.Unlock()

	s.sendGracefulShutdownMessage()
	s.cancel()
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *SMTPServer) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("SMTP: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("SMTP: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// addSession registers session and counts it in sessionsWg. It returns
// false once Close has started.
func (s *SMTPServer) addSession(session *SMTPSession) bool {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	if s.closing {
		return false
	}
	s.activeSessions[session] = struct{}{}
	s.sessionsWg.Add(1)
	return true
}

func (s *SMTPServer) removeSession(session *SMTPSession) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage sends 421 to every client and closes the
// connections. A transaction in the middle of DATA is lost and the client
// is expected to retry.
func (s *SMTPServer) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*SMTPSession, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	for _, session := range activeSessions {
		session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		writer := bufio.NewWriter(session.conn)
		writeReply(writer, errShuttingDown(s.hostname))
		writer.Flush()
		session.conn.Close()
	}
}

func (s *SMTPServer) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

func (s *SMTPServer) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
