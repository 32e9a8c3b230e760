package pop3

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
	"github.com/migadu/mop3/translator"
)

const (
	DefaultMaxErrors   = 3                // errors tolerated before the connection is closed
	DefaultErrorDelay  = time.Second      // delay per accumulated error
	DefaultIdleTimeout = 10 * time.Minute // RFC 1939 §3 minimum autologout timer
	// DefaultMediaTimeout bounds all media downloads of one login together.
	DefaultMediaTimeout = 30 * time.Second
	mediaFetchWorkers   = 4
	maxCommandLength    = 1024
)

type POP3Server struct {
	addr     string
	name     string
	hostname string
	backend  social.Capability
	appCtx   context.Context
	cancel   context.CancelFunc

	tlsConfig *tls.Config

	// Configured credentials take precedence over USER/PASS.
	account string
	token   string

	translate     translator.Options
	timelineLimit int
	fetchMedia    bool
	mediaTimeout  time.Duration

	idleTimeout time.Duration
	maxErrors   int
	errorDelay  time.Duration

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*POP3Session]struct{}
	sessionsWg          sync.WaitGroup
	// closing is set by Close under activeSessionsMutex. No session is
	// registered afterwards, so sessionsWg.Add never races with Wait.
	closing bool
}

type POP3ServerOptions struct {
	Account       string
	Token         string
	Translate     translator.Options
	TimelineLimit int
	IdleTimeout   time.Duration // 0 disables the idle timer
	MaxErrors     int           // 0 disables the error limit
	ErrorDelay    time.Duration
	// MediaTimeout bounds media downloads at login, 0 means DefaultMediaTimeout.
	MediaTimeout time.Duration
	TLSConfig    *tls.Config
}

func New(appCtx context.Context, name, hostname, addr string, backend social.Capability, options POP3ServerOptions) (*POP3Server, error) {
	if backend == nil {
		return nil, fmt.Errorf("%w: POP3 server needs a social backend", consts.ErrInvalidConfig)
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	limit := options.TimelineLimit
	if limit <= 0 {
		limit = consts.DefaultTimelineLimit
	}
	mediaTimeout := options.MediaTimeout
	if mediaTimeout <= 0 {
		mediaTimeout = DefaultMediaTimeout
	}

	s := &POP3Server{
		addr:           addr,
		name:           name,
		hostname:       hostname,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		tlsConfig:      options.TLSConfig,
		account:        options.Account,
		token:          options.Token,
		translate:      options.Translate,
		timelineLimit:  limit,
		fetchMedia:     options.Translate.Attachment || options.Translate.Inline,
		mediaTimeout:   mediaTimeout,
		idleTimeout:    options.IdleTimeout,
		maxErrors:      options.MaxErrors,
		errorDelay:     options.ErrorDelay,
		activeSessions: make(map[*POP3Session]struct{}),
	}
	if s.translate.Domain == "" {
		s.translate.Domain = hostname
	}
	return s, nil
}

// Start listens on the configured address and serves until Close is called.
// Fatal listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := serverPkg.Listen(s.appCtx, s.addr, s.tlsConfig)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("POP3: %w", err)
		return
	}
	logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "tls", s.tlsConfig != nil, "backend", s.backend.Name())

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener and runs one session goroutine per
// connection. It returns nil after Close.
func (s *POP3Server) Serve(listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
				return fmt.Errorf("POP3 accept: %w", err)
			}
		}

		sessionCtx, sessionCancel := context.WithCancel(s.appCtx)

		totalCount := s.totalConnections.Add(1)
		metrics.ConnectionsTotal.WithLabelValues("pop3").Inc()
		metrics.ConnectionsCurrent.WithLabelValues("pop3").Inc()

		session := &POP3Session{
			Session:   serverPkg.NewSession(consts.ProtocolPOP3, s.name, conn, s),
			server:    s,
			conn:      conn,
			ctx:       sessionCtx,
			cancel:    sessionCancel,
			startTime: time.Now(),
		}
		logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount)

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

func (s *POP3Server) Close() {
	s.activeSessionsMutex.Lock()
	s.closing = true
	s.activeSessionsMutex.Unlock()

	s.sendGracefulShutdownMessage()

	if s.cancel != nil {
		s.cancel()
	}

	s.waitForSessionsDrain(30 * time.Second)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Debug("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// addSession registers session and counts it in sessionsWg. It returns
// false once Close has started.
func (s *POP3Server) addSession(session *POP3Session) bool {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	if s.closing {
		return false
	}
	s.activeSessions[session] = struct{}{}
	s.sessionsWg.Add(1)
	return true
}

func (s *POP3Server) removeSession(session *POP3Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// sendGracefulShutdownMessage tells every client that the server goes away
// and closes the connections to unblock pending reads.
func (s *POP3Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	activeSessions := make([]*POP3Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		activeSessions = append(activeSessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(activeSessions) == 0 {
		return
	}

	logger.Debug("POP3: Sending graceful shutdown message to active connections", "name", s.name, "count", len(activeSessions))

	for _, session := range activeSessions {
		session.conn.SetWriteDeadline(time.Now().Add(time.Second))
		writer := bufio.NewWriter(session.conn)
		writer.WriteString("-ERR [SYS/TEMP] Server shutting down, please reconnect\r\n")
		writer.Flush()
	}
	for _, session := range activeSessions {
		session.conn.Close()
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}
