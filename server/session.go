package server

import (
	"fmt"
	"net"

	"github.com/google/uuid"
	"github.com/migadu/mop3/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session holds the per-connection fields shared by the POP3 and SMTP engines.
type Session struct {
	Id         string
	RemoteIP   string
	Account    string // social account once known, empty before authentication
	ServerName string
	Protocol   string
	Stats      ConnectionStatsProvider
}

// NewSession returns a Session for conn with a fresh id.
func NewSession(protocol, serverName string, conn net.Conn, stats ConnectionStatsProvider) Session {
	return Session{
		Id:         uuid.NewString(),
		RemoteIP:   RemoteHost(conn),
		ServerName: serverName,
		Protocol:   protocol,
		Stats:      stats,
	}
}

// RemoteHost returns the host part of the peer address of conn.
func RemoteHost(conn net.Conn) string {
	if conn == nil || conn.RemoteAddr() == nil {
		return "unknown"
	}
	addr := conn.RemoteAddr().String()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Session) logAttrs(format string, args []any) []any {
	account := s.Account
	if account == "" {
		account = "none"
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocolPrefix, "conn", "remote=" + s.RemoteIP, "account", account, "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections())
		if s.Protocol == "POP3" {
			// SMTP sessions never authenticate
			attrs = append(attrs, "conn_auth", s.Stats.GetAuthenticatedConnections())
		}
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.logAttrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.logAttrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.logAttrs(format, args)...)
}
