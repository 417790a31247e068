package server

import (
	"fmt"

	"github.com/migadu/mailroute/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetActiveConnections() int64
}

// Session carries the identity of one protocol session for logging.
type Session struct {
	Id         string
	RemoteIP   string
	HostName   string
	ServerName string // Name of the server instance (e.g., "lmtp0")
	Protocol   string
	Stats      ConnectionStatsProvider
}

func (s *Session) attrs(format string, args []any) []any {
	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	out := []any{"protocol", protocol, "remote", s.RemoteIP, "session", s.Id}
	if s.Stats != nil {
		out = append(out, "conn_total", s.Stats.GetTotalConnections(), "conn_active", s.Stats.GetActiveConnections())
	}
	return append(out, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.attrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.attrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.attrs(format, args)...)
}
