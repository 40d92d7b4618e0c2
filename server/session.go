package server

import (
	"fmt"
	"net"

	"github.com/migadu/courier/logger"
)

// Session carries the identity of one client connection for logging.
type Session struct {
	Id         string
	RemoteIP   string
	HostName   string
	Protocol   string
	ServerName string
	Username   string // AUTH identity, for logging only
}

func (s *Session) attrs(format string, args []any) []any {
	protocol := s.Protocol
	if s.ServerName != "" {
		protocol = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}
	user := s.Username
	if user == "" {
		user = "none"
	}
	return []any{"protocol", protocol, "remote", s.RemoteIP, "user", user, "session", s.Id, "msg", fmt.Sprintf(format, args...)}
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

// RemoteHost returns the host part of addr, or its string form when it has no port.
func RemoteHost(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
