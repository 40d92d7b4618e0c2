// Package inbound implements the SMTP listener that accepts mail for local
// accounts and stores one message per resolved recipient.
package inbound

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
	serverPkg "github.com/migadu/courier/server"
	"github.com/migadu/courier/server/idgen"
)

const protocol = "smtp"

// Resolver maps a recipient address to a local account.
type Resolver interface {
	Resolve(ctx context.Context, address string) (*db.Account, error)
}

// MessageStore persists received messages.
type MessageStore interface {
	SaveMessage(ctx context.Context, m *db.Message) error
}

type Options struct {
	Hostname       string
	MaxMessageSize int64
	MaxRecipients  int
	MaxErrors      int
	MaxConnections int // 0 means unlimited
	CommandTimeout time.Duration
	DataTimeout    time.Duration
	Debug          bool
}

// OptionsFromConfig resolves the defaults of cfg into Options.
func OptionsFromConfig(cfg config.InboundConfig) (Options, error) {
	size, err := cfg.GetMaxMessageSize()
	if err != nil {
		return Options{}, fmt.Errorf("invalid max_message_size: %w", err)
	}
	cmdTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid command_timeout: %w", err)
	}
	dataTimeout, err := cfg.GetDataTimeout()
	if err != nil {
		return Options{}, fmt.Errorf("invalid data_timeout: %w", err)
	}
	return Options{
		Hostname:       cfg.GetHostname(),
		MaxMessageSize: size,
		MaxRecipients:  cfg.GetMaxRecipients(),
		MaxErrors:      cfg.GetMaxErrors(),
		MaxConnections: cfg.MaxConnections,
		CommandTimeout: cmdTimeout,
		DataTimeout:    dataTimeout,
		Debug:          cfg.Debug,
	}, nil
}

func (o *Options) applyDefaults() {
	if o.Hostname == "" {
		o.Hostname = "localhost"
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 25 << 20
	}
	if o.MaxRecipients <= 0 {
		o.MaxRecipients = 100
	}
	if o.MaxErrors <= 0 {
		o.MaxErrors = 10
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = 5 * time.Minute
	}
	if o.DataTimeout <= 0 {
		o.DataTimeout = 10 * time.Minute
	}
}

type Server struct {
	addr     string
	opts     Options
	resolver Resolver
	store    MessageStore

	appCtx context.Context
	cancel context.CancelFunc

	listenerMu sync.Mutex
	listener   net.Listener
	slots      chan struct{}

	totalConnections atomic.Int64

	// Active session tracking for graceful shutdown
	activeSessionsMutex sync.RWMutex
	activeSessions      map[*Session]struct{}
	sessionsWg          sync.WaitGroup
}

func New(appCtx context.Context, addr string, resolver Resolver, store MessageStore, opts Options) *Server {
	opts.applyDefaults()
	ctx, cancel := context.WithCancel(appCtx)
	s := &Server{
		addr:           addr,
		opts:           opts,
		resolver:       resolver,
		store:          store,
		appCtx:         ctx,
		cancel:         cancel,
		activeSessions: make(map[*Session]struct{}),
	}
	if opts.MaxConnections > 0 {
		s.slots = make(chan struct{}, opts.MaxConnections)
	}
	return s
}

// Start listens on the configured address and serves until Close. Fatal
// listener errors are sent to errChan.
func (s *Server) Start(errChan chan error) {
	l, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}
	logger.Info("Inbound SMTP server listening", "addr", l.Addr().String(), "hostname", s.opts.Hostname,
		"max_message_size", s.opts.MaxMessageSize, "max_connections", s.opts.MaxConnections)
	if err := s.Serve(l); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on l until Close is called. It returns nil after
// a graceful stop.
func (s *Server) Serve(l net.Listener) error {
	s.listenerMu.Lock()
	s.listener = l
	s.listenerMu.Unlock()
	defer l.Close()

	go func() {
		<-s.appCtx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("Inbound SMTP server stopped gracefully")
				return nil
			default:
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			return err
		}

		if !s.acquireSlot() {
			logger.Debug("Inbound: connection rejected, limit reached", "remote", serverPkg.RemoteHost(conn.RemoteAddr()), "max", s.opts.MaxConnections)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			fmt.Fprintf(conn, "421 4.3.2 %s Too many connections, try again later\r\n", s.opts.Hostname)
			conn.Close()
			continue
		}

		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			defer s.releaseSlot()
			s.serve(conn)
		}()
	}
}

// ServeConn runs one session on conn and returns when it ends.
func (s *Server) ServeConn(conn net.Conn) {
	s.sessionsWg.Add(1)
	defer s.sessionsWg.Done()
	s.serve(conn)
}

func (s *Server) acquireSlot() bool {
	if s.slots == nil {
		return true
	}
	select {
	case s.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) serve(conn net.Conn) {
	// Sessions outlive the server context so a delivery in progress can
	// finish its store writes during shutdown.
	ctx, cancel := context.WithCancel(context.WithoutCancel(s.appCtx))
	session := &Session{
		srv:    s,
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		ctx:    ctx,
		cancel: cancel,
		start:  time.Now(),
	}
	session.Id = idgen.New()
	session.RemoteIP = serverPkg.RemoteHost(conn.RemoteAddr())
	session.Protocol = "SMTP"
	session.HostName = s.opts.Hostname

	total := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(protocol).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(protocol).Inc()
	logger.Debug("Inbound: new connection", "remote", session.RemoteIP, "session", session.Id, "total_connections", total)

	s.addSession(session)
	defer s.removeSession(session)
	session.handleConnection()
}

// Close stops accepting connections, tells live sessions the server is
// going away and waits up to 30s for them to finish.
func (s *Server) Close() {
	s.cancel()
	s.listenerMu.Lock()
	if s.listener != nil {
		s.listener.Close()
	}
	s.listenerMu.Unlock()

	s.sendGracefulShutdownMessage()
	s.waitForSessionsDrain(30 * time.Second)
}

func (s *Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("Inbound: all sessions drained")
	case <-time.After(timeout):
		logger.Warn("Inbound: session drain timeout, forcing shutdown", "timeout", timeout)
	}
}

func (s *Server) addSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	s.activeSessions[session] = struct{}{}
}

func (s *Server) removeSession(session *Session) {
	s.activeSessionsMutex.Lock()
	defer s.activeSessionsMutex.Unlock()
	delete(s.activeSessions, session)
}

// ActiveSessions returns the number of connected sessions.
func (s *Server) ActiveSessions() int {
	s.activeSessionsMutex.RLock()
	defer s.activeSessionsMutex.RUnlock()
	return len(s.activeSessions)
}

func (s *Server) sendGracefulShutdownMessage() {
	s.activeSessionsMutex.RLock()
	sessions := make([]*Session, 0, len(s.activeSessions))
	for session := range s.activeSessions {
		sessions = append(sessions, session)
	}
	s.activeSessionsMutex.RUnlock()

	if len(sessions) == 0 {
		return
	}
	logger.Debug("Inbound: sending shutdown notice to active sessions", "count", len(sessions))

	for _, session := range sessions {
		session.shutdown()
	}
}
