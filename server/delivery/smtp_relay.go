package delivery

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/migadu/courier/config"
	"github.com/migadu/courier/logger"
)

// SMTPRelay submits mail to an SMTP server over one persistent client. The
// client is reset between messages, redialed when broken and closed after
// sitting idle.
type SMTPRelay struct {
	name        string
	host        string
	heloName    string
	implicitTLS bool
	startTLS    bool
	tlsConfig   *tls.Config
	user        string
	password    string
	timeout     time.Duration
	idleTimeout time.Duration

	mu        sync.Mutex
	client    *smtp.Client
	conn      net.Conn
	lastUsed  time.Time
	idleTimer *time.Timer
}

// NewSMTPRelay creates a relay from provider configuration. No connection
// is made until the first Send.
func NewSMTPRelay(cfg config.RelayProviderConfig, heloName string) (*SMTPRelay, error) {
	timeout, err := cfg.GetTimeout()
	if err != nil {
		return nil, fmt.Errorf("relay %s: invalid timeout: %w", cfg.Name, err)
	}
	idle, err := cfg.GetIdleTimeout()
	if err != nil {
		return nil, fmt.Errorf("relay %s: invalid idle_timeout: %w", cfg.Name, err)
	}

	host := cfg.GetSMTPHost()
	serverName, _, _ := net.SplitHostPort(host)
	tlsConfig := &tls.Config{
		ServerName:         serverName,
		MinVersion:         tls.VersionTLS12,
		Renegotiation:      tls.RenegotiateNever,
		InsecureSkipVerify: !cfg.GetTLSVerify(),
	}
	if cfg.SMTPTLSCertFile != "" && cfg.SMTPTLSKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.SMTPTLSCertFile, cfg.SMTPTLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("relay %s: failed to load client certificate: %w", cfg.Name, err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}

	if cfg.HeloName != "" {
		heloName = cfg.HeloName
	}
	if heloName == "" {
		heloName = "localhost"
	}

	return &SMTPRelay{
		name:        cfg.Name,
		host:        host,
		heloName:    heloName,
		implicitTLS: cfg.SMTPTLS,
		startTLS:    cfg.SMTPUseStartTLS,
		tlsConfig:   tlsConfig,
		user:        cfg.SMTPUser,
		password:    cfg.SMTPPassword,
		timeout:     timeout,
		idleTimeout: idle,
	}, nil
}

func (r *SMTPRelay) dial(ctx context.Context) error {
	var (
		conn net.Conn
		err  error
	)
	dialer := &net.Dialer{Timeout: r.timeout}
	if r.implicitTLS {
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: r.tlsConfig}).DialContext(ctx, "tcp", r.host)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", r.host)
	}
	if err != nil {
		return &RelayError{Err: fmt.Errorf("failed to connect to SMTP relay %s: %w", r.host, err)}
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	var c *smtp.Client
	if r.startTLS {
		// The upgrade resets the session, so the EHLO below goes out over TLS.
		c, err = smtp.NewClientStartTLS(conn, r.tlsConfig)
		if err != nil {
			conn.Close()
			return classify("STARTTLS", err)
		}
	} else {
		c = smtp.NewClient(conn)
	}
	c.CommandTimeout = r.timeout
	c.SubmissionTimeout = r.timeout

	if err := c.Hello(r.heloName); err != nil {
		c.Close()
		return classify("EHLO", err)
	}
	if r.user != "" {
		if err := c.Auth(sasl.NewPlainClient("", r.user, r.password)); err != nil {
			c.Close()
			return classify("AUTH", err)
		}
	}

	logger.Debug("SMTP relay: connected", "provider", r.name, "host", r.host)
	r.client = c
	r.conn = conn
	return nil
}

// drop closes the current client without QUIT.
func (r *SMTPRelay) drop() {
	if r.client != nil {
		_ = r.client.Close()
	}
	r.client = nil
	r.conn = nil
}

// Send composes and submits one message.
func (r *SMTPRelay) Send(ctx context.Context, from, to, subject, text, html string) (string, error) {
	msg, err := Compose(r.heloName, from, to, subject, text, html)
	if err != nil {
		return "", &RelayError{Err: err, Permanent: true}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.client != nil {
		// A pooled connection may have been closed by the server.
		if err := r.client.Reset(); err != nil {
			logger.Debug("SMTP relay: pooled connection unusable, redialing", "provider", r.name, "error", err)
			r.drop()
		}
	}
	if r.client == nil {
		if err := r.dial(ctx); err != nil {
			return "", err
		}
	} else if deadline, ok := ctx.Deadline(); ok {
		_ = r.conn.SetDeadline(deadline)
	}

	if err := r.transaction(from, to, msg.Bytes); err != nil {
		if isSMTPReply(err) {
			// The server answered, so the session survives an RSET.
			if rerr := r.client.Reset(); rerr != nil {
				r.drop()
			}
		} else {
			r.drop()
		}
		return "", err
	}

	_ = r.conn.SetDeadline(time.Time{})
	r.touch()
	return msg.MessageID, nil
}

func isSMTPReply(err error) bool {
	var smtpErr *smtp.SMTPError
	return errors.As(err, &smtpErr)
}

func (r *SMTPRelay) transaction(from, to string, body []byte) error {
	if err := r.client.Mail(from, nil); err != nil {
		return classify("MAIL FROM", err)
	}
	if err := r.client.Rcpt(to, nil); err != nil {
		return classify("RCPT TO", err)
	}
	w, err := r.client.Data()
	if err != nil {
		return classify("DATA", err)
	}
	if _, err := bytes.NewReader(body).WriteTo(w); err != nil {
		_ = w.Close()
		return &RelayError{Err: fmt.Errorf("failed to write message: %w", err)}
	}
	if err := w.Close(); err != nil {
		return classify("end of DATA", err)
	}
	return nil
}

// touch records use and arms the idle timer. Callers hold r.mu.
func (r *SMTPRelay) touch() {
	r.lastUsed = time.Now()
	if r.idleTimeout <= 0 {
		return
	}
	if r.idleTimer == nil {
		r.idleTimer = time.AfterFunc(r.idleTimeout, r.closeIdle)
		return
	}
	r.idleTimer.Reset(r.idleTimeout)
}

func (r *SMTPRelay) closeIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.client == nil || time.Since(r.lastUsed) < r.idleTimeout {
		return
	}
	logger.Debug("SMTP relay: closing idle connection", "provider", r.name, "idle", time.Since(r.lastUsed))
	_ = r.client.Quit()
	r.drop()
}

// Close quits the open connection, if any.
func (r *SMTPRelay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	if r.client == nil {
		return nil
	}
	err := r.client.Quit()
	r.drop()
	return err
}
