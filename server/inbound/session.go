package inbound

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net"
	"net/textproto"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/helpers"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
	serverPkg "github.com/migadu/courier/server"
)

// maxLineLength is the RFC 5321 command line limit, CRLF included.
const maxLineLength = 1000

var (
	errLineTooLong   = errors.New("line too long")
	errShuttingDown  = errors.New("server shutting down")
	errAuthCancelled = errors.New("authentication cancelled")
)

func replyErr(code int, class, subject, detail int, msg string) *smtp.SMTPError {
	return &smtp.SMTPError{Code: code, EnhancedCode: smtp.EnhancedCode{class, subject, detail}, Message: msg}
}

var (
	errBadSequence      = replyErr(503, 5, 5, 1, "Bad sequence of commands")
	errNestedMail       = replyErr(503, 5, 5, 1, "Nested MAIL command")
	errNeedMail         = replyErr(503, 5, 5, 1, "Need MAIL before RCPT")
	errNeedRcpt         = replyErr(503, 5, 5, 1, "Need RCPT before DATA")
	errAlreadyAuth      = replyErr(503, 5, 5, 1, "Already authenticated")
	errAuthInTx         = replyErr(503, 5, 5, 1, "AUTH not permitted during a mail transaction")
	errUnknownCommand   = replyErr(500, 5, 5, 2, "Command not recognized")
	errNotImplemented   = replyErr(502, 5, 5, 1, "Command not implemented")
	errLineTooLongReply = replyErr(500, 5, 5, 6, "Line too long")
	errHeloSyntax       = replyErr(501, 5, 5, 4, "Syntax: EHLO hostname")
	errMailSyntax       = replyErr(501, 5, 5, 4, "Syntax: MAIL FROM:<address>")
	errRcptSyntax       = replyErr(501, 5, 5, 4, "Syntax: RCPT TO:<address>")
	errBadRecipient     = replyErr(501, 5, 1, 3, "Bad recipient address syntax")
	errTooManyRcpts     = replyErr(452, 4, 5, 3, "Too many recipients")
	errTooLarge         = replyErr(552, 5, 3, 4, "Message size exceeds fixed maximum message size")
	errMalformed        = replyErr(554, 5, 6, 0, "Malformed message")
	errTryAgain         = replyErr(451, 4, 3, 0, "Temporary failure, try again later")
	errAuthSyntax       = replyErr(501, 5, 5, 4, "Syntax: AUTH mechanism [initial-response]")
	errAuthMechanism    = replyErr(504, 5, 5, 4, "Unrecognized authentication mechanism")
	errAuthEncoding     = replyErr(501, 5, 5, 2, "Cannot decode response")
	errAuthAborted      = replyErr(501, 5, 0, 0, "Authentication cancelled")
)

// Session is one inbound SMTP connection.
type Session struct {
	serverPkg.Session
	srv    *Server
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	ctx    context.Context
	cancel context.CancelFunc
	start  time.Time

	fsm           stateMachine
	heloName      string
	authenticated bool
	errorCount    int
	lastCode      int

	mu      sync.Mutex // guards writer, waiting and closing
	waiting bool       // blocked reading the next command
	closing bool
}

func (s *Session) handleConnection() {
	defer s.close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Inbound: session panic recovered", "session", s.Id, "remote", s.RemoteIP, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	s.reply(220, "%s ESMTP courier ready", s.HostName)

	for s.fsm.state != stateClosed {
		line, err := s.readCommand()
		switch {
		case err == nil:
		case errors.Is(err, errLineTooLong):
			s.fail(errLineTooLongReply)
			continue
		case errors.Is(err, errShuttingDown):
			s.replyShutdown()
			return
		case isTimeout(err):
			s.reply(421, "4.4.2 %s Idle timeout, closing connection", s.HostName)
			return
		default:
			if !serverPkg.IsConnectionError(err) {
				s.WarnLog("read error: %v", err)
			}
			return
		}

		s.dispatch(line)

		if s.isClosing() && s.fsm.state != stateClosed {
			s.replyShutdown()
			return
		}
	}
}

func (s *Session) dispatch(line string) {
	verb, arg := parseCommand(line)
	if s.srv.opts.Debug {
		s.DebugLog("C: %s", helpers.MaskSensitive(line, verb, "AUTH"))
	}

	start := time.Now()
	label := verb
	defer func() {
		status := "success"
		if s.lastCode >= 400 {
			status = "failure"
		}
		metrics.CommandsTotal.WithLabelValues(protocol, label, status).Inc()
		metrics.CommandDuration.WithLabelValues(protocol, label).Observe(time.Since(start).Seconds())
	}()

	switch verb {
	case "HELO", "EHLO":
		s.handleHelo(verb, arg)
	case "MAIL":
		s.handleMail(arg)
	case "RCPT":
		s.handleRcpt(arg)
	case "DATA":
		s.handleData()
	case "RSET":
		s.fsm.reset(stateGreeted)
		s.reply(250, "2.0.0 OK")
	case "NOOP":
		s.reply(250, "2.0.0 OK")
	case "VRFY":
		s.reply(252, "2.5.0 Cannot VRFY user, but will accept message and attempt delivery")
	case "AUTH":
		s.handleAuth(arg)
	case "HELP":
		s.reply(214, "2.0.0 See RFC 5321")
	case "QUIT":
		s.reply(221, "2.0.0 %s closing connection", s.HostName)
		s.fsm.close()
	case "STARTTLS", "EXPN", "BDAT", "ETRN", "TURN":
		s.fail(errNotImplemented)
	default:
		label = "UNKNOWN"
		s.fail(errUnknownCommand)
	}
}

func (s *Session) handleHelo(verb, arg string) {
	if arg == "" {
		s.fail(errHeloSyntax)
		return
	}
	s.heloName = arg
	s.fsm.reset(stateGreeted)

	if verb == "HELO" {
		s.reply(250, "%s Hello %s", s.HostName, arg)
		return
	}
	s.replyLines(250,
		fmt.Sprintf("%s Hello %s", s.HostName, arg),
		"PIPELINING",
		"8BITMIME",
		fmt.Sprintf("SIZE %d", s.srv.opts.MaxMessageSize),
		"ENHANCEDSTATUSCODES",
		"AUTH PLAIN LOGIN",
	)
}

func (s *Session) handleMail(arg string) {
	if s.fsm.inTransaction() {
		s.fail(errNestedMail)
		return
	}
	path, params, err := parsePath(arg, "FROM:")
	if err != nil {
		s.fail(errMailSyntax)
		return
	}
	if v, ok := params["SIZE"]; ok {
		if size, err := strconv.ParseInt(v, 10, 64); err == nil && size > s.srv.opts.MaxMessageSize {
			s.replyError(errTooLarge)
			return
		}
	}

	// The sender is not verified; a parseable address is only normalized.
	sender := path
	if addr, err := serverPkg.NewAddress(path); err == nil {
		sender = addr.FullAddress()
	}
	if s.fsm.state == stateIdle && s.heloName == "" {
		s.DebugLog("MAIL without greeting, continuing")
	}
	s.fsm.mail(sender)
	s.reply(250, "2.1.0 Sender OK")
}

func (s *Session) handleRcpt(arg string) {
	if s.fsm.state != stateHasSender && s.fsm.state != stateHasRecipient {
		s.fail(errNeedMail)
		return
	}
	path, _, err := parsePath(arg, "TO:")
	if err != nil || path == "" {
		s.fail(errRcptSyntax)
		return
	}
	addr, err := serverPkg.NewAddress(path)
	if err != nil {
		s.fail(errBadRecipient)
		return
	}
	if len(s.fsm.recipients) >= s.srv.opts.MaxRecipients {
		s.replyError(errTooManyRcpts)
		return
	}
	s.fsm.rcpt(addr.FullAddress())
	s.reply(250, "2.1.5 Recipient OK")
}

func (s *Session) handleData() {
	switch s.fsm.state {
	case stateHasRecipient:
	case stateHasSender:
		s.fail(errNeedRcpt)
		return
	default:
		s.fail(errBadSequence)
		return
	}

	s.fsm.beginData()
	s.reply(354, "Start mail input; end with <CRLF>.<CRLF>")

	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.DataTimeout))
	raw, err := s.readBody()
	switch {
	case errors.Is(err, consts.ErrMessageTooLarge):
		s.fsm.abortData()
		metrics.InboundRejected.WithLabelValues("too_large").Inc()
		s.replyError(errTooLarge)
		return
	case err != nil:
		if isTimeout(err) {
			s.reply(421, "4.4.2 %s Timeout waiting for data, closing connection", s.HostName)
		} else if !serverPkg.IsConnectionError(err) {
			s.WarnLog("failed reading message body: %v", err)
		}
		s.fsm.close()
		return
	}

	report, err := s.srv.deliver(s.ctx, s.fsm.sender, s.fsm.recipients, raw)
	if err != nil {
		s.fsm.abortData()
		metrics.InboundRejected.WithLabelValues("malformed").Inc()
		s.Log("rejected malformed message from %s: %v", s.fsm.sender, err)
		s.replyError(errMalformed)
		return
	}
	s.fsm.completeData()

	logger.Info("Inbound: delivery report", "session", s.Id, "sender", report.Sender, "size", report.Size,
		"recipients", len(report.Results),
		"stored", report.Count(OutcomeStored),
		"unknown", report.Count(OutcomeUnknownRecipient),
		"unavailable", report.Count(OutcomeUnavailable),
		"store_errors", report.Count(OutcomeStoreError))

	if report.Retryable() {
		metrics.InboundRejected.WithLabelValues("unavailable").Inc()
		s.replyError(errTryAgain)
		return
	}
	s.reply(250, "2.0.0 OK: message accepted")
}

// readBody reads a dot-terminated body. An oversized body is drained up to
// the terminator so the session stays in sync.
func (s *Session) readBody() ([]byte, error) {
	dr := textproto.NewReader(s.reader).DotReader()
	limit := s.srv.opts.MaxMessageSize

	raw, err := io.ReadAll(io.LimitReader(dr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) > limit {
		if _, err := io.Copy(io.Discard, dr); err != nil {
			return nil, err
		}
		return nil, consts.ErrMessageTooLarge
	}
	return raw, nil
}

func (s *Session) handleAuth(arg string) {
	if s.authenticated {
		s.fail(errAlreadyAuth)
		return
	}
	if s.fsm.inTransaction() {
		s.fail(errAuthInTx)
		return
	}

	mechanism, initial, _ := strings.Cut(arg, " ")
	mechanism = strings.ToUpper(mechanism)
	initial = strings.TrimSpace(initial)

	var (
		username string
		err      error
	)
	switch mechanism {
	case "":
		s.fail(errAuthSyntax)
		return
	case sasl.Plain:
		server := sasl.NewPlainServer(func(identity, user, password string) error {
			username = user
			return nil
		})
		err = s.runSASL(server, initial)
	case sasl.Login:
		username, err = s.authLogin(initial)
	default:
		s.fail(errAuthMechanism)
		return
	}
	metrics.AuthenticationAttempts.WithLabelValues(protocol, mechanism).Inc()

	switch {
	case errors.Is(err, errAuthCancelled):
		s.fail(errAuthAborted)
		return
	case err != nil && (isTimeout(err) || serverPkg.IsConnectionError(err)):
		s.fsm.close()
		return
	case err != nil:
		s.fail(errAuthEncoding)
		return
	}

	s.authenticated = true
	s.Username = username
	logger.Info("Inbound: AUTH accepted without verification", "policy", "accept_all_auth",
		"session", s.Id, "remote", s.RemoteIP, "mechanism", mechanism, "username", username)
	s.reply(235, "2.7.0 Authentication successful")
}

// runSASL drives a go-sasl server through 334 challenges.
func (s *Session) runSASL(server sasl.Server, initial string) error {
	var response []byte
	if initial != "" {
		decoded, err := decodeResponse(initial)
		if err != nil {
			return err
		}
		response = decoded
	}
	for {
		challenge, done, err := server.Next(response)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
		s.reply(334, "%s", base64.StdEncoding.EncodeToString(challenge))
		if response, err = s.readAuthResponse(); err != nil {
			return err
		}
	}
}

// authLogin implements the LOGIN mechanism, which go-sasl only provides
// as a client.
func (s *Session) authLogin(initial string) (string, error) {
	var (
		user []byte
		err  error
	)
	if initial != "" {
		user, err = decodeResponse(initial)
	} else {
		s.reply(334, "VXNlcm5hbWU6")
		user, err = s.readAuthResponse()
	}
	if err != nil {
		return "", err
	}
	s.reply(334, "UGFzc3dvcmQ6")
	if _, err := s.readAuthResponse(); err != nil {
		return "", err
	}
	return string(user), nil
}

func (s *Session) readAuthResponse() ([]byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.CommandTimeout))
	line, err := s.readLine()
	if err != nil {
		return nil, err
	}
	if line == "*" {
		return nil, errAuthCancelled
	}
	return decodeResponse(line)
}

func decodeResponse(s string) ([]byte, error) {
	if s == "=" {
		return []byte{}, nil
	}
	return base64.StdEncoding.DecodeString(s)
}

// readCommand waits for the next command line under the command timeout.
func (s *Session) readCommand() (string, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return "", errShuttingDown
	}
	s.waiting = true
	// Replies to pipelined commands are flushed together, once no complete
	// command is left in the buffer.
	if buffered, _ := s.reader.Peek(s.reader.Buffered()); !bytes.Contains(buffered, []byte("\n")) {
		_ = s.writer.Flush()
	}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.waiting = false
		s.mu.Unlock()
	}()

	_ = s.conn.SetReadDeadline(time.Now().Add(s.srv.opts.CommandTimeout))
	return s.readLine()
}

// readLine reads one CRLF terminated line. Lines over maxLineLength are
// consumed whole and reported as errLineTooLong.
func (s *Session) readLine() (string, error) {
	var (
		line    []byte
		tooLong bool
	)
	for {
		chunk, err := s.reader.ReadSlice('\n')
		if !tooLong {
			if len(line)+len(chunk) > maxLineLength {
				tooLong = true
				line = nil
			} else {
				line = append(line, chunk...)
			}
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err != nil {
			return "", err
		}
		break
	}
	if tooLong {
		return "", errLineTooLong
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *Session) fail(err *smtp.SMTPError) {
	s.replyError(err)
	s.errorCount++
	if s.errorCount >= s.srv.opts.MaxErrors {
		s.Log("too many errors (%d), closing connection", s.errorCount)
		s.reply(421, "4.7.0 %s Too many errors, closing connection", s.HostName)
		s.fsm.close()
	}
}

func (s *Session) replyError(err *smtp.SMTPError) {
	c := err.EnhancedCode
	s.reply(err.Code, "%d.%d.%d %s", c[0], c[1], c[2], err.Message)
}

func (s *Session) reply(code int, format string, args ...any) {
	s.replyLines(code, fmt.Sprintf(format, args...))
}

func (s *Session) replyLines(code int, lines ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLocked(code, lines...)
}

func (s *Session) writeLocked(code int, lines ...string) {
	s.lastCode = code
	for i, line := range lines {
		sep := "-"
		if i == len(lines)-1 {
			sep = " "
		}
		fmt.Fprintf(s.writer, "%d%s%s\r\n", code, sep, line)
		if s.srv.opts.Debug {
			s.DebugLog("S: %d%s%s", code, sep, line)
		}
	}
	if code == 354 || code == 334 || code >= 400 {
		_ = s.writer.Flush()
	}
}

func (s *Session) replyShutdown() {
	s.reply(421, "4.3.2 Server shutting down")
	s.fsm.close()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

// shutdown notifies a session that is waiting for a command and closes its
// connection. A busy session notices the flag after its current command.
func (s *Session) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.waiting {
		s.writeLocked(421, "4.3.2 Server shutting down")
		_ = s.writer.Flush()
		s.conn.Close()
	}
}

func (s *Session) close() {
	s.mu.Lock()
	_ = s.writer.Flush()
	s.mu.Unlock()
	s.conn.Close()
	s.cancel()
	metrics.ConnectionsCurrent.WithLabelValues(protocol).Dec()
	metrics.ConnectionDuration.WithLabelValues(protocol).Observe(time.Since(s.start).Seconds())
	s.DebugLog("connection closed after %s", time.Since(s.start).Round(time.Millisecond))
}

func parseCommand(line string) (verb, arg string) {
	verb, arg, _ = strings.Cut(strings.TrimSpace(line), " ")
	return strings.ToUpper(verb), strings.TrimSpace(arg)
}

// parsePath splits "FROM:<addr> PARAM=value ..." into the address inside the
// angle brackets and the upper-cased ESMTP parameters. The null path <>
// yields an empty address.
func parsePath(arg, prefix string) (string, map[string]string, error) {
	if len(arg) < len(prefix) || !strings.EqualFold(arg[:len(prefix)], prefix) {
		return "", nil, errors.New("missing " + prefix)
	}
	rest := strings.TrimSpace(arg[len(prefix):])

	var path string
	if strings.HasPrefix(rest, "<") {
		end := strings.IndexByte(rest, '>')
		if end < 0 {
			return "", nil, errors.New("unterminated path")
		}
		path, rest = rest[1:end], rest[end+1:]
	} else {
		path, rest, _ = strings.Cut(rest, " ")
		if path == "" {
			return "", nil, errors.New("empty path")
		}
	}

	params := make(map[string]string)
	for _, field := range strings.Fields(rest) {
		k, v, _ := strings.Cut(field, "=")
		params[strings.ToUpper(k)] = v
	}
	return strings.TrimSpace(path), params, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
