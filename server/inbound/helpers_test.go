package inbound

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	accounts    map[string]*db.Account
	unavailable map[string]bool
}

func (r *fakeResolver) Resolve(_ context.Context, address string) (*db.Account, error) {
	if r.unavailable[address] {
		return nil, fmt.Errorf("%w: connection refused", consts.ErrResolutionUnavailable)
	}
	if a, ok := r.accounts[address]; ok {
		return a, nil
	}
	return nil, db.ErrAccountNotFound
}

func newResolver(addresses ...string) *fakeResolver {
	r := &fakeResolver{accounts: map[string]*db.Account{}, unavailable: map[string]bool{}}
	for i, a := range addresses {
		r.accounts[a] = &db.Account{ID: int64(i + 1), Address: a}
	}
	return r
}

type memStore struct {
	mu       sync.Mutex
	messages []db.Message
	err      error
}

func (s *memStore) SaveMessage(_ context.Context, m *db.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	db.PrepareMessage(m)
	s.messages = append(s.messages, *m)
	return nil
}

func (s *memStore) all() []db.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]db.Message(nil), s.messages...)
}

func testOptions() Options {
	return Options{
		Hostname:       "mx.test",
		MaxMessageSize: 1024,
		MaxRecipients:  3,
		MaxErrors:      5,
		CommandTimeout: 5 * time.Second,
		DataTimeout:    5 * time.Second,
	}
}

// startListener serves srv on a loopback port.
func startListener(t *testing.T, srv *Server) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Serve(l)
	t.Cleanup(srv.Close)
	return l.Addr().String()
}

// transcript drives a session over net.Pipe line by line.
type transcript struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func startPipe(t *testing.T, srv *Server) *transcript {
	t.Helper()
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		srv.ServeConn(server)
		close(done)
	}()
	t.Cleanup(func() {
		client.Close()
		<-done
	})
	tr := &transcript{t: t, conn: client, r: bufio.NewReader(client)}
	tr.expect(220)
	return tr
}

func (tr *transcript) send(line string) {
	tr.t.Helper()
	require.NoError(tr.t, tr.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := fmt.Fprintf(tr.conn, "%s\r\n", line)
	require.NoError(tr.t, err)
}

// expect reads one possibly multi-line reply and returns its text lines.
func (tr *transcript) expect(code int) []string {
	tr.t.Helper()
	require.NoError(tr.t, tr.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var lines []string
	for {
		line, err := tr.r.ReadString('\n')
		require.NoError(tr.t, err, "waiting for %d", code)
		line = strings.TrimRight(line, "\r\n")
		require.GreaterOrEqual(tr.t, len(line), 4, "short reply %q", line)
		got, err := strconv.Atoi(line[:3])
		require.NoError(tr.t, err)
		require.Equal(tr.t, code, got, "reply %q", line)
		lines = append(lines, line[4:])
		if line[3] == ' ' {
			return lines
		}
	}
}

func (tr *transcript) cmd(line string, code int) string {
	tr.t.Helper()
	tr.send(line)
	lines := tr.expect(code)
	return lines[len(lines)-1]
}

// expectClosed asserts the server hung up.
func (tr *transcript) expectClosed() {
	tr.t.Helper()
	require.NoError(tr.t, tr.conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, err := tr.r.ReadString('\n')
	require.Error(tr.t, err)
}

const sampleMessage = "From: Sender <sender@remote.test>\r\n" +
	"To: user@example.com\r\n" +
	"Subject: Hello\r\n" +
	"\r\n" +
	"Hi there\r\n"

func (tr *transcript) sendBody(body string) {
	tr.t.Helper()
	require.NoError(tr.t, tr.conn.SetWriteDeadline(time.Now().Add(5*time.Second)))
	_, err := fmt.Fprint(tr.conn, body+".\r\n")
	require.NoError(tr.t, err)
}
