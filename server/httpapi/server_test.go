package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/db/sqlitestore"
	"github.com/migadu/courier/pkg/health"
	"github.com/migadu/courier/server/delivery"
	"github.com/migadu/courier/server/domainauth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAPIKey = "secret-key"

type fakeDispatcher struct {
	result *delivery.SendResult
	err    error
	got    delivery.SendRequest
}

func (f *fakeDispatcher) Send(_ context.Context, req delivery.SendRequest) (*delivery.SendResult, error) {
	f.got = req
	return f.result, f.err
}

type fakeChecker struct{}

func (fakeChecker) CheckWithSelector(_ context.Context, domain, selector string) (*domainauth.Report, error) {
	switch domain {
	case "":
		return nil, consts.ErrEmptyDomain
	case "bad_domain":
		return nil, fmt.Errorf("%w: %q", consts.ErrInvalidDomain, domain)
	}
	if selector == "" {
		selector = domainauth.DefaultSelector
	}
	spf := "v=spf1 -all"
	return &domainauth.Report{
		Domain:   domain,
		Selector: selector,
		SPF:      &spf,
		Errors:   []string{"MX: lookup failed"},
	}, nil
}

type fakeHealth struct{ report health.Report }

func (f fakeHealth) Report() health.Report { return f.report }

type testEnv struct {
	store      *sqlitestore.Store
	dispatcher *fakeDispatcher
	handler    http.Handler
}

func newTestEnv(t *testing.T, hc HealthReporter, allowed ...string) *testEnv {
	t.Helper()
	store, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(store.Close)

	dispatcher := &fakeDispatcher{}
	srv, err := New(Dependencies{
		Store:      store,
		Dispatcher: dispatcher,
		Domains:    fakeChecker{},
		Health:     hc,
	}, ServerOptions{Addr: "127.0.0.1:0", APIKey: testAPIKey, AllowedHosts: allowed})
	require.NoError(t, err)
	return &testEnv{store: store, dispatcher: dispatcher, handler: srv.Handler()}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) account(t *testing.T, address string) *db.Account {
	t.Helper()
	a, err := e.store.CreateAccount(context.Background(), address, "user-1")
	require.NoError(t, err)
	return a
}

func TestNewRequiresAPIKey(t *testing.T) {
	_, err := New(Dependencies{}, ServerOptions{})
	assert.Error(t, err)

	_, err = New(Dependencies{}, ServerOptions{APIKey: "k", TLS: true})
	assert.Error(t, err)

	_, err = New(Dependencies{}, ServerOptions{APIKey: "k"})
	assert.Error(t, err)
}

func TestAuthMiddleware(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusForbidden},
		{"valid", "Bearer " + testAPIKey, http.StatusNotFound},
		{"lowercase scheme", "bearer " + testAPIKey, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/accounts/99", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestHealthIsUnauthenticated(t *testing.T) {
	t.Run("no monitor", func(t *testing.T) {
		env := newTestEnv(t, nil)
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		report := decode[health.Report](t, rec)
		assert.Equal(t, health.StatusHealthy, report.Status)
		assert.False(t, report.Timestamp.IsZero())
	})

	t.Run("unhealthy", func(t *testing.T) {
		env := newTestEnv(t, fakeHealth{report: health.Report{
			Status:    health.StatusUnhealthy,
			Timestamp: time.Now(),
			Components: []health.ComponentReport{
				{Name: "store", Status: health.StatusUnhealthy, Critical: true, LastError: "down"},
			},
		}})
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)
		report := decode[health.Report](t, rec)
		require.Len(t, report.Components, 1)
		assert.Equal(t, "store", report.Components[0].Name)
	})
}

func TestAllowedHosts(t *testing.T) {
	env := newTestEnv(t, nil, "10.0.0.0/8", "192.168.1.5")

	tests := []struct {
		remote string
		status int
	}{
		{"10.1.2.3:4000", http.StatusOK},
		{"192.168.1.5:4000", http.StatusOK},
		{"192.168.1.6:4000", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.remote, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/health", nil)
			req.RemoteAddr = tt.remote
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}

func TestSend(t *testing.T) {
	tests := []struct {
		name     string
		result   *delivery.SendResult
		err      error
		status   int
		expected sendResponse
	}{
		{
			name:     "sent",
			result:   &delivery.SendResult{Status: delivery.StatusSent, MessageID: "m1", RelayMessageID: "<r1@courier>"},
			status:   http.StatusOK,
			expected: sendResponse{Status: delivery.StatusSent, MessageID: "m1", RelayMessageID: "<r1@courier>"},
		},
		{
			name:     "deferred",
			result:   &delivery.SendResult{Status: delivery.StatusDeferred, DraftID: "d1", Cause: errors.New("relay down")},
			status:   http.StatusAccepted,
			expected: sendResponse{Status: delivery.StatusDeferred, DraftID: "d1", Error: "relay down"},
		},
		{
			name:   "invalid",
			err:    fmt.Errorf("%w: subject is required", consts.ErrInvalidInput),
			status: http.StatusBadRequest,
		},
		{
			name:   "store down",
			err:    fmt.Errorf("%w: boom", consts.ErrStoreUnavailable),
			status: http.StatusServiceUnavailable,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			env.dispatcher.result = tt.result
			env.dispatcher.err = tt.err

			rec := env.do(t, http.MethodPost, "/api/v1/send", map[string]any{
				"account_id": 7,
				"to":         "friend@remote.test",
				"subject":    "Hello",
				"text":       "Hi there",
				"provider":   "backup",
			})
			require.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, delivery.SendRequest{
				AccountID: 7,
				To:        "friend@remote.test",
				Subject:   "Hello",
				Text:      "Hi there",
				Provider:  "backup",
			}, env.dispatcher.got)

			if tt.result != nil {
				assert.Equal(t, tt.expected, decode[sendResponse](t, rec))
			} else {
				assert.Contains(t, decode[map[string]string](t, rec), "error")
			}
		})
	}
}

func TestSendRejectsBadBody(t *testing.T) {
	env := newTestEnv(t, nil)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/send", bytes.NewBufferString("{not json"))
	req.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAccounts(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"address": "Alice@Example.COM", "user_id": "u1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[db.Account](t, rec)
	assert.Equal(t, "Alice@example.com", created.Address)
	assert.Equal(t, "u1", created.UserID)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"address": "Alice@example.com", "user_id": "u1"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"address": "not-an-address", "user_id": "u1"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts", map[string]string{"address": "bob@example.com"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.Address, decode[db.Account](t, rec).Address)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/424242", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMessages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	account := env.account(t, "user@example.com")

	var ids []string
	for i := 0; i < 3; i++ {
		m := &db.Message{
			AccountID: account.ID,
			From:      "sender@remote.test",
			To:        account.Address,
			Subject:   fmt.Sprintf("Message %d", i),
			Text:      "Hi there",
			Direction: db.DirectionReceived,
			CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, env.store.SaveMessage(ctx, m))
		ids = append(ids, m.ID)
	}

	rec := env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/messages?limit=2", account.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[messageListResponse](t, rec)
	assert.Len(t, list.Messages, 2)
	assert.EqualValues(t, 3, list.Total)
	assert.EqualValues(t, 3, list.Unread)
	assert.Equal(t, 2, list.Limit)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/messages?limit=abc", account.ID), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/accounts/999/messages", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/"+ids[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	msg := decode[db.Message](t, rec)
	assert.True(t, msg.Read)
	assert.Equal(t, ids[0], msg.ID)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/"+ids[0], nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, decode[db.Message](t, rec).Read)

	rec = env.do(t, http.MethodGet, fmt.Sprintf("/api/v1/accounts/%d/messages", account.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decode[messageListResponse](t, rec).Unread)

	rec = env.do(t, http.MethodGet, "/api/v1/messages/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/messages/"+ids[1], nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/messages/"+ids[1], nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDrafts(t *testing.T) {
	env := newTestEnv(t, nil)
	account := env.account(t, "user@example.com")
	base := fmt.Sprintf("/api/v1/accounts/%d/drafts", account.ID)

	rec := env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]db.Draft](t, rec)["drafts"])

	rec = env.do(t, http.MethodPost, base, map[string]string{"to": "friend@remote.test", "subject": "Later", "body": "draft body"})
	require.Equal(t, http.StatusCreated, rec.Code)
	draftID := decode[map[string]string](t, rec)["draft_id"]
	require.NotEmpty(t, draftID)

	rec = env.do(t, http.MethodGet, base, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	drafts := decode[map[string][]db.Draft](t, rec)["drafts"]
	require.Len(t, drafts, 1)
	assert.Equal(t, "draft body", drafts[0].Body)

	rec = env.do(t, http.MethodPost, "/api/v1/accounts/999/drafts", map[string]string{"to": "x@y.test"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodDelete, "/api/v1/drafts/"+draftID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = env.do(t, http.MethodDelete, "/api/v1/drafts/"+draftID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDomains(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/domains", map[string]string{"user_id": "u1", "domain": "Example.COM."})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	domain := decode[db.Domain](t, rec)
	assert.Equal(t, "example.com", domain.Name)
	assert.False(t, domain.Verified)

	rec = env.do(t, http.MethodPost, "/api/v1/domains", map[string]string{"user_id": "u2", "domain": "example.com"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/domains", map[string]string{"user_id": "u1", "domain": "nodot"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/domains/%d/verification", domain.ID), map[string]bool{"verified": true})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPut, fmt.Sprintf("/api/v1/domains/%d/verification", domain.ID), map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPut, "/api/v1/domains/9999/verification", map[string]bool{"verified": true})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/users/u1/domains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	domains := decode[map[string][]db.Domain](t, rec)["domains"]
	require.Len(t, domains, 1)
	assert.True(t, domains[0].Verified)

	rec = env.do(t, http.MethodGet, "/api/v1/users/nobody/domains", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[map[string][]db.Domain](t, rec)["domains"])
}

func TestDNSCheck(t *testing.T) {
	env := newTestEnv(t, nil)

	tests := []struct {
		name     string
		body     map[string]string
		status   int
		selector string
	}{
		{"default selector", map[string]string{"domain": "example.com"}, http.StatusOK, domainauth.DefaultSelector},
		{"explicit selector", map[string]string{"domain": "example.com", "selector": "s1"}, http.StatusOK, "s1"},
		{"empty domain", map[string]string{}, http.StatusBadRequest, ""},
		{"invalid domain", map[string]string{"domain": "bad_domain"}, http.StatusBadRequest, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, "/api/v1/dns/check", tt.body)
			require.Equal(t, tt.status, rec.Code)
			if tt.status != http.StatusOK {
				return
			}
			report := decode[domainauth.Report](t, rec)
			assert.Equal(t, tt.selector, report.Selector)
			require.NotNil(t, report.SPF)
			assert.Equal(t, []string{"MX: lookup failed"}, report.Errors)
		})
	}
}

func TestGetClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "203.0.113.9:5555"
	assert.Equal(t, "203.0.113.9", getClientIP(req))

	req.Header.Set("X-Real-IP", "198.51.100.2")
	assert.Equal(t, "198.51.100.2", getClientIP(req))

	req.Header.Set("X-Forwarded-For", "192.0.2.1, 10.0.0.1")
	assert.Equal(t, "192.0.2.1", getClientIP(req))
}
