package delivery

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/db/sqlitestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSender struct {
	id    string
	err   error
	calls []SendRequest
}

func (f *fakeSender) Send(_ context.Context, provider, from, to, subject, text, html string) (string, error) {
	f.calls = append(f.calls, SendRequest{Provider: provider, From: from, To: to, Subject: subject, Text: text, HTML: html})
	return f.id, f.err
}

func newTestStore(t *testing.T) (*sqlitestore.Store, *db.Account) {
	t.Helper()
	s, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "courier.db"))
	require.NoError(t, err)
	t.Cleanup(s.Close)
	account, err := s.CreateAccount(context.Background(), "user@example.com", "u1")
	require.NoError(t, err)
	return s, account
}

func countArtifacts(t *testing.T, s *sqlitestore.Store, accountID int64) (messages, drafts int) {
	t.Helper()
	ms, _, err := s.ListMessages(context.Background(), accountID, 0, 0)
	require.NoError(t, err)
	ds, err := s.ListDrafts(context.Background(), accountID)
	require.NoError(t, err)
	return len(ms), len(ds)
}

func TestDispatcherSent(t *testing.T) {
	store, account := newTestStore(t)
	sender := &fakeSender{id: "relay-1@example.net"}
	d := NewDispatcher(store, sender)

	res, err := d.Send(context.Background(), SendRequest{
		AccountID: account.ID,
		To:        "friend@Example.org",
		Subject:   "Hello",
		Text:      "Hi there",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusSent, res.Status)
	assert.Equal(t, "relay-1@example.net", res.RelayMessageID)
	assert.Empty(t, res.DraftID)

	require.Len(t, sender.calls, 1)
	assert.Equal(t, "user@example.com", sender.calls[0].From)
	assert.Equal(t, "friend@example.org", sender.calls[0].To)

	msg, err := store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	assert.Equal(t, db.DirectionSent, msg.Direction)
	assert.True(t, msg.Read)
	assert.Nil(t, msg.HTML)
	assert.Equal(t, "Hi there", msg.Text)

	messages, drafts := countArtifacts(t, store, account.ID)
	assert.Equal(t, 1, messages)
	assert.Equal(t, 0, drafts)
}

func TestDispatcherKeepsHTML(t *testing.T) {
	store, account := newTestStore(t)
	d := NewDispatcher(store, &fakeSender{id: "x"})

	res, err := d.Send(context.Background(), SendRequest{
		AccountID: account.ID,
		From:      "<user@EXAMPLE.com>",
		To:        "friend@example.org",
		Subject:   "Hello",
		Text:      "Hi there",
		HTML:      "<p>Hi there</p>",
	})
	require.NoError(t, err)
	msg, err := store.GetMessage(context.Background(), res.MessageID)
	require.NoError(t, err)
	require.NotNil(t, msg.HTML)
	assert.Equal(t, "<p>Hi there</p>", *msg.HTML)
}

func TestDispatcherDeferred(t *testing.T) {
	store, account := newTestStore(t)
	cause := &RelayError{Err: errors.New("connection refused")}
	d := NewDispatcher(store, &fakeSender{err: cause})

	res, err := d.Send(context.Background(), SendRequest{
		AccountID: account.ID,
		To:        "friend@example.org",
		Subject:   "Hello",
		Text:      "Hi there",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusDeferred, res.Status)
	assert.NotEmpty(t, res.DraftID)
	assert.Empty(t, res.MessageID)
	assert.ErrorIs(t, res.Cause, cause)

	drafts, err := store.ListDrafts(context.Background(), account.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, res.DraftID, drafts[0].ID)
	assert.Equal(t, "friend@example.org", drafts[0].To)
	assert.Equal(t, "Hello", drafts[0].Subject)
	assert.Equal(t, "Hi there", drafts[0].Body)

	messages, _ := countArtifacts(t, store, account.ID)
	assert.Equal(t, 0, messages)
}

func TestDispatcherValidation(t *testing.T) {
	store, account := newTestStore(t)
	sender := &fakeSender{id: "x"}
	d := NewDispatcher(store, sender)

	tests := []struct {
		name string
		req  SendRequest
	}{
		{"unknown account", SendRequest{AccountID: account.ID + 100, To: "a@example.org", Subject: "s"}},
		{"foreign sender", SendRequest{AccountID: account.ID, From: "other@example.com", To: "a@example.org", Subject: "s"}},
		{"sender local part case", SendRequest{AccountID: account.ID, From: "User@example.com", To: "a@example.org", Subject: "s"}},
		{"bad recipient", SendRequest{AccountID: account.ID, To: "not-an-address", Subject: "s"}},
		{"empty recipient", SendRequest{AccountID: account.ID, Subject: "s"}},
		{"blank subject", SendRequest{AccountID: account.ID, To: "a@example.org", Subject: "  "}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.req.Text = "body"
			res, err := d.Send(context.Background(), tt.req)
			assert.Nil(t, res)
			assert.ErrorIs(t, err, consts.ErrInvalidInput)
		})
	}

	assert.Empty(t, sender.calls)
	messages, drafts := countArtifacts(t, store, account.ID)
	assert.Zero(t, messages)
	assert.Zero(t, drafts)
}

type failingStore struct {
	account *db.Account
	getErr  error
	saveErr error
}

func (f *failingStore) GetAccount(context.Context, int64) (*db.Account, error) {
	return f.account, f.getErr
}

func (f *failingStore) SaveMessage(context.Context, *db.Message) error { return f.saveErr }
func (f *failingStore) SaveDraft(context.Context, *db.Draft) error     { return f.saveErr }

func TestDispatcherStoreFailures(t *testing.T) {
	account := &db.Account{ID: 1, Address: "user@example.com"}
	storeErr := errors.New("disk full")
	relayErr := &RelayError{Err: errors.New("timeout")}

	tests := []struct {
		name    string
		store   *failingStore
		sender  *fakeSender
		wantMsg string
	}{
		{"account lookup", &failingStore{getErr: storeErr}, &fakeSender{id: "x"}, "disk full"},
		{"save sent message", &failingStore{account: account, saveErr: storeErr}, &fakeSender{id: "x"}, "disk full"},
		{"save draft", &failingStore{account: account, saveErr: storeErr}, &fakeSender{err: relayErr}, "timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := NewDispatcher(tt.store, tt.sender).Send(context.Background(), SendRequest{
				AccountID: 1, To: "friend@example.org", Subject: "Hello", Text: "Hi there",
			})
			assert.Nil(t, res)
			require.ErrorIs(t, err, consts.ErrStoreUnavailable)
			assert.NotErrorIs(t, err, consts.ErrInvalidInput)
			assert.Contains(t, err.Error(), tt.wantMsg)
		})
	}
}
