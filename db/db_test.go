package db

import (
	"context"
	"testing"
	"time"

	"github.com/migadu/courier/config"
	"github.com/migadu/courier/consts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizePage(t *testing.T) {
	tests := []struct {
		name                 string
		limit, offset        int
		wantLimit, wantOffst int
	}{
		{"defaults", 0, 0, DefaultListLimit, 0},
		{"negative offset", 10, -5, 10, 0},
		{"capped", 10000, 3, MaxListLimit, 3},
		{"negative limit", -1, 7, DefaultListLimit, 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, o := NormalizePage(tt.limit, tt.offset)
			assert.Equal(t, tt.wantLimit, l)
			assert.Equal(t, tt.wantOffst, o)
		})
	}
}

func TestEndpointConnString(t *testing.T) {
	conn, err := endpointConnString(&config.DatabaseEndpointConfig{
		Hosts: []string{"db1"}, Port: int64(6432), User: "u", Password: "p", Name: "mail", TLSMode: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@db1:6432/mail?sslmode=require", conn)

	conn, err = endpointConnString(&config.DatabaseEndpointConfig{
		Hosts: []string{"db2:5555"}, User: "u", Name: "mail",
	})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:@db2:5555/mail?sslmode=disable", conn)

	_, err = endpointConnString(&config.DatabaseEndpointConfig{})
	assert.Error(t, err)
}

func TestWriteConnString(t *testing.T) {
	conn, err := WriteConnString(&config.DatabaseConfig{URL: "postgres://x@h/db"})
	require.NoError(t, err)
	assert.Equal(t, "postgres://x@h/db", conn)

	conn, err = WriteConnString(&config.DatabaseConfig{Write: &config.DatabaseEndpointConfig{
		Hosts: []string{"db1:5432"}, User: "u", Name: "mail",
	}})
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:@db1:5432/mail?sslmode=disable", conn)

	_, err = WriteConnString(&config.DatabaseConfig{})
	assert.Error(t, err)
}

func TestNormalizeDomainName(t *testing.T) {
	assert.Equal(t, "example.com", NormalizeDomainName("  Example.COM. "))
}

func TestNormalizeAddress(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"user@example.com", "user@example.com"},
		{" User@EXAMPLE.com ", "User@example.com"},
		{`"a@b"@Example.ORG`, `"a@b"@example.org`},
		{"no-at-sign", "no-at-sign"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeAddress(tt.in), tt.in)
	}
}

func TestPrepareMessageKeepsExplicitFields(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	m := &Message{ID: "fixed", CreatedAt: ts}
	PrepareMessage(m)
	assert.Equal(t, "fixed", m.ID)
	assert.Equal(t, ts, m.CreatedAt)

	m = &Message{}
	PrepareMessage(m)
	assert.Len(t, m.ID, 36)
	assert.False(t, m.CreatedAt.IsZero())
}

func TestDatabaseAccountsAndMessages(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.WithValue(context.Background(), consts.UseMasterDBKey, true)

	acct, err := database.CreateAccount(ctx, "user@example.com", "u1")
	require.NoError(t, err)

	_, err = database.CreateAccount(ctx, "user@example.com", "u2")
	assert.ErrorIs(t, err, ErrDuplicateAccount)
	_, err = database.CreateAccount(ctx, "user@EXAMPLE.com", "u2")
	assert.ErrorIs(t, err, ErrDuplicateAccount)

	found, err := database.FindAccountByAddress(ctx, "user@Example.COM")
	require.NoError(t, err)
	assert.Equal(t, acct.ID, found.ID)

	_, err = database.FindAccountByAddress(ctx, "nobody@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 3; i++ {
		require.NoError(t, database.SaveMessage(ctx, &Message{
			AccountID: acct.ID,
			From:      "sender@remote.test",
			To:        acct.Address,
			Subject:   "Hello",
			Text:      "Hi there",
			Direction: DirectionReceived,
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	page, stats, err := database.ListMessages(ctx, acct.ID, 2, 0)
	require.NoError(t, err)
	assert.Len(t, page, 2)
	assert.Equal(t, MessageStats{Total: 3, Unread: 3}, stats)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))

	require.NoError(t, database.MarkRead(ctx, page[0].ID))
	require.NoError(t, database.MarkRead(ctx, page[0].ID))
	_, stats, err = database.ListMessages(ctx, acct.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Unread)

	require.NoError(t, database.DeleteMessage(ctx, page[0].ID))
	assert.ErrorIs(t, database.DeleteMessage(ctx, page[0].ID), ErrMessageNotFound)
	assert.ErrorIs(t, database.MarkRead(ctx, page[0].ID), ErrMessageNotFound)
}

func TestDatabaseDraftsAndDomains(t *testing.T) {
	database := setupTestDatabase(t)
	ctx := context.WithValue(context.Background(), consts.UseMasterDBKey, true)

	acct, err := database.CreateAccount(ctx, "drafts@example.com", "u1")
	require.NoError(t, err)

	d := &Draft{AccountID: acct.ID, To: "x@remote.test", Subject: "S", Body: "B"}
	require.NoError(t, database.SaveDraft(ctx, d))
	drafts, err := database.ListDrafts(ctx, acct.ID)
	require.NoError(t, err)
	require.Len(t, drafts, 1)
	assert.Equal(t, d.ID, drafts[0].ID)
	require.NoError(t, database.DeleteDraft(ctx, d.ID))
	assert.ErrorIs(t, database.DeleteDraft(ctx, d.ID), ErrDraftNotFound)

	dom, err := database.CreateDomain(ctx, "u1", "Example.ORG")
	require.NoError(t, err)
	assert.Equal(t, "example.org", dom.Name)
	_, err = database.CreateDomain(ctx, "u2", "example.org")
	assert.ErrorIs(t, err, ErrDuplicateDomain)

	require.NoError(t, database.UpdateDomainVerification(ctx, dom.ID, true))
	domains, err := database.GetDomains(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, domains, 1)
	assert.True(t, domains[0].Verified)
	assert.ErrorIs(t, database.UpdateDomainVerification(ctx, dom.ID+1000, true), ErrDomainNotFound)
}
