package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
	"github.com/migadu/courier/server"
)

type Status string

const (
	StatusSent     Status = "sent"
	StatusDeferred Status = "deferred"
)

// Store is the part of db.Store the dispatcher writes to.
type Store interface {
	GetAccount(ctx context.Context, id int64) (*db.Account, error)
	SaveMessage(ctx context.Context, msg *db.Message) error
	SaveDraft(ctx context.Context, draft *db.Draft) error
}

// Sender relays one message through a named provider. *RelayPool is the
// production implementation.
type Sender interface {
	Send(ctx context.Context, provider, from, to, subject, text, html string) (string, error)
}

type SendRequest struct {
	AccountID int64
	From      string // defaults to the account address
	To        string
	Subject   string
	Text      string
	HTML      string
	Provider  string // empty selects the default provider
}

// SendResult describes the single artifact a send produced: a sent Message
// or, when the relay failed, a Draft.
type SendResult struct {
	Status         Status
	MessageID      string
	RelayMessageID string
	DraftID        string
	Cause          error
}

type Dispatcher struct {
	store  Store
	sender Sender
}

func NewDispatcher(store Store, sender Sender) *Dispatcher {
	return &Dispatcher{store: store, sender: sender}
}

func invalid(err error) error {
	return fmt.Errorf("%w: %w", consts.ErrInvalidInput, err)
}

// Send validates req, relays it and records the outcome. A relay failure is
// not an error: the request is kept as a draft and reported as deferred.
// The returned error is non-nil only for invalid input or a store failure.
func (d *Dispatcher) Send(ctx context.Context, req SendRequest) (*SendResult, error) {
	account, err := d.store.GetAccount(ctx, req.AccountID)
	switch {
	case errors.Is(err, db.ErrAccountNotFound):
		metrics.DispatchOutcomes.WithLabelValues("rejected").Inc()
		return nil, invalid(err)
	case err != nil:
		metrics.DispatchOutcomes.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}

	from, to, err := d.validate(account, req)
	if err != nil {
		metrics.DispatchOutcomes.WithLabelValues("rejected").Inc()
		return nil, invalid(err)
	}

	relayID, relayErr := d.sender.Send(ctx, req.Provider, from, to, req.Subject, req.Text, req.HTML)
	if relayErr != nil {
		return d.deferToDraft(ctx, account, to, req, relayErr)
	}

	msg := &db.Message{
		AccountID: account.ID,
		From:      from,
		To:        to,
		Subject:   req.Subject,
		Text:      req.Text,
		Direction: db.DirectionSent,
		Read:      true,
	}
	if req.HTML != "" {
		html := req.HTML
		msg.HTML = &html
	}
	if err := d.store.SaveMessage(ctx, msg); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("error").Inc()
		logger.Error("Dispatcher: relayed message could not be recorded", "account", account.ID, "to", to, "relay_message_id", relayID, "error", err)
		return nil, fmt.Errorf("%w: saving sent message: %v", consts.ErrStoreUnavailable, err)
	}

	metrics.DispatchOutcomes.WithLabelValues("sent").Inc()
	logger.Info("Dispatcher: message sent", "account", account.ID, "to", to, "message", msg.ID, "relay_message_id", relayID)
	return &SendResult{Status: StatusSent, MessageID: msg.ID, RelayMessageID: relayID}, nil
}

func (d *Dispatcher) deferToDraft(ctx context.Context, account *db.Account, to string, req SendRequest, cause error) (*SendResult, error) {
	draft := &db.Draft{
		AccountID: account.ID,
		To:        to,
		Subject:   req.Subject,
		Body:      req.Text,
	}
	if err := d.store.SaveDraft(ctx, draft); err != nil {
		metrics.DispatchOutcomes.WithLabelValues("error").Inc()
		logger.Error("Dispatcher: relay failed and draft could not be saved", "account", account.ID, "to", to, "relay_error", cause, "error", err)
		return nil, fmt.Errorf("%w: saving draft after relay failure (%v): %v", consts.ErrStoreUnavailable, cause, err)
	}

	metrics.DispatchOutcomes.WithLabelValues("deferred").Inc()
	logger.Warn("Dispatcher: relay failed, saved as draft", "account", account.ID, "to", to, "draft", draft.ID,
		"permanent", IsPermanentError(cause), "error", cause)
	return &SendResult{Status: StatusDeferred, DraftID: draft.ID, Cause: cause}, nil
}

func (d *Dispatcher) validate(account *db.Account, req SendRequest) (from, to string, err error) {
	owner, err := server.NewAddress(account.Address)
	if err != nil {
		return "", "", fmt.Errorf("account address: %w", err)
	}
	from = owner.FullAddress()
	if strings.TrimSpace(req.From) != "" {
		sender, err := server.NewAddress(req.From)
		if err != nil {
			return "", "", fmt.Errorf("from: %w", err)
		}
		if sender.FullAddress() != owner.FullAddress() {
			return "", "", fmt.Errorf("from %q does not match account address %q", sender.FullAddress(), owner.FullAddress())
		}
	}

	recipient, err := server.NewAddress(req.To)
	if err != nil {
		return "", "", fmt.Errorf("to: %w", err)
	}
	if strings.TrimSpace(req.Subject) == "" {
		return "", "", errors.New("subject is required")
	}
	return from, recipient.FullAddress(), nil
}
