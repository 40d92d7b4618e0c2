package inbound

import (
	"context"
	"errors"

	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/helpers"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/metrics"
)

type Outcome string

const (
	OutcomeStored           Outcome = "stored"
	OutcomeUnknownRecipient Outcome = "unknown_recipient"
	OutcomeUnavailable      Outcome = "unavailable"
	OutcomeStoreError       Outcome = "store_error"
)

type RecipientResult struct {
	Recipient string
	Outcome   Outcome
	MessageID string
	Err       error
}

// DeliveryReport records what happened to each recipient of one transaction.
type DeliveryReport struct {
	Sender  string
	Subject string
	Size    int
	Results []RecipientResult
}

func (r *DeliveryReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// Retryable reports whether no recipient was handled at all: every
// recipient hit an unavailable resolver or a failed store write.
func (r *DeliveryReport) Retryable() bool {
	if len(r.Results) == 0 {
		return false
	}
	for _, res := range r.Results {
		if res.Outcome == OutcomeStored || res.Outcome == OutcomeUnknownRecipient {
			return false
		}
	}
	return true
}

// deliver parses raw once and stores a copy for every recipient that
// resolves to an account. Only a parse failure is returned as an error;
// per-recipient failures are recorded in the report and processing goes on.
func (s *Server) deliver(ctx context.Context, sender string, recipients []string, raw []byte) (*DeliveryReport, error) {
	parsed, err := helpers.ParseMessage(raw)
	if err != nil {
		return nil, err
	}

	from := helpers.SanitizeUTF8(sender)
	if from == "" {
		from = parsed.From
	}
	if from == "" {
		from = "unknown"
	}
	hash := helpers.HashContent(raw)
	metrics.InboundMessageSize.Observe(float64(len(raw)))

	report := &DeliveryReport{Sender: from, Subject: parsed.Subject, Size: len(raw)}
	for _, rcpt := range recipients {
		result := RecipientResult{Recipient: rcpt}

		account, err := s.resolver.Resolve(ctx, rcpt)
		switch {
		case err == nil:
			msg := &db.Message{
				AccountID:   account.ID,
				From:        from,
				To:          rcpt,
				Subject:     parsed.Subject,
				Text:        parsed.Text,
				HTML:        parsed.HTML,
				Direction:   db.DirectionReceived,
				ContentHash: hash,
			}
			if err := s.store.SaveMessage(ctx, msg); err != nil {
				result.Outcome = OutcomeStoreError
				result.Err = err
				logger.Error("Inbound: failed to save message", "recipient", rcpt, "account", account.ID, "error", err)
			} else {
				result.Outcome = OutcomeStored
				result.MessageID = msg.ID
			}
		case errors.Is(err, db.ErrAccountNotFound), errors.Is(err, consts.ErrInvalidAddress):
			result.Outcome = OutcomeUnknownRecipient
			logger.Info("Inbound: discarding mail for unknown recipient", "policy", "silent_drop", "recipient", rcpt)
		default:
			result.Outcome = OutcomeUnavailable
			result.Err = err
			logger.Warn("Inbound: recipient could not be resolved", "recipient", rcpt, "error", err)
		}

		metrics.InboundDeliveries.WithLabelValues(string(result.Outcome)).Inc()
		report.Results = append(report.Results, result)
	}
	return report, nil
}
