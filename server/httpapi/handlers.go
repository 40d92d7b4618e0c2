package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/courier/consts"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/health"
	"github.com/migadu/courier/server"
	"github.com/migadu/courier/server/delivery"
)

type sendRequest struct {
	AccountID int64  `json:"account_id"`
	From      string `json:"from"`
	To        string `json:"to"`
	Subject   string `json:"subject"`
	Text      string `json:"text"`
	HTML      string `json:"html"`
	Provider  string `json:"provider"`
}

type sendResponse struct {
	Status         delivery.Status `json:"status"`
	MessageID      string          `json:"message_id,omitempty"`
	RelayMessageID string          `json:"relay_message_id,omitempty"`
	DraftID        string          `json:"draft_id,omitempty"`
	Error          string          `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := s.deps.Dispatcher.Send(r.Context(), delivery.SendRequest{
		AccountID: req.AccountID,
		From:      req.From,
		To:        req.To,
		Subject:   req.Subject,
		Text:      req.Text,
		HTML:      req.HTML,
		Provider:  req.Provider,
	})
	switch {
	case errors.Is(err, consts.ErrInvalidInput):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, consts.ErrStoreUnavailable):
		logger.Error("HTTP API: send failed", "account", req.AccountID, "error", err)
		s.writeError(w, http.StatusServiceUnavailable, "Store unavailable")
		return
	case err != nil:
		logger.Error("HTTP API: send failed", "account", req.AccountID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if result.Status == delivery.StatusDeferred {
		resp := sendResponse{Status: result.Status, DraftID: result.DraftID}
		if result.Cause != nil {
			resp.Error = result.Cause.Error()
		}
		s.writeJSON(w, http.StatusAccepted, resp)
		return
	}
	s.writeJSON(w, http.StatusOK, sendResponse{
		Status:         result.Status,
		MessageID:      result.MessageID,
		RelayMessageID: result.RelayMessageID,
	})
}

type createAccountRequest struct {
	Address string `json:"address"`
	UserID  string `json:"user_id"`
}

func (s *Server) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	addr, err := server.NewAddress(req.Address)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid address")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	account, err := s.deps.Store.CreateAccount(r.Context(), addr.FullAddress(), strings.TrimSpace(req.UserID))
	if errors.Is(err, db.ErrDuplicateAccount) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, account)
}

func (s *Server) handleGetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	account, err := s.deps.Store.GetAccount(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, account)
}

type messageListResponse struct {
	Messages []db.Message `json:"messages"`
	Total    int64        `json:"total"`
	Unread   int64        `json:"unread"`
	Limit    int          `json:"limit"`
	Offset   int          `json:"offset"`
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid offset")
		return
	}
	limit, offset = db.NormalizePage(limit, offset)

	if _, err := s.deps.Store.GetAccount(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	messages, stats, err := s.deps.Store.ListMessages(r.Context(), id, limit, offset)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if messages == nil {
		messages = []db.Message{}
	}
	s.writeJSON(w, http.StatusOK, messageListResponse{
		Messages: messages,
		Total:    stats.Total,
		Unread:   stats.Unread,
		Limit:    limit,
		Offset:   offset,
	})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.MarkRead(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	// The read must see the flag just written, so it goes to the primary.
	ctx := context.WithValue(r.Context(), consts.UseMasterDBKey, true)
	msg, err := s.deps.Store.GetMessage(ctx, id)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, msg)
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.DeleteMessage(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type createDraftRequest struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

func (s *Server) handleCreateDraft(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	var req createDraftRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if _, err := s.deps.Store.GetAccount(r.Context(), accountID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	draft := &db.Draft{AccountID: accountID, To: req.To, Subject: req.Subject, Body: req.Body}
	if err := s.deps.Store.SaveDraft(r.Context(), draft); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]string{"draft_id": draft.ID})
}

func (s *Server) handleListDrafts(w http.ResponseWriter, r *http.Request) {
	accountID, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid account id")
		return
	}
	if _, err := s.deps.Store.GetAccount(r.Context(), accountID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	drafts, err := s.deps.Store.ListDrafts(r.Context(), accountID)
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if drafts == nil {
		drafts = []db.Draft{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"drafts": drafts})
}

func (s *Server) handleDeleteDraft(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Store.DeleteDraft(r.Context(), id); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

type createDomainRequest struct {
	UserID string `json:"user_id"`
	Domain string `json:"domain"`
}

func (s *Server) handleCreateDomain(w http.ResponseWriter, r *http.Request) {
	var req createDomainRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	name := db.NormalizeDomainName(req.Domain)
	if !server.IsValidDomain(name) {
		s.writeError(w, http.StatusBadRequest, "Invalid domain")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		s.writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	domain, err := s.deps.Store.CreateDomain(r.Context(), strings.TrimSpace(req.UserID), name)
	if errors.Is(err, db.ErrDuplicateDomain) {
		s.writeError(w, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, domain)
}

func (s *Server) handleListDomains(w http.ResponseWriter, r *http.Request) {
	domains, err := s.deps.Store.GetDomains(r.Context(), mux.Vars(r)["user_id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	if domains == nil {
		domains = []db.Domain{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"domains": domains})
}

type verificationRequest struct {
	Verified *bool `json:"verified"`
}

func (s *Server) handleUpdateVerification(w http.ResponseWriter, r *http.Request) {
	id, err := pathInt64(r, "id")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid domain id")
		return
	}
	var req verificationRequest
	if err := decodeJSON(r, &req); err != nil || req.Verified == nil {
		s.writeError(w, http.StatusBadRequest, "verified is required")
		return
	}
	if err := s.deps.Store.UpdateDomainVerification(r.Context(), id, *req.Verified); err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"id": id, "verified": *req.Verified})
}

type dnsCheckRequest struct {
	Domain   string `json:"domain"`
	Selector string `json:"selector"`
}

func (s *Server) handleDNSCheck(w http.ResponseWriter, r *http.Request) {
	var req dnsCheckRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	report, err := s.deps.Domains.CheckWithSelector(r.Context(), req.Domain, req.Selector)
	switch {
	case errors.Is(err, consts.ErrEmptyDomain), errors.Is(err, consts.ErrInvalidDomain):
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		logger.Error("HTTP API: DNS check failed", "domain", req.Domain, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	s.writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.Health == nil {
		s.writeJSON(w, http.StatusOK, health.Report{
			Status:     health.StatusHealthy,
			Timestamp:  time.Now().UTC(),
			Components: []health.ComponentReport{},
		})
		return
	}
	report := s.deps.Health.Report()
	status := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}
