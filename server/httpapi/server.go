// Package httpapi exposes the operator HTTP API: sending mail, reading
// mailboxes, drafts, accounts, domains and DNS checks.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/courier/db"
	"github.com/migadu/courier/logger"
	"github.com/migadu/courier/pkg/health"
	"github.com/migadu/courier/server/delivery"
	"github.com/migadu/courier/server/domainauth"
)

// Dispatcher sends outbound mail.
type Dispatcher interface {
	Send(ctx context.Context, req delivery.SendRequest) (*delivery.SendResult, error)
}

// DomainChecker inspects the DNS setup of a domain.
type DomainChecker interface {
	CheckWithSelector(ctx context.Context, domain, selector string) (*domainauth.Report, error)
}

// HealthReporter summarizes component health.
type HealthReporter interface {
	Report() health.Report
}

// Dependencies are the components the handlers call into. Health may be nil.
type Dependencies struct {
	Store      db.Store
	Dispatcher Dispatcher
	Domains    DomainChecker
	Health     HealthReporter
}

// Server represents the HTTP API server
type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	deps         Dependencies
	server       *http.Server
	tls          bool
	tlsCertFile  string
	tlsKeyFile   string
}

// ServerOptions holds configuration options for the HTTP API server
type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	TLS          bool
	TLSCertFile  string
	TLSKeyFile   string
}

// New creates a new HTTP API server
func New(deps Dependencies, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	if options.TLS && (options.TLSCertFile == "" || options.TLSKeyFile == "") {
		return nil, fmt.Errorf("TLS certificate and key files are required when TLS is enabled")
	}
	if deps.Store == nil || deps.Dispatcher == nil || deps.Domains == nil {
		return nil, fmt.Errorf("HTTP API server requires a store, a dispatcher and a domain checker")
	}

	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		deps:         deps,
		tls:          options.TLS,
		tlsCertFile:  options.TLSCertFile,
		tlsKeyFile:   options.TLSKeyFile,
	}, nil
}

// Start runs the HTTP API server until ctx is cancelled.
func Start(ctx context.Context, deps Dependencies, options ServerOptions, errChan chan error) {
	server, err := New(deps, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}

	protocol := "HTTP"
	if options.TLS {
		protocol = "HTTPS"
	}
	logger.Info("Starting API server", "protocol", protocol, "addr", options.Addr)
	if err := server.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	if s.tls {
		return s.server.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.server.ListenAndServe()
}

// Handler returns the routed handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

func (s *Server) setupRoutes() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)

	v1.HandleFunc("/send", s.handleSend).Methods("POST")

	v1.HandleFunc("/accounts", s.handleCreateAccount).Methods("POST")
	v1.HandleFunc("/accounts/{id:[0-9]+}", s.handleGetAccount).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/messages", s.handleListMessages).Methods("GET")
	v1.HandleFunc("/accounts/{id:[0-9]+}/drafts", s.handleCreateDraft).Methods("POST")
	v1.HandleFunc("/accounts/{id:[0-9]+}/drafts", s.handleListDrafts).Methods("GET")

	v1.HandleFunc("/messages/{id}", s.handleGetMessage).Methods("GET")
	v1.HandleFunc("/messages/{id}", s.handleDeleteMessage).Methods("DELETE")
	v1.HandleFunc("/drafts/{id}", s.handleDeleteDraft).Methods("DELETE")

	v1.HandleFunc("/domains", s.handleCreateDomain).Methods("POST")
	v1.HandleFunc("/users/{user_id}/domains", s.handleListDomains).Methods("GET")
	v1.HandleFunc("/domains/{id:[0-9]+}/verification", s.handleUpdateVerification).Methods("PUT")

	v1.HandleFunc("/dns/check", s.handleDNSCheck).Methods("POST")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Info("HTTP API request", "method", r.Method, "path", r.URL.Path, "remote", getClientIP(r),
			"status", rec.status, "duration", time.Since(start))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 || hostAllowed(getClientIP(r), s.allowedHosts) {
			next.ServeHTTP(w, r)
			return
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

// hostAllowed matches ip against exact addresses and CIDR blocks.
func hostAllowed(ip string, allowed []string) bool {
	parsed := net.ParseIP(ip)
	for _, entry := range allowed {
		if entry == ip {
			return true
		}
		if _, cidr, err := net.ParseCIDR(entry); err == nil && parsed != nil && cidr.Contains(parsed) {
			return true
		}
	}
	return false
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			s.writeError(w, http.StatusUnauthorized, "Authorization header required")
			return
		}

		scheme, token, ok := strings.Cut(authHeader, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
			return
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// writeStoreError maps store sentinels to 404 and anything else to 500.
func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, db.ErrAccountNotFound),
		errors.Is(err, db.ErrMessageNotFound),
		errors.Is(err, db.ErrDraftNotFound),
		errors.Is(err, db.ErrDomainNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	default:
		logger.Error("HTTP API: store error", "method", r.Method, "path", r.URL.Path, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
	}
}

const maxBodySize = 1 << 20

func decodeJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(io.LimitReader(r.Body, maxBodySize)).Decode(v)
}

func pathInt64(r *http.Request, name string) (int64, error) {
	return strconv.ParseInt(mux.Vars(r)[name], 10, 64)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}
