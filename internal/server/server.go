// Package server exposes the webhook intake, the admin API, health endpoints and the live feed
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"signal_router/internal/core"
	"signal_router/internal/lifecycle"
	"signal_router/internal/queue"
	"signal_router/pkg/telemetry"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// Accounts is the registry view the admin API needs
type Accounts interface {
	core.IAccounts
	MemberID(accountID int) (int64, bool)
}

// ManualRegistrar registers operator-opened trades
type ManualRegistrar interface {
	RegisterManual(ctx context.Context, m lifecycle.ManualTrade) (*core.TrackedTrade, error)
}

// Deps are the components the HTTP surface reads from and drives
type Deps struct {
	Queue      queue.Queue
	Accounts   Accounts
	Ledger     core.IRiskLedger
	Store      core.IPositionStore
	Reconciler core.IReconciler
	Manual     ManualRegistrar
	Notifier   core.INotifier
	Health     core.IHealthMonitor
	Feed       http.Handler
	AdminToken string
}

type Server struct {
	deps   Deps
	logger core.ILogger
	addr   string

	mu     sync.RWMutex
	srv    *http.Server
	status map[string]string
}

func NewServer(addr string, deps Deps, logger core.ILogger) *Server {
	return &Server{
		deps:   deps,
		addr:   addr,
		logger: logger.WithField("component", "http_server"),
		status: make(map[string]string),
	}
}

// Handler builds the route table
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook", s.handleWebhook)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	if s.deps.Feed != nil {
		mux.Handle("GET /ws", s.deps.Feed)
	}

	mux.HandleFunc("GET /api/sync", s.admin(s.handleSync))
	mux.HandleFunc("GET /api/trades", s.admin(s.handleTrades))
	mux.HandleFunc("POST /api/trades/manual", s.admin(s.handleManual))
	mux.HandleFunc("GET /api/slots", s.admin(s.handleSlots))
	mux.HandleFunc("GET /api/risk", s.admin(s.handleGetRisk))
	mux.HandleFunc("PUT /api/risk", s.admin(s.handlePutRisk))
	mux.HandleFunc("GET /api/balances", s.admin(s.handleBalances))
	mux.HandleFunc("POST /api/transfer", s.admin(s.handleTransfer))
	mux.HandleFunc("POST /api/reset", s.admin(s.handleReset))
	return mux
}

// Run serves until ctx ends, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "addr", s.addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("Stopping HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

// UpdateStatus sets a free-form key shown on /status
func (s *Server) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

func (s *Server) admin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.AdminToken != "" {
			got := r.Header.Get("X-Admin-Token")
			if subtle.ConstantTimeCompare([]byte(got), []byte(s.deps.AdminToken)) != 1 {
				s.logger.Warn("Rejected admin request", "path", r.URL.Path, "remote_addr", r.RemoteAddr)
				writeError(w, http.StatusUnauthorized, "invalid admin token")
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
	}
	if s.deps.Queue != nil {
		if n, err := s.deps.Queue.Len(r.Context()); err == nil {
			body["queue_depth"] = n
		}
	}
	body["pending_risk"] = metrics.GetPendingRisk()

	code := http.StatusOK
	if s.deps.Health != nil {
		body["components"] = s.deps.Health.GetStatus()
		if !s.deps.Health.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	merged := make(map[string]string, len(s.status))
	for k, v := range s.status {
		merged[k] = v
	}
	s.mu.RUnlock()

	if s.deps.Health != nil {
		for k, v := range s.deps.Health.GetStatus() {
			merged[k] = v
		}
	}
	resp := map[string]interface{}{"components": merged}
	if s.deps.Reconciler != nil {
		resp["reconcile"] = s.deps.Reconciler.GetStatus()
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"status": "error", "message": msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
