// Package gateway serves websocket sessions: it routes named requests to the
// orchestrator or to contract reads and streams relayed pool events back.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"

	"lendbridge/contract"
	"lendbridge/gateway/middleware"
	"lendbridge/ledger"
	"lendbridge/orchestrator"
	"lendbridge/reconcile"
	"lendbridge/relay"
)

const (
	defaultWriteTimeout = 10 * time.Second
	defaultPingInterval = 30 * time.Second
	defaultMaxInFlight  = 16
	defaultRecentLimit  = 50
	maxRecentLimit      = 500

	scopeAdmin = "admin"
)

// Executor runs state-changing requests.
type Executor interface {
	Execute(ctx context.Context, req orchestrator.WriteRequest) (contract.Receipt, error)
}

// Reader answers view requests straight from the pool.
type Reader interface {
	TotalStablecoinDeposits(ctx context.Context) (*big.Int, error)
	InvestedCapital(ctx context.Context) (*big.Int, error)
	BorrowRate(ctx context.Context) (*big.Int, error)
	CollateralRatio(ctx context.Context, user string) (*big.Int, error)
	CollateralValue(ctx context.Context, user string) (*big.Int, error)
	CanBorrow(ctx context.Context, user, amount string) (bool, error)
	UserLoans(ctx context.Context, user string) ([]contract.Loan, error)
}

// PendingLister exposes the reconciliation journal.
type PendingLister interface {
	Pending(ctx context.Context) ([]reconcile.PendingTx, error)
}

// LedgerReader exposes the audit ledger.
type LedgerReader interface {
	Recent(ctx context.Context, limit int) ([]ledger.Entry, error)
}

// Config wires the gateway.
type Config struct {
	Executor Executor
	Reader   Reader
	Hub      *relay.Hub
	Pending  PendingLister
	Ledger   LedgerReader

	Auth           middleware.AuthConfig
	ConnectLimit   middleware.RateLimit
	AdminLimit     middleware.RateLimit
	RequestsPerSec float64
	Burst          int
	MaxInFlight    int
	WriteTimeout   time.Duration
	PingInterval   time.Duration
	AllowedOrigins []string
	Logger         *slog.Logger
}

// Server is the http.Handler for sessions and admin routes.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	router   chi.Router
	auth     *middleware.Authenticator
	obs      *middleware.Observability
	sessions atomic.Int64
}

func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("gateway: executor required")
	}
	if cfg.Reader == nil {
		return nil, errors.New("gateway: reader required")
	}
	if cfg.Hub == nil {
		return nil, errors.New("gateway: hub required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = defaultMaxInFlight
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "gateway"),
		auth:   middleware.NewAuthenticator(cfg.Auth, cfg.Logger),
		obs: middleware.NewObservability(middleware.ObservabilityConfig{
			ServiceName: "lendbridge-gateway",
			Enabled:     true,
		}, cfg.Logger),
	}
	s.router = s.routes()
	return s, nil
}

func (s *Server) routes() chi.Router {
	limits := make(map[string]middleware.RateLimit)
	if s.cfg.ConnectLimit.RatePerSecond > 0 {
		limits["connect"] = s.cfg.ConnectLimit
	}
	if s.cfg.AdminLimit.RatePerSecond > 0 {
		limits["admin"] = s.cfg.AdminLimit
	}
	limiter := middleware.NewRateLimiter(limits, s.cfg.Logger)

	r := chi.NewRouter()
	r.Use(middleware.CORS(middleware.CORSConfig{AllowedOrigins: s.cfg.AllowedOrigins}))
	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", s.obs.MetricsHandler())
	r.With(
		s.obs.Middleware("ws"),
		limiter.Middleware("connect"),
		s.auth.Middleware(),
	).Get("/ws", s.handleSession)
	r.Route("/v1", func(sr chi.Router) {
		sr.Use(s.obs.Middleware("admin"))
		sr.Use(limiter.Middleware("admin"))
		sr.Use(s.auth.Middleware(scopeAdmin))
		sr.Get("/pending", s.handlePending)
		sr.Get("/transactions", s.handleTransactions)
	})
	return r
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Sessions returns the number of connected sessions.
func (s *Server) Sessions() int { return int(s.sessions.Load()) }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.Sessions(),
	})
}

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Pending == nil {
		writeError(w, http.StatusServiceUnavailable, "reconciliation journal unavailable")
		return
	}
	pending, err := s.cfg.Pending.Pending(r.Context())
	if err != nil {
		s.logger.Error("list pending transactions", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list pending transactions")
		return
	}
	if pending == nil {
		pending = []reconcile.PendingTx{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"pending": pending})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Ledger == nil {
		writeError(w, http.StatusServiceUnavailable, "ledger unavailable")
		return
	}
	limit := defaultRecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	if limit > maxRecentLimit {
		limit = maxRecentLimit
	}
	entries, err := s.cfg.Ledger.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Error("list ledger entries", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list transactions")
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transactions": entries})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
