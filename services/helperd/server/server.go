package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"lendhelper/core/runtime"
	nativecommon "lendhelper/native/common"
	"lendhelper/native/helper"
	"lendhelper/observability/metrics"
	"lendhelper/services/helperd/middleware"
	"lendhelper/services/helperd/receipts"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	Helper        *helper.Orchestrator
	Runtime       *runtime.Runtime
	Receipts      *receipts.Store
	Hub           *receipts.Hub
	Pauses        *nativecommon.PauseSet
	Auth          *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Idempotency   *middleware.Idempotency
	Observability *middleware.Observability
	Metrics       *metrics.HelperMetrics
	Logger        *slog.Logger
	MaxBodyBytes  int64
	Now           func() time.Time
}

// Server exposes the helper operations over HTTP/JSON.
type Server struct {
	helper       *helper.Orchestrator
	runtime      *runtime.Runtime
	receipts     *receipts.Store
	hub          *receipts.Hub
	pauses       *nativecommon.PauseSet
	metrics      *metrics.HelperMetrics
	logger       *slog.Logger
	maxBodyBytes int64
	now          func() time.Time

	router http.Handler
}

// New constructs a configured HTTP router.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Hub == nil {
		cfg.Hub = receipts.NewHub()
	}
	srv := &Server{
		helper:       cfg.Helper,
		runtime:      cfg.Runtime,
		receipts:     cfg.Receipts,
		hub:          cfg.Hub,
		pauses:       cfg.Pauses,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With(slog.String("component", "server")),
		maxBodyBytes: cfg.MaxBodyBytes,
		now:          cfg.Now,
	}
	srv.router = srv.buildRouter(cfg)
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter(cfg Config) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(api chi.Router) {
		if cfg.Auth == nil {
			return
		}
		api.Use(cfg.Auth.Middleware())
		if cfg.RateLimiter != nil {
			api.Use(cfg.RateLimiter.Middleware)
		}

		api.Group(func(calls chi.Router) {
			if cfg.Idempotency != nil {
				calls.Use(cfg.Idempotency.Middleware)
			}
			calls.Post("/assets/approve", s.handleApprove)
			calls.Post("/mint", s.handleMint)
			calls.Post("/mint-borrow", s.handleMintBorrow)
			calls.Post("/repay", s.handleRepay)
			calls.Post("/repay-redeem", s.handleRepayRedeem)
			calls.Post("/markets/{address}/transfer", s.handleTransferShares)
		})

		api.Get("/accounts/{address}/balances", s.handleBalances)
		api.Get("/markets", s.handleMarkets)
		api.Get("/markets/{address}", s.handleMarket)
		api.Get("/receipts", s.handleReceipts)
		api.Get("/receipts/stream", s.handleReceiptStream)
		api.Get("/receipts/{id}", s.handleReceipt)

		api.Route("/admin", func(admin chi.Router) {
			admin.Use(cfg.Auth.Middleware(middleware.ScopeAdmin))
			admin.Post("/markets/{address}/list", s.handleListMarket)
			admin.Post("/markets/{address}/unlist", s.handleUnlistMarket)
			admin.Post("/markets/{address}/pauses", s.handleMarketPauses)
			admin.Post("/markets/{address}/collateral-factor", s.handleCollateralFactor)
			admin.Post("/markets/{address}/price", s.handlePrice)
			admin.Post("/markets/{address}/exchange-rate", s.handleExchangeRate)
			admin.Post("/modules/{module}/pause", s.handleModulePause(true))
			admin.Post("/modules/{module}/resume", s.handleModulePause(false))
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "root": s.runtime.Root()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
