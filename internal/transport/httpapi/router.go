package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kvantpay/tally/internal/platform/metrics"
	"github.com/kvantpay/tally/internal/transport/httpapi/handler"
	"github.com/kvantpay/tally/internal/transport/httpapi/middleware"
	"github.com/kvantpay/tally/pkg/logger"
)

// Config holds router configuration
type Config struct {
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	RateLimitRPS   int
	RateLimitBurst int

	AuthHandler      *handler.AuthHandler
	OperationHandler *handler.OperationHandler
	WalletHandler    *handler.WalletHandler
	LedgerHandler    *handler.LedgerHandler
	HealthHandler    *handler.HealthHandler
	JWTMiddleware    func(http.Handler) http.Handler
}

// NewRouter creates a new HTTP router
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.Logger(cfg.Logger))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(chimiddleware.Compress(5))
	r.Use(middleware.RateLimit(cfg.RateLimitRPS, cfg.RateLimitBurst))

	// Health and metrics endpoints (no authentication required)
	r.Get("/health", handler.GetHealth)
	r.Get("/health/live", handler.GetLiveness)
	if cfg.HealthHandler != nil {
		r.Get("/health/ready", cfg.HealthHandler.GetReadiness)
	}
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Token endpoint (public - credentials ride in the body)
		if cfg.AuthHandler != nil {
			r.Post("/auth/token", cfg.AuthHandler.IssueToken)
		}

		// Protected routes (require a service-client token)
		if cfg.JWTMiddleware != nil {
			r.Group(func(r chi.Router) {
				r.Use(cfg.JWTMiddleware)

				if cfg.OperationHandler != nil {
					r.Route("/operations", func(r chi.Router) {
						r.Post("/deposit", cfg.OperationHandler.CreateDeposit)
						r.Post("/withdrawal", cfg.OperationHandler.CreateWithdrawal)
						r.Post("/transfer", cfg.OperationHandler.CreateTransfer)
					})
				}

				if cfg.WalletHandler != nil {
					r.Get("/wallets/balance", cfg.WalletHandler.GetBalance)
					r.Post("/wallets/balances/bulk", cfg.WalletHandler.BulkBalances)
					r.Get("/users/{userID}/balances", cfg.WalletHandler.ListUserBalances)
				}

				if cfg.LedgerHandler != nil {
					r.Route("/ledger", func(r chi.Router) {
						r.Get("/accounts/{accountID}/balance", cfg.LedgerHandler.GetAccountBalance)
						r.Get("/transactions", cfg.LedgerHandler.ListTransactions)
					})
				}
			})
		}
	})

	return r
}
