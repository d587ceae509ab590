/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind the property gateway
  3. Logger:     Structured request logging (logrus)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the member app

ROUTE GROUPS:
  /api/members/*     Member accounts, stays, ledger, holdings
  /api/tiers         Tier ladder
  /api/benefits/*    Catalog, issuance, assignment, lifecycle
  /api/admin/*       Reconciliation audit, expiry sweep
  /api/scenarios/*   Demo scenarios (only when enabled)
  /metrics           Prometheus
  /healthz           Store reachability

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/sirupsen/logrus"
)

// RouterConfig selects optional parts of the router.
type RouterConfig struct {
	AllowedOrigins []string

	// Metrics is mounted at /metrics when set (promhttp.HandlerFor).
	Metrics http.Handler

	// Scenarios mounts the demo scenario loader. Never in production.
	Scenarios bool
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/healthz", h.Health)
	if cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		// Member routes
		r.Route("/members", func(r chi.Router) {
			r.Post("/", h.RegisterMember)
			r.Get("/{id}", h.GetMember)
			r.Get("/{id}/events", h.GetEvents)
			r.Post("/{id}/stays", h.RecordStay)
			r.Get("/{id}/benefits", h.GetHoldings)
		})

		r.Get("/tiers", h.GetTiers)

		// Benefit routes
		r.Route("/benefits", func(r chi.Router) {
			r.Get("/types", h.ListBenefitTypes)
			r.Post("/types", h.CreateBenefitType)
			r.Post("/instances/{id}/redeem", h.RedeemBenefit)
			r.Post("/instances/{id}/revoke", h.RevokeBenefit)
			r.Post("/{type}/issue", h.IssueBenefits)
			r.Get("/{type}/supply", h.GetSupply)
			r.Post("/{type}/assign", h.AssignBenefit)
			r.Get("/{type}/eligibility", h.CheckEligibility)
		})

		// Admin routes
		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconciliation", h.RunReconciliation)
			r.Post("/expire", h.RunExpiry)
		})

		// Scenario routes
		if cfg.Scenarios {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		}
	})

	return r
}

// requestLogger logs one structured line per request.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"request_id": middleware.GetReqID(r.Context()),
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"remote":     r.RemoteAddr,
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request")
				return
			}
			entry.Debug("request")
		})
	}
}
