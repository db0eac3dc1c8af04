package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/cheque-tally-go/internal/domain"
	"github.com/boddenberg/cheque-tally-go/internal/infra/observability"
	"github.com/boddenberg/cheque-tally-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger reports whether a backing dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services bundles the application services behind the API. A nil service
// disables its routes.
type Services struct {
	Auth     *service.AuthService
	Sessions *service.SessionService
	Ingest   *service.IngestService
	Tally    *service.TallyService
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(svc Services, store Pinger, corsOrigins []string, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.TracingMiddleware)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(store))
	r.Get("/readyz", readyzHandler(store, logger))
	r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

	// --- API v1 ---
	r.Route("/v1", func(r chi.Router) {
		r.Get("/metrics/tally", tallyMetricsHandler(metrics))

		// =============================================
		// Authentication
		// =============================================
		r.Route("/auth", func(r chi.Router) {
			if svc.Auth == nil {
				r.Handle("/*", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					writeError(w, http.StatusServiceUnavailable, "auth service unavailable")
				}))
				return
			}
			r.Post("/signup", signupHandler(svc.Auth, logger))
			r.Post("/login", loginHandler(svc.Auth, logger))
		})

		if svc.Auth == nil {
			return
		}

		// =============================================
		// Sessions, uploads and tally (protected)
		// =============================================
		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(svc.Auth, logger))

			r.Route("/sessions", func(r chi.Router) {
				if svc.Sessions != nil {
					r.Post("/", createSessionHandler(svc.Sessions, logger))
					r.Get("/", listSessionsHandler(svc.Sessions, logger))
					r.Get("/{sessionId}", getSessionHandler(svc.Sessions, logger))
					r.Delete("/{sessionId}", deleteSessionHandler(svc.Sessions, logger))
				}
				if svc.Ingest != nil {
					r.Post("/{sessionId}/company/upload-expenses", uploadCompanyExpensesHandler(svc.Ingest, logger))
					r.Post("/{sessionId}/bank/upload-transactions", uploadBankTransactionsHandler(svc.Ingest, logger))
				}
				if svc.Tally != nil {
					r.Post("/{sessionId}/tally/run", runTallyHandler(svc.Tally, logger))
					r.Get("/{sessionId}/tally/report", tallyReportHandler(svc.Tally, logger))
				}
			})
		})
	})

	return r
}

// ============================================================
// Operational handlers
// ============================================================

func healthzHandler(store Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "tally-api", Status: "healthy", LatencyMs: 0, LastChecked: now},
		}

		if store != nil {
			start := time.Now()
			err := store.Ping(r.Context())
			status := "healthy"
			if err != nil {
				status = "degraded"
			}
			services = append(services, domain.ServiceHealth{
				Name: "store", Status: status, LatencyMs: time.Since(start).Milliseconds(), LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "unhealthy"
				break
			}
			if s.Status == "degraded" {
				overallStatus = "degraded"
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler(store Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				logger.Warn("readiness check failed", zap.Error(err))
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}
