// ABOUTME: chi router wiring the webhook, health, metrics, and review endpoints.
// ABOUTME: Review routes mount only when a review queue and admin token are configured.

package webhook

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/concierge/internal/auth"
)

// Options configures NewRouter.
type Options struct {
	Processor Processor
	// Review is optional.
	Review ReviewQueue
	// Secret verifies X-Webhook-Signature. Empty disables verification.
	Secret string
	// AdminToken guards the review endpoints.
	AdminToken string
	// AllowedOrigins lists browser origins allowed to call the review API.
	AllowedOrigins []string
	// RetryAfter is advertised on deferred deliveries.
	RetryAfter time.Duration
	Logger     *slog.Logger
}

// NewRouter creates and configures the HTTP router.
func NewRouter(opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandler(opts.Processor, opts.Review, opts.RetryAfter, logger)

	verifier := auth.NewSignatureVerifier(opts.Secret)
	if !verifier.Enabled() {
		logger.Warn("webhook signature verification disabled - no webhook.secret configured")
	}

	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(Metrics)
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(Logger(logger.With("component", "http")))
	r.Use(chimw.Recoverer)

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health", h.Health)
	r.Get("/health/ready", h.Ready)

	r.With(auth.RequireSignature(verifier)).Post("/webhook", h.Webhook)

	if opts.Review != nil && opts.AdminToken != "" {
		r.Route("/review", func(r chi.Router) {
			r.Use(cors.Handler(cors.Options{
				AllowedOrigins: opts.AllowedOrigins,
				AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
				AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
				MaxAge:         300,
			}))
			r.Use(RequireBearer(opts.AdminToken))

			r.Get("/", h.ListReview)
			r.Post("/{id}/resolve", h.ResolveReview)
		})
	}

	return r
}
