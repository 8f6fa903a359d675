package httpapi

import (
	stdhttp "net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"atelier/internal/http/handlers"
	"atelier/internal/middleware"
)

type Options struct {
	Logger         zerolog.Logger
	AllowedOrigins []string
	RateLimitPerMin int
}

func NewRouter(app *handlers.App, opts Options) stdhttp.Handler {
	r := chi.NewRouter()
	r.Use(
		middleware.RequestID,
		chimiddleware.RealIP,
		chimiddleware.Recoverer,
		middleware.Logger(opts.Logger),
		middleware.CORS(opts.AllowedOrigins),
	)
	if opts.RateLimitPerMin > 0 {
		r.Use(middleware.RateLimit(opts.RateLimitPerMin, time.Minute))
	}

	r.Get("/v1/healthz", app.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(middleware.Identity)

		r.Route("/convert", func(r chi.Router) {
			r.Post("/", app.StartConversion)
			r.Get("/{job_id}/status", app.ConversionStatus)
			r.Post("/{job_id}/cancel", app.CancelConversion)
		})

		r.Route("/usage", func(r chi.Router) {
			r.Get("/summary", app.UsageSummary)
			r.Get("/history", app.UsageHistory)
		})
	})

	return r
}
