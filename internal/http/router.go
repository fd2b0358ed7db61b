package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/overdrive-yt/sportsdevil/pkg/metrics"
)

type RouterConfig struct {
	Carts         *CartHandler
	Checkout      *CheckoutHandler
	ServerMetrics *metrics.ServerMetrics
	Gatherer      prometheus.Gatherer
	MetricsPath   string
	// MaxBodyBytes caps request bodies; zero means 1MB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// NewRouter wires the cart and checkout endpoints. Request timeouts are applied
// per handler so the event stream is not cut off.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestSize(cfg.MaxBodyBytes))
	r.Use(MetricsMiddleware(cfg.ServerMetrics))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if cfg.Gatherer != nil {
		r.Method(http.MethodGet, cfg.MetricsPath, metrics.Handler(cfg.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(UserIDMiddleware)

		r.Route("/cart", func(r chi.Router) {
			r.Get("/", cfg.Carts.GetCart)
			r.Get("/locked", cfg.Carts.Locked)
			r.Post("/items", cfg.Carts.AddItem)
			r.Put("/items", cfg.Carts.UpdateQuantity)
			r.Delete("/items", cfg.Carts.RemoveItem)
		})
		r.Route("/checkout", func(r chi.Router) {
			r.Get("/", cfg.Checkout.Status)
			r.Post("/", cfg.Checkout.Start)
			r.Post("/abort", cfg.Checkout.Abort)
			r.Post("/reset", cfg.Checkout.Reset)
			r.Get("/events", cfg.Checkout.Events)
		})
	})

	return otelhttp.NewHandler(r, "checkout-http")
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.DebugContext(r.Context(), "http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
