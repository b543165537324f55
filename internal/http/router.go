package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fjod/go_pos/pkg/logger"
)

type RouterConfig struct {
	Intents  *IntentHandler
	Orders   *OrderHandler
	Carts    *CartHandler
	Realtime http.Handler
	// RequestTimeout bounds every route except the realtime stream.
	RequestTimeout     time.Duration
	MaxRequestBodySize int64
	ServiceName        string
	Log                *logger.Logger
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Log == nil {
		cfg.Log = logger.Nop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "payment-service"
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(cfg.Log.Middleware)
	r.Use(middleware.Recoverer)
	if cfg.MaxRequestBodySize > 0 {
		r.Use(middleware.RequestSize(cfg.MaxRequestBodySize))
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.Realtime != nil {
			r.Get("/realtime", cfg.Realtime.ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			if cfg.RequestTimeout > 0 {
				r.Use(middleware.Timeout(cfg.RequestTimeout))
			}

			if cfg.Intents != nil {
				r.Route("/payment-intents", func(r chi.Router) {
					r.Post("/", cfg.Intents.Create)
					r.Get("/{id}", cfg.Intents.Get)
					r.Post("/{id}/cancel", cfg.Intents.Cancel)
					r.Post("/{id}/terminal-result", cfg.Intents.ReportTerminalResult)
				})
			}
			if cfg.Orders != nil {
				r.Get("/orders/{id}", cfg.Orders.GetOrder)
				r.Get("/registers/{id}/terminal", cfg.Orders.GetTerminalConfig)
			}
			if cfg.Carts != nil {
				r.Get("/carts", cfg.Carts.ListCarts)
				r.Route("/carts/{id}", func(r chi.Router) {
					r.Get("/", cfg.Carts.GetCart)
					r.Delete("/", cfg.Carts.ClearCart)
					r.Post("/items", cfg.Carts.AddItem)
					r.Put("/items/{product_id}", cfg.Carts.UpdateQuantity)
					r.Delete("/items/{product_id}", cfg.Carts.RemoveItem)
					r.Post("/discount", cfg.Carts.ApplyDiscount)
				})
			}
		})
	})

	return otelhttp.NewHandler(r, cfg.ServiceName)
}
