package api

import (
	"github.com/ayo6706/ledger-service/internal/api/handler"
	"github.com/ayo6706/ledger-service/internal/api/middleware"
	"github.com/ayo6706/ledger-service/internal/api/ws"
	"github.com/ayo6706/ledger-service/internal/cache"
	"github.com/ayo6706/ledger-service/internal/config"
	"github.com/ayo6706/ledger-service/internal/ledger"
	"github.com/ayo6706/ledger-service/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	engine *ledger.Engine
	store  store.Store
	gate   *middleware.AuthGate
	hub    *ws.Hub
	replay *cache.Replay
}

func NewRouter(cfg *config.Config, logger *zap.Logger, engine *ledger.Engine, s store.Store, gate *middleware.AuthGate, hub *ws.Hub, replay *cache.Replay) *Router {
	return &Router{cfg: cfg, logger: logger, engine: engine, store: s, gate: gate, hub: hub, replay: replay}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware)
	r.Use(middleware.LoggingMiddleware(api.logger))
	r.Use(middleware.MetricsMiddleware)
	r.Use(middleware.RecoverMiddleware(api.logger))

	// Handlers
	healthHandler := handler.NewHealthHandler(api.store)
	authHandler := handler.NewAuthHandler(api.gate)
	transferHandler := handler.NewTransferHandler(api.engine)
	accountHandler := handler.NewAccountHandler(api.engine)
	subscriptionHandler := handler.NewSubscriptionHandler(api.engine)

	// Unauthenticated surface
	r.Get("/healthz/live", healthHandler.Live)
	r.Get("/healthz/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())

	// Authenticated surface
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Use(api.gate.Middleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))
		r.Use(middleware.IdempotencyMiddleware(api.replay, api.logger))

		r.Post("/auth/token", authHandler.Token)

		r.Get("/transfers/{id}", transferHandler.Get)
		r.Put("/transfers/{id}", transferHandler.Put)
		r.Get("/transfers/{id}/state", transferHandler.GetState)
		r.Get("/transfers/{id}/fulfillment", transferHandler.GetFulfillment)
		r.Put("/transfers/{id}/fulfillment", transferHandler.PutFulfillment)

		r.Get("/accounts", accountHandler.List)
		r.Get("/accounts/{name}", accountHandler.Get)
		r.Put("/accounts/{name}", accountHandler.Put)
		r.Get("/accounts/{name}/transfers", api.hub.Handler(api.engine))

		r.Get("/subscriptions/{id}", subscriptionHandler.Get)
		r.Put("/subscriptions/{id}", subscriptionHandler.Put)
		r.Delete("/subscriptions/{id}", subscriptionHandler.Delete)
		r.Get("/subscriptions/{id}/notifications/{nid}", subscriptionHandler.GetNotification)
	})

	return r
}
