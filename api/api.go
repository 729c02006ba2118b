// Package api serves the REST query surface: alert and incident queries,
// on-demand correlation, rule reload, health, and metrics.
package api

import (
	"context"
	"crypto/subtle"
	"net/http"

	"argus/config"
	"argus/core"
	"argus/correlate"
	"argus/rules"
	"argus/storage"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/time/rate"
)

// API holds the HTTP server and its dependencies.
type API struct {
	router  *mux.Router
	server  *http.Server
	store   *storage.AlertStore
	engine  *correlate.Engine
	ruleset *rules.Holder
	health  *core.HealthRegistry
	config  *config.Config
	logger  *zap.SugaredLogger
	limiter *rate.Limiter
}

// NewAPI creates the API server and registers all routes.
func NewAPI(store *storage.AlertStore, engine *correlate.Engine, ruleset *rules.Holder, health *core.HealthRegistry, cfg *config.Config, logger *zap.SugaredLogger) *API {
	a := &API{
		router:  mux.NewRouter(),
		store:   store,
		engine:  engine,
		ruleset: ruleset,
		health:  health,
		config:  cfg,
		logger:  logger,
		limiter: rate.NewLimiter(
			rate.Limit(cfg.API.RateLimit.RequestsPerSecond),
			cfg.API.RateLimit.Burst),
	}
	a.setupRoutes()
	return a
}

func (a *API) setupRoutes() {
	a.router.Use(a.rateLimitMiddleware)
	if a.config.API.Auth.Enabled {
		a.router.Use(a.basicAuthMiddleware)
	}

	a.router.HandleFunc("/api/alerts", a.getAlerts).Methods("GET")
	a.router.HandleFunc("/api/alerts/{id}", a.getAlert).Methods("GET")
	a.router.HandleFunc("/api/incidents", a.getIncidents).Methods("GET")
	a.router.HandleFunc("/api/incidents/{id}", a.getIncident).Methods("GET")
	a.router.HandleFunc("/api/incidents/{id}/status", a.setIncidentStatus).Methods("PATCH")
	a.router.HandleFunc("/api/correlate", a.triggerCorrelation).Methods("POST")
	a.router.HandleFunc("/api/rules/reload", a.reloadRules).Methods("POST")
	a.router.HandleFunc("/health", a.healthCheck).Methods("GET")
	a.router.Handle("/metrics", promhttp.Handler())
}

// Start starts the API server. Blocks until shutdown.
func (a *API) Start(addr string) error {
	a.server = &http.Server{
		Addr:    addr,
		Handler: a.router,
	}
	return a.server.ListenAndServe()
}

// Stop shuts the server down gracefully.
func (a *API) Stop(ctx context.Context) error {
	if a.server != nil {
		return a.server.Shutdown(ctx)
	}
	return nil
}

// Handler exposes the router for tests.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.limiter.Allow() {
			http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok ||
			subtle.ConstantTimeCompare([]byte(user), []byte(a.config.API.Auth.Username)) != 1 ||
			bcrypt.CompareHashAndPassword([]byte(a.config.API.Auth.HashedPassword), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="argus"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
