package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
)

// NewRouter mounts every route. The rate limit and request timeout apply to the API
// routes only; health, metrics and the event stream bypass them.
func NewRouter(h *Handler, logger *zap.Logger, limiter *rate.Limiter, requestTimeout time.Duration) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)

	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler()).Methods(http.MethodGet)
	router.HandleFunc("/events", h.GetEvents).Methods(http.MethodGet)

	api := router.NewRoute().Subrouter()
	api.Use(RateLimitMiddleware(limiter))
	api.Use(TimeoutMiddleware(requestTimeout))
	api.HandleFunc("/locations", h.GetLocations).Methods(http.MethodGet)
	api.HandleFunc("/locations", h.PostLocation).Methods(http.MethodPost)
	api.HandleFunc("/locations/{zip}", h.DeleteLocation).Methods(http.MethodDelete)
	api.HandleFunc("/conditions", h.GetConditions).Methods(http.MethodGet)
	api.HandleFunc("/conditions/refresh", h.PostRefresh).Methods(http.MethodPost)
	api.HandleFunc("/forecast/{zip}", h.GetForecast).Methods(http.MethodGet)
	api.HandleFunc("/cache-time", h.GetCacheTime).Methods(http.MethodGet)
	api.HandleFunc("/cache-time", h.PutCacheTime).Methods(http.MethodPut)

	return router
}
