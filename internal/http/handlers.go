package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/zip-weather-tracker/internal/client"
	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	"github.com/kjstillabower/zip-weather-tracker/internal/lifecycle"
	"github.com/kjstillabower/zip-weather-tracker/internal/models"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/service"
	"github.com/kjstillabower/zip-weather-tracker/internal/traffic"
	"github.com/kjstillabower/zip-weather-tracker/internal/validation"
)

// LocationList is the tracked-zip list behind /locations.
type LocationList interface {
	Add(ctx context.Context, zip string) (bool, error)
	Remove(ctx context.Context, zip string) (bool, error)
	List() []string
}

// WeatherStore is the conditions and forecast state behind /conditions, /forecast,
// /cache-time and /events.
type WeatherStore interface {
	Snapshot() models.ConditionsSnapshot
	RefreshCurrentConditions(ctx context.Context, zips []string) []error
	GetForecast(ctx context.Context, zip string) (models.Forecast, error)
	CacheTTL() time.Duration
	SetCustomCacheTime(d time.Duration) error
	IconURL(code int) string
	Conditions() *eventbus.Channel[models.ConditionsSnapshot]
	TTLChanges() *eventbus.Channel[time.Duration]
	AlreadyTracked() *eventbus.Channel[string]
}

// HealthConfig holds the inputs of the health decision.
type HealthConfig struct {
	DegradedWindow   time.Duration
	DegradedErrorPct int
	// StoragePing, when set, checks that the key-value backend is reachable.
	StoragePing func(ctx context.Context) error
	// BreakerState, when set, reports the provider circuit state ("open" means degraded).
	BreakerState func() string
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	locations        LocationList
	store            WeatherStore
	client           client.WeatherClient
	healthConfig     *HealthConfig
	logger           *zap.Logger
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(
	locations LocationList,
	store WeatherStore,
	client client.WeatherClient,
	healthConfig *HealthConfig,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		locations:    locations,
		store:        store,
		client:       client,
		healthConfig: healthConfig,
		logger:       observability.OrNop(logger),
	}
}

type zipRequest struct {
	Zip string `json:"zip"`
}

type locationsResponse struct {
	Locations []string `json:"locations"`
}

// GetLocations handles GET /locations.
func (h *Handler) GetLocations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, locationsResponse{Locations: h.locations.List()})
}

// PostLocation handles POST /locations with body {"zip": "..."}.
// 201 when added, 409 when already tracked, 400 for a bad zip.
func (h *Handler) PostLocation(w http.ResponseWriter, r *http.Request) {
	var body zipRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON like {\"zip\":\"12345\"}")
		return
	}
	added, err := h.locations.Add(r.Context(), body.Zip)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !added {
		writeError(w, r, http.StatusConflict, "ALREADY_TRACKED", "zip code is already tracked")
		return
	}
	writeJSON(w, http.StatusCreated, locationsResponse{Locations: h.locations.List()})
}

// DeleteLocation handles DELETE /locations/{zip}. The conditions entry goes with it.
func (h *Handler) DeleteLocation(w http.ResponseWriter, r *http.Request) {
	zip := mux.Vars(r)["zip"]
	removed, err := h.locations.Remove(r.Context(), zip)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !removed {
		writeError(w, r, http.StatusNotFound, "NOT_TRACKED", "zip code is not tracked")
		return
	}
	// The store follows LocationsChanged and has already dropped the entry.
	w.WriteHeader(http.StatusNoContent)
}

type conditionsItem struct {
	Zip  string          `json:"zip"`
	Icon string          `json:"icon,omitempty"`
	Data json.RawMessage `json:"data"`
}

type conditionsResponse struct {
	Conditions []conditionsItem `json:"conditions"`
}

func (h *Handler) conditionsView(snap models.ConditionsSnapshot) conditionsResponse {
	items := make([]conditionsItem, 0, len(snap))
	for _, e := range snap {
		item := conditionsItem{Zip: e.Zip, Data: e.Data}
		if code, ok := e.ConditionCode(); ok {
			item.Icon = h.store.IconURL(code)
		}
		items = append(items, item)
	}
	return conditionsResponse{Conditions: items}
}

// GetConditions handles GET /conditions.
func (h *Handler) GetConditions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.conditionsView(h.store.Snapshot()))
}

// PostRefresh handles POST /conditions/refresh: fetches conditions for every tracked
// zip that has none. Per-zip failures are listed without failing the request.
func (h *Handler) PostRefresh(w http.ResponseWriter, r *http.Request) {
	errs := h.store.RefreshCurrentConditions(r.Context(), h.locations.List())
	failures := make([]string, 0, len(errs))
	for _, err := range errs {
		failures = append(failures, err.Error())
	}
	if len(errs) > 0 {
		observability.LoggerFromContext(r.Context(), h.logger).Warn("refresh finished with failures", zap.Int("failures", len(errs)))
	}
	resp := h.conditionsView(h.store.Snapshot())
	writeJSON(w, http.StatusOK, struct {
		conditionsResponse
		Failures []string `json:"failures"`
	}{resp, failures})
}

type forecastDayView struct {
	models.ForecastDay
	Icon string `json:"icon"`
}

type forecastResponse struct {
	Zip  string              `json:"zip"`
	City models.ForecastCity `json:"city"`
	Days []forecastDayView   `json:"days"`
}

// GetForecast handles GET /forecast/{zip}.
func (h *Handler) GetForecast(w http.ResponseWriter, r *http.Request) {
	zip := mux.Vars(r)["zip"]
	f, err := h.store.GetForecast(r.Context(), zip)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	days := make([]forecastDayView, 0, len(f.List))
	for _, d := range f.List {
		code := 0
		if len(d.Weather) > 0 {
			code = d.Weather[0].ID
		}
		days = append(days, forecastDayView{ForecastDay: d, Icon: h.store.IconURL(code)})
	}
	writeJSON(w, http.StatusOK, forecastResponse{Zip: zip, City: f.City, Days: days})
}

type cacheTimeBody struct {
	MS int64 `json:"ms"`
}

// GetCacheTime handles GET /cache-time.
func (h *Handler) GetCacheTime(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, cacheTimeBody{MS: h.store.CacheTTL().Milliseconds()})
}

// PutCacheTime handles PUT /cache-time with body {"ms": n}.
func (h *Handler) PutCacheTime(w http.ResponseWriter, r *http.Request) {
	var body cacheTimeBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_BODY", "request body must be JSON like {\"ms\":7200000}")
		return
	}
	if err := h.store.SetCustomCacheTime(time.Duration(body.MS) * time.Millisecond); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, cacheTimeBody{MS: h.store.CacheTTL().Milliseconds()})
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	checks := map[string]string{"weatherApi": "healthy"}
	if result.status == "degraded" && result.reason != "storage_unreachable" {
		checks["weatherApi"] = "unhealthy"
	}
	if h.healthConfig != nil && h.healthConfig.StoragePing != nil {
		checks["storage"] = "healthy"
		if result.reason == "storage_unreachable" {
			checks["storage"] = "unhealthy"
		}
	}
	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   "zip-weather-tracker",
		"version":   "dev",
		"checks":    checks,
		"locations": len(h.locations.List()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates conditions in priority order:
// shutting-down > API key invalid > storage unreachable > circuit open > error rate > healthy.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	if lifecycle.IsShuttingDown() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal"}
	}
	if err := h.client.ValidateAPIKey(ctx); errors.Is(err, client.ErrInvalidAPIKey) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "api_key_invalid"}
	}
	if h.healthConfig == nil {
		return healthResult{"healthy", http.StatusOK, ""}
	}
	if h.healthConfig.StoragePing != nil {
		if err := h.healthConfig.StoragePing(ctx); err != nil {
			return healthResult{"degraded", http.StatusServiceUnavailable, "storage_unreachable"}
		}
	}
	if h.healthConfig.BreakerState != nil && h.healthConfig.BreakerState() == "open" {
		return healthResult{"degraded", http.StatusServiceUnavailable, "circuit_open"}
	}
	if traffic.Degraded(h.healthConfig.DegradedWindow, h.healthConfig.DegradedErrorPct) {
		return healthResult{"degraded", http.StatusServiceUnavailable, "error_rate_breach"}
	}
	return healthResult{"healthy", http.StatusOK, ""}
}

// writeJSON writes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes {"error":{"code","message","requestId"}}.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": client.CorrelationID(r.Context()),
		},
	})
}

// writeServiceError maps a core error onto a status code and error code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	logger := observability.LoggerFromContext(r.Context(), nil)
	switch {
	case validation.IsValidationError(err):
		writeError(w, r, http.StatusBadRequest, "INVALID_ZIP", err.Error())
	case errors.Is(err, service.ErrInvalidCacheTime):
		writeError(w, r, http.StatusBadRequest, "INVALID_CACHE_TIME", "cache time must be a positive number of milliseconds")
	case errors.Is(err, client.ErrLocationNotFound):
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "the weather provider does not know this zip code")
	case errors.Is(err, context.DeadlineExceeded):
		logger.Debug("request timed out", zap.Error(err))
		writeError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "Timed out fetching weather data")
	case errors.Is(err, client.ErrUpstreamFailure),
		errors.Is(err, client.ErrRateLimited),
		errors.Is(err, client.ErrCircuitOpen),
		errors.Is(err, client.ErrInvalidAPIKey),
		errors.Is(err, service.ErrEmptyResponse):
		logger.Debug("upstream error", zap.Error(err))
		writeError(w, r, http.StatusServiceUnavailable, "UPSTREAM_UNAVAILABLE", "Unable to fetch weather data")
	default:
		logger.Error("request failed", zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "INTERNAL", "internal error")
	}
}
