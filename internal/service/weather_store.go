package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/zip-weather-tracker/internal/client"
	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	"github.com/kjstillabower/zip-weather-tracker/internal/models"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/storage"
	"github.com/kjstillabower/zip-weather-tracker/internal/traffic"
	"github.com/kjstillabower/zip-weather-tracker/internal/validation"
)

var (
	// ErrThrottled is returned when a fetch for the zip was attempted within the cache TTL.
	ErrThrottled = errors.New("fetch throttled: recent attempt within cache TTL")
	// ErrEmptyResponse is returned when the provider answered with an empty or malformed payload.
	ErrEmptyResponse = errors.New("empty response from weather provider")
	// ErrDiscarded is returned when the zip was removed while its fetch was in flight.
	ErrDiscarded = errors.New("response discarded: location removed during fetch")
	// ErrInvalidCacheTime is returned by SetCustomCacheTime for non-positive durations.
	ErrInvalidCacheTime = errors.New("cache time must be positive")
)

// Storage keys.
const (
	ConditionsKey        = "currentConditions"
	forecastKeyPrefix    = "forecast_"
	lastAttemptKeyPrefix = "lastAttempt_"
)

// DefaultCacheTTL is the forecast freshness window and dedup window until SetCustomCacheTime.
const DefaultCacheTTL = 2 * time.Hour

// Config is the provider configuration injected at construction.
type Config struct {
	BaseURL     string
	APIKey      string
	IconBaseURL string
	// Timeout bounds each provider request. Zero means client.DefaultTimeout.
	Timeout time.Duration
}

// Options configures NewWeatherStore. Store is required. A nil Client is built from
// Config.BaseURL, Config.APIKey and Config.Timeout.
type Options struct {
	Client       client.WeatherClient
	Store        storage.KVStore
	Bus          *eventbus.Bus
	Logger       *zap.Logger
	Config       Config
	DefaultTTL   time.Duration
	DedupEnabled bool
	// Now overrides the clock used for TTL decisions.
	Now func() time.Time
}

// WeatherStore owns current conditions per tracked zip and the forecast cache,
// and is the only caller of the weather provider.
//
// Every mutation runs under pubMu and publishes its snapshot before releasing it, so
// subscribers see snapshots in mutation order. Subscribers of Conditions and TTLChanges
// must not call a mutating method synchronously.
type WeatherStore struct {
	client client.WeatherClient
	store  storage.KVStore
	bus    *eventbus.Bus
	logger *zap.Logger
	cfg    Config
	dedup  bool
	now    func() time.Time

	ttl atomic.Int64

	pubMu       sync.Mutex
	mu          sync.RWMutex
	snapshot    models.ConditionsSnapshot
	generations map[string]uint64
	// tracked is the latest location list; attached is set once AttachLocations ran.
	tracked  []string
	attached bool

	attemptMu sync.Mutex
	flights   singleflight.Group

	conditions eventbus.Channel[models.ConditionsSnapshot]
	ttlChanges eventbus.Channel[time.Duration]

	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup
	unsubscribe func()
}

// NewWeatherStore builds a store and loads the persisted conditions snapshot.
func NewWeatherStore(ctx context.Context, opts Options) (*WeatherStore, error) {
	if opts.Store == nil {
		return nil, errors.New("weather store: storage is required")
	}
	wc := opts.Client
	if wc == nil {
		timeout := opts.Config.Timeout
		if timeout <= 0 {
			timeout = client.DefaultTimeout
		}
		c, err := client.NewOpenWeatherClient(opts.Config.APIKey, opts.Config.BaseURL, timeout)
		if err != nil {
			return nil, fmt.Errorf("weather store: %w", err)
		}
		wc = c
	}
	if opts.Config.IconBaseURL == "" {
		opts.Config.IconBaseURL = DefaultIconBaseURL
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.New()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	ttl := opts.DefaultTTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	s := &WeatherStore{
		client:      wc,
		store:       opts.Store,
		bus:         opts.Bus,
		logger:      observability.OrNop(opts.Logger),
		cfg:         opts.Config,
		dedup:       opts.DedupEnabled,
		now:         opts.Now,
		generations: make(map[string]uint64),
	}
	s.ttl.Store(int64(ttl))
	observability.CacheTTLSeconds.Set(ttl.Seconds())
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())

	if err := s.loadConditions(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *WeatherStore) loadConditions(ctx context.Context) error {
	raw, ok, err := s.store.Get(ctx, ConditionsKey)
	if err != nil {
		return fmt.Errorf("load conditions: %w", err)
	}
	if !ok {
		return nil
	}
	var entries []models.ConditionsEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		s.logger.Warn("ignoring corrupt persisted conditions", zap.Error(err))
		return nil
	}
	snap := make(models.ConditionsSnapshot, 0, len(entries))
	for _, e := range entries {
		if e.Zip == "" || snap.Has(e.Zip) || models.IsEmptyPayload(e.Data) {
			continue
		}
		snap = append(snap, e)
	}
	s.snapshot = snap
	return nil
}

// Conditions is the snapshot channel. A new snapshot is published after every change.
func (s *WeatherStore) Conditions() *eventbus.Channel[models.ConditionsSnapshot] {
	return &s.conditions
}

// TTLChanges publishes the new TTL after every SetCustomCacheTime.
func (s *WeatherStore) TTLChanges() *eventbus.Channel[time.Duration] {
	return &s.ttlChanges
}

// AlreadyTracked publishes a zip whose fetch found it already present.
func (s *WeatherStore) AlreadyTracked() *eventbus.Channel[string] {
	return &s.bus.LocationAlreadyTracked
}

// Snapshot returns the current conditions snapshot. Callers must not modify it.
func (s *WeatherStore) Snapshot() models.ConditionsSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot
}

// CacheTTL returns the current forecast TTL.
func (s *WeatherStore) CacheTTL() time.Duration {
	return time.Duration(s.ttl.Load())
}

// IconURL returns the artwork URL for a condition code.
func (s *WeatherStore) IconURL(code int) string {
	return IconURL(s.cfg.IconBaseURL, code)
}

// SetCustomCacheTime replaces the TTL and broadcasts it. Existing cache entries are
// judged against the new value on their next read.
func (s *WeatherStore) SetCustomCacheTime(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("%w: %v", ErrInvalidCacheTime, d)
	}
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.ttl.Store(int64(d))
	observability.CacheTTLSeconds.Set(d.Seconds())
	s.logger.Info("cache time changed", zap.Duration("ttl", d))
	s.ttlChanges.Publish(d)
	return nil
}

// AddCurrentConditions fetches current conditions for zip and inserts them when zip
// has no entry yet. If zip already has one, LocationAlreadyTracked is published instead.
// Every failure leaves the snapshot and the persisted state unchanged. Once locations
// are attached, a response for a zip that is no longer listed returns ErrDiscarded.
func (s *WeatherStore) AddCurrentConditions(ctx context.Context, zip string) error {
	zip, err := validation.ValidateZip(zip)
	if err != nil {
		return err
	}
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("zip", zip))
	gen := s.generation(zip)

	rollback := func() {}
	if s.dedup {
		undo, err := s.markAttempt(ctx, zip)
		if errors.Is(err, ErrThrottled) {
			observability.ConditionsFetchTotal.WithLabelValues("throttled").Inc()
			logger.Debug("conditions fetch throttled")
			return err
		}
		if err != nil {
			return err
		}
		rollback = undo
	}

	raw, err := s.client.GetCurrentConditions(ctx, zip)
	if err != nil {
		traffic.RecordError()
		rollback()
		observability.ConditionsFetchTotal.WithLabelValues("error").Inc()
		logger.Warn("conditions fetch failed",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return fmt.Errorf("fetch current conditions for %s: %w", zip, err)
	}
	traffic.RecordSuccess()

	if models.IsEmptyPayload(raw) {
		rollback()
		observability.ConditionsFetchTotal.WithLabelValues("empty").Inc()
		logger.Warn("conditions payload rejected")
		return fmt.Errorf("%w: zip %s", ErrEmptyResponse, zip)
	}

	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.RLock()
	discarded := s.generations[zip] != gen || !s.trackedLocked(zip)
	present := s.snapshot.Has(zip)
	prev := s.snapshot
	s.mu.RUnlock()

	if discarded {
		observability.ConditionsFetchTotal.WithLabelValues("discarded").Inc()
		logger.Info("discarding conditions for removed zip")
		return ErrDiscarded
	}
	if present {
		observability.ConditionsFetchTotal.WithLabelValues("already_tracked").Inc()
		s.bus.LocationAlreadyTracked.Publish(zip)
		return nil
	}

	next := make(models.ConditionsSnapshot, 0, len(prev)+1)
	next = append(next, prev...)
	next = append(next, models.ConditionsEntry{Zip: zip, Data: raw})
	if err := s.persistConditions(ctx, next); err != nil {
		rollback()
		observability.ConditionsFetchTotal.WithLabelValues("error").Inc()
		logger.Error("persist conditions failed", zap.Error(err))
		return err
	}
	s.setSnapshot(next)

	observability.ConditionsFetchTotal.WithLabelValues("added").Inc()
	logger.Info("conditions added", zap.Int("entries", len(next)))
	s.conditions.Publish(next)
	return nil
}

// RemoveCurrentConditions drops the entry for zip. Any fetch for zip still in flight
// is discarded when it returns. Removing an absent zip publishes nothing.
func (s *WeatherStore) RemoveCurrentConditions(ctx context.Context, zip string) error {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()

	s.mu.Lock()
	s.generations[zip]++
	prev := s.snapshot
	s.mu.Unlock()

	s.clearAttempt(ctx, zip)

	if !prev.Has(zip) {
		return nil
	}
	next := make(models.ConditionsSnapshot, 0, len(prev)-1)
	for _, e := range prev {
		if e.Zip != zip {
			next = append(next, e)
		}
	}
	if err := s.persistConditions(ctx, next); err != nil {
		return err
	}
	s.setSnapshot(next)

	observability.LoggerFromContext(ctx, s.logger).Info("conditions removed", zap.String("zip", zip), zap.Int("entries", len(next)))
	s.conditions.Publish(next)
	return nil
}

// RefreshCurrentConditions calls AddCurrentConditions, in order, for every zip without
// an entry. Failures are independent and returned per zip. Throttled and discarded
// fetches are not failures.
func (s *WeatherStore) RefreshCurrentConditions(ctx context.Context, zips []string) []error {
	snap := s.Snapshot()
	var errs []error
	for _, zip := range zips {
		// The list may have changed while earlier zips were fetched.
		if snap.Has(zip) || !s.isTracked(zip) {
			continue
		}
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		err := s.AddCurrentConditions(ctx, zip)
		if err == nil || errors.Is(err, ErrThrottled) || errors.Is(err, ErrDiscarded) {
			continue
		}
		errs = append(errs, err)
	}
	return errs
}

// GetForecast returns the forecast for zip from the cache while it is fresh, and
// otherwise fetches it once and overwrites the cache entry. Concurrent misses for the
// same zip share one request. Fetch errors are returned; stale entries are never served.
func (s *WeatherStore) GetForecast(ctx context.Context, zip string) (models.Forecast, error) {
	zip, err := validation.ValidateZip(zip)
	if err != nil {
		return models.Forecast{}, err
	}
	logger := observability.LoggerFromContext(ctx, s.logger).With(zap.String("zip", zip))

	if f, ok := s.cachedForecast(ctx, zip, logger); ok {
		observability.ForecastCacheLookupsTotal.WithLabelValues("hit").Inc()
		logger.Debug("forecast cache hit")
		return f, nil
	}
	observability.ForecastCacheLookupsTotal.WithLabelValues("miss").Inc()

	// The shared fetch outlives any single waiter's cancellation.
	fetchCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan(zip, func() (interface{}, error) {
		return s.fetchForecast(fetchCtx, zip, logger)
	})
	select {
	case <-ctx.Done():
		return models.Forecast{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return models.Forecast{}, res.Err
		}
		return res.Val.(models.Forecast), nil
	}
}

type forecastEntry struct {
	Data      models.Forecast `json:"data"`
	Timestamp int64           `json:"timestamp"`
}

func (s *WeatherStore) cachedForecast(ctx context.Context, zip string, logger *zap.Logger) (models.Forecast, bool) {
	raw, ok, err := s.store.Get(ctx, forecastKeyPrefix+zip)
	if err != nil {
		logger.Warn("forecast cache read failed", zap.Error(err))
		return models.Forecast{}, false
	}
	if !ok {
		return models.Forecast{}, false
	}
	var entry forecastEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		logger.Warn("ignoring corrupt forecast cache entry", zap.Error(err))
		return models.Forecast{}, false
	}
	if !s.fresh(entry.Timestamp) {
		return models.Forecast{}, false
	}
	return entry.Data, true
}

func (s *WeatherStore) fetchForecast(ctx context.Context, zip string, logger *zap.Logger) (models.Forecast, error) {
	gen := s.generation(zip)
	f, err := s.client.GetDailyForecast(ctx, zip)
	if err != nil {
		traffic.RecordError()
		logger.Warn("forecast fetch failed",
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		return models.Forecast{}, fmt.Errorf("fetch forecast for %s: %w", zip, err)
	}
	traffic.RecordSuccess()

	if s.generation(zip) != gen {
		logger.Info("not caching forecast for removed zip")
		return f, nil
	}
	raw, err := json.Marshal(forecastEntry{Data: f, Timestamp: s.now().UnixMilli()})
	if err != nil {
		return f, nil
	}
	if err := s.store.Set(ctx, forecastKeyPrefix+zip, raw); err != nil {
		logger.Warn("forecast cache write failed", zap.Error(err))
	}
	return f, nil
}

// fresh reports whether a value written at tsMillis is younger than the TTL.
func (s *WeatherStore) fresh(tsMillis int64) bool {
	age := s.now().UnixMilli() - tsMillis
	return age < s.CacheTTL().Milliseconds()
}

// markAttempt writes the lastAttempt marker for zip, or returns ErrThrottled when the
// previous marker is still within the TTL. The returned func restores the previous marker.
func (s *WeatherStore) markAttempt(ctx context.Context, zip string) (func(), error) {
	s.attemptMu.Lock()
	defer s.attemptMu.Unlock()

	key := lastAttemptKeyPrefix + zip
	prev, hadPrev, err := s.store.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("read last attempt: %w", err)
	}
	if hadPrev {
		if ms, err := strconv.ParseInt(string(prev), 10, 64); err == nil && s.fresh(ms) {
			return nil, ErrThrottled
		}
	}
	if err := s.store.Set(ctx, key, []byte(strconv.FormatInt(s.now().UnixMilli(), 10))); err != nil {
		return nil, fmt.Errorf("write last attempt: %w", err)
	}

	return func() {
		rctx := context.WithoutCancel(ctx)
		var err error
		if hadPrev {
			err = s.store.Set(rctx, key, prev)
		} else {
			err = s.store.Delete(rctx, key)
		}
		if err != nil {
			s.logger.Warn("last attempt rollback failed", zap.String("zip", zip), zap.Error(err))
		}
	}, nil
}

func (s *WeatherStore) clearAttempt(ctx context.Context, zip string) {
	if !s.dedup {
		return
	}
	if err := s.store.Delete(ctx, lastAttemptKeyPrefix+zip); err != nil {
		s.logger.Warn("clear last attempt failed", zap.String("zip", zip), zap.Error(err))
	}
}

func (s *WeatherStore) persistConditions(ctx context.Context, snap models.ConditionsSnapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode conditions: %w", err)
	}
	if err := s.store.Set(ctx, ConditionsKey, raw); err != nil {
		return fmt.Errorf("persist conditions: %w", err)
	}
	return nil
}

func (s *WeatherStore) setSnapshot(snap models.ConditionsSnapshot) {
	s.mu.Lock()
	s.snapshot = snap
	s.mu.Unlock()
}

// isTracked reports whether zip is in the attached location list. Every zip counts as
// tracked until AttachLocations runs.
func (s *WeatherStore) isTracked(zip string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.trackedLocked(zip)
}

func (s *WeatherStore) trackedLocked(zip string) bool {
	return !s.attached || slices.Contains(s.tracked, zip)
}

func (s *WeatherStore) generation(zip string) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generations[zip]
}

// LocationSource is the tracked-zip list the store follows.
type LocationSource interface {
	List() []string
}

// AttachLocations makes the store follow src: entries for zips that leave the list are
// dropped, and zips without an entry are fetched in the background. The current list is
// reconciled immediately.
func (s *WeatherStore) AttachLocations(src LocationSource) {
	s.unsubscribe = s.bus.LocationsChanged.Subscribe(s.onLocationsChanged)
	s.onLocationsChanged(src.List())
}

func (s *WeatherStore) onLocationsChanged(zips []string) {
	keep := make(map[string]bool, len(zips))
	for _, z := range zips {
		keep[z] = true
	}

	s.mu.Lock()
	candidates := append(s.snapshot.Zips(), s.tracked...)
	s.tracked = append([]string(nil), zips...)
	s.attached = true
	s.mu.Unlock()

	dropped := make(map[string]bool)
	for _, z := range candidates {
		if keep[z] || dropped[z] {
			continue
		}
		dropped[z] = true
		if err := s.RemoveCurrentConditions(s.bgCtx, z); err != nil {
			s.logger.Error("drop untracked conditions failed", zap.String("zip", z), zap.Error(err))
		}
	}

	s.bg.Add(1)
	go func() {
		defer s.bg.Done()
		for _, err := range s.RefreshCurrentConditions(s.bgCtx, zips) {
			s.logger.Warn("background conditions refresh failed", zap.Error(err))
		}
	}()
}

// Wait blocks until background refreshes started by location changes have finished.
func (s *WeatherStore) Wait() {
	s.bg.Wait()
}

// Close stops following locations, cancels background refreshes and waits for them.
func (s *WeatherStore) Close() {
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
	s.bgCancel()
	s.bg.Wait()
}
