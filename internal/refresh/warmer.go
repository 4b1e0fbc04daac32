// Package refresh keeps tracked zips warm: missing current conditions are retried and
// forecast cache entries are refetched once they go stale.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/zip-weather-tracker/internal/models"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
)

// ForecastFetcher reads a forecast through the TTL-governed cache.
type ForecastFetcher interface {
	GetForecast(ctx context.Context, zip string) (models.Forecast, error)
}

// Warmer prefetches forecasts so reads after a refresh are cache hits.
type Warmer struct {
	fetcher     ForecastFetcher
	logger      *zap.Logger
	concurrency int
}

// NewWarmer returns a Warmer issuing at most concurrency fetches at once (0 means 4).
func NewWarmer(fetcher ForecastFetcher, logger *zap.Logger, concurrency int) *Warmer {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Warmer{fetcher: fetcher, logger: observability.OrNop(logger), concurrency: concurrency}
}

// Warm reads the forecast for every zip. Fresh entries cost nothing since GetForecast
// is cache-first. All failures are joined into the returned error.
func (w *Warmer) Warm(ctx context.Context, zips []string) error {
	if len(zips) == 0 {
		return nil
	}
	start := time.Now()

	sem := make(chan struct{}, w.concurrency)
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, zip := range zips {
		zip := zip
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", zip, ctx.Err()))
				mu.Unlock()
				return
			}
			defer func() { <-sem }()
			if _, err := w.fetcher.GetForecast(ctx, zip); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("warm %s: %w", zip, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	w.logger.Debug("forecast warm complete",
		zap.Int("zips", len(zips)),
		zap.Int("errors", len(errs)),
		zap.Duration("duration", time.Since(start)),
	)
	return errors.Join(errs...)
}
