// Package location holds the persisted, ordered set of tracked zip codes.
package location

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/storage"
	"github.com/kjstillabower/zip-weather-tracker/internal/validation"
)

// StorageKey is where the whole location list is persisted as a JSON array.
const StorageKey = "locations"

// List is the insertion-ordered, duplicate-free set of tracked zips.
// Every successful change is persisted before it is published on bus.LocationsChanged.
type List struct {
	store  storage.KVStore
	bus    *eventbus.Bus
	logger *zap.Logger

	// pubMu serializes mutate, persist and publish so events arrive in mutation order.
	pubMu sync.Mutex
	mu    sync.RWMutex
	zips  []string
}

// New loads the persisted list. A missing or corrupt entry starts an empty list;
// a storage read failure is returned.
func New(ctx context.Context, store storage.KVStore, bus *eventbus.Bus, logger *zap.Logger) (*List, error) {
	l := &List{
		store:  store,
		bus:    bus,
		logger: observability.OrNop(logger),
	}

	raw, ok, err := store.Get(ctx, StorageKey)
	if err != nil {
		return nil, fmt.Errorf("load locations: %w", err)
	}
	if ok {
		var zips []string
		if err := json.Unmarshal(raw, &zips); err != nil {
			l.logger.Warn("ignoring corrupt persisted locations", zap.Error(err))
		} else {
			l.zips = dedupe(zips)
		}
	}
	observability.TrackedLocations.Set(float64(len(l.zips)))
	return l, nil
}

// Add validates and appends zip. It returns false with a nil error when zip is
// already tracked. On a persist failure the list is left unchanged and nothing is published.
func (l *List) Add(ctx context.Context, zip string) (bool, error) {
	zip, err := validation.ValidateZip(zip)
	if err != nil {
		return false, err
	}

	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	l.mu.Lock()
	if contains(l.zips, zip) {
		l.mu.Unlock()
		return false, nil
	}
	prev := l.zips
	next := append(append(make([]string, 0, len(prev)+1), prev...), zip)
	l.zips = next
	l.mu.Unlock()

	if err := l.persist(ctx, next); err != nil {
		l.rollback(prev)
		return false, err
	}

	l.logger.Info("location added", zap.String("zip", zip), zap.Int("tracked", len(next)))
	l.publish(next)
	return true, nil
}

// Remove drops zip. Removing an untracked zip is a no-op and publishes nothing.
func (l *List) Remove(ctx context.Context, zip string) (bool, error) {
	l.pubMu.Lock()
	defer l.pubMu.Unlock()

	l.mu.Lock()
	idx := indexOf(l.zips, zip)
	if idx < 0 {
		l.mu.Unlock()
		return false, nil
	}
	prev := l.zips
	next := make([]string, 0, len(prev)-1)
	next = append(next, prev[:idx]...)
	next = append(next, prev[idx+1:]...)
	l.zips = next
	l.mu.Unlock()

	if err := l.persist(ctx, next); err != nil {
		l.rollback(prev)
		return false, err
	}

	l.logger.Info("location removed", zap.String("zip", zip), zap.Int("tracked", len(next)))
	l.publish(next)
	return true, nil
}

// List returns a copy of the tracked zips in insertion order.
func (l *List) List() []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]string(nil), l.zips...)
}

// Contains reports whether zip is tracked.
func (l *List) Contains(zip string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return contains(l.zips, zip)
}

func (l *List) persist(ctx context.Context, zips []string) error {
	raw, err := json.Marshal(zips)
	if err != nil {
		return fmt.Errorf("encode locations: %w", err)
	}
	if err := l.store.Set(ctx, StorageKey, raw); err != nil {
		l.logger.Error("persist locations failed", zap.Error(err))
		return fmt.Errorf("persist locations: %w", err)
	}
	return nil
}

func (l *List) rollback(prev []string) {
	l.mu.Lock()
	l.zips = prev
	l.mu.Unlock()
}

func (l *List) publish(zips []string) {
	observability.TrackedLocations.Set(float64(len(zips)))
	if l.bus != nil {
		l.bus.LocationsChanged.Publish(append([]string(nil), zips...))
	}
}

func dedupe(zips []string) []string {
	out := make([]string, 0, len(zips))
	for _, z := range zips {
		if !contains(out, z) {
			out = append(out, z)
		}
	}
	return out
}

func contains(zips []string, zip string) bool {
	return indexOf(zips, zip) >= 0
}

func indexOf(zips []string, zip string) int {
	for i, z := range zips {
		if z == zip {
			return i
		}
	}
	return -1
}
