//go:build integration
// +build integration

package testhelpers

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kjstillabower/zip-weather-tracker/internal/client"
	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	"github.com/kjstillabower/zip-weather-tracker/internal/location"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
	"github.com/kjstillabower/zip-weather-tracker/internal/service"
	"github.com/kjstillabower/zip-weather-tracker/internal/storage"
)

// IntegrationTestConfig holds configuration for integration tests.
type IntegrationTestConfig struct {
	APIKey         string
	APIURL         string
	StorageBackend string // "in_memory", "sqlite" or "memcached"
	MemcachedAddr  string
}

// GetIntegrationConfig loads integration test configuration from environment.
// Skips test if WEATHER_API_KEY is not set.
func GetIntegrationConfig(t *testing.T) IntegrationTestConfig {
	apiKey := os.Getenv("WEATHER_API_KEY")
	if apiKey == "" {
		t.Skip("WEATHER_API_KEY not set, skipping integration test")
	}

	apiURL := os.Getenv("WEATHER_API_URL")
	if apiURL == "" {
		apiURL = "https://api.openweathermap.org/data/2.5"
	}

	memcachedAddr := os.Getenv("MEMCACHED_ADDRS")
	if memcachedAddr == "" {
		memcachedAddr = "localhost:11211"
	}

	return IntegrationTestConfig{
		APIKey:         apiKey,
		APIURL:         apiURL,
		StorageBackend: os.Getenv("INTEGRATION_STORAGE_BACKEND"),
		MemcachedAddr:  memcachedAddr,
	}
}

// SetupIntegrationStorage opens the configured backend. SQLite files live in t.TempDir.
// An unreachable memcached falls back to in-memory storage.
func SetupIntegrationStorage(t *testing.T, cfg IntegrationTestConfig) storage.KVStore {
	opts := storage.Options{
		Backend:               cfg.StorageBackend,
		SQLitePath:            filepath.Join(t.TempDir(), "weather.db"),
		MemcachedAddrs:        cfg.MemcachedAddr,
		MemcachedTimeout:      500 * time.Millisecond,
		MemcachedMaxIdleConns: 2,
	}
	kv, err := storage.Open(opts)
	if err == nil {
		err = kv.Ping(context.Background())
	}
	if err != nil {
		t.Logf("%s storage not available (%v), using in-memory storage", cfg.StorageBackend, err)
		kv = storage.NewMemoryStore()
	}
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

// SetupIntegrationClient creates a weather client for integration tests.
func SetupIntegrationClient(t *testing.T, cfg IntegrationTestConfig) *client.OpenWeatherClient {
	c, err := client.NewOpenWeatherClient(cfg.APIKey, cfg.APIURL, client.DefaultTimeout)
	if err != nil {
		t.Fatalf("NewOpenWeatherClient() error = %v", err)
	}
	return c
}

// SetupIntegrationStores wires a location list and a weather store over one backend and
// one bus, the same way the service does at startup.
func SetupIntegrationStores(t *testing.T, cfg IntegrationTestConfig, wc client.WeatherClient) (*location.List, *service.WeatherStore) {
	logger, err := observability.NewLogger()
	if err != nil {
		t.Fatalf("NewLogger() error = %v", err)
	}
	ctx := context.Background()
	kv := SetupIntegrationStorage(t, cfg)
	bus := eventbus.New()

	list, err := location.New(ctx, kv, bus, logger)
	if err != nil {
		t.Fatalf("location.New() error = %v", err)
	}
	store, err := service.NewWeatherStore(ctx, service.Options{
		Client:       wc,
		Store:        kv,
		Bus:          bus,
		Logger:       logger,
		DedupEnabled: true,
	})
	if err != nil {
		t.Fatalf("NewWeatherStore() error = %v", err)
	}
	store.AttachLocations(list)
	t.Cleanup(store.Close)
	return list, store
}
