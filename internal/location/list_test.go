package location

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/zip-weather-tracker/internal/eventbus"
	"github.com/kjstillabower/zip-weather-tracker/internal/storage"
	"github.com/kjstillabower/zip-weather-tracker/internal/validation"
)

// countingStore wraps a MemoryStore, counting writes and optionally failing them.
type countingStore struct {
	*storage.MemoryStore
	sets   int
	setErr error
}

func (s *countingStore) Set(ctx context.Context, key string, value []byte) error {
	s.sets++
	if s.setErr != nil {
		return s.setErr
	}
	return s.MemoryStore.Set(ctx, key, value)
}

func newTestList(t *testing.T) (*List, *countingStore, *eventbus.Bus, *[][]string) {
	t.Helper()
	store := &countingStore{MemoryStore: storage.NewMemoryStore()}
	bus := eventbus.New()
	var events [][]string
	bus.LocationsChanged.Subscribe(func(zips []string) { events = append(events, zips) })
	l, err := New(context.Background(), store, bus, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, store, bus, &events
}

func storedLocations(t *testing.T, s storage.KVStore) []string {
	t.Helper()
	raw, ok, err := s.Get(context.Background(), StorageKey)
	if err != nil || !ok {
		t.Fatalf("Get(%q) = ok %v, err %v", StorageKey, ok, err)
	}
	var zips []string
	if err := json.Unmarshal(raw, &zips); err != nil {
		t.Fatalf("stored locations not JSON: %v", err)
	}
	return zips
}

// TestAdd_NewZip covers adding a first zip: one event, persisted list.
func TestAdd_NewZip(t *testing.T) {
	l, store, _, events := newTestList(t)

	added, err := l.Add(context.Background(), "12345")
	if err != nil || !added {
		t.Fatalf("Add() = (%v, %v), want (true, nil)", added, err)
	}
	if got := l.List(); !reflect.DeepEqual(got, []string{"12345"}) {
		t.Errorf("List() = %v, want [12345]", got)
	}
	if len(*events) != 1 || !reflect.DeepEqual((*events)[0], []string{"12345"}) {
		t.Errorf("events = %v, want one event [12345]", *events)
	}
	if got := storedLocations(t, store); !reflect.DeepEqual(got, []string{"12345"}) {
		t.Errorf("stored = %v, want [12345]", got)
	}
}

// TestAdd_Duplicate verifies a second add keeps one occurrence and persists once.
func TestAdd_Duplicate(t *testing.T) {
	l, store, _, events := newTestList(t)

	if _, err := l.Add(context.Background(), "12345"); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	added, err := l.Add(context.Background(), "12345")
	if err != nil || added {
		t.Fatalf("duplicate Add() = (%v, %v), want (false, nil)", added, err)
	}
	if got := l.List(); len(got) != 1 {
		t.Errorf("List() = %v, want one occurrence", got)
	}
	if store.sets != 1 {
		t.Errorf("persist count = %d, want 1", store.sets)
	}
	if len(*events) != 1 {
		t.Errorf("events = %d, want 1", len(*events))
	}
}

func TestAdd_PreservesInsertionOrder(t *testing.T) {
	l, _, _, events := newTestList(t)
	for _, z := range []string{"30301", "10001", "94105-1234"} {
		if _, err := l.Add(context.Background(), z); err != nil {
			t.Fatalf("Add(%q) error = %v", z, err)
		}
	}
	want := []string{"30301", "10001", "94105-1234"}
	if got := l.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
	if last := (*events)[len(*events)-1]; !reflect.DeepEqual(last, want) {
		t.Errorf("last event = %v, want %v", last, want)
	}
}

func TestAdd_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		zip     string
		wantErr error
	}{
		{"empty", "", validation.ErrZipEmpty},
		{"whitespace", "   ", validation.ErrZipEmpty},
		{"letters", "abcde", validation.ErrZipInvalid},
		{"too short", "1234", validation.ErrZipInvalid},
		{"bad plus4", "12345-12", validation.ErrZipInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, store, _, events := newTestList(t)
			added, err := l.Add(context.Background(), tt.zip)
			if added || !errors.Is(err, tt.wantErr) {
				t.Errorf("Add(%q) = (%v, %v), want (false, %v)", tt.zip, added, err, tt.wantErr)
			}
			if store.sets != 0 || len(*events) != 0 || len(l.List()) != 0 {
				t.Errorf("invalid add changed state: sets=%d events=%d list=%v", store.sets, len(*events), l.List())
			}
		})
	}
}

func TestAdd_TrimsInput(t *testing.T) {
	l, _, _, _ := newTestList(t)
	if _, err := l.Add(context.Background(), " 12345 "); err != nil {
		t.Fatalf("Add() error = %v", err)
	}
	if !l.Contains("12345") {
		t.Error("Contains(12345) = false after adding padded zip")
	}
}

// TestAdd_PersistFailureRollsBack verifies a failed write leaves the list as it was.
func TestAdd_PersistFailureRollsBack(t *testing.T) {
	l, store, _, events := newTestList(t)
	store.setErr = errors.New("disk full")

	added, err := l.Add(context.Background(), "12345")
	if added || err == nil {
		t.Fatalf("Add() = (%v, %v), want (false, error)", added, err)
	}
	if len(l.List()) != 0 {
		t.Errorf("List() = %v, want empty after rollback", l.List())
	}
	if len(*events) != 0 {
		t.Errorf("events = %d, want 0", len(*events))
	}
}

func TestRemove(t *testing.T) {
	l, store, _, events := newTestList(t)
	for _, z := range []string{"11111", "22222", "33333"} {
		_, _ = l.Add(context.Background(), z)
	}

	removed, err := l.Remove(context.Background(), "22222")
	if err != nil || !removed {
		t.Fatalf("Remove() = (%v, %v), want (true, nil)", removed, err)
	}
	want := []string{"11111", "33333"}
	if got := l.List(); !reflect.DeepEqual(got, want) {
		t.Errorf("List() = %v, want %v", got, want)
	}
	if got := storedLocations(t, store); !reflect.DeepEqual(got, want) {
		t.Errorf("stored = %v, want %v", got, want)
	}
	if len(*events) != 4 {
		t.Errorf("events = %d, want 4", len(*events))
	}
}

// TestRemove_Absent verifies removing an untracked zip is a silent no-op.
func TestRemove_Absent(t *testing.T) {
	l, store, _, events := newTestList(t)
	removed, err := l.Remove(context.Background(), "99999")
	if err != nil || removed {
		t.Fatalf("Remove() = (%v, %v), want (false, nil)", removed, err)
	}
	if store.sets != 0 || len(*events) != 0 {
		t.Errorf("no-op remove wrote %d times and published %d events", store.sets, len(*events))
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	l, _, _, _ := newTestList(t)
	_, _ = l.Add(context.Background(), "12345")
	got := l.List()
	got[0] = "mutated"
	if l.List()[0] != "12345" {
		t.Error("mutating List() result changed internal state")
	}
}

// TestNew_LoadsPersisted verifies a new list picks up what an earlier one stored.
func TestNew_LoadsPersisted(t *testing.T) {
	store := storage.NewMemoryStore()
	first, err := New(context.Background(), store, eventbus.New(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	_, _ = first.Add(context.Background(), "12345")
	_, _ = first.Add(context.Background(), "67890")

	second, err := New(context.Background(), store, eventbus.New(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := second.List(); !reflect.DeepEqual(got, []string{"12345", "67890"}) {
		t.Errorf("List() = %v, want [12345 67890]", got)
	}
}

func TestNew_CorruptPersistedStartsEmpty(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Set(context.Background(), StorageKey, []byte("{not json"))

	core, logs := observer.New(zap.WarnLevel)
	l, err := New(context.Background(), store, eventbus.New(), zap.New(core))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if len(l.List()) != 0 {
		t.Errorf("List() = %v, want empty", l.List())
	}
	if logs.FilterMessage("ignoring corrupt persisted locations").Len() != 1 {
		t.Error("expected a warning for corrupt locations")
	}
}

func TestNew_DropsPersistedDuplicates(t *testing.T) {
	store := storage.NewMemoryStore()
	_ = store.Set(context.Background(), StorageKey, []byte(`["12345","12345","67890"]`))
	l, err := New(context.Background(), store, eventbus.New(), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if got := l.List(); !reflect.DeepEqual(got, []string{"12345", "67890"}) {
		t.Errorf("List() = %v, want [12345 67890]", got)
	}
}
