package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kjstillabower/zip-weather-tracker/internal/lifecycle"
	"github.com/kjstillabower/zip-weather-tracker/internal/models"
	"github.com/kjstillabower/zip-weather-tracker/internal/observability"
)

const (
	eventConditions     = "conditions"
	eventTTL            = "ttl"
	eventAlreadyTracked = "already_tracked"

	streamBuffer      = 32
	keepAliveInterval = 25 * time.Second
)

type streamEvent struct {
	name string
	data interface{}
}

// GetEvents handles GET /events as a server-sent-events stream. The current conditions
// and TTL are sent first, followed by every conditions snapshot, TTL change and
// already-tracked signal. Publishers never block on a slow client: when the buffer is
// full the event is dropped and the next snapshot supersedes it.
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	streamID := uuid.New().String()
	logger := observability.LoggerFromContext(r.Context(), h.logger).With(zap.String("stream_id", streamID))

	events := make(chan streamEvent, streamBuffer)
	send := func(ev streamEvent) {
		select {
		case events <- ev:
		default:
			logger.Warn("event stream buffer full, dropping event", zap.String("event", ev.name))
		}
	}

	unsubscribers := []func(){
		h.store.Conditions().Subscribe(func(snap models.ConditionsSnapshot) {
			send(streamEvent{eventConditions, h.conditionsView(snap)})
		}),
		h.store.TTLChanges().Subscribe(func(d time.Duration) {
			send(streamEvent{eventTTL, cacheTimeBody{MS: d.Milliseconds()}})
		}),
		h.store.AlreadyTracked().Subscribe(func(zip string) {
			send(streamEvent{eventAlreadyTracked, zipRequest{Zip: zip}})
		}),
	}
	defer func() {
		for _, unsubscribe := range unsubscribers {
			unsubscribe()
		}
	}()

	// Streams outlive the server read and write timeouts.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	initial := []streamEvent{
		{eventConditions, h.conditionsView(h.store.Snapshot())},
		{eventTTL, cacheTimeBody{MS: h.store.CacheTTL().Milliseconds()}},
	}
	for _, ev := range initial {
		if err := writeEvent(w, ev); err != nil {
			return
		}
	}
	if err := rc.Flush(); err != nil {
		logger.Debug("event stream flush unsupported", zap.Error(err))
		return
	}
	logger.Debug("event stream opened")

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	for {
		select {
		case <-r.Context().Done():
			logger.Debug("event stream closed by client")
			return
		case <-lifecycle.Done():
			logger.Debug("event stream closed for shutdown")
			return
		case ev := <-events:
			if err := writeEvent(w, ev); err != nil {
				return
			}
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, ev streamEvent) error {
	payload, err := json.Marshal(ev.data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.name, payload)
	return err
}
