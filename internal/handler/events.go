package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/middleware"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/service"
	"github.com/openclaw/autoconnect/internal/sse"
	"github.com/openclaw/autoconnect/internal/util"
)

const eventSnapshot = "snapshot"

// EventsHandler streams a caller's controller events together with the
// notifications and launch requests published for them on the broker.
type EventsHandler struct {
	registry *service.Registry
	broker   *sse.Broker
}

func NewEventsHandler(registry *service.Registry, broker *sse.Broker) *EventsHandler {
	return &EventsHandler{
		registry: registry,
		broker:   broker,
	}
}

// GET /v1/link/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())
	if ownerKey == "" {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "Unauthorized"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "Streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	controller := h.registry.Get(ownerKey)
	events, unsubscribe := controller.Subscribe()
	defer unsubscribe()

	client := h.broker.Subscribe(ownerKey)
	defer h.broker.Unsubscribe(client)

	log.Info().Str("ownerKey", util.ShortKey(ownerKey)).Msg("sse connection established")

	if err := h.sendEvent(w, flusher, eventSnapshot, controller.GetState()); err != nil {
		return
	}

	heartbeat := time.NewTicker(sse.HeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			log.Info().
				Str("ownerKey", util.ShortKey(ownerKey)).
				Msg("sse connection closed by client")
			return

		case <-client.Done:
			log.Info().
				Str("ownerKey", util.ShortKey(ownerKey)).
				Msg("sse connection closed by broker")
			return

		case event, ok := <-events:
			if !ok {
				log.Info().
					Str("ownerKey", util.ShortKey(ownerKey)).
					Msg("sse connection closed by controller")
				return
			}
			if err := h.sendControllerEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Msg("failed to send controller event")
				return
			}

		case event := <-client.Events:
			if err := h.sendRawEvent(w, flusher, event); err != nil {
				log.Debug().Err(err).Msg("failed to send event")
				return
			}

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("ownerKey", util.ShortKey(ownerKey)).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendControllerEvent(w http.ResponseWriter, flusher http.Flusher, event model.Event) error {
	return h.sendEvent(w, flusher, string(event.Type), event)
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, sse.Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event sse.Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
