package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/pairing"
)

const DefaultHeartbeatInterval = 15 * time.Second

type HandleLookup interface {
	Lookup(code string) (*pairing.Handle, bool)
}

type Event struct {
	Type string
	Data json.RawMessage
}

// EventsHandler streams one pairing's progress to the kiosk screen. The
// stream opens with a waiting event and ends with exactly one of paired,
// cancelled or expired. A paired outcome stays readable until the session
// expires.
type EventsHandler struct {
	pairings  HandleLookup
	heartbeat time.Duration
}

func NewEventsHandler(pairings HandleLookup, heartbeat time.Duration) *EventsHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}
	return &EventsHandler{
		pairings:  pairings,
		heartbeat: heartbeat,
	}
}

// GET /v1/pairing/{code}/events
func (h *EventsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := validCode(code); err != nil {
		writeError(w, err)
		return
	}

	handle, ok := h.pairings.Lookup(code)
	if !ok {
		writeError(w, apperrors.SessionNotFound())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apperrors.Internal("Streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	log.Info().
		Str("pairingCode", code).
		Msg("sse connection established")

	// A kiosk reconnecting after the pairing settled gets the outcome only.
	if handle.Outcome() == pairing.OutcomeWaiting {
		if err := h.sendEvent(w, flusher, string(pairing.OutcomeWaiting), map[string]any{
			"pairingCode": handle.PairingCode,
			"expiresAt":   formatTime(handle.ExpiresAt),
		}); err != nil {
			log.Error().Err(err).Msg("failed to send event")
			return
		}
	}

	ctx := r.Context()
	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			// The pairing stays open; the kiosk may reconnect.
			log.Info().
				Str("pairingCode", code).
				Msg("sse connection closed by client")
			return

		case <-handle.Done():
			outcome := handle.Outcome()
			data := map[string]any{"pairingCode": handle.PairingCode}
			if outcome == pairing.OutcomePaired {
				data["identityRef"] = handle.IdentityRef()
			}
			if err := h.sendEvent(w, flusher, string(outcome), data); err != nil {
				log.Error().Err(err).Msg("failed to send event")
			}
			log.Info().
				Str("pairingCode", code).
				Str("outcome", string(outcome)).
				Msg("sse connection closed after pairing settled")
			return

		case <-heartbeat.C:
			if _, err := fmt.Fprintf(w, ": ping\n\n"); err != nil {
				log.Debug().
					Str("pairingCode", code).
					Msg("heartbeat failed, closing connection")
				return
			}
			flusher.Flush()
		}
	}
}

func (h *EventsHandler) sendEvent(w http.ResponseWriter, flusher http.Flusher, eventType string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	return h.sendRawEvent(w, flusher, Event{Type: eventType, Data: jsonData})
}

func (h *EventsHandler) sendRawEvent(w http.ResponseWriter, flusher http.Flusher, event Event) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", event.Type); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", event.Data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}
