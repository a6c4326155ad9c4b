package audit

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/util"
)

type EventType string

const (
	EventPairingBegin    EventType = "pairing_begin"
	EventPairingComplete EventType = "pairing_complete"
	EventPairingReject   EventType = "pairing_reject"
	EventPairingCancel   EventType = "pairing_cancel"
	EventSessionTransfer EventType = "session_transfer"
	EventForcedCleanup   EventType = "forced_cleanup"
	EventManualCleanup   EventType = "manual_cleanup"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
	EventAuthFailure     EventType = "auth_failure"
)

type Event struct {
	Type        EventType
	PairingCode string
	IdentityRef string
	IP          string
	UserAgent   string
	Details     map[string]interface{}
}

// Log writes the event to the global logger. Pairing codes are masked; a
// full code is enough to complete a pairing.
func Log(ctx context.Context, event Event) {
	logger := log.With().
		Str("audit", "security").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now()).
		Logger()

	if event.PairingCode != "" {
		logger = logger.With().Str("pairing_code", util.MaskCode(event.PairingCode)).Logger()
	}
	if event.IdentityRef != "" {
		logger = logger.With().Str("identity_ref", event.IdentityRef).Logger()
	}
	if event.IP != "" {
		logger = logger.With().Str("ip", event.IP).Logger()
	}
	if event.UserAgent != "" {
		logger = logger.With().Str("user_agent", event.UserAgent).Logger()
	}

	logEvent := logger.Info()
	for k, v := range event.Details {
		logEvent = addField(logEvent, k, v)
	}
	logEvent.Msg("security audit event")
}

func addField(e *zerolog.Event, key string, value interface{}) *zerolog.Event {
	switch v := value.(type) {
	case string:
		return e.Str(key, v)
	case int:
		return e.Int(key, v)
	case int64:
		return e.Int64(key, v)
	case bool:
		return e.Bool(key, v)
	default:
		return e.Interface(key, v)
	}
}

func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
