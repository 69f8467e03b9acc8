package audit

import (
	"context"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/util"
)

type EventType string

const (
	EventLinkStart       EventType = "link_start"
	EventLinkCancel      EventType = "link_cancel"
	EventLinkRetry       EventType = "link_retry"
	EventLinkReset       EventType = "link_reset"
	EventClientCreate    EventType = "client_create"
	EventRateLimitExceed EventType = "rate_limit_exceeded"
)

// Event is one user-initiated action on a link session. Empty fields are
// left out of the log line.
type Event struct {
	Type      EventType
	OwnerKey  string
	SessionID string
	IP        string
	UserAgent string
	Details   map[string]any
}

func Log(ctx context.Context, event Event) {
	entry := log.Info().
		Str("audit", "link").
		Str("event_type", string(event.Type)).
		Time("timestamp", time.Now())

	optional := func(key, value string) {
		if value != "" {
			entry = entry.Str(key, value)
		}
	}
	if event.OwnerKey != "" {
		optional("owner_key", util.ShortKey(event.OwnerKey))
	}
	optional("session_id", event.SessionID)
	optional("request_id", chimiddleware.GetReqID(ctx))
	optional("ip", event.IP)
	optional("user_agent", event.UserAgent)

	entry.Fields(event.Details).Msg("link audit event")
}

// LogFromRequest fills in the caller's address and agent from r. RealIP has
// already rewritten RemoteAddr when it runs behind a proxy.
func LogFromRequest(r *http.Request, event Event) {
	event.IP = r.RemoteAddr
	event.UserAgent = r.UserAgent()
	Log(r.Context(), event)
}
