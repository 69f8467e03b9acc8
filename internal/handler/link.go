package handler

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/autoconnect/internal/audit"
	apperrors "github.com/openclaw/autoconnect/internal/errors"
	"github.com/openclaw/autoconnect/internal/middleware"
	"github.com/openclaw/autoconnect/internal/model"
	"github.com/openclaw/autoconnect/internal/service"
	"github.com/openclaw/autoconnect/internal/util"
)

const maxSubjectIDLength = 128

type LinkHandler struct {
	registry *service.Registry
	startMW  func(http.Handler) http.Handler
}

// NewLinkHandler wires the link routes. startMW wraps only POST /start,
// which is the one route that costs a remote call.
func NewLinkHandler(registry *service.Registry, startMW func(http.Handler) http.Handler) *LinkHandler {
	if startMW == nil {
		startMW = func(next http.Handler) http.Handler { return next }
	}
	return &LinkHandler{registry: registry, startMW: startMW}
}

func (h *LinkHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", h.GetSession)
	r.With(h.startMW).Post("/start", h.Start)
	r.Post("/cancel", h.Cancel)
	r.Post("/retry", h.Retry)
	r.Post("/reset", h.Reset)

	return r
}

type startRequest struct {
	SubjectID string          `json:"subjectId"`
	Platform  string          `json:"platform"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
}

// POST /v1/link/start
func (h *LinkHandler) Start(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())

	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apperrors.ValidationError("Invalid request body"))
		return
	}

	issueReq, err := req.toIssueRequest()
	if err != nil {
		writeError(w, err)
		return
	}

	handle, err := h.registry.Get(ownerKey).Start(issueReq)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLinkStart,
		OwnerKey:  ownerKey,
		SessionID: handle.Session.ID,
		Details: map[string]interface{}{
			"platform": string(issueReq.Platform),
			"existing": handle.Existing,
		},
	})

	status := http.StatusAccepted
	if handle.Existing {
		status = http.StatusOK
	}
	writeJSON(w, status, handle)
}

// POST /v1/link/cancel
func (h *LinkHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())
	controller := h.registry.Get(ownerKey)

	if err := controller.Cancel(); err != nil {
		writeError(w, err)
		return
	}

	session := controller.GetState()
	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLinkCancel,
		OwnerKey:  ownerKey,
		SessionID: session.ID,
	})

	writeJSON(w, http.StatusOK, session)
}

// POST /v1/link/retry
func (h *LinkHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())

	handle, err := h.registry.Get(ownerKey).Retry()
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:      audit.EventLinkRetry,
		OwnerKey:  ownerKey,
		SessionID: handle.Session.ID,
		Details:   map[string]interface{}{"attempt": handle.Session.Attempt},
	})

	writeJSON(w, http.StatusAccepted, handle)
}

// POST /v1/link/reset
func (h *LinkHandler) Reset(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())

	if err := h.registry.Get(ownerKey).Reset(); err != nil {
		log.Error().Err(err).Str("ownerKey", util.ShortKey(ownerKey)).Msg("failed to reset link session")
		writeError(w, apperrors.Internal("Failed to reset session"))
		return
	}

	audit.LogFromRequest(r, audit.Event{Type: audit.EventLinkReset, OwnerKey: ownerKey})

	w.WriteHeader(http.StatusNoContent)
}

// GET /v1/link
//
// A first-time client has nothing stored, so it is answered without
// building a controller.
func (h *LinkHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	ownerKey := middleware.GetOwnerKey(r.Context())
	if c, ok := h.registry.Peek(ownerKey); ok {
		writeJSON(w, http.StatusOK, c.GetState())
		return
	}
	if middleware.IsNewClient(r.Context()) {
		writeJSON(w, http.StatusOK, model.LinkSession{State: model.SessionStateIdle})
		return
	}
	writeJSON(w, http.StatusOK, h.registry.Get(ownerKey).GetState())
}

func (req startRequest) toIssueRequest() (model.IssueRequest, error) {
	subjectID := strings.TrimSpace(req.SubjectID)
	if subjectID == "" {
		return model.IssueRequest{}, apperrors.MissingRequired("subjectId")
	}
	if len(subjectID) > maxSubjectIDLength {
		return model.IssueRequest{}, apperrors.InvalidInput("subjectId", "too long")
	}

	platform := model.PlatformClass(strings.ToLower(strings.TrimSpace(req.Platform)))
	if !platform.Valid() {
		return model.IssueRequest{}, apperrors.InvalidInput("platform", "must be mobile or desktop")
	}

	if len(req.Metadata) > 0 && !json.Valid(req.Metadata) {
		return model.IssueRequest{}, apperrors.InvalidInput("metadata", "must be valid JSON")
	}

	return model.IssueRequest{SubjectID: subjectID, Platform: platform, Metadata: req.Metadata}, nil
}
