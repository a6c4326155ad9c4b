package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/audit"
	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/model"
	"github.com/kioskshop/pairing-server-go/internal/pairing"
)

type SessionValidator interface {
	Validate(ctx context.Context, code string) (*model.DeviceSession, error)
}

type PairingHandler struct {
	orch       *pairing.Orchestrator
	validator  SessionValidator
	events     *EventsHandler
	pairingURL func(code string) string
}

func NewPairingHandler(
	orch *pairing.Orchestrator,
	validator SessionValidator,
	events *EventsHandler,
	pairingURL func(code string) string,
) *PairingHandler {
	return &PairingHandler{
		orch:       orch,
		validator:  validator,
		events:     events,
		pairingURL: pairingURL,
	}
}

// Routes mounts the pairing API. guard wraps the endpoints a phone calls
// with a code it was given, where brute-forcing codes is possible.
func (h *PairingHandler) Routes(guard func(http.Handler) http.Handler) chi.Router {
	r := chi.NewRouter()

	guarded := r.With()
	if guard != nil {
		guarded = r.With(guard)
	}

	r.Post("/", h.BeginPairing)
	guarded.Post("/transfer", h.TransferSession)
	guarded.Get("/{code}", h.GetPairing)
	r.Delete("/{code}", h.CancelPairing)
	guarded.Post("/{code}/complete", h.CompletePairing)
	r.Get("/{code}/events", h.events.ServeHTTP)

	return r
}

type pairingResponse struct {
	PairingCode string `json:"pairingCode"`
	ExpiresAt   string `json:"expiresAt"`
	PairingURL  string `json:"pairingUrl"`
}

type identityRequest struct {
	IdentityRef string `json:"identityRef"`
}

// POST /v1/pairing
func (h *PairingHandler) BeginPairing(w http.ResponseWriter, r *http.Request) {
	handle, err := h.orch.BeginPairing(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to begin pairing")
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventPairingBegin,
		PairingCode: handle.PairingCode,
	})

	writeJSON(w, http.StatusCreated, pairingResponse{
		PairingCode: handle.PairingCode,
		ExpiresAt:   formatTime(handle.ExpiresAt),
		PairingURL:  h.pairingURL(handle.PairingCode),
	})
}

// GET /v1/pairing/{code}
func (h *PairingHandler) GetPairing(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := validCode(code); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.validator.Validate(r.Context(), code)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"pairingCode": session.PairingCode,
		"status":      session.Status,
		"expiresAt":   formatTime(session.ExpiresAt),
	})
}

// DELETE /v1/pairing/{code}
func (h *PairingHandler) CancelPairing(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := validCode(code); err != nil {
		writeError(w, err)
		return
	}

	handle, ok := h.orch.Lookup(code)
	if !ok {
		writeError(w, apperrors.SessionNotFound())
		return
	}
	if handle.Outcome() == pairing.OutcomePaired {
		writeError(w, apperrors.AlreadyPaired())
		return
	}
	handle.Cancel()

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventPairingCancel,
		PairingCode: code,
	})

	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/pairing/{code}/complete
func (h *PairingHandler) CompletePairing(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	if err := validCode(code); err != nil {
		writeError(w, err)
		return
	}

	var req identityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	if err := h.orch.CompletePairingFromOtherDevice(r.Context(), code, req.IdentityRef); err != nil {
		audit.LogFromRequest(r, audit.Event{
			Type:        audit.EventPairingReject,
			PairingCode: code,
			Details:     map[string]interface{}{"code": string(apperrors.GetCode(err))},
		})
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventPairingComplete,
		PairingCode: code,
		IdentityRef: req.IdentityRef,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"pairingCode": code,
		"status":      model.SessionStatusAuthenticated,
	})
}

// POST /v1/pairing/transfer
func (h *PairingHandler) TransferSession(w http.ResponseWriter, r *http.Request) {
	var req identityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	session, err := h.orch.TransferSession(r.Context(), req.IdentityRef)
	if err != nil {
		writeError(w, err)
		return
	}

	audit.LogFromRequest(r, audit.Event{
		Type:        audit.EventSessionTransfer,
		PairingCode: session.PairingCode,
		IdentityRef: req.IdentityRef,
	})

	writeJSON(w, http.StatusCreated, pairingResponse{
		PairingCode: session.PairingCode,
		ExpiresAt:   formatTime(session.ExpiresAt),
		PairingURL:  h.pairingURL(session.PairingCode),
	})
}
