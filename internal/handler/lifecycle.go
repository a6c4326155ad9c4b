package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/kioskshop/pairing-server-go/internal/errors"
	"github.com/kioskshop/pairing-server-go/internal/jobs"
)

type ActivitySink interface {
	RecordActivity(kind jobs.ActivityKind)
	PageExit(reason string)
}

// LifecycleHandler receives kiosk page signals: user activity and page exit.
type LifecycleHandler struct {
	sink ActivitySink
}

func NewLifecycleHandler(sink ActivitySink) *LifecycleHandler {
	return &LifecycleHandler{sink: sink}
}

func (h *LifecycleHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/activity", h.RecordActivity)
	r.Post("/beacon", h.Beacon)

	return r
}

// POST /v1/lifecycle/activity
func (h *LifecycleHandler) RecordActivity(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Kind jobs.ActivityKind `json:"kind"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if !req.Kind.Valid() {
		writeError(w, apperrors.InvalidInput("kind", "must be one of pointer, key, scroll, touch"))
		return
	}

	h.sink.RecordActivity(req.Kind)
	w.WriteHeader(http.StatusNoContent)
}

// POST /v1/lifecycle/beacon
//
// Browsers send beacons with whatever content type they like and never read
// the reply, so a malformed body still triggers the cleanup.
func (h *LifecycleHandler) Beacon(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = decodeJSON(r, &req)
	if req.Reason == "" {
		req.Reason = "beacon"
	}

	h.sink.PageExit(req.Reason)
	w.WriteHeader(http.StatusNoContent)
}
