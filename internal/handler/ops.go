package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/kioskshop/pairing-server-go/internal/audit"
	"github.com/kioskshop/pairing-server-go/internal/jobs"
	"github.com/kioskshop/pairing-server-go/internal/model"
)

type CleanupRunner interface {
	TriggerCleanup(ctx context.Context) jobs.CleanupReport
	ForceCleanupPending(ctx context.Context) jobs.CleanupReport
	Stats(ctx context.Context) (*model.SessionStats, error)
}

// OpsHandler exposes manual cleanup and store stats to operators.
type OpsHandler struct {
	cleanup CleanupRunner
}

func NewOpsHandler(cleanup CleanupRunner) *OpsHandler {
	return &OpsHandler{cleanup: cleanup}
}

func (h *OpsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Post("/cleanup", h.TriggerCleanup)
	r.Post("/cleanup/pending", h.ForceCleanupPending)
	r.Get("/stats", h.Stats)

	return r
}

// POST /v1/ops/cleanup
func (h *OpsHandler) TriggerCleanup(w http.ResponseWriter, r *http.Request) {
	report := h.cleanup.TriggerCleanup(r.Context())

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventManualCleanup,
		Details: map[string]interface{}{"total": report.Total()},
	})

	writeJSON(w, http.StatusOK, report)
}

// POST /v1/ops/cleanup/pending
func (h *OpsHandler) ForceCleanupPending(w http.ResponseWriter, r *http.Request) {
	report := h.cleanup.ForceCleanupPending(r.Context())

	audit.LogFromRequest(r, audit.Event{
		Type:    audit.EventForcedCleanup,
		Details: map[string]interface{}{"pending": report.Pending},
	})

	writeJSON(w, http.StatusOK, report)
}

// GET /v1/ops/stats
func (h *OpsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.cleanup.Stats(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to get session stats")
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, stats)
}
