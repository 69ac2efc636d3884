package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	apperrors "github.com/3leaps/goforward/internal/errors"
	"github.com/3leaps/goforward/pkg/queue"
)

// QueueView is the part of a queue the API exposes.
type QueueView interface {
	Snapshot() []queue.Realization
	Get(iens int) (queue.Realization, bool)
	Counts() queue.Counts
	Running() bool
	KillAll(ctx context.Context) bool
}

// QueueHandlers serves the /api/v1 routes.
type QueueHandlers struct {
	q QueueView
}

func NewQueueHandlers(q QueueView) *QueueHandlers {
	return &QueueHandlers{q: q}
}

// ListResponse is the body of GET /api/v1/realizations.
type ListResponse struct {
	Realizations []queue.Realization `json:"realizations"`
	Count        int                 `json:"count"`
}

// SummaryResponse is the body of GET /api/v1/summary.
type SummaryResponse struct {
	Running bool         `json:"running"`
	Counts  queue.Counts `json:"counts"`
	Summary string       `json:"summary"`
}

// KillResponse is the body of POST /api/v1/kill.
type KillResponse struct {
	Killed bool `json:"killed"`
}

// List serves GET /api/v1/realizations. ?state=RUNNING,PENDING filters by
// state and ?category=failed by display category.
func (h *QueueHandlers) List(w http.ResponseWriter, r *http.Request) {
	states := map[queue.State]bool{}
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			s, ok := queue.ParseState(strings.ToUpper(strings.TrimSpace(name)))
			if !ok {
				respondWithError(w, r, &apperrors.AppError{
					Code:    apperrors.CodeBadRequest,
					Message: "unknown state " + name,
				})
				return
			}
			states[s] = true
		}
	}
	category := strings.ToLower(r.URL.Query().Get("category"))

	out := []queue.Realization{}
	for _, rz := range h.q.Snapshot() {
		if len(states) > 0 && !states[rz.State] {
			continue
		}
		if category != "" && rz.State.Category().String() != category {
			continue
		}
		out = append(out, rz)
	}
	writeJSON(w, http.StatusOK, ListResponse{Realizations: out, Count: len(out)})
}

// Get serves GET /api/v1/realizations/{iens}.
func (h *QueueHandlers) Get(w http.ResponseWriter, r *http.Request) {
	iens, err := strconv.Atoi(chi.URLParam(r, "iens"))
	if err != nil || iens < 0 {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeBadRequest,
			Message: "iens must be a non-negative integer",
		})
		return
	}
	rz, ok := h.q.Get(iens)
	if !ok {
		respondWithError(w, r, &apperrors.AppError{
			Code:    apperrors.CodeNotFound,
			Message: "realization " + strconv.Itoa(iens) + " is not queued",
		})
		return
	}
	writeJSON(w, http.StatusOK, rz)
}

// Summary serves GET /api/v1/summary.
func (h *QueueHandlers) Summary(w http.ResponseWriter, r *http.Request) {
	c := h.q.Counts()
	writeJSON(w, http.StatusOK, SummaryResponse{Running: h.q.Running(), Counts: c, Summary: c.String()})
}

// Kill serves POST /api/v1/kill. It blocks until the queue has processed
// the request or the client goes away.
func (h *QueueHandlers) Kill(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, KillResponse{Killed: h.q.KillAll(r.Context())})
}

// CheckHealth fails until the queue runs.
func (h *QueueHandlers) CheckHealth(ctx context.Context) error {
	if !h.q.Running() {
		return apperrors.New(apperrors.CodeServiceUnavailable, "queue is not running")
	}
	return nil
}
