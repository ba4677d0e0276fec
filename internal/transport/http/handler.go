package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"

	"mediaqueue/internal/entity"
	"mediaqueue/internal/reconciler"
	"mediaqueue/internal/repository"
	"mediaqueue/internal/service"
)

// ReconcileRunner triggers an out-of-band reconcile pass.
type ReconcileRunner interface {
	RunOnce(ctx context.Context) (reconciler.Summary, error)
}

type Handler struct {
	jobSvc *service.JobService
	recon  ReconcileRunner
}

func NewHandler(jobSvc *service.JobService, recon ReconcileRunner) *Handler {
	return &Handler{jobSvc: jobSvc, recon: recon}
}

type submitJobDTO struct {
	ResourceID    string `json:"resource_id"`
	OwnerID       string `json:"owner_id"`
	Kind          string `json:"kind"`               // download | transcribe | translate
	Priority      *int   `json:"priority,omitempty"` // 1 (highest) .. 5 (lowest), default 3
	ExpectedBytes *int64 `json:"expected_bytes,omitempty"`
}

type submitJobResp struct {
	ID      int64 `json:"id"`
	Created bool  `json:"created"`
}

type jobResp struct {
	ID              int64   `json:"id"`
	ResourceID      string  `json:"resource_id"`
	OwnerID         string  `json:"owner_id"`
	Kind            string  `json:"kind"`
	Priority        int     `json:"priority"`
	Status          string  `json:"status"`
	ProgressBytes   int64   `json:"progress_bytes"`
	ProgressPercent int     `json:"progress_percent"`
	Attempt         int     `json:"attempt"`
	Error           *string `json:"error_message,omitempty"`
	StartedAt       *string `json:"started_at,omitempty"`
	FinishedAt      *string `json:"finished_at,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

func toJobResp(j *entity.Job) jobResp {
	fmtTime := func(t *time.Time) *string {
		if t == nil {
			return nil
		}
		s := t.Format(time.RFC3339)
		return &s
	}
	return jobResp{
		ID:              j.ID,
		ResourceID:      j.ResourceID,
		OwnerID:         j.OwnerID,
		Kind:            string(j.Kind),
		Priority:        j.Priority,
		Status:          string(j.Status),
		ProgressBytes:   j.ProgressBytes,
		ProgressPercent: j.ProgressPct,
		Attempt:         j.Attempt,
		Error:           j.ErrorMessage,
		StartedAt:       fmtTime(j.StartedAt),
		FinishedAt:      fmtTime(j.FinishedAt),
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
}

func jobIDParam(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}

// SubmitJob godoc
// @Summary Submit a job for a resource
// @Description Creates a pending job, or returns the already-active job for the same resource (idempotent).
// @Tags jobs
// @Accept json
// @Produce json
// @Param request body submitJobDTO true "job payload (priority: 1 highest .. 5 lowest)"
// @Success 201 {object} submitJobResp
// @Success 200 {object} submitJobResp
// @Failure 400 {object} apiError
// @Router /jobs [post]
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var dto submitJobDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}

	priority := entity.PriorityDefault
	if dto.Priority != nil {
		priority = *dto.Priority
	}

	id, created, err := h.jobSvc.Submit(r.Context(), service.SubmitRequest{
		ResourceID:    dto.ResourceID,
		OwnerID:       dto.OwnerID,
		Kind:          dto.Kind,
		Priority:      priority,
		ExpectedBytes: dto.ExpectedBytes,
	})
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	code := http.StatusOK
	if created {
		code = http.StatusCreated
	}
	writeJSON(w, code, submitJobResp{ID: id, Created: created})
}

// GetJob godoc
// @Summary Get job by id
// @Tags jobs
// @Produce json
// @Param id path int true "job id"
// @Success 200 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.jobSvc.GetJob(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// GetResourceJob godoc
// @Summary Get the active job for a resource
// @Tags jobs
// @Produce json
// @Param resourceID path string true "resource id"
// @Success 200 {object} jobResp
// @Failure 404 {object} apiError
// @Router /resources/{resourceID}/job [get]
func (h *Handler) GetResourceJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.jobSvc.GetResourceJob(r.Context(), chi.URLParam(r, "resourceID"))
	if errors.Is(err, repository.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "no active job for resource")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, toJobResp(j))
}

// ListJobs godoc
// @Summary List jobs
// @Tags jobs
// @Produce json
// @Param status query string false "filter by status"
// @Param limit query int false "max rows (default 50)"
// @Success 200 {array} jobResp
// @Failure 400 {object} apiError
// @Router /jobs [get]
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	jobs, err := h.jobSvc.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		writeErr(w, http.StatusBadRequest, err.Error())
		return
	}

	out := make([]jobResp, 0, len(jobs))
	for i := range jobs {
		out = append(out, toJobResp(&jobs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

// CancelJob godoc
// @Summary Cancel a job
// @Description Pending jobs fail immediately; claimed/running jobs are cancelled by their dispatcher.
// @Tags jobs
// @Produce json
// @Param id path int true "job id"
// @Success 202 {object} jobResp
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	j, err := h.jobSvc.Cancel(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, toJobResp(j))
}

// RequeueJob godoc
// @Summary Requeue a failed job
// @Tags jobs
// @Produce json
// @Param id path int true "job id"
// @Success 204
// @Failure 400 {object} apiError
// @Failure 404 {object} apiError
// @Router /jobs/{id}/requeue [post]
func (h *Handler) RequeueJob(w http.ResponseWriter, r *http.Request) {
	id, err := jobIDParam(r)
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid id")
		return
	}

	if err := h.jobSvc.Requeue(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeErr(w, http.StatusNotFound, "no failed job with that id")
			return
		}
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Reconcile godoc
// @Summary Force a reconcile pass now
// @Tags admin
// @Produce json
// @Success 200 {object} reconciler.Summary
// @Failure 500 {object} apiError
// @Router /reconcile [post]
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	summary, err := h.recon.RunOnce(r.Context())
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summary)
}
