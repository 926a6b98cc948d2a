package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/bobarin/anchor/internal/jobstore"
	"github.com/bobarin/anchor/internal/models"
	"github.com/bobarin/anchor/internal/worker"
)

// maxTargetSeconds caps the requested narration length. Anything longer
// produces more than 20 segments, which the planner refuses anyway.
const maxTargetSeconds = 600

// enqueuer is the slice of the intake queue the handlers need.
type enqueuer interface {
	EnqueueProduce(ctx context.Context, jobID uuid.UUID, req models.ProduceRequest) error
}

// Handler holds dependencies for API handlers.
type Handler struct {
	store jobstore.Store
	queue enqueuer
}

func NewHandler(store jobstore.Store, q enqueuer) *Handler {
	return &Handler{store: store, queue: q}
}

// CreateVideo handles POST /v1/videos. It validates the request, records a
// queued job, and hands it to the worker via Redis. The response is a 202
// with the job id; clients poll GET /v1/videos/{id} for progress.
func (h *Handler) CreateVideo(w http.ResponseWriter, r *http.Request) {
	var req models.ProduceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	req.Topic = strings.TrimSpace(req.Topic)
	if req.Topic == "" {
		respondError(w, http.StatusBadRequest, "Topic is required")
		return
	}
	if req.TargetSeconds != nil {
		t := *req.TargetSeconds
		if t <= 0 || t > maxTargetSeconds {
			respondError(w, http.StatusBadRequest, "target_seconds must be between 0 and 600")
			return
		}
	}

	job, err := worker.Enqueue(r.Context(), h.store, h.queue, req)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to enqueue job")
		return
	}

	respondJSON(w, http.StatusAccepted, models.ProduceResponse{
		JobID:  job.ID,
		Status: job.Status,
	})
}

// GetVideo handles GET /v1/videos/{id}
func (h *Handler) GetVideo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}

	respondJSON(w, http.StatusOK, models.JobStatusResponse{
		JobID:          job.ID,
		Status:         job.Status,
		ProgressPct:    job.ProgressPct,
		Topic:          job.Topic,
		FinalOutputRef: job.FinalOutputRef,
		Error:          job.ErrorMessage,
		Metadata:       job.Metadata,
	})
}

// DeleteVideo handles DELETE /v1/videos/{id}. Terminal jobs only; a running
// job keeps its worker and cannot be reclaimed mid-flight.
func (h *Handler) DeleteVideo(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid job ID")
		return
	}

	job, err := h.store.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Job not found")
			return
		}
		respondError(w, http.StatusInternalServerError, "Failed to load job")
		return
	}
	if !job.Status.Terminal() {
		respondError(w, http.StatusConflict, "Job is still in progress")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		respondError(w, http.StatusInternalServerError, "Failed to delete job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Health check
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
