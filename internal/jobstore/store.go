package jobstore

import (
	"context"
	"errors"
	"time"

	"github.com/bobarin/anchor/internal/models"
	"github.com/google/uuid"
)

// ErrNotFound is returned when a job id is unknown (or already evicted).
var ErrNotFound = errors.New("job not found")

// Store is the injected job-record store. The orchestrator is the only
// writer; updates to a single job go through Update so concurrent progress
// reports read-modify-write under the store's lock instead of losing writes.
type Store interface {
	Put(ctx context.Context, job *models.Job) error
	Get(ctx context.Context, id uuid.UUID) (*models.Job, error)
	Update(ctx context.Context, id uuid.UUID, mutate func(*models.Job)) (*models.Job, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ListExpired(ctx context.Context, ttl time.Duration, max int) ([]uuid.UUID, error)
}
