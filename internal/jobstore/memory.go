package jobstore

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/bobarin/anchor/internal/models"
	"github.com/google/uuid"
)

// Memory is the in-process Store. Records are ephemeral: a background sweep
// evicts jobs whose last update is older than the TTL, and when the store
// holds more than the retained maximum the oldest records go first.
type Memory struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.Job
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		jobs: make(map[uuid.UUID]*models.Job),
	}
}

func (m *Memory) Put(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	cp := *job
	m.jobs[job.ID] = &cp
	return nil
}

func (m *Memory) Get(ctx context.Context, id uuid.UUID) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	cp := *job
	return &cp, nil
}

// Update applies mutate to the stored record under the write lock and returns
// a snapshot. Progress is kept monotonic here so a late low-percentage report
// can never walk the bar backwards.
func (m *Memory) Update(ctx context.Context, id uuid.UUID, mutate func(*models.Job)) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}

	prevProgress := job.ProgressPct
	mutate(job)
	if job.ProgressPct < prevProgress {
		job.ProgressPct = prevProgress
	}
	if job.ProgressPct > 100 {
		job.ProgressPct = 100
	}
	job.UpdatedAt = time.Now()

	cp := *job
	return &cp, nil
}

func (m *Memory) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, id)
	return nil
}

// ListExpired returns ids past their TTL, plus — when the store holds more
// than max records — enough of the oldest remainder to get back under max.
func (m *Memory) ListExpired(ctx context.Context, ttl time.Duration, max int) ([]uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cutoff := time.Now().Add(-ttl)
	var expired []uuid.UUID
	var live []*models.Job
	for id, job := range m.jobs {
		if job.UpdatedAt.Before(cutoff) {
			expired = append(expired, id)
		} else {
			live = append(live, job)
		}
	}

	if max > 0 && len(live) > max {
		sort.Slice(live, func(i, j int) bool {
			return live[i].UpdatedAt.Before(live[j].UpdatedAt)
		})
		for _, job := range live[:len(live)-max] {
			expired = append(expired, job.ID)
		}
	}

	return expired, nil
}

// StartSweeper runs the TTL eviction loop until ctx is cancelled. All
// eviction goes through the Store interface, never directly at the map.
func StartSweeper(ctx context.Context, store Store, ttl time.Duration, max int, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ids, err := store.ListExpired(ctx, ttl, max)
			if err != nil {
				log.Printf("[JobStore] sweep failed: %v", err)
				continue
			}
			for _, id := range ids {
				if err := store.Delete(ctx, id); err != nil {
					log.Printf("[JobStore] failed to evict %s: %v", id, err)
				}
			}
			if len(ids) > 0 {
				log.Printf("[JobStore] evicted %d expired job(s)", len(ids))
			}
		}
	}
}
