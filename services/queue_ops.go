package services

import (
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/archived_jobs"
	"github.com/tallyhq/turnstile/models/queued_jobs"
	"github.com/tallyhq/turnstile/queues"
)

// Thresholds past which the system reports itself unhealthy. Tuned for a
// single-tenant deployment; large installs override them at startup.
var UnhealthyFailedCount = int64(50)
var UnhealthyWaitingCount = int64(500)

// DefaultCleanGrace is how long succeeded jobs are kept in the archive by
// default before Clean removes them.
const DefaultCleanGrace = 24 * time.Hour

// ErrUnknownQueue is returned by queue operations for names with no
// registered profile.
var ErrUnknownQueue = fmt.Errorf("Unknown queue")

// QueueStats is a point-in-time census of one queue.
type QueueStats struct {
	Name      string `json:"name"`
	Waiting   int64  `json:"waiting"`
	Delayed   int64  `json:"delayed"`
	Active    int64  `json:"active"`
	Completed int64  `json:"completed"`
	Failed    int64  `json:"failed"`
}

// GetQueueStats counts the named queue's jobs in every state.
func GetQueueStats(name string) (*QueueStats, error) {
	if _, ok := queues.ByName(name); !ok {
		return nil, ErrUnknownQueue
	}
	waiting, delayed, active, err := queued_jobs.CountStates(name)
	if err != nil {
		return nil, err
	}
	completed, err := archived_jobs.CountByStatus(name, models.StatusSucceeded)
	if err != nil {
		return nil, err
	}
	failed, err := archived_jobs.CountByStatus(name, models.StatusFailed)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Name:      name,
		Waiting:   waiting,
		Delayed:   delayed,
		Active:    active,
		Completed: completed,
		Failed:    failed,
	}, nil
}

// GetAllQueueStats counts every registered queue.
func GetAllQueueStats() ([]*QueueStats, error) {
	profiles := queues.All()
	stats := make([]*QueueStats, len(profiles))
	for i, profile := range profiles {
		qs, err := GetQueueStats(profile.Name)
		if err != nil {
			return nil, err
		}
		stats[i] = qs
	}
	return stats, nil
}

// CleanQueue removes succeeded jobs archived more than grace ago from the
// named queue. Returns the number of rows removed.
func CleanQueue(name string, grace time.Duration) (int64, error) {
	if _, ok := queues.ByName(name); !ok {
		return 0, ErrUnknownQueue
	}
	if grace <= 0 {
		grace = DefaultCleanGrace
	}
	removed, err := archived_jobs.Clean(name, time.Now().UTC().Add(-grace))
	if err != nil {
		return 0, err
	}
	log.Printf("cleaned %d succeeded jobs from %s", removed, name)
	go metrics.Measure(fmt.Sprintf("clean.%s.removed", name), removed)
	return removed, nil
}

// RetryFailed re-enqueues every failed job in the named queue's archive
// with a fresh id and the queue's full attempt budget, then removes the
// archive rows. Returns how many jobs were re-enqueued.
func RetryFailed(name string) (int64, error) {
	profile, ok := queues.ByName(name)
	if !ok {
		return 0, ErrUnknownQueue
	}
	failed, err := archived_jobs.GetFailed(name)
	if err != nil {
		return 0, err
	}
	var count int64
	for _, aj := range failed {
		id := types.GenerateUUID(queued_jobs.Prefix)
		_, err = queued_jobs.Enqueue(id, name, aj.Name, profile.Attempts,
			aj.Priority, time.Now().UTC(), aj.ExpiresAt, aj.Data)
		if err != nil {
			return count, err
		}
		// Remove the archive row so the original id can't be retried twice.
		if err := archived_jobs.Delete(aj.ID); err != nil && err != archived_jobs.ErrNotFound {
			return count, err
		}
		count++
	}
	log.Printf("re-enqueued %d failed jobs on %s", count, name)
	go metrics.Measure(fmt.Sprintf("retry_failed.%s.count", name), count)
	return count, nil
}

// Health is the system's own assessment of its queue backlog.
type Health struct {
	Healthy      bool          `json:"healthy"`
	TotalWaiting int64         `json:"total_waiting"`
	TotalActive  int64         `json:"total_active"`
	TotalFailed  int64         `json:"total_failed"`
	Queues       []*QueueStats `json:"queues"`
}

// CheckHealth reports unhealthy when too many jobs have failed or the
// backlog of waiting jobs is too deep across all queues.
func CheckHealth() (*Health, error) {
	stats, err := GetAllQueueStats()
	if err != nil {
		return nil, err
	}
	h := &Health{Queues: stats}
	for _, qs := range stats {
		h.TotalWaiting += qs.Waiting
		h.TotalActive += qs.Active
		h.TotalFailed += qs.Failed
	}
	h.Healthy = h.TotalFailed < UnhealthyFailedCount && h.TotalWaiting < UnhealthyWaitingCount
	return h, nil
}
