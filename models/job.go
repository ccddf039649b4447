package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type JobStatus string

// StatusQueued indicates a QueuedJob is scheduled to be run at some point in
// the future.
const StatusQueued = JobStatus("queued")

// StatusInProgress indicates a QueuedJob has been dequeued, and is being
// worked on.
const StatusInProgress = JobStatus("in-progress")

const StatusSucceeded = JobStatus("succeeded")
const StatusFailed = JobStatus("failed")
const StatusExpired = JobStatus("expired")

// Scan implements the Scanner interface.
func (j *JobStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*j = JobStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*j = JobStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported JobStatus: %#v", src)
}

func (j JobStatus) Value() (driver.Value, error) {
	return string(j), nil
}

// A QueuedJob is a job to be run at a point in the future.
//
// QueuedJobs can have the status "queued" (to be run at some point), or
// "in-progress" (a dequeuer is acting on them). Among ready jobs in the same
// queue, the highest Priority is served first.
type QueuedJob struct {
	ID        types.PrefixUUID `json:"id"`
	QueueName string           `json:"queue_name"`
	Name      string           `json:"name"`
	Attempts  uint8            `json:"attempts"`
	Priority  int16            `json:"priority"`
	Progress  int16            `json:"progress"`
	RunAfter  time.Time        `json:"run_after"`
	ExpiresAt types.NullTime   `json:"expires_at"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
	Status    JobStatus        `json:"status"`
	Data      json.RawMessage  `json:"data"`
}

// An ArchivedJob is the final resting place of a queued job: a record of what
// happened to it, kept for the stats, cleanup and retry-failed surface.
type ArchivedJob struct {
	ID        types.PrefixUUID `json:"id"`
	QueueName string           `json:"queue_name"`
	Name      string           `json:"name"`
	Attempts  uint8            `json:"attempts"`
	Priority  int16            `json:"priority"`
	Status    JobStatus        `json:"status"`
	CreatedAt time.Time        `json:"created_at"`
	ExpiresAt types.NullTime   `json:"expires_at"`
	Data      json.RawMessage  `json:"data"`
}
