// Package queues defines the named queues, their retry/backoff profiles, and
// the enqueue boundary where job payloads are validated.
package queues

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/queued_jobs"
)

// Queue names. Each queue trades off latency against retry cost differently;
// see the profiles below.
const (
	Events        = "events"
	Notifications = "notifications"
	Exports       = "exports"
	SystemHealth  = "system-health"
)

// Job names, used to discriminate handlers and payload types.
const (
	JobDeviceEvent           = "process-device-event"
	JobBiometricMatching     = "process-biometric-matching"
	JobAttendanceCalculation = "process-attendance-calculation"
	JobNotification          = "process-notification"
	JobQueueMonitor          = "queue-monitor"
	JobDatabaseCleanup       = "database-cleanup"
)

type BackoffKind string

const BackoffExponential = BackoffKind("exponential")
const BackoffFixed = BackoffKind("fixed")

// A Profile is a queue's default retry policy plus how many dequeuers the
// worker process runs for it.
type Profile struct {
	Name        string
	Attempts    uint8
	Backoff     BackoffKind
	BackoffBase time.Duration
	Concurrency uint8
}

// The events queue is the real-time path and must not silently drop work;
// notifications are cheap to retry; exports are expensive, so retry
// sparingly; system-health jobs are self-healing on a schedule and get no
// retry storm.
var profiles = []Profile{
	{Name: Events, Attempts: 3, Backoff: BackoffExponential, BackoffBase: 2 * time.Second, Concurrency: 4},
	{Name: Notifications, Attempts: 5, Backoff: BackoffExponential, BackoffBase: 1 * time.Second, Concurrency: 2},
	{Name: Exports, Attempts: 2, Backoff: BackoffExponential, BackoffBase: 5 * time.Second, Concurrency: 1},
	{Name: SystemHealth, Attempts: 1, Backoff: BackoffFixed, BackoffBase: 10 * time.Second, Concurrency: 1},
}

// jobQueues maps each known job name to the queue it runs on.
var jobQueues = map[string]string{
	JobDeviceEvent:           Events,
	JobBiometricMatching:     Events,
	JobAttendanceCalculation: Events,
	JobNotification:          Notifications,
	JobQueueMonitor:          SystemHealth,
	JobDatabaseCleanup:       SystemHealth,
}

// All returns every queue profile.
func All() []Profile {
	out := make([]Profile, len(profiles))
	copy(out, profiles)
	return out
}

// ByName returns the profile for the named queue.
func ByName(name string) (Profile, bool) {
	for _, p := range profiles {
		if p.Name == name {
			return p, true
		}
	}
	return Profile{}, false
}

// NextRunAfter computes when a job should run again after failedAttempts
// failures, per the queue's backoff policy. failedAttempts is 1-based: pass
// 1 after the first failure.
func (p Profile) NextRunAfter(now time.Time, failedAttempts uint8) time.Time {
	if failedAttempts < 1 {
		failedAttempts = 1
	}
	delay := p.BackoffBase
	if p.Backoff == BackoffExponential {
		delay = p.BackoffBase << (failedAttempts - 1)
	}
	return now.Add(delay)
}

// Options control scheduling for a single enqueue.
type Options struct {
	// Priority among ready jobs in the queue; higher runs first.
	Priority int16
	// RunAt is the earliest execution time. The zero value means now; a
	// value in the past clamps to now rather than erroring.
	RunAt time.Time
	// ExpiresAt, if valid, is the latest time the job may run.
	ExpiresAt types.NullTime
	// Attempts overrides the queue profile's default when nonzero.
	Attempts uint8
}

// EffectiveRunAfter clamps a requested execution time: zero or past targets
// run immediately, future targets are honored.
func EffectiveRunAfter(now time.Time, runAt time.Time) time.Time {
	if runAt.IsZero() || runAt.Before(now) {
		return now
	}
	return runAt
}

var errUnknownQueue = errors.New("queues: unknown queue")

// UnknownJobError is returned when a job name has no registered payload
// shape; unknown names are rejected at the boundary rather than failing in
// a worker later.
type UnknownJobError struct {
	Name string
}

func (e *UnknownJobError) Error() string {
	return fmt.Sprintf("queues: unknown job name %q", e.Name)
}

// InvalidPayloadError is returned when a payload fails validation for its
// job name.
type InvalidPayloadError struct {
	Name string
	Err  string
}

func (e *InvalidPayloadError) Error() string {
	return fmt.Sprintf("queues: invalid payload for %s: %s", e.Name, e.Err)
}

// ValidatePayload checks that data is a valid payload for the named job.
// Every payload must carry an organization id; per-job requirements are
// checked on the decoded typed payload.
func ValidatePayload(jobName string, data json.RawMessage) error {
	if _, ok := jobQueues[jobName]; !ok {
		return &UnknownJobError{Name: jobName}
	}
	switch jobName {
	case JobDeviceEvent:
		var p models.DeviceEventPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return &InvalidPayloadError{Name: jobName, Err: err.Error()}
		}
		if p.OrganizationID == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing organization_id"}
		}
		if p.EventID.UUID == uuid.Nil {
			return &InvalidPayloadError{Name: jobName, Err: "missing event_id"}
		}
	case JobBiometricMatching:
		var p models.BiometricMatchPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return &InvalidPayloadError{Name: jobName, Err: err.Error()}
		}
		if p.OrganizationID == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing organization_id"}
		}
		if p.Template == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing template"}
		}
	case JobAttendanceCalculation:
		var p models.AttendanceCalculationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return &InvalidPayloadError{Name: jobName, Err: err.Error()}
		}
		if p.OrganizationID == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing organization_id"}
		}
	case JobNotification:
		var p models.NotificationPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return &InvalidPayloadError{Name: jobName, Err: err.Error()}
		}
		if p.OrganizationID == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing organization_id"}
		}
		if p.Recipient == "" {
			return &InvalidPayloadError{Name: jobName, Err: "missing recipient"}
		}
	case JobQueueMonitor, JobDatabaseCleanup:
		// System jobs take an empty object payload.
		var p map[string]interface{}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &p); err != nil {
				return &InvalidPayloadError{Name: jobName, Err: err.Error()}
			}
		}
	}
	return nil
}

// QueueForJob returns the queue the named job runs on.
func QueueForJob(jobName string) (string, bool) {
	q, ok := jobQueues[jobName]
	return q, ok
}

// Enqueue validates the payload, marshals it, and inserts a queued job on
// the named queue. Enqueue failures are logged and returned; callers on the
// intake path treat them as hard failures, since an event without a queued
// job would never be processed.
func Enqueue(queueName string, jobName string, payload interface{}, opts Options) (*models.QueuedJob, error) {
	profile, ok := ByName(queueName)
	if !ok {
		return nil, errUnknownQueue
	}
	if expected, ok := jobQueues[jobName]; !ok || expected != queueName {
		return nil, &UnknownJobError{Name: jobName}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if err := ValidatePayload(jobName, data); err != nil {
		return nil, err
	}
	attempts := profile.Attempts
	if opts.Attempts > 0 {
		attempts = opts.Attempts
	}
	id := types.GenerateUUID(queued_jobs.Prefix)
	runAfter := EffectiveRunAfter(time.Now().UTC(), opts.RunAt)
	qj, err := queued_jobs.Enqueue(id, queueName, jobName, attempts, opts.Priority, runAfter, opts.ExpiresAt, data)
	if err != nil {
		log.Printf("queues: enqueue %s on %s failed: %s", jobName, queueName, err)
		go metrics.Increment(fmt.Sprintf("enqueue.%s.error", queueName))
		return nil, err
	}
	log.Printf("queues: enqueued %s (type %s) on %s priority %d data %s",
		qj.ID.String(), jobName, queueName, opts.Priority, string(data))
	go metrics.Increment(fmt.Sprintf("enqueue.%s.success", queueName))
	return qj, nil
}
