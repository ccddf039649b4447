package services

import (
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/queued_jobs"
)

// A Handler performs the work for one job type. Returning nil archives the
// job as succeeded; returning an error fails the attempt, and IsRetryable
// decides whether it is tried again.
type Handler func(qj *models.QueuedJob) error

// A CallbackFunc settles a finished attempt; the signature matches
// HandleStatusCallback.
type CallbackFunc func(qj *models.QueuedJob, status models.JobStatus, retryable bool) error

// A ProgressFunc records a checkpoint percentage for an in-progress job;
// the signature matches queued_jobs.SetProgress.
type ProgressFunc func(id types.PrefixUUID, percent int16) error

// JobRunner dispatches dequeued jobs to their registered handlers. Every
// job name must be registered explicitly; an unregistered name archives the
// job as failed without burning retries.
type JobRunner struct {
	handlers map[string]Handler

	// Callback settles finished attempts. Defaults to HandleStatusCallback.
	Callback CallbackFunc

	// Progress records handler checkpoints. Defaults to
	// queued_jobs.SetProgress.
	Progress ProgressFunc
}

// NewJobRunner creates a runner with no registered handlers, settling
// attempts against the database.
func NewJobRunner() *JobRunner {
	return &JobRunner{
		handlers: make(map[string]Handler),
		Callback: HandleStatusCallback,
		Progress: queued_jobs.SetProgress,
	}
}

// Register installs the handler for the named job, replacing any previous
// registration.
func (r *JobRunner) Register(jobName string, h Handler) {
	r.handlers[jobName] = h
}

// UpdateProgress records an advisory checkpoint for the job. The database
// keeps the percentage; the message only goes to the log. Failures are
// logged and swallowed; progress is best-effort and never fails a handler.
func (r *JobRunner) UpdateProgress(id types.PrefixUUID, percent int16, message string) {
	if message != "" {
		log.Printf("job %s progress %d%%: %s", id.String(), percent, message)
	}
	if err := r.Progress(id, percent); err != nil {
		log.Printf("could not record progress %d%% for job %s: %s", percent, id.String(), err)
	}
}

// DoWork runs the acquired job through its handler and settles the attempt.
// Jobs past their expiration are archived as expired without running. A
// panicking handler fails the attempt rather than killing the dequeuer.
func (r *JobRunner) DoWork(qj *models.QueuedJob) error {
	if qj.ExpiresAt.Valid && time.Since(qj.ExpiresAt.Time) >= 0 {
		go metrics.Increment(fmt.Sprintf("job.%s.expired", qj.Name))
		return r.Callback(qj, models.StatusExpired, false)
	}
	h, ok := r.handlers[qj.Name]
	if !ok {
		log.Printf("no handler registered for job %s (type %s), marking as failed",
			qj.ID.String(), qj.Name)
		go metrics.Increment("dequeue.no_handler")
		return r.Callback(qj, models.StatusFailed, false)
	}

	log.Printf("processing job %s (type %s)", qj.ID.String(), qj.Name)
	start := time.Now()
	err := r.run(h, qj)
	go metrics.Time("job.latency", time.Since(start))
	go metrics.Time(fmt.Sprintf("job.%s.latency", qj.Name), time.Since(start))
	if err == nil {
		duration := time.Since(start)
		// Default print method has too many decimals
		roundDuration := duration - duration%(time.Millisecond/10)
		log.Printf("job %s (type %s) completed after %s", qj.ID.String(), qj.Name, roundDuration)
		go metrics.Increment(fmt.Sprintf("job.%s.success", qj.Name))
		return r.Callback(qj, models.StatusSucceeded, false)
	}
	retryable := IsRetryable(err)
	log.Printf("job %s (type %s) failed (retryable=%t): %s",
		qj.ID.String(), qj.Name, retryable, err)
	go metrics.Increment(fmt.Sprintf("job.%s.failed", qj.Name))
	return r.Callback(qj, models.StatusFailed, retryable)
}

// run invokes the handler, converting a panic into an error.
func (r *JobRunner) run(h Handler, qj *models.QueuedJob) (err error) {
	defer func() {
		if p := recover(); p != nil {
			go metrics.Increment(fmt.Sprintf("job.%s.panic", qj.Name))
			err = fmt.Errorf("handler for %s panicked: %v", qj.Name, p)
		}
	}()
	return h(qj)
}
