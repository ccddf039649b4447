package services

import (
	"fmt"
	"log"
	"time"

	dberror "github.com/Shyp/go-dberror"
	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/archived_jobs"
	"github.com/tallyhq/turnstile/models/queued_jobs"
	"github.com/tallyhq/turnstile/queues"
)

// MaxRetryDelay caps the backoff between attempts on any queue. Without a
// ceiling the events queue would push a third attempt out past the point
// where an attendance correction is still useful.
const MaxRetryDelay = 30 * time.Second

// RetryDelay returns the fallback delay before the next attempt after
// attemptsMade failures: one second doubled per failure, capped at
// MaxRetryDelay. Queues with a profile use the profile's backoff instead.
func RetryDelay(attemptsMade uint8) time.Duration {
	if attemptsMade >= 8 {
		return MaxRetryDelay
	}
	delay := time.Second << attemptsMade
	if delay > MaxRetryDelay {
		delay = MaxRetryDelay
	}
	return delay
}

// HandleStatusCallback settles a finished attempt for the given queued job.
// A succeeded job is archived and removed from the queue. A failed job is
// either re-queued with its attempts counter decremented and a backoff
// delay, or archived as failed once attempts run out or the error is not
// retryable.
//
// This can return an error if any of the following happens: the archived job
// already exists, the queued job no longer exists by the time you attempt to
// delete it, the number of attempts for the queued job don't match up with
// the passed in value (slow).
func HandleStatusCallback(qj *models.QueuedJob, status models.JobStatus, retryable bool) error {
	switch status {
	case models.StatusSucceeded:
		err := createAndDelete(qj.ID, qj.Name, models.StatusSucceeded, qj.Attempts)
		if err != nil {
			go metrics.Increment("archived_job.create.success.error")
		} else {
			go metrics.Increment(fmt.Sprintf("archived_job.create.%s.success", qj.Name))
			go metrics.Increment("archived_job.create.success")
			go metrics.Increment("archived_job.create")
		}
		return err
	case models.StatusFailed:
		err := handleFailedCallback(qj, retryable)
		if err != nil {
			go metrics.Increment("archived_job.create.failed.error")
		} else {
			go metrics.Increment(fmt.Sprintf("archived_job.create.%s.failed", qj.Name))
			go metrics.Increment("archived_job.create.failed")
			go metrics.Increment("archived_job.create")
		}
		return err
	case models.StatusExpired:
		return createAndDelete(qj.ID, qj.Name, models.StatusExpired, qj.Attempts)
	default:
		return fmt.Errorf("Unknown job status: %s", status)
	}
}

// createAndDelete creates an archived job, deletes the queued job, and
// returns any errors.
func createAndDelete(id types.PrefixUUID, name string, status models.JobStatus, attempt uint8) error {
	start := time.Now()
	_, err := archived_jobs.Create(id, name, status, attempt)
	go metrics.Time("archived_job.create.latency", time.Since(start))
	if err != nil {
		switch derr := err.(type) {
		case *dberror.Error:
			if derr.Code == dberror.CodeUniqueViolation {
				// Some other thread beat us to it. Don't return an error, just
				// fall through and try to delete the record.
				log.Printf("Could not create archived job %s with status %s because "+
					"it was already present. Deleting the queued job.", id.String(), status)
			} else {
				return err
			}
		default:
			return err
		}
	}
	start = time.Now()
	err = queued_jobs.DeleteRetry(id, 3)
	go metrics.Time("queued_job.delete.latency", time.Since(start))
	return err
}

// nextRunAfter computes when the job should be retried, based on the
// queue's backoff profile and how many attempts have failed so far.
func nextRunAfter(qj *models.QueuedJob, remainingAttempts uint8) time.Time {
	now := time.Now().UTC()
	profile, ok := queues.ByName(qj.QueueName)
	if !ok || profile.Attempts <= remainingAttempts {
		return now.Add(RetryDelay(qj.Attempts))
	}
	failedAttempts := profile.Attempts - remainingAttempts
	runAfter := profile.NextRunAfter(now, failedAttempts)
	if runAfter.Sub(now) > MaxRetryDelay {
		return now.Add(MaxRetryDelay)
	}
	return runAfter
}

func handleFailedCallback(qj *models.QueuedJob, retryable bool) error {
	remainingAttempts := qj.Attempts - 1
	if !retryable || remainingAttempts == 0 {
		return createAndDelete(qj.ID, qj.Name, models.StatusFailed, remainingAttempts)
	}
	// Try the job again. Note the database decrements the attempt counter.
	start := time.Now()
	runAfter := nextRunAfter(qj, remainingAttempts)
	_, err := queued_jobs.Decrement(qj.ID, qj.Attempts, runAfter)
	go metrics.Time("queued_jobs.decrement.latency", time.Since(start))
	return err
}
