package services

import (
	"encoding/json"
	"fmt"
	"log"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/idempotency"
	"github.com/tallyhq/turnstile/queues"
)

// MonitorQueues is the handler for "queue-monitor" jobs. It publishes a
// census of every queue and pages the operations contact when the backlog
// crosses the health thresholds.
func MonitorQueues(qj *models.QueuedJob) error {
	health, err := CheckHealth()
	if err != nil {
		return err
	}
	for _, qs := range health.Queues {
		go metrics.Measure(fmt.Sprintf("queue.%s.waiting", qs.Name), qs.Waiting)
		go metrics.Measure(fmt.Sprintf("queue.%s.delayed", qs.Name), qs.Delayed)
		go metrics.Measure(fmt.Sprintf("queue.%s.active", qs.Name), qs.Active)
		go metrics.Measure(fmt.Sprintf("queue.%s.failed", qs.Name), qs.Failed)
	}
	return escalateBacklog(qj, health, queues.Enqueue)
}

// escalateBacklog pages the operations contact carried in the monitor job's
// payload when the census crosses the health thresholds.
func escalateBacklog(qj *models.QueuedJob, health *Health, enqueue EnqueueFunc) error {
	if health.Healthy {
		return nil
	}
	log.Printf("monitor: unhealthy, %d waiting / %d failed across all queues",
		health.TotalWaiting, health.TotalFailed)
	go metrics.Increment("monitor.unhealthy")
	var payload models.NotificationPayload
	if err := decodePayload(qj, &payload); err != nil {
		return err
	}
	if payload.Recipient == "" {
		// No operations contact configured for this monitor; the metrics
		// still record the unhealthy state.
		return nil
	}
	_, err := enqueue(queues.Notifications, queues.JobNotification, models.NotificationPayload{
		BasePayload: payload.BasePayload,
		Recipient:   payload.Recipient,
		Subject:     "Queue backlog over threshold",
		Body: fmt.Sprintf("%d jobs waiting, %d failed",
			health.TotalWaiting, health.TotalFailed),
		Priority: models.NotificationUrgent,
	}, queues.Options{Priority: models.NotificationUrgent.QueuePriority()})
	return err
}

// CleanDatabase is the handler for "database-cleanup" jobs: it trims
// succeeded jobs from every archive and purges expired idempotency keys.
func CleanDatabase(qj *models.QueuedJob) error {
	for _, profile := range queues.All() {
		if _, err := CleanQueue(profile.Name, DefaultCleanGrace); err != nil {
			return err
		}
	}
	purged, err := idempotency.PurgeExpired()
	if err != nil {
		return err
	}
	log.Printf("cleanup: purged %d expired idempotency keys", purged)
	go metrics.Measure("cleanup.idempotency.purged", purged)
	return nil
}

func decodePayload(qj *models.QueuedJob, v interface{}) error {
	if len(qj.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(qj.Data, v); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid job payload: %s", err)}
	}
	return nil
}
