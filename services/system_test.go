package services

import (
	"encoding/json"
	"strings"
	"testing"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/queues"
	"github.com/tallyhq/turnstile/test"
)

func newMonitorJob(t *testing.T, recipient string) *models.QueuedJob {
	t.Helper()
	data, err := json.Marshal(models.NotificationPayload{
		BasePayload: models.BasePayload{OrganizationID: "system"},
		Recipient:   recipient,
	})
	test.AssertNotError(t, err, "marshaling monitor payload")
	id := uuid.NewV4()
	return &models.QueuedJob{
		ID:     types.PrefixUUID{UUID: id, Prefix: "job_"},
		Name:   queues.JobQueueMonitor,
		Status: models.StatusInProgress,
		Data:   data,
	}
}

func TestUnhealthyBacklogPagesOpsContact(t *testing.T) {
	t.Parallel()
	var calls []enqueueCall
	var sent models.NotificationPayload
	enqueue := func(queueName string, jobName string, payload interface{}, opts queues.Options) (*models.QueuedJob, error) {
		calls = append(calls, enqueueCall{queueName, jobName, opts})
		sent = payload.(models.NotificationPayload)
		return &models.QueuedJob{}, nil
	}
	health := &Health{Healthy: false, TotalWaiting: 900, TotalFailed: 75}
	err := escalateBacklog(newMonitorJob(t, "ops@example.com"), health, enqueue)
	test.AssertNotError(t, err, "escalating an unhealthy census")
	test.AssertEquals(t, len(calls), 1)
	test.AssertEquals(t, calls[0].queueName, queues.Notifications)
	test.AssertEquals(t, calls[0].jobName, queues.JobNotification)
	test.AssertEquals(t, calls[0].opts.Priority, models.NotificationUrgent.QueuePriority())
	test.AssertEquals(t, sent.Recipient, "ops@example.com")
	test.AssertEquals(t, sent.Priority, models.NotificationUrgent)
	test.Assert(t, strings.Contains(sent.Body, "900 jobs waiting"),
		"the page should carry the backlog counts")
}

func TestUnhealthyBacklogWithoutContactOnlyRecords(t *testing.T) {
	t.Parallel()
	calls := 0
	enqueue := func(queueName string, jobName string, payload interface{}, opts queues.Options) (*models.QueuedJob, error) {
		calls++
		return &models.QueuedJob{}, nil
	}
	health := &Health{Healthy: false, TotalWaiting: 900, TotalFailed: 75}
	err := escalateBacklog(newMonitorJob(t, ""), health, enqueue)
	test.AssertNotError(t, err, "an unhealthy census with no contact is not an error")
	test.AssertEquals(t, calls, 0)
}

func TestHealthyCensusDoesNotPage(t *testing.T) {
	t.Parallel()
	calls := 0
	enqueue := func(queueName string, jobName string, payload interface{}, opts queues.Options) (*models.QueuedJob, error) {
		calls++
		return &models.QueuedJob{}, nil
	}
	health := &Health{Healthy: true}
	err := escalateBacklog(newMonitorJob(t, "ops@example.com"), health, enqueue)
	test.AssertNotError(t, err, "a healthy census is not an error")
	test.AssertEquals(t, calls, 0)
}
