package queues_test

import (
	"encoding/json"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/queues"
	"github.com/tallyhq/turnstile/test"
)

func TestAllQueuesHaveProfiles(t *testing.T) {
	t.Parallel()
	for _, name := range []string{queues.Events, queues.Notifications, queues.Exports, queues.SystemHealth} {
		p, ok := queues.ByName(name)
		if !ok {
			t.Fatalf("no profile for queue %s", name)
		}
		test.Assert(t, p.Attempts > 0, "profile must allow at least one attempt")
		test.Assert(t, p.Concurrency > 0, "profile must run at least one dequeuer")
	}
}

func TestEveryJobMapsToAKnownQueue(t *testing.T) {
	t.Parallel()
	jobs := []string{queues.JobDeviceEvent, queues.JobBiometricMatching, queues.JobAttendanceCalculation,
		queues.JobNotification, queues.JobQueueMonitor, queues.JobDatabaseCleanup}
	for _, name := range jobs {
		queueName, ok := queues.QueueForJob(name)
		if !ok {
			t.Fatalf("no queue for job %s", name)
		}
		if _, ok := queues.ByName(queueName); !ok {
			t.Fatalf("job %s maps to unregistered queue %s", name, queueName)
		}
	}
}

func TestNextRunAfterExponential(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, _ := queues.ByName(queues.Events)
	test.AssertEquals(t, p.NextRunAfter(now, 1), now.Add(2*time.Second))
	test.AssertEquals(t, p.NextRunAfter(now, 2), now.Add(4*time.Second))
	test.AssertEquals(t, p.NextRunAfter(now, 3), now.Add(8*time.Second))
}

func TestNextRunAfterFixed(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, _ := queues.ByName(queues.SystemHealth)
	test.AssertEquals(t, p.NextRunAfter(now, 1), now.Add(10*time.Second))
	test.AssertEquals(t, p.NextRunAfter(now, 5), now.Add(10*time.Second))
}

func TestNextRunAfterZeroAttemptsTreatedAsOne(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	p, _ := queues.ByName(queues.Events)
	test.AssertEquals(t, p.NextRunAfter(now, 0), p.NextRunAfter(now, 1))
}

func TestEffectiveRunAfterClampsPastToNow(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	test.AssertEquals(t, queues.EffectiveRunAfter(now, now.Add(-time.Hour)), now)
	test.AssertEquals(t, queues.EffectiveRunAfter(now, time.Time{}), now)
	future := now.Add(time.Hour)
	test.AssertEquals(t, queues.EffectiveRunAfter(now, future), future)
}

func eventPayload(t *testing.T) json.RawMessage {
	t.Helper()
	id := uuid.NewV4()
	data, err := json.Marshal(models.DeviceEventPayload{
		BasePayload: models.BasePayload{OrganizationID: "org_test"},
		EventID:     types.PrefixUUID{UUID: id, Prefix: "evt_"},
		DeviceID:    types.PrefixUUID{UUID: id, Prefix: "dev_"},
	})
	test.AssertNotError(t, err, "marshaling payload")
	return data
}

func TestValidatePayloadAcceptsDeviceEvent(t *testing.T) {
	t.Parallel()
	err := queues.ValidatePayload(queues.JobDeviceEvent, eventPayload(t))
	test.AssertNotError(t, err, "valid device event payload")
}

func TestValidatePayloadUnknownJob(t *testing.T) {
	t.Parallel()
	err := queues.ValidatePayload("mint-currency", []byte(`{}`))
	if _, ok := err.(*queues.UnknownJobError); !ok {
		t.Fatalf("expected queues.UnknownJobError, got %#v", err)
	}
}

func TestValidatePayloadMissingOrganization(t *testing.T) {
	t.Parallel()
	err := queues.ValidatePayload(queues.JobDeviceEvent, []byte(`{"event_id": "evt_6740b44e-13b9-475d-af06-979627e0e0d6"}`))
	if _, ok := err.(*queues.InvalidPayloadError); !ok {
		t.Fatalf("expected queues.InvalidPayloadError, got %#v", err)
	}
	test.AssertContains(t, err.Error(), "organization_id")
}

func TestValidatePayloadMissingRecipient(t *testing.T) {
	t.Parallel()
	err := queues.ValidatePayload(queues.JobNotification, []byte(`{"organization_id": "org_test"}`))
	if _, ok := err.(*queues.InvalidPayloadError); !ok {
		t.Fatalf("expected queues.InvalidPayloadError, got %#v", err)
	}
	test.AssertContains(t, err.Error(), "recipient")
}

func TestValidatePayloadBadJSON(t *testing.T) {
	t.Parallel()
	err := queues.ValidatePayload(queues.JobNotification, []byte(`{`))
	if _, ok := err.(*queues.InvalidPayloadError); !ok {
		t.Fatalf("expected queues.InvalidPayloadError, got %#v", err)
	}
}

func TestValidatePayloadSystemJobsAllowEmpty(t *testing.T) {
	t.Parallel()
	test.AssertNotError(t, queues.ValidatePayload(queues.JobQueueMonitor, nil), "")
	test.AssertNotError(t, queues.ValidatePayload(queues.JobDatabaseCleanup, []byte(`{}`)), "")
}
