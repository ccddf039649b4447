// Package factory contains helpers for instantiating tests.
package factory

import (
	"encoding/json"
	"fmt"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/attendance"
	"github.com/tallyhq/turnstile/models/devices"
	"github.com/tallyhq/turnstile/models/employees"
	"github.com/tallyhq/turnstile/models/queued_jobs"
	"github.com/tallyhq/turnstile/models/raw_events"
	"github.com/tallyhq/turnstile/queues"
	"github.com/tallyhq/turnstile/test"
)

var EmptyData = json.RawMessage([]byte("{}"))

// DeviceSecret is the shared HMAC secret every factory device signs with.
const DeviceSecret = "factory-device-secret"

const OrganizationId = "org_test"
const BranchId = "branch_test"

// RandomId returns a random UUID with the given prefix.
func RandomId(prefix string) types.PrefixUUID {
	id := uuid.NewV4()
	return types.PrefixUUID{
		UUID:   id,
		Prefix: prefix,
	}
}

// CreateDevice registers an online device in the test organization.
func CreateDevice(t testing.TB) *models.Device {
	t.Helper()
	test.SetUp(t)
	id := RandomId(devices.Prefix)
	dev, err := devices.Create(models.Device{
		ID:             id,
		OrganizationID: OrganizationId,
		BranchID:       BranchId,
		Name:           fmt.Sprintf("reader-%s", id.UUID.String()[:8]),
		MacAddress:     fmt.Sprintf("aa:bb:cc:%s", id.UUID.String()[:8]),
		Secret:         DeviceSecret,
		Status:         models.DeviceOnline,
	})
	test.AssertNotError(t, err, "creating device")
	return dev
}

// CreateEmployee adds an active employee to the test organization.
func CreateEmployee(t testing.TB) *models.Employee {
	t.Helper()
	test.SetUp(t)
	id := RandomId(employees.Prefix)
	emp, err := employees.Create(models.Employee{
		ID:             id,
		OrganizationID: OrganizationId,
		BranchID:       BranchId,
		Name:           fmt.Sprintf("Employee %s", id.UUID.String()[:8]),
		CardID:         fmt.Sprintf("card-%s", id.UUID.String()[:8]),
		Active:         true,
	})
	test.AssertNotError(t, err, "creating employee")
	return emp
}

// CreateRawEvent stores a raw device event for the given device.
func CreateRawEvent(t testing.TB, device *models.Device, data json.RawMessage) *models.RawDeviceEvent {
	t.Helper()
	if len(data) == 0 {
		data = EmptyData
	}
	evt, err := raw_events.Create(RandomId(raw_events.Prefix), device.ID,
		device.OrganizationID, device.BranchID, "CHECK_IN", data, time.Now().UTC())
	test.AssertNotError(t, err, "creating raw event")
	return evt
}

// CreateAttendanceRecord stores an attendance record tying the employee to
// the device at the given time.
func CreateAttendanceRecord(t testing.TB, employee *models.Employee, device *models.Device, eventType models.EventType, occurredAt time.Time) *models.AttendanceRecord {
	t.Helper()
	rec, err := attendance.Create(models.AttendanceRecord{
		ID:             RandomId(attendance.Prefix),
		EmployeeID:     employee.ID,
		DeviceID:       device.ID,
		OrganizationID: employee.OrganizationID,
		BranchID:       employee.BranchID,
		EventType:      eventType,
		OccurredAt:     occurredAt,
	})
	test.AssertNotError(t, err, "creating attendance record")
	return rec
}

// CreateQueuedJob enqueues a notification job with the given JSON data, and
// returns the created queued job.
func CreateQueuedJob(t testing.TB, data json.RawMessage) *models.QueuedJob {
	t.Helper()
	test.SetUp(t)
	return CreateQueuedJobOnly(t, queues.Notifications, queues.JobNotification, 0, data)
}

// CreateQueuedJobOnly enqueues a job directly, skipping payload validation.
func CreateQueuedJobOnly(t testing.TB, queueName string, name string, priority int16, data json.RawMessage) *models.QueuedJob {
	t.Helper()
	if len(data) == 0 {
		data = EmptyData
	}
	expiresAt := types.NullTime{Valid: false}
	runAfter := time.Now().UTC()
	qj, err := queued_jobs.Enqueue(RandomId(queued_jobs.Prefix), queueName, name,
		3, priority, runAfter, expiresAt, data)
	test.AssertNotError(t, err, "")
	return qj
}

// NotificationData marshals a minimally valid notification payload.
func NotificationData(t testing.TB) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(models.NotificationPayload{
		BasePayload: models.BasePayload{OrganizationID: OrganizationId},
		Recipient:   "ops@example.com",
		Subject:     "test notification",
	})
	test.AssertNotError(t, err, "marshaling notification payload")
	return data
}
