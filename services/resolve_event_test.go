package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/biometric"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/attendance"
	"github.com/tallyhq/turnstile/models/raw_events"
	"github.com/tallyhq/turnstile/test"
)

type fakeEventSource struct {
	event *models.RawDeviceEvent
}

func (f *fakeEventSource) Get(id types.PrefixUUID) (*models.RawDeviceEvent, error) {
	if f.event == nil || f.event.ID.String() != id.String() {
		return nil, raw_events.ErrNotFound
	}
	return f.event, nil
}

type fakeDirectory struct {
	employee *models.Employee
}

func (f *fakeDirectory) Get(id types.PrefixUUID, scope models.Scope) (*models.Employee, error) {
	if f.employee == nil || f.employee.ID.String() != id.String() ||
		f.employee.OrganizationID != scope.OrganizationID {
		return nil, errors.New("Employee not found")
	}
	return f.employee, nil
}

type fakeAttendance struct {
	last    *models.AttendanceRecord
	lastErr error

	created   []models.AttendanceRecord
	createErr error
}

func (f *fakeAttendance) Create(rec models.AttendanceRecord) (*models.AttendanceRecord, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	rec.CreatedAt = time.Now().UTC()
	f.created = append(f.created, rec)
	return &rec, nil
}

func (f *fakeAttendance) GetLastForEmployeeSince(employeeID types.PrefixUUID, since time.Time, scope models.Scope) (*models.AttendanceRecord, error) {
	if f.lastErr != nil {
		return nil, f.lastErr
	}
	if f.last == nil {
		return nil, attendance.ErrNotFound
	}
	return f.last, nil
}

type fakeMatcher struct {
	result *biometric.MatchResult
	err    error
}

func (f *fakeMatcher) Match(req biometric.MatchRequest) (*biometric.MatchResult, error) {
	return f.result, f.err
}

type resolverFixture struct {
	resolver   *EventResolver
	events     *fakeEventSource
	attendance *fakeAttendance
	matcher    *fakeMatcher
	progress   []int16
}

func newResolverFixture(t *testing.T) *resolverFixture {
	t.Helper()
	f := &resolverFixture{
		events:     new(fakeEventSource),
		attendance: new(fakeAttendance),
		matcher:    new(fakeMatcher),
	}
	f.resolver = &EventResolver{
		Events:     f.events,
		Employees:  &fakeDirectory{},
		Attendance: f.attendance,
		Matcher:    f.matcher,
		Progress: func(id types.PrefixUUID, percent int16) error {
			f.progress = append(f.progress, percent)
			return nil
		},
	}
	return f
}

func (f *resolverFixture) addEmployee(t *testing.T, active bool) *models.Employee {
	t.Helper()
	id := uuid.NewV4()
	employee := &models.Employee{
		ID:             types.PrefixUUID{UUID: id, Prefix: "emp_"},
		OrganizationID: "org_test",
		BranchID:       "branch_test",
		Name:           "Dana Field",
		Active:         active,
	}
	f.resolver.Employees = &fakeDirectory{employee: employee}
	return employee
}

// addEvent stores a raw event with the given parsed body and returns the job
// that would have been enqueued for it.
func (f *resolverFixture) addEvent(t *testing.T, data models.RawEventData) *models.QueuedJob {
	t.Helper()
	eventID := types.GenerateUUID("evt_")
	deviceID := types.GenerateUUID("dev_")
	body, err := json.Marshal(data)
	test.AssertNotError(t, err, "marshaling event data")
	f.events.event = &models.RawDeviceEvent{
		ID:             eventID,
		DeviceID:       deviceID,
		OrganizationID: "org_test",
		BranchID:       "branch_test",
		EventType:      data.EventType,
		Data:           body,
		OccurredAt:     data.Timestamp,
	}

	jobID := types.GenerateUUID("job_")
	payload, err := json.Marshal(models.DeviceEventPayload{
		BasePayload: models.BasePayload{OrganizationID: "org_test"},
		EventID:     eventID,
		DeviceID:    deviceID,
		BranchID:    "branch_test",
	})
	test.AssertNotError(t, err, "marshaling job payload")
	return &models.QueuedJob{
		ID:        jobID,
		QueueName: "events",
		Name:      "process-device-event",
		Attempts:  3,
		Status:    models.StatusInProgress,
		Data:      payload,
	}
}

var occurredAt = time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)

func TestResolveFirstEventIsCheckIn(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving a first event")
	test.AssertEquals(t, len(f.attendance.created), 1)
	rec := f.attendance.created[0]
	test.AssertEquals(t, rec.EventType, models.EventCheckIn)
	test.AssertEquals(t, rec.EmployeeID.String(), employee.ID.String())
	test.AssertEquals(t, rec.OrganizationID, "org_test")
	test.AssertEquals(t, rec.OccurredAt, occurredAt)
}

func TestResolveTogglesToCheckOut(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.attendance.last = &models.AttendanceRecord{
		EmployeeID: employee.ID,
		EventType:  models.EventCheckIn,
		OccurredAt: occurredAt.Add(-2 * time.Hour),
	}
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving a second event")
	test.AssertEquals(t, len(f.attendance.created), 1)
	test.AssertEquals(t, f.attendance.created[0].EventType, models.EventCheckOut)
}

func TestResolveTogglesBackToCheckIn(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.attendance.last = &models.AttendanceRecord{
		EmployeeID: employee.ID,
		EventType:  models.EventCheckOut,
		OccurredAt: occurredAt.Add(-time.Hour),
	}
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving a third event")
	test.AssertEquals(t, f.attendance.created[0].EventType, models.EventCheckIn)
}

func TestResolveUnknownEmployeeIsAccessDenied(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: "emp_6740b44e-13b9-475d-af06-979627e0e0d6",
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving an unidentified event")
	test.AssertEquals(t, len(f.attendance.created), 0)
}

func TestResolveInactiveEmployeeIsAccessDenied(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, false)
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving an event for an inactive employee")
	test.AssertEquals(t, len(f.attendance.created), 0)
}

func TestResolveAttendanceLookupErrorIsUnknown(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.attendance.lastErr = errors.New("connection reset by peer")
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving with a failed classification lookup")
	test.AssertEquals(t, len(f.attendance.created), 0)
}

func TestResolveBiometricIdentification(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.matcher.result = &biometric.MatchResult{
		Matched:    true,
		EmployeeID: employee.ID.String(),
		Confidence: 92.5,
	}
	qj := f.addEvent(t, models.RawEventData{
		EventType:         "fingerprint_scan",
		Timestamp:         occurredAt,
		BiometricTemplate: "dGVtcGxhdGU=",
		BiometricType:     "fingerprint",
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving a biometric event")
	test.AssertEquals(t, len(f.attendance.created), 1)
	test.AssertEquals(t, f.attendance.created[0].EmployeeID.String(), employee.ID.String())
}

func TestResolveLowConfidenceMatchIsAccessDenied(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.matcher.result = &biometric.MatchResult{
		Matched:    true,
		EmployeeID: employee.ID.String(),
		Confidence: 40,
	}
	qj := f.addEvent(t, models.RawEventData{
		EventType:         "fingerprint_scan",
		Timestamp:         occurredAt,
		BiometricTemplate: "dGVtcGxhdGU=",
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving a low-confidence match")
	test.AssertEquals(t, len(f.attendance.created), 0)
}

func TestResolveMatcherOutageDegradesToNoMatch(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	f.addEmployee(t, true)
	f.matcher.err = errors.New("matcher unreachable")
	qj := f.addEvent(t, models.RawEventData{
		EventType:         "fingerprint_scan",
		Timestamp:         occurredAt,
		BiometricTemplate: "dGVtcGxhdGU=",
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "a matcher outage should not fail the job")
	test.AssertEquals(t, len(f.attendance.created), 0)
}

func TestResolveRecordFailureFailsAttempt(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	f.attendance.createErr = errors.New("connection reset by peer")
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertError(t, err, "a lost attendance write must fail the attempt")
	test.Assert(t, IsRetryable(err), "storage errors should be retried")
}

func TestResolveMissingEventIsValidationError(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	qj := f.addEvent(t, models.RawEventData{
		EventType: "badge_scan",
		Timestamp: occurredAt,
	})
	f.events.event = nil
	err := f.resolver.ResolveDeviceEvent(qj)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %#v", err)
	}
	test.Assert(t, !IsRetryable(err), "a missing event should not be retried")
}

func TestResolveBadPayloadIsValidationError(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	qj := f.addEvent(t, models.RawEventData{EventType: "badge_scan", Timestamp: occurredAt})
	qj.Data = []byte(`{`)
	err := f.resolver.ResolveDeviceEvent(qj)
	if _, ok := err.(*ValidationError); !ok {
		t.Fatalf("expected ValidationError, got %#v", err)
	}
}

func TestResolveRecordsEveryCheckpoint(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	employee := f.addEmployee(t, true)
	qj := f.addEvent(t, models.RawEventData{
		EventType:  "badge_scan",
		Timestamp:  occurredAt,
		EmployeeID: employee.ID.String(),
	})
	err := f.resolver.ResolveDeviceEvent(qj)
	test.AssertNotError(t, err, "resolving an event")
	test.AssertEquals(t, fmt.Sprintf("%v", f.progress), "[10 40 60 80 100]")
}

func TestBiometricMatchJobReturnsMatcherError(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	f.matcher.err = errors.New("matcher unreachable")
	payload, err := json.Marshal(models.BiometricMatchPayload{
		BasePayload: models.BasePayload{OrganizationID: "org_test"},
		Template:    "dGVtcGxhdGU=",
	})
	test.AssertNotError(t, err, "marshaling payload")
	jobID := types.GenerateUUID("job_")
	qj := &models.QueuedJob{ID: jobID, Name: "process-biometric-matching", Data: payload}
	err = f.resolver.ResolveBiometricMatch(qj)
	test.AssertError(t, err, "a matcher outage fails a standalone match job")
	test.Assert(t, IsRetryable(err), "matcher outages should be retried")
}

func TestAttendanceCalculationOrgWide(t *testing.T) {
	t.Parallel()
	f := newResolverFixture(t)
	payload, err := json.Marshal(models.AttendanceCalculationPayload{
		BasePayload: models.BasePayload{OrganizationID: "org_test"},
		Day:         occurredAt,
	})
	test.AssertNotError(t, err, "marshaling payload")
	jobID := types.GenerateUUID("job_")
	qj := &models.QueuedJob{ID: jobID, Name: "process-attendance-calculation", Data: payload}
	err = f.resolver.ResolveAttendanceCalculation(qj)
	test.AssertNotError(t, err, "org-wide recalculation")
}
