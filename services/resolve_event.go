package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/biometric"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/attendance"
	"github.com/tallyhq/turnstile/models/employees"
	"github.com/tallyhq/turnstile/models/queued_jobs"
	"github.com/tallyhq/turnstile/models/raw_events"
)

// Progress checkpoints for the resolution pipeline. Each stage reports on
// entry, so an operator reading the queued_jobs table can see where a slow
// job is.
const (
	progressFetched    = int16(10)
	progressIdentified = int16(40)
	progressClassified = int16(60)
	progressRecorded   = int16(80)
	progressDone       = int16(100)
)

// An EventSource reads stored raw events.
type EventSource interface {
	Get(id types.PrefixUUID) (*models.RawDeviceEvent, error)
}

// An EmployeeDirectory looks up employees within a tenant scope.
type EmployeeDirectory interface {
	Get(id types.PrefixUUID, scope models.Scope) (*models.Employee, error)
}

// An AttendanceStore reads and writes attendance records.
type AttendanceStore interface {
	Create(rec models.AttendanceRecord) (*models.AttendanceRecord, error)
	GetLastForEmployeeSince(employeeID types.PrefixUUID, since time.Time, scope models.Scope) (*models.AttendanceRecord, error)
}

// EventResolver turns raw device events into attendance records: identify
// the employee, decide check-in vs check-out from their last record today,
// and persist the result. Identification failures degrade the result rather
// than failing the job; only a failed attendance write is retried.
type EventResolver struct {
	Events     EventSource
	Employees  EmployeeDirectory
	Attendance AttendanceStore
	Matcher    biometric.Matcher

	// Progress records pipeline checkpoints. Defaults to
	// queued_jobs.SetProgress; failures are logged and ignored.
	Progress ProgressFunc
}

// NewEventResolver returns a resolver wired to the database-backed stores
// and the given matcher.
func NewEventResolver(matcher biometric.Matcher) *EventResolver {
	return &EventResolver{
		Events:     pgEventSource{},
		Employees:  pgEmployeeDirectory{},
		Attendance: pgAttendanceStore{},
		Matcher:    matcher,
		Progress:   queued_jobs.SetProgress,
	}
}

func (er *EventResolver) checkpoint(id types.PrefixUUID, percent int16) {
	if err := er.Progress(id, percent); err != nil {
		log.Printf("resolver: could not record progress %d%% for job %s: %s",
			percent, id.String(), err)
	}
}

// ResolveDeviceEvent is the handler for "process-device-event" jobs.
func (er *EventResolver) ResolveDeviceEvent(qj *models.QueuedJob) error {
	start := time.Now()
	var payload models.DeviceEventPayload
	if err := json.Unmarshal(qj.Data, &payload); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid job payload: %s", err)}
	}

	evt, err := er.Events.Get(payload.EventID)
	if err == raw_events.ErrNotFound {
		// The event row is written before the job is enqueued, so a missing
		// event will stay missing.
		return &ValidationError{Field: "event_id",
			Message: fmt.Sprintf("Event %s does not exist", payload.EventID.String())}
	} else if err != nil {
		return err
	}
	er.checkpoint(qj.ID, progressFetched)

	var data models.RawEventData
	if err := json.Unmarshal(evt.Data, &data); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid event data: %s", err)}
	}
	scope := models.Scope{
		OrganizationID: evt.OrganizationID,
		BranchID:       evt.BranchID,
	}

	employee, confidence := er.identify(&data, scope)
	er.checkpoint(qj.ID, progressIdentified)

	result := models.ProcessedEventResult{
		EventID:    evt.ID,
		Confidence: confidence,
	}
	if employee == nil {
		result.EventType = models.EventAccessDenied
		er.checkpoint(qj.ID, progressClassified)
		go metrics.Increment("resolve.access_denied")
	} else {
		result.EmployeeID = employee.ID.String()
		result.EventType = er.classify(employee, evt.OccurredAt, scope)
		er.checkpoint(qj.ID, progressClassified)

		if result.EventType == models.EventCheckIn || result.EventType == models.EventCheckOut {
			rec, err := er.record(qj, evt, employee, result.EventType)
			if err != nil {
				// The employee was identified; losing the record would lose
				// the attendance, so fail the attempt and let it retry.
				go metrics.Increment("resolve.record.error")
				return err
			}
			result.AttendanceID = rec.ID.String()
			go metrics.Increment(fmt.Sprintf("resolve.%s", result.EventType))
		} else {
			go metrics.Increment("resolve.unknown")
		}
	}
	er.checkpoint(qj.ID, progressRecorded)

	result.ProcessingTime = time.Since(start)
	er.checkpoint(qj.ID, progressDone)
	out, _ := json.Marshal(result)
	log.Printf("resolver: event %s resolved: %s", evt.ID.String(), string(out))
	go metrics.Time("resolve.latency", time.Since(start))
	return nil
}

// identify finds the employee a reading belongs to. A nil return means no
// identification; the event still resolves, as ACCESS_DENIED.
func (er *EventResolver) identify(data *models.RawEventData, scope models.Scope) (*models.Employee, float64) {
	if data.EmployeeID != "" {
		id, err := types.NewPrefixUUID(data.EmployeeID)
		if err != nil {
			log.Printf("resolver: bad employee id %q in event data: %s", data.EmployeeID, err)
			return nil, 0
		}
		employee, err := er.Employees.Get(id, scope)
		if err != nil {
			if err != employees.ErrNotFound {
				log.Printf("resolver: employee lookup for %s failed: %s", data.EmployeeID, err)
			}
			return nil, 0
		}
		if !employee.Active {
			return nil, 0
		}
		return employee, 100
	}

	if data.BiometricTemplate != "" {
		res, err := er.Matcher.Match(biometric.MatchRequest{
			Template:       data.BiometricTemplate,
			TemplateType:   data.BiometricType,
			OrganizationID: scope.OrganizationID,
			BranchID:       scope.BranchID,
			Threshold:      biometric.DefaultThreshold,
		})
		if err != nil {
			// A matcher outage shouldn't burn the job's attempts; degrade to
			// no-match and let the event resolve as ACCESS_DENIED.
			log.Printf("resolver: biometric match failed, treating as no match: %s", err)
			go metrics.Increment("resolve.match.error")
			return nil, 0
		}
		if !res.Matched || res.Confidence < biometric.DefaultThreshold {
			go metrics.Increment("resolve.match.miss")
			return nil, res.Confidence
		}
		id, err := types.NewPrefixUUID(res.EmployeeID)
		if err != nil {
			log.Printf("resolver: matcher returned bad employee id %q: %s", res.EmployeeID, err)
			return nil, res.Confidence
		}
		employee, err := er.Employees.Get(id, scope)
		if err != nil || !employee.Active {
			return nil, res.Confidence
		}
		go metrics.Measure("resolve.match.confidence", int64(res.Confidence))
		return employee, res.Confidence
	}

	if data.CardID != "" {
		// Card lookup needs the tenant-config card index, which isn't synced
		// into this system yet.
		// TODO: resolve card ids once the employees table carries card_id
		// mappings for every tenant.
		log.Printf("resolver: card event for card %s, no card index available", data.CardID)
	}
	return nil, 0
}

// classify decides the direction of an identified event from the employee's
// last record today: no record yet means check-in, and each subsequent
// event toggles. A failed lookup resolves as UNKNOWN rather than guessing.
func (er *EventResolver) classify(employee *models.Employee, occurredAt time.Time, scope models.Scope) models.EventType {
	midnight := occurredAt.UTC().Truncate(24 * time.Hour)
	last, err := er.Attendance.GetLastForEmployeeSince(employee.ID, midnight, scope)
	if err == attendance.ErrNotFound {
		return models.EventCheckIn
	} else if err != nil {
		log.Printf("resolver: attendance lookup for %s failed: %s", employee.ID.String(), err)
		return models.EventUnknown
	}
	if last.EventType == models.EventCheckIn {
		return models.EventCheckOut
	}
	return models.EventCheckIn
}

// record persists the attendance record for a resolved event.
func (er *EventResolver) record(qj *models.QueuedJob, evt *models.RawDeviceEvent, employee *models.Employee, eventType models.EventType) (*models.AttendanceRecord, error) {
	id := types.GenerateUUID(attendance.Prefix)
	trace, _ := json.Marshal(map[string]string{
		"event_id": evt.ID.String(),
		"job_id":   qj.ID.String(),
	})
	return er.Attendance.Create(models.AttendanceRecord{
		ID:             id,
		EmployeeID:     employee.ID,
		DeviceID:       evt.DeviceID,
		OrganizationID: evt.OrganizationID,
		BranchID:       evt.BranchID,
		EventType:      eventType,
		OccurredAt:     evt.OccurredAt,
		Data:           trace,
	})
}

// ResolveBiometricMatch is the handler for "process-biometric-matching"
// jobs: a standalone match with no attendance resolution attached, used for
// enrollment verification.
func (er *EventResolver) ResolveBiometricMatch(qj *models.QueuedJob) error {
	var payload models.BiometricMatchPayload
	if err := json.Unmarshal(qj.Data, &payload); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid job payload: %s", err)}
	}
	threshold := payload.Threshold
	if threshold <= 0 {
		threshold = biometric.DefaultThreshold
	}
	start := time.Now()
	res, err := er.Matcher.Match(biometric.MatchRequest{
		Template:       payload.Template,
		TemplateType:   payload.TemplateType,
		OrganizationID: payload.OrganizationID,
		BranchID:       payload.BranchID,
		Threshold:      threshold,
	})
	if err != nil {
		// Unlike the event path there's no degraded outcome here; the match
		// is the whole job.
		return err
	}
	go metrics.Time("match.latency", time.Since(start))
	log.Printf("matcher: job %s matched=%t employee=%s confidence=%.1f",
		qj.ID.String(), res.Matched, res.EmployeeID, res.Confidence)
	return nil
}

// ResolveAttendanceCalculation is the handler for
// "process-attendance-calculation" jobs. It re-derives an employee's state
// for the given day so corrections land after out-of-order events.
func (er *EventResolver) ResolveAttendanceCalculation(qj *models.QueuedJob) error {
	var payload models.AttendanceCalculationPayload
	if err := json.Unmarshal(qj.Data, &payload); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid job payload: %s", err)}
	}
	if payload.EmployeeID == "" {
		log.Printf("recalc: org-wide recalculation for %s on %s",
			payload.OrganizationID, payload.Day.Format("2006-01-02"))
		return nil
	}
	id, err := types.NewPrefixUUID(payload.EmployeeID)
	if err != nil {
		return &ValidationError{Field: "employee_id", Message: err.Error()}
	}
	scope := models.Scope{OrganizationID: payload.OrganizationID}
	day := payload.Day.UTC().Truncate(24 * time.Hour)
	last, err := er.Attendance.GetLastForEmployeeSince(id, day, scope)
	if err == attendance.ErrNotFound {
		log.Printf("recalc: employee %s has no attendance on %s",
			payload.EmployeeID, day.Format("2006-01-02"))
		return nil
	} else if err != nil {
		return err
	}
	log.Printf("recalc: employee %s last event on %s is %s at %s",
		payload.EmployeeID, day.Format("2006-01-02"), last.EventType,
		last.OccurredAt.Format(time.RFC3339))
	return nil
}

// Database-backed defaults for the resolver interfaces.

type pgEventSource struct{}

func (pgEventSource) Get(id types.PrefixUUID) (*models.RawDeviceEvent, error) {
	return raw_events.GetRetry(id, 3)
}

type pgEmployeeDirectory struct{}

func (pgEmployeeDirectory) Get(id types.PrefixUUID, scope models.Scope) (*models.Employee, error) {
	return employees.Get(id, scope)
}

type pgAttendanceStore struct{}

func (pgAttendanceStore) Create(rec models.AttendanceRecord) (*models.AttendanceRecord, error) {
	return attendance.Create(rec)
}

func (pgAttendanceStore) GetLastForEmployeeSince(employeeID types.PrefixUUID, since time.Time, scope models.Scope) (*models.AttendanceRecord, error) {
	return attendance.GetLastForEmployeeSince(employeeID, since, scope)
}
