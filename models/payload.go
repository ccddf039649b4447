package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

// Priorities for the real-time event path and its neighbors. Higher numbers
// are served first within a queue.
const (
	PriorityDeviceEvent      = int16(10)
	PriorityBiometricMatch   = int16(9)
	PriorityAttendanceRecalc = int16(8)
	PriorityGuestVisitExpiry = int16(6)
)

// NotificationPriority is the four-level urgency enum for the notifications
// queue.
type NotificationPriority string

const NotificationUrgent = NotificationPriority("urgent")
const NotificationHigh = NotificationPriority("high")
const NotificationNormal = NotificationPriority("normal")
const NotificationLow = NotificationPriority("low")

// QueuePriority maps the urgency enum onto the queue's integer priority
// scale.
func (n NotificationPriority) QueuePriority() int16 {
	switch n {
	case NotificationUrgent:
		return 10
	case NotificationHigh:
		return 8
	case NotificationLow:
		return 2
	default:
		return 5
	}
}

// BasePayload carries the fields every job payload must have.
type BasePayload struct {
	OrganizationID string `json:"organization_id"`
	CorrelationID  string `json:"correlation_id,omitempty"`
}

// DeviceEventPayload is the payload for "process-device-event" jobs. The
// event itself lives in raw_events; the payload only points at it.
type DeviceEventPayload struct {
	BasePayload
	EventID  types.PrefixUUID `json:"event_id"`
	DeviceID types.PrefixUUID `json:"device_id"`
	BranchID string           `json:"branch_id,omitempty"`
}

// BiometricMatchPayload is the payload for "process-biometric-matching"
// jobs: a standalone match with no attendance resolution attached.
type BiometricMatchPayload struct {
	BasePayload
	Template     string `json:"template"`
	TemplateType string `json:"template_type,omitempty"`
	BranchID     string `json:"branch_id,omitempty"`
	Threshold    int    `json:"threshold,omitempty"`
}

// AttendanceCalculationPayload is the payload for the
// "process-attendance-calculation" aggregation job.
type AttendanceCalculationPayload struct {
	BasePayload
	EmployeeID string    `json:"employee_id,omitempty"`
	Day        time.Time `json:"day"`
}

// NotificationPayload is the payload for "process-notification" jobs.
type NotificationPayload struct {
	BasePayload
	Recipient string               `json:"recipient"`
	Subject   string               `json:"subject"`
	Body      string               `json:"body,omitempty"`
	Priority  NotificationPriority `json:"priority,omitempty"`
}
