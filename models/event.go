package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

// EventType is the resolved direction of a device event.
type EventType string

const EventCheckIn = EventType("CHECK_IN")
const EventCheckOut = EventType("CHECK_OUT")
const EventAccessDenied = EventType("ACCESS_DENIED")
const EventUnknown = EventType("UNKNOWN")

// Scan implements the Scanner interface.
func (e *EventType) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*e = EventType(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*e = EventType(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported EventType: %#v", src)
}

func (e EventType) Value() (driver.Value, error) {
	return string(e), nil
}

// A RawDeviceEvent is an immutable record of what a device reported. It is
// written once per accepted delivery (exactly one per accepted idempotency
// key) and never mutated; the resolution worker reads it later.
type RawDeviceEvent struct {
	ID             types.PrefixUUID `json:"id"`
	DeviceID       types.PrefixUUID `json:"device_id"`
	OrganizationID string           `json:"organization_id"`
	BranchID       string           `json:"branch_id"`
	EventType      string           `json:"event_type"`
	Data           json.RawMessage  `json:"data"`
	OccurredAt     time.Time        `json:"occurred_at"`
	CreatedAt      time.Time        `json:"created_at"`
}

// RawEventData is the parsed body of a device delivery. EventType and
// Timestamp are required; exactly which identifier is present depends on the
// hardware (badge readers send CardID, biometric scanners send a template).
type RawEventData struct {
	EventType         string    `json:"event_type"`
	Timestamp         time.Time `json:"timestamp"`
	EmployeeID        string    `json:"employee_id,omitempty"`
	CardID            string    `json:"card_id,omitempty"`
	BiometricTemplate string    `json:"biometric_template,omitempty"`
	BiometricType     string    `json:"biometric_type,omitempty"`
}

// A ProcessedEventResult is the outcome of resolving one RawDeviceEvent. It
// is logged for traceability but not persisted beyond the attendance record
// it causes.
type ProcessedEventResult struct {
	EventID        types.PrefixUUID `json:"event_id"`
	EmployeeID     string           `json:"employee_id,omitempty"`
	AttendanceID   string           `json:"attendance_id,omitempty"`
	EventType      EventType        `json:"event_type"`
	Confidence     float64          `json:"confidence,omitempty"`
	ProcessingTime time.Duration    `json:"processing_time"`
}
