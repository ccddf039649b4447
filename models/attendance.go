package models

import (
	"encoding/json"
	"time"

	types "github.com/Shyp/go-types"
)

// An AttendanceRecord is created by the resolution worker when an employee
// was identified and a check-in/check-out determination was made. Data
// carries the raw device payload and the job id for traceability.
type AttendanceRecord struct {
	ID             types.PrefixUUID `json:"id"`
	EmployeeID     types.PrefixUUID `json:"employee_id"`
	DeviceID       types.PrefixUUID `json:"device_id"`
	OrganizationID string           `json:"organization_id"`
	BranchID       string           `json:"branch_id"`
	EventType      EventType        `json:"event_type"`
	OccurredAt     time.Time        `json:"occurred_at"`
	Data           json.RawMessage  `json:"data"`
	CreatedAt      time.Time        `json:"created_at"`
}
