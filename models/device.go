package models

import (
	"database/sql/driver"
	"fmt"
	"time"

	types "github.com/Shyp/go-types"
)

type DeviceStatus string

const DeviceOnline = DeviceStatus("online")
const DeviceOffline = DeviceStatus("offline")
const DeviceMaintenance = DeviceStatus("maintenance")

// Scan implements the Scanner interface.
func (d *DeviceStatus) Scan(src interface{}) error {
	if src == nil {
		return nil
	} else if txt, ok := src.(string); ok {
		*d = DeviceStatus(txt)
		return nil
	} else if txt, ok := src.([]byte); ok {
		*d = DeviceStatus(string(txt))
		return nil
	}
	return fmt.Errorf("Unsupported DeviceStatus: %#v", src)
}

func (d DeviceStatus) Value() (driver.Value, error) {
	return string(d), nil
}

// A Device is a registered badge reader or biometric scanner. Secret is the
// shared HMAC key the device signs deliveries with; intake only accepts
// events from devices in the "online" state.
type Device struct {
	ID             types.PrefixUUID `json:"id"`
	OrganizationID string           `json:"organization_id"`
	BranchID       string           `json:"branch_id"`
	Name           string           `json:"name"`
	MacAddress     string           `json:"mac_address"`
	Secret         string           `json:"-"`
	Status         DeviceStatus     `json:"status"`
	LastSeenAt     types.NullTime   `json:"last_seen_at"`
	CreatedAt      time.Time        `json:"created_at"`
}
