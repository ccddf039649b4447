package models

import (
	"time"

	types "github.com/Shyp/go-types"
)

// A Scope is the organization/branch boundary applied to lookups and writes.
// BranchID may be empty, in which case only the organization is enforced.
type Scope struct {
	OrganizationID string
	BranchID       string
}

// An Employee is a member of staff that device events resolve to. The
// directory itself is managed elsewhere; this system only reads it.
type Employee struct {
	ID             types.PrefixUUID `json:"id"`
	OrganizationID string           `json:"organization_id"`
	BranchID       string           `json:"branch_id"`
	Name           string           `json:"name"`
	CardID         string           `json:"card_id,omitempty"`
	Active         bool             `json:"active"`
	CreatedAt      time.Time        `json:"created_at"`
}
