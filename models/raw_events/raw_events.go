// Logic for interacting with the "raw_events" table.
package raw_events

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/db"
)

const Prefix = "evt_"

// ErrNotFound indicates that the raw event was not found.
var ErrNotFound = errors.New("Raw event not found")

var createStmt *sql.Stmt
var getStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- raw_events.Create
INSERT INTO raw_events (%s) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING %s`, insertFields(), fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- raw_events.Get
SELECT %s
FROM raw_events
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	return
}

// Create persists a raw device event. Events are write-once; there is no
// update path on this table.
func Create(id types.PrefixUUID, deviceID types.PrefixUUID, organizationID string, branchID string, eventType string, data json.RawMessage, occurredAt time.Time) (*models.RawDeviceEvent, error) {
	evt := new(models.RawDeviceEvent)
	var bt []byte
	err := createStmt.QueryRow(id, deviceID, organizationID, branchID, eventType,
		[]byte(data), occurredAt).Scan(args(evt, &bt)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	evt.Data = json.RawMessage(bt)
	return evt, nil
}

// Get the raw event with the given id, or ErrNotFound.
func Get(id types.PrefixUUID) (*models.RawDeviceEvent, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	evt := new(models.RawDeviceEvent)
	var bt []byte
	err := getStmt.QueryRow(id).Scan(args(evt, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	evt.Data = json.RawMessage(bt)
	return evt, nil
}

// GetRetry attempts to retrieve the event attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (evt *models.RawDeviceEvent, err error) {
	for i := uint8(0); i < attempts; i++ {
		evt, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

func insertFields() string {
	return `id,
	device_id,
	organization_id,
	branch_id,
	event_type,
	data,
	occurred_at`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'dev_' || device_id,
	organization_id,
	branch_id,
	event_type,
	data,
	occurred_at,
	created_at`, Prefix)
}

func args(evt *models.RawDeviceEvent, byteptr *[]byte) []interface{} {
	return []interface{}{
		&evt.ID,
		&evt.DeviceID,
		&evt.OrganizationID,
		&evt.BranchID,
		&evt.EventType,
		// can't scan into Data because of https://github.com/golang/go/issues/13905
		byteptr,
		&evt.OccurredAt,
		&evt.CreatedAt,
	}
}
