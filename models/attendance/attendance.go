// Logic for interacting with the "attendance_records" table.
package attendance

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

const Prefix = "att_"

// ErrNotFound indicates no attendance record matched.
var ErrNotFound = errors.New("Attendance record not found")

var createStmt *sql.Stmt
var lastForEmployeeStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- attendance.Create
INSERT INTO attendance_records (%s) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING %s`, insertFields(), fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- attendance.GetLastForEmployeeSince
SELECT %s
FROM attendance_records
WHERE employee_id = $1
	AND occurred_at >= $2
	AND organization_id = $3
	AND ($4 = '' OR branch_id = $4)
ORDER BY occurred_at DESC
LIMIT 1`, fields())
	lastForEmployeeStmt, err = db.Conn.Prepare(query)
	return
}

// Create persists an attendance record and returns the stored row.
func Create(rec models.AttendanceRecord) (*models.AttendanceRecord, error) {
	stored := new(models.AttendanceRecord)
	var bt []byte
	data := rec.Data
	if len(data) == 0 {
		data = json.RawMessage("{}")
	}
	err := createStmt.QueryRow(rec.ID, rec.EmployeeID, rec.DeviceID,
		rec.OrganizationID, rec.BranchID, rec.EventType, rec.OccurredAt,
		[]byte(data)).Scan(args(stored, &bt)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	stored.Data = json.RawMessage(bt)
	return stored, nil
}

// GetLastForEmployeeSince returns the employee's most recent attendance
// record at or after `since` within the given scope, or ErrNotFound.
func GetLastForEmployeeSince(employeeID types.PrefixUUID, since time.Time, scope models.Scope) (*models.AttendanceRecord, error) {
	if employeeID.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	rec := new(models.AttendanceRecord)
	var bt []byte
	err := lastForEmployeeStmt.QueryRow(employeeID, since, scope.OrganizationID,
		scope.BranchID).Scan(args(rec, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	rec.Data = json.RawMessage(bt)
	return rec, nil
}

func insertFields() string {
	return `id,
	employee_id,
	device_id,
	organization_id,
	branch_id,
	event_type,
	occurred_at,
	data`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	'emp_' || employee_id,
	'dev_' || device_id,
	organization_id,
	branch_id,
	event_type,
	occurred_at,
	data,
	created_at`, Prefix)
}

func args(rec *models.AttendanceRecord, byteptr *[]byte) []interface{} {
	return []interface{}{
		&rec.ID,
		&rec.EmployeeID,
		&rec.DeviceID,
		&rec.OrganizationID,
		&rec.BranchID,
		&rec.EventType,
		&rec.OccurredAt,
		// can't scan into Data because of https://github.com/golang/go/issues/13905
		byteptr,
		&rec.CreatedAt,
	}
}
