// Logic for interacting with the "devices" table.
package devices

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/db"
)

const Prefix = "dev_"

// ErrNotFound indicates that the device was not found.
var ErrNotFound = errors.New("Device not found")

var createStmt *sql.Stmt
var getStmt *sql.Stmt
var getByMacStmt *sql.Stmt
var lastSeenStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if getStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- devices.Create
INSERT INTO devices (%s) VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING %s`, insertFields(), fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- devices.Get
SELECT %s
FROM devices
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- devices.GetByMac
SELECT %s
FROM devices
WHERE mac_address = $1
	AND organization_id = $2`, fields())
	getByMacStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- devices.UpdateLastSeen
UPDATE devices SET last_seen_at = $2 WHERE id = $1`
	lastSeenStmt, err = db.Conn.Prepare(query)
	return
}

// Create registers a device. Mostly useful for provisioning scripts and
// tests; device enrollment is otherwise handled by the tenant-config system.
func Create(d models.Device) (*models.Device, error) {
	dev := new(models.Device)
	err := createStmt.QueryRow(d.ID, d.OrganizationID, d.BranchID, d.Name,
		d.MacAddress, d.Secret, d.Status).Scan(args(dev)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return dev, nil
}

// Get the device with the given id, or ErrNotFound.
func Get(id types.PrefixUUID) (*models.Device, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	dev := new(models.Device)
	err := getStmt.QueryRow(id).Scan(args(dev)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return dev, nil
}

// GetByMac finds a device by MAC address within the given organization.
func GetByMac(mac string, organizationID string) (*models.Device, error) {
	dev := new(models.Device)
	err := getByMacStmt.QueryRow(mac, organizationID).Scan(args(dev)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return dev, nil
}

// UpdateLastSeen records device liveness. Returns ErrNotFound if the device
// doesn't exist.
func UpdateLastSeen(id types.PrefixUUID, seenAt time.Time) error {
	res, err := lastSeenStmt.Exec(id, seenAt)
	if err != nil {
		return dberror.GetError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func insertFields() string {
	return `id,
	organization_id,
	branch_id,
	name,
	mac_address,
	secret,
	status`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	organization_id,
	branch_id,
	name,
	mac_address,
	secret,
	status,
	last_seen_at,
	created_at`, Prefix)
}

func args(d *models.Device) []interface{} {
	return []interface{}{
		&d.ID,
		&d.OrganizationID,
		&d.BranchID,
		&d.Name,
		&d.MacAddress,
		&d.Secret,
		&d.Status,
		&d.LastSeenAt,
		&d.CreatedAt,
	}
}
