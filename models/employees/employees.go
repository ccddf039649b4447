// Logic for interacting with the "employees" table. The directory is
// read-mostly here; employee CRUD lives in the tenant-config system.
package employees

import (
	"database/sql"
	"errors"
	"fmt"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/db"
)

const Prefix = "emp_"

// ErrNotFound indicates that the employee was not found in the given scope.
var ErrNotFound = errors.New("Employee not found")

var createStmt *sql.Stmt
var getStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if getStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- employees.Create
INSERT INTO employees (%s) VALUES ($1, $2, $3, $4, $5, $6)
RETURNING %s`, insertFields(), fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// An empty branch in the scope matches any branch.
	query = fmt.Sprintf(`-- employees.Get
SELECT %s
FROM employees
WHERE id = $1
	AND organization_id = $2
	AND ($3 = '' OR branch_id = $3)`, fields())
	getStmt, err = db.Conn.Prepare(query)
	return
}

// Create adds an employee. Mostly useful for provisioning scripts and tests.
func Create(e models.Employee) (*models.Employee, error) {
	emp := new(models.Employee)
	err := createStmt.QueryRow(e.ID, e.OrganizationID, e.BranchID, e.Name,
		e.CardID, e.Active).Scan(args(emp)...)
	if err != nil {
		return nil, dberror.GetError(err)
	}
	return emp, nil
}

// Get the employee with the given id inside the given scope, or ErrNotFound.
func Get(id types.PrefixUUID, scope models.Scope) (*models.Employee, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	emp := new(models.Employee)
	err := getStmt.QueryRow(id, scope.OrganizationID, scope.BranchID).Scan(args(emp)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	return emp, nil
}

func insertFields() string {
	return `id,
	organization_id,
	branch_id,
	name,
	card_id,
	active`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	organization_id,
	branch_id,
	name,
	card_id,
	active,
	created_at`, Prefix)
}

func args(e *models.Employee) []interface{} {
	return []interface{}{
		&e.ID,
		&e.OrganizationID,
		&e.BranchID,
		&e.Name,
		&e.CardID,
		&e.Active,
		&e.CreatedAt,
	}
}
