// Logic for interacting with the "archived_jobs" table.
package archived_jobs

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
	"github.com/tallyhq/turnstile/models/queued_jobs"
)

const Prefix = "job_"

// ErrNotFound indicates that the archived job was not found.
var ErrNotFound = errors.New("Archived job not found")

// FailedJobLimit is the maximum number of failed jobs fetched in one query
// by GetFailed.
var FailedJobLimit = 1000

var createStmt *sql.Stmt
var getStmt *sql.Stmt
var countByStatusStmt *sql.Stmt
var cleanStmt *sql.Stmt
var failedStmt *sql.Stmt
var deleteStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if createStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- archived_jobs.Create
INSERT INTO archived_jobs (%s)
SELECT id, queue_name, $2, $4, priority, $3, data, expires_at
FROM queued_jobs
WHERE id=$1
AND name=$2
RETURNING %s`, insertFields(), fields())
	createStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archived_jobs.Get
SELECT %s
FROM archived_jobs
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- archived_jobs.CountByStatus
SELECT count(*) FROM archived_jobs WHERE queue_name = $1 AND status = $2`
	countByStatusStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archived_jobs.Clean
DELETE FROM archived_jobs
WHERE queue_name = $1
	AND status = '%s'
	AND created_at < $2`, models.StatusSucceeded)
	cleanStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- archived_jobs.GetFailed
SELECT %s
FROM archived_jobs
WHERE queue_name = $1
	AND status = '%s'
ORDER BY created_at ASC
LIMIT %d`, fields(), models.StatusFailed, FailedJobLimit)
	failedStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- archived_jobs.Delete
DELETE FROM archived_jobs WHERE id = $1`
	deleteStmt, err = db.Conn.Prepare(query)
	return
}

// Create an archived job with the given id, status, and attempts. Assumes
// that the job already exists in the queued_jobs table; queue_name, priority
// and data are copied from there. If the job does not exist,
// queued_jobs.ErrNotFound is returned.
func Create(id types.PrefixUUID, name string, status models.JobStatus, attempt uint8) (*models.ArchivedJob, error) {
	aj := new(models.ArchivedJob)
	var bt []byte
	err := createStmt.QueryRow(id, name, status, attempt).Scan(args(aj, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, queued_jobs.ErrNotFound
		}
		err = dberror.GetError(err)
		return nil, err
	}
	aj.Data = json.RawMessage(bt)
	return aj, nil
}

// Get returns the archived job with the given id, or ErrNotFound if it's
// not present.
func Get(id types.PrefixUUID) (*models.ArchivedJob, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	aj := new(models.ArchivedJob)
	var bt []byte
	err := getStmt.QueryRow(id).Scan(args(aj, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		err = dberror.GetError(err)
		return nil, err
	}
	aj.Data = json.RawMessage(bt)
	return aj, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (job *models.ArchivedJob, err error) {
	for i := uint8(0); i < attempts; i++ {
		job, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// CountByStatus returns the number of archived jobs in the given queue with
// the given status.
func CountByStatus(queueName string, status models.JobStatus) (count int64, err error) {
	err = countByStatusStmt.QueryRow(queueName, status).Scan(&count)
	return
}

// Clean removes succeeded jobs in the given queue that were archived before
// the cutoff. Returns the number of rows removed.
func Clean(queueName string, olderThan time.Time) (int64, error) {
	res, err := cleanStmt.Exec(queueName, olderThan)
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}

// GetFailed returns failed jobs in the given queue, oldest first, up to
// FailedJobLimit of them.
func GetFailed(queueName string) ([]*models.ArchivedJob, error) {
	rows, err := failedStmt.Query(queueName)
	var jobs []*models.ArchivedJob
	if err != nil {
		return jobs, err
	}
	defer rows.Close()
	for rows.Next() {
		aj := new(models.ArchivedJob)
		var bt []byte
		err = rows.Scan(args(aj, &bt)...)
		if err != nil {
			return jobs, err
		}
		aj.Data = json.RawMessage(bt)
		jobs = append(jobs, aj)
	}
	err = rows.Err()
	return jobs, err
}

// Delete removes the archived job with the given id. Used when a failed job
// is re-enqueued so it does not get retried twice.
func Delete(id types.PrefixUUID) error {
	if id.UUID == uuid.Nil {
		return errors.New("Invalid id")
	}
	res, err := deleteStmt.Exec(id)
	if err != nil {
		return err
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
	queue_name,
	name,
	attempts,
	priority,
	status,
	data,
	expires_at`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	queue_name,
	name,
	attempts,
	priority,
	status,
	data,
	created_at,
	expires_at`, Prefix)
}

func args(aj *models.ArchivedJob, byteptr *[]byte) []interface{} {
	return []interface{}{
		&aj.ID,
		&aj.QueueName,
		&aj.Name,
		&aj.Attempts,
		&aj.Priority,
		&aj.Status,
		// can't scan into Data because of https://github.com/golang/go/issues/13905
		byteptr,
		&aj.CreatedAt,
		&aj.ExpiresAt,
	}
}
