// Logic for interacting with the "queued_jobs" table.
package queued_jobs

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	dberror "github.com/Shyp/go-dberror"
	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/lib/pq"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/db"
)

func init() {
	dberror.RegisterConstraint(attemptsConstraint)
}

var attemptsConstraint = &dberror.Constraint{
	Name: "queued_jobs_attempts_check",
	GetError: func(e *pq.Error) *dberror.Error {
		return &dberror.Error{
			Message:    "Please set a greater-than-zero number of attempts",
			Constraint: e.Constraint,
			Table:      e.Table,
			Severity:   e.Severity,
			Detail:     e.Detail,
		}
	},
}

const Prefix = "job_"

// ErrNotFound indicates that the job was not found.
var ErrNotFound = errors.New("Queued job not found")

// ArchivedError is raised when a job with the given id has already been
// archived; enqueueing it again would run the same work twice.
type ArchivedError struct {
	Err string
}

func (e *ArchivedError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Err
}

var enqueueStmt *sql.Stmt
var getStmt *sql.Stmt
var deleteStmt *sql.Stmt
var acquireStmt *sql.Stmt
var decrementStmt *sql.Stmt
var progressStmt *sql.Stmt
var countsByStatusStmt *sql.Stmt
var countStatesStmt *sql.Stmt
var oldJobsStmt *sql.Stmt

// StuckJobLimit is the maximum number of stuck jobs to fetch in one database
// query.
var StuckJobLimit = 100

func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if enqueueStmt != nil {
		return
	}

	query := fmt.Sprintf(`-- queued_jobs.Enqueue
INSERT INTO queued_jobs (%s)
SELECT $1, $2, $3, $4, $5, $6, $7, '%s', $8
WHERE NOT EXISTS (
	SELECT id FROM archived_jobs WHERE id=$1
)
RETURNING %s`, insertFields(), models.StatusQueued, fields())
	enqueueStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- queued_jobs.Get
SELECT %s
FROM queued_jobs
WHERE id = $1`, fields())
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- queued_jobs.Delete
	DELETE FROM queued_jobs WHERE id = $1`
	deleteStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- queued_jobs.Acquire
WITH queued_job as (
	SELECT id AS inner_id
	FROM queued_jobs
	WHERE status='%[1]s'
		AND queue_name = $1
		AND run_after <= now()
	ORDER BY priority DESC, created_at ASC
	LIMIT 1
	FOR UPDATE
) UPDATE queued_jobs
SET status='%[2]s',
	updated_at=now()
FROM queued_job
WHERE queued_jobs.id = queued_job.inner_id
	AND status='%[1]s'
RETURNING %[3]s`, models.StatusQueued, models.StatusInProgress, fields())
	acquireStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- queued_jobs.Decrement
UPDATE queued_jobs
SET status = '%s',
	updated_at = now(),
	progress = 0,
	attempts = attempts - 1,
	run_after = $3
WHERE id = $1
	AND attempts=$2
	RETURNING %s`, models.StatusQueued, fields())
	decrementStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- queued_jobs.SetProgress
UPDATE queued_jobs
SET progress = $2,
	updated_at = now()
WHERE id = $1
	AND status = 'in-progress'`
	progressStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- queued_jobs.GetCountsByStatus
SELECT queue_name, count(*) FROM queued_jobs WHERE status=$1 GROUP BY queue_name`
	countsByStatusStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- queued_jobs.CountStates
WITH waiting AS (
	SELECT count(*) FROM queued_jobs
	WHERE queue_name=$1 AND status='%[1]s' AND run_after <= now()
), delayed AS (
	SELECT count(*) FROM queued_jobs
	WHERE queue_name=$1 AND status='%[1]s' AND run_after > now()
), active AS (
	SELECT count(*) FROM queued_jobs
	WHERE queue_name=$1 AND status='%[2]s'
)
SELECT waiting.count, delayed.count, active.count
FROM waiting, delayed, active`, models.StatusQueued, models.StatusInProgress)
	countStatesStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = fmt.Sprintf(`-- queued_jobs.GetOldInProgressJobs
SELECT %s FROM queued_jobs WHERE status='%s' AND updated_at < $1 LIMIT %d`,
		fields(), models.StatusInProgress, StuckJobLimit)
	oldJobsStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}
	return
}

// Enqueue creates a new queued job with the given ID and fields. A
// dberror.Error will be returned if Postgres returns a constraint failure,
// and an ArchivedError if a job with this id has already been archived.
// Otherwise the QueuedJob will be returned.
func Enqueue(id types.PrefixUUID, queueName string, name string, attempts uint8, priority int16, runAfter time.Time, expiresAt types.NullTime, data json.RawMessage) (*models.QueuedJob, error) {
	qj := new(models.QueuedJob)
	// need to scan into a []byte, https://github.com/golang/go/issues/13905
	var bt []byte
	err := enqueueStmt.QueryRow(id, queueName, name, attempts, priority, runAfter, expiresAt, []byte(data)).Scan(args(qj, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			e := &ArchivedError{
				Err: fmt.Sprintf("Job %s has already been archived", id.String()),
			}
			return nil, e
		}
		return nil, dberror.GetError(err)
	}
	qj.Data = json.RawMessage(bt)
	return qj, err
}

// Get the queued job with the given id. Returns the job, or an error. If no
// record could be found, the error will be `queued_jobs.ErrNotFound`.
func Get(id types.PrefixUUID) (*models.QueuedJob, error) {
	if id.UUID == uuid.Nil {
		return nil, errors.New("Invalid id")
	}
	qj := new(models.QueuedJob)
	var bt []byte
	err := getStmt.QueryRow(id).Scan(args(qj, &bt)...)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, dberror.GetError(err)
	}
	qj.Data = json.RawMessage(bt)
	return qj, nil
}

// GetRetry attempts to retrieve the job attempts times before giving up.
func GetRetry(id types.PrefixUUID, attempts uint8) (job *models.QueuedJob, err error) {
	for i := uint8(0); i < attempts; i++ {
		job, err = Get(id)
		if err == nil || err == ErrNotFound {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	return
}

// Delete deletes the given queued job. Returns nil if the job was deleted
// successfully. If no job exists to be deleted, ErrNotFound is returned.
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
	} else if rows == 1 {
		return nil
	} else {
		// This should not be possible because of database constraints
		return fmt.Errorf("Multiple rows (%d) deleted for job %s, please investigate", rows, id)
	}
}

// DeleteRetry attempts to Delete the item `attempts` times.
func DeleteRetry(id types.PrefixUUID, attempts uint8) error {
	for i := uint8(0); i < attempts; i++ {
		err := Delete(id)
		if err == nil || err == ErrNotFound {
			return err
		}
	}
	return nil
}

// Acquire a queued job from the given queue that's able to run now. Ready
// jobs with a higher priority are returned first; ties go to the oldest.
// Returns sql.ErrNoRows if no jobs are available.
func Acquire(queueName string) (*models.QueuedJob, error) {
	qj := new(models.QueuedJob)
	var bt []byte

	rows, err := acquireStmt.Query(queueName)
	if err != nil {
		err = dberror.GetError(err)
		return nil, err
	}
	defer rows.Close()
	count := 0
	scanned := false
	for rows.Next() {
		count += 1
		if !scanned {
			rows.Scan(args(qj, &bt)...)
			scanned = true
		}
	}
	if count == 0 {
		return nil, sql.ErrNoRows
	}
	if count > 1 {
		panic(fmt.Sprintf("Too many rows affected by Acquire for '%s': %d", queueName, count))
	}
	err = rows.Err()
	if err != nil {
		return nil, err
	}
	qj.Data = json.RawMessage(bt)
	return qj, nil
}

// Decrement decrements the attempts counter for an existing job, resets its
// progress, and sets its status back to 'queued'. If the queued job does not
// exist, or the attempts counter in the database does not match the passed
// in attempts value, sql.ErrNoRows will be returned.
//
// attempts: The current value of the `attempts` column, the returned attempts
// value will be this number minus 1.
func Decrement(id types.PrefixUUID, attempts uint8, runAfter time.Time) (*models.QueuedJob, error) {
	qj := new(models.QueuedJob)
	var bt []byte
	err := decrementStmt.QueryRow(id, attempts, runAfter).Scan(args(qj, &bt)...)
	if err != nil {
		err = dberror.GetError(err)
		return nil, err
	}
	qj.Data = json.RawMessage(bt)
	return qj, nil
}

// SetProgress records an advisory completion percentage for an in-progress
// job. It also refreshes updated_at, so a long-running handler that
// checkpoints progress won't be flagged by the stuck job watcher.
func SetProgress(id types.PrefixUUID, percent int16) error {
	if id.UUID == uuid.Nil {
		return errors.New("Invalid id")
	}
	res, err := progressStmt.Exec(id, percent)
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

// GetOldInProgressJobs finds queued in-progress jobs with an updated_at
// timestamp older than olderThan. A maximum of StuckJobLimit jobs will be
// returned.
func GetOldInProgressJobs(olderThan time.Time) ([]*models.QueuedJob, error) {
	rows, err := oldJobsStmt.Query(olderThan)
	var jobs []*models.QueuedJob
	if err != nil {
		return jobs, err
	}
	defer rows.Close()
	for rows.Next() {
		qj := new(models.QueuedJob)
		var bt []byte
		err = rows.Scan(args(qj, &bt)...)
		if err != nil {
			return jobs, err
		}
		qj.Data = json.RawMessage(bt)
		jobs = append(jobs, qj)
	}
	err = rows.Err()
	return jobs, err
}

// CountStates returns the number of waiting (queued and ready), delayed
// (queued with a future run_after) and active (in-progress) jobs in the
// given queue.
func CountStates(queueName string) (waiting int64, delayed int64, active int64, err error) {
	err = countStatesStmt.QueryRow(queueName).Scan(&waiting, &delayed, &active)
	return
}

// GetCountsByStatus returns a map with each queue as the key, followed by
// the number of <status> jobs it has. For example:
//
// "events": 5,
// "notifications": 7,
func GetCountsByStatus(status models.JobStatus) (map[string]int64, error) {
	rows, err := countsByStatusStmt.Query(status)
	m := make(map[string]int64)
	if err != nil {
		return m, err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		var count int64
		err = rows.Scan(&name, &count)
		if err != nil {
			return m, err
		}
		m[name] = count
	}
	err = rows.Err()
	return m, err
}

func insertFields() string {
	return `id,
	queue_name,
	name,
	attempts,
	priority,
	run_after,
	expires_at,
	status,
	data`
}

func fields() string {
	return fmt.Sprintf(`'%s' || id,
	queue_name,
	name,
	attempts,
	priority,
	progress,
	run_after,
	expires_at,
	status,
	data,
	created_at,
	updated_at`, Prefix)
}

func args(qj *models.QueuedJob, byteptr *[]byte) []interface{} {
	return []interface{}{
		&qj.ID,
		&qj.QueueName,
		&qj.Name,
		&qj.Attempts,
		&qj.Priority,
		&qj.Progress,
		&qj.RunAfter,
		&qj.ExpiresAt,
		&qj.Status,
		// can't scan into Data because of https://github.com/golang/go/issues/13905
		byteptr,
		&qj.CreatedAt,
		&qj.UpdatedAt,
	}
}
