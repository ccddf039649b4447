// Logic for interacting with the "idempotency_keys" table: a key/value
// store with per-key expiry.
//
// SetIfAbsent is the only concurrency control primitive intake relies on.
// Expired rows are treated as absent everywhere, so correctness does not
// depend on how promptly PurgeExpired runs.
package idempotency

import (
	"database/sql"
	"errors"
	"time"

	dberror "github.com/Shyp/go-dberror"
	"github.com/tallyhq/turnstile/models/db"
)

// ResultTTL is how long a stored intake result lives; duplicate deliveries
// inside this window short-circuit to the stored event id.
const ResultTTL = 24 * time.Hour

// LockTTL bounds how long an in-flight intake can hold a key before a racing
// delivery may claim it.
const LockTTL = 60 * time.Second

var getStmt *sql.Stmt
var setStmt *sql.Stmt
var setIfAbsentStmt *sql.Stmt
var existsStmt *sql.Stmt
var deleteStmt *sql.Stmt
var purgeStmt *sql.Stmt

// Setup prepares all database statements.
func Setup() (err error) {
	if !db.Connected() {
		return errors.New("No DB connection was established, can't query")
	}

	if getStmt != nil {
		return
	}

	query := `-- idempotency.Get
SELECT value FROM idempotency_keys
WHERE key = $1 AND expires_at > now()`
	getStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- idempotency.Set
INSERT INTO idempotency_keys (key, value, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 second')
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at`
	setStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	// The upsert only replaces rows that have already expired, so exactly
	// one of two racing writers observes a write.
	query = `-- idempotency.SetIfAbsent
INSERT INTO idempotency_keys (key, value, expires_at)
VALUES ($1, $2, now() + $3 * interval '1 second')
ON CONFLICT (key) DO UPDATE
SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at
WHERE idempotency_keys.expires_at <= now()`
	setIfAbsentStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- idempotency.Exists
SELECT count(*) FROM idempotency_keys
WHERE key = $1 AND expires_at > now()`
	existsStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- idempotency.Delete
DELETE FROM idempotency_keys WHERE key = $1`
	deleteStmt, err = db.Conn.Prepare(query)
	if err != nil {
		return err
	}

	query = `-- idempotency.PurgeExpired
DELETE FROM idempotency_keys WHERE expires_at <= now()`
	purgeStmt, err = db.Conn.Prepare(query)
	return
}

// Get returns the value stored under key, and whether a live (non-expired)
// entry was found.
func Get(key string) (string, bool, error) {
	var value string
	err := getStmt.QueryRow(key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, dberror.GetError(err)
	}
	return value, true, nil
}

// Set stores value under key with the given TTL, replacing any previous
// entry.
func Set(key string, value string, ttl time.Duration) error {
	_, err := setStmt.Exec(key, value, int64(ttl/time.Second))
	if err != nil {
		return dberror.GetError(err)
	}
	return nil
}

// SetIfAbsent stores value under key only if no live entry exists. Returns
// true if this caller won the write.
func SetIfAbsent(key string, value string, ttl time.Duration) (bool, error) {
	res, err := setIfAbsentStmt.Exec(key, value, int64(ttl/time.Second))
	if err != nil {
		return false, dberror.GetError(err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Exists reports whether a live entry is stored under key.
func Exists(key string) (bool, error) {
	var count int64
	err := existsStmt.QueryRow(key).Scan(&count)
	if err != nil {
		return false, dberror.GetError(err)
	}
	return count > 0, nil
}

// Delete removes the entry stored under key, releasing an in-flight lock
// early instead of waiting out LockTTL.
func Delete(key string) error {
	_, err := deleteStmt.Exec(key)
	if err != nil {
		return dberror.GetError(err)
	}
	return nil
}

// PurgeExpired removes expired rows; run periodically from the
// system-health queue. Returns the number of rows removed.
func PurgeExpired() (int64, error) {
	res, err := purgeStmt.Exec()
	if err != nil {
		return 0, dberror.GetError(err)
	}
	return res.RowsAffected()
}
