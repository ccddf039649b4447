// Package test has helpers for database setup/teardown and assertions.
package test

import (
	"fmt"
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/tallyhq/turnstile/models/db"
	"github.com/tallyhq/turnstile/setup"
)

func SetUp(t testing.TB) {
	t.Helper()
	if os.Getenv("DATABASE_URL") == "" {
		os.Setenv("DATABASE_URL", "postgres://turnstile@localhost:5432/turnstile_test?sslmode=disable&timezone=UTC")
	}
	if err := setup.DB(setup.DefaultConnection, 10); err != nil {
		t.Fatal(err)
	}
}

// TruncateTables deletes all records from the database.
func TruncateTables(t testing.TB) error {
	getTableDelete := func(table string) string {
		return "DELETE FROM " + table
	}
	var name string
	if t == nil {
		name = "TruncateTables"
	} else {
		name = t.Name()
	}
	_, err := db.Conn.Exec(fmt.Sprintf("-- %s\n%s;\n%s;\n%s;\n%s;\n%s;\n%s;\n%s",
		name,
		getTableDelete("archived_jobs"),
		getTableDelete("queued_jobs"),
		getTableDelete("attendance_records"),
		getTableDelete("raw_events"),
		getTableDelete("idempotency_keys"),
		getTableDelete("employees"),
		getTableDelete("devices"),
	))
	return err
}

// TearDown deletes all records from the database, and marks the test as failed
// if this was unsuccessful.
func TearDown(t testing.TB) {
	t.Helper()
	if db.Connected() {
		if err := TruncateTables(t); err != nil {
			t.Fatal(err)
		}
	}
}

// Assert fails the test with message if pred is false.
func Assert(t testing.TB, pred bool, message string) {
	t.Helper()
	if !pred {
		if message == "" {
			message = "assertion failed"
		}
		t.Fatal(message)
	}
}

// AssertEquals fails the test if got does not equal want.
func AssertEquals(t testing.TB, got interface{}, want interface{}) {
	t.Helper()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("got %#v, want %#v", got, want)
	}
}

// AssertNotError fails the test if err is non-nil.
func AssertNotError(t testing.TB, err error, message string) {
	t.Helper()
	if err != nil {
		if message == "" {
			t.Fatalf("unexpected error: %s", err)
		}
		t.Fatalf("%s: %s", message, err)
	}
}

// AssertError fails the test if err is nil.
func AssertError(t testing.TB, err error, message string) {
	t.Helper()
	if err == nil {
		if message == "" {
			message = "expected an error, got nil"
		}
		t.Fatal(message)
	}
}

// AssertContains fails the test if s does not contain substr.
func AssertContains(t testing.TB, s string, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Fatalf("%q does not contain %q", s, substr)
	}
}

// AssertNotNil fails the test if v is nil.
func AssertNotNil(t testing.TB, v interface{}, message string) {
	t.Helper()
	if v == nil || (reflect.ValueOf(v).Kind() == reflect.Ptr && reflect.ValueOf(v).IsNil()) {
		if message == "" {
			message = "unexpected nil value"
		}
		t.Fatal(message)
	}
}
