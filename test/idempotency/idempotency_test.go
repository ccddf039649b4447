package test_idempotency

import (
	"testing"
	"time"

	"github.com/tallyhq/turnstile/models/idempotency"
	"github.com/tallyhq/turnstile/test"
	"github.com/tallyhq/turnstile/test/factory"
)

func TestAll(t *testing.T) {
	test.SetUp(t)
	defer test.TearDown(t)
	t.Run("Parallel", func(t *testing.T) {
		// Parallel tests go here
		t.Run("TestGetMissingKey", testGetMissingKey)
		t.Run("TestSetAndGet", testSetAndGet)
		t.Run("TestSetReplacesValue", testSetReplacesValue)
		t.Run("TestSetIfAbsentWinnerAndLoser", testSetIfAbsentWinnerAndLoser)
		t.Run("TestSetIfAbsentClaimsExpiredKey", testSetIfAbsentClaimsExpiredKey)
		t.Run("TestExpiredKeyIsAbsent", testExpiredKeyIsAbsent)
		t.Run("TestDeleteReleasesKey", testDeleteReleasesKey)
		t.Run("TestPurgeExpired", testPurgeExpired)
	})
}

// key returns a unique key so parallel tests don't collide.
func key() string {
	return "intake:" + factory.RandomId("key_").String()
}

func testGetMissingKey(t *testing.T) {
	t.Parallel()
	_, found, err := idempotency.Get(key())
	test.AssertNotError(t, err, "")
	test.Assert(t, !found, "missing key should not be found")
}

func testSetAndGet(t *testing.T) {
	t.Parallel()
	k := key()
	err := idempotency.Set(k, "evt_123", time.Hour)
	test.AssertNotError(t, err, "")
	value, found, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.Assert(t, found, "stored key should be found")
	test.AssertEquals(t, value, "evt_123")
}

func testSetReplacesValue(t *testing.T) {
	t.Parallel()
	k := key()
	test.AssertNotError(t, idempotency.Set(k, "pending", time.Hour), "")
	test.AssertNotError(t, idempotency.Set(k, "evt_456", time.Hour), "")
	value, _, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, value, "evt_456")
}

func testSetIfAbsentWinnerAndLoser(t *testing.T) {
	t.Parallel()
	k := key()
	won, err := idempotency.SetIfAbsent(k, "pending", time.Hour)
	test.AssertNotError(t, err, "")
	test.Assert(t, won, "first writer should win the key")

	won, err = idempotency.SetIfAbsent(k, "other", time.Hour)
	test.AssertNotError(t, err, "")
	test.Assert(t, !won, "second writer should lose the key")

	value, _, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, value, "pending")
}

func testSetIfAbsentClaimsExpiredKey(t *testing.T) {
	t.Parallel()
	k := key()
	// A negative TTL writes an already-expired row.
	test.AssertNotError(t, idempotency.Set(k, "stale", -time.Hour), "")
	won, err := idempotency.SetIfAbsent(k, "fresh", time.Hour)
	test.AssertNotError(t, err, "")
	test.Assert(t, won, "an expired key should be claimable")
	value, _, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.AssertEquals(t, value, "fresh")
}

func testExpiredKeyIsAbsent(t *testing.T) {
	t.Parallel()
	k := key()
	test.AssertNotError(t, idempotency.Set(k, "evt_789", -time.Hour), "")
	_, found, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.Assert(t, !found, "expired key should read as absent")

	exists, err := idempotency.Exists(k)
	test.AssertNotError(t, err, "")
	test.Assert(t, !exists, "expired key should not exist")
}

func testDeleteReleasesKey(t *testing.T) {
	t.Parallel()
	k := key()
	test.AssertNotError(t, idempotency.Set(k, "pending", time.Hour), "")
	test.AssertNotError(t, idempotency.Delete(k), "")
	_, found, err := idempotency.Get(k)
	test.AssertNotError(t, err, "")
	test.Assert(t, !found, "deleted key should be absent")
}

func testPurgeExpired(t *testing.T) {
	t.Parallel()
	k := key()
	test.AssertNotError(t, idempotency.Set(k, "stale", -time.Hour), "")
	purged, err := idempotency.PurgeExpired()
	test.AssertNotError(t, err, "")
	test.Assert(t, purged >= 1, "at least the stale key should be purged")
}
