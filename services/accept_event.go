package services

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/devices"
	"github.com/tallyhq/turnstile/models/idempotency"
	"github.com/tallyhq/turnstile/models/raw_events"
	"github.com/tallyhq/turnstile/queues"
)

// keyPrefix namespaces intake keys inside the idempotency_keys table.
const keyPrefix = "intake:"

// lockValue marks a key whose first delivery hasn't finished intake yet.
const lockValue = "pending"

// A KeyStore is the idempotency layer intake coordinates through.
type KeyStore interface {
	Get(key string) (string, bool, error)
	Set(key string, value string, ttl time.Duration) error
	SetIfAbsent(key string, value string, ttl time.Duration) (bool, error)
	Delete(key string) error
}

// A DeviceRegistry records device liveness.
type DeviceRegistry interface {
	UpdateLastSeen(id types.PrefixUUID, seenAt time.Time) error
}

// An EventStore persists accepted raw events.
type EventStore interface {
	Create(id types.PrefixUUID, deviceID types.PrefixUUID, organizationID string, branchID string, eventType string, data json.RawMessage, occurredAt time.Time) (*models.RawDeviceEvent, error)
}

// An EnqueueFunc schedules a job; the signature matches queues.Enqueue.
type EnqueueFunc func(queueName string, jobName string, payload interface{}, opts queues.Options) (*models.QueuedJob, error)

// EventIntake accepts authenticated device deliveries: it deduplicates them,
// persists the raw event, and queues the resolution job. All dependencies
// are explicit so tests can swap any of them out.
type EventIntake struct {
	Keys    KeyStore
	Devices DeviceRegistry
	Events  EventStore
	Enqueue EnqueueFunc
}

// NewEventIntake returns an intake wired to the database-backed stores and
// the real queue.
func NewEventIntake() *EventIntake {
	return &EventIntake{
		Keys:    pgKeyStore{},
		Devices: pgDeviceRegistry{},
		Events:  pgEventStore{},
		Enqueue: queues.Enqueue,
	}
}

// An AcceptResult reports what intake did with a delivery. Duplicate means
// the delivery was already accepted and EventID points at the original
// event (empty if the original is still in flight).
type AcceptResult struct {
	EventID   string `json:"event_id"`
	Duplicate bool   `json:"-"`
}

// Accept runs one authenticated delivery through the intake pipeline. The
// caller has already verified the device's signature; device is the
// registered sender and clientKey is the delivery's idempotency key header,
// or empty to derive one from the reading itself.
//
// Accept returns a DuplicateEventError if the delivery was seen before, a
// DeviceUnavailableError if the device isn't online, a ValidationError if
// the body is unusable, or the storage/enqueue error otherwise. An event is
// only acknowledged once its resolution job is safely queued.
func (ei *EventIntake) Accept(device *models.Device, body []byte, clientKey string) (*AcceptResult, error) {
	var data models.RawEventData
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, &ValidationError{Message: "Invalid JSON in request body"}
	}
	if data.EventType == "" {
		return nil, &ValidationError{Field: "event_type", Message: "This field is required"}
	}
	if data.Timestamp.IsZero() {
		return nil, &ValidationError{Field: "timestamp", Message: "This field is required"}
	}
	if device.Status != models.DeviceOnline {
		go metrics.Increment("intake.device_unavailable")
		return nil, &DeviceUnavailableError{
			DeviceID: device.ID.String(),
			Status:   device.Status,
		}
	}

	key := keyPrefix + clientKey
	if clientKey == "" {
		key = keyPrefix + deriveKey(device.ID.String(), &data)
	}

	if value, found, err := ei.Keys.Get(key); err != nil {
		return nil, err
	} else if found {
		go metrics.Increment("intake.duplicate")
		return ei.duplicate(value)
	}

	won, err := ei.Keys.SetIfAbsent(key, lockValue, idempotency.LockTTL)
	if err != nil {
		return nil, err
	}
	if !won {
		// Another delivery claimed the key between our Get and SetIfAbsent.
		value, found, err := ei.Keys.Get(key)
		if err != nil {
			return nil, err
		}
		go metrics.Increment("intake.duplicate")
		if !found {
			value = lockValue
		}
		return ei.duplicate(value)
	}

	id := types.GenerateUUID(raw_events.Prefix)
	evt, err := ei.Events.Create(id, device.ID, device.OrganizationID,
		device.BranchID, data.EventType, json.RawMessage(body), data.Timestamp)
	if err != nil {
		ei.release(key)
		go metrics.Increment("intake.store.error")
		return nil, err
	}

	payload := models.DeviceEventPayload{
		BasePayload: models.BasePayload{
			OrganizationID: device.OrganizationID,
			CorrelationID:  evt.ID.String(),
		},
		EventID:  evt.ID,
		DeviceID: device.ID,
		BranchID: device.BranchID,
	}
	_, err = ei.Enqueue(queues.Events, queues.JobDeviceEvent, payload, queues.Options{
		Priority: models.PriorityDeviceEvent,
	})
	if err != nil {
		// An accepted event with no queued job would never be processed, so
		// the whole delivery fails and the device retries.
		ei.release(key)
		go metrics.Increment("intake.enqueue.error")
		return nil, err
	}

	if err := ei.Keys.Set(key, evt.ID.String(), idempotency.ResultTTL); err != nil {
		// The job is queued, so the event is accepted either way. A retried
		// delivery inside the lock TTL will still be deduplicated.
		log.Printf("intake: could not store result for key %s: %s", key, err)
	}
	if err := ei.Devices.UpdateLastSeen(device.ID, time.Now().UTC()); err != nil {
		log.Printf("intake: could not update last_seen for %s: %s", device.ID.String(), err)
	}
	go metrics.Increment("intake.accepted")
	return &AcceptResult{EventID: evt.ID.String()}, nil
}

func (ei *EventIntake) duplicate(value string) (*AcceptResult, error) {
	if value == lockValue {
		return nil, &DuplicateEventError{}
	}
	return &AcceptResult{EventID: value, Duplicate: true}, &DuplicateEventError{EventID: value}
}

func (ei *EventIntake) release(key string) {
	if err := ei.Keys.Delete(key); err != nil {
		log.Printf("intake: could not release key %s: %s", key, err)
	}
}

// deriveKey builds a content-based idempotency key for devices that don't
// send one: the device, the reading's own timestamp, and the reading's
// identifiers. A retried delivery hashes identically no matter when it is
// re-signed; two distinct readings from the same device never collide.
func deriveKey(deviceID string, data *models.RawEventData) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s", deviceID,
		data.Timestamp.UTC().Format(time.RFC3339Nano),
		data.EventType, data.EmployeeID, data.CardID, data.BiometricTemplate)
	return hex.EncodeToString(h.Sum(nil))
}

// Database-backed defaults for the intake interfaces.

type pgKeyStore struct{}

func (pgKeyStore) Get(key string) (string, bool, error) { return idempotency.Get(key) }
func (pgKeyStore) Set(key string, value string, ttl time.Duration) error {
	return idempotency.Set(key, value, ttl)
}
func (pgKeyStore) SetIfAbsent(key string, value string, ttl time.Duration) (bool, error) {
	return idempotency.SetIfAbsent(key, value, ttl)
}
func (pgKeyStore) Delete(key string) error { return idempotency.Delete(key) }

type pgDeviceRegistry struct{}

func (pgDeviceRegistry) UpdateLastSeen(id types.PrefixUUID, seenAt time.Time) error {
	return devices.UpdateLastSeen(id, seenAt)
}

type pgEventStore struct{}

func (pgEventStore) Create(id types.PrefixUUID, deviceID types.PrefixUUID, organizationID string, branchID string, eventType string, data json.RawMessage, occurredAt time.Time) (*models.RawDeviceEvent, error) {
	return raw_events.Create(id, deviceID, organizationID, branchID, eventType, data, occurredAt)
}
