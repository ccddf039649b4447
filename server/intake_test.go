package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	types "github.com/Shyp/go-types"
	uuid "github.com/kevinburke/go.uuid"
	"github.com/tallyhq/turnstile/deviceauth"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/queues"
	"github.com/tallyhq/turnstile/services"
	"github.com/tallyhq/turnstile/test"
)

const deviceSecret = "test-device-secret"

type staticDeviceSource struct {
	device *models.Device
}

func (s *staticDeviceSource) Get(id types.PrefixUUID) (*models.Device, error) {
	if s.device == nil || s.device.ID.String() != id.String() {
		return nil, fmt.Errorf("device not found")
	}
	return s.device, nil
}

type memKeyStore struct {
	values map[string]string
}

func (m *memKeyStore) Get(key string) (string, bool, error) {
	value, found := m.values[key]
	return value, found, nil
}

func (m *memKeyStore) Set(key string, value string, ttl time.Duration) error {
	m.values[key] = value
	return nil
}

func (m *memKeyStore) SetIfAbsent(key string, value string, ttl time.Duration) (bool, error) {
	if _, found := m.values[key]; found {
		return false, nil
	}
	m.values[key] = value
	return true, nil
}

func (m *memKeyStore) Delete(key string) error {
	delete(m.values, key)
	return nil
}

type nopRegistry struct{}

func (nopRegistry) UpdateLastSeen(id types.PrefixUUID, seenAt time.Time) error { return nil }

type memEventStore struct {
	created int
}

func (m *memEventStore) Create(id types.PrefixUUID, deviceID types.PrefixUUID, organizationID string, branchID string, eventType string, data json.RawMessage, occurredAt time.Time) (*models.RawDeviceEvent, error) {
	m.created++
	return &models.RawDeviceEvent{
		ID:             id,
		DeviceID:       deviceID,
		OrganizationID: organizationID,
		BranchID:       branchID,
		EventType:      eventType,
		Data:           data,
		OccurredAt:     occurredAt,
	}, nil
}

type intakeServer struct {
	handler http.Handler
	device  *models.Device
}

func newIntakeServer(t *testing.T, status models.DeviceStatus) *intakeServer {
	t.Helper()
	id := uuid.NewV4()
	device := &models.Device{
		ID:             types.PrefixUUID{UUID: id, Prefix: "dev_"},
		OrganizationID: "org_test",
		BranchID:       "branch_test",
		Secret:         deviceSecret,
		Status:         status,
	}
	intake := &services.EventIntake{
		Keys:    &memKeyStore{values: make(map[string]string)},
		Devices: nopRegistry{},
		Events:  new(memEventStore),
		Enqueue: func(queueName string, jobName string, payload interface{}, opts queues.Options) (*models.QueuedJob, error) {
			return &models.QueuedJob{}, nil
		},
	}
	handler := Get(Config{
		Auth:       DefaultAuthorizer,
		DeviceAuth: deviceauth.NewAuthenticator(&staticDeviceSource{device}),
		Intake:     intake,
	})
	return &intakeServer{handler: handler, device: device}
}

const intakeBody = `{"event_type": "badge_scan", "timestamp": "2025-06-02T09:30:00Z", "card_id": "0042"}`

// signedIntakeRequest builds a POST /v1/events/raw with a valid device
// signature over the body.
func (s *intakeServer) signedIntakeRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req, err := http.NewRequest("POST", "/v1/events/raw", bytes.NewBufferString(body))
	test.AssertNotError(t, err, "building request")
	ts := fmt.Sprintf("%d", time.Now().Unix())
	req.Header.Set("X-Device-Id", s.device.ID.String())
	req.Header.Set("X-Device-Timestamp", ts)
	req.Header.Set("X-Device-Signature", deviceauth.SignHex(s.device.Secret, ts, []byte(body)))
	return req
}

func (s *intakeServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

type errorID struct {
	ID string `json:"id"`
}

func decodeErrorID(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var e errorID
	err := json.Unmarshal(w.Body.Bytes(), &e)
	test.AssertNotError(t, err, "decoding error response")
	return e.ID
}

func TestAcceptEventMissingDeviceId(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req, err := http.NewRequest("POST", "/v1/events/raw", bytes.NewBufferString(intakeBody))
	test.AssertNotError(t, err, "building request")
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	test.AssertEquals(t, decodeErrorID(t, w), "missing_device_id")
}

func TestAcceptEventBadDeviceIdPrefix(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	req.Header.Set("X-Device-Id", "usr_6740b44e-13b9-475d-af06-979627e0e0d6")
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
}

func TestAcceptEventMissingSignature(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	req.Header.Del("X-Device-Signature")
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, decodeErrorID(t, w), "missing_signature")
}

func TestAcceptEventBadSignature(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	ts := req.Header.Get("X-Device-Timestamp")
	req.Header.Set("X-Device-Signature", deviceauth.SignHex("some-other-secret", ts, []byte(intakeBody)))
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, decodeErrorID(t, w), "invalid_signature")
}

func TestAcceptEventUnknownDeviceLooksLikeBadSignature(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	otherId := uuid.NewV4()
	other := types.PrefixUUID{UUID: otherId, Prefix: "dev_"}
	req.Header.Set("X-Device-Id", other.String())
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, decodeErrorID(t, w), "invalid_signature")
}

func TestAcceptEventStaleTimestamp(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	ts := fmt.Sprintf("%d", time.Now().Add(-time.Hour).Unix())
	req.Header.Set("X-Device-Timestamp", ts)
	req.Header.Set("X-Device-Signature", deviceauth.SignHex(deviceSecret, ts, []byte(intakeBody)))
	w := s.do(req)
	test.AssertEquals(t, w.Code, http.StatusUnauthorized)
	test.AssertEquals(t, decodeErrorID(t, w), "invalid_timestamp")
}

func TestAcceptEventSuccess(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	w := s.do(s.signedIntakeRequest(t, intakeBody))
	test.AssertEquals(t, w.Code, http.StatusAccepted)
	var resp EventResponse
	err := json.Unmarshal(w.Body.Bytes(), &resp)
	test.AssertNotError(t, err, "decoding response")
	test.AssertEquals(t, resp.Status, "accepted")
	test.AssertContains(t, resp.EventID, "evt_")
}

func TestAcceptEventDuplicate(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	req := s.signedIntakeRequest(t, intakeBody)
	req.Header.Set("X-Idempotency-Key", "delivery-1")
	first := s.do(req)
	test.AssertEquals(t, first.Code, http.StatusAccepted)
	var firstResp EventResponse
	err := json.Unmarshal(first.Body.Bytes(), &firstResp)
	test.AssertNotError(t, err, "decoding response")

	retry := s.signedIntakeRequest(t, intakeBody)
	retry.Header.Set("X-Idempotency-Key", "delivery-1")
	second := s.do(retry)
	test.AssertEquals(t, second.Code, http.StatusAccepted)
	var secondResp EventResponse
	err = json.Unmarshal(second.Body.Bytes(), &secondResp)
	test.AssertNotError(t, err, "decoding response")
	test.AssertEquals(t, secondResp.Status, "duplicate")
	test.AssertEquals(t, secondResp.EventID, firstResp.EventID)
}

func TestAcceptEventOfflineDevice(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOffline)
	w := s.do(s.signedIntakeRequest(t, intakeBody))
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	test.AssertEquals(t, decodeErrorID(t, w), "device_unavailable")
}

func TestAcceptEventInvalidBody(t *testing.T) {
	t.Parallel()
	s := newIntakeServer(t, models.DeviceOnline)
	w := s.do(s.signedIntakeRequest(t, `{"event_type": "badge_scan"}`))
	test.AssertEquals(t, w.Code, http.StatusBadRequest)
	test.AssertEquals(t, decodeErrorID(t, w), "invalid_event")
}
