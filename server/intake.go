package server

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"github.com/tallyhq/turnstile/deviceauth"
	"github.com/tallyhq/turnstile/models/devices"
	"github.com/tallyhq/turnstile/services"
)

// Headers the intake route reads. Devices identify themselves with an id
// and sign "<timestamp>.<body>" with their shared secret.
const (
	deviceIdHeader        = "X-Device-Id"
	deviceSignatureHeader = "X-Device-Signature"
	deviceTimestampHeader = "X-Device-Timestamp"
	idempotencyKeyHeader  = "X-Idempotency-Key"
)

// An EventResponse acknowledges an intake delivery. Status is "accepted"
// for a new event and "duplicate" when the delivery was seen before.
type EventResponse struct {
	EventID string `json:"event_id,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// POST /v1/events/raw
//
// Accept a signed device delivery: verify the signature, deduplicate,
// persist the raw event, and queue its resolution job. Replies 202 for
// accepted and duplicate deliveries alike; devices resend until they see a
// 2xx, so a duplicate is a success from their point of view.
func acceptEvent(auth *deviceauth.Authenticator, intake *services.EventIntake) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		deviceIdStr := r.Header.Get(deviceIdHeader)
		if deviceIdStr == "" {
			badRequest(w, r, &rest.Error{
				ID:       "missing_device_id",
				Title:    fmt.Sprintf("Missing required header: %s", deviceIdHeader),
				Instance: r.URL.Path,
			})
			return
		}
		deviceId, wroteResponse := getId(w, r, deviceIdStr, devices.Prefix)
		if wroteResponse == true {
			return
		}
		if r.Body == nil {
			badRequest(w, r, createEmptyErr("event_type", r.URL.Path))
			return
		}
		defer r.Body.Close()
		body, err := ioutil.ReadAll(http.MaxBytesReader(w, r.Body, MAX_EVENT_DATA_SIZE))
		if err != nil {
			entityTooLarge(w, r)
			return
		}

		timestamp := r.Header.Get(deviceTimestampHeader)
		signature := r.Header.Get(deviceSignatureHeader)
		device, err := auth.Authenticate(deviceId, timestamp, signature, body)
		if err != nil {
			go metrics.Increment("intake.auth.error")
			handleDeviceAuthError(w, r, err)
			return
		}
		go metrics.Increment("intake.auth.success")

		result, err := intake.Accept(device, body, r.Header.Get(idempotencyKeyHeader))
		if err != nil {
			switch terr := err.(type) {
			case *services.DuplicateEventError:
				w.WriteHeader(http.StatusAccepted)
				json.NewEncoder(w).Encode(EventResponse{
					EventID: terr.EventID,
					Status:  "duplicate",
					Message: "Event already received",
				})
				return
			case *services.ValidationError:
				badRequest(w, r, &rest.Error{
					ID:       "invalid_event",
					Title:    terr.Error(),
					Instance: r.URL.Path,
				})
				return
			case *services.DeviceUnavailableError:
				badRequest(w, r, &rest.Error{
					ID:       "device_unavailable",
					Title:    terr.Error(),
					Instance: r.URL.Path,
				})
				return
			default:
				writeServerError(w, r, err)
				return
			}
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(EventResponse{
			EventID: result.EventID,
			Status:  "accepted",
			Message: "Event queued for processing",
		})
	})
}

// handleDeviceAuthError maps a deviceauth sentinel onto an HTTP response.
// Unknown devices get the same 401 as bad signatures, so probing for valid
// device ids learns nothing.
func handleDeviceAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch err {
	case deviceauth.ErrMissingSignature:
		unauthorized(w, &rest.Error{
			ID:         "missing_signature",
			Title:      fmt.Sprintf("Missing required header: %s", deviceSignatureHeader),
			Instance:   r.URL.Path,
			Status:     401,
		})
	case deviceauth.ErrInvalidTimestamp, deviceauth.ErrTimestampOutsideWindow:
		unauthorized(w, &rest.Error{
			ID:         "invalid_timestamp",
			Title:      "Delivery timestamp is missing, malformed, or too far from server time",
			Instance:   r.URL.Path,
			Status:     401,
		})
	case deviceauth.ErrInvalidSignature, deviceauth.ErrUnknownDevice:
		unauthorized(w, &rest.Error{
			ID:         "invalid_signature",
			Title:      "Device signature could not be verified",
			Instance:   r.URL.Path,
			Status:     401,
		})
	default:
		writeServerError(w, r, err)
	}
}
