// Mediation layer between the HTTP server, the queue, and database queries.
//
// Logic that's not related to validating request input/turning errors into
// HTTP responses should go here.
package services

import (
	"fmt"

	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/queues"
)

// A DuplicateEventError is returned by intake when a delivery with the same
// idempotency key was already accepted. EventID is the stored event id, or
// empty if the first delivery is still in flight.
type DuplicateEventError struct {
	EventID string
}

func (e *DuplicateEventError) Error() string {
	if e.EventID == "" {
		return "A delivery with this idempotency key is already being processed"
	}
	return fmt.Sprintf("Event %s was already accepted for this delivery", e.EventID)
}

// A DeviceUnavailableError is returned by intake when the sending device is
// registered but not in the online state.
type DeviceUnavailableError struct {
	DeviceID string
	Status   models.DeviceStatus
}

func (e *DeviceUnavailableError) Error() string {
	return fmt.Sprintf("Device %s is %s and cannot send events", e.DeviceID, e.Status)
}

// A ValidationError is returned when a request body is well-formed JSON but
// semantically unusable.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// IsRetryable reports whether a handler error is worth another attempt.
// Malformed payloads and validation failures will fail the same way every
// time, so retrying them only delays the archive.
func IsRetryable(err error) bool {
	switch err.(type) {
	case *ValidationError:
		return false
	case *queues.UnknownJobError:
		return false
	case *queues.InvalidPayloadError:
		return false
	}
	return true
}
