// Package deviceauth validates a device's claimed identity and request
// signature. Devices sign "<unix-ts>.<body>" with a per-device shared
// secret; the timestamp must fall inside a clock-skew window, which is what
// bounds replays.
package deviceauth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"time"

	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/models"
)

var ErrMissingSignature = errors.New("deviceauth: missing signature")
var ErrInvalidSignature = errors.New("deviceauth: invalid signature")
var ErrInvalidTimestamp = errors.New("deviceauth: invalid timestamp")
var ErrTimestampOutsideWindow = errors.New("deviceauth: timestamp outside allowed window")
var ErrUnknownDevice = errors.New("deviceauth: unknown device")

// DefaultWindow is the tolerated clock skew between a device and the server.
const DefaultWindow = 5 * time.Minute

// A DeviceSource looks up registered devices. *Authenticator only needs the
// read path, so device provisioning stays out of this package.
type DeviceSource interface {
	Get(id types.PrefixUUID) (*models.Device, error)
}

// An Authenticator checks device signatures against the registry.
type Authenticator struct {
	Devices DeviceSource

	// Window is the tolerated clock skew. Zero means DefaultWindow.
	Window time.Duration
}

func NewAuthenticator(devices DeviceSource) *Authenticator {
	return &Authenticator{
		Devices: devices,
		Window:  DefaultWindow,
	}
}

// Authenticate verifies that signature is a valid hex HMAC-SHA256 over
// "<timestamp>.<body>" with the device's secret, and that timestamp is
// within the skew window. On success the registered device is returned;
// otherwise one of this package's sentinel errors.
func (a *Authenticator) Authenticate(deviceID types.PrefixUUID, timestamp string, signature string, body []byte) (*models.Device, error) {
	if strings.TrimSpace(signature) == "" {
		return nil, ErrMissingSignature
	}
	device, err := a.Devices.Get(deviceID)
	if err != nil {
		return nil, ErrUnknownDevice
	}

	tsHeader := strings.TrimSpace(timestamp)
	tsInt, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return nil, ErrInvalidTimestamp
	}
	ts := time.Unix(tsInt, 0).UTC()

	window := a.Window
	if window == 0 {
		window = DefaultWindow
	}
	now := time.Now().UTC()
	if ts.Before(now.Add(-window)) || ts.After(now.Add(window)) {
		return nil, ErrTimestampOutsideWindow
	}

	provided, err := hex.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return nil, ErrInvalidSignature
	}
	if !hmac.Equal(provided, sign(device.Secret, tsHeader, body)) {
		return nil, ErrInvalidSignature
	}
	return device, nil
}

func sign(secret string, timestamp string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return mac.Sum(nil)
}

// SignHex computes the hex signature for "<timestamp>.<body>". Device
// firmware and tests use this to produce valid deliveries.
func SignHex(secret string, timestamp string, body []byte) string {
	return hex.EncodeToString(sign(secret, timestamp, body))
}
