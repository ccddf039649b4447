// Package server provides the HTTP interface for event intake and queue
// administration.
package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/http/httputil"
	"net/http/pprof"
	"os"
	"regexp"
	"strings"

	metrics "github.com/Shyp/go-simple-metrics"
	types "github.com/Shyp/go-types"
	"github.com/tallyhq/turnstile/config"
	"github.com/tallyhq/turnstile/deviceauth"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/models/archived_jobs"
	"github.com/tallyhq/turnstile/models/devices"
	"github.com/tallyhq/turnstile/models/queued_jobs"
	"github.com/tallyhq/turnstile/models/raw_events"
	"github.com/tallyhq/turnstile/services"
)

// The maximum data size that can be sent in the body of a HTTP request.
const MAX_EVENT_DATA_SIZE = 100 * 1024

var disallowUnencryptedRequests = true

// DefaultServer serves every route using the DefaultAuthorizer for admin
// authentication and the database-backed device registry and intake.
var DefaultServer http.Handler

// POST /v1/events/raw
var rawEventsRoute = regexp.MustCompile(`^/v1/events/raw$`)

// GET /v1/events/evt_123
var getEventRoute = regexp.MustCompile(`^/v1/events/(?P<id>evt_[^\s\/]+)$`)

// GET /v1/jobs/job_123
var getJobRoute = regexp.MustCompile(`^/v1/jobs/(?P<id>job_[^\s\/]+)$`)

// GET /v1/queues
var queuesRoute = regexp.MustCompile(`^/v1/queues$`)

// GET /v1/queues/:name
//
// Must go after the more specific queue routes.
var getQueueRoute = regexp.MustCompile(`^/v1/queues/(?P<Name>[^\s\/]+)$`)

// POST /v1/queues/:name/clean
var cleanQueueRoute = regexp.MustCompile(`^/v1/queues/(?P<Name>[^\s\/]+)/clean$`)

// POST /v1/queues/:name/retry-failed
var retryFailedRoute = regexp.MustCompile(`^/v1/queues/(?P<Name>[^\s\/]+)/retry-failed$`)

// GET /v1/health
var healthRoute = regexp.MustCompile(`^/v1/health$`)

// Config collects every dependency the HTTP surface needs. All fields are
// explicit; tests construct a Config with fakes.
type Config struct {
	// Auth guards the admin routes.
	Auth Authorizer

	// DeviceAuth verifies device signatures on the intake route.
	DeviceAuth *deviceauth.Authenticator

	// Intake accepts authenticated deliveries.
	Intake *services.EventIntake
}

// Get returns a http.Handler with all routes initialized using the given
// Config.
func Get(c Config) http.Handler {
	h := new(RegexpHandler)

	h.Handler(rawEventsRoute, []string{"POST"}, acceptEvent(c.DeviceAuth, c.Intake))
	h.Handler(getEventRoute, []string{"GET"}, authHandler(getEvent(), c.Auth))
	h.Handler(getJobRoute, []string{"GET"}, authHandler(getJob(), c.Auth))

	h.Handler(queuesRoute, []string{"GET"}, authHandler(listQueues(), c.Auth))
	h.Handler(cleanQueueRoute, []string{"POST"}, authHandler(cleanQueue(), c.Auth))
	h.Handler(retryFailedRoute, []string{"POST"}, authHandler(retryFailed(), c.Auth))
	h.Handler(getQueueRoute, []string{"GET"}, authHandler(getQueue(), c.Auth))

	h.Handler(healthRoute, []string{"GET"}, authHandler(getHealth(), c.Auth))

	h.Handler(regexp.MustCompile("^/debug/pprof$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Index), c.Auth))
	h.Handler(regexp.MustCompile("^/debug/pprof/cmdline$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Cmdline), c.Auth))
	h.Handler(regexp.MustCompile("^/debug/pprof/profile$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Profile), c.Auth))
	h.Handler(regexp.MustCompile("^/debug/pprof/symbol$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Symbol), c.Auth))
	h.Handler(regexp.MustCompile("^/debug/pprof/trace$"), []string{"GET"}, authHandler(http.HandlerFunc(pprof.Trace), c.Auth))

	h.Handler(regexp.MustCompile("^/$"), []string{"GET"}, authHandler(http.HandlerFunc(renderHomepage), c.Auth))

	return debugRequestBodyHandler(
		serverHeaderHandler(
			forbidNonTLSTrafficHandler(h),
		),
	)
}

// pgDeviceSource backs the device authenticator with the devices table.
type pgDeviceSource struct{}

func (pgDeviceSource) Get(id types.PrefixUUID) (*models.Device, error) {
	return devices.Get(id)
}

func init() {
	DefaultServer = Get(Config{
		Auth:       DefaultAuthorizer,
		DeviceAuth: deviceauth.NewAuthenticator(pgDeviceSource{}),
		Intake:     services.NewEventIntake(),
	})
	disallowUnencryptedRequests = os.Getenv("ALLOW_UNENCRYPTED_PROXY_TRAFFIC") != "true"
}

func serverHeaderHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// hack, figure out how to put middleware on a subset of responses
		if strings.Contains(r.URL.Path, "/debug/pprof") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		} else if r.URL.Path == "/" {
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
		} else {
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		}
		w.Header().Set("Server", fmt.Sprintf("turnstile/%s", config.Version))
		h.ServeHTTP(w, r)
	})
}

// forbidNonTLSTrafficHandler returns a 403 to traffic that is sent via a proxy
func forbidNonTLSTrafficHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if disallowUnencryptedRequests == true {
			if r.Header.Get("X-Forwarded-Proto") == "http" {
				// It should always be set, but if it's not, let the request
				// through.
				forbidden(w, insecure403(r))
				return
			}
		}
		// This header doesn't mean anything when served over HTTP, but
		// detecting HTTPS is a general way is hard, so let's just send it
		// every time.
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		h.ServeHTTP(w, r)
	})
}

func authHandler(h http.Handler, a Authorizer) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userId, token, ok := r.BasicAuth()
		if !ok {
			authenticate(w, new401(r))
			return
		}
		err := a.Authorize(userId, token)
		if err != nil {
			metrics.Increment("auth.error")
			handleAuthorizeError(w, r, err)
			return
		}
		metrics.Increment("auth.success")
		h.ServeHTTP(w, r)
	})
}

// debugRequestBodyHandler prints all incoming and outgoing HTTP traffic if the
// DEBUG_HTTP_TRAFFIC environment variable is set to true. Note that the output
// will be jumbled if the server is handling multiple requests at the same
// time.
func debugRequestBodyHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if os.Getenv("DEBUG_HTTP_TRAFFIC") == "true" {
			// You need to write the entire thing in one Write, otherwise the
			// output will be jumbled with other requests.
			b := new(bytes.Buffer)
			bits, err := httputil.DumpRequest(r, true)
			if err != nil {
				_, _ = b.WriteString(err.Error())
			} else {
				_, _ = b.Write(bits)
			}
			res := httptest.NewRecorder()
			h.ServeHTTP(res, r)

			_, _ = b.WriteString(fmt.Sprintf("HTTP/1.1 %d\r\n", res.Code))
			_ = res.HeaderMap.Write(b)
			for k, v := range res.HeaderMap {
				w.Header()[k] = v
			}
			w.WriteHeader(res.Code)
			_, _ = b.WriteString("\r\n")
			writer := io.MultiWriter(w, b)
			_, _ = res.Body.WriteTo(writer)
			_, _ = b.WriteTo(os.Stderr)
		} else {
			h.ServeHTTP(w, r)
		}
	})
}

// GET /v1/events/:id
//
// Fetch a stored raw event by id.
func getEvent() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getEventRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr, raw_events.Prefix)
		if wroteResponse == true {
			return
		}
		evt, err := raw_events.GetRetry(id, 3)
		if err == raw_events.ErrNotFound {
			notFound(w, new404(r))
			go metrics.Increment("event.get.not_found")
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(evt)
		go metrics.Increment("event.get.success")
	})
}

// GET /v1/jobs/:id
//
// Try to find the given job in the queued_jobs table, then in the
// archived_jobs table. Returns the job, or a 404 Not Found error.
func getJob() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		idStr := getJobRoute.FindStringSubmatch(r.URL.Path)[1]
		id, wroteResponse := getId(w, r, idStr, queued_jobs.Prefix)
		if wroteResponse == true {
			return
		}
		qj, err := queued_jobs.GetRetry(id, 3)
		if err == nil {
			w.WriteHeader(http.StatusOK)
			json.NewEncoder(w).Encode(qj)
			go metrics.Increment("job.get.queued.success")
			return
		}
		if err != queued_jobs.ErrNotFound {
			writeServerError(w, r, err)
			go metrics.Increment("job.get.queued.error")
			return
		}

		aj, err := archived_jobs.GetRetry(id, 3)
		if err == archived_jobs.ErrNotFound {
			notFound(w, new404(r))
			go metrics.Increment("job.get.not_found")
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(aj)
		go metrics.Increment("job.get.archived.success")
	})
}
