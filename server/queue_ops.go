package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/Shyp/rest"
	"github.com/tallyhq/turnstile/services"
)

// A CleanQueueRequest is sent in the body of a request to POST
// /v1/queues/:name/clean.
type CleanQueueRequest struct {
	// Succeeded jobs archived more than this many seconds ago are removed.
	// Zero means the server default.
	GraceSeconds int64 `json:"grace_seconds"`
}

// A QueueOpResponse reports how many jobs a queue operation touched.
type QueueOpResponse struct {
	Queue string `json:"queue"`
	Count int64  `json:"count"`
}

// GET /v1/queues
//
// Census of every queue.
func listQueues() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stats, err := services.GetAllQueueStats()
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(stats)
	})
}

// GET /v1/queues/:name
func getQueue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := getQueueRoute.FindStringSubmatch(r.URL.Path)[1]
		stats, err := services.GetQueueStats(name)
		if err == services.ErrUnknownQueue {
			notFound(w, queue404(r, name))
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(stats)
	})
}

// POST /v1/queues/:name/clean
//
// Remove old succeeded jobs from the queue's archive.
func cleanQueue() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := cleanQueueRoute.FindStringSubmatch(r.URL.Path)[1]
		var req CleanQueueRequest
		if r.Body != nil {
			defer r.Body.Close()
			// An empty body means the default grace period.
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
				badRequest(w, r, &rest.Error{
					ID:       "invalid_request",
					Title:    "Invalid request: bad JSON. Double check the types of the fields you sent",
					Instance: r.URL.Path,
				})
				return
			}
		}
		if req.GraceSeconds < 0 {
			badRequest(w, r, createPositiveIntErr("grace_seconds", r.URL.Path))
			return
		}
		count, err := services.CleanQueue(name, time.Duration(req.GraceSeconds)*time.Second)
		if err == services.ErrUnknownQueue {
			notFound(w, queue404(r, name))
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(QueueOpResponse{Queue: name, Count: count})
		go metrics.Increment(fmt.Sprintf("queue.%s.clean.success", name))
	})
}

// POST /v1/queues/:name/retry-failed
//
// Re-enqueue every failed job in the queue's archive.
func retryFailed() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name := retryFailedRoute.FindStringSubmatch(r.URL.Path)[1]
		count, err := services.RetryFailed(name)
		if err == services.ErrUnknownQueue {
			notFound(w, queue404(r, name))
			return
		}
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(QueueOpResponse{Queue: name, Count: count})
		go metrics.Increment(fmt.Sprintf("queue.%s.retry_failed.success", name))
	})
}

// GET /v1/health
//
// Reports 200 while the backlog is under the health thresholds, 503 once
// it isn't. Load balancers poll this route.
func getHealth() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health, err := services.CheckHealth()
		if err != nil {
			writeServerError(w, r, err)
			return
		}
		if health.Healthy {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(health)
	})
}

func queue404(r *http.Request, name string) *rest.Error {
	return &rest.Error{
		Title:      fmt.Sprintf("Queue %s not found", name),
		ID:         "queue_not_found",
		Instance:   r.URL.Path,
		Status:     404,
	}
}
