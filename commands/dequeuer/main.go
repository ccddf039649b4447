// Dequeue and process jobs.
package main

import (
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/joho/godotenv"
	"github.com/tallyhq/turnstile/biometric"
	"github.com/tallyhq/turnstile/config"
	"github.com/tallyhq/turnstile/dequeuer"
	"github.com/tallyhq/turnstile/models"
	"github.com/tallyhq/turnstile/queues"
	"github.com/tallyhq/turnstile/services"
	"github.com/tallyhq/turnstile/setup"
)

func checkError(err error) {
	if err != nil {
		log.Fatal(err)
	}
}

// matcher returns the HTTP-backed matcher when BIOMETRIC_MATCHER_URL is
// set, and the simulated one otherwise.
func matcher() biometric.Matcher {
	if os.Getenv("BIOMETRIC_MATCHER_URL") == "" {
		log.Printf("No BIOMETRIC_MATCHER_URL configured, using the simulated matcher")
		return &biometric.SimulatedMatcher{}
	}
	parsedUrl := config.GetURLOrBail("BIOMETRIC_MATCHER_URL")
	password := os.Getenv("BIOMETRIC_MATCHER_AUTH")
	if password == "" {
		log.Printf("No BIOMETRIC_MATCHER_AUTH configured, setting an empty password for auth")
	}
	return biometric.NewClient("matcher", password, parsedUrl.String())
}

func main() {
	godotenv.Load()

	dbConns, err := config.GetInt("PG_WORKER_POOL_SIZE")
	if err != nil {
		log.Printf("Error getting database pool size: %s. Defaulting to 20", err)
		dbConns = 20
	}

	err = setup.DB(setup.DefaultConnection, dbConns)
	checkError(err)

	go setup.MeasureActiveQueries(1 * time.Second)
	go setup.MeasureQueueDepth(5 * time.Second)
	go setup.MeasureInProgressJobs(1 * time.Second)

	// Every minute, check for in-progress jobs that haven't been updated for
	// 7 minutes, and mark them as failed.
	go services.WatchStuckJobs(1*time.Minute, 7*time.Minute)

	// We're going to make a lot of requests to the matching service.
	httpConns, err := config.GetInt("HTTP_MAX_IDLE_CONNS")
	if err == nil {
		config.SetMaxIdleConnsPerHost(httpConns)
	} else {
		config.SetMaxIdleConnsPerHost(100)
	}

	metrics.Namespace = "turnstile.dequeuer"
	metrics.Start("worker")

	resolver := services.NewEventResolver(matcher())
	notifier := services.NewNotifier()

	runner := services.NewJobRunner()
	runner.Register(queues.JobDeviceEvent, resolver.ResolveDeviceEvent)
	runner.Register(queues.JobBiometricMatching, resolver.ResolveBiometricMatch)
	runner.Register(queues.JobAttendanceCalculation, resolver.ResolveAttendanceCalculation)
	runner.Register(queues.JobNotification, notifier.ProcessNotification)
	runner.Register(queues.JobQueueMonitor, services.MonitorQueues)
	runner.Register(queues.JobDatabaseCleanup, services.CleanDatabase)

	// Queue-monitor jobs carry the operations contact to page when the
	// backlog is unhealthy.
	opsContact := os.Getenv("OPS_CONTACT")
	if opsContact == "" {
		log.Printf("No OPS_CONTACT configured, backlog alerts will only be recorded as metrics")
	}

	// Re-arm the scheduled system jobs.
	go queues.RunRepeating(1*time.Minute, queues.SystemHealth, queues.JobQueueMonitor,
		0, models.NotificationPayload{
			BasePayload: models.BasePayload{OrganizationID: "system"},
			Recipient:   opsContact,
		})
	go queues.RunRepeating(1*time.Hour, queues.SystemHealth, queues.JobDatabaseCleanup,
		0, models.BasePayload{OrganizationID: "system"})

	// This creates a pool of dequeuers per queue and starts them.
	pools, err := dequeuer.CreatePools(runner)
	checkError(err)
	log.Printf("started %d dequeuers across %d pools", pools.NumDequeuers(), len(pools))

	sigterm := make(chan os.Signal, 1)
	signal.Notify(sigterm, syscall.SIGTERM)
	sig := <-sigterm
	fmt.Printf("Caught signal %v, shutting down...\n", sig)
	var wg sync.WaitGroup
	for _, p := range pools {
		if p != nil {
			wg.Add(1)
			go func(p *dequeuer.Pool) {
				err = p.Shutdown()
				if err != nil {
					log.Printf("Error shutting down pool: %s\n", err.Error())
				}
				wg.Done()
			}(p)
		}
	}
	wg.Wait()
	fmt.Println("All pools shut down. Quitting.")
}
