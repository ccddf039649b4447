package queues

import (
	"log"
	"time"
)

// RunRepeating re-arms a job on a fixed schedule: every interval it enqueues
// a fresh copy of the job. Enqueue failures are logged and the schedule
// keeps running; the next tick is the retry. Blocks forever, so call it in
// a goroutine.
func RunRepeating(interval time.Duration, queueName string, jobName string, priority int16, payload interface{}) {
	for range time.Tick(interval) {
		_, err := Enqueue(queueName, jobName, payload, Options{Priority: priority})
		if err != nil {
			log.Printf("queues: could not re-arm repeating job %s: %s", jobName, err)
		}
	}
}
