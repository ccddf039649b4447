package services

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	metrics "github.com/Shyp/go-simple-metrics"
	"github.com/tallyhq/turnstile/models"
)

// A DeliverFunc hands a notification to the delivery channel (email
// gateway, SMS provider). It should return an error for transient delivery
// failures so the job gets retried.
type DeliverFunc func(n *models.NotificationPayload) error

// Notifier handles "process-notification" jobs. The default Deliver only
// logs; real channels are plugged in at process startup.
type Notifier struct {
	Deliver DeliverFunc
}

func NewNotifier() *Notifier {
	return &Notifier{Deliver: logDelivery}
}

// ProcessNotification is the handler for "process-notification" jobs.
func (n *Notifier) ProcessNotification(qj *models.QueuedJob) error {
	var payload models.NotificationPayload
	if err := json.Unmarshal(qj.Data, &payload); err != nil {
		return &ValidationError{Message: fmt.Sprintf("Invalid job payload: %s", err)}
	}
	start := time.Now()
	if err := n.Deliver(&payload); err != nil {
		go metrics.Increment("notify.deliver.error")
		return err
	}
	go metrics.Time("notify.deliver.latency", time.Since(start))
	go metrics.Increment(fmt.Sprintf("notify.deliver.%s", priorityOrNormal(payload.Priority)))
	return nil
}

func priorityOrNormal(p models.NotificationPriority) models.NotificationPriority {
	if p == "" {
		return models.NotificationNormal
	}
	return p
}

func logDelivery(n *models.NotificationPayload) error {
	log.Printf("notify: delivering %q to %s (priority %s)",
		n.Subject, n.Recipient, priorityOrNormal(n.Priority))
	return nil
}
