package notifications

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/replenisher/internal/env"
	"github.com/thatsimonsguy/replenisher/internal/model"
)

// baseURL is swapped in tests.
var baseURL = "https://ntfy.sh"

var client *http.Client
var topic string
var initialized bool

// Init initializes the notification client
func Init() {
	if env.Cfg.NtfyTopic == "" {
		log.Warn().Msg("Ntfy topic not configured - notifications disabled")
		return
	}

	client = &http.Client{
		Timeout: 10 * time.Second,
	}
	topic = env.Cfg.NtfyTopic
	initialized = true

	log.Info().
		Str("topic", topic).
		Msg("Ntfy notifications initialized")
}

// Send sends a notification to ntfy.sh
func Send(title, message string, priority int) error {
	if !initialized {
		return fmt.Errorf("notifications not initialized")
	}

	payload := map[string]any{
		"topic":    topic,
		"title":    title,
		"message":  message,
		"priority": priority,
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL, bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned non-success status: %d", resp.StatusCode)
	}

	log.Debug().
		Str("title", title).
		Int("status", resp.StatusCode).
		Msg("Notification sent successfully")

	return nil
}

// ntfy priorities
const (
	PriorityDefault = 3
	PriorityHigh    = 4
	PriorityUrgent  = 5
)

// Reporter alerts on faults a person has to walk over to the rig for: a syringe that
// will not fill, a dead link, and the end of the experiment. Device faults that the
// next tick retries are left to the log.
type Reporter struct{}

func (Reporter) CycleCompleted(model.Snapshot) {}

func (Reporter) Status([]model.Snapshot) {}

func (Reporter) CycleFailed(fault model.Fault) {
	var title string
	priority := PriorityHigh
	switch fault.Kind {
	case model.FaultInsufficientFill:
		title = fmt.Sprintf("Channel %s: syringe did not fill", fault.Channel)
	case model.FaultTransport:
		title = "Pump link lost"
		priority = PriorityUrgent
	default:
		return
	}
	notify(title, fault.Message, priority)
}

func (Reporter) Finished(status model.ExperimentStatus, err error) {
	title := fmt.Sprintf("Experiment %s", status.Outcome)
	message := fmt.Sprintf("Ran %s of %s across %d channels", status.Elapsed.Round(time.Second), status.Duration, status.Channels)
	priority := PriorityDefault
	if err != nil {
		message += ": " + err.Error()
		priority = PriorityUrgent
	}
	notify(title, message, priority)
}

func notify(title, message string, priority int) {
	if !initialized {
		return
	}
	if err := Send(title, message, priority); err != nil {
		log.Warn().Err(err).Str("title", title).Msg("Failed to send notification")
	}
}
