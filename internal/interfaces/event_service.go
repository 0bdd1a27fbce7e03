package interfaces

import (
	"context"

	"github.com/ternarybob/colligo/internal/models"
)

// EventType represents different event types in the system
type EventType string

const (
	EventCrawlStarted     EventType = "crawl_started"
	EventDownloadStarted  EventType = "download_started"
	EventProgress         EventType = "progress"
	EventLog              EventType = "log"
	EventResultsUpdated   EventType = "results_updated"
	EventCrawlFinished    EventType = "crawl_finished"
	EventDownloadFinished EventType = "download_finished"
	EventError            EventType = "error"
)

// Event represents a system event
type Event struct {
	Type    EventType `json:"type"`
	Payload any       `json:"payload"`
}

// ProgressPayload reports done/total counts; monotonic within a run.
type ProgressPayload struct {
	Done  int `json:"done"`
	Total int `json:"total"`
}

// DownloadFinishedPayload is the terminal event of a download run.
type DownloadFinishedPayload struct {
	Success int `json:"success"`
	Total   int `json:"total"`
}

// ResultsPayload carries a consistent snapshot of the aggregation.
type ResultsPayload struct {
	Data *models.ScrapedData `json:"data"`
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages the pub/sub event bus between the data plane and
// any subscriber (CLI, websocket bridge, test harness).
type EventService interface {
	// Subscribe registers a handler for an event type
	Subscribe(eventType EventType, handler EventHandler) error

	// Publish sends an event to all subscribers asynchronously
	Publish(ctx context.Context, event Event) error

	// PublishSync delivers an event to all subscribers in registration
	// order before returning; used where subscribers must observe events
	// in dispatch order.
	PublishSync(ctx context.Context, event Event) error

	// Close shuts down the event service
	Close() error
}
