// Package events publishes submission lifecycle changes. Publication is best
// effort: a failed publish is logged by the caller and never fails the
// operation that produced it.
package events

import (
	"context"
	"log/slog"
	"time"

	"ossgateway/internal/submission/models"
)

// Event describes one persisted state change.
type Event struct {
	Type        string       `json:"type"`
	SourceID    string       `json:"sourceId"`
	TrackingID  string       `json:"trackingId,omitempty"`
	RegistryID  string       `json:"registryId,omitempty"`
	State       models.State `json:"state"`
	Previous    models.State `json:"previousState,omitempty"`
	RetryCount  int          `json:"retryCount"`
	ErrorDetail string       `json:"errorDetail,omitempty"`
	OccurredAt  time.Time    `json:"occurredAt"`
}

// Event types.
const (
	TypeClaimed    = "submission.claimed"
	TypeSubmitted  = "submission.submitted"
	TypeFailed     = "submission.failed"
	TypeReconciled = "submission.reconciled"
)

// FromRecord builds an event for r after a change from previous.
func FromRecord(eventType string, r *models.Record, previous models.State) Event {
	return Event{
		Type:        eventType,
		SourceID:    r.SourceID,
		TrackingID:  r.TrackingID,
		RegistryID:  r.RegistryID,
		State:       r.State,
		Previous:    previous,
		RetryCount:  r.RetryCount,
		ErrorDetail: r.ErrorDetail,
		OccurredAt:  r.UpdatedAt,
	}
}

// LogPublisher writes events to the structured log.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(ctx context.Context, e Event) error {
	p.logger.InfoContext(ctx, "submission lifecycle event",
		"event_type", e.Type,
		"source_id", e.SourceID,
		"tracking_id", e.TrackingID,
		"state", string(e.State),
		"previous_state", string(e.Previous),
		"retry_count", e.RetryCount,
	)
	return nil
}

func (p *LogPublisher) Close() error { return nil }
