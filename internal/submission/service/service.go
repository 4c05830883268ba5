// Package service tracks registry submissions: it owns the local lifecycle
// of each application, drives the registry client, and reconciles cached
// state with the registry on demand.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"ossgateway/internal/registry"
	"ossgateway/internal/submission/events"
	"ossgateway/internal/submission/models"
	"ossgateway/internal/submission/payload"
	"ossgateway/pkg/platform/circuit"
	"ossgateway/pkg/platform/sentinel"
)

// Store persists submission records. Claim must make the duplicate check
// and the create-or-reset one atomic step.
type Store interface {
	Claim(ctx context.Context, candidate *models.Record) (*models.Record, error)
	Save(ctx context.Context, record *models.Record) error
	FindBySourceID(ctx context.Context, sourceID string) (*models.Record, error)
	FindByTrackingID(ctx context.Context, trackingID string) (*models.Record, error)
	List(ctx context.Context, filter models.ListFilter) (models.ListResult, error)
}

// RegistryClient is the part of *registry.Client the tracker drives.
type RegistryClient interface {
	Submit(ctx context.Context, payload registry.Payload) (*registry.Ack, error)
	CheckStatus(ctx context.Context, trackingID string) (*registry.Status, error)
	Health(ctx context.Context) registry.HealthReport
	BreakerSnapshot() circuit.Snapshot
}

// Publisher receives lifecycle events after each persisted change.
type Publisher interface {
	Publish(ctx context.Context, e events.Event) error
}

// Tracker is the submission lifecycle service.
type Tracker struct {
	store     Store
	client    RegistryClient
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
	refreshes singleflight.Group
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithPublisher sets where lifecycle events go. Without one they are dropped.
func WithPublisher(p Publisher) Option {
	return func(t *Tracker) {
		t.publisher = p
	}
}

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

func New(store Store, client RegistryClient, opts ...Option) (*Tracker, error) {
	if store == nil {
		return nil, errors.New("store is required")
	}
	if client == nil {
		return nil, errors.New("registry client is required")
	}
	t := &Tracker{
		store:  store,
		client: client,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Submit transforms and validates raw, claims the source, and sends the
// payload to the registry.
//
// The returned record is non-nil whenever one exists: the existing record for
// a *models.DuplicateError, and the persisted ERROR record for registry
// failures. Pre-flight validation failures create no record.
func (t *Tracker) Submit(ctx context.Context, sourceID string, raw payload.Raw) (*models.Record, error) {
	if sourceID == "" {
		return nil, registry.NewFieldValidationError(map[string]string{"sourceId": "cannot be blank"})
	}
	p := payload.Transform(raw)
	if err := payload.Validate(p); err != nil {
		t.logger.InfoContext(ctx, "submission failed pre-flight validation",
			"source_id", sourceID,
			"error", err,
		)
		return nil, err
	}

	claimed, err := t.store.Claim(ctx, models.NewPending(sourceID, p, t.now()))
	if err != nil {
		if dup, ok := models.AsDuplicate(err); ok {
			t.logger.InfoContext(ctx, "duplicate submission",
				"source_id", sourceID,
				"state", string(dup.Existing.State),
				"tracking_id", dup.Existing.TrackingID,
			)
			return dup.Existing, err
		}
		return nil, fmt.Errorf("claim submission %s: %w", sourceID, err)
	}
	previous := models.StateError
	if claimed.RetryCount == 0 {
		previous = ""
	}
	t.publish(ctx, events.FromRecord(events.TypeClaimed, claimed, previous))

	ack, err := t.client.Submit(ctx, p)
	// The outcome is persisted even if the caller has gone away.
	persistCtx := context.WithoutCancel(ctx)
	if err != nil {
		claimed.MarkFailed(err.Error(), t.now())
		if saveErr := t.store.Save(persistCtx, claimed); saveErr != nil {
			t.logger.ErrorContext(ctx, "failed to persist submission error",
				"source_id", sourceID,
				"error", saveErr,
			)
			return claimed, errors.Join(err, fmt.Errorf("persist error state: %w", saveErr))
		}
		t.logger.WarnContext(ctx, "registry submission failed",
			"source_id", sourceID,
			"category", string(registry.GetCategory(err)),
			"retry_count", claimed.RetryCount,
			"error", err,
		)
		t.publish(ctx, events.FromRecord(events.TypeFailed, claimed, models.StatePending))
		return claimed, err
	}

	if err := claimed.MarkSubmitted(ack, t.now()); err != nil {
		return claimed, fmt.Errorf("apply registry acknowledgement: %w", err)
	}
	if err := t.store.Save(persistCtx, claimed); err != nil {
		// The registry holds the submission but we do not; the PENDING
		// record left behind blocks resubmission until an operator acts.
		t.logger.ErrorContext(ctx, "failed to persist registry acknowledgement",
			"source_id", sourceID,
			"tracking_id", ack.TrackingID,
			"registry_id", ack.RegistryID,
			"error", err,
		)
		return claimed, fmt.Errorf("persist submission %s: %w", sourceID, err)
	}
	t.logger.InfoContext(ctx, "submission sent to registry",
		"source_id", sourceID,
		"tracking_id", claimed.TrackingID,
		"state", string(claimed.State),
	)
	t.publish(ctx, events.FromRecord(events.TypeSubmitted, claimed, models.StatePending))
	return claimed, nil
}

// RefreshResult is the outcome of a refresh. When Stale is set, Record is the
// unmodified local copy and Reason says why the registry could not confirm it.
type RefreshResult struct {
	Record  *models.Record
	Changed bool
	Stale   bool
	Reason  string
	Cause   error
}

// Refresh reconciles the local record with the registry. Concurrent refreshes
// of the same tracking ID share one registry call.
func (t *Tracker) Refresh(ctx context.Context, trackingID string) (*RefreshResult, error) {
	v, err, _ := t.refreshes.Do(trackingID, func() (any, error) {
		return t.refresh(ctx, trackingID)
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*RefreshResult)
	res.Record = res.Record.Clone()
	return &res, nil
}

func (t *Tracker) refresh(ctx context.Context, trackingID string) (*RefreshResult, error) {
	record, err := t.store.FindByTrackingID(ctx, trackingID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, models.ErrNotTracked
		}
		return nil, fmt.Errorf("find submission %s: %w", trackingID, err)
	}

	status, err := t.client.CheckStatus(ctx, trackingID)
	if err != nil {
		reason := staleReason(err)
		t.logger.WarnContext(ctx, "serving cached submission state",
			"tracking_id", trackingID,
			"state", string(record.State),
			"reason", reason,
			"error", err,
		)
		return &RefreshResult{Record: record, Stale: true, Reason: reason, Cause: err}, nil
	}

	previous := record.State
	if !record.Reconcile(status, t.now()) {
		return &RefreshResult{Record: record}, nil
	}
	if err := t.store.Save(context.WithoutCancel(ctx), record); err != nil {
		return nil, fmt.Errorf("persist reconciled submission %s: %w", trackingID, err)
	}
	t.logger.InfoContext(ctx, "submission state reconciled",
		"tracking_id", trackingID,
		"previous_state", string(previous),
		"state", string(record.State),
	)
	t.publish(ctx, events.FromRecord(events.TypeReconciled, record, previous))
	return &RefreshResult{Record: record, Changed: true}, nil
}

func staleReason(err error) string {
	switch {
	case errors.Is(err, registry.ErrCircuitOpen):
		return "registry circuit is open"
	case errors.Is(err, registry.ErrNotFound):
		return "registry has no record of this submission"
	case registry.GetCategory(err) == registry.ErrorTimeout:
		return "registry timed out"
	default:
		return "registry unavailable"
	}
}

// GetBySourceID returns the local record for a back-office application.
func (t *Tracker) GetBySourceID(ctx context.Context, sourceID string) (*models.Record, error) {
	record, err := t.store.FindBySourceID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, models.ErrNotTracked
		}
		return nil, fmt.Errorf("find submission %s: %w", sourceID, err)
	}
	return record, nil
}

// List pages through local records.
func (t *Tracker) List(ctx context.Context, filter models.ListFilter) (models.ListResult, error) {
	result, err := t.store.List(ctx, filter)
	if err != nil {
		return models.ListResult{}, fmt.Errorf("list submissions: %w", err)
	}
	return result, nil
}

// Health is the breaker view exposed to operators.
type Health struct {
	BreakerOpen         bool
	ConsecutiveFailures int
	Threshold           int
	LastFailureAt       time.Time
}

// HealthStatus reads the breaker without touching the network.
func (t *Tracker) HealthStatus() Health {
	snap := t.client.BreakerSnapshot()
	return Health{
		BreakerOpen:         snap.IsOpen(),
		ConsecutiveFailures: snap.ConsecutiveFailures,
		Threshold:           snap.Threshold,
		LastFailureAt:       snap.LastFailureAt,
	}
}

// ProbeRegistry calls the registry's health endpoint.
func (t *Tracker) ProbeRegistry(ctx context.Context) registry.HealthReport {
	return t.client.Health(ctx)
}

func (t *Tracker) publish(ctx context.Context, e events.Event) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, e); err != nil {
		t.logger.WarnContext(ctx, "failed to publish lifecycle event",
			"event_type", e.Type,
			"source_id", e.SourceID,
			"error", err,
		)
	}
}
