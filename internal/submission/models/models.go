// Package models holds the locally tracked view of a registry submission.
package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ossgateway/internal/registry"
	"ossgateway/pkg/platform/sentinel"
)

// State is a record's position in the submission lifecycle.
type State string

const (
	StatePending    State = "PENDING"
	StateSubmitted  State = "SUBMITTED"
	StateAccepted   State = "ACCEPTED"
	StateProcessing State = "PROCESSING"
	StateCompleted  State = "COMPLETED"
	StateRejected   State = "REJECTED"
	StateError      State = "ERROR"
)

// AllStates lists every lifecycle state in forward order.
var AllStates = []State{
	StatePending, StateSubmitted, StateAccepted, StateProcessing,
	StateCompleted, StateRejected, StateError,
}

// ParseState validates a state name.
func ParseState(s string) (State, error) {
	for _, st := range AllStates {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown submission state %q", s)
}

// IsTerminal reports whether the background poller leaves the record alone.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateRejected || s == StateError
}

// IsLive reports whether the registry may still move the record forward.
func (s State) IsLive() bool {
	return s == StateAccepted || s == StateProcessing
}

// rank orders the forward path; REJECTED and COMPLETED share the final rank.
func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateSubmitted:
		return 1
	case StateAccepted:
		return 2
	case StateProcessing:
		return 3
	case StateCompleted, StateRejected:
		return 4
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is legal. ERROR is
// reachable from any non-terminal state and only leaves back to PENDING.
func (s State) CanTransitionTo(next State) bool {
	switch {
	case s == StateError:
		return next == StatePending
	case next == StateError:
		return !s.IsTerminal()
	case s == StateCompleted || s == StateRejected:
		return false
	case next == StateRejected:
		return s == StateSubmitted || s == StateAccepted || s == StateProcessing
	}
	return next.rank() > s.rank()
}

// StateFromDecision maps a registry decision onto the local lifecycle.
func StateFromDecision(d registry.Decision) (State, bool) {
	switch d {
	case registry.DecisionAccepted:
		return StateAccepted, true
	case registry.DecisionProcessing:
		return StateProcessing, true
	case registry.DecisionCompleted:
		return StateCompleted, true
	case registry.DecisionRejected:
		return StateRejected, true
	}
	return "", false
}

var (
	// ErrNotTracked is returned when no local record matches the lookup key.
	ErrNotTracked = fmt.Errorf("submission not tracked: %w", sentinel.ErrNotFound)

	// ErrIllegalTransition is returned when a change would move state backwards.
	ErrIllegalTransition = fmt.Errorf("illegal lifecycle transition: %w", sentinel.ErrInvalidState)
)

// DuplicateError reports a submit against a source that already has a live
// record. It is a normal outcome, not a failure of the gateway.
type DuplicateError struct {
	Existing *Record
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("source %s already submitted (state %s)", e.Existing.SourceID, e.Existing.State)
}

func (e *DuplicateError) Unwrap() error {
	return sentinel.ErrConflict
}

// AsDuplicate extracts a DuplicateError from err.
func AsDuplicate(err error) (*DuplicateError, bool) {
	var de *DuplicateError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Record is the local copy of one submission.
type Record struct {
	ID             uuid.UUID       `json:"id"`
	SourceID       string          `json:"sourceId"`
	TrackingID     string          `json:"trackingId,omitempty"`
	RegistryID     string          `json:"registryId,omitempty"`
	State          State           `json:"lifecycleState"`
	CachedResponse json.RawMessage `json:"cachedResponse,omitempty"`
	ErrorDetail    string          `json:"errorDetail,omitempty"`
	RetryCount     int             `json:"retryCount"`
	ApplicantName  string          `json:"applicantName,omitempty"`
	ApplicantNIK   string          `json:"applicantNik,omitempty"`
	BusinessName   string          `json:"businessName,omitempty"`
	SubmittedAt    *time.Time      `json:"submittedAt,omitempty"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// NewPending starts a fresh record for sourceID with the applicant summary
// taken from payload.
func NewPending(sourceID string, payload registry.Payload, now time.Time) *Record {
	return &Record{
		ID:            uuid.New(),
		SourceID:      sourceID,
		State:         StatePending,
		ApplicantName: payload.ApplicantName,
		ApplicantNIK:  payload.ApplicantNIK,
		BusinessName:  payload.BusinessName,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Resubmit resets an ERROR record to PENDING for another attempt.
func (r *Record) Resubmit(candidate *Record, now time.Time) error {
	if !r.State.CanTransitionTo(StatePending) {
		return fmt.Errorf("resubmit from %s: %w", r.State, ErrIllegalTransition)
	}
	r.State = StatePending
	r.ErrorDetail = ""
	r.RetryCount++
	r.ApplicantName = candidate.ApplicantName
	r.ApplicantNIK = candidate.ApplicantNIK
	r.BusinessName = candidate.BusinessName
	r.UpdatedAt = now
	return nil
}

// MarkSubmitted applies the registry's acknowledgement. The record passes
// through SUBMITTED and lands on the acknowledged decision.
func (r *Record) MarkSubmitted(ack *registry.Ack, now time.Time) error {
	if r.TrackingID != "" && r.TrackingID != ack.TrackingID {
		return fmt.Errorf("tracking id already assigned: %w", ErrIllegalTransition)
	}
	if !r.State.CanTransitionTo(StateSubmitted) {
		return fmt.Errorf("submit from %s: %w", r.State, ErrIllegalTransition)
	}
	r.State = StateSubmitted
	r.TrackingID = ack.TrackingID
	if ack.RegistryID != "" {
		r.RegistryID = ack.RegistryID
	}
	r.CachedResponse = ack.Raw
	submitted := now
	r.SubmittedAt = &submitted
	r.UpdatedAt = now

	next, ok := StateFromDecision(ack.Decision)
	if !ok || !r.State.CanTransitionTo(next) {
		return nil
	}
	r.State = next
	if next == StateCompleted {
		r.CompletedAt = &submitted
	}
	return nil
}

// MarkFailed moves the record to ERROR with detail.
func (r *Record) MarkFailed(detail string, now time.Time) {
	r.State = StateError
	r.ErrorDetail = detail
	r.UpdatedAt = now
}

// Reconcile folds a registry status into the record. It reports whether
// anything changed. A status that would move the record backwards, or any
// status for a terminal record, leaves state untouched.
func (r *Record) Reconcile(status *registry.Status, now time.Time) bool {
	next, ok := StateFromDecision(status.Decision)
	if !ok || next == r.State || !r.State.CanTransitionTo(next) {
		return false
	}
	r.State = next
	if r.RegistryID == "" && status.RegistryID != "" {
		r.RegistryID = status.RegistryID
	}
	if len(status.Raw) > 0 {
		r.CachedResponse = status.Raw
	}
	r.UpdatedAt = now
	if next == StateCompleted {
		completed := now
		r.CompletedAt = &completed
	}
	return true
}

// Clone returns a deep copy so stores never share memory with callers.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.CachedResponse != nil {
		c.CachedResponse = append(json.RawMessage(nil), r.CachedResponse...)
	}
	if r.SubmittedAt != nil {
		t := *r.SubmittedAt
		c.SubmittedAt = &t
	}
	if r.CompletedAt != nil {
		t := *r.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

const (
	DefaultPageLimit = 20
	MaxPageLimit     = 100
)

// ListFilter narrows and pages a record listing. Page is 1-based.
type ListFilter struct {
	State State
	Page  int
	Limit int
}

// Normalize fills in defaults and clamps the limit.
func (f ListFilter) Normalize() ListFilter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 {
		f.Limit = DefaultPageLimit
	}
	if f.Limit > MaxPageLimit {
		f.Limit = MaxPageLimit
	}
	return f
}

// Offset is the number of records skipped before this page.
func (f ListFilter) Offset() int {
	return (f.Page - 1) * f.Limit
}

// ListResult is one page of records plus the total matching count.
type ListResult struct {
	Records []*Record
	Total   int
	Page    int
	Limit   int
}

// Pages is the number of pages the total spans.
func (r ListResult) Pages() int {
	if r.Limit == 0 {
		return 0
	}
	return (r.Total + r.Limit - 1) / r.Limit
}
