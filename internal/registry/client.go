// Package registry is the client for the external registration authority.
//
// Every call goes through one shared circuit breaker. Submissions are retried
// on transient failures; status and lookup calls are not. A 404 on a status or
// lookup call is an answer, not a failure, and leaves the breaker alone.
package registry

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"ossgateway/internal/registry/metrics"
	"ossgateway/internal/registry/retry"
	"ossgateway/internal/registry/transport"
	"ossgateway/pkg/platform/circuit"
)

const (
	DefaultHealthTimeout = 5 * time.Second

	pathSubmissions = "/submissions"
	pathByRegistry  = "/submissions/by-registry-id/"
	pathHealth      = "/health"

	opSubmit      = "submit"
	opCheckStatus = "check_status"
	opLookup      = "lookup_registry_id"
	opHealth      = "health"
)

// Client talks to the registry.
type Client struct {
	sender  transport.Sender
	breaker *circuit.Breaker
	policy  *retry.Policy

	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	lookupCache   *gocache.Cache
	healthTimeout time.Duration
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger used for attempt and breaker events.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithTracer wraps each operation in a span. Without it spans are no-ops.
func WithTracer(tracer trace.Tracer) Option {
	return func(c *Client) {
		if tracer != nil {
			c.tracer = tracer
		}
	}
}

// WithLookupCache keeps successful registry-ID lookups for ttl.
func WithLookupCache(ttl time.Duration) Option {
	return func(c *Client) {
		if ttl > 0 {
			c.lookupCache = gocache.New(ttl, 2*ttl)
		}
	}
}

// WithHealthTimeout bounds the health probe.
func WithHealthTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.healthTimeout = d
		}
	}
}

// New creates a registry client. The breaker is shared with anything else
// that calls the same registry.
func New(sender transport.Sender, breaker *circuit.Breaker, policy *retry.Policy, opts ...Option) (*Client, error) {
	if sender == nil {
		return nil, errors.New("transport is required")
	}
	if breaker == nil {
		return nil, errors.New("circuit breaker is required")
	}
	if policy == nil {
		policy = retry.New(retry.DefaultMaxAttempts, retry.DefaultBaseDelay)
	}
	c := &Client{
		sender:        sender,
		breaker:       breaker,
		policy:        policy,
		logger:        slog.Default(),
		tracer:        noop.NewTracerProvider().Tracer("ossgateway/registry"),
		healthTimeout: DefaultHealthTimeout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.metrics.SetCircuitOpen(breaker.IsOpen())
	breaker.OnStateChange(c.breakerChanged)
	return c, nil
}

// Submit sends a payload. Transient failures are retried per the policy;
// a 4xx is returned as *ValidationError after a single attempt.
func (c *Client) Submit(ctx context.Context, payload Payload) (*Ack, error) {
	ctx, span := c.startSpan(ctx, opSubmit)
	defer span.End()

	if !c.admit(opSubmit) {
		c.endSpan(span, ErrCircuitOpen)
		return nil, ErrCircuitOpen
	}

	var ack *Ack
	attempts, err := c.policy.Do(ctx, func(ctx context.Context, attempt int) error {
		start := time.Now()
		resp, err := c.sender.Send(ctx, http.MethodPost, pathSubmissions, payload)
		c.metrics.ObserveCall(opSubmit, attemptOutcome(err), time.Since(start))
		if err != nil {
			if isTransient(err) {
				c.logger.WarnContext(ctx, "registry submit attempt failed",
					"attempt", attempt,
					"max_attempts", c.policy.MaxAttempts(),
					"error", err,
				)
				if attempt < c.policy.MaxAttempts() {
					c.metrics.IncrementRetry(opSubmit)
				}
			}
			return err
		}
		decoded, err := decodeAck(resp.Body)
		if err != nil {
			return NewRegistryError(ErrorBadData, opSubmit, "undecodable submit response", err)
		}
		ack = decoded
		return nil
	}, isTransient)
	span.SetAttributes(attribute.Int("registry.attempts", attempts))

	if err == nil {
		c.breaker.RecordSuccess()
		c.metrics.IncrementOutcome(opSubmit, "success")
		span.SetAttributes(attribute.String("registry.tracking_id", ack.TrackingID))
		c.endSpan(span, nil)
		return ack, nil
	}

	err = c.submitFailure(ctx, err)
	c.metrics.IncrementOutcome(opSubmit, string(GetCategory(err)))
	c.endSpan(span, err)
	return nil, err
}

func (c *Client) submitFailure(ctx context.Context, err error) error {
	var exhausted *retry.ExhaustedError
	if errors.As(err, &exhausted) {
		// A deadline that ends the loop before any attempt says nothing
		// about the registry.
		if exhausted.Attempts > 0 {
			c.breaker.RecordFailure()
		}
		c.logger.ErrorContext(ctx, "registry submit exhausted",
			"attempts", exhausted.Attempts,
			"error", exhausted.Err,
		)
		return &ExhaustedError{Attempts: exhausted.Attempts, Last: exhausted.Err}
	}

	// Nothing reached the registry; the breaker only hears about calls it
	// answered or failed to answer.
	if errors.Is(err, transport.ErrEncodeBody) {
		c.logger.ErrorContext(ctx, "registry submit payload could not be encoded", "error", err)
		return &ValidationError{
			Message: "payload could not be encoded",
			Errors:  []string{err.Error()},
		}
	}
	te, sent := transport.AsError(err)
	var re *RegistryError
	if !sent && !errors.As(err, &re) {
		return NewRegistryError(ErrorInternal, opSubmit, "submit request could not be sent", err)
	}

	c.breaker.RecordFailure()
	if sent && te.IsClientError() {
		ve := decodeValidation(te.StatusCode, te.Body)
		c.logger.WarnContext(ctx, "registry rejected submission",
			"status", te.StatusCode,
			"errors", ve.Errors,
		)
		return ve
	}
	if re != nil {
		return re
	}
	return NewRegistryError(ErrorInternal, opSubmit, "submit failed", err)
}

// CheckStatus fetches the registry's current view of a submission. It is not
// retried.
func (c *Client) CheckStatus(ctx context.Context, trackingID string) (*Status, error) {
	ctx, span := c.startSpan(ctx, opCheckStatus)
	defer span.End()
	span.SetAttributes(attribute.String("registry.tracking_id", trackingID))

	status, err := c.query(ctx, opCheckStatus, pathSubmissions+"/"+url.PathEscape(trackingID))
	c.endSpan(span, err)
	return status, err
}

// LookupByRegistryID fetches a submission by the identifier the registry
// issued. Successful results are served from the lookup cache when enabled.
func (c *Client) LookupByRegistryID(ctx context.Context, registryID string) (*Status, error) {
	if c.lookupCache != nil {
		if cached, ok := c.lookupCache.Get(registryID); ok {
			c.metrics.IncrementCacheHit()
			return cached.(*Status).Clone(), nil
		}
	}

	ctx, span := c.startSpan(ctx, opLookup)
	defer span.End()
	span.SetAttributes(attribute.String("registry.registry_id", registryID))

	status, err := c.query(ctx, opLookup, pathByRegistry+url.PathEscape(registryID))
	c.endSpan(span, err)
	if err != nil {
		return nil, err
	}
	if c.lookupCache != nil {
		c.lookupCache.SetDefault(registryID, status.Clone())
	}
	return status, nil
}

func (c *Client) query(ctx context.Context, op, path string) (*Status, error) {
	if !c.admit(op) {
		return nil, ErrCircuitOpen
	}

	start := time.Now()
	resp, err := c.sender.Send(ctx, http.MethodGet, path, nil)
	c.metrics.ObserveCall(op, attemptOutcome(err), time.Since(start))
	if err != nil {
		if te, ok := transport.AsError(err); ok && te.StatusCode == http.StatusNotFound {
			c.metrics.IncrementOutcome(op, string(ErrorNotFound))
			return nil, ErrNotFound
		}
		if !callerCanceled(ctx, err) {
			c.breaker.RecordFailure()
		}
		re := classifyTransport(op, err)
		c.metrics.IncrementOutcome(op, string(re.Category))
		c.logger.WarnContext(ctx, "registry query failed", "operation", op, "error", err)
		return nil, re
	}

	status, err := decodeStatus(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		c.metrics.IncrementOutcome(op, string(ErrorBadData))
		return nil, NewRegistryError(ErrorBadData, op, "undecodable status response", err)
	}
	c.breaker.RecordSuccess()
	c.metrics.IncrementOutcome(op, "success")
	return status, nil
}

// HealthReport is the result of a health probe.
type HealthReport struct {
	Reachable bool
	Latency   time.Duration
	Error     string
	Breaker   circuit.Snapshot
}

// Health probes the registry's health endpoint. The probe is not gated by the
// breaker but its outcome is recorded on it, so a healthy probe closes an open
// circuit early.
func (c *Client) Health(ctx context.Context) HealthReport {
	ctx, span := c.startSpan(ctx, opHealth)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, c.healthTimeout)
	defer cancel()

	start := time.Now()
	_, err := c.sender.Send(ctx, http.MethodGet, pathHealth, nil)
	latency := time.Since(start)
	c.metrics.ObserveCall(opHealth, attemptOutcome(err), latency)

	report := HealthReport{Reachable: err == nil, Latency: latency}
	if err != nil {
		c.breaker.RecordFailure()
		report.Error = err.Error()
	} else {
		c.breaker.RecordSuccess()
	}
	report.Breaker = c.breaker.Snapshot()
	c.endSpan(span, err)
	return report
}

// BreakerSnapshot exposes the breaker counters for health reporting.
func (c *Client) BreakerSnapshot() circuit.Snapshot {
	return c.breaker.Snapshot()
}

func (c *Client) admit(op string) bool {
	if c.breaker.Admit() {
		return true
	}
	c.metrics.IncrementCircuitRejected(op)
	c.metrics.IncrementOutcome(op, string(ErrorCircuitOpen))
	c.logger.Warn("registry call refused, circuit open", "operation", op)
	return false
}

// breakerChanged keeps the gauge and logs in step with every transition,
// including the close Admit performs after the reset window.
func (c *Client) breakerChanged(_ string, change circuit.StateChange) {
	switch {
	case change.Opened:
		snap := c.breaker.Snapshot()
		c.logger.Error("registry circuit opened",
			"consecutive_failures", snap.ConsecutiveFailures,
			"reset_timeout", snap.ResetTimeout,
		)
		c.metrics.SetCircuitOpen(true)
	case change.Closed:
		c.logger.Info("registry circuit closed")
		c.metrics.SetCircuitOpen(false)
	}
}

func (c *Client) startSpan(ctx context.Context, op string) (context.Context, trace.Span) {
	return c.tracer.Start(ctx, "registry."+op, trace.WithSpanKind(trace.SpanKindClient))
}

func (c *Client) endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		span.SetAttributes(attribute.String("registry.error_category", string(GetCategory(err))))
		return
	}
	span.SetStatus(codes.Ok, "")
}

func isTransient(err error) bool {
	if te, ok := transport.AsError(err); ok {
		return te.Transient()
	}
	return IsRetryable(err)
}

func classifyTransport(op string, err error) *RegistryError {
	te, ok := transport.AsError(err)
	if !ok {
		return NewRegistryError(ErrorInternal, op, "request failed", err)
	}
	var re *RegistryError
	switch {
	case te.Kind == transport.KindTimeout:
		re = NewRegistryError(ErrorTimeout, op, "registry timed out", err)
	case te.Kind == transport.KindNetwork, te.IsServerError():
		re = NewRegistryError(ErrorRegistryOutage, op, "registry unavailable", err)
	default:
		re = NewRegistryError(ErrorBadRequest, op, "registry refused the request", err)
	}
	re.StatusCode = te.StatusCode
	return re
}

func attemptOutcome(err error) string {
	if err == nil {
		return "success"
	}
	if te, ok := transport.AsError(err); ok {
		return string(te.Kind)
	}
	return "error"
}

func callerCanceled(ctx context.Context, err error) bool {
	return errors.Is(err, context.Canceled) && ctx.Err() != nil
}
