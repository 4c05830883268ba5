package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jarcoal/httpmock"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"ossgateway/internal/registry/metrics"
	"ossgateway/internal/registry/retry"
	"ossgateway/internal/registry/transport"
	"ossgateway/pkg/platform/circuit"
)

const baseURL = "http://registry.test"

const acceptedBody = `{
	"status": "success",
	"message": "Pengajuan berhasil diterima",
	"data": {
		"trackingId": "trk-1",
		"nib": "1234567890123456",
		"statusPengajuan": "DITERIMA",
		"alasanPenolakan": null,
		"tanggalPengajuan": "2025-06-01T09:00:00Z"
	}
}`

// instantTimer fires immediately and records requested delays.
type instantTimer struct {
	delays []time.Duration
	ch     chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.ch <- time.Now()
}
func (t *instantTimer) Stop()               {}
func (t *instantTimer) C() <-chan time.Time { return t.ch }

// stalledTimer never fires.
type stalledTimer struct{ ch chan time.Time }

func (t *stalledTimer) Start(time.Duration) {}
func (t *stalledTimer) Stop()               {}
func (t *stalledTimer) C() <-chan time.Time { return t.ch }

type ClientSuite struct {
	suite.Suite
	mock    *httpmock.MockTransport
	breaker *circuit.Breaker
	timer   *instantTimer
	metrics *metrics.Metrics
	client  *Client
}

func TestClientSuite(t *testing.T) {
	suite.Run(t, new(ClientSuite))
}

func (s *ClientSuite) SetupTest() {
	s.mock = httpmock.NewMockTransport()
	tr, err := transport.New(transport.Config{BaseURL: baseURL}, transport.WithHTTPClient(&http.Client{Transport: s.mock}))
	s.Require().NoError(err)

	s.breaker = circuit.New("registry")
	s.timer = &instantTimer{ch: make(chan time.Time, 1)}
	policy := retry.New(3, time.Second, retry.WithTimerFactory(func() backoff.Timer { return s.timer }))
	s.metrics = metrics.New(prometheus.NewRegistry())

	s.client, err = New(tr, s.breaker, policy, WithMetrics(s.metrics), WithLookupCache(time.Minute))
	s.Require().NoError(err)
}

func (s *ClientSuite) validPayload() Payload {
	return Payload{
		ApplicantName:   "Siti Aminah",
		ApplicantNIK:    "3174012345678901",
		BusinessName:    "Toko Makmur",
		BusinessAddress: "Jl. Sudirman 1",
		KBLICode:        "47911",
		PermitType:      "Izin Usaha",
	}
}

// =============================================================================
// Submit
// =============================================================================

func (s *ClientSuite) TestSubmit() {
	ctx := context.Background()

	s.Run("decodes the registry envelope and native vocabulary", func() {
		s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
			httpmock.NewStringResponder(http.StatusCreated, acceptedBody))

		ack, err := s.client.Submit(ctx, s.validPayload())
		s.Require().NoError(err)
		s.Equal("trk-1", ack.TrackingID)
		s.Equal("1234567890123456", ack.RegistryID)
		s.Equal(DecisionAccepted, ack.Decision)
		s.Equal(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC), ack.Timestamp)
		s.JSONEq(acceptedBody, string(ack.Raw))
		s.Equal(1, s.mock.GetTotalCallCount())
		s.Empty(s.timer.delays)
	})
}

func (s *ClientSuite) TestSubmit_ServerErrorsExhaustRetries() {
	s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"error"}`))

	ack, err := s.client.Submit(context.Background(), s.validPayload())
	s.Nil(ack)

	var exhausted *ExhaustedError
	s.Require().ErrorAs(err, &exhausted)
	s.Equal(3, exhausted.Attempts)
	s.Equal(ErrorExhausted, GetCategory(err))
	s.Equal(3, s.mock.GetTotalCallCount())
	s.Equal([]time.Duration{time.Second, 2 * time.Second}, s.timer.delays)
	s.Equal(1, s.breaker.Snapshot().ConsecutiveFailures, "one failure per exhausted submit, not per attempt")
	s.Equal(2.0, promtestutil.ToFloat64(s.metrics.Retries.WithLabelValues(opSubmit)))
}

func (s *ClientSuite) TestSubmit_RecoversAfterTransientFailure() {
	calls := 0
	s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		func(*http.Request) (*http.Response, error) {
			calls++
			if calls == 1 {
				return nil, errors.New("connection reset by peer")
			}
			return httpmock.NewStringResponse(http.StatusCreated, acceptedBody), nil
		})

	s.breaker.RecordFailure()
	ack, err := s.client.Submit(context.Background(), s.validPayload())
	s.Require().NoError(err)
	s.Equal("trk-1", ack.TrackingID)
	s.Equal(2, calls)
	s.Zero(s.breaker.Snapshot().ConsecutiveFailures)
}

func (s *ClientSuite) TestSubmit_ValidationIsNotRetried() {
	s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		httpmock.NewStringResponder(http.StatusBadRequest,
			`{"status":"error","message":"Validation failed","errors":["pemohonNIK must be 16 digits"]}`))

	_, err := s.client.Submit(context.Background(), s.validPayload())

	var ve *ValidationError
	s.Require().ErrorAs(err, &ve)
	s.Equal(http.StatusBadRequest, ve.StatusCode)
	s.Equal("Validation failed", ve.Message)
	s.Equal([]string{"pemohonNIK must be 16 digits"}, ve.Errors)
	s.Equal(1, s.mock.GetTotalCallCount())
	s.Empty(s.timer.delays)
	s.Equal(1, s.breaker.Snapshot().ConsecutiveFailures)
}

func (s *ClientSuite) TestSubmit_OpenCircuitSkipsTransport() {
	for i := 0; i < circuit.DefaultFailureThreshold; i++ {
		s.breaker.RecordFailure()
	}

	_, err := s.client.Submit(context.Background(), s.validPayload())
	s.ErrorIs(err, ErrCircuitOpen)
	s.Equal(ErrorCircuitOpen, GetCategory(err))
	s.Zero(s.mock.GetTotalCallCount())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.CircuitRejected.WithLabelValues(opSubmit)))
}

func (s *ClientSuite) TestSubmit_FiveExhaustedSubmitsOpenCircuit() {
	s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		httpmock.NewStringResponder(http.StatusInternalServerError, `{}`))

	for i := 0; i < circuit.DefaultFailureThreshold; i++ {
		s.False(s.breaker.IsOpen(), "open before submit %d", i+1)
		_, err := s.client.Submit(context.Background(), s.validPayload())
		var exhausted *ExhaustedError
		s.Require().ErrorAs(err, &exhausted)
	}
	s.True(s.breaker.IsOpen())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.CircuitOpen))

	callsBefore := s.mock.GetTotalCallCount()
	_, err := s.client.Submit(context.Background(), s.validPayload())
	s.ErrorIs(err, ErrCircuitOpen)
	s.Equal(callsBefore, s.mock.GetTotalCallCount())
}

func (s *ClientSuite) TestSubmit_UndecodableResponse() {
	s.mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		httpmock.NewStringResponder(http.StatusCreated, `{"status":"success","data":{"statusPengajuan":"DITERIMA"}}`))

	_, err := s.client.Submit(context.Background(), s.validPayload())
	s.Equal(ErrorBadData, GetCategory(err))
	s.Equal(1, s.mock.GetTotalCallCount())
}

// stubSender returns a fixed error without touching the network.
type stubSender struct {
	err   error
	calls int
}

func (s *stubSender) Send(context.Context, string, string, any) (*transport.Response, error) {
	s.calls++
	return nil, s.err
}

func TestSubmit_LocalFailuresLeaveBreakerAlone(t *testing.T) {
	t.Run("unencodable payload is a validation failure", func(t *testing.T) {
		sender := &stubSender{err: fmt.Errorf("POST /submissions: %w: %w", transport.ErrEncodeBody, errors.New("unsupported value"))}
		breaker := circuit.New("registry", circuit.WithFailureThreshold(1))
		client, err := New(sender, breaker, retry.New(3, time.Millisecond))
		require.NoError(t, err)

		_, err = client.Submit(context.Background(), Payload{})

		var ve *ValidationError
		require.ErrorAs(t, err, &ve)
		assert.Zero(t, ve.StatusCode)
		assert.Equal(t, 1, sender.calls)
		assert.Zero(t, breaker.Snapshot().ConsecutiveFailures)
		assert.False(t, breaker.IsOpen())
	})

	t.Run("request that could not be built is internal", func(t *testing.T) {
		sender := &stubSender{err: errors.New("build POST /submissions request: bad url")}
		breaker := circuit.New("registry", circuit.WithFailureThreshold(1))
		client, err := New(sender, breaker, retry.New(3, time.Millisecond))
		require.NoError(t, err)

		_, err = client.Submit(context.Background(), Payload{})

		assert.Equal(t, ErrorInternal, GetCategory(err))
		assert.Zero(t, breaker.Snapshot().ConsecutiveFailures)
	})
}

// stepClock is a manually advanced clock.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestCircuitGaugeFollowsHalfOpenClose(t *testing.T) {
	mock := httpmock.NewMockTransport()
	tr, err := transport.New(transport.Config{BaseURL: baseURL}, transport.WithHTTPClient(&http.Client{Transport: mock}))
	require.NoError(t, err)

	clock := &stepClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
	breaker := circuit.New("registry",
		circuit.WithFailureThreshold(2),
		circuit.WithResetTimeout(time.Second),
		circuit.WithClock(clock.Now),
	)
	m := metrics.New(prometheus.NewRegistry())
	client, err := New(tr, breaker, nil, WithMetrics(m))
	require.NoError(t, err)
	assert.Zero(t, promtestutil.ToFloat64(m.CircuitOpen))

	mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/trk-1",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{}`))
	for i := 0; i < 2; i++ {
		_, err := client.CheckStatus(context.Background(), "trk-1")
		require.Error(t, err)
	}
	require.True(t, breaker.IsOpen())
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.CircuitOpen))

	clock.Advance(2 * time.Second)
	mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/trk-1",
		httpmock.NewStringResponder(http.StatusOK, `{"trackingId":"trk-1","decision":"ACCEPTED"}`))

	_, err = client.CheckStatus(context.Background(), "trk-1")
	require.NoError(t, err)
	assert.False(t, breaker.IsOpen())
	assert.Zero(t, promtestutil.ToFloat64(m.CircuitOpen))
}

func TestNew_GaugeStartsFromBreakerState(t *testing.T) {
	breaker := circuit.New("registry", circuit.WithFailureThreshold(1))
	breaker.RecordFailure()
	m := metrics.New(prometheus.NewRegistry())

	_, err := New(&stubSender{}, breaker, nil, WithMetrics(m))
	require.NoError(t, err)
	assert.Equal(t, 1.0, promtestutil.ToFloat64(m.CircuitOpen))
}

func TestSubmit_DeadlineDuringBackoff(t *testing.T) {
	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodPost, baseURL+"/submissions",
		httpmock.NewStringResponder(http.StatusBadGateway, `{}`))
	tr, err := transport.New(transport.Config{BaseURL: baseURL}, transport.WithHTTPClient(&http.Client{Transport: mock}))
	require.NoError(t, err)

	breaker := circuit.New("registry")
	policy := retry.New(3, time.Hour, retry.WithTimerFactory(func() backoff.Timer {
		return &stalledTimer{ch: make(chan time.Time)}
	}))
	client, err := New(tr, breaker, policy)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err = client.Submit(ctx, Payload{ApplicantNIK: "3174012345678901"})
	assert.Less(t, time.Since(start), 5*time.Second)

	var exhausted *ExhaustedError
	require.ErrorAs(t, err, &exhausted)
	assert.Equal(t, 1, exhausted.Attempts)
	assert.Equal(t, 1, mock.GetTotalCallCount())
	assert.Equal(t, 1, breaker.Snapshot().ConsecutiveFailures)
}

// =============================================================================
// CheckStatus / LookupByRegistryID
// =============================================================================

func (s *ClientSuite) TestCheckStatus() {
	ctx := context.Background()

	s.Run("decodes a flat body with history", func() {
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/trk-1",
			httpmock.NewStringResponder(http.StatusOK, `{
				"trackingId": "trk-1",
				"registryId": "1234567890123456",
				"decision": "COMPLETED",
				"history": [
					{"decision": "ACCEPTED", "timestamp": "2025-06-01T09:00:00Z"},
					{"decision": "COMPLETED", "timestamp": "2025-06-01T09:01:00Z", "note": "done"}
				]
			}`))

		status, err := s.client.CheckStatus(ctx, "trk-1")
		s.Require().NoError(err)
		s.Equal(DecisionCompleted, status.Decision)
		s.Equal("1234567890123456", status.RegistryID)
		s.Require().Len(status.History, 2)
		s.Equal(DecisionAccepted, status.History[0].Decision)
		s.Equal("done", status.History[1].Note)
	})

	s.Run("not found leaves breaker counters alone", func() {
		s.breaker.Reset()
		s.breaker.RecordFailure()
		s.breaker.RecordFailure()
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/missing",
			httpmock.NewStringResponder(http.StatusNotFound, `{"status":"error","message":"Tracking ID tidak ditemukan"}`))

		for i := 0; i < 10; i++ {
			_, err := s.client.CheckStatus(ctx, "missing")
			s.ErrorIs(err, ErrNotFound)
		}
		s.Equal(2, s.breaker.Snapshot().ConsecutiveFailures)
		s.False(s.breaker.IsOpen())
	})

	s.Run("server error counts once and is not retried", func() {
		s.breaker.Reset()
		s.mock.Reset()
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/trk-2",
			httpmock.NewStringResponder(http.StatusInternalServerError, `{}`))

		_, err := s.client.CheckStatus(ctx, "trk-2")
		var re *RegistryError
		s.Require().ErrorAs(err, &re)
		s.Equal(ErrorRegistryOutage, re.Category)
		s.Equal(http.StatusInternalServerError, re.StatusCode)
		s.True(IsRetryable(err))
		s.Equal(1, s.mock.GetTotalCallCount())
		s.Equal(1, s.breaker.Snapshot().ConsecutiveFailures)
	})

	s.Run("open circuit", func() {
		s.mock.Reset()
		for i := 0; i < circuit.DefaultFailureThreshold; i++ {
			s.breaker.RecordFailure()
		}
		_, err := s.client.CheckStatus(ctx, "trk-1")
		s.ErrorIs(err, ErrCircuitOpen)
		s.Zero(s.mock.GetTotalCallCount())
	})
}

func (s *ClientSuite) TestLookupByRegistryID() {
	s.mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/by-registry-id/1234567890123456",
		httpmock.NewStringResponder(http.StatusOK, `{"status":"success","data":{"trackingId":"trk-1","nib":"1234567890123456","statusPengajuan":"SELESAI"}}`))

	first, err := s.client.LookupByRegistryID(context.Background(), "1234567890123456")
	s.Require().NoError(err)
	second, err := s.client.LookupByRegistryID(context.Background(), "1234567890123456")
	s.Require().NoError(err)

	s.Equal(DecisionCompleted, first.Decision)
	s.Equal(first, second)
	s.NotSame(first, second)
	s.Equal(1, s.mock.GetTotalCallCount())
	s.Equal(1.0, promtestutil.ToFloat64(s.metrics.CacheHits))

	s.Run("callers cannot change the cached entry", func() {
		first.Decision = DecisionRejected
		first.History = append(first.History, HistoryEntry{Decision: DecisionRejected})
		second.Raw[0] = 'x'

		third, err := s.client.LookupByRegistryID(context.Background(), "1234567890123456")
		s.Require().NoError(err)
		s.Equal(DecisionCompleted, third.Decision)
		s.Empty(third.History)
		s.Equal(byte('{'), third.Raw[0])
		s.Equal(1, s.mock.GetTotalCallCount())
	})

	s.Run("not found is not cached", func() {
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/by-registry-id/0000000000000000",
			httpmock.NewStringResponder(http.StatusNotFound, `{}`))
		_, err := s.client.LookupByRegistryID(context.Background(), "0000000000000000")
		s.ErrorIs(err, ErrNotFound)
		_, err = s.client.LookupByRegistryID(context.Background(), "0000000000000000")
		s.ErrorIs(err, ErrNotFound)
		s.Equal(3, s.mock.GetTotalCallCount())
	})
}

// =============================================================================
// Health
// =============================================================================

func (s *ClientSuite) TestHealth() {
	s.Run("healthy probe closes an open circuit", func() {
		for i := 0; i < circuit.DefaultFailureThreshold; i++ {
			s.breaker.RecordFailure()
		}
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/health",
			httpmock.NewStringResponder(http.StatusOK, `{"status":"OK"}`))

		report := s.client.Health(context.Background())
		s.True(report.Reachable)
		s.Empty(report.Error)
		s.False(report.Breaker.IsOpen())
	})

	s.Run("failed probe counts as a failure", func() {
		s.breaker.Reset()
		s.mock.RegisterResponder(http.MethodGet, baseURL+"/health",
			httpmock.NewErrorResponder(errors.New("connection refused")))

		report := s.client.Health(context.Background())
		s.False(report.Reachable)
		s.NotEmpty(report.Error)
		s.Equal(1, report.Breaker.ConsecutiveFailures)
	})
}

// =============================================================================
// Tracing
// =============================================================================

func TestClient_RecordsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	mock := httpmock.NewMockTransport()
	mock.RegisterResponder(http.MethodGet, baseURL+"/submissions/trk-9",
		httpmock.NewStringResponder(http.StatusServiceUnavailable, `{}`))
	tr, err := transport.New(transport.Config{BaseURL: baseURL}, transport.WithHTTPClient(&http.Client{Transport: mock}))
	require.NoError(t, err)

	client, err := New(tr, circuit.New("registry"), nil, WithTracer(provider.Tracer("test")))
	require.NoError(t, err)

	_, err = client.CheckStatus(context.Background(), "trk-9")
	require.Error(t, err)

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "registry.check_status", spans[0].Name)
	assert.Equal(t, codes.Error, spans[0].Status.Code)
}

func TestNew_RequiresDependencies(t *testing.T) {
	_, err := New(nil, circuit.New("registry"), nil)
	assert.Error(t, err)

	tr, err := transport.New(transport.Config{BaseURL: baseURL})
	require.NoError(t, err)
	_, err = New(tr, nil, nil)
	assert.Error(t, err)
}
