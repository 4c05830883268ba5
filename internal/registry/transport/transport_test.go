package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testBaseURL = "http://registry.test"

func newMockedTransport(t *testing.T) (*HTTP, *httpmock.MockTransport) {
	t.Helper()
	mock := httpmock.NewMockTransport()
	tr, err := New(Config{BaseURL: testBaseURL + "/"}, WithHTTPClient(&http.Client{Transport: mock}))
	require.NoError(t, err)
	return tr, mock
}

func TestNew(t *testing.T) {
	t.Run("base URL is required", func(t *testing.T) {
		_, err := New(Config{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "base URL is required")
	})

	t.Run("defaults timeout and trims trailing slash", func(t *testing.T) {
		tr, err := New(Config{BaseURL: "http://localhost:4000/"})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:4000", tr.BaseURL())
		assert.Equal(t, DefaultTimeout, tr.client.Timeout)
	})
}

func TestSend(t *testing.T) {
	ctx := context.Background()

	t.Run("encodes body and sends fixed headers", func(t *testing.T) {
		tr, mock := newMockedTransport(t)
		mock.RegisterResponder(http.MethodPost, testBaseURL+"/submissions",
			func(req *http.Request) (*http.Response, error) {
				assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
				assert.Equal(t, DefaultUserAgent, req.Header.Get("User-Agent"))
				raw, err := io.ReadAll(req.Body)
				require.NoError(t, err)
				var body map[string]string
				require.NoError(t, json.Unmarshal(raw, &body))
				assert.Equal(t, "value", body["field"])
				return httpmock.NewStringResponse(http.StatusCreated, `{"trackingId":"t-1"}`), nil
			})

		resp, err := tr.Send(ctx, http.MethodPost, "/submissions", map[string]string{"field": "value"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusCreated, resp.StatusCode)
		assert.JSONEq(t, `{"trackingId":"t-1"}`, string(resp.Body))
	})

	t.Run("5xx is a transient http error", func(t *testing.T) {
		tr, mock := newMockedTransport(t)
		mock.RegisterResponder(http.MethodGet, testBaseURL+"/submissions/abc",
			httpmock.NewStringResponder(http.StatusServiceUnavailable, `{"status":"error"}`))

		_, err := tr.Send(ctx, http.MethodGet, "/submissions/abc", nil)
		te, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindHTTP, te.Kind)
		assert.Equal(t, http.StatusServiceUnavailable, te.StatusCode)
		assert.True(t, te.IsServerError())
		assert.False(t, te.IsClientError())
		assert.True(t, te.Transient())
	})

	t.Run("4xx is a non-transient client error with body", func(t *testing.T) {
		tr, mock := newMockedTransport(t)
		mock.RegisterResponder(http.MethodPost, testBaseURL+"/submissions",
			httpmock.NewStringResponder(http.StatusBadRequest, `{"errors":["pemohonNIK must be 16 digits"]}`))

		_, err := tr.Send(ctx, http.MethodPost, "/submissions", map[string]string{})
		te, ok := AsError(err)
		require.True(t, ok)
		assert.True(t, te.IsClientError())
		assert.False(t, te.Transient())
		assert.Contains(t, string(te.Body), "pemohonNIK")
	})

	t.Run("connection failure is a network error", func(t *testing.T) {
		tr, mock := newMockedTransport(t)
		mock.RegisterResponder(http.MethodGet, testBaseURL+"/health",
			httpmock.NewErrorResponder(errors.New("connection refused")))

		_, err := tr.Send(ctx, http.MethodGet, "/health", nil)
		te, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindNetwork, te.Kind)
		assert.True(t, te.Transient())
	})

	t.Run("slow registry is a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(500 * time.Millisecond):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		tr, err := New(Config{BaseURL: srv.URL, Timeout: 20 * time.Millisecond})
		require.NoError(t, err)

		_, err = tr.Send(ctx, http.MethodGet, "/health", nil)
		te, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindTimeout, te.Kind)
	})

	t.Run("caller deadline is a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			<-r.Context().Done()
		}))
		defer srv.Close()

		tr, err := New(Config{BaseURL: srv.URL})
		require.NoError(t, err)

		deadlineCtx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		defer cancel()

		_, err = tr.Send(deadlineCtx, http.MethodGet, "/health", nil)
		te, ok := AsError(err)
		require.True(t, ok)
		assert.Equal(t, KindTimeout, te.Kind)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})

	t.Run("unencodable body fails before any request", func(t *testing.T) {
		tr, mock := newMockedTransport(t)

		_, err := tr.Send(ctx, http.MethodPost, "/submissions", map[string]any{"bad": make(chan int)})
		require.Error(t, err)
		_, isTransport := AsError(err)
		assert.False(t, isTransport)
		assert.ErrorIs(t, err, ErrEncodeBody)
		assert.Zero(t, mock.GetTotalCallCount())
	})
}
