package service

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"ossgateway/internal/registry"
	"ossgateway/internal/submission/models"
	"ossgateway/internal/submission/service/mocks"
	"ossgateway/internal/submission/store"
	"ossgateway/pkg/platform/circuit"
)

// seed stores a record for each state, tracked as trk-<state>.
func seed(t *testing.T, st *store.InMemory, states ...models.State) {
	t.Helper()
	ctx := context.Background()
	for i, state := range states {
		r, err := st.Claim(ctx, models.NewPending(fmt.Sprintf("app-%d", i), registry.Payload{}, t0.Add(time.Duration(i)*time.Second)))
		require.NoError(t, err)
		r.TrackingID = "trk-" + string(state)
		r.State = state
		require.NoError(t, st.Save(ctx, r))
	}
}

func newPollerFixture(t *testing.T) (*Poller, *mocks.MockRegistryClient, *store.InMemory) {
	t.Helper()
	ctrl := gomock.NewController(t)
	client := mocks.NewMockRegistryClient(ctrl)
	st := store.NewInMemory()
	tracker, err := New(st, client, WithLogger(quietLogger()), WithClock(func() time.Time { return t0 }))
	require.NoError(t, err)
	return NewPoller(tracker, time.Minute, 1, quietLogger()), client, st
}

func TestPollOnce(t *testing.T) {
	ctx := context.Background()

	t.Run("refreshes only live records", func(t *testing.T) {
		poller, client, st := newPollerFixture(t)
		seed(t, st, models.StateAccepted, models.StateProcessing, models.StateCompleted, models.StateRejected, models.StateError)

		client.EXPECT().BreakerSnapshot().Return(circuit.Snapshot{State: circuit.StateClosed})
		client.EXPECT().CheckStatus(gomock.Any(), "trk-ACCEPTED").
			Return(&registry.Status{Decision: registry.DecisionProcessing}, nil)
		client.EXPECT().CheckStatus(gomock.Any(), "trk-PROCESSING").
			Return(nil, registry.NewRegistryError(registry.ErrorTimeout, "check_status", "timeout", nil))

		stats, err := poller.PollOnce(ctx)
		require.NoError(t, err)
		assert.Equal(t, PollStats{Checked: 2, Changed: 1, Stale: 1}, stats)

		r, err := st.FindByTrackingID(ctx, "trk-ACCEPTED")
		require.NoError(t, err)
		assert.Equal(t, models.StateProcessing, r.State)
	})

	t.Run("skips the round while the breaker is open", func(t *testing.T) {
		poller, client, st := newPollerFixture(t)
		seed(t, st, models.StateAccepted)
		client.EXPECT().BreakerSnapshot().Return(circuit.Snapshot{State: circuit.StateOpen})

		stats, err := poller.PollOnce(ctx)
		require.NoError(t, err)
		assert.True(t, stats.Skipped)
	})
}

func TestPollerRun(t *testing.T) {
	t.Run("zero interval disables polling", func(t *testing.T) {
		tracker, err := New(store.NewInMemory(), mocks.NewMockRegistryClient(gomock.NewController(t)))
		require.NoError(t, err)
		assert.NoError(t, NewPoller(tracker, 0, 10, quietLogger()).Run(context.Background()))
	})

	t.Run("stops with the context", func(t *testing.T) {
		ctrl := gomock.NewController(t)
		client := mocks.NewMockRegistryClient(ctrl)
		client.EXPECT().BreakerSnapshot().Return(circuit.Snapshot{}).AnyTimes()
		tracker, err := New(store.NewInMemory(), client, WithLogger(quietLogger()))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		assert.NoError(t, NewPoller(tracker, 5*time.Millisecond, 10, quietLogger()).Run(ctx))
	})
}
