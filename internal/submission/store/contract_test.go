package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ossgateway/internal/registry"
	"ossgateway/internal/submission/models"
	"ossgateway/pkg/platform/sentinel"
)

type recordStore interface {
	Claim(ctx context.Context, candidate *models.Record) (*models.Record, error)
	Save(ctx context.Context, record *models.Record) error
	FindBySourceID(ctx context.Context, sourceID string) (*models.Record, error)
	FindByTrackingID(ctx context.Context, trackingID string) (*models.Record, error)
	List(ctx context.Context, filter models.ListFilter) (models.ListResult, error)
}

var baseTime = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func pending(sourceID string, at time.Time) *models.Record {
	return models.NewPending(sourceID, registry.Payload{
		ApplicantName: "Siti Rahma",
		ApplicantNIK:  "3171234567890123",
		BusinessName:  "Toko Maju",
	}, at)
}

// runStoreContract exercises the behaviour every backend must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) recordStore) {
	ctx := context.Background()

	t.Run("claim creates a pending record", func(t *testing.T) {
		s := newStore(t)
		claimed, err := s.Claim(ctx, pending("app-1", baseTime))
		require.NoError(t, err)
		assert.Equal(t, models.StatePending, claimed.State)

		found, err := s.FindBySourceID(ctx, "app-1")
		require.NoError(t, err)
		assert.Equal(t, claimed.ID, found.ID)
		assert.Equal(t, "Toko Maju", found.BusinessName)
		assert.True(t, baseTime.Equal(found.CreatedAt))
	})

	t.Run("second claim is a duplicate", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Claim(ctx, pending("app-1", baseTime))
		require.NoError(t, err)

		_, err = s.Claim(ctx, pending("app-1", baseTime.Add(time.Minute)))
		dup, ok := models.AsDuplicate(err)
		require.True(t, ok, "expected duplicate, got %v", err)
		assert.Equal(t, first.ID, dup.Existing.ID)
		assert.ErrorIs(t, err, sentinel.ErrConflict)
	})

	t.Run("claim resets an errored record", func(t *testing.T) {
		s := newStore(t)
		first, err := s.Claim(ctx, pending("app-1", baseTime))
		require.NoError(t, err)
		first.MarkFailed("registry unavailable", baseTime)
		require.NoError(t, s.Save(ctx, first))

		again, err := s.Claim(ctx, pending("app-1", baseTime.Add(time.Hour)))
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)
		assert.Equal(t, models.StatePending, again.State)
		assert.Equal(t, 1, again.RetryCount)
		assert.Empty(t, again.ErrorDetail)
	})

	t.Run("save and find by tracking id", func(t *testing.T) {
		s := newStore(t)
		r, err := s.Claim(ctx, pending("app-1", baseTime))
		require.NoError(t, err)
		require.NoError(t, r.MarkSubmitted(&registry.Ack{
			TrackingID: "trk-1",
			RegistryID: "1234567890123456",
			Decision:   registry.DecisionAccepted,
			Raw:        json.RawMessage(`{"trackingId":"trk-1"}`),
		}, baseTime.Add(time.Second)))
		require.NoError(t, s.Save(ctx, r))

		found, err := s.FindByTrackingID(ctx, "trk-1")
		require.NoError(t, err)
		assert.Equal(t, models.StateAccepted, found.State)
		assert.Equal(t, "1234567890123456", found.RegistryID)
		require.NotNil(t, found.SubmittedAt)
		assert.True(t, baseTime.Add(time.Second).Equal(*found.SubmittedAt))
		assert.JSONEq(t, `{"trackingId":"trk-1"}`, string(found.CachedResponse))
	})

	t.Run("missing records", func(t *testing.T) {
		s := newStore(t)
		_, err := s.FindBySourceID(ctx, "nope")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		_, err = s.FindByTrackingID(ctx, "nope")
		assert.ErrorIs(t, err, sentinel.ErrNotFound)
		assert.ErrorIs(t, s.Save(ctx, pending("nope", baseTime)), sentinel.ErrNotFound)
	})

	t.Run("list pages newest first and filters by state", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			r, err := s.Claim(ctx, pending(fmt.Sprintf("app-%d", i), baseTime.Add(time.Duration(i)*time.Minute)))
			require.NoError(t, err)
			if i%2 == 0 {
				r.MarkFailed("boom", r.CreatedAt)
				require.NoError(t, s.Save(ctx, r))
			}
		}

		page, err := s.List(ctx, models.ListFilter{Page: 1, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 5, page.Total)
		require.Len(t, page.Records, 2)
		assert.Equal(t, "app-4", page.Records[0].SourceID)
		assert.Equal(t, "app-3", page.Records[1].SourceID)

		last, err := s.List(ctx, models.ListFilter{Page: 3, Limit: 2})
		require.NoError(t, err)
		require.Len(t, last.Records, 1)
		assert.Equal(t, "app-0", last.Records[0].SourceID)

		errored, err := s.List(ctx, models.ListFilter{State: models.StateError})
		require.NoError(t, err)
		assert.Equal(t, 3, errored.Total)
		for _, r := range errored.Records {
			assert.Equal(t, models.StateError, r.State)
		}

		stillPending, err := s.List(ctx, models.ListFilter{State: models.StatePending})
		require.NoError(t, err)
		assert.Equal(t, 2, stillPending.Total)
	})

	t.Run("racing claims yield one live record", func(t *testing.T) {
		s := newStore(t)
		const racers = 20
		var (
			wg         sync.WaitGroup
			mu         sync.Mutex
			wins, dups int
		)
		for range racers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Claim(ctx, pending("app-race", baseTime))
				mu.Lock()
				defer mu.Unlock()
				if err == nil {
					wins++
				} else if _, ok := models.AsDuplicate(err); ok {
					dups++
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, racers-1, dups)
	})
}
