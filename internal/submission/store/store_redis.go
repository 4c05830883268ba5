package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"ossgateway/internal/submission/models"
	"ossgateway/pkg/platform/sentinel"
)

const (
	defaultKeyPrefix = "ossgw:submission"
	maxWatchRetries  = 10
)

// RedisStore keeps each record as JSON under its source ID, with a tracking
// ID pointer and sorted-set indexes by creation time (all records and per
// state). Claim and Save use WATCH on the record key.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces every key the store writes.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedis(client redis.UniversalClient, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, prefix: defaultKeyPrefix}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) sourceKey(sourceID string) string {
	return s.prefix + ":source:" + sourceID
}

func (s *RedisStore) trackingKey(trackingID string) string {
	return s.prefix + ":tracking:" + trackingID
}

func (s *RedisStore) indexKey(state models.State) string {
	if state == "" {
		return s.prefix + ":index"
	}
	return s.prefix + ":state:" + string(state)
}

func (s *RedisStore) Claim(ctx context.Context, candidate *models.Record) (*models.Record, error) {
	var claimed *models.Record
	err := s.watch(ctx, s.sourceKey(candidate.SourceID), func(tx *redis.Tx) error {
		existing, err := s.read(ctx, tx, candidate.SourceID)
		if err != nil && !errors.Is(err, sentinel.ErrNotFound) {
			return err
		}
		next, err := resolveClaim(existing, candidate)
		if err != nil {
			return err
		}
		if err := s.write(ctx, tx, existing, next); err != nil {
			return err
		}
		claimed = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

func (s *RedisStore) Save(ctx context.Context, record *models.Record) error {
	return s.watch(ctx, s.sourceKey(record.SourceID), func(tx *redis.Tx) error {
		existing, err := s.read(ctx, tx, record.SourceID)
		if err != nil {
			return fmt.Errorf("save submission %s: %w", record.SourceID, err)
		}
		if existing.ID != record.ID {
			return fmt.Errorf("save submission %s: %w", record.SourceID, sentinel.ErrNotFound)
		}
		return s.write(ctx, tx, existing, record)
	})
}

func (s *RedisStore) watch(ctx context.Context, key string, fn func(tx *redis.Tx) error) error {
	for range maxWatchRetries {
		err := s.client.Watch(ctx, fn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("watch %s: %w", key, sentinel.ErrConflict)
}

func (s *RedisStore) read(ctx context.Context, c redis.Cmdable, sourceID string) (*models.Record, error) {
	raw, err := c.Get(ctx, s.sourceKey(sourceID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read submission: %w", err)
	}
	var r models.Record
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode submission: %w", err)
	}
	return &r, nil
}

func (s *RedisStore) write(ctx context.Context, tx *redis.Tx, existing, r *models.Record) error {
	body, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode submission: %w", err)
	}
	score := float64(r.CreatedAt.UnixMilli())

	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.sourceKey(r.SourceID), body, 0)
		if r.TrackingID != "" {
			pipe.Set(ctx, s.trackingKey(r.TrackingID), r.SourceID, 0)
		}
		pipe.ZAdd(ctx, s.indexKey(""), redis.Z{Score: score, Member: r.SourceID})
		if existing != nil && existing.State != r.State {
			pipe.ZRem(ctx, s.indexKey(existing.State), r.SourceID)
		}
		pipe.ZAdd(ctx, s.indexKey(r.State), redis.Z{Score: score, Member: r.SourceID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("write submission: %w", err)
	}
	return nil
}

func (s *RedisStore) FindBySourceID(ctx context.Context, sourceID string) (*models.Record, error) {
	return s.read(ctx, s.client, sourceID)
}

func (s *RedisStore) FindByTrackingID(ctx context.Context, trackingID string) (*models.Record, error) {
	sourceID, err := s.client.Get(ctx, s.trackingKey(trackingID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read tracking id: %w", err)
	}
	return s.read(ctx, s.client, sourceID)
}

// List returns records newest first. Ties in creation time are ordered by
// the sorted set, which breaks them by source ID descending.
func (s *RedisStore) List(ctx context.Context, filter models.ListFilter) (models.ListResult, error) {
	filter = filter.Normalize()
	key := s.indexKey(filter.State)
	result := models.ListResult{Page: filter.Page, Limit: filter.Limit}

	total, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return models.ListResult{}, fmt.Errorf("count submissions: %w", err)
	}
	result.Total = int(total)

	start := int64(filter.Offset())
	ids, err := s.client.ZRevRange(ctx, key, start, start+int64(filter.Limit)-1).Result()
	if err != nil {
		return models.ListResult{}, fmt.Errorf("list submissions: %w", err)
	}
	if len(ids) == 0 {
		return result, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.sourceKey(id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return models.ListResult{}, fmt.Errorf("load submissions: %w", err)
	}
	for _, v := range values {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r models.Record
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			return models.ListResult{}, fmt.Errorf("decode submission: %w", err)
		}
		result.Records = append(result.Records, &r)
	}
	return result, nil
}
