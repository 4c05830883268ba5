package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"ossgateway/internal/submission/models"
	"ossgateway/pkg/platform/sentinel"
)

// InMemory is a mutex-guarded map store used by default and in tests.
type InMemory struct {
	mu         sync.RWMutex
	bySource   map[string]*models.Record
	byTracking map[string]string
}

func NewInMemory() *InMemory {
	return &InMemory{
		bySource:   make(map[string]*models.Record),
		byTracking: make(map[string]string),
	}
}

func (s *InMemory) Claim(_ context.Context, candidate *models.Record) (*models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	claimed, err := resolveClaim(s.bySource[candidate.SourceID], candidate)
	if err != nil {
		return nil, err
	}
	s.put(claimed)
	return claimed.Clone(), nil
}

func (s *InMemory) Save(_ context.Context, record *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.bySource[record.SourceID]
	if !ok || existing.ID != record.ID {
		return fmt.Errorf("save submission %s: %w", record.SourceID, sentinel.ErrNotFound)
	}
	if record.TrackingID != "" {
		if owner, taken := s.byTracking[record.TrackingID]; taken && owner != record.SourceID {
			return fmt.Errorf("tracking id %s: %w", record.TrackingID, sentinel.ErrConflict)
		}
	}
	s.put(record.Clone())
	return nil
}

func (s *InMemory) put(record *models.Record) {
	s.bySource[record.SourceID] = record
	if record.TrackingID != "" {
		s.byTracking[record.TrackingID] = record.SourceID
	}
}

func (s *InMemory) FindBySourceID(_ context.Context, sourceID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.bySource[sourceID]; ok {
		return r.Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

func (s *InMemory) FindByTrackingID(_ context.Context, trackingID string) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if sourceID, ok := s.byTracking[trackingID]; ok {
		return s.bySource[sourceID].Clone(), nil
	}
	return nil, sentinel.ErrNotFound
}

// List returns records newest first.
func (s *InMemory) List(_ context.Context, filter models.ListFilter) (models.ListResult, error) {
	filter = filter.Normalize()

	s.mu.RLock()
	matched := make([]*models.Record, 0, len(s.bySource))
	for _, r := range s.bySource {
		if filter.State == "" || r.State == filter.State {
			matched = append(matched, r)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].SourceID < matched[j].SourceID
	})

	result := models.ListResult{Total: len(matched), Page: filter.Page, Limit: filter.Limit}
	start := min(filter.Offset(), len(matched))
	end := min(start+filter.Limit, len(matched))
	for _, r := range matched[start:end] {
		result.Records = append(result.Records, r.Clone())
	}
	return result, nil
}
