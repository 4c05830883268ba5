package service

import (
	"context"
	"log/slog"
	"time"

	"ossgateway/internal/submission/models"
)

// Poller refreshes live submissions on an interval so that registry-side
// progress reaches the local store without anyone asking for it.
type Poller struct {
	tracker   *Tracker
	interval  time.Duration
	batchSize int
	logger    *slog.Logger
}

// NewPoller returns a poller. A non-positive batch size falls back to the
// default page limit.
func NewPoller(tracker *Tracker, interval time.Duration, batchSize int, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	if batchSize <= 0 {
		batchSize = models.DefaultPageLimit
	}
	return &Poller{tracker: tracker, interval: interval, batchSize: batchSize, logger: logger}
}

// Run polls until ctx is done. A zero interval disables polling and Run
// returns immediately.
func (p *Poller) Run(ctx context.Context) error {
	if p.interval <= 0 {
		p.logger.InfoContext(ctx, "status poller disabled")
		return nil
	}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.PollOnce(ctx); err != nil && ctx.Err() == nil {
				p.logger.ErrorContext(ctx, "status poll failed", "error", err)
			}
		}
	}
}

// PollStats summarizes one poll round.
type PollStats struct {
	Checked int
	Changed int
	Stale   int
	Skipped bool
}

// PollOnce refreshes every ACCEPTED and PROCESSING record. The round is
// skipped while the breaker is open.
func (p *Poller) PollOnce(ctx context.Context) (PollStats, error) {
	var stats PollStats
	if p.tracker.HealthStatus().BreakerOpen {
		stats.Skipped = true
		return stats, nil
	}

	trackingIDs, err := p.liveTrackingIDs(ctx)
	if err != nil {
		return stats, err
	}
	for _, id := range trackingIDs {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		res, err := p.tracker.Refresh(ctx, id)
		if err != nil {
			p.logger.WarnContext(ctx, "poll refresh failed", "tracking_id", id, "error", err)
			continue
		}
		stats.Checked++
		if res.Changed {
			stats.Changed++
		}
		if res.Stale {
			stats.Stale++
		}
	}
	if stats.Checked > 0 {
		p.logger.InfoContext(ctx, "status poll complete",
			"checked", stats.Checked,
			"changed", stats.Changed,
			"stale", stats.Stale,
		)
	}
	return stats, nil
}

// liveTrackingIDs collects the IDs up front; refreshing while paging would
// shift records between pages.
func (p *Poller) liveTrackingIDs(ctx context.Context) ([]string, error) {
	var ids []string
	for _, state := range []models.State{models.StateAccepted, models.StateProcessing} {
		for page := 1; ; page++ {
			result, err := p.tracker.List(ctx, models.ListFilter{State: state, Page: page, Limit: p.batchSize})
			if err != nil {
				return nil, err
			}
			for _, r := range result.Records {
				if r.TrackingID != "" {
					ids = append(ids, r.TrackingID)
				}
			}
			if page >= result.Pages() {
				break
			}
		}
	}
	return ids, nil
}
