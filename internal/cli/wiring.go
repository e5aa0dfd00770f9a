package cli

import (
	"context"
	"time"

	"github.com/wafguard/wafguard/internal/model"
	"github.com/wafguard/wafguard/internal/notify"
	"github.com/wafguard/wafguard/internal/store"
)

// detectStore adapts the two stores to detect.Store, which needs a
// WAF-event query and two config-store reads.
type detectStore struct {
	events *store.EventStore
	config *store.ConfigStore
}

func (d detectStore) QueryNew(ctx context.Context, sinceID int64, limit int) ([]model.WAFEvent, error) {
	return d.events.QueryNew(ctx, sinceID, limit)
}

func (d detectStore) DetectionRules(ctx context.Context) ([]model.DetectionRule, error) {
	return d.config.DetectionRules(ctx)
}

func (d detectStore) WhitelistEntries(ctx context.Context) ([]model.WhitelistEntry, error) {
	return d.config.WhitelistEntries(ctx)
}

func (d detectStore) CountBlockedSince(ctx context.Context, since time.Time) (int, error) {
	return d.events.CountSince(ctx, since, nil, true)
}

// reportSource composes the daily notification report from both stores.
type reportSource struct {
	events *store.EventStore
	config *store.ConfigStore
}

func (r reportSource) ComposeDailyReport(ctx context.Context, day time.Time) (notify.ReportSummary, error) {
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, day.Location())
	end := start.Add(24 * time.Hour)

	total, err := r.events.CountBetween(ctx, start, end, nil, false)
	if err != nil {
		return notify.ReportSummary{}, err
	}
	blocked, err := r.events.CountBetween(ctx, start, end, nil, true)
	if err != nil {
		return notify.ReportSummary{}, err
	}

	bans, err := r.config.AllBans(ctx)
	if err != nil {
		return notify.ReportSummary{}, err
	}
	var newBans, active int
	now := time.Now()
	for _, b := range bans {
		if !b.BannedAt.Before(start) && b.BannedAt.Before(end) {
			newBans++
		}
		if b.Active(now) {
			active++
		}
	}

	return notify.ReportSummary{
		Date:          day,
		TotalEvents:   total,
		BlockedEvents: blocked,
		NewBans:       newBans,
		ActiveBans:    active,
	}, nil
}
