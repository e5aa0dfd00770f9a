package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wafguard/wafguard/internal/model"
)

func openTestEventStore(t *testing.T) *EventStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "waf-events.db")
	s, err := OpenEventStore(path)
	if err != nil {
		t.Fatalf("OpenEventStore: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestAppendAndQueryNew(t *testing.T) {
	s := openTestEventStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	err := s.Append(ctx, []model.WAFEvent{
		{Timestamp: now, ClientIP: "203.0.113.4", RequestMethod: "GET", RequestURI: "/", AttackType: "sqli", RuleID: "1", Severity: "CRITICAL", Message: "m", RawLog: "{}", Blocked: true},
		{Timestamp: now, ClientIP: "203.0.113.5", RequestMethod: "GET", RequestURI: "/", AttackType: "xss", RuleID: "2", Severity: "WARNING", Message: "m", RawLog: "{}"},
	})
	if err != nil {
		t.Fatalf("Append: %s", err)
	}

	events, err := s.QueryNew(ctx, 0, 10)
	if err != nil {
		t.Fatalf("QueryNew: %s", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].ID >= events[1].ID {
		t.Fatalf("expected ascending IDs, got %d then %d", events[0].ID, events[1].ID)
	}

	onlyNew, err := s.QueryNew(ctx, events[0].ID, 10)
	if err != nil {
		t.Fatalf("QueryNew: %s", err)
	}
	if len(onlyNew) != 1 || onlyNew[0].ID != events[1].ID {
		t.Fatalf("expected only the event after sinceID, got %+v", onlyNew)
	}
}

func TestCountBetweenBoundsTheWindow(t *testing.T) {
	s := openTestEventStore(t)
	ctx := context.Background()

	inside := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	before := inside.Add(-48 * time.Hour)
	after := inside.Add(48 * time.Hour)

	err := s.Append(ctx, []model.WAFEvent{
		{Timestamp: before, ClientIP: "1.1.1.1", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
		{Timestamp: inside, ClientIP: "1.1.1.1", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}", Blocked: true},
		{Timestamp: after, ClientIP: "1.1.1.1", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
	})
	if err != nil {
		t.Fatalf("Append: %s", err)
	}

	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	end := start.Add(24 * time.Hour)

	total, err := s.CountBetween(ctx, start, end, nil, false)
	if err != nil {
		t.Fatalf("CountBetween: %s", err)
	}
	if total != 1 {
		t.Fatalf("expected exactly 1 event inside the day window, got %d", total)
	}

	blocked, err := s.CountBetween(ctx, start, end, nil, true)
	if err != nil {
		t.Fatalf("CountBetween blocked: %s", err)
	}
	if blocked != 1 {
		t.Fatalf("expected 1 blocked event inside the day window, got %d", blocked)
	}
}

func TestPurgeDeletesEventsOlderThanCutoff(t *testing.T) {
	s := openTestEventStore(t)
	ctx := context.Background()

	old := time.Now().Add(-90 * 24 * time.Hour)
	recent := time.Now()

	err := s.Append(ctx, []model.WAFEvent{
		{Timestamp: old, ClientIP: "1.1.1.1", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
		{Timestamp: recent, ClientIP: "1.1.1.1", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
	})
	if err != nil {
		t.Fatalf("Append: %s", err)
	}

	cutoff := time.Now().Add(-30 * 24 * time.Hour)
	n, err := s.Purge(ctx, cutoff)
	if err != nil {
		t.Fatalf("Purge: %s", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row purged, got %d", n)
	}

	remaining, err := s.QueryNew(ctx, 0, 10)
	if err != nil {
		t.Fatalf("QueryNew: %s", err)
	}
	if len(remaining) != 1 {
		t.Fatalf("expected 1 remaining event, got %d", len(remaining))
	}
}

func TestBackfillResolvesUnresolvedProxies(t *testing.T) {
	s := openTestEventStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	err := s.Append(ctx, []model.WAFEvent{
		{Timestamp: now, ClientIP: "203.0.113.4", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
	})
	if err != nil {
		t.Fatalf("Append: %s", err)
	}

	resolved := int64(7)
	resolve := func(ctx context.Context, clientIP string, around time.Time, window time.Duration) (*int64, error) {
		return &resolved, nil
	}

	n, err := s.Backfill(ctx, time.Hour, resolve)
	if err != nil {
		t.Fatalf("Backfill: %s", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 event backfilled, got %d", n)
	}

	events, err := s.QueryNew(ctx, 0, 10)
	if err != nil {
		t.Fatalf("QueryNew: %s", err)
	}
	if events[0].ProxyID == nil || *events[0].ProxyID != resolved {
		t.Fatalf("expected proxy_id to be backfilled to %d, got %v", resolved, events[0].ProxyID)
	}
}

func TestMostCommonProxyForIP(t *testing.T) {
	s := openTestEventStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	proxyA := int64(1)
	proxyB := int64(2)
	err := s.Append(ctx, []model.WAFEvent{
		{ProxyID: &proxyA, Timestamp: now, ClientIP: "203.0.113.4", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
		{ProxyID: &proxyA, Timestamp: now, ClientIP: "203.0.113.4", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
		{ProxyID: &proxyB, Timestamp: now, ClientIP: "203.0.113.4", RequestMethod: "GET", RequestURI: "/", AttackType: "x", RuleID: "1", Severity: "NOTICE", RawLog: "{}"},
	})
	if err != nil {
		t.Fatalf("Append: %s", err)
	}

	id, err := s.MostCommonProxyForIP(ctx, "203.0.113.4", now, time.Hour)
	if err != nil {
		t.Fatalf("MostCommonProxyForIP: %s", err)
	}
	if id == nil || *id != proxyA {
		t.Fatalf("expected the dominant proxy %d, got %v", proxyA, id)
	}
}
