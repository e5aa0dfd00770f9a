package detect

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/model"
)

type fakeStore struct {
	events    []model.WAFEvent
	rules     []model.DetectionRule
	whitelist []model.WhitelistEntry
	blocked   int
}

func (f *fakeStore) QueryNew(ctx context.Context, sinceID int64, limit int) ([]model.WAFEvent, error) {
	var out []model.WAFEvent
	for _, e := range f.events {
		if e.ID > sinceID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeStore) DetectionRules(ctx context.Context) ([]model.DetectionRule, error) {
	return f.rules, nil
}

func (f *fakeStore) WhitelistEntries(ctx context.Context) ([]model.WhitelistEntry, error) {
	return f.whitelist, nil
}

func (f *fakeStore) CountBlockedSince(ctx context.Context, since time.Time) (int, error) {
	return f.blocked, nil
}

type fakeDispatcher struct {
	wafBlockCounts []int
	highSeverity   []string // "ip/attackType/severity"
}

func (d *fakeDispatcher) NotifyWAFBlock(ctx context.Context, blockedCount int) {
	d.wafBlockCounts = append(d.wafBlockCounts, blockedCount)
}

func (d *fakeDispatcher) NotifyHighSeverity(ctx context.Context, ip, attackType, severity string) {
	d.highSeverity = append(d.highSeverity, ip+"/"+attackType+"/"+severity)
}

func discardLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

func TestPollTracksEventsAndAdvancesCursor(t *testing.T) {
	fs := &fakeStore{
		events: []model.WAFEvent{
			{ID: 1, ClientIP: "203.0.113.4", Timestamp: time.Now(), AttackType: "sqli", Severity: "CRITICAL"},
			{ID: 2, ClientIP: "203.0.113.4", Timestamp: time.Now(), AttackType: "sqli", Severity: "CRITICAL"},
		},
		rules: []model.DetectionRule{
			{ID: 1, Name: "never-fires", Enabled: true, Priority: 1, TimeWindowS: 60, Threshold: 1000, SeverityFilter: "ALL"},
		},
	}

	e := New(fs, nil, &fakeDispatcher{}, time.Minute, discardLog())
	e.poll(context.Background())

	e.mu.Lock()
	seq := e.sequences["203.0.113.4"]
	last := e.lastProcessed
	e.mu.Unlock()

	if len(seq) != 2 {
		t.Fatalf("expected 2 tracked events, got %d", len(seq))
	}
	if last != 2 {
		t.Fatalf("expected cursor to advance to 2, got %d", last)
	}
}

func TestPollSkipsWhitelistedIPs(t *testing.T) {
	addr := "203.0.113.4"
	fs := &fakeStore{
		events: []model.WAFEvent{
			{ID: 1, ClientIP: addr, Timestamp: time.Now(), AttackType: "sqli", Severity: "CRITICAL"},
		},
		whitelist: []model.WhitelistEntry{
			{ID: 1, IPAddress: &addr, Priority: 1, Reason: "trusted scanner"},
		},
	}

	e := New(fs, nil, &fakeDispatcher{}, time.Minute, discardLog())
	e.poll(context.Background())

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.sequences[addr]) != 0 {
		t.Fatalf("expected whitelisted IP to be skipped, got %d tracked events", len(e.sequences[addr]))
	}
}

func TestTrackEvictsStaleEntriesOnInsertion(t *testing.T) {
	e := New(&fakeStore{}, nil, &fakeDispatcher{}, time.Minute, discardLog())
	e.sequences["203.0.113.4"] = []entry{
		{timestamp: time.Now().Add(-2 * windowTTL), attackType: "sqli", severity: "NOTICE", eventID: 1},
	}

	e.track(model.WAFEvent{ID: 2, ClientIP: "203.0.113.4", Timestamp: time.Now(), AttackType: "xss", Severity: "NOTICE"})

	seq := e.sequences["203.0.113.4"]
	if len(seq) != 1 || seq[0].eventID != 2 {
		t.Fatalf("expected the stale entry to be evicted at insertion time, got %+v", seq)
	}
}

func TestPollNotifiesHighSeverityEvents(t *testing.T) {
	fs := &fakeStore{
		events: []model.WAFEvent{
			{ID: 1, ClientIP: "203.0.113.4", Timestamp: time.Now(), AttackType: "sqli", Severity: "CRITICAL"},
			{ID: 2, ClientIP: "203.0.113.5", Timestamp: time.Now(), AttackType: "xss", Severity: "NOTICE"},
		},
	}
	disp := &fakeDispatcher{}
	e := New(fs, nil, disp, time.Minute, discardLog())
	e.poll(context.Background())

	if len(disp.highSeverity) != 1 || disp.highSeverity[0] != "203.0.113.4/sqli/CRITICAL" {
		t.Fatalf("expected exactly one high-severity notification for the CRITICAL event, got %v", disp.highSeverity)
	}
}

func TestPollDrivesWAFBlockThresholdFromStoreCount(t *testing.T) {
	fs := &fakeStore{
		events:  []model.WAFEvent{{ID: 1, ClientIP: "203.0.113.4", Timestamp: time.Now(), Severity: "NOTICE"}},
		blocked: 25,
	}
	disp := &fakeDispatcher{}
	e := New(fs, nil, disp, 5*time.Minute, discardLog())
	e.poll(context.Background())

	if len(disp.wafBlockCounts) != 1 || disp.wafBlockCounts[0] != 25 {
		t.Fatalf("expected NotifyWAFBlock to be called with the store's blocked count, got %v", disp.wafBlockCounts)
	}
}

func TestFilterAppliesWindowAttackTypeAndSeverity(t *testing.T) {
	e := New(&fakeStore{}, nil, &fakeDispatcher{}, time.Minute, discardLog())
	now := time.Now()

	e.sequences["203.0.113.4"] = []entry{
		{timestamp: now, attackType: "sqli", severity: "CRITICAL", eventID: 1},
		{timestamp: now.Add(-2 * time.Hour), attackType: "sqli", severity: "CRITICAL", eventID: 2}, // too old
		{timestamp: now, attackType: "xss", severity: "CRITICAL", eventID: 3},                      // wrong type
		{timestamp: now, attackType: "sqli", severity: "WARNING", eventID: 4},                      // too low severity
	}

	rule := model.DetectionRule{
		TimeWindowS:    3600,
		AttackTypes:    []string{"sqli"},
		SeverityFilter: "CRITICAL",
	}

	got := e.filter("203.0.113.4", rule)
	if len(got) != 1 || got[0].eventID != 1 {
		t.Fatalf("expected exactly event 1 to survive filtering, got %+v", got)
	}
}

func TestFilterWildcardMatchesAllAttackTypes(t *testing.T) {
	e := New(&fakeStore{}, nil, &fakeDispatcher{}, time.Minute, discardLog())
	now := time.Now()
	e.sequences["203.0.113.4"] = []entry{
		{timestamp: now, attackType: "sqli", severity: "NOTICE", eventID: 1},
		{timestamp: now, attackType: "xss", severity: "NOTICE", eventID: 2},
	}

	rule := model.DetectionRule{TimeWindowS: 3600, SeverityFilter: "ALL"}
	got := e.filter("203.0.113.4", rule)
	if len(got) != 2 {
		t.Fatalf("expected both events to match a wildcard rule, got %d", len(got))
	}
}

func TestCleanupEvictsStaleEntriesAndEmptyKeys(t *testing.T) {
	e := New(&fakeStore{}, nil, &fakeDispatcher{}, time.Minute, discardLog())
	now := time.Now()
	e.sequences["stale"] = []entry{{timestamp: now.Add(-2 * windowTTL)}}
	e.sequences["fresh"] = []entry{{timestamp: now}}

	e.cleanup()

	if _, ok := e.sequences["stale"]; ok {
		t.Error("expected stale IP to be evicted")
	}
	if _, ok := e.sequences["fresh"]; !ok {
		t.Error("expected fresh IP to survive cleanup")
	}
}

func TestToIPUtilEntriesDereferencesAddressAndRange(t *testing.T) {
	addr := "203.0.113.4"
	cidr := "10.0.0.0/8"
	entries := []model.WhitelistEntry{
		{ID: 1, IPAddress: &addr, Priority: 1, Reason: "host"},
		{ID: 2, IPRange: &cidr, Priority: 2, Reason: "net"},
	}

	out := toIPUtilEntries(entries)
	if len(out) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(out))
	}
	if out[0].IPAddress != addr || out[0].IPRange != "" {
		t.Errorf("unexpected entry 0: %+v", out[0])
	}
	if out[1].IPRange != cidr || out[1].IPAddress != "" {
		t.Errorf("unexpected entry 1: %+v", out[1])
	}
}
