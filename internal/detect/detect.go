// Package detect implements the detection engine (C8, spec.md §4.8):
// a 5s poller that maintains a bounded per-IP sliding window of recent
// WAF events and evaluates detection rules against it, triggering bans
// through the orchestrator. Grounded on the correlation-map idiom of
// pkg/ece/ece.go's Event map, replacing its syslog-driven insert with
// a polling read from the event store.
package detect

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/ban"
	"github.com/wafguard/wafguard/internal/iputil"
	"github.com/wafguard/wafguard/internal/model"
	"github.com/wafguard/wafguard/internal/severity"
)

// Store is the subset of *store.EventStore and *store.ConfigStore the
// engine polls.
type Store interface {
	QueryNew(ctx context.Context, sinceID int64, limit int) ([]model.WAFEvent, error)
	DetectionRules(ctx context.Context) ([]model.DetectionRule, error)
	WhitelistEntries(ctx context.Context) ([]model.WhitelistEntry, error)
	CountBlockedSince(ctx context.Context, since time.Time) (int, error)
}

// Dispatcher is the subset of the notification dispatcher (C9) the
// engine drives for the two WAF-event triggers of spec.md §4.9. Defined
// here, not imported from package notify, following the same
// cycle-breaking pattern as ban.Dispatcher.
type Dispatcher interface {
	NotifyWAFBlock(ctx context.Context, blockedCount int)
	NotifyHighSeverity(ctx context.Context, ip, attackType, severity string)
}

const (
	pollInterval    = 5 * time.Second
	cleanupInterval = 5 * time.Minute
	windowTTL       = 60 * time.Minute
	pollBatchSize   = 1000
)

// entry is one tracked occurrence in an IP's sequence.
type entry struct {
	timestamp  time.Time
	attackType string
	severity   string
	proxyID    *int64
	eventID    int64
}

// Engine is C8.
type Engine struct {
	store      Store
	orch       *ban.Orchestrator
	dispatcher Dispatcher
	wafWindow  time.Duration
	log        *logrus.Entry

	mu            sync.Mutex
	sequences     map[string][]entry
	lastProcessed int64
}

// New builds an Engine. wafWindow is the rolling window NotifyWAFBlock's
// threshold is evaluated over (spec.md §4.9's "threshold mode"); the
// poller re-counts blocked events in that window on every tick. The
// poller and cleanup tick are started by Run.
func New(store Store, orch *ban.Orchestrator, dispatcher Dispatcher, wafWindow time.Duration, log *logrus.Entry) *Engine {
	return &Engine{
		store:      store,
		orch:       orch,
		dispatcher: dispatcher,
		wafWindow:  wafWindow,
		log:        log,
		sequences:  make(map[string][]entry),
	}
}

// Run blocks, polling every 5s and cleaning every 5min, until ctx is
// canceled.
func (e *Engine) Run(ctx context.Context) {
	pollTicker := time.NewTicker(pollInterval)
	defer pollTicker.Stop()
	cleanupTicker := time.NewTicker(cleanupInterval)
	defer cleanupTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pollTicker.C:
			e.poll(ctx)
		case <-cleanupTicker.C:
			e.cleanup()
		}
	}
}

func (e *Engine) poll(ctx context.Context) {
	e.mu.Lock()
	since := e.lastProcessed
	e.mu.Unlock()

	events, err := e.store.QueryNew(ctx, since, pollBatchSize)
	if err != nil {
		e.log.WithError(err).Error("detection poll: failed to query new events")
		return
	}
	if len(events) == 0 {
		return
	}

	whitelist, err := e.store.WhitelistEntries(ctx)
	if err != nil {
		e.log.WithError(err).Error("detection poll: failed to load whitelist")
		return
	}
	entries := toIPUtilEntries(whitelist)

	rules, err := e.store.DetectionRules(ctx)
	if err != nil {
		e.log.WithError(err).Error("detection poll: failed to load detection rules")
		return
	}

	var maxID int64
	for _, ev := range events {
		if ev.ID > maxID {
			maxID = ev.ID
		}

		if lvl := severity.ParseLevel(ev.Severity); lvl == severity.Critical || lvl == severity.Error {
			e.dispatcher.NotifyHighSeverity(ctx, ev.ClientIP, ev.AttackType, ev.Severity)
		}

		if whitelisted, _ := iputil.IsWhitelisted(entries, ev.ClientIP, e.log); whitelisted {
			continue
		}

		e.track(ev)
		e.evaluate(ctx, ev.ClientIP, rules)
	}

	e.mu.Lock()
	e.lastProcessed = maxID
	e.mu.Unlock()

	e.checkWAFBlockThreshold(ctx)
}

// checkWAFBlockThreshold implements spec.md §4.9's threshold mode: it
// re-counts blocked events over the rolling window on every poll tick
// and leaves the cooldown/threshold comparison to the dispatcher.
func (e *Engine) checkWAFBlockThreshold(ctx context.Context) {
	since := time.Now().Add(-e.wafWindow)
	blocked, err := e.store.CountBlockedSince(ctx, since)
	if err != nil {
		e.log.WithError(err).Error("detection poll: failed to count blocked events for waf-block threshold")
		return
	}
	e.dispatcher.NotifyWAFBlock(ctx, blocked)
}

// track appends ev to ip's sequence, evicting entries older than
// windowTTL in the same pass (spec.md §4.8: stale entries are evicted
// on insertion, not left for the next cleanup tick).
func (e *Engine) track(ev model.WAFEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-windowTTL)
	seq := e.sequences[ev.ClientIP]
	live := seq[:0]
	for _, old := range seq {
		if !old.timestamp.Before(cutoff) {
			live = append(live, old)
		}
	}

	e.sequences[ev.ClientIP] = append(live, entry{
		timestamp:  ev.Timestamp,
		attackType: ev.AttackType,
		severity:   ev.Severity,
		proxyID:    ev.ProxyID,
		eventID:    ev.ID,
	})
}

// evaluate runs every enabled rule in ascending priority against ip's
// current sequence, banning and clearing the sequence on the first
// rule whose filtered count meets its threshold.
func (e *Engine) evaluate(ctx context.Context, ip string, rules []model.DetectionRule) {
	for _, rule := range rules {
		if !rule.Enabled {
			continue
		}

		filtered := e.filter(ip, rule)
		if len(filtered) < rule.Threshold {
			continue
		}

		e.ban(ctx, ip, rule, filtered)
		e.clear(ip)
		return
	}
}

func (e *Engine) filter(ip string, rule model.DetectionRule) []entry {
	e.mu.Lock()
	seq := append([]entry(nil), e.sequences[ip]...)
	e.mu.Unlock()

	cutoff := time.Now().Add(-time.Duration(rule.TimeWindowS) * time.Second)
	filter := severity.ParseFilter(rule.SeverityFilter)

	var out []entry
	for _, ev := range seq {
		if ev.timestamp.Before(cutoff) {
			continue
		}
		if !rule.MatchesAll() && !matchesAttackType(rule.AttackTypes, ev.attackType) {
			continue
		}
		if !filter.Allows(severity.ParseLevel(ev.severity)) {
			continue
		}
		if rule.ProxyID != nil && (ev.proxyID == nil || *ev.proxyID != *rule.ProxyID) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func matchesAttackType(types []string, attackType string) bool {
	for _, t := range types {
		if t == attackType {
			return true
		}
	}
	return false
}

func (e *Engine) ban(ctx context.Context, ip string, rule model.DetectionRule, filtered []entry) {
	sampleSize := len(filtered)
	if sampleSize > 5 {
		sampleSize = 5
	}
	samples := make([]int64, sampleSize)
	for i := 0; i < sampleSize; i++ {
		samples[i] = filtered[i].eventID
	}

	var proxyID *int64
	if rule.ProxyID != nil {
		proxyID = rule.ProxyID
	} else if len(filtered) > 0 {
		proxyID = filtered[len(filtered)-1].proxyID
	}

	ruleID := rule.ID
	reason := formatReason(rule, len(filtered))

	_, _, res, err := e.orch.Ban(ctx, ip, ban.Options{
		Reason:          reason,
		EventCount:      len(filtered),
		Severity:        rule.BanSeverity,
		DurationS:       rule.BanDurationS,
		AutoBanned:      true,
		ProxyID:         proxyID,
		DetectionRuleID: &ruleID,
		SampleEvents:    samples,
	})
	if err != nil {
		e.log.WithError(err).WithField("ip", ip).WithField("rule", rule.Name).Error("detection engine: ban call failed")
		return
	}
	if !res.OK {
		e.log.WithField("ip", ip).WithField("rule", rule.Name).WithField("reason", res.Reason).Debug("detection engine: ban refused")
	}
}

func formatReason(rule model.DetectionRule, count int) string {
	return fmt.Sprintf("Auto-ban: %s (%d events in %ds)", rule.Name, count, rule.TimeWindowS)
}

func (e *Engine) clear(ip string) {
	e.mu.Lock()
	delete(e.sequences, ip)
	e.mu.Unlock()
}

// cleanup evicts entries older than windowTTL and drops empty keys,
// per spec.md §4.8's bounded-state requirement.
func (e *Engine) cleanup() {
	e.mu.Lock()
	defer e.mu.Unlock()

	cutoff := time.Now().Add(-windowTTL)
	for ip, seq := range e.sequences {
		var kept []entry
		for _, ev := range seq {
			if ev.timestamp.After(cutoff) {
				kept = append(kept, ev)
			}
		}
		if len(kept) == 0 {
			delete(e.sequences, ip)
			continue
		}
		e.sequences[ip] = kept
	}
}

func toIPUtilEntries(entries []model.WhitelistEntry) []iputil.Entry {
	out := make([]iputil.Entry, 0, len(entries))
	for _, we := range entries {
		ie := iputil.Entry{ID: we.ID, Priority: we.Priority, Reason: we.Reason}
		if we.IPAddress != nil {
			ie.IPAddress = *we.IPAddress
		}
		if we.IPRange != nil {
			ie.IPRange = *we.IPRange
		}
		out = append(out, ie)
	}
	return out
}
