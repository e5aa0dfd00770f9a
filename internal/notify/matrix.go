package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/wafguard/wafguard/internal/severity"
)

// EventCounter is the subset of *store.EventStore the matrix
// evaluator needs.
type EventCounter interface {
	CountSince(ctx context.Context, since time.Time, severities []string, blockedOnly bool) (int, error)
}

// severitiesAtOrAbove returns the textual severity levels that are at
// least as urgent as level, for use in a CountSince IN-clause.
func severitiesAtOrAbove(level string) []string {
	min := severity.ParseLevel(level)
	all := []severity.Level{severity.Notice, severity.Warning, severity.Error, severity.Critical}
	var out []string
	for _, l := range all {
		if l >= min {
			out = append(out, l.String())
		}
	}
	return out
}

// EvaluateMatrixRules implements spec.md §4.9's matrix rule check: a
// rule fires if its last_triggered is older than notification_delay
// AND the event count in its window meets its threshold.
func (d *Dispatcher) EvaluateMatrixRules(ctx context.Context, events EventCounter) {
	rules, err := d.store.MatrixRules(ctx)
	if err != nil {
		d.log.WithError(err).Error("failed to load matrix rules")
		return
	}

	now := time.Now()
	for _, rule := range rules {
		delay := time.Duration(rule.NotificationDelayS) * time.Second
		if rule.LastTriggered != nil && now.Sub(*rule.LastTriggered) < delay {
			continue
		}

		since := now.Add(-time.Duration(rule.TimeWindowS) * time.Second)
		count, err := events.CountSince(ctx, since, severitiesAtOrAbove(rule.SeverityLevel), false)
		if err != nil {
			d.log.WithError(err).WithField("rule", rule.ID).Error("failed to count events for matrix rule")
			continue
		}
		if count < rule.CountThreshold {
			continue
		}

		title := fmt.Sprintf("Matrix rule triggered: %s+", rule.SeverityLevel)
		body := fmt.Sprintf("%d events at or above %s in the last %ds", count, rule.SeverityLevel, rule.TimeWindowS)
		d.Dispatch(ctx, "matrix_rule", title, body, fmt.Sprintf("rule-%d", rule.ID), rule.SeverityLevel, nil)

		if err := d.store.MarkMatrixRuleTriggered(ctx, rule.ID, now); err != nil {
			d.log.WithError(err).WithField("rule", rule.ID).Error("failed to mark matrix rule triggered")
		}
	}
}
