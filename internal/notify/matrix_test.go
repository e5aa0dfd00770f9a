package notify

import (
	"context"
	"testing"
	"time"

	"github.com/wafguard/wafguard/internal/model"
)

func TestSeveritiesAtOrAbove(t *testing.T) {
	got := severitiesAtOrAbove("ERROR")
	want := map[string]bool{"ERROR": true, "CRITICAL": true}
	if len(got) != 2 {
		t.Fatalf("expected 2 severities at or above ERROR, got %v", got)
	}
	for _, s := range got {
		if !want[s] {
			t.Errorf("unexpected severity %q in at-or-above set", s)
		}
	}
}

type fakeCounter struct {
	count int
}

func (f *fakeCounter) CountSince(ctx context.Context, since time.Time, severities []string, blockedOnly bool) (int, error) {
	return f.count, nil
}

func TestEvaluateMatrixRulesFiresOnThresholdAndMarksTriggered(t *testing.T) {
	store := &fakeStore{rules: []model.MatrixRule{
		{ID: 1, SeverityLevel: "ERROR", CountThreshold: 5, TimeWindowS: 600, NotificationDelayS: 3600},
	}}
	sender := &fakeSender{}
	d := New(store, sender, Config{}, discardLog())

	d.EvaluateMatrixRules(context.Background(), &fakeCounter{count: 10})

	if got := sender.count(); got != 1 {
		t.Fatalf("expected matrix rule to dispatch once, got %d sends", got)
	}
}

func TestEvaluateMatrixRulesSkipsBelowThreshold(t *testing.T) {
	store := &fakeStore{rules: []model.MatrixRule{
		{ID: 1, SeverityLevel: "ERROR", CountThreshold: 50, TimeWindowS: 600, NotificationDelayS: 3600},
	}}
	sender := &fakeSender{}
	d := New(store, sender, Config{}, discardLog())

	d.EvaluateMatrixRules(context.Background(), &fakeCounter{count: 10})

	if got := sender.count(); got != 0 {
		t.Fatalf("expected no dispatch below threshold, got %d sends", got)
	}
}

func TestEvaluateMatrixRulesRespectsNotificationDelay(t *testing.T) {
	recently := time.Now().Add(-time.Minute)
	store := &fakeStore{rules: []model.MatrixRule{
		{ID: 1, SeverityLevel: "ERROR", CountThreshold: 1, TimeWindowS: 600, NotificationDelayS: 3600, LastTriggered: &recently},
	}}
	sender := &fakeSender{}
	d := New(store, sender, Config{}, discardLog())

	d.EvaluateMatrixRules(context.Background(), &fakeCounter{count: 100})

	if got := sender.count(); got != 0 {
		t.Fatalf("expected rule still within its delay window to be skipped, got %d sends", got)
	}
}
