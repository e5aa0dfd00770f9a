package notify

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// ReportSource composes the prior day's summary. Implemented by a
// small wiring type in internal/cli (wiring.go) that pulls from both
// stores.
type ReportSource interface {
	ComposeDailyReport(ctx context.Context, day time.Time) (ReportSummary, error)
}

// Scheduler drives the daily report and matrix-rule evaluation on
// cron schedules, per spec.md §4.9.
type Scheduler struct {
	dispatcher *Dispatcher
	events     EventCounter
	reports    ReportSource
	cron       *cron.Cron
	log        *logrus.Entry
}

// NewScheduler builds a Scheduler. reportCron is a 5-field cron
// expression (e.g. config.Settings.DailyReportCron); matrix rules are
// evaluated once a minute regardless of the report schedule.
func NewScheduler(d *Dispatcher, events EventCounter, reports ReportSource, reportCron string, log *logrus.Entry) (*Scheduler, error) {
	c := cron.New()
	s := &Scheduler{dispatcher: d, events: events, reports: reports, cron: c, log: log}

	if _, err := c.AddFunc(reportCron, s.runDailyReport); err != nil {
		return nil, err
	}
	if _, err := c.AddFunc("@every 1m", s.runMatrixEvaluation); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins running scheduled jobs in the background.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop waits for in-flight jobs to finish and stops scheduling new ones.
func (s *Scheduler) Stop(ctx context.Context) {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) runDailyReport() {
	ctx := context.Background()
	yesterday := time.Now().AddDate(0, 0, -1)
	summary, err := s.reports.ComposeDailyReport(ctx, yesterday)
	if err != nil {
		s.log.WithError(err).Error("failed to compose daily report")
		return
	}
	s.dispatcher.NotifyDailyReport(ctx, summary)
}

func (s *Scheduler) runMatrixEvaluation() {
	s.dispatcher.EvaluateMatrixRules(context.Background(), s.events)
}
