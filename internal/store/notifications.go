package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/wafguard/wafguard/internal/model"
)

// InsertNotificationRecord persists the outcome of one outbound
// notification attempt (sent or failed).
func (s *ConfigStore) InsertNotificationRecord(ctx context.Context, n model.NotificationRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO notification_records (channel, event_type, title, body, severity, status, sent_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.Channel, n.EventType, n.Title, n.Body, n.Severity, string(n.Status), n.SentAt, n.Error)
	if err != nil {
		return 0, errors.Wrap(err, "inserting notification record")
	}
	return res.LastInsertId()
}

// MatrixRules returns the configured notification escalation rules.
func (s *ConfigStore) MatrixRules(ctx context.Context) ([]model.MatrixRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, severity_level, count_threshold, time_window_s, notification_delay_s, last_triggered FROM matrix_rules`)
	if err != nil {
		return nil, errors.Wrap(err, "querying matrix rules")
	}
	defer rows.Close()

	var out []model.MatrixRule
	for rows.Next() {
		var r model.MatrixRule
		var lastTriggered sql.NullTime
		if err := rows.Scan(&r.ID, &r.SeverityLevel, &r.CountThreshold, &r.TimeWindowS, &r.NotificationDelayS, &lastTriggered); err != nil {
			return nil, errors.Wrap(err, "scanning matrix rule")
		}
		if lastTriggered.Valid {
			v := lastTriggered.Time
			r.LastTriggered = &v
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterating matrix rules")
}

// MarkMatrixRuleTriggered records when a matrix rule last fired.
func (s *ConfigStore) MarkMatrixRuleTriggered(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE matrix_rules SET last_triggered = ? WHERE id = ?`, at, id)
	return errors.Wrap(err, "marking matrix rule triggered")
}

// UpsertMatrixRule inserts or replaces a matrix rule.
func (s *ConfigStore) UpsertMatrixRule(ctx context.Context, r model.MatrixRule) (int64, error) {
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO matrix_rules (severity_level, count_threshold, time_window_s, notification_delay_s, last_triggered)
			VALUES (?, ?, ?, ?, ?)`,
			r.SeverityLevel, r.CountThreshold, r.TimeWindowS, r.NotificationDelayS, r.LastTriggered)
		if err != nil {
			return 0, errors.Wrap(err, "inserting matrix rule")
		}
		return res.LastInsertId()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE matrix_rules SET severity_level=?, count_threshold=?, time_window_s=?, notification_delay_s=?, last_triggered=? WHERE id=?`,
		r.SeverityLevel, r.CountThreshold, r.TimeWindowS, r.NotificationDelayS, r.LastTriggered, r.ID)
	return r.ID, errors.Wrap(err, "updating matrix rule")
}

// Templates returns the configured notification body/title templates, keyed by event type.
func (s *ConfigStore) Templates(ctx context.Context) (map[string]model.Template, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, event_type, title, body FROM templates`)
	if err != nil {
		return nil, errors.Wrap(err, "querying templates")
	}
	defer rows.Close()

	out := make(map[string]model.Template)
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.EventType, &t.Title, &t.Body); err != nil {
			return nil, errors.Wrap(err, "scanning template")
		}
		out[t.EventType] = t
	}
	return out, errors.Wrap(rows.Err(), "iterating templates")
}

// Schedules returns the configured cron-style jobs (e.g. the daily report).
func (s *ConfigStore) Schedules(ctx context.Context) ([]model.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, cron_expr, enabled FROM schedules`)
	if err != nil {
		return nil, errors.Wrap(err, "querying schedules")
	}
	defer rows.Close()

	var out []model.Schedule
	for rows.Next() {
		var sch model.Schedule
		var enabled int
		if err := rows.Scan(&sch.ID, &sch.Name, &sch.CronExpr, &enabled); err != nil {
			return nil, errors.Wrap(err, "scanning schedule")
		}
		sch.Enabled = enabled != 0
		out = append(out, sch)
	}
	return out, errors.Wrap(rows.Err(), "iterating schedules")
}
