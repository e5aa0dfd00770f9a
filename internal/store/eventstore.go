// Package store implements wafguard's two SQLite-compatible
// persistence layers (spec.md §6): an append-only WAF event log
// (EventStore, this file) and the mutable configuration database
// (ConfigStore, configstore.go). Both follow the teacher-adjacent
// zamorofthat-elida's internal/storage/sqlite.go idiom: modernc.org/sqlite
// over stdlib database/sql, WAL mode, CREATE TABLE IF NOT EXISTS schema.
package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/wafguard/wafguard/internal/model"
)

// EventStore is the append-only WAF event log (waf-events.db). It is
// intentionally a separate database file and *sql.DB from ConfigStore
// so that retention sweeps never contend with configuration writes
// (spec.md §4.1).
type EventStore struct {
	db *sql.DB
}

const eventSchema = `
CREATE TABLE IF NOT EXISTS waf_events (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	proxy_id INTEGER,
	timestamp DATETIME NOT NULL,
	client_ip TEXT NOT NULL,
	request_method TEXT NOT NULL,
	request_uri TEXT NOT NULL,
	attack_type TEXT NOT NULL,
	rule_id TEXT NOT NULL,
	severity TEXT NOT NULL,
	message TEXT NOT NULL,
	raw_log TEXT NOT NULL,
	blocked INTEGER NOT NULL DEFAULT 0,
	notified INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_waf_events_timestamp ON waf_events(timestamp);
CREATE INDEX IF NOT EXISTS idx_waf_events_proxy_id ON waf_events(proxy_id);
CREATE INDEX IF NOT EXISTS idx_waf_events_client_ip ON waf_events(client_ip);
CREATE INDEX IF NOT EXISTS idx_waf_events_attack_type ON waf_events(attack_type);
CREATE INDEX IF NOT EXISTS idx_waf_events_severity ON waf_events(severity);
CREATE INDEX IF NOT EXISTS idx_waf_events_blocked ON waf_events(blocked);
`

// OpenEventStore opens (creating if needed) the WAF event database at path.
func OpenEventStore(path string) (*EventStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening event store")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL mode")
	}
	if _, err := db.Exec(eventSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating event schema")
	}
	return &EventStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *EventStore) Close() error { return s.db.Close() }

// Append performs a transactional bulk insert: all rows commit or none
// do. Callers (the ingestor) re-queue the whole batch on failure.
func (s *EventStore) Append(ctx context.Context, events []model.WAFEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "beginning append transaction")
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO waf_events
		(proxy_id, timestamp, client_ip, request_method, request_uri, attack_type, rule_id, severity, message, raw_log, blocked, notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return errors.Wrap(err, "preparing insert")
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.ProxyID, e.Timestamp, e.ClientIP, e.RequestMethod, e.RequestURI,
			e.AttackType, e.RuleID, e.Severity, e.Message, e.RawLog, boolToInt(e.Blocked), boolToInt(e.Notified)); err != nil {
			return errors.Wrap(err, "inserting event")
		}
	}

	return errors.Wrap(tx.Commit(), "committing append")
}

// QueryNew returns events with id > sinceID, ascending, bounded by
// limit. Used by the detection engine's polling loop.
func (s *EventStore) QueryNew(ctx context.Context, sinceID int64, limit int) ([]model.WAFEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, proxy_id, timestamp, client_ip, request_method, request_uri, attack_type, rule_id, severity, message, raw_log, blocked, notified
		FROM waf_events WHERE id > ? ORDER BY id ASC LIMIT ?`, sinceID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "querying new events")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// RangeFilter narrows QueryRange. Zero values are "no filter".
type RangeFilter struct {
	Since, Until        *time.Time
	ProxyID             *int64
	ClientIP            string
	AttackType          string
	Severity            string
	Blocked             *bool
}

// Pagination bounds a QueryRange call.
type Pagination struct {
	Limit  int
	Offset int
}

// QueryRange returns events matching filter, newest first, paginated.
func (s *EventStore) QueryRange(ctx context.Context, filter RangeFilter, page Pagination) ([]model.WAFEvent, error) {
	query := `SELECT id, proxy_id, timestamp, client_ip, request_method, request_uri, attack_type, rule_id, severity, message, raw_log, blocked, notified FROM waf_events WHERE 1=1`
	var args []interface{}

	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *filter.Since)
	}
	if filter.Until != nil {
		query += " AND timestamp < ?"
		args = append(args, *filter.Until)
	}
	if filter.ProxyID != nil {
		query += " AND proxy_id = ?"
		args = append(args, *filter.ProxyID)
	}
	if filter.ClientIP != "" {
		query += " AND client_ip = ?"
		args = append(args, filter.ClientIP)
	}
	if filter.AttackType != "" {
		query += " AND attack_type = ?"
		args = append(args, filter.AttackType)
	}
	if filter.Severity != "" {
		query += " AND severity = ?"
		args = append(args, filter.Severity)
	}
	if filter.Blocked != nil {
		query += " AND blocked = ?"
		args = append(args, boolToInt(*filter.Blocked))
	}

	query += " ORDER BY timestamp DESC LIMIT ? OFFSET ?"
	limit := page.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit, page.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "querying event range")
	}
	defer rows.Close()
	return scanEvents(rows)
}

// CountSince counts events since `since`, optionally narrowed to a
// set of severities (empty = any) and/or blocked-only. Used by the
// notification dispatcher's threshold and matrix-rule checks
// (spec.md §4.9).
func (s *EventStore) CountSince(ctx context.Context, since time.Time, severities []string, blockedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM waf_events WHERE timestamp >= ?`
	args := []interface{}{since}

	if len(severities) > 0 {
		placeholders := make([]string, len(severities))
		for i, sev := range severities {
			placeholders[i] = "?"
			args = append(args, sev)
		}
		query += " AND severity IN (" + strings.Join(placeholders, ",") + ")"
	}
	if blockedOnly {
		query += " AND blocked = 1"
	}

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.Wrap(err, "counting events")
}

// CountBetween is CountSince bounded above by `until` as well, for
// callers (the daily report) that need a closed window rather than an
// open-ended "since X" count.
func (s *EventStore) CountBetween(ctx context.Context, since, until time.Time, severities []string, blockedOnly bool) (int, error) {
	query := `SELECT COUNT(*) FROM waf_events WHERE timestamp >= ? AND timestamp < ?`
	args := []interface{}{since, until}

	if len(severities) > 0 {
		placeholders := make([]string, len(severities))
		for i, sev := range severities {
			placeholders[i] = "?"
			args = append(args, sev)
		}
		query += " AND severity IN (" + strings.Join(placeholders, ",") + ")"
	}
	if blockedOnly {
		query += " AND blocked = 1"
	}

	var n int
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, errors.Wrap(err, "counting events")
}

// Purge deletes events older than cutoff, then reclaims space. Run
// daily at the configured local time (spec.md §4.1).
func (s *EventStore) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM waf_events WHERE timestamp < ?", cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "purging old events")
	}
	n, _ := res.RowsAffected()
	if _, err := s.db.ExecContext(ctx, "VACUUM"); err != nil {
		return n, errors.Wrap(err, "compacting after purge")
	}
	return n, nil
}

// ProxyResolver picks the proxy a client IP's unresolved events should
// adopt, used by Backfill for HTTP/3 requests that arrive with no Host
// header (spec.md §4.1, §4.7).
type ProxyResolver func(ctx context.Context, clientIP string, around time.Time, window time.Duration) (*int64, error)

// Backfill assigns proxy_id to NULL rows from the last `window` whose
// client IP has a dominant resolved proxy nearby, per spec.md §4.1/§4.7.
func (s *EventStore) Backfill(ctx context.Context, window time.Duration, resolve ProxyResolver) (int, error) {
	since := time.Now().Add(-window)
	rows, err := s.db.QueryContext(ctx, `SELECT id, client_ip, timestamp FROM waf_events WHERE proxy_id IS NULL AND timestamp >= ?`, since)
	if err != nil {
		return 0, errors.Wrap(err, "querying unresolved events")
	}

	type pending struct {
		id        int64
		clientIP  string
		timestamp time.Time
	}
	var items []pending
	for rows.Next() {
		var p pending
		if err := rows.Scan(&p.id, &p.clientIP, &p.timestamp); err != nil {
			rows.Close()
			return 0, errors.Wrap(err, "scanning unresolved event")
		}
		items = append(items, p)
	}
	rows.Close()

	updated := 0
	for _, p := range items {
		proxyID, err := resolve(ctx, p.clientIP, p.timestamp, 5*time.Minute)
		if err != nil || proxyID == nil {
			continue
		}
		if _, err := s.db.ExecContext(ctx, "UPDATE waf_events SET proxy_id = ? WHERE id = ?", *proxyID, p.id); err != nil {
			return updated, errors.Wrap(err, "applying backfill update")
		}
		updated++
	}

	return updated, nil
}

// MostCommonProxyForIP implements the resolver used by Backfill: the
// most frequent proxy_id among resolved events from clientIP inside
// [around-window, around+window].
func (s *EventStore) MostCommonProxyForIP(ctx context.Context, clientIP string, around time.Time, window time.Duration) (*int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT proxy_id, COUNT(*) AS n FROM waf_events
		WHERE client_ip = ? AND proxy_id IS NOT NULL AND timestamp BETWEEN ? AND ?
		GROUP BY proxy_id ORDER BY n DESC LIMIT 1`,
		clientIP, around.Add(-window), around.Add(window))
	if err != nil {
		return nil, errors.Wrap(err, "querying common proxy")
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, nil
	}
	var proxyID int64
	var n int
	if err := rows.Scan(&proxyID, &n); err != nil {
		return nil, errors.Wrap(err, "scanning common proxy")
	}
	return &proxyID, nil
}

func scanEvents(rows *sql.Rows) ([]model.WAFEvent, error) {
	var out []model.WAFEvent
	for rows.Next() {
		var e model.WAFEvent
		var proxyID sql.NullInt64
		var blocked, notified int
		if err := rows.Scan(&e.ID, &proxyID, &e.Timestamp, &e.ClientIP, &e.RequestMethod, &e.RequestURI,
			&e.AttackType, &e.RuleID, &e.Severity, &e.Message, &e.RawLog, &blocked, &notified); err != nil {
			return nil, errors.Wrap(err, "scanning event row")
		}
		if proxyID.Valid {
			v := proxyID.Int64
			e.ProxyID = &v
		}
		e.Blocked = blocked != 0
		e.Notified = notified != 0
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating event rows")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
