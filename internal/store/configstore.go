package store

import (
	"context"
	"database/sql"
	"net/netip"
	"strings"

	"github.com/pkg/errors"
	_ "modernc.org/sqlite"

	"github.com/wafguard/wafguard/internal/model"
)

// ConfigStore is the mutable configuration database (database.db):
// proxies (read-only mirror of the external collaborator's table),
// bans, whitelist, integrations, detection rules and notification
// state. Kept in its own *sql.DB from EventStore per spec.md §4.1/§6.
type ConfigStore struct {
	db *sql.DB
}

const configSchema = `
CREATE TABLE IF NOT EXISTS proxies (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL UNIQUE,
	domain_names TEXT NOT NULL DEFAULT '',
	forward_host TEXT NOT NULL DEFAULT '',
	forward_port INTEGER NOT NULL DEFAULT 0,
	enabled INTEGER NOT NULL DEFAULT 1,
	config_filename TEXT NOT NULL DEFAULT '',
	config_status TEXT NOT NULL DEFAULT 'pending'
);

CREATE TABLE IF NOT EXISTS whitelist_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip_address TEXT,
	ip_range TEXT,
	type TEXT NOT NULL,
	priority INTEGER NOT NULL DEFAULT 100,
	reason TEXT NOT NULL DEFAULT '',
	added_by TEXT
);

CREATE TABLE IF NOT EXISTS integrations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	provider TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	credentials_encrypted BLOB,
	tag TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS detection_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1,
	priority INTEGER NOT NULL DEFAULT 100,
	time_window_s INTEGER NOT NULL,
	threshold INTEGER NOT NULL,
	attack_types TEXT NOT NULL DEFAULT '',
	severity_filter TEXT NOT NULL DEFAULT 'ALL',
	proxy_id INTEGER,
	ban_duration_s INTEGER,
	ban_severity TEXT NOT NULL DEFAULT 'MEDIUM'
);

CREATE TABLE IF NOT EXISTS bans (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ip_address TEXT NOT NULL,
	reason TEXT NOT NULL DEFAULT '',
	attack_type TEXT,
	event_count INTEGER NOT NULL DEFAULT 0,
	severity TEXT NOT NULL DEFAULT 'MEDIUM',
	banned_at DATETIME NOT NULL,
	expires_at DATETIME,
	unbanned_at DATETIME,
	unbanned_by TEXT,
	auto_banned INTEGER NOT NULL DEFAULT 0,
	banned_by TEXT,
	proxy_id INTEGER,
	detection_rule_id INTEGER,
	sample_events TEXT NOT NULL DEFAULT '',
	integrations_notified TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_bans_ip ON bans(ip_address);
CREATE INDEX IF NOT EXISTS idx_bans_active ON bans(unbanned_at, expires_at);

CREATE TABLE IF NOT EXISTS notification_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	channel TEXT NOT NULL,
	event_type TEXT NOT NULL,
	title TEXT NOT NULL,
	body TEXT NOT NULL,
	severity TEXT NOT NULL,
	status TEXT NOT NULL,
	sent_at DATETIME NOT NULL,
	error TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS matrix_rules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	severity_level TEXT NOT NULL,
	count_threshold INTEGER NOT NULL,
	time_window_s INTEGER NOT NULL,
	notification_delay_s INTEGER NOT NULL,
	last_triggered DATETIME
);

CREATE TABLE IF NOT EXISTS schedules (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL,
	cron_expr TEXT NOT NULL,
	enabled INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS templates (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_type TEXT NOT NULL UNIQUE,
	title TEXT NOT NULL,
	body TEXT NOT NULL
);
`

// OpenConfigStore opens (creating if needed) the configuration database at path.
func OpenConfigStore(path string) (*ConfigStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "opening config store")
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "enabling WAL mode")
	}
	if _, err := db.Exec(configSchema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating config schema")
	}
	return &ConfigStore{db: db}, nil
}

// Close releases the underlying database handle.
func (s *ConfigStore) Close() error { return s.db.Close() }

// --- Proxies (read-only mirror; owned by the external config collaborator) ---

// Proxy returns a single proxy by id, or nil if not found.
func (s *ConfigStore) Proxy(ctx context.Context, id int64) (*model.Proxy, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, name, domain_names, forward_host, forward_port, enabled, config_filename, config_status FROM proxies WHERE id = ?`, id)
	return scanProxy(row)
}

// Proxies returns every enabled proxy, used by the audit-log ingestor's resolver.
func (s *ConfigStore) Proxies(ctx context.Context) ([]model.Proxy, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, domain_names, forward_host, forward_port, enabled, config_filename, config_status FROM proxies WHERE enabled = 1`)
	if err != nil {
		return nil, errors.Wrap(err, "querying proxies")
	}
	defer rows.Close()

	var out []model.Proxy
	for rows.Next() {
		var p model.Proxy
		var domainNames, status string
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &domainNames, &p.ForwardHost, &p.ForwardPort, &enabled, &p.ConfigFilename, &status); err != nil {
			return nil, errors.Wrap(err, "scanning proxy")
		}
		p.Enabled = enabled != 0
		p.ConfigStatus = model.ConfigStatus(status)
		p.DomainNames = splitCSV(domainNames)
		out = append(out, p)
	}
	return out, errors.Wrap(rows.Err(), "iterating proxies")
}

// UpsertProxy is a test/fixture helper; proxies are normally written by
// the external nginx-config collaborator directly into this table.
func (s *ConfigStore) UpsertProxy(ctx context.Context, p model.Proxy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proxies (id, name, domain_names, forward_host, forward_port, enabled, config_filename, config_status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name=excluded.name, domain_names=excluded.domain_names,
			forward_host=excluded.forward_host, forward_port=excluded.forward_port,
			enabled=excluded.enabled, config_filename=excluded.config_filename, config_status=excluded.config_status`,
		p.ID, p.Name, strings.Join(p.DomainNames, ","), p.ForwardHost, p.ForwardPort, boolToInt(p.Enabled), p.ConfigFilename, string(p.ConfigStatus))
	return errors.Wrap(err, "upserting proxy")
}

func scanProxy(row *sql.Row) (*model.Proxy, error) {
	var p model.Proxy
	var domainNames, status string
	var enabled int
	if err := row.Scan(&p.ID, &p.Name, &domainNames, &p.ForwardHost, &p.ForwardPort, &enabled, &p.ConfigFilename, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scanning proxy")
	}
	p.Enabled = enabled != 0
	p.ConfigStatus = model.ConfigStatus(status)
	p.DomainNames = splitCSV(domainNames)
	return &p, nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

// --- Whitelist ---

// WhitelistEntries returns every whitelist row.
func (s *ConfigStore) WhitelistEntries(ctx context.Context) ([]model.WhitelistEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, ip_address, ip_range, type, priority, reason, added_by FROM whitelist_entries`)
	if err != nil {
		return nil, errors.Wrap(err, "querying whitelist")
	}
	defer rows.Close()

	var out []model.WhitelistEntry
	for rows.Next() {
		var e model.WhitelistEntry
		var ip, rng, addedBy sql.NullString
		var typ string
		if err := rows.Scan(&e.ID, &ip, &rng, &typ, &e.Priority, &e.Reason, &addedBy); err != nil {
			return nil, errors.Wrap(err, "scanning whitelist entry")
		}
		if ip.Valid {
			v := ip.String
			e.IPAddress = &v
		}
		if rng.Valid {
			v := rng.String
			e.IPRange = &v
		}
		if addedBy.Valid {
			v := addedBy.String
			e.AddedBy = &v
		}
		e.Type = model.WhitelistType(typ)
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "iterating whitelist")
}

// AddWhitelistEntry inserts a whitelist row and returns its id.
func (s *ConfigStore) AddWhitelistEntry(ctx context.Context, e model.WhitelistEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist_entries (ip_address, ip_range, type, priority, reason, added_by)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.IPAddress, e.IPRange, string(e.Type), e.Priority, e.Reason, e.AddedBy)
	if err != nil {
		return 0, errors.Wrap(err, "inserting whitelist entry")
	}
	return res.LastInsertId()
}

// ErrSystemWhitelistEntry is returned when a caller attempts to delete
// a type=system whitelist entry, a structured Refusal per spec.md §7.
var ErrSystemWhitelistEntry = errors.New("system whitelist entries cannot be removed")

// RemoveWhitelistEntry deletes a whitelist row by id, refusing to touch
// type=system rows.
func (s *ConfigStore) RemoveWhitelistEntry(ctx context.Context, id int64) error {
	var typ string
	if err := s.db.QueryRowContext(ctx, `SELECT type FROM whitelist_entries WHERE id = ?`, id).Scan(&typ); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return errors.Wrap(err, "looking up whitelist entry")
	}
	if model.WhitelistType(typ) == model.WhitelistSystem {
		return ErrSystemWhitelistEntry
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM whitelist_entries WHERE id = ?`, id)
	return errors.Wrap(err, "deleting whitelist entry")
}

// HasOverlappingWhitelistEntry reports whether ip is already covered by
// an existing entry, used by AutoWhitelistAdmin to avoid duplicates.
func (s *ConfigStore) HasOverlappingWhitelistEntry(ctx context.Context, ip string) (bool, error) {
	entries, err := s.WhitelistEntries(ctx)
	if err != nil {
		return false, err
	}
	addr, addrErr := netip.ParseAddr(ip)
	for _, e := range entries {
		if e.IPAddress != nil && *e.IPAddress == ip {
			return true, nil
		}
		if e.IPRange != nil && addrErr == nil {
			if prefix, err := netip.ParsePrefix(*e.IPRange); err == nil && prefix.Contains(addr) {
				return true, nil
			}
		}
	}
	return false, nil
}

// AutoWhitelistAdmin whitelists ip after a successful admin login
// (spec.md §4.2), inserting a type=admin_auto entry at priority 50
// unless ip is already covered by an existing entry.
func (s *ConfigStore) AutoWhitelistAdmin(ctx context.Context, ip string, userID string) error {
	overlap, err := s.HasOverlappingWhitelistEntry(ctx, ip)
	if err != nil {
		return err
	}
	if overlap {
		return nil
	}

	addedBy := userID
	_, err = s.AddWhitelistEntry(ctx, model.WhitelistEntry{
		IPAddress: &ip,
		Type:      model.WhitelistAdminAuto,
		Priority:  50,
		Reason:    "admin login",
		AddedBy:   &addedBy,
	})
	return err
}

// --- Integrations ---

// Integrations returns every integration row.
func (s *ConfigStore) Integrations(ctx context.Context) ([]model.Integration, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, provider, enabled, credentials_encrypted, tag FROM integrations`)
	if err != nil {
		return nil, errors.Wrap(err, "querying integrations")
	}
	defer rows.Close()

	var out []model.Integration
	for rows.Next() {
		var in model.Integration
		var enabled int
		var creds []byte
		if err := rows.Scan(&in.ID, &in.Name, &in.Provider, &enabled, &creds, &in.Tag); err != nil {
			return nil, errors.Wrap(err, "scanning integration")
		}
		in.Enabled = enabled != 0
		in.CredentialsEncrypted = creds
		out = append(out, in)
	}
	return out, errors.Wrap(rows.Err(), "iterating integrations")
}

// EnabledIntegrations filters Integrations to enabled=1.
func (s *ConfigStore) EnabledIntegrations(ctx context.Context) ([]model.Integration, error) {
	all, err := s.Integrations(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, in := range all {
		if in.Enabled {
			out = append(out, in)
		}
	}
	return out, nil
}

// UpsertIntegration inserts or replaces an integration row.
func (s *ConfigStore) UpsertIntegration(ctx context.Context, in model.Integration) (int64, error) {
	if in.ID == 0 {
		res, err := s.db.ExecContext(ctx, `INSERT INTO integrations (name, provider, enabled, credentials_encrypted, tag) VALUES (?, ?, ?, ?, ?)`,
			in.Name, in.Provider, boolToInt(in.Enabled), in.CredentialsEncrypted, in.Tag)
		if err != nil {
			return 0, errors.Wrap(err, "inserting integration")
		}
		return res.LastInsertId()
	}
	_, err := s.db.ExecContext(ctx, `UPDATE integrations SET name=?, provider=?, enabled=?, credentials_encrypted=?, tag=? WHERE id=?`,
		in.Name, in.Provider, boolToInt(in.Enabled), in.CredentialsEncrypted, in.Tag, in.ID)
	return in.ID, errors.Wrap(err, "updating integration")
}

// --- Detection rules ---

// DetectionRules returns every detection rule, ascending by priority.
func (s *ConfigStore) DetectionRules(ctx context.Context) ([]model.DetectionRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, enabled, priority, time_window_s, threshold, attack_types, severity_filter, proxy_id, ban_duration_s, ban_severity
		FROM detection_rules ORDER BY priority ASC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying detection rules")
	}
	defer rows.Close()

	var out []model.DetectionRule
	for rows.Next() {
		var r model.DetectionRule
		var enabled int
		var attackTypes string
		var proxyID, banDuration sql.NullInt64
		if err := rows.Scan(&r.ID, &r.Name, &enabled, &r.Priority, &r.TimeWindowS, &r.Threshold, &attackTypes,
			&r.SeverityFilter, &proxyID, &banDuration, &r.BanSeverity); err != nil {
			return nil, errors.Wrap(err, "scanning detection rule")
		}
		r.Enabled = enabled != 0
		r.AttackTypes = splitCSV(attackTypes)
		if proxyID.Valid {
			v := proxyID.Int64
			r.ProxyID = &v
		}
		if banDuration.Valid {
			v := int(banDuration.Int64)
			r.BanDurationS = &v
		}
		out = append(out, r)
	}
	return out, errors.Wrap(rows.Err(), "iterating detection rules")
}

// UpsertDetectionRule inserts or replaces a detection rule.
func (s *ConfigStore) UpsertDetectionRule(ctx context.Context, r model.DetectionRule) (int64, error) {
	attackTypes := strings.Join(r.AttackTypes, ",")
	if r.ID == 0 {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO detection_rules (name, enabled, priority, time_window_s, threshold, attack_types, severity_filter, proxy_id, ban_duration_s, ban_severity)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.Name, boolToInt(r.Enabled), r.Priority, r.TimeWindowS, r.Threshold, attackTypes, r.SeverityFilter, r.ProxyID, r.BanDurationS, r.BanSeverity)
		if err != nil {
			return 0, errors.Wrap(err, "inserting detection rule")
		}
		return res.LastInsertId()
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE detection_rules SET name=?, enabled=?, priority=?, time_window_s=?, threshold=?, attack_types=?, severity_filter=?, proxy_id=?, ban_duration_s=?, ban_severity=?
		WHERE id=?`,
		r.Name, boolToInt(r.Enabled), r.Priority, r.TimeWindowS, r.Threshold, attackTypes, r.SeverityFilter, r.ProxyID, r.BanDurationS, r.BanSeverity, r.ID)
	return r.ID, errors.Wrap(err, "updating detection rule")
}
