package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/wafguard/wafguard/internal/model"
)

// InsertBan writes a new ban row and returns its id. Per spec.md §4.5,
// the row is written before any provider call is attempted.
func (s *ConfigStore) InsertBan(ctx context.Context, b model.Ban) (int64, error) {
	samples, err := json.Marshal(b.SampleEvents)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling sample events")
	}
	notified, err := json.Marshal(b.IntegrationsNotified)
	if err != nil {
		return 0, errors.Wrap(err, "marshaling integrations_notified")
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO bans (ip_address, reason, attack_type, event_count, severity, banned_at, expires_at, auto_banned, banned_by, proxy_id, detection_rule_id, sample_events, integrations_notified)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.IPAddress, b.Reason, b.AttackType, b.EventCount, b.Severity, b.BannedAt, b.ExpiresAt,
		boolToInt(b.AutoBanned), b.BannedBy, b.ProxyID, b.DetectionRuleID, string(samples), string(notified))
	if err != nil {
		return 0, errors.Wrap(err, "inserting ban")
	}
	return res.LastInsertId()
}

// ActiveBanForIP returns the currently-active ban for ip, or nil.
// spec.md invariant (b): at most one row per ip_address satisfies
// "active" at any time.
func (s *ConfigStore) ActiveBanForIP(ctx context.Context, ip string, now time.Time) (*model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+banColumns+` FROM bans
		WHERE ip_address = ? AND unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)
		ORDER BY banned_at DESC LIMIT 1`, ip, now)
	return scanBanRow(row)
}

// Ban returns a ban by id, or nil.
func (s *ConfigStore) Ban(ctx context.Context, id int64) (*model.Ban, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+banColumns+` FROM bans WHERE id = ?`, id)
	return scanBanRow(row)
}

// ActiveBans returns every currently-active ban.
func (s *ConfigStore) ActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+banColumns+` FROM bans WHERE unbanned_at IS NULL AND (expires_at IS NULL OR expires_at > ?)`, now)
	if err != nil {
		return nil, errors.Wrap(err, "querying active bans")
	}
	defer rows.Close()
	return scanBanRows(rows)
}

// ExpiredActiveBans returns active bans whose expiry has passed,
// for the expiry sweep and reconciliation's safety-net pass.
func (s *ConfigStore) ExpiredActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+banColumns+` FROM bans WHERE unbanned_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?`, now)
	if err != nil {
		return nil, errors.Wrap(err, "querying expired bans")
	}
	defer rows.Close()
	return scanBanRows(rows)
}

// AllBans returns every ban, newest first; used by statistics and listing.
func (s *ConfigStore) AllBans(ctx context.Context) ([]model.Ban, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+banColumns+` FROM bans ORDER BY banned_at DESC`)
	if err != nil {
		return nil, errors.Wrap(err, "querying all bans")
	}
	defer rows.Close()
	return scanBanRows(rows)
}

// MarkUnbanned sets unbanned_at/unbanned_by on a ban. Idempotent: a
// second call on an already-unbanned ban is a silent no-op return.
func (s *ConfigStore) MarkUnbanned(ctx context.Context, id int64, at time.Time, by *string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bans SET unbanned_at = ?, unbanned_by = ? WHERE id = ? AND unbanned_at IS NULL`, at, by, id)
	return errors.Wrap(err, "marking ban unbanned")
}

// SetExpiresAt updates a ban's expiry (nil makes it permanent).
func (s *ConfigStore) SetExpiresAt(ctx context.Context, id int64, expiresAt *time.Time) error {
	_, err := s.db.ExecContext(ctx, `UPDATE bans SET expires_at = ? WHERE id = ?`, expiresAt, id)
	return errors.Wrap(err, "setting ban expiry")
}

// AppendNotifiedIntegration records that a ban was propagated to one
// integration under a provider-side id.
func (s *ConfigStore) AppendNotifiedIntegration(ctx context.Context, banID int64, entry model.NotifiedIntegration) error {
	b, err := s.Ban(ctx, banID)
	if err != nil {
		return err
	}
	if b == nil {
		return errors.Errorf("ban %d not found", banID)
	}
	b.IntegrationsNotified = append(b.IntegrationsNotified, entry)
	encoded, err := json.Marshal(b.IntegrationsNotified)
	if err != nil {
		return errors.Wrap(err, "marshaling integrations_notified")
	}
	_, err = s.db.ExecContext(ctx, `UPDATE bans SET integrations_notified = ? WHERE id = ?`, string(encoded), banID)
	return errors.Wrap(err, "appending notified integration")
}

const banColumns = `id, ip_address, reason, attack_type, event_count, severity, banned_at, expires_at, unbanned_at, unbanned_by, auto_banned, banned_by, proxy_id, detection_rule_id, sample_events, integrations_notified`

func scanBanRow(row *sql.Row) (*model.Ban, error) {
	var b model.Ban
	var attackType, unbannedBy, bannedBy sql.NullString
	var expiresAt, unbannedAt sql.NullTime
	var proxyID, ruleID sql.NullInt64
	var autoBanned int
	var samplesJSON, notifiedJSON string

	err := row.Scan(&b.ID, &b.IPAddress, &b.Reason, &attackType, &b.EventCount, &b.Severity, &b.BannedAt,
		&expiresAt, &unbannedAt, &unbannedBy, &autoBanned, &bannedBy, &proxyID, &ruleID, &samplesJSON, &notifiedJSON)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scanning ban")
	}
	applyBanNullables(&b, attackType, unbannedBy, bannedBy, expiresAt, unbannedAt, proxyID, ruleID, autoBanned, samplesJSON, notifiedJSON)
	return &b, nil
}

func scanBanRows(rows *sql.Rows) ([]model.Ban, error) {
	var out []model.Ban
	for rows.Next() {
		var b model.Ban
		var attackType, unbannedBy, bannedBy sql.NullString
		var expiresAt, unbannedAt sql.NullTime
		var proxyID, ruleID sql.NullInt64
		var autoBanned int
		var samplesJSON, notifiedJSON string

		if err := rows.Scan(&b.ID, &b.IPAddress, &b.Reason, &attackType, &b.EventCount, &b.Severity, &b.BannedAt,
			&expiresAt, &unbannedAt, &unbannedBy, &autoBanned, &bannedBy, &proxyID, &ruleID, &samplesJSON, &notifiedJSON); err != nil {
			return nil, errors.Wrap(err, "scanning ban row")
		}
		applyBanNullables(&b, attackType, unbannedBy, bannedBy, expiresAt, unbannedAt, proxyID, ruleID, autoBanned, samplesJSON, notifiedJSON)
		out = append(out, b)
	}
	return out, errors.Wrap(rows.Err(), "iterating ban rows")
}

func applyBanNullables(b *model.Ban, attackType, unbannedBy, bannedBy sql.NullString, expiresAt, unbannedAt sql.NullTime,
	proxyID, ruleID sql.NullInt64, autoBanned int, samplesJSON, notifiedJSON string) {
	if attackType.Valid {
		v := attackType.String
		b.AttackType = &v
	}
	if unbannedBy.Valid {
		v := unbannedBy.String
		b.UnbannedBy = &v
	}
	if bannedBy.Valid {
		v := bannedBy.String
		b.BannedBy = &v
	}
	if expiresAt.Valid {
		v := expiresAt.Time
		b.ExpiresAt = &v
	}
	if unbannedAt.Valid {
		v := unbannedAt.Time
		b.UnbannedAt = &v
	}
	if proxyID.Valid {
		v := proxyID.Int64
		b.ProxyID = &v
	}
	if ruleID.Valid {
		v := ruleID.Int64
		b.DetectionRuleID = &v
	}
	b.AutoBanned = autoBanned != 0
	if strings.TrimSpace(samplesJSON) != "" {
		_ = json.Unmarshal([]byte(samplesJSON), &b.SampleEvents)
	}
	if strings.TrimSpace(notifiedJSON) != "" {
		_ = json.Unmarshal([]byte(notifiedJSON), &b.IntegrationsNotified)
	}
}
