// Package config loads wafguard's settings through viper, the same
// way the teacher's service/cmd/root.go binds cobra flags, a YAML file
// under $HOME, and environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Settings is the fully-resolved configuration for one wafguardd process.
type Settings struct {
	// Audit-log ingestor (C7).
	AuditLogPath    string
	BatchSize       int
	BatchInterval   time.Duration
	BackfillEvery   time.Duration
	BackfillWindow  time.Duration

	// Event store (C1).
	EventDBPath     string
	ConfigDBPath    string
	RetentionDays   int
	PurgeAtLocal    string // "HH:MM", local time of day
	BackfillLookback time.Duration

	// Detection engine (C8).
	DetectionPollInterval time.Duration
	DetectionWindowMax    time.Duration
	DetectionCleanupEvery time.Duration

	// Ban orchestrator / queue / reconciliation (C4-C6).
	ExpirySweepInterval   time.Duration
	ReconcileInterval     time.Duration
	ProviderCallTimeout   time.Duration
	QueueMaxAttempts      int
	QueueBackoffBase      time.Duration
	QueueBackoffCap       time.Duration

	// Credential encryption (§6).
	CredentialKeyEnvVar string

	// Notification dispatcher (C9).
	NotifyOutboundCommand string
	NotifyBatchInterval   time.Duration
	NotifyHighSeverityCooldown time.Duration
	NotifyWAFThreshold    int
	NotifyWAFWindow       time.Duration
	DailyReportCron       string
	CertExpiryWarnDays    int

	// Shutdown.
	ShutdownGrace time.Duration
}

// Defaults returns the settings baseline before viper overrides are applied.
func Defaults() Settings {
	return Settings{
		AuditLogPath:          "/var/log/modsecurity/audit.json",
		BatchSize:             100,
		BatchInterval:         2 * time.Second,
		BackfillEvery:         2 * time.Minute,
		BackfillWindow:        10 * time.Minute,
		EventDBPath:           "waf-events.db",
		ConfigDBPath:          "database.db",
		RetentionDays:         90,
		PurgeAtLocal:          "03:30",
		BackfillLookback:      5 * time.Minute,
		DetectionPollInterval: 5 * time.Second,
		DetectionWindowMax:    60 * time.Minute,
		DetectionCleanupEvery: 5 * time.Minute,
		ExpirySweepInterval:   60 * time.Second,
		ReconcileInterval:     60 * time.Second,
		ProviderCallTimeout:   10 * time.Second,
		QueueMaxAttempts:      5,
		QueueBackoffBase:      2 * time.Second,
		QueueBackoffCap:       5 * time.Minute,
		CredentialKeyEnvVar:   "WAFGUARD_CREDENTIAL_KEY",
		NotifyOutboundCommand: "",
		NotifyBatchInterval:   0,
		NotifyHighSeverityCooldown: 5 * time.Minute,
		NotifyWAFThreshold:    10,
		NotifyWAFWindow:       5 * time.Minute,
		DailyReportCron:       "0 6 * * *",
		CertExpiryWarnDays:    14,
		ShutdownGrace:         30 * time.Second,
	}
}

// Load binds Defaults() onto viper, reads the optional config file and
// environment overrides, and returns the resolved Settings. A
// malformed value is a validation error surfaced to the caller, who
// treats it as the Fatal kind from spec.md §7 ("missing encryption key
// when required" is checked later, at first credential write, not here).
func Load(v *viper.Viper) (Settings, error) {
	d := Defaults()

	v.SetDefault("audit_log_path", d.AuditLogPath)
	v.SetDefault("batch_size", d.BatchSize)
	v.SetDefault("batch_interval", d.BatchInterval)
	v.SetDefault("backfill_every", d.BackfillEvery)
	v.SetDefault("backfill_window", d.BackfillWindow)
	v.SetDefault("event_db_path", d.EventDBPath)
	v.SetDefault("config_db_path", d.ConfigDBPath)
	v.SetDefault("retention_days", d.RetentionDays)
	v.SetDefault("purge_at_local", d.PurgeAtLocal)
	v.SetDefault("backfill_lookback", d.BackfillLookback)
	v.SetDefault("detection_poll_interval", d.DetectionPollInterval)
	v.SetDefault("detection_window_max", d.DetectionWindowMax)
	v.SetDefault("detection_cleanup_every", d.DetectionCleanupEvery)
	v.SetDefault("expiry_sweep_interval", d.ExpirySweepInterval)
	v.SetDefault("reconcile_interval", d.ReconcileInterval)
	v.SetDefault("provider_call_timeout", d.ProviderCallTimeout)
	v.SetDefault("queue_max_attempts", d.QueueMaxAttempts)
	v.SetDefault("queue_backoff_base", d.QueueBackoffBase)
	v.SetDefault("queue_backoff_cap", d.QueueBackoffCap)
	v.SetDefault("credential_key_env_var", d.CredentialKeyEnvVar)
	v.SetDefault("notify_outbound_command", d.NotifyOutboundCommand)
	v.SetDefault("notify_batch_interval", d.NotifyBatchInterval)
	v.SetDefault("notify_high_severity_cooldown", d.NotifyHighSeverityCooldown)
	v.SetDefault("notify_waf_threshold", d.NotifyWAFThreshold)
	v.SetDefault("notify_waf_window", d.NotifyWAFWindow)
	v.SetDefault("daily_report_cron", d.DailyReportCron)
	v.SetDefault("cert_expiry_warn_days", d.CertExpiryWarnDays)
	v.SetDefault("shutdown_grace", d.ShutdownGrace)

	s := Settings{
		AuditLogPath:               v.GetString("audit_log_path"),
		BatchSize:                  v.GetInt("batch_size"),
		BatchInterval:              v.GetDuration("batch_interval"),
		BackfillEvery:              v.GetDuration("backfill_every"),
		BackfillWindow:             v.GetDuration("backfill_window"),
		EventDBPath:                v.GetString("event_db_path"),
		ConfigDBPath:               v.GetString("config_db_path"),
		RetentionDays:              v.GetInt("retention_days"),
		PurgeAtLocal:               v.GetString("purge_at_local"),
		BackfillLookback:           v.GetDuration("backfill_lookback"),
		DetectionPollInterval:      v.GetDuration("detection_poll_interval"),
		DetectionWindowMax:         v.GetDuration("detection_window_max"),
		DetectionCleanupEvery:      v.GetDuration("detection_cleanup_every"),
		ExpirySweepInterval:        v.GetDuration("expiry_sweep_interval"),
		ReconcileInterval:          v.GetDuration("reconcile_interval"),
		ProviderCallTimeout:        v.GetDuration("provider_call_timeout"),
		QueueMaxAttempts:           v.GetInt("queue_max_attempts"),
		QueueBackoffBase:           v.GetDuration("queue_backoff_base"),
		QueueBackoffCap:            v.GetDuration("queue_backoff_cap"),
		CredentialKeyEnvVar:        v.GetString("credential_key_env_var"),
		NotifyOutboundCommand:      v.GetString("notify_outbound_command"),
		NotifyBatchInterval:        v.GetDuration("notify_batch_interval"),
		NotifyHighSeverityCooldown: v.GetDuration("notify_high_severity_cooldown"),
		NotifyWAFThreshold:         v.GetInt("notify_waf_threshold"),
		NotifyWAFWindow:            v.GetDuration("notify_waf_window"),
		DailyReportCron:            v.GetString("daily_report_cron"),
		CertExpiryWarnDays:         v.GetInt("cert_expiry_warn_days"),
		ShutdownGrace:              v.GetDuration("shutdown_grace"),
	}

	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate rejects settings combinations that would make the pipeline
// silently misbehave rather than fail fast at startup.
func (s Settings) Validate() error {
	if s.AuditLogPath == "" {
		return errors.New("audit_log_path must be set")
	}
	if s.BatchSize <= 0 {
		return errors.New("batch_size must be positive")
	}
	if s.RetentionDays <= 0 {
		return errors.New("retention_days must be positive")
	}
	if _, _, err := parseClock(s.PurgeAtLocal); err != nil {
		return errors.Wrapf(err, "invalid purge_at_local %q", s.PurgeAtLocal)
	}
	if s.QueueMaxAttempts <= 0 {
		return errors.New("queue_max_attempts must be positive")
	}
	return nil
}

func parseClock(s string) (hour, minute int, err error) {
	if _, err := fmt.Sscanf(s, "%d:%d", &hour, &minute); err != nil {
		return 0, 0, errors.New("expected HH:MM")
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return 0, 0, errors.New("out of range")
	}
	return hour, minute, nil
}

// PurgeCronExpr turns PurgeAtLocal ("HH:MM") into a 5-field cron
// expression for robfig/cron, run once a day.
func (s Settings) PurgeCronExpr() string {
	hour, minute, _ := parseClock(s.PurgeAtLocal)
	return fmt.Sprintf("%d %d * * *", minute, hour)
}
