// Package notify implements the notification dispatcher (C9, spec.md
// §4.9): a cooldown-gated fan-out to a configurable external command,
// triggered by WAF-block thresholds, high-severity events, system
// errors, proxy lifecycle changes, certificate expiry, ban lifecycle
// events and a daily report. Implements ban.Dispatcher so the ban
// orchestrator (C5) can call into it without an import cycle.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/model"
)

// Store is the subset of *store.ConfigStore the dispatcher needs.
type Store interface {
	InsertNotificationRecord(ctx context.Context, n model.NotificationRecord) (int64, error)
	MatrixRules(ctx context.Context) ([]model.MatrixRule, error)
	MarkMatrixRuleTriggered(ctx context.Context, id int64, at time.Time) error
	Templates(ctx context.Context) (map[string]model.Template, error)
}

// Sender delivers one rendered notification and reports success.
// Implemented by CommandSender (the default, an external process) so
// tests can substitute a fake. tag is the channel contract's
// deduplication/correlation tag (spec.md §6), e.g. the IP or resource
// the notification is about; empty when a notification has none.
type Sender interface {
	Send(ctx context.Context, eventType, title, body, tag string, urls []string) error
}

// Config configures a Dispatcher.
type Config struct {
	HighSeverityCooldown time.Duration
	WAFThreshold         int
	WAFWindow            time.Duration
	BatchInterval        time.Duration // 0 disables batching
}

type batchedEntry struct {
	eventType   string
	title, body string
	tag         string
	urls        []string
	scheduledAt time.Time
}

// Dispatcher is C9.
type Dispatcher struct {
	store  Store
	sender Sender
	cfg    Config
	log    *logrus.Entry

	mu       sync.Mutex
	cooldown map[string]time.Time

	batchMu sync.Mutex
	batch   []batchedEntry
}

// New builds a Dispatcher. Call RunBatcher to start its batching worker (a
// no-op if cfg.BatchInterval is zero).
func New(store Store, sender Sender, cfg Config, log *logrus.Entry) *Dispatcher {
	return &Dispatcher{
		store:    store,
		sender:   sender,
		cfg:      cfg,
		log:      log,
		cooldown: make(map[string]time.Time),
	}
}

// cooldownKey implements SPEC_FULL.md's decided cooldown scheme:
// "<event_type>:<dedupe_key>".
func cooldownKey(eventType, dedupeKey string) string {
	return eventType + ":" + dedupeKey
}

// allow reports whether eventType/dedupeKey is past its cooldown, and
// if so marks it sent now.
func (d *Dispatcher) allow(eventType, dedupeKey string, cooldown time.Duration) bool {
	key := cooldownKey(eventType, dedupeKey)
	now := time.Now()

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldown[key]; ok && now.Sub(last) < cooldown {
		return false
	}
	d.cooldown[key] = now
	return true
}

// Dispatch renders and sends (or batches) one notification, then
// persists the outcome. tag is the outbound channel contract's
// correlation tag (spec.md §4.9/§6); pass "" when none applies.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType, title, body, tag, severity string, urls []string) {
	if d.cfg.BatchInterval > 0 {
		d.batchMu.Lock()
		d.batch = append(d.batch, batchedEntry{
			eventType:   eventType,
			title:       title,
			body:        body,
			tag:         tag,
			urls:        urls,
			scheduledAt: time.Now().Add(d.cfg.BatchInterval),
		})
		d.batchMu.Unlock()
		return
	}
	d.send(ctx, eventType, title, body, tag, severity, urls)
}

func (d *Dispatcher) send(ctx context.Context, eventType, title, body, tag, severity string, urls []string) {
	record := model.NotificationRecord{
		Channel:   "outbound_command",
		EventType: eventType,
		Title:     title,
		Body:      body,
		Severity:  severity,
		SentAt:    time.Now(),
	}

	if err := d.sender.Send(ctx, eventType, title, body, tag, urls); err != nil {
		record.Status = model.NotificationFailed
		record.Error = err.Error()
		d.log.WithError(err).WithField("event_type", eventType).Error("notification delivery failed")
	} else {
		record.Status = model.NotificationSent
	}

	if _, err := d.store.InsertNotificationRecord(ctx, record); err != nil {
		d.log.WithError(err).Error("failed to persist notification record")
	}
}

// renderOrDefault looks up an operator-configured template override for
// eventType and, if one exists, renders its title/body against data.
// Falls back to defaultTitle/defaultBody whenever no override is
// configured or the override fails to parse/execute, so a broken
// template never blocks a notification from going out.
func (d *Dispatcher) renderOrDefault(ctx context.Context, eventType, defaultTitle, defaultBody string, data map[string]string) (string, string) {
	templates, err := d.store.Templates(ctx)
	if err != nil {
		d.log.WithError(err).Warn("failed to load notification templates; using defaults")
		return defaultTitle, defaultBody
	}
	tmpl, ok := templates[eventType]
	if !ok {
		return defaultTitle, defaultBody
	}

	title, err := renderTemplateString(tmpl.Title, data)
	if err != nil {
		d.log.WithError(err).WithField("event_type", eventType).Warn("failed to render title template; using default")
		title = defaultTitle
	}
	body, err := renderTemplateString(tmpl.Body, data)
	if err != nil {
		d.log.WithError(err).WithField("event_type", eventType).Warn("failed to render body template; using default")
		body = defaultBody
	}
	return title, body
}

func renderTemplateString(s string, data map[string]string) (string, error) {
	t, err := template.New("notify").Parse(s)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RunBatcher processes due batched entries every tick until ctx is
// canceled. A no-op loop if batching is disabled.
func (d *Dispatcher) RunBatcher(ctx context.Context) {
	if d.cfg.BatchInterval <= 0 {
		return
	}
	ticker := time.NewTicker(d.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.flushDueBatch(ctx)
		}
	}
}

func (d *Dispatcher) flushDueBatch(ctx context.Context) {
	now := time.Now()
	d.batchMu.Lock()
	var due []batchedEntry
	var pending []batchedEntry
	for _, e := range d.batch {
		if e.scheduledAt.After(now) {
			pending = append(pending, e)
		} else {
			due = append(due, e)
		}
	}
	d.batch = pending
	d.batchMu.Unlock()

	for _, e := range due {
		d.send(ctx, e.eventType, e.title, e.body, e.tag, "", e.urls)
	}
}

// NotifyWAFBlock fires when blockedCount within the configured window
// crosses the threshold, per spec.md §4.9's threshold mode.
func (d *Dispatcher) NotifyWAFBlock(ctx context.Context, blockedCount int) {
	if blockedCount < d.cfg.WAFThreshold {
		return
	}
	if !d.allow("waf_blocks_threshold", "global", d.cfg.WAFWindow) {
		return
	}
	data := map[string]string{"Count": fmt.Sprintf("%d", blockedCount), "Window": d.cfg.WAFWindow.String()}
	title, body := d.renderOrDefault(ctx, "waf_blocks_threshold",
		"WAF block threshold exceeded",
		fmt.Sprintf("%d requests blocked in the last %s", blockedCount, d.cfg.WAFWindow),
		data)
	d.Dispatch(ctx, "waf_blocks_threshold", title, body, "global", "WARNING", nil)
}

// NotifyHighSeverity fires for a CRITICAL/ERROR WAF event from ip,
// cooled down per-IP.
func (d *Dispatcher) NotifyHighSeverity(ctx context.Context, ip, attackType, severity string) {
	if !d.allow("high_severity", ip, d.cfg.HighSeverityCooldown) {
		return
	}
	data := map[string]string{"IP": ip, "AttackType": attackType, "Severity": severity}
	title, body := d.renderOrDefault(ctx, "high_severity",
		"High-severity WAF event",
		fmt.Sprintf("%s attack detected from %s", attackType, ip),
		data)
	d.Dispatch(ctx, "high_severity", title, body, ip, severity, nil)
}

// NotifySystemError implements ban.Dispatcher.
func (d *Dispatcher) NotifySystemError(ctx context.Context, component string, err error) {
	data := map[string]string{"Component": component, "Error": err.Error()}
	title, body := d.renderOrDefault(ctx, "system_error", fmt.Sprintf("%s error", component), err.Error(), data)
	d.Dispatch(ctx, "system_error", title, body, component, "ERROR", nil)
}

// NotifyProxyEvent fires for proxy lifecycle changes (created, config
// applied, config failed).
func (d *Dispatcher) NotifyProxyEvent(ctx context.Context, proxyName, event string) {
	data := map[string]string{"Proxy": proxyName, "Event": event}
	title, body := d.renderOrDefault(ctx, "proxy_event", fmt.Sprintf("Proxy %s: %s", proxyName, event), "", data)
	d.Dispatch(ctx, "proxy_event", title, body, proxyName, "NOTICE", nil)
}

// NotifyCertExpiry fires when a certificate is within its configured
// warning window.
func (d *Dispatcher) NotifyCertExpiry(ctx context.Context, domain string, daysLeft int) {
	if !d.allow("cert_expiry", domain, 24*time.Hour) {
		return
	}
	data := map[string]string{"Domain": domain, "DaysLeft": fmt.Sprintf("%d", daysLeft)}
	title, body := d.renderOrDefault(ctx, "cert_expiry",
		fmt.Sprintf("Certificate for %s expires in %d days", domain, daysLeft), "", data)
	d.Dispatch(ctx, "cert_expiry", title, body, domain, "WARNING", nil)
}

// NotifyBanCreated implements ban.Dispatcher.
func (d *Dispatcher) NotifyBanCreated(ctx context.Context, b model.Ban) {
	data := map[string]string{"IP": b.IPAddress, "Reason": b.Reason, "Severity": b.Severity}
	title, body := d.renderOrDefault(ctx, "ban_issued", fmt.Sprintf("Banned %s", b.IPAddress), b.Reason, data)
	d.Dispatch(ctx, "ban_issued", title, body, b.IPAddress, b.Severity, nil)
}

// NotifyBanCleared implements ban.Dispatcher.
func (d *Dispatcher) NotifyBanCleared(ctx context.Context, b model.Ban, manual bool) {
	how := "expired"
	if manual {
		how = "manually cleared"
	}
	data := map[string]string{"IP": b.IPAddress, "How": how}
	title, body := d.renderOrDefault(ctx, "ban_cleared", fmt.Sprintf("Ban on %s %s", b.IPAddress, how), "", data)
	d.Dispatch(ctx, "ban_cleared", title, body, b.IPAddress, "NOTICE", nil)
}

// NotifyDailyReport composes and sends the prior day's summary,
// called by Scheduler's daily-report cron job (scheduler.go).
func (d *Dispatcher) NotifyDailyReport(ctx context.Context, summary ReportSummary) {
	data := map[string]string{
		"Date":          summary.Date.Format("2006-01-02"),
		"TotalEvents":   fmt.Sprintf("%d", summary.TotalEvents),
		"BlockedEvents": fmt.Sprintf("%d", summary.BlockedEvents),
		"NewBans":       fmt.Sprintf("%d", summary.NewBans),
		"ActiveBans":    fmt.Sprintf("%d", summary.ActiveBans),
	}
	title, body := d.renderOrDefault(ctx, "daily_report",
		fmt.Sprintf("Daily report: %s", summary.Date.Format("2006-01-02")), summary.Render(), data)
	d.Dispatch(ctx, "daily_report", title, body, summary.Date.Format("2006-01-02"), "NOTICE", nil)
}

// ReportSummary composes the daily report body (spec.md §4.9).
type ReportSummary struct {
	Date           time.Time
	TotalEvents    int
	BlockedEvents  int
	NewBans        int
	ActiveBans     int
	TopAttackTypes []string
}

// Render renders the report as plain text for the outbound command.
func (r ReportSummary) Render() string {
	body := fmt.Sprintf("WAF events: %d (%d blocked)\nNew bans: %d\nActive bans: %d\n",
		r.TotalEvents, r.BlockedEvents, r.NewBans, r.ActiveBans)
	if len(r.TopAttackTypes) > 0 {
		body += "Top attack types: "
		for i, t := range r.TopAttackTypes {
			if i > 0 {
				body += ", "
			}
			body += t
		}
		body += "\n"
	}
	return body
}
