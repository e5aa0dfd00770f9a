// Package model holds the data types shared by every wafguard
// subsystem: proxies (read-only, owned by the external config
// collaborator), WAF events, detection rules, bans, whitelist entries,
// integrations and notification records.
package model

import "time"

// ConfigStatus is the lifecycle state of a Proxy's generated nginx config.
type ConfigStatus string

const (
	ConfigPending ConfigStatus = "pending"
	ConfigActive  ConfigStatus = "active"
	ConfigError   ConfigStatus = "error"
)

// Proxy is owned by the external nginx-config collaborator; wafguard
// only reads it to resolve WAF events to a managed site.
type Proxy struct {
	ID             int64
	Name           string
	DomainNames    []string // parsed from the stored comma list
	ForwardHost    string
	ForwardPort    int
	Enabled        bool
	ConfigFilename string
	ConfigStatus   ConfigStatus
}

// WAFEvent is one ModSecurity audit-log entry with at least one rule
// match. Immutable once inserted.
type WAFEvent struct {
	ID            int64
	ProxyID       *int64
	Timestamp     time.Time
	ClientIP      string
	RequestMethod string
	RequestURI    string
	AttackType    string
	RuleID        string
	Severity      string // textual form, e.g. "CRITICAL"
	Message       string
	RawLog        string
	Blocked       bool
	Notified      bool
}

// DetectionRule is a threshold over a sliding window of events.
type DetectionRule struct {
	ID              int64
	Name            string
	Enabled         bool
	Priority        int // ascending = evaluated first
	TimeWindowS     int
	Threshold       int
	AttackTypes     []string // empty or containing "*" = match all
	SeverityFilter  string   // ALL, WARNING, ERROR, CRITICAL
	ProxyID         *int64
	BanDurationS    *int // nil = permanent
	BanSeverity     string
}

// MatchesAll reports whether the rule's attack type set is a wildcard.
func (r DetectionRule) MatchesAll() bool {
	if len(r.AttackTypes) == 0 {
		return true
	}
	for _, t := range r.AttackTypes {
		if t == "*" {
			return true
		}
	}
	return false
}

// NotifiedIntegration records that a ban was propagated to one
// integration, and under which provider-side identifier.
type NotifiedIntegration struct {
	IntegrationID int64
	ProviderBanID string
	NotifiedAt    time.Time
}

// Ban is the authoritative record that an IP should be blocked upstream.
type Ban struct {
	ID                  int64
	IPAddress           string
	Reason              string
	AttackType          *string
	EventCount          int
	Severity            string
	BannedAt            time.Time
	ExpiresAt           *time.Time // nil = permanent
	UnbannedAt          *time.Time
	UnbannedBy          *string
	AutoBanned          bool
	BannedBy            *string
	ProxyID             *int64
	DetectionRuleID     *int64
	SampleEvents        []int64 // up to 5 WAFEvent ids
	IntegrationsNotified []NotifiedIntegration
}

// Active reports whether this ban currently blocks its IP.
func (b Ban) Active(now time.Time) bool {
	if b.UnbannedAt != nil {
		return false
	}
	if b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Permanent reports whether the ban has no expiry.
func (b Ban) Permanent() bool {
	return b.ExpiresAt == nil
}

// WhitelistType distinguishes how a whitelist entry was created.
type WhitelistType string

const (
	WhitelistManual   WhitelistType = "manual"
	WhitelistAdminAuto WhitelistType = "admin_auto"
	WhitelistSystem   WhitelistType = "system"
)

// WhitelistEntry is an IP or CIDR range that must never be banned.
type WhitelistEntry struct {
	ID        int64
	IPAddress *string
	IPRange   *string // CIDR; exactly one of IPAddress/IPRange is set
	Type      WhitelistType
	Priority  int // 1 = highest
	Reason    string
	AddedBy   *string
}

// Integration is an external firewall/CDN/edge system able to enforce bans.
type Integration struct {
	ID                   int64
	Name                 string
	Provider             string // tag selecting the firewall.Provider implementation
	Enabled              bool
	CredentialsEncrypted []byte
	Tag                  string // optional scope (zone, ACL list, etc.)
}

// NotificationStatus is the outcome of an outbound notification attempt.
type NotificationStatus string

const (
	NotificationSent   NotificationStatus = "sent"
	NotificationFailed NotificationStatus = "failed"
)

// NotificationRecord is a persisted log of one outbound notification attempt.
type NotificationRecord struct {
	ID       int64
	Channel  string
	EventType string
	Title    string
	Body     string
	Severity string
	Status   NotificationStatus
	SentAt   time.Time
	Error    string
}

// MatrixRule is a configurable notification escalation rule (§4.9).
type MatrixRule struct {
	ID                int64
	SeverityLevel     string
	CountThreshold    int
	TimeWindowS       int
	NotificationDelayS int
	LastTriggered     *time.Time
}

// Schedule is a cron-style recurring job, e.g. the daily report.
type Schedule struct {
	ID       int64
	Name     string
	CronExpr string
	Enabled  bool
}

// Template is a named body/title template for a notification event type.
type Template struct {
	ID        int64
	EventType string
	Title     string
	Body      string
}
