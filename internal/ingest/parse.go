package ingest

import (
	"strings"
	"time"

	"github.com/wafguard/wafguard/internal/model"
	"github.com/wafguard/wafguard/internal/severity"
)

// auditEntry is the minimum ModSecurity audit-log JSON schema this
// ingestor consumes (spec.md §6). Unknown fields are ignored by
// encoding/json's default decode behavior.
type auditEntry struct {
	Transaction struct {
		TimeStamp string `json:"time_stamp"`
		ClientIP  string `json:"client_ip"`
		HostIP    string `json:"host_ip"`
		Request   struct {
			Method  string            `json:"method"`
			URI     string            `json:"uri"`
			Headers map[string]string `json:"headers"`
		} `json:"request"`
		Response struct {
			HTTPCode int `json:"http_code"`
		} `json:"response"`
		Producer struct {
			Intercepted bool `json:"intercepted"`
		} `json:"producer"`
		Messages []struct {
			Message string `json:"message"`
			Details struct {
				RuleID   string   `json:"ruleId"`
				Severity int      `json:"severity"`
				Tags     []string `json:"tags"`
			} `json:"details"`
		} `json:"messages"`
	} `json:"transaction"`
}

// auditTimeLayout matches ModSecurity's time_stamp format when it is
// not already RFC3339; both are attempted.
const auditTimeLayout = "Mon Jan 2 15:04:05 2006"

// extract applies spec.md §4.7's extraction rules to one decoded
// audit entry. rawLine is the original JSON line, preserved verbatim
// into WAFEvent.RawLog per the §3 data model. Returns ok=false for
// entries with no messages (not a detection; engine startup noise or a
// passthrough line).
func extract(entry auditEntry, rawLine string) (model.WAFEvent, bool) {
	tx := entry.Transaction
	if len(tx.Messages) == 0 {
		return model.WAFEvent{}, false
	}

	first := tx.Messages[0]

	attackType := "unknown"
	hasTag := false
	for _, tag := range first.Details.Tags {
		hasTag = true
		if strings.HasPrefix(tag, "attack-") {
			attackType = strings.TrimPrefix(tag, "attack-")
			break
		}
	}
	if attackType == "unknown" && hasTag {
		attackType = "protocol-violation"
	}

	blocked := tx.Response.HTTPCode == 403 || tx.Producer.Intercepted

	ts, err := parseAuditTime(tx.TimeStamp)
	if err != nil {
		ts = time.Now().UTC()
	}

	return model.WAFEvent{
		Timestamp:     ts,
		ClientIP:      tx.ClientIP,
		RequestMethod: tx.Request.Method,
		RequestURI:    tx.Request.URI,
		AttackType:    attackType,
		RuleID:        first.Details.RuleID,
		Severity:      severity.FromModSecurity(first.Details.Severity).String(),
		Message:       first.Message,
		RawLog:        rawLine,
		Blocked:       blocked,
	}, true
}

func parseAuditTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse(auditTimeLayout, s)
}

// headerValue looks up a request header case-insensitively, since
// ModSecurity's JSON audit format does not normalize header key case.
func headerValue(headers map[string]string, name string) string {
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
