package ingest

import (
	"encoding/json"
	"testing"
)

func decodeEntry(t *testing.T, raw string) (auditEntry, string) {
	t.Helper()
	var e auditEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		t.Fatalf("unmarshaling fixture: %s", err)
	}
	return e, raw
}

func TestExtractDerivesAttackTypeFromTag(t *testing.T) {
	e, raw := decodeEntry(t, `{
		"transaction": {
			"time_stamp": "2026-01-15T10:00:00Z",
			"client_ip": "203.0.113.4",
			"request": {"method": "GET", "uri": "/login?id=1' OR '1'='1"},
			"response": {"http_code": 403},
			"producer": {"intercepted": true},
			"messages": [{
				"message": "SQL Injection detected",
				"details": {"ruleId": "942100", "severity": 2, "tags": ["attack-sqli", "OWASP_CRS"]}
			}]
		}
	}`)

	ev, ok := extract(e, raw)
	if !ok {
		t.Fatal("expected extract to return ok=true for an entry with messages")
	}
	if ev.AttackType != "sqli" {
		t.Errorf("expected attack type sqli, got %q", ev.AttackType)
	}
	if ev.Severity != "CRITICAL" {
		t.Errorf("expected CRITICAL severity for numeric 2, got %q", ev.Severity)
	}
	if !ev.Blocked {
		t.Error("expected a 403 response to be marked blocked")
	}
	if ev.ClientIP != "203.0.113.4" {
		t.Errorf("unexpected client IP %q", ev.ClientIP)
	}
	if ev.RawLog != raw {
		t.Error("expected RawLog to carry the original audit-log line verbatim")
	}
}

func TestExtractNoMessagesIsNotAnEvent(t *testing.T) {
	e, raw := decodeEntry(t, `{"transaction": {"client_ip": "203.0.113.4"}}`)
	_, ok := extract(e, raw)
	if ok {
		t.Fatal("expected extract to return ok=false for an entry with no messages")
	}
}

func TestExtractUnknownAttackTypeWithTagsFallsBackToProtocolViolation(t *testing.T) {
	e, raw := decodeEntry(t, `{
		"transaction": {
			"client_ip": "203.0.113.4",
			"messages": [{"message": "generic rule hit", "details": {"tags": ["OWASP_CRS"]}}]
		}
	}`)
	ev, ok := extract(e, raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ev.AttackType != "protocol-violation" {
		t.Errorf("expected protocol-violation fallback, got %q", ev.AttackType)
	}
}

func TestExtractNoTagsIsUnknown(t *testing.T) {
	e, raw := decodeEntry(t, `{
		"transaction": {
			"client_ip": "203.0.113.4",
			"messages": [{"message": "generic rule hit", "details": {}}]
		}
	}`)
	ev, ok := extract(e, raw)
	if !ok {
		t.Fatal("expected ok=true")
	}
	if ev.AttackType != "unknown" {
		t.Errorf("expected unknown attack type, got %q", ev.AttackType)
	}
}

func TestParseAuditTimeFallsBackToAsctimeLayout(t *testing.T) {
	ts, err := parseAuditTime("Thu Jan 15 10:00:00 2026")
	if err != nil {
		t.Fatalf("parseAuditTime: %s", err)
	}
	if ts.Year() != 2026 {
		t.Errorf("expected year 2026, got %d", ts.Year())
	}
}

func TestHeaderValueIsCaseInsensitive(t *testing.T) {
	headers := map[string]string{"X-Forwarded-For": "203.0.113.4"}
	if got := headerValue(headers, "x-forwarded-for"); got != "203.0.113.4" {
		t.Errorf("expected case-insensitive header lookup, got %q", got)
	}
	if got := headerValue(headers, "absent"); got != "" {
		t.Errorf("expected empty string for missing header, got %q", got)
	}
}
