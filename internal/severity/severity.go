// Package severity maps ModSecurity's numeric severity scale onto the
// textual levels used by detection rule filters and WAF event records.
package severity

import "strings"

// Level is a WAF event severity, ordered from least to most urgent.
type Level int

const (
	Notice Level = iota
	Warning
	Error
	Critical
)

// Filter is the severity_filter on a DetectionRule.
type Filter int

const (
	FilterAll Filter = iota
	FilterWarning
	FilterError
	FilterCritical
)

func (l Level) String() string {
	switch l {
	case Critical:
		return "CRITICAL"
	case Error:
		return "ERROR"
	case Warning:
		return "WARNING"
	default:
		return "NOTICE"
	}
}

// ParseLevel parses the textual form back into a Level. Unknown input
// falls back to Notice, matching §9's "unknown fields logged and ignored".
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return Critical
	case "ERROR":
		return Error
	case "WARNING":
		return Warning
	default:
		return Notice
	}
}

// FromModSecurity maps ModSecurity's 0-5 numeric severity onto a Level.
// Source ambiguity (see SPEC_FULL.md): the reconstruction used here is
// 0-2 -> CRITICAL, 3 -> ERROR, 4 -> WARNING, 5 -> NOTICE.
func FromModSecurity(numeric int) Level {
	switch {
	case numeric <= 2:
		return Critical
	case numeric == 3:
		return Error
	case numeric == 4:
		return Warning
	default:
		return Notice
	}
}

// ParseFilter parses a severity_filter column/config value.
func ParseFilter(s string) Filter {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "CRITICAL":
		return FilterCritical
	case "ERROR":
		return FilterError
	case "WARNING":
		return FilterWarning
	default:
		return FilterAll
	}
}

func (f Filter) String() string {
	switch f {
	case FilterCritical:
		return "CRITICAL"
	case FilterError:
		return "ERROR"
	case FilterWarning:
		return "WARNING"
	default:
		return "ALL"
	}
}

// Allows reports whether a WAF event of the given level passes this
// filter. FilterAll passes everything; otherwise the event's level
// must be at least as urgent as the filter.
func (f Filter) Allows(level Level) bool {
	if f == FilterAll {
		return true
	}
	return level >= levelForFilter(f)
}

func levelForFilter(f Filter) Level {
	switch f {
	case FilterCritical:
		return Critical
	case FilterError:
		return Error
	case FilterWarning:
		return Warning
	default:
		return Notice
	}
}
