// Package result defines the structured {ok, reason, details} value
// used at component boundaries instead of an error, per spec.md §7:
// Refusal and Validation outcomes are expected control flow, not
// failures, so they never unwind as Go errors.
package result

// Reason is a short machine-parseable refusal/validation code.
type Reason string

const (
	ReasonWhitelisted      Reason = "whitelisted"
	ReasonAlreadyBanned    Reason = "already_banned"
	ReasonNotBanned        Reason = "not_banned"
	ReasonSystemEntry      Reason = "system_whitelist_entry"
	ReasonInvalidIP        Reason = "invalid_ip"
	ReasonInvalidCIDR      Reason = "invalid_cidr"
	ReasonUnknownProvider  Reason = "unknown_provider"
	ReasonMissingField     Reason = "missing_field"
)

// R is the outcome of an operation that can be refused or rejected
// without being an infrastructure failure.
type R struct {
	OK      bool
	Reason  Reason
	Details string
}

// Ok returns a successful result.
func Ok() R { return R{OK: true} }

// Refused returns a refusal result with reason and details.
func Refused(reason Reason, details string) R {
	return R{OK: false, Reason: reason, Details: details}
}
