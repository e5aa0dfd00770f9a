// Package iputil implements the whitelist matching and private-range
// classification behaviors of spec.md §4.2, built on stdlib net/netip —
// no pack repo ships a richer CIDR library, and netip is the correct,
// modern idiom for this.
package iputil

import (
	"net/netip"

	"github.com/sirupsen/logrus"
)

// Entry mirrors model.WhitelistEntry's matching-relevant fields,
// decoupled from the store package to keep this package dependency-free.
type Entry struct {
	ID        int64
	IPAddress string // empty if IPRange is set
	IPRange   string // CIDR; empty if IPAddress is set
	Priority  int
	Reason    string
}

// Match is the whitelist entry (if any) that permitted an IP.
type Match struct {
	Entry Entry
}

// IsWhitelisted evaluates entries in ascending priority and returns the
// first match. Fails open (returns false, nil) on an internal parse
// error for the queried IP, per spec.md's "never wrongly permit the
// admin path" rule — the caller (ban orchestrator) still refuses to
// ban an IP it separately knows is whitelisted by definition.
func IsWhitelisted(entries []Entry, ip string, log *logrus.Entry) (bool, *Match) {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		if log != nil {
			log.WithError(err).WithField("ip", ip).Warn("whitelist check: unparseable IP, failing open")
		}
		return false, nil
	}

	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	insertionSortByPriority(sorted)

	for _, e := range sorted {
		if e.IPAddress != "" {
			other, err := netip.ParseAddr(e.IPAddress)
			if err != nil {
				continue
			}
			if other == addr {
				logMatch(log, ip, e)
				return true, &Match{Entry: e}
			}
			continue
		}
		if e.IPRange != "" {
			prefix, err := netip.ParsePrefix(e.IPRange)
			if err != nil {
				continue
			}
			if prefix.Contains(addr) {
				logMatch(log, ip, e)
				return true, &Match{Entry: e}
			}
		}
	}

	return false, nil
}

func logMatch(log *logrus.Entry, ip string, e Entry) {
	if log == nil {
		return
	}
	log.WithFields(logrus.Fields{
		"ip":               ip,
		"whitelist_entry":  e.ID,
		"whitelist_reason": e.Reason,
	}).Info("IP matched whitelist rule")
}

// insertionSortByPriority keeps the tiny whitelist sorted ascending by
// priority (1 = highest) without pulling in sort for a handful of rows
// on the hot ban path.
func insertionSortByPriority(entries []Entry) {
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].Priority < entries[j-1].Priority; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}
}

// IsPrivate reports whether ip is RFC1918/loopback/link-local (v4) or
// loopback/link-local/unique-local (v6).
func IsPrivate(ip string) bool {
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	return addr.IsLoopback() || addr.IsLinkLocalUnicast() || addr.IsPrivate()
}

// IsCatchAll reports whether a CIDR range is the well-known
// "match everything" range, used to warn operators at whitelist-creation
// time (spec.md §8 boundary case).
func IsCatchAll(cidr string) bool {
	return cidr == "0.0.0.0/0" || cidr == "::/0"
}

// ValidIP reports whether s parses as an IPv4 or IPv6 address.
func ValidIP(s string) bool {
	_, err := netip.ParseAddr(s)
	return err == nil
}

// ValidCIDR reports whether s parses as a CIDR prefix.
func ValidCIDR(s string) bool {
	_, err := netip.ParsePrefix(s)
	return err == nil
}
