package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/wafguard/wafguard/internal/model"
)

func openTestConfigStore(t *testing.T) *ConfigStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "wafguard-config.db")
	s, err := OpenConfigStore(path)
	if err != nil {
		t.Fatalf("OpenConfigStore: %s", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestWhitelistEntryLifecycle(t *testing.T) {
	s := openTestConfigStore(t)
	ctx := context.Background()

	addr := "203.0.113.4"
	id, err := s.AddWhitelistEntry(ctx, model.WhitelistEntry{IPAddress: &addr, Priority: 1, Reason: "trusted scanner"})
	if err != nil {
		t.Fatalf("AddWhitelistEntry: %s", err)
	}

	entries, err := s.WhitelistEntries(ctx)
	if err != nil {
		t.Fatalf("WhitelistEntries: %s", err)
	}
	if len(entries) != 1 || entries[0].ID != id {
		t.Fatalf("expected 1 whitelist entry with id %d, got %+v", id, entries)
	}

	overlap, err := s.HasOverlappingWhitelistEntry(ctx, addr)
	if err != nil {
		t.Fatalf("HasOverlappingWhitelistEntry: %s", err)
	}
	if !overlap {
		t.Fatal("expected an overlapping entry for the exact address")
	}

	if err := s.RemoveWhitelistEntry(ctx, id); err != nil {
		t.Fatalf("RemoveWhitelistEntry: %s", err)
	}
	entries, err = s.WhitelistEntries(ctx)
	if err != nil {
		t.Fatalf("WhitelistEntries after removal: %s", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected whitelist to be empty after removal, got %+v", entries)
	}
}

func TestAutoWhitelistAdminInsertsAdminAutoEntryAtPriority50(t *testing.T) {
	s := openTestConfigStore(t)
	ctx := context.Background()

	if err := s.AutoWhitelistAdmin(ctx, "203.0.113.9", "user-1"); err != nil {
		t.Fatalf("AutoWhitelistAdmin: %s", err)
	}

	entries, err := s.WhitelistEntries(ctx)
	if err != nil {
		t.Fatalf("WhitelistEntries: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 whitelist entry, got %+v", entries)
	}
	got := entries[0]
	if got.Type != model.WhitelistAdminAuto || got.Priority != 50 {
		t.Fatalf("expected an admin_auto entry at priority 50, got %+v", got)
	}
	if got.IPAddress == nil || *got.IPAddress != "203.0.113.9" {
		t.Fatalf("expected the entry to cover 203.0.113.9, got %+v", got)
	}
}

func TestAutoWhitelistAdminSkipsWhenAlreadyCovered(t *testing.T) {
	s := openTestConfigStore(t)
	ctx := context.Background()

	addr := "203.0.113.9"
	if _, err := s.AddWhitelistEntry(ctx, model.WhitelistEntry{IPAddress: &addr, Priority: 1, Reason: "manual"}); err != nil {
		t.Fatalf("AddWhitelistEntry: %s", err)
	}

	if err := s.AutoWhitelistAdmin(ctx, addr, "user-1"); err != nil {
		t.Fatalf("AutoWhitelistAdmin: %s", err)
	}

	entries, err := s.WhitelistEntries(ctx)
	if err != nil {
		t.Fatalf("WhitelistEntries: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected AutoWhitelistAdmin to skip insertion when already covered, got %+v", entries)
	}
}

func TestBanLifecycle(t *testing.T) {
	s := openTestConfigStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(time.Hour)
	id, err := s.InsertBan(ctx, model.Ban{
		IPAddress:  "203.0.113.4",
		Reason:     "auto-ban: burst",
		EventCount: 5,
		Severity:   "CRITICAL",
		BannedAt:   now,
		ExpiresAt:  &expires,
		AutoBanned: true,
	})
	if err != nil {
		t.Fatalf("InsertBan: %s", err)
	}

	active, err := s.ActiveBanForIP(ctx, "203.0.113.4", now)
	if err != nil {
		t.Fatalf("ActiveBanForIP: %s", err)
	}
	if active == nil || active.ID != id {
		t.Fatalf("expected active ban %d, got %+v", id, active)
	}

	all, err := s.AllBans(ctx)
	if err != nil {
		t.Fatalf("AllBans: %s", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 ban total, got %d", len(all))
	}

	by := "operator"
	if err := s.MarkUnbanned(ctx, id, now.Add(time.Minute), &by); err != nil {
		t.Fatalf("MarkUnbanned: %s", err)
	}

	active, err = s.ActiveBanForIP(ctx, "203.0.113.4", now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("ActiveBanForIP after unban: %s", err)
	}
	if active != nil {
		t.Fatalf("expected no active ban after unban, got %+v", active)
	}
}

func TestExpiredActiveBans(t *testing.T) {
	s := openTestConfigStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	if _, err := s.InsertBan(ctx, model.Ban{IPAddress: "1.1.1.1", Reason: "r", Severity: "ERROR", BannedAt: now.Add(-2 * time.Hour), ExpiresAt: &past}); err != nil {
		t.Fatalf("InsertBan expired: %s", err)
	}
	if _, err := s.InsertBan(ctx, model.Ban{IPAddress: "2.2.2.2", Reason: "r", Severity: "ERROR", BannedAt: now, ExpiresAt: &future}); err != nil {
		t.Fatalf("InsertBan active: %s", err)
	}

	expired, err := s.ExpiredActiveBans(ctx, now)
	if err != nil {
		t.Fatalf("ExpiredActiveBans: %s", err)
	}
	if len(expired) != 1 || expired[0].IPAddress != "1.1.1.1" {
		t.Fatalf("expected only the expired ban for 1.1.1.1, got %+v", expired)
	}
}
