package reconcile

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/banqueue"
	"github.com/wafguard/wafguard/internal/eventbus"
	"github.com/wafguard/wafguard/internal/firewall"
	"github.com/wafguard/wafguard/internal/model"
)

func discardLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

type fakeStore struct {
	integrations []model.Integration
	active       []model.Ban
	expired      []model.Ban
	unbanned     []int64
}

func (s *fakeStore) EnabledIntegrations(ctx context.Context) ([]model.Integration, error) {
	return s.integrations, nil
}

func (s *fakeStore) ActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error) {
	return s.active, nil
}

func (s *fakeStore) ExpiredActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error) {
	return s.expired, nil
}

func (s *fakeStore) MarkUnbanned(ctx context.Context, id int64, at time.Time, by *string) error {
	s.unbanned = append(s.unbanned, id)
	return nil
}

type fakeProvider struct {
	listBans func(ctx context.Context) ([]firewall.ProviderBan, error)
}

func (p *fakeProvider) Ban(ctx context.Context, ip, reason string, durationS *int, severity string) (firewall.BanResult, error) {
	return firewall.BanResult{OK: true, ProviderBanID: "p-1"}, nil
}

func (p *fakeProvider) Unban(ctx context.Context, ip, providerBanID string) (firewall.UnbanResult, error) {
	return firewall.UnbanResult{OK: true}, nil
}

func (p *fakeProvider) ListBans(ctx context.Context) ([]firewall.ProviderBan, error) {
	return p.listBans(ctx)
}

func newTestLoop(t *testing.T, st *fakeStore, provider *fakeProvider) *Loop {
	t.Helper()
	registry := firewall.NewRegistry()
	registry.Register("fake", func(integration model.Integration, credentials []byte) (firewall.Provider, error) {
		return provider, nil
	})
	queue := banqueue.New(noopHandler{}, 100, 10, discardLog())
	t.Cleanup(func() { queue.Shutdown(context.Background()) })

	decrypt := func(b []byte) ([]byte, error) { return b, nil }
	l := New(st, registry, queue, eventbus.New(), decrypt, time.Second, discardLog())
	if err := l.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %s", err)
	}
	return l
}

type noopHandler struct{}

func (noopHandler) HandleBanSuccess(ctx context.Context, op banqueue.Op, res firewall.BanResult) {}
func (noopHandler) HandleUnbanSuccess(ctx context.Context, op banqueue.Op, res firewall.UnbanResult) {
}
func (noopHandler) HandleFailure(ctx context.Context, op banqueue.Op, err error) {}

func TestRunUnbansExpiredBans(t *testing.T) {
	st := &fakeStore{
		integrations: []model.Integration{{ID: 1, Provider: "fake", Enabled: true}},
		expired: []model.Ban{
			{ID: 5, IPAddress: "203.0.113.1", IntegrationsNotified: []model.NotifiedIntegration{{IntegrationID: 1, ProviderBanID: "p-1"}}},
		},
	}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) { return nil, nil }}
	l := newTestLoop(t, st, provider)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if res.ExpiredUnbanned != 1 {
		t.Fatalf("expected 1 expired ban unbanned, got %+v", res)
	}
	if len(st.unbanned) != 1 || st.unbanned[0] != 5 {
		t.Fatalf("expected MarkUnbanned(5), got %v", st.unbanned)
	}
}

func TestRunRepairsMissingProviderBan(t *testing.T) {
	st := &fakeStore{
		integrations: []model.Integration{{ID: 1, Provider: "fake", Enabled: true}},
		active: []model.Ban{
			{ID: 9, IPAddress: "203.0.113.2", Reason: "r", IntegrationsNotified: []model.NotifiedIntegration{{IntegrationID: 1, ProviderBanID: "p-9"}}},
		},
	}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) { return nil, nil }}
	l := newTestLoop(t, st, provider)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if res.Repaired != 1 {
		t.Fatalf("expected 1 repair for the missing provider ban, got %+v", res)
	}
}

func TestRunRepairsExtraProviderBan(t *testing.T) {
	st := &fakeStore{
		integrations: []model.Integration{{ID: 1, Provider: "fake", Enabled: true}},
	}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) {
		return []firewall.ProviderBan{{IP: "203.0.113.3", ProviderBanID: "p-extra"}}, nil
	}}
	l := newTestLoop(t, st, provider)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if res.Repaired != 1 {
		t.Fatalf("expected 1 repair for the extra provider ban, got %+v", res)
	}
}

func TestRunDoesNotUnbanAnActiveBanRecordedAgainstAnotherIntegration(t *testing.T) {
	st := &fakeStore{
		integrations: []model.Integration{
			{ID: 1, Provider: "fake", Enabled: true},
			{ID: 2, Provider: "fake", Enabled: true},
		},
		active: []model.Ban{
			{ID: 1, IPAddress: "203.0.113.9", Reason: "r", IntegrationsNotified: []model.NotifiedIntegration{{IntegrationID: 2, ProviderBanID: "p-2"}}},
		},
	}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) {
		return []firewall.ProviderBan{{IP: "203.0.113.9", ProviderBanID: "p-1"}}, nil
	}}
	l := newTestLoop(t, st, provider)

	res, err := l.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %s", err)
	}
	if res.Repaired != 0 {
		t.Fatalf("expected no repair for an IP the DB still actively bans (just under a different integration), got %+v", res)
	}
}

func TestSyncIpNarrowsToOneIP(t *testing.T) {
	st := &fakeStore{
		integrations: []model.Integration{{ID: 1, Provider: "fake", Enabled: true}},
		active: []model.Ban{
			{ID: 1, IPAddress: "203.0.113.4", Reason: "a", IntegrationsNotified: []model.NotifiedIntegration{{IntegrationID: 1, ProviderBanID: "p-a"}}},
			{ID: 2, IPAddress: "203.0.113.5", Reason: "b", IntegrationsNotified: []model.NotifiedIntegration{{IntegrationID: 1, ProviderBanID: "p-b"}}},
		},
	}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) { return nil, nil }}
	l := newTestLoop(t, st, provider)

	res, err := l.SyncIp(context.Background(), "203.0.113.4")
	if err != nil {
		t.Fatalf("SyncIp: %s", err)
	}
	if res.Repaired != 1 {
		t.Fatalf("expected only the targeted IP to be repaired, got %+v", res)
	}
}

func TestPassRefusesConcurrentRun(t *testing.T) {
	st := &fakeStore{}
	provider := &fakeProvider{listBans: func(ctx context.Context) ([]firewall.ProviderBan, error) { return nil, nil }}
	l := newTestLoop(t, st, provider)

	l.mu.Lock()
	l.running = true
	l.mu.Unlock()

	_, err := l.Run(context.Background())
	if err != ErrAlreadyRunning {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
}
