// Package reconcile implements the reconciliation loop (C6, spec.md
// §4.6): periodically diffs the database's notion of active bans
// against what each firewall provider actually enforces, and repairs
// both directions. Only one pass runs at a time per process, guarded
// by a single flag per spec.md's concurrency note.
package reconcile

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/banqueue"
	"github.com/wafguard/wafguard/internal/eventbus"
	"github.com/wafguard/wafguard/internal/firewall"
	"github.com/wafguard/wafguard/internal/model"
	"github.com/pkg/errors"
)

// Store is the subset of *store.ConfigStore the reconciliation loop needs.
type Store interface {
	EnabledIntegrations(ctx context.Context) ([]model.Integration, error)
	ActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error)
	ExpiredActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error)
	MarkUnbanned(ctx context.Context, id int64, at time.Time, by *string) error
}

// Result summarizes one reconciliation pass.
type Result struct {
	ExpiredUnbanned int
	Repaired        int
	ProviderErrors  int
}

// ErrAlreadyRunning is returned when a pass is requested while another
// is in progress.
var ErrAlreadyRunning = errors.New("reconciliation already in progress")

// Loop is C6.
type Loop struct {
	store           Store
	registry        *firewall.Registry
	queue           *banqueue.Queue
	bus             *eventbus.Bus
	decrypt         func(credentials []byte) ([]byte, error)
	providerTimeout time.Duration
	log             *logrus.Entry

	mu        sync.Mutex
	running   bool
	providers map[int64]firewall.Provider
}

// New builds a Loop. decrypt reverses the envelope encryption applied
// to Integration.CredentialsEncrypted (cryptutil.Decrypt bound to the
// process's key).
func New(st Store, registry *firewall.Registry, queue *banqueue.Queue, bus *eventbus.Bus, decrypt func([]byte) ([]byte, error), providerTimeout time.Duration, log *logrus.Entry) *Loop {
	return &Loop{
		store:           st,
		registry:        registry,
		queue:           queue,
		bus:             bus,
		decrypt:         decrypt,
		providerTimeout: providerTimeout,
		log:             log,
		providers:       make(map[int64]firewall.Provider),
	}
}

// Refresh rebuilds the provider set from currently-enabled
// integrations. Call after integration config changes, and once at
// startup before the first Run.
func (l *Loop) Refresh(ctx context.Context) error {
	integrations, err := l.store.EnabledIntegrations(ctx)
	if err != nil {
		return errors.Wrap(err, "loading integrations for reconciliation")
	}

	providers := make(map[int64]firewall.Provider, len(integrations))
	for _, in := range integrations {
		creds, err := l.decrypt(in.CredentialsEncrypted)
		if err != nil {
			l.log.WithError(err).WithField("integration", in.ID).Error("failed to decrypt integration credentials")
			continue
		}
		p, err := l.registry.Build(in, creds)
		if err != nil {
			l.log.WithError(err).WithField("integration", in.ID).Error("failed to build firewall provider")
			continue
		}
		providers[in.ID] = p
		l.queue.RegisterIntegration(in.ID, p)
	}

	l.mu.Lock()
	l.providers = providers
	l.mu.Unlock()
	return nil
}

// Run performs one full reconciliation pass across every integration.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	return l.pass(ctx, nil)
}

// SyncIp performs a reconciliation pass narrowed to a single IP,
// the operator-callable variant spec.md §4.6 names.
func (l *Loop) SyncIp(ctx context.Context, ip string) (Result, error) {
	return l.pass(ctx, &ip)
}

// SyncAll is an alias for Run, matching spec.md §4.6's naming.
func (l *Loop) SyncAll(ctx context.Context) (Result, error) {
	return l.Run(ctx)
}

func (l *Loop) pass(ctx context.Context, onlyIP *string) (Result, error) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	l.running = true
	providers := l.providers
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.running = false
		l.mu.Unlock()
	}()

	var res Result
	now := time.Now()

	expired, err := l.store.ExpiredActiveBans(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "loading expired bans")
	}
	for _, b := range expired {
		if onlyIP != nil && b.IPAddress != *onlyIP {
			continue
		}
		if err := l.store.MarkUnbanned(ctx, b.ID, now, nil); err != nil {
			l.log.WithError(err).WithField("ban", b.ID).Error("reconcile: failed to mark expired ban unbanned")
			continue
		}
		for _, ni := range b.IntegrationsNotified {
			op := banqueue.NewOp(banqueue.OpUnban, ni.IntegrationID, b.IPAddress, b.ID)
			op.ProviderBanID = ni.ProviderBanID
			_ = l.queue.Enqueue(op)
		}
		res.ExpiredUnbanned++
		l.bus.Publish(eventbus.TopicBanRemoved, b)
	}

	active, err := l.store.ActiveBans(ctx, now)
	if err != nil {
		return res, errors.Wrap(err, "loading active bans")
	}

	// activeSet is D in spec.md §4.6 step 4: every IP the DB currently
	// considers banned, regardless of which integration recorded it (or
	// whether any integration has recorded it yet). The Extra pass below
	// must diff against this, not against one integration's notified
	// set, or a ban whose op is still in flight (or tracked under a
	// different integration) gets unbanned at the provider that just
	// enforced it.
	activeSet := make(map[string]bool, len(active))
	for _, b := range active {
		if onlyIP != nil && b.IPAddress != *onlyIP {
			continue
		}
		activeSet[b.IPAddress] = true
	}

	for integrationID, provider := range providers {
		pctx, cancel := context.WithTimeout(ctx, l.providerTimeout)
		providerBans, err := provider.ListBans(pctx)
		cancel()
		if err != nil {
			l.log.WithError(err).WithField("integration", integrationID).Error("reconcile: list-bans failed")
			res.ProviderErrors++
			continue
		}

		providerSet := make(map[string]firewall.ProviderBan, len(providerBans))
		for _, pb := range providerBans {
			providerSet[pb.IP] = pb
		}

		notified := make(map[string]model.Ban)
		for _, b := range active {
			if onlyIP != nil && b.IPAddress != *onlyIP {
				continue
			}
			for _, ni := range b.IntegrationsNotified {
				if ni.IntegrationID == integrationID {
					notified[b.IPAddress] = b
				}
			}
		}

		// Missing: DB says notified, provider doesn't have it.
		for ip, b := range notified {
			if _, ok := providerSet[ip]; ok {
				continue
			}
			var remaining *int
			if b.ExpiresAt != nil {
				secs := int(time.Until(*b.ExpiresAt).Seconds())
				if secs < 0 {
					secs = 0
				}
				remaining = &secs
			}
			op := banqueue.NewOp(banqueue.OpBan, integrationID, ip, b.ID)
			op.Reason = b.Reason
			op.Severity = b.Severity
			op.DurationS = remaining
			if err := l.queue.Enqueue(op); err == nil {
				res.Repaired++
			}
		}

		// Extra: provider has it, but the DB has no active ban for ip at
		// all (spec.md §4.6 step 4: ip ∈ P AND ip ∉ D). Checking the
		// full active set, not just this integration's notified subset,
		// avoids unbanning a legitimate ban recorded against a different
		// integration or not yet recorded at all.
		for ip, pb := range providerSet {
			if onlyIP != nil && ip != *onlyIP {
				continue
			}
			if activeSet[ip] {
				continue
			}
			op := banqueue.NewOp(banqueue.OpUnban, integrationID, ip, 0)
			op.ProviderBanID = pb.ProviderBanID
			if err := l.queue.Enqueue(op); err == nil {
				res.Repaired++
			}
		}
	}

	return res, nil
}
