// Package ban implements the ban orchestrator (C5, spec.md §4.5): the
// single authority that enforces the whitelist, persists Ban rows,
// fans work out through the per-integration queue (C4), and reports
// back into the database once a provider confirms.
package ban

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/banqueue"
	"github.com/wafguard/wafguard/internal/eventbus"
	"github.com/wafguard/wafguard/internal/firewall"
	"github.com/wafguard/wafguard/internal/iputil"
	"github.com/wafguard/wafguard/internal/model"
	"github.com/wafguard/wafguard/internal/result"
	"github.com/wafguard/wafguard/internal/store"
)

// Dispatcher is the subset of the notification dispatcher (C9) the
// orchestrator calls into. Defined here, not imported from package
// notify, so C9 can depend on C5's types without a cycle (spec.md §9).
type Dispatcher interface {
	NotifyBanCreated(ctx context.Context, b model.Ban)
	NotifyBanCleared(ctx context.Context, b model.Ban, manual bool)
	NotifySystemError(ctx context.Context, component string, err error)
}

// Store is the subset of *store.ConfigStore the orchestrator needs,
// narrowed for testability.
type Store interface {
	WhitelistEntries(ctx context.Context) ([]model.WhitelistEntry, error)
	ActiveBanForIP(ctx context.Context, ip string, now time.Time) (*model.Ban, error)
	InsertBan(ctx context.Context, b model.Ban) (int64, error)
	Ban(ctx context.Context, id int64) (*model.Ban, error)
	ActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error)
	ExpiredActiveBans(ctx context.Context, now time.Time) ([]model.Ban, error)
	AllBans(ctx context.Context) ([]model.Ban, error)
	MarkUnbanned(ctx context.Context, id int64, at time.Time, by *string) error
	SetExpiresAt(ctx context.Context, id int64, expiresAt *time.Time) error
	AppendNotifiedIntegration(ctx context.Context, banID int64, entry model.NotifiedIntegration) error
	EnabledIntegrations(ctx context.Context) ([]model.Integration, error)
}

var _ Store = (*store.ConfigStore)(nil)

// Options carries the caller-supplied parameters for a new ban,
// whether issued manually or by the detection engine (C8).
type Options struct {
	Reason          string
	AttackType      *string
	EventCount      int
	Severity        string
	DurationS       *int // nil = permanent
	AutoBanned      bool
	BannedBy        *string
	ProxyID         *int64
	DetectionRuleID *int64
	SampleEvents    []int64
}

// Statistics summarizes the ban table for the admin UI (spec.md §4.5).
type Statistics struct {
	TotalActive      int
	Auto             int
	Manual           int
	Permanent        int
	Temporary        int
	Last24h          int
	TopAttackTypes   []AttackTypeCount
}

// AttackTypeCount is one entry of GetStatistics's top-5 list.
type AttackTypeCount struct {
	AttackType string
	Count      int
}

// Orchestrator is C5. It owns no long-running loop itself beyond
// ExpirySweep, which the caller schedules (internal/cli/run.go drives
// it from a ticker).
type Orchestrator struct {
	store      Store
	queue      *banqueue.Queue
	bus        *eventbus.Bus
	dispatcher Dispatcher
	log        *logrus.Entry
}

// New builds an Orchestrator. queue must already have its workers
// registered (the reconciliation loop's Refresh registers one per
// enabled integration) before Ban/Unban are called, or ops for
// unregistered integrations are dropped with a log.
func New(st Store, queue *banqueue.Queue, bus *eventbus.Bus, dispatcher Dispatcher, log *logrus.Entry) *Orchestrator {
	return &Orchestrator{store: st, queue: queue, bus: bus, dispatcher: dispatcher, log: log}
}

// Ban issues a new ban for ip, per spec.md §4.5's preconditions: a
// whitelisted IP or one already actively banned is refused rather than
// erroring.
func (o *Orchestrator) Ban(ctx context.Context, ip string, opts Options) (int64, int, result.R, error) {
	if !iputil.ValidIP(ip) {
		return 0, 0, result.Refused(result.ReasonInvalidIP, ip), nil
	}

	entries, err := o.store.WhitelistEntries(ctx)
	if err != nil {
		return 0, 0, result.R{}, err
	}
	if whitelisted, match := iputil.IsWhitelisted(toIPUtilEntries(entries), ip, o.log); whitelisted {
		return 0, 0, result.Refused(result.ReasonWhitelisted, match.Entry.Reason), nil
	}

	now := time.Now()
	if existing, err := o.store.ActiveBanForIP(ctx, ip, now); err != nil {
		return 0, 0, result.R{}, err
	} else if existing != nil {
		return 0, 0, result.Refused(result.ReasonAlreadyBanned, ip), nil
	}

	var expiresAt *time.Time
	if opts.DurationS != nil {
		t := now.Add(time.Duration(*opts.DurationS) * time.Second)
		expiresAt = &t
	}

	b := model.Ban{
		IPAddress:       ip,
		Reason:          opts.Reason,
		AttackType:      opts.AttackType,
		EventCount:      opts.EventCount,
		Severity:        opts.Severity,
		BannedAt:        now,
		ExpiresAt:       expiresAt,
		AutoBanned:      opts.AutoBanned,
		BannedBy:        opts.BannedBy,
		ProxyID:         opts.ProxyID,
		DetectionRuleID: opts.DetectionRuleID,
		SampleEvents:    opts.SampleEvents,
	}

	id, err := o.store.InsertBan(ctx, b)
	if err != nil {
		return 0, 0, result.R{}, err
	}
	b.ID = id

	integrations, err := o.store.EnabledIntegrations(ctx)
	if err != nil {
		return id, 0, result.Ok(), err
	}

	queued := 0
	for _, in := range integrations {
		op := banqueue.NewOp(banqueue.OpBan, in.ID, ip, id)
		op.Reason = opts.Reason
		op.DurationS = opts.DurationS
		op.Severity = opts.Severity
		if err := o.queue.Enqueue(op); err != nil {
			o.log.WithError(err).WithField("integration", in.ID).Warn("could not enqueue ban op")
			continue
		}
		queued++
	}

	o.bus.Publish(eventbus.TopicBanCreated, b)
	o.dispatcher.NotifyBanCreated(ctx, b)

	return id, queued, result.Ok(), nil
}

// Unban clears the active ban for ip, if any. Setting unbanned_at
// happens immediately; provider cleanup is fire-and-forget through
// the queue (spec.md §4.5: "don't wait for providers").
func (o *Orchestrator) Unban(ctx context.Context, ip string, by *string) (result.R, error) {
	now := time.Now()
	b, err := o.store.ActiveBanForIP(ctx, ip, now)
	if err != nil {
		return result.R{}, err
	}
	if b == nil {
		return result.Refused(result.ReasonNotBanned, ip), nil
	}

	if err := o.store.MarkUnbanned(ctx, b.ID, now, by); err != nil {
		return result.R{}, err
	}
	b.UnbannedAt = &now
	b.UnbannedBy = by

	for _, ni := range b.IntegrationsNotified {
		op := banqueue.NewOp(banqueue.OpUnban, ni.IntegrationID, ip, b.ID)
		op.ProviderBanID = ni.ProviderBanID
		if err := o.queue.Enqueue(op); err != nil {
			o.log.WithError(err).WithField("integration", ni.IntegrationID).Warn("could not enqueue unban op")
		}
	}

	o.bus.Publish(eventbus.TopicBanRemoved, *b)
	o.dispatcher.NotifyBanCleared(ctx, *b, by != nil)

	return result.Ok(), nil
}

// MakePermanent converts an active temporary ban to permanent and
// re-issues provider Ban calls with duration=null so upstream rules
// drop their own expiry atomically per integration.
func (o *Orchestrator) MakePermanent(ctx context.Context, ip string) (result.R, error) {
	now := time.Now()
	b, err := o.store.ActiveBanForIP(ctx, ip, now)
	if err != nil {
		return result.R{}, err
	}
	if b == nil {
		return result.Refused(result.ReasonNotBanned, ip), nil
	}
	if b.ExpiresAt == nil {
		return result.Ok(), nil
	}

	if err := o.store.SetExpiresAt(ctx, b.ID, nil); err != nil {
		return result.R{}, err
	}

	for _, ni := range b.IntegrationsNotified {
		op := banqueue.NewOp(banqueue.OpBan, ni.IntegrationID, ip, b.ID)
		op.Reason = b.Reason
		op.Severity = b.Severity
		op.DurationS = nil
		if err := o.queue.Enqueue(op); err != nil {
			o.log.WithError(err).WithField("integration", ni.IntegrationID).Warn("could not enqueue permanent-conversion op")
		}
	}

	o.bus.Publish(eventbus.TopicBanUpdated, *b)
	return result.Ok(), nil
}

// ExpirySweep marks every ban whose expiry has passed as unbanned and
// enqueues the matching unban ops. Runs on a 60s schedule (spec.md
// §4.5) driven by the caller.
func (o *Orchestrator) ExpirySweep(ctx context.Context) (int, error) {
	now := time.Now()
	expired, err := o.store.ExpiredActiveBans(ctx, now)
	if err != nil {
		return 0, err
	}

	for _, b := range expired {
		if err := o.store.MarkUnbanned(ctx, b.ID, now, nil); err != nil {
			o.log.WithError(err).WithField("ban", b.ID).Error("expiry sweep: failed to mark unbanned")
			continue
		}
		for _, ni := range b.IntegrationsNotified {
			op := banqueue.NewOp(banqueue.OpUnban, ni.IntegrationID, b.IPAddress, b.ID)
			op.ProviderBanID = ni.ProviderBanID
			if err := o.queue.Enqueue(op); err != nil {
				o.log.WithError(err).WithField("integration", ni.IntegrationID).Warn("could not enqueue expiry unban op")
			}
		}
		b.UnbannedAt = &now
		o.bus.Publish(eventbus.TopicBanRemoved, b)
		o.dispatcher.NotifyBanCleared(ctx, b, false)
	}

	return len(expired), nil
}

// GetStatistics aggregates the ban table for the admin dashboard.
func (o *Orchestrator) GetStatistics(ctx context.Context) (Statistics, error) {
	all, err := o.store.AllBans(ctx)
	if err != nil {
		return Statistics{}, err
	}

	now := time.Now()
	dayAgo := now.Add(-24 * time.Hour)
	attackCounts := make(map[string]int)

	var stats Statistics
	for _, b := range all {
		if b.Active(now) {
			stats.TotalActive++
			if b.AutoBanned {
				stats.Auto++
			} else {
				stats.Manual++
			}
			if b.Permanent() {
				stats.Permanent++
			} else {
				stats.Temporary++
			}
		}
		if b.BannedAt.After(dayAgo) {
			stats.Last24h++
		}
		if b.AttackType != nil {
			attackCounts[*b.AttackType]++
		}
	}

	stats.TopAttackTypes = topN(attackCounts, 5)
	return stats, nil
}

func topN(counts map[string]int, n int) []AttackTypeCount {
	out := make([]AttackTypeCount, 0, len(counts))
	for t, c := range counts {
		out = append(out, AttackTypeCount{AttackType: t, Count: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].AttackType < out[j].AttackType
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func toIPUtilEntries(entries []model.WhitelistEntry) []iputil.Entry {
	out := make([]iputil.Entry, 0, len(entries))
	for _, e := range entries {
		ie := iputil.Entry{ID: e.ID, Priority: e.Priority, Reason: e.Reason}
		if e.IPAddress != nil {
			ie.IPAddress = *e.IPAddress
		}
		if e.IPRange != nil {
			ie.IPRange = *e.IPRange
		}
		out = append(out, ie)
	}
	return out
}

// --- banqueue.ResultHandler ---

// HandleBanSuccess records the provider's ban id against the parent
// Ban's integrations_notified list, the write C6's reconciliation and
// Unban/MakePermanent both depend on.
func (o *Orchestrator) HandleBanSuccess(ctx context.Context, op banqueue.Op, res firewall.BanResult) {
	entry := model.NotifiedIntegration{IntegrationID: op.IntegrationID, ProviderBanID: res.ProviderBanID, NotifiedAt: time.Now()}
	if err := o.store.AppendNotifiedIntegration(ctx, op.ParentBanID, entry); err != nil {
		o.log.WithError(err).WithField("ban", op.ParentBanID).Error("failed to record notified integration")
	}
}

// HandleUnbanSuccess just logs; the Ban row was already marked
// unbanned synchronously by Unban/ExpirySweep before the op was enqueued.
func (o *Orchestrator) HandleUnbanSuccess(ctx context.Context, op banqueue.Op, res firewall.UnbanResult) {
	o.log.WithFields(logrus.Fields{"integration": op.IntegrationID, "ip": op.IP}).Debug("provider unban confirmed")
}

// HandleFailure surfaces an exhausted retry chain as a system_error
// notification, per spec.md §4.4/§7.
func (o *Orchestrator) HandleFailure(ctx context.Context, op banqueue.Op, err error) {
	o.log.WithError(err).WithFields(logrus.Fields{
		"integration": op.IntegrationID,
		"ip":          op.IP,
		"kind":        op.Kind,
	}).Error("provider op exhausted retries")
	o.dispatcher.NotifySystemError(ctx, "ban_queue", err)
}
