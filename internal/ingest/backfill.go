package ingest

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/store"
)

// Backfiller is the subset of *store.EventStore the periodic backfill
// sweep needs.
type Backfiller interface {
	Backfill(ctx context.Context, window time.Duration, resolve store.ProxyResolver) (int, error)
}

const (
	backfillEvery  = 2 * time.Minute
	backfillWindow = 10 * time.Minute
)

// BackfillRunner periodically assigns proxy_id to events that arrived
// with no resolvable Host/X-Proxy-Target header (spec.md §4.1, §4.7),
// using the dominant proxy seen for that client IP nearby in time.
type BackfillRunner struct {
	store   Backfiller
	resolve store.ProxyResolver
	log     *logrus.Entry
}

func NewBackfillRunner(s Backfiller, resolve store.ProxyResolver, log *logrus.Entry) *BackfillRunner {
	return &BackfillRunner{store: s, resolve: resolve, log: log}
}

// Run blocks, sweeping every backfillEvery until ctx is canceled.
func (r *BackfillRunner) Run(ctx context.Context) {
	ticker := time.NewTicker(backfillEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.store.Backfill(ctx, backfillWindow, r.resolve)
			if err != nil {
				r.log.WithError(err).Warn("proxy backfill sweep failed")
				continue
			}
			if n > 0 {
				r.log.WithField("count", n).Debug("proxy backfill sweep resolved events")
			}
		}
	}
}
