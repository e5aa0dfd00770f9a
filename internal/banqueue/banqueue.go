// Package banqueue implements the per-integration FIFO with
// token-bucket pacing described in spec.md §4.4: each integration
// gets its own worker and limiter so a burst against one upstream
// never starves or blocks another. Pacing follows
// r3e-network-service_layer's infrastructure/ratelimit idiom
// (golang.org/x/time/rate.Limiter.Wait on the request's context).
package banqueue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/wafguard/wafguard/internal/firewall"
)

// OpKind distinguishes a ban from an unban operation.
type OpKind string

const (
	OpBan   OpKind = "ban"
	OpUnban OpKind = "unban"
)

// Op is one unit of work against one integration's provider.
type Op struct {
	ID            string
	Kind          OpKind
	IntegrationID int64
	IP            string
	Reason        string
	DurationS     *int
	Severity      string
	ProviderBanID string // populated for OpUnban
	ParentBanID   int64
	attempt       int
}

// NewOp returns an Op with a fresh id.
func NewOp(kind OpKind, integrationID int64, ip string, parentBanID int64) Op {
	return Op{ID: uuid.NewString(), Kind: kind, IntegrationID: integrationID, IP: ip, ParentBanID: parentBanID}
}

// ResultHandler receives the outcome of every op once it resolves
// (success or attempts exhausted). Implemented by the ban orchestrator
// (C5) so this package never imports it back — breaks the C4/C5
// circular dependency per spec.md §9.
type ResultHandler interface {
	HandleBanSuccess(ctx context.Context, op Op, result firewall.BanResult)
	HandleUnbanSuccess(ctx context.Context, op Op, result firewall.UnbanResult)
	HandleFailure(ctx context.Context, op Op, err error)
}

// Backoff parameters per spec.md §4.4: base 2s, cap 5min, max 5 attempts.
const (
	backoffBase    = 2 * time.Second
	backoffCap     = 5 * time.Minute
	maxAttempts    = 5
	drainTimeout   = 30 * time.Second
	defaultOpsSize = 256
)

type worker struct {
	integrationID int64
	provider      firewall.Provider
	ops           chan Op
	limiter       *rate.Limiter
	done          chan struct{}
}

// Queue dispatches ops to per-integration workers.
type Queue struct {
	mu      sync.Mutex
	workers map[int64]*worker
	handler ResultHandler
	log     *logrus.Entry
	rps     float64
	burst   int
	wg      sync.WaitGroup
	closed  bool
}

// New returns a Queue paced at rps ops/sec per integration (burst
// tokens available up front).
func New(handler ResultHandler, rps float64, burst int, log *logrus.Entry) *Queue {
	if rps <= 0 {
		rps = 5
	}
	if burst <= 0 {
		burst = 5
	}
	return &Queue{
		workers: make(map[int64]*worker),
		handler: handler,
		log:     log,
		rps:     rps,
		burst:   burst,
	}
}

// RegisterIntegration starts (or replaces) the worker for integrationID.
func (q *Queue) RegisterIntegration(integrationID int64, provider firewall.Provider) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if existing, ok := q.workers[integrationID]; ok {
		close(existing.done)
	}

	w := &worker{
		integrationID: integrationID,
		provider:      provider,
		ops:           make(chan Op, defaultOpsSize),
		limiter:       rate.NewLimiter(rate.Limit(q.rps), q.burst),
		done:          make(chan struct{}),
	}
	q.workers[integrationID] = w

	q.wg.Add(1)
	go q.run(w)
}

// Enqueue appends op to its integration's FIFO. Ops for the same IP
// within one integration are applied in enqueue order because the
// channel preserves send order and the worker processes one op at a
// time (spec.md §4.4's ordering guarantee).
func (q *Queue) Enqueue(op Op) error {
	q.mu.Lock()
	w, ok := q.workers[op.IntegrationID]
	closed := q.closed
	q.mu.Unlock()

	if closed {
		return errQueueClosed
	}
	if !ok {
		return errUnknownIntegration
	}
	select {
	case w.ops <- op:
		return nil
	default:
		return errQueueFull
	}
}

// Shutdown stops accepting new ops and waits up to 30s (spec.md §4.4)
// for in-flight ops to finish; pending ops are simply abandoned since
// Ban state in the database is authoritative and reconciliation (C6)
// will re-derive anything left undone.
func (q *Queue) Shutdown(ctx context.Context) {
	q.mu.Lock()
	q.closed = true
	for _, w := range q.workers {
		close(w.done)
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(drainTimeout):
		q.log.Warn("ban queue drain timed out after 30s")
	case <-ctx.Done():
	}
}

func (q *Queue) run(w *worker) {
	defer q.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case op, ok := <-w.ops:
			if !ok {
				return
			}
			q.process(w, op)
		}
	}
}

func (q *Queue) process(w *worker, op Op) {
	ctx := context.Background()

	for {
		op.attempt++
		if err := w.limiter.Wait(ctx); err != nil {
			q.handler.HandleFailure(ctx, op, err)
			return
		}

		var opErr error
		switch op.Kind {
		case OpBan:
			res, err := w.provider.Ban(ctx, op.IP, op.Reason, op.DurationS, op.Severity)
			if err == nil {
				q.handler.HandleBanSuccess(ctx, op, res)
				return
			}
			opErr = err
		case OpUnban:
			res, err := w.provider.Unban(ctx, op.IP, op.ProviderBanID)
			if err == nil {
				q.handler.HandleUnbanSuccess(ctx, op, res)
				return
			}
			opErr = err
		}

		if op.attempt >= maxAttempts {
			q.handler.HandleFailure(ctx, op, opErr)
			return
		}

		q.log.WithError(opErr).WithFields(logrus.Fields{
			"integration": op.IntegrationID,
			"ip":          op.IP,
			"attempt":     op.attempt,
		}).Warn("provider op failed, retrying")

		select {
		case <-time.After(backoffDelay(op.attempt)):
		case <-w.done:
			q.handler.HandleFailure(ctx, op, opErr)
			return
		}
	}
}

// backoffDelay returns the delay before attempt n+1, doubling from
// backoffBase and capped at backoffCap.
func backoffDelay(attempt int) time.Duration {
	d := backoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= backoffCap {
			return backoffCap
		}
	}
	return d
}
