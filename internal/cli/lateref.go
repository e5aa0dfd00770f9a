package cli

import (
	"context"

	"github.com/wafguard/wafguard/internal/ban"
	"github.com/wafguard/wafguard/internal/banqueue"
	"github.com/wafguard/wafguard/internal/detect"
	"github.com/wafguard/wafguard/internal/firewall"
	"github.com/wafguard/wafguard/internal/model"
)

// resultHandlerRef breaks the construction-order cycle between
// banqueue.Queue (which needs a ResultHandler at New) and
// ban.Orchestrator (which needs the already-built *Queue at New): the
// queue is built against this indirection first, then handler is set
// to the orchestrator once it exists.
type resultHandlerRef struct {
	handler banqueue.ResultHandler
}

func (r *resultHandlerRef) HandleBanSuccess(ctx context.Context, op banqueue.Op, res firewall.BanResult) {
	r.handler.HandleBanSuccess(ctx, op, res)
}

func (r *resultHandlerRef) HandleUnbanSuccess(ctx context.Context, op banqueue.Op, res firewall.UnbanResult) {
	r.handler.HandleUnbanSuccess(ctx, op, res)
}

func (r *resultHandlerRef) HandleFailure(ctx context.Context, op banqueue.Op, err error) {
	r.handler.HandleFailure(ctx, op, err)
}

// dispatcherRef is the same indirection for ban.Orchestrator (needs a
// Dispatcher at New) and notify.Dispatcher (needs nothing from ban at
// construction, but is more naturally built after the orchestrator in
// wiring order; the orchestrator is the detection engine's ban sink).
// It also satisfies detect.Dispatcher, so the detection engine (C8) can
// drive notify's two WAF-event triggers (spec.md §4.9) through the same
// indirection.
type dispatcherRef struct {
	dispatcher interface {
		ban.Dispatcher
		detect.Dispatcher
	}
}

func (r *dispatcherRef) NotifyBanCreated(ctx context.Context, b model.Ban) {
	r.dispatcher.NotifyBanCreated(ctx, b)
}

func (r *dispatcherRef) NotifyBanCleared(ctx context.Context, b model.Ban, manual bool) {
	r.dispatcher.NotifyBanCleared(ctx, b, manual)
}

func (r *dispatcherRef) NotifySystemError(ctx context.Context, component string, err error) {
	r.dispatcher.NotifySystemError(ctx, component, err)
}

func (r *dispatcherRef) NotifyWAFBlock(ctx context.Context, blockedCount int) {
	r.dispatcher.NotifyWAFBlock(ctx, blockedCount)
}

func (r *dispatcherRef) NotifyHighSeverity(ctx context.Context, ip, attackType, severity string) {
	r.dispatcher.NotifyHighSeverity(ctx, ip, attackType, severity)
}
