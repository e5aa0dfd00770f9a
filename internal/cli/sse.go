package cli

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/eventbus"
)

const shutdownHTTPGrace = 5 * time.Second

// serveSSE exposes the event bus over HTTP for admin-UI push updates
// (C10, spec.md §4.10). Bound to ctx: shuts down when ctx is canceled.
func serveSSE(ctx context.Context, bus *eventbus.Bus, addr string, log *logrus.Entry) {
	mux := http.NewServeMux()
	mux.Handle("/events", bus)

	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownHTTPGrace)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	log.WithField("addr", addr).Info("serving event bus SSE stream")
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("SSE server stopped unexpectedly")
	}
}
