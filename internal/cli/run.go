package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/wafguard/wafguard/internal/ban"
	"github.com/wafguard/wafguard/internal/banqueue"
	"github.com/wafguard/wafguard/internal/config"
	"github.com/wafguard/wafguard/internal/cryptutil"
	"github.com/wafguard/wafguard/internal/detect"
	"github.com/wafguard/wafguard/internal/eventbus"
	"github.com/wafguard/wafguard/internal/firewall"
	"github.com/wafguard/wafguard/internal/ingest"
	"github.com/wafguard/wafguard/internal/logging"
	"github.com/wafguard/wafguard/internal/notify"
	"github.com/wafguard/wafguard/internal/reconcile"
	"github.com/wafguard/wafguard/internal/store"
)

var (
	logFile    string
	logMaxSize int
	logMaxAge  int
	debug      bool
	ssePort    string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs the full wafguard pipeline",
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(); err != nil {
			logrus.WithError(err).Fatal("wafguardd exited with error")
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&logFile, "log-file", "l", "", "log file path (empty logs to stdout)")
	runCmd.Flags().IntVar(&logMaxSize, "log-size", 100, "max log file size in MB before rotation")
	runCmd.Flags().IntVar(&logMaxAge, "log-age", 28, "max log file age in days")
	runCmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	runCmd.Flags().StringVar(&ssePort, "sse-addr", ":9480", "address to serve the event bus SSE stream on")
}

func newComponentLogger(component string) *logrus.Entry {
	entry := logging.New(component, logging.Options{
		Filename:   logFile,
		MaxSizeMB:  logMaxSize,
		MaxAgeDays: logMaxAge,
		Compress:   true,
	})
	if debug {
		entry.Logger.SetLevel(logrus.DebugLevel)
	}
	return entry
}

func run() error {
	log := newComponentLogger("wafguardd")

	settings, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	eventStore, err := store.OpenEventStore(settings.EventDBPath)
	if err != nil {
		return err
	}
	defer eventStore.Close()

	configStore, err := store.OpenConfigStore(settings.ConfigDBPath)
	if err != nil {
		return err
	}
	defer configStore.Close()

	bus := eventbus.New()

	registry := firewall.NewRegistry()
	firewall.RegisterBuiltins(registry, settings.ProviderCallTimeout)

	hRef := &resultHandlerRef{}
	queue := banqueue.New(hRef, 1, 5, newComponentLogger("banqueue"))

	dRef := &dispatcherRef{}
	orch := ban.New(configStore, queue, bus, dRef, newComponentLogger("ban"))
	hRef.handler = orch

	key, err := cryptutil.KeyFromEnv(settings.CredentialKeyEnvVar)
	if err != nil {
		log.WithError(err).Warn("credential encryption key unavailable; integrations cannot be decrypted")
	}
	decrypt := func(sealed []byte) ([]byte, error) {
		return cryptutil.Decrypt(key, sealed)
	}

	reconcileLoop := reconcile.New(configStore, registry, queue, bus, decrypt, settings.ProviderCallTimeout, newComponentLogger("reconcile"))

	sender := notify.NewCommandSender(settings.NotifyOutboundCommand)
	notifier := notify.New(configStore, sender, notify.Config{
		HighSeverityCooldown: settings.NotifyHighSeverityCooldown,
		WAFThreshold:         settings.NotifyWAFThreshold,
		WAFWindow:            settings.NotifyWAFWindow,
		BatchInterval:        settings.NotifyBatchInterval,
	}, newComponentLogger("notify"))
	dRef.dispatcher = notifier

	scheduler, err := notify.NewScheduler(notifier, eventStore, reportSource{events: eventStore, config: configStore}, settings.DailyReportCron, newComponentLogger("notify-scheduler"))
	if err != nil {
		return err
	}

	engine := detect.New(detectStore{events: eventStore, config: configStore}, orch, dRef, settings.NotifyWAFWindow, newComponentLogger("detect"))

	ingestor := ingest.New(ingest.Config{
		Path:          settings.AuditLogPath,
		BatchSize:     settings.BatchSize,
		BatchInterval: settings.BatchInterval,
	}, eventStore, configStore, bus, newComponentLogger("ingest"))

	backfiller := ingest.NewBackfillRunner(eventStore, eventStore.MostCommonProxyForIP, newComponentLogger("backfill"))

	purgeCron := cron.New()
	if _, err := purgeCron.AddFunc(settings.PurgeCronExpr(), func() {
		cutoff := time.Now().AddDate(0, 0, -settings.RetentionDays)
		if _, err := eventStore.Purge(context.Background(), cutoff); err != nil {
			log.WithError(err).Error("retention purge failed")
		}
	}); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := reconcileLoop.Refresh(ctx); err != nil {
		log.WithError(err).Error("initial provider refresh failed")
	}
	if err := ingestor.Start(ctx); err != nil {
		return err
	}

	go engine.Run(ctx)
	go backfiller.Run(ctx)
	go notifier.RunBatcher(ctx)
	go expirySweepLoop(ctx, orch, settings.ExpirySweepInterval, log)
	go runReconcileLoop(ctx, reconcileLoop, settings.ReconcileInterval, log)
	go serveSSE(ctx, bus, ssePort, log)

	purgeCron.Start()
	scheduler.Start()

	waitForShutdown(log)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), settings.ShutdownGrace)
	defer shutdownCancel()

	cancel()
	ingestor.Stop(shutdownCtx)
	queue.Shutdown(shutdownCtx)
	scheduler.Stop(shutdownCtx)
	purgeCron.Stop()

	return nil
}

func expirySweepLoop(ctx context.Context, orch *ban.Orchestrator, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := orch.ExpirySweep(ctx); err != nil {
				log.WithError(err).Error("expiry sweep failed")
			}
		}
	}
}

func runReconcileLoop(ctx context.Context, loop *reconcile.Loop, interval time.Duration, log *logrus.Entry) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := loop.Run(ctx); err != nil && err != reconcile.ErrAlreadyRunning {
				log.WithError(err).Error("reconciliation pass failed")
			}
		}
	}
}

func waitForShutdown(log *logrus.Entry) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	log.WithField("signal", s.String()).Info("shutting down")
}
