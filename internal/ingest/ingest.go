// Package ingest implements the audit-log ingestor (C7, spec.md
// §4.7): tails a ModSecurity JSON audit log with follow-through-rotation
// semantics, extracts WAF events, resolves them to a managed proxy,
// and flushes them in batches. The correlation engine's own
// lock-protected map idiom (pkg/ece/ece.go) is re-purposed here: where
// the teacher guards a map of in-flight syslog events, this guards an
// append-only batch buffer, and syslog ingestion becomes file tailing
// via fsnotify (the teacher's go-syslog.v2 listener has no file-tail
// equivalent, so rotation is handled by fsnotify's Create/Rename events).
package ingest

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/wafguard/wafguard/internal/eventbus"
	"github.com/wafguard/wafguard/internal/model"
)

// Appender is the subset of *store.EventStore the ingestor writes
// through.
type Appender interface {
	Append(ctx context.Context, events []model.WAFEvent) error
}

// ProxySource supplies the currently-enabled proxies for resolution.
type ProxySource interface {
	Proxies(ctx context.Context) ([]model.Proxy, error)
}

// Config configures an Ingestor.
type Config struct {
	Path          string
	BatchSize     int
	BatchInterval time.Duration
	ReopenBackoff time.Duration
}

const defaultReopenBackoff = 5 * time.Second

// Ingestor is C7.
type Ingestor struct {
	cfg     Config
	store   Appender
	proxies ProxySource
	bus     *eventbus.Bus
	log     *logrus.Entry

	mu  sync.Mutex
	buf []model.WAFEvent

	file    *os.File
	reader  *bufio.Reader
	watcher *fsnotify.Watcher

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New builds an Ingestor. It does not open the file or start tailing
// until Start is called. Every persisted event is broadcast on bus
// under TopicWAFEvent once its batch is durably appended (spec.md
// §4.10, §6).
func New(cfg Config, store Appender, proxies ProxySource, bus *eventbus.Bus, log *logrus.Entry) *Ingestor {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.BatchInterval <= 0 {
		cfg.BatchInterval = 2 * time.Second
	}
	if cfg.ReopenBackoff <= 0 {
		cfg.ReopenBackoff = defaultReopenBackoff
	}
	return &Ingestor{cfg: cfg, store: store, proxies: proxies, bus: bus, log: log}
}

// Start opens the audit log at its current end of file (only new
// lines are tailed) and begins the watch and flush loops.
func (in *Ingestor) Start(ctx context.Context) error {
	if err := in.openAtEnd(); err != nil {
		return errors.Wrap(err, "opening audit log")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "creating fsnotify watcher")
	}
	if err := watcher.Add(filepath.Dir(in.cfg.Path)); err != nil {
		watcher.Close()
		return errors.Wrap(err, "watching audit log directory")
	}
	in.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	in.cancel = cancel

	in.wg.Add(2)
	go in.watchLoop(runCtx)
	go in.flushLoop(runCtx)

	return nil
}

// Stop cancels the watch/flush loops and waits for them to exit,
// flushing any buffered events first.
func (in *Ingestor) Stop(ctx context.Context) {
	if in.cancel != nil {
		in.cancel()
	}
	in.wg.Wait()
	if in.watcher != nil {
		in.watcher.Close()
	}
	in.flush(ctx)
	if in.file != nil {
		in.file.Close()
	}
}

func (in *Ingestor) openAtEnd() error {
	f, err := os.Open(in.cfg.Path)
	if err != nil {
		return err
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return err
	}
	in.file = f
	in.reader = bufio.NewReader(f)
	return nil
}

func (in *Ingestor) watchLoop(ctx context.Context) {
	defer in.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-in.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(in.cfg.Path) {
				continue
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename|fsnotify.Create) != 0 {
				in.reopen(ctx)
				continue
			}
			if ev.Op&fsnotify.Write != 0 {
				in.drain(ctx)
			}
		case err, ok := <-in.watcher.Errors:
			if !ok {
				return
			}
			in.log.WithError(err).Warn("audit log watcher error")
		}
	}
}

func (in *Ingestor) reopen(ctx context.Context) {
	in.drain(ctx) // read whatever is left in the old file handle first
	if in.file != nil {
		in.file.Close()
	}

	for {
		f, err := os.Open(in.cfg.Path)
		if err == nil {
			in.file = f
			in.reader = bufio.NewReader(f)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(in.cfg.ReopenBackoff):
		}
	}
}

func (in *Ingestor) drain(ctx context.Context) {
	for {
		line, err := in.reader.ReadString('\n')
		if line = strings.TrimSpace(line); line != "" {
			in.handleLine(ctx, line)
		}
		if err != nil {
			return // EOF (or transient read error); wait for the next Write event
		}
	}
}

func (in *Ingestor) handleLine(ctx context.Context, line string) {
	if !strings.HasPrefix(line, "{") {
		return // engine startup noise, silently skipped per spec.md §4.7
	}

	var entry auditEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		return
	}

	event, ok := extract(entry, line)
	if !ok {
		return
	}

	proxies, err := in.proxies.Proxies(ctx)
	if err != nil {
		in.log.WithError(err).Warn("failed to load proxies for resolution")
	} else {
		event.ProxyID = resolveProxy(entry.Transaction.Request.Headers, entry.Transaction.HostIP, proxies)
	}

	in.mu.Lock()
	in.buf = append(in.buf, event)
	full := len(in.buf) >= in.cfg.BatchSize
	in.mu.Unlock()

	if full {
		in.flush(ctx)
	}
}

func (in *Ingestor) flushLoop(ctx context.Context) {
	defer in.wg.Done()
	ticker := time.NewTicker(in.cfg.BatchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			in.flush(ctx)
		}
	}
}

// flush writes the current buffer. On failure the batch is prepended
// back into the buffer and retried on the next tick (spec.md §4.7
// backpressure).
func (in *Ingestor) flush(ctx context.Context) {
	in.mu.Lock()
	if len(in.buf) == 0 {
		in.mu.Unlock()
		return
	}
	batch := in.buf
	in.buf = nil
	in.mu.Unlock()

	if err := in.store.Append(ctx, batch); err != nil {
		in.log.WithError(err).WithField("batch_size", len(batch)).Error("failed to append WAF events, re-queuing")
		in.mu.Lock()
		in.buf = append(batch, in.buf...)
		in.mu.Unlock()
		return
	}

	if in.bus != nil {
		for _, ev := range batch {
			in.bus.Publish(eventbus.TopicWAFEvent, ev)
		}
	}
}
