package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/msageha/rpa-oracle/internal/automation"
	"github.com/msageha/rpa-oracle/internal/cache"
	"github.com/msageha/rpa-oracle/internal/events"
	"github.com/msageha/rpa-oracle/internal/lock"
	"github.com/msageha/rpa-oracle/internal/logging"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/notify"
	"github.com/msageha/rpa-oracle/internal/queue"
	"github.com/msageha/rpa-oracle/internal/session"
	"github.com/msageha/rpa-oracle/internal/sheet"
	"github.com/msageha/rpa-oracle/internal/uds"
)

// Daemon owns the cache for the lifetime of the process and runs the
// processing loop and the reconciler against it.
type Daemon struct {
	dir     string
	config  model.Config
	logger  *zap.Logger
	logFile io.Closer

	fileLock   *lock.FileLock
	server     *uds.Server
	sheet      sheet.Sheet
	automation automation.Automation
	notifier   notify.Notifier
	closers    []io.Closer
	ticks      <-chan time.Time

	cache      *cache.Cache
	reader     *queue.Reader
	recorder   *session.Recorder
	bus        *events.Bus
	audit      *events.AuditLog
	processor  *Processor
	reconciler *Reconciler

	mu        sync.Mutex
	cancel    context.CancelFunc
	loopsDone chan struct{}
	loopErr   error
	shutdown  sync.Once
}

// Option overrides a collaborator, mostly for tests.
type Option func(*Daemon)

// WithSheet replaces the YAML file sheet named in the config.
func WithSheet(s sheet.Sheet) Option { return func(d *Daemon) { d.sheet = s } }

// WithAutomation replaces the configured external command.
func WithAutomation(a automation.Automation) Option { return func(d *Daemon) { d.automation = a } }

// WithNotifier replaces the notifiers built from the config.
func WithNotifier(n notify.Notifier) Option { return func(d *Daemon) { d.notifier = n } }

// WithLogger replaces the file+stderr logger.
func WithLogger(l *zap.Logger) Option { return func(d *Daemon) { d.logger = l } }

// WithReconcileTicks drives the reconciler from ch instead of a ticker.
func WithReconcileTicks(ch <-chan time.Time) Option { return func(d *Daemon) { d.ticks = ch } }

// New creates a daemon rooted at dir.
func New(dir string, cfg model.Config, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		dir:      dir,
		config:   cfg,
		recorder: session.NewRecorder(),
		fileLock: lock.NewFileLock(filepath.Join(dir, "locks", "daemon.lock")),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.logger == nil {
		logPath := filepath.Join(dir, "logs", "daemon.log")
		if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("open daemon log: %w", err)
		}
		d.logFile = logFile
		d.logger = logging.New(cfg.Logging.Level, logFile, os.Stderr)
	}
	d.logger = d.logger.With(zap.String("session", d.recorder.ID()))

	if d.sheet == nil {
		d.sheet = sheet.NewFile(d.resolve(cfg.Sheet.Path), d.logger.Named("sheet"))
	}
	if d.automation == nil {
		ex, err := automation.NewExec(cfg.Automation, dir)
		if err != nil {
			d.closeLog()
			return nil, err
		}
		d.automation = ex
	}
	if d.notifier == nil {
		n, closers, err := buildNotifier(cfg.Notify)
		if err != nil {
			d.closeLog()
			return nil, err
		}
		d.notifier = n
		d.closers = closers
	}

	d.bus = events.NewBus(100, d.logger.Named("events"))
	d.server = uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), d.logger.Named("uds"))
	return d, nil
}

func buildNotifier(cfg model.NotifyConfig) (notify.Notifier, []io.Closer, error) {
	var (
		multi   notify.Multi
		closers []io.Closer
	)
	if cfg.Telegram.Token != "" {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:   cfg.Telegram.Token,
			ChatID:  cfg.Telegram.ChatID,
			APIURL:  cfg.Telegram.APIURL,
			Retries: cfg.Telegram.Retries,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("notify.telegram: %w", err)
		}
		multi = append(multi, tg)
	}
	if cfg.Redis.URL != "" {
		r, err := notify.NewRedis(notify.RedisConfig{URL: cfg.Redis.URL, Channel: cfg.Redis.Channel})
		if err != nil {
			return nil, nil, fmt.Errorf("notify.redis: %w", err)
		}
		multi = append(multi, r)
		closers = append(closers, r)
	}
	if cfg.Desktop {
		multi = append(multi, notify.Desktop{})
	}
	if len(multi) == 0 {
		return notify.Nop{}, nil, nil
	}
	return multi, closers, nil
}

func (d *Daemon) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(d.dir, p)
}

// Run starts both loops and blocks until ctx is cancelled, a stop command
// arrives, or the process is signalled. Shutdown has completed when it
// returns.
func (d *Daemon) Run(ctx context.Context) error {
	// Step 1: single instance
	if err := d.fileLock.TryLock(); err != nil {
		d.closeConsumers()
		d.closeLog()
		return fmt.Errorf("daemon lock: %w", err)
	}
	d.logger.Info("daemon_starting", zap.Int("pid", os.Getpid()), zap.String("dir", d.dir))

	// Step 2: cache, constructed once and injected into both loops
	c, err := cache.Open(d.resolve(d.config.Cache.Path), d.logger.Named("cache"))
	if err != nil {
		d.closeConsumers()
		d.cleanup()
		return fmt.Errorf("open cache: %w", err)
	}

	// Step 3: loops
	reader := queue.NewReader(d.sheet, d.config.Columns, d.config.Sentinels, d.logger.Named("queue"))
	processor := NewProcessor(c, reader, d.automation, d.recorder, d.bus, ProcessorConfig{
		Columns:         d.config.Columns,
		Sentinels:       d.config.Sentinels,
		RecheckInterval: d.config.Polling.RecheckInterval.Duration,
		IdleInterval:    d.config.Polling.IdleInterval.Duration,
	}, d.logger.Named("processor"))
	reconciler := NewReconciler(c, reader, d.recorder, d.bus,
		d.config.Columns, d.config.Sentinels, d.logger.Named("reconciler"))

	d.mu.Lock()
	d.cache, d.reader, d.processor, d.reconciler = c, reader, processor, reconciler
	d.mu.Unlock()

	// Step 4: event consumers
	auditPath := filepath.Join(d.dir, "logs", "audit.jsonl")
	if audit, err := events.OpenAuditLog(auditPath, d.recorder.ID(), 0); err != nil {
		d.logger.Warn("audit_log_unavailable", zap.String("path", auditPath), zap.Error(err))
	} else {
		d.audit = audit
	}
	d.subscribe()

	runCtx, cancel := context.WithCancel(ctx)
	d.mu.Lock()
	d.cancel = cancel
	d.mu.Unlock()

	// Step 5: sheet watcher wakes the processor early
	if f, ok := d.sheet.(*sheet.File); ok && d.config.Sheet.Watch {
		wake, err := f.Watch(runCtx)
		if err != nil {
			d.logger.Warn("sheet_watch_unavailable", zap.Error(err))
		} else {
			d.processor.SetWake(wake)
		}
	}

	// Step 6: control socket
	d.registerHandlers()
	if err := d.server.Start(); err != nil {
		cancel()
		d.closeConsumers()
		d.cleanup()
		return fmt.Errorf("start UDS server: %w", err)
	}
	d.logger.Info("uds_listening", zap.String("socket", d.server.SocketPath()))

	// Step 7: loops
	ticks := d.ticks
	if ticks == nil {
		ticker := time.NewTicker(d.config.Reconciler.Interval.Duration)
		defer ticker.Stop()
		ticks = ticker.C
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		err := d.processor.Run(gctx)
		if errors.Is(err, ErrHalted) {
			item, _ := d.processor.Halted()
			d.logger.Error("processor_halted", zap.String("id", item),
				zap.String("hint", "resolve the item on the sheet, then restart"))
			return nil
		}
		return err
	})
	g.Go(func() error {
		return d.reconciler.Run(gctx, ticks)
	})

	d.loopsDone = make(chan struct{})
	go func() {
		err := g.Wait()
		d.mu.Lock()
		d.loopErr = err
		d.mu.Unlock()
		close(d.loopsDone)
	}()

	d.logger.Info("daemon_ready",
		zap.Int("pending", d.cache.Len()),
		zap.Duration("reconcile_every", d.config.Reconciler.Interval.Duration))

	// Step 8: wait for stop
	d.waitSignals(runCtx)
	d.Shutdown()

	d.mu.Lock()
	defer d.mu.Unlock()
	return d.loopErr
}

// Stop asks a running daemon to shut down. It does not wait.
func (d *Daemon) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (d *Daemon) subscribe() {
	d.bus.SubscribeAll(events.AllTypes, func(e events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		msg := notify.Message{
			Event:   string(e.Type),
			ItemID:  e.ItemID,
			Text:    describe(e),
			Session: d.recorder.ID(),
			Time:    e.Timestamp,
		}
		if err := d.notifier.Send(ctx, msg); err != nil {
			d.logger.Warn("notify_failed", zap.String("event", string(e.Type)), zap.Error(err))
		}
	})
	if d.audit != nil {
		d.bus.SubscribeAll(events.AllTypes, func(e events.Event) {
			if err := d.audit.Record(e); err != nil {
				d.logger.Warn("audit_write_failed", zap.Error(err))
			}
		})
	}
}

func describe(e events.Event) string {
	switch e.Type {
	case events.EventItemCompleted:
		return fmt.Sprintf("completed (row %v)", e.Data["address"])
	case events.EventWritebackFailed:
		return fmt.Sprintf("write-back failed, will retry: %v", e.Data["error"])
	case events.EventItemHalted:
		return fmt.Sprintf("needs attention, processing stopped: %v", e.Data["reason"])
	case events.EventItemRejected:
		return fmt.Sprintf("rejected: %v", e.Data["reason"])
	default:
		return string(e.Type)
	}
}

// registerHandlers registers UDS request handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", func(_ context.Context, _ *uds.Request) *uds.Response {
		return uds.SuccessResponse(map[string]string{"status": "ok"})
	})

	d.server.Handle("status", func(_ context.Context, _ *uds.Request) *uds.Response {
		return uds.SuccessResponse(d.Status())
	})

	d.server.Handle("stop", func(_ context.Context, _ *uds.Request) *uds.Response {
		d.logger.Info("stop_requested", zap.String("via", "uds"))
		d.Stop()
		return uds.SuccessResponse(map[string]string{"status": "stopping"})
	})

	d.server.Handle("export", func(ctx context.Context, req *uds.Request) *uds.Response {
		var params ExportParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return uds.ErrorResponse(uds.ErrCodeValidation, fmt.Sprintf("invalid params: %v", err))
			}
		}
		res, err := d.Export(ctx, params)
		if errors.Is(err, session.ErrEmpty) {
			return uds.ErrorResponse(uds.ErrCodeEmpty, err.Error())
		}
		if err != nil {
			return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
		}
		return uds.SuccessResponse(res)
	})
}

// ExportParams selects the export destination. An empty CSV path exports
// to the configured export sheet.
type ExportParams struct {
	CSV string `json:"csv,omitempty"`
}

// Export writes this session's completed rows to a CSV file or the export sheet.
func (d *Daemon) Export(ctx context.Context, params ExportParams) (model.ExportResult, error) {
	res := model.ExportResult{Session: d.recorder.ID()}
	var err error
	if params.CSV != "" {
		res.Destination = d.resolve(params.CSV)
		res.Rows, err = d.recorder.WriteCSV(res.Destination)
	} else {
		res.Destination = d.resolve(d.config.Sheet.ExportPath)
		res.Rows, err = d.recorder.ExportToSheet(ctx, sheet.NewFile(res.Destination, d.logger.Named("export")))
	}
	if err != nil {
		return model.ExportResult{}, err
	}
	d.logger.Info("session_exported", zap.Int("rows", res.Rows), zap.String("destination", res.Destination))
	return res, nil
}

// Status reports loop state and pending cache entries.
func (d *Daemon) Status() model.DaemonStatus {
	st := model.DaemonStatus{
		PID:         os.Getpid(),
		Session:     d.recorder.ID(),
		Started:     d.recorder.Started(),
		SessionRows: d.recorder.Len(),
		Pending:     []model.PendingEntry{},
	}
	d.mu.Lock()
	p, c := d.processor, d.cache
	d.mu.Unlock()
	if p != nil {
		st.State = string(p.State())
		st.HaltedItem, st.Halted = p.Halted()
		st.HaltReason = p.HaltReason()
		st.Processed = p.Processed()
	}
	if c != nil {
		st.Pending = model.PendingEntries(c.Pending())
	}
	return st
}

// waitSignals blocks until a shutdown signal or ctx is done. A second
// signal during shutdown forces exit.
func (d *Daemon) waitSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		d.logger.Info("signal_received", zap.String("signal", sig.String()))
		go func() {
			<-sigCh
			d.logger.Warn("second_signal_forcing_exit")
			_ = d.logger.Sync()
			os.Exit(1)
		}()
	case <-ctx.Done():
		signal.Stop(sigCh)
	}
}

// Shutdown stops both loops, waits for the in-flight item up to the
// configured timeout, and flushes the cache. Idempotent.
func (d *Daemon) Shutdown() {
	d.shutdown.Do(func() {
		d.logger.Info("shutdown_started")

		// 1. Stop producers
		d.Stop()
		if d.server != nil {
			_ = d.server.Stop()
		}

		// 2. Drain in-flight with timeout
		timeout := d.config.Daemon.ShutdownTimeout.Duration
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		if d.loopsDone != nil {
			select {
			case <-d.loopsDone:
				d.logger.Info("loops_drained")
			case <-time.After(timeout):
				d.logger.Warn("shutdown_timeout", zap.Duration("after", timeout))
			}
		}

		// 3. Persist whatever the last save missed
		if d.cache != nil {
			if err := d.cache.Flush(); err != nil {
				d.logger.Error("cache_flush_failed", zap.Error(err))
			}
		}

		// 4. Consumers, then cleanup
		d.closeConsumers()
		d.logger.Info("daemon_stopped",
			zap.Int("session_rows", d.recorder.Len()),
			zap.Int("pending", d.pendingCount()))
		d.cleanup()
	})
}

func (d *Daemon) pendingCount() int {
	if d.cache == nil {
		return 0
	}
	return d.cache.Len()
}

func (d *Daemon) closeConsumers() {
	d.bus.Close()
	if d.audit != nil {
		if err := d.audit.Close(); err != nil {
			d.logger.Warn("audit_close_failed", zap.Error(err))
		}
	}
	for _, c := range d.closers {
		_ = c.Close()
	}
}

// cleanup releases the lock and the log file.
func (d *Daemon) cleanup() {
	if err := d.fileLock.Unlock(); err != nil {
		d.logger.Warn("unlock_failed", zap.Error(err))
	}
	d.closeLog()
}

func (d *Daemon) closeLog() {
	_ = d.logger.Sync()
	if d.logFile != nil {
		_ = d.logFile.Close()
		d.logFile = nil
	}
}
