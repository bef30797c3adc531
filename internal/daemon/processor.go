package daemon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/automation"
	"github.com/msageha/rpa-oracle/internal/cache"
	"github.com/msageha/rpa-oracle/internal/events"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/queue"
	"github.com/msageha/rpa-oracle/internal/session"
)

// State is the processing loop's position in its cycle.
type State string

const (
	StateIdlePoll       State = "idle_poll"
	StateWorkFound      State = "work_found"
	StateProcessingItem State = "processing_item"
	StateWriteBack      State = "write_back"
	StateHalted         State = "halted"
)

// ErrHalted is returned by the processing loop after the automation reported
// a condition that needs an operator. No further item is touched.
var ErrHalted = errors.New("processing halted: item needs attention")

var errRowUnconfirmed = errors.New("row could not be confirmed")

// ProcessorConfig holds the loop's tunables.
type ProcessorConfig struct {
	Columns         model.ColumnsConfig
	Sentinels       model.SentinelsConfig
	RecheckInterval time.Duration
	IdleInterval    time.Duration
}

// Processor drains the queue: it drives the automation once per eligible
// item, records the item in the cache, and writes completion back.
type Processor struct {
	cache      *cache.Cache
	queue      *queue.Reader
	automation automation.Automation
	recorder   *session.Recorder
	bus        *events.Bus
	logger     *zap.Logger
	config     ProcessorConfig

	// after returns a channel that fires once d has elapsed. Tests swap it
	// for an immediate trigger.
	after func(d time.Duration) <-chan time.Time
	wake  <-chan struct{}

	state     atomic.Value
	processed atomic.Int64

	mu         sync.Mutex
	haltedItem string
	haltReason string
}

// NewProcessor wires a processor. bus may be nil.
func NewProcessor(
	c *cache.Cache,
	q *queue.Reader,
	a automation.Automation,
	rec *session.Recorder,
	bus *events.Bus,
	cfg ProcessorConfig,
	logger *zap.Logger,
) *Processor {
	if cfg.RecheckInterval <= 0 {
		cfg.RecheckInterval = 5 * time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = time.Minute
	}
	p := &Processor{
		cache:      c,
		queue:      q,
		automation: a,
		recorder:   rec,
		bus:        bus,
		logger:     logger,
		config:     cfg,
		after:      time.After,
	}
	p.state.Store(StateIdlePoll)
	return p
}

// SetWake installs a channel whose signals cut the current wait short, so
// a sheet change is picked up without waiting for the idle interval.
// Must be called before Run.
func (p *Processor) SetWake(ch <-chan struct{}) {
	p.wake = ch
}

// State returns the current loop state.
func (p *Processor) State() State {
	return p.state.Load().(State)
}

// Halted reports whether the loop stopped on an item that needs attention,
// and which item it was.
func (p *Processor) Halted() (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haltedItem, p.haltedItem != ""
}

// HaltReason returns the automation's explanation for the halt, if any.
func (p *Processor) HaltReason() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.haltReason
}

// Processed returns how many side effects this process has performed.
func (p *Processor) Processed() int64 {
	return p.processed.Load()
}

func (p *Processor) setState(s State) {
	p.state.Store(s)
}

// Run polls and processes until ctx is cancelled (returns nil) or an item
// halts the loop (returns ErrHalted).
func (p *Processor) Run(ctx context.Context) error {
	rechecked := false
	for {
		if ctx.Err() != nil {
			p.setState(StateIdlePoll)
			return nil
		}

		n, err := p.RunOnce(ctx)
		switch {
		case errors.Is(err, ErrHalted):
			return err
		case err != nil:
			p.logger.Warn("poll_failed", zap.Error(err))
			rechecked = false
			p.idle(ctx)
			continue
		}

		if n > 0 {
			rechecked = false
			continue
		}
		if !rechecked {
			rechecked = true
			p.logger.Debug("queue_empty_recheck", zap.Duration("after", p.config.RecheckInterval))
			p.wait(ctx, p.config.RecheckInterval)
			continue
		}
		rechecked = false
		p.idle(ctx)
	}
}

// RunOnce performs one poll and processes the eligible items in row order.
// It returns how many items had their side effect performed. The stop
// signal is honoured between items, never during one.
func (p *Processor) RunOnce(ctx context.Context) (int, error) {
	if _, halted := p.Halted(); halted {
		return 0, ErrHalted
	}

	p.setState(StateIdlePoll)
	items, err := p.queue.FetchEligible(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch eligible: %w", err)
	}
	if len(items) == 0 {
		return 0, nil
	}

	p.setState(StateWorkFound)
	p.logger.Debug("work_found", zap.Int("eligible", len(items)))

	done := 0
	for _, item := range items {
		if ctx.Err() != nil {
			p.logger.Info("stop_between_items", zap.Int("processed", done))
			break
		}
		acted, err := p.processItem(ctx, item)
		if acted {
			done++
		}
		if err != nil {
			return done, err
		}
	}
	p.setState(StateIdlePoll)
	return done, nil
}

func (p *Processor) processItem(ctx context.Context, item model.WorkItem) (bool, error) {
	log := p.logger.With(zap.String("id", item.ID), zap.Int("address", item.Address))

	if p.cache.IsProcessed(item.ID) {
		log.Debug("skip_cached")
		return false, nil
	}

	if err := p.validate(item); err != nil {
		log.Warn("item_rejected", zap.Error(err))
		p.publish(events.EventItemRejected, item.ID, map[string]any{"address": item.Address, "reason": err.Error()})
		return false, nil
	}

	// Once started, the automation and its write-back run to completion even
	// if a stop arrives.
	itemCtx := context.WithoutCancel(ctx)

	p.setState(StateProcessingItem)
	log.Info("item_started")
	start := time.Now()
	outcome, err := p.automation.Execute(itemCtx, item)
	log = log.With(zap.Stringer("outcome", outcome), zap.Duration("elapsed", time.Since(start)))

	switch outcome {
	case automation.OutcomeSuccess:
		p.processed.Add(1)
		p.cache.Add(item.ID, item.Address, item.Snapshot(), model.CacheStatusPending)
		p.setState(StateWriteBack)
		p.writeBack(itemCtx, log, item, p.config.Sentinels.Done, model.CacheStatusPending)
		return true, nil

	case automation.OutcomeNeedsAttention:
		p.processed.Add(1)
		p.cache.Add(item.ID, item.Address, item.Snapshot(), model.CacheStatusNeedsAttention)
		p.setState(StateWriteBack)
		p.writeBack(itemCtx, log, item, p.config.Sentinels.Attention, model.CacheStatusNeedsAttention)

		reason := ""
		if err != nil {
			reason = err.Error()
		}
		p.mu.Lock()
		p.haltedItem = item.ID
		p.haltReason = reason
		p.mu.Unlock()
		p.setState(StateHalted)

		log.Error("item_halted", zap.String("reason", reason))
		p.publish(events.EventItemHalted, item.ID, map[string]any{"address": item.Address, "reason": reason})
		return true, ErrHalted

	default:
		log.Warn("automation_failed", zap.Error(err))
		return false, nil
	}
}

// writeBack records sentinel on the row currently holding the item. Rows
// may have moved while the automation ran, so the address is resolved from
// a fresh read first. On success the cache entry is cleared and, for
// completed items, the row joins the session log. Any failure, including a
// row that can no longer be confirmed, leaves the entry for the reconciler.
func (p *Processor) writeBack(ctx context.Context, log *zap.Logger, item model.WorkItem, sentinel string, status model.CacheStatus) {
	address, err := p.resolveAddress(ctx, log, item)
	if err == nil {
		err = p.queue.WriteStatus(ctx, address, sentinel)
	}
	if err != nil {
		log.Warn("writeback_failed", zap.String("sentinel", sentinel), zap.Error(err))
		p.publish(events.EventWritebackFailed, item.ID, map[string]any{"address": item.Address, "error": err.Error()})
		return
	}
	if !p.cache.MarkDone(item.ID) {
		log.Debug("writeback_raced", zap.String("sentinel", sentinel))
		return
	}
	log.Info("writeback_done", zap.String("sentinel", sentinel), zap.Int("written_address", address))
	if status == model.CacheStatusPending {
		recordCompleted(p.recorder, p.config.Columns, item, sentinel)
		p.publish(events.EventItemCompleted, item.ID, map[string]any{"address": address})
	}
}

// resolveAddress returns the row holding item.ID now. It fails when the id
// is gone or its completion cell is no longer empty.
func (p *Processor) resolveAddress(ctx context.Context, log *zap.Logger, item model.WorkItem) (int, error) {
	snap, err := p.queue.Snapshot(ctx)
	if err != nil {
		return 0, fmt.Errorf("resolve address: %w", err)
	}
	cur, ok := snap.Lookup(item.ID)
	if !ok {
		return 0, fmt.Errorf("%w: id no longer on the sheet", errRowUnconfirmed)
	}
	if v := snap.StatusOracle(cur); v != "" {
		return 0, fmt.Errorf("%w: completion cell now holds %q", errRowUnconfirmed, v)
	}
	if cur.Address != item.Address {
		log.Info("address_moved", zap.Int("from", item.Address), zap.Int("to", cur.Address))
	}
	return cur.Address, nil
}

func (p *Processor) validate(item model.WorkItem) error {
	col := p.config.Columns.Quantity
	if col == "" {
		return nil
	}
	_, err := ParseQuantity(item.Field(col))
	if err != nil {
		return fmt.Errorf("%s: %w", col, err)
	}
	return nil
}

// idle waits out the long interval, keeping the automation's target session
// alive first.
func (p *Processor) idle(ctx context.Context) {
	if ka, ok := p.automation.(automation.KeepAliver); ok {
		if err := ka.KeepAlive(context.WithoutCancel(ctx)); err != nil {
			p.logger.Warn("keepalive_failed", zap.Error(err))
		}
	}
	p.logger.Debug("idle_wait", zap.Duration("for", p.config.IdleInterval))
	p.wait(ctx, p.config.IdleInterval)
}

// wait blocks for d, until ctx is done, or until a wake signal arrives.
func (p *Processor) wait(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-p.after(d):
	case _, ok := <-p.wake:
		if ok {
			p.logger.Debug("woken")
		} else {
			p.wake = nil
		}
	}
}

func (p *Processor) publish(t events.EventType, id string, data map[string]any) {
	if p.bus != nil {
		p.bus.Publish(t, id, data)
	}
}

// ParseQuantity parses a positive quantity written with either a dot or a
// comma as decimal separator. When both appear, dots are thousands
// separators ("1.234,5").
func ParseQuantity(s string) (float64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0, errors.New("quantity is empty")
	}
	if strings.Contains(s, ",") {
		s = strings.ReplaceAll(s, ".", "")
		s = strings.ReplaceAll(s, ",", ".")
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("quantity %q is not a number", s)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) || v <= 0 {
		return 0, fmt.Errorf("quantity %v must be positive", v)
	}
	return v, nil
}

// recordCompleted appends the item's row to the session log with the
// sentinel that was written in its StatusOracle cell.
func recordCompleted(rec *session.Recorder, cols model.ColumnsConfig, item model.WorkItem, sentinel string) {
	if rec == nil {
		return
	}
	values := append([]string(nil), item.Values...)
	for i, h := range item.Headers {
		if strings.EqualFold(strings.TrimSpace(h), cols.StatusOracle) && i < len(values) {
			values[i] = sentinel
			break
		}
	}
	rec.Append(item.Headers, values)
}
