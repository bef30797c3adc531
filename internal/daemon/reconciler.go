package daemon

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/cache"
	"github.com/msageha/rpa-oracle/internal/events"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/queue"
	"github.com/msageha/rpa-oracle/internal/session"
)

// Repair actions reported by the reconciler.
const (
	RepairVanished      = "vanished"       // id gone from the sheet; entry dropped
	RepairAlreadyMarked = "already_marked" // sheet already carries the sentinel
	RepairWritten       = "written"        // sentinel written at the resolved address
	RepairWriteFailed   = "write_failed"   // left pending for the next tick
	RepairForeignValue  = "foreign_value"  // cell holds another value; kept, entry dropped
)

// Repair describes what the reconciler did for one cache entry.
type Repair struct {
	Action  string
	ID      string
	Address int // address resolved on this tick, 0 when vanished
	Status  model.CacheStatus
	Detail  string
}

// Reconciler retries the write-back leg for every cache entry whose sentinel
// has not landed on the sheet yet. It never runs the automation.
type Reconciler struct {
	cache     *cache.Cache
	queue     *queue.Reader
	recorder  *session.Recorder
	bus       *events.Bus
	columns   model.ColumnsConfig
	sentinels model.SentinelsConfig
	logger    *zap.Logger
}

// NewReconciler wires a reconciler. recorder and bus may be nil.
func NewReconciler(
	c *cache.Cache,
	q *queue.Reader,
	rec *session.Recorder,
	bus *events.Bus,
	columns model.ColumnsConfig,
	sentinels model.SentinelsConfig,
	logger *zap.Logger,
) *Reconciler {
	return &Reconciler{
		cache:     c,
		queue:     q,
		recorder:  rec,
		bus:       bus,
		columns:   columns,
		sentinels: sentinels,
		logger:    logger,
	}
}

// Run calls Tick on every value from tick until ctx is done or tick closes.
func (r *Reconciler) Run(ctx context.Context, tick <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-tick:
			if !ok {
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			r.Tick(ctx)
		}
	}
}

// Tick runs one reconciliation pass and returns the repairs it attempted.
func (r *Reconciler) Tick(ctx context.Context) []Repair {
	pending := r.cache.Pending()
	if len(pending) == 0 {
		return nil
	}

	snap, err := r.queue.Snapshot(ctx)
	if err != nil {
		r.logger.Warn("reconcile_read_failed", zap.Int("pending", len(pending)), zap.Error(err))
		return nil
	}

	ids := make([]string, 0, len(pending))
	for id := range pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var repairs []Repair
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		repairs = append(repairs, r.repair(ctx, snap, id, pending[id]))
	}

	resolved := 0
	for _, rp := range repairs {
		if rp.Action != RepairWriteFailed {
			resolved++
		}
	}
	r.logger.Info("reconcile_tick",
		zap.Int("pending", len(pending)),
		zap.Int("resolved", resolved),
		zap.Int("remaining", r.cache.Len()))
	return repairs
}

func (r *Reconciler) repair(ctx context.Context, snap *queue.Snapshot, id string, entry model.CacheEntry) Repair {
	sentinel := r.sentinels.Done
	if entry.Status == model.CacheStatusNeedsAttention {
		sentinel = r.sentinels.Attention
	}
	log := r.logger.With(zap.String("id", id), zap.String("status", string(entry.Status)))

	item, ok := snap.Lookup(id)
	if !ok {
		r.cache.MarkDone(id)
		log.Warn("pending_vanished", zap.Int("cached_address", entry.Address))
		return Repair{Action: RepairVanished, ID: id, Status: entry.Status, Detail: "deleted externally"}
	}

	if item.Address != entry.Address {
		log.Info("address_moved", zap.Int("from", entry.Address), zap.Int("to", item.Address))
	}

	switch current := snap.StatusOracle(item); current {
	case sentinel:
		r.finish(log, id, item, entry.Status, sentinel)
		return Repair{Action: RepairAlreadyMarked, ID: id, Address: item.Address, Status: entry.Status}
	case "":
	default:
		// Someone else set the cell, usually an operator. Their value wins.
		if r.cache.MarkDone(id) {
			log.Warn("foreign_value_kept", zap.Int("address", item.Address),
				zap.String("value", current), zap.String("sentinel", sentinel))
		}
		return Repair{Action: RepairForeignValue, ID: id, Address: item.Address, Status: entry.Status, Detail: current}
	}

	if err := r.queue.WriteStatus(ctx, item.Address, sentinel); err != nil {
		log.Warn("reconcile_write_failed", zap.Int("address", item.Address), zap.Error(err))
		if r.bus != nil {
			r.bus.Publish(events.EventWritebackFailed, id, map[string]any{"address": item.Address, "error": err.Error(), "source": "reconciler"})
		}
		return Repair{Action: RepairWriteFailed, ID: id, Address: item.Address, Status: entry.Status, Detail: err.Error()}
	}
	r.finish(log, id, item, entry.Status, sentinel)
	return Repair{Action: RepairWritten, ID: id, Address: item.Address, Status: entry.Status}
}

// finish drops the entry. Only the caller whose MarkDone removed it records
// the row, so a race with the processing loop appends once.
func (r *Reconciler) finish(log *zap.Logger, id string, item model.WorkItem, status model.CacheStatus, sentinel string) {
	if !r.cache.MarkDone(id) {
		return
	}
	log.Info("reconciled", zap.Int("address", item.Address), zap.String("sentinel", sentinel))
	if status != model.CacheStatusPending {
		return
	}
	recordCompleted(r.recorder, r.columns, item, sentinel)
	if r.bus != nil {
		r.bus.Publish(events.EventItemCompleted, id, map[string]any{"address": item.Address, "source": "reconciler"})
	}
}
