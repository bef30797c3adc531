package daemon

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/msageha/rpa-oracle/internal/automation"
	"github.com/msageha/rpa-oracle/internal/cache"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/queue"
	"github.com/msageha/rpa-oracle/internal/session"
	"github.com/msageha/rpa-oracle/internal/sheet"
)

var errNetwork = errors.New("simulated network error")

// Column positions (1-based) in testHeader.
const (
	colID     = 1
	colStatus = 4
	colOracle = 5
)

var testHeader = []string{"ID", "Item", "Quantidade", "Status", "Status Oracle"}

func readyRow(id, qty string) []string {
	return []string{id, "ITEM-" + id, qty, "CONCLUÍDO", ""}
}

func testConfig() model.Config {
	cfg := model.DefaultConfig()
	cfg.Polling.RecheckInterval = model.Duration{Duration: time.Millisecond}
	cfg.Polling.IdleInterval = model.Duration{Duration: time.Millisecond}
	cfg.Reconciler.Interval = model.Duration{Duration: time.Hour}
	cfg.Daemon.ShutdownTimeout = model.Duration{Duration: 5 * time.Second}
	return cfg
}

// fakeAutomation records every Execute call. Items default to success.
type fakeAutomation struct {
	mu         sync.Mutex
	calls      []string
	outcomes   map[string]automation.Outcome
	errs       map[string]error
	keepAlives int
	onExecute  func(id string)
}

func newFakeAutomation() *fakeAutomation {
	return &fakeAutomation{
		outcomes: map[string]automation.Outcome{},
		errs:     map[string]error{},
	}
}

func (f *fakeAutomation) Execute(_ context.Context, item model.WorkItem) (automation.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	outcome, ok := f.outcomes[item.ID]
	if !ok {
		outcome = automation.OutcomeSuccess
	}
	err := f.errs[item.ID]
	hook := f.onExecute
	f.mu.Unlock()
	if hook != nil {
		hook(item.ID)
	}
	return outcome, err
}

func (f *fakeAutomation) KeepAlive(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives++
	return nil
}

func (f *fakeAutomation) set(id string, outcome automation.Outcome, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome
	if err != nil {
		f.errs[id] = err
	}
}

func (f *fakeAutomation) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeAutomation) KeepAlives() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keepAlives
}

type harness struct {
	t          *testing.T
	cfg        model.Config
	sheet      *sheet.Memory
	cachePath  string
	cache      *cache.Cache
	reader     *queue.Reader
	recorder   *session.Recorder
	automation *fakeAutomation
	processor  *Processor
	reconciler *Reconciler
}

func newHarness(t *testing.T, rows ...[]string) *harness {
	t.Helper()
	grid := append([][]string{testHeader}, rows...)
	h := &harness{
		t:          t,
		cfg:        testConfig(),
		sheet:      sheet.NewMemory(grid),
		cachePath:  filepath.Join(t.TempDir(), "cache.json"),
		recorder:   session.NewRecorder(),
		automation: newFakeAutomation(),
	}
	h.open()
	return h
}

// open builds a fresh cache from disk plus both loops, as a restart would.
func (h *harness) open() {
	h.t.Helper()
	logger := zaptest.NewLogger(h.t)
	c, err := cache.Open(h.cachePath, logger.Named("cache"))
	require.NoError(h.t, err)
	h.cache = c
	h.reader = queue.NewReader(h.sheet, h.cfg.Columns, h.cfg.Sentinels, logger.Named("queue"))
	h.processor = NewProcessor(h.cache, h.reader, h.automation, h.recorder, nil, ProcessorConfig{
		Columns:         h.cfg.Columns,
		Sentinels:       h.cfg.Sentinels,
		RecheckInterval: h.cfg.Polling.RecheckInterval.Duration,
		IdleInterval:    h.cfg.Polling.IdleInterval.Duration,
	}, logger.Named("processor"))
	h.processor.after = immediately
	h.reconciler = NewReconciler(h.cache, h.reader, h.recorder, nil,
		h.cfg.Columns, h.cfg.Sentinels, logger.Named("reconciler"))
}

func immediately(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func never(time.Duration) <-chan time.Time {
	return nil
}

func (h *harness) oracle(row int) string {
	return h.sheet.Cell(row, colOracle)
}

func (h *harness) recordedIDs() []string {
	_, rows, ok := h.recorder.Export()
	if !ok {
		return nil
	}
	ids := make([]string, len(rows))
	for i, r := range rows {
		ids[i] = r[colID-1]
	}
	return ids
}
