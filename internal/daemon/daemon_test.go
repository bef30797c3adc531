package daemon

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/automation"
	"github.com/msageha/rpa-oracle/internal/events"
	"github.com/msageha/rpa-oracle/internal/lock"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/notify"
	"github.com/msageha/rpa-oracle/internal/sheet"
	"github.com/msageha/rpa-oracle/internal/uds"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Event
	}
	return out
}

// shortTempDir keeps the socket path under the 104-byte macOS limit.
func shortTempDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "rpa-d-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

type runningDaemon struct {
	d      *Daemon
	dir    string
	sheet  *sheet.Memory
	auto   *fakeAutomation
	notif  *recordingNotifier
	ticks  chan time.Time
	client *uds.Client
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func newRunningDaemon(t *testing.T, rows ...[]string) *runningDaemon {
	t.Helper()
	return &runningDaemon{
		dir:   shortTempDir(t),
		sheet: sheet.NewMemory(append([][]string{testHeader}, rows...)),
		auto:  newFakeAutomation(),
		notif: &recordingNotifier{},
		ticks: make(chan time.Time),
	}
}

func startDaemon(t *testing.T, rows ...[]string) *runningDaemon {
	t.Helper()
	return newRunningDaemon(t, rows...).start(t)
}

func (rd *runningDaemon) start(t *testing.T) *runningDaemon {
	t.Helper()
	d, err := New(rd.dir, testConfig(),
		WithSheet(rd.sheet),
		WithAutomation(rd.auto),
		WithNotifier(rd.notif),
		WithLogger(zap.NewNop()),
		WithReconcileTicks(rd.ticks),
	)
	require.NoError(t, err)
	rd.d = d

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	rd.cancel = cancel
	rd.done = done
	go func() {
		rd.err = d.Run(ctx)
		close(done)
	}()

	rd.client = uds.NewClient(filepath.Join(rd.dir, uds.DefaultSocketName))
	rd.client.SetTimeout(2 * time.Second)
	require.Eventually(t, func() bool {
		return rd.client.Call("ping", nil, nil) == nil
	}, 5*time.Second, 5*time.Millisecond, "daemon never answered ping")

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	})
	return rd
}

func (rd *runningDaemon) wait(t *testing.T) error {
	t.Helper()
	select {
	case <-rd.done:
		return rd.err
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
		return nil
	}
}

func TestDaemon_ProcessesQueueAndAnswersControlCommands(t *testing.T) {
	rd := startDaemon(t, readyRow("X1", "1"), readyRow("X2", "2"))

	require.Eventually(t, func() bool {
		return rd.d.Status().SessionRows == 2
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "PROCESSADO", rd.sheet.Cell(3, colOracle))

	var st model.DaemonStatus
	require.NoError(t, rd.client.Call("status", nil, &st))
	assert.Equal(t, os.Getpid(), st.PID)
	assert.Equal(t, 2, st.SessionRows)
	assert.Equal(t, int64(2), st.Processed)
	assert.False(t, st.Halted)
	assert.Empty(t, st.Pending)

	csvPath := filepath.Join(rd.dir, "out.csv")
	var res model.ExportResult
	require.NoError(t, rd.client.Call("export", ExportParams{CSV: csvPath}, &res))
	assert.Equal(t, 2, res.Rows)
	assert.Equal(t, csvPath, res.Destination)
	assert.FileExists(t, csvPath)

	require.NoError(t, rd.client.Call("export", nil, &res))
	assert.Equal(t, filepath.Join(rd.dir, "session.yaml"), res.Destination)
	exported, err := sheet.NewFile(res.Destination, nil).ReadAll(context.Background())
	require.NoError(t, err)
	assert.Len(t, exported, 3, "header plus two rows")

	require.NoError(t, rd.client.Call("stop", nil, nil))
	require.NoError(t, rd.wait(t))

	_, err = os.Stat(filepath.Join(rd.dir, "locks", "daemon.lock"))
	assert.True(t, os.IsNotExist(err), "lock released on shutdown")
	_, err = os.Stat(filepath.Join(rd.dir, uds.DefaultSocketName))
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")

	assert.ElementsMatch(t, []string{"item_completed", "item_completed"}, rd.notif.events())

	entries, err := events.ReadAudit(filepath.Join(rd.dir, "logs", "audit.jsonl"))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDaemon_ExportWithNoRowsIsReported(t *testing.T) {
	rd := startDaemon(t)

	err := rd.client.Call("export", nil, nil)
	var detail *uds.ErrorDetail
	require.ErrorAs(t, err, &detail)
	assert.Equal(t, uds.ErrCodeEmpty, detail.Code)
}

func TestDaemon_ReconcilerOutlivesHalt(t *testing.T) {
	rd := newRunningDaemon(t, readyRow("X1", "1"), readyRow("X2", "1"))
	rd.auto.set("X1", automation.OutcomeNeedsAttention, errors.New("dialog"))
	rd.sheet.FailUpdates(errNetwork)
	rd.start(t)

	require.Eventually(t, func() bool { return rd.d.Status().Halted }, 5*time.Second, 5*time.Millisecond)
	st := rd.d.Status()
	assert.Equal(t, "X1", st.HaltedItem)
	assert.Equal(t, string(StateHalted), st.State)
	require.Len(t, st.Pending, 1)
	assert.Equal(t, model.CacheStatusNeedsAttention, st.Pending[0].Status)

	rd.sheet.FailUpdates(nil)
	rd.ticks <- time.Now()
	require.Eventually(t, func() bool { return len(rd.d.Status().Pending) == 0 }, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "VERIFICAR", rd.sheet.Cell(2, colOracle))
	assert.Empty(t, rd.sheet.Cell(3, colOracle), "no item after the halted one is touched")
	assert.Equal(t, []string{"X1"}, rd.auto.Calls())

	rd.cancel()
	require.NoError(t, rd.wait(t))
	assert.Contains(t, rd.notif.events(), "item_halted")
}

func TestDaemon_PendingSurvivesRestart(t *testing.T) {
	rd := newRunningDaemon(t, readyRow("X1", "1"))
	rd.sheet.FailUpdates(errNetwork)
	rd.start(t)

	require.Eventually(t, func() bool { return len(rd.d.Status().Pending) == 1 }, 5*time.Second, 5*time.Millisecond)
	rd.cancel()
	require.NoError(t, rd.wait(t))

	// Second run with a fresh automation: X1 is still eligible on the sheet
	// but must not be executed again.
	rd.auto = newFakeAutomation()
	rd.start(t)

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, rd.auto.Calls())

	rd.sheet.FailUpdates(nil)
	rd.ticks <- time.Now()
	require.Eventually(t, func() bool { return rd.sheet.Cell(2, colOracle) == "PROCESSADO" }, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, rd.d.Status().Pending)
}

func TestDaemon_SecondInstanceRejected(t *testing.T) {
	rd := startDaemon(t)

	d2, err := New(rd.dir, testConfig(),
		WithSheet(sheet.NewMemory(nil)),
		WithAutomation(newFakeAutomation()),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)

	err = d2.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, lock.ErrLocked)

	require.NoError(t, rd.client.Call("ping", nil, nil), "first daemon unaffected")
}

func TestDaemon_ShutdownIdempotent(t *testing.T) {
	d, err := New(t.TempDir(), testConfig(),
		WithSheet(sheet.NewMemory(nil)),
		WithAutomation(newFakeAutomation()),
		WithLogger(zap.NewNop()),
	)
	require.NoError(t, err)

	d.Shutdown()
	d.Shutdown()
}

func TestNew_RequiresAutomationCommand(t *testing.T) {
	_, err := New(t.TempDir(), testConfig(), WithLogger(zap.NewNop()))
	assert.Error(t, err)
}

func TestNew_WritesDaemonLog(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()
	cfg.Automation.Command = []string{"true"}

	d, err := New(dir, cfg)
	require.NoError(t, err)
	d.logger.Info("hello")
	d.closeLog()

	data, err := os.ReadFile(filepath.Join(dir, "logs", "daemon.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"session":"`+d.recorder.ID()+`"`)
}

func TestBuildNotifier(t *testing.T) {
	n, closers, err := buildNotifier(model.NotifyConfig{})
	require.NoError(t, err)
	assert.IsType(t, notify.Nop{}, n)
	assert.Empty(t, closers)

	_, _, err = buildNotifier(model.NotifyConfig{Telegram: model.TelegramConfig{Token: "t"}})
	assert.Error(t, err, "telegram without chat id")

	n, closers, err = buildNotifier(model.NotifyConfig{
		Telegram: model.TelegramConfig{Token: "t", ChatID: "1"},
		Redis:    model.RedisConfig{URL: "redis://127.0.0.1:6379/0"},
		Desktop:  true,
	})
	require.NoError(t, err)
	multi, ok := n.(notify.Multi)
	require.True(t, ok)
	assert.Len(t, multi, 3)
	require.Len(t, closers, 1)
	for _, c := range closers {
		_ = c.Close()
	}
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "completed (row 4)", describe(events.Event{Type: events.EventItemCompleted, Data: map[string]any{"address": 4}}))
	assert.Equal(t, "needs attention, processing stopped: dialog",
		describe(events.Event{Type: events.EventItemHalted, Data: map[string]any{"reason": "dialog"}}))
}
