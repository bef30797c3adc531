package status

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/uds"
)

func writeCache(t *testing.T, dir, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "cache.json"), []byte(content), 0644))
}

func TestCollect_StoppedReadsCacheFile(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, `{
  "X2": {"address": 3, "payload": {}, "timestamp": "2026-01-02T10:00:00Z", "status": "needs_attention"},
  "X1": {"address": 2, "payload": {}, "timestamp": "2026-01-02T09:00:00Z", "status": "pending"}
}`)

	r := Collect(dir, model.DefaultConfig())
	assert.False(t, r.Running)
	assert.Zero(t, r.LockPID)
	assert.Empty(t, r.CacheErr)
	require.Len(t, r.Pending, 2)
	assert.Equal(t, "X1", r.Pending[0].ID)
	assert.Equal(t, 2, r.Pending[0].Address)
	assert.Equal(t, model.CacheStatusNeedsAttention, r.Pending[1].Status)
}

func TestCollect_MissingCacheIsEmpty(t *testing.T) {
	r := Collect(t.TempDir(), model.DefaultConfig())
	assert.Empty(t, r.CacheErr)
	assert.Empty(t, r.Pending)
}

func TestCollect_CorruptCacheReported(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, `{"X1": `)

	r := Collect(dir, model.DefaultConfig())
	assert.NotEmpty(t, r.CacheErr)
	assert.NotNil(t, r.Pending)
}

func TestCollect_StaleLock(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "locks"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "locks", "daemon.lock"), []byte("4242\n"), 0644))

	r := Collect(dir, model.DefaultConfig())
	assert.False(t, r.Running)
	assert.Equal(t, 4242, r.LockPID)

	var buf bytes.Buffer
	printReport(&buf, r)
	assert.Contains(t, buf.String(), "not responding (lock held by pid 4242)")
}

func TestCollect_RunningDaemon(t *testing.T) {
	dir, err := os.MkdirTemp("/tmp", "rpa-s-*")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	// The on-disk cache must be ignored in favour of the live answer.
	writeCache(t, dir, `{"STALE": {"address": 9, "status": "pending"}}`)

	live := model.DaemonStatus{
		PID:         os.Getpid(),
		Session:     "s-1",
		Started:     time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC),
		State:       "halted",
		Halted:      true,
		HaltedItem:  "X7",
		HaltReason:  "dialog",
		Processed:   5,
		SessionRows: 4,
		Pending:     []model.PendingEntry{{ID: "X7", Address: 8, Status: model.CacheStatusNeedsAttention}},
	}
	server := uds.NewServer(filepath.Join(dir, uds.DefaultSocketName), zap.NewNop())
	server.Handle("status", func(context.Context, *uds.Request) *uds.Response {
		return uds.SuccessResponse(live)
	})
	require.NoError(t, server.Start())
	t.Cleanup(func() { _ = server.Stop() })

	r := Collect(dir, model.DefaultConfig())
	require.True(t, r.Running)
	require.NotNil(t, r.Daemon)
	assert.Equal(t, "X7", r.Daemon.HaltedItem)
	require.Len(t, r.Pending, 1)
	assert.Equal(t, "X7", r.Pending[0].ID)

	var buf bytes.Buffer
	require.NoError(t, Run(&buf, dir, model.DefaultConfig(), false))
	out := buf.String()
	assert.Contains(t, out, "Daemon: running (pid "+strconv.Itoa(os.Getpid()))
	assert.Contains(t, out, "HALTED on X7: dialog")
	assert.Contains(t, out, "X7")
	assert.NotContains(t, out, "STALE")
}

func TestRun_JSON(t *testing.T) {
	dir := t.TempDir()
	writeCache(t, dir, `{"X1": {"address": 2, "status": "pending"}}`)

	var buf bytes.Buffer
	require.NoError(t, Run(&buf, dir, model.DefaultConfig(), true))

	var got Report
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.False(t, got.Running)
	assert.Equal(t, filepath.Join(dir, "cache.json"), got.CacheFile)
	require.Len(t, got.Pending, 1)
	assert.Equal(t, "X1", got.Pending[0].ID)
}

func TestRun_TextStopped(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Run(&buf, t.TempDir(), model.DefaultConfig(), false))
	assert.Contains(t, buf.String(), "Daemon: stopped")
	assert.Contains(t, buf.String(), "Pending: none")
}

func TestCollect_AbsoluteCachePath(t *testing.T) {
	other := t.TempDir()
	writeCache(t, other, `{"A": {"address": 2, "status": "pending"}}`)

	cfg := model.DefaultConfig()
	cfg.Cache.Path = filepath.Join(other, "cache.json")
	r := Collect(t.TempDir(), cfg)
	require.Len(t, r.Pending, 1)
	assert.Equal(t, "A", r.Pending[0].ID)
}
