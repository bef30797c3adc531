package setup

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/sheet"
)

func TestRun_CreatesLayout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "robot")

	require.NoError(t, Run(dir))

	for _, d := range []string{"locks", "logs"} {
		info, err := os.Stat(filepath.Join(dir, d))
		require.NoError(t, err, d)
		assert.True(t, info.IsDir(), d)
	}
	assert.FileExists(t, filepath.Join(dir, model.ConfigFileName))
	assert.FileExists(t, filepath.Join(dir, "queue.yaml"))
}

func TestRun_ConfigLoadsWithDefaults(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	cfg, err := model.LoadConfig(filepath.Join(dir, model.ConfigFileName))
	require.NoError(t, err)

	def := model.DefaultConfig()
	assert.Equal(t, def.Columns, cfg.Columns)
	assert.Equal(t, def.Sentinels, cfg.Sentinels)
	assert.Equal(t, def.Polling, cfg.Polling)
	assert.Equal(t, def.Sheet, cfg.Sheet)
	assert.Empty(t, cfg.Automation.Command)

	data, err := os.ReadFile(filepath.Join(dir, model.ConfigFileName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "# RPA_* environment variables", "comments are kept")
}

func TestRun_QueueSheetHasHeader(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	rows, err := sheet.NewFile(filepath.Join(dir, "queue.yaml"), nil).ReadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 1)

	cols := model.DefaultConfig().Columns
	assert.Contains(t, rows[0], cols.ID)
	assert.Contains(t, rows[0], cols.Status)
	assert.Contains(t, rows[0], cols.StatusOracle)
	assert.Contains(t, rows[0], cols.Quantity)
}

func TestRun_RefusesExistingConfig(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, Run(dir))

	err := Run(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already exists")
}

func TestRun_KeepsExistingQueue(t *testing.T) {
	dir := t.TempDir()
	queue := []byte("rows:\n  - [ID, Status, Status Oracle]\n  - [X1, CONCLUÍDO]\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "queue.yaml"), queue, 0644))

	require.NoError(t, Run(dir))

	got, err := os.ReadFile(filepath.Join(dir, "queue.yaml"))
	require.NoError(t, err)
	assert.Equal(t, queue, got)
}

func TestLoadTemplateConfig(t *testing.T) {
	data, cfg, err := loadTemplateConfig()
	require.NoError(t, err)
	assert.NotEmpty(t, data)
	assert.Equal(t, 3, cfg.Automation.AttentionExitCode)
	assert.Equal(t, "rpa:events", cfg.Notify.Redis.Channel)
}
