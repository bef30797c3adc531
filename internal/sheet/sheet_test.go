package sheet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestA1(t *testing.T) {
	tests := []struct {
		row, col int
		want     string
	}{
		{1, 1, "A1"},
		{5, 26, "Z5"},
		{2, 27, "AA2"},
		{3, 28, "AB3"},
		{10, 52, "AZ10"},
		{0, 1, "R0C1"},
	}
	for _, tt := range tests {
		if got := A1(tt.row, tt.col); got != tt.want {
			t.Errorf("A1(%d, %d) = %q, want %q", tt.row, tt.col, got, tt.want)
		}
	}
}

func TestMemory_ReadAllDropsTrailingEmptyCells(t *testing.T) {
	m := NewMemory([][]string{
		{"ID", "Status", "Status Oracle"},
		{"X1", "CONCLUÍDO", ""},
	})

	rows, err := m.ReadAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"X1", "CONCLUÍDO"}, rows[1])
}

func TestMemory_UpdateCellExtendsShortRow(t *testing.T) {
	m := NewMemory([][]string{
		{"ID", "Status", "Status Oracle"},
		{"X1"},
	})

	require.NoError(t, m.UpdateCell(context.Background(), 2, 3, "PROCESSADO"))
	assert.Equal(t, "PROCESSADO", m.Cell(2, 3))
	assert.Equal(t, 1, m.Updates())
}

func TestMemory_UpdateCellOutOfRange(t *testing.T) {
	m := NewMemory([][]string{{"ID"}})

	err := m.UpdateCell(context.Background(), 5, 1, "x")
	assert.ErrorIs(t, err, ErrOutOfRange)
}

func TestMemory_InjectedFailures(t *testing.T) {
	m := NewMemory([][]string{{"ID"}, {"X1"}})
	boom := errors.New("network down")

	m.FailUpdates(boom)
	assert.ErrorIs(t, m.UpdateCell(context.Background(), 2, 1, "x"), boom)
	m.FailUpdates(nil)
	assert.NoError(t, m.UpdateCell(context.Background(), 2, 1, "x"))

	m.FailReads(boom)
	_, err := m.ReadAll(context.Background())
	assert.ErrorIs(t, err, boom)

	m.FailAppends(boom)
	assert.ErrorIs(t, m.AppendRows(context.Background(), [][]string{{"a"}}), boom)
}

func TestFile_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	f := NewFile(path, nil)
	ctx := context.Background()

	rows, err := f.ReadAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, f.AppendRows(ctx, [][]string{
		{"ID", "Status", "Status Oracle"},
		{"X1", "CONCLUÍDO"},
	}))
	require.NoError(t, f.UpdateCell(ctx, 2, 3, "PROCESSADO"))

	reopened := NewFile(path, nil)
	rows, err = reopened.ReadAll(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"X1", "CONCLUÍDO", "PROCESSADO"}, rows[1])
}

func TestFile_ParseError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rows: [[unterminated"), 0644))

	_, err := NewFile(path, nil).ReadAll(context.Background())
	assert.Error(t, err)
}

func TestFile_WatchSignalsExternalChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.yaml")
	f := NewFile(path, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wake, err := f.Watch(ctx)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("rows:\n  - [ID]\n"), 0644))

	select {
	case <-wake:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for wake signal")
	}

	cancel()
	select {
	case _, ok := <-wake:
		for ok {
			_, ok = <-wake
		}
	case <-time.After(5 * time.Second):
		t.Fatal("wake channel not closed after cancel")
	}
}
