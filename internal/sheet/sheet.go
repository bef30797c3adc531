// Package sheet defines the spreadsheet collaborator the work queue lives in,
// with an in-memory implementation and a YAML file-backed one.
package sheet

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Sheet is a grid of string cells. Row and column numbers are 1-based, row 1
// being the header. Rows returned by ReadAll may be shorter than the header
// when trailing cells are empty.
type Sheet interface {
	ReadAll(ctx context.Context) ([][]string, error)
	UpdateCell(ctx context.Context, row, col int, value string) error
	AppendRows(ctx context.Context, rows [][]string) error
}

// ErrOutOfRange is returned when a cell address lies outside the sheet.
var ErrOutOfRange = errors.New("cell out of range")

// A1 formats a 1-based row and column in spreadsheet A1 notation.
func A1(row, col int) string {
	if row < 1 || col < 1 {
		return fmt.Sprintf("R%dC%d", row, col)
	}
	var letters []byte
	for n := col; n > 0; n = (n - 1) / 26 {
		letters = append([]byte{byte('A' + (n-1)%26)}, letters...)
	}
	return fmt.Sprintf("%s%d", letters, row)
}

// Memory is a Sheet held in process memory. Failures can be injected to
// exercise retry paths.
type Memory struct {
	mu   sync.Mutex
	rows [][]string

	readErr   error
	updateErr error
	appendErr error
	updates   int
}

// NewMemory returns a sheet holding a copy of rows.
func NewMemory(rows [][]string) *Memory {
	return &Memory{rows: cloneRows(rows)}
}

func (m *Memory) ReadAll(ctx context.Context) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.readErr != nil {
		return nil, m.readErr
	}
	return trimRows(m.rows), nil
}

func (m *Memory) UpdateCell(ctx context.Context, row, col int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.updateErr != nil {
		return m.updateErr
	}
	return m.setLocked(row, col, value)
}

func (m *Memory) setLocked(row, col int, value string) error {
	if row < 1 || row > len(m.rows) || col < 1 {
		return fmt.Errorf("%w: %s", ErrOutOfRange, A1(row, col))
	}
	r := m.rows[row-1]
	for len(r) < col {
		r = append(r, "")
	}
	r[col-1] = value
	m.rows[row-1] = r
	m.updates++
	return nil
}

func (m *Memory) AppendRows(ctx context.Context, rows [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	m.rows = append(m.rows, cloneRows(rows)...)
	return nil
}

// Rows returns a copy of the current grid.
func (m *Memory) Rows() [][]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneRows(m.rows)
}

// SetRows replaces the grid, e.g. to simulate rows inserted or removed upstream.
func (m *Memory) SetRows(rows [][]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = cloneRows(rows)
}

// Cell returns the value at row, col or "" if absent.
func (m *Memory) Cell(row, col int) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if row < 1 || row > len(m.rows) || col < 1 || col > len(m.rows[row-1]) {
		return ""
	}
	return m.rows[row-1][col-1]
}

// Updates returns how many cell updates succeeded.
func (m *Memory) Updates() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updates
}

// FailReads makes ReadAll return err until cleared with nil.
func (m *Memory) FailReads(err error) {
	m.mu.Lock()
	m.readErr = err
	m.mu.Unlock()
}

// FailUpdates makes UpdateCell return err until cleared with nil.
func (m *Memory) FailUpdates(err error) {
	m.mu.Lock()
	m.updateErr = err
	m.mu.Unlock()
}

// FailAppends makes AppendRows return err until cleared with nil.
func (m *Memory) FailAppends(err error) {
	m.mu.Lock()
	m.appendErr = err
	m.mu.Unlock()
}

func cloneRows(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		out[i] = append([]string(nil), r...)
	}
	return out
}

// trimRows mimics remote spreadsheet APIs, which drop trailing empty cells.
func trimRows(rows [][]string) [][]string {
	out := make([][]string, len(rows))
	for i, r := range rows {
		n := len(r)
		for n > 0 && r[n-1] == "" {
			n--
		}
		out[i] = append([]string(nil), r[:n]...)
	}
	return out
}
