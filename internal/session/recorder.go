// Package session accumulates the rows fully processed during the current
// process lifetime so they can be exported on demand.
package session

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/msageha/rpa-oracle/internal/sheet"
)

// ErrEmpty is returned by exports when nothing was processed yet. It is a
// normal, reportable condition.
var ErrEmpty = errors.New("no rows recorded in this session")

// Recorder is an append-only, lock-protected log of processed rows.
type Recorder struct {
	id      string
	started time.Time

	mu      sync.Mutex
	headers []string
	rows    [][]string
}

// NewRecorder starts an empty session with a fresh id.
func NewRecorder() *Recorder {
	return &Recorder{id: uuid.NewString(), started: time.Now().UTC()}
}

// ID returns the session id.
func (r *Recorder) ID() string { return r.id }

// Started returns when the session began.
func (r *Recorder) Started() time.Time { return r.started }

// Append records one processed row. The first call fixes the header; later
// rows are padded or truncated to its length.
func (r *Recorder) Append(headers, values []string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.headers == nil {
		r.headers = slices.Clone(headers)
	}
	row := make([]string, len(r.headers))
	copy(row, values)
	r.rows = append(r.rows, row)
}

// Len returns the number of recorded rows.
func (r *Recorder) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// Export returns copies of the header and the rows. ok is false when
// nothing has been recorded.
func (r *Recorder) Export() (headers []string, rows [][]string, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.rows) == 0 {
		return nil, nil, false
	}
	rows = make([][]string, len(r.rows))
	for i, row := range r.rows {
		rows[i] = slices.Clone(row)
	}
	return slices.Clone(r.headers), rows, true
}

// WriteCSV writes the header and rows to path.
func (r *Recorder) WriteCSV(path string) (int, error) {
	headers, rows, ok := r.Export()
	if !ok {
		return 0, ErrEmpty
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	w := csv.NewWriter(f)
	if err := w.Write(headers); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}
	if err := w.WriteAll(rows); err != nil {
		return 0, fmt.Errorf("write rows: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", path, err)
	}
	return len(rows), nil
}

// ExportToSheet appends the rows to dst, writing the header first when dst
// is empty.
func (r *Recorder) ExportToSheet(ctx context.Context, dst sheet.Sheet) (int, error) {
	headers, rows, ok := r.Export()
	if !ok {
		return 0, ErrEmpty
	}

	existing, err := dst.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read export sheet: %w", err)
	}
	n := len(rows)
	if len(existing) == 0 {
		rows = append([][]string{headers}, rows...)
	}
	if err := dst.AppendRows(ctx, rows); err != nil {
		return 0, fmt.Errorf("append export rows: %w", err)
	}
	return n, nil
}
