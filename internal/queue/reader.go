// Package queue reads the spreadsheet-backed work queue: eligible rows for
// the processing loop, and id-indexed snapshots for address re-resolution.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/sheet"
)

// ErrMissingColumn is returned when the header lacks a required column.
var ErrMissingColumn = errors.New("missing required column")

// Reader interprets a Sheet as a work queue.
type Reader struct {
	sheet     sheet.Sheet
	columns   model.ColumnsConfig
	sentinels model.SentinelsConfig
	logger    *zap.Logger

	mu        sync.Mutex
	oracleCol int
}

// NewReader returns a Reader over s using the configured column names and sentinels.
func NewReader(s sheet.Sheet, columns model.ColumnsConfig, sentinels model.SentinelsConfig, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{sheet: s, columns: columns, sentinels: sentinels, logger: logger}
}

// Table is the parsed result of one bulk read. Rows are padded to the
// header length.
type Table struct {
	Headers []string
	Rows    []model.WorkItem

	idCol, statusCol, oracleCol int
}

// FetchEligible performs one bulk read and returns the rows eligible for
// processing in sheet order. A sheet without a header row yields nothing.
func (r *Reader) FetchEligible(ctx context.Context) ([]model.WorkItem, error) {
	table, err := r.read(ctx)
	if err != nil {
		return nil, err
	}

	var out []model.WorkItem
	for _, item := range table.Rows {
		if item.ID == "" {
			continue
		}
		if model.IsEligible(item.Values[table.statusCol], item.Values[table.oracleCol], r.sentinels.Ready) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Snapshot is an id-indexed view of one bulk read.
type Snapshot struct {
	table *Table
	byID  map[string]int
}

// Snapshot performs one fresh bulk read and indexes rows by id. When an id
// appears more than once the first row wins.
func (r *Reader) Snapshot(ctx context.Context) (*Snapshot, error) {
	table, err := r.read(ctx)
	if err != nil {
		return nil, err
	}
	s := &Snapshot{table: table, byID: make(map[string]int, len(table.Rows))}
	for i, item := range table.Rows {
		if item.ID == "" {
			continue
		}
		if first, dup := s.byID[item.ID]; dup {
			r.logger.Warn("duplicate_id",
				zap.String("id", item.ID),
				zap.Int("address", item.Address),
				zap.Int("first_address", table.Rows[first].Address))
			continue
		}
		s.byID[item.ID] = i
	}
	return s, nil
}

// Lookup returns the row currently holding id.
func (s *Snapshot) Lookup(id string) (model.WorkItem, bool) {
	i, ok := s.byID[id]
	if !ok {
		return model.WorkItem{}, false
	}
	return s.table.Rows[i], true
}

// StatusOracle returns the completion column value of item.
func (s *Snapshot) StatusOracle(item model.WorkItem) string {
	return strings.TrimSpace(item.Values[s.table.oracleCol])
}

// Len returns the number of distinct ids in the snapshot.
func (s *Snapshot) Len() int { return len(s.byID) }

// WriteStatus writes value into the completion column of the row at address.
func (r *Reader) WriteStatus(ctx context.Context, address int, value string) error {
	col, err := r.oracleColumn(ctx)
	if err != nil {
		return err
	}
	if err := r.sheet.UpdateCell(ctx, address, col, value); err != nil {
		return fmt.Errorf("update %s: %w", sheet.A1(address, col), err)
	}
	return nil
}

// oracleColumn returns the 1-based completion column seen by the most
// recent bulk read, reading the header only if no read happened yet.
func (r *Reader) oracleColumn(ctx context.Context) (int, error) {
	r.mu.Lock()
	col := r.oracleCol
	r.mu.Unlock()
	if col > 0 {
		return col, nil
	}

	rows, err := r.sheet.ReadAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("read header: %w", err)
	}
	if len(rows) == 0 {
		return 0, fmt.Errorf("%w: %q (sheet is empty)", ErrMissingColumn, r.columns.StatusOracle)
	}
	idx := indexOf(rows[0], r.columns.StatusOracle)
	if idx < 0 {
		return 0, fmt.Errorf("%w: %q", ErrMissingColumn, r.columns.StatusOracle)
	}
	r.setOracleColumn(idx + 1)
	return idx + 1, nil
}

func (r *Reader) setOracleColumn(col int) {
	r.mu.Lock()
	r.oracleCol = col
	r.mu.Unlock()
}

func (r *Reader) read(ctx context.Context) (*Table, error) {
	rows, err := r.sheet.ReadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("read sheet: %w", err)
	}
	if len(rows) == 0 {
		return &Table{}, nil
	}
	return r.parse(rows)
}

func (r *Reader) parse(rows [][]string) (*Table, error) {
	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = strings.TrimSpace(h)
	}

	t := &Table{Headers: headers}
	var missing []string
	for _, c := range []struct {
		name string
		dst  *int
	}{
		{r.columns.ID, &t.idCol},
		{r.columns.Status, &t.statusCol},
		{r.columns.StatusOracle, &t.oracleCol},
	} {
		*c.dst = indexOf(headers, c.name)
		if *c.dst < 0 {
			missing = append(missing, c.name)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", ErrMissingColumn, strings.Join(missing, ", "))
	}
	r.setOracleColumn(t.oracleCol + 1)

	t.Rows = make([]model.WorkItem, 0, len(rows)-1)
	for i, raw := range rows[1:] {
		values := make([]string, len(headers))
		copy(values, raw)

		fields := make(map[string]string, len(headers))
		for j, h := range headers {
			if h == "" {
				continue
			}
			fields[h] = values[j]
		}

		t.Rows = append(t.Rows, model.WorkItem{
			ID:      strings.TrimSpace(values[t.idCol]),
			Address: i + 2,
			Headers: headers,
			Values:  values,
			Fields:  fields,
		})
	}
	return t, nil
}

func indexOf(headers []string, name string) int {
	name = strings.TrimSpace(name)
	for i, h := range headers {
		if strings.EqualFold(strings.TrimSpace(h), name) {
			return i
		}
	}
	return -1
}
