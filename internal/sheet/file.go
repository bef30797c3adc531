package sheet

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/rpa-oracle/internal/atomicfile"
)

// fileDoc is the on-disk layout of a File sheet.
type fileDoc struct {
	Rows [][]string `yaml:"rows"`
}

// File is a Sheet stored as a YAML document. Every operation re-reads the
// file, so edits made by hand or by another tool are picked up on the next
// call. Writes go through atomicfile.
type File struct {
	path   string
	logger *zap.Logger

	mu        sync.Mutex
	lastWrite time.Time
}

// NewFile returns a sheet backed by path. The file is created on first write.
func NewFile(path string, logger *zap.Logger) *File {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &File{path: path, logger: logger}
}

// Path returns the backing file.
func (f *File) Path() string { return f.path }

func (f *File) ReadAll(ctx context.Context) ([][]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	rows, err := f.load()
	if err != nil {
		return nil, err
	}
	return trimRows(rows), nil
}

func (f *File) UpdateCell(ctx context.Context, row, col int, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	rows, err := f.load()
	if err != nil {
		return err
	}
	m := &Memory{rows: rows}
	if err := m.setLocked(row, col, value); err != nil {
		return err
	}
	return f.store(m.rows)
}

func (f *File) AppendRows(ctx context.Context, rows [][]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	existing, err := f.load()
	if err != nil {
		return err
	}
	return f.store(append(existing, cloneRows(rows)...))
}

func (f *File) load() ([][]string, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read sheet %s: %w", f.path, err)
	}
	var doc fileDoc
	if err := yamlv3.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse sheet %s: %w", f.path, err)
	}
	return doc.Rows, nil
}

func (f *File) store(rows [][]string) error {
	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return fmt.Errorf("create sheet dir: %w", err)
	}
	if err := atomicfile.WriteYAML(f.path, fileDoc{Rows: rows}); err != nil {
		return fmt.Errorf("write sheet %s: %w", f.path, err)
	}
	if info, err := os.Stat(f.path); err == nil {
		f.lastWrite = info.ModTime()
	}
	return nil
}

// Watch emits on the returned channel whenever the sheet file is changed by
// someone other than this File. Bursts collapse into one signal. The
// channel is closed when ctx is done.
func (f *File) Watch(ctx context.Context) (<-chan struct{}, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("ensure dir %s: %w", dir, err)
	}
	// The directory is watched because atomic replacement swaps the inode.
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", dir, err)
	}

	wake := make(chan struct{}, 1)
	name := filepath.Clean(f.path)

	go func() {
		defer close(wake)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != name {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if f.ownWrite() {
					continue
				}
				f.logger.Debug("sheet_changed", zap.String("file", event.Name), zap.String("op", event.Op.String()))
				select {
				case wake <- struct{}{}:
				default:
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				f.logger.Warn("sheet_watch_error", zap.Error(err))
			}
		}
	}()

	return wake, nil
}

// ownWrite reports whether the file on disk is the one this File last wrote.
func (f *File) ownWrite() bool {
	info, err := os.Stat(f.path)
	if err != nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.lastWrite.IsZero() && info.ModTime().Equal(f.lastWrite)
}
