// Package cache implements the crash-safe local record of work items whose
// side effect has happened but whose completion has not yet been written
// back to the remote queue.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/msageha/rpa-oracle/internal/atomicfile"
	"github.com/msageha/rpa-oracle/internal/model"
)

// Cache maps work item ID to its in-flight entry. It is the only writer of
// its file. Mutations are serialized by mu, which guards only the map;
// persistence runs under saveMu so that a slow disk never blocks the other
// loop's in-memory reads and writes.
type Cache struct {
	path   string
	logger *zap.Logger
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]model.CacheEntry
	version uint64

	saveMu       sync.Mutex
	savedVersion uint64
	lastSaveErr  error
}

// Open loads the cache file at path. A missing file is an empty cache. A
// corrupt file is quarantined and the .bak copy is tried before falling
// back to empty. Any other read error is returned, since starting without
// the recorded in-flight items could reprocess them.
func Open(path string, logger *zap.Logger) (*Cache, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Cache{
		path:    path,
		logger:  logger,
		now:     time.Now,
		entries: make(map[string]model.CacheEntry),
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}

	entries, err := readFile(path)
	switch {
	case err == nil:
		c.entries = entries
	case errors.Is(err, os.ErrNotExist):
		logger.Info("cache_empty", zap.String("path", path))
	case errors.Is(err, errCorrupt):
		entries, err = c.recover(err)
		if err != nil {
			return nil, err
		}
		c.entries = entries
	default:
		return nil, err
	}

	logger.Info("cache_loaded", zap.String("path", path), zap.Int("entries", len(c.entries)))
	return c, nil
}

var errCorrupt = errors.New("corrupt cache file")

func readFile(path string) (map[string]model.CacheEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, os.ErrNotExist
		}
		return nil, fmt.Errorf("read cache: %w", err)
	}

	entries := make(map[string]model.CacheEntry)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file", errCorrupt)
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	for id, e := range entries {
		if e.Status == "" {
			e.Status = model.CacheStatusPending
			entries[id] = e
		}
	}
	return entries, nil
}

func (c *Cache) recover(cause error) (map[string]model.CacheEntry, error) {
	dst, err := atomicfile.Quarantine(filepath.Dir(c.path), c.path)
	if err != nil {
		return nil, fmt.Errorf("quarantine corrupt cache: %w", err)
	}
	c.logger.Error("cache_quarantined", zap.String("path", c.path), zap.String("moved_to", dst), zap.Error(cause))

	if err := atomicfile.RestoreFromBackup(c.path, atomicfile.ValidateJSON); err != nil {
		c.logger.Warn("cache_backup_unusable", zap.Error(err))
		return make(map[string]model.CacheEntry), nil
	}

	entries, err := readFile(c.path)
	if err != nil {
		c.logger.Warn("cache_backup_unreadable", zap.Error(err))
		return make(map[string]model.CacheEntry), nil
	}
	c.logger.Warn("cache_restored_from_backup", zap.Int("entries", len(entries)))
	return entries, nil
}

// IsProcessed reports whether id has a live entry.
func (c *Cache) IsProcessed(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (model.CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return model.CacheEntry{}, false
	}
	return cloneEntry(e), true
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Add records id as in flight and persists before returning. An empty
// status means pending. Persistence failures are logged, not returned.
func (c *Cache) Add(id string, address int, payload map[string]string, status model.CacheStatus) {
	if status == "" {
		status = model.CacheStatusPending
	}
	p := make(map[string]string, len(payload))
	for k, v := range payload {
		p[k] = v
	}

	c.mu.Lock()
	c.entries[id] = model.CacheEntry{
		Address:   address,
		Payload:   p,
		Timestamp: c.now().UTC(),
		Status:    status,
	}
	c.version++
	c.mu.Unlock()

	c.persist()
}

// MarkDone removes id and persists. It reports whether an entry was
// removed; removing an absent id is a no-op.
func (c *Cache) MarkDone(id string) bool {
	c.mu.Lock()
	_, ok := c.entries[id]
	if ok {
		delete(c.entries, id)
		c.version++
	}
	c.mu.Unlock()

	if ok {
		c.persist()
	}
	return ok
}

// PendingIDs returns the sorted ids awaiting write-back.
func (c *Cache) PendingIDs() []string {
	c.mu.Lock()
	ids := make([]string, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Pending returns a snapshot of every entry awaiting write-back.
func (c *Cache) Pending() map[string]model.CacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]model.CacheEntry, len(c.entries))
	for id, e := range c.entries {
		out[id] = cloneEntry(e)
	}
	return out
}

// Flush persists the current map if it changed since the last successful
// save and returns the outcome.
func (c *Cache) Flush() error {
	return c.persist()
}

// LastSaveError returns the error of the most recent save attempt, nil if it succeeded.
func (c *Cache) LastSaveError() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	return c.lastSaveErr
}

// persist writes a snapshot taken after acquiring saveMu, so the newest
// state always lands last even when both loops persist at once.
func (c *Cache) persist() error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if c.version == c.savedVersion && c.lastSaveErr == nil {
		c.mu.Unlock()
		return nil
	}
	snapshot := make(map[string]model.CacheEntry, len(c.entries))
	for id, e := range c.entries {
		snapshot[id] = e
	}
	version := c.version
	c.mu.Unlock()

	if err := atomicfile.WriteJSON(c.path, snapshot); err != nil {
		c.lastSaveErr = err
		c.logger.Error("cache_save_failed", zap.String("path", c.path), zap.Int("entries", len(snapshot)), zap.Error(err))
		return err
	}
	c.savedVersion = version
	c.lastSaveErr = nil
	return nil
}

func cloneEntry(e model.CacheEntry) model.CacheEntry {
	p := make(map[string]string, len(e.Payload))
	for k, v := range e.Payload {
		p[k] = v
	}
	e.Payload = p
	return e
}

// ReadFile loads a cache file without taking ownership of it, for status
// reporting while the daemon may be running.
func ReadFile(path string) (map[string]model.CacheEntry, error) {
	entries, err := readFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]model.CacheEntry{}, nil
	}
	return entries, err
}
