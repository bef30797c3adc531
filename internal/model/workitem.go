package model

import (
	"strings"
	"time"
)

// WorkItem is one eligible row of the remote queue. Address is the 1-based
// sheet row the item was read from; it identifies where to write, not which
// item this is, and may be stale by the next read.
type WorkItem struct {
	ID      string            `json:"id"`
	Address int               `json:"address"`
	Headers []string          `json:"-"`
	Values  []string          `json:"-"`
	Fields  map[string]string `json:"fields"`
}

// Field returns the value of the named column, matched case-insensitively,
// or "" if absent.
func (w WorkItem) Field(name string) string {
	if v, ok := w.Fields[name]; ok {
		return v
	}
	for k, v := range w.Fields {
		if strings.EqualFold(k, strings.TrimSpace(name)) {
			return v
		}
	}
	return ""
}

// Snapshot returns a copy of the payload fields safe to keep after the
// item is gone.
func (w WorkItem) Snapshot() map[string]string {
	out := make(map[string]string, len(w.Fields))
	for k, v := range w.Fields {
		out[k] = v
	}
	return out
}

// IsEligible reports whether a row with the given status values should be processed.
func IsEligible(status, statusOracle, ready string) bool {
	return strings.Contains(status, ready) && strings.TrimSpace(statusOracle) == ""
}

// CacheStatus is the state of a locally cached work item awaiting write-back.
type CacheStatus string

const (
	// CacheStatusPending marks an item whose side effect happened but whose
	// done sentinel has not landed remotely.
	CacheStatusPending CacheStatus = "pending"
	// CacheStatusNeedsAttention marks a fail-stop item whose attention
	// sentinel has not landed remotely.
	CacheStatusNeedsAttention CacheStatus = "needs_attention"
)

// CacheEntry is the persisted record for one in-flight work item.
type CacheEntry struct {
	Address   int               `json:"address"`
	Payload   map[string]string `json:"payload"`
	Timestamp time.Time         `json:"timestamp"`
	Status    CacheStatus       `json:"status"`
}
