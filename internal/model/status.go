package model

import (
	"sort"
	"time"
)

// DaemonStatus is what a running daemon reports over the control socket.
type DaemonStatus struct {
	PID         int            `json:"pid"`
	Session     string         `json:"session"`
	Started     time.Time      `json:"started"`
	State       string         `json:"state"`
	Halted      bool           `json:"halted"`
	HaltedItem  string         `json:"halted_item,omitempty"`
	HaltReason  string         `json:"halt_reason,omitempty"`
	Processed   int64          `json:"processed"`
	SessionRows int            `json:"session_rows"`
	Pending     []PendingEntry `json:"pending"`
}

// PendingEntry summarises one cache entry still awaiting write-back.
type PendingEntry struct {
	ID        string      `json:"id"`
	Address   int         `json:"address"`
	Status    CacheStatus `json:"status"`
	Timestamp time.Time   `json:"timestamp"`
}

// ExportResult describes a completed session export.
type ExportResult struct {
	Session     string `json:"session"`
	Rows        int    `json:"rows"`
	Destination string `json:"destination"`
}

// PendingEntries lists entries sorted by id.
func PendingEntries(entries map[string]CacheEntry) []PendingEntry {
	out := make([]PendingEntry, 0, len(entries))
	for id, e := range entries {
		out = append(out, PendingEntry{ID: id, Address: e.Address, Status: e.Status, Timestamp: e.Timestamp})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
