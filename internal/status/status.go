// Package status reports on the daemon from outside its process.
package status

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/msageha/rpa-oracle/internal/cache"
	"github.com/msageha/rpa-oracle/internal/lock"
	"github.com/msageha/rpa-oracle/internal/model"
	"github.com/msageha/rpa-oracle/internal/uds"
)

// Report is what "rpa-oracle status" prints. When the daemon answers on its
// socket Daemon is set and Pending comes from its live cache; otherwise
// Pending is read from the cache file on disk.
type Report struct {
	Running   bool                 `json:"running"`
	Daemon    *model.DaemonStatus  `json:"daemon,omitempty"`
	LockPID   int                  `json:"lock_pid,omitempty"`
	CacheFile string               `json:"cache_file"`
	Pending   []model.PendingEntry `json:"pending"`
	CacheErr  string               `json:"cache_error,omitempty"`
}

// Collect builds a Report for the working directory dir.
func Collect(dir string, cfg model.Config) Report {
	r := Report{CacheFile: resolve(dir, cfg.Cache.Path)}

	client := uds.NewClient(filepath.Join(dir, uds.DefaultSocketName))
	client.SetTimeout(3 * time.Second)
	var st model.DaemonStatus
	if err := client.Call("status", nil, &st); err == nil {
		r.Running = true
		r.Daemon = &st
		r.Pending = st.Pending
		return r
	}

	// A lock file without a reachable socket means a daemon that is wedged
	// or died without cleaning up.
	if pid, err := lock.HolderPID(filepath.Join(dir, "locks", "daemon.lock")); err == nil {
		r.LockPID = pid
	}

	entries, err := cache.ReadFile(r.CacheFile)
	if err != nil {
		r.CacheErr = err.Error()
		r.Pending = []model.PendingEntry{}
		return r
	}
	r.Pending = model.PendingEntries(entries)
	return r
}

// Run collects a Report and writes it to w.
func Run(w io.Writer, dir string, cfg model.Config, jsonOutput bool) error {
	r := Collect(dir, cfg)
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	}
	printReport(w, r)
	return nil
}

// PrintPending writes one line per pending entry.
func PrintPending(w io.Writer, pending []model.PendingEntry) {
	if len(pending) == 0 {
		fmt.Fprintln(w, "Pending: none")
		return
	}
	fmt.Fprintln(w, "Pending:")
	fmt.Fprintf(w, "  %-20s  %7s  %-16s  %s\n", "ID", "ROW", "STATUS", "SINCE")
	for _, p := range pending {
		fmt.Fprintf(w, "  %-20s  %7d  %-16s  %s\n", p.ID, p.Address, p.Status, p.Timestamp.Format(time.RFC3339))
	}
}

func printReport(w io.Writer, r Report) {
	switch {
	case r.Running:
		d := r.Daemon
		fmt.Fprintf(w, "Daemon: running (pid %d, session %s)\n", d.PID, d.Session)
		fmt.Fprintf(w, "  started:   %s\n", d.Started.Format(time.RFC3339))
		fmt.Fprintf(w, "  state:     %s\n", d.State)
		fmt.Fprintf(w, "  processed: %d\n", d.Processed)
		fmt.Fprintf(w, "  session:   %d rows\n", d.SessionRows)
		if d.Halted {
			fmt.Fprintf(w, "  HALTED on %s: %s\n", d.HaltedItem, d.HaltReason)
		}
	case r.LockPID != 0:
		fmt.Fprintf(w, "Daemon: not responding (lock held by pid %d)\n", r.LockPID)
	default:
		fmt.Fprintln(w, "Daemon: stopped")
	}

	fmt.Fprintln(w)
	if r.CacheErr != "" {
		fmt.Fprintf(w, "Cache %s unreadable: %s\n", r.CacheFile, r.CacheErr)
		return
	}
	PrintPending(w, r.Pending)
}

func resolve(dir, p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(dir, p)
}
