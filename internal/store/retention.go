package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// PurgeBefore removes records older than the cutoff: whole segments whose
// newest row predates it, plus matching MemTable rows. Indexes are rebuilt
// before the call returns, so queries never observe a half-purged state.
func (s *Store) PurgeBefore(cutoff time.Time) (int, error) {
	threshold := cutoff.Unix()

	// Drop expired segments from the tracked list first; queries snapshot
	// that list, so nothing reads a file after it is slated for deletion.
	s.mu.Lock()
	var kept, doomed []string
	for _, file := range s.segments {
		_, maxTs, perr := parseTsFromFilename(file)
		if perr == nil && maxTs < threshold {
			doomed = append(doomed, file)
			continue
		}
		kept = append(kept, file)
	}
	s.segments = kept
	mt := s.mt
	s.mu.Unlock()

	removed := 0
	for _, file := range doomed {
		if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
			slog.Error("purge: segment delete failed", "file", filepath.Base(file), "error", err)
			continue
		}
		removed++
		slog.Info("purge: expired segment deleted", "file", filepath.Base(file))
	}

	if evicted := mt.PurgeBefore(threshold); evicted > 0 {
		slog.Info("purge: memtable rows evicted", "rows", evicted)
	}

	return removed, nil
}

// RunRetention periodically purges records older than the retention window.
// Blocks until ctx is done; run it in its own goroutine. The command-line
// binary exits after each subcommand and purges on demand through its purge
// command instead; this loop is for long-lived embedders of the store.
func (s *Store) RunRetention(ctx context.Context, retention, interval time.Duration) {
	if retention <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	slog.Info("retention loop started", "retention", retention, "interval", interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PurgeBefore(time.Now().Add(-retention)); err != nil {
				slog.Error("retention purge failed", "error", err)
			}
		}
	}
}
