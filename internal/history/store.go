// Package history keeps a small on-disk ledger of import runs.
package history

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// keep the ledger bounded; old runs roll off the front.
const maxRuns = 500

// ImportRun is one completed import, as recorded in the ledger.
type ImportRun struct {
	BatchID     string    `json:"batch_id"`
	File        string    `json:"file"`
	Parsed      int       `json:"parsed"`
	Errors      int       `json:"errors"`
	Inserted    int       `json:"inserted"`
	SuccessRate float64   `json:"success_rate"`
	DurationMS  int64     `json:"duration_ms"`
	StartedAt   time.Time `json:"started_at"`
}

type ledger struct {
	Runs []ImportRun `json:"runs"`
}

// Store handles the persistence and in-memory management of the ledger.
type Store struct {
	filePath string
	mu       sync.RWMutex
	data     *ledger
}

func NewStore(filePath string) *Store {
	return &Store{
		filePath: filePath,
		data:     &ledger{Runs: make([]ImportRun, 0)},
	}
}

// Load reads the ledger from disk. A missing file is a fresh ledger.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, s.data)
}

// Append records a run and persists the ledger.
func (s *Store) Append(run ImportRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.data.Runs = append(s.data.Runs, run)
	if len(s.data.Runs) > maxRuns {
		s.data.Runs = s.data.Runs[len(s.data.Runs)-maxRuns:]
	}
	return s.saveLocked()
}

// Runs returns the recorded runs, most recent last.
func (s *Store) Runs() []ImportRun {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ImportRun, len(s.data.Runs))
	copy(out, s.data.Runs)
	return out
}

// saveLocked writes the ledger via a temp file and rename so a crash
// mid-write never leaves a truncated ledger behind.
func (s *Store) saveLocked() error {
	raw, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, s.filePath)
}
