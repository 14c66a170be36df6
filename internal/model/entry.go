package model

import (
	"fmt"
	"strings"
	"time"
)

// MaxPathLen is the longest request path accepted for storage.
const MaxPathLen = 2048

// LogEntry is the logical view of one parsed access-log line.
// Immutable once parsed; validation happens before an entry reaches the store.
type LogEntry struct {
	Client       string    `json:"client"`
	Timestamp    time.Time `json:"timestamp"` // UTC, second precision
	Method       string    `json:"method"`
	Path         string    `json:"path"`
	Status       int       `json:"status"`
	ResponseTime float64   `json:"response_time_ms"` // negative when the line carried no value
	Referrer     string    `json:"referrer,omitempty"`
	Agent        string    `json:"agent,omitempty"`
	Bytes        int64     `json:"bytes"`
}

// HasResponseTime reports whether the source line carried a response time.
func (e *LogEntry) HasResponseTime() bool {
	return e.ResponseTime >= 0
}

// StatusClass returns the status code class (2 for 2xx, 4 for 4xx, ...).
func (e *LogEntry) StatusClass() int {
	return e.Status / 100
}

// Validate checks the invariants an entry must satisfy before insertion.
func (e *LogEntry) Validate() error {
	if e.Client == "" {
		return fmt.Errorf("missing client address")
	}
	if e.Timestamp.IsZero() {
		return fmt.Errorf("missing timestamp")
	}
	if e.Method == "" {
		return fmt.Errorf("missing method")
	}
	if e.Path == "" {
		return fmt.Errorf("missing path")
	}
	if len(e.Path) > MaxPathLen {
		return fmt.Errorf("path exceeds %d chars", MaxPathLen)
	}
	if e.Status < 100 || e.Status > 599 {
		return fmt.Errorf("status %d outside [100,599]", e.Status)
	}
	return nil
}

// Record is a stored entry plus its store-assigned identifier.
// IDs are monotonically increasing and never reused.
type Record struct {
	ID uint64 `json:"id"`
	LogEntry
}

// Filter selects records on the read path. Zero values mean "no constraint".
type Filter struct {
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	Client      string    `json:"client"`
	StatusClass int       `json:"status_class"` // 1..5, 0 = all
	PathPrefix  string    `json:"path_prefix"`
	Descending  bool      `json:"descending"`
}

// Match reports whether a record satisfies every set constraint.
func (f *Filter) Match(r *Record) bool {
	if !f.Start.IsZero() && r.Timestamp.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && r.Timestamp.After(f.End) {
		return false
	}
	if f.Client != "" && r.Client != f.Client {
		return false
	}
	if f.StatusClass != 0 && r.Status/100 != f.StatusClass {
		return false
	}
	if f.PathPrefix != "" && !strings.HasPrefix(r.Path, f.PathPrefix) {
		return false
	}
	return true
}
