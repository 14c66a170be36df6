// Package session rebuilds per-client browsing sessions from stored entries.
//
// Sessions are derived values, recomputed per query and never persisted: a
// session is a maximal run of one client's requests where consecutive entries
// are separated by at most the inactivity gap. Entries are taken from the
// query window only, so a session touching the window edge is truncated there
// rather than extended with look-ahead beyond the window. That truncation is
// a known approximation.
package session

import (
	"sort"
	"strings"
	"time"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

// DefaultInactivityGap is the gap that splits two requests into separate
// sessions (30 minutes).
const DefaultInactivityGap = 30 * time.Minute

// pathSeparator joins a session's ordered paths into a conversion-path key.
const pathSeparator = " -> "

// Session is one reconstructed visit.
type Session struct {
	Client    string    `json:"client"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
	Duration  float64   `json:"duration_seconds"` // 0 for single-entry sessions
	Paths     []string  `json:"paths"`
	PageCount int       `json:"page_count"`
	EntryPage string    `json:"entry_page"`
	ExitPage  string    `json:"exit_page"`
	Bounce    bool      `json:"bounce"`
}

// PathSequence is an ordered path sequence with its frequency across sessions.
type PathSequence struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// Summary aggregates a reconstruction run.
type Summary struct {
	TotalSessions      int            `json:"total_sessions"`
	AvgDuration        float64        `json:"avg_duration_seconds"`
	AvgPagesPerSession float64        `json:"avg_pages_per_session"`
	BounceRate         float64        `json:"bounce_rate"`
	ConversionPaths    []PathSequence `json:"conversion_paths"`
	Sessions           []Session      `json:"session_details"`
}

// Reconstructor groups stored entries into sessions with an inactivity gap
// rule.
type Reconstructor struct {
	store *store.Store
	gap   time.Duration
}

// New creates a Reconstructor; gap <= 0 selects the default threshold.
func New(s *store.Store, gap time.Duration) *Reconstructor {
	if gap <= 0 {
		gap = DefaultInactivityGap
	}
	return &Reconstructor{store: s, gap: gap}
}

// ReconstructWindow reconstructs sessions over the trailing number of hours.
func (r *Reconstructor) ReconstructWindow(hours int) (Summary, error) {
	if hours <= 0 {
		hours = 24
	}
	end := time.Now().UTC()
	return r.Reconstruct(end.Add(-time.Duration(hours)*time.Hour), end)
}

// Reconstruct builds sessions for all clients active in [start, end].
func (r *Reconstructor) Reconstruct(start, end time.Time) (Summary, error) {
	rows, err := r.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return Summary{}, err
	}
	return Summarize(BuildSessions(rows, r.gap)), nil
}

// BuildSessions walks entries in (client, timestamp) order and cuts a new
// session whenever the gap to the client's previous entry exceeds the
// threshold. Deterministic for a fixed input set.
func BuildSessions(rows []model.Record, gap time.Duration) []Session {
	if gap <= 0 {
		gap = DefaultInactivityGap
	}

	byClient := make(map[string][]model.Record)
	for i := range rows {
		byClient[rows[i].Client] = append(byClient[rows[i].Client], rows[i])
	}

	var sessions []Session
	for client, entries := range byClient {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].Timestamp.Equal(entries[j].Timestamp) {
				return entries[i].ID < entries[j].ID
			}
			return entries[i].Timestamp.Before(entries[j].Timestamp)
		})

		var cur *Session
		for i := range entries {
			e := &entries[i]
			if cur == nil || e.Timestamp.Sub(cur.End) > gap {
				if cur != nil {
					sessions = append(sessions, finish(*cur))
				}
				cur = &Session{
					Client: client,
					Start:  e.Timestamp,
					End:    e.Timestamp,
					Paths:  []string{e.Path},
				}
				continue
			}
			cur.End = e.Timestamp
			cur.Paths = append(cur.Paths, e.Path)
		}
		if cur != nil {
			sessions = append(sessions, finish(*cur))
		}
	}

	sort.Slice(sessions, func(i, j int) bool {
		if sessions[i].Start.Equal(sessions[j].Start) {
			return sessions[i].Client < sessions[j].Client
		}
		return sessions[i].Start.Before(sessions[j].Start)
	})
	return sessions
}

func finish(s Session) Session {
	s.PageCount = len(s.Paths)
	s.Duration = s.End.Sub(s.Start).Seconds()
	s.EntryPage = s.Paths[0]
	s.ExitPage = s.Paths[len(s.Paths)-1]
	s.Bounce = s.PageCount == 1
	return s
}

// Summarize computes the aggregate view over a session set.
func Summarize(sessions []Session) Summary {
	sum := Summary{
		TotalSessions: len(sessions),
		Sessions:      sessions,
	}
	if len(sessions) == 0 {
		return sum
	}

	var totalDuration, totalPages float64
	bounces := 0
	pathCounts := make(map[string]int)
	for i := range sessions {
		s := &sessions[i]
		totalDuration += s.Duration
		totalPages += float64(s.PageCount)
		if s.Bounce {
			bounces++
		}
		pathCounts[strings.Join(s.Paths, pathSeparator)]++
	}

	n := float64(len(sessions))
	sum.AvgDuration = totalDuration / n
	sum.AvgPagesPerSession = totalPages / n
	sum.BounceRate = float64(bounces) / n * 100
	sum.ConversionPaths = rankPaths(pathCounts, 10)
	return sum
}

// rankPaths orders path sequences by frequency, ties lexicographically.
func rankPaths(counts map[string]int, limit int) []PathSequence {
	ranked := make([]PathSequence, 0, len(counts))
	for path, count := range counts {
		ranked = append(ranked, PathSequence{Path: path, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		return ranked[i].Path < ranked[j].Path
	})
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}
