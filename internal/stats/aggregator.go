// Package stats computes read-side traffic metrics over the log store.
package stats

import (
	"sort"
	"time"

	mstats "github.com/montanaflynn/stats"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

// Overview is the headline metric set for a time range.
type Overview struct {
	TotalRequests   int        `json:"total_requests"`
	UniqueClients   int        `json:"unique_clients"`
	Errors4xx       int        `json:"errors_4xx"`
	Errors5xx       int        `json:"errors_5xx"`
	ErrorRate       float64    `json:"error_rate"`
	AvgResponseTime *float64   `json:"avg_response_time,omitempty"` // ms; nil when no entry carried one
	P50ResponseTime *float64   `json:"p50_response_time,omitempty"`
	P95ResponseTime *float64   `json:"p95_response_time,omitempty"`
	P99ResponseTime *float64   `json:"p99_response_time,omitempty"`
	DateRange       *DateRange `json:"date_range,omitempty"`
}

// DateRange is the first/last timestamp actually observed in range.
type DateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// URLCount is one entry of a top-URL ranking.
type URLCount struct {
	Path  string `json:"path"`
	Count int    `json:"count"`
}

// StatusCount is the request count for one exact status code.
type StatusCount struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

// TimelineBucket is one hourly slot of the request timeline. Empty hours are
// present with a zero count so charts render contiguously.
type TimelineBucket struct {
	Hour  time.Time `json:"hour"`
	Count int       `json:"count"`
}

// Aggregator answers overview, ranking and timeline queries. It holds no
// state of its own; every call reads a fresh snapshot from the store.
type Aggregator struct {
	store *store.Store
}

func NewAggregator(s *store.Store) *Aggregator {
	return &Aggregator{store: s}
}

// Overview computes the headline metrics for [start, end]. Zero times mean an
// unbounded range. All ratios are defined as 0 when the range is empty.
func (a *Aggregator) Overview(start, end time.Time) (Overview, error) {
	rows, err := a.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return Overview{}, err
	}

	var ov Overview
	ov.TotalRequests = len(rows)
	if len(rows) == 0 {
		return ov, nil
	}

	clients := make(map[string]struct{})
	var respTimes []float64
	first, last := rows[0].Timestamp, rows[0].Timestamp

	for i := range rows {
		r := &rows[i]
		clients[r.Client] = struct{}{}
		switch r.StatusClass() {
		case 4:
			ov.Errors4xx++
		case 5:
			ov.Errors5xx++
		}
		if r.HasResponseTime() {
			respTimes = append(respTimes, r.ResponseTime)
		}
		if r.Timestamp.Before(first) {
			first = r.Timestamp
		}
		if r.Timestamp.After(last) {
			last = r.Timestamp
		}
	}

	ov.UniqueClients = len(clients)
	ov.ErrorRate = float64(ov.Errors4xx+ov.Errors5xx) / float64(ov.TotalRequests) * 100
	ov.DateRange = &DateRange{Start: first, End: last}

	if len(respTimes) > 0 {
		if mean, err := mstats.Mean(respTimes); err == nil {
			ov.AvgResponseTime = &mean
		}
		if p50, err := mstats.Median(respTimes); err == nil {
			ov.P50ResponseTime = &p50
		}
		if p95, err := mstats.Percentile(respTimes, 95); err == nil {
			ov.P95ResponseTime = &p95
		}
		if p99, err := mstats.Percentile(respTimes, 99); err == nil {
			ov.P99ResponseTime = &p99
		}
	}

	return ov, nil
}

// TopURLs ranks the most requested paths in range. Ties break by most recent
// occurrence first, then lexicographically.
func (a *Aggregator) TopURLs(limit int, start, end time.Time) ([]URLCount, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := a.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	lastSeen := make(map[string]time.Time)
	for i := range rows {
		counts[rows[i].Path]++
		if rows[i].Timestamp.After(lastSeen[rows[i].Path]) {
			lastSeen[rows[i].Path] = rows[i].Timestamp
		}
	}

	ranked := make([]URLCount, 0, len(counts))
	for path, count := range counts {
		ranked = append(ranked, URLCount{Path: path, Count: count})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Count != ranked[j].Count {
			return ranked[i].Count > ranked[j].Count
		}
		li, lj := lastSeen[ranked[i].Path], lastSeen[ranked[j].Path]
		if !li.Equal(lj) {
			return li.After(lj)
		}
		return ranked[i].Path < ranked[j].Path
	})

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked, nil
}

// StatusDistribution returns per-exact-code counts in range, sorted by code.
func (a *Aggregator) StatusDistribution(start, end time.Time) ([]StatusCount, error) {
	rows, err := a.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return nil, err
	}

	counts := make(map[int]int)
	for i := range rows {
		counts[rows[i].Status]++
	}

	dist := make([]StatusCount, 0, len(counts))
	for status, count := range counts {
		dist = append(dist, StatusCount{Status: status, Count: count})
	}
	sort.Slice(dist, func(i, j int) bool { return dist[i].Status < dist[j].Status })
	return dist, nil
}

// RequestsTimeline buckets request counts by hour over the trailing number of
// days, ending at the current hour.
func (a *Aggregator) RequestsTimeline(days int) ([]TimelineBucket, error) {
	if days <= 0 {
		days = 7
	}
	end := time.Now().UTC().Truncate(time.Hour).Add(time.Hour)
	start := end.Add(-time.Duration(days) * 24 * time.Hour)
	return a.TimelineRange(start, end)
}

// TimelineRange buckets request counts by hour over [start, end), zero-filling
// hours with no traffic.
func (a *Aggregator) TimelineRange(start, end time.Time) ([]TimelineBucket, error) {
	start = start.UTC().Truncate(time.Hour)
	end = end.UTC().Truncate(time.Hour)
	if !end.After(start) {
		return nil, nil
	}

	rows, err := a.store.Query(model.Filter{Start: start, End: end})
	if err != nil {
		return nil, err
	}

	counts := make(map[time.Time]int)
	for i := range rows {
		counts[rows[i].Timestamp.Truncate(time.Hour)]++
	}

	var buckets []TimelineBucket
	for hour := start; hour.Before(end); hour = hour.Add(time.Hour) {
		buckets = append(buckets, TimelineBucket{Hour: hour, Count: counts[hour]})
	}
	return buckets, nil
}
