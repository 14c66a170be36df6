package stats

import (
	"testing"
	"time"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
	"github.com/logscope/logscope/internal/store/storetest"
)

func seedStore(t *testing.T, entries []model.LogEntry) *store.Store {
	t.Helper()
	segs := storetest.New()
	s, err := store.Open(t.TempDir(), segs.Read, segs.Write)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if len(entries) > 0 {
		if _, err := s.BulkInsert(entries); err != nil {
			t.Fatalf("BulkInsert: %v", err)
		}
	}
	return s
}

func entry(client, path string, status int, rt float64, ts time.Time) model.LogEntry {
	return model.LogEntry{
		Client:       client,
		Timestamp:    ts,
		Method:       "GET",
		Path:         path,
		Status:       status,
		ResponseTime: rt,
	}
}

func TestOverviewEmptyRange(t *testing.T) {
	agg := NewAggregator(seedStore(t, nil))

	ov, err := agg.Overview(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.TotalRequests != 0 || ov.UniqueClients != 0 || ov.ErrorRate != 0 {
		t.Errorf("empty range must yield zeros, got %+v", ov)
	}
	if ov.AvgResponseTime != nil || ov.DateRange != nil {
		t.Errorf("empty range must leave optional fields nil")
	}
}

func TestOverview(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(seedStore(t, []model.LogEntry{
		entry("10.0.0.1", "/a", 200, 100, base),
		entry("10.0.0.1", "/b", 404, 50, base.Add(time.Minute)),
		entry("10.0.0.2", "/a", 500, -1, base.Add(2*time.Minute)),
		entry("10.0.0.3", "/c", 200, 150, base.Add(3*time.Minute)),
	}))

	ov, err := agg.Overview(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.TotalRequests != 4 {
		t.Errorf("total: expected 4, got %d", ov.TotalRequests)
	}
	if ov.UniqueClients != 3 {
		t.Errorf("unique clients: expected 3, got %d", ov.UniqueClients)
	}
	if ov.Errors4xx != 1 || ov.Errors5xx != 1 {
		t.Errorf("errors: expected 1/1, got %d/%d", ov.Errors4xx, ov.Errors5xx)
	}
	if ov.ErrorRate != 50.0 {
		t.Errorf("error rate: expected 50.0, got %v", ov.ErrorRate)
	}
	// The entry without a recorded response time must not drag the average.
	if ov.AvgResponseTime == nil || *ov.AvgResponseTime != 100.0 {
		t.Errorf("avg response time: expected 100.0, got %v", ov.AvgResponseTime)
	}
	if ov.P50ResponseTime == nil || *ov.P50ResponseTime != 100.0 {
		t.Errorf("p50 response time: expected 100.0, got %v", ov.P50ResponseTime)
	}
	if ov.DateRange == nil || !ov.DateRange.Start.Equal(base) || !ov.DateRange.End.Equal(base.Add(3*time.Minute)) {
		t.Errorf("date range wrong: %+v", ov.DateRange)
	}
}

func TestOverviewRangeFilter(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(seedStore(t, []model.LogEntry{
		entry("10.0.0.1", "/a", 200, 10, base),
		entry("10.0.0.1", "/b", 200, 10, base.Add(time.Hour)),
		entry("10.0.0.1", "/c", 200, 10, base.Add(2*time.Hour)),
	}))

	ov, err := agg.Overview(base.Add(30*time.Minute), base.Add(90*time.Minute))
	if err != nil {
		t.Fatalf("Overview: %v", err)
	}
	if ov.TotalRequests != 1 {
		t.Errorf("range filter: expected 1, got %d", ov.TotalRequests)
	}
}

func TestTopURLs(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(seedStore(t, []model.LogEntry{
		entry("10.0.0.1", "/popular", 200, 10, base),
		entry("10.0.0.1", "/popular", 200, 10, base.Add(time.Second)),
		entry("10.0.0.1", "/popular", 200, 10, base.Add(2*time.Second)),
		entry("10.0.0.1", "/old-tie", 200, 10, base.Add(3*time.Second)),
		entry("10.0.0.1", "/new-tie", 200, 10, base.Add(10*time.Second)),
	}))

	urls, err := agg.TopURLs(10, time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("TopURLs: %v", err)
	}
	if len(urls) != 3 {
		t.Fatalf("expected 3 urls, got %d", len(urls))
	}
	if urls[0].Path != "/popular" || urls[0].Count != 3 {
		t.Errorf("rank 1: got %+v", urls[0])
	}
	// Equal counts: the more recently seen path ranks first.
	if urls[1].Path != "/new-tie" || urls[2].Path != "/old-tie" {
		t.Errorf("tie break wrong: %s before %s", urls[1].Path, urls[2].Path)
	}

	urls, _ = agg.TopURLs(1, time.Time{}, time.Time{})
	if len(urls) != 1 {
		t.Errorf("limit not applied: got %d", len(urls))
	}
}

func TestStatusDistribution(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	agg := NewAggregator(seedStore(t, []model.LogEntry{
		entry("10.0.0.1", "/a", 500, 10, base),
		entry("10.0.0.1", "/a", 200, 10, base),
		entry("10.0.0.1", "/a", 200, 10, base),
		entry("10.0.0.1", "/a", 404, 10, base),
	}))

	dist, err := agg.StatusDistribution(time.Time{}, time.Time{})
	if err != nil {
		t.Fatalf("StatusDistribution: %v", err)
	}
	want := []StatusCount{{200, 2}, {404, 1}, {500, 1}}
	if len(dist) != len(want) {
		t.Fatalf("expected %d codes, got %d", len(want), len(dist))
	}
	for i := range want {
		if dist[i] != want[i] {
			t.Errorf("slot %d: expected %+v, got %+v", i, want[i], dist[i])
		}
	}
}

func TestTimelineZeroFills(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	agg := NewAggregator(seedStore(t, []model.LogEntry{
		entry("10.0.0.1", "/a", 200, 10, base.Add(30*time.Minute)),
		entry("10.0.0.1", "/b", 200, 10, base.Add(3*time.Hour)),
		entry("10.0.0.1", "/c", 200, 10, base.Add(3*time.Hour+5*time.Minute)),
	}))

	buckets, err := agg.TimelineRange(base, base.Add(4*time.Hour))
	if err != nil {
		t.Fatalf("TimelineRange: %v", err)
	}
	if len(buckets) != 4 {
		t.Fatalf("expected 4 hourly buckets, got %d", len(buckets))
	}
	wantCounts := []int{1, 0, 0, 2}
	for i, b := range buckets {
		if !b.Hour.Equal(base.Add(time.Duration(i) * time.Hour)) {
			t.Errorf("bucket %d hour: got %v", i, b.Hour)
		}
		if b.Count != wantCounts[i] {
			t.Errorf("bucket %d count: expected %d, got %d", i, wantCounts[i], b.Count)
		}
	}
}
