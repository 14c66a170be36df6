package session

import (
	"reflect"
	"testing"
	"time"

	"github.com/logscope/logscope/internal/model"
)

func record(id uint64, client, path string, ts time.Time) model.Record {
	return model.Record{
		ID: id,
		LogEntry: model.LogEntry{
			Client:    client,
			Timestamp: ts,
			Method:    "GET",
			Path:      path,
			Status:    200,
		},
	}
}

func TestBuildSessionsGapRule(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	gap := 30 * time.Minute

	tests := []struct {
		name         string
		offsets      []time.Duration // per request, same client
		wantSessions int
	}{
		{"single request", []time.Duration{0}, 1},
		{"merged below threshold", []time.Duration{0, 29*time.Minute + 59*time.Second}, 1},
		{"merged at exact threshold", []time.Duration{0, 30 * time.Minute}, 1},
		{"split above threshold", []time.Duration{0, 30*time.Minute + time.Second}, 2},
		{"split well above threshold", []time.Duration{0, 45 * time.Minute}, 2},
		{"chain of short gaps stays merged", []time.Duration{0, 20 * time.Minute, 40 * time.Minute, 55 * time.Minute}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var rows []model.Record
			for i, off := range tt.offsets {
				rows = append(rows, record(uint64(i+1), "10.0.0.1", "/p", base.Add(off)))
			}
			sessions := BuildSessions(rows, gap)
			if len(sessions) != tt.wantSessions {
				t.Errorf("expected %d sessions, got %d", tt.wantSessions, len(sessions))
			}
		})
	}
}

func TestSingleRequestSession(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions := BuildSessions([]model.Record{record(1, "10.0.0.1", "/landing", base)}, 0)

	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Duration != 0 {
		t.Errorf("single-request duration must be 0, got %v", s.Duration)
	}
	if !s.Bounce {
		t.Error("single-request session must be a bounce")
	}
	if s.EntryPage != "/landing" || s.ExitPage != "/landing" {
		t.Errorf("entry/exit: got %s/%s", s.EntryPage, s.ExitPage)
	}
}

func TestSessionFields(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.Record{
		record(1, "10.0.0.1", "/home", base),
		record(2, "10.0.0.1", "/products", base.Add(2*time.Minute)),
		record(3, "10.0.0.1", "/checkout", base.Add(5*time.Minute)),
	}

	sessions := BuildSessions(rows, 30*time.Minute)
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	s := sessions[0]
	if s.Duration != 300 {
		t.Errorf("duration: expected 300s, got %v", s.Duration)
	}
	if s.PageCount != 3 || s.Bounce {
		t.Errorf("page count/bounce: got %d/%v", s.PageCount, s.Bounce)
	}
	want := []string{"/home", "/products", "/checkout"}
	if !reflect.DeepEqual(s.Paths, want) {
		t.Errorf("paths: expected %v, got %v", want, s.Paths)
	}
	if s.EntryPage != "/home" || s.ExitPage != "/checkout" {
		t.Errorf("entry/exit: got %s/%s", s.EntryPage, s.ExitPage)
	}
}

func TestBuildSessionsPerClient(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.Record{
		record(1, "10.0.0.1", "/a", base),
		record(2, "10.0.0.2", "/b", base.Add(time.Minute)),
		record(3, "10.0.0.1", "/c", base.Add(2*time.Minute)),
	}

	sessions := BuildSessions(rows, 30*time.Minute)
	if len(sessions) != 2 {
		t.Fatalf("clients must never share a session: got %d", len(sessions))
	}
}

func TestBuildSessionsDeterministic(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.Record{
		record(4, "10.0.0.2", "/x", base.Add(time.Minute)),
		record(1, "10.0.0.1", "/a", base),
		record(3, "10.0.0.1", "/b", base.Add(45*time.Minute)),
		record(2, "10.0.0.3", "/y", base),
	}

	first := BuildSessions(rows, 30*time.Minute)
	for i := 0; i < 5; i++ {
		again := BuildSessions(rows, 30*time.Minute)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("run %d produced a different session set", i)
		}
	}
}

func TestSummarize(t *testing.T) {
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rows := []model.Record{
		// Client 1: two-page session.
		record(1, "10.0.0.1", "/home", base),
		record(2, "10.0.0.1", "/products", base.Add(time.Minute)),
		// Client 2: bounce.
		record(3, "10.0.0.2", "/home", base),
		// Client 3: same two-page path.
		record(4, "10.0.0.3", "/home", base.Add(time.Hour)),
		record(5, "10.0.0.3", "/products", base.Add(time.Hour+time.Minute)),
	}

	sum := Summarize(BuildSessions(rows, 30*time.Minute))
	if sum.TotalSessions != 3 {
		t.Fatalf("expected 3 sessions, got %d", sum.TotalSessions)
	}
	if sum.BounceRate < 33.3 || sum.BounceRate > 33.4 {
		t.Errorf("bounce rate: expected ~33.33, got %v", sum.BounceRate)
	}
	if len(sum.ConversionPaths) == 0 {
		t.Fatal("expected conversion paths")
	}
	top := sum.ConversionPaths[0]
	if top.Path != "/home -> /products" || top.Count != 2 {
		t.Errorf("top conversion path: got %+v", top)
	}
}

func TestSummarizeEmpty(t *testing.T) {
	sum := Summarize(nil)
	if sum.TotalSessions != 0 || sum.BounceRate != 0 || sum.AvgDuration != 0 {
		t.Errorf("empty summary must be all zeros, got %+v", sum)
	}
}
