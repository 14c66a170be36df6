package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

func buildTable(t *testing.T, n int) *store.MemTable {
	t.Helper()
	mt := store.NewMemTable()
	base := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	records := make([]model.Record, n)
	for i := range records {
		status := 200
		if i%5 == 0 {
			status = 404
		}
		rt := float64(i)
		if i%7 == 0 {
			rt = -1
		}
		records[i] = model.Record{
			ID: uint64(i + 1),
			LogEntry: model.LogEntry{
				Client:       "10.0.0.1",
				Timestamp:    base.Add(time.Duration(i) * time.Second),
				Method:       "GET",
				Path:         "/page",
				Status:       status,
				ResponseTime: rt,
				Referrer:     "https://example.com",
				Agent:        "Mozilla/5.0",
				Bytes:        int64(100 * i),
			},
		}
	}
	mt.AppendBatch(records)
	return mt
}

func TestSegmentRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_0_0.lseg")

	writer, err := NewSegmentWriter()
	if err != nil {
		t.Fatal(err)
	}
	reader, err := NewSegmentReader()
	if err != nil {
		t.Fatal(err)
	}

	mt := buildTable(t, 50)
	if err := writer.WriteSegment(path, mt); err != nil {
		t.Fatalf("WriteSegment: %v", err)
	}

	rows, err := reader.ReadSegment(path, model.Filter{})
	if err != nil {
		t.Fatalf("ReadSegment: %v", err)
	}
	if len(rows) != 50 {
		t.Fatalf("expected 50 rows, got %d", len(rows))
	}

	want := mt.Scan(model.Filter{})
	for i := range rows {
		if rows[i].ID != want[i].ID ||
			!rows[i].Timestamp.Equal(want[i].Timestamp) ||
			rows[i].Path != want[i].Path ||
			rows[i].Status != want[i].Status ||
			rows[i].ResponseTime != want[i].ResponseTime ||
			rows[i].Bytes != want[i].Bytes ||
			rows[i].Referrer != want[i].Referrer ||
			rows[i].Agent != want[i].Agent {
			t.Fatalf("row %d differs after round trip:\n got %+v\nwant %+v", i, rows[i], want[i])
		}
	}
}

func TestSegmentFilterOnRead(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_0_0.lseg")

	writer, _ := NewSegmentWriter()
	reader, _ := NewSegmentReader()

	if err := writer.WriteSegment(path, buildTable(t, 50)); err != nil {
		t.Fatal(err)
	}

	rows, err := reader.ReadSegment(path, model.Filter{StatusClass: 4})
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range rows {
		if r.Status/100 != 4 {
			t.Fatalf("filter leaked status %d", r.Status)
		}
	}
	if len(rows) != 10 {
		t.Errorf("expected 10 4xx rows, got %d", len(rows))
	}

	// A range entirely before the segment's data prunes the whole file.
	early := model.Filter{
		Start: time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2020, 1, 2, 0, 0, 0, 0, time.UTC),
	}
	rows, err = reader.ReadSegment(path, early)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 0 {
		t.Errorf("expected pruned read, got %d rows", len(rows))
	}
}

func TestSegmentChecksumDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_0_0.lseg")

	writer, _ := NewSegmentWriter()
	reader, _ := NewSegmentReader()

	if err := writer.WriteSegment(path, buildTable(t, 20)); err != nil {
		t.Fatal(err)
	}

	// Flip one byte in the middle of the body.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)/2] ^= 0xFF
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	_, err = reader.ReadSegment(path, model.Filter{})
	if err == nil {
		t.Fatal("corrupted segment must not read cleanly")
	}
	if !errors.Is(err, ErrChecksum) && !errors.Is(err, ErrInvalidHeader) {
		// zstd may fail to decode before the checksum check runs, which is
		// also an acceptable rejection.
		t.Logf("rejected with: %v", err)
	}
}

func TestSegmentEmptyTable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "seg_0_0.lseg")

	writer, _ := NewSegmentWriter()
	reader, _ := NewSegmentReader()

	if err := writer.WriteSegment(path, store.NewMemTable()); err != nil {
		t.Fatalf("writing an empty table: %v", err)
	}
	rows, err := reader.ReadSegment(path, model.Filter{})
	if err != nil {
		t.Fatalf("reading an empty segment: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("expected no rows, got %d", len(rows))
	}
}
