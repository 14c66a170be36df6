// Package ingest streams access-log files into the store in batches.
package ingest

import (
	"bufio"
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/parser"
	"github.com/logscope/logscope/internal/store"
)

const (
	DefaultBatchSize = 1000
	DefaultWorkers   = 4
)

// Report summarizes a single import run. SuccessRate mirrors the parser's
// definition: percentage of lines parsed, two decimals, 0 when nothing parsed.
type Report struct {
	BatchID     string        `json:"batch_id"`
	File        string        `json:"file"`
	Parsed      int           `json:"parsed"`
	Errors      int           `json:"errors"`
	Inserted    int           `json:"inserted"`
	SuccessRate float64       `json:"success_rate"`
	Duration    time.Duration `json:"duration"`
	StartedAt   time.Time     `json:"started_at"`
}

type Importer struct {
	store     *store.Store
	batchSize int
	workers   int
	logger    *slog.Logger
}

func NewImporter(st *store.Store, batchSize, workers int, logger *slog.Logger) *Importer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Importer{store: st, batchSize: batchSize, workers: workers, logger: logger}
}

// ImportFile streams one file into the store. Each run gets a fresh parser so
// the report's counters cover exactly this file.
func (im *Importer) ImportFile(ctx context.Context, path string) (Report, error) {
	start := time.Now()
	report := Report{
		BatchID:   uuid.NewString(),
		File:      path,
		StartedAt: start.UTC(),
	}

	f, err := os.Open(path)
	if err != nil {
		return report, err
	}
	defer f.Close()

	p := parser.New()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	batch := make([]model.LogEntry, 0, im.batchSize)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := im.store.BulkInsert(batch)
		if err != nil {
			return err
		}
		report.Inserted += n
		batch = batch[:0]
		return nil
	}

	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		entry, err := p.ParseLine(line)
		if err != nil {
			continue
		}
		batch = append(batch, entry)
		if len(batch) >= im.batchSize {
			if err := ctx.Err(); err != nil {
				return im.finish(report, p, start), err
			}
			if err := flush(); err != nil {
				return im.finish(report, p, start), err
			}
		}
	}
	if err := sc.Err(); err != nil {
		return im.finish(report, p, start), err
	}
	if err := flush(); err != nil {
		return im.finish(report, p, start), err
	}

	report = im.finish(report, p, start)
	im.logger.Info("import finished",
		"batch_id", report.BatchID,
		"file", path,
		"parsed", report.Parsed,
		"errors", report.Errors,
		"inserted", report.Inserted,
		"duration", report.Duration)
	return report, nil
}

func (im *Importer) finish(report Report, p *parser.Parser, start time.Time) Report {
	ps := p.Stats()
	report.Parsed = int(ps.Parsed)
	report.Errors = int(ps.Errors)
	report.SuccessRate = ps.SuccessRate
	report.Duration = time.Since(start)
	return report
}

// ImportFiles runs ImportFile for each path over a fixed worker pool. Reports
// come back in input order; the first error is returned after all workers
// drain, alongside whatever reports completed.
func (im *Importer) ImportFiles(ctx context.Context, paths []string) ([]Report, error) {
	if len(paths) == 0 {
		return nil, nil
	}

	workers := im.workers
	if workers > len(paths) {
		workers = len(paths)
	}

	type result struct {
		idx    int
		report Report
		err    error
	}

	jobs := make(chan int)
	results := make(chan result, len(paths))

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				rep, err := im.ImportFile(ctx, paths[idx])
				results <- result{idx: idx, report: rep, err: err}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range paths {
			select {
			case jobs <- i:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		wg.Wait()
		close(results)
	}()

	reports := make([]Report, len(paths))
	var firstErr error
	for res := range results {
		reports[res.idx] = res.report
		if res.err != nil && firstErr == nil {
			firstErr = res.err
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return reports, firstErr
}
