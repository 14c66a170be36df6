package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/logscope/logscope/internal/anomaly"
	"github.com/logscope/logscope/internal/config"
	"github.com/logscope/logscope/internal/history"
	"github.com/logscope/logscope/internal/ingest"
	"github.com/logscope/logscope/internal/logging"
	"github.com/logscope/logscope/internal/session"
	"github.com/logscope/logscope/internal/stats"
	"github.com/logscope/logscope/internal/storage"
	"github.com/logscope/logscope/internal/store"
)

const usage = `logscope - access log analytics

Usage:
  logscope [-config path] <command> [flags]

Commands:
  import <file>...   parse access logs into the store
  overview           traffic overview for a time range
  top                most requested URLs
  status             status code distribution
  timeline           hourly request counts
  sessions           reconstruct visitor sessions
  anomaly            score recent traffic for outliers
  purge              drop data older than the retention window
  history            list recorded import runs
`

func main() {
	configPath := flag.String("config", "./logscope.toml", "Path to TOML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg, created, err := config.LoadOrInit(*configPath)
	if err != nil {
		fatalf("config: %v", err)
	}
	logging.SetLevelFromString(cfg.Server.LogLevel)
	if created {
		slog.Info("wrote default config", "path", *configPath)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reader, err := storage.NewSegmentReader()
	if err != nil {
		fatalf("segment reader: %v", err)
	}
	writer, err := storage.NewSegmentWriter()
	if err != nil {
		fatalf("segment writer: %v", err)
	}

	st, err := store.Open(cfg.Store.DataDir, reader.ReadSegment, writer.WriteSegment)
	if err != nil {
		fatalf("open store: %v", err)
	}
	st.MaxTableSize = int64(cfg.Store.MaxTableSizeMB) * 1024 * 1024

	cmd, args := flag.Arg(0), flag.Args()[1:]
	runErr := run(ctx, cmd, args, cfg, st)
	if err := st.Close(); err != nil {
		slog.Error("store close failed", "error", err)
	}
	if runErr != nil {
		slog.Error("command failed", "command", cmd, "error", runErr)
		os.Exit(1)
	}
}

func run(ctx context.Context, cmd string, args []string, cfg *config.Config, st *store.Store) error {
	switch cmd {
	case "import":
		return runImport(ctx, args, cfg, st)
	case "overview":
		return runOverview(args, st)
	case "top":
		return runTop(args, st)
	case "status":
		return runStatus(args, st)
	case "timeline":
		return runTimeline(args, st)
	case "sessions":
		return runSessions(args, cfg, st)
	case "anomaly":
		return runAnomaly(ctx, args, cfg, st)
	case "purge":
		return runPurge(cfg, st)
	case "history":
		return runHistory(cfg)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runImport(ctx context.Context, args []string, cfg *config.Config, st *store.Store) error {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	batchSize := fs.Int("batch", cfg.Ingest.BatchSize, "Entries per insert batch")
	workers := fs.Int("workers", cfg.Ingest.Workers, "Concurrent file imports")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("import: no files given")
	}

	imp := ingest.NewImporter(st, *batchSize, *workers, slog.Default())
	reports, err := imp.ImportFiles(ctx, fs.Args())

	ledger := history.NewStore(filepath.Join(cfg.Store.DataDir, "imports.json"))
	if lerr := ledger.Load(); lerr != nil {
		slog.Warn("import ledger unreadable, starting fresh", "error", lerr)
	}
	for _, rep := range reports {
		if rep.BatchID == "" {
			continue
		}
		run := history.ImportRun{
			BatchID:     rep.BatchID,
			File:        rep.File,
			Parsed:      rep.Parsed,
			Errors:      rep.Errors,
			Inserted:    rep.Inserted,
			SuccessRate: rep.SuccessRate,
			DurationMS:  rep.Duration.Milliseconds(),
			StartedAt:   rep.StartedAt,
		}
		if lerr := ledger.Append(run); lerr != nil {
			slog.Warn("import ledger write failed", "error", lerr)
		}
	}

	if perr := printJSON(reports); perr != nil && err == nil {
		err = perr
	}
	return err
}

func runOverview(args []string, st *store.Store) error {
	fs := flag.NewFlagSet("overview", flag.ExitOnError)
	hours := fs.Int("hours", 24, "Trailing window in hours (0 = all data)")
	fs.Parse(args)

	start, end := window(*hours)
	ov, err := stats.NewAggregator(st).Overview(start, end)
	if err != nil {
		return err
	}
	return printJSON(ov)
}

func runTop(args []string, st *store.Store) error {
	fs := flag.NewFlagSet("top", flag.ExitOnError)
	hours := fs.Int("hours", 24, "Trailing window in hours (0 = all data)")
	limit := fs.Int("limit", 10, "Number of URLs to return")
	fs.Parse(args)

	start, end := window(*hours)
	urls, err := stats.NewAggregator(st).TopURLs(*limit, start, end)
	if err != nil {
		return err
	}
	return printJSON(urls)
}

func runStatus(args []string, st *store.Store) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	hours := fs.Int("hours", 24, "Trailing window in hours (0 = all data)")
	fs.Parse(args)

	start, end := window(*hours)
	dist, err := stats.NewAggregator(st).StatusDistribution(start, end)
	if err != nil {
		return err
	}
	return printJSON(dist)
}

func runTimeline(args []string, st *store.Store) error {
	fs := flag.NewFlagSet("timeline", flag.ExitOnError)
	days := fs.Int("days", 7, "Trailing window in days")
	fs.Parse(args)

	buckets, err := stats.NewAggregator(st).RequestsTimeline(*days)
	if err != nil {
		return err
	}
	return printJSON(buckets)
}

func runSessions(args []string, cfg *config.Config, st *store.Store) error {
	fs := flag.NewFlagSet("sessions", flag.ExitOnError)
	hours := fs.Int("hours", 24, "Trailing window in hours")
	gap := fs.Duration("gap", time.Duration(cfg.Session.InactivityGapSec)*time.Second,
		"Inactivity gap that splits sessions")
	fs.Parse(args)

	summary, err := session.New(st, *gap).ReconstructWindow(*hours)
	if err != nil {
		return err
	}
	return printJSON(summary)
}

func runAnomaly(ctx context.Context, args []string, cfg *config.Config, st *store.Store) error {
	fs := flag.NewFlagSet("anomaly", flag.ExitOnError)
	hours := fs.Int("hours", 24, "Trailing window in hours")
	retrain := fs.Bool("retrain", true, "Retrain the model before scoring")
	threshold := fs.Float64("threshold", cfg.Anomaly.ScoreThreshold, "Score above which a bucket is anomalous")
	fs.Parse(args)

	det := anomaly.NewDetector(st,
		anomaly.WithBucket(time.Duration(cfg.Anomaly.BucketMinutes)*time.Minute),
		anomaly.WithThreshold(*threshold),
		anomaly.WithSeed(cfg.Anomaly.Seed),
		anomaly.WithTimeout(time.Duration(cfg.Anomaly.TimeoutSec)*time.Second),
	)
	report, err := det.Detect(ctx, *hours, *retrain)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func runPurge(cfg *config.Config, st *store.Store) error {
	if cfg.Store.RetentionHours == 0 {
		slog.Info("retention disabled, nothing to purge")
		return nil
	}
	cutoff := time.Now().Add(-time.Duration(cfg.Store.RetentionHours) * time.Hour)
	removed, err := st.PurgeBefore(cutoff)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"cutoff":           cutoff.UTC().Format(time.RFC3339),
		"segments_removed": removed,
	})
}

func runHistory(cfg *config.Config) error {
	ledger := history.NewStore(filepath.Join(cfg.Store.DataDir, "imports.json"))
	if err := ledger.Load(); err != nil {
		return err
	}
	return printJSON(ledger.Runs())
}

// window maps a trailing-hours flag to a [start, end) filter range. Zero
// hours means an unbounded range.
func window(hours int) (time.Time, time.Time) {
	if hours <= 0 {
		return time.Time{}, time.Time{}
	}
	end := time.Now().UTC()
	return end.Add(-time.Duration(hours) * time.Hour), end
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func fatalf(format string, args ...any) {
	slog.Error(fmt.Sprintf(format, args...))
	os.Exit(1)
}
