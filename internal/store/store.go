package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/logscope/logscope/internal/model"
)

// ErrUnavailable marks transient storage failures. The caller may retry the
// whole batch or query.
var ErrUnavailable = errors.New("log store unavailable")

// InvalidEntryError reports the entry that made a batch fail validation.
// The batch is rejected atomically; nothing is committed.
type InvalidEntryError struct {
	Entry  model.LogEntry
	Reason string
}

func (e *InvalidEntryError) Error() string {
	return fmt.Sprintf("invalid entry (%s %s, status %d): %s",
		e.Entry.Method, e.Entry.Path, e.Entry.Status, e.Reason)
}

// SegmentReaderFunc reads a segment file and returns the records matching the
// filter. Injected so this package does not depend on the storage package.
type SegmentReaderFunc func(filename string, filter model.Filter) ([]model.Record, error)

// SegmentWriterFunc writes a MemTable to a segment file.
type SegmentWriterFunc func(filename string, mt *MemTable) error

const (
	segmentSuffix = ".lseg"
	walFileName   = "wal.log"
	metaFileName  = ".logscope.meta"

	// DefaultMaxTableSize is the MemTable size at which a background flush
	// is triggered.
	DefaultMaxTableSize = 64 * 1024 * 1024
)

// meta is the small sidecar persisted at each flush so identifiers stay
// monotonic across restarts.
type meta struct {
	NextID       uint64 `json:"next_id"`
	TotalFlushed int64  `json:"total_flushed"`
}

// Store is the append-only, indexed record table: a columnar MemTable plus
// immutable compressed segments, with a WAL in front.
type Store struct {
	dataDir  string
	readerFn SegmentReaderFunc
	writerFn SegmentWriterFunc

	MaxTableSize int64

	// mu protects the active MemTable, the tables still being flushed and
	// the segment list. Queries snapshot all three under one read lock so
	// a concurrent flush can never hide or double-count committed rows.
	mu       sync.RWMutex
	mt       *MemTable
	flushing []*MemTable
	segments []string

	nextID uint64
	wal    *WAL

	// flushMu serializes segment writes and the WAL rewrite after each.
	flushMu sync.Mutex

	metaMu sync.Mutex
	meta   meta
}

// Open loads (or creates) a store under dataDir, replaying the WAL into the
// MemTable. Both segment funcs are required; storage.SegmentReader and
// storage.SegmentWriter provide the production pair.
func Open(dataDir string, readerFn SegmentReaderFunc, writerFn SegmentWriterFunc) (*Store, error) {
	if readerFn == nil || writerFn == nil {
		return nil, errors.New("store: segment reader and writer funcs are required")
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	wal, err := OpenWAL(filepath.Join(dataDir, walFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	segments, err := findSegmentFiles(dataDir)
	if err != nil {
		return nil, err
	}

	s := &Store{
		dataDir:      dataDir,
		readerFn:     readerFn,
		writerFn:     writerFn,
		MaxTableSize: DefaultMaxTableSize,
		mt:           NewMemTable(),
		segments:     segments,
		wal:          wal,
		meta:         loadMeta(dataDir),
	}
	s.nextID = s.meta.NextID
	if s.nextID == 0 {
		s.nextID = 1
	}

	recovered, err := wal.Replay()
	if err != nil {
		slog.Warn("wal replay incomplete", "error", err)
	}
	if len(recovered) > 0 {
		slog.Info("crash recovery: replaying records from wal", "count", len(recovered))
		s.mt.AppendBatch(recovered)
		if maxID := s.mt.MaxID(); maxID >= s.nextID {
			s.nextID = maxID + 1
		}
	}

	return s, nil
}

// BulkInsert validates and commits a batch atomically, returning the number
// of records inserted. Identifiers are assigned here and never reused; the
// write lock is held only for the duration of the batch, so readers are not
// blocked across a whole import.
func (s *Store) BulkInsert(entries []model.LogEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	for i := range entries {
		if err := entries[i].Validate(); err != nil {
			return 0, &InvalidEntryError{Entry: entries[i], Reason: err.Error()}
		}
	}

	s.mu.Lock()
	records := make([]model.Record, len(entries))
	for i := range entries {
		records[i] = model.Record{ID: s.nextID, LogEntry: entries[i]}
		records[i].Timestamp = records[i].Timestamp.UTC().Truncate(time.Second)
		s.nextID++
	}

	// WAL first. A failure here leaves the MemTable untouched and the batch
	// uncommitted; the gap in assigned identifiers is harmless.
	if err := s.wal.WriteBatch(records); err != nil {
		s.mu.Unlock()
		return 0, fmt.Errorf("%w: wal write: %v", ErrUnavailable, err)
	}

	s.mt.AppendBatch(records)
	needsFlush := s.mt.Size() >= s.MaxTableSize
	var old *MemTable
	if needsFlush {
		// The swapped-out table stays on the flushing list so its rows
		// remain queryable and WAL-backed until the segment write lands.
		old = s.mt
		s.flushing = append(s.flushing, old)
		s.mt = NewMemTable()
	}
	s.mu.Unlock()

	if needsFlush {
		go func() {
			if err := s.flushTable(old); err != nil {
				slog.Error("background flush failed", "error", err)
			}
		}()
	}

	return len(records), nil
}

// Query returns records matching the filter, ordered by (timestamp, id)
// ascending unless the filter requests descending order.
func (s *Store) Query(filter model.Filter) ([]model.Record, error) {
	s.mu.RLock()
	tables := make([]*MemTable, 0, len(s.flushing)+1)
	tables = append(tables, s.flushing...)
	tables = append(tables, s.mt)
	files := make([]string, len(s.segments))
	copy(files, s.segments)
	s.mu.RUnlock()

	var result []model.Record
	for _, mt := range tables {
		result = append(result, mt.Scan(filter)...)
	}

	for _, file := range files {
		// Segment pruning by the timestamps encoded in the filename.
		minTs, maxTs, perr := parseTsFromFilename(file)
		if perr == nil {
			if !filter.Start.IsZero() && maxTs < filter.Start.Unix() {
				continue
			}
			if !filter.End.IsZero() && minTs > filter.End.Unix() {
				continue
			}
		}

		rows, rerr := s.readerFn(file, filter)
		if rerr != nil {
			// Purged out from under us between snapshot and read.
			if errors.Is(rerr, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("%w: segment %s: %v", ErrUnavailable, filepath.Base(file), rerr)
		}
		result = append(result, rows...)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Timestamp.Equal(result[j].Timestamp) {
			return result[i].ID < result[j].ID
		}
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	if filter.Descending {
		for i, j := 0, len(result)-1; i < j; i, j = i+1, j-1 {
			result[i], result[j] = result[j], result[i]
		}
	}
	return result, nil
}

// Count returns the number of records currently visible.
func (s *Store) Count() (int, error) {
	rows, err := s.Query(model.Filter{})
	if err != nil {
		return 0, err
	}
	return len(rows), nil
}

// Flush writes the current MemTable to a segment and rewrites the WAL.
func (s *Store) Flush() error {
	s.mu.Lock()
	old := s.mt
	if old.Len() == 0 {
		s.mu.Unlock()
		return nil
	}
	s.mt = NewMemTable()
	s.flushing = append(s.flushing, old)
	s.mu.Unlock()

	return s.flushTable(old)
}

func (s *Store) flushTable(mt *MemTable) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	// MaxID in the name keeps two flushes covering the same second from
	// colliding: identifiers are never reused, so the name is unique.
	filename := fmt.Sprintf("seg_%d_%d_%d%s", mt.MinTimestamp(), mt.MaxTimestamp(), mt.MaxID(), segmentSuffix)
	path := filepath.Join(s.dataDir, filename)

	if err := s.writerFn(path, mt); err != nil {
		// The table stays on the flushing list: its rows remain queryable
		// and WAL-backed.
		return fmt.Errorf("%w: segment write: %v", ErrUnavailable, err)
	}

	s.metaMu.Lock()
	s.mu.RLock()
	s.meta.NextID = s.nextID
	s.mu.RUnlock()
	s.meta.TotalFlushed += int64(mt.Len())
	if err := saveMeta(s.dataDir, s.meta); err != nil {
		slog.Error("meta persist failed", "error", err)
	}
	s.metaMu.Unlock()

	// Publish the segment, retire the table and rewrite the WAL with every
	// row that is still volatile, all under one lock: batches committed
	// while this flush ran keep their WAL records, and readers see each row
	// exactly once.
	s.mu.Lock()
	s.segments = append(s.segments, path)
	for i, t := range s.flushing {
		if t == mt {
			s.flushing = append(s.flushing[:i], s.flushing[i+1:]...)
			break
		}
	}
	var live []model.Record
	for _, t := range s.flushing {
		live = append(live, t.Scan(model.Filter{})...)
	}
	live = append(live, s.mt.Scan(model.Filter{})...)
	if err := s.wal.ReplaceAll(live); err != nil {
		slog.Error("wal rewrite failed", "error", err)
	}
	s.mu.Unlock()

	slog.Info("flushed segment", "file", filename, "rows", mt.Len())
	return nil
}

// Close flushes remaining rows and releases the WAL.
func (s *Store) Close() error {
	if err := s.Flush(); err != nil {
		return err
	}
	return s.wal.Close()
}

// findSegmentFiles lists the segment files present under dataDir. Only used
// at open; afterwards the store tracks the segments it writes itself.
func findSegmentFiles(dataDir string) ([]string, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), segmentSuffix) {
			files = append(files, filepath.Join(dataDir, e.Name()))
		}
	}
	sort.Strings(files)
	return files, nil
}

// parseTsFromFilename extracts min and max unix timestamps from
// seg_{minTs}_{maxTs}_{maxID}.lseg.
func parseTsFromFilename(filename string) (int64, int64, error) {
	base := filepath.Base(filename)
	if !strings.HasPrefix(base, "seg_") || !strings.HasSuffix(base, segmentSuffix) {
		return 0, 0, fmt.Errorf("invalid segment name")
	}
	content := strings.TrimSuffix(strings.TrimPrefix(base, "seg_"), segmentSuffix)
	parts := strings.Split(content, "_")
	if len(parts) != 3 {
		return 0, 0, fmt.Errorf("invalid segment name")
	}
	minTs, err1 := strconv.ParseInt(parts[0], 10, 64)
	maxTs, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, 0, fmt.Errorf("invalid segment name")
	}
	return minTs, maxTs, nil
}

func loadMeta(dataDir string) meta {
	var m meta
	data, err := os.ReadFile(filepath.Join(dataDir, metaFileName))
	if err != nil {
		return m
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return meta{}
	}
	return m
}

// saveMeta writes the sidecar atomically (tmp file + rename).
func saveMeta(dataDir string, m meta) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(dataDir, metaFileName)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
