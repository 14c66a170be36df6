package store

import (
	"sync"
	"time"

	"github.com/logscope/logscope/internal/model"
)

// MemTable holds the not-yet-flushed tail of the record table in columnar
// form, plus the secondary indexes the query path relies on.
// Columns are exported for access by the storage package.
type MemTable struct {
	mu sync.RWMutex

	// Exported columns
	IDCol     []uint64
	TsCol     []int64 // unix seconds, UTC
	ClientCol []string
	MethodCol []string
	PathCol   []string
	StatusCol []uint16
	RTCol     []float64 // response time ms, negative = unset
	RefCol    []string
	AgentCol  []string
	BytesCol  []int64

	// Secondary indexes: row positions per client and per hour bucket.
	// Kept in sync with the columns; queries on (client, timestamp) or
	// (timestamp, status) use these instead of scanning every row.
	byClient map[string][]int
	byHour   map[int64][]int

	sizeBytes int64
}

// NewMemTable initializes a MemTable with pre-allocated capacity.
func NewMemTable() *MemTable {
	cap := 4096
	return &MemTable{
		IDCol:     make([]uint64, 0, cap),
		TsCol:     make([]int64, 0, cap),
		ClientCol: make([]string, 0, cap),
		MethodCol: make([]string, 0, cap),
		PathCol:   make([]string, 0, cap),
		StatusCol: make([]uint16, 0, cap),
		RTCol:     make([]float64, 0, cap),
		RefCol:    make([]string, 0, cap),
		AgentCol:  make([]string, 0, cap),
		BytesCol:  make([]int64, 0, cap),
		byClient:  make(map[string][]int),
		byHour:    make(map[int64][]int),
	}
}

// AppendBatch adds a validated batch under one write lock. Appending cannot
// fail partway, so batch atomicity holds as long as validation and the WAL
// write happened first.
func (mt *MemTable) AppendBatch(records []model.Record) {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	for i := range records {
		r := &records[i]
		row := len(mt.IDCol)

		mt.IDCol = append(mt.IDCol, r.ID)
		mt.TsCol = append(mt.TsCol, r.Timestamp.Unix())
		mt.ClientCol = append(mt.ClientCol, r.Client)
		mt.MethodCol = append(mt.MethodCol, r.Method)
		mt.PathCol = append(mt.PathCol, r.Path)
		mt.StatusCol = append(mt.StatusCol, uint16(r.Status))
		mt.RTCol = append(mt.RTCol, r.ResponseTime)
		mt.RefCol = append(mt.RefCol, r.Referrer)
		mt.AgentCol = append(mt.AgentCol, r.Agent)
		mt.BytesCol = append(mt.BytesCol, r.Bytes)

		mt.byClient[r.Client] = append(mt.byClient[r.Client], row)
		hour := r.Timestamp.Unix() / 3600
		mt.byHour[hour] = append(mt.byHour[hour], row)

		mt.sizeBytes += int64(len(r.Client) + len(r.Method) + len(r.Path) +
			len(r.Referrer) + len(r.Agent) + 8 + 8 + 2 + 8 + 8)
	}
}

// Len returns the number of rows.
func (mt *MemTable) Len() int {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return len(mt.IDCol)
}

// Size returns the estimated memory usage in bytes.
func (mt *MemTable) Size() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()
	return mt.sizeBytes
}

// MinTimestamp returns the smallest timestamp, 0 when empty.
func (mt *MemTable) MinTimestamp() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var min int64
	for i, ts := range mt.TsCol {
		if i == 0 || ts < min {
			min = ts
		}
	}
	return min
}

// MaxTimestamp returns the largest timestamp, 0 when empty.
func (mt *MemTable) MaxTimestamp() int64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var max int64
	for _, ts := range mt.TsCol {
		if ts > max {
			max = ts
		}
	}
	return max
}

// MaxID returns the largest record identifier, 0 when empty.
func (mt *MemTable) MaxID() uint64 {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var max uint64
	for _, id := range mt.IDCol {
		if id > max {
			max = id
		}
	}
	return max
}

// Scan returns the rows matching the filter. When the filter carries a client
// or a time range, the matching secondary index narrows the candidate rows.
func (mt *MemTable) Scan(filter model.Filter) []model.Record {
	mt.mu.RLock()
	defer mt.mu.RUnlock()

	var result []model.Record
	for _, row := range mt.candidateRows(filter) {
		rec := mt.record(row)
		if filter.Match(&rec) {
			result = append(result, rec)
		}
	}
	return result
}

// candidateRows picks the cheapest index for the filter. Returned row
// positions may contain false positives; callers re-check with Filter.Match.
func (mt *MemTable) candidateRows(filter model.Filter) []int {
	if filter.Client != "" {
		return mt.byClient[filter.Client]
	}

	if !filter.Start.IsZero() || !filter.End.IsZero() {
		startHour := int64(0)
		if !filter.Start.IsZero() {
			startHour = filter.Start.Unix() / 3600
		}
		endHour := int64(1<<62 - 1)
		if !filter.End.IsZero() {
			endHour = filter.End.Unix() / 3600
		}

		// Walk the populated buckets rather than the hour range so sparse
		// data over a wide window stays cheap.
		var rows []int
		for hour, bucket := range mt.byHour {
			if hour < startHour || hour > endHour {
				continue
			}
			rows = append(rows, bucket...)
		}
		return rows
	}

	rows := make([]int, len(mt.IDCol))
	for i := range rows {
		rows[i] = i
	}
	return rows
}

func (mt *MemTable) record(row int) model.Record {
	return model.Record{
		ID: mt.IDCol[row],
		LogEntry: model.LogEntry{
			Client:       mt.ClientCol[row],
			Timestamp:    time.Unix(mt.TsCol[row], 0).UTC(),
			Method:       mt.MethodCol[row],
			Path:         mt.PathCol[row],
			Status:       int(mt.StatusCol[row]),
			ResponseTime: mt.RTCol[row],
			Referrer:     mt.RefCol[row],
			Agent:        mt.AgentCol[row],
			Bytes:        mt.BytesCol[row],
		},
	}
}

// PurgeBefore drops rows older than the cutoff and rebuilds the indexes.
// Used by retention; index consistency is restored before the lock releases.
func (mt *MemTable) PurgeBefore(cutoff int64) int {
	mt.mu.Lock()
	defer mt.mu.Unlock()

	kept := 0
	removed := 0
	for i := range mt.IDCol {
		if mt.TsCol[i] < cutoff {
			removed++
			continue
		}
		mt.IDCol[kept] = mt.IDCol[i]
		mt.TsCol[kept] = mt.TsCol[i]
		mt.ClientCol[kept] = mt.ClientCol[i]
		mt.MethodCol[kept] = mt.MethodCol[i]
		mt.PathCol[kept] = mt.PathCol[i]
		mt.StatusCol[kept] = mt.StatusCol[i]
		mt.RTCol[kept] = mt.RTCol[i]
		mt.RefCol[kept] = mt.RefCol[i]
		mt.AgentCol[kept] = mt.AgentCol[i]
		mt.BytesCol[kept] = mt.BytesCol[i]
		kept++
	}
	if removed == 0 {
		return 0
	}

	mt.IDCol = mt.IDCol[:kept]
	mt.TsCol = mt.TsCol[:kept]
	mt.ClientCol = mt.ClientCol[:kept]
	mt.MethodCol = mt.MethodCol[:kept]
	mt.PathCol = mt.PathCol[:kept]
	mt.StatusCol = mt.StatusCol[:kept]
	mt.RTCol = mt.RTCol[:kept]
	mt.AgentCol = mt.AgentCol[:kept]
	mt.RefCol = mt.RefCol[:kept]
	mt.BytesCol = mt.BytesCol[:kept]

	mt.rebuildIndexes()
	mt.recalcSize()
	return removed
}

func (mt *MemTable) rebuildIndexes() {
	mt.byClient = make(map[string][]int)
	mt.byHour = make(map[int64][]int)
	for i := range mt.IDCol {
		mt.byClient[mt.ClientCol[i]] = append(mt.byClient[mt.ClientCol[i]], i)
		hour := mt.TsCol[i] / 3600
		mt.byHour[hour] = append(mt.byHour[hour], i)
	}
}

func (mt *MemTable) recalcSize() {
	var size int64
	for i := range mt.IDCol {
		size += int64(len(mt.ClientCol[i]) + len(mt.MethodCol[i]) + len(mt.PathCol[i]) +
			len(mt.RefCol[i]) + len(mt.AgentCol[i]) + 8 + 8 + 2 + 8 + 8)
	}
	mt.sizeBytes = size
}
