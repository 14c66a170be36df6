// Package storetest provides an in-memory segment codec for tests that need
// a working Store without pulling in the real storage package.
package storetest

import (
	"os"
	"sync"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

// Segments keeps flushed rows in memory, keyed by segment filename. Write
// still touches the file on disk so purges have something to delete.
type Segments struct {
	mu   sync.Mutex
	data map[string][]model.Record
}

func New() *Segments {
	return &Segments{data: make(map[string][]model.Record)}
}

// Write satisfies store.SegmentWriterFunc.
func (s *Segments) Write(filename string, mt *store.MemTable) error {
	rows := mt.Scan(model.Filter{})
	s.mu.Lock()
	s.data[filename] = rows
	s.mu.Unlock()
	return os.WriteFile(filename, nil, 0644)
}

// Read satisfies store.SegmentReaderFunc.
func (s *Segments) Read(filename string, filter model.Filter) ([]model.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.Record
	for _, r := range s.data[filename] {
		r := r
		if filter.Match(&r) {
			out = append(out, r)
		}
	}
	return out, nil
}

// Len reports how many segments have been written.
func (s *Segments) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

var (
	_ store.SegmentReaderFunc = (*Segments)(nil).Read
	_ store.SegmentWriterFunc = (*Segments)(nil).Write
)
