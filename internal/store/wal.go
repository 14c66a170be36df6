package store

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/logscope/logscope/internal/model"
)

// WAL guards the MemTable against crashes: every committed batch is appended
// here before it becomes visible, and replayed on open.
type WAL struct {
	file *os.File
	path string
	mu   sync.Mutex
}

// OpenWAL opens or creates a WAL file at the given path.
func OpenWAL(path string) (*WAL, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, err
	}
	return &WAL{file: f, path: path}, nil
}

// WriteBatch appends a whole batch as one write. The batch is serialized to a
// buffer first so a failure leaves no partial records behind.
func (w *WAL) WriteBatch(records []model.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, err := encodeRecords(records)
	if err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	return w.file.Sync()
}

// ReplaceAll rewrites the WAL to hold exactly the given records. Called after
// a segment flush: rows now durable in the segment leave the WAL, rows that
// are still only in memory stay replayable.
func (w *WAL) ReplaceAll(records []model.Record) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	buf, err := encodeRecords(records)
	if err != nil {
		return err
	}
	if err := w.file.Truncate(0); err != nil {
		return err
	}
	if _, err := w.file.Seek(0, 0); err != nil {
		return err
	}
	if _, err := w.file.Write(buf); err != nil {
		return err
	}
	return w.file.Sync()
}

// encodeRecords serializes a batch to one buffer so a partial write never
// leaves a truncated record behind. Format: [Len uint32][JSON bytes] repeated.
func encodeRecords(records []model.Record) ([]byte, error) {
	buf := new(bytes.Buffer)
	for i := range records {
		data, err := json.Marshal(&records[i])
		if err != nil {
			return nil, err
		}
		var lenBuf [4]byte
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
		buf.Write(lenBuf[:])
		buf.Write(data)
	}
	return buf.Bytes(), nil
}

// Close closes the WAL file.
func (w *WAL) Close() error {
	return w.file.Close()
}

// Replay reads the WAL and returns every record it holds.
func (w *WAL) Replay() ([]model.Record, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.file.Seek(0, 0); err != nil {
		return nil, err
	}

	var records []model.Record
	for {
		var lenBuf [4]byte
		_, err := io.ReadFull(w.file, lenBuf[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return records, fmt.Errorf("wal replay (len): %w", err)
		}

		length := binary.LittleEndian.Uint32(lenBuf[:])
		data := make([]byte, length)
		if _, err := io.ReadFull(w.file, data); err != nil {
			return records, fmt.Errorf("wal replay (data): %w", err)
		}

		var rec model.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			return records, fmt.Errorf("wal replay (unmarshal): %w", err)
		}
		records = append(records, rec)
	}

	// Leave the offset at the end so subsequent appends go after the
	// replayed records.
	if _, err := w.file.Seek(0, io.SeekEnd); err != nil {
		return records, err
	}
	return records, nil
}
