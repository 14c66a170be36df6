package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/logscope/logscope/internal/model"
	"github.com/logscope/logscope/internal/store"
)

var (
	ErrInvalidHeader = errors.New("invalid segment header")
	ErrChecksum      = errors.New("segment checksum mismatch")
)

type SegmentReader struct {
	decoder *zstd.Decoder
}

func NewSegmentReader() (*SegmentReader, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &SegmentReader{decoder: dec}, nil
}

// ReadSegment reads a segment file and returns the records matching the
// filter. The whole file is pruned up front when the footer's min/max
// timestamps fall outside the filter's range.
func (sr *SegmentReader) ReadSegment(filename string, filter model.Filter) ([]model.Record, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	if info.Size() < int64(len(MagicHeader)+footerSize) {
		return nil, fmt.Errorf("segment too small: %d bytes", info.Size())
	}

	footer := make([]byte, footerSize)
	if _, err := f.ReadAt(footer, info.Size()-footerSize); err != nil {
		return nil, err
	}

	rowCount := int(binary.LittleEndian.Uint32(footer[0:4]))
	minTs := int64(binary.LittleEndian.Uint64(footer[4:12]))
	maxTs := int64(binary.LittleEndian.Uint64(footer[12:20]))
	wantSum := footer[28:60]

	if rowCount == 0 {
		return nil, nil
	}
	if !filter.Start.IsZero() && maxTs < filter.Start.Unix() {
		return nil, nil
	}
	if !filter.End.IsZero() && minTs > filter.End.Unix() {
		return nil, nil
	}

	// Read header + column blocks while hashing, then verify the footer
	// checksum before trusting any decoded value.
	body := make([]byte, info.Size()-footerSize)
	if _, err := io.ReadFull(f, body); err != nil {
		return nil, err
	}
	h, err := blake2b.New256(nil)
	if err != nil {
		return nil, err
	}
	h.Write(body)
	if !bytes.Equal(h.Sum(nil), wantSum) {
		return nil, ErrChecksum
	}

	if !bytes.Equal(body[:len(MagicHeader)], MagicHeader) {
		return nil, ErrInvalidHeader
	}

	r := bytes.NewReader(body[len(MagicHeader):])

	ids, err := sr.readUint64Col(r, rowCount)
	if err != nil {
		return nil, err
	}
	ts, err := sr.readInt64Col(r, rowCount)
	if err != nil {
		return nil, err
	}
	statuses, err := sr.readUint16Col(r, rowCount)
	if err != nil {
		return nil, err
	}
	respTimes, err := sr.readFloat64Col(r, rowCount)
	if err != nil {
		return nil, err
	}
	byteCounts, err := sr.readInt64Col(r, rowCount)
	if err != nil {
		return nil, err
	}

	stringCols := make([][]string, 5)
	for i := range stringCols {
		col, err := sr.readStringCol(r, rowCount)
		if err != nil {
			return nil, err
		}
		stringCols[i] = col
	}
	clients, methods, paths, referrers, agents := stringCols[0], stringCols[1], stringCols[2], stringCols[3], stringCols[4]

	var rows []model.Record
	for i := 0; i < rowCount; i++ {
		rec := model.Record{
			ID: ids[i],
			LogEntry: model.LogEntry{
				Client:       clients[i],
				Timestamp:    time.Unix(ts[i], 0).UTC(),
				Method:       methods[i],
				Path:         paths[i],
				Status:       int(statuses[i]),
				ResponseTime: respTimes[i],
				Referrer:     referrers[i],
				Agent:        agents[i],
				Bytes:        byteCounts[i],
			},
		}
		if filter.Match(&rec) {
			rows = append(rows, rec)
		}
	}
	return rows, nil
}

// readAndDecompress reads one [size uint32][zstd bytes] block.
func (sr *SegmentReader) readAndDecompress(r io.Reader) ([]byte, error) {
	var size uint32
	if err := binary.Read(r, binary.LittleEndian, &size); err != nil {
		return nil, err
	}
	compressed := make([]byte, size)
	if _, err := io.ReadFull(r, compressed); err != nil {
		return nil, err
	}
	return sr.decoder.DecodeAll(compressed, nil)
}

func (sr *SegmentReader) readUint64Col(r io.Reader, rows int) ([]uint64, error) {
	data, err := sr.readAndDecompress(r)
	if err != nil {
		return nil, err
	}
	if len(data) != rows*8 {
		return nil, fmt.Errorf("uint64 column length mismatch")
	}
	out := make([]uint64, rows)
	for i := range out {
		out[i] = binary.LittleEndian.Uint64(data[i*8:])
	}
	return out, nil
}

func (sr *SegmentReader) readInt64Col(r io.Reader, rows int) ([]int64, error) {
	raw, err := sr.readUint64Col(r, rows)
	if err != nil {
		return nil, err
	}
	out := make([]int64, rows)
	for i, v := range raw {
		out[i] = int64(v)
	}
	return out, nil
}

func (sr *SegmentReader) readUint16Col(r io.Reader, rows int) ([]uint16, error) {
	data, err := sr.readAndDecompress(r)
	if err != nil {
		return nil, err
	}
	if len(data) != rows*2 {
		return nil, fmt.Errorf("uint16 column length mismatch")
	}
	out := make([]uint16, rows)
	for i := range out {
		out[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return out, nil
}

func (sr *SegmentReader) readFloat64Col(r io.Reader, rows int) ([]float64, error) {
	raw, err := sr.readUint64Col(r, rows)
	if err != nil {
		return nil, err
	}
	out := make([]float64, rows)
	for i, v := range raw {
		out[i] = math.Float64frombits(v)
	}
	return out, nil
}

func (sr *SegmentReader) readStringCol(r io.Reader, rows int) ([]string, error) {
	data, err := sr.readAndDecompress(r)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, rows)
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		var length uint32
		if err := binary.Read(buf, binary.LittleEndian, &length); err != nil {
			return nil, err
		}
		strBytes := make([]byte, length)
		if _, err := io.ReadFull(buf, strBytes); err != nil {
			return nil, err
		}
		out = append(out, string(strBytes))
	}
	if len(out) != rows {
		return nil, fmt.Errorf("string column length mismatch")
	}
	return out, nil
}

// Ensure the func signatures line up with the store's injection points.
var (
	_ store.SegmentWriterFunc = (*SegmentWriter)(nil).WriteSegment
	_ store.SegmentReaderFunc = (*SegmentReader)(nil).ReadSegment
)
