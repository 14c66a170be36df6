package storage

import (
	"bytes"
	"encoding/binary"
	"hash"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/blake2b"

	"github.com/logscope/logscope/internal/store"
)

// Segment header
var MagicHeader = []byte("LSCOPE01")

// Footer layout: RowCount(4) + MinTs(8) + MaxTs(8) + MaxID(8) + Checksum(32).
const footerSize = 4 + 8 + 8 + 8 + 32

type SegmentWriter struct {
	encoder *zstd.Encoder
}

func NewSegmentWriter() (*SegmentWriter, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	return &SegmentWriter{encoder: enc}, nil
}

// WriteSegment writes a MemTable to a segment file. Everything before the
// footer is fed through a BLAKE2b-256 hash whose digest lands in the footer,
// so a corrupted segment is rejected on read instead of yielding bad rows.
func (sw *SegmentWriter) WriteSegment(filename string, mt *store.MemTable) error {
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	h, err := blake2b.New256(nil)
	if err != nil {
		return err
	}
	w := io.MultiWriter(f, h)

	if _, err := w.Write(MagicHeader); err != nil {
		return err
	}

	rowCount := uint32(len(mt.IDCol))
	var minTs, maxTs int64
	var maxID uint64
	for i, ts := range mt.TsCol {
		if i == 0 || ts < minTs {
			minTs = ts
		}
		if ts > maxTs {
			maxTs = ts
		}
		if mt.IDCol[i] > maxID {
			maxID = mt.IDCol[i]
		}
	}

	if rowCount > 0 {
		if err := sw.writeUint64Col(w, mt.IDCol); err != nil {
			return err
		}
		if err := sw.writeInt64Col(w, mt.TsCol); err != nil {
			return err
		}
		if err := sw.writeUint16Col(w, mt.StatusCol); err != nil {
			return err
		}
		if err := sw.writeFloat64Col(w, mt.RTCol); err != nil {
			return err
		}
		if err := sw.writeInt64Col(w, mt.BytesCol); err != nil {
			return err
		}
		for _, col := range [][]string{mt.ClientCol, mt.MethodCol, mt.PathCol, mt.RefCol, mt.AgentCol} {
			if err := sw.writeStringCol(w, col); err != nil {
				return err
			}
		}
	}

	return writeFooter(f, rowCount, minTs, maxTs, maxID, h)
}

func (sw *SegmentWriter) writeUint64Col(w io.Writer, data []uint64) error {
	buf := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return sw.compressAndWrite(w, buf.Bytes())
}

func (sw *SegmentWriter) writeInt64Col(w io.Writer, data []int64) error {
	buf := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, v)
	}
	return sw.compressAndWrite(w, buf.Bytes())
}

func (sw *SegmentWriter) writeUint16Col(w io.Writer, data []uint16) error {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, data)
	return sw.compressAndWrite(w, buf.Bytes())
}

func (sw *SegmentWriter) writeFloat64Col(w io.Writer, data []float64) error {
	buf := new(bytes.Buffer)
	for _, v := range data {
		binary.Write(buf, binary.LittleEndian, math.Float64bits(v))
	}
	return sw.compressAndWrite(w, buf.Bytes())
}

func (sw *SegmentWriter) writeStringCol(w io.Writer, data []string) error {
	buf := new(bytes.Buffer)
	// Serialize: [Len uint32][Bytes]...
	for _, s := range data {
		binary.Write(buf, binary.LittleEndian, uint32(len(s)))
		buf.WriteString(s)
	}
	return sw.compressAndWrite(w, buf.Bytes())
}

func (sw *SegmentWriter) compressAndWrite(w io.Writer, raw []byte) error {
	compressed := sw.encoder.EncodeAll(raw, make([]byte, 0, len(raw)))

	size := uint32(len(compressed))
	if err := binary.Write(w, binary.LittleEndian, size); err != nil {
		return err
	}
	_, err := w.Write(compressed)
	return err
}

func writeFooter(f *os.File, rowCount uint32, minTs, maxTs int64, maxID uint64, h hash.Hash) error {
	if err := binary.Write(f, binary.LittleEndian, rowCount); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, minTs); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, maxTs); err != nil {
		return err
	}
	if err := binary.Write(f, binary.LittleEndian, maxID); err != nil {
		return err
	}
	_, err := f.Write(h.Sum(nil))
	return err
}
