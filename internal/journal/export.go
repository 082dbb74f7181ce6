package journal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"go.dedis.ch/protobuf"

	"lanesim/internal/grid"
)

// maxRecordSize bounds a single export record when reading.
const maxRecordSize = 64 << 20

// FrameRecord is the protobuf form of a journal frame.
type FrameRecord struct {
	Run        string
	Sequence   uint64
	RecordedAt int64
	Rows       int64
	Cols       int64
	Cells      []CellRecord
}

// CellRecord is one grid location in row-major order.
type CellRecord struct {
	State int64
	Cars  []CarRecord
}

type CarRecord struct {
	ID          string
	Speed       float64
	WaitingTime float64
}

// NewFrameRecord flattens frame into its export form. Vehicles are ordered by
// id so exports are stable.
func NewFrameRecord(frame Frame) FrameRecord {
	dims := frame.Grid.Dimensions()
	record := FrameRecord{
		Run:        frame.Run,
		Sequence:   frame.Sequence,
		RecordedAt: frame.RecordedAt.UnixNano(),
		Rows:       int64(dims.Rows),
		Cols:       int64(dims.Cols),
		Cells:      make([]CellRecord, 0, dims.Rows*dims.Cols),
	}
	frame.Grid.Each(func(_, _ int, cell grid.Cell) {
		out := CellRecord{State: int64(cell.State)}
		ids := make([]string, 0, len(cell.Occupants))
		for id := range cell.Occupants {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			st := cell.Occupants[id]
			out.Cars = append(out.Cars, CarRecord{ID: id, Speed: st.Speed, WaitingTime: st.WaitingTime})
		}
		record.Cells = append(record.Cells, out)
	})
	return record
}

// Time reports when the frame was recorded.
func (r FrameRecord) Time() time.Time {
	return time.Unix(0, r.RecordedAt)
}

// Grid rebuilds the snapshot carried by the record.
func (r FrameRecord) Grid() (*grid.Grid, error) {
	if r.Rows <= 0 || r.Cols <= 0 || int64(len(r.Cells)) != r.Rows*r.Cols {
		return nil, fmt.Errorf("%w: record holds %d cells for %dx%d", grid.ErrMalformedGrid, len(r.Cells), r.Rows, r.Cols)
	}
	rows := make([][]grid.Cell, r.Rows)
	for i := range rows {
		rows[i] = make([]grid.Cell, r.Cols)
		for j := range rows[i] {
			src := r.Cells[int64(i)*r.Cols+int64(j)]
			cell := grid.Cell{State: grid.LocationState(src.State)}
			if len(src.Cars) > 0 {
				cell.Occupants = make(map[string]grid.EntityState, len(src.Cars))
				for _, car := range src.Cars {
					cell.Occupants[car.ID] = grid.EntityState{Speed: car.Speed, WaitingTime: car.WaitingTime}
				}
			}
			rows[i][j] = cell
		}
	}
	return grid.New(rows)
}

// Export writes every retained frame as a uvarint length followed by the
// protobuf encoded FrameRecord. It returns the number of frames written.
func (j *Journal) Export(w io.Writer) (int, error) {
	frames := j.Frames()
	bw := bufio.NewWriter(w)
	var prefix [binary.MaxVarintLen64]byte
	for i, frame := range frames {
		record := NewFrameRecord(frame)
		payload, err := protobuf.Encode(&record)
		if err != nil {
			return i, fmt.Errorf("encode frame %d: %w", frame.Sequence, err)
		}
		n := binary.PutUvarint(prefix[:], uint64(len(payload)))
		if _, err := bw.Write(prefix[:n]); err != nil {
			return i, err
		}
		if _, err := bw.Write(payload); err != nil {
			return i, err
		}
	}
	if err := bw.Flush(); err != nil {
		return len(frames), err
	}
	return len(frames), nil
}

// ReadExport decodes a stream produced by Export.
func ReadExport(r io.Reader) ([]FrameRecord, error) {
	br := bufio.NewReader(r)
	var records []FrameRecord
	for {
		size, err := binary.ReadUvarint(br)
		if errors.Is(err, io.EOF) {
			return records, nil
		}
		if err != nil {
			return records, fmt.Errorf("read record length: %w", err)
		}
		if size > maxRecordSize {
			return records, fmt.Errorf("record of %d bytes exceeds limit", size)
		}
		payload := make([]byte, size)
		if _, err := io.ReadFull(br, payload); err != nil {
			return records, fmt.Errorf("read record: %w", err)
		}
		var record FrameRecord
		if err := protobuf.Decode(payload, &record); err != nil {
			return records, fmt.Errorf("decode record: %w", err)
		}
		records = append(records, record)
	}
}
