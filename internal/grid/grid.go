// Package grid holds the client's copy of the simulated road grid: one
// immutable snapshot per engine tick, swapped wholesale on every update.
package grid

import (
	"errors"
	"fmt"
)

// LocationState is the role a cell plays for one snapshot.
type LocationState int

const (
	Empty        LocationState = 0
	Intersection LocationState = 1
	Lane         LocationState = 2
	Parking      LocationState = 3
	Accident     LocationState = 4
	CrossWalk    LocationState = 5
)

func (s LocationState) String() string {
	switch s {
	case Empty:
		return "empty"
	case Intersection:
		return "intersection"
	case Lane:
		return "lane"
	case Parking:
		return "parking"
	case Accident:
		return "accident"
	case CrossWalk:
		return "crosswalk"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// IsRoad reports whether the cell is drawn as ordinary road.
func (s LocationState) IsRoad() bool {
	return s != Empty && s != Parking && s != Accident
}

var (
	// ErrMalformedGrid is returned for snapshots that are not a proper
	// rectangular matrix or that violate cell invariants.
	ErrMalformedGrid = errors.New("malformed grid")
	// ErrDimensionMismatch is returned when a snapshot does not match the
	// dimensions established for the current run.
	ErrDimensionMismatch = errors.New("grid dimension mismatch")
)

// EntityState is the per-vehicle data carried by a snapshot.
type EntityState struct {
	Speed       float64 `json:"speed"`
	WaitingTime float64 `json:"waitingTime"`
}

// Cell is one grid location. Occupants is keyed by vehicle id.
type Cell struct {
	State     LocationState
	Occupants map[string]EntityState
}

func (c Cell) clone() Cell {
	out := Cell{State: c.State}
	if len(c.Occupants) > 0 {
		out.Occupants = make(map[string]EntityState, len(c.Occupants))
		for id, st := range c.Occupants {
			out.Occupants[id] = st
		}
	}
	return out
}

type Dimensions struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Rows, d.Cols)
}

// Grid is an immutable snapshot. Accessors hand out copies so callers cannot
// alter a published grid.
type Grid struct {
	cells [][]Cell
	dims  Dimensions
}

// New validates rows and takes a deep copy of them.
func New(rows [][]Cell) (*Grid, error) {
	dims, err := validate(rows)
	if err != nil {
		return nil, err
	}
	cells := make([][]Cell, len(rows))
	for r, row := range rows {
		cells[r] = make([]Cell, len(row))
		for c, cell := range row {
			cells[r][c] = cell.clone()
		}
	}
	return &Grid{cells: cells, dims: dims}, nil
}

func validate(rows [][]Cell) (Dimensions, error) {
	if len(rows) == 0 {
		return Dimensions{}, fmt.Errorf("%w: no rows", ErrMalformedGrid)
	}
	cols := len(rows[0])
	if cols == 0 {
		return Dimensions{}, fmt.Errorf("%w: row 0 has no cells", ErrMalformedGrid)
	}
	for r, row := range rows {
		if len(row) != cols {
			return Dimensions{}, fmt.Errorf("%w: row %d has %d cells, expected %d", ErrMalformedGrid, r, len(row), cols)
		}
		for c, cell := range row {
			if cell.State == Empty && len(cell.Occupants) > 0 {
				return Dimensions{}, fmt.Errorf("%w: empty cell (%d,%d) holds %d occupants", ErrMalformedGrid, r, c, len(cell.Occupants))
			}
		}
	}
	return Dimensions{Rows: len(rows), Cols: cols}, nil
}

func (g *Grid) Dimensions() Dimensions {
	if g == nil {
		return Dimensions{}
	}
	return g.dims
}

// At returns a copy of the cell at (row, col).
func (g *Grid) At(row, col int) Cell {
	return g.cells[row][col].clone()
}

// Each visits every cell in row-major order. The cell passed to fn is a copy.
func (g *Grid) Each(fn func(row, col int, cell Cell)) {
	if g == nil {
		return
	}
	for r, row := range g.cells {
		for c, cell := range row {
			fn(r, c, cell.clone())
		}
	}
}

// CheckDimensions reports ErrDimensionMismatch when g does not match want.
func (g *Grid) CheckDimensions(want Dimensions) error {
	if got := g.Dimensions(); got != want {
		return fmt.Errorf("%w: got %s, established %s", ErrDimensionMismatch, got, want)
	}
	return nil
}
