// Package render turns a grid snapshot into a drawable frame. Rendering is a
// pure function of its inputs.
package render

import (
	"sort"

	"lanesim/internal/grid"
)

// Options controls what a frame includes. It is independent of the session
// and may change between any two renders.
type Options struct {
	ShowEntityDetails bool `json:"showEntityDetails"`
}

// CellKind is the drawing style of a cell.
type CellKind string

const (
	KindBlank    CellKind = "blank"
	KindRoad     CellKind = "road"
	KindParking  CellKind = "parking"
	KindAccident CellKind = "accident"
)

// Details carries the numeric occupant fields shown when requested.
type Details struct {
	Speed       float64 `json:"speed"`
	WaitingTime float64 `json:"waitingTime"`
}

// Vehicle is one drawn occupant.
type Vehicle struct {
	ID      string   `json:"id"`
	Hazard  bool     `json:"hazard,omitempty"`
	Parked  bool     `json:"parked,omitempty"`
	Details *Details `json:"details,omitempty"`
}

type CellView struct {
	Kind     CellKind  `json:"kind"`
	State    int       `json:"state"`
	Vehicles []Vehicle `json:"vehicles"`
}

// Frame is the drawable representation of one grid.
type Frame struct {
	Rows [][]CellView `json:"rows"`
}

// Empty reports whether the frame has nothing to draw.
func (f Frame) Empty() bool {
	return len(f.Rows) == 0
}

// Render maps g to a frame. A nil grid renders as an empty frame.
func Render(g *grid.Grid, opts Options) Frame {
	frame := Frame{Rows: make([][]CellView, 0)}
	if g == nil {
		return frame
	}
	dims := g.Dimensions()
	frame.Rows = make([][]CellView, dims.Rows)
	for r := range frame.Rows {
		frame.Rows[r] = make([]CellView, dims.Cols)
	}
	g.Each(func(row, col int, cell grid.Cell) {
		frame.Rows[row][col] = renderCell(cell, opts)
	})
	return frame
}

func renderCell(cell grid.Cell, opts Options) CellView {
	view := CellView{State: int(cell.State), Vehicles: make([]Vehicle, 0, len(cell.Occupants))}
	switch cell.State {
	case grid.Empty:
		view.Kind = KindBlank
		return view
	case grid.Parking:
		view.Kind = KindParking
	case grid.Accident:
		view.Kind = KindAccident
	default:
		view.Kind = KindRoad
	}

	ids := make([]string, 0, len(cell.Occupants))
	for id := range cell.Occupants {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		vehicle := Vehicle{
			ID:     id,
			Hazard: view.Kind == KindAccident,
			Parked: view.Kind == KindParking,
		}
		if opts.ShowEntityDetails {
			st := cell.Occupants[id]
			vehicle.Details = &Details{Speed: st.Speed, WaitingTime: st.WaitingTime}
		}
		view.Vehicles = append(view.Vehicles, vehicle)
	}
	return view
}
