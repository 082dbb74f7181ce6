package grid

import (
	"encoding/json"
	"fmt"
)

// wireSnapshot is the engine's simulationUpdate payload.
type wireSnapshot struct {
	Locations [][]wireCell `json:"locations"`
}

type wireCell struct {
	Cars  map[string]wireCar `json:"cars"`
	State int                `json:"state"`
}

// wireCar keys match the engine's exported Go field names.
type wireCar struct {
	Speed       float64 `json:"Speed"`
	WaitingTime float64 `json:"WaitingTime"`
}

// DecodeSnapshot parses a simulationUpdate payload into a validated Grid.
func DecodeSnapshot(data []byte) (*Grid, error) {
	var wire wireSnapshot
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedGrid, err)
	}
	rows := make([][]Cell, len(wire.Locations))
	for r, wireRow := range wire.Locations {
		rows[r] = make([]Cell, len(wireRow))
		for c, wc := range wireRow {
			cell := Cell{State: LocationState(wc.State)}
			if len(wc.Cars) > 0 {
				cell.Occupants = make(map[string]EntityState, len(wc.Cars))
				for id, car := range wc.Cars {
					cell.Occupants[id] = EntityState{Speed: car.Speed, WaitingTime: car.WaitingTime}
				}
			}
			rows[r][c] = cell
		}
	}
	return New(rows)
}

// EncodeSnapshot renders g in the engine's wire layout.
func EncodeSnapshot(g *Grid) ([]byte, error) {
	wire := wireSnapshot{Locations: make([][]wireCell, 0)}
	if g != nil {
		wire.Locations = make([][]wireCell, len(g.cells))
		for r, row := range g.cells {
			wire.Locations[r] = make([]wireCell, len(row))
			for c, cell := range row {
				cars := make(map[string]wireCar, len(cell.Occupants))
				for id, st := range cell.Occupants {
					cars[id] = wireCar{Speed: st.Speed, WaitingTime: st.WaitingTime}
				}
				wire.Locations[r][c] = wireCell{Cars: cars, State: int(cell.State)}
			}
		}
	}
	return json.Marshal(wire)
}
