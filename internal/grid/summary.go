package grid

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Summary aggregates one snapshot for status displays.
type Summary struct {
	Dimensions      Dimensions `json:"dimensions"`
	Vehicles        int        `json:"vehicles"`
	Parked          int        `json:"parked"`
	InAccidents     int        `json:"inAccidents"`
	AccidentCells   int        `json:"accidentCells"`
	MeanSpeed       float64    `json:"meanSpeed"`
	MeanWaitingTime float64    `json:"meanWaitingTime"`
	MaxWaitingTime  float64    `json:"maxWaitingTime"`
}

// Summarize computes occupancy counts and speed/waiting statistics. A nil or
// vehicle-free grid yields zero statistics.
func Summarize(g *Grid) Summary {
	summary := Summary{Dimensions: g.Dimensions()}
	if g == nil {
		return summary
	}
	var speeds, waits []float64
	for _, row := range g.cells {
		for _, cell := range row {
			if cell.State == Accident {
				summary.AccidentCells++
			}
			for _, st := range cell.Occupants {
				summary.Vehicles++
				switch cell.State {
				case Parking:
					summary.Parked++
				case Accident:
					summary.InAccidents++
				}
				speeds = append(speeds, st.Speed)
				waits = append(waits, st.WaitingTime)
			}
		}
	}
	if len(speeds) == 0 {
		return summary
	}
	summary.MeanSpeed = stat.Mean(speeds, nil)
	summary.MeanWaitingTime = stat.Mean(waits, nil)
	summary.MaxWaitingTime = floats.Max(waits)
	return summary
}
