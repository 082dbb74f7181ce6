// Package simconfig describes the parameter set submitted to the simulation
// engine when a run starts, together with the collector that builds it from
// operator input.
package simconfig

import (
	"errors"
	"fmt"
	"math"
)

// LaneChoice selects how the engine picks a lane for arriving, departing or
// switching vehicles.
type LaneChoice int

const (
	UniformChoice      LaneChoice = 0
	TrafficBasedChoice LaneChoice = 1
)

func (c LaneChoice) Valid() bool {
	return c == UniformChoice || c == TrafficBasedChoice
}

func (c LaneChoice) String() string {
	switch c {
	case UniformChoice:
		return "uniform"
	case TrafficBasedChoice:
		return "traffic"
	default:
		return fmt.Sprintf("LaneChoice(%d)", int(c))
	}
}

// DistributionType selects the distribution vehicle speeds are sampled from.
type DistributionType int

const (
	Exponential DistributionType = 0
	Normal      DistributionType = 1
	Poisson     DistributionType = 2
	Constant    DistributionType = 3
	Uniform     DistributionType = 4
)

func (d DistributionType) Valid() bool {
	return d >= Exponential && d <= Uniform
}

func (d DistributionType) String() string {
	switch d {
	case Exponential:
		return "exponential"
	case Normal:
		return "normal"
	case Poisson:
		return "poisson"
	case Constant:
		return "constant"
	case Uniform:
		return "uniform"
	default:
		return fmt.Sprintf("DistributionType(%d)", int(d))
	}
}

// Config is the flat parameter set forwarded to the engine. JSON names match
// the engine's expected keys.
type Config struct {
	// Geometry.
	SizeOfLane         int `json:"sizeOfLane" jsonschema:"minimum=1,default=10"`
	NumHorizontalLanes int `json:"numHorizontalLanes" jsonschema:"minimum=1,default=1"`
	NumVerticalLanes   int `json:"numVerticalLanes" jsonschema:"minimum=1,default=1"`

	// Arrival and departure.
	InAlpha           float64    `json:"inAlpha" jsonschema:"default=1"`
	OutBeta           float64    `json:"outBeta" jsonschema:"default=1"`
	NumHorizontalCars int        `json:"numHorizontalCars" jsonschema:"minimum=0,default=10"`
	NumVerticalCars   int        `json:"numVerticalCars" jsonschema:"minimum=0,default=10"`
	InLaneChoice      LaneChoice `json:"inLaneChoice" jsonschema:"enum=0,enum=1,default=0"`
	OutLaneChoice     LaneChoice `json:"outLaneChoice" jsonschema:"enum=0,enum=1,default=0"`

	// Movement.
	CarMovementP            float64          `json:"carMovementP" jsonschema:"minimum=0,maximum=1,default=0.5"`
	ProbSwitchingLanes      float64          `json:"probSwitchingLanes" jsonschema:"minimum=0,maximum=1,default=0"`
	LaneSwitchChoice        LaneChoice       `json:"laneSwitchChoice" jsonschema:"enum=0,enum=1,default=0"`
	CarClock                float64          `json:"carClock" jsonschema:"default=1"`
	CarSpeedUniformEndRange float64          `json:"carSpeedUniformEndRange" jsonschema:"default=0"`
	CarDistributionType     DistributionType `json:"CarDistributionType" jsonschema:"enum=0,enum=1,enum=2,enum=3,enum=4,default=3"`
	ReSampleSpeedEveryClk   bool             `json:"reSampleSpeedEveryClk"`

	// Safety and disruption.
	AccidentProb           float64 `json:"accidentProb" jsonschema:"minimum=0,maximum=1,default=0"`
	CarRemovalRate         float64 `json:"carRemovalRate" jsonschema:"default=0"`
	CarRestartProb         float64 `json:"carRestartProb" jsonschema:"minimum=0,maximum=1,default=0"`
	ProbPolicePullOverProb float64 `json:"probPolicePullOverProb" jsonschema:"minimum=0,maximum=1,default=0"`
	SpeedBasedPullOver     bool    `json:"speedBasedPullOver"`
	DistractionRate        float64 `json:"distractionRate" jsonschema:"default=0"`

	// Parking and crosswalks.
	ParkingEnabled              bool    `json:"parkingEnabled"`
	ParkingTimeRate             float64 `json:"parkingTimeRate" jsonschema:"default=1"`
	CrossWalkCutoff             int     `json:"crossWalkCutoff" jsonschema:"minimum=0,default=2"`
	CrossWalkEnabled            bool    `json:"crossWalkEnabled"`
	PedestrianDeathAccidentProb float64 `json:"pedestrianDeathAccidentProb" jsonschema:"minimum=0,maximum=1,default=0"`
	ProbEnteringIntersection    float64 `json:"probEnteringIntersection" jsonschema:"minimum=0,maximum=1,default=1"`
	IntersectionAccidentProb    float64 `json:"intersectionAccidentProb" jsonschema:"minimum=0,maximum=1,default=0"`
	AccidentScaling             bool    `json:"accidentScaling"`
	SlowDownSpeed               float64 `json:"slowDownSpeed" jsonschema:"default=0"`

	// Numerical hygiene.
	RemoveUnlikelyEvents bool    `json:"removeUnlikelyEvents"`
	UnlikelyCutoff       float64 `json:"unlikelyCutoff" jsonschema:"minimum=0,maximum=1,default=0"`
}

// Defaults mirrors the engine's own defaults so an empty form produces the
// same run the engine would start on its own.
func Defaults() Config {
	return Config{
		SizeOfLane:               10,
		NumHorizontalLanes:       1,
		NumVerticalLanes:         1,
		InAlpha:                  1,
		OutBeta:                  1,
		NumHorizontalCars:        10,
		NumVerticalCars:          10,
		InLaneChoice:             UniformChoice,
		OutLaneChoice:            UniformChoice,
		CarMovementP:             0.5,
		LaneSwitchChoice:         UniformChoice,
		CarClock:                 1,
		CarDistributionType:      Constant,
		ParkingTimeRate:          1,
		CrossWalkCutoff:          2,
		ProbEnteringIntersection: 1,
	}
}

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid simulation config")

// FieldError reports a single rejected parameter.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *FieldError) Unwrap() error {
	return ErrInvalidConfig
}

// Validate checks geometry, enum and probability ranges and reports every
// offending field at once.
func (c Config) Validate() error {
	var errs []error
	positive := func(name string, v int) {
		if v <= 0 {
			errs = append(errs, &FieldError{Field: name, Reason: fmt.Sprintf("must be positive, got %d", v)})
		}
	}
	nonNegative := func(name string, v int) {
		if v < 0 {
			errs = append(errs, &FieldError{Field: name, Reason: fmt.Sprintf("must not be negative, got %d", v)})
		}
	}
	probability := func(name string, v float64) {
		if math.IsNaN(v) || v < 0 || v > 1 {
			errs = append(errs, &FieldError{Field: name, Reason: fmt.Sprintf("must lie in [0,1], got %g", v)})
		}
	}
	laneChoice := func(name string, v LaneChoice) {
		if !v.Valid() {
			errs = append(errs, &FieldError{Field: name, Reason: fmt.Sprintf("unknown lane choice %d", int(v))})
		}
	}

	positive("sizeOfLane", c.SizeOfLane)
	positive("numHorizontalLanes", c.NumHorizontalLanes)
	positive("numVerticalLanes", c.NumVerticalLanes)
	nonNegative("numHorizontalCars", c.NumHorizontalCars)
	nonNegative("numVerticalCars", c.NumVerticalCars)
	nonNegative("crossWalkCutoff", c.CrossWalkCutoff)

	laneChoice("inLaneChoice", c.InLaneChoice)
	laneChoice("outLaneChoice", c.OutLaneChoice)
	laneChoice("laneSwitchChoice", c.LaneSwitchChoice)
	if !c.CarDistributionType.Valid() {
		errs = append(errs, &FieldError{Field: "CarDistributionType", Reason: fmt.Sprintf("unknown distribution %d", int(c.CarDistributionType))})
	}

	probability("carMovementP", c.CarMovementP)
	probability("probSwitchingLanes", c.ProbSwitchingLanes)
	probability("accidentProb", c.AccidentProb)
	probability("carRestartProb", c.CarRestartProb)
	probability("probPolicePullOverProb", c.ProbPolicePullOverProb)
	probability("pedestrianDeathAccidentProb", c.PedestrianDeathAccidentProb)
	probability("probEnteringIntersection", c.ProbEnteringIntersection)
	probability("intersectionAccidentProb", c.IntersectionAccidentProb)
	probability("unlikelyCutoff", c.UnlikelyCutoff)

	return errors.Join(errs...)
}
