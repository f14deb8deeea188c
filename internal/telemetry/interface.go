package telemetry

import (
	"context"
	"time"
)

// Recorder defines the core domain interface
type Recorder interface {
	Record(ctx context.Context, cycle *Cycle) error
	Close() error
}

// Cycle represents one reporting cycle: the readings that were sent
// and how the exchange ended.
type Cycle struct {
	Timestamp time.Time
	Readings  Readings
	Outcome   Outcome
}

// Domain value objects
type Readings struct {
	CO2PPM           float64
	RelativeHumidity float64
	TemperatureC     float64
	FanSpeedPct      float64
	CO2SetpointPPM   float64
}

type Outcome struct {
	OK        bool
	ErrorCode string
}
