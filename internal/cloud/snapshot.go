package cloud

import (
	"context"
	"time"
)

// Snapshot is an immutable capture of the regulation state used to build
// one outbound report. It is taken once at the start of a reporting cycle
// and never mutated afterwards.
type Snapshot struct {
	Timestamp        time.Time
	CO2PPM           float64
	RelativeHumidity float64
	TemperatureC     float64
	FanSpeedPct      float64
	CO2SetpointPPM   float64
}

// Telemetry is the regulation-side collaborator the reporter consumes: a
// consistent snapshot read and a validated setpoint write-back. The
// controller satisfies it; the setpoint write persists through its
// settings store.
type Telemetry interface {
	Snapshot() Snapshot
	SetCO2Setpoint(ctx context.Context, value float64) error
}
