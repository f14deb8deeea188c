// Package actuator drives the greenhouse outputs: the analog fan output
// module on the register bus and the CO2 feed valve on a GPIO line.
package actuator

import (
	"sync"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

const (
	fanRegister = 0
	fanRawMax   = 1000
)

// RegisterBus is the bus slice the fan driver needs.
type RegisterBus interface {
	ReadRegister(unit byte, register uint16) (uint16, error)
	WriteRegister(unit byte, register, value uint16) error
}

// Fan drives an analog output module that maps raw 0-1000 to 0-100% of
// full speed. The last successfully commanded speed is kept for status
// reporting.
type Fan struct {
	mu    sync.Mutex
	bus   RegisterBus
	unit  byte
	speed float64
}

func NewFan(bus RegisterBus, unit byte) *Fan {
	return &Fan{bus: bus, unit: unit}
}

// SetSpeed commands the fan to a percentage of full speed. Out-of-range
// values clamp to [0, 100].
func (f *Fan) SetSpeed(percent float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}

	raw := uint16(percent / 100 * fanRawMax)
	if err := f.bus.WriteRegister(f.unit, fanRegister, raw); err != nil {
		return errors.New().Wrap(ErrFanWrite, err)
	}

	f.speed = percent
	logger.Debug().Float64("percent", percent).Uint16("raw", raw).Msg("Fan speed set")
	return nil
}

// Speed returns the last successfully commanded speed.
func (f *Fan) Speed() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.speed
}

// ReadBack reads the module's current output back as a percentage.
func (f *Fan) ReadBack() (float64, error) {
	raw, err := f.bus.ReadRegister(f.unit, fanRegister)
	if err != nil {
		return 0, errors.New().Wrap(ErrFanRead, err)
	}
	return float64(raw) / fanRawMax * 100, nil
}
