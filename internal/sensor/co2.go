package sensor

import (
	"context"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

// GMP252-class CO2 probe register map.
const (
	co2ValueRegister        = 256
	co2DeviceStatusRegister = 2048
	co2StatusRegister       = 2049

	co2ReadAttempts = 10
	co2RetryDelay   = 10 * time.Millisecond
)

// CO2Probe reads the CO2 concentration. The probe publishes a device
// status and a measurement status register alongside the value; a reading
// is accepted only when both report clean, so a warming-up or faulted
// probe never feeds the regulation loop.
type CO2Probe struct {
	bus        RegisterBus
	unit       byte
	retryDelay time.Duration
}

func NewCO2Probe(bus RegisterBus, unit byte) *CO2Probe {
	return &CO2Probe{bus: bus, unit: unit, retryDelay: co2RetryDelay}
}

// Read returns the current concentration in ppm. A not-ready probe is
// retried a bounded number of times before the read is given up.
func (p *CO2Probe) Read(ctx context.Context) (float64, error) {
	errFactory := errors.New()

	var lastErr error
	for attempt := 1; attempt <= co2ReadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return 0, errFactory.Wrap(ErrProbeExhausted, ctx.Err())
			case <-time.After(p.retryDelay):
			}
		}

		value, err := p.readOnce()
		if err == nil {
			return value, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt).Msg("CO2 read attempt failed")
	}

	return 0, errFactory.Wrap(ErrProbeExhausted, lastErr)
}

func (p *CO2Probe) readOnce() (float64, error) {
	errFactory := errors.New()

	device, err := p.bus.ReadRegister(p.unit, co2DeviceStatusRegister)
	if err != nil {
		return 0, err
	}
	if device != 0 {
		return 0, errFactory.WithData(ErrProbeNotReady, device)
	}

	status, err := p.bus.ReadRegister(p.unit, co2StatusRegister)
	if err != nil {
		return 0, err
	}
	if status != 0 {
		return 0, errFactory.WithData(ErrProbeNotReady, status)
	}

	raw, err := p.bus.ReadRegister(p.unit, co2ValueRegister)
	if err != nil {
		return 0, err
	}

	return float64(raw), nil
}
