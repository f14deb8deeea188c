package sensor

import (
	"context"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
)

// HMP60-class temperature and humidity probe register map. Both
// measurement registers hold tenths; the temperature register is signed.
const (
	trhHumidityRegister    = 256
	trhTemperatureRegister = 257
	trhStatusRegister      = 512

	trhStatusOK = 1
	trhScale    = 10.0

	trhReadAttempts = 5
	trhRetryDelay   = 200 * time.Millisecond
)

// TRHReading is one accepted measurement pair.
type TRHReading struct {
	TemperatureC     float64
	RelativeHumidity float64
}

// TRHProbe reads combined temperature and relative humidity. The probe
// reports readiness through a status register; measurements are only
// accepted while it reads OK.
type TRHProbe struct {
	bus        RegisterBus
	unit       byte
	retryDelay time.Duration
}

func NewTRHProbe(bus RegisterBus, unit byte) *TRHProbe {
	return &TRHProbe{bus: bus, unit: unit, retryDelay: trhRetryDelay}
}

// Read returns the current measurement pair, retrying a not-ready probe
// a bounded number of times. On persistent failure the caller keeps its
// previous values.
func (p *TRHProbe) Read(ctx context.Context) (TRHReading, error) {
	errFactory := errors.New()

	var lastErr error
	for attempt := 1; attempt <= trhReadAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return TRHReading{}, errFactory.Wrap(ErrProbeExhausted, ctx.Err())
			case <-time.After(p.retryDelay):
			}
		}

		reading, err := p.readOnce()
		if err == nil {
			return reading, nil
		}
		lastErr = err
		logger.Debug().Err(err).Int("attempt", attempt).Msg("Temperature/RH read attempt failed")
	}

	return TRHReading{}, errFactory.Wrap(ErrProbeExhausted, lastErr)
}

func (p *TRHProbe) readOnce() (TRHReading, error) {
	errFactory := errors.New()

	status, err := p.bus.ReadRegister(p.unit, trhStatusRegister)
	if err != nil {
		return TRHReading{}, err
	}
	if status != trhStatusOK {
		return TRHReading{}, errFactory.WithData(ErrProbeNotReady, status)
	}

	rawTemp, err := p.bus.ReadRegister(p.unit, trhTemperatureRegister)
	if err != nil {
		return TRHReading{}, err
	}

	rawRH, err := p.bus.ReadRegister(p.unit, trhHumidityRegister)
	if err != nil {
		return TRHReading{}, err
	}

	return TRHReading{
		TemperatureC:     float64(int16(rawTemp)) / trhScale,
		RelativeHumidity: float64(rawRH) / trhScale,
	}, nil
}
