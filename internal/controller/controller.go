// Package controller implements the CO2 fertilization regulation loop:
// read the probes, apply the safety override, and pulse the feed valve
// toward the operator setpoint.
package controller

import (
	"context"
	"sync"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/cloud"
	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
	"codeberg.org/mutker/greenhousectl/internal/sensor"
)

const (
	maxSetpointPPM = 1500.0

	defaultSetpointPPM   = 1500.0
	defaultSafetyLimit   = 2000.0
	defaultValvePulse    = 2 * time.Second
	defaultValveCooldown = 30 * time.Second
)

// CO2Sensor delivers the current concentration in ppm.
type CO2Sensor interface {
	Read(ctx context.Context) (float64, error)
}

// TRHSensor delivers the current temperature and humidity pair.
type TRHSensor interface {
	Read(ctx context.Context) (sensor.TRHReading, error)
}

// Fan commands the ventilation fan and reports its last commanded speed.
type Fan interface {
	SetSpeed(percent float64) error
	Speed() float64
}

// Valve commands the CO2 feed solenoid.
type Valve interface {
	Open() error
	Close() error
	IsOpen() bool
}

// SetpointStore persists the operator setpoint across restarts. A nil
// store disables persistence.
type SetpointStore interface {
	LoadSetpoint(ctx context.Context) (value float64, found bool, err error)
	SaveSetpoint(ctx context.Context, value float64) error
}

// Config holds the regulation parameters. Zero values select defaults.
type Config struct {
	CO2Setpoint   float64       // ppm, used until a stored value exists
	SafetyLimit   float64       // ppm ceiling forcing full ventilation
	FanSpeed      float64       // percent, base exhaust speed
	ValvePulse    time.Duration // one-shot open period per feed pulse
	ValveCooldown time.Duration // quiet period between pulses
	Monitor       bool          // read sensors only, never actuate
}

func (c *Config) applyDefaults() {
	if c.CO2Setpoint == 0 {
		c.CO2Setpoint = defaultSetpointPPM
	}
	if c.SafetyLimit == 0 {
		c.SafetyLimit = defaultSafetyLimit
	}
	if c.ValvePulse == 0 {
		c.ValvePulse = defaultValvePulse
	}
	if c.ValveCooldown == 0 {
		c.ValveCooldown = defaultValveCooldown
	}
}

// State is a point-in-time view of the regulation state.
type State struct {
	CO2PPM           float64
	TemperatureC     float64
	RelativeHumidity float64
	FanSpeedPct      float64
	CO2SetpointPPM   float64
	ValveOpen        bool
	SafetyVent       bool
}

// Controller gathers readings and commands the actuators. All state is
// guarded by one mutex; the feed pulse timer fires on its own goroutine
// and enters through the same lock.
type Controller struct {
	mu sync.Mutex

	cfg   Config
	co2   CO2Sensor
	trh   TRHSensor
	fan   Fan
	valve Valve
	store SetpointStore

	setpoint   float64
	safetyVent bool

	co2PPM      float64
	temperature float64
	humidity    float64

	valveTimer     *time.Timer
	lastValveClose time.Time
}

// New builds a controller and restores the persisted setpoint. When the
// store is empty or absent the configured default applies.
func New(ctx context.Context, cfg Config, co2 CO2Sensor, trh TRHSensor, fan Fan, valve Valve, store SetpointStore) (*Controller, error) {
	errFactory := errors.New()

	if co2 == nil || trh == nil || fan == nil || valve == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "controller requires both probes and both actuators")
	}
	cfg.applyDefaults()

	c := &Controller{
		cfg:      cfg,
		co2:      co2,
		trh:      trh,
		fan:      fan,
		valve:    valve,
		store:    store,
		setpoint: cfg.CO2Setpoint,
	}

	if store != nil {
		value, found, err := store.LoadSetpoint(ctx)
		switch {
		case err != nil:
			logger.Warn().Err(err).Msg("Failed to load stored setpoint, using default")
		case found:
			c.setpoint = value
			logger.Info().Float64("setpoint", value).Msg("Restored CO2 setpoint")
		}
	}

	return c, nil
}

// Step runs one regulation pass: refresh the sensor picture, then apply
// the safety override and the fertilization rule.
func (c *Controller) Step(ctx context.Context) {
	c.readSensors(ctx)
	c.regulate()
}

// readSensors refreshes the cached readings. A failed probe keeps its
// previous value; the drivers already retry internally.
func (c *Controller) readSensors(ctx context.Context) {
	co2PPM, err := c.co2.Read(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("CO2 read failed, keeping previous value")
	} else {
		c.mu.Lock()
		c.co2PPM = co2PPM
		c.mu.Unlock()
	}

	reading, err := c.trh.Read(ctx)
	if err != nil {
		logger.Warn().Err(err).Msg("Temperature/RH read failed, keeping previous values")
	} else {
		c.mu.Lock()
		c.temperature = reading.TemperatureC
		c.humidity = reading.RelativeHumidity
		c.mu.Unlock()
	}
}

func (c *Controller) regulate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.Monitor {
		return
	}

	co2PPM := c.co2PPM
	setpoint := c.setpoint

	// Safety override: vent hard and keep the feed shut.
	if co2PPM > c.cfg.SafetyLimit {
		if !c.safetyVent {
			logger.Warn().
				Float64("co2_ppm", co2PPM).
				Float64("limit", c.cfg.SafetyLimit).
				Msg("CO2 above safety limit, venting")
		}
		c.safetyVent = true
		c.commandFan(100)
		c.closeValveLocked("safety vent")
		return
	}

	if c.safetyVent {
		// The vent latch holds until the concentration falls back to the
		// setpoint, not merely below the ceiling.
		if co2PPM > setpoint {
			c.closeValveLocked("safety vent")
			return
		}
		c.safetyVent = false
		logger.Info().Float64("co2_ppm", co2PPM).Msg("Safety vent cleared")
	}

	c.commandFan(c.cfg.FanSpeed)

	if co2PPM < setpoint {
		// Feed pulse, subject to the cooldown. An already open valve is
		// closed by the pulse timer.
		if !c.valve.IsOpen() {
			if time.Since(c.lastValveClose) >= c.cfg.ValveCooldown {
				c.openValveLocked(co2PPM, setpoint)
			} else {
				logger.Debug().
					Dur("remaining", c.cfg.ValveCooldown-time.Since(c.lastValveClose)).
					Msg("Valve cooldown active")
			}
		}
		return
	}

	if c.valve.IsOpen() {
		// Reached the setpoint mid-pulse: close early.
		c.closeValveLocked("setpoint reached")
		if c.valveTimer != nil {
			c.valveTimer.Stop()
		}
	}
}

// SetCO2Setpoint validates and applies a new target, then persists it.
// The in-memory value updates first so regulation never runs on a stale
// target even when the store write fails.
func (c *Controller) SetCO2Setpoint(ctx context.Context, value float64) error {
	errFactory := errors.New()

	if !(value > 0 && value <= maxSetpointPPM) {
		return errFactory.WithData(ErrSetpointRange, value)
	}

	c.mu.Lock()
	c.setpoint = value
	c.mu.Unlock()

	logger.Info().Float64("setpoint", value).Msg("CO2 setpoint updated")

	if c.store == nil {
		return nil
	}
	if err := c.store.SaveSetpoint(ctx, value); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist setpoint")
		return err
	}
	return nil
}

// Snapshot returns a consistent copy of the current readings for
// reporting.
func (c *Controller) Snapshot() cloud.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	return cloud.Snapshot{
		Timestamp:        time.Now(),
		CO2PPM:           c.co2PPM,
		RelativeHumidity: c.humidity,
		TemperatureC:     c.temperature,
		FanSpeedPct:      c.fan.Speed(),
		CO2SetpointPPM:   c.setpoint,
	}
}

// State returns the full regulation state for status logging.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()

	return State{
		CO2PPM:           c.co2PPM,
		TemperatureC:     c.temperature,
		RelativeHumidity: c.humidity,
		FanSpeedPct:      c.fan.Speed(),
		CO2SetpointPPM:   c.setpoint,
		ValveOpen:        c.valve.IsOpen(),
		SafetyVent:       c.safetyVent,
	}
}

// Shutdown stops the pulse timer and forces the valve closed.
func (c *Controller) Shutdown() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valveTimer != nil {
		c.valveTimer.Stop()
	}
	c.closeValveLocked("shutdown")
}

// openValveLocked starts one feed pulse and arms the one-shot close
// timer. Callers must hold c.mu.
func (c *Controller) openValveLocked(co2PPM, setpoint float64) {
	if err := c.valve.Open(); err != nil {
		logger.Warn().Err(err).Msg("Valve open failed")
		return
	}

	logger.Info().
		Float64("co2_ppm", co2PPM).
		Float64("setpoint", setpoint).
		Dur("pulse", c.cfg.ValvePulse).
		Msg("Valve pulse started")

	if c.valveTimer != nil {
		c.valveTimer.Stop()
	}
	c.valveTimer = time.AfterFunc(c.cfg.ValvePulse, c.pulseExpired)
}

// pulseExpired ends a feed pulse.
func (c *Controller) pulseExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeValveLocked("pulse elapsed")
}

// closeValveLocked closes an open valve and starts the cooldown clock.
// Callers must hold c.mu.
func (c *Controller) closeValveLocked(reason string) {
	if !c.valve.IsOpen() {
		return
	}
	if err := c.valve.Close(); err != nil {
		logger.Warn().Err(err).Msg("Valve close failed")
		return
	}

	c.lastValveClose = time.Now()
	logger.Debug().Str("reason", reason).Msg("Valve closed")
}

// commandFan tolerates a failed write: the next pass repeats the
// command.
func (c *Controller) commandFan(percent float64) {
	if err := c.fan.SetSpeed(percent); err != nil {
		logger.Warn().Err(err).Float64("percent", percent).Msg("Fan command failed")
	}
}
