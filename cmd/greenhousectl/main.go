package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/actuator"
	"codeberg.org/mutker/greenhousectl/internal/cloud"
	"codeberg.org/mutker/greenhousectl/internal/config"
	"codeberg.org/mutker/greenhousectl/internal/controller"
	"codeberg.org/mutker/greenhousectl/internal/logger"
	"codeberg.org/mutker/greenhousectl/internal/pid"
	"codeberg.org/mutker/greenhousectl/internal/sensor"
	"codeberg.org/mutker/greenhousectl/internal/settings"
	"codeberg.org/mutker/greenhousectl/internal/telemetry"
)

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService())
	applyLogLevel(cfg.LogLevel)
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := run(); err != nil {
		logger.Error().Err(err).Msg("Daemon failed")
		os.Exit(1)
	}
	logger.Info().Msg("Exiting...")
}

// run owns every resource for the lifetime of the daemon. The deferred
// releases fire in reverse order: controller first, so the valve is
// commanded closed while the GPIO line and the field bus are still open.
func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	if err := pid.Write(cfg.PIDFile); err != nil {
		return err
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove PID file")
		}
	}()

	bus, err := sensor.Open(sensor.Config{
		Device:   cfg.SerialPort,
		BaudRate: cfg.SerialBaud,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close field bus")
		}
	}()

	co2 := sensor.NewCO2Probe(bus, byte(cfg.CO2Unit))
	trh := sensor.NewTRHProbe(bus, byte(cfg.TRHUnit))
	fan := actuator.NewFan(bus, byte(cfg.FanUnit))

	line, err := actuator.OpenLine(cfg.ValveGPIO)
	if err != nil {
		return err
	}
	valve := actuator.NewValve(line)
	defer func() {
		if err := valve.Release(); err != nil {
			logger.Warn().Err(err).Msg("Failed to release valve line")
		}
	}()

	store, err := settings.NewStore(settings.Config{DBPath: cfg.Database})
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close settings store")
		}
	}()

	recorder, err := telemetry.NewService(telemetry.Config{
		DBPath:  cfg.Database,
		Enabled: cfg.Telemetry,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := recorder.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close cycle recorder")
		}
	}()

	ctrl, err := controller.New(ctx, controller.Config{
		CO2Setpoint:   cfg.CO2Setpoint,
		SafetyLimit:   cfg.SafetyLimit,
		FanSpeed:      cfg.FanSpeed,
		ValvePulse:    time.Duration(cfg.ValvePulse) * time.Millisecond,
		ValveCooldown: time.Duration(cfg.ValveCooldown) * time.Second,
		Monitor:       cfg.Monitor,
	}, co2, trh, fan, valve, store)
	if err != nil {
		return err
	}
	defer ctrl.Shutdown()

	client, err := cloud.NewClient(cloud.Config{
		Host:         cfg.CloudHost,
		Port:         cfg.CloudPort,
		Timeout:      time.Duration(cfg.RequestTimeout) * time.Second,
		PollInterval: time.Duration(cfg.PollInterval) * time.Second,
		MaxResponse:  cfg.ResponseLimit,
	})
	if err != nil {
		return err
	}

	reporter, err := cloud.NewReporter(client, ctrl, recorder, cloud.Report{
		Host:        cfg.CloudHost,
		Path:        cfg.CloudPath,
		APIKey:      cfg.APIKey,
		TalkbackKey: cfg.TalkbackKey,
		Latitude:    cfg.Latitude,
		Longitude:   cfg.Longitude,
		Status:      cfg.StatusText,
		MaxSize:     cfg.RequestLimit,
	}, time.Duration(cfg.ReportInterval)*time.Second)
	if err != nil {
		return err
	}

	// The reporter runs on its own goroutine: a slow exchange must never
	// stall a control tick. Waited on before the recorder closes.
	var wg sync.WaitGroup
	wg.Add(1)
	defer wg.Wait()
	go func() {
		defer wg.Done()
		reporter.Run(ctx)
	}()

	return loop(ctx, ctrl)
}

func loop(ctx context.Context, ctrl *controller.Controller) error {
	interval := time.Duration(cfg.ControlInterval) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if cfg.Monitor {
		logger.Info().Msg("Monitor mode activated. Logging greenhouse status...")
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			ctrl.Step(ctx)
			logState(ctrl.State())
		}
	}
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}

func applyLogLevel(level string) {
	switch config.LogLevel(level) {
	case config.LogLevelDebug:
		logger.SetLogLevel(logger.DebugLevel)
	case config.LogLevelInfo:
		logger.SetLogLevel(logger.InfoLevel)
	case config.LogLevelWarning:
		logger.SetLogLevel(logger.WarnLevel)
	case config.LogLevelError:
		logger.SetLogLevel(logger.ErrorLevel)
	}
}

func logState(state controller.State) {
	if cfg.Debug {
		logger.Debug().
			Float64("co2_ppm", state.CO2PPM).
			Float64("co2_setpoint", state.CO2SetpointPPM).
			Float64("safety_limit", cfg.SafetyLimit).
			Float64("temperature_c", state.TemperatureC).
			Float64("relative_humidity", state.RelativeHumidity).
			Float64("fan_speed_pct", state.FanSpeedPct).
			Bool("valve_open", state.ValveOpen).
			Bool("safety_vent", state.SafetyVent).
			Bool("monitor", cfg.Monitor).
			Msg("")
	} else if cfg.Verbose || cfg.Monitor {
		logger.Info().
			Float64("co2", state.CO2PPM).
			Float64("setpoint", state.CO2SetpointPPM).
			Float64("temperature", state.TemperatureC).
			Float64("humidity", state.RelativeHumidity).
			Float64("fan", state.FanSpeedPct).
			Bool("valve", state.ValveOpen).
			Msg("")
	}
}
