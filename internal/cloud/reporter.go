package cloud

import (
	"context"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/logger"
	"codeberg.org/mutker/greenhousectl/internal/telemetry"
)

const defaultReportInterval = 60 * time.Second

// Reporter drives the periodic reporting cycle: snapshot, encode, exchange,
// parse, apply. A failed cycle is logged and the next period retries
// independently; no backoff or retry state is carried across cycles.
type Reporter struct {
	client   *Client
	telem    Telemetry
	recorder telemetry.Recorder
	report   Report
	interval time.Duration
}

func NewReporter(client *Client, telem Telemetry, recorder telemetry.Recorder, report Report, interval time.Duration) (*Reporter, error) {
	errFactory := errors.New()

	if client == nil || telem == nil || recorder == nil {
		return nil, errFactory.WithMessage(errors.ErrInvalidArgument, "reporter requires a client, a telemetry source and a recorder")
	}
	if interval == 0 {
		interval = defaultReportInterval
	}
	if interval < 0 {
		return nil, errFactory.WithData(errors.ErrInvalidInterval, interval)
	}

	return &Reporter{
		client:   client,
		telem:    telem,
		recorder: recorder,
		report:   report,
		interval: interval,
	}, nil
}

// Run reports on a fixed period until the context is canceled. Each cycle
// stands alone: its outcome is logged and recorded, never fatal.
func (r *Reporter) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	logger.Debug().Dur("interval", r.interval).Msg("Reporter started")

	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("Reporter stopped")
			return
		case <-ticker.C:
			r.ReportCycle(ctx)
		}
	}
}

// ReportCycle performs one full cycle: build a snapshot, encode the
// request, run the exchange, record the outcome, and apply any valid
// remote setpoint command from the response.
func (r *Reporter) ReportCycle(ctx context.Context) error {
	snap := r.telem.Snapshot()

	request, err := EncodeRequest(r.report, snap)
	if err != nil {
		// An oversized request is a configuration error: it will not
		// shrink next period, so say so loudly.
		logger.Error().Err(err).Msg("Request encoding failed")
		r.recordCycle(ctx, snap, err)
		return err
	}

	response, err := r.client.Do(ctx, request)
	r.recordCycle(ctx, snap, err)
	if err != nil {
		logger.Warn().Err(err).Str("host", r.report.Host).Msg("Report failed, retrying next period")
		return err
	}

	logger.Debug().
		Int("response_bytes", len(response)).
		Float64("co2_ppm", snap.CO2PPM).
		Msg("Report delivered")

	value, ok := ParseSetpointCommand(response)
	switch {
	case ok:
		if err := r.telem.SetCO2Setpoint(ctx, value); err != nil {
			logger.Warn().Err(err).Float64("setpoint", value).Msg("Failed to apply remote setpoint")
			return err
		}
		logger.Info().Float64("setpoint", value).Msg("Remote setpoint applied")
	case HasSetpointCommand(response):
		logger.Warn().Msg("Ignoring invalid remote setpoint command")
	default:
		logger.Debug().Msg("No setpoint command in response")
	}

	return nil
}

// recordCycle persists the cycle outcome to the local history. Recording
// failures are logged and swallowed: history must never block reporting.
func (r *Reporter) recordCycle(ctx context.Context, snap Snapshot, cycleErr error) {
	cycle := &telemetry.Cycle{
		Timestamp: snap.Timestamp,
		Readings: telemetry.Readings{
			CO2PPM:           snap.CO2PPM,
			RelativeHumidity: snap.RelativeHumidity,
			TemperatureC:     snap.TemperatureC,
			FanSpeedPct:      snap.FanSpeedPct,
			CO2SetpointPPM:   snap.CO2SetpointPPM,
		},
		Outcome: telemetry.Outcome{OK: cycleErr == nil, ErrorCode: errorCode(cycleErr)},
	}

	if err := r.recorder.Record(ctx, cycle); err != nil {
		logger.Warn().Err(err).Msg("Failed to record cycle")
	}
}

func errorCode(err error) string {
	if err == nil {
		return ""
	}

	var appErr errors.Error
	if errors.As(err, &appErr) {
		return string(appErr.Code())
	}

	return string(errors.ErrInternal)
}
