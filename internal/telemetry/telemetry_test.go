package telemetry_test

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceDisabled(t *testing.T) {
	rec, err := telemetry.NewService(telemetry.Config{Enabled: false})
	require.NoError(t, err)

	// No-op recorder accepts anything and touches no storage
	err = rec.Record(context.Background(), &telemetry.Cycle{Timestamp: time.Now()})
	assert.NoError(t, err)
	assert.NoError(t, rec.Close())
}

func TestNewServiceInvalidConfig(t *testing.T) {
	_, err := telemetry.NewService(telemetry.Config{Enabled: true, DBPath: ""})
	require.Error(t, err)
}

func TestRecordNilCycle(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cycles.db")
	rec, err := telemetry.NewService(telemetry.Config{Enabled: true, DBPath: dbPath})
	require.NoError(t, err)
	defer rec.Close()

	err = rec.Record(context.Background(), nil)
	require.Error(t, err)
}

func TestRecordRoundTrip(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cycles.db")
	rec, err := telemetry.NewService(telemetry.Config{Enabled: true, DBPath: dbPath})
	require.NoError(t, err)

	ts := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	cycle := &telemetry.Cycle{
		Timestamp: ts,
		Readings: telemetry.Readings{
			CO2PPM:           842.5,
			RelativeHumidity: 55.2,
			TemperatureC:     21.3,
			FanSpeedPct:      30.0,
			CO2SetpointPPM:   1500.0,
		},
		Outcome: telemetry.Outcome{OK: true},
	}

	require.NoError(t, rec.Record(context.Background(), cycle))

	// Recording the same timestamp again updates in place
	cycle.Outcome = telemetry.Outcome{OK: false, ErrorCode: "request_timeout"}
	require.NoError(t, rec.Record(context.Background(), cycle))
	require.NoError(t, rec.Close())

	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db.Close()

	var (
		count     int
		co2       float64
		ok        int
		errorCode string
	)
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM cycles").Scan(&count))
	assert.Equal(t, 1, count, "Expected upsert to keep a single row")

	row := db.QueryRow("SELECT co2_ppm, cycle_ok, error_code FROM cycles WHERE timestamp = ?", ts.Unix())
	require.NoError(t, row.Scan(&co2, &ok, &errorCode))
	assert.InDelta(t, 842.5, co2, 0.001)
	assert.Equal(t, 0, ok)
	assert.Equal(t, "request_timeout", errorCode)
}

func TestRecordCanceledContext(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cycles.db")
	rec, err := telemetry.NewService(telemetry.Config{Enabled: true, DBPath: dbPath})
	require.NoError(t, err)
	defer rec.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = rec.Record(ctx, &telemetry.Cycle{Timestamp: time.Now()})
	require.Error(t, err)
}
