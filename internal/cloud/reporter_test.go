package cloud_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/greenhousectl/internal/cloud"
	"codeberg.org/mutker/greenhousectl/internal/errors"
	"codeberg.org/mutker/greenhousectl/internal/telemetry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTelemetry struct {
	mu       sync.Mutex
	snap     cloud.Snapshot
	applied  []float64
	applyErr error
}

func (f *fakeTelemetry) Snapshot() cloud.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeTelemetry) SetCO2Setpoint(_ context.Context, value float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.applyErr != nil {
		return f.applyErr
	}
	f.applied = append(f.applied, value)
	return nil
}

func (f *fakeTelemetry) appliedSetpoints() []float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]float64(nil), f.applied...)
}

type stubRecorder struct {
	mu     sync.Mutex
	cycles []*telemetry.Cycle
	err    error
}

func (r *stubRecorder) Record(_ context.Context, cycle *telemetry.Cycle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.err != nil {
		return r.err
	}
	r.cycles = append(r.cycles, cycle)
	return nil
}

func (r *stubRecorder) Close() error { return nil }

func (r *stubRecorder) recorded() []*telemetry.Cycle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*telemetry.Cycle(nil), r.cycles...)
}

func newTestReporter(t *testing.T, dialer cloud.Dialer, report cloud.Report) (*cloud.Reporter, *fakeTelemetry, *stubRecorder) {
	t.Helper()

	client := newTestClient(t, dialer, cloud.Config{})
	telem := &fakeTelemetry{snap: sampleSnapshot()}
	recorder := &stubRecorder{}

	reporter, err := cloud.NewReporter(client, telem, recorder, report, time.Minute)
	require.NoError(t, err)
	return reporter, telem, recorder
}

func TestNewReporterValidation(t *testing.T) {
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn() }}
	client := newTestClient(t, dialer, cloud.Config{})
	telem := &fakeTelemetry{}
	recorder := &stubRecorder{}

	_, err := cloud.NewReporter(nil, telem, recorder, sampleReport(), time.Minute)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	_, err = cloud.NewReporter(client, nil, recorder, sampleReport(), time.Minute)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	_, err = cloud.NewReporter(client, telem, nil, sampleReport(), time.Minute)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidArgument))

	_, err = cloud.NewReporter(client, telem, recorder, sampleReport(), -time.Second)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidInterval))

	reporter, err := cloud.NewReporter(client, telem, recorder, sampleReport(), 0)
	require.NoError(t, err, "Zero interval must select the default")
	assert.NotNil(t, reporter)
}

func TestReportCycleAppliesRemoteSetpoint(t *testing.T) {
	response := []byte(`{"command_string":"SETPOINT=1200"}`)
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn(response) }}
	reporter, telem, recorder := newTestReporter(t, dialer, sampleReport())

	require.NoError(t, reporter.ReportCycle(context.Background()))
	assert.Equal(t, []float64{1200}, telem.appliedSetpoints())

	cycles := recorder.recorded()
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].Outcome.OK)
	assert.Empty(t, cycles[0].Outcome.ErrorCode)
	assert.InDelta(t, 842.5, cycles[0].Readings.CO2PPM, 0.0001)
	assert.InDelta(t, 1500.0, cycles[0].Readings.CO2SetpointPPM, 0.0001)
	assert.Equal(t, sampleSnapshot().Timestamp, cycles[0].Timestamp)
}

func TestReportCycleIgnoresInvalidSetpoint(t *testing.T) {
	response := []byte(`{"command_string":"SETPOINT=99999"}`)
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn(response) }}
	reporter, telem, recorder := newTestReporter(t, dialer, sampleReport())

	// An out-of-range command is dropped, not an error: the cycle itself
	// succeeded.
	require.NoError(t, reporter.ReportCycle(context.Background()))
	assert.Empty(t, telem.appliedSetpoints())

	cycles := recorder.recorded()
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].Outcome.OK)
}

func TestReportCycleNoCommand(t *testing.T) {
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn([]byte(`{"success":true}`)) }}
	reporter, telem, _ := newTestReporter(t, dialer, sampleReport())

	require.NoError(t, reporter.ReportCycle(context.Background()))
	assert.Empty(t, telem.appliedSetpoints())
}

func TestReportCycleExchangeFailure(t *testing.T) {
	dialer := &fakeDialer{connectErr: fmt.Errorf("connection refused")}
	reporter, telem, recorder := newTestReporter(t, dialer, sampleReport())

	err := reporter.ReportCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, cloud.ErrConnectFailed))
	assert.Empty(t, telem.appliedSetpoints())

	cycles := recorder.recorded()
	require.Len(t, cycles, 1, "Failed cycles must still be recorded")
	assert.False(t, cycles[0].Outcome.OK)
	assert.Equal(t, string(cloud.ErrConnectFailed), cycles[0].Outcome.ErrorCode)
}

func TestReportCycleEncodeFailure(t *testing.T) {
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn() }}
	report := sampleReport()
	report.MaxSize = 64
	reporter, telem, recorder := newTestReporter(t, dialer, report)

	err := reporter.ReportCycle(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, cloud.ErrRequestTooLarge))
	assert.Equal(t, 0, dialer.connCount(), "An unencodable request must never reach the transport")
	assert.Empty(t, telem.appliedSetpoints())

	cycles := recorder.recorded()
	require.Len(t, cycles, 1)
	assert.False(t, cycles[0].Outcome.OK)
	assert.Equal(t, string(cloud.ErrRequestTooLarge), cycles[0].Outcome.ErrorCode)
}

func TestReportCycleSetpointApplyFailure(t *testing.T) {
	response := []byte(`SETPOINT=900 `)
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn(response) }}
	reporter, telem, recorder := newTestReporter(t, dialer, sampleReport())
	telem.applyErr = fmt.Errorf("store closed")

	err := reporter.ReportCycle(context.Background())
	require.Error(t, err)
	assert.Empty(t, telem.appliedSetpoints())

	// The exchange itself succeeded, so the recorded cycle is OK even
	// though applying the command failed.
	cycles := recorder.recorded()
	require.Len(t, cycles, 1)
	assert.True(t, cycles[0].Outcome.OK)
}

func TestReporterRunStopsOnCancel(t *testing.T) {
	dialer := &fakeDialer{connect: func() *fakeConn { return newFakeConn([]byte("ok")) }}
	client := newTestClient(t, dialer, cloud.Config{})
	telem := &fakeTelemetry{snap: sampleSnapshot()}
	recorder := &stubRecorder{}

	reporter, err := cloud.NewReporter(client, telem, recorder, sampleReport(), 10*time.Millisecond)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		reporter.Run(ctx)
		close(stopped)
	}()

	require.Eventually(t, func() bool { return len(recorder.recorded()) >= 2 },
		2*time.Second, 5*time.Millisecond, "Reporter never completed a cycle")

	cancel()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Reporter did not stop after context cancellation")
	}
}
