package app_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/app"
	"codeberg.org/mutker/ipmifanctl/internal/controller"
	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/fan"
	"codeberg.org/mutker/ipmifanctl/internal/ipmi"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/metrics"
	"codeberg.org/mutker/ipmifanctl/internal/telemetry"
	"codeberg.org/mutker/ipmifanctl/internal/usage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeBMC struct {
	calls      []string
	temps      ipmi.Temperatures
	sensorErr  error
	manualErr  error
	setErr     error
	autoCtxErr error
}

func (b *fakeBMC) EnableManualControl(context.Context) error {
	b.calls = append(b.calls, "manual")
	return b.manualErr
}

func (b *fakeBMC) EnableAutoControl(ctx context.Context) error {
	b.calls = append(b.calls, "auto")
	b.autoCtxErr = ctx.Err()
	return nil
}

func (b *fakeBMC) SetSpeed(_ context.Context, level fan.Level) error {
	b.calls = append(b.calls, "set "+level.String())
	return b.setErr
}

func (b *fakeBMC) FanRPM(context.Context) (int, error) {
	return 6000, nil
}

func (b *fakeBMC) ReadTemperatures(context.Context) (ipmi.Temperatures, error) {
	if b.sensorErr != nil {
		return ipmi.Temperatures{}, b.sensorErr
	}
	return b.temps, nil
}

type fakeMetrics struct {
	snapshots []*metrics.MetricsSnapshot
}

func (m *fakeMetrics) Record(_ context.Context, s *metrics.MetricsSnapshot) error {
	m.snapshots = append(m.snapshots, s)
	return nil
}

func (*fakeMetrics) Close() error { return nil }

type fakeObserver struct {
	samples []telemetry.Sample
}

func (o *fakeObserver) Observe(s telemetry.Sample) {
	o.samples = append(o.samples, s)
}

func temps(v int) ipmi.Temperatures {
	return ipmi.Temperatures{Inlet: v - 10, Exhaust: v - 5, CPU1: v, CPU2: v - 2}
}

func newUsage() *usage.Sampler {
	return usage.NewSampler(nil, time.Second, logger.Nop())
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func TestStart(t *testing.T) {
	bmc := &fakeBMC{}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage()})

	require.NoError(t, a.Start(context.Background()))
	assert.Equal(t, []string{"manual", "set 25%"}, bmc.calls)
	assert.Equal(t, fan.Lowest, a.State().Current)
}

func TestStartManualControlFails(t *testing.T) {
	bmc := &fakeBMC{manualErr: fmt.Errorf("bmc busy")}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage()})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrEnableManualFan))
	assert.Equal(t, []string{"manual", "auto"}, bmc.calls)
}

func TestStartInitialSpeedFails(t *testing.T) {
	bmc := &fakeBMC{setErr: fmt.Errorf("bmc busy")}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage()})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInitialFanSpeed))
	assert.Equal(t, []string{"manual", "set 25%", "auto"}, bmc.calls)
}

func TestTickIncreasesOnHeat(t *testing.T) {
	bmc := &fakeBMC{temps: temps(55)}
	m := &fakeMetrics{}
	obs := &fakeObserver{}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage(), Metrics: m, Observer: obs})

	res := a.Tick(context.Background(), t0)

	assert.Equal(t, controller.ActionIncreased, res.Action)
	assert.Equal(t, fan.Level100, a.State().Current)
	assert.Equal(t, t0.Add(controller.DefaultHoldTime), a.State().CooldownEnd)
	assert.Contains(t, bmc.calls, "set 100%")

	require.Len(t, m.snapshots, 1)
	snap := m.snapshots[0]
	assert.Equal(t, 100, snap.FanSpeed.Current)
	assert.Equal(t, 6000, snap.FanSpeed.RPM)
	assert.Equal(t, 55, snap.Temperature.Max)
	assert.Equal(t, "increased", snap.Decision.Action)
	assert.Equal(t, "temperature", snap.Decision.Cause)

	require.Len(t, obs.samples, 1)
	assert.Equal(t, 100, obs.samples[0].Current)
	assert.Equal(t, "increased", obs.samples[0].Action)
	assert.True(t, obs.samples[0].Changed)
	assert.Equal(t, 6000, obs.samples[0].RPM)
}

func TestDefaultTimingsHoldDecrease(t *testing.T) {
	bmc := &fakeBMC{temps: temps(55)}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage()})

	res := a.Tick(context.Background(), t0)
	require.Equal(t, controller.ActionIncreased, res.Action)

	bmc.temps = temps(20)
	for s := 1; s < 30; s++ {
		res = a.Tick(context.Background(), t0.Add(time.Duration(s)*time.Second))
		require.NotEqual(t, controller.ActionDecreased, res.Action, "dropped after %ds", s)
		assert.Equal(t, fan.Level100, a.State().Current)
	}

	res = a.Tick(context.Background(), t0.Add(31*time.Second))
	assert.Equal(t, controller.ActionDecreased, res.Action)
	assert.Equal(t, fan.Level25, a.State().Current)
	assert.Equal(t, []string{"set 100%", "set 25%"}, bmc.calls)
}

func TestTickConsumesSpikeOnce(t *testing.T) {
	bmc := &fakeBMC{temps: temps(20)}
	u := newUsage()
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: u})

	u.Record(2)
	u.Record(32)

	res := a.Tick(context.Background(), t0)
	assert.Equal(t, controller.ActionIncreased, res.Action)
	assert.Equal(t, fan.Level100, a.State().Current)
	assert.Equal(t, "extreme usage spike of 30.0%", a.State().LastTrigger.Reason)

	// No new sample arrived: the spike was consumed and temperature rules.
	res = a.Tick(context.Background(), t0.Add(time.Second))
	assert.Equal(t, controller.ActionDelayStarted, res.Action)
	assert.Equal(t, fan.Level25, res.Target)
	assert.Equal(t, fan.Level100, a.State().Current)
}

func TestTickSensorFailureReusesLastTemp(t *testing.T) {
	bmc := &fakeBMC{sensorErr: fmt.Errorf("sensor read timed out")}
	obs := &fakeObserver{}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage(), Observer: obs})

	res := a.Tick(context.Background(), t0)

	assert.Equal(t, controller.ActionUnchanged, res.Action)
	require.Len(t, obs.samples, 1)
	assert.True(t, obs.samples[0].TempStale)
	assert.False(t, obs.samples[0].Changed)
	assert.Equal(t, 25, obs.samples[0].MaxTemp)
}

func TestMonitorModeNeverWrites(t *testing.T) {
	bmc := &fakeBMC{temps: temps(60)}
	m := &fakeMetrics{}
	a := app.New(app.Config{Monitor: true}, app.Deps{Actuator: bmc, Usage: newUsage(), Metrics: m})

	require.NoError(t, a.Start(context.Background()))
	res := a.Tick(context.Background(), t0)
	require.NoError(t, a.Shutdown())

	assert.Empty(t, bmc.calls)
	assert.Equal(t, controller.ActionUnchanged, res.Action)
	assert.Equal(t, fan.Level100, res.Target)
	assert.Equal(t, fan.Lowest, a.State().Current)
	require.Len(t, m.snapshots, 1)
	assert.Equal(t, 100, m.snapshots[0].FanSpeed.Target)
}

func TestShutdownRestoresAutoWithFreshContext(t *testing.T) {
	bmc := &fakeBMC{}
	a := app.New(app.Config{}, app.Deps{Actuator: bmc, Usage: newUsage()})

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, a.Start(ctx))
	cancel()

	require.NoError(t, a.Shutdown())
	assert.Equal(t, "auto", bmc.calls[len(bmc.calls)-1])
	assert.NoError(t, bmc.autoCtxErr)
}

func TestRunStopsOnCancel(t *testing.T) {
	bmc := &fakeBMC{temps: temps(20)}
	a := app.New(app.Config{Interval: 10 * time.Millisecond}, app.Deps{Actuator: bmc, Usage: newUsage()})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}
