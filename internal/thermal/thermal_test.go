package thermal_test

import (
	"context"
	"errors"
	"testing"

	"codeberg.org/mutker/ipmifanctl/internal/ipmi"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/thermal"
	"github.com/stretchr/testify/assert"
)

type result struct {
	temps ipmi.Temperatures
	err   error
}

type scriptedReader struct {
	results []result
}

func (r *scriptedReader) ReadTemperatures(context.Context) (ipmi.Temperatures, error) {
	next := r.results[0]
	r.results = r.results[1:]
	return next.temps, next.err
}

func maxOnly(v int) result {
	return result{temps: ipmi.Temperatures{Inlet: 20, Exhaust: 22, CPU1: v, CPU2: v - 1}}
}

func TestSampleComputesMaxAndTrend(t *testing.T) {
	reader := &scriptedReader{results: []result{maxOnly(30), maxOnly(33), maxOnly(33), maxOnly(31)}}
	s := thermal.NewSampler(reader, logger.Nop())
	ctx := context.Background()

	r := s.Sample(ctx)
	assert.Equal(t, 30, r.MaxTemp)
	assert.Equal(t, thermal.TrendFalling, r.Trend, "a single sample is never rising")
	assert.Equal(t, 1, r.WindowLen)

	r = s.Sample(ctx)
	assert.Equal(t, thermal.TrendRising, r.Trend)

	r = s.Sample(ctx)
	assert.Equal(t, thermal.TrendStable, r.Trend)

	r = s.Sample(ctx)
	assert.Equal(t, thermal.TrendFalling, r.Trend)
	assert.Equal(t, 0.0, r.Rate, "rate needs five samples")
}

func TestRateOverLastFive(t *testing.T) {
	reader := &scriptedReader{results: []result{
		maxOnly(40), maxOnly(30), maxOnly(31), maxOnly(32), maxOnly(33), maxOnly(34),
	}}
	s := thermal.NewSampler(reader, logger.Nop())

	var r thermal.Reading
	for i := 0; i < 5; i++ {
		r = s.Sample(context.Background())
	}
	assert.Equal(t, 5, r.WindowLen)
	assert.InDelta(t, (33.0-30.0)/5, r.Rate, 1e-9)

	// The 40 falls out of the last five; the minimum is now 30 still.
	r = s.Sample(context.Background())
	assert.InDelta(t, (34.0-30.0)/5, r.Rate, 1e-9)
}

func TestFailedReadReusesLastKnown(t *testing.T) {
	reader := &scriptedReader{results: []result{
		{err: errors.New("ipmitool: no such device")},
		maxOnly(47),
		{err: errors.New("timeout")},
	}}
	s := thermal.NewSampler(reader, logger.Nop())
	ctx := context.Background()

	r := s.Sample(ctx)
	assert.True(t, r.Stale)
	assert.Equal(t, thermal.InitialTemperature, r.MaxTemp)
	assert.Equal(t, 0, r.WindowLen)

	r = s.Sample(ctx)
	assert.False(t, r.Stale)
	assert.Equal(t, 47, r.MaxTemp)

	r = s.Sample(ctx)
	assert.True(t, r.Stale)
	assert.Equal(t, 47, r.MaxTemp)
	assert.Equal(t, 1, r.WindowLen, "failed reads do not touch the window")
	assert.False(t, s.Last().Stale)
}
