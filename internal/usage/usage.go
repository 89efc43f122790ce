// Package usage samples whole-machine CPU utilisation on its own cadence and
// hands consistent snapshots to the control loop.
package usage

import (
	"context"
	"math"
	"sync"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/decision"
	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/window"
	"github.com/prometheus/procfs"
)

const DefaultInterval = 200 * time.Millisecond

// CPUTimesFunc returns the aggregate CPU time counters.
type CPUTimesFunc func() (procfs.CPUStat, error)

// Snapshot is an immutable view of the sampler after one sample.
type Snapshot struct {
	Usage         float64
	Average       float64
	SpikeSize     float64
	SpikeDetected bool
	At            time.Time
}

type Sampler struct {
	read     CPUTimesFunc
	interval time.Duration
	logger   logger.Logger
	now      func() time.Time

	mu       sync.Mutex
	window   *window.Window[float64]
	previous float64
	latest   Snapshot
}

// NewProcStat returns a CPUTimesFunc backed by /proc/stat under mountPoint.
// It reads once so that an unusable procfs fails at startup.
func NewProcStat(mountPoint string) (CPUTimesFunc, error) {
	errFactory := errors.New()

	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrUsageUnavailable, err)
	}

	read := func() (procfs.CPUStat, error) {
		stat, err := fs.Stat()
		if err != nil {
			return procfs.CPUStat{}, err
		}
		return stat.CPUTotal, nil
	}

	if _, err := read(); err != nil {
		return nil, errFactory.Wrap(errors.ErrUsageUnavailable, err)
	}

	return read, nil
}

func NewSampler(read CPUTimesFunc, interval time.Duration, log logger.Logger) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}

	return &Sampler{
		read:     read,
		interval: interval,
		logger:   log,
		now:      time.Now,
		window:   window.New[float64](window.DefaultSize),
	}
}

// Run samples until ctx is cancelled.
func (s *Sampler) Run(ctx context.Context) error {
	for {
		usage, err := s.Measure(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			s.logger.Warn().Err(err).Msg("CPU usage measurement failed")
			if !sleep(ctx, s.interval) {
				return nil
			}
			continue
		}
		s.Record(usage)
	}
}

// Measure blocks for one sampling interval and returns the CPU utilisation
// over it in percent.
func (s *Sampler) Measure(ctx context.Context) (float64, error) {
	before, err := s.read()
	if err != nil {
		return 0, err
	}
	if !sleep(ctx, s.interval) {
		return 0, ctx.Err()
	}
	after, err := s.read()
	if err != nil {
		return 0, err
	}

	return busyPercent(before, after), nil
}

// Record folds one measurement into the window and publishes a new snapshot.
func (s *Sampler) Record(usage float64) Snapshot {
	s.mu.Lock()
	s.window.Push(usage)
	spike := usage - s.previous
	s.previous = usage
	snap := Snapshot{
		Usage:         usage,
		Average:       s.window.Mean(),
		SpikeSize:     spike,
		SpikeDetected: spike > decision.SpikeThreshold,
		At:            s.now(),
	}
	s.latest = snap
	s.mu.Unlock()

	s.logger.Info().
		Float64("usage", round1(snap.Usage)).
		Float64("usage_avg", round1(snap.Average)).
		Bool("spike", snap.SpikeDetected).
		Float64("spike_size", round1(snap.SpikeSize)).
		Msg("Usage sample")

	return snap
}

// Consume returns the latest snapshot and clears its spike flag, so a spike
// is acted on by at most one control tick.
func (s *Sampler) Consume() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.latest
	s.latest.SpikeDetected = false

	return snap
}

// Latest returns the latest snapshot without consuming the spike flag.
func (s *Sampler) Latest() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.latest
}

func busyPercent(prev, cur procfs.CPUStat) float64 {
	total := func(c procfs.CPUStat) float64 {
		return c.User + c.Nice + c.System + c.Idle + c.Iowait + c.IRQ + c.SoftIRQ + c.Steal
	}
	idle := func(c procfs.CPUStat) float64 {
		return c.Idle + c.Iowait
	}

	dt := total(cur) - total(prev)
	if dt <= 0 {
		return 0
	}
	busy := dt - (idle(cur) - idle(prev))

	return min(max(busy/dt*100, 0), 100)
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
