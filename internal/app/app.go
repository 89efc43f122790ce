// Package app composes the samplers, the decision engine and the controller
// into the one-second control loop.
package app

import (
	"context"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/controller"
	"codeberg.org/mutker/ipmifanctl/internal/decision"
	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/fan"
	"codeberg.org/mutker/ipmifanctl/internal/ipmi"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/metrics"
	"codeberg.org/mutker/ipmifanctl/internal/notify"
	"codeberg.org/mutker/ipmifanctl/internal/telemetry"
	"codeberg.org/mutker/ipmifanctl/internal/thermal"
	"codeberg.org/mutker/ipmifanctl/internal/usage"
)

const DefaultInterval = time.Second

// Actuator is the full BMC surface the loop needs.
type Actuator interface {
	EnableManualControl(ctx context.Context) error
	EnableAutoControl(ctx context.Context) error
	SetSpeed(ctx context.Context, level fan.Level) error
	FanRPM(ctx context.Context) (int, error)
	ReadTemperatures(ctx context.Context) (ipmi.Temperatures, error)
}

// UsageSource hands over the latest usage snapshot, clearing its spike flag.
type UsageSource interface {
	Consume() usage.Snapshot
}

// Observer receives a per-tick sample, e.g. the Prometheus exporter.
type Observer interface {
	Observe(s telemetry.Sample)
}

type Config struct {
	Interval time.Duration
	Monitor  bool
	// Controller timings; the zero value means controller.DefaultConfig.
	Controller controller.Config
}

// Deps are the collaborators wired in by main. Notifier, Metrics and
// Observer are optional.
type Deps struct {
	Actuator Actuator
	Usage    UsageSource
	Notifier notify.Notifier
	Metrics  metrics.MetricsCollector
	Observer Observer
	Logger   logger.Logger
}

type App struct {
	cfg        Config
	actuator   Actuator
	usage      UsageSource
	thermal    *thermal.Sampler
	controller *controller.Controller
	metrics    metrics.MetricsCollector
	observer   Observer
	logger     logger.Logger
	state      controller.State
}

func New(cfg Config, deps Deps) *App {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Controller == (controller.Config{}) {
		cfg.Controller = controller.DefaultConfig()
	}

	log := deps.Logger
	if log == nil {
		log = logger.Nop()
	}

	return &App{
		cfg:        cfg,
		actuator:   deps.Actuator,
		usage:      deps.Usage,
		thermal:    thermal.NewSampler(deps.Actuator, log.With("thermal")),
		controller: controller.New(cfg.Controller, deps.Actuator, deps.Notifier, log.With("controller")),
		metrics:    deps.Metrics,
		observer:   deps.Observer,
		logger:     log,
		state:      controller.NewState(),
	}
}

// Start takes manual control of the fans and applies the lowest level. If
// either step fails automatic control is restored before returning.
func (a *App) Start(ctx context.Context) error {
	errFactory := errors.New()

	if a.cfg.Monitor {
		a.logger.Info().Msg("Monitor mode activated, fan speed will not be changed")
		return nil
	}

	if err := a.actuator.EnableManualControl(ctx); err != nil {
		a.restoreAuto()
		return errFactory.Wrap(errors.ErrEnableManualFan, err)
	}

	if err := a.actuator.SetSpeed(ctx, fan.Lowest); err != nil {
		a.restoreAuto()
		return errFactory.Wrap(errors.ErrInitialFanSpeed, err).WithData(fan.Lowest.String())
	}

	a.state = controller.NewState()

	a.logger.Info().
		Int("speed", int(a.state.Current)).
		Msg("Manual fan control enabled")

	return nil
}

// Run ticks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			a.Tick(ctx, now)
		}
	}
}

// Tick runs one control cycle.
func (a *App) Tick(ctx context.Context, now time.Time) controller.Result {
	reading := a.thermal.Sample(ctx)
	snap := a.usage.Consume()

	proposal := decision.Propose(decision.Input{
		SpikeDetected: snap.SpikeDetected,
		SpikeSize:     snap.SpikeSize,
		MaxTemp:       reading.MaxTemp,
		TempRate:      reading.Rate,
		WindowLen:     reading.WindowLen,
	})

	var res controller.Result
	if a.cfg.Monitor {
		res = controller.Result{
			Action: controller.ActionUnchanged,
			From:   a.state.Current,
			Target: proposal.Target,
		}
		a.logger.Info().
			Int("speed", int(a.state.Current)).
			Int("target", int(proposal.Target)).
			Str("reason", proposal.Reason).
			Msg("Monitor")
	} else {
		a.state, res = a.controller.Step(ctx, a.state, controller.Input{
			Now:      now,
			Proposal: proposal,
			Usage:    snap,
			MaxTemp:  reading.MaxTemp,
		})
	}

	a.record(ctx, now, reading, snap, proposal, res)

	return res
}

// Shutdown hands fan control back to the BMC. It uses its own context so it
// completes even when the run context is already cancelled.
func (a *App) Shutdown() error {
	if a.cfg.Monitor {
		return nil
	}

	if err := a.actuator.EnableAutoControl(context.Background()); err != nil {
		return errors.New().Wrap(errors.ErrEnableAutoFan, err)
	}

	a.logger.Info().Msg("Automatic fan control restored")

	return nil
}

// State returns the controller state after the last tick.
func (a *App) State() controller.State {
	return a.state
}

func (a *App) restoreAuto() {
	if err := a.actuator.EnableAutoControl(context.Background()); err != nil {
		a.logger.Error().Err(err).Msg("Failed to restore automatic fan control")
	}
}

func (a *App) record(
	ctx context.Context,
	now time.Time,
	reading thermal.Reading,
	snap usage.Snapshot,
	proposal decision.Proposal,
	res controller.Result,
) {
	if a.metrics != nil {
		err := a.metrics.Record(ctx, &metrics.MetricsSnapshot{
			Timestamp: now,
			FanSpeed: metrics.FanMetrics{
				Current: int(a.state.Current),
				Target:  int(proposal.Target),
				RPM:     res.RPM,
			},
			Temperature: metrics.TempMetrics{
				Max:   reading.MaxTemp,
				Rate:  reading.Rate,
				Trend: string(reading.Trend),
				Stale: reading.Stale,
			},
			Usage: metrics.UsageMetrics{
				Current:   snap.Usage,
				Average:   snap.Average,
				SpikeSize: snap.SpikeSize,
				Spike:     snap.SpikeDetected,
			},
			Decision: metrics.DecisionMetrics{
				Action: string(res.Action),
				Cause:  string(proposal.Cause),
				Reason: proposal.Reason,
			},
		})
		if err != nil {
			a.logger.Warn().Err(err).Msg("Failed to record metrics")
		}
	}

	if a.observer != nil {
		a.observer.Observe(telemetry.Sample{
			Current:   int(a.state.Current),
			Target:    int(proposal.Target),
			RPM:       res.RPM,
			MaxTemp:   reading.MaxTemp,
			TempRate:  reading.Rate,
			TempStale: reading.Stale,
			Usage:     snap.Usage,
			UsageAvg:  snap.Average,
			Spike:     snap.SpikeDetected,
			Changed:   res.Changed(),
			Action:    string(res.Action),
		})
	}
}
