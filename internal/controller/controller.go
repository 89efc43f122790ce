// Package controller implements the fan speed hysteresis state machine.
//
// Increases are applied on the tick that proposes them. Decreases must be
// proposed continuously for the drop delay and may only be applied once the
// cooldown from the previous change has passed. The controller is the only
// caller of the actuator's set-speed operation.
package controller

import (
	"context"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/decision"
	"codeberg.org/mutker/ipmifanctl/internal/fan"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/notify"
	"codeberg.org/mutker/ipmifanctl/internal/usage"
)

const (
	DefaultHoldTime  = 30 * time.Second
	DefaultDropDelay = 30 * time.Second
)

// Actuator applies fan levels and reports approximate fan RPM.
type Actuator interface {
	SetSpeed(ctx context.Context, level fan.Level) error
	FanRPM(ctx context.Context) (int, error)
}

// Trigger records what caused the last applied change.
type Trigger struct {
	Cause    decision.Cause
	Reason   string
	UsageAvg float64
	MaxTemp  int
	Time     time.Time
}

// State is the controller's cross-tick memory. It is a value: Step returns
// the next state and never mutates its argument.
type State struct {
	Current     fan.Level
	CooldownEnd time.Time
	// DropDelayStart is zero when no decrease is pending.
	DropDelayStart time.Time
	LastTrigger    Trigger
}

// NewState returns the state at process start: lowest level, no cooldown,
// nothing pending.
func NewState() State {
	return State{Current: fan.Lowest}
}

// DecreasePending reports whether a drop delay is running.
func (s State) DecreasePending() bool {
	return !s.DropDelayStart.IsZero()
}

// Input is everything one tick contributes.
type Input struct {
	Now      time.Time
	Proposal decision.Proposal
	Usage    usage.Snapshot
	MaxTemp  int
}

type Action string

const (
	ActionUnchanged    Action = "unchanged"
	ActionDelayStarted Action = "delay_started"
	ActionHeld         Action = "held"
	ActionIncreased    Action = "increased"
	ActionDecreased    Action = "decreased"
	ActionFailed       Action = "failed"
)

// Result describes what a tick did.
type Result struct {
	Action Action
	From   fan.Level
	Target fan.Level
	// Remaining is the cooldown left for ActionUnchanged, and the drop delay
	// left for ActionHeld.
	Remaining time.Duration
	RPM       int
}

// Changed reports whether the actuator was successfully driven to a new level.
func (r Result) Changed() bool {
	return r.Action == ActionIncreased || r.Action == ActionDecreased
}

type Config struct {
	HoldTime  time.Duration
	DropDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		HoldTime:  DefaultHoldTime,
		DropDelay: DefaultDropDelay,
	}
}

type Controller struct {
	cfg      Config
	actuator Actuator
	notifier notify.Notifier
	logger   logger.Logger
}

func New(cfg Config, actuator Actuator, notifier notify.Notifier, log logger.Logger) *Controller {
	if notifier == nil {
		notifier = notify.Nop{}
	}

	return &Controller{
		cfg:      cfg,
		actuator: actuator,
		notifier: notifier,
		logger:   log,
	}
}

// Step advances the state machine by one tick.
func (c *Controller) Step(ctx context.Context, st State, in Input) (State, Result) {
	target := in.Proposal.Target
	res := Result{From: st.Current, Target: target}

	switch {
	case target == st.Current:
		st.DropDelayStart = time.Time{}
		res.Action = ActionUnchanged
		res.Remaining = max(st.CooldownEnd.Sub(in.Now), 0)
		c.logger.Info().
			Int("speed", int(st.Current)).
			Dur("cooldown_left", res.Remaining.Truncate(time.Second)).
			Msg("Speed unchanged")
		return st, res

	case target > st.Current:
		return c.apply(ctx, st, in, notify.Increased)

	case !st.DecreasePending():
		st.DropDelayStart = in.Now
		res.Action = ActionDelayStarted
		res.Remaining = c.cfg.DropDelay
		c.logger.Info().
			Int("speed", int(st.Current)).
			Int("target", int(target)).
			Str("reason", in.Proposal.Reason).
			Dur("drop_delay", c.cfg.DropDelay).
			Msg("Speed drop proposed, starting delay")
		return st, res

	case in.Now.Sub(st.DropDelayStart) >= c.cfg.DropDelay && !in.Now.Before(st.CooldownEnd):
		return c.apply(ctx, st, in, notify.Decreased)

	default:
		res.Action = ActionHeld
		res.Remaining = max(c.cfg.DropDelay-in.Now.Sub(st.DropDelayStart), 0)
		c.logger.Info().
			Int("speed", int(st.Current)).
			Int("target", int(target)).
			Str("reason", in.Proposal.Reason).
			Dur("delay_left", res.Remaining.Truncate(time.Second)).
			Dur("cooldown_left", max(st.CooldownEnd.Sub(in.Now), 0).Truncate(time.Second)).
			Msg("Holding speed, drop delay active")
		return st, res
	}
}

// apply drives the actuator and, only on success, commits the new level,
// cooldown and trigger. On failure the state is returned untouched.
func (c *Controller) apply(ctx context.Context, st State, in Input, dir notify.Direction) (State, Result) {
	target := in.Proposal.Target
	res := Result{From: st.Current, Target: target}

	if err := c.actuator.SetSpeed(ctx, target); err != nil {
		res.Action = ActionFailed
		c.logger.Warn().
			Err(err).
			Str("direction", string(dir)).
			Int("speed", int(st.Current)).
			Int("target", int(target)).
			Msg("Failed to change fan speed")
		return st, res
	}

	rpm, err := c.actuator.FanRPM(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Fan RPM read failed")
		rpm = 0
	}

	next := st
	next.Current = target
	next.CooldownEnd = in.Now.Add(c.cfg.HoldTime)
	next.DropDelayStart = time.Time{}
	next.LastTrigger = Trigger{
		Cause:    in.Proposal.Cause,
		Reason:   in.Proposal.Reason,
		UsageAvg: in.Usage.Average,
		MaxTemp:  in.MaxTemp,
		Time:     in.Now,
	}

	res.RPM = rpm
	res.Action = ActionIncreased
	if dir == notify.Decreased {
		res.Action = ActionDecreased
	}

	c.logger.Info().
		Str("direction", string(dir)).
		Int("from", int(st.Current)).
		Int("speed", int(target)).
		Int("rpm", rpm).
		Str("reason", in.Proposal.Reason).
		Time("cooldown_end", next.CooldownEnd).
		Msg("Fan speed changed")

	msg := notify.Message{
		Direction: dir,
		Speed:     target,
		RPM:       rpm,
		Reason:    in.Proposal.Reason,
		Usage:     in.Usage.Usage,
		UsageAvg:  in.Usage.Average,
		MaxTemp:   in.MaxTemp,
		Hold:      c.cfg.HoldTime,
	}
	if err := c.notifier.Notify(ctx, msg); err != nil {
		c.logger.Warn().Err(err).Msg("Notification failed")
	}

	return next, res
}
