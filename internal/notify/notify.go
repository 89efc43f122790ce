// Package notify delivers best-effort desktop notifications about fan speed
// changes. Delivery failures are logged and never reach the control loop.
package notify

import (
	"context"
	"fmt"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/fan"
)

const ErrDeliveryFailed = errors.ErrorCode("notify_delivery_failed")

type Direction string

const (
	Increased Direction = "Increased"
	Decreased Direction = "Decreased"
)

// Message describes one applied speed change.
type Message struct {
	Direction Direction
	Speed     fan.Level
	RPM       int
	Reason    string
	Usage     float64
	UsageAvg  float64
	MaxTemp   int
	Hold      time.Duration
}

func (m Message) Title() string {
	return "Fan Speed " + string(m.Direction)
}

func (m Message) Body() string {
	return fmt.Sprintf(
		"Speed %s to %d%% (~%d RPM) due to %s. Current load: %.1f%% (Avg: %.1f%%), Temp: %d°C. Will hold for %ds.",
		lower(m.Direction), int(m.Speed), m.RPM, m.Reason, m.Usage, m.UsageAvg, m.MaxTemp, int(m.Hold.Seconds()),
	)
}

type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Runner executes an external command.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Desktop sends notifications to a logged-in user's session through
// systemd-run and dunstify.
type Desktop struct {
	user   string
	runner Runner
}

func NewDesktop(user string, runner Runner) *Desktop {
	return &Desktop{
		user:   user,
		runner: runner,
	}
}

func (d *Desktop) Notify(ctx context.Context, msg Message) error {
	_, err := d.runner.Run(ctx, "systemd-run",
		fmt.Sprintf("--machine=%s@.host", d.user), "--user",
		"dunstify", "-u", "normal", "-t", "10000",
		msg.Title(), msg.Body(),
	)
	if err != nil {
		return errors.New().Wrap(ErrDeliveryFailed, err)
	}

	return nil
}

// Nop discards every message.
type Nop struct{}

func (Nop) Notify(context.Context, Message) error { return nil }

func lower(d Direction) string {
	switch d {
	case Increased:
		return "increased"
	case Decreased:
		return "decreased"
	default:
		return string(d)
	}
}
