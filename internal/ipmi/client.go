// Package ipmi drives the BMC through ipmitool: manual/automatic fan mode,
// discrete fan levels, temperature sensors and fan RPM.
package ipmi

import (
	"context"
	"strings"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/fan"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultPath      = "/usr/bin/ipmitool"
	DefaultInterface = "open"
	DefaultAttempts  = 3
	DefaultDelay     = 500 * time.Millisecond
)

// Dell raw fan commands.
var (
	rawManualControl = []string{"raw", "0x30", "0x30", "0x01", "0x00"}
	rawAutoControl   = []string{"raw", "0x30", "0x30", "0x01", "0x01"}
	rawSetSpeed      = []string{"raw", "0x30", "0x30", "0x02", "0xff"}
)

type Config struct {
	Path      string
	Interface string
	Sudo      bool
	// Attempts is the total number of tries for raw commands.
	Attempts int
	Delay    time.Duration
}

func DefaultConfig() Config {
	return Config{
		Path:      DefaultPath,
		Interface: DefaultInterface,
		Sudo:      true,
		Attempts:  DefaultAttempts,
		Delay:     DefaultDelay,
	}
}

type Client struct {
	cfg    Config
	runner Runner
	logger logger.Logger
}

func NewClient(cfg Config, runner Runner, log logger.Logger) *Client {
	if cfg.Path == "" {
		cfg.Path = DefaultPath
	}
	if cfg.Interface == "" {
		cfg.Interface = DefaultInterface
	}
	if cfg.Attempts < 1 {
		cfg.Attempts = 1
	}
	if runner == nil {
		runner = ExecRunner{}
	}

	return &Client{
		cfg:    cfg,
		runner: runner,
		logger: log,
	}
}

// EnableManualControl hands fan control to software.
func (c *Client) EnableManualControl(ctx context.Context) error {
	return c.retry(ctx, rawManualControl)
}

// EnableAutoControl hands fan control back to the BMC.
func (c *Client) EnableAutoControl(ctx context.Context) error {
	return c.retry(ctx, rawAutoControl)
}

// SetSpeed applies a discrete fan level to all fans.
func (c *Client) SetSpeed(ctx context.Context, level fan.Level) error {
	args := append(append([]string(nil), rawSetSpeed...), level.Hex())
	return c.retry(ctx, args)
}

// ReadTemperatures reads the sensor table once. Sensor reads are not retried;
// the caller falls back to the last known value.
func (c *Client) ReadTemperatures(ctx context.Context) (Temperatures, error) {
	errFactory := errors.New()

	out, err := c.run(ctx, "sensor")
	if err != nil {
		return Temperatures{}, errFactory.Wrap(ErrSensorReadFailed, err)
	}

	return ParseSensors(out)
}

// FanRPM returns the mean RPM of fans 1 to 6.
func (c *Client) FanRPM(ctx context.Context) (int, error) {
	errFactory := errors.New()

	out, err := c.run(ctx, "sdr", "type", "Fan")
	if err != nil {
		return 0, errFactory.Wrap(ErrFanReadFailed, err)
	}

	return ParseFanRPM(out)
}

func (c *Client) run(ctx context.Context, args ...string) ([]byte, error) {
	name, argv := c.command(args...)
	return c.runner.Run(ctx, name, argv...)
}

func (c *Client) command(args ...string) (string, []string) {
	argv := make([]string, 0, len(args)+4)
	name := c.cfg.Path
	if c.cfg.Sudo {
		name = "sudo"
		argv = append(argv, c.cfg.Path)
	}
	argv = append(argv, "-I", c.cfg.Interface)
	argv = append(argv, args...)

	return name, argv
}

func (c *Client) retry(ctx context.Context, args []string) error {
	errFactory := errors.New()
	cmd := strings.Join(args, " ")

	attempt := 0
	op := func() error {
		attempt++
		if _, err := c.run(ctx, args...); err != nil {
			c.logger.Warn().
				Err(err).
				Int("attempt", attempt).
				Int("attempts", c.cfg.Attempts).
				Str("command", cmd).
				Msg("ipmitool attempt failed")
			return errFactory.Wrap(ErrCommandFailed, err)
		}
		return nil
	}

	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(c.cfg.Delay), uint64(c.cfg.Attempts-1)),
		ctx,
	)

	if err := backoff.Retry(op, b); err != nil {
		c.logger.Error().
			Int("attempts", attempt).
			Str("command", cmd).
			Msg("ipmitool failed after retries")
		return errFactory.Wrap(ErrRetriesExhausted, err).WithData(cmd)
	}

	return nil
}
