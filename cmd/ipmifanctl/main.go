package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"codeberg.org/mutker/ipmifanctl/internal/app"
	"codeberg.org/mutker/ipmifanctl/internal/config"
	"codeberg.org/mutker/ipmifanctl/internal/controller"
	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/ipmi"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/metrics"
	"codeberg.org/mutker/ipmifanctl/internal/notify"
	"codeberg.org/mutker/ipmifanctl/internal/pid"
	"codeberg.org/mutker/ipmifanctl/internal/telemetry"
	"codeberg.org/mutker/ipmifanctl/internal/usage"
	"golang.org/x/sync/errgroup"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

const notifyQueueSize = 16

// environment holds what run takes from the host, so tests can substitute
// the BMC and /proc.
type environment struct {
	runner   ipmi.Runner
	cpuTimes func() (usage.CPUTimesFunc, error)
	log      logger.Logger
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(1)
	}

	closer, err := logger.Init(logger.Options{
		Level:     level,
		IsService: logger.IsService(),
		AuditFile: cfg.LogFile,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	code := run(ctx, cfg, environment{
		runner: ipmi.ExecRunner{},
		cpuTimes: func() (usage.CPUTimesFunc, error) {
			return usage.NewProcStat("/proc")
		},
		log: logger.Default(),
	})

	stop()
	closer.Close()
	os.Exit(code)
}

// run owns the process lifecycle: marker, startup, the concurrent activities
// and teardown. It returns the exit code.
func run(ctx context.Context, cfg *config.Config, env environment) int {
	errFactory := errors.New()
	log := env.log

	log.Info().
		Str("version", version).
		Dur("interval", cfg.Interval).
		Bool("monitor", cfg.Monitor).
		Msg("Initializing fan control")

	if err := pid.Write(cfg.PIDFile); err != nil {
		logError(log, err, "Failed to acquire process marker")
		return 1
	}
	defer func() {
		if err := pid.Remove(cfg.PIDFile); err != nil {
			logError(log, err, "Failed to remove process marker")
		}
	}()

	readCPU, err := env.cpuTimes()
	if err != nil {
		logError(log, errFactory.Wrap(errors.ErrInitApp, err), "CPU usage unavailable")
		return 1
	}
	sampler := usage.NewSampler(readCPU, cfg.UsageInterval, log.With("usage"))

	bmc := ipmi.NewClient(ipmi.Config{
		Path:      cfg.IPMITool,
		Interface: cfg.IPMIInterface,
		Sudo:      cfg.Sudo,
		Attempts:  cfg.Retries,
		Delay:     cfg.RetryDelay,
	}, env.runner, log.With("ipmi"))

	var (
		notifier   notify.Notifier = notify.Nop{}
		dispatcher *notify.Dispatcher
	)
	if cfg.Notify {
		dispatcher = notify.NewDispatcher(
			notify.NewDesktop(cfg.NotifyUser, env.runner),
			notifyQueueSize,
			log.With("notify"),
		)
		notifier = dispatcher
	}

	collector, err := metrics.NewService(metrics.Config{
		DBPath:       cfg.MetricsDB,
		BatchSize:    cfg.MetricsBatchSize,
		BatchTimeout: cfg.MetricsBatchTimeout,
		Enabled:      cfg.Metrics,
	}, log.With("metrics"))
	if err != nil {
		logError(log, errFactory.Wrap(errors.ErrInitApp, err), "Failed to initialize metrics")
		return 1
	}
	defer func() {
		if err := collector.Close(); err != nil {
			logError(log, err, "Failed to close metrics")
		}
	}()

	tel := telemetry.New()

	a := app.New(app.Config{
		Interval: cfg.Interval,
		Monitor:  cfg.Monitor,
		Controller: controller.Config{
			HoldTime:  cfg.HoldTime,
			DropDelay: cfg.DropDelay,
		},
	}, app.Deps{
		Actuator: bmc,
		Usage:    sampler,
		Notifier: notifier,
		Metrics:  collector,
		Observer: tel,
		Logger:   log,
	})

	if err := a.Start(ctx); err != nil {
		logError(log, errFactory.Wrap(errors.ErrInitApp, err), "Failed to take control of the fans")
		return 1
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sampler.Run(gctx) })
	g.Go(func() error { return a.Run(gctx) })
	if dispatcher != nil {
		g.Go(func() error { return dispatcher.Run(gctx) })
	}
	if cfg.TelemetryListen != "" {
		g.Go(func() error { return tel.Serve(gctx, cfg.TelemetryListen, log.With("telemetry")) })
	}

	code := 0
	if err := g.Wait(); err != nil {
		logError(log, errFactory.Wrap(errors.ErrMainLoop, err), "Error in main loop")
		code = 1
	}

	log.Info().Msg("Shutting down")
	if err := a.Shutdown(); err != nil {
		logError(log, errFactory.Wrap(errors.ErrShutdownFailed, err), "Failed to restore automatic fan control")
		code = 1
	}

	log.Info().Msg("Exiting...")

	return code
}

func logError(log logger.Logger, err error, msg string) {
	var appErr errors.Error
	if errors.As(err, &appErr) {
		log.ErrorWithCode(appErr).Msg(msg)
		return
	}
	log.Error().Err(err).Msg(msg)
}
