package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const (
	DefaultConfigFile    = "/etc/ipmifanctl.toml"
	DefaultEnvPrefix     = "IPMIFANCTL"
	DefaultLogLevel      = "info"
	DefaultInterval      = time.Second
	DefaultUsageInterval = 200 * time.Millisecond
	DefaultHoldTime      = 30 * time.Second
	DefaultDropDelay     = 30 * time.Second
	DefaultIPMITool      = "/usr/bin/ipmitool"
	DefaultIPMIInterface = "open"
	DefaultRetries       = 3
	DefaultRetryDelay    = 500 * time.Millisecond
	DefaultPIDFile       = "/tmp/ipmifanctl.pid"
	DefaultMetricsDB     = "/var/lib/ipmifanctl/metrics.db"
)

type Config struct {
	Interval            time.Duration `mapstructure:"interval"`
	UsageInterval       time.Duration `mapstructure:"usage_interval"`
	HoldTime            time.Duration `mapstructure:"hold_time"`
	DropDelay           time.Duration `mapstructure:"drop_delay"`
	IPMITool            string        `mapstructure:"ipmitool"`
	IPMIInterface       string        `mapstructure:"ipmi_interface"`
	Sudo                bool          `mapstructure:"sudo"`
	Retries             int           `mapstructure:"retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay"`
	PIDFile             string        `mapstructure:"pid_file"`
	LogLevel            string        `mapstructure:"log_level"`
	LogFile             string        `mapstructure:"log_file"`
	Notify              bool          `mapstructure:"notify"`
	NotifyUser          string        `mapstructure:"notify_user"`
	Monitor             bool          `mapstructure:"monitor"`
	Metrics             bool          `mapstructure:"metrics"`
	MetricsDB           string        `mapstructure:"metrics_db"`
	MetricsBatchSize    int           `mapstructure:"metrics_batch_size"`
	MetricsBatchTimeout time.Duration `mapstructure:"metrics_batch_timeout"`
	TelemetryListen     string        `mapstructure:"telemetry_listen"`
}

// Load reads configuration from defaults, the TOML config file, environment
// variables and command line flags, in increasing order of precedence.
func Load(opts ...Option) (*Config, error) {
	errFactory := errors.New()

	o := &options{
		envPrefix: DefaultEnvPrefix,
		args:      os.Args[1:],
	}
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
		}
	}

	v := viper.New()
	setDefaults(v)

	flags := newFlagSet()
	if err := flags.Parse(o.args); err != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, err)
	}

	v.SetEnvPrefix(o.envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := readConfigFile(v, o); err != nil {
		return nil, err
	}

	// Flags use dashes, config keys use underscores.
	var bindErr error
	flags.VisitAll(func(f *pflag.Flag) {
		if bindErr == nil {
			bindErr = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
		}
	})
	if bindErr != nil {
		return nil, errFactory.Wrap(errors.ErrBindFlags, bindErr)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errFactory.Wrap(errors.ErrInvalidConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("interval", DefaultInterval)
	v.SetDefault("usage_interval", DefaultUsageInterval)
	v.SetDefault("hold_time", DefaultHoldTime)
	v.SetDefault("drop_delay", DefaultDropDelay)
	v.SetDefault("ipmitool", DefaultIPMITool)
	v.SetDefault("ipmi_interface", DefaultIPMIInterface)
	v.SetDefault("sudo", true)
	v.SetDefault("retries", DefaultRetries)
	v.SetDefault("retry_delay", DefaultRetryDelay)
	v.SetDefault("pid_file", DefaultPIDFile)
	v.SetDefault("log_level", DefaultLogLevel)
	v.SetDefault("log_file", "")
	v.SetDefault("notify", false)
	v.SetDefault("notify_user", "")
	v.SetDefault("monitor", false)
	v.SetDefault("metrics", false)
	v.SetDefault("metrics_db", DefaultMetricsDB)
	v.SetDefault("metrics_batch_size", 30)
	v.SetDefault("metrics_batch_timeout", 30*time.Second)
	v.SetDefault("telemetry_listen", "")
}

func newFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("ipmifanctl", pflag.ContinueOnError)
	flags.Duration("interval", DefaultInterval, "Interval between control ticks")
	flags.Duration("usage-interval", DefaultUsageInterval, "CPU usage sampling interval")
	flags.Duration("hold-time", DefaultHoldTime, "Cooldown after any applied speed change")
	flags.Duration("drop-delay", DefaultDropDelay, "How long a lower speed must be proposed before dropping")
	flags.String("ipmitool", DefaultIPMITool, "Path to ipmitool")
	flags.String("ipmi-interface", DefaultIPMIInterface, "ipmitool interface (-I)")
	flags.Bool("sudo", true, "Run ipmitool through sudo")
	flags.Int("retries", DefaultRetries, "Attempts per ipmitool command")
	flags.Duration("retry-delay", DefaultRetryDelay, "Delay between ipmitool attempts")
	flags.String("pid-file", DefaultPIDFile, "Process singleton marker")
	flags.String("log-level", DefaultLogLevel, "Log level (debug, info, warning, error)")
	flags.String("log-file", "", "Append audit log lines to this file")
	flags.Bool("notify", false, "Send desktop notifications on speed changes")
	flags.String("notify-user", "", "Desktop user receiving notifications")
	flags.Bool("monitor", false, "Only monitor sensors and log decisions")
	flags.Bool("metrics", false, "Record tick history to SQLite")
	flags.String("metrics-db", DefaultMetricsDB, "Path to the metrics database")
	flags.Int("metrics-batch-size", 30, "Snapshots buffered before a metrics flush")
	flags.Duration("metrics-batch-timeout", 30*time.Second, "Maximum time between metrics flushes")
	flags.String("telemetry-listen", "", "Address for the Prometheus /metrics endpoint (empty disables)")

	return flags
}

func readConfigFile(v *viper.Viper, o *options) error {
	errFactory := errors.New()

	path := o.configPath
	explicit := path != ""
	if !explicit {
		path = os.Getenv(o.envPrefix + "_CONFIG")
		explicit = path != ""
	}
	if !explicit {
		path = DefaultConfigFile
	}

	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) && !explicit {
			return nil
		}
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	v.SetConfigFile(path)
	if filepath.Ext(path) != ".toml" {
		v.SetConfigType("toml")
	}
	if err := v.ReadInConfig(); err != nil {
		return errFactory.Wrap(errors.ErrReadConfig, err)
	}

	return nil
}

// Validate checks value ranges and returns a coded error for the first
// invalid field.
func (c *Config) Validate() error {
	errFactory := errors.New()

	if c.Interval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "interval: "+c.Interval.String())
	}
	if c.UsageInterval <= 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "usage_interval: "+c.UsageInterval.String())
	}
	if c.HoldTime < 0 || c.DropDelay < 0 || c.RetryDelay < 0 {
		return errFactory.WithData(errors.ErrInvalidInterval, "durations must not be negative")
	}
	if c.Retries < 1 {
		return errFactory.WithData(errors.ErrInvalidConfig, "retries must be at least 1")
	}
	if c.IPMITool == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "ipmitool path is empty")
	}
	if c.PIDFile == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "pid_file is empty")
	}
	if !LogLevel(strings.ToLower(c.LogLevel)).IsValid() {
		return errFactory.WithData(errors.ErrInvalidLogLevel, c.LogLevel)
	}
	if c.Notify && c.NotifyUser == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "notify_user is required when notify is enabled")
	}
	if c.Metrics && c.MetricsDB == "" {
		return errFactory.WithData(errors.ErrInvalidConfig, "metrics_db is empty")
	}

	return nil
}
