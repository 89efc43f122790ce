package metrics

import (
	"path/filepath"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
)

const (
	// File system permissions and paths
	defaultDirPerm      = 0o755
	defaultDBPath       = "/var/lib/ipmifanctl/metrics.db"
	defaultBatchSize    = 30
	defaultBatchTimeout = 30 * time.Second
)

type Config struct {
	DBPath string
	// BackupDir receives a copy of the database before a schema change.
	// Defaults to a "backups" directory next to DBPath.
	BackupDir    string
	BatchSize    int
	BatchTimeout time.Duration
	Enabled      bool
}

func DefaultConfig() Config {
	return Config{
		DBPath:       defaultDBPath,
		BatchSize:    defaultBatchSize,
		BatchTimeout: defaultBatchTimeout,
		Enabled:      false, // Disabled by default
	}
}

func (c Config) Validate() error {
	errFactory := errors.New()

	// Only validate DBPath if metrics is enabled
	if c.Enabled && c.DBPath == "" {
		return errFactory.New(ErrInvalidDBPath)
	}
	if c.BatchSize < 0 || c.BatchTimeout < 0 {
		return errFactory.WithData(ErrInvalidConfig, "batch settings must not be negative")
	}

	return nil
}

func (c Config) backupDir() string {
	if c.BackupDir != "" {
		return c.BackupDir
	}

	return filepath.Join(filepath.Dir(c.DBPath), "backups")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
