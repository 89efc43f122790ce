package metrics_test

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/metrics"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func snapshot(ts time.Time, current, target int) *metrics.MetricsSnapshot {
	return &metrics.MetricsSnapshot{
		Timestamp:   ts,
		FanSpeed:    metrics.FanMetrics{Current: current, Target: target, RPM: 7200},
		Temperature: metrics.TempMetrics{Max: 41, Rate: 0.4, Trend: "rising"},
		Usage:       metrics.UsageMetrics{Current: 33.3, Average: 20.1, SpikeSize: 7.5, Spike: true},
		Decision:    metrics.DecisionMetrics{Action: "increased", Cause: "spike", Reason: "small usage spike of 7.5%"},
	}
}

func countTicks(t *testing.T, path string) int {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM ticks").Scan(&n))
	return n
}

func TestDisabledServiceIsNoop(t *testing.T) {
	svc, err := metrics.NewService(metrics.DefaultConfig(), logger.Nop())
	require.NoError(t, err)
	assert.NoError(t, svc.Record(context.Background(), snapshot(time.Now(), 25, 25)))
	assert.NoError(t, svc.Close())
}

func TestInvalidConfig(t *testing.T) {
	_, err := metrics.NewService(metrics.Config{Enabled: true}, logger.Nop())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidDBPath))
}

func TestRecordFlushesInBatches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "metrics.db")
	svc, err := metrics.NewService(metrics.Config{
		DBPath:       path,
		BatchSize:    2,
		BatchTimeout: time.Hour,
		Enabled:      true,
	}, logger.Nop())
	require.NoError(t, err)

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, svc.Record(ctx, snapshot(now, 25, 40)))
	require.NoError(t, svc.Record(ctx, snapshot(now.Add(time.Second), 40, 40)))
	assert.Equal(t, 2, countTicks(t, path), "a full batch is written immediately")

	require.NoError(t, svc.Record(ctx, snapshot(now.Add(2*time.Second), 40, 60)))
	require.NoError(t, svc.Close())
	assert.Equal(t, 3, countTicks(t, path), "close flushes the remainder")
}

func TestRecordRejectsNil(t *testing.T) {
	svc, err := metrics.NewService(metrics.Config{
		DBPath:  filepath.Join(t.TempDir(), "metrics.db"),
		Enabled: true,
	}, logger.Nop())
	require.NoError(t, err)
	defer svc.Close()

	err = svc.Record(context.Background(), nil)
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, metrics.ErrInvalidMetrics))
}

func TestSchemaMismatchBacksUpAndRecreates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "metrics.db")
	backups := filepath.Join(dir, "backups")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TABLE schema_versions (version INTEGER PRIMARY KEY, applied_at TEXT NOT NULL);
		INSERT INTO schema_versions VALUES (99, datetime('now'));
		CREATE TABLE ticks (legacy TEXT);`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	repo, err := metrics.NewRepository(metrics.Config{DBPath: path, BackupDir: backups, BatchSize: 1}, logger.Nop())
	require.NoError(t, err)
	require.NoError(t, repo.Record(snapshot(time.Now(), 60, 60)))
	require.NoError(t, repo.Close())

	entries, err := os.ReadDir(backups)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "metrics_v99_")

	db, err = sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()
	version, err := metrics.GetSchemaVersion(db)
	require.NoError(t, err)
	assert.Equal(t, metrics.SchemaVersion, version)
	assert.Equal(t, 1, countTicks(t, path))
}
