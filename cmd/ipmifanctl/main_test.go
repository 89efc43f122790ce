package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/ipmifanctl/internal/config"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/usage"
	"github.com/prometheus/procfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBMC answers ipmitool invocations by their raw command suffix.
type fakeBMC struct {
	mu      sync.Mutex
	calls   []string
	fail    bool
	pidFile string
	// markerAtAuto records whether the marker still existed when automatic
	// control was restored.
	markerAtAuto bool
}

func (b *fakeBMC) Run(_ context.Context, _ string, args ...string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	joined := strings.Join(args, " ")
	var name string
	switch {
	case strings.HasSuffix(joined, "raw 0x30 0x30 0x01 0x00"):
		name = "manual"
	case strings.HasSuffix(joined, "raw 0x30 0x30 0x01 0x01"):
		name = "auto"
		_, err := os.Stat(b.pidFile)
		b.markerAtAuto = err == nil
	case strings.Contains(joined, "raw 0x30 0x30 0x02 0xff"):
		name = "set " + args[len(args)-1]
	default:
		name = joined
	}
	b.calls = append(b.calls, name)

	if b.fail {
		return nil, fmt.Errorf("exit status 1: Unable to send RAW command")
	}
	return nil, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	return &config.Config{
		Interval:      time.Second,
		UsageInterval: 10 * time.Millisecond,
		HoldTime:      config.DefaultHoldTime,
		DropDelay:     config.DefaultDropDelay,
		IPMITool:      config.DefaultIPMITool,
		IPMIInterface: config.DefaultIPMIInterface,
		Sudo:          true,
		Retries:       1,
		PIDFile:       filepath.Join(t.TempDir(), "ipmifanctl.pid"),
		LogLevel:      config.DefaultLogLevel,
	}
}

func testEnv(bmc *fakeBMC) environment {
	return environment{
		runner: bmc,
		cpuTimes: func() (usage.CPUTimesFunc, error) {
			return func() (procfs.CPUStat, error) { return procfs.CPUStat{}, nil }, nil
		},
		log: logger.Nop(),
	}
}

func TestRunMarkerConflict(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.PIDFile, []byte("4242"), 0o644))
	bmc := &fakeBMC{pidFile: cfg.PIDFile}

	code := run(context.Background(), cfg, testEnv(bmc))

	assert.Equal(t, 1, code)
	assert.Empty(t, bmc.calls, "hardware must not be touched")
	b, err := os.ReadFile(cfg.PIDFile)
	require.NoError(t, err)
	assert.Equal(t, "4242", string(b))
}

func TestRunStartFailure(t *testing.T) {
	cfg := testConfig(t)
	bmc := &fakeBMC{pidFile: cfg.PIDFile, fail: true}
	var logs bytes.Buffer
	env := testEnv(bmc)
	env.log = logger.New(&logs)

	code := run(context.Background(), cfg, env)

	assert.Equal(t, 1, code)
	assert.Equal(t, []string{"manual", "auto"}, bmc.calls)
	assert.Contains(t, logs.String(), `"error_code":"init_app_failed"`)
	assert.True(t, bmc.markerAtAuto)
	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err), "marker removed on failed start")
}

func TestRunCPUUnavailable(t *testing.T) {
	cfg := testConfig(t)
	bmc := &fakeBMC{pidFile: cfg.PIDFile}
	env := testEnv(bmc)
	env.cpuTimes = func() (usage.CPUTimesFunc, error) {
		return nil, fmt.Errorf("no /proc")
	}

	code := run(context.Background(), cfg, env)

	assert.Equal(t, 1, code)
	assert.Empty(t, bmc.calls)
	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}

func TestRunShutdownRestoresAutoBeforeRemovingMarker(t *testing.T) {
	cfg := testConfig(t)
	bmc := &fakeBMC{pidFile: cfg.PIDFile}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	code := run(ctx, cfg, testEnv(bmc))

	assert.Equal(t, 0, code)
	assert.Equal(t, []string{"manual", "set 0x19", "auto"}, bmc.calls)
	assert.True(t, bmc.markerAtAuto, "auto control restored while the marker is held")
	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
}
