package metrics

import (
	"context"
	"time"
)

// MetricsCollector defines the core domain interface
type MetricsCollector interface {
	Record(ctx context.Context, snapshot *MetricsSnapshot) error
	Close() error
}

// MetricsRepository defines the interface for metrics data storage
type MetricsRepository interface {
	Record(snapshot *MetricsSnapshot) error
	Close() error
}

// MetricsSnapshot is one control tick as seen by the history store.
type MetricsSnapshot struct {
	Timestamp   time.Time
	FanSpeed    FanMetrics
	Temperature TempMetrics
	Usage       UsageMetrics
	Decision    DecisionMetrics
}

// Domain value objects
type FanMetrics struct {
	Current int
	Target  int
	RPM     int
}

type TempMetrics struct {
	Max   int
	Rate  float64
	Trend string
	Stale bool
}

type UsageMetrics struct {
	Current   float64
	Average   float64
	SpikeSize float64
	Spike     bool
}

type DecisionMetrics struct {
	Action string
	Cause  string
	Reason string
}
