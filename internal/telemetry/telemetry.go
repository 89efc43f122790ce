// Package telemetry exposes the controller's live state as Prometheus
// metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ipmifanctl"

// Sample is the per-tick view exported to Prometheus.
type Sample struct {
	Current   int
	Target    int
	RPM       int
	MaxTemp   int
	TempRate  float64
	TempStale bool
	Usage     float64
	UsageAvg  float64
	Spike     bool
	// Changed is set when the tick applied a new level; RPM is only read then.
	Changed bool
	// Action is the controller outcome for the tick, e.g. "increased".
	Action string
}

// Telemetry owns a private registry so tests and the process never share
// global collector state.
type Telemetry struct {
	registry *prometheus.Registry

	fanSpeed       prometheus.Gauge
	fanTarget      prometheus.Gauge
	fanRPM         prometheus.Gauge
	maxTemp        prometheus.Gauge
	tempRate       prometheus.Gauge
	usage          prometheus.Gauge
	usageAvg       prometheus.Gauge
	speedChanges   *prometheus.CounterVec
	actuatorErrors prometheus.Counter
	sensorErrors   prometheus.Counter
	spikes         prometheus.Counter
}

func New() *Telemetry {
	t := &Telemetry{
		registry: prometheus.NewRegistry(),
		fanSpeed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fan",
			Name:      "speed_percent",
			Help:      "Fan speed level currently applied.",
		}),
		fanTarget: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fan",
			Name:      "target_percent",
			Help:      "Fan speed level proposed on the last tick.",
		}),
		fanRPM: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "fan",
			Name:      "rpm",
			Help:      "Approximate mean fan RPM read after the last change.",
		}),
		maxTemp: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "temperature",
			Name:      "max_celsius",
			Help:      "Highest of the inlet, exhaust and CPU temperatures.",
		}),
		tempRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "temperature",
			Name:      "rise_rate",
			Help:      "Temperature rise over the last five samples, in degrees per sample.",
		}),
		usage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cpu",
			Name:      "usage_percent",
			Help:      "Latest CPU utilisation sample.",
		}),
		usageAvg: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cpu",
			Name:      "usage_avg_percent",
			Help:      "Mean CPU utilisation over the sample window.",
		}),
		speedChanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fan",
			Name:      "speed_changes_total",
			Help:      "Applied fan speed changes by direction.",
		}, []string{"direction"}),
		actuatorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipmi",
			Name:      "set_speed_failures_total",
			Help:      "Speed changes that failed after all retries.",
		}),
		sensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ipmi",
			Name:      "sensor_read_failures_total",
			Help:      "Ticks that reused the previous temperature reading.",
		}),
		spikes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cpu",
			Name:      "spikes_total",
			Help:      "Ticks that consumed a usage spike.",
		}),
	}

	t.registry.MustRegister(
		t.fanSpeed,
		t.fanTarget,
		t.fanRPM,
		t.maxTemp,
		t.tempRate,
		t.usage,
		t.usageAvg,
		t.speedChanges,
		t.actuatorErrors,
		t.sensorErrors,
		t.spikes,
	)

	return t
}

// Registry returns the registry backing /metrics.
func (t *Telemetry) Registry() *prometheus.Registry {
	return t.registry
}

// Observe records one tick.
func (t *Telemetry) Observe(s Sample) {
	t.fanSpeed.Set(float64(s.Current))
	t.fanTarget.Set(float64(s.Target))
	t.maxTemp.Set(float64(s.MaxTemp))
	t.tempRate.Set(s.TempRate)
	t.usage.Set(s.Usage)
	t.usageAvg.Set(s.UsageAvg)

	if s.Changed {
		t.fanRPM.Set(float64(s.RPM))
	}
	if s.TempStale {
		t.sensorErrors.Inc()
	}
	if s.Spike {
		t.spikes.Inc()
	}

	switch s.Action {
	case "increased":
		t.speedChanges.WithLabelValues("increase").Inc()
	case "decreased":
		t.speedChanges.WithLabelValues("decrease").Inc()
	case "failed":
		t.actuatorErrors.Inc()
	}
}
