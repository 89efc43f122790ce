// Package thermal tracks the chassis maximum temperature across ticks.
package thermal

import (
	"context"

	"codeberg.org/mutker/ipmifanctl/internal/ipmi"
	"codeberg.org/mutker/ipmifanctl/internal/logger"
	"codeberg.org/mutker/ipmifanctl/internal/window"
)

const (
	// InitialTemperature is assumed until the first successful read.
	InitialTemperature = 25
	rateSamples        = 5
)

type Trend string

const (
	TrendRising  Trend = "rising"
	TrendStable  Trend = "stable"
	TrendFalling Trend = "falling"
)

// Reader reads the four chassis temperature sensors.
type Reader interface {
	ReadTemperatures(ctx context.Context) (ipmi.Temperatures, error)
}

// Reading is the sampler's view after one tick. When Stale is set the sensor
// read failed and every field carries over from the previous tick.
type Reading struct {
	Temperatures ipmi.Temperatures
	MaxTemp      int
	Trend        Trend
	Rate         float64
	WindowLen    int
	Stale        bool
}

type Sampler struct {
	reader Reader
	logger logger.Logger
	window *window.Window[int]
	last   Reading
}

func NewSampler(reader Reader, log logger.Logger) *Sampler {
	return &Sampler{
		reader: reader,
		logger: log,
		window: window.New[int](window.DefaultSize),
		last: Reading{
			MaxTemp: InitialTemperature,
			Trend:   TrendStable,
		},
	}
}

// Sample reads the sensors once. It never fails: on a read error the last
// known reading is returned marked stale.
func (s *Sampler) Sample(ctx context.Context) Reading {
	temps, err := s.reader.ReadTemperatures(ctx)
	if err != nil {
		s.logger.Warn().
			Err(err).
			Int("max_temp", s.last.MaxTemp).
			Msg("Temperature read failed, reusing last known max temp")
		stale := s.last
		stale.Stale = true
		return stale
	}

	maxTemp := temps.Max()
	s.window.Push(maxTemp)

	r := Reading{
		Temperatures: temps,
		MaxTemp:      maxTemp,
		Trend:        trend(s.window.Len(), maxTemp, s.last.MaxTemp),
		Rate:         s.rate(maxTemp),
		WindowLen:    s.window.Len(),
	}
	s.last = r

	s.logger.Info().
		Int("inlet", temps.Inlet).
		Int("exhaust", temps.Exhaust).
		Int("cpu1", temps.CPU1).
		Int("cpu2", temps.CPU2).
		Int("max", maxTemp).
		Str("trend", string(r.Trend)).
		Float64("rate", r.Rate).
		Msg("Temps")

	return r
}

// Last returns the most recent successful reading, or the initial one.
func (s *Sampler) Last() Reading {
	return s.last
}

// rate is how far maxTemp sits above the lowest of the last five maxima,
// divided by five. It is zero until five samples exist.
func (s *Sampler) rate(maxTemp int) float64 {
	if s.window.Len() < rateSamples {
		return 0
	}
	lowest, _ := s.window.Min(rateSamples)

	return float64(maxTemp-lowest) / rateSamples
}

func trend(windowLen, current, previous int) Trend {
	switch {
	case windowLen > 1 && current > previous:
		return TrendRising
	case current == previous:
		return TrendStable
	default:
		return TrendFalling
	}
}
