// Package decision maps the current load and temperature signals onto a
// proposed fan level. Spikes are evaluated first and pre-empt temperature.
package decision

import (
	"fmt"

	"codeberg.org/mutker/ipmifanctl/internal/fan"
)

const (
	// SpikeThreshold is the usage delta, in percentage points, between two
	// consecutive samples that counts as a spike.
	SpikeThreshold = 5.0

	// FastRiseRate is the temperature rate, in °C per window step, above
	// which the fast-rise override applies.
	FastRiseRate = 0.5

	// FastRiseMinSamples is the window length required before the rate is
	// trusted.
	FastRiseMinSamples = 5
)

// Cause identifies which branch produced a proposal.
type Cause string

const (
	CauseSpike           Cause = "spike"
	CauseTemperature     Cause = "temperature"
	CauseTemperatureRise Cause = "temperature_rise"
	CauseIdle            Cause = "idle"
)

// Input is a snapshot of the signals for one tick.
type Input struct {
	SpikeDetected bool
	SpikeSize     float64
	MaxTemp       int
	TempRate      float64
	WindowLen     int
}

// Proposal is the engine's output for one tick.
type Proposal struct {
	Target fan.Level
	Reason string
	Cause  Cause
}

type spikeBand struct {
	above float64
	level fan.Level
	label string
}

type tempBand struct {
	atLeast int
	level   fan.Level
	label   string
}

// Bands are evaluated highest first.
var (
	spikeBands = []spikeBand{
		{25, fan.Level100, "extreme"},
		{15, fan.Level80, "large"},
		{10, fan.Level60, "moderate"},
	}

	tempBands = []tempBand{
		{50, fan.Level100, "high"},
		{45, fan.Level80, "moderate"},
		{40, fan.Level60, "sustained"},
		{30, fan.Level40, "idle"},
	}
)

// Propose returns the target level for the given signals. It has no side
// effects.
func Propose(in Input) Proposal {
	if in.SpikeDetected {
		for _, b := range spikeBands {
			if in.SpikeSize > b.above {
				return spikeProposal(b.level, b.label, in.SpikeSize)
			}
		}

		return spikeProposal(fan.Level40, "small", in.SpikeSize)
	}

	for _, b := range tempBands {
		if in.MaxTemp >= b.atLeast {
			return Proposal{
				Target: b.level,
				Reason: fmt.Sprintf("%s temp (Temp: %d°C >= %d°C)", b.label, in.MaxTemp, b.atLeast),
				Cause:  CauseTemperature,
			}
		}
	}

	if in.WindowLen >= FastRiseMinSamples && in.TempRate > FastRiseRate {
		return Proposal{
			Target: fan.Level80,
			Reason: fmt.Sprintf("fast temp rise of %.1f°C/s", in.TempRate),
			Cause:  CauseTemperatureRise,
		}
	}

	return Proposal{
		Target: fan.Lowest,
		Reason: fmt.Sprintf("low temp (Temp: %d°C < %d°C)", in.MaxTemp, tempBands[len(tempBands)-1].atLeast),
		Cause:  CauseIdle,
	}
}

func spikeProposal(level fan.Level, label string, size float64) Proposal {
	return Proposal{
		Target: level,
		Reason: fmt.Sprintf("%s usage spike of %.1f%%", label, size),
		Cause:  CauseSpike,
	}
}
