package ipmi

import (
	"bufio"
	"bytes"
	"regexp"
	"strconv"
	"strings"

	"codeberg.org/mutker/ipmifanctl/internal/errors"
)

// Temperatures holds the four monitored chassis readings in whole °C.
type Temperatures struct {
	Inlet   int
	Exhaust int
	CPU1    int
	CPU2    int
}

// Max returns the highest of the four readings.
func (t Temperatures) Max() int {
	return max(t.Inlet, t.Exhaust, t.CPU1, t.CPU2)
}

var fanRowPattern = regexp.MustCompile(`Fan[1-6]`)

// ParseSensors extracts the inlet, exhaust and both CPU temperatures from
// `ipmitool sensor` output. The two rows labelled exactly "Temp" are CPU1 and
// CPU2 in that order. Fractional readings are truncated.
func ParseSensors(out []byte) (Temperatures, error) {
	errFactory := errors.New()

	var (
		t       Temperatures
		found   = map[string]bool{}
		cpuRows int
	)

	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		parts := splitRow(scanner.Text())
		if len(parts) < 2 {
			continue
		}

		var (
			name   string
			target *int
		)
		switch {
		case strings.Contains(parts[0], "Inlet Temp"):
			name, target = "inlet", &t.Inlet
		case strings.Contains(parts[0], "Exhaust Temp"):
			name, target = "exhaust", &t.Exhaust
		case parts[0] == "Temp" && cpuRows == 0:
			name, target = "cpu1", &t.CPU1
			cpuRows++
		case parts[0] == "Temp" && cpuRows == 1:
			name, target = "cpu2", &t.CPU2
			cpuRows++
		default:
			continue
		}

		v, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return Temperatures{}, errFactory.Wrap(ErrSensorParseFailed, err).WithData(name)
		}
		*target = int(v)
		found[name] = true
	}
	if err := scanner.Err(); err != nil {
		return Temperatures{}, errFactory.Wrap(ErrSensorParseFailed, err)
	}

	var missing []string
	for _, name := range []string{"inlet", "exhaust", "cpu1", "cpu2"} {
		if !found[name] {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return Temperatures{}, errFactory.WithData(ErrSensorParseFailed, "missing readings: "+strings.Join(missing, ", "))
	}

	return t, nil
}

// ParseFanRPM averages the reading column of `ipmitool sdr type Fan` rows for
// fans 1 to 6. Rows without a numeric reading are ignored.
func ParseFanRPM(out []byte) (int, error) {
	errFactory := errors.New()

	var sum, n int
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := scanner.Text()
		if !fanRowPattern.MatchString(line) {
			continue
		}
		parts := splitRow(line)
		if len(parts) < 5 {
			continue
		}
		reading := strings.TrimSpace(strings.TrimSuffix(parts[4], "RPM"))
		v, err := strconv.ParseFloat(reading, 64)
		if err != nil {
			continue
		}
		sum += int(v)
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, errFactory.Wrap(ErrFanParseFailed, err)
	}
	if n == 0 {
		return 0, errFactory.WithData(ErrFanParseFailed, "no fan readings")
	}

	return sum / n, nil
}

func splitRow(line string) []string {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}

	return parts
}
