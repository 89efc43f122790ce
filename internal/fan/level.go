// Package fan models the discrete fan effort levels accepted by the BMC.
package fan

import "fmt"

// Level is a fan effort in percent of maximum. Only the values in Levels are
// meaningful; the order of the underlying integers is the order of effort.
type Level int

const (
	Level25  Level = 25
	Level40  Level = 40
	Level60  Level = 60
	Level80  Level = 80
	Level100 Level = 100

	Lowest  = Level25
	Highest = Level100
)

var levelBytes = map[Level]byte{
	Level25:  0x19,
	Level40:  0x28,
	Level60:  0x3c,
	Level80:  0x50,
	Level100: 0x64,
}

// Levels returns every known level in ascending order.
func Levels() []Level {
	return []Level{Level25, Level40, Level60, Level80, Level100}
}

// Parse returns the level for a percentage. Unknown values map to Lowest and
// ok is false.
func Parse(percent int) (level Level, ok bool) {
	l := Level(percent)
	if _, known := levelBytes[l]; !known {
		return Lowest, false
	}

	return l, true
}

// Valid reports whether l is one of the known levels.
func (l Level) Valid() bool {
	_, ok := levelBytes[l]
	return ok
}

// Byte returns the raw IPMI argument for the level, falling back to the
// lowest level's byte for unknown values.
func (l Level) Byte() byte {
	if b, ok := levelBytes[l]; ok {
		return b
	}

	return levelBytes[Lowest]
}

// Hex renders Byte as ipmitool expects it on the command line.
func (l Level) Hex() string {
	return fmt.Sprintf("0x%02x", l.Byte())
}

func (l Level) String() string {
	return fmt.Sprintf("%d%%", int(l))
}
