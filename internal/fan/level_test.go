package fan_test

import (
	"testing"

	"codeberg.org/mutker/ipmifanctl/internal/fan"
	"github.com/stretchr/testify/assert"
)

func TestLevelBytes(t *testing.T) {
	tests := []struct {
		level fan.Level
		hex   string
	}{
		{fan.Level25, "0x19"},
		{fan.Level40, "0x28"},
		{fan.Level60, "0x3c"},
		{fan.Level80, "0x50"},
		{fan.Level100, "0x64"},
		{fan.Level(55), "0x19"},
		{fan.Level(0), "0x19"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.hex, tt.level.Hex(), "level %d", tt.level)
	}
}

func TestLevelsAreOrdered(t *testing.T) {
	levels := fan.Levels()
	assert.Equal(t, fan.Lowest, levels[0])
	assert.Equal(t, fan.Highest, levels[len(levels)-1])
	for i := 1; i < len(levels); i++ {
		assert.Less(t, levels[i-1], levels[i])
	}
}

func TestParse(t *testing.T) {
	l, ok := fan.Parse(80)
	assert.True(t, ok)
	assert.Equal(t, fan.Level80, l)

	l, ok = fan.Parse(70)
	assert.False(t, ok)
	assert.Equal(t, fan.Lowest, l)
	assert.False(t, fan.Level(70).Valid())
}
