package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestTokenizeBootArgs is a function.
func TestTokenizeBootArgs(t *testing.T) {
	type scenario struct {
		input    string
		expected []string
	}

	scenarios := []scenario{
		{"", []string{}},
		{"quiet", []string{"quiet"}},
		{"  quiet   ramdisk=rd0  ", []string{"quiet", "ramdisk=rd0"}},
	}

	for _, s := range scenarios {
		assert.EqualValues(t, s.expected, TokenizeBootArgs(s.input))
	}
}

// TestNewKernelConfigHonoursQuietArg is a function.
func TestNewKernelConfigHonoursQuietArg(t *testing.T) {
	t.Setenv("CONFIG_DIR", t.TempDir())

	cfg, err := NewKernelConfig("lux-test", "0.0.0", "", "", false, "", "quiet")
	assert.NoError(t, err)
	assert.True(t, cfg.UserConfig.Quiet)
	assert.Equal(t, []string{"quiet"}, cfg.BootArgs)
}

// TestDefaultLimitsMatchSpec is a function.
func TestDefaultLimitsMatchSpec(t *testing.T) {
	limits := DefaultLimits()
	assert.Equal(t, 80_000, limits.MaxPID)
	assert.Equal(t, 1024, limits.MaxIODescriptors)
	assert.Equal(t, 1<<18, limits.MaxSockets)
	assert.Equal(t, 1000, limits.TimerFrequencyHz)
}
