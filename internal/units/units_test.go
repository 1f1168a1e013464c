package units

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConvertVolume(t *testing.T) {
	v, err := Convert(1, "Volume", "hm^3", "m^3")
	require.NoError(t, err)
	assert.InDelta(t, 1e6, v, 1e-9)

	v, err = Convert(1, "Volume", "TAF", "ac-ft")
	require.NoError(t, err)
	assert.InDelta(t, 1000, v, 1e-6)
}

func TestConvertRoundTrip(t *testing.T) {
	v, err := Convert(123.4, "Volumetric flow rate", "hm^3 day^-1", "m^3 s^-1")
	require.NoError(t, err)
	back, err := Convert(v, "Volumetric flow rate", "m^3 s^-1", "hm^3 day^-1")
	require.NoError(t, err)
	assert.InDelta(t, 123.4, back, 1e-9)
}

func TestConvertTemperatureOffset(t *testing.T) {
	v, err := Convert(0, "Temperature", "C", "K")
	require.NoError(t, err)
	assert.InDelta(t, 273.15, v, 1e-9)
}

func TestConvertUnknown(t *testing.T) {
	_, err := Convert(1, "Volume", "bushel", "m^3")
	assert.Error(t, err)
	_, err = Convert(1, "Mass", "kg", "g")
	assert.Error(t, err)
	assert.False(t, Known("Volume", "bushel"))
	assert.True(t, Known("Volume", "hm^3"))
}
