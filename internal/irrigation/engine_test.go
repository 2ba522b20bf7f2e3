package irrigation

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/field-gateway/internal/sensors"
	"github.com/agrimesh/field-gateway/internal/weather"
)

func testEngine() *Engine {
	return NewEngine(EngineConfig{
		RootDepthM:     0.3,
		SolarRadiation: 500,
		WindSpeed:      2,
	}, zerolog.Nop())
}

func dryReading() sensors.Reading {
	return sensors.Reading{SoilMoisture: 15, Temperature: 28, Humidity: 35}
}

func wetReading() sensors.Reading {
	return sensors.Reading{SoilMoisture: 85, Temperature: 18, Humidity: 80}
}

func TestComputeDurationDrySoilNeedsMoreWater(t *testing.T) {
	e := testEngine()
	dry := e.ComputeDuration(dryReading(), nil)
	wet := e.ComputeDuration(wetReading(), nil)
	require.Greater(t, dry, wet)
	require.Greater(t, dry, 0.0)
}

func TestComputeDurationForecastHoldsBackWater(t *testing.T) {
	e := testEngine()
	clear := e.ComputeDuration(dryReading(), &weather.Forecast{PrecipProb: 0.1})
	rainy := e.ComputeDuration(dryReading(), &weather.Forecast{PrecipProb: 0.6})
	require.Greater(t, clear, rainy)

	// Below the 30% threshold the forecast changes nothing.
	none := e.ComputeDuration(dryReading(), nil)
	require.InDelta(t, none, clear, 0.001)
}

func TestComputeDurationSaturatedSoil(t *testing.T) {
	e := testEngine()
	saturated := sensors.Reading{SoilMoisture: 100, Temperature: 25, Humidity: 50}
	require.Zero(t, e.ComputeDuration(saturated, nil))
}

func TestFrostProtection(t *testing.T) {
	e := testEngine()
	require.Zero(t, e.FrostProtectionSeconds(nil))
	require.Zero(t, e.FrostProtectionSeconds(&weather.Forecast{TempMin: 2}))

	// 0.5 mm per degree below threshold, through the pump flow rate.
	got := e.FrostProtectionSeconds(&weather.Forecast{TempMin: -4})
	require.InDelta(t, 0.5*4*1000/PumpFlowRate, got, 0.001)
}

func TestDecideFrostOverridesMoisture(t *testing.T) {
	e := testEngine()
	cmd, ok := e.Decide(2, wetReading(), &weather.Forecast{TempMin: -3})
	require.True(t, ok)
	require.Equal(t, uint8(PriorityFrost), cmd.Priority)
	require.Equal(t, uint8(2), cmd.Zone)
	require.Greater(t, cmd.Duration, uint16(0))
}

func TestDecideSkipsForHeavyRain(t *testing.T) {
	e := testEngine()
	_, ok := e.Decide(1, dryReading(), &weather.Forecast{PrecipProb: 0.9, PrecipMM: 6})
	require.False(t, ok)
}

func TestDecideMinimumRuntimeGate(t *testing.T) {
	e := NewEngine(EngineConfig{RootDepthM: 0.05, SolarRadiation: 5}, zerolog.Nop())
	damp := sensors.Reading{SoilMoisture: 97, Temperature: 10, Humidity: 95}
	_, ok := e.Decide(1, damp, nil)
	require.False(t, ok)
}

func TestDecideNormalWatering(t *testing.T) {
	e := testEngine()
	cmd, ok := e.Decide(3, dryReading(), &weather.Forecast{PrecipProb: 0.05, TempMin: 12})
	require.True(t, ok)
	require.Equal(t, uint8(PriorityNormal), cmd.Priority)
	require.GreaterOrEqual(t, float64(cmd.Duration), MinRuntimeSeconds)
}

func TestCommandRoundTrip(t *testing.T) {
	cmd := Command{Zone: 4, Duration: 0x0201, Priority: PriorityHigh}
	raw := cmd.Encode()
	require.Equal(t, []byte{4, 0x01, 0x02, 1}, raw)

	got, err := DecodeCommand(raw)
	require.NoError(t, err)
	require.Equal(t, cmd, got)

	_, err = DecodeCommand(raw[:3])
	require.ErrorIs(t, err, ErrBadCommandLength)
}
