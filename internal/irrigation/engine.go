package irrigation

import (
	"math"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/sensors"
	"github.com/agrimesh/field-gateway/internal/weather"
)

// Pump and site constants.
const (
	// PumpFlowRate is the dosing pump throughput in ml/s.
	PumpFlowRate = 2.5
	// FrostThresholdC is the forecast minimum below which protective
	// sprinkling starts.
	FrostThresholdC = 0.0
	// MinRuntimeSeconds gates out watering pulses too short to wet the
	// root zone.
	MinRuntimeSeconds = 10.0
)

// EngineConfig holds the site parameters of the decision engine.
type EngineConfig struct {
	// RootDepthM is the crop root depth in meters.
	RootDepthM float64
	// SolarRadiation and WindSpeed come from the site survey when the node
	// has no pyranometer/anemometer attached.
	SolarRadiation float64 // W/m2
	WindSpeed      float64 // m/s
}

// Engine turns sensor state and a forecast into watering decisions.
type Engine struct {
	cfg EngineConfig
	log zerolog.Logger
}

// NewEngine creates a decision engine.
func NewEngine(cfg EngineConfig, log zerolog.Logger) *Engine {
	if cfg.RootDepthM <= 0 {
		cfg.RootDepthM = 0.3
	}
	return &Engine{cfg: cfg, log: log.With().Str("component", "irrigation").Logger()}
}

// waterDeficitMM estimates the daily evapotranspiration loss in millimeters:
// a radiation term plus an aerodynamic term scaled by the vapor pressure
// deficit.
func (e *Engine) waterDeficitMM(r sensors.Reading) float64 {
	radiation := 0.408 * 0.0864 * e.cfg.SolarRadiation / 10
	vpd := saturationVaporKPa(r.Temperature) * (1 - r.Humidity/100)
	aero := 0.07 * (1 + e.cfg.WindSpeed) * vpd * 10
	return math.Max(radiation+aero, 0)
}

// saturationVaporKPa is the Tetens approximation.
func saturationVaporKPa(tempC float64) float64 {
	return 0.6108 * math.Exp(17.27*tempC/(tempC+237.3))
}

// ComputeDuration returns the watering runtime in seconds for the current
// state and forecast.
func (e *Engine) ComputeDuration(r sensors.Reading, fc *weather.Forecast) float64 {
	deficit := e.waterDeficitMM(r)

	soilFactor := 1 - r.SoilMoisture/100
	if soilFactor < 0 {
		soilFactor = 0
	}

	rootVolumeFactor := e.cfg.RootDepthM * 0.7

	forecastFactor := 1.0
	if fc != nil && fc.PrecipProb > 0.3 {
		forecastFactor -= fc.PrecipProb * 0.7
	}

	waterML := deficit * soilFactor * rootVolumeFactor * forecastFactor * 1000
	return math.Max(waterML/PumpFlowRate, 0)
}

// FrostProtectionSeconds returns the protective sprinkling runtime: 0.5 mm
// of water per degree the forecast minimum dips below the threshold.
func (e *Engine) FrostProtectionSeconds(fc *weather.Forecast) float64 {
	if fc == nil || fc.TempMin > FrostThresholdC {
		return 0
	}
	return 0.5 * (FrostThresholdC - fc.TempMin) * 1000 / PumpFlowRate
}

// Decide returns the command for one zone, or ok=false when no watering is
// due.
func (e *Engine) Decide(zone uint8, r sensors.Reading, fc *weather.Forecast) (Command, bool) {
	// Imminent rain skips the cycle entirely.
	if fc != nil && fc.PrecipProb > 0.8 && fc.PrecipMM > 1 {
		e.log.Debug().Float64("precip_mm", fc.PrecipMM).Msg("watering skipped for rain")
		return Command{}, false
	}

	frost := e.FrostProtectionSeconds(fc)
	duration := e.ComputeDuration(r, fc) + frost

	if frost > 0 {
		cmd := Command{Zone: zone, Duration: clampSeconds(duration), Priority: PriorityFrost}
		e.log.Info().
			Uint8("zone", zone).
			Uint16("duration_s", cmd.Duration).
			Msg("frost protection watering")
		return cmd, true
	}

	if duration < MinRuntimeSeconds {
		return Command{}, false
	}

	cmd := Command{Zone: zone, Duration: clampSeconds(duration), Priority: PriorityNormal}
	e.log.Info().
		Uint8("zone", zone).
		Uint16("duration_s", cmd.Duration).
		Float64("soil_vwc", r.SoilMoisture).
		Msg("watering scheduled")
	return cmd, true
}

func clampSeconds(d float64) uint16 {
	if d > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(d)
}
