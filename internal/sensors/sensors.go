// Package sensors defines the sampling contract of the field node stack
// (soil probe, BME280 climate sensor, BH1750 light sensor) and the packed
// telemetry record carried as uplink payload.
package sensors

import (
	"encoding/binary"
	"errors"
	"math"
)

// Status flags reported alongside a reading.
const (
	StatusSoilProbeOK  = 1 << 0
	StatusClimateOK    = 1 << 1
	StatusLightOK      = 1 << 2
	StatusBatteryLow   = 1 << 3
	StatusSensorDegrad = 1 << 4
)

// ErrBadReadingLength reports a telemetry record of the wrong size.
var ErrBadReadingLength = errors.New("sensors: bad reading length")

// readingLength is the packed size: soil u16, temp i16, humidity u16,
// battery u16, status u8.
const readingLength = 9

// Reading is one telemetry sample in engineering units.
type Reading struct {
	SoilMoisture float64 // volumetric water content, percent
	Temperature  float64 // degrees Celsius
	Humidity     float64 // relative, percent
	BatteryMV    uint16
	Status       uint8
}

// Encode packs the reading little-endian with centi-unit scaling.
func (r Reading) Encode() []byte {
	out := make([]byte, readingLength)
	binary.LittleEndian.PutUint16(out[0:2], uint16(math.Round(r.SoilMoisture*100)))
	binary.LittleEndian.PutUint16(out[2:4], uint16(int16(math.Round(r.Temperature*100))))
	binary.LittleEndian.PutUint16(out[4:6], uint16(math.Round(r.Humidity*100)))
	binary.LittleEndian.PutUint16(out[6:8], r.BatteryMV)
	out[8] = r.Status
	return out
}

// DecodeReading unpacks a telemetry record.
func DecodeReading(data []byte) (Reading, error) {
	if len(data) != readingLength {
		return Reading{}, ErrBadReadingLength
	}
	return Reading{
		SoilMoisture: float64(binary.LittleEndian.Uint16(data[0:2])) / 100,
		Temperature:  float64(int16(binary.LittleEndian.Uint16(data[2:4]))) / 100,
		Humidity:     float64(binary.LittleEndian.Uint16(data[4:6])) / 100,
		BatteryMV:    binary.LittleEndian.Uint16(data[6:8]),
		Status:       data[8],
	}, nil
}

// Sampler is the sensor stack contract. Sample is non-blocking: it returns
// the most recent reading, or ok=false when none is available yet.
type Sampler interface {
	Sample() (Reading, bool)
}

// StaticSampler returns a fixed reading; used by tests and bench setups.
type StaticSampler struct {
	Reading Reading
	OK      bool
}

// Sample returns the configured reading.
func (s *StaticSampler) Sample() (Reading, bool) {
	return s.Reading, s.OK
}
