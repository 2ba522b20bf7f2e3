// Package irrigation holds the actuator contract, the packed command format
// carried in downlinks, and the adaptive watering decision engine.
package irrigation

import (
	"encoding/binary"
	"errors"
)

// Command priorities.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
	PriorityFrost  = 2
)

// ErrBadCommandLength reports a command payload of the wrong size.
var ErrBadCommandLength = errors.New("irrigation: bad command length")

// commandLength is the packed size: zone u8, duration u16, priority u8.
const commandLength = 4

// Command instructs one zone valve to open for a duration.
type Command struct {
	Zone     uint8
	Duration uint16 // seconds
	Priority uint8
}

// Encode packs the command little-endian.
func (c Command) Encode() []byte {
	out := make([]byte, commandLength)
	out[0] = c.Zone
	binary.LittleEndian.PutUint16(out[1:3], c.Duration)
	out[3] = c.Priority
	return out
}

// DecodeCommand unpacks a downlink command payload.
func DecodeCommand(data []byte) (Command, error) {
	if len(data) != commandLength {
		return Command{}, ErrBadCommandLength
	}
	return Command{
		Zone:     data[0],
		Duration: binary.LittleEndian.Uint16(data[1:3]),
		Priority: data[3],
	}, nil
}

// Actuator is the valve/pump collaborator. Dispatch is non-blocking; the
// actuator owns its own execution and safety interlocks.
type Actuator interface {
	Dispatch(cmd Command) error
}

// RecordingActuator collects dispatched commands; used by tests.
type RecordingActuator struct {
	Commands []Command
}

// Dispatch records the command.
func (a *RecordingActuator) Dispatch(cmd Command) error {
	a.Commands = append(a.Commands, cmd)
	return nil
}
