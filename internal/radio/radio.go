// Package radio defines the hardware abstraction consumed by the MAC layer.
// Concrete drivers wrap a concentrator or transceiver chip; the core only
// sees this capability set.
package radio

import (
	"errors"
	"time"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// Driver errors
var (
	ErrBusy    = errors.New("radio: transmitter busy")
	ErrTimeout = errors.New("radio: receive timeout")
)

// Driver is the radio capability set. All calls are synchronous but
// time-bounded; Receive returns 0 bytes on timeout without error.
type Driver interface {
	// Init applies the regional frequency plan.
	Init(params *lorawan.RegionParameters) error
	// SetDataRate selects a data rate index from the regional table.
	SetDataRate(dr int) error
	// SetTXPower sets the transmit power in dBm.
	SetTXPower(dbm int) error
	// Send transmits one frame. A transmission already in flight is
	// reported as ErrBusy; the caller retries on its next tick.
	Send(data []byte) error
	// Receive waits up to timeout for one frame and copies it into buf,
	// returning the number of bytes received. 0 means timeout.
	Receive(buf []byte, timeout time.Duration) (int, error)
}
