package radio

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// SimDriver is a software radio used by tests and by bench setups without a
// concentrator attached. Frames queued with QueueRX appear on Receive; sent
// frames are recorded and readable with Sent.
type SimDriver struct {
	mu       sync.Mutex
	rxQueue  [][]byte
	sent     [][]byte
	busy     bool
	failNext bool

	params  *lorawan.RegionParameters
	dr      int
	txPower int
}

// NewSimDriver creates an idle simulated radio.
func NewSimDriver() *SimDriver {
	return &SimDriver{}
}

// Init applies the regional frequency plan.
func (d *SimDriver) Init(params *lorawan.RegionParameters) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params = params
	log.Debug().Str("region", string(params.Name)).Msg("sim radio initialized")
	return nil
}

// SetDataRate selects a data rate index from the regional table.
func (d *SimDriver) SetDataRate(dr int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dr = dr
	return nil
}

// SetTXPower sets the transmit power in dBm.
func (d *SimDriver) SetTXPower(dbm int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.txPower = dbm
	return nil
}

// Send records the frame, or reports ErrBusy when primed with SetBusy.
func (d *SimDriver) Send(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.busy {
		return ErrBusy
	}
	if d.failNext {
		d.failNext = false
		return ErrTimeout
	}
	d.sent = append(d.sent, append([]byte(nil), data...))
	return nil
}

// Receive pops the next queued frame, or reports a timeout with 0 bytes.
func (d *SimDriver) Receive(buf []byte, timeout time.Duration) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.rxQueue) == 0 {
		return 0, nil
	}
	frame := d.rxQueue[0]
	d.rxQueue = d.rxQueue[1:]
	return copy(buf, frame), nil
}

// QueueRX schedules a frame for the next Receive call.
func (d *SimDriver) QueueRX(data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rxQueue = append(d.rxQueue, append([]byte(nil), data...))
}

// Sent returns every transmitted frame in order.
func (d *SimDriver) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([][]byte, len(d.sent))
	copy(out, d.sent)
	return out
}

// ClearSent resets the transmit record.
func (d *SimDriver) ClearSent() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = nil
}

// SetBusy toggles the single-transmitter busy condition.
func (d *SimDriver) SetBusy(busy bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.busy = busy
}

// FailNextSend makes the next Send report a timeout.
func (d *SimDriver) FailNextSend() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failNext = true
}
