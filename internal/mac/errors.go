// Package mac implements the LoRaWAN MAC endpoint: activation, the uplink and
// downlink pipelines, frame-counter discipline and the join-accepting subset
// used for mesh-local devices.
package mac

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MAC pipeline errors.
var (
	ErrMICInvalid      = errors.New("mac: MIC invalid")
	ErrReplayedCounter = errors.New("mac: replayed frame counter")
	ErrUnknownDevice   = errors.New("mac: unknown device")
	ErrJoinFailed      = errors.New("mac: join failed")
	ErrAckMissing      = errors.New("mac: ack missing")
	ErrNotJoined       = errors.New("mac: not joined")
)

// dropLogger rate-limits the log stream for adversarial or noisy drops so a
// jammer cannot flood the journal. One event per kind per interval.
type dropLogger struct {
	mu       sync.Mutex
	interval time.Duration
	last     map[string]time.Time
	dropped  map[string]int
}

func newDropLogger(interval time.Duration) *dropLogger {
	return &dropLogger{
		interval: interval,
		last:     make(map[string]time.Time),
		dropped:  make(map[string]int),
	}
}

// Log emits at most one event per kind per interval, counting suppressions.
func (d *dropLogger) Log(log zerolog.Logger, now time.Time, kind string, fn func(e *zerolog.Event)) {
	d.mu.Lock()
	last, ok := d.last[kind]
	if ok && now.Sub(last) < d.interval {
		d.dropped[kind]++
		d.mu.Unlock()
		return
	}
	suppressed := d.dropped[kind]
	d.dropped[kind] = 0
	d.last[kind] = now
	d.mu.Unlock()

	e := log.Warn().Str("kind", kind)
	if suppressed > 0 {
		e = e.Int("suppressed", suppressed)
	}
	fn(e)
}
