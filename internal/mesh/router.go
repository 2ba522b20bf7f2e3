// Package mesh implements the small distance-vector relay layer that lets
// neighboring gateways extend each other's reach. It sits above the MAC
// layer: only frames already validated by the observer enter the router.
package mesh

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// Routing limits.
const (
	MaxHops     = 5
	Capacity    = 20
	MeshTimeout = 2000 * time.Millisecond
)

// Router errors.
var (
	ErrMaxHops = errors.New("mesh: max hop count reached")
	ErrNoRoute = errors.New("mesh: no route to destination")
)

// Entry represents one route. The table is keyed by the originating device
// address; the neighbor the frame arrived from is the next hop back to it.
type Entry struct {
	Source   lorawan.DevAddr `json:"source"`
	NextHop  lorawan.DevAddr `json:"nextHop"`
	HopCount uint8           `json:"hopCount"`
	LastSeen time.Time       `json:"lastSeen"`
}

// Router holds the bounded routing table and the forward queue. It is owned
// by the supervisor; nothing here locks.
type Router struct {
	drv radio.Driver
	log zerolog.Logger

	// Fixed-capacity table, linear scan, compacted in place on eviction.
	entries []Entry

	// Frames protected and encoded but not yet handed to the radio; a busy
	// transmitter defers them to the next tick.
	txQueue [][]byte
}

// NewRouter creates an empty router transmitting through drv.
func NewRouter(drv radio.Driver, log zerolog.Logger) *Router {
	return &Router{
		drv:     drv,
		log:     log.With().Str("component", "mesh").Logger(),
		entries: make([]Entry, 0, Capacity),
	}
}

// HopCount reads the mesh hop octet, FOpts[0] of the gateway extension.
// Frames without options have not been relayed yet.
func HopCount(f *lorawan.Frame) uint8 {
	if len(f.FHDR.FOpts) > 0 {
		return f.FHDR.FOpts[0]
	}
	return 0
}

// setHopCount writes the hop octet, growing FOpts for first-hop frames.
func setHopCount(f *lorawan.Frame, hops uint8) {
	if len(f.FHDR.FOpts) == 0 {
		f.FHDR.FOpts = []byte{hops}
		return
	}
	f.FHDR.FOpts[0] = hops
}

// Observe learns or refreshes the route to a frame's source. A route only
// replaces an existing live one when it is strictly shorter; ties keep the
// current next hop so the table does not flap between equal paths.
func (r *Router) Observe(f *lorawan.Frame, neighbor lorawan.DevAddr, now time.Time) {
	source := f.FHDR.DevAddr
	hops := HopCount(f)

	for i := range r.entries {
		if r.entries[i].Source != source {
			continue
		}
		stale := now.Sub(r.entries[i].LastSeen) > MeshTimeout
		if hops < r.entries[i].HopCount || stale {
			r.entries[i].NextHop = neighbor
			r.entries[i].HopCount = hops
		}
		r.entries[i].LastSeen = now
		return
	}

	if len(r.entries) >= Capacity {
		r.log.Debug().Str("source", source.String()).Msg("routing table full")
		return
	}
	r.entries = append(r.entries, Entry{
		Source:   source,
		NextHop:  neighbor,
		HopCount: hops,
		LastSeen: now,
	})
}

// Lookup returns the next hop toward a destination address.
func (r *Router) Lookup(dest lorawan.DevAddr) (lorawan.DevAddr, bool) {
	for i := range r.entries {
		if r.entries[i].Source == dest {
			return r.entries[i].NextHop, true
		}
	}
	return lorawan.DevAddr{}, false
}

// Forward relays a validated frame: the hop octet is incremented, the
// integrity code recomputed over the rewritten plaintext, the payload
// re-encrypted, and the result queued for transmission. The frame must carry
// its decrypted payload, as handed over by the observer.
func (r *Router) Forward(f *lorawan.Frame, sess *keystore.Session, fullFCnt uint32) error {
	hops := HopCount(f)
	if hops >= MaxHops {
		r.log.Debug().
			Str("dev_addr", f.FHDR.DevAddr.String()).
			Uint8("hops", hops).
			Msg("frame dropped at hop limit")
		return ErrMaxHops
	}
	setHopCount(f, hops+1)

	// FOpts changed, so the old MIC is void. Integrity over the plaintext
	// first, then the payload cipher, mirroring the originating device.
	if err := f.SetMIC(sess.NwkSKey, fullFCnt); err != nil {
		return err
	}
	if f.FPort != nil {
		key := sess.AppSKey
		if *f.FPort == 0 {
			key = sess.NwkSKey
		}
		if err := f.EncryptFRMPayload(key, fullFCnt); err != nil {
			return err
		}
	}

	raw, err := f.Encode()
	if err != nil {
		return err
	}
	r.txQueue = append(r.txQueue, raw)
	return nil
}

// Flush hands queued frames to the radio, stopping at the first busy signal
// so the remainder goes out on a later tick.
func (r *Router) Flush() {
	for len(r.txQueue) > 0 {
		err := r.drv.Send(r.txQueue[0])
		if errors.Is(err, radio.ErrBusy) {
			return
		}
		if err != nil {
			r.log.Warn().Err(err).Msg("forward tx failed")
		}
		r.txQueue = r.txQueue[1:]
	}
}

// Age evicts entries not refreshed within the mesh timeout, compacting the
// table in place.
func (r *Router) Age(now time.Time) {
	kept := r.entries[:0]
	for _, e := range r.entries {
		if now.Sub(e.LastSeen) <= MeshTimeout {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// Entries returns a copy of the table for the status surface.
func (r *Router) Entries() []Entry {
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// PendingTX reports the number of frames awaiting a free transmitter.
func (r *Router) PendingTX() int {
	return len(r.txQueue)
}
