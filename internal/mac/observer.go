package mac

import (
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// ObservedUplink is a validated uplink captured from a mesh-local device.
// Frame carries the decrypted payload; Raw keeps the bytes as received for
// the cloud bridge.
type ObservedUplink struct {
	DevEUI   lorawan.EUI64
	Session  *keystore.Session
	Frame    *lorawan.Frame
	Raw      []byte
	FullFCnt uint32
}

// Observer validates uplinks of known sessions so the router and the cloud
// bridge only ever see authentic traffic. For observed sessions FCntUp holds
// the last accepted extended counter of the source device.
type Observer struct {
	store keystore.Store
	log   zerolog.Logger
	drops *dropLogger
}

// NewObserver creates an observer over the gateway key store.
func NewObserver(store keystore.Store, log zerolog.Logger) *Observer {
	return &Observer{
		store: store,
		log:   log.With().Str("component", "observer").Logger(),
		drops: newDropLogger(time.Second),
	}
}

// HandleUplink decodes, replay-checks, decrypts and MIC-verifies an uplink.
// Invalid frames are dropped silently behind the rate-limited log and leave
// every counter untouched.
func (o *Observer) HandleUplink(data []byte, now time.Time) (*ObservedUplink, error) {
	f, err := lorawan.DecodeFrame(data)
	if err != nil {
		o.drop(now, "decode_error", err, nil)
		return nil, err
	}
	if f.MHDR.MType != lorawan.UnconfirmedDataUp && f.MHDR.MType != lorawan.ConfirmedDataUp {
		return nil, lorawan.ErrBadMType
	}

	devEUI, sess, err := o.store.SessionByDevAddr(f.FHDR.DevAddr)
	if err != nil {
		if errors.Is(err, keystore.ErrNoSession) {
			o.drop(now, "unknown_device", ErrUnknownDevice, &f.FHDR.DevAddr)
			return nil, ErrUnknownDevice
		}
		return nil, err
	}

	// Counter window first: replays must not cost cipher work.
	var full uint32
	var ok bool
	if sess.UpSeen {
		full, ok = ExtendFCnt(sess.FCntUp, f.FHDR.FCnt)
	} else {
		full, ok = ExtendFirstFCnt(f.FHDR.FCnt)
	}
	if !ok {
		o.drop(now, "replayed_counter", ErrReplayedCounter, &f.FHDR.DevAddr)
		return nil, ErrReplayedCounter
	}

	// The integrity code covers the plaintext, so decrypt before verifying.
	if f.FPort != nil {
		key := sess.AppSKey
		if *f.FPort == 0 {
			key = sess.NwkSKey
		}
		if err := f.EncryptFRMPayload(key, full); err != nil {
			return nil, err
		}
	}

	micOK, err := f.ValidateMIC(sess.NwkSKey, full)
	if err != nil {
		return nil, err
	}
	if !micOK {
		o.drop(now, "mic_invalid", ErrMICInvalid, &f.FHDR.DevAddr)
		return nil, ErrMICInvalid
	}

	// Only a fully verified frame moves the counter.
	sess.FCntUp = full
	sess.UpSeen = true
	if err := o.store.SaveCounters(devEUI, sess.FCntUp, sess.FCntDown); err != nil {
		o.log.Error().Err(err).Msg("counter persist failed")
	}

	return &ObservedUplink{
		DevEUI:   devEUI,
		Session:  sess,
		Frame:    f,
		Raw:      append([]byte(nil), data...),
		FullFCnt: full,
	}, nil
}

func (o *Observer) drop(now time.Time, kind string, cause error, addr *lorawan.DevAddr) {
	o.drops.Log(o.log, now, kind, func(ev *zerolog.Event) {
		if addr != nil {
			ev.Str("dev_addr", addr.String())
		}
		ev.Err(cause).Msg("uplink dropped")
	})
}
