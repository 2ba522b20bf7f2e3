package mac

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// State represents the activation state of the endpoint.
type State int

const (
	StateUnjoined State = iota
	StateJoining
	StateJoined
)

// String returns the state name
func (s State) String() string {
	switch s {
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	default:
		return "unjoined"
	}
}

// ErrPendingAck reports that a confirmed uplink is still awaiting its ack.
var ErrPendingAck = errors.New("mac: confirmed uplink pending")

// ABPSession carries the personalization material for ABP activation.
type ABPSession struct {
	DevAddr lorawan.DevAddr
	NwkSKey lorawan.AES128Key
	AppSKey lorawan.AES128Key
}

// Config holds the endpoint identity and MAC timing knobs.
type Config struct {
	DevEUI     lorawan.EUI64
	AppEUI     lorawan.EUI64
	Activation lorawan.ActivationMode
	ABP        *ABPSession

	// Retries bounds join attempts and confirmed-uplink transmissions.
	Retries int
	// JoinTimeout is the per-attempt join accept wait.
	JoinTimeout time.Duration
	// AckDeadline models the RX1/RX2 window pair for confirmed uplinks.
	AckDeadline time.Duration
}

// pendingUplink tracks a confirmed uplink between transmission and ack.
type pendingUplink struct {
	raw      []byte
	fcnt     uint32
	attempts int
	deadline time.Time
}

// Endpoint is the gateway's own LoRaWAN MAC identity. All methods are called
// from the supervisor tick; nothing here is safe for concurrent use.
type Endpoint struct {
	cfg   Config
	store keystore.Store
	drv   radio.Driver
	log   zerolog.Logger
	drops *dropLogger

	state   State
	session *keystore.Session

	lastDevNonce lorawan.DevNonce
	joinAttempts int
	joinDeadline time.Time

	pending *pendingUplink

	// Collaborator callbacks, invoked from the supervisor goroutine.
	OnJoined     func()
	OnJoinFailed func()
	OnDownlink   func(fport uint8, payload []byte)
	OnAckMissing func(fcnt uint32)
}

// NewEndpoint creates an endpoint in the Unjoined state.
func NewEndpoint(cfg Config, store keystore.Store, drv radio.Driver, log zerolog.Logger) *Endpoint {
	if cfg.Retries <= 0 {
		cfg.Retries = 1
	}
	if cfg.JoinTimeout <= 0 {
		cfg.JoinTimeout = 6 * time.Second
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 2 * time.Second
	}
	return &Endpoint{
		cfg:   cfg,
		store: store,
		drv:   drv,
		log:   log.With().Str("dev_eui", cfg.DevEUI.String()).Logger(),
		drops: newDropLogger(time.Second),
	}
}

// State returns the current activation state.
func (e *Endpoint) State() State { return e.state }

// Session exposes the active session for the supervisor's status snapshot.
func (e *Endpoint) Session() *keystore.Session { return e.session }

// Activate starts OTAA joining or installs the ABP session directly.
func (e *Endpoint) Activate(now time.Time) error {
	switch e.cfg.Activation {
	case lorawan.ABP:
		if e.cfg.ABP == nil {
			return fmt.Errorf("mac: ABP activation without session material")
		}
		sess := keystore.Session{
			DevAddr:   e.cfg.ABP.DevAddr,
			NwkSKey:   e.cfg.ABP.NwkSKey,
			AppSKey:   e.cfg.ABP.AppSKey,
			CreatedAt: now,
		}
		if err := e.store.AttachSession(e.cfg.DevEUI, sess); err != nil {
			return err
		}
		attached, err := e.store.GetSession(e.cfg.DevEUI)
		if err != nil {
			return err
		}
		e.session = attached
		e.state = StateJoined
		e.log.Info().Str("dev_addr", sess.DevAddr.String()).Msg("ABP session installed")
		if e.OnJoined != nil {
			e.OnJoined()
		}
		return nil

	case lorawan.OTAA:
		e.discardSession()
		e.state = StateJoining
		e.joinAttempts = 0
		return e.sendJoinRequest(now)

	default:
		return fmt.Errorf("mac: unknown activation mode %q", e.cfg.Activation)
	}
}

// Rejoin discards the current session and starts a fresh OTAA exchange.
func (e *Endpoint) Rejoin(now time.Time) error {
	if e.cfg.Activation != lorawan.OTAA {
		return fmt.Errorf("mac: rejoin requires OTAA")
	}
	e.discardSession()
	e.state = StateJoining
	e.joinAttempts = 0
	return e.sendJoinRequest(now)
}

// EraseAll drops keys, session and pending state, returning to Unjoined.
func (e *Endpoint) EraseAll() error {
	e.discardSession()
	e.pending = nil
	e.state = StateUnjoined
	return e.store.EraseAll()
}

func (e *Endpoint) discardSession() {
	e.session = nil
	e.pending = nil
	_ = e.store.DropSession(e.cfg.DevEUI)
}

// sendJoinRequest emits a join request with a fresh DevNonce. A busy radio
// leaves the deadline in the past so the next tick retries without burning
// an attempt.
func (e *Endpoint) sendJoinRequest(now time.Time) error {
	dev, err := e.store.Lookup(e.cfg.DevEUI)
	if err != nil {
		e.state = StateUnjoined
		return fmt.Errorf("mac: own keys missing: %w", err)
	}

	var nonce lorawan.DevNonce
	if _, err := rand.Read(nonce[:]); err != nil {
		return fmt.Errorf("mac: devnonce: %w", err)
	}
	e.lastDevNonce = nonce

	req := lorawan.JoinRequestFrame{
		MHDR:     lorawan.MHDR{MType: lorawan.JoinRequest, Major: lorawan.LoRaWAN1_0},
		JoinEUI:  e.cfg.AppEUI,
		DevEUI:   e.cfg.DevEUI,
		DevNonce: nonce,
	}
	if err := req.SetMIC(dev.AppKey); err != nil {
		return err
	}
	raw, err := req.Encode()
	if err != nil {
		return err
	}

	if err := e.drv.Send(raw); err != nil {
		if errors.Is(err, radio.ErrBusy) {
			e.joinDeadline = now
			return nil
		}
		return fmt.Errorf("mac: join request tx: %w", err)
	}

	e.joinAttempts++
	e.joinDeadline = now.Add(e.cfg.JoinTimeout)
	e.log.Info().
		Int("attempt", e.joinAttempts).
		Uint16("dev_nonce", nonce.Uint16()).
		Msg("join request sent")
	return nil
}

// HandleJoinAccept processes a received join accept while Joining.
func (e *Endpoint) HandleJoinAccept(data []byte, now time.Time) {
	if e.state != StateJoining {
		return
	}

	dev, err := e.store.Lookup(e.cfg.DevEUI)
	if err != nil {
		return
	}

	acc, err := lorawan.DecryptJoinAcceptFrame(dev.AppKey, data)
	if err != nil {
		e.dropFrame(now, "decode_error", err)
		return
	}

	ok, err := acc.ValidateMIC(dev.AppKey)
	if err != nil || !ok {
		e.dropFrame(now, "mic_invalid", ErrMICInvalid)
		return
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(dev.AppKey, acc.AppNonce, acc.NetID, e.lastDevNonce)
	if err != nil {
		e.log.Error().Err(err).Msg("session derivation failed")
		return
	}

	sess := keystore.Session{
		DevAddr:   acc.DevAddr,
		NwkSKey:   nwkSKey,
		AppSKey:   appSKey,
		AppNonce:  acc.AppNonce,
		DevNonce:  e.lastDevNonce,
		CreatedAt: now,
	}
	if err := e.store.AttachSession(e.cfg.DevEUI, sess); err != nil {
		e.log.Error().Err(err).Msg("attach session failed")
		return
	}
	attached, err := e.store.GetSession(e.cfg.DevEUI)
	if err != nil {
		e.log.Error().Err(err).Msg("session readback failed")
		return
	}

	e.session = attached
	e.state = StateJoined
	e.log.Info().
		Str("dev_addr", sess.DevAddr.String()).
		Msg("joined network")
	if e.OnJoined != nil {
		e.OnJoined()
	}
}

// SendUplink builds, protects and transmits one uplink. The frame counter
// advances only on successful hand-off to the radio.
func (e *Endpoint) SendUplink(fport uint8, payload []byte, confirmed bool, now time.Time) error {
	if e.state != StateJoined || e.session == nil {
		return ErrNotJoined
	}
	if e.pending != nil {
		return ErrPendingAck
	}

	fcnt := e.session.FCntUp
	mtype := lorawan.UnconfirmedDataUp
	if confirmed {
		mtype = lorawan.ConfirmedDataUp
	}

	f := lorawan.Frame{
		MHDR: lorawan.MHDR{MType: mtype, Major: lorawan.LoRaWAN1_0},
		FHDR: lorawan.FHDR{
			DevAddr: e.session.DevAddr,
			FCnt:    uint16(fcnt),
		},
		FPort:      &fport,
		FRMPayload: append([]byte(nil), payload...),
	}

	// Integrity first, over the plaintext, then the payload cipher.
	if err := f.SetMIC(e.session.NwkSKey, fcnt); err != nil {
		return err
	}
	if err := f.EncryptFRMPayload(e.uplinkPayloadKey(fport), fcnt); err != nil {
		return err
	}

	raw, err := f.Encode()
	if err != nil {
		return err
	}
	if err := e.drv.Send(raw); err != nil {
		return err
	}

	e.session.FCntUp = fcnt + 1
	if err := e.store.SaveCounters(e.cfg.DevEUI, e.session.FCntUp, e.session.FCntDown); err != nil {
		e.log.Error().Err(err).Msg("counter persist failed")
	}

	if confirmed {
		e.pending = &pendingUplink{
			raw:      raw,
			fcnt:     fcnt,
			attempts: 1,
			deadline: now.Add(e.cfg.AckDeadline),
		}
	}

	e.log.Debug().
		Uint32("fcnt", fcnt).
		Int("bytes", len(raw)).
		Bool("confirmed", confirmed).
		Msg("uplink sent")
	return nil
}

// uplinkPayloadKey selects the payload cipher key: the application session
// key for application ports, the network session key for port 0.
func (e *Endpoint) uplinkPayloadKey(fport uint8) lorawan.AES128Key {
	if fport == 0 {
		return e.session.NwkSKey
	}
	return e.session.AppSKey
}

// HandleDownlink processes a received data downlink. It reports whether the
// frame was addressed to this endpoint's session.
func (e *Endpoint) HandleDownlink(data []byte, now time.Time) bool {
	if e.state != StateJoined || e.session == nil {
		return false
	}

	f, err := lorawan.DecodeFrame(data)
	if err != nil {
		e.dropFrame(now, "decode_error", err)
		return false
	}
	if !f.MHDR.MType.IsDownlink() {
		return false
	}
	if f.FHDR.DevAddr != e.session.DevAddr {
		return false
	}

	// Counter discipline before any crypto: a replayed wire counter must
	// not cost cipher work nor perturb state.
	var full uint32
	var ok bool
	if e.session.DownSeen {
		full, ok = ExtendFCnt(e.session.FCntDown, f.FHDR.FCnt)
	} else {
		full, ok = ExtendFirstFCnt(f.FHDR.FCnt)
	}
	if !ok {
		e.dropFrame(now, "replayed_counter", ErrReplayedCounter)
		return true
	}

	micOK, err := f.ValidateMIC(e.session.NwkSKey, full)
	if err != nil || !micOK {
		e.dropFrame(now, "mic_invalid", ErrMICInvalid)
		return true
	}

	if f.FHDR.FCtrl.ACK && e.pending != nil {
		e.log.Debug().Uint32("fcnt", e.pending.fcnt).Msg("confirmed uplink acked")
		e.pending = nil
	}

	if f.FPort != nil {
		key := e.session.AppSKey
		if *f.FPort == 0 {
			key = e.session.NwkSKey
		}
		if err := f.EncryptFRMPayload(key, full); err != nil {
			e.log.Error().Err(err).Msg("payload decrypt failed")
			return true
		}
	}

	e.session.FCntDown = full
	e.session.DownSeen = true
	if err := e.store.SaveCounters(e.cfg.DevEUI, e.session.FCntUp, e.session.FCntDown); err != nil {
		e.log.Error().Err(err).Msg("counter persist failed")
	}

	if f.FPort != nil && e.OnDownlink != nil {
		e.OnDownlink(*f.FPort, f.FRMPayload)
	}
	return true
}

// Tick advances join and ack timers. Called once per supervisor tick.
func (e *Endpoint) Tick(now time.Time) {
	if e.state == StateJoining && !now.Before(e.joinDeadline) {
		if e.joinAttempts >= e.cfg.Retries {
			e.state = StateUnjoined
			e.log.Warn().Err(ErrJoinFailed).Int("attempts", e.joinAttempts).Msg("join failed")
			if e.OnJoinFailed != nil {
				e.OnJoinFailed()
			}
		} else if err := e.sendJoinRequest(now); err != nil {
			e.log.Error().Err(err).Msg("join retry failed")
		}
	}

	if e.pending != nil && !now.Before(e.pending.deadline) {
		if e.pending.attempts >= e.cfg.Retries {
			fcnt := e.pending.fcnt
			e.pending = nil
			e.log.Warn().Err(ErrAckMissing).Uint32("fcnt", fcnt).Msg("ack missing after retries")
			if e.OnAckMissing != nil {
				e.OnAckMissing(fcnt)
			}
			return
		}

		err := e.drv.Send(e.pending.raw)
		switch {
		case err == nil:
			e.pending.attempts++
			e.pending.deadline = now.Add(e.cfg.AckDeadline)
			e.log.Debug().
				Uint32("fcnt", e.pending.fcnt).
				Int("attempt", e.pending.attempts).
				Msg("confirmed uplink retransmitted")
		case errors.Is(err, radio.ErrBusy):
			// Single-transmitter contract: try again next tick.
		default:
			e.log.Error().Err(err).Msg("retransmit failed")
		}
	}
}

func (e *Endpoint) dropFrame(now time.Time, kind string, cause error) {
	e.drops.Log(e.log, now, kind, func(ev *zerolog.Event) {
		ev.Err(cause).Msg("frame dropped")
	})
}
