package mac

import (
	"crypto/rand"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// JoinServer is the join-accepting subset used for mesh-local devices: the
// gateway validates credentials against its own key store and issues the
// join accept itself instead of deferring to the network server.
type JoinServer struct {
	store keystore.Store
	drv   radio.Driver
	netID lorawan.NetID
	log   zerolog.Logger
	drops *dropLogger
}

// NewJoinServer creates a join server over the gateway key store.
func NewJoinServer(store keystore.Store, drv radio.Driver, netID lorawan.NetID, log zerolog.Logger) *JoinServer {
	return &JoinServer{
		store: store,
		drv:   drv,
		netID: netID,
		log:   log.With().Str("component", "join_server").Logger(),
		drops: newDropLogger(time.Second),
	}
}

// HandleJoinRequest validates a join request from a mesh-local device and,
// when accepted, derives the session and transmits the join accept. Invalid
// requests are dropped silently behind the rate-limited log.
func (s *JoinServer) HandleJoinRequest(data []byte, now time.Time) {
	req, err := lorawan.DecodeJoinRequest(data)
	if err != nil {
		s.drop(now, "decode_error", err, nil)
		return
	}

	dev, err := s.store.Lookup(req.DevEUI)
	if err != nil {
		s.drop(now, "unknown_device", ErrUnknownDevice, req)
		return
	}
	if req.JoinEUI != dev.AppEUI {
		s.drop(now, "unknown_device", ErrUnknownDevice, req)
		return
	}

	ok, err := req.ValidateMIC(dev.AppKey)
	if err != nil || !ok {
		s.drop(now, "mic_invalid", ErrMICInvalid, req)
		return
	}

	// Any DevNonce seen before for this device is a replayed join.
	if err := s.store.RecordDevNonce(req.DevEUI, req.DevNonce); err != nil {
		if errors.Is(err, keystore.ErrNonceReused) {
			s.drop(now, "dev_nonce_reused", err, req)
		} else {
			s.log.Error().Err(err).Msg("nonce bookkeeping failed")
		}
		return
	}

	var appNonce lorawan.AppNonce
	if _, err := rand.Read(appNonce[:]); err != nil {
		s.log.Error().Err(err).Msg("appnonce generation failed")
		return
	}

	devAddr, err := s.pickDevAddr()
	if err != nil {
		s.log.Error().Err(err).Msg("devaddr assignment failed")
		return
	}

	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(dev.AppKey, appNonce, s.netID, req.DevNonce)
	if err != nil {
		s.log.Error().Err(err).Msg("session derivation failed")
		return
	}

	sess := keystore.Session{
		DevAddr:   devAddr,
		NwkSKey:   nwkSKey,
		AppSKey:   appSKey,
		AppNonce:  appNonce,
		DevNonce:  req.DevNonce,
		CreatedAt: now,
	}
	if err := s.store.AttachSession(req.DevEUI, sess); err != nil {
		s.log.Error().Err(err).Msg("attach session failed")
		return
	}

	acc := lorawan.JoinAcceptFrame{
		MHDR:     lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		AppNonce: appNonce,
		NetID:    s.netID,
		DevAddr:  devAddr,
		RxDelay:  1,
	}
	if err := acc.SetMIC(dev.AppKey); err != nil {
		s.log.Error().Err(err).Msg("join accept mic failed")
		return
	}
	raw, err := lorawan.EncryptJoinAcceptFrame(dev.AppKey, &acc)
	if err != nil {
		s.log.Error().Err(err).Msg("join accept encrypt failed")
		return
	}

	if err := s.drv.Send(raw); err != nil {
		// The device retries its join; nothing to roll back here beyond
		// the nonce, which stays burned by design.
		s.log.Warn().Err(err).Str("dev_eui", req.DevEUI.String()).Msg("join accept tx failed")
		return
	}

	s.log.Info().
		Str("dev_eui", req.DevEUI.String()).
		Str("dev_addr", devAddr.String()).
		Msg("device joined")
}

// pickDevAddr draws a fresh address not held by any active session.
func (s *JoinServer) pickDevAddr() (lorawan.DevAddr, error) {
	var addr lorawan.DevAddr
	for i := 0; i < 8; i++ {
		if _, err := rand.Read(addr[:]); err != nil {
			return addr, err
		}
		// Tag the address with the NetID low bits, the usual NwkAddr split.
		addr[0] = s.netID[2]&0x7F | 0x01
		if _, _, err := s.store.SessionByDevAddr(addr); errors.Is(err, keystore.ErrNoSession) {
			return addr, nil
		}
	}
	return addr, errors.New("mac: devaddr space exhausted")
}

func (s *JoinServer) drop(now time.Time, kind string, cause error, req *lorawan.JoinRequestFrame) {
	s.drops.Log(s.log, now, kind, func(ev *zerolog.Event) {
		if req != nil {
			ev.Str("dev_eui", req.DevEUI.String())
		}
		ev.Err(cause).Msg("join request dropped")
	})
}
