package mac

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/agrimesh/field-gateway/internal/keystore"
	"github.com/agrimesh/field-gateway/internal/radio"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

var (
	testDevEUI = lorawan.EUI64{0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11, 0x11}
	testAppEUI = lorawan.EUI64{1, 2, 3, 4, 5, 6, 7, 8}
)

func testKey(t *testing.T, hexKey string) lorawan.AES128Key {
	t.Helper()
	var k lorawan.AES128Key
	require.NoError(t, k.UnmarshalText([]byte(hexKey)))
	return k
}

func testEndpoint(t *testing.T, cfg Config) (*Endpoint, *radio.SimDriver, *keystore.MemoryStore) {
	t.Helper()
	store := keystore.NewMemoryStore()
	drv := radio.NewSimDriver()
	if cfg.DevEUI == (lorawan.EUI64{}) {
		cfg.DevEUI = testDevEUI
	}
	if cfg.AppEUI == (lorawan.EUI64{}) {
		cfg.AppEUI = testAppEUI
	}
	return NewEndpoint(cfg, store, drv, zerolog.Nop()), drv, store
}

// abpEndpoint returns a joined endpoint with the well-known AES test keys.
func abpEndpoint(t *testing.T, retries int) (*Endpoint, *radio.SimDriver, *keystore.MemoryStore) {
	t.Helper()
	e, drv, store := testEndpoint(t, Config{
		Activation: lorawan.ABP,
		Retries:    retries,
		ABP: &ABPSession{
			DevAddr: lorawan.DevAddrFromUint32(0x26011BDA),
			NwkSKey: testKey(t, "7e151628aed2a6abf7158809cf4f3c2b"),
			AppSKey: testKey(t, "2b7e151628aed2a6abf7158809cf4f3c"),
		},
	})
	require.NoError(t, e.Activate(time.Unix(0, 0)))
	require.Equal(t, StateJoined, e.State())
	return e, drv, store
}

// buildDownlink fabricates a network-side downlink: payload cipher first,
// then the integrity code over the transmitted form.
func buildDownlink(t *testing.T, sess *keystore.Session, fullFCnt uint32, fport uint8, payload []byte, ack bool) []byte {
	t.Helper()
	f := lorawan.Frame{
		MHDR: lorawan.MHDR{MType: lorawan.UnconfirmedDataDown, Major: lorawan.LoRaWAN1_0},
		FHDR: lorawan.FHDR{
			DevAddr: sess.DevAddr,
			FCtrl:   lorawan.FCtrl{ACK: ack},
			FCnt:    uint16(fullFCnt),
		},
		FPort:      &fport,
		FRMPayload: append([]byte(nil), payload...),
	}
	key := sess.AppSKey
	if fport == 0 {
		key = sess.NwkSKey
	}
	require.NoError(t, f.EncryptFRMPayload(key, fullFCnt))
	require.NoError(t, f.SetMIC(sess.NwkSKey, fullFCnt))
	raw, err := f.Encode()
	require.NoError(t, err)
	return raw
}

func TestOTAAJoinHandshake(t *testing.T) {
	appKey := testKey(t, "00000000000000000000000000000000")
	e, drv, store := testEndpoint(t, Config{Activation: lorawan.OTAA, Retries: 3})
	require.NoError(t, store.Store(keystore.Device{
		DevEUI: testDevEUI, AppEUI: testAppEUI, AppKey: appKey,
	}))

	joined := false
	e.OnJoined = func() { joined = true }

	now := time.Unix(100, 0)
	require.NoError(t, e.Activate(now))
	require.Equal(t, StateJoining, e.State())

	sent := drv.Sent()
	require.Len(t, sent, 1)
	req, err := lorawan.DecodeJoinRequest(sent[0])
	require.NoError(t, err)
	require.Equal(t, testDevEUI, req.DevEUI)
	require.Equal(t, testAppEUI, req.JoinEUI)
	ok, err := req.ValidateMIC(appKey)
	require.NoError(t, err)
	require.True(t, ok)

	// Answer like a join server would.
	acc := lorawan.JoinAcceptFrame{
		MHDR:     lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		AppNonce: lorawan.AppNonce{0xA1, 0xA2, 0xA3},
		NetID:    lorawan.NetID{0, 0, 0x13},
		DevAddr:  lorawan.DevAddrFromUint32(0x26011BDA),
		RxDelay:  1,
	}
	require.NoError(t, acc.SetMIC(appKey))
	raw, err := lorawan.EncryptJoinAcceptFrame(appKey, &acc)
	require.NoError(t, err)

	e.HandleJoinAccept(raw, now.Add(time.Second))
	require.Equal(t, StateJoined, e.State())
	require.True(t, joined)

	// Session keys match an independent derivation from the exchanged nonces.
	nwkSKey, appSKey, err := lorawan.DeriveSessionKeys10(appKey, acc.AppNonce, acc.NetID, req.DevNonce)
	require.NoError(t, err)
	sess, err := store.GetSession(testDevEUI)
	require.NoError(t, err)
	require.Equal(t, nwkSKey, sess.NwkSKey)
	require.Equal(t, appSKey, sess.AppSKey)
	require.Equal(t, acc.DevAddr, sess.DevAddr)
	require.Zero(t, sess.FCntUp)
	require.Zero(t, sess.FCntDown)
}

func TestOTAAJoinRetriesExhausted(t *testing.T) {
	e, drv, store := testEndpoint(t, Config{
		Activation:  lorawan.OTAA,
		Retries:     3,
		JoinTimeout: time.Second,
	})
	require.NoError(t, store.Store(keystore.Device{DevEUI: testDevEUI, AppEUI: testAppEUI}))

	failed := false
	e.OnJoinFailed = func() { failed = true }

	now := time.Unix(0, 0)
	require.NoError(t, e.Activate(now))
	for i := 0; i < 10; i++ {
		now = now.Add(2 * time.Second)
		e.Tick(now)
	}

	require.True(t, failed)
	require.Equal(t, StateUnjoined, e.State())
	// One transmission per attempt, no more than the retry budget.
	require.Len(t, drv.Sent(), 3)
}

func TestOTAAJoinTamperedAcceptIgnored(t *testing.T) {
	appKey := testKey(t, "000102030405060708090a0b0c0d0e0f")
	e, _, store := testEndpoint(t, Config{Activation: lorawan.OTAA, Retries: 1})
	require.NoError(t, store.Store(keystore.Device{DevEUI: testDevEUI, AppEUI: testAppEUI, AppKey: appKey}))

	now := time.Unix(0, 0)
	require.NoError(t, e.Activate(now))

	acc := lorawan.JoinAcceptFrame{
		MHDR:     lorawan.MHDR{MType: lorawan.JoinAccept, Major: lorawan.LoRaWAN1_0},
		AppNonce: lorawan.AppNonce{1, 2, 3},
		NetID:    lorawan.NetID{0, 0, 0x13},
		DevAddr:  lorawan.DevAddrFromUint32(0x01020304),
	}
	require.NoError(t, acc.SetMIC(appKey))
	raw, err := lorawan.EncryptJoinAcceptFrame(appKey, &acc)
	require.NoError(t, err)
	raw[5] ^= 0xFF

	e.HandleJoinAccept(raw, now)
	require.Equal(t, StateJoining, e.State())
}

func TestUplinkRoundTrip(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 1)
	e.Session().FCntUp = 1

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, e.SendUplink(10, payload, false, time.Unix(0, 0)))

	sent := drv.Sent()
	require.Len(t, sent, 1)
	f, err := lorawan.DecodeFrame(sent[0])
	require.NoError(t, err)
	require.Equal(t, lorawan.UnconfirmedDataUp, f.MHDR.MType)
	require.Equal(t, uint16(1), f.FHDR.FCnt)
	require.NotEqual(t, payload, f.FRMPayload, "payload travels encrypted")

	// Decrypt, then check the integrity code over the recovered plaintext.
	require.NoError(t, f.EncryptFRMPayload(e.Session().AppSKey, 1))
	require.Equal(t, payload, f.FRMPayload)
	ok, err := f.ValidateMIC(e.Session().NwkSKey, 1)
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, uint32(2), e.Session().FCntUp)
}

func TestUplinkPortZeroUsesNetworkKey(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 1)

	require.NoError(t, e.SendUplink(0, []byte{0x02}, false, time.Unix(0, 0)))
	f, err := lorawan.DecodeFrame(drv.Sent()[0])
	require.NoError(t, err)
	require.NoError(t, f.EncryptFRMPayload(e.Session().NwkSKey, 0))
	require.Equal(t, []byte{0x02}, f.FRMPayload)
}

func TestUplinkRadioBusyLeavesCounter(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 1)
	drv.SetBusy(true)

	err := e.SendUplink(1, []byte{0xAA}, false, time.Unix(0, 0))
	require.ErrorIs(t, err, radio.ErrBusy)
	require.Zero(t, e.Session().FCntUp)

	// Next tick the radio is free again and the counter advances.
	drv.SetBusy(false)
	require.NoError(t, e.SendUplink(1, []byte{0xAA}, false, time.Unix(1, 0)))
	require.Equal(t, uint32(1), e.Session().FCntUp)
}

func TestConfirmedUplinkRetriesThenAckMissing(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 3)
	e.cfg.AckDeadline = time.Second

	var missing []uint32
	e.OnAckMissing = func(fcnt uint32) { missing = append(missing, fcnt) }

	now := time.Unix(0, 0)
	require.NoError(t, e.SendUplink(5, []byte{0x42}, true, now))

	// While the ack is pending, new uplinks are refused.
	require.ErrorIs(t, e.SendUplink(5, []byte{0x43}, true, now), ErrPendingAck)

	for i := 0; i < 6; i++ {
		now = now.Add(2 * time.Second)
		e.Tick(now)
	}

	sent := drv.Sent()
	require.Len(t, sent, 3, "initial transmission plus two retransmits")
	require.Equal(t, sent[0], sent[1], "retransmissions reuse the same frame counter")
	require.Equal(t, sent[0], sent[2])

	require.Equal(t, []uint32{0}, missing)
	// The counter advanced exactly once despite three transmissions.
	require.Equal(t, uint32(1), e.Session().FCntUp)
}

func TestConfirmedUplinkAckStopsRetries(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 3)
	e.cfg.AckDeadline = time.Second

	now := time.Unix(0, 0)
	require.NoError(t, e.SendUplink(5, []byte{0x42}, true, now))

	ack := buildDownlink(t, e.Session(), 0, 1, nil, true)
	require.True(t, e.HandleDownlink(ack, now))

	now = now.Add(5 * time.Second)
	e.Tick(now)
	require.Len(t, drv.Sent(), 1, "no retransmission after ack")
}

func TestDownlinkDelivery(t *testing.T) {
	e, _, _ := abpEndpoint(t, 1)

	var gotPort uint8
	var gotPayload []byte
	e.OnDownlink = func(fport uint8, payload []byte) {
		gotPort = fport
		gotPayload = append([]byte(nil), payload...)
	}

	cmd := []byte{0x02, 0x2C, 0x01, 0x01}
	raw := buildDownlink(t, e.Session(), 0, 7, cmd, false)
	require.True(t, e.HandleDownlink(raw, time.Unix(0, 0)))

	require.Equal(t, uint8(7), gotPort)
	require.Equal(t, cmd, gotPayload)
	require.Equal(t, uint32(0), e.Session().FCntDown)
	require.True(t, e.Session().DownSeen)
}

func TestDownlinkReplayRejected(t *testing.T) {
	e, _, _ := abpEndpoint(t, 1)

	delivered := 0
	e.OnDownlink = func(uint8, []byte) { delivered++ }

	raw := buildDownlink(t, e.Session(), 3, 1, []byte{0x01}, false)
	require.True(t, e.HandleDownlink(raw, time.Unix(0, 0)))
	require.Equal(t, 1, delivered)
	require.Equal(t, uint32(3), e.Session().FCntDown)

	// The same bytes again: silently dropped, counter unchanged.
	require.True(t, e.HandleDownlink(raw, time.Unix(1, 0)))
	require.Equal(t, 1, delivered)
	require.Equal(t, uint32(3), e.Session().FCntDown)
}

func TestDownlinkBadMICDoesNotPerturbCounter(t *testing.T) {
	e, _, _ := abpEndpoint(t, 1)

	raw := buildDownlink(t, e.Session(), 0, 1, []byte{0x01}, false)
	raw[len(raw)-1] ^= 0xFF
	require.True(t, e.HandleDownlink(raw, time.Unix(0, 0)))
	require.False(t, e.Session().DownSeen)
	require.Zero(t, e.Session().FCntDown)
}

func TestDownlinkCounterRollover(t *testing.T) {
	e, drv, _ := abpEndpoint(t, 1)

	// Uplink side: wire 0xFFFE and 0xFFFF extend across the 16-bit boundary.
	e.Session().FCntUp = 0xFFFE
	require.NoError(t, e.SendUplink(1, []byte{0x01}, false, time.Unix(0, 0)))
	require.Equal(t, uint32(0xFFFF), e.Session().FCntUp)
	require.NoError(t, e.SendUplink(1, []byte{0x01}, false, time.Unix(1, 0)))
	require.Equal(t, uint32(0x10000), e.Session().FCntUp)

	sent := drv.Sent()
	f, err := lorawan.DecodeFrame(sent[1])
	require.NoError(t, err)
	require.Equal(t, uint16(0xFFFF), f.FHDR.FCnt)

	// Downlink side: after 0xFFFF, wire counter 0x0000 is the rollover.
	e.Session().FCntDown = 0xFFFF
	e.Session().DownSeen = true
	raw := buildDownlink(t, e.Session(), 0x10000, 1, []byte{0x09}, false)
	require.True(t, e.HandleDownlink(raw, time.Unix(2, 0)))
	require.Equal(t, uint32(0x10000), e.Session().FCntDown)
}

func TestEraseAllDropsEverything(t *testing.T) {
	e, _, store := abpEndpoint(t, 3)
	e.cfg.AckDeadline = time.Second
	require.NoError(t, e.SendUplink(1, []byte{0x01}, true, time.Unix(0, 0)))

	require.NoError(t, e.EraseAll())
	require.Equal(t, StateUnjoined, e.State())
	require.ErrorIs(t, e.SendUplink(1, []byte{0x01}, false, time.Unix(1, 0)), ErrNotJoined)

	_, err := store.GetSession(testDevEUI)
	require.ErrorIs(t, err, keystore.ErrNoSession)
}
