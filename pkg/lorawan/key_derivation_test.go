package lorawan

import (
	"crypto/aes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeriveSessionKeys10(t *testing.T) {
	var appKey AES128Key
	mustDecodeInto(t, "2b7e151628aed2a6abf7158809cf4f3c", appKey[:])
	appNonce := AppNonce{0x01, 0x02, 0x03}
	netID := NetID{0x00, 0x00, 0x13}
	devNonce := DevNonceFromUint16(0x0001)

	nwkSKey, appSKey, err := DeriveSessionKeys10(appKey, appNonce, netID, devNonce)
	require.NoError(t, err)
	require.NotEqual(t, nwkSKey, appSKey)

	// Re-derive by hand: the derivation is a single AES block over the packed
	// 0x01/0x02-prefixed nonce material.
	block, err := aes.NewCipher(appKey[:])
	require.NoError(t, err)

	var msg [16]byte
	msg[0] = 0x01
	copy(msg[1:4], appNonce[:])
	copy(msg[4:7], netID[:])
	copy(msg[7:9], devNonce[:])

	var want AES128Key
	block.Encrypt(want[:], msg[:])
	require.Equal(t, want, nwkSKey)

	msg[0] = 0x02
	block.Encrypt(want[:], msg[:])
	require.Equal(t, want, appSKey)
}

func TestDeriveSessionKeys10Pure(t *testing.T) {
	var appKey AES128Key
	appNonce := AppNonce{0xAA, 0xBB, 0xCC}
	netID := NetID{0x01, 0x02, 0x03}
	devNonce := DevNonceFromUint16(0xBEEF)

	n1, a1, err := DeriveSessionKeys10(appKey, appNonce, netID, devNonce)
	require.NoError(t, err)
	n2, a2, err := DeriveSessionKeys10(appKey, appNonce, netID, devNonce)
	require.NoError(t, err)
	require.Equal(t, n1, n2)
	require.Equal(t, a1, a2)

	// A different DevNonce yields a different session.
	n3, a3, err := DeriveSessionKeys10(appKey, appNonce, netID, DevNonceFromUint16(0xBEF0))
	require.NoError(t, err)
	require.NotEqual(t, n1, n3)
	require.NotEqual(t, a1, a3)
}
