package lorawan

import (
	"crypto/aes"
	"encoding/binary"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

// FIPS-197 appendix C.1.
func TestAES128EncryptKnownAnswer(t *testing.T) {
	var key AES128Key
	mustDecodeInto(t, "000102030405060708090a0b0c0d0e0f", key[:])

	var in [16]byte
	mustDecodeInto(t, "00112233445566778899aabbccddeeff", in[:])

	out, err := AES128Encrypt(key, in)
	require.NoError(t, err)
	require.Equal(t, "69c4e0d86a7b0430d8cdb78070b4c55a", hex.EncodeToString(out[:]))
}

func TestEncryptFRMPayloadSelfInverse(t *testing.T) {
	var key AES128Key
	mustDecodeInto(t, "2b7e151628aed2a6abf7158809cf4f3c", key[:])
	devAddr := DevAddrFromUint32(0x26011BDA)

	for _, n := range []int{0, 1, 3, 15, 16, 17, 32, 48, 51} {
		payload := make([]byte, n)
		for i := range payload {
			payload[i] = byte(i + 1)
		}
		orig := append([]byte{}, payload...)

		require.NoError(t, EncryptFRMPayload(key, devAddr, 1, DirUp, payload))
		if n > 0 {
			require.NotEqual(t, orig, payload, "cipher must change a %d-byte payload", n)
		}
		require.NoError(t, EncryptFRMPayload(key, devAddr, 1, DirUp, payload))
		require.Equal(t, orig, payload)
	}
}

// The keystream block layout is pinned byte for byte against a direct AES
// computation so codec changes cannot drift from the wire contract.
func TestEncryptFRMPayloadKeystreamLayout(t *testing.T) {
	var key AES128Key
	mustDecodeInto(t, "2b7e151628aed2a6abf7158809cf4f3c", key[:])
	devAddr := DevAddrFromUint32(0x26011BDA)
	const fcnt = 0x00000001

	payload := []byte{0x01, 0x02, 0x03}
	require.NoError(t, EncryptFRMPayload(key, devAddr, fcnt, DirUp, payload))

	var a [16]byte
	a[0] = 0x01
	a[5] = 0x00
	binary.LittleEndian.PutUint32(a[6:10], 0x26011BDA)
	binary.LittleEndian.PutUint32(a[10:14], fcnt)
	a[15] = 0x01

	block, err := aes.NewCipher(key[:])
	require.NoError(t, err)
	var s [16]byte
	block.Encrypt(s[:], a[:])

	require.Equal(t, []byte{0x01 ^ s[0], 0x02 ^ s[1], 0x03 ^ s[2]}, payload)
}

func TestEncryptFRMPayloadDirectionMatters(t *testing.T) {
	var key AES128Key
	mustDecodeInto(t, "2b7e151628aed2a6abf7158809cf4f3c", key[:])
	devAddr := DevAddrFromUint32(0x01020304)

	up := []byte{0xAA, 0xBB, 0xCC, 0xDD}
	down := append([]byte(nil), up...)
	require.NoError(t, EncryptFRMPayload(key, devAddr, 7, DirUp, up))
	require.NoError(t, EncryptFRMPayload(key, devAddr, 7, DirDown, down))
	require.NotEqual(t, up, down)
}

func TestComputeMICDeterministicAndKeyed(t *testing.T) {
	var nwkSKey, other AES128Key
	mustDecodeInto(t, "7e151628aed2a6abf7158809cf4f3c2b", nwkSKey[:])
	mustDecodeInto(t, "000102030405060708090a0b0c0d0e0f", other[:])
	devAddr := DevAddrFromUint32(0x26011BDA)
	msg := []byte{0x40, 0xDA, 0x1B, 0x01, 0x26, 0x00, 0x01, 0x00, 0x01, 0x01, 0x02, 0x03}

	mic1, err := ComputeMIC(nwkSKey, devAddr, 1, DirUp, msg)
	require.NoError(t, err)
	mic2, err := ComputeMIC(nwkSKey, devAddr, 1, DirUp, msg)
	require.NoError(t, err)
	require.Equal(t, mic1, mic2)

	micOther, err := ComputeMIC(other, devAddr, 1, DirUp, msg)
	require.NoError(t, err)
	require.NotEqual(t, mic1, micOther)

	micDown, err := ComputeMIC(nwkSKey, devAddr, 1, DirDown, msg)
	require.NoError(t, err)
	require.NotEqual(t, mic1, micDown)

	micFCnt, err := ComputeMIC(nwkSKey, devAddr, 2, DirUp, msg)
	require.NoError(t, err)
	require.NotEqual(t, mic1, micFCnt)
}

func TestComputeMICTamperDetection(t *testing.T) {
	var key AES128Key
	mustDecodeInto(t, "2b7e151628aed2a6abf7158809cf4f3c", key[:])
	devAddr := DevAddrFromUint32(0x11223344)
	msg := make([]byte, 25)
	for i := range msg {
		msg[i] = byte(i)
	}

	mic, err := ComputeMIC(key, devAddr, 42, DirUp, msg)
	require.NoError(t, err)

	msg[10] ^= 0x01
	tampered, err := ComputeMIC(key, devAddr, 42, DirUp, msg)
	require.NoError(t, err)
	require.NotEqual(t, mic, tampered)
}
