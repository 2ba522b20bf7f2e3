package lorawan

import (
	"crypto/aes"
	"encoding/binary"
)

// AES128Encrypt runs a single AES-128 ECB block operation.
func AES128Encrypt(key AES128Key, in [16]byte) ([16]byte, error) {
	var out [16]byte
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return out, err
	}
	block.Encrypt(out[:], in[:])
	return out, nil
}

// EncryptFRMPayload applies the LoRaWAN CTR-style payload cipher in place.
// Keystream block i is AES(key, A_i) with
// A_i = 0x01 | 4x0x00 | dir | DevAddr LE | FCnt LE (32-bit) | 0x00 | i.
// XOR makes the operation its own inverse.
func EncryptFRMPayload(key AES128Key, devAddr DevAddr, fCnt uint32, dir Direction, payload []byte) error {
	if len(payload) == 0 {
		return nil
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return err
	}

	var a [16]byte
	a[0] = 0x01
	a[5] = byte(dir)
	putDevAddrLE(a[6:10], devAddr)
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	k := (len(payload) + 15) / 16
	var s [16]byte
	for i := 0; i < k; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(s[:], a[:])
		for j := i * 16; j < len(payload) && j < (i+1)*16; j++ {
			payload[j] ^= s[j%16]
		}
	}
	return nil
}

// ComputeMIC computes the 4-byte data-frame integrity code: the first four
// bytes of CMAC(key, B0 | msg) with
// B0 = 0x49 | 4x0x00 | dir | DevAddr LE | FCnt LE (32-bit) | 0x00 | len(msg).
// For uplinks msg is the plaintext MHDR and MACPayload.
func ComputeMIC(key AES128Key, devAddr DevAddr, fCnt uint32, dir Direction, msg []byte) ([4]byte, error) {
	var mic [4]byte

	var b0 [16]byte
	b0[0] = 0x49
	b0[5] = byte(dir)
	putDevAddrLE(b0[6:10], devAddr)
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(msg))

	buf := make([]byte, 0, 16+len(msg))
	buf = append(buf, b0[:]...)
	buf = append(buf, msg...)

	mac, err := aesCMAC(key, buf)
	if err != nil {
		return mic, err
	}
	copy(mic[:], mac[:4])
	return mic, nil
}

// joinMIC computes the MIC of a join request or cleartext join accept:
// CMAC(key, MHDR | payload) truncated to 4 bytes.
func joinMIC(key AES128Key, msg []byte) ([4]byte, error) {
	var mic [4]byte
	mac, err := aesCMAC(key, msg)
	if err != nil {
		return mic, err
	}
	copy(mic[:], mac[:4])
	return mic, nil
}

// putDevAddrLE writes the address in wire (little-endian) order.
func putDevAddrLE(dst []byte, d DevAddr) {
	binary.LittleEndian.PutUint32(dst, d.Uint32())
}
