package lorawan

import (
	"errors"
	"fmt"
)

// Frame length bounds on the radio.
const (
	MinFrameLength = 12 // MHDR + DevAddr + FCtrl + FCnt + MIC
	MaxFrameLength = 255
	MaxFOptsLength = 15
)

// Decode errors.
var (
	ErrTooShort    = errors.New("lorawan: frame too short")
	ErrTooLong     = errors.New("lorawan: frame exceeds radio length limit")
	ErrBadMType    = errors.New("lorawan: unknown or unexpected MType")
	ErrBadFOptsLen = errors.New("lorawan: FOpts length out of range")
)

// MHDR represents the MAC header
type MHDR struct {
	MType MType
	Major Major
}

// Byte packs the header by shift-and-mask: MType in bits 7..5, Major in 1..0.
func (h MHDR) Byte() byte {
	return byte(h.MType)<<5 | byte(h.Major)&0x03
}

// MHDRFromByte unpacks a raw MAC header octet.
func MHDRFromByte(b byte) MHDR {
	return MHDR{
		MType: MType((b >> 5) & 0x07),
		Major: Major(b & 0x03),
	}
}

// FCtrl represents the frame control byte
type FCtrl struct {
	ADR       bool
	ADRACKReq bool
	ACK       bool
	ClassB    bool
	FPending  bool
}

// FHDR represents the frame header
type FHDR struct {
	DevAddr DevAddr
	FCtrl   FCtrl
	FCnt    uint16
	FOpts   []byte
}

// Frame represents a decoded data frame. Join traffic uses the dedicated
// JoinRequestFrame and JoinAcceptFrame types instead.
type Frame struct {
	MHDR       MHDR
	FHDR       FHDR
	FPort      *uint8
	FRMPayload []byte
	MIC        [4]byte
}

// dataMType reports whether the MType carries an FHDR.
func dataMType(m MType) bool {
	switch m {
	case UnconfirmedDataUp, UnconfirmedDataDown, ConfirmedDataUp, ConfirmedDataDown:
		return true
	}
	return false
}

// Encode produces the packed wire form:
// MHDR | DevAddr | FCtrl | FCnt | FOpts | FPort | FRMPayload | MIC.
// All multi-byte fields are little-endian; the MIC is the last 4 bytes.
func (f *Frame) Encode() ([]byte, error) {
	mac, err := f.encodeMACPayload()
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, 1+len(mac)+4)
	out = append(out, f.MHDR.Byte())
	out = append(out, mac...)
	out = append(out, f.MIC[:]...)

	if len(out) > MaxFrameLength {
		return nil, ErrTooLong
	}
	return out, nil
}

// encodeMACPayload marshals FHDR | FPort | FRMPayload.
func (f *Frame) encodeMACPayload() ([]byte, error) {
	if !dataMType(f.MHDR.MType) {
		return nil, ErrBadMType
	}
	if len(f.FHDR.FOpts) > MaxFOptsLength {
		return nil, ErrBadFOptsLen
	}
	if f.FPort == nil && len(f.FRMPayload) > 0 {
		return nil, fmt.Errorf("lorawan: FRMPayload without FPort")
	}

	out := make([]byte, 0, 7+len(f.FHDR.FOpts)+1+len(f.FRMPayload))
	var devAddr [4]byte
	putDevAddrLE(devAddr[:], f.FHDR.DevAddr)
	out = append(out, devAddr[:]...)

	fctrl := byte(len(f.FHDR.FOpts)) & 0x0F
	if f.FHDR.FCtrl.ADR {
		fctrl |= 0x80
	}
	if f.MHDR.MType.IsUplink() {
		if f.FHDR.FCtrl.ADRACKReq {
			fctrl |= 0x40
		}
		if f.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if f.FHDR.FCtrl.ClassB {
			fctrl |= 0x10
		}
	} else {
		if f.FHDR.FCtrl.ACK {
			fctrl |= 0x20
		}
		if f.FHDR.FCtrl.FPending {
			fctrl |= 0x10
		}
	}
	out = append(out, fctrl)

	out = append(out, byte(f.FHDR.FCnt), byte(f.FHDR.FCnt>>8))
	out = append(out, f.FHDR.FOpts...)

	if f.FPort != nil {
		out = append(out, *f.FPort)
		out = append(out, f.FRMPayload...)
	}
	return out, nil
}

// DecodeFrame parses the packed wire form of a data frame. The wire format is
// explicit; nothing here depends on in-memory struct layout.
func DecodeFrame(data []byte) (*Frame, error) {
	if len(data) < MinFrameLength {
		return nil, ErrTooShort
	}
	if len(data) > MaxFrameLength {
		return nil, ErrTooLong
	}

	f := &Frame{MHDR: MHDRFromByte(data[0])}
	if !dataMType(f.MHDR.MType) {
		return nil, ErrBadMType
	}

	// MACPayload sits between MHDR and the trailing MIC.
	mac := data[1 : len(data)-4]
	copy(f.MIC[:], data[len(data)-4:])

	f.FHDR.DevAddr = DevAddrFromUint32(uint32(mac[0]) | uint32(mac[1])<<8 | uint32(mac[2])<<16 | uint32(mac[3])<<24)

	fctrl := mac[4]
	f.FHDR.FCtrl.ADR = fctrl&0x80 != 0
	if f.MHDR.MType.IsUplink() {
		f.FHDR.FCtrl.ADRACKReq = fctrl&0x40 != 0
		f.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		f.FHDR.FCtrl.ClassB = fctrl&0x10 != 0
	} else {
		f.FHDR.FCtrl.ACK = fctrl&0x20 != 0
		f.FHDR.FCtrl.FPending = fctrl&0x10 != 0
	}

	f.FHDR.FCnt = uint16(mac[5]) | uint16(mac[6])<<8

	foptsLen := int(fctrl & 0x0F)
	pos := 7
	if foptsLen > 0 {
		if pos+foptsLen > len(mac) {
			return nil, ErrBadFOptsLen
		}
		f.FHDR.FOpts = make([]byte, foptsLen)
		copy(f.FHDR.FOpts, mac[pos:pos+foptsLen])
		pos += foptsLen
	}

	if pos < len(mac) {
		fport := mac[pos]
		f.FPort = &fport
		pos++
		if pos < len(mac) {
			f.FRMPayload = make([]byte, len(mac)-pos)
			copy(f.FRMPayload, mac[pos:])
		}
	}
	return f, nil
}

// SetMIC computes the integrity code over the plaintext header and payload
// with the given 32-bit extended counter and stores it in the frame.
func (f *Frame) SetMIC(key AES128Key, fullFCnt uint32) error {
	msg, err := f.micMessage()
	if err != nil {
		return err
	}
	mic, err := ComputeMIC(key, f.FHDR.DevAddr, fullFCnt, f.direction(), msg)
	if err != nil {
		return err
	}
	f.MIC = mic
	return nil
}

// ValidateMIC recomputes the integrity code and compares it against the one
// carried by the frame.
func (f *Frame) ValidateMIC(key AES128Key, fullFCnt uint32) (bool, error) {
	msg, err := f.micMessage()
	if err != nil {
		return false, err
	}
	mic, err := ComputeMIC(key, f.FHDR.DevAddr, fullFCnt, f.direction(), msg)
	if err != nil {
		return false, err
	}
	return mic == f.MIC, nil
}

// EncryptFRMPayload applies the self-inverse payload cipher in place.
func (f *Frame) EncryptFRMPayload(key AES128Key, fullFCnt uint32) error {
	return EncryptFRMPayload(key, f.FHDR.DevAddr, fullFCnt, f.direction(), f.FRMPayload)
}

func (f *Frame) direction() Direction {
	if f.MHDR.MType.IsDownlink() {
		return DirDown
	}
	return DirUp
}

// micMessage returns MHDR | MACPayload, the region the data MIC covers.
func (f *Frame) micMessage() ([]byte, error) {
	mac, err := f.encodeMACPayload()
	if err != nil {
		return nil, err
	}
	msg := make([]byte, 0, 1+len(mac))
	msg = append(msg, f.MHDR.Byte())
	msg = append(msg, mac...)
	return msg, nil
}

// JoinRequestFrame represents a join request as sent on the radio
type JoinRequestFrame struct {
	MHDR     MHDR
	JoinEUI  EUI64
	DevEUI   EUI64
	DevNonce DevNonce
	MIC      [4]byte
}

const joinRequestLength = 1 + 8 + 8 + 2 + 4

// Encode produces MHDR | JoinEUI | DevEUI | DevNonce | MIC.
func (j *JoinRequestFrame) Encode() ([]byte, error) {
	if j.MHDR.MType != JoinRequest {
		return nil, ErrBadMType
	}
	out := make([]byte, 0, joinRequestLength)
	out = append(out, j.MHDR.Byte())
	out = append(out, j.JoinEUI[:]...)
	out = append(out, j.DevEUI[:]...)
	out = append(out, j.DevNonce[:]...)
	out = append(out, j.MIC[:]...)
	return out, nil
}

// DecodeJoinRequest parses a join request frame.
func DecodeJoinRequest(data []byte) (*JoinRequestFrame, error) {
	if len(data) < joinRequestLength {
		return nil, ErrTooShort
	}
	if len(data) != joinRequestLength {
		return nil, fmt.Errorf("lorawan: invalid join request length: %d", len(data))
	}
	j := &JoinRequestFrame{MHDR: MHDRFromByte(data[0])}
	if j.MHDR.MType != JoinRequest {
		return nil, ErrBadMType
	}
	copy(j.JoinEUI[:], data[1:9])
	copy(j.DevEUI[:], data[9:17])
	copy(j.DevNonce[:], data[17:19])
	copy(j.MIC[:], data[19:23])
	return j, nil
}

// SetMIC computes the join request MIC with the application root key.
func (j *JoinRequestFrame) SetMIC(appKey AES128Key) error {
	mic, err := joinMIC(appKey, j.micMessage())
	if err != nil {
		return err
	}
	j.MIC = mic
	return nil
}

// ValidateMIC verifies the join request MIC against the application root key.
func (j *JoinRequestFrame) ValidateMIC(appKey AES128Key) (bool, error) {
	mic, err := joinMIC(appKey, j.micMessage())
	if err != nil {
		return false, err
	}
	return mic == j.MIC, nil
}

func (j *JoinRequestFrame) micMessage() []byte {
	msg := make([]byte, 0, 19)
	msg = append(msg, j.MHDR.Byte())
	msg = append(msg, j.JoinEUI[:]...)
	msg = append(msg, j.DevEUI[:]...)
	msg = append(msg, j.DevNonce[:]...)
	return msg
}

// DLSettings represents downlink settings carried in a join accept
type DLSettings struct {
	RX1DROffset uint8
	RX2DataRate uint8
}

// JoinAcceptFrame represents a join accept in cleartext form. Over the air
// everything past the MHDR travels encrypted; see EncryptJoinAcceptFrame and
// DecryptJoinAcceptFrame.
type JoinAcceptFrame struct {
	MHDR       MHDR
	AppNonce   AppNonce
	NetID      NetID
	DevAddr    DevAddr
	DLSettings DLSettings
	RxDelay    uint8
	CFList     []byte
	MIC        [4]byte
}

// SetMIC computes the join accept MIC over MHDR | cleartext payload.
func (j *JoinAcceptFrame) SetMIC(appKey AES128Key) error {
	mic, err := joinMIC(appKey, j.micMessage())
	if err != nil {
		return err
	}
	j.MIC = mic
	return nil
}

// ValidateMIC verifies the join accept MIC after decryption.
func (j *JoinAcceptFrame) ValidateMIC(appKey AES128Key) (bool, error) {
	mic, err := joinMIC(appKey, j.micMessage())
	if err != nil {
		return false, err
	}
	return mic == j.MIC, nil
}

func (j *JoinAcceptFrame) micMessage() []byte {
	msg := make([]byte, 0, 1+len(j.payloadBytes()))
	msg = append(msg, j.MHDR.Byte())
	msg = append(msg, j.payloadBytes()...)
	return msg
}

func (j *JoinAcceptFrame) payloadBytes() []byte {
	out := make([]byte, 0, 12+len(j.CFList))
	out = append(out, j.AppNonce[:]...)
	out = append(out, j.NetID[:]...)
	out = append(out, j.DevAddr[:]...)
	out = append(out, j.DLSettings.RX1DROffset<<4|j.DLSettings.RX2DataRate&0x0F)
	out = append(out, j.RxDelay)
	out = append(out, j.CFList...)
	return out
}

// EncryptJoinAcceptFrame produces the on-air form: MHDR followed by the
// AES-Decrypt-encrypted payload+MIC block.
func EncryptJoinAcceptFrame(appKey AES128Key, j *JoinAcceptFrame) ([]byte, error) {
	plain := append(j.payloadBytes(), j.MIC[:]...)
	enc, err := encryptJoinAccept(appKey, plain)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 1+len(enc))
	out = append(out, j.MHDR.Byte())
	out = append(out, enc...)
	return out, nil
}

// DecryptJoinAcceptFrame parses and decrypts an on-air join accept.
func DecryptJoinAcceptFrame(appKey AES128Key, data []byte) (*JoinAcceptFrame, error) {
	// MHDR + 12-byte payload + 4-byte MIC at minimum.
	if len(data) < 17 {
		return nil, ErrTooShort
	}
	mhdr := MHDRFromByte(data[0])
	if mhdr.MType != JoinAccept {
		return nil, ErrBadMType
	}

	plain, err := decryptJoinAccept(appKey, data[1:])
	if err != nil {
		return nil, err
	}

	j := &JoinAcceptFrame{MHDR: mhdr}
	copy(j.MIC[:], plain[len(plain)-4:])
	payload := plain[:len(plain)-4]

	copy(j.AppNonce[:], payload[0:3])
	copy(j.NetID[:], payload[3:6])
	copy(j.DevAddr[:], payload[6:10])
	j.DLSettings.RX1DROffset = payload[10] >> 4 & 0x07
	j.DLSettings.RX2DataRate = payload[10] & 0x0F
	j.RxDelay = payload[11]
	if len(payload) > 12 {
		j.CFList = make([]byte, len(payload)-12)
		copy(j.CFList, payload[12:])
	}
	return j, nil
}
