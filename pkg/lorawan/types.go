package lorawan

import (
	"database/sql/driver"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// EUI64 represents an 8-byte Extended Unique Identifier
type EUI64 [8]byte

// String returns hex string representation
func (e EUI64) String() string {
	return hex.EncodeToString(e[:])
}

// MarshalJSON implements json.Marshaler
func (e EUI64) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (e *EUI64) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return e.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler
func (e *EUI64) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 8 {
		return fmt.Errorf("invalid EUI64 length: %d", len(b))
	}
	copy(e[:], b)
	return nil
}

// Value implements driver.Valuer
func (e EUI64) Value() (driver.Value, error) {
	return e[:], nil
}

// Scan implements sql.Scanner
func (e *EUI64) Scan(src interface{}) error {
	b, ok := src.([]byte)
	if !ok || len(b) != 8 {
		return fmt.Errorf("invalid EUI64 source")
	}
	copy(e[:], b)
	return nil
}

// DevAddr represents a 4-byte device address
type DevAddr [4]byte

// DevAddrFromUint32 builds a DevAddr from its numeric form.
func DevAddrFromUint32(v uint32) DevAddr {
	var d DevAddr
	binary.BigEndian.PutUint32(d[:], v)
	return d
}

// Uint32 returns the numeric form of the address.
func (d DevAddr) Uint32() uint32 {
	return binary.BigEndian.Uint32(d[:])
}

// String returns hex string representation
func (d DevAddr) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON implements json.Marshaler
func (d DevAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON implements json.Unmarshaler
func (d *DevAddr) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *DevAddr) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 4 {
		return fmt.Errorf("invalid DevAddr length: %d", len(b))
	}
	copy(d[:], b)
	return nil
}

// AES128Key represents a 128-bit AES key
type AES128Key [16]byte

// String returns hex string representation
func (k AES128Key) String() string {
	return hex.EncodeToString(k[:])
}

// UnmarshalText implements encoding.TextUnmarshaler
func (k *AES128Key) UnmarshalText(text []byte) error {
	b, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(b) != 16 {
		return fmt.Errorf("invalid AES128Key length: %d", len(b))
	}
	copy(k[:], b)
	return nil
}

// DevNonce represents the 2-byte device nonce of a join exchange
type DevNonce [2]byte

// DevNonceFromUint16 builds a DevNonce in wire (little-endian) order.
func DevNonceFromUint16(v uint16) DevNonce {
	var n DevNonce
	binary.LittleEndian.PutUint16(n[:], v)
	return n
}

// Uint16 returns the numeric form of the nonce.
func (n DevNonce) Uint16() uint16 {
	return binary.LittleEndian.Uint16(n[:])
}

// AppNonce represents the 3-byte server nonce of a join exchange
type AppNonce [3]byte

// NetID represents the 3-byte network identifier
type NetID [3]byte

// MType represents the message type
type MType byte

const (
	JoinRequest MType = iota
	JoinAccept
	UnconfirmedDataUp
	UnconfirmedDataDown
	ConfirmedDataUp
	ConfirmedDataDown
	RFU
	Proprietary
)

// String returns the message type name
func (m MType) String() string {
	switch m {
	case JoinRequest:
		return "JoinRequest"
	case JoinAccept:
		return "JoinAccept"
	case UnconfirmedDataUp:
		return "UnconfirmedDataUp"
	case UnconfirmedDataDown:
		return "UnconfirmedDataDown"
	case ConfirmedDataUp:
		return "ConfirmedDataUp"
	case ConfirmedDataDown:
		return "ConfirmedDataDown"
	case Proprietary:
		return "Proprietary"
	default:
		return "RFU"
	}
}

// IsUplink reports whether the message type travels device-to-network.
func (m MType) IsUplink() bool {
	switch m {
	case JoinRequest, UnconfirmedDataUp, ConfirmedDataUp:
		return true
	}
	return false
}

// IsDownlink reports whether the message type travels network-to-device.
func (m MType) IsDownlink() bool {
	switch m {
	case JoinAccept, UnconfirmedDataDown, ConfirmedDataDown:
		return true
	}
	return false
}

// Major represents the LoRaWAN major version
type Major byte

const (
	LoRaWAN1_0 Major = 0
)

// Direction discriminates uplink from downlink in the crypto block layouts.
type Direction byte

const (
	DirUp   Direction = 0
	DirDown Direction = 1
)

// ActivationMode represents device activation mode
type ActivationMode string

const (
	OTAA ActivationMode = "OTAA"
	ABP  ActivationMode = "ABP"
)
