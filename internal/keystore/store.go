// Package keystore persists device root keys and tracks the volatile session
// state derived from them. Root keys are written once at provisioning time and
// only ever leave the store into the crypto primitives; session keys are never
// persisted because they are rederivable from the root keys and join nonces.
package keystore

import (
	"errors"
	"time"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// Common errors
var (
	ErrUnknownDevice = errors.New("keystore: unknown device")
	ErrNoSession     = errors.New("keystore: no active session")
	ErrNonceReused   = errors.New("keystore: DevNonce already seen")
	ErrStoreCorrupt  = errors.New("keystore: store corrupt")
)

// Device represents a provisioned end-device with its root keys.
type Device struct {
	DevEUI lorawan.EUI64
	AppEUI lorawan.EUI64
	AppKey lorawan.AES128Key
	NwkKey lorawan.AES128Key
}

// DeviceInfo is the key-free view of a provisioned device.
type DeviceInfo struct {
	DevEUI   lorawan.EUI64    `json:"devEUI"`
	AppEUI   lorawan.EUI64    `json:"appEUI"`
	DevAddr  *lorawan.DevAddr `json:"devAddr,omitempty"`
	FCntUp   uint32           `json:"fCntUp"`
	FCntDown uint32           `json:"fCntDown"`
}

// Session holds the state created by a successful join and destroyed by
// re-join or an explicit erase. Counters are the 32-bit extended forms.
type Session struct {
	DevAddr   lorawan.DevAddr
	NwkSKey   lorawan.AES128Key
	AppSKey   lorawan.AES128Key
	FCntUp    uint32
	FCntDown  uint32
	AppNonce  lorawan.AppNonce
	DevNonce  lorawan.DevNonce
	CreatedAt time.Time

	// UpSeen and DownSeen distinguish a fresh session, whose first frame in
	// either direction may legitimately carry wire counter 0, from one with
	// counter history. They are volatile like the session keys.
	UpSeen   bool
	DownSeen bool
}

// Store defines the key store contract consumed by the MAC layer.
type Store interface {
	// Store provisions or overwrites a device record. Idempotent.
	Store(dev Device) error
	// Lookup returns the root keys for a device.
	Lookup(devEUI lorawan.EUI64) (*Device, error)
	// List returns the key-free view of every provisioned device.
	List() ([]DeviceInfo, error)
	// Delete removes one device and its session state.
	Delete(devEUI lorawan.EUI64) error

	// AttachSession installs the session created by a join exchange,
	// replacing any previous one.
	AttachSession(devEUI lorawan.EUI64, s Session) error
	// GetSession returns the active session for a device.
	GetSession(devEUI lorawan.EUI64) (*Session, error)
	// SessionByDevAddr resolves the session owning an on-air address.
	SessionByDevAddr(devAddr lorawan.DevAddr) (lorawan.EUI64, *Session, error)
	// DropSession discards the active session, keeping the root keys.
	DropSession(devEUI lorawan.EUI64) error
	// SaveCounters persists the extended frame counters of a session.
	SaveCounters(devEUI lorawan.EUI64, fcntUp, fcntDown uint32) error

	// RecordDevNonce registers a join nonce, refusing any value already
	// seen for the device.
	RecordDevNonce(devEUI lorawan.EUI64, nonce lorawan.DevNonce) error

	// EraseAll drops every key, session and nonce.
	EraseAll() error

	Close() error
}
