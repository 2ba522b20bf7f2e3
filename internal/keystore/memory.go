package keystore

import (
	"sort"
	"sync"

	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// MemoryStore is a volatile Store used by tests and by ABP demo setups where
// nothing needs to survive a restart.
type MemoryStore struct {
	mu       sync.RWMutex
	devices  map[lorawan.EUI64]Device
	sessions map[lorawan.EUI64]*Session
	nonces   map[lorawan.EUI64]map[uint16]struct{}
	counters map[lorawan.EUI64][2]uint32
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		devices:  make(map[lorawan.EUI64]Device),
		sessions: make(map[lorawan.EUI64]*Session),
		nonces:   make(map[lorawan.EUI64]map[uint16]struct{}),
		counters: make(map[lorawan.EUI64][2]uint32),
	}
}

func (s *MemoryStore) Store(dev Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[dev.DevEUI] = dev
	return nil
}

func (s *MemoryStore) Lookup(devEUI lorawan.EUI64) (*Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	dev, ok := s.devices[devEUI]
	if !ok {
		return nil, ErrUnknownDevice
	}
	return &dev, nil
}

func (s *MemoryStore) List() ([]DeviceInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]DeviceInfo, 0, len(s.devices))
	for eui, dev := range s.devices {
		info := DeviceInfo{DevEUI: eui, AppEUI: dev.AppEUI}
		if sess, ok := s.sessions[eui]; ok {
			addr := sess.DevAddr
			info.DevAddr = &addr
			info.FCntUp = sess.FCntUp
			info.FCntDown = sess.FCntDown
		} else if c, ok := s.counters[eui]; ok {
			info.FCntUp, info.FCntDown = c[0], c[1]
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].DevEUI.String() < out[j].DevEUI.String()
	})
	return out, nil
}

func (s *MemoryStore) Delete(devEUI lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, devEUI)
	delete(s.sessions, devEUI)
	delete(s.nonces, devEUI)
	delete(s.counters, devEUI)
	return nil
}

func (s *MemoryStore) AttachSession(devEUI lorawan.EUI64, sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[devEUI] = &sess
	return nil
}

func (s *MemoryStore) GetSession(devEUI lorawan.EUI64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[devEUI]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

func (s *MemoryStore) SessionByDevAddr(devAddr lorawan.DevAddr) (lorawan.EUI64, *Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for eui, sess := range s.sessions {
		if sess.DevAddr == devAddr {
			return eui, sess, nil
		}
	}
	return lorawan.EUI64{}, nil, ErrNoSession
}

func (s *MemoryStore) DropSession(devEUI lorawan.EUI64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, devEUI)
	return nil
}

func (s *MemoryStore) SaveCounters(devEUI lorawan.EUI64, fcntUp, fcntDown uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[devEUI] = [2]uint32{fcntUp, fcntDown}
	return nil
}

func (s *MemoryStore) RecordDevNonce(devEUI lorawan.EUI64, nonce lorawan.DevNonce) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seen, ok := s.nonces[devEUI]
	if !ok {
		seen = make(map[uint16]struct{})
		s.nonces[devEUI] = seen
	}
	if _, dup := seen[nonce.Uint16()]; dup {
		return ErrNonceReused
	}
	seen[nonce.Uint16()] = struct{}{}
	return nil
}

func (s *MemoryStore) EraseAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = make(map[lorawan.EUI64]Device)
	s.sessions = make(map[lorawan.EUI64]*Session)
	s.nonces = make(map[lorawan.EUI64]map[uint16]struct{})
	s.counters = make(map[lorawan.EUI64][2]uint32)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
