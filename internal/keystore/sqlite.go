package keystore

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog/log"

	"github.com/agrimesh/field-gateway/pkg/crypto"
	"github.com/agrimesh/field-gateway/pkg/lorawan"
)

// SQLiteStore is the on-device key store. Device records and join nonces are
// persistent; sessions live in memory only. Root keys are sealed with AES-GCM
// under a key stretched from the operator passphrase.
type SQLiteStore struct {
	db      *sql.DB
	sealKey []byte

	mu       sync.RWMutex
	sessions map[lorawan.EUI64]*Session
}

// Open opens or creates the key store database.
func Open(path, passphrase string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open key store: %w", err)
	}

	s := &SQLiteStore{
		db:       db,
		sessions: make(map[lorawan.EUI64]*Session),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate key store: %w", err)
	}

	salt, err := s.loadOrCreateSalt()
	if err != nil {
		db.Close()
		return nil, err
	}
	s.sealKey = crypto.DeriveKey(passphrase, salt)

	return s, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS devices (
		dev_eui    BLOB PRIMARY KEY,
		app_eui    BLOB NOT NULL,
		app_key    BLOB NOT NULL,
		nwk_key    BLOB NOT NULL,
		dev_addr   BLOB,
		fcnt_up    INTEGER NOT NULL DEFAULT 0,
		fcnt_down  INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS dev_nonces (
		dev_eui BLOB NOT NULL,
		nonce   INTEGER NOT NULL,
		seen_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (dev_eui, nonce)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value BLOB NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) loadOrCreateSalt() ([]byte, error) {
	var salt []byte
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'seal_salt'`).Scan(&salt)
	if err == sql.ErrNoRows {
		salt, err = crypto.GenerateSalt()
		if err != nil {
			return nil, fmt.Errorf("generate salt: %w", err)
		}
		if _, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES ('seal_salt', ?)`, salt); err != nil {
			return nil, fmt.Errorf("store salt: %w", err)
		}
		return salt, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load salt: %w", err)
	}
	return salt, nil
}

// Store provisions or overwrites a device record.
func (s *SQLiteStore) Store(dev Device) error {
	appKey, err := crypto.Encrypt(s.sealKey, dev.AppKey[:])
	if err != nil {
		return fmt.Errorf("seal app key: %w", err)
	}
	nwkKey, err := crypto.Encrypt(s.sealKey, dev.NwkKey[:])
	if err != nil {
		return fmt.Errorf("seal nwk key: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO devices (dev_eui, app_eui, app_key, nwk_key)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (dev_eui) DO UPDATE SET
			app_eui = excluded.app_eui,
			app_key = excluded.app_key,
			nwk_key = excluded.nwk_key,
			updated_at = CURRENT_TIMESTAMP`,
		dev.DevEUI[:], dev.AppEUI[:], appKey, nwkKey)
	if err != nil {
		return fmt.Errorf("store device: %w", err)
	}

	log.Info().Str("dev_eui", dev.DevEUI.String()).Msg("device keys stored")
	return nil
}

// Lookup returns the unsealed root keys for a device.
func (s *SQLiteStore) Lookup(devEUI lorawan.EUI64) (*Device, error) {
	var appEUI, appKey, nwkKey []byte
	err := s.db.QueryRow(`
		SELECT app_eui, app_key, nwk_key FROM devices WHERE dev_eui = ?`,
		devEUI[:]).Scan(&appEUI, &appKey, &nwkKey)
	if err == sql.ErrNoRows {
		return nil, ErrUnknownDevice
	}
	if err != nil {
		return nil, fmt.Errorf("lookup device: %w", err)
	}

	dev := &Device{DevEUI: devEUI}
	copy(dev.AppEUI[:], appEUI)

	// A record that no longer unseals means the database or passphrase is
	// damaged, not that the device is unknown.
	plain, err := crypto.Decrypt(s.sealKey, appKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal app key: %v", ErrStoreCorrupt, err)
	}
	copy(dev.AppKey[:], plain)

	plain, err = crypto.Decrypt(s.sealKey, nwkKey)
	if err != nil {
		return nil, fmt.Errorf("%w: unseal nwk key: %v", ErrStoreCorrupt, err)
	}
	copy(dev.NwkKey[:], plain)

	return dev, nil
}

// List returns the key-free view of every provisioned device.
func (s *SQLiteStore) List() ([]DeviceInfo, error) {
	rows, err := s.db.Query(`
		SELECT dev_eui, app_eui, dev_addr, fcnt_up, fcnt_down
		FROM devices ORDER BY dev_eui`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []DeviceInfo
	for rows.Next() {
		var info DeviceInfo
		var devEUI, appEUI, devAddr []byte
		if err := rows.Scan(&devEUI, &appEUI, &devAddr, &info.FCntUp, &info.FCntDown); err != nil {
			return nil, err
		}
		copy(info.DevEUI[:], devEUI)
		copy(info.AppEUI[:], appEUI)
		if len(devAddr) == 4 {
			var addr lorawan.DevAddr
			copy(addr[:], devAddr)
			info.DevAddr = &addr
		}
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes one device and its session state.
func (s *SQLiteStore) Delete(devEUI lorawan.EUI64) error {
	if _, err := s.db.Exec(`DELETE FROM devices WHERE dev_eui = ?`, devEUI[:]); err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if _, err := s.db.Exec(`DELETE FROM dev_nonces WHERE dev_eui = ?`, devEUI[:]); err != nil {
		return fmt.Errorf("delete nonces: %w", err)
	}

	s.mu.Lock()
	delete(s.sessions, devEUI)
	s.mu.Unlock()
	return nil
}

// AttachSession installs the session created by a join exchange.
func (s *SQLiteStore) AttachSession(devEUI lorawan.EUI64, sess Session) error {
	_, err := s.db.Exec(`
		UPDATE devices SET dev_addr = ?, fcnt_up = ?, fcnt_down = ?, updated_at = CURRENT_TIMESTAMP
		WHERE dev_eui = ?`,
		sess.DevAddr[:], sess.FCntUp, sess.FCntDown, devEUI[:])
	if err != nil {
		return fmt.Errorf("attach session: %w", err)
	}

	s.mu.Lock()
	s.sessions[devEUI] = &sess
	s.mu.Unlock()
	return nil
}

// GetSession returns the active session for a device.
func (s *SQLiteStore) GetSession(devEUI lorawan.EUI64) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[devEUI]
	if !ok {
		return nil, ErrNoSession
	}
	return sess, nil
}

// SessionByDevAddr resolves the session owning an on-air address.
func (s *SQLiteStore) SessionByDevAddr(devAddr lorawan.DevAddr) (lorawan.EUI64, *Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for eui, sess := range s.sessions {
		if sess.DevAddr == devAddr {
			return eui, sess, nil
		}
	}
	return lorawan.EUI64{}, nil, ErrNoSession
}

// DropSession discards the active session, keeping the root keys.
func (s *SQLiteStore) DropSession(devEUI lorawan.EUI64) error {
	s.mu.Lock()
	delete(s.sessions, devEUI)
	s.mu.Unlock()
	return nil
}

// SaveCounters persists the extended frame counters of a session.
func (s *SQLiteStore) SaveCounters(devEUI lorawan.EUI64, fcntUp, fcntDown uint32) error {
	_, err := s.db.Exec(`
		UPDATE devices SET fcnt_up = ?, fcnt_down = ?, updated_at = CURRENT_TIMESTAMP
		WHERE dev_eui = ?`,
		fcntUp, fcntDown, devEUI[:])
	if err != nil {
		return fmt.Errorf("save counters: %w", err)
	}
	return nil
}

// RecordDevNonce registers a join nonce, refusing reuse.
func (s *SQLiteStore) RecordDevNonce(devEUI lorawan.EUI64, nonce lorawan.DevNonce) error {
	res, err := s.db.Exec(`
		INSERT INTO dev_nonces (dev_eui, nonce) VALUES (?, ?)
		ON CONFLICT (dev_eui, nonce) DO NOTHING`,
		devEUI[:], int64(nonce.Uint16()))
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNonceReused
	}
	return nil
}

// EraseAll drops every key, session and nonce.
func (s *SQLiteStore) EraseAll() error {
	for _, stmt := range []string{
		`DELETE FROM devices`,
		`DELETE FROM dev_nonces`,
	} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("erase: %w", err)
		}
	}

	s.mu.Lock()
	s.sessions = make(map[lorawan.EUI64]*Session)
	s.mu.Unlock()

	log.Warn().Msg("key store erased")
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
