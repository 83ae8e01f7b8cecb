// Package credstore persists credentials and the last delivery location in a
// small sqlite-backed preferences store. Tokens are encrypted at rest; reads
// that fail to decrypt yield absence rather than errors. The store is the
// single writer of token state and serializes all writes.
package credstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// Preference keys. The legacy keys are the pre-encryption plaintext fields
// and only exist until MigrateIfNeeded has run once.
const (
	keyLegacyAccessToken  = "access_token"
	keyLegacyRefreshToken = "refresh_token"
	keyAccessTokenEnc     = "access_token_enc"
	keyRefreshTokenEnc    = "refresh_token_enc"
	keyLatitude           = "latitude"
	keyLongitude          = "longitude"
)

// Sealer encrypts and decrypts stored secrets. Both operations fail closed:
// false means the value is unusable and must be treated as absent.
type Sealer interface {
	Encrypt(plaintext string) (string, bool)
	Decrypt(encoded string) (string, bool)
}

// Token is a single emission of the access-token stream.
type Token struct {
	Value   string
	Present bool
}

// Store is a durable, observable key-value store over sqlite.
type Store struct {
	db     *sql.DB
	sealer Sealer
	log    zerolog.Logger

	mu      sync.Mutex
	subs    map[int]chan Token
	nextSub int
	closed  bool
}

// Open opens (creating if necessary) the preferences database at path.
func Open(path string, sealer Sealer, logger zerolog.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open prefs db: %w", err)
	}
	// A single connection keeps reads snapshot-consistent with the
	// serialized writes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(`
CREATE TABLE IF NOT EXISTS prefs (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create prefs table: %w", err)
	}
	return &Store{
		db:     db,
		sealer: sealer,
		log:    logger.With().Str("component", "credstore").Logger(),
		subs:   make(map[int]chan Token),
	}, nil
}

// Close releases the database and terminates all watch channels.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, ch := range s.subs {
			close(ch)
			delete(s.subs, id)
		}
	}
	s.mu.Unlock()
	return s.db.Close()
}

// AccessToken returns the decrypted access token. Decryption failure is
// reported as absence, not as an error.
func (s *Store) AccessToken(ctx context.Context) (string, bool, error) {
	return s.decryptedPref(ctx, keyAccessTokenEnc)
}

// RefreshToken returns the decrypted refresh token.
func (s *Store) RefreshToken(ctx context.Context) (string, bool, error) {
	return s.decryptedPref(ctx, keyRefreshTokenEnc)
}

// SaveTokens encrypts and stores both tokens in one transaction. If either
// encryption fails nothing is written: a plaintext fallback is never
// persisted and a pair is never stored half-updated.
func (s *Store) SaveTokens(ctx context.Context, access, refresh string) error {
	encAccess, okAccess := s.sealer.Encrypt(access)
	encRefresh, okRefresh := s.sealer.Encrypt(refresh)
	if !okAccess || !okRefresh {
		s.log.Error().Msg("token encryption failed, nothing saved")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.write(ctx, map[string]string{
		keyAccessTokenEnc:  encAccess,
		keyRefreshTokenEnc: encRefresh,
	}, nil)
	if err != nil {
		return err
	}
	s.broadcastLocked(ctx)
	return nil
}

// ClearTokens removes both token entries in one transaction.
func (s *Store) ClearTokens(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.write(ctx, nil, []string{keyAccessTokenEnc, keyRefreshTokenEnc})
	if err != nil {
		return err
	}
	s.broadcastLocked(ctx)
	return nil
}

// SaveLocation stores the last-known delivery coordinate. Coordinates are not
// sensitive and are kept in plaintext, independent of the token entries.
func (s *Store) SaveLocation(ctx context.Context, lat, lng float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, map[string]string{
		keyLatitude:  strconv.FormatFloat(lat, 'f', -1, 64),
		keyLongitude: strconv.FormatFloat(lng, 'f', -1, 64),
	}, nil)
}

// Location returns the stored coordinate, if any.
func (s *Store) Location(ctx context.Context) (lat, lng float64, ok bool, err error) {
	latStr, haveLat, err := s.getPref(ctx, keyLatitude)
	if err != nil || !haveLat {
		return 0, 0, false, err
	}
	lngStr, haveLng, err := s.getPref(ctx, keyLongitude)
	if err != nil || !haveLng {
		return 0, 0, false, err
	}
	lat, errLat := strconv.ParseFloat(latStr, 64)
	lng, errLng := strconv.ParseFloat(lngStr, 64)
	if errLat != nil || errLng != nil {
		return 0, 0, false, nil
	}
	return lat, lng, true, nil
}

// ClearLocation removes the stored coordinate.
func (s *Store) ClearLocation(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, nil, []string{keyLatitude, keyLongitude})
}

// GetString reads an arbitrary plaintext preference. Token entries go through
// the dedicated accessors, never through this.
func (s *Store) GetString(ctx context.Context, key string) (string, bool, error) {
	return s.getPref(ctx, key)
}

// PutString writes an arbitrary plaintext preference.
func (s *Store) PutString(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(ctx, map[string]string{key: value}, nil)
}

func (s *Store) decryptedPref(ctx context.Context, key string) (string, bool, error) {
	encoded, ok, err := s.getPref(ctx, key)
	if err != nil || !ok {
		return "", false, err
	}
	plaintext, ok := s.sealer.Decrypt(encoded)
	if !ok {
		return "", false, nil
	}
	return plaintext, true, nil
}

func (s *Store) getPref(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM prefs WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get pref %s: %w", key, err)
	}
	return value, true, nil
}

// write applies upserts and deletes in a single transaction. Callers hold mu.
func (s *Store) write(ctx context.Context, sets map[string]string, deletes []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin prefs tx: %w", err)
	}
	defer tx.Rollback()

	for key, value := range sets {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO prefs (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value
`, key, value); err != nil {
			return fmt.Errorf("set pref %s: %w", key, err)
		}
	}
	for _, key := range deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM prefs WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete pref %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit prefs tx: %w", err)
	}
	return nil
}
