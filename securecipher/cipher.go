// Package securecipher provides authenticated encryption for short secrets
// such as bearer tokens. Ciphertexts are serialized as
// base64(iv) + "." + base64(ciphertext||tag) and fail closed on any
// decryption problem: callers see absence, never an error.
package securecipher

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"io"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/hkdf"
)

const fieldSeparator = "."

// Cipher encrypts and decrypts short UTF-8 strings with AES-256-GCM.
// The working key is derived from a keyring seed with HKDF-SHA256, so the
// material at rest differs from the key used for encryption.
type Cipher struct {
	aead cipher.AEAD
	log  zerolog.Logger
}

// New provisions the key under KeyAlias (generating it on first use) and
// returns a ready cipher.
func New(kr Keyring, logger zerolog.Logger) (*Cipher, error) {
	seed, err := provisionSeed(kr, KeyAlias)
	if err != nil {
		return nil, err
	}
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, seed, nil, []byte("token-encryption-key"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, errors.Wrap(err, "derive encryption key")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errors.Wrap(err, "init aes")
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, "init gcm")
	}
	return &Cipher{
		aead: aead,
		log:  logger.With().Str("component", "securecipher").Logger(),
	}, nil
}

// Encrypt seals plaintext under a fresh random IV. Returns false on any
// cryptographic failure; the failure is logged, never raised.
func (c *Cipher) Encrypt(plaintext string) (string, bool) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		c.log.Error().Err(err).Msg("iv generation failed")
		return "", false
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	encoded := base64.StdEncoding.EncodeToString(iv) +
		fieldSeparator +
		base64.StdEncoding.EncodeToString(sealed)
	return encoded, true
}

// Decrypt opens an encoded field. Returns false on malformed input, a wrong
// authentication tag, or any other failure. Absence is indistinguishable from
// "no credential" to the caller.
func (c *Cipher) Decrypt(encoded string) (string, bool) {
	parts := strings.Split(encoded, fieldSeparator)
	if len(parts) != 2 {
		c.log.Warn().Msg("encrypted field has invalid format")
		return "", false
	}
	iv, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil {
		c.log.Warn().Err(err).Msg("encrypted field has invalid iv encoding")
		return "", false
	}
	if len(iv) != c.aead.NonceSize() {
		c.log.Warn().Int("len", len(iv)).Msg("encrypted field has invalid iv length")
		return "", false
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		c.log.Warn().Err(err).Msg("encrypted field has invalid ciphertext encoding")
		return "", false
	}
	plaintext, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		c.log.Warn().Err(err).Msg("decryption failed")
		return "", false
	}
	return string(plaintext), true
}
