package securecipher

import (
	"crypto/rand"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// KeyAlias is the fixed alias the token key lives under. Changing it orphans
// previously written ciphertexts.
const KeyAlias = "delivery_app_token_key"

const seedLength = 32

// Keyring stores key seeds inside a protected boundary. The seed never needs
// to be the working encryption key; the cipher derives its key from it.
type Keyring interface {
	// Load returns the seed stored under alias, or os.ErrNotExist.
	Load(alias string) ([]byte, error)
	// Store persists the seed under alias.
	Store(alias string, seed []byte) error
}

// FileKeyring keeps seeds in owner-only files under a directory. It is the
// default on platforms without a native keystore service.
type FileKeyring struct {
	dir string
}

// NewFileKeyring creates the keyring directory if needed.
func NewFileKeyring(dir string) (*FileKeyring, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "create keyring dir")
	}
	return &FileKeyring{dir: dir}, nil
}

// Load implements Keyring.
func (k *FileKeyring) Load(alias string) ([]byte, error) {
	seed, err := os.ReadFile(k.path(alias))
	if err != nil {
		return nil, err
	}
	if len(seed) != seedLength {
		return nil, fmt.Errorf("keyring entry %q has invalid length %d", alias, len(seed))
	}
	return seed, nil
}

// Store implements Keyring.
func (k *FileKeyring) Store(alias string, seed []byte) error {
	return os.WriteFile(k.path(alias), seed, 0o600)
}

func (k *FileKeyring) path(alias string) string {
	return filepath.Join(k.dir, alias+".key")
}

// provisionSeed loads the seed under alias, generating and storing a fresh
// random one the first time. Idempotent across restarts.
func provisionSeed(kr Keyring, alias string) ([]byte, error) {
	seed, err := kr.Load(alias)
	if err == nil {
		return seed, nil
	}
	if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "load key seed")
	}
	seed = make([]byte, seedLength)
	if _, err := io.ReadFull(rand.Reader, seed); err != nil {
		return nil, errors.Wrap(err, "generate key seed")
	}
	if err := kr.Store(alias, seed); err != nil {
		return nil, errors.Wrap(err, "store key seed")
	}
	return seed, nil
}
