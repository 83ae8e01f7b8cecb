// Package deviceid assigns a stable per-install identifier, sent with login
// and signup requests so the backend can bind sessions to a device.
package deviceid

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const prefKey = "device_id"

// Prefs is the plaintext-preference slice of the credential store.
type Prefs interface {
	GetString(ctx context.Context, key string) (string, bool, error)
	PutString(ctx context.Context, key, value string) error
}

// Ensure returns the install's device ID, generating and persisting one on
// first use.
func Ensure(ctx context.Context, prefs Prefs) (string, error) {
	id, ok, err := prefs.GetString(ctx, prefKey)
	if err != nil {
		return "", errors.Wrap(err, "read device id")
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := prefs.PutString(ctx, prefKey, id); err != nil {
		return "", errors.Wrap(err, "persist device id")
	}
	return id, nil
}
